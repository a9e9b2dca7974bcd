package config

import (
	"os"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Review.Quorum != 3 || cfg.Review.TiePolicy != "wait" {
		t.Fatalf("unexpected review defaults: %+v", cfg.Review)
	}
	if cfg.Mint.BaseDelay != time.Second || cfg.Mint.MaxDelay != 5*time.Minute {
		t.Fatalf("unexpected mint delays: %+v", cfg.Mint)
	}
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("review:\n  quorum: 4\n  tie_policy: reject\n"))
	if err != nil {
		t.Fatalf("from yaml: %v", err)
	}
	if cfg.Review.Quorum != 4 || cfg.Review.TiePolicy != "reject" {
		t.Fatalf("expected overrides, got %+v", cfg.Review)
	}
	if cfg.Mint.MaxAttempts != 5 {
		t.Fatalf("expected untouched mint defaults, got %d", cfg.Mint.MaxAttempts)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"zero quorum":      "review:\n  quorum: 0\n",
		"bad tie policy":   "review:\n  tie_policy: coinflip\n",
		"http no endpoint": "mint:\n  adapter: http\n",
		"bad adapter":      "mint:\n  adapter: carrier-pigeon\n",
		"webhook no url":   "webhooks:\n  - secret: s\n",
	}
	for name, doc := range cases {
		if _, err := FromYAML([]byte(doc)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestLoadAppliesEnv(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(Path(dir), []byte("review:\n  quorum: 5\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("HELLAFRESH_REVIEW_QUORUM", "7")
	t.Setenv("HELLAFRESH_MINT_MAX_ATTEMPTS", "2")
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Review.Quorum != 7 {
		t.Fatalf("expected env quorum 7, got %d", cfg.Review.Quorum)
	}
	if cfg.Mint.MaxAttempts != 2 {
		t.Fatalf("expected env max attempts 2, got %d", cfg.Mint.MaxAttempts)
	}
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mint.Adapter != AdapterMemory {
		t.Fatalf("expected memory adapter, got %s", cfg.Mint.Adapter)
	}
}

func TestCORSOriginsDefaultAndOverride(t *testing.T) {
	cfg := Default()
	if len(cfg.Server.CORSOrigins) != 2 || cfg.Server.CORSOrigins[0] != "http://localhost:5173" || cfg.Server.CORSOrigins[1] != "http://localhost:3000" {
		t.Fatalf("unexpected default origins: %v", cfg.Server.CORSOrigins)
	}

	fromFile, err := FromYAML([]byte("server:\n  cors_origins:\n    - https://hellafresh.app\n"))
	if err != nil {
		t.Fatalf("from yaml: %v", err)
	}
	if len(fromFile.Server.CORSOrigins) != 1 || fromFile.Server.CORSOrigins[0] != "https://hellafresh.app" {
		t.Fatalf("expected file origins to replace defaults, got %v", fromFile.Server.CORSOrigins)
	}

	t.Setenv("HELLAFRESH_CORS_ORIGINS", "https://a.example,https://b.example")
	fromEnv, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(fromEnv.Server.CORSOrigins) != 2 || fromEnv.Server.CORSOrigins[1] != "https://b.example" {
		t.Fatalf("expected env origins, got %v", fromEnv.Server.CORSOrigins)
	}
}
