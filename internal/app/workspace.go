package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"hellafresh/internal/config"
	"hellafresh/internal/db"
	"hellafresh/internal/engine"
	"hellafresh/internal/migrate"
	"hellafresh/internal/mint"
)

// Workspace bundles everything a command needs to operate on one workspace.
type Workspace struct {
	Dir    string
	DB     *sql.DB
	Config *config.Config
	Engine engine.Engine
}

// Open loads the workspace config, opens the database, brings the schema up
// to date and builds the engine.
func Open(ctx context.Context, dir string, logger *slog.Logger) (*Workspace, error) {
	cfg, err := config.Load(dir)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	conn, err := db.Open(db.Config{
		Workspace:         dir,
		BusyTimeoutMillis: int(cfg.Storage.BusyTimeout.Milliseconds()),
	})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	e := engine.New(conn, cfg)
	e.Logger = engine.ResolveLogger(logger)
	return &Workspace{Dir: dir, DB: conn, Config: cfg, Engine: e}, nil
}

func (w *Workspace) Close() error {
	if w == nil || w.DB == nil {
		return nil
	}
	return w.DB.Close()
}

// MintAdapter builds the ledger adapter named in config.
func MintAdapter(cfg config.Mint) (mint.Adapter, error) {
	switch cfg.Adapter {
	case config.AdapterMemory, "":
		return mint.NewLedger(), nil
	case config.AdapterHTTP:
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("mint endpoint not configured")
		}
		return mint.NewHTTPAdapter(cfg.Endpoint, cfg.Token, cfg.Timeout), nil
	default:
		return nil, fmt.Errorf("unknown mint adapter %q", cfg.Adapter)
	}
}

// NewMinter wires the configured adapter to the workspace engine.
func (w *Workspace) NewMinter() (*engine.Minter, error) {
	adapter, err := MintAdapter(w.Config.Mint)
	if err != nil {
		return nil, err
	}
	return engine.NewMinter(w.Engine, adapter), nil
}
