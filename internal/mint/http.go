package mint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"hellafresh/internal/domain"
)

const defaultHTTPTimeout = 10 * time.Second

// HTTPAdapter hands words to a minting service over HTTP. The word id is sent
// as the Idempotency-Key so the service can collapse repeated attempts.
type HTTPAdapter struct {
	Endpoint   string
	Token      string
	HTTPClient *http.Client
	Timeout    time.Duration
}

func NewHTTPAdapter(endpoint, token string, timeout time.Duration) *HTTPAdapter {
	return &HTTPAdapter{Endpoint: endpoint, Token: token, Timeout: timeout}
}

type mintRequest struct {
	WordID       string   `json:"word_id"`
	Text         string   `json:"text"`
	Definition   string   `json:"definition"`
	UsageExample string   `json:"usage_example,omitempty"`
	Origin       string   `json:"origin,omitempty"`
	SubmittedBy  string   `json:"submitted_by,omitempty"`
	Tags         []string `json:"tags"`
	ApprovedAt   string   `json:"approved_at,omitempty"`
}

type mintResponse struct {
	Reference string `json:"reference"`
}

func (a *HTTPAdapter) Mint(ctx context.Context, w domain.Word) (string, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(a.Endpoint), "/")
	if endpoint == "" {
		return "", Fatalf("mint endpoint not configured")
	}
	body := mintRequest{
		WordID:       w.ID,
		Text:         w.Text,
		Definition:   w.Definition,
		UsageExample: w.UsageExample,
		Origin:       w.Origin.Location,
		SubmittedBy:  w.SubmittedBy,
		Tags:         w.Tags,
	}
	if w.ResolvedAt != nil {
		body.ApprovedAt = *w.ResolvedAt
	}
	data, err := json.Marshal(body)
	if err != nil {
		return "", Fatal(err)
	}
	timeout := a.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/mints", bytes.NewReader(data))
	if err != nil {
		return "", Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Idempotency-Key", w.ID)
	if a.Token != "" {
		req.Header.Set("Authorization", "Bearer "+a.Token)
	}
	client := a.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(req)
	if err != nil {
		return "", Retryable(err)
	}
	defer res.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", Retryable(fmt.Errorf("read mint response: %w", err))
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		statusErr := fmt.Errorf("mint service status %d: %s", res.StatusCode, strings.TrimSpace(string(payload)))
		if retryableStatus(res.StatusCode) {
			return "", Retryable(statusErr)
		}
		return "", Fatal(statusErr)
	}
	var out mintResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return "", Fatal(fmt.Errorf("decode mint response: %w", err))
	}
	ref := strings.TrimSpace(out.Reference)
	if ref == "" {
		return "", Fatal(errors.New("mint service returned an empty reference"))
	}
	return ref, nil
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	}
	return code >= 500
}
