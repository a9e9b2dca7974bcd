package hellafreshsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal HellaFresh HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	ReviewerID  string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

type Origin struct {
	Location    string `json:"location,omitempty"`
	SubmittedAt string `json:"submitted_at"`
}

// Word mirrors the API word model.
type Word struct {
	ID            string   `json:"id"`
	Text          string   `json:"text"`
	Definition    string   `json:"definition"`
	UsageExample  string   `json:"usage_example,omitempty"`
	Origin        Origin   `json:"origin"`
	SubmittedBy   string   `json:"submitted_by,omitempty"`
	Tags          []string `json:"tags"`
	Status        string   `json:"status"`
	StatusLabel   string   `json:"status_label"`
	MintReference string   `json:"mint_reference,omitempty"`
	MintFlag      string   `json:"mint_flag,omitempty"`
	MintError     string   `json:"mint_error,omitempty"`
	CreatedAt     string   `json:"created_at"`
	UpdatedAt     string   `json:"updated_at"`
}

type Vote struct {
	WordID     string `json:"word_id"`
	ReviewerID string `json:"reviewer_id"`
	Decision   string `json:"decision"`
	Rationale  string `json:"rationale,omitempty"`
	CastAt     string `json:"cast_at"`
	Seq        int64  `json:"seq"`
}

type Tally struct {
	Counted  int `json:"counted"`
	Approve  int `json:"approve"`
	Reject   int `json:"reject"`
	Required int `json:"required"`
}

// VoteResult is returned after casting a vote.
type VoteResult struct {
	Vote       Vote   `json:"vote"`
	Resolution string `json:"resolution"`
	Tally      Tally  `json:"tally"`
	Word       Word   `json:"word"`
	Committed  bool   `json:"committed"`
}

// Event represents a log entry.
type Event struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts"`
	Type    string         `json:"type"`
	WordID  string         `json:"word_id,omitempty"`
	ActorID string         `json:"actor_id"`
	Payload map[string]any `json:"payload"`
}

// SubmitRequest carries a new word.
type SubmitRequest struct {
	Text         string   `json:"text"`
	Definition   string   `json:"definition"`
	UsageExample string   `json:"usage_example,omitempty"`
	Origin       string   `json:"origin,omitempty"`
	Tags         []string `json:"tags,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsCode reports whether err is an APIError carrying code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

type PaginatedWords struct {
	Items      []Word `json:"items"`
	NextCursor string `json:"next_cursor"`
}

// SubmitWord submits a word for review.
func (c *Client) SubmitWord(ctx context.Context, req SubmitRequest) (Word, error) {
	var resp Word
	err := c.do(ctx, http.MethodPost, "words", req, &resp)
	return resp, err
}

// GetWord fetches a word by id.
func (c *Client) GetWord(ctx context.Context, id string) (Word, error) {
	var resp Word
	err := c.do(ctx, http.MethodGet, "words/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// CastVote records the client's reviewer decision on a word.
func (c *Client) CastVote(ctx context.Context, wordID, decision, rationale string) (VoteResult, error) {
	body := map[string]any{"decision": decision}
	if rationale != "" {
		body["rationale"] = rationale
	}
	var resp VoteResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("words/%s/votes", url.PathEscape(wordID)), body, &resp)
	return resp, err
}

// ReviewQueue lists words awaiting review.
func (c *Client) ReviewQueue(ctx context.Context, limit int) ([]Word, error) {
	endpoint := "review/queue"
	if limit > 0 {
		endpoint += "?limit=" + strconv.Itoa(limit)
	}
	var resp PaginatedWords
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// RetryMint requeues the mint hand-off of an approved word.
func (c *Client) RetryMint(ctx context.Context, wordID string) (Word, error) {
	var resp Word
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("words/%s/mint/retry", url.PathEscape(wordID)), nil, &resp)
	return resp, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ReviewerID != "":
		req.Header.Set("X-Reviewer-Id", c.ReviewerID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
