package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types written by the workflow engine.
const (
	WordSubmitted   = "word.submitted"
	WordUnderReview = "word.under_review"
	WordApproved    = "word.approved"
	WordRejected    = "word.rejected"
	WordMinted      = "word.minted"
	VoteCast        = "vote.cast"
	MintRetry       = "mint.retry_scheduled"
	MintExhausted   = "mint.exhausted"
	MintFatal       = "mint.fatal"
	MintRequeued    = "mint.requeued"
)

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one event inside tx so it commits or rolls back with the change it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, wordID, actorID string, payload EventPayload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339Nano)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	if actorID == "" {
		actorID = "system"
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,word_id,actor_id,payload_json) VALUES (?,?,?,?,?)`,
		ts, evtType, nullable(wordID), actorID, string(data))
	if err != nil {
		return fmt.Errorf("append event %s: %w", evtType, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
