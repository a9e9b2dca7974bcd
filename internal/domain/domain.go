package domain

import (
	"fmt"
	"time"
)

// TimeLayout is a fixed-width RFC 3339 layout so stored timestamps sort lexically.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Timestamp formats t in UTC with TimeLayout.
func Timestamp(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// Status is the lifecycle state of a submitted word.
type Status string

const (
	StatusPending     Status = "pending"
	StatusUnderReview Status = "under_review"
	StatusApproved    Status = "approved"
	StatusRejected    Status = "rejected"
	StatusMinted      Status = "minted"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusPending, StatusUnderReview, StatusApproved, StatusRejected, StatusMinted}

var statusLabels = map[Status]string{
	StatusPending:     "Pending Review",
	StatusUnderReview: "Under Review",
	StatusApproved:    "Approved",
	StatusMinted:      "NFT Minted",
	StatusRejected:    "Rejected",
}

func (s Status) Valid() bool {
	_, ok := statusLabels[s]
	return ok
}

// Label is the display text shown for the status.
func (s Status) Label() string {
	return statusLabels[s]
}

// Terminal reports whether no transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusRejected || s == StatusMinted
}

// Reviewable reports whether votes are accepted in s.
func (s Status) Reviewable() bool {
	return s == StatusPending || s == StatusUnderReview
}

func ParseStatus(v string) (Status, error) {
	s := Status(v)
	if !s.Valid() {
		return "", fmt.Errorf("invalid status %q", v)
	}
	return s, nil
}

// CanTransition reports whether from -> to is an edge of the word lifecycle.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusUnderReview
	case StatusUnderReview:
		return to == StatusApproved || to == StatusRejected
	case StatusApproved:
		return to == StatusMinted
	}
	return false
}

// Decision is a reviewer's verdict.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

func (d Decision) Valid() bool {
	return d == DecisionApprove || d == DecisionReject
}

func ParseDecision(v string) (Decision, error) {
	d := Decision(v)
	if !d.Valid() {
		return "", fmt.Errorf("invalid decision %q (want approve or reject)", v)
	}
	return d, nil
}

// Resolution is the outcome computed from a word's current votes.
type Resolution string

const (
	ResolutionPending  Resolution = "pending"
	ResolutionApproved Resolution = "approved"
	ResolutionRejected Resolution = "rejected"
)

// Status maps a final resolution to the word status it commits.
func (r Resolution) Status() (Status, bool) {
	switch r {
	case ResolutionApproved:
		return StatusApproved, true
	case ResolutionRejected:
		return StatusRejected, true
	}
	return "", false
}

// Mint flags surface minting trouble on approved words.
const (
	MintFlagNone            = ""
	MintFlagRetrying        = "retrying"
	MintFlagFailedWillRetry = "failed_will_retry"
	MintFlagFailedFatal     = "failed_fatal"
)

type Origin struct {
	Location    string `json:"location,omitempty"`
	SubmittedAt string `json:"submitted_at" format:"date-time"`
}

type Word struct {
	ID            string   `json:"id"`
	Text          string   `json:"text"`
	Definition    string   `json:"definition"`
	UsageExample  string   `json:"usage_example,omitempty"`
	Origin        Origin   `json:"origin"`
	SubmittedBy   string   `json:"submitted_by,omitempty"`
	Tags          []string `json:"tags"`
	Status        Status   `json:"status" enum:"pending,under_review,approved,rejected,minted"`
	MintReference string   `json:"mint_reference,omitempty"`
	MintFlag      string   `json:"mint_flag,omitempty"`
	MintError     string   `json:"mint_error,omitempty"`
	CreatedAt     string   `json:"created_at" format:"date-time"`
	UpdatedAt     string   `json:"updated_at" format:"date-time"`
	ResolvedAt    *string  `json:"resolved_at,omitempty" format:"date-time"`
	MintedAt      *string  `json:"minted_at,omitempty" format:"date-time"`
}

type Vote struct {
	WordID     string   `json:"word_id"`
	ReviewerID string   `json:"reviewer_id"`
	Decision   Decision `json:"decision" enum:"approve,reject"`
	Rationale  string   `json:"rationale,omitempty"`
	CastAt     string   `json:"cast_at" format:"date-time"`
	Seq        int64    `json:"seq"`
}

// Mint job states.
const (
	MintJobPending    = "pending"
	MintJobProcessing = "processing"
	MintJobFailed     = "failed"
	MintJobExhausted  = "exhausted"
	MintJobFatal      = "fatal"
)

type MintJob struct {
	WordID        string `json:"word_id"`
	Status        string `json:"status" enum:"pending,processing,failed,exhausted,fatal"`
	AttemptCount  int    `json:"attempt_count"`
	NextAttemptAt string `json:"next_attempt_at" format:"date-time"`
	LastError     string `json:"last_error,omitempty"`
	CreatedAt     string `json:"created_at" format:"date-time"`
	UpdatedAt     string `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts" format:"date-time"`
	Type    string `json:"type"`
	WordID  string `json:"word_id,omitempty"`
	ActorID string `json:"actor_id"`
	Payload string `json:"payload_json"`
}
