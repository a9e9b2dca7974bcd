// Package quorum resolves a word's review outcome from its reviewer votes.
//
// Resolution is a pure function of the vote set: the same votes yield the same
// outcome whatever order they are passed in.
package quorum

import (
	"fmt"
	"sort"

	"hellafresh/internal/domain"
)

// TiePolicy decides what an even split inside the quorum window means.
type TiePolicy string

const (
	// TieWait keeps the word pending until a later vote breaks the tie.
	TieWait TiePolicy = "wait"
	// TieReject treats a tie as a rejection.
	TieReject TiePolicy = "reject"
)

// DefaultQuorum is the three-person community review.
const DefaultQuorum = 3

type Policy struct {
	Quorum int
	Tie    TiePolicy
}

func DefaultPolicy() Policy {
	return Policy{Quorum: DefaultQuorum, Tie: TieWait}
}

func (p Policy) Validate() error {
	if p.Quorum < 1 {
		return fmt.Errorf("quorum must be at least 1, got %d", p.Quorum)
	}
	switch p.Tie {
	case TieWait, TieReject:
		return nil
	}
	return fmt.Errorf("unknown tie policy %q", p.Tie)
}

// Tally counts decisions inside the window that decides the outcome.
type Tally struct {
	Counted  int `json:"counted"`
	Approve  int `json:"approve"`
	Reject   int `json:"reject"`
	Required int `json:"required"`
}

// Resolve returns the outcome for votes under p.
func Resolve(votes []domain.Vote, p Policy) domain.Resolution {
	res, _ := Evaluate(votes, p)
	return res
}

// Evaluate returns the outcome together with the tally it was computed from.
// Fewer than p.Quorum distinct reviewers resolve to pending. Otherwise the most
// recent p.Quorum reviewer votes decide by strict majority.
func Evaluate(votes []domain.Vote, p Policy) (domain.Resolution, Tally) {
	if p.Quorum < 1 {
		p.Quorum = DefaultQuorum
	}
	window := latestPerReviewer(votes)
	tally := Tally{Required: p.Quorum}
	if len(window) < p.Quorum {
		tally.Counted = len(window)
		for _, v := range window {
			count(&tally, v.Decision)
		}
		return domain.ResolutionPending, tally
	}
	window = window[len(window)-p.Quorum:]
	tally.Counted = len(window)
	for _, v := range window {
		count(&tally, v.Decision)
	}
	switch {
	case 2*tally.Approve > p.Quorum:
		return domain.ResolutionApproved, tally
	case 2*tally.Reject > p.Quorum:
		return domain.ResolutionRejected, tally
	case tally.Approve == tally.Reject && p.Tie == TieReject:
		return domain.ResolutionRejected, tally
	}
	return domain.ResolutionPending, tally
}

func count(t *Tally, d domain.Decision) {
	switch d {
	case domain.DecisionApprove:
		t.Approve++
	case domain.DecisionReject:
		t.Reject++
	}
}

// latestPerReviewer keeps each reviewer's most recent vote and orders the
// result by cast time, ledger sequence, then reviewer id. Votes with an
// unknown decision are dropped. The input slice is not modified.
func latestPerReviewer(votes []domain.Vote) []domain.Vote {
	latest := make(map[string]domain.Vote, len(votes))
	for _, v := range votes {
		if !v.Decision.Valid() {
			continue
		}
		cur, ok := latest[v.ReviewerID]
		if !ok || before(cur, v) {
			latest[v.ReviewerID] = v
		}
	}
	out := make([]domain.Vote, 0, len(latest))
	for _, v := range latest {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return before(out[i], out[j]) })
	return out
}

// before orders votes by cast time, then sequence, then reviewer and decision
// so that no two distinct votes compare equal.
func before(a, b domain.Vote) bool {
	if a.CastAt != b.CastAt {
		return a.CastAt < b.CastAt
	}
	if a.Seq != b.Seq {
		return a.Seq < b.Seq
	}
	if a.ReviewerID != b.ReviewerID {
		return a.ReviewerID < b.ReviewerID
	}
	return a.Decision < b.Decision
}
