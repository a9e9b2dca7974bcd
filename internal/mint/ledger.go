package mint

import (
	"context"
	"fmt"
	"sync"

	"hellafresh/internal/domain"
)

// Ledger is an in-memory stand-in for the minting service. References are
// REF-1, REF-2, ... in first-mint order.
type Ledger struct {
	mu      sync.Mutex
	refs    map[string]string
	next    int
	records int
	calls   map[string]int

	// Fail, when set, is consulted before each mint. A non-nil error is
	// returned instead of minting.
	Fail func(w domain.Word, call int) error
}

func NewLedger() *Ledger {
	return &Ledger{refs: map[string]string{}, calls: map[string]int{}}
}

func (l *Ledger) Mint(ctx context.Context, w domain.Word) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", Retryable(err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.refs == nil {
		l.refs = map[string]string{}
		l.calls = map[string]int{}
	}
	l.calls[w.ID]++
	if l.Fail != nil {
		if err := l.Fail(w, l.calls[w.ID]); err != nil {
			return "", err
		}
	}
	if ref, ok := l.refs[w.ID]; ok {
		return ref, nil
	}
	l.next++
	ref := fmt.Sprintf("REF-%d", l.next)
	l.refs[w.ID] = ref
	l.records++
	return ref, nil
}

// Reference returns the reference recorded for a word, if any.
func (l *Ledger) Reference(wordID string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ref, ok := l.refs[wordID]
	return ref, ok
}

// Records is the number of distinct ledger records created.
func (l *Ledger) Records() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.records
}

// Calls is the number of Mint invocations seen for a word.
func (l *Ledger) Calls(wordID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[wordID]
}
