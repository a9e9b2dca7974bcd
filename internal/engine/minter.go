package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"hellafresh/internal/domain"
	"hellafresh/internal/events"
	"hellafresh/internal/mint"
	"hellafresh/internal/repo"
)

// MintSettings tune the mint worker. Zero fields take the defaults below.
type MintSettings struct {
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	ExhaustedCooldown time.Duration
	ProcessingLease   time.Duration
	PollInterval      time.Duration
	BatchSize         int
	Concurrency       int
}

func (s MintSettings) withDefaults() MintSettings {
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = 5
	}
	if s.BaseDelay <= 0 {
		s.BaseDelay = time.Second
	}
	if s.MaxDelay < s.BaseDelay {
		s.MaxDelay = 5 * time.Minute
		if s.MaxDelay < s.BaseDelay {
			s.MaxDelay = s.BaseDelay
		}
	}
	if s.ExhaustedCooldown <= 0 {
		s.ExhaustedCooldown = time.Hour
	}
	if s.ProcessingLease <= 0 {
		s.ProcessingLease = 2 * time.Minute
	}
	if s.PollInterval <= 0 {
		s.PollInterval = 2 * time.Second
	}
	if s.BatchSize <= 0 {
		s.BatchSize = 20
	}
	if s.Concurrency <= 0 {
		s.Concurrency = 4
	}
	return s
}

// Backoff is the wait after the given failed attempt: BaseDelay doubled per
// prior attempt, capped at MaxDelay.
func (s MintSettings) Backoff(attempt int) time.Duration {
	s = s.withDefaults()
	if attempt < 1 {
		attempt = 1
	}
	d := s.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= s.MaxDelay {
			return s.MaxDelay
		}
	}
	if d > s.MaxDelay {
		return s.MaxDelay
	}
	return d
}

// Minter drains the durable mint queue, handing approved words to the ledger
// adapter off the vote path.
type Minter struct {
	Engine   Engine
	Adapter  mint.Adapter
	Settings MintSettings
	Logger   *slog.Logger
}

// NewMinter builds a worker using the engine's mint configuration.
func NewMinter(e Engine, adapter mint.Adapter) *Minter {
	var s MintSettings
	if e.Config != nil {
		c := e.Config.Mint
		s = MintSettings{
			MaxAttempts:       c.MaxAttempts,
			BaseDelay:         c.BaseDelay,
			MaxDelay:          c.MaxDelay,
			ExhaustedCooldown: c.ExhaustedCooldown,
			ProcessingLease:   c.ProcessingLease,
			PollInterval:      c.PollInterval,
			BatchSize:         c.BatchSize,
			Concurrency:       c.Concurrency,
		}
	}
	return &Minter{Engine: e, Adapter: adapter, Settings: s, Logger: e.Logger}
}

// Run processes due jobs until ctx is cancelled. It wakes on the poll
// interval and whenever a vote approves a word.
func (m *Minter) Run(ctx context.Context) error {
	logger := ResolveLogger(m.Logger)
	s := m.Settings.withDefaults()
	ticker := time.NewTicker(s.PollInterval)
	defer ticker.Stop()
	logger.Info("mint worker started",
		"event", "mint_worker_started",
		"module", "mint",
		"layer", "worker",
		"concurrency", s.Concurrency,
	)
	for {
		n, err := m.ProcessDue(ctx)
		if err != nil && ctx.Err() == nil {
			logger.Error("mint worker cycle failed",
				"event", "mint_worker_cycle_failed",
				"module", "mint",
				"layer", "worker",
				"error", err.Error(),
			)
		}
		if n >= s.BatchSize && ctx.Err() == nil {
			continue
		}
		select {
		case <-ctx.Done():
			logger.Info("mint worker stopped",
				"event", "mint_worker_stopped",
				"module", "mint",
				"layer", "worker",
			)
			return nil
		case <-ticker.C:
		case <-m.Engine.Wake():
		}
	}
}

// ProcessDue claims due jobs and attempts each once. It returns how many jobs
// were claimed.
func (m *Minter) ProcessDue(ctx context.Context) (int, error) {
	s := m.Settings.withDefaults()
	jobs, err := m.Engine.Repo.ClaimDueMintJobs(ctx, m.Engine.now(), s.ProcessingLease, s.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(jobs) == 0 {
		return 0, nil
	}
	var g errgroup.Group
	g.SetLimit(s.Concurrency)
	for _, job := range jobs {
		g.Go(func() error {
			return m.attempt(ctx, job)
		})
	}
	return len(jobs), g.Wait()
}

// attempt runs one hand-off for a claimed job.
func (m *Minter) attempt(ctx context.Context, job domain.MintJob) (err error) {
	logger := ResolveLogger(m.Logger)
	s := m.Settings.withDefaults()
	attemptNo := job.AttemptCount + 1
	ctx, span := tracer.Start(ctx, "mint.Attempt", trace.WithAttributes(
		attribute.String("word.id", job.WordID),
		attribute.Int("mint.attempt", attemptNo),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	word, err := m.Engine.Repo.GetWord(ctx, job.WordID)
	if errors.Is(err, repo.ErrNotFound) {
		return m.drop(ctx, job.WordID)
	}
	if err != nil {
		return err
	}
	if word.Status != domain.StatusApproved {
		logger.Info("mint job dropped for word no longer approved",
			"event", "mint_job_dropped",
			"module", "mint",
			"layer", "worker",
			"word_id", word.ID,
			"status", string(word.Status),
		)
		return m.drop(ctx, word.ID)
	}

	ref, mintErr := m.Adapter.Mint(ctx, word)
	// Outcomes are recorded even when the worker is shutting down.
	dbCtx := context.WithoutCancel(ctx)
	if mintErr == nil {
		return m.complete(dbCtx, word.ID, ref, attemptNo)
	}
	span.RecordError(mintErr)
	if ctx.Err() != nil {
		// Interrupted, not failed: release the claim without spending an attempt.
		return m.mark(dbCtx, word.ID, repo.MintJobUpdate{
			Status:      domain.MintJobFailed,
			Attempt:     job.AttemptCount,
			NextAttempt: m.Engine.now(),
			LastError:   mintErr.Error(),
			Now:         m.Engine.now(),
		}, "", "", nil)
	}

	now := m.Engine.now()
	update := repo.MintJobUpdate{Attempt: attemptNo, LastError: mintErr.Error(), Now: now}
	var flag, evt string
	switch {
	case mint.IsFatal(mintErr):
		update.Status = domain.MintJobFatal
		update.NextAttempt = now
		flag, evt = domain.MintFlagFailedFatal, events.MintFatal
	case attemptNo >= s.MaxAttempts:
		update.Status = domain.MintJobExhausted
		update.NextAttempt = now.Add(s.ExhaustedCooldown)
		flag, evt = domain.MintFlagFailedWillRetry, events.MintExhausted
	default:
		update.Status = domain.MintJobFailed
		update.NextAttempt = now.Add(s.Backoff(attemptNo))
		flag, evt = domain.MintFlagRetrying, events.MintRetry
	}
	logger.Warn("mint attempt failed",
		"event", "mint_attempt_failed",
		"module", "mint",
		"layer", "worker",
		"word_id", word.ID,
		"attempt", attemptNo,
		"job_status", update.Status,
		"next_attempt_at", domain.Timestamp(update.NextAttempt),
		"error", mintErr.Error(),
	)
	return m.mark(dbCtx, word.ID, update, flag, evt, events.EventPayload{
		"attempt":         attemptNo,
		"error":           mintErr.Error(),
		"next_attempt_at": domain.Timestamp(update.NextAttempt),
	})
}

// complete records a successful hand-off. If the word was minted by another
// attempt in the meantime its existing reference stands.
func (m *Minter) complete(ctx context.Context, wordID, ref string, attemptNo int) error {
	logger := ResolveLogger(m.Logger)
	now := m.Engine.now()
	tx, err := m.Engine.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	err = m.Engine.Repo.TransitionWord(ctx, tx, wordID, domain.StatusApproved, domain.StatusMinted, repo.TransitionFields{At: now, MintReference: ref})
	minted := err == nil
	if err != nil && !errors.Is(err, repo.ErrConflict) && !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	if err := m.Engine.Repo.DeleteMintJob(ctx, tx, wordID); err != nil {
		return err
	}
	if minted {
		if err := m.Engine.events().Append(ctx, tx, events.WordMinted, wordID, "", events.EventPayload{
			"reference": ref,
			"attempts":  attemptNo,
		}); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if minted {
		logger.Info("word minted",
			"event", "word_minted",
			"module", "mint",
			"layer", "worker",
			"word_id", wordID,
			"reference", ref,
			"attempt", attemptNo,
		)
	}
	return nil
}

// mark records a failed attempt. A lost claim is logged and ignored.
func (m *Minter) mark(ctx context.Context, wordID string, u repo.MintJobUpdate, flag, evt string, payload events.EventPayload) error {
	tx, err := m.Engine.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	err = m.Engine.Repo.MarkMintJob(ctx, tx, wordID, u)
	if errors.Is(err, repo.ErrConflict) {
		ResolveLogger(m.Logger).Debug("mint job claim lost",
			"event", "mint_job_claim_lost",
			"module", "mint",
			"layer", "worker",
			"word_id", wordID,
		)
		return nil
	}
	if err != nil {
		return err
	}
	if flag != "" {
		if err := m.Engine.Repo.SetMintFlag(ctx, tx, wordID, flag, u.LastError, u.Now); err != nil {
			return err
		}
	}
	if evt != "" {
		if err := m.Engine.events().Append(ctx, tx, evt, wordID, "", payload); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (m *Minter) drop(ctx context.Context, wordID string) error {
	tx, err := m.Engine.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := m.Engine.Repo.DeleteMintJob(ctx, tx, wordID); err != nil {
		return err
	}
	return tx.Commit()
}
