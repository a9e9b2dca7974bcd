package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"hellafresh/internal/config"
	"hellafresh/internal/domain"
	"hellafresh/internal/events"
	"hellafresh/internal/quorum"
	"hellafresh/internal/repo"
)

var (
	// ErrAlreadyFinalized is returned for votes on words that left review.
	ErrAlreadyFinalized = repo.ErrAlreadyFinalized
	ErrInvalidInput     = errors.New("invalid input")
	ErrNotApproved      = errors.New("word is not approved")
)

const (
	maxTextLen       = 64
	maxDefinitionLen = 2000
	maxUsageLen      = 1000
	maxTags          = 10
	maxTagLen        = 32
	maxRationaleLen  = 2000
)

var tracer = otel.Tracer("hellafresh/internal/engine")

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Policy quorum.Policy
	Logger *slog.Logger
	Now    func() time.Time

	wake      chan struct{}
	// afterCast runs once a vote is durable and before it is resolved.
	afterCast func(domain.Vote)
}

func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Config: cfg,
		Policy: quorum.Policy{Quorum: cfg.Review.Quorum, Tie: quorum.TiePolicy(cfg.Review.TiePolicy)},
		Now:    time.Now,
		wake:   make(chan struct{}, 1),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) events() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

// Wake returns the channel signalled when new mint work is queued.
func (e Engine) Wake() <-chan struct{} {
	return e.wake
}

func (e Engine) notifyMint() {
	if e.wake == nil {
		return
	}
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// SubmitOptions are the fields of a new word submission.
type SubmitOptions struct {
	Text         string
	Definition   string
	UsageExample string
	Origin       string
	Tags         []string
	ActorID      string
}

// Submit records a new word in pending.
func (e Engine) Submit(ctx context.Context, opts SubmitOptions) (domain.Word, error) {
	text := strings.TrimSpace(opts.Text)
	def := strings.TrimSpace(opts.Definition)
	usage := strings.TrimSpace(opts.UsageExample)
	switch {
	case text == "":
		return domain.Word{}, invalid("text is required")
	case utf8.RuneCountInString(text) > maxTextLen:
		return domain.Word{}, invalid("text exceeds %d characters", maxTextLen)
	case def == "":
		return domain.Word{}, invalid("definition is required")
	case utf8.RuneCountInString(def) > maxDefinitionLen:
		return domain.Word{}, invalid("definition exceeds %d characters", maxDefinitionLen)
	case utf8.RuneCountInString(usage) > maxUsageLen:
		return domain.Word{}, invalid("usage example exceeds %d characters", maxUsageLen)
	}
	tags, err := normalizeTags(opts.Tags)
	if err != nil {
		return domain.Word{}, err
	}
	now := domain.Timestamp(e.now())
	w := domain.Word{
		ID:           uuid.NewString(),
		Text:         text,
		Definition:   def,
		UsageExample: usage,
		Origin:       domain.Origin{Location: strings.TrimSpace(opts.Origin), SubmittedAt: now},
		SubmittedBy:  strings.TrimSpace(opts.ActorID),
		Tags:         tags,
		Status:       domain.StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Word{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertWord(ctx, tx, w); err != nil {
		return domain.Word{}, err
	}
	if err := e.events().Append(ctx, tx, events.WordSubmitted, w.ID, opts.ActorID, events.EventPayload{
		"text": w.Text,
		"tags": w.Tags,
	}); err != nil {
		return domain.Word{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Word{}, err
	}
	return w, nil
}

func normalizeTags(in []string) ([]string, error) {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, raw := range in {
		tag := strings.ToLower(strings.TrimSpace(raw))
		if tag == "" {
			continue
		}
		if utf8.RuneCountInString(tag) > maxTagLen {
			return nil, invalid("tag %q exceeds %d characters", tag, maxTagLen)
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	if len(out) > maxTags {
		return nil, invalid("at most %d tags allowed", maxTags)
	}
	return out, nil
}

// VoteOptions identify a reviewer's decision on a word.
type VoteOptions struct {
	WordID     string
	ReviewerID string
	Decision   domain.Decision
	Rationale  string
}

// VoteResult reports what a vote did. Committed is true only for the call
// whose transition out of review actually landed.
type VoteResult struct {
	Vote       domain.Vote       `json:"vote"`
	Resolution domain.Resolution `json:"resolution"`
	Tally      quorum.Tally      `json:"tally"`
	Word       domain.Word       `json:"word"`
	Committed  bool              `json:"committed"`
}

// Vote records a reviewer's decision and resolves the word when quorum is met.
// Losing a race to move the word, either into review or out of it, is not an
// error: another vote already did the work.
func (e Engine) Vote(ctx context.Context, opts VoteOptions) (res VoteResult, err error) {
	ctx, span := tracer.Start(ctx, "engine.Vote", trace.WithAttributes(
		attribute.String("word.id", opts.WordID),
		attribute.String("reviewer.id", opts.ReviewerID),
		attribute.String("vote.decision", string(opts.Decision)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(
				attribute.String("vote.resolution", string(res.Resolution)),
				attribute.Bool("vote.committed", res.Committed),
			)
		}
		span.End()
	}()
	logger := ResolveLogger(e.Logger)

	reviewer := strings.TrimSpace(opts.ReviewerID)
	if reviewer == "" {
		return VoteResult{}, invalid("reviewer id is required")
	}
	if !opts.Decision.Valid() {
		return VoteResult{}, invalid("decision must be approve or reject, got %q", opts.Decision)
	}
	rationale := strings.TrimSpace(opts.Rationale)
	if utf8.RuneCountInString(rationale) > maxRationaleLen {
		return VoteResult{}, invalid("rationale exceeds %d characters", maxRationaleLen)
	}

	word, err := e.Repo.GetWord(ctx, opts.WordID)
	if err != nil {
		return VoteResult{}, err
	}
	if !word.Status.Reviewable() {
		return VoteResult{}, ErrAlreadyFinalized
	}

	if word.Status == domain.StatusPending {
		if err := e.startReview(ctx, word.ID, reviewer); err != nil {
			return VoteResult{}, err
		}
	}

	vote, err := e.castVote(ctx, domain.Vote{
		WordID:     word.ID,
		ReviewerID: reviewer,
		Decision:   opts.Decision,
		Rationale:  rationale,
		CastAt:     domain.Timestamp(e.now()),
	})
	if err != nil {
		return VoteResult{}, err
	}
	if e.afterCast != nil {
		e.afterCast(vote)
	}

	votes, err := e.Repo.VotesFor(ctx, word.ID)
	if err != nil {
		return VoteResult{}, err
	}
	resolution, tally := quorum.Evaluate(votes, e.Policy)
	res = VoteResult{Vote: vote, Resolution: resolution, Tally: tally}

	if target, final := resolution.Status(); final {
		committed, err := e.resolve(ctx, word.ID, target, reviewer, tally)
		if err != nil {
			return VoteResult{}, err
		}
		res.Committed = committed
		if committed {
			logger.Info("word review resolved",
				"event", "word_review_resolved",
				"module", "review",
				"layer", "engine",
				"word_id", word.ID,
				"status", string(target),
				"approve", tally.Approve,
				"reject", tally.Reject,
			)
		} else {
			logger.Debug("word review resolution lost race",
				"event", "word_review_resolution_conflict",
				"module", "review",
				"layer", "engine",
				"word_id", word.ID,
				"status", string(target),
			)
		}
	}

	res.Word, err = e.Repo.GetWord(ctx, word.ID)
	if err != nil {
		return VoteResult{}, err
	}
	return res, nil
}

// startReview moves a word from pending to under_review. A concurrent vote
// having done so already is fine.
func (e Engine) startReview(ctx context.Context, wordID, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	err = e.Repo.TransitionWord(ctx, tx, wordID, domain.StatusPending, domain.StatusUnderReview, repo.TransitionFields{At: e.now()})
	if errors.Is(err, repo.ErrConflict) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := e.events().Append(ctx, tx, events.WordUnderReview, wordID, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) castVote(ctx context.Context, v domain.Vote) (domain.Vote, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Vote{}, err
	}
	defer tx.Rollback()
	current, err := e.Repo.CastVoteTx(ctx, tx, v)
	if err != nil {
		return domain.Vote{}, err
	}
	payload := events.EventPayload{"decision": string(v.Decision)}
	if v.Rationale != "" {
		payload["rationale"] = v.Rationale
	}
	if err := e.events().Append(ctx, tx, events.VoteCast, v.WordID, v.ReviewerID, payload); err != nil {
		return domain.Vote{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Vote{}, err
	}
	return current, nil
}

// resolve commits under_review -> target. It reports false when another vote
// resolved the word first. Approval queues the mint job in the same
// transaction.
func (e Engine) resolve(ctx context.Context, wordID string, target domain.Status, actorID string, tally quorum.Tally) (bool, error) {
	now := e.now()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	err = e.Repo.TransitionWord(ctx, tx, wordID, domain.StatusUnderReview, target, repo.TransitionFields{At: now})
	if errors.Is(err, repo.ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	evt := events.WordRejected
	if target == domain.StatusApproved {
		evt = events.WordApproved
		if err := e.Repo.EnqueueMintJob(ctx, tx, wordID, now); err != nil {
			return false, err
		}
	}
	if err := e.events().Append(ctx, tx, evt, wordID, actorID, events.EventPayload{
		"approve": tally.Approve,
		"reject":  tally.Reject,
		"quorum":  tally.Required,
	}); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	if target == domain.StatusApproved {
		e.notifyMint()
	}
	return true, nil
}

// RequeueMint resets the mint job of an approved word so it is attempted again
// from scratch, clearing any failure flag.
func (e Engine) RequeueMint(ctx context.Context, wordID, actorID string) (domain.Word, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Word{}, err
	}
	defer tx.Rollback()
	w, err := e.Repo.GetWordTx(ctx, tx, wordID)
	if err != nil {
		return domain.Word{}, err
	}
	if w.Status != domain.StatusApproved {
		return domain.Word{}, fmt.Errorf("%w: status is %s", ErrNotApproved, w.Status)
	}
	now := e.now()
	if err := e.Repo.RequeueMintJob(ctx, tx, wordID, now); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			// A worker holds the job right now; the attempt in flight stands.
			return w, nil
		}
		return domain.Word{}, err
	}
	if err := e.Repo.SetMintFlag(ctx, tx, wordID, domain.MintFlagNone, "", now); err != nil {
		return domain.Word{}, err
	}
	if err := e.events().Append(ctx, tx, events.MintRequeued, wordID, actorID, nil); err != nil {
		return domain.Word{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Word{}, err
	}
	e.notifyMint()
	return e.Repo.GetWord(ctx, wordID)
}

func (e Engine) GetWord(ctx context.Context, id string) (domain.Word, error) {
	return e.Repo.GetWord(ctx, id)
}

func (e Engine) ListWords(ctx context.Context, f repo.WordFilter) ([]domain.Word, error) {
	return e.Repo.ListWords(ctx, f)
}

func (e Engine) SearchWords(ctx context.Context, query string, limit int) ([]domain.Word, error) {
	return e.Repo.SearchWords(ctx, query, limit)
}

// ReviewQueue lists words still awaiting a decision, oldest first.
func (e Engine) ReviewQueue(ctx context.Context, limit int) ([]domain.Word, error) {
	return e.Repo.ListWords(ctx, repo.WordFilter{
		Statuses: []domain.Status{domain.StatusPending, domain.StatusUnderReview},
		Limit:    limit,
		Oldest:   true,
	})
}

// VoteSummary is the current vote view of a word with its computed outcome.
type VoteSummary struct {
	WordID     string            `json:"word_id"`
	Status     domain.Status     `json:"status"`
	Votes      []domain.Vote     `json:"votes"`
	Resolution domain.Resolution `json:"resolution"`
	Tally      quorum.Tally      `json:"tally"`
}

func (e Engine) VotesFor(ctx context.Context, wordID string) (VoteSummary, error) {
	w, err := e.Repo.GetWord(ctx, wordID)
	if err != nil {
		return VoteSummary{}, err
	}
	votes, err := e.Repo.VotesFor(ctx, wordID)
	if err != nil {
		return VoteSummary{}, err
	}
	if votes == nil {
		votes = []domain.Vote{}
	}
	resolution, tally := quorum.Evaluate(votes, e.Policy)
	return VoteSummary{WordID: wordID, Status: w.Status, Votes: votes, Resolution: resolution, Tally: tally}, nil
}

func (e Engine) VoteHistory(ctx context.Context, wordID string) ([]domain.Vote, error) {
	if _, err := e.Repo.GetWord(ctx, wordID); err != nil {
		return nil, err
	}
	return e.Repo.VoteHistory(ctx, wordID)
}

// StatusReport counts words per lifecycle status and mint jobs per state.
type StatusReport struct {
	Words    map[string]int `json:"words"`
	MintJobs map[string]int `json:"mint_jobs"`
	Quorum   int            `json:"quorum"`
	Tie      string         `json:"tie_policy"`
}

func (e Engine) Status(ctx context.Context) (StatusReport, error) {
	words, err := e.Repo.CountWordsByStatus(ctx)
	if err != nil {
		return StatusReport{}, err
	}
	jobs, err := e.Repo.CountMintJobsByStatus(ctx)
	if err != nil {
		return StatusReport{}, err
	}
	return StatusReport{Words: words, MintJobs: jobs, Quorum: e.Policy.Quorum, Tie: string(e.Policy.Tie)}, nil
}

func (e Engine) EventLog(ctx context.Context, f repo.EventFilter) ([]domain.Event, error) {
	return e.Repo.LatestEvents(ctx, f)
}

func (e Engine) MintJobs(ctx context.Context, status string, limit int) ([]domain.MintJob, error) {
	return e.Repo.ListMintJobs(ctx, status, limit)
}
