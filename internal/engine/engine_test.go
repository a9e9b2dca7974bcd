package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"hellafresh/internal/config"
	"hellafresh/internal/db"
	"hellafresh/internal/domain"
	"hellafresh/internal/engine"
	"hellafresh/internal/events"
	"hellafresh/internal/migrate"
	"hellafresh/internal/mint"
	"hellafresh/internal/repo"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	Engine engine.Engine
	Clock  *clock
	Ctx    context.Context
}

func newTestEnv(t *testing.T, mutate func(cfg *config.Config)) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config: %v", err)
	}
	clk := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	eng := engine.New(conn, cfg)
	eng.Now = clk.Now
	return testEnv{Engine: eng, Clock: clk, Ctx: context.Background()}
}

func (env testEnv) submit(t *testing.T, text string) domain.Word {
	t.Helper()
	w, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{Text: text, Definition: "meaning of " + text, ActorID: "author"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return w
}

func (env testEnv) vote(t *testing.T, wordID, reviewer string, d domain.Decision) engine.VoteResult {
	t.Helper()
	env.Clock.Advance(time.Millisecond)
	res, err := env.Engine.Vote(env.Ctx, engine.VoteOptions{WordID: wordID, ReviewerID: reviewer, Decision: d})
	if err != nil {
		t.Fatalf("vote %s by %s: %v", d, reviewer, err)
	}
	return res
}

func (env testEnv) countEvents(t *testing.T, wordID, typ string) int {
	t.Helper()
	evts, err := env.Engine.EventLog(env.Ctx, repo.EventFilter{WordID: wordID, Type: typ})
	if err != nil {
		t.Fatal(err)
	}
	return len(evts)
}

func TestSubmitValidatesAndNormalizes(t *testing.T) {
	env := newTestEnv(t, nil)
	if _, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{Definition: "x"}); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("expected invalid input for missing text, got %v", err)
	}
	if _, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{Text: "x"}); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("expected invalid input for missing definition, got %v", err)
	}
	w, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{
		Text:       "  no cap ",
		Definition: "for real",
		Origin:     "Atlanta",
		Tags:       []string{"Truth", "truth", " ", "slang"},
		ActorID:    "author",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if w.Status != domain.StatusPending || w.Text != "no cap" || w.MintReference != "" {
		t.Fatalf("unexpected word %+v", w)
	}
	if len(w.Tags) != 2 || w.Tags[0] != "truth" || w.Tags[1] != "slang" {
		t.Fatalf("unexpected tags %v", w.Tags)
	}
	got, err := env.Engine.GetWord(env.Ctx, w.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Origin.Location != "Atlanta" || got.SubmittedBy != "author" {
		t.Fatalf("unexpected stored word %+v", got)
	}
	if env.countEvents(t, w.ID, events.WordSubmitted) != 1 {
		t.Fatalf("expected submit event")
	}
}

func TestApprovalScenarioMints(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.submit(t, "rizz")

	res := env.vote(t, w.ID, "A", domain.DecisionApprove)
	if res.Word.Status != domain.StatusUnderReview || res.Resolution != domain.ResolutionPending {
		t.Fatalf("after A: status=%s resolution=%s", res.Word.Status, res.Resolution)
	}
	res = env.vote(t, w.ID, "B", domain.DecisionApprove)
	if res.Word.Status != domain.StatusUnderReview || res.Resolution != domain.ResolutionPending {
		t.Fatalf("after B: status=%s resolution=%s", res.Word.Status, res.Resolution)
	}
	res = env.vote(t, w.ID, "C", domain.DecisionApprove)
	if res.Word.Status != domain.StatusApproved || !res.Committed {
		t.Fatalf("after C: status=%s committed=%v", res.Word.Status, res.Committed)
	}
	if res.Word.MintReference != "" {
		t.Fatalf("approved word must not carry a reference")
	}
	job, err := env.Engine.Repo.GetMintJob(env.Ctx, w.ID)
	if err != nil || job.Status != domain.MintJobPending {
		t.Fatalf("expected pending mint job, got %+v %v", job, err)
	}

	ledger := mint.NewLedger()
	minter := engine.NewMinter(env.Engine, ledger)
	n, err := minter.ProcessDue(env.Ctx)
	if err != nil || n != 1 {
		t.Fatalf("process due: n=%d err=%v", n, err)
	}
	got, err := env.Engine.GetWord(env.Ctx, w.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusMinted || got.MintReference != "REF-1" {
		t.Fatalf("expected minted with REF-1, got %s %q", got.Status, got.MintReference)
	}
	if _, err := env.Engine.Repo.GetMintJob(env.Ctx, w.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected job to be removed, got %v", err)
	}
	if env.countEvents(t, w.ID, events.WordMinted) != 1 || env.countEvents(t, w.ID, events.WordApproved) != 1 {
		t.Fatalf("expected one approved and one minted event")
	}
	if n, _ := minter.ProcessDue(env.Ctx); n != 0 {
		t.Fatalf("expected empty queue, got %d", n)
	}
}

func TestRejectionScenario(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.submit(t, "mid")
	env.vote(t, w.ID, "A", domain.DecisionApprove)
	env.vote(t, w.ID, "B", domain.DecisionReject)
	res := env.vote(t, w.ID, "C", domain.DecisionReject)
	if res.Word.Status != domain.StatusRejected || res.Resolution != domain.ResolutionRejected || !res.Committed {
		t.Fatalf("expected rejected, got %+v", res)
	}
	if _, err := env.Engine.Repo.GetMintJob(env.Ctx, w.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("rejected word must not be queued for minting, got %v", err)
	}
}

func TestVoteOnFinalizedWordIsRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.submit(t, "cheugy")
	for _, r := range []string{"A", "B", "C"} {
		env.vote(t, w.ID, r, domain.DecisionReject)
	}
	before, _ := env.Engine.VoteHistory(env.Ctx, w.ID)
	_, err := env.Engine.Vote(env.Ctx, engine.VoteOptions{WordID: w.ID, ReviewerID: "D", Decision: domain.DecisionApprove})
	if !errors.Is(err, engine.ErrAlreadyFinalized) {
		t.Fatalf("expected already finalized, got %v", err)
	}
	after, _ := env.Engine.VoteHistory(env.Ctx, w.ID)
	if len(after) != len(before) {
		t.Fatalf("finalized word gained votes: %d -> %d", len(before), len(after))
	}
	got, _ := env.Engine.GetWord(env.Ctx, w.ID)
	if got.Status != domain.StatusRejected {
		t.Fatalf("status changed to %s", got.Status)
	}
	if _, err := env.Engine.Vote(env.Ctx, engine.VoteOptions{WordID: "missing", ReviewerID: "A", Decision: domain.DecisionApprove}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := env.Engine.Vote(env.Ctx, engine.VoteOptions{WordID: w.ID, ReviewerID: "A", Decision: "maybe"}); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("expected invalid decision, got %v", err)
	}
}

func TestRevoteReplacesPriorVote(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.submit(t, "drip")
	env.vote(t, w.ID, "A", domain.DecisionReject)
	env.vote(t, w.ID, "A", domain.DecisionApprove)
	summary, err := env.Engine.VotesFor(env.Ctx, w.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(summary.Votes) != 1 || summary.Votes[0].Decision != domain.DecisionApprove {
		t.Fatalf("expected a single approve vote, got %+v", summary.Votes)
	}
	history, _ := env.Engine.VoteHistory(env.Ctx, w.ID)
	if len(history) != 2 {
		t.Fatalf("expected both casts in history, got %d", len(history))
	}
	env.vote(t, w.ID, "B", domain.DecisionApprove)
	res := env.vote(t, w.ID, "B", domain.DecisionApprove)
	if res.Resolution != domain.ResolutionPending {
		t.Fatalf("repeat votes from one reviewer must not reach quorum, got %s", res.Resolution)
	}
}

func TestConcurrentFinalVotesCommitOnce(t *testing.T) {
	env := newTestEnv(t, nil)
	for round := 0; round < 5; round++ {
		w := env.submit(t, fmt.Sprintf("yeet-%d", round))
		env.vote(t, w.ID, "A", domain.DecisionApprove)
		env.vote(t, w.ID, "B", domain.DecisionApprove)

		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			committed int
			failures  []error
		)
		for _, r := range []string{"C", "D", "E", "F"} {
			wg.Add(1)
			go func(reviewer string) {
				defer wg.Done()
				res, err := env.Engine.Vote(env.Ctx, engine.VoteOptions{WordID: w.ID, ReviewerID: reviewer, Decision: domain.DecisionApprove})
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					if !errors.Is(err, engine.ErrAlreadyFinalized) {
						failures = append(failures, err)
					}
					return
				}
				if res.Committed {
					committed++
				}
			}(r)
		}
		wg.Wait()
		if len(failures) > 0 {
			t.Fatalf("round %d: unexpected errors %v", round, failures)
		}
		if committed != 1 {
			t.Fatalf("round %d: expected exactly one committed resolution, got %d", round, committed)
		}
		if n := env.countEvents(t, w.ID, events.WordApproved); n != 1 {
			t.Fatalf("round %d: expected one approval event, got %d", round, n)
		}
		got, _ := env.Engine.GetWord(env.Ctx, w.ID)
		if got.Status != domain.StatusApproved {
			t.Fatalf("round %d: expected approved, got %s", round, got.Status)
		}
	}
}

func TestOverlappingQuorumVotesLoserReturnsPlainSuccess(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.submit(t, "no cap")
	env.vote(t, w.ID, "A", domain.DecisionApprove)
	env.vote(t, w.ID, "B", domain.DecisionApprove)

	var (
		winner    engine.VoteResult
		winnerErr error
	)
	// C's vote is durable but unresolved when D's vote lands and resolves.
	racing := engine.WithAfterCast(env.Engine, func(domain.Vote) {
		env.Clock.Advance(time.Millisecond)
		winner, winnerErr = env.Engine.Vote(env.Ctx, engine.VoteOptions{WordID: w.ID, ReviewerID: "D", Decision: domain.DecisionApprove})
	})
	env.Clock.Advance(time.Millisecond)
	loser, err := racing.Vote(env.Ctx, engine.VoteOptions{WordID: w.ID, ReviewerID: "C", Decision: domain.DecisionApprove})
	if err != nil {
		t.Fatalf("losing vote returned error: %v", err)
	}
	if winnerErr != nil {
		t.Fatalf("winning vote returned error: %v", winnerErr)
	}
	if !winner.Committed || winner.Resolution != domain.ResolutionApproved {
		t.Fatalf("expected D to commit the approval, got %+v", winner)
	}
	if loser.Committed {
		t.Fatalf("expected C not to commit, got %+v", loser)
	}
	if loser.Resolution != domain.ResolutionApproved || loser.Word.Status != domain.StatusApproved {
		t.Fatalf("expected C to observe the approval, got %+v", loser)
	}
	if n := env.countEvents(t, w.ID, events.WordApproved); n != 1 {
		t.Fatalf("expected one approval event, got %d", n)
	}
	jobs, err := env.Engine.MintJobs(env.Ctx, "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected one mint job, got %d", len(jobs))
	}
}

func TestConcurrentFirstVotesStartReviewOnce(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) { cfg.Review.Quorum = 5 })
	w := env.submit(t, "bet")
	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for _, r := range []string{"A", "B", "C", "D"} {
		wg.Add(1)
		go func(reviewer string) {
			defer wg.Done()
			if _, err := env.Engine.Vote(env.Ctx, engine.VoteOptions{WordID: w.ID, ReviewerID: reviewer, Decision: domain.DecisionApprove}); err != nil {
				errs <- err
			}
		}(r)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("vote: %v", err)
	}
	if n := env.countEvents(t, w.ID, events.WordUnderReview); n != 1 {
		t.Fatalf("expected one under_review transition, got %d", n)
	}
	summary, _ := env.Engine.VotesFor(env.Ctx, w.ID)
	if len(summary.Votes) != 4 || summary.Status != domain.StatusUnderReview {
		t.Fatalf("unexpected summary %+v", summary)
	}
}

func TestEvenQuorumTieWaits(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) { cfg.Review.Quorum = 2 })
	w := env.submit(t, "periodt")
	env.vote(t, w.ID, "A", domain.DecisionApprove)
	res := env.vote(t, w.ID, "B", domain.DecisionReject)
	if res.Resolution != domain.ResolutionPending || res.Word.Status != domain.StatusUnderReview {
		t.Fatalf("tie should wait, got %s / %s", res.Resolution, res.Word.Status)
	}
	res = env.vote(t, w.ID, "C", domain.DecisionApprove)
	if res.Resolution != domain.ResolutionPending {
		t.Fatalf("window B,C is a tie, got %s", res.Resolution)
	}
	res = env.vote(t, w.ID, "D", domain.DecisionApprove)
	if res.Word.Status != domain.StatusApproved {
		t.Fatalf("window C,D approves, got %s", res.Word.Status)
	}
}

func TestEvenQuorumTieRejectsUnderRejectPolicy(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Review.Quorum = 2
		cfg.Review.TiePolicy = "reject"
	})
	w := env.submit(t, "salty")
	env.vote(t, w.ID, "A", domain.DecisionApprove)
	res := env.vote(t, w.ID, "B", domain.DecisionReject)
	if res.Word.Status != domain.StatusRejected {
		t.Fatalf("tie should reject, got %s", res.Word.Status)
	}
}

func approve(t *testing.T, env testEnv, text string) domain.Word {
	t.Helper()
	w := env.submit(t, text)
	for _, r := range []string{"A", "B", "C"} {
		env.vote(t, w.ID, r, domain.DecisionApprove)
	}
	got, err := env.Engine.GetWord(env.Ctx, w.ID)
	if err != nil || got.Status != domain.StatusApproved {
		t.Fatalf("expected approved word, got %+v %v", got, err)
	}
	return got
}

func TestMintRetriesThenSucceeds(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Mint.BaseDelay = time.Second
		cfg.Mint.MaxDelay = time.Minute
		cfg.Mint.MaxAttempts = 5
	})
	w := approve(t, env, "glow up")
	ledger := mint.NewLedger()
	ledger.Fail = func(_ domain.Word, call int) error {
		if call <= 2 {
			return mint.Retryable(errors.New("ledger unavailable"))
		}
		return nil
	}
	minter := engine.NewMinter(env.Engine, ledger)

	if _, err := minter.ProcessDue(env.Ctx); err != nil {
		t.Fatal(err)
	}
	job, _ := env.Engine.Repo.GetMintJob(env.Ctx, w.ID)
	if job.Status != domain.MintJobFailed || job.AttemptCount != 1 {
		t.Fatalf("after first failure: %+v", job)
	}
	got, _ := env.Engine.GetWord(env.Ctx, w.ID)
	if got.Status != domain.StatusApproved || got.MintFlag != domain.MintFlagRetrying || got.MintError == "" {
		t.Fatalf("expected visible retry marker, got %+v", got)
	}

	if n, _ := minter.ProcessDue(env.Ctx); n != 0 {
		t.Fatalf("job retried before backoff elapsed")
	}
	env.Clock.Advance(time.Second)
	if _, err := minter.ProcessDue(env.Ctx); err != nil {
		t.Fatal(err)
	}
	job, _ = env.Engine.Repo.GetMintJob(env.Ctx, w.ID)
	if job.AttemptCount != 2 {
		t.Fatalf("after second failure: %+v", job)
	}
	env.Clock.Advance(time.Second)
	if n, _ := minter.ProcessDue(env.Ctx); n != 0 {
		t.Fatalf("second backoff should be two seconds")
	}
	env.Clock.Advance(time.Second)
	if _, err := minter.ProcessDue(env.Ctx); err != nil {
		t.Fatal(err)
	}
	got, _ = env.Engine.GetWord(env.Ctx, w.ID)
	if got.Status != domain.StatusMinted || got.MintReference != "REF-1" || got.MintFlag != "" {
		t.Fatalf("expected minted REF-1 with flag cleared, got %+v", got)
	}
	if ledger.Records() != 1 || ledger.Calls(w.ID) != 3 {
		t.Fatalf("records=%d calls=%d", ledger.Records(), ledger.Calls(w.ID))
	}
	if env.countEvents(t, w.ID, events.MintRetry) != 2 {
		t.Fatalf("expected two retry events")
	}
}

func TestMintFatalStopsAndRequeueRecovers(t *testing.T) {
	env := newTestEnv(t, nil)
	w := approve(t, env, "based")
	ledger := mint.NewLedger()
	ledger.Fail = func(domain.Word, int) error { return mint.Fatal(errors.New("word rejected by ledger")) }
	minter := engine.NewMinter(env.Engine, ledger)

	if _, err := minter.ProcessDue(env.Ctx); err != nil {
		t.Fatal(err)
	}
	job, _ := env.Engine.Repo.GetMintJob(env.Ctx, w.ID)
	if job.Status != domain.MintJobFatal {
		t.Fatalf("expected fatal job, got %+v", job)
	}
	got, _ := env.Engine.GetWord(env.Ctx, w.ID)
	if got.Status != domain.StatusApproved || got.MintFlag != domain.MintFlagFailedFatal {
		t.Fatalf("expected approved with fatal flag, got %+v", got)
	}
	env.Clock.Advance(24 * time.Hour)
	if n, _ := minter.ProcessDue(env.Ctx); n != 0 {
		t.Fatalf("fatal jobs must not be retried automatically")
	}

	got, err := env.Engine.RequeueMint(env.Ctx, w.ID, "operator")
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if got.MintFlag != "" {
		t.Fatalf("expected flag cleared, got %q", got.MintFlag)
	}
	ledger.Fail = nil
	if _, err := minter.ProcessDue(env.Ctx); err != nil {
		t.Fatal(err)
	}
	got, _ = env.Engine.GetWord(env.Ctx, w.ID)
	if got.Status != domain.StatusMinted {
		t.Fatalf("expected minted after requeue, got %s", got.Status)
	}

	pending := env.submit(t, "unreviewed")
	if _, err := env.Engine.RequeueMint(env.Ctx, pending.ID, "operator"); !errors.Is(err, engine.ErrNotApproved) {
		t.Fatalf("expected not approved, got %v", err)
	}
}

func TestMintExhaustionFlagsAndCoolsDown(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Mint.MaxAttempts = 2
		cfg.Mint.BaseDelay = time.Second
		cfg.Mint.MaxDelay = time.Second
		cfg.Mint.ExhaustedCooldown = time.Hour
	})
	w := approve(t, env, "sheesh")
	ledger := mint.NewLedger()
	ledger.Fail = func(domain.Word, int) error { return errors.New("connection reset") }
	minter := engine.NewMinter(env.Engine, ledger)

	minter.ProcessDue(env.Ctx)
	env.Clock.Advance(time.Second)
	minter.ProcessDue(env.Ctx)
	job, _ := env.Engine.Repo.GetMintJob(env.Ctx, w.ID)
	if job.Status != domain.MintJobExhausted || job.AttemptCount != 2 {
		t.Fatalf("expected exhausted after two attempts, got %+v", job)
	}
	got, _ := env.Engine.GetWord(env.Ctx, w.ID)
	if got.MintFlag != domain.MintFlagFailedWillRetry || got.Status != domain.StatusApproved {
		t.Fatalf("expected failed_will_retry flag, got %+v", got)
	}
	env.Clock.Advance(30 * time.Minute)
	if n, _ := minter.ProcessDue(env.Ctx); n != 0 {
		t.Fatalf("exhausted job retried before cooldown")
	}
	env.Clock.Advance(30 * time.Minute)
	ledger.Fail = nil
	if n, _ := minter.ProcessDue(env.Ctx); n != 1 {
		t.Fatalf("expected exhausted job to be reclaimed after cooldown")
	}
	got, _ = env.Engine.GetWord(env.Ctx, w.ID)
	if got.Status != domain.StatusMinted {
		t.Fatalf("expected minted, got %s", got.Status)
	}
}

func TestMinterSkipsWordsAlreadyMinted(t *testing.T) {
	env := newTestEnv(t, nil)
	w := approve(t, env, "hits different")
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.Repo.TransitionWord(env.Ctx, tx, w.ID, domain.StatusApproved, domain.StatusMinted, repo.TransitionFields{At: env.Clock.Now(), MintReference: "REF-EXT"}); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	ledger := mint.NewLedger()
	minter := engine.NewMinter(env.Engine, ledger)
	if _, err := minter.ProcessDue(env.Ctx); err != nil {
		t.Fatal(err)
	}
	if ledger.Calls(w.ID) != 0 {
		t.Fatalf("adapter called for a word that is no longer approved")
	}
	got, _ := env.Engine.GetWord(env.Ctx, w.ID)
	if got.MintReference != "REF-EXT" {
		t.Fatalf("reference overwritten: %q", got.MintReference)
	}
	if _, err := env.Engine.Repo.GetMintJob(env.Ctx, w.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected stale job to be dropped, got %v", err)
	}
}

func TestMinterRunMintsInBackground(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) { cfg.Mint.PollInterval = 20 * time.Millisecond })
	ledger := mint.NewLedger()
	minter := engine.NewMinter(env.Engine, ledger)
	ctx, cancel := context.WithCancel(env.Ctx)
	done := make(chan error, 1)
	go func() { done <- minter.Run(ctx) }()

	w := approve(t, env, "lowkey")
	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := env.Engine.GetWord(env.Ctx, w.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status == domain.StatusMinted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("word not minted in time, status %s", got.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("worker did not stop")
	}
}

type blockingAdapter struct {
	started chan struct{}
	once    sync.Once
}

func (a *blockingAdapter) Mint(ctx context.Context, _ domain.Word) (string, error) {
	a.once.Do(func() { close(a.started) })
	<-ctx.Done()
	return "", mint.Retryable(ctx.Err())
}

func TestMintAttemptInterruptedByShutdownIsReleased(t *testing.T) {
	env := newTestEnv(t, nil)
	w := approve(t, env, "delulu")
	adapter := &blockingAdapter{started: make(chan struct{})}
	minter := engine.NewMinter(env.Engine, adapter)

	ctx, cancel := context.WithCancel(env.Ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = minter.ProcessDue(ctx)
	}()
	select {
	case <-adapter.started:
	case <-time.After(5 * time.Second):
		t.Fatal("adapter was never called")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("minter did not stop after cancel")
	}

	job, err := env.Engine.Repo.GetMintJob(env.Ctx, w.ID)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != domain.MintJobFailed || job.AttemptCount != 0 {
		t.Fatalf("expected released job with no attempt spent, got %+v", job)
	}
	got, _ := env.Engine.GetWord(env.Ctx, w.ID)
	if got.Status != domain.StatusApproved || got.MintFlag != "" {
		t.Fatalf("expected approved word without failure flag, got %+v", got)
	}
	if n := env.countEvents(t, w.ID, events.MintRetry); n != 0 {
		t.Fatalf("expected no retry event, got %d", n)
	}

	ledger := mint.NewLedger()
	if _, err := engine.NewMinter(env.Engine, ledger).ProcessDue(env.Ctx); err != nil {
		t.Fatal(err)
	}
	got, _ = env.Engine.GetWord(env.Ctx, w.ID)
	if got.Status != domain.StatusMinted {
		t.Fatalf("expected released job to mint on the next pass, got %s", got.Status)
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	s := engine.MintSettings{BaseDelay: time.Second, MaxDelay: 10 * time.Second}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second}
	for i, w := range want {
		if got := s.Backoff(i + 1); got != w {
			t.Fatalf("attempt %d: got %s want %s", i+1, got, w)
		}
	}
	if got := s.Backoff(200); got != 10*time.Second {
		t.Fatalf("large attempt: %s", got)
	}
}

func TestStatusCounts(t *testing.T) {
	env := newTestEnv(t, nil)
	approve(t, env, "bussin")
	env.submit(t, "fresh")
	report, err := env.Engine.Status(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Words[string(domain.StatusApproved)] != 1 || report.Words[string(domain.StatusPending)] != 1 {
		t.Fatalf("unexpected word counts %v", report.Words)
	}
	if report.MintJobs[domain.MintJobPending] != 1 || report.Quorum != 3 {
		t.Fatalf("unexpected report %+v", report)
	}
	queue, err := env.Engine.ReviewQueue(env.Ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(queue) != 1 || queue[0].Text != "fresh" {
		t.Fatalf("unexpected review queue %+v", queue)
	}
}
