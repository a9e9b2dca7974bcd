package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"hellafresh/internal/domain"
)

const mintJobColumns = `word_id,status,attempt_count,next_attempt_at,last_error,created_at,updated_at`

func scanMintJob(row rowScanner) (domain.MintJob, error) {
	var (
		j                      domain.MintJob
		next, created, updated int64
	)
	err := row.Scan(&j.WordID, &j.Status, &j.AttemptCount, &next, &j.LastError, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return j, ErrNotFound
	}
	if err != nil {
		return j, err
	}
	j.NextAttemptAt = fromMillis(next)
	j.CreatedAt = fromMillis(created)
	j.UpdatedAt = fromMillis(updated)
	return j, nil
}

// EnqueueMintJob schedules the mint hand-off for an approved word. It runs in
// the approving transaction so an approval never commits without its job.
// Enqueueing an already queued word is a no-op.
func (r Repo) EnqueueMintJob(ctx context.Context, tx *sql.Tx, wordID string, now time.Time) error {
	ms := toMillis(now)
	_, err := tx.ExecContext(ctx, `INSERT INTO mint_jobs(word_id,status,attempt_count,next_attempt_at,last_error,created_at,updated_at)
VALUES (?, 'pending', 0, ?, '', ?, ?) ON CONFLICT(word_id) DO NOTHING`, wordID, ms, ms, ms)
	if err != nil {
		return fmt.Errorf("enqueue mint job %s: %w", wordID, err)
	}
	return nil
}

// ClaimDueMintJobs moves up to limit due jobs to processing and returns them.
// Jobs stuck in processing longer than lease are reclaimed. Each claim is a
// compare-and-swap on the job status, so two workers never claim one job.
func (r Repo) ClaimDueMintJobs(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]domain.MintJob, error) {
	if limit <= 0 {
		return nil, nil
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin mint claim tx: %w", err)
	}
	defer tx.Rollback()

	nowMS := toMillis(now)
	staleMS := toMillis(now.Add(-lease))
	rows, err := tx.QueryContext(ctx, `SELECT `+mintJobColumns+` FROM mint_jobs
WHERE (status IN ('pending','failed','exhausted') AND next_attempt_at <= ?)
   OR (status = 'processing' AND updated_at <= ?)
ORDER BY next_attempt_at ASC, word_id ASC
LIMIT ?`, nowMS, staleMS, limit)
	if err != nil {
		return nil, fmt.Errorf("list due mint jobs: %w", err)
	}
	var candidates []domain.MintJob
	for rows.Next() {
		j, err := scanMintJob(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan due mint job: %w", err)
		}
		candidates = append(candidates, j)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate due mint jobs: %w", err)
	}

	claimed := make([]domain.MintJob, 0, len(candidates))
	for _, j := range candidates {
		res, err := tx.ExecContext(ctx, `UPDATE mint_jobs SET status='processing', updated_at=?
WHERE word_id=? AND (
  (status IN ('pending','failed','exhausted') AND next_attempt_at <= ?)
  OR (status = 'processing' AND updated_at <= ?)
)`, nowMS, j.WordID, nowMS, staleMS)
		if err != nil {
			return nil, fmt.Errorf("claim mint job %s: %w", j.WordID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 1 {
			j.Status = domain.MintJobProcessing
			j.UpdatedAt = fromMillis(nowMS)
			claimed = append(claimed, j)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit mint claim tx: %w", err)
	}
	return claimed, nil
}

// MintJobUpdate describes the outcome of a failed attempt.
type MintJobUpdate struct {
	Status      string
	Attempt     int
	NextAttempt time.Time
	LastError   string
	Now         time.Time
}

// MarkMintJob records a failed attempt on a job this worker holds. ErrConflict
// means the claim was lost to another worker or an operator.
func (r Repo) MarkMintJob(ctx context.Context, tx *sql.Tx, wordID string, u MintJobUpdate) error {
	res, err := tx.ExecContext(ctx, `UPDATE mint_jobs SET status=?, attempt_count=?, next_attempt_at=?, last_error=?, updated_at=?
WHERE word_id=? AND status='processing'`,
		u.Status, u.Attempt, toMillis(u.NextAttempt), u.LastError, toMillis(u.Now), wordID)
	if err != nil {
		return fmt.Errorf("mark mint job %s: %w", wordID, err)
	}
	return expectOneRow(res, "mark mint job")
}

// DeleteMintJob drops the job for a word whatever its state.
func (r Repo) DeleteMintJob(ctx context.Context, tx *sql.Tx, wordID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM mint_jobs WHERE word_id=?`, wordID)
	return err
}

// RequeueMintJob resets a word's job to pending with no attempts, creating it
// if missing. A job currently in processing is left alone and ErrConflict is
// returned.
func (r Repo) RequeueMintJob(ctx context.Context, tx *sql.Tx, wordID string, now time.Time) error {
	ms := toMillis(now)
	res, err := tx.ExecContext(ctx, `INSERT INTO mint_jobs(word_id,status,attempt_count,next_attempt_at,last_error,created_at,updated_at)
VALUES (?, 'pending', 0, ?, '', ?, ?)
ON CONFLICT(word_id) DO UPDATE SET status='pending', attempt_count=0, next_attempt_at=excluded.next_attempt_at,
  last_error='', updated_at=excluded.updated_at
WHERE mint_jobs.status <> 'processing'`, wordID, ms, ms, ms)
	if err != nil {
		return fmt.Errorf("requeue mint job %s: %w", wordID, err)
	}
	return expectOneRow(res, "requeue mint job")
}

func (r Repo) GetMintJob(ctx context.Context, wordID string) (domain.MintJob, error) {
	return scanMintJob(r.DB.QueryRowContext(ctx, `SELECT `+mintJobColumns+` FROM mint_jobs WHERE word_id=?`, wordID))
}

func (r Repo) ListMintJobs(ctx context.Context, status string, limit int) ([]domain.MintJob, error) {
	query := `SELECT ` + mintJobColumns + ` FROM mint_jobs`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, status)
	}
	query += ` ORDER BY next_attempt_at ASC, word_id ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.MintJob
	for rows.Next() {
		j, err := scanMintJob(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

func (r Repo) CountMintJobsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM mint_jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
