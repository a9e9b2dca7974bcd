package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"hellafresh/internal/domain"
)

// CastVote appends v to the vote history and makes it the reviewer's current
// vote on the word. The append is guarded by the word still being reviewable,
// so a vote can never land after resolution. A newer vote from the same
// reviewer replaces the older one; an older vote arriving late is kept in
// history only. The returned vote is the reviewer's current vote after the cast.
func (r Repo) CastVote(ctx context.Context, v domain.Vote) (domain.Vote, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Vote{}, err
	}
	defer tx.Rollback()
	current, err := r.CastVoteTx(ctx, tx, v)
	if err != nil {
		return domain.Vote{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Vote{}, err
	}
	return current, nil
}

// CastVoteTx is CastVote inside a caller-owned transaction.
func (r Repo) CastVoteTx(ctx context.Context, tx *sql.Tx, v domain.Vote) (domain.Vote, error) {
	if !v.Decision.Valid() {
		return domain.Vote{}, fmt.Errorf("invalid decision %q", v.Decision)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO vote_history(word_id,reviewer_id,decision,rationale,cast_at)
SELECT ?,?,?,?,? WHERE EXISTS (SELECT 1 FROM words WHERE id=? AND status IN ('pending','under_review'))`,
		v.WordID, v.ReviewerID, string(v.Decision), nullable(v.Rationale), v.CastAt, v.WordID)
	if err != nil {
		return domain.Vote{}, fmt.Errorf("append vote history: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.Vote{}, err
	}
	if n == 0 {
		exists, err := wordExists(ctx, tx, v.WordID)
		if err != nil {
			return domain.Vote{}, err
		}
		if !exists {
			return domain.Vote{}, ErrNotFound
		}
		return domain.Vote{}, ErrAlreadyFinalized
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return domain.Vote{}, err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO votes(word_id,reviewer_id,decision,rationale,cast_at,seq) VALUES (?,?,?,?,?,?)
ON CONFLICT(word_id,reviewer_id) DO UPDATE SET
  decision=excluded.decision, rationale=excluded.rationale, cast_at=excluded.cast_at, seq=excluded.seq
WHERE excluded.cast_at > votes.cast_at OR (excluded.cast_at = votes.cast_at AND excluded.seq > votes.seq)`,
		v.WordID, v.ReviewerID, string(v.Decision), nullable(v.Rationale), v.CastAt, seq); err != nil {
		return domain.Vote{}, fmt.Errorf("upsert vote: %w", err)
	}
	return scanVote(tx.QueryRowContext(ctx, `SELECT word_id,reviewer_id,decision,COALESCE(rationale,''),cast_at,seq
FROM votes WHERE word_id=? AND reviewer_id=?`, v.WordID, v.ReviewerID))
}

// VotesFor returns the current vote of every reviewer on the word, ordered by
// cast time with the ledger sequence breaking ties.
func (r Repo) VotesFor(ctx context.Context, wordID string) ([]domain.Vote, error) {
	return r.queryVotes(ctx, `SELECT word_id,reviewer_id,decision,COALESCE(rationale,''),cast_at,seq
FROM votes WHERE word_id=? ORDER BY cast_at ASC, seq ASC`, wordID)
}

// VoteHistory returns every vote ever cast on the word in ledger order.
func (r Repo) VoteHistory(ctx context.Context, wordID string) ([]domain.Vote, error) {
	return r.queryVotes(ctx, `SELECT word_id,reviewer_id,decision,COALESCE(rationale,''),cast_at,seq
FROM vote_history WHERE word_id=? ORDER BY seq ASC`, wordID)
}

func (r Repo) queryVotes(ctx context.Context, query string, args ...any) ([]domain.Vote, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Vote
	for rows.Next() {
		v, err := scanVote(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

func scanVote(row rowScanner) (domain.Vote, error) {
	var v domain.Vote
	var decision string
	err := row.Scan(&v.WordID, &v.ReviewerID, &decision, &v.Rationale, &v.CastAt, &v.Seq)
	if errors.Is(err, sql.ErrNoRows) {
		return v, ErrNotFound
	}
	v.Decision = domain.Decision(decision)
	return v, err
}
