package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"hellafresh/internal/domain"
)

const wordColumns = `id,text,definition,COALESCE(usage_example,''),COALESCE(origin_location,''),COALESCE(submitted_by,''),
tags_json,status,COALESCE(mint_reference,''),mint_flag,COALESCE(mint_error,''),created_at,updated_at,resolved_at,minted_at`

func scanWord(row rowScanner) (domain.Word, error) {
	var (
		w                domain.Word
		tagsJSON, status string
		resolved, minted sql.NullString
	)
	err := row.Scan(&w.ID, &w.Text, &w.Definition, &w.UsageExample, &w.Origin.Location, &w.SubmittedBy,
		&tagsJSON, &status, &w.MintReference, &w.MintFlag, &w.MintError, &w.CreatedAt, &w.UpdatedAt, &resolved, &minted)
	if errors.Is(err, sql.ErrNoRows) {
		return w, ErrNotFound
	}
	if err != nil {
		return w, err
	}
	w.Status = domain.Status(status)
	w.Origin.SubmittedAt = w.CreatedAt
	if resolved.Valid {
		w.ResolvedAt = &resolved.String
	}
	if minted.Valid {
		w.MintedAt = &minted.String
	}
	if tagsJSON != "" {
		if err := json.Unmarshal([]byte(tagsJSON), &w.Tags); err != nil {
			return w, fmt.Errorf("decode tags for word %s: %w", w.ID, err)
		}
	}
	if w.Tags == nil {
		w.Tags = []string{}
	}
	return w, nil
}

// InsertWord stores a freshly submitted word. Only pending words may be inserted.
func (r Repo) InsertWord(ctx context.Context, tx *sql.Tx, w domain.Word) error {
	if w.Status != domain.StatusPending {
		return fmt.Errorf("new words must be %s, got %s", domain.StatusPending, w.Status)
	}
	tags := w.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO words(id,text,definition,usage_example,origin_location,submitted_by,tags_json,status,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		w.ID, w.Text, w.Definition, nullable(w.UsageExample), nullable(w.Origin.Location), nullable(w.SubmittedBy),
		string(tagsJSON), string(w.Status), w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert word: %w", err)
	}
	return nil
}

func (r Repo) GetWord(ctx context.Context, id string) (domain.Word, error) {
	return scanWord(r.DB.QueryRowContext(ctx, `SELECT `+wordColumns+` FROM words WHERE id=?`, id))
}

func (r Repo) GetWordTx(ctx context.Context, tx *sql.Tx, id string) (domain.Word, error) {
	return scanWord(tx.QueryRowContext(ctx, `SELECT `+wordColumns+` FROM words WHERE id=?`, id))
}

// TransitionFields carries the columns written alongside a status change.
type TransitionFields struct {
	At            time.Time
	MintReference string
}

// TransitionWord moves a word from one status to another only if its current
// status is from. A word in any other status yields ErrConflict and is left
// untouched; an unknown id yields ErrNotFound.
func (r Repo) TransitionWord(ctx context.Context, tx *sql.Tx, id string, from, to domain.Status, f TransitionFields) error {
	if !domain.CanTransition(from, to) {
		return fmt.Errorf("invalid word transition %s -> %s", from, to)
	}
	ref := strings.TrimSpace(f.MintReference)
	if to == domain.StatusMinted && ref == "" {
		return errors.New("mint reference required to mark a word minted")
	}
	if to != domain.StatusMinted && ref != "" {
		return fmt.Errorf("mint reference only allowed on %s", domain.StatusMinted)
	}
	at := f.At
	if at.IsZero() {
		at = time.Now()
	}
	ts := domain.Timestamp(at)
	sets := []string{"status=?", "updated_at=?"}
	args := []any{string(to), ts}
	switch to {
	case domain.StatusApproved, domain.StatusRejected:
		sets = append(sets, "resolved_at=?")
		args = append(args, ts)
	case domain.StatusMinted:
		sets = append(sets, "mint_reference=?", "minted_at=?", "mint_flag=''", "mint_error=NULL")
		args = append(args, ref, ts)
	}
	args = append(args, id, string(from))
	res, err := tx.ExecContext(ctx, `UPDATE words SET `+strings.Join(sets, ",")+` WHERE id=? AND status=?`, args...)
	if err != nil {
		return fmt.Errorf("transition word %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition word %s rows affected: %w", id, err)
	}
	if n == 1 {
		return nil
	}
	exists, err := wordExists(ctx, tx, id)
	if err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}

// SetMintFlag records minting trouble on an approved word. Words in any other
// status are left alone.
func (r Repo) SetMintFlag(ctx context.Context, tx *sql.Tx, id, flag, message string, at time.Time) error {
	_, err := tx.ExecContext(ctx, `UPDATE words SET mint_flag=?, mint_error=?, updated_at=? WHERE id=? AND status='approved'`,
		flag, nullable(message), domain.Timestamp(at), id)
	return err
}

func wordExists(ctx context.Context, q querier, id string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM words WHERE id=?`, id).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// WordFilter narrows ListWords. Results are newest first unless Oldest is set.
type WordFilter struct {
	Statuses        []domain.Status
	Tag             string
	SubmittedBy     string
	Limit           int
	CursorCreatedAt string
	CursorID        string
	Oldest          bool
}

func (r Repo) ListWords(ctx context.Context, f WordFilter) ([]domain.Word, error) {
	var (
		clauses []string
		args    []any
	)
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(s))
		}
		clauses = append(clauses, "status IN ("+strings.Join(marks, ",")+")")
	}
	if f.Tag != "" {
		clauses = append(clauses, "EXISTS (SELECT 1 FROM json_each(words.tags_json) WHERE json_each.value=?)")
		args = append(args, f.Tag)
	}
	if f.SubmittedBy != "" {
		clauses = append(clauses, "submitted_by=?")
		args = append(args, f.SubmittedBy)
	}
	order := "DESC"
	cmp := "<"
	if f.Oldest {
		order = "ASC"
		cmp = ">"
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, fmt.Sprintf("(created_at %s ? OR (created_at = ? AND id %s ?))", cmp, cmp))
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT ` + wordColumns + ` FROM words`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY created_at %s, id %s", order, order)
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return r.queryWords(ctx, query, args...)
}

// SearchWords matches query case-insensitively against text, definition and
// tags. Exact text matches come first.
func (r Repo) SearchWords(ctx context.Context, query string, limit int) ([]domain.Word, error) {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	pattern := "%" + escapeLike(q) + "%"
	return r.queryWords(ctx, `SELECT `+wordColumns+` FROM words
WHERE lower(text) LIKE ? ESCAPE '\' OR lower(definition) LIKE ? ESCAPE '\' OR lower(tags_json) LIKE ? ESCAPE '\'
ORDER BY CASE WHEN lower(text)=? THEN 0 ELSE 1 END, created_at DESC, id DESC
LIMIT ?`, pattern, pattern, pattern, q, limit)
}

func (r Repo) CountWordsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM words GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := make(map[string]int, len(domain.Statuses))
	for _, s := range domain.Statuses {
		counts[string(s)] = 0
	}
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

func (r Repo) queryWords(ctx context.Context, query string, args ...any) ([]domain.Word, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Word
	for rows.Next() {
		w, err := scanWord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
