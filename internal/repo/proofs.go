package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"deployproof/internal/domain"
)

func (r Repo) InsertProofRun(ctx context.Context, tx *sql.Tx, run domain.ProofRun) error {
	if run.ID == "" {
		return errors.New("proof run id required")
	}
	_, err := r.conn(tx).ExecContext(ctx, r.q(`INSERT INTO proof_runs(id,environment,branch,level,stories,verdict,score,actor_id,created_at,result_json) VALUES (?,?,?,?,?,?,?,?,?,?)`),
		run.ID, run.Environment, nullable(run.Branch), run.Level, run.Stories, string(run.Verdict), run.Score, run.ActorID, run.CreatedAt, run.ResultJSON)
	return err
}

func (r Repo) GetProofRun(ctx context.Context, id string) (domain.ProofRun, error) {
	row := r.DB.QueryRowContext(ctx, r.q(`SELECT id,environment,COALESCE(branch,''),level,stories,verdict,score,actor_id,created_at,result_json FROM proof_runs WHERE id=?`), id)
	var run domain.ProofRun
	var verdict string
	err := row.Scan(&run.ID, &run.Environment, &run.Branch, &run.Level, &run.Stories, &verdict, &run.Score, &run.ActorID, &run.CreatedAt, &run.ResultJSON)
	if err == sql.ErrNoRows {
		return domain.ProofRun{}, ErrNotFound
	}
	if err != nil {
		return domain.ProofRun{}, err
	}
	run.Verdict = domain.Verdict(verdict)
	return run, nil
}

type ProofRunFilters struct {
	Environment string
	Verdict     string
	Story       string
	Limit       int
	// After is a cursor from ProofRunCursor; runs sorted after it are returned.
	After string
}

// ProofRunCursor is the page cursor positioned at run. It follows the
// list order (created_at, id), so runs sharing a second are not skipped.
func ProofRunCursor(run domain.ProofRun) string {
	return run.CreatedAt + "," + run.ID
}

// ParseProofRunCursor splits a cursor into created_at and id.
func ParseProofRunCursor(cursor string) (createdAt, id string, err error) {
	createdAt, id, ok := strings.Cut(cursor, ",")
	if !ok || createdAt == "" || id == "" {
		return "", "", fmt.Errorf("invalid proof cursor %q", cursor)
	}
	return createdAt, id, nil
}

// ListProofRuns returns recorded runs, newest first, without result bodies.
func (r Repo) ListProofRuns(ctx context.Context, f ProofRunFilters) ([]domain.ProofRun, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Environment != "" {
		clauses = append(clauses, "environment=?")
		args = append(args, f.Environment)
	}
	if f.Verdict != "" {
		clauses = append(clauses, "verdict=?")
		args = append(args, f.Verdict)
	}
	if f.Story != "" {
		clauses = append(clauses, "(','||stories||',') LIKE ?")
		args = append(args, "%,"+f.Story+",%")
	}
	if f.After != "" {
		createdAt, id, err := ParseProofRunCursor(f.After)
		if err != nil {
			return nil, err
		}
		clauses = append(clauses, "(created_at<? OR (created_at=? AND id<?))")
		args = append(args, createdAt, createdAt, id)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	query := `SELECT id,environment,COALESCE(branch,''),level,stories,verdict,score,actor_id,created_at FROM proof_runs WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC LIMIT ?`
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var runs []domain.ProofRun
	for rows.Next() {
		var run domain.ProofRun
		var verdict string
		if err := rows.Scan(&run.ID, &run.Environment, &run.Branch, &run.Level, &run.Stories, &verdict, &run.Score, &run.ActorID, &run.CreatedAt); err != nil {
			return nil, err
		}
		run.Verdict = domain.Verdict(verdict)
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
