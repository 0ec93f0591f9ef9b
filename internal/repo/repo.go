package repo

import (
	"context"
	"database/sql"
	"errors"

	"agora/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertGoalTx(ctx context.Context, tx *sql.Tx, g domain.Goal) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO goals(id,description,status,created_at) VALUES (?,?,?,?)`,
		g.ID, g.Description, g.Status, g.CreatedAt)
	return err
}

func (r Repo) GetGoal(ctx context.Context, id string) (domain.Goal, error) {
	var g domain.Goal
	err := r.DB.QueryRowContext(ctx, `SELECT id,description,status,created_at FROM goals WHERE id=?`, id).
		Scan(&g.ID, &g.Description, &g.Status, &g.CreatedAt)
	if err == sql.ErrNoRows {
		return g, ErrNotFound
	}
	return g, err
}

func (r Repo) ListGoals(ctx context.Context) ([]domain.Goal, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,description,status,created_at FROM goals ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Goal
	for rows.Next() {
		var g domain.Goal
		if err := rows.Scan(&g.ID, &g.Description, &g.Status, &g.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, g)
	}
	return res, rows.Err()
}

// SetGoalStatusTx transitions a goal out of PROCESSING. The conditional WHERE
// makes a concurrent double-transition a no-op on the losing side.
func (r Repo) SetGoalStatusTx(ctx context.Context, tx *sql.Tx, id, status string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE goals SET status=? WHERE id=? AND status=?`, status, id, domain.GoalProcessing)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
