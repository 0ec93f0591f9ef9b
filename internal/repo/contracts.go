package repo

import (
	"context"
	"database/sql"

	"agora/internal/domain"
)

const contractCols = `id,goal_id,type,title,description,status,budget,created_at,deadline_at`

func scanContract(row interface{ Scan(...any) error }) (domain.Contract, error) {
	var c domain.Contract
	err := row.Scan(&c.ID, &c.GoalID, &c.Type, &c.Title, &c.Description, &c.Status, &c.Budget, &c.CreatedAt, &c.DeadlineAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

func (r Repo) InsertContractTx(ctx context.Context, tx *sql.Tx, c domain.Contract) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO contracts(`+contractCols+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		c.ID, c.GoalID, c.Type, c.Title, c.Description, c.Status, c.Budget, c.CreatedAt, c.DeadlineAt)
	return err
}

func (r Repo) GetContract(ctx context.Context, id string) (domain.Contract, error) {
	return scanContract(r.DB.QueryRowContext(ctx, `SELECT `+contractCols+` FROM contracts WHERE id=?`, id))
}

func (r Repo) GetContractTx(ctx context.Context, tx *sql.Tx, id string) (domain.Contract, error) {
	return scanContract(tx.QueryRowContext(ctx, `SELECT `+contractCols+` FROM contracts WHERE id=?`, id))
}

func (r Repo) listContracts(ctx context.Context, query string, args ...any) ([]domain.Contract, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// ListOpenContracts returns every OPEN contract, creation time ascending.
// Purely status-based: a contract past its deadline but not yet closed still
// appears here. The marketplace read path applies the deadline filter.
func (r Repo) ListOpenContracts(ctx context.Context) ([]domain.Contract, error) {
	return r.listContracts(ctx, `SELECT `+contractCols+` FROM contracts WHERE status=? ORDER BY created_at ASC, id ASC`, domain.ContractOpen)
}

func (r Repo) ListContractsByGoal(ctx context.Context, goalID string) ([]domain.Contract, error) {
	return r.listContracts(ctx, `SELECT `+contractCols+` FROM contracts WHERE goal_id=? ORDER BY created_at ASC, id ASC`, goalID)
}

// ListDueContracts returns OPEN contracts whose deadline is at or before now.
// RFC3339 timestamps compare correctly as strings.
func (r Repo) ListDueContracts(ctx context.Context, now string) ([]domain.Contract, error) {
	return r.listContracts(ctx, `SELECT `+contractCols+` FROM contracts WHERE status=? AND deadline_at<=? ORDER BY created_at ASC, id ASC`, domain.ContractOpen, now)
}

// CloseContractTx is the single authorized status transition point. The
// conditional WHERE rejects the write if a concurrent close happened first;
// callers treat the false return as an idempotent no-op.
func (r Repo) CloseContractTx(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE contracts SET status=? WHERE id=? AND status=?`,
		domain.ContractClosed, id, domain.ContractOpen)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
