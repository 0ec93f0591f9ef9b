package repo

import (
	"context"
	"database/sql"
	"strings"

	"agora/internal/domain"
)

const agentCols = `id,type,reputation,created_at,last_active_at`

func scanAgent(row interface{ Scan(...any) error }) (domain.Agent, error) {
	var a domain.Agent
	err := row.Scan(&a.ID, &a.Type, &a.Reputation, &a.CreatedAt, &a.LastActiveAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

// IsDuplicate reports whether err is a primary-key collision.
func IsDuplicate(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}

func (r Repo) InsertAgent(ctx context.Context, a domain.Agent) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO agents(`+agentCols+`) VALUES (?,?,?,?,?)`,
		a.ID, a.Type, a.Reputation, a.CreatedAt, a.LastActiveAt)
	return err
}

func (r Repo) InsertAgentTx(ctx context.Context, tx *sql.Tx, a domain.Agent) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO agents(`+agentCols+`) VALUES (?,?,?,?,?)`,
		a.ID, a.Type, a.Reputation, a.CreatedAt, a.LastActiveAt)
	return err
}

func (r Repo) GetAgent(ctx context.Context, id string) (domain.Agent, error) {
	return scanAgent(r.DB.QueryRowContext(ctx, `SELECT `+agentCols+` FROM agents WHERE id=?`, id))
}

// TouchAgentTx updates last-active. Unknown agents are a silent no-op: this is
// fire-and-forget telemetry and must never block the submission path.
func (r Repo) TouchAgentTx(ctx context.Context, tx *sql.Tx, id, now string) error {
	_, err := tx.ExecContext(ctx, `UPDATE agents SET last_active_at=? WHERE id=?`, now, id)
	return err
}

// IncrementReputationTx performs an atomic +1.
func (r Repo) IncrementReputationTx(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := tx.ExecContext(ctx, `UPDATE agents SET reputation=reputation+1 WHERE id=?`, id)
	return err
}

// Leaderboard orders by reputation descending; ties rank the
// earliest-registered agent higher.
func (r Repo) Leaderboard(ctx context.Context) ([]domain.Agent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+agentCols+` FROM agents ORDER BY reputation DESC, created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// ReputationMap returns agent id -> reputation for the given ids.
func (r Repo) ReputationMap(ctx context.Context, ids []string) (map[string]int, error) {
	res := map[string]int{}
	if len(ids) == 0 {
		return res, nil
	}
	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,reputation FROM agents WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var rep int
		if err := rows.Scan(&id, &rep); err != nil {
			return nil, err
		}
		res[id] = rep
	}
	return res, rows.Err()
}
