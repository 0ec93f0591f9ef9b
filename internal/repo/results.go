package repo

import (
	"context"
	"database/sql"

	"agora/internal/domain"
)

const resultCols = `goal_id,contract_id,contract_type,winning_submission_id,winning_agent_id,submission_data,evaluated_at`

func scanResult(row interface{ Scan(...any) error }) (domain.Result, error) {
	var res domain.Result
	var subID, agentID, data sql.NullString
	err := row.Scan(&res.GoalID, &res.ContractID, &res.ContractType, &subID, &agentID, &data, &res.EvaluatedAt)
	if err == sql.ErrNoRows {
		return res, ErrNotFound
	}
	if subID.Valid {
		res.WinningSubmissionID = &subID.String
	}
	if agentID.Valid {
		res.WinningAgentID = &agentID.String
	}
	if data.Valid {
		res.SubmissionData = &data.String
	}
	return res, err
}

func (r Repo) InsertResultTx(ctx context.Context, tx *sql.Tx, res domain.Result) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO results(`+resultCols+`) VALUES (?,?,?,?,?,?,?)`,
		res.GoalID, res.ContractID, res.ContractType,
		nullableStringPtr(res.WinningSubmissionID), nullableStringPtr(res.WinningAgentID), nullableStringPtr(res.SubmissionData),
		res.EvaluatedAt)
	return err
}

func (r Repo) GetResult(ctx context.Context, contractID string) (domain.Result, error) {
	return scanResult(r.DB.QueryRowContext(ctx, `SELECT `+resultCols+` FROM results WHERE contract_id=?`, contractID))
}

func (r Repo) GetResultTx(ctx context.Context, tx *sql.Tx, contractID string) (domain.Result, error) {
	return scanResult(tx.QueryRowContext(ctx, `SELECT `+resultCols+` FROM results WHERE contract_id=?`, contractID))
}

func (r Repo) ListResultsByGoal(ctx context.Context, goalID string) ([]domain.Result, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+resultCols+` FROM results WHERE goal_id=? ORDER BY evaluated_at ASC, contract_id ASC`, goalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Result
	for rows.Next() {
		item, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, item)
	}
	return res, rows.Err()
}

// CountMissingResultsTx counts contracts of a goal with no published result
// yet, inside the caller's transaction so the goal-completion check sees the
// result row written moments earlier.
func (r Repo) CountMissingResultsTx(ctx context.Context, tx *sql.Tx, goalID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT count(*) FROM contracts c
WHERE c.goal_id=? AND NOT EXISTS (SELECT 1 FROM results res WHERE res.contract_id=c.id)`, goalID).Scan(&n)
	return n, err
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}
