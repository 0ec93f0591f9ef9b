package repo

import (
	"context"
	"database/sql"

	"agora/internal/domain"
)

const submissionCols = `id,contract_id,agent_id,data,is_winner,created_at`

func scanSubmission(row interface{ Scan(...any) error }) (domain.Submission, error) {
	var s domain.Submission
	var winner int
	err := row.Scan(&s.ID, &s.ContractID, &s.AgentID, &s.Data, &winner, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	s.IsWinner = winner != 0
	return s, err
}

func (r Repo) InsertSubmissionTx(ctx context.Context, tx *sql.Tx, s domain.Submission) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO submissions(`+submissionCols+`) VALUES (?,?,?,?,?,?)`,
		s.ID, s.ContractID, s.AgentID, s.Data, boolToInt(s.IsWinner), s.CreatedAt)
	return err
}

func (r Repo) GetSubmission(ctx context.Context, id string) (domain.Submission, error) {
	return scanSubmission(r.DB.QueryRowContext(ctx, `SELECT `+submissionCols+` FROM submissions WHERE id=?`, id))
}

func (r Repo) ListSubmissions(ctx context.Context, contractID string) ([]domain.Submission, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+submissionCols+` FROM submissions WHERE contract_id=? ORDER BY created_at ASC, id ASC`, contractID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Submission
	for rows.Next() {
		s, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) CountSubmissionsTx(ctx context.Context, tx *sql.Tx, contractID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT count(*) FROM submissions WHERE contract_id=?`, contractID).Scan(&n)
	return n, err
}

// MarkWinnerTx flips the winner flag on one submission. The NOT EXISTS guard
// rejects the write if any submission in the same contract already carries the
// flag, so at most one winner can ever exist per contract.
func (r Repo) MarkWinnerTx(ctx context.Context, tx *sql.Tx, submissionID string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE submissions SET is_winner=1
WHERE id=? AND NOT EXISTS (
	SELECT 1 FROM submissions w
	WHERE w.contract_id=(SELECT contract_id FROM submissions s WHERE s.id=?)
	AND w.is_winner=1
)`, submissionID, submissionID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
