package repo

import (
	"context"
	"database/sql"
)

// Judge responses are cached by prompt hash so re-evaluating an unchanged
// submission set never re-spends model tokens.

func (r Repo) GetJudgeCache(ctx context.Context, promptHash string) (string, error) {
	var response string
	err := r.DB.QueryRowContext(ctx, `SELECT response FROM judge_cache WHERE prompt_hash=?`, promptHash).Scan(&response)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return response, err
}

func (r Repo) PutJudgeCache(ctx context.Context, promptHash, response, now string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO judge_cache(prompt_hash,response,created_at) VALUES (?,?,?)
ON CONFLICT(prompt_hash) DO UPDATE SET response=excluded.response`, promptHash, response, now)
	return err
}
