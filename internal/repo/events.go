package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"agora/internal/domain"
)

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, goalID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if goalID != "" {
		clauses = append(clauses, "goal_id=?")
		args = append(args, goalID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,goal_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the id of the newest event, 0 when the log is empty.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT max(id) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

// LatestEvents returns the most recent events, newest first.
func (r Repo) LatestEvents(ctx context.Context, limit int, goalID, evtType string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if goalID != "" {
		clauses = append(clauses, "goal_id=?")
		args = append(args, goalID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,goal_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func scanEvent(rows *sql.Rows) (domain.Event, error) {
	var e domain.Event
	var goalID, entityID, payload sql.NullString
	if err := rows.Scan(&e.ID, &e.TS, &e.Type, &goalID, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
		return e, err
	}
	if goalID.Valid {
		e.GoalID = goalID.String
	}
	if entityID.Valid {
		e.EntityID = entityID.String
	}
	if payload.Valid {
		e.Payload = payload.String
	}
	return e, nil
}
