package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/hitoshi/rentauth/internal/model"
)

// PostgresLoginEventRepo はPostgreSQLを使用したサインイン記録リポジトリ。
type PostgresLoginEventRepo struct {
	db *sql.DB
}

// NewPostgresLoginEventRepo はPostgresLoginEventRepoを生成する。
func NewPostgresLoginEventRepo(db *sql.DB) *PostgresLoginEventRepo {
	return &PostgresLoginEventRepo{db: db}
}

// Create はサインイン記録を作成する。
func (r *PostgresLoginEventRepo) Create(ctx context.Context, event *model.LoginEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}

	err := r.db.QueryRowContext(ctx,
		`INSERT INTO login_events (id, user_id, provider, outcome, remote_addr, user_agent)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING created_at`,
		event.ID, nullString(event.UserID), string(event.Provider), string(event.Outcome),
		event.RemoteAddr, event.UserAgent,
	).Scan(&event.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create login event: %w", err)
	}
	return nil
}

// ListByUserID はユーザーの直近のサインイン記録を新しい順に返す。
func (r *PostgresLoginEventRepo) ListByUserID(ctx context.Context, userID string, limit int) ([]*model.LoginEvent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, user_id, provider, outcome, remote_addr, user_agent, created_at
		 FROM login_events
		 WHERE user_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list login events: %w", err)
	}
	defer rows.Close()

	var events []*model.LoginEvent
	for rows.Next() {
		var (
			ev       model.LoginEvent
			uid      sql.NullString
			provider string
			outcome  string
		)
		if err := rows.Scan(&ev.ID, &uid, &provider, &outcome, &ev.RemoteAddr, &ev.UserAgent, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan login event: %w", err)
		}
		ev.UserID = stringPtr(uid)
		ev.Provider = model.Provider(provider)
		ev.Outcome = model.LoginOutcome(outcome)
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate login events: %w", err)
	}

	return events, nil
}

// compile-time interface check
var _ LoginEventRepository = (*PostgresLoginEventRepo)(nil)
