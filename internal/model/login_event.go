package model

import "time"

// LoginOutcome はサインイン試行の結果を表す。
type LoginOutcome string

const (
	LoginOutcomeSuccess   LoginOutcome = "success"
	LoginOutcomeNeedsRole LoginOutcome = "needs_role"
	LoginOutcomeFailure   LoginOutcome = "failure"
)

// LoginEvent はサインイン試行の監査記録。
// UserIDは失敗時やユーザー削除後はnil。
type LoginEvent struct {
	ID         string
	UserID     *string
	Provider   Provider
	Outcome    LoginOutcome
	RemoteAddr string
	UserAgent  string
	CreatedAt  time.Time
}
