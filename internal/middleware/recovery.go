package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"
)

// NewRecoveryMiddleware はハンドラー内のpanicを500のAPIエラーに変換するミドルウェアを返す。
// ロギングミドルウェアの内側に置くと、判明済みのuser_idとroleもpanicログに載る。
// http.ErrAbortHandlerはnet/httpに接続の中断を伝えるため再送出する。
func NewRecoveryMiddleware(logger *slog.Logger) func(next http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				attrs := []slog.Attr{
					slog.Any("panic", rec),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
				}
				if fields, ok := r.Context().Value(logFieldsContextKey{}).(*requestLogFields); ok {
					fields.mu.Lock()
					if fields.userID != "" {
						attrs = append(attrs, slog.String("user_id", fields.userID), slog.String("role", fields.role))
					}
					fields.mu.Unlock()
				}
				attrs = append(attrs, slog.String("stack", string(debug.Stack())))

				logger.LogAttrs(r.Context(), slog.LevelError, "panic recovered", attrs...)
				WriteInternalServerError(w)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
