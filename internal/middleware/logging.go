package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/hitoshi/rentauth/internal/token"
)

// statusRecorder はhttp.ResponseWriterをラップし、ステータスコードを記録する。
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

// WriteHeader はステータスコードを記録してから委譲する。
func (sr *statusRecorder) WriteHeader(code int) {
	if !sr.written {
		sr.statusCode = code
		sr.written = true
	}
	sr.ResponseWriter.WriteHeader(code)
}

// Write はデータを書き込む。WriteHeaderが未呼び出しの場合は200を記録する。
func (sr *statusRecorder) Write(b []byte) (int, error) {
	if !sr.written {
		sr.statusCode = http.StatusOK
		sr.written = true
	}
	return sr.ResponseWriter.Write(b)
}

// Unwrap はhttp.ResponseControllerが元のResponseWriterに到達できるようにする。
func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

// requestLogFields は内側のミドルウェアで判明した認証情報をログ出力まで運ぶ。
type requestLogFields struct {
	mu     sync.Mutex
	userID string
	role   string
}

type logFieldsContextKey struct{}

// annotateLog はリクエストログにユーザーIDとロールを記録する。
// ロギングミドルウェアを経由していないコンテキストでは何もしない。
func annotateLog(ctx context.Context, claims *token.Claims) {
	fields, ok := ctx.Value(logFieldsContextKey{}).(*requestLogFields)
	if !ok || claims == nil {
		return
	}
	fields.mu.Lock()
	defer fields.mu.Unlock()
	fields.userID = claims.UserID()
	if claims.Role != nil {
		fields.role = string(*claims.Role)
	} else {
		fields.role = "pending"
	}
}

// AnnotateRequest はリクエストログに認証情報を記録する。
// ルートガードなど、このパッケージ外でトークンを検証した場合に使う。
func AnnotateRequest(r *http.Request, claims *token.Claims) {
	annotateLog(r.Context(), claims)
}

// NewLoggingMiddleware はリクエストのJSON構造化ログを出力するミドルウェアを返す。
// ログにはmethod、path、status、duration_ms、user_idとrole（認証済みの場合）を含む。
func NewLoggingMiddleware(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rec := &statusRecorder{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}
			fields := &requestLogFields{}
			ctx := context.WithValue(r.Context(), logFieldsContextKey{}, fields)

			next.ServeHTTP(rec, r.WithContext(ctx))

			duration := time.Since(start)
			durationMs := float64(duration.Nanoseconds()) / float64(time.Millisecond)

			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.statusCode),
				slog.Float64("duration_ms", durationMs),
			}

			// 認証済みの場合はユーザーIDとロールを追加
			fields.mu.Lock()
			if fields.userID != "" {
				attrs = append(attrs,
					slog.String("user_id", fields.userID),
					slog.String("role", fields.role),
				)
			}
			fields.mu.Unlock()

			// slogのログレベルをステータスコードに応じて変更
			level := slog.LevelInfo
			if rec.statusCode >= 500 {
				level = slog.LevelError
			} else if rec.statusCode >= 400 {
				level = slog.LevelWarn
			}

			logger.LogAttrs(r.Context(), level, "http_request", attrs...)
		})
	}
}
