// logging.go: журнал HTTP-запросов. Запросы API помечаются пользователем
// и коннектором из параметров маршрута, пробы и /metrics пишутся на DEBUG.
package middleware

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

// recorder запоминает статус и число записанных байт ответа.
type recorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func newRecorder(w http.ResponseWriter) *recorder {
	return &recorder{ResponseWriter: w, status: http.StatusOK}
}

func (rec *recorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *recorder) Write(b []byte) (int, error) {
	n, err := rec.ResponseWriter.Write(b)
	rec.bytes += int64(n)
	return n, err
}

// Unwrap нужен http.ResponseController.
func (rec *recorder) Unwrap() http.ResponseWriter {
	return rec.ResponseWriter
}

// requestLevel: 5xx пишется как ERROR, 4xx как WARN, успешные пробы как DEBUG.
func requestLevel(path string, status int) slog.Level {
	switch {
	case status >= 500:
		return slog.LevelError
	case status >= 400:
		return slog.LevelWarn
	case strings.HasPrefix(path, "/health/") || path == "/metrics":
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

// RequestLogger логирует каждый запрос. Должен стоять на уровне роутера:
// параметры маршрута читаются после обработки из общего chi-контекста.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := newRecorder(w)

			next.ServeHTTP(rec, r)

			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.status),
				slog.Duration("duration", time.Since(start)),
				slog.Int64("bytes", rec.bytes),
				slog.String("remote_addr", r.RemoteAddr),
			}
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if userID := rctx.URLParam("userID"); userID != "" {
					attrs = append(attrs, slog.String("user_id", userID))
				}
				if c := rctx.URLParam("connector"); c != "" {
					attrs = append(attrs, slog.String("connector", c))
				}
			}
			logger.LogAttrs(r.Context(), requestLevel(r.URL.Path, rec.status), "HTTP запрос", attrs...)
		})
	}
}
