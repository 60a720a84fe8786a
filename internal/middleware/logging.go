package middleware

import (
	"log/slog"
	"net/http"
	"time"
)

// responseRecorder はレスポンスのステータスコードと書き込みバイト数を記録する。
type responseRecorder struct {
	http.ResponseWriter
	status int // 0はWriteHeader/Write未呼び出し
	bytes  int
}

func (rr *responseRecorder) WriteHeader(code int) {
	if rr.status == 0 {
		rr.status = code
	}
	rr.ResponseWriter.WriteHeader(code)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	if rr.status == 0 {
		rr.status = http.StatusOK
	}
	n, err := rr.ResponseWriter.Write(b)
	rr.bytes += n
	return n, err
}

// Unwrap はhttp.ResponseControllerに元のResponseWriterを返す。
func (rr *responseRecorder) Unwrap() http.ResponseWriter {
	return rr.ResponseWriter
}

func (rr *responseRecorder) statusCode() int {
	if rr.status == 0 {
		return http.StatusOK
	}
	return rr.status
}

// levelForStatus は5xxをError、4xxをWarn、それ以外をInfoとする。
func levelForStatus(status int) slog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return slog.LevelError
	case status >= http.StatusBadRequest:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// requestClientIP はClientIPミドルウェアが注入したIPを返す。
// 注入されていない場合はRemoteAddrから求める。
func requestClientIP(r *http.Request) string {
	if ip := ClientIPFromContext(r.Context()); ip != UnknownClientIP {
		return ip
	}
	return clientIPFromRemoteAddr(r.RemoteAddr)
}

// NewLoggingMiddleware は1リクエストにつき1行のJSON構造化ログ（msg=http_request）を出力するミドルウェアを返す。
// フィールドはmethod、path、status、bytes、duration_ms、client_ip。
// レスポンスにRetry-Afterが付いた場合はretry_afterも含む。
func NewLoggingMiddleware(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &responseRecorder{ResponseWriter: w}

			next.ServeHTTP(rec, r)

			status := rec.statusCode()
			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", status),
				slog.Int("bytes", rec.bytes),
				slog.Float64("duration_ms", float64(time.Since(start).Microseconds())/1000),
				slog.String("client_ip", requestClientIP(r)),
			}
			if retryAfter := rec.Header().Get("Retry-After"); retryAfter != "" {
				attrs = append(attrs, slog.String("retry_after", retryAfter))
			}

			logger.LogAttrs(r.Context(), levelForStatus(status), "http_request", attrs...)
		})
	}
}
