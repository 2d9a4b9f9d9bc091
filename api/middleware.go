package api

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"time"
)

// statusWriter wraps http.ResponseWriter to capture the response status. It
// forwards Flush so SSE streams keep working and Hijack so WebSocket upgrades
// can take over the connection.
type statusWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
		w.ResponseWriter.WriteHeader(code)
	}
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.status = http.StatusOK
		w.written = true
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hijacker.Hijack()
}

// withRequestLog logs every request with method, path, status, and duration.
// Client errors log at warn, server errors at error, the rest at debug so
// production log volume is controlled by the logger level. Streaming
// endpoints log once the stream closes, with the stream lifetime as duration.
func (s *Server) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		fields := map[string]interface{}{
			"operation":   "http_request",
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      wrapped.status,
			"duration_ms": duration.Milliseconds(),
			"remote_addr": r.RemoteAddr,
		}
		if r.URL.RawQuery != "" {
			fields["query"] = r.URL.RawQuery
		}

		switch {
		case wrapped.status >= 500:
			s.logger.ErrorWithContext(r.Context(), "HTTP request failed", fields)
		case wrapped.status >= 400:
			s.logger.WarnWithContext(r.Context(), "HTTP request client error", fields)
		case duration > time.Second:
			s.logger.WarnWithContext(r.Context(), "HTTP request slow", fields)
		default:
			s.logger.DebugWithContext(r.Context(), "HTTP request", fields)
		}
	})
}
