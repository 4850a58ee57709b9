package server

import (
	"bufio"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// statusRecorder captures the response code for the request metric.
// Hijack passes through so the WebSocket upgrade still works behind the
// middleware.
type statusRecorder struct {
	http.ResponseWriter
	status   int
	hijacked bool
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	r.hijacked = true
	return hj.Hijack()
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// withMetrics records one observation per request, labeled by the mux
// pattern that matched so path parameters never become label values.
// Hijacked connections are skipped; a WebSocket session's lifetime is
// not a request duration.
func (s *Server) withMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if rec.hijacked {
			return
		}
		pattern := r.Pattern
		if pattern == "" {
			pattern = "unmatched"
		} else if method, rest, ok := strings.Cut(pattern, " "); ok && method == r.Method {
			pattern = rest
		}
		s.cfg.Metrics.RecordHTTPRequest(r.Method, pattern, strconv.Itoa(rec.status), time.Since(start).Seconds())
	})
}
