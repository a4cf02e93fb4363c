package metrics

import (
	"net/http"
	"strings"
	"time"
)

// unmatchedRoute labels requests the mux did not route (404s, bad methods),
// so scanners cannot blow up label cardinality.
const unmatchedRoute = "unmatched"

// InstrumentRoutes records every request served by mux under the route
// pattern it matched, e.g. "/api/v1/escrow-accounts/{offering_id}/hold".
// Routes in skip are passed through uncounted; the transaction stream is
// long-lived and tracked by its own gauges.
func InstrumentRoutes(m *Metrics, mux http.Handler, skip ...string) http.Handler {
	if m == nil {
		return mux
	}
	skipped := make(map[string]bool, len(skip))
	for _, route := range skip {
		skipped[route] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		mux.ServeHTTP(rec, r)

		// ServeMux fills in Pattern on the request it was handed.
		route := routeLabel(r.Pattern)
		if skipped[route] {
			return
		}
		m.RecordHTTPRequest(route, r.Method, rec.status, time.Since(start).Seconds())
	})
}

func routeLabel(pattern string) string {
	if pattern == "" {
		return unmatchedRoute
	}
	if _, path, ok := strings.Cut(pattern, " "); ok {
		return path
	}
	return pattern
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusRecorder) WriteHeader(status int) {
	if !w.wroteHeader {
		w.status = status
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

// Flush keeps server-sent events working behind the recorder.
func (w *statusRecorder) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusRecorder) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
