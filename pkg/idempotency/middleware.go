package idempotency

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
)

const Header = "Idempotency-Key"

// Middleware rejects a repeated request carrying the same Idempotency-Key
// for the same caller. owner extracts the caller identity from the request.
// Requests without the header pass through untouched. A key whose request
// did not succeed is forgotten, so a retry gets the real outcome.
func Middleware(log *slog.Logger, s *Store, scope string, owner func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := r.Header.Get(Header)
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			key := s.Key(scope, owner(r), token)
			seen, err := s.Seen(r.Context(), key)
			if err != nil {
				log.Error("idempotency check failed", "key", key, "err", err)
				next.ServeHTTP(w, r)
				return
			}
			if seen {
				log.Info("duplicate submission rejected", "key", key)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusConflict)
				_ = json.NewEncoder(w).Encode(map[string]string{
					"code":    "duplicate_submission",
					"message": "this request was already submitted",
				})
				return
			}

			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			if sw.status < 200 || sw.status >= 300 {
				if err := s.Forget(context.WithoutCancel(r.Context()), key); err != nil {
					log.Warn("forget idempotency key failed", "key", key, "status", sw.status, "err", err)
				}
			}
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
