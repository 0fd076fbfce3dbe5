package http

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/dmehra2102/surplus-exchange/internal/failure"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func statusFor(err error) int {
	switch failure.KindOf(err) {
	case failure.KindRejection:
		switch failure.CodeOf(err) {
		case failure.CodeNotFound:
			return http.StatusNotFound
		case failure.CodeForbidden:
			return http.StatusForbidden
		case failure.CodeInvalidInput, failure.CodeSelfRequest:
			return http.StatusUnprocessableEntity
		default:
			return http.StatusConflict
		}
	case failure.KindStaleState:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// writeError renders business failures with their code. Anything else is a
// 500 with no detail; the cause only goes to the log.
func writeError(log *slog.Logger, w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	body := errorBody{Code: string(failure.CodeOf(err)), Message: err.Error()}
	if status == http.StatusInternalServerError {
		log.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		body = errorBody{Code: "internal", Message: "internal error"}
		if failure.KindOf(err) == failure.KindCompensation {
			body = errorBody{Code: string(failure.CodeInconsistent), Message: failure.ErrInconsistent.Message}
		}
	}
	if failure.CodeOf(err) == failure.CodeBusy {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
