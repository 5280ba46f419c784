package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/soyeahso/llmgate/internal/domain"
	"github.com/soyeahso/llmgate/internal/sse"
)

// statusFor maps an error code onto an HTTP status.
func statusFor(code string) int {
	switch code {
	case domain.CodeValidation:
		return http.StatusBadRequest
	case domain.CodeAuthentication:
		return http.StatusUnauthorized
	case domain.CodePermission:
		return http.StatusForbidden
	case domain.CodeRateLimited, domain.CodeQuotaExceeded:
		return http.StatusTooManyRequests
	case domain.CodeProvider:
		return http.StatusBadGateway
	case domain.CodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// errorBody renders err for clients. Internal errors are not echoed.
func errorBody(err error) sse.ErrorBody {
	code := domain.Kind(err)
	body := sse.ErrorBody{Code: code, Message: err.Error()}
	if code == domain.CodeInternal {
		body.Message = "internal error"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		body.Message = "request timed out"
	}
	if reset, ok := domain.ResetTime(err); ok {
		reset = reset.UTC()
		body.ResetAt = &reset
	}
	return body
}

// retryAfter returns whole seconds until reset, at least one.
func retryAfter(reset, now time.Time) int {
	secs := int(math.Ceil(reset.Sub(now).Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// writeError sends err as a JSON error envelope with the mapped status.
func writeError(w http.ResponseWriter, err error) {
	body := errorBody(err)
	if body.ResetAt != nil {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter(*body.ResetAt, time.Now())))
	}
	writeJSON(w, statusFor(body.Code), sse.ErrorEnvelope{Error: body})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
