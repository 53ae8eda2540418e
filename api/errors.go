package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"

	credits "github.com/inspect360/credits"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps engine errors onto HTTP status codes. Order matters:
// ErrCustomerNotLinked is a caller problem even though it comes from the
// provider path.
func statusFor(err error) int {
	var ve validator.ValidationErrors
	var insufficient *credits.InsufficientCreditsError
	switch {
	case credits.IsValidation(err), errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.As(err, &insufficient), errors.Is(err, credits.ErrInsufficientCredits):
		return http.StatusPaymentRequired
	case credits.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, credits.ErrCustomerNotLinked),
		errors.Is(err, credits.ErrConflict),
		errors.Is(err, credits.ErrAlreadyExists),
		errors.Is(err, credits.ErrDuplicateEntry),
		errors.Is(err, credits.ErrSubscriptionCanceled):
		return http.StatusConflict
	case errors.Is(err, credits.ErrStillProcessing):
		return http.StatusAccepted
	case errors.Is(err, credits.ErrProviderUnavailable),
		errors.Is(err, credits.ErrProviderNotConfigured),
		errors.Is(err, credits.ErrStoreClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	resp := errorResponse{Error: err.Error()}

	var (
		ve           credits.ValidationError
		fields       validator.ValidationErrors
		insufficient *credits.InsufficientCreditsError
	)
	switch {
	case errors.As(err, &ve):
		resp.Field = ve.Field
	case errors.As(err, &fields) && len(fields) > 0:
		resp.Field = fields[0].Field()
		resp.Error = fmt.Sprintf("%s failed %q validation", fields[0].Field(), fields[0].Tag())
	case errors.As(err, &insufficient):
		available := insufficient.Available
		resp.Available = &available
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			"path", r.URL.Path,
			"status", status,
			"error", err,
			"request_id", RequestID(r.Context()),
		)
		if status == http.StatusInternalServerError {
			resp.Error = "internal error"
		}
	}
	writeJSON(w, status, resp)
}
