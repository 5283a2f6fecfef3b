package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/steveyegge/bullpen/internal/auth"
	"github.com/steveyegge/bullpen/internal/envreg"
	"github.com/steveyegge/bullpen/internal/lifecycle"
	"github.com/steveyegge/bullpen/internal/provider"
	"github.com/steveyegge/bullpen/internal/store"
)

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// errMalformedBody flags request bodies that fail decoding or validation.
var errMalformedBody = errors.New("malformed request body")

func jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, ErrorResponse{Error: message})
}

// statusFor maps the service error taxonomy onto HTTP statuses. Classified
// start failures are checked first: whatever their cause chain holds, they
// report as internal with a message already scrubbed by the classifier.
func statusFor(err error) int {
	var se *lifecycle.StartError
	switch {
	case errors.As(err, &se):
		return http.StatusInternalServerError
	case errors.Is(err, auth.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrForbidden):
		return http.StatusForbidden
	case store.IsNotFound(err), provider.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, lifecycle.ErrNotRunning), errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, lifecycle.ErrBadRequest),
		errors.Is(err, lifecycle.ErrNoCredential),
		errors.Is(err, envreg.ErrInvalidPort),
		errors.Is(err, errMalformedBody):
		return http.StatusBadRequest
	case errors.Is(err, provider.ErrNotConfigured):
		return http.StatusServiceUnavailable
	case errors.Is(err, lifecycle.ErrWakeTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err under its mapped status. Plain internal errors never echo
// their cause; every other mapped error is sentinel text plus wrap context,
// which carries no secrets.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
		var se *lifecycle.StartError
		if errors.As(err, &se) {
			msg = se.Message
		}
	}

	fields := []zap.Field{
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Int("status", status),
		zap.Error(err),
	}
	if status >= 500 {
		s.logger.Warn("request failed", fields...)
	} else {
		s.logger.Debug("request rejected", fields...)
	}
	jsonError(w, status, msg)
}

// decode parses and validates a JSON body. An absent body decodes as the
// zero value so that required-field checks produce field errors instead of
// JSON errors. Validation messages name the field and rule, never submitted
// values.
func (s *Server) decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: invalid JSON", errMalformedBody)
	}
	if err := s.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			f := verrs[0]
			return fmt.Errorf("%w: field %s failed %s validation", errMalformedBody, f.Field(), f.Tag())
		}
		return errMalformedBody
	}
	return nil
}
