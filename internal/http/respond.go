package httpx

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/splax/sitekeeper/internal/domain"
	"github.com/splax/sitekeeper/internal/repository"
	"github.com/splax/sitekeeper/internal/service/deploy"
	"github.com/splax/sitekeeper/internal/service/site"
	"github.com/splax/sitekeeper/internal/service/sleep"
	"github.com/splax/sitekeeper/internal/service/webhook"
)

// conflictRetryAfter is the Retry-After hint, in seconds, sent with 409 responses.
const conflictRetryAfter = 5

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends an error message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps service errors onto status codes.
func writeServiceError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	if status == http.StatusConflict && errors.Is(err, domain.ErrConcurrencyConflict) {
		w.Header().Set("Retry-After", strconv.Itoa(conflictRetryAfter))
	}
	writeError(w, status, err.Error())
}

// StatusFor returns the HTTP status for an orchestrator error.
func StatusFor(err error) int {
	var cfgErr *domain.ConfigurationError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &cfgErr), errors.Is(err, site.ErrRestartUnsupported):
		return http.StatusBadRequest
	case errors.Is(err, webhook.ErrInvalidSignature):
		return http.StatusUnauthorized
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrConcurrencyConflict),
		errors.Is(err, repository.ErrActiveDeployment),
		errors.Is(err, repository.ErrDuplicateName),
		errors.Is(err, sleep.ErrNotRunning),
		errors.Is(err, sleep.ErrNotSleeping),
		errors.Is(err, sleep.ErrNothingToWake):
		return http.StatusConflict
	case errors.Is(err, sleep.ErrWakeTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, deploy.ErrShuttingDown), errors.Is(err, webhook.ErrNotConfigured):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WakeStatus is the proxy's status for a wake that did not produce a running site.
func WakeStatus(err error) int {
	switch status := StatusFor(err); status {
	case http.StatusNotFound, http.StatusConflict, http.StatusGatewayTimeout:
		return status
	default:
		return http.StatusServiceUnavailable
	}
}
