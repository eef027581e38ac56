package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/warp/star-wallet/commission"
	"github.com/warp/star-wallet/ledger"
	"github.com/warp/star-wallet/withdrawal"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error     string `json:"error"`
	Details   string `json:"details,omitempty"`
	Available string `json:"available,omitempty"`
	Requested string `json:"requested,omitempty"`
}

// errBadRequest marks malformed input caught before any domain call.
var errBadRequest = errors.New("bad request")

// statusFor maps the domain error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	var validationErrs validator.ValidationErrors
	switch {
	case errors.Is(err, errBadRequest),
		errors.As(err, &validationErrs),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidCause),
		errors.Is(err, withdrawal.ErrReasonRequired),
		errors.Is(err, commission.ErrInvalidRate),
		errors.Is(err, commission.ErrInvalidCountry),
		errors.Is(err, commission.ErrUnknownService):
		return http.StatusBadRequest
	case errors.Is(err, withdrawal.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrConflict), errors.Is(err, withdrawal.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeDomainError writes err with its mapped status. Server-side failures
// are logged and their details withheld.
func writeDomainError(w http.ResponseWriter, r *http.Request, message string, err error) {
	status := statusFor(err)
	resp := ErrorResponse{Error: message, Details: err.Error()}

	var ife *ledger.InsufficientFundsError
	if errors.As(err, &ife) {
		resp.Available = money(ife.Available)
		resp.Requested = money(ife.Requested)
	}

	if status >= http.StatusInternalServerError {
		loggerFrom(r.Context()).Error(message, slog.String("error", err.Error()), slog.Int("status", status))
		if status == http.StatusInternalServerError {
			resp.Details = ""
		}
	}
	writeJSON(w, status, resp)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
