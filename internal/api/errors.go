package api

import (
	"errors"
	"net/http"

	"warden/internal/devices"
	"warden/internal/ipam"
	"warden/internal/middleware"
	"warden/internal/models"
	"warden/internal/repo"
	"warden/internal/subscription"
	"warden/internal/vpn/wireguard"
)

var errSubscriptionInactive = errors.New("subscription is not active")

// writeError сводит доменные ошибки к HTTP-статусам.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, title := classify(err)
	if status >= http.StatusInternalServerError {
		middleware.Log(r, "api").WithError(err).Error(title)
	}
	models.WriteProblem(w, status, title, err.Error(), map[string]any{"reqid": middleware.GetRequestID(r)})
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, devices.ErrQuotaExceeded):
		return http.StatusConflict, "Quota Exceeded"
	case errors.Is(err, devices.ErrPeerNotFound):
		return http.StatusNotFound, "Peer Not Found"
	case errors.Is(err, repo.ErrNotFound):
		return http.StatusNotFound, "Account Not Found"
	case errors.Is(err, repo.ErrDuplicate), errors.Is(err, repo.ErrConflict):
		return http.StatusConflict, "Conflict"
	case errors.Is(err, errSubscriptionInactive):
		return http.StatusPaymentRequired, "Subscription Inactive"
	case errors.Is(err, subscription.ErrUnknownPlan),
		errors.Is(err, subscription.ErrInvalidDays),
		errors.Is(err, subscription.ErrInvalidDelta):
		return http.StatusBadRequest, "Bad Request"
	// down-интерфейс приходит и внутри CommandError, проверяем раньше
	case errors.Is(err, wireguard.ErrInterfaceUnavailable):
		return http.StatusServiceUnavailable, "Interface Unavailable"
	case errors.Is(err, ipam.ErrAddressSpaceExhausted):
		return http.StatusInsufficientStorage, "Address Space Exhausted"
	case wireguard.IsCommandError(err):
		return http.StatusBadGateway, "Command Failed"
	default:
		return http.StatusInternalServerError, "Internal Server Error"
	}
}
