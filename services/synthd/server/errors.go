package server

import (
	"errors"
	"net/http"

	"synthd/native/collateral"
	"synthd/native/requests"
	"synthd/native/token"
	"synthd/services/synthd/coordinator"
	"synthd/services/synthd/oracle"
	"synthd/services/synthd/payout"
	"synthd/services/synthd/pricefeed"
	"synthd/services/synthd/storage"
)

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, coordinator.ErrUnauthorized):
		return http.StatusForbidden, "caller may not mint"
	case errors.Is(err, coordinator.ErrZeroAmountRequested),
		errors.Is(err, coordinator.ErrBelowMinimumWithdrawal),
		errors.Is(err, collateral.ErrInvalidAmount):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, coordinator.ErrThrottled):
		return http.StatusTooManyRequests, "issuance limit reached"
	case errors.Is(err, token.ErrInsufficientBalance),
		errors.Is(err, token.ErrNothingToWithdraw):
		return http.StatusConflict, err.Error()
	case errors.Is(err, coordinator.ErrInsufficientCollateral):
		return http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, coordinator.ErrPayoutClosed):
		return http.StatusConflict, err.Error()
	case errors.Is(err, requests.ErrUnknownRequest):
		return http.StatusNotFound, "unknown request"
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, coordinator.ErrFulfillmentDeferred):
		return http.StatusServiceUnavailable, "fulfillment deferred"
	case errors.Is(err, pricefeed.ErrStalePrice),
		errors.Is(err, pricefeed.ErrInvalidPrice),
		errors.Is(err, pricefeed.ErrUnavailable),
		errors.Is(err, collateral.ErrInvalidPrice):
		return http.StatusServiceUnavailable, "price unavailable"
	case errors.Is(err, oracle.ErrSubmit):
		return http.StatusBadGateway, "oracle unavailable"
	case errors.Is(err, payout.ErrTransfer):
		return http.StatusBadGateway, "payout not completed"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	status, message := errorStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("synthd: request failed", "op", op, "error", err)
	}
	s.writeError(w, status, message)
}
