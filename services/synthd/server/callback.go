package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"synthd/native/requests"
	"synthd/services/synthd/coordinator"
	"synthd/services/synthd/oracle"
)

// handleFulfill accepts a signed oracle callback. Once a request has been
// consumed the response is 200 even when the fulfillment failed, so the
// network does not redeliver it. A deferred fulfillment answers 503 and
// stays pending for redelivery.
func (s *Server) handleFulfill(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCallbackBytes))
	if err != nil {
		s.writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}
	if err := oracle.VerifySignature([]byte(s.cfg.CallbackSecret), body, r.Header.Get(oracle.SignatureHeader)); err != nil {
		s.logger.Warn("synthd: rejected oracle callback", "error", err, "remote", r.RemoteAddr)
		s.writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}
	var cb oracle.Callback
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cb); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if cb.RequestID == (requests.ID{}) {
		s.writeError(w, http.StatusBadRequest, "request_id required")
		return
	}
	outcome, err := s.coord.Fulfill(r.Context(), cb.RequestID, cb.Response, cb.Err)
	if errors.Is(err, coordinator.ErrFulfillmentDeferred) {
		s.logger.Warn("synthd: fulfillment deferred", "request_id", cb.RequestID.Hex(), "error", err)
		w.Header().Set("Retry-After", "5")
		s.writeError(w, http.StatusServiceUnavailable, "fulfillment deferred")
		return
	}
	if err != nil && outcome.Result == "" {
		if errors.Is(err, requests.ErrUnknownRequest) {
			s.writeError(w, http.StatusNotFound, "unknown request")
			return
		}
		s.fail(w, "fulfill", err)
		return
	}
	resp := map[string]string{
		"request_id": cb.RequestID.Hex(),
		"kind":       outcome.Kind.String(),
		"result":     string(outcome.Result),
	}
	if err != nil {
		resp["error"] = err.Error()
		var oracleErr *coordinator.OracleError
		if !errors.As(err, &oracleErr) && !errors.Is(err, coordinator.ErrInsufficientCollateral) {
			s.logger.Error("synthd: fulfillment failed", "request_id", cb.RequestID.Hex(), "error", err)
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}
