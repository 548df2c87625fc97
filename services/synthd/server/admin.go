package server

import (
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"

	"synthd/native/collateral"
	"synthd/services/synthd/storage"
)

func limitString(v *big.Int) string {
	if v == nil || v.Sign() <= 0 {
		return ""
	}
	u, overflow := uint256.FromBig(v)
	if overflow {
		return v.String()
	}
	return units(u)
}

func (s *Server) getPolicy(w http.ResponseWriter, r *http.Request) {
	policy, err := s.storage.GetPolicy(r.Context(), s.cfg.PolicyID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.fail(w, "get_policy", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"id":             s.cfg.PolicyID,
		"mint_limit":     limitString(policy.MintLimit),
		"redeem_limit":   limitString(policy.RedeemLimit),
		"window_seconds": int64(policy.Window.Seconds()),
	})
}

func (s *Server) putPolicy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MintLimit   string `json:"mint_limit"`
		RedeemLimit string `json:"redeem_limit"`
		Window      int64  `json:"window_seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if req.Window <= 0 {
		s.writeError(w, http.StatusBadRequest, "window_seconds must be positive")
		return
	}
	parse := func(raw string) (*big.Int, error) {
		if strings.TrimSpace(raw) == "" {
			return big.NewInt(0), nil
		}
		v, err := collateral.ParseUnits(raw, collateral.Decimals)
		if err != nil {
			return nil, err
		}
		return v.ToBig(), nil
	}
	mint, err := parse(req.MintLimit)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "mint_limit: "+err.Error())
		return
	}
	redeem, err := parse(req.RedeemLimit)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "redeem_limit: "+err.Error())
		return
	}
	policy := storage.Policy{
		ID:          s.cfg.PolicyID,
		MintLimit:   mint,
		RedeemLimit: redeem,
		Window:      time.Duration(req.Window) * time.Second,
	}
	if err := s.storage.SavePolicy(r.Context(), policy); err != nil {
		s.logger.Error("synthd: save policy", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to persist policy")
		return
	}
	method := ""
	if principal, ok := PrincipalFromContext(r.Context()); ok {
		method = principal.Method
	}
	s.logger.Info("synthd: issuance policy updated", "policy", policy.ID, "auth", method,
		"mint_limit", policy.MintLimit.String(), "redeem_limit", policy.RedeemLimit.String(), "window", policy.Window)
	w.WriteHeader(http.StatusNoContent)
}

func parseLimit(raw string) (int, bool) {
	if raw == "" {
		return 50, true
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 || parsed > 500 {
		return 0, false
	}
	return parsed, true
}

func (s *Server) listFulfillments(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(r.URL.Query().Get("limit"))
	if !ok {
		s.writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
		return
	}
	records, err := s.storage.ListFulfillments(r.Context(), limit)
	if err != nil {
		s.fail(w, "list_fulfillments", err)
		return
	}
	out := make([]map[string]string, 0, len(records))
	for _, rec := range records {
		out = append(out, fulfillmentJSON(rec))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"fulfillments": out})
}

// listPayouts returns withdrawals in one status, unconfirmed by default, for
// operators reconciling against custody.
func (s *Server) listPayouts(w http.ResponseWriter, r *http.Request) {
	status := storage.PayoutUnconfirmed
	if raw := r.URL.Query().Get("status"); raw != "" {
		status = storage.PayoutStatus(raw)
	}
	if !status.Valid() {
		s.writeError(w, http.StatusBadRequest, "unknown payout status")
		return
	}
	limit, ok := parseLimit(r.URL.Query().Get("limit"))
	if !ok {
		s.writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
		return
	}
	records, err := s.storage.ListPayoutsByStatus(r.Context(), status, limit)
	if err != nil {
		s.fail(w, "list_payouts", err)
		return
	}
	out := make([]map[string]string, 0, len(records))
	for _, rec := range records {
		out = append(out, s.payoutJSON(rec))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"payouts": out})
}

func (s *Server) resolvePayout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Paid      *bool  `json:"paid"`
		Reference string `json:"reference"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Paid == nil {
		s.writeError(w, http.StatusBadRequest, "paid required")
		return
	}
	if *req.Paid && strings.TrimSpace(req.Reference) == "" {
		s.writeError(w, http.StatusBadRequest, "reference required for a paid withdrawal")
		return
	}
	rec, err := s.coord.ResolvePayout(r.Context(), chi.URLParam(r, "id"), *req.Paid, strings.TrimSpace(req.Reference))
	if err != nil {
		s.fail(w, "resolve_payout", err)
		return
	}
	method := ""
	if principal, ok := PrincipalFromContext(r.Context()); ok {
		method = principal.Method
	}
	s.logger.Info("synthd: payout resolved", "payout", rec.ID, "status", rec.Status, "auth", method)
	s.writeJSON(w, http.StatusOK, s.payoutJSON(rec))
}

func (s *Server) listOutbox(w http.ResponseWriter, r *http.Request) {
	subs := s.outbox.Submissions()
	out := make([]map[string]any, 0, len(subs))
	for _, sub := range subs {
		out = append(out, map[string]any{
			"request_id":   sub.ID.Hex(),
			"kind":         sub.Request.Kind.String(),
			"args":         sub.Request.Args,
			"payload":      hexutil.Encode(sub.Payload),
			"submitted_at": sub.SubmittedAt.UTC().Format(time.RFC3339),
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"requests": out})
}
