package server

import (
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"

	"synthd/native/collateral"
	"synthd/native/requests"
	"synthd/services/synthd/coordinator"
	"synthd/services/synthd/middleware"
	"synthd/services/synthd/storage"
)

type amountRequest struct {
	Amount string `json:"amount"`
}

type submissionResponse struct {
	RequestID string `json:"request_id"`
	Kind      string `json:"kind"`
	Requester string `json:"requester"`
	Amount    string `json:"amount"`
}

func units(v *uint256.Int) string { return collateral.FormatUnits(v, collateral.Decimals) }

// decodeAmount keeps the sign of the submitted amount so the coordinator
// rejects non-positive requests with its own errors.
func (s *Server) decodeAmount(w http.ResponseWriter, r *http.Request) (*big.Int, bool) {
	var req amountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid payload")
		return nil, false
	}
	raw := strings.TrimSpace(req.Amount)
	negative := strings.HasPrefix(raw, "-")
	amount, err := collateral.ParseUnits(strings.TrimPrefix(raw, "-"), collateral.Decimals)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	out := amount.ToBig()
	if negative {
		out.Neg(out)
	}
	return out, true
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	holder, _ := middleware.HolderFromContext(r.Context())
	amount, ok := s.decodeAmount(w, r)
	if !ok {
		return
	}
	sub, err := s.coord.SubmitMint(r.Context(), holder, amount)
	if err != nil {
		s.fail(w, "mint", err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, submissionJSON(sub))
}

func (s *Server) handleRedeem(w http.ResponseWriter, r *http.Request) {
	holder, _ := middleware.HolderFromContext(r.Context())
	amount, ok := s.decodeAmount(w, r)
	if !ok {
		return
	}
	sub, err := s.coord.SubmitRedeem(r.Context(), holder, amount)
	if err != nil {
		s.fail(w, "redeem", err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, submissionJSON(sub))
}

func submissionJSON(sub coordinator.Submission) submissionResponse {
	return submissionResponse{
		RequestID: sub.RequestID.Hex(),
		Kind:      sub.Kind.String(),
		Requester: sub.Requester.Hex(),
		Amount:    units(sub.Amount),
	}
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	holder, _ := middleware.HolderFromContext(r.Context())
	receipt, err := s.coord.Withdraw(r.Context(), holder)
	if err != nil {
		if receipt.ID == "" {
			s.fail(w, "withdraw", err)
			return
		}
		status, message := errorStatus(err)
		s.logger.Warn("synthd: payout not settled", "payout", receipt.ID, "status", receipt.Status, "error", err)
		s.writeJSON(w, status, map[string]any{"error": message, "payout": s.payoutJSON(receipt)})
		return
	}
	s.writeJSON(w, http.StatusOK, s.payoutJSON(receipt))
}

func (s *Server) payoutJSON(rec storage.PayoutRecord) map[string]string {
	return map[string]string{
		"id":         rec.ID,
		"holder":     rec.Holder.Hex(),
		"amount":     collateral.FormatUnits(rec.Amount, int32(s.cfg.SettlementDecimals)),
		"status":     string(rec.Status),
		"reference":  rec.Reference,
		"detail":     rec.Detail,
		"created_at": rec.CreatedAt.UTC().Format(time.RFC3339),
		"updated_at": rec.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func (s *Server) handlePrices(w http.ResponseWriter, r *http.Request) {
	asset, err := s.coord.AssetPrice(r.Context())
	if err != nil {
		s.fail(w, "prices", err)
		return
	}
	quote, err := s.coord.QuoteAssetPrice(r.Context())
	if err != nil {
		s.fail(w, "prices", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"asset": map[string]string{"price": units(asset.Value), "as_of": asset.AsOf.UTC().Format(time.RFC3339)},
		"quote": map[string]string{"price": units(quote.Value), "as_of": quote.AsOf.UTC().Format(time.RFC3339)},
	})
}

func (s *Server) handleValue(w http.ResponseWriter, r *http.Request) {
	amount, err := collateral.ParseUnits(r.URL.Query().Get("amount"), collateral.Decimals)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	assetValue, err := s.coord.AssetValueInQuote(r.Context(), amount)
	if err != nil {
		s.fail(w, "value", err)
		return
	}
	quoteValue, err := s.coord.QuoteValueInQuote(r.Context(), amount)
	if err != nil {
		s.fail(w, "value", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"amount":      units(amount),
		"asset_value": units(assetValue),
		"quote_value": units(quoteValue),
	})
}

func (s *Server) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, portfolioJSON(s.coord.PortfolioBalance()))
}

func portfolioJSON(snap coordinator.PortfolioSnapshot) map[string]any {
	out := map[string]any{"value": units(snap.Value)}
	if !snap.ObservedAt.IsZero() {
		out["observed_at"] = snap.ObservedAt.UTC().Format(time.RFC3339)
		out["request_id"] = snap.RequestID.Hex()
	}
	return out
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.coord.Status()
	if err != nil {
		s.fail(w, "status", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"symbol":             status.Symbol,
		"total_supply":       units(status.TotalSupply),
		"portfolio":          portfolioJSON(status.Portfolio),
		"pending_requests":   status.Pending,
		"collateral_ratio":   []uint64{status.RatioNumerator, status.RatioDenominator},
		"minimum_redemption": units(status.MinimumRedemption),
	})
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "address")
	if !common.IsHexAddress(raw) {
		s.writeError(w, http.StatusBadRequest, "invalid address")
		return
	}
	acct := s.coord.Account(common.HexToAddress(raw))
	s.writeJSON(w, http.StatusOK, map[string]string{
		"address":      acct.Address.Hex(),
		"balance":      units(acct.Balance),
		"locked":       units(acct.Locked),
		"withdrawable": collateral.FormatUnits(acct.Withdrawable, int32(s.cfg.SettlementDecimals)),
	})
}

func parseRequestID(raw string) (requests.ID, bool) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "0x") || len(raw) != 66 {
		return requests.ID{}, false
	}
	id := common.HexToHash(raw)
	return id, id.Hex() == strings.ToLower(raw)
}

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := parseRequestID(chi.URLParam(r, "id"))
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid request id")
		return
	}
	pending, found, err := s.coord.Pending(id)
	if err != nil {
		s.fail(w, "request", err)
		return
	}
	if found {
		s.writeJSON(w, http.StatusOK, map[string]string{
			"request_id":   id.Hex(),
			"status":       "pending",
			"kind":         pending.Kind.String(),
			"requester":    pending.Requester.Hex(),
			"amount":       units(pending.Amount),
			"submitted_at": pending.SubmittedAt.UTC().Format(time.RFC3339),
		})
		return
	}
	rec, err := s.storage.GetFulfillment(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "unknown request")
			return
		}
		s.fail(w, "request", err)
		return
	}
	s.writeJSON(w, http.StatusOK, fulfillmentJSON(rec))
}

func fulfillmentJSON(rec storage.FulfillmentRecord) map[string]string {
	amount := rec.Amount
	if v, err := uint256.FromDecimal(rec.Amount); err == nil {
		amount = units(v)
	}
	return map[string]string{
		"request_id":   rec.RequestID.Hex(),
		"status":       "fulfilled",
		"kind":         rec.Kind,
		"requester":    rec.Requester.Hex(),
		"amount":       amount,
		"result":       rec.Result,
		"settlement":   rec.Settlement,
		"detail":       rec.Detail,
		"processed_at": rec.ProcessedAt.UTC().Format(time.RFC3339),
	}
}
