package payout

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPDoer is satisfied by *http.Client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPWallet asks a custody service to transfer funds. The withdrawal's
// idempotency key travels in the Idempotency-Key header so a retried transfer
// is executed at most once.
type HTTPWallet struct {
	endpoint string
	apiKey   string
	client   HTTPDoer
	timeout  time.Duration
}

// NewHTTPWallet constructs a wallet client for endpoint.
func NewHTTPWallet(endpoint, apiKey string, client HTTPDoer, timeout time.Duration) (*HTTPWallet, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("payout: endpoint required")
	}
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPWallet{endpoint: trimmed, apiKey: strings.TrimSpace(apiKey), client: client, timeout: timeout}, nil
}

type transferBody struct {
	Asset       string `json:"asset"`
	Destination string `json:"destination"`
	Amount      string `json:"amount"`
}

type transferResponse struct {
	TxHash string `json:"tx_hash"`
}

// Transfer implements Wallet. Errors wrap ErrRejected when custody refused
// the request with a 4xx, ErrUnconfirmed when it answered 2xx without a
// readable receipt. Anything else leaves the outcome unknown.
func (w *HTTPWallet) Transfer(ctx context.Context, t Transfer) (string, error) {
	if t.Amount == nil || t.Amount.Sign() <= 0 {
		return "", fmt.Errorf("%w: non-positive amount", ErrRejected)
	}
	body, err := json.Marshal(transferBody{Asset: t.Asset, Destination: t.Destination, Amount: t.Amount.String()})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRejected, err)
	}
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint+"/v1/transfers", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRejected, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", t.IdempotencyKey)
	if w.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+w.apiKey)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode/100 == 2:
	case resp.StatusCode/100 == 4 && resp.StatusCode != http.StatusConflict && resp.StatusCode != http.StatusRequestTimeout:
		return "", fmt.Errorf("%w: custody returned %d: %s", ErrRejected, resp.StatusCode, snippet(resp.Body))
	default:
		return "", fmt.Errorf("custody returned %d: %s", resp.StatusCode, snippet(resp.Body))
	}
	var out transferResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode custody response: %v", ErrUnconfirmed, err)
	}
	if strings.TrimSpace(out.TxHash) == "" {
		return "", fmt.Errorf("%w: custody response missing tx_hash", ErrUnconfirmed)
	}
	return out.TxHash, nil
}

func snippet(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, 512))
	return strings.TrimSpace(string(raw))
}
