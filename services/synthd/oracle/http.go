package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"synthd/native/requests"
)

// HTTPDoer is satisfied by *http.Client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPGateway posts requests to an oracle router endpoint.
type HTTPGateway struct {
	endpoint string
	apiKey   string
	client   HTTPDoer
	timeout  time.Duration
}

// NewHTTPGateway constructs a gateway for endpoint.
func NewHTTPGateway(endpoint, apiKey string, client HTTPDoer, timeout time.Duration) (*HTTPGateway, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("oracle: endpoint required")
	}
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPGateway{endpoint: trimmed, apiKey: strings.TrimSpace(apiKey), client: client, timeout: timeout}, nil
}

type submitBody struct {
	Kind           string        `json:"kind"`
	SubscriptionID uint64        `json:"subscription_id"`
	GasLimit       uint32        `json:"gas_limit"`
	DonID          string        `json:"don_id"`
	Data           hexutil.Bytes `json:"data"`
}

type submitResponse struct {
	RequestID common.Hash `json:"request_id"`
}

// Submit encodes req and returns the identifier assigned by the router.
func (g *HTTPGateway) Submit(ctx context.Context, req Request) (requests.ID, error) {
	data, err := EncodePayload(req)
	if err != nil {
		return requests.ID{}, err
	}
	body, err := json.Marshal(submitBody{
		Kind:           req.Kind.String(),
		SubscriptionID: req.SubscriptionID,
		GasLimit:       req.GasLimit,
		DonID:          req.DonID,
		Data:           data,
	})
	if err != nil {
		return requests.ID{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint+"/v1/requests", bytes.NewReader(body))
	if err != nil {
		return requests.ID{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	}
	resp, err := g.client.Do(httpReq)
	if err != nil {
		return requests.ID{}, fmt.Errorf("%w: %v", ErrSubmit, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return requests.ID{}, fmt.Errorf("%w: status %d: %s", ErrSubmit, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	var decoded submitResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&decoded); err != nil {
		return requests.ID{}, fmt.Errorf("%w: decode response: %v", ErrSubmit, err)
	}
	if decoded.RequestID == (common.Hash{}) {
		return requests.ID{}, fmt.Errorf("%w: empty request id", ErrSubmit)
	}
	return decoded.RequestID, nil
}
