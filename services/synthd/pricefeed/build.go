package pricefeed

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"synthd/native/collateral"
)

// Spec describes a feed to construct.
type Spec struct {
	Name     string
	Type     string
	ID       string
	Address  string
	Endpoint string
	APIKey   string
	Price    string
}

// Build constructs the feed described by spec. caller is required for
// chainlink feeds; client may be nil.
func Build(spec Spec, caller ContractCaller, client HTTPDoer) (Feed, error) {
	switch strings.ToLower(strings.TrimSpace(spec.Type)) {
	case "chainlink":
		if caller == nil {
			return nil, fmt.Errorf("pricefeed %s: rpc client required", spec.Name)
		}
		if !common.IsHexAddress(spec.Address) {
			return nil, fmt.Errorf("pricefeed %s: invalid aggregator address %q", spec.Name, spec.Address)
		}
		return NewChainlinkFeed(spec.Name, caller, common.HexToAddress(spec.Address)), nil
	case "http":
		return NewHTTPFeed(spec.Name, client, spec.Endpoint, spec.ID, spec.APIKey), nil
	case "manual":
		price, err := collateral.ParseUnits(spec.Price, collateral.Decimals)
		if err != nil {
			return nil, fmt.Errorf("pricefeed %s: %w", spec.Name, err)
		}
		return NewManualFeed(spec.Name, price, time.Time{}), nil
	default:
		return nil, fmt.Errorf("pricefeed %s: unsupported type %q", spec.Name, spec.Type)
	}
}
