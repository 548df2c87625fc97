package pricefeed

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

const aggregatorABI = `[
  {"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
  {"inputs":[],"name":"latestRoundData","outputs":[
    {"internalType":"uint80","name":"roundId","type":"uint80"},
    {"internalType":"int256","name":"answer","type":"int256"},
    {"internalType":"uint256","name":"startedAt","type":"uint256"},
    {"internalType":"uint256","name":"updatedAt","type":"uint256"},
    {"internalType":"uint80","name":"answeredInRound","type":"uint80"}
  ],"stateMutability":"view","type":"function"}
]`

var parsedAggregatorABI = mustParseABI(aggregatorABI)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

// ContractCaller is the subset of ethclient.Client used to read aggregators.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// ChainlinkFeed reads an AggregatorV3 price feed over JSON-RPC.
type ChainlinkFeed struct {
	name    string
	caller  ContractCaller
	address common.Address

	mu       sync.Mutex
	decimals *uint8
}

// NewChainlinkFeed binds a feed at address.
func NewChainlinkFeed(name string, caller ContractCaller, address common.Address) *ChainlinkFeed {
	return &ChainlinkFeed{name: name, caller: caller, address: address}
}

func (f *ChainlinkFeed) Name() string { return f.name }

// LatestRound calls latestRoundData and reports the answer with the
// aggregator's decimals.
func (f *ChainlinkFeed) LatestRound(ctx context.Context) (Round, error) {
	decimals, err := f.loadDecimals(ctx)
	if err != nil {
		return Round{}, err
	}
	out, err := f.call(ctx, "latestRoundData")
	if err != nil {
		return Round{}, err
	}
	if len(out) != 5 {
		return Round{}, fmt.Errorf("chainlink: unexpected latestRoundData arity %d", len(out))
	}
	answer, ok := out[1].(*big.Int)
	if !ok || answer.Sign() <= 0 {
		return Round{}, ErrInvalidPrice
	}
	updatedAt, ok := out[3].(*big.Int)
	if !ok || !updatedAt.IsInt64() {
		return Round{}, fmt.Errorf("chainlink: invalid updatedAt")
	}
	value, overflow := uint256.FromBig(answer)
	if overflow {
		return Round{}, ErrInvalidPrice
	}
	return Round{Answer: value, Decimals: decimals, UpdatedAt: time.Unix(updatedAt.Int64(), 0).UTC()}, nil
}

func (f *ChainlinkFeed) loadDecimals(ctx context.Context) (uint8, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.decimals != nil {
		return *f.decimals, nil
	}
	out, err := f.call(ctx, "decimals")
	if err != nil {
		return 0, err
	}
	d, ok := out[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("chainlink: unexpected decimals type %T", out[0])
	}
	f.decimals = &d
	return d, nil
}

func (f *ChainlinkFeed) call(ctx context.Context, method string) ([]interface{}, error) {
	data, err := parsedAggregatorABI.Pack(method)
	if err != nil {
		return nil, fmt.Errorf("chainlink: pack %s: %w", method, err)
	}
	to := f.address
	raw, err := f.caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, method, err)
	}
	out, err := parsedAggregatorABI.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("chainlink: unpack %s: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("chainlink: empty %s result", method)
	}
	return out, nil
}
