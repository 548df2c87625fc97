package coordinator

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"synthd/native/requests"
	"synthd/native/token"
	"synthd/services/synthd/pricefeed"
)

// AssetPrice returns the live price of the tracked asset.
func (c *Coordinator) AssetPrice(ctx context.Context) (pricefeed.Price, error) {
	return c.prices.AssetPrice(ctx)
}

// QuoteAssetPrice returns the live price of the settlement asset.
func (c *Coordinator) QuoteAssetPrice(ctx context.Context) (pricefeed.Price, error) {
	return c.prices.QuotePrice(ctx)
}

// AssetValueInQuote values amount of the synthetic token at the live asset
// price.
func (c *Coordinator) AssetValueInQuote(ctx context.Context, amount *uint256.Int) (*uint256.Int, error) {
	price, err := c.prices.AssetPrice(ctx)
	if err != nil {
		return nil, err
	}
	return c.engine.ValueInQuote(amount, price.Value)
}

// QuoteValueInQuote values amount of the settlement asset at its live price.
func (c *Coordinator) QuoteValueInQuote(ctx context.Context, amount *uint256.Int) (*uint256.Int, error) {
	price, err := c.prices.QuotePrice(ctx)
	if err != nil {
		return nil, err
	}
	return c.engine.ValueInQuote(amount, price.Value)
}

// PortfolioBalance returns the last oracle-reported portfolio value.
func (c *Coordinator) PortfolioBalance() PortfolioSnapshot {
	return c.portfolio.Snapshot()
}

// Account returns holder's balances.
func (c *Coordinator) Account(holder common.Address) token.Account {
	return c.book.Account(holder)
}

// Pending returns the outstanding request for id, if any.
func (c *Coordinator) Pending(id requests.ID) (requests.Pending, bool, error) {
	return c.ledger.Lookup(id)
}

// Status summarises the issuance state.
type Status struct {
	Symbol            string
	TotalSupply       *uint256.Int
	Portfolio         PortfolioSnapshot
	Pending           int
	RatioNumerator    uint64
	RatioDenominator  uint64
	MinimumRedemption *uint256.Int
}

// Status reports supply, collateral and outstanding requests.
func (c *Coordinator) Status() (Status, error) {
	pending, err := c.ledger.Len()
	if err != nil {
		return Status{}, err
	}
	num, den := c.engine.Ratio()
	return Status{
		Symbol:            c.book.Symbol(),
		TotalSupply:       c.book.TotalSupply(),
		Portfolio:         c.portfolio.Snapshot(),
		Pending:           pending,
		RatioNumerator:    num,
		RatioDenominator:  den,
		MinimumRedemption: c.engine.MinimumRedemption(),
	}, nil
}
