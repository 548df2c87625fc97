package collateral

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

// Decimals is the fixed-point precision shared by amounts, prices and
// portfolio values.
const Decimals = 18

var (
	// ErrOverflow is returned when an intermediate product exceeds 256 bits.
	ErrOverflow = errors.New("collateral: arithmetic overflow")
	// ErrInvalidRatio flags a zero denominator or numerator.
	ErrInvalidRatio = errors.New("collateral: invalid ratio")
	// ErrInvalidPrice flags a non-positive or out-of-range feed answer.
	ErrInvalidPrice = errors.New("collateral: invalid price")
)

var (
	priceScale = new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(Decimals))

	// DefaultMinimumRedemption is 100 units of the settlement asset.
	DefaultMinimumRedemption = new(uint256.Int).Mul(uint256.NewInt(100), priceScale)
)

// PriceScale returns 10^18.
func PriceScale() *uint256.Int { return priceScale.Clone() }

// Params configures the engine.
type Params struct {
	RatioNumerator    uint64
	RatioDenominator  uint64
	MinimumRedemption *uint256.Int
}

// DefaultParams mirrors a 200% over-collateralisation with a 100 unit floor.
func DefaultParams() Params {
	return Params{
		RatioNumerator:    200,
		RatioDenominator:  100,
		MinimumRedemption: DefaultMinimumRedemption.Clone(),
	}
}

// Engine performs the collateral arithmetic. It holds no mutable state and is
// safe for concurrent use.
type Engine struct {
	num     *uint256.Int
	den     *uint256.Int
	minimum *uint256.Int
}

// NewEngine validates the parameters and returns an engine.
func NewEngine(p Params) (*Engine, error) {
	if p.RatioNumerator == 0 || p.RatioDenominator == 0 {
		return nil, ErrInvalidRatio
	}
	minimum := new(uint256.Int)
	if p.MinimumRedemption != nil {
		minimum.Set(p.MinimumRedemption)
	}
	return &Engine{
		num:     uint256.NewInt(p.RatioNumerator),
		den:     uint256.NewInt(p.RatioDenominator),
		minimum: minimum,
	}, nil
}

// MinimumRedemption returns the settlement-value floor for redemptions.
func (e *Engine) MinimumRedemption() *uint256.Int { return e.minimum.Clone() }

// Ratio returns the collateral ratio as numerator and denominator.
func (e *Engine) Ratio() (uint64, uint64) { return e.num.Uint64(), e.den.Uint64() }

// RequiredCollateral computes ((supply + amount) * price / 1e18) * num / den
// with floor division at each step.
func (e *Engine) RequiredCollateral(supply, amount, price *uint256.Int) (*uint256.Int, error) {
	total, overflow := new(uint256.Int).AddOverflow(supply, amount)
	if overflow {
		return nil, fmt.Errorf("%w: supply plus amount", ErrOverflow)
	}
	value, err := mulDiv(total, price, priceScale)
	if err != nil {
		return nil, err
	}
	return mulDiv(value, e.num, e.den)
}

// ValueInQuote converts an 18-decimal amount into quote units at price.
func (e *Engine) ValueInQuote(amount, price *uint256.Int) (*uint256.Int, error) {
	return mulDiv(amount, price, priceScale)
}

// MeetsMinimumRedemption reports whether amount valued at price reaches the
// configured floor.
func (e *Engine) MeetsMinimumRedemption(amount, price *uint256.Int) (bool, error) {
	value, err := e.ValueInQuote(amount, price)
	if err != nil {
		return false, err
	}
	return !value.Lt(e.minimum), nil
}

// IsCollateralised reports whether balance covers the collateral required to
// bring supply up by amount.
func (e *Engine) IsCollateralised(balance, supply, amount, price *uint256.Int) (bool, *uint256.Int, error) {
	required, err := e.RequiredCollateral(supply, amount, price)
	if err != nil {
		return false, nil, err
	}
	return !required.Gt(balance), required, nil
}

// NormalizePrice scales a feed answer reported with the given decimals into an
// 18-decimal price.
func NormalizePrice(answer *uint256.Int, decimals uint8) (*uint256.Int, error) {
	if answer == nil || answer.IsZero() {
		return nil, ErrInvalidPrice
	}
	switch {
	case decimals == Decimals:
		return answer.Clone(), nil
	case decimals < Decimals:
		factor := new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(Decimals-decimals)))
		scaled, overflow := new(uint256.Int).MulOverflow(answer, factor)
		if overflow {
			return nil, fmt.Errorf("%w: normalising price", ErrOverflow)
		}
		return scaled, nil
	default:
		if decimals > 77 {
			return nil, fmt.Errorf("%w: %d decimals", ErrInvalidPrice, decimals)
		}
		factor := new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(decimals-Decimals)))
		scaled := new(uint256.Int).Div(answer, factor)
		if scaled.IsZero() {
			return nil, ErrInvalidPrice
		}
		return scaled, nil
	}
}

func mulDiv(x, y, d *uint256.Int) (*uint256.Int, error) {
	if x == nil || y == nil {
		return nil, fmt.Errorf("collateral: nil operand")
	}
	product, overflow := new(uint256.Int).MulOverflow(x, y)
	if overflow {
		return nil, ErrOverflow
	}
	return product.Div(product, d), nil
}
