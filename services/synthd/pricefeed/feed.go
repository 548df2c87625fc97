package pricefeed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/holiman/uint256"

	"synthd/native/collateral"
)

var (
	// ErrStalePrice is returned when a round is older than the configured
	// maximum age.
	ErrStalePrice = errors.New("pricefeed: stale price")
	// ErrInvalidPrice is returned for non-positive answers.
	ErrInvalidPrice = errors.New("pricefeed: invalid price")
	// ErrUnavailable wraps transport failures reaching a feed.
	ErrUnavailable = errors.New("pricefeed: feed unavailable")
)

// MaxClockSkew bounds how far ahead of the local clock a round may be stamped.
const MaxClockSkew = time.Minute

// Round is the raw answer reported by a feed.
type Round struct {
	Answer    *uint256.Int
	Decimals  uint8
	UpdatedAt time.Time
}

// Feed reports the latest round for a single instrument.
type Feed interface {
	Name() string
	LatestRound(ctx context.Context) (Round, error)
}

// Price is an 18-decimal price and the time it was observed.
type Price struct {
	Value *uint256.Int
	AsOf  time.Time
}

// Reader resolves fresh, normalised prices for the tracked asset and the
// settlement stablecoin. Prices are never cached.
type Reader struct {
	asset  Feed
	quote  Feed
	maxAge time.Duration
	clock  func() time.Time
}

// NewReader wires the two feeds. maxAge of zero disables the staleness guard.
func NewReader(asset, quote Feed, maxAge time.Duration) (*Reader, error) {
	if asset == nil || quote == nil {
		return nil, fmt.Errorf("pricefeed: asset and quote feeds required")
	}
	return &Reader{asset: asset, quote: quote, maxAge: maxAge, clock: time.Now}, nil
}

// WithClock overrides the clock used for staleness checks.
func (r *Reader) WithClock(clock func() time.Time) {
	if clock != nil {
		r.clock = clock
	}
}

// AssetPrice returns the tracked asset priced in quote units.
func (r *Reader) AssetPrice(ctx context.Context) (Price, error) {
	return r.resolve(ctx, r.asset)
}

// QuotePrice returns the settlement stablecoin priced in quote units.
func (r *Reader) QuotePrice(ctx context.Context) (Price, error) {
	return r.resolve(ctx, r.quote)
}

func (r *Reader) resolve(ctx context.Context, feed Feed) (Price, error) {
	round, err := feed.LatestRound(ctx)
	if err != nil {
		return Price{}, fmt.Errorf("%s: %w", feed.Name(), err)
	}
	value, err := collateral.NormalizePrice(round.Answer, round.Decimals)
	if err != nil {
		return Price{}, fmt.Errorf("%s: %w: %v", feed.Name(), ErrInvalidPrice, err)
	}
	now := r.clock()
	if ahead := round.UpdatedAt.Sub(now); ahead > MaxClockSkew {
		return Price{}, fmt.Errorf("%s: %w: round stamped %s in the future", feed.Name(), ErrInvalidPrice, ahead.Truncate(time.Second))
	}
	if r.maxAge > 0 {
		if age := now.Sub(round.UpdatedAt); age > r.maxAge {
			return Price{}, fmt.Errorf("%s: %w: age %s exceeds %s", feed.Name(), ErrStalePrice, age.Truncate(time.Second), r.maxAge)
		}
	}
	return Price{Value: value, AsOf: round.UpdatedAt}, nil
}
