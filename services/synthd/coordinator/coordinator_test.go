package coordinator

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"synthd/native/collateral"
	"synthd/native/requests"
	"synthd/native/token"
	"synthd/services/synthd/oracle"
	"synthd/services/synthd/payout"
	"synthd/services/synthd/pricefeed"
	"synthd/services/synthd/storage"
)

var (
	owner  = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	holder = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

func units(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e18))
}

func u256(n int64) *uint256.Int {
	v, _ := uint256.FromBig(units(n))
	return v
}

type stubGateway struct {
	mu    sync.Mutex
	calls []oracle.Request
	next  uint64
	err   error
}

func (g *stubGateway) Submit(_ context.Context, req oracle.Request) (requests.ID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, req)
	if g.err != nil {
		return requests.ID{}, g.err
	}
	g.next++
	return common.BigToHash(new(big.Int).SetUint64(g.next)), nil
}

func (g *stubGateway) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

type stubPrices struct {
	asset *uint256.Int
	quote *uint256.Int
	err   error
}

func (p stubPrices) AssetPrice(context.Context) (pricefeed.Price, error) {
	if p.err != nil {
		return pricefeed.Price{}, p.err
	}
	return pricefeed.Price{Value: p.asset.Clone()}, nil
}

func (p stubPrices) QuotePrice(context.Context) (pricefeed.Price, error) {
	if p.err != nil {
		return pricefeed.Price{}, p.err
	}
	return pricefeed.Price{Value: p.quote.Clone()}, nil
}

type memoryJournal struct {
	fulfillments []storage.FulfillmentRecord
	portfolio    []storage.PortfolioObservation
	payouts      []storage.PayoutRecord
}

func (j *memoryJournal) RecordFulfillment(_ context.Context, rec storage.FulfillmentRecord) error {
	j.fulfillments = append(j.fulfillments, rec)
	return nil
}

func (j *memoryJournal) RecordPortfolio(_ context.Context, obs storage.PortfolioObservation) error {
	j.portfolio = append(j.portfolio, obs)
	return nil
}

func (j *memoryJournal) RecordPayout(_ context.Context, rec storage.PayoutRecord) error {
	j.payouts = append(j.payouts, rec)
	return nil
}

func (j *memoryJournal) UpdatePayout(_ context.Context, id string, status storage.PayoutStatus, reference, detail string, at time.Time) error {
	for i := range j.payouts {
		if j.payouts[i].ID == id {
			j.payouts[i].Status = status
			j.payouts[i].Reference = reference
			j.payouts[i].Detail = detail
			j.payouts[i].UpdatedAt = at
			return nil
		}
	}
	return storage.ErrNotFound
}

func (j *memoryJournal) PendingPayout(_ context.Context, who common.Address) (storage.PayoutRecord, bool, error) {
	for _, rec := range j.payouts {
		if rec.Holder == who && rec.Status == storage.PayoutPending {
			return rec, true, nil
		}
	}
	return storage.PayoutRecord{}, false, nil
}

func (j *memoryJournal) GetPayout(_ context.Context, id string) (storage.PayoutRecord, error) {
	for _, rec := range j.payouts {
		if rec.ID == id {
			return rec, nil
		}
	}
	return storage.PayoutRecord{}, storage.ErrNotFound
}

type scriptedPayout struct {
	errs []error
	keys []string
}

func (p *scriptedPayout) Pay(_ context.Context, _ common.Address, _ *uint256.Int, key string) (string, error) {
	p.keys = append(p.keys, key)
	if len(p.errs) == 0 {
		return "tx-" + key, nil
	}
	err := p.errs[0]
	p.errs = p.errs[1:]
	if err != nil {
		return "", err
	}
	return "tx-" + key, nil
}

// flakyStore accepts account writes until fail is set.
type flakyStore struct {
	mu   sync.Mutex
	fail bool
}

func (s *flakyStore) SaveAccount(context.Context, token.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("disk full")
	}
	return nil
}

func (s *flakyStore) setFail(fail bool) {
	s.mu.Lock()
	s.fail = fail
	s.mu.Unlock()
}

type harness struct {
	coord   *Coordinator
	ledger  *requests.MemoryLedger
	gateway *stubGateway
	book    *token.Book
	store   *flakyStore
	journal *memoryJournal
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	engine, err := collateral.NewEngine(collateral.DefaultParams())
	require.NoError(t, err)
	h := &harness{
		ledger:  requests.NewMemoryLedger(),
		gateway: &stubGateway{},
		store:   &flakyStore{},
		journal: &memoryJournal{},
	}
	h.book = token.NewBook("sTSLA", h.store)
	opts = append([]Option{WithJournal(h.journal)}, opts...)
	h.coord, err = New(Config{
		Ledger:             h.ledger,
		Gateway:            h.gateway,
		Prices:             stubPrices{asset: u256(150), quote: u256(1)},
		Engine:             engine,
		Book:               h.book,
		CanMint:            OwnerOnly(owner),
		Routing:            Routing{SubscriptionID: 7, GasLimit: 300_000, DonID: "fun-test-1"},
		SettlementDecimals: 6,
	}, opts...)
	require.NoError(t, err)
	return h
}

func pendingCount(t *testing.T, l requests.Ledger) int {
	t.Helper()
	n, err := l.Len()
	require.NoError(t, err)
	return n
}

func TestSubmitMintRejectsNonPositiveAmounts(t *testing.T) {
	h := newHarness(t)
	for _, amount := range []*big.Int{nil, big.NewInt(0), big.NewInt(-1), units(-5)} {
		_, err := h.coord.SubmitMint(context.Background(), owner, amount)
		require.ErrorIs(t, err, ErrZeroAmountRequested)
	}
	require.Zero(t, pendingCount(t, h.ledger))
	require.Zero(t, h.gateway.count())
}

func TestSubmitMintOwnerOnly(t *testing.T) {
	h := newHarness(t)
	_, err := h.coord.SubmitMint(context.Background(), holder, units(1))
	require.ErrorIs(t, err, ErrUnauthorized)
	require.Zero(t, h.gateway.count())
}

func TestMintRoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub, err := h.coord.SubmitMint(ctx, owner, units(10))
	require.NoError(t, err)
	require.Equal(t, 1, h.gateway.count())
	require.Equal(t, requests.KindMint, h.gateway.calls[0].Kind)
	require.Equal(t, []string{owner.Hex(), units(10).String()}, h.gateway.calls[0].Args)
	require.Equal(t, oracle.DefaultMintSource, h.gateway.calls[0].Source)

	pending, ok, err := h.coord.Pending(sub.RequestID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, owner, pending.Requester)

	outcome, err := h.coord.Fulfill(ctx, sub.RequestID, oracle.EncodeUint256(u256(3100)), nil)
	require.NoError(t, err)
	require.Equal(t, ResultMinted, outcome.Result)
	require.True(t, outcome.Required.Eq(u256(3000)))
	require.True(t, h.book.BalanceOf(owner).Eq(u256(10)))
	require.True(t, h.book.TotalSupply().Eq(u256(10)))
	require.True(t, h.coord.PortfolioBalance().Value.Eq(u256(3100)))

	_, ok, err = h.coord.Pending(sub.RequestID)
	require.NoError(t, err)
	require.False(t, ok)
	require.Len(t, h.journal.fulfillments, 1)
	require.Equal(t, string(ResultMinted), h.journal.fulfillments[0].Result)
	require.Len(t, h.journal.portfolio, 1)
}

func TestMintRejectedForInsufficientCollateral(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub, err := h.coord.SubmitMint(ctx, owner, units(10))
	require.NoError(t, err)

	outcome, err := h.coord.Fulfill(ctx, sub.RequestID, oracle.EncodeUint256(u256(2900)), nil)
	require.ErrorIs(t, err, ErrInsufficientCollateral)
	require.Equal(t, ResultInsufficientCollateral, outcome.Result)
	require.True(t, h.book.TotalSupply().IsZero())
	require.True(t, h.coord.PortfolioBalance().Value.Eq(u256(2900)))
	require.Zero(t, pendingCount(t, h.ledger))
	require.Equal(t, string(ResultInsufficientCollateral), h.journal.fulfillments[0].Result)
}

func TestMintCountsExistingSupply(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.book.Mint(ctx, holder, u256(5)))
	sub, err := h.coord.SubmitMint(ctx, owner, units(5))
	require.NoError(t, err)
	// (5 + 5) * 150 * 2 = 3000
	_, err = h.coord.Fulfill(ctx, sub.RequestID, oracle.EncodeUint256(u256(2999)), nil)
	require.ErrorIs(t, err, ErrInsufficientCollateral)
	require.True(t, h.book.TotalSupply().Eq(u256(5)))
}

func TestFulfillReplayRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub, err := h.coord.SubmitMint(ctx, owner, units(10))
	require.NoError(t, err)
	response := oracle.EncodeUint256(u256(10_000))
	_, err = h.coord.Fulfill(ctx, sub.RequestID, response, nil)
	require.NoError(t, err)

	_, err = h.coord.Fulfill(ctx, sub.RequestID, response, nil)
	require.ErrorIs(t, err, requests.ErrUnknownRequest)
	require.True(t, h.book.BalanceOf(owner).Eq(u256(10)))
	require.Len(t, h.journal.fulfillments, 1)
}

func TestFulfillUnknownRequestMutatesNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.book.Mint(ctx, holder, u256(3)))
	before := h.coord.PortfolioBalance()

	_, err := h.coord.Fulfill(ctx, common.HexToHash("0xdead"), oracle.EncodeUint256(u256(1_000_000)), nil)
	require.ErrorIs(t, err, requests.ErrUnknownRequest)
	after := h.coord.PortfolioBalance()
	require.True(t, after.Value.Eq(before.Value))
	require.Equal(t, before.ObservedAt, after.ObservedAt)
	require.True(t, h.book.TotalSupply().Eq(u256(3)))
	require.True(t, h.book.BalanceOf(holder).Eq(u256(3)))
	require.Empty(t, h.journal.fulfillments)
}

func TestFulfillOracleErrorConsumesRequest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub, err := h.coord.SubmitMint(ctx, owner, units(10))
	require.NoError(t, err)

	outcome, err := h.coord.Fulfill(ctx, sub.RequestID, oracle.EncodeUint256(u256(10_000)), []byte("brokerage timeout"))
	require.ErrorIs(t, err, ErrOracleExecution)
	var oracleErr *OracleError
	require.True(t, errors.As(err, &oracleErr))
	require.Equal(t, sub.RequestID, oracleErr.RequestID)
	require.Equal(t, "brokerage timeout", string(oracleErr.Payload))
	require.Equal(t, ResultOracleError, outcome.Result)
	require.True(t, h.book.TotalSupply().IsZero())
	require.True(t, h.coord.PortfolioBalance().Value.IsZero())
	require.Zero(t, pendingCount(t, h.ledger))
	require.Equal(t, "brokerage timeout", h.journal.fulfillments[0].Detail)

	_, err = h.coord.Fulfill(ctx, sub.RequestID, nil, nil)
	require.ErrorIs(t, err, requests.ErrUnknownRequest)
}

func TestFulfillMalformedResponse(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub, err := h.coord.SubmitMint(ctx, owner, units(1))
	require.NoError(t, err)
	outcome, err := h.coord.Fulfill(ctx, sub.RequestID, []byte{0x01, 0x02}, nil)
	require.ErrorIs(t, err, oracle.ErrMalformedResponse)
	require.Equal(t, ResultRejected, outcome.Result)
	require.True(t, h.book.TotalSupply().IsZero())
	require.Zero(t, pendingCount(t, h.ledger))
}

func TestSubmitRedeemBelowMinimum(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.book.Mint(ctx, holder, u256(10)))
	// 0.5 * 150 = 75 < 100
	half := new(big.Int).Div(units(1), big.NewInt(2))
	for _, amount := range []*big.Int{big.NewInt(0), big.NewInt(-3), half} {
		_, err := h.coord.SubmitRedeem(ctx, holder, amount)
		require.ErrorIs(t, err, ErrBelowMinimumWithdrawal)
	}
	require.Zero(t, h.gateway.count())
	require.Zero(t, pendingCount(t, h.ledger))
	require.True(t, h.book.Account(holder).Locked.IsZero())
}

func TestSubmitRedeemInsufficientBalance(t *testing.T) {
	h := newHarness(t)
	_, err := h.coord.SubmitRedeem(context.Background(), holder, units(1))
	require.ErrorIs(t, err, ErrInsufficientBalance)
	require.Zero(t, h.gateway.count())
}

func TestRedeemSettles(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.book.Mint(ctx, holder, u256(10)))

	sub, err := h.coord.SubmitRedeem(ctx, holder, units(2))
	require.NoError(t, err)
	require.Equal(t, []string{units(2).String(), "300000000", holder.Hex()}, h.gateway.calls[0].Args)
	acct := h.book.Account(holder)
	require.True(t, acct.Balance.Eq(u256(8)))
	require.True(t, acct.Locked.Eq(u256(2)))

	proceeds := uint256.NewInt(299_500_000)
	outcome, err := h.coord.Fulfill(ctx, sub.RequestID, oracle.EncodeUint256(proceeds), nil)
	require.NoError(t, err)
	require.Equal(t, ResultRedeemed, outcome.Result)
	acct = h.book.Account(holder)
	require.True(t, acct.Locked.IsZero())
	require.True(t, acct.Withdrawable.Eq(proceeds))
	require.True(t, h.book.TotalSupply().Eq(u256(8)))

	receipt, err := h.coord.Withdraw(ctx, holder)
	require.NoError(t, err)
	require.True(t, receipt.Amount.Eq(proceeds))
	require.NotEmpty(t, receipt.ID)
	require.Equal(t, "queued:"+receipt.ID, receipt.Reference)
	require.Equal(t, storage.PayoutPaid, receipt.Status)
	require.Len(t, h.journal.payouts, 1)
	require.Equal(t, storage.PayoutPaid, h.journal.payouts[0].Status)
	require.True(t, h.book.Account(holder).Withdrawable.IsZero())

	_, err = h.coord.Withdraw(ctx, holder)
	require.ErrorIs(t, err, ErrNothingToWithdraw)
}

func TestRedeemRefundsOnZeroProceeds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.book.Mint(ctx, holder, u256(10)))
	sub, err := h.coord.SubmitRedeem(ctx, holder, units(2))
	require.NoError(t, err)

	outcome, err := h.coord.Fulfill(ctx, sub.RequestID, oracle.EncodeUint256(new(uint256.Int)), nil)
	require.NoError(t, err)
	require.Equal(t, ResultRefunded, outcome.Result)
	acct := h.book.Account(holder)
	require.True(t, acct.Balance.Eq(u256(10)))
	require.True(t, acct.Locked.IsZero())
	require.True(t, h.book.TotalSupply().Eq(u256(10)))
}

func TestRedeemOracleErrorReleasesEscrow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.book.Mint(ctx, holder, u256(10)))
	sub, err := h.coord.SubmitRedeem(ctx, holder, units(2))
	require.NoError(t, err)

	_, err = h.coord.Fulfill(ctx, sub.RequestID, nil, []byte{0xff, 0x00})
	require.ErrorIs(t, err, ErrOracleExecution)
	acct := h.book.Account(holder)
	require.True(t, acct.Balance.Eq(u256(10)))
	require.True(t, acct.Locked.IsZero())
	require.Equal(t, "0xff00", h.journal.fulfillments[0].Detail)
}

func TestRedeemSubmitFailureReleasesEscrow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.book.Mint(ctx, holder, u256(10)))
	h.gateway.err = fmt.Errorf("%w: router down", oracle.ErrSubmit)

	_, err := h.coord.SubmitRedeem(ctx, holder, units(2))
	require.ErrorIs(t, err, oracle.ErrSubmit)
	acct := h.book.Account(holder)
	require.True(t, acct.Balance.Eq(u256(10)))
	require.True(t, acct.Locked.IsZero())
	require.Zero(t, pendingCount(t, h.ledger))
}

func TestWithdrawRecreditsRejectedPayout(t *testing.T) {
	pay := &scriptedPayout{errs: []error{fmt.Errorf("%w: account frozen", payout.ErrRejected)}}
	h := newHarness(t, WithPayout(pay))
	ctx := context.Background()
	require.NoError(t, h.book.Recredit(ctx, holder, uint256.NewInt(500)))

	rec, err := h.coord.Withdraw(ctx, holder)
	require.ErrorIs(t, err, payout.ErrRejected)
	require.Equal(t, "payout: transfer failed: rejected: account frozen", err.Error())
	require.Equal(t, storage.PayoutFailed, rec.Status)
	require.True(t, h.book.Account(holder).Withdrawable.Eq(uint256.NewInt(500)))
	require.Len(t, h.journal.payouts, 1)
	require.Equal(t, storage.PayoutFailed, h.journal.payouts[0].Status)

	_, err = h.coord.Withdraw(ctx, holder)
	require.NoError(t, err)
	require.NotEqual(t, pay.keys[0], pay.keys[1])
	require.True(t, h.book.Account(holder).Withdrawable.IsZero())
}

func TestWithdrawRetriesUnknownOutcomeUnderSameKey(t *testing.T) {
	pay := &scriptedPayout{errs: []error{fmt.Errorf("%w: connection reset", payout.ErrTransfer)}}
	h := newHarness(t, WithPayout(pay))
	ctx := context.Background()
	require.NoError(t, h.book.Recredit(ctx, holder, uint256.NewInt(500)))

	first, err := h.coord.Withdraw(ctx, holder)
	require.ErrorIs(t, err, payout.ErrTransfer)
	require.Equal(t, storage.PayoutPending, first.Status)
	require.Equal(t, "payout: transfer failed: connection reset", err.Error())
	require.True(t, h.book.Account(holder).Withdrawable.IsZero(), "credit stays debited while outcome is unknown")

	// New credit arriving meanwhile waits behind the pending withdrawal.
	require.NoError(t, h.book.Recredit(ctx, holder, uint256.NewInt(7)))
	second, err := h.coord.Withdraw(ctx, holder)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, []string{first.ID, first.ID}, pay.keys)
	require.True(t, second.Amount.Eq(uint256.NewInt(500)))
	require.Equal(t, storage.PayoutPaid, second.Status)
	require.True(t, h.book.Account(holder).Withdrawable.Eq(uint256.NewInt(7)))
}

func TestWithdrawUnreadableCustodyReceiptIsNotRecredited(t *testing.T) {
	var (
		mu   sync.Mutex
		keys []string
	)
	custody := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		keys = append(keys, r.Header.Get("Idempotency-Key"))
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("<html>accepted</html>"))
	}))
	defer custody.Close()
	wallet, err := payout.NewHTTPWallet(custody.URL, "k", custody.Client(), time.Second)
	require.NoError(t, err)
	h := newHarness(t, WithPayout(payout.WalletPayout{Wallet: wallet, Asset: "USDC"}))
	ctx := context.Background()
	require.NoError(t, h.book.Recredit(ctx, holder, uint256.NewInt(300_000_000)))

	rec, err := h.coord.Withdraw(ctx, holder)
	require.ErrorIs(t, err, payout.ErrUnconfirmed)
	require.Equal(t, storage.PayoutUnconfirmed, rec.Status)
	require.True(t, h.book.Account(holder).Withdrawable.IsZero())

	_, err = h.coord.Withdraw(ctx, holder)
	require.ErrorIs(t, err, ErrNothingToWithdraw)
	require.True(t, h.book.Account(holder).Withdrawable.IsZero())
	mu.Lock()
	require.Equal(t, []string{rec.ID}, keys)
	mu.Unlock()

	resolved, err := h.coord.ResolvePayout(ctx, rec.ID, true, "0xfeed")
	require.NoError(t, err)
	require.Equal(t, storage.PayoutPaid, resolved.Status)
	require.Equal(t, "0xfeed", h.journal.payouts[0].Reference)
	require.True(t, h.book.Account(holder).Withdrawable.IsZero())

	_, err = h.coord.ResolvePayout(ctx, rec.ID, false, "")
	require.ErrorIs(t, err, ErrPayoutClosed)
}

func TestResolvePayoutReleasesUnpaidWithdrawal(t *testing.T) {
	pay := &scriptedPayout{errs: []error{fmt.Errorf("%w: no receipt", payout.ErrUnconfirmed)}}
	h := newHarness(t, WithPayout(pay))
	ctx := context.Background()
	require.NoError(t, h.book.Recredit(ctx, holder, uint256.NewInt(500)))
	rec, err := h.coord.Withdraw(ctx, holder)
	require.ErrorIs(t, err, payout.ErrUnconfirmed)

	resolved, err := h.coord.ResolvePayout(ctx, rec.ID, false, "")
	require.NoError(t, err)
	require.Equal(t, storage.PayoutFailed, resolved.Status)
	require.True(t, h.book.Account(holder).Withdrawable.Eq(uint256.NewInt(500)))

	_, err = h.coord.ResolvePayout(ctx, "missing", false, "")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestWithdrawRequiresJournal(t *testing.T) {
	engine, err := collateral.NewEngine(collateral.DefaultParams())
	require.NoError(t, err)
	book := token.NewBook("sTSLA", nil)
	require.NoError(t, book.Recredit(context.Background(), holder, uint256.NewInt(5)))
	coord, err := New(Config{
		Ledger:  requests.NewMemoryLedger(),
		Gateway: &stubGateway{},
		Prices:  stubPrices{asset: u256(150), quote: u256(1)},
		Engine:  engine,
		Book:    book,
		CanMint: OwnerOnly(owner),
	})
	require.NoError(t, err)
	_, err = coord.Withdraw(context.Background(), holder)
	require.ErrorIs(t, err, ErrNoPayoutJournal)
	require.True(t, book.Account(holder).Withdrawable.Eq(uint256.NewInt(5)))
}

func TestFulfillDefersWhenBookCannotPersist(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.book.Mint(ctx, holder, u256(10)))
	sub, err := h.coord.SubmitRedeem(ctx, holder, units(2))
	require.NoError(t, err)

	h.store.setFail(true)
	proceeds := oracle.EncodeUint256(uint256.NewInt(300_000_000))
	outcome, err := h.coord.Fulfill(ctx, sub.RequestID, proceeds, nil)
	require.ErrorIs(t, err, ErrFulfillmentDeferred)
	require.ErrorIs(t, err, token.ErrPersist)
	require.Equal(t, ResultDeferred, outcome.Result)
	require.Equal(t, 1, pendingCount(t, h.ledger))
	require.Empty(t, h.journal.fulfillments)
	acct := h.book.Account(holder)
	require.True(t, acct.Locked.Eq(u256(2)))
	require.True(t, acct.Withdrawable.IsZero())

	h.store.setFail(false)
	outcome, err = h.coord.Fulfill(ctx, sub.RequestID, proceeds, nil)
	require.NoError(t, err)
	require.Equal(t, ResultRedeemed, outcome.Result)
	require.Zero(t, pendingCount(t, h.ledger))
	acct = h.book.Account(holder)
	require.True(t, acct.Locked.IsZero())
	require.True(t, acct.Withdrawable.Eq(uint256.NewInt(300_000_000)))
	require.Len(t, h.journal.fulfillments, 1)
}

func TestFulfillDefersMintWhenBookCannotPersist(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub, err := h.coord.SubmitMint(ctx, owner, units(1))
	require.NoError(t, err)

	h.store.setFail(true)
	portfolio := oracle.EncodeUint256(u256(1_000))
	_, err = h.coord.Fulfill(ctx, sub.RequestID, portfolio, nil)
	require.ErrorIs(t, err, ErrFulfillmentDeferred)
	require.True(t, h.book.TotalSupply().IsZero())

	h.store.setFail(false)
	outcome, err := h.coord.Fulfill(ctx, sub.RequestID, portfolio, nil)
	require.NoError(t, err)
	require.Equal(t, ResultMinted, outcome.Result)
	require.True(t, h.book.BalanceOf(owner).Eq(u256(1)))
}

func TestReconcileEscrow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	other := common.HexToAddress("0x00000000000000000000000000000000000000c3")
	require.NoError(t, h.book.Mint(ctx, holder, u256(10)))
	require.NoError(t, h.book.Mint(ctx, other, u256(10)))
	_, err := h.coord.SubmitRedeem(ctx, holder, units(2))
	require.NoError(t, err)
	// Escrow left behind by a request the ledger no longer holds.
	require.NoError(t, h.book.Lock(ctx, holder, u256(3)))
	require.NoError(t, h.book.Lock(ctx, other, u256(1)))

	report, err := h.coord.ReconcileEscrow(ctx)
	require.NoError(t, err)
	require.Len(t, report.Released, 2)
	require.Empty(t, report.Short)
	require.True(t, h.book.Account(holder).Locked.Eq(u256(2)))
	require.True(t, h.book.Account(other).Locked.IsZero())
	require.True(t, h.book.Account(other).Balance.Eq(u256(10)))

	report, err = h.coord.ReconcileEscrow(ctx)
	require.NoError(t, err)
	require.Empty(t, report.Released)
	require.Empty(t, report.Short)

	stray := common.HexToHash("0xabc")
	require.NoError(t, h.ledger.Create(stray, requests.Pending{Kind: requests.KindRedeem, Requester: other, Amount: u256(4)}))
	report, err = h.coord.ReconcileEscrow(ctx)
	require.NoError(t, err)
	require.Len(t, report.Short, 1)
	require.Equal(t, other, report.Short[0].Holder)
	require.True(t, report.Short[0].Pending.Eq(u256(4)))
}

// callbackGateway delivers the oracle callback from another goroutine as
// soon as it has handed out the request id.
type callbackGateway struct {
	coord    *Coordinator
	response []byte
	results  chan error
}

func (g *callbackGateway) Submit(ctx context.Context, _ oracle.Request) (requests.ID, error) {
	id := common.HexToHash("0x0e")
	go func() {
		_, err := g.coord.Fulfill(ctx, id, g.response, nil)
		g.results <- err
	}()
	// Give the callback a chance to run before Submit returns.
	time.Sleep(20 * time.Millisecond)
	return id, nil
}

func TestCallbackCannotOvertakeSubmission(t *testing.T) {
	engine, err := collateral.NewEngine(collateral.DefaultParams())
	require.NoError(t, err)
	gateway := &callbackGateway{response: oracle.EncodeUint256(u256(1_000)), results: make(chan error, 1)}
	book := token.NewBook("sTSLA", nil)
	gateway.coord, err = New(Config{
		Ledger:  requests.NewMemoryLedger(),
		Gateway: gateway,
		Prices:  stubPrices{asset: u256(150), quote: u256(1)},
		Engine:  engine,
		Book:    book,
		CanMint: OwnerOnly(owner),
	})
	require.NoError(t, err)

	_, err = gateway.coord.SubmitMint(context.Background(), owner, units(1))
	require.NoError(t, err)
	select {
	case err := <-gateway.results:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("callback never completed")
	}
	require.True(t, book.BalanceOf(owner).Eq(u256(1)))
}

type forgettingGateway struct {
	stubGateway
	forgotten []requests.ID
}

func (g *forgettingGateway) Forget(id requests.ID) {
	g.forgotten = append(g.forgotten, id)
}

func TestFulfillReleasesGatewayState(t *testing.T) {
	engine, err := collateral.NewEngine(collateral.DefaultParams())
	require.NoError(t, err)
	gateway := &forgettingGateway{}
	coord, err := New(Config{
		Ledger:  requests.NewMemoryLedger(),
		Gateway: gateway,
		Prices:  stubPrices{asset: u256(150), quote: u256(1)},
		Engine:  engine,
		Book:    token.NewBook("sTSLA", nil),
		CanMint: OwnerOnly(owner),
	})
	require.NoError(t, err)
	sub, err := coord.SubmitMint(context.Background(), owner, units(1))
	require.NoError(t, err)
	_, err = coord.Fulfill(context.Background(), sub.RequestID, nil, []byte("closed"))
	require.ErrorIs(t, err, ErrOracleExecution)
	require.Equal(t, []requests.ID{sub.RequestID}, gateway.forgotten)
}

type fixedThrottle struct{ admit bool }

func (f fixedThrottle) Admit(context.Context, storage.ThrottleAction, *big.Int, time.Time) (bool, error) {
	return f.admit, nil
}

func TestThrottleBlocksSubmission(t *testing.T) {
	h := newHarness(t, WithThrottle(fixedThrottle{admit: false}))
	ctx := context.Background()
	_, err := h.coord.SubmitMint(ctx, owner, units(1))
	require.ErrorIs(t, err, ErrThrottled)

	require.NoError(t, h.book.Mint(ctx, holder, u256(10)))
	_, err = h.coord.SubmitRedeem(ctx, holder, units(2))
	require.ErrorIs(t, err, ErrThrottled)
	require.Zero(t, h.gateway.count())
	require.True(t, h.book.Account(holder).Locked.IsZero())
}

func TestPolicyThrottleWithStorage(t *testing.T) {
	db, err := storage.Open(storage.MemoryDSN(t.Name()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()
	throttle := PolicyThrottle{Store: db, PolicyID: "default"}

	ok, err := throttle.Admit(ctx, storage.ActionMint, units(1_000), time.Now())
	require.NoError(t, err)
	require.True(t, ok, "missing policy admits")

	require.NoError(t, db.SavePolicy(ctx, storage.Policy{ID: "default", MintLimit: units(10), Window: time.Hour}))
	now := time.Unix(1_700_000_000, 0)
	ok, err = throttle.Admit(ctx, storage.ActionMint, units(6), now)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = throttle.Admit(ctx, storage.ActionMint, units(6), now.Add(time.Minute))
	require.NoError(t, err)
	require.False(t, ok)
	ok, err = throttle.Admit(ctx, storage.ActionRedeem, units(1_000), now)
	require.NoError(t, err)
	require.True(t, ok, "redeem uncapped")
}

func TestQueries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	value, err := h.coord.AssetValueInQuote(ctx, u256(2))
	require.NoError(t, err)
	require.True(t, value.Eq(u256(300)))
	value, err = h.coord.QuoteValueInQuote(ctx, u256(2))
	require.NoError(t, err)
	require.True(t, value.Eq(u256(2)))

	_, err = h.coord.SubmitMint(ctx, owner, units(1))
	require.NoError(t, err)
	status, err := h.coord.Status()
	require.NoError(t, err)
	require.Equal(t, 1, status.Pending)
	require.Equal(t, "sTSLA", status.Symbol)
	require.Equal(t, uint64(200), status.RatioNumerator)
	require.True(t, status.MinimumRedemption.Eq(u256(100)))
}

func TestRestorePortfolio(t *testing.T) {
	h := newHarness(t)
	at := time.Unix(1_700_000_000, 0).UTC()
	h.coord.RestorePortfolio(storage.PortfolioObservation{RequestID: common.HexToHash("0x01"), Value: u256(42), ObservedAt: at})
	snap := h.coord.PortfolioBalance()
	require.True(t, snap.Value.Eq(u256(42)))
	require.Equal(t, at, snap.ObservedAt)
}

func TestRedeemPriceFailureHasNoSideEffects(t *testing.T) {
	engine, err := collateral.NewEngine(collateral.DefaultParams())
	require.NoError(t, err)
	gateway := &stubGateway{}
	book := token.NewBook("sTSLA", nil)
	require.NoError(t, book.Mint(context.Background(), holder, u256(10)))
	coord, err := New(Config{
		Ledger:  requests.NewMemoryLedger(),
		Gateway: gateway,
		Prices:  stubPrices{err: pricefeed.ErrStalePrice},
		Engine:  engine,
		Book:    book,
		CanMint: OwnerOnly(owner),
	})
	require.NoError(t, err)
	_, err = coord.SubmitRedeem(context.Background(), holder, units(2))
	require.ErrorIs(t, err, pricefeed.ErrStalePrice)
	require.Zero(t, gateway.count())
	require.True(t, book.Account(holder).Locked.IsZero())
}
