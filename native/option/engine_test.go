package option

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"testing"

	"optionchain/core/events"
	"optionchain/core/state"
	"optionchain/crypto"
	nativecommon "optionchain/native/common"
	"optionchain/storage"
)

var errTestInsufficient = errors.New("test ledger: insufficient balance")

type testLedger struct {
	balances  map[string]map[[20]byte]*big.Int
	transfers int
	fail      error
}

func newTestLedger() *testLedger {
	return &testLedger{balances: make(map[string]map[[20]byte]*big.Int)}
}

func (l *testLedger) credit(token string, addr crypto.Address, amount int64) {
	bal := l.balance(token, addr)
	bal.Add(bal, big.NewInt(amount))
}

func (l *testLedger) balance(token string, addr crypto.Address) *big.Int {
	book, ok := l.balances[token]
	if !ok {
		book = make(map[[20]byte]*big.Int)
		l.balances[token] = book
	}
	bal, ok := book[addr.Raw()]
	if !ok {
		bal = big.NewInt(0)
		book[addr.Raw()] = bal
	}
	return bal
}

func (l *testLedger) Transfer(_ context.Context, token string, from, to crypto.Address, amount *big.Int) error {
	if l.fail != nil {
		return l.fail
	}
	src := l.balance(token, from)
	if src.Cmp(amount) < 0 {
		return errTestInsufficient
	}
	src.Sub(src, amount)
	dst := l.balance(token, to)
	dst.Add(dst, amount)
	l.transfers++
	return nil
}

type testOracle struct {
	snap  OracleSnapshot
	calls int
	err   error
}

func (o *testOracle) Retrieve(context.Context) (OracleSnapshot, error) {
	o.calls++
	if o.err != nil {
		return OracleSnapshot{}, o.err
	}
	snap := o.snap
	snap.Price = cloneBigInt(o.snap.Price)
	return snap, nil
}

type recordingEmitter struct {
	events []events.Event
}

func (r *recordingEmitter) Emit(evt events.Event) { r.events = append(r.events, evt) }

func (r *recordingEmitter) types() []string {
	out := make([]string, 0, len(r.events))
	for _, evt := range r.events {
		out = append(out, evt.EventType())
	}
	return out
}

type harness struct {
	engine     *Engine
	ledger     *testLedger
	oracle     *testOracle
	emitter    *recordingEmitter
	now        int64
	admin      crypto.Address
	buyer      crypto.Address
	seller     crypto.Address
	stranger   crypto.Address
	oracleAddr crypto.Address
}

const (
	testToken  = "USDC"
	testStart  = int64(1_700_000_000)
	testExpiry = uint64(testStart + 3600)
)

func testAddress(fill byte) crypto.Address {
	return crypto.NewAddress(crypto.AccountPrefix, bytes.Repeat([]byte{fill}, 20))
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		ledger:     newTestLedger(),
		oracle:     &testOracle{},
		emitter:    &recordingEmitter{},
		now:        testStart,
		admin:      testAddress(0xA1),
		buyer:      testAddress(0xB1),
		seller:     testAddress(0x5E),
		stranger:   testAddress(0xCC),
		oracleAddr: crypto.ContractAddress("oracle/test"),
	}
	h.engine = NewEngine("test")
	h.engine.SetStore(state.NewInstance(storage.NewMemDB(), "option/test"))
	h.engine.SetLedger(h.ledger)
	h.engine.SetOracles(StaticOracles{h.oracleAddr.Raw(): h.oracle})
	h.engine.SetAuthorizer(nativecommon.ContextAuthorizer{})
	h.engine.SetEmitter(h.emitter)
	h.engine.SetNowFunc(func() int64 { return h.now })
	h.ledger.credit(testToken, h.buyer, 10_000)
	h.ledger.credit(testToken, h.seller, 10_000)
	if err := h.engine.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	return h
}

func signed(addrs ...crypto.Address) context.Context {
	return nativecommon.WithSigners(context.Background(), addrs...)
}

func (h *harness) listRequest() ListRequest {
	return ListRequest{
		Admin:            h.admin,
		OptionType:       TypePut | TypeEuropean,
		Strike:           big.NewInt(100),
		Decimals:         2,
		Expiration:       testExpiry,
		Oracle:           h.oracleAddr,
		Token:            testToken,
		UnderlyingToken:  "xlm",
		UnderlyingSymbol: "XLM/USD",
	}
}

func (h *harness) list(t *testing.T) {
	t.Helper()
	if _, err := h.engine.List(signed(h.admin), h.listRequest()); err != nil {
		t.Fatalf("list: %v", err)
	}
}

func (h *harness) fund(side Side, who crypto.Address, price, qty int64, tradeID uint64) (Deposit, error) {
	return h.engine.Fund(signed(who), FundRequest{
		Counterparty: who,
		Token:        testToken,
		Side:         side,
		Price:        big.NewInt(price),
		Decimals:     2,
		Qty:          big.NewInt(qty),
		TradeID:      tradeID,
	})
}

// fundBoth posts both sides of the reference trade: price 10, qty 10.
func (h *harness) fundBoth(t *testing.T) {
	t.Helper()
	if _, err := h.fund(SideSeller, h.seller, 10, 10, 7); err != nil {
		t.Fatalf("fund seller: %v", err)
	}
	if _, err := h.fund(SideBuyer, h.buyer, 10, 10, 7); err != nil {
		t.Fatalf("fund buyer: %v", err)
	}
}

func (h *harness) setPrice(price int64, flags uint32) {
	h.oracle.snap = OracleSnapshot{Symbol: "XLM/USD", Price: big.NewInt(price), Timestamp: uint64(h.now), Flags: flags, Decimals: 2}
}

func (h *harness) expire() { h.now = int64(testExpiry) }

func requireBalance(t *testing.T, l *testLedger, addr crypto.Address, want int64) {
	t.Helper()
	if got := l.balance(testToken, addr); got.Cmp(big.NewInt(want)) != 0 {
		t.Fatalf("balance of %s: got %s want %d", addr, got, want)
	}
}

func TestListThenSpecsRoundTrip(t *testing.T) {
	h := newHarness(t)
	h.list(t)

	specs, err := h.engine.Specs(context.Background())
	if err != nil {
		t.Fatalf("specs: %v", err)
	}
	if !specs.Initialized || !specs.Listed {
		t.Fatalf("expected initialized listing, got %+v", specs)
	}
	def := specs.Definition
	if def.Strike.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("strike: got %s", def.Strike)
	}
	if def.Expiration != Expiration(testExpiry) {
		t.Fatalf("expiration: got %+v", def.Expiration)
	}
	if def.Type.Mask() != TypePut|TypeEuropean {
		t.Fatalf("option type: got %#x", def.Type.Mask())
	}
	if def.Decimals != 2 {
		t.Fatalf("decimals: got %d", def.Decimals)
	}
	if !def.Admin.Equal(h.admin) || def.Oracle != h.oracleAddr {
		t.Fatalf("admin/oracle not preserved: %+v", def)
	}
	if def.CollateralToken != testToken || def.UnderlyingToken != "XLM" || def.UnderlyingSymbol != "XLM/USD" {
		t.Fatalf("tokens not preserved: %+v", def)
	}
	if specs.Buyer.Funded() || specs.Seller.Funded() || specs.Trade.TradeID != 0 {
		t.Fatalf("fresh listing must have no deposits: %+v", specs)
	}
	if specs.Custody != h.engine.Custody() {
		t.Fatalf("custody mismatch")
	}
}

func TestListValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(h *harness, req *ListRequest)
		signer func(h *harness) crypto.Address
		want   error
	}{
		{"zero strike", func(_ *harness, req *ListRequest) { req.Strike = big.NewInt(0) }, nil, ErrInvalidParameter},
		{"negative strike", func(_ *harness, req *ListRequest) { req.Strike = big.NewInt(-5) }, nil, ErrInvalidParameter},
		{"past expiration", func(_ *harness, req *ListRequest) { req.Expiration = uint64(testStart) }, nil, ErrInvalidParameter},
		{"call", func(_ *harness, req *ListRequest) { req.OptionType = TypeCall | TypeEuropean }, nil, ErrInvalidParameter},
		{"american put", func(_ *harness, req *ListRequest) { req.OptionType = TypePut | TypeAmerican }, nil, ErrInvalidParameter},
		{"no style", func(_ *harness, req *ListRequest) { req.OptionType = TypePut }, nil, ErrInvalidParameter},
		{"unknown oracle", func(_ *harness, req *ListRequest) { req.Oracle = testAddress(0x0F) }, nil, ErrInvalidParameter},
		{"empty token", func(_ *harness, req *ListRequest) { req.Token = " " }, nil, ErrInvalidParameter},
		{"unsigned admin", func(*harness, *ListRequest) {}, func(h *harness) crypto.Address { return h.stranger }, ErrUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			req := h.listRequest()
			tc.mutate(h, &req)
			signer := h.admin
			if tc.signer != nil {
				signer = tc.signer(h)
			}
			if _, err := h.engine.List(signed(signer), req); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			specs, err := h.engine.Specs(context.Background())
			if err != nil {
				t.Fatalf("specs: %v", err)
			}
			if specs.Listed {
				t.Fatalf("rejected listing must not be stored")
			}
		})
	}
}

func TestListRequiresInit(t *testing.T) {
	engine := NewEngine("fresh")
	engine.SetStore(state.NewInstance(storage.NewMemDB(), "option/fresh"))
	engine.SetAuthorizer(nativecommon.ContextAuthorizer{})
	h := newHarness(t)
	engine.SetOracles(StaticOracles{h.oracleAddr.Raw(): h.oracle})
	if _, err := engine.List(signed(h.admin), h.listRequest()); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

func TestRelistOnlyWithoutDeposits(t *testing.T) {
	h := newHarness(t)
	h.list(t)

	req := h.listRequest()
	req.Strike = big.NewInt(120)
	if _, err := h.engine.List(signed(h.stranger), func() ListRequest { r := req; r.Admin = h.stranger; return r }()); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected other admin to be rejected, got %v", err)
	}
	def, err := h.engine.List(signed(h.admin), req)
	if err != nil {
		t.Fatalf("relist: %v", err)
	}
	if def.Strike.Cmp(big.NewInt(120)) != 0 {
		t.Fatalf("relist strike: got %s", def.Strike)
	}

	if _, err := h.fund(SideSeller, h.seller, 10, 10, 1); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if _, err := h.engine.List(signed(h.admin), h.listRequest()); !errors.Is(err, ErrDepositExists) {
		t.Fatalf("expected ErrDepositExists, got %v", err)
	}
}

func TestRelistAfterSettlement(t *testing.T) {
	h := newHarness(t)
	h.list(t)
	h.fundBoth(t)
	h.expire()
	h.setPrice(90, FlagSettlement)
	if _, err := h.engine.RefreshPrice(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if _, err := h.engine.Settle(signed(h.seller), h.seller); err != nil {
		t.Fatalf("settle seller: %v", err)
	}
	req := h.listRequest()
	req.Expiration = testExpiry + 86_400
	if _, err := h.engine.List(signed(h.admin), req); !errors.Is(err, ErrDepositExists) {
		t.Fatalf("expected relist to wait for the buyer, got %v", err)
	}
	if _, err := h.engine.Settle(signed(h.buyer), h.buyer); err != nil {
		t.Fatalf("settle buyer: %v", err)
	}

	if _, err := h.engine.List(signed(h.admin), req); err != nil {
		t.Fatalf("relist after settlement: %v", err)
	}
	if _, err := h.fund(SideSeller, h.seller, 10, 10, 8); err != nil {
		t.Fatalf("fund new trade: %v", err)
	}
	requireBalance(t, h.ledger, h.engine.Custody(), 900)
}

func TestFundRecordsDepositsAndCollectsCollateral(t *testing.T) {
	h := newHarness(t)
	h.list(t)

	dep, err := h.fund(SideSeller, h.seller, 10, 10, 7)
	if err != nil {
		t.Fatalf("fund seller: %v", err)
	}
	if dep.Amount.Cmp(big.NewInt(900)) != 0 {
		t.Fatalf("seller deposit: got %s want 900", dep.Amount)
	}
	h.now += 60
	dep, err = h.fund(SideBuyer, h.buyer, 10, 10, 7)
	if err != nil {
		t.Fatalf("fund buyer: %v", err)
	}
	if dep.Amount.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("buyer deposit: got %s want 100", dep.Amount)
	}

	requireBalance(t, h.ledger, h.engine.Custody(), 1000)
	requireBalance(t, h.ledger, h.seller, 9100)
	requireBalance(t, h.ledger, h.buyer, 9900)

	specs, err := h.engine.Specs(context.Background())
	if err != nil {
		t.Fatalf("specs: %v", err)
	}
	if !specs.Seller.Owner.Equal(h.seller) || !specs.Buyer.Owner.Equal(h.buyer) {
		t.Fatalf("owners not recorded: %+v", specs)
	}
	if specs.Trade.TradeID != 7 || specs.Trade.Price.Int64() != 10 || specs.Trade.Qty.Int64() != 10 {
		t.Fatalf("trade economics not recorded: %+v", specs.Trade)
	}
	if specs.Trade.FundedAt != uint64(testStart) {
		t.Fatalf("funding timestamp should come from the first side: %d", specs.Trade.FundedAt)
	}

	got := h.emitter.types()
	want := []string{EventTypeInitialized, EventTypeListed, EventTypeFunded, EventTypeFunded}
	if len(got) != len(want) {
		t.Fatalf("events: got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events: got %v want %v", got, want)
		}
	}
}

func TestFundSameSideTwiceFails(t *testing.T) {
	h := newHarness(t)
	h.list(t)
	if _, err := h.fund(SideSeller, h.seller, 10, 10, 7); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if _, err := h.fund(SideSeller, h.seller, 10, 10, 7); !errors.Is(err, ErrDepositExists) {
		t.Fatalf("expected ErrDepositExists, got %v", err)
	}
	requireBalance(t, h.ledger, h.engine.Custody(), 900)
}

func TestFundTradeIDConflict(t *testing.T) {
	h := newHarness(t)
	h.list(t)
	if _, err := h.fund(SideSeller, h.seller, 10, 10, 7); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if _, err := h.fund(SideBuyer, h.buyer, 10, 10, 8); !errors.Is(err, ErrTradeIDConflict) {
		t.Fatalf("expected ErrTradeIDConflict, got %v", err)
	}
	if _, err := h.fund(SideBuyer, h.buyer, 11, 10, 7); !errors.Is(err, ErrTradeIDConflict) {
		t.Fatalf("expected price mismatch to conflict, got %v", err)
	}
	requireBalance(t, h.ledger, h.buyer, 10_000)
}

func TestFundRejections(t *testing.T) {
	cases := []struct {
		name string
		req  func(h *harness) FundRequest
		want error
	}{
		{"decimals", func(h *harness) FundRequest {
			return FundRequest{Counterparty: h.seller, Token: testToken, Side: SideSeller, Price: big.NewInt(10), Decimals: 6, Qty: big.NewInt(1), TradeID: 1}
		}, ErrDecimalsMismatch},
		{"side", func(h *harness) FundRequest {
			return FundRequest{Counterparty: h.seller, Token: testToken, Side: Side(7), Price: big.NewInt(10), Decimals: 2, Qty: big.NewInt(1), TradeID: 1}
		}, ErrInvalidSide},
		{"token", func(h *harness) FundRequest {
			return FundRequest{Counterparty: h.seller, Token: "EURC", Side: SideSeller, Price: big.NewInt(10), Decimals: 2, Qty: big.NewInt(1), TradeID: 1}
		}, ErrInvalidParameter},
		{"zero qty", func(h *harness) FundRequest {
			return FundRequest{Counterparty: h.seller, Token: testToken, Side: SideSeller, Price: big.NewInt(10), Decimals: 2, Qty: big.NewInt(0), TradeID: 1}
		}, ErrInvalidParameter},
		{"price above strike", func(h *harness) FundRequest {
			return FundRequest{Counterparty: h.seller, Token: testToken, Side: SideSeller, Price: big.NewInt(150), Decimals: 2, Qty: big.NewInt(1), TradeID: 1}
		}, ErrInvalidParameter},
		{"zero trade id", func(h *harness) FundRequest {
			return FundRequest{Counterparty: h.seller, Token: testToken, Side: SideSeller, Price: big.NewInt(10), Decimals: 2, Qty: big.NewInt(1)}
		}, ErrInvalidParameter},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.list(t)
			if _, err := h.engine.Fund(signed(h.seller), tc.req(h)); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if h.ledger.transfers != 0 {
				t.Fatalf("rejected funding must not move collateral")
			}
		})
	}
}

func TestFundRequiresSignature(t *testing.T) {
	h := newHarness(t)
	h.list(t)
	_, err := h.engine.Fund(signed(h.stranger), FundRequest{
		Counterparty: h.seller, Token: testToken, Side: SideSeller,
		Price: big.NewInt(10), Decimals: 2, Qty: big.NewInt(10), TradeID: 1,
	})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestFundNotListed(t *testing.T) {
	h := newHarness(t)
	if _, err := h.fund(SideSeller, h.seller, 10, 10, 7); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

func TestFundAfterExpiration(t *testing.T) {
	h := newHarness(t)
	h.list(t)
	h.expire()
	if _, err := h.fund(SideSeller, h.seller, 10, 10, 7); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestFundTransferFailureLeavesNoState(t *testing.T) {
	h := newHarness(t)
	h.list(t)
	h.ledger.fail = errors.New("ledger offline")
	if _, err := h.fund(SideSeller, h.seller, 10, 10, 7); err == nil {
		t.Fatalf("expected transfer failure")
	}
	specs, err := h.engine.Specs(context.Background())
	if err != nil {
		t.Fatalf("specs: %v", err)
	}
	if specs.Seller.Funded() || specs.Trade.TradeID != 0 {
		t.Fatalf("failed funding left state behind: %+v", specs)
	}
}

func TestSettleBeforeExpiration(t *testing.T) {
	h := newHarness(t)
	h.list(t)
	h.fundBoth(t)
	if _, err := h.engine.Settle(signed(h.buyer), h.buyer); !errors.Is(err, ErrNotYetExpired) {
		t.Fatalf("expected ErrNotYetExpired, got %v", err)
	}
}

func TestSettleWithoutSettlementPrice(t *testing.T) {
	h := newHarness(t)
	h.list(t)
	h.fundBoth(t)
	h.expire()
	if _, err := h.engine.Settle(signed(h.seller), h.seller); !errors.Is(err, ErrNoSettlementPrice) {
		t.Fatalf("expected ErrNoSettlementPrice before any refresh, got %v", err)
	}

	h.setPrice(90, 0)
	if _, err := h.engine.RefreshPrice(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if _, err := h.engine.Settle(signed(h.seller), h.seller); !errors.Is(err, ErrNoSettlementPrice) {
		t.Fatalf("expected ErrNoSettlementPrice for unflagged price, got %v", err)
	}
}

func TestSettleEachSideOnce(t *testing.T) {
	h := newHarness(t)
	h.list(t)
	h.fundBoth(t)
	h.expire()
	h.setPrice(90, FlagSettlement)
	if _, err := h.engine.RefreshPrice(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	payouts, err := h.engine.Settle(signed(h.buyer), h.buyer)
	if err != nil {
		t.Fatalf("settle buyer: %v", err)
	}
	if len(payouts) != 1 || payouts[0].Side != SideBuyer || payouts[0].Amount.Int64() != 100 {
		t.Fatalf("unexpected buyer payout: %+v", payouts)
	}
	if _, err := h.engine.Settle(signed(h.buyer), h.buyer); !errors.Is(err, ErrAlreadySettled) {
		t.Fatalf("expected ErrAlreadySettled, got %v", err)
	}

	payouts, err = h.engine.Settle(signed(h.seller), h.seller)
	if err != nil {
		t.Fatalf("settle seller: %v", err)
	}
	if len(payouts) != 1 || payouts[0].Amount.Int64() != 900 {
		t.Fatalf("unexpected seller payout: %+v", payouts)
	}
	requireBalance(t, h.ledger, h.engine.Custody(), 0)
	requireBalance(t, h.ledger, h.buyer, 10_000)
	requireBalance(t, h.ledger, h.seller, 10_000)

	specs, err := h.engine.Specs(context.Background())
	if err != nil {
		t.Fatalf("specs: %v", err)
	}
	if !specs.Buyer.Settled || !specs.Seller.Settled {
		t.Fatalf("both sides should be marked settled: %+v", specs)
	}
}

func TestSettleNegativePayoutFailsClosed(t *testing.T) {
	h := newHarness(t)
	h.list(t)
	h.fundBoth(t)
	h.expire()
	h.setPrice(50, FlagSettlement)
	if _, err := h.engine.RefreshPrice(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if _, err := h.engine.Settle(signed(h.buyer), h.buyer); !errors.Is(err, ErrNegativePayout) {
		t.Fatalf("expected ErrNegativePayout, got %v", err)
	}
	if _, err := h.engine.Settle(signed(h.admin), h.admin); !errors.Is(err, ErrNegativePayout) {
		t.Fatalf("expected admin settle to fail as a whole, got %v", err)
	}
	requireBalance(t, h.ledger, h.engine.Custody(), 1000)
	requireBalance(t, h.ledger, h.seller, 9_100)

	payouts, err := h.engine.Settle(signed(h.seller), h.seller)
	if err != nil {
		t.Fatalf("settle seller: %v", err)
	}
	if payouts[0].Amount.Int64() != 500 {
		t.Fatalf("seller payout: got %s want 500", payouts[0].Amount)
	}
}

func TestSettleZeroPayoutMarksSideWithoutTransfer(t *testing.T) {
	h := newHarness(t)
	h.list(t)
	h.fundBoth(t)
	h.expire()
	h.setPrice(80, FlagSettlement)
	if _, err := h.engine.RefreshPrice(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	before := h.ledger.transfers
	payouts, err := h.engine.Settle(signed(h.buyer), h.buyer)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if payouts[0].Amount.Sign() != 0 || h.ledger.transfers != before {
		t.Fatalf("zero payout must not transfer: %+v", payouts)
	}
	if _, err := h.engine.Settle(signed(h.buyer), h.buyer); !errors.Is(err, ErrAlreadySettled) {
		t.Fatalf("expected ErrAlreadySettled, got %v", err)
	}
}

func TestAdminSettlesBothSides(t *testing.T) {
	h := newHarness(t)
	h.list(t)
	h.fundBoth(t)
	h.expire()
	h.setPrice(90, FlagSettlement)
	if _, err := h.engine.RefreshPrice(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	payouts, err := h.engine.Settle(signed(h.admin), h.admin)
	if err != nil {
		t.Fatalf("admin settle: %v", err)
	}
	if len(payouts) != 2 {
		t.Fatalf("expected two payouts, got %+v", payouts)
	}
	requireBalance(t, h.ledger, h.admin, 0)
	requireBalance(t, h.ledger, h.buyer, 10_000)
	requireBalance(t, h.ledger, h.seller, 10_000)
	if _, err := h.engine.Settle(signed(h.seller), h.seller); !errors.Is(err, ErrAlreadySettled) {
		t.Fatalf("expected ErrAlreadySettled, got %v", err)
	}
}

func TestSettleRejectsStranger(t *testing.T) {
	h := newHarness(t)
	h.list(t)
	h.fundBoth(t)
	h.expire()
	h.setPrice(90, FlagSettlement)
	if _, err := h.engine.RefreshPrice(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if _, err := h.engine.Settle(signed(h.stranger), h.stranger); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := h.engine.Settle(signed(h.stranger), h.buyer); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unsigned claim to fail, got %v", err)
	}
}

func TestSettleRollsBackOnTransferFailure(t *testing.T) {
	h := newHarness(t)
	h.list(t)
	h.fundBoth(t)
	h.expire()
	h.setPrice(90, FlagSettlement)
	if _, err := h.engine.RefreshPrice(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	h.ledger.fail = errors.New("ledger offline")
	if _, err := h.engine.Settle(signed(h.seller), h.seller); err == nil {
		t.Fatalf("expected failure")
	}
	h.ledger.fail = nil
	specs, err := h.engine.Specs(context.Background())
	if err != nil {
		t.Fatalf("specs: %v", err)
	}
	if specs.Seller.Settled {
		t.Fatalf("failed settlement must not mark the side")
	}
	if _, err := h.engine.Settle(signed(h.seller), h.seller); err != nil {
		t.Fatalf("retry settle: %v", err)
	}
}

func TestMarkToMarketReferenceValues(t *testing.T) {
	h := newHarness(t)
	h.list(t)
	h.fundBoth(t)
	h.setPrice(50, 0)

	mtm, err := h.engine.MarkToMarket(signed(h.buyer), h.buyer)
	if err != nil {
		t.Fatalf("mtm: %v", err)
	}
	want := []int64{900, -900, -500, 500}
	for i, v := range mtm.Values() {
		if v.Cmp(big.NewInt(want[i])) != 0 {
			t.Fatalf("mtm[%d]: got %s want %d", i, v, want[i])
		}
	}
	if h.oracle.calls != 1 {
		t.Fatalf("mtm should refresh the price once, got %d calls", h.oracle.calls)
	}
	if _, err := h.engine.MarkToMarket(signed(h.stranger), h.stranger); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestRefreshPriceIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.list(t)
	h.setPrice(97, FlagSettlement)

	first, err := h.engine.RefreshPrice(context.Background())
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	specsA, err := h.engine.Specs(context.Background())
	if err != nil {
		t.Fatalf("specs: %v", err)
	}
	second, err := h.engine.RefreshPrice(context.Background())
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	specsB, err := h.engine.Specs(context.Background())
	if err != nil {
		t.Fatalf("specs: %v", err)
	}
	for _, pair := range [][2]OracleSnapshot{{first, second}, {specsA.Snapshot, specsB.Snapshot}} {
		a, b := pair[0], pair[1]
		if a.Price.Cmp(b.Price) != 0 || a.Timestamp != b.Timestamp || a.Flags != b.Flags || a.Symbol != b.Symbol || a.Decimals != b.Decimals {
			t.Fatalf("snapshots differ: %+v vs %+v", a, b)
		}
	}
	if specsB.Snapshot.Price.Int64() != 97 || specsB.Snapshot.Symbol != "XLM/USD" {
		t.Fatalf("stored snapshot: %+v", specsB.Snapshot)
	}
}

func TestRefreshPriceChecks(t *testing.T) {
	h := newHarness(t)
	if _, err := h.engine.RefreshPrice(context.Background()); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
	h.list(t)
	h.oracle.snap = OracleSnapshot{Price: big.NewInt(10), Flags: FlagSettlement, Decimals: 7}
	if _, err := h.engine.RefreshPrice(context.Background()); !errors.Is(err, ErrDecimalsMismatch) {
		t.Fatalf("expected ErrDecimalsMismatch, got %v", err)
	}
	h.oracle.err = errors.New("oracle down")
	if _, err := h.engine.RefreshPrice(context.Background()); err == nil {
		t.Fatalf("expected oracle failure to propagate")
	}
}

func TestKillswitchLevels(t *testing.T) {
	h := newHarness(t)
	h.list(t)
	h.setPrice(90, FlagSettlement)
	ctx := signed(h.admin)

	if err := h.engine.SetKillswitch(signed(h.stranger), h.stranger, nativecommon.GateTrading); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := h.engine.SetKillswitch(ctx, h.admin, GateLevel(3)); !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("expected ErrInvalidParameter, got %v", err)
	}

	if err := h.engine.SetKillswitch(ctx, h.admin, nativecommon.GateTrading); err != nil {
		t.Fatalf("killswitch 1: %v", err)
	}
	if _, err := h.fund(SideSeller, h.seller, 10, 10, 7); !errors.Is(err, ErrGateClosed) {
		t.Fatalf("expected funding to be gated, got %v", err)
	}
	if _, err := h.engine.RefreshPrice(context.Background()); err != nil {
		t.Fatalf("refresh should pass level 1: %v", err)
	}
	specs, err := h.engine.Specs(context.Background())
	if err != nil {
		t.Fatalf("specs should pass level 1: %v", err)
	}
	if specs.Gate != nativecommon.GateTrading {
		t.Fatalf("gate: got %d", specs.Gate)
	}

	if err := h.engine.SetKillswitch(ctx, h.admin, nativecommon.GateAll); err != nil {
		t.Fatalf("killswitch 2: %v", err)
	}
	if _, err := h.engine.Specs(context.Background()); !errors.Is(err, ErrGateClosed) {
		t.Fatalf("expected specs to be gated, got %v", err)
	}
	if _, err := h.engine.RefreshPrice(context.Background()); !errors.Is(err, ErrGateClosed) {
		t.Fatalf("expected refresh to be gated, got %v", err)
	}
	if _, err := h.engine.List(ctx, h.listRequest()); !errors.Is(err, ErrGateClosed) {
		t.Fatalf("expected list to be gated, got %v", err)
	}

	if err := h.engine.Init(context.Background()); err != nil {
		t.Fatalf("re-init: %v", err)
	}
	if err := h.engine.SetKillswitch(ctx, h.admin, nativecommon.GateOpen); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	specs, err = h.engine.Specs(context.Background())
	if err != nil {
		t.Fatalf("specs after reopen: %v", err)
	}
	if specs.Gate != nativecommon.GateOpen {
		t.Fatalf("gate should be open, got %d", specs.Gate)
	}
	if _, err := h.fund(SideSeller, h.seller, 10, 10, 7); err != nil {
		t.Fatalf("fund after reopen: %v", err)
	}
}

func TestInitIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.list(t)
	if err := h.engine.SetKillswitch(signed(h.admin), h.admin, nativecommon.GateTrading); err != nil {
		t.Fatalf("killswitch: %v", err)
	}
	if err := h.engine.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	specs, err := h.engine.Specs(context.Background())
	if err != nil {
		t.Fatalf("specs: %v", err)
	}
	if specs.Gate != nativecommon.GateTrading || !specs.Listed {
		t.Fatalf("second init must not reset the instance: %+v", specs)
	}
}

func TestEngineRequiresCollaborators(t *testing.T) {
	engine := NewEngine("bare")
	if err := engine.Init(context.Background()); !errors.Is(err, errNilState) {
		t.Fatalf("expected errNilState, got %v", err)
	}
	engine.SetStore(state.NewInstance(storage.NewMemDB(), "option/bare"))
	if _, err := engine.Fund(context.Background(), FundRequest{}); !errors.Is(err, errNilLedger) {
		t.Fatalf("expected errNilLedger, got %v", err)
	}
}
