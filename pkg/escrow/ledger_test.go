package escrow

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/harvestchain/pkg/util"
)

// 6-decimal collateral, as with USDC.
const unit = 1_000_000

var (
	buyer       = common.HexToAddress("0xB000000000000000000000000000000000000001")
	seller      = common.HexToAddress("0x5000000000000000000000000000000000000002")
	feeReceiver = common.HexToAddress("0xFEE0000000000000000000000000000000000003")
	operator    = common.HexToAddress("0x0900000000000000000000000000000000000004")
	stranger    = common.HexToAddress("0xDEAD000000000000000000000000000000000005")
	usdc        = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")

	tunaMarket = common.HexToHash("0x7475e1a0000000000000000000000000000000000000000000000000000000aa")
	coopRole   = common.HexToHash("0xc0000000000000000000000000000000000000000000000000000000000000b1")
)

type fakeToken struct {
	custody  int64
	balances map[common.Address]int64
	fail     func(dir string, party common.Address, amount int64) error
	calls    int
}

func newFakeToken() *fakeToken {
	return &fakeToken{balances: make(map[common.Address]int64)}
}

func (f *fakeToken) TransferFrom(_ context.Context, owner common.Address, amount int64) error {
	f.calls++
	if f.fail != nil {
		if err := f.fail("pull", owner, amount); err != nil {
			return err
		}
	}
	if f.balances[owner] < amount {
		return fmt.Errorf("insufficient balance: %s has %d", owner.Hex(), f.balances[owner])
	}
	f.balances[owner] -= amount
	f.custody += amount
	return nil
}

func (f *fakeToken) Transfer(_ context.Context, recipient common.Address, amount int64) error {
	f.calls++
	if f.fail != nil {
		if err := f.fail("push", recipient, amount); err != nil {
			return err
		}
	}
	if f.custody < amount {
		return fmt.Errorf("custody has %d, need %d", f.custody, amount)
	}
	f.custody -= amount
	f.balances[recipient] += amount
	return nil
}

func (f *fakeToken) Reclaim(_ context.Context, holder common.Address, amount int64) error {
	f.calls++
	if f.balances[holder] < amount {
		return fmt.Errorf("%s has %d, cannot return %d", holder.Hex(), f.balances[holder], amount)
	}
	f.balances[holder] -= amount
	f.custody += amount
	return nil
}

func (f *fakeToken) snapshot() map[common.Address]int64 {
	out := map[common.Address]int64{{}: f.custody}
	for a, v := range f.balances {
		out[a] = v
	}
	return out
}

type fakePrices map[common.Hash]int64

func (p fakePrices) FloorPrice(k common.Hash) (int64, bool) {
	v, ok := p[k]
	return v, ok
}

type fakeDeliveries map[uint64]bool

func (d fakeDeliveries) IsDelivered(id uint64) bool { return d[id] }

type fakeScores map[common.Address]uint16

func (s fakeScores) ScoreOf(a common.Address) (uint16, bool) {
	v, ok := s[a]
	return v, ok
}

type fakeCredentials map[common.Address]common.Hash

func (c fakeCredentials) HasRole(a common.Address, role common.Hash) bool { return c[a] == role }

type failingStore struct {
	*MemStore
	fail bool
}

func (s *failingStore) Commit(o *Order, ev *Event) error {
	if s.fail {
		return errors.New("disk full")
	}
	return s.MemStore.Commit(o, ev)
}

type recordingSink struct{ events []Event }

func (r *recordingSink) Publish(ev Event) { r.events = append(r.events, ev) }

type harness struct {
	ledger     *Ledger
	token      *fakeToken
	prices     fakePrices
	deliveries fakeDeliveries
	scores     fakeScores
	creds      fakeCredentials
	store      *failingStore
	sink       *recordingSink
	clock      *util.ManualClock
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{
		token:      newFakeToken(),
		prices:     fakePrices{tunaMarket: 3_500_000},
		deliveries: fakeDeliveries{},
		scores:     fakeScores{buyer: 810},
		creds:      fakeCredentials{},
		store:      &failingStore{MemStore: NewMemStore()},
		sink:       &recordingSink{},
		clock:      util.NewManualClock(time.Unix(1_760_000_000, 0)),
	}
	h.token.balances[buyer] = 1_000 * unit
	h.token.balances[seller] = 100 * unit

	cfg := Config{
		FeeBps:      50,
		FeeReceiver: feeReceiver,
		Tiers:       DefaultTiers(),
		Operators:   []common.Address{operator},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	l, err := NewLedger(cfg, Deps{
		Prices:      h.prices,
		Deliveries:  h.deliveries,
		Credentials: h.creds,
		Scores:      h.scores,
		Collateral:  Assets{usdc: h.token},
		Store:       h.store,
		Clock:       h.clock,
		Sinks:       []EventSink{h.sink},
	})
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	h.ledger = l
	return h
}

func scenarioParams() CreateOrderParams {
	return CreateOrderParams{
		Asset:               usdc,
		MarketKey:           tunaMarket,
		Quantity:            100,
		MaxUnitPrice:        3_800_000,
		RequestedDepositBps: 3000,
		ForfeitBps:          2000,
		MaxDiscountBps:      500,
		ExpectedDeposit:     76 * unit,
	}
}

func (h *harness) create(t *testing.T) uint64 {
	t.Helper()
	id, err := h.ledger.CreateOrder(context.Background(), buyer, scenarioParams())
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	return id
}

func (h *harness) accept(t *testing.T, id uint64) {
	t.Helper()
	if err := h.ledger.AcceptOrder(context.Background(), seller, id, 3_600_000, 10*unit); err != nil {
		t.Fatalf("accept order: %v", err)
	}
}

func (h *harness) mustOrder(t *testing.T, id uint64) *Order {
	t.Helper()
	o, err := h.ledger.Order(id)
	if err != nil {
		t.Fatalf("load order %d: %v", id, err)
	}
	return o
}

func assertBalances(t *testing.T, got, want map[common.Address]int64) {
	t.Helper()
	for a, v := range want {
		if got[a] != v {
			t.Errorf("balance %s = %d, want %d", a.Hex(), got[a], v)
		}
	}
	for a, v := range got {
		if _, ok := want[a]; !ok && v != 0 {
			t.Errorf("unexpected balance %s = %d", a.Hex(), v)
		}
	}
}

func TestHappyPathSettles(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	q, err := h.ledger.QuoteDeposit(buyer, 100, 3_800_000, 3000)
	if err != nil {
		t.Fatal(err)
	}
	if q.EffectiveBps != 2000 || q.Deposit != 76*unit || q.NotionalMax != 380*unit {
		t.Fatalf("quote = %+v, want 2000 bps / 76 / 380", q)
	}

	id := h.create(t)
	if id != 1 {
		t.Fatalf("first order id = %d, want 1", id)
	}
	o := h.mustOrder(t, id)
	if o.Status != StatusOpen || o.EffectiveDepositBps != 2000 || o.DepositPaid != 76*unit {
		t.Fatalf("created order = %+v", o)
	}
	if h.token.custody != 76*unit {
		t.Fatalf("custody after create = %d", h.token.custody)
	}

	h.accept(t, id)
	o = h.mustOrder(t, id)
	if o.Status != StatusAccepted || o.Seller != seller || o.AgreedUnitPrice != 3_600_000 {
		t.Fatalf("accepted order = %+v", o)
	}
	if o.Outstanding() != 284*unit {
		t.Fatalf("outstanding = %d, want 284 units", o.Outstanding())
	}

	if err := h.ledger.FundRemainder(ctx, buyer, id, 284*unit); err != nil {
		t.Fatalf("fund remainder: %v", err)
	}
	if o = h.mustOrder(t, id); o.Status != StatusFunded {
		t.Fatalf("status after funding = %s", o.Status)
	}

	if err := h.ledger.MarkDelivered(ctx, id); !errors.Is(err, ErrNotDelivered) {
		t.Fatalf("deliver before oracle: got %v", err)
	}
	h.deliveries[id] = true
	if err := h.ledger.MarkDelivered(ctx, id); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}
	if err := h.ledger.Settle(ctx, id); err != nil {
		t.Fatalf("settle: %v", err)
	}

	o = h.mustOrder(t, id)
	if o.Status != StatusSettled || o.SettledAt == 0 {
		t.Fatalf("settled order = %+v", o)
	}
	// fee 50 bps of 360 = 1.80
	assertBalances(t, h.token.snapshot(), map[common.Address]int64{
		{}:          0,
		buyer:       1_000*unit - 360*unit,
		seller:      100*unit + 360*unit - 1_800_000,
		feeReceiver: 1_800_000,
	})

	types := make([]EventType, 0, len(h.sink.events))
	for i, ev := range h.sink.events {
		if ev.Seq != uint64(i+1) {
			t.Errorf("event %d seq = %d", i, ev.Seq)
		}
		types = append(types, ev.Type)
	}
	want := []EventType{EventOrderCreated, EventOrderAccepted, EventRemainderFunded, EventOrderDelivered, EventOrderSettled}
	if fmt.Sprint(types) != fmt.Sprint(want) {
		t.Errorf("events = %v, want %v", types, want)
	}
	last := h.sink.events[len(h.sink.events)-1]
	if last.Fee != 1_800_000 || last.Payout != 358_200_000 || last.BondRefund != 10*unit {
		t.Errorf("settle event = %+v", last)
	}
}

func TestSettleTwice(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	id := h.create(t)
	h.accept(t, id)
	h.ledger.FundRemainder(ctx, buyer, id, 284*unit)
	h.deliveries[id] = true
	h.ledger.MarkDelivered(ctx, id)
	if err := h.ledger.Settle(ctx, id); err != nil {
		t.Fatal(err)
	}

	before := h.token.snapshot()
	events := len(h.sink.events)
	if err := h.ledger.Settle(ctx, id); !errors.Is(err, ErrAlreadySettled) {
		t.Fatalf("second settle: got %v", err)
	}
	assertBalances(t, h.token.snapshot(), before)
	if len(h.sink.events) != events {
		t.Error("second settle emitted an event")
	}
}

func TestAcceptPriceBounds(t *testing.T) {
	tests := []struct {
		name    string
		price   int64
		wantErr error
	}{
		{"below discounted floor", 3_000_000, ErrPriceOutOfBounds},
		{"one below minimum", 3_324_999, ErrPriceOutOfBounds},
		{"at minimum", 3_325_000, nil},
		{"at max", 3_800_000, nil},
		{"above max", 3_800_001, ErrPriceOutOfBounds},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			id := h.create(t)
			before := h.token.snapshot()

			err := h.ledger.AcceptOrder(context.Background(), seller, id, tt.price, 10*unit)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("accept at %d: got %v, want %v", tt.price, err, tt.wantErr)
			}
			if tt.wantErr != nil {
				assertBalances(t, h.token.snapshot(), before)
				if h.mustOrder(t, id).Status != StatusOpen {
					t.Error("failed accept changed status")
				}
			}
		})
	}
}

func TestAcceptRequiresOraclePrice(t *testing.T) {
	h := newHarness(t, nil)
	id := h.create(t)
	delete(h.prices, tunaMarket)
	if err := h.ledger.AcceptOrder(context.Background(), seller, id, 3_600_000, 0); !errors.Is(err, ErrNoPrice) {
		t.Fatalf("got %v, want ErrNoPrice", err)
	}
}

func TestAcceptMinAcceptedPrice(t *testing.T) {
	h := newHarness(t, nil)
	p := scenarioParams()
	p.MinAcceptedPrice = 3_500_000
	id, err := h.ledger.CreateOrder(context.Background(), buyer, p)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.ledger.AcceptOrder(context.Background(), seller, id, 3_400_000, 0); !errors.Is(err, ErrPriceOutOfBounds) {
		t.Fatalf("below buyer minimum: got %v", err)
	}
	if err := h.ledger.AcceptOrder(context.Background(), seller, id, 3_500_000, 0); err != nil {
		t.Fatalf("at buyer minimum: %v", err)
	}
}

func TestAcceptRejects(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	id := h.create(t)

	if err := h.ledger.AcceptOrder(ctx, buyer, id, 3_600_000, 0); !errors.Is(err, ErrSelfDealing) {
		t.Errorf("buyer accepting: got %v", err)
	}
	if err := h.ledger.AcceptOrder(ctx, seller, 99, 3_600_000, 0); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("missing order: got %v", err)
	}
	if err := h.ledger.AcceptOrder(ctx, seller, id, 3_600_000, -1); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("negative bond: got %v", err)
	}
	h.accept(t, id)
	if err := h.ledger.AcceptOrder(ctx, stranger, id, 3_600_000, 0); !errors.Is(err, ErrNotOpen) {
		t.Errorf("second accept: got %v", err)
	}
}

func TestAcceptRefundsExcessDeposit(t *testing.T) {
	h := newHarness(t, nil)
	delete(h.scores, buyer) // no tier cap, full 100% deposit
	p := scenarioParams()
	p.RequestedDepositBps = BpsDenominator
	p.ExpectedDeposit = 380 * unit
	id, err := h.ledger.CreateOrder(context.Background(), buyer, p)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.ledger.AcceptOrder(context.Background(), seller, id, 3_600_000, 0); err != nil {
		t.Fatal(err)
	}

	o := h.mustOrder(t, id)
	if o.DepositPaid != 360*unit || o.Outstanding() != 0 || o.Status != StatusAccepted {
		t.Fatalf("order after accept = %+v", o)
	}
	if got := h.token.balances[buyer]; got != 640*unit {
		t.Errorf("buyer balance = %d, want 640 units", got)
	}
	if ev := h.sink.events[1]; ev.ExcessRefund != 20*unit {
		t.Errorf("excess refund = %d, want 20 units", ev.ExcessRefund)
	}

	// fully paid: a zero funding call completes it
	if err := h.ledger.FundRemainder(context.Background(), buyer, id, 0); err != nil {
		t.Fatalf("zero funding: %v", err)
	}
	if h.mustOrder(t, id).Status != StatusFunded {
		t.Error("zero funding did not move order to FUNDED")
	}
}

func TestFundRemainderOverfunded(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	id := h.create(t)
	h.accept(t, id)

	before := h.token.snapshot()
	if err := h.ledger.FundRemainder(ctx, buyer, id, 284*unit+1); !errors.Is(err, ErrOverfunded) {
		t.Fatalf("got %v, want ErrOverfunded", err)
	}
	assertBalances(t, h.token.snapshot(), before)

	// partial funding keeps the order ACCEPTED
	if err := h.ledger.FundRemainder(ctx, buyer, id, 100*unit); err != nil {
		t.Fatal(err)
	}
	if o := h.mustOrder(t, id); o.Status != StatusAccepted || o.RemainderPaid != 100*unit {
		t.Fatalf("after partial = %+v", o)
	}
	if err := h.ledger.FundRemainder(ctx, buyer, id, 185*unit); !errors.Is(err, ErrOverfunded) {
		t.Fatalf("second overfund: got %v", err)
	}
	if err := h.ledger.FundRemainder(ctx, buyer, id, 184*unit); err != nil {
		t.Fatal(err)
	}
	if h.mustOrder(t, id).Status != StatusFunded {
		t.Fatal("exact funding did not reach FUNDED")
	}
	if err := h.ledger.FundRemainder(ctx, buyer, id, 1); !errors.Is(err, ErrOverfunded) {
		t.Fatalf("funding a FUNDED order: got %v", err)
	}
}

func TestFundRemainderRejects(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	id := h.create(t)

	if err := h.ledger.FundRemainder(ctx, buyer, id, unit); !errors.Is(err, ErrNotAccepted) {
		t.Errorf("fund OPEN order: got %v", err)
	}
	h.accept(t, id)
	if err := h.ledger.FundRemainder(ctx, stranger, id, unit); !errors.Is(err, ErrNotParty) {
		t.Errorf("fund by stranger: got %v", err)
	}
	if err := h.ledger.FundRemainder(ctx, buyer, id, 0); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("zero funding with balance owed: got %v", err)
	}
	if err := h.ledger.FundRemainder(ctx, buyer, id, -1); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("negative funding: got %v", err)
	}
}

func TestCancelAccepted(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	id := h.create(t)
	h.accept(t, id)
	if err := h.ledger.FundRemainder(ctx, buyer, id, 50*unit); err != nil {
		t.Fatal(err)
	}

	if err := h.ledger.CancelOrder(ctx, stranger, id); !errors.Is(err, ErrNotParty) {
		t.Fatalf("cancel by stranger: got %v", err)
	}
	if err := h.ledger.CancelOrder(ctx, buyer, id); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	// 20% of 76 = 15.20 forfeited to the seller; 60.80 + 50 back to the buyer
	assertBalances(t, h.token.snapshot(), map[common.Address]int64{
		{}:     0,
		buyer:  1_000*unit - 15_200_000,
		seller: 100*unit + 15_200_000,
	})
	ev := h.sink.events[len(h.sink.events)-1]
	if ev.Type != EventOrderCancelled || ev.Forfeit != 15_200_000 || ev.ForfeitTo != seller ||
		ev.BuyerRefund != 110_800_000 || ev.BondRefund != 10*unit {
		t.Errorf("cancel event = %+v", ev)
	}
	if err := h.ledger.CancelOrder(ctx, buyer, id); !errors.Is(err, ErrNotCancellable) {
		t.Errorf("second cancel: got %v", err)
	}
}

func TestCancelOpenByOperator(t *testing.T) {
	h := newHarness(t, nil)
	id := h.create(t)

	if err := h.ledger.CancelOrder(context.Background(), operator, id); err != nil {
		t.Fatalf("operator cancel: %v", err)
	}
	assertBalances(t, h.token.snapshot(), map[common.Address]int64{
		{}:          0,
		buyer:       1_000*unit - 15_200_000,
		seller:      100 * unit,
		feeReceiver: 15_200_000,
	})
	o := h.mustOrder(t, id)
	if o.Status != StatusCancelled || o.CancelledAt == 0 {
		t.Errorf("cancelled order = %+v", o)
	}
}

func TestCancelFundedRejected(t *testing.T) {
	h := newHarness(t, nil)
	id := h.create(t)
	h.accept(t, id)
	h.ledger.FundRemainder(context.Background(), buyer, id, 284*unit)
	if err := h.ledger.CancelOrder(context.Background(), buyer, id); !errors.Is(err, ErrNotCancellable) {
		t.Fatalf("got %v, want ErrNotCancellable", err)
	}
}

func TestSettleBeforeDelivery(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	id := h.create(t)
	h.accept(t, id)
	h.ledger.FundRemainder(ctx, buyer, id, 284*unit)
	h.deliveries[id] = true // oracle says yes, but the order was never marked

	before := h.token.snapshot()
	if err := h.ledger.Settle(ctx, id); !errors.Is(err, ErrNotDelivered) {
		t.Fatalf("got %v, want ErrNotDelivered", err)
	}
	assertBalances(t, h.token.snapshot(), before)
}

func TestMarkDeliveredRequiresFunded(t *testing.T) {
	h := newHarness(t, nil)
	id := h.create(t)
	h.accept(t, id)
	h.deliveries[id] = true
	if err := h.ledger.MarkDelivered(context.Background(), id); !errors.Is(err, ErrNotFunded) {
		t.Fatalf("got %v, want ErrNotFunded", err)
	}
}

func TestCreateOrderValidation(t *testing.T) {
	h := newHarness(t, nil)
	now := h.clock.Now().Unix()

	tests := []struct {
		name    string
		edit    func(p *CreateOrderParams)
		wantErr error
	}{
		{"zero quantity", func(p *CreateOrderParams) { p.Quantity = 0 }, ErrInvalidQuantity},
		{"zero price", func(p *CreateOrderParams) { p.MaxUnitPrice = 0 }, ErrInvalidPrice},
		{"deposit bps", func(p *CreateOrderParams) { p.RequestedDepositBps = 10_001 }, ErrInvalidBps},
		{"forfeit bps", func(p *CreateOrderParams) { p.ForfeitBps = 10_001 }, ErrInvalidBps},
		{"discount bps", func(p *CreateOrderParams) { p.MaxDiscountBps = 10_001 }, ErrInvalidBps},
		{"min price above max", func(p *CreateOrderParams) { p.MinAcceptedPrice = 3_800_001 }, ErrInvalidPrice},
		{"past deadline", func(p *CreateOrderParams) { p.DeliverBy = now }, ErrInvalidDeadline},
		{"wrong expected deposit", func(p *CreateOrderParams) { p.ExpectedDeposit = 114 * unit }, ErrDepositMismatch},
		{"unknown asset", func(p *CreateOrderParams) { p.Asset = stranger }, ErrUnknownAsset},
		{"overflow", func(p *CreateOrderParams) { p.Quantity = 1 << 62 }, ErrInvalidQuantity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := scenarioParams()
			tt.edit(&p)
			_, err := h.ledger.CreateOrder(context.Background(), buyer, p)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("got %v, want %v", err, tt.wantErr)
			}
		})
	}
	if h.token.calls != 0 {
		t.Errorf("rejected creates made %d token calls", h.token.calls)
	}
	if orders, _ := h.ledger.Orders(OrderFilter{}); len(orders) != 0 {
		t.Errorf("rejected creates stored %d orders", len(orders))
	}
}

func TestCreateOrderWithDeadline(t *testing.T) {
	h := newHarness(t, nil)
	p := scenarioParams()
	p.DeliverBy = h.clock.Now().Add(30 * 24 * time.Hour).Unix()
	id, err := h.ledger.CreateOrder(context.Background(), buyer, p)
	if err != nil {
		t.Fatal(err)
	}
	if o := h.mustOrder(t, id); o.DeliverBy != p.DeliverBy {
		t.Errorf("deliverBy = %d, want %d", o.DeliverBy, p.DeliverBy)
	}
}

func TestSellerGating(t *testing.T) {
	t.Run("role", func(t *testing.T) {
		h := newHarness(t, func(c *Config) { c.SellerRole = coopRole })
		id := h.create(t)
		if err := h.ledger.AcceptOrder(context.Background(), seller, id, 3_600_000, 0); !errors.Is(err, ErrSellerNotEligible) {
			t.Fatalf("without role: got %v", err)
		}
		h.creds[seller] = coopRole
		if err := h.ledger.AcceptOrder(context.Background(), seller, id, 3_600_000, 0); err != nil {
			t.Fatalf("with role: %v", err)
		}
	})
	t.Run("score", func(t *testing.T) {
		h := newHarness(t, func(c *Config) { c.MinSellerScore = 700 })
		id := h.create(t)
		if err := h.ledger.AcceptOrder(context.Background(), seller, id, 3_600_000, 0); !errors.Is(err, ErrSellerNotEligible) {
			t.Fatalf("unscored seller: got %v", err)
		}
		h.scores[seller] = 650
		if err := h.ledger.AcceptOrder(context.Background(), seller, id, 3_600_000, 0); !errors.Is(err, ErrSellerNotEligible) {
			t.Fatalf("low score: got %v", err)
		}
		h.scores[seller] = 700
		if err := h.ledger.AcceptOrder(context.Background(), seller, id, 3_600_000, 0); err != nil {
			t.Fatalf("qualifying score: %v", err)
		}
	})
}

func TestTransferFailureRollsBack(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	id := h.create(t)
	h.accept(t, id)
	h.ledger.FundRemainder(ctx, buyer, id, 284*unit)
	h.deliveries[id] = true
	h.ledger.MarkDelivered(ctx, id)

	// fee push succeeds, seller payout fails
	h.token.fail = func(dir string, party common.Address, amount int64) error {
		if dir == "push" && party == seller {
			return errors.New("recipient frozen")
		}
		return nil
	}
	// the fee already paid is reclaimed from the fee receiver
	before := h.token.snapshot()
	events := len(h.sink.events)

	err := h.ledger.Settle(ctx, id)
	if !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("got %v, want ErrTransferFailed", err)
	}
	if ErrorKind(err) != "TransferFailed" {
		t.Errorf("kind = %q", ErrorKind(err))
	}
	assertBalances(t, h.token.snapshot(), before)
	if h.mustOrder(t, id).Status != StatusDelivered {
		t.Error("failed settle changed status")
	}
	if len(h.sink.events) != events {
		t.Error("failed settle emitted an event")
	}

	h.token.fail = nil
	if err := h.ledger.Settle(ctx, id); err != nil {
		t.Fatalf("settle after recovery: %v", err)
	}
}

func TestCommitFailureRollsBack(t *testing.T) {
	h := newHarness(t, nil)
	id := h.create(t)

	before := h.token.snapshot()
	h.store.fail = true
	if err := h.ledger.AcceptOrder(context.Background(), seller, id, 3_600_000, 10*unit); err == nil {
		t.Fatal("accept succeeded with failing store")
	}
	assertBalances(t, h.token.snapshot(), before)
	h.store.fail = false
	if o := h.mustOrder(t, id); o.Status != StatusOpen || o.IsAccepted() {
		t.Errorf("order after failed commit = %+v", o)
	}
}

func TestCancelledContext(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := h.ledger.CreateOrder(ctx, buyer, scenarioParams()); !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
	if h.token.calls != 0 {
		t.Error("cancelled create moved funds")
	}
}

func TestOrdersFilterAndEvents(t *testing.T) {
	h := newHarness(t, nil)
	first := h.create(t)
	second := h.create(t)
	h.accept(t, second)

	all, err := h.ledger.Orders(OrderFilter{})
	if err != nil || len(all) != 2 || all[0].ID != first || all[1].ID != second {
		t.Fatalf("all orders = %v, %v", all, err)
	}
	open := StatusOpen
	if got, _ := h.ledger.Orders(OrderFilter{Status: &open}); len(got) != 1 || got[0].ID != first {
		t.Errorf("open orders = %v", got)
	}
	if got, _ := h.ledger.Orders(OrderFilter{Seller: seller}); len(got) != 1 || got[0].ID != second {
		t.Errorf("seller orders = %v", got)
	}
	if got, _ := h.ledger.Orders(OrderFilter{Buyer: stranger}); len(got) != 0 {
		t.Errorf("stranger orders = %v", got)
	}

	evs, err := h.ledger.Events(1, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 2 || evs[0].Seq != 2 || evs[1].Type != EventOrderAccepted {
		t.Errorf("events after 1 = %+v", evs)
	}
	if evs, _ := h.ledger.Events(0, 1); len(evs) != 1 || evs[0].OrderID != first {
		t.Errorf("limited events = %+v", evs)
	}
}

// Every committed state satisfies Order.Validate and only moves along
// CanTransition.
func TestCommittedStatesAreValid(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	a := h.create(t)
	b := h.create(t)
	h.accept(t, a)
	h.ledger.FundRemainder(ctx, buyer, a, 84*unit)
	h.ledger.FundRemainder(ctx, buyer, a, 200*unit)
	h.deliveries[a] = true
	h.ledger.MarkDelivered(ctx, a)
	h.ledger.Settle(ctx, a)
	h.ledger.CancelOrder(ctx, buyer, b)

	last := map[uint64]Status{}
	for _, ev := range h.sink.events {
		o := ev.Order
		if err := o.Validate(); err != nil {
			t.Errorf("event %d (%s): %v", ev.Seq, ev.Type, err)
		}
		if prev, ok := last[o.ID]; ok && prev != o.Status && !prev.CanTransition(o.Status) {
			t.Errorf("order %d moved %s -> %s", o.ID, prev, o.Status)
		}
		last[o.ID] = o.Status
	}
	if last[a] != StatusSettled || last[b] != StatusCancelled {
		t.Errorf("final states = %v", last)
	}
	if h.token.custody != 0 {
		t.Errorf("custody left with %d", h.token.custody)
	}
}

func TestNewLedgerValidatesConfig(t *testing.T) {
	deps := Deps{
		Prices:     fakePrices{},
		Deliveries: fakeDeliveries{},
		Scores:     fakeScores{},
		Collateral: Assets{},
		Store:      NewMemStore(),
	}
	if _, err := NewLedger(Config{FeeBps: 50}, deps); err == nil {
		t.Error("missing fee receiver accepted")
	}
	if _, err := NewLedger(Config{FeeBps: 10_001, FeeReceiver: feeReceiver}, deps); !errors.Is(err, ErrInvalidBps) {
		t.Errorf("fee bps: got %v", err)
	}
	if _, err := NewLedger(Config{FeeReceiver: feeReceiver, SellerRole: coopRole}, deps); err == nil {
		t.Error("seller role without credential registry accepted")
	}
	deps.Store = nil
	if _, err := NewLedger(Config{FeeReceiver: feeReceiver}, deps); err == nil {
		t.Error("missing store accepted")
	}
}
