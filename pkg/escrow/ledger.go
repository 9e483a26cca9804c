package escrow

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/harvestchain/pkg/util"
)

// Config is the engine-level policy fixed at startup.
type Config struct {
	FeeBps      uint16
	FeeReceiver common.Address
	Tiers       TierSchedule

	// SellerRole, when non-zero, must be held in the credential registry
	// by the accepting seller.
	SellerRole common.Hash
	// MinSellerScore, when non-zero, is the lowest credit score allowed to
	// accept an order.
	MinSellerScore uint16

	// Operators may cancel orders on a buyer's behalf.
	Operators []common.Address
}

func (c Config) Validate() error {
	if c.FeeBps > BpsDenominator {
		return fmt.Errorf("%w: fee bps %d", ErrInvalidBps, c.FeeBps)
	}
	if c.FeeReceiver == (common.Address{}) {
		return errors.New("fee receiver must be set")
	}
	if c.MinSellerScore != 0 && (c.MinSellerScore < MinCreditScore || c.MinSellerScore > MaxCreditScore) {
		return fmt.Errorf("min seller score %d outside [%d, %d]", c.MinSellerScore, MinCreditScore, MaxCreditScore)
	}
	return c.Tiers.Validate()
}

// Deps are the collaborators the ledger reads on every call.
type Deps struct {
	Prices      PriceOracle
	Deliveries  DeliveryOracle
	Credentials CredentialRegistry // required only when Config.SellerRole is set
	Scores      CreditScoreRegistry
	Collateral  Collateral
	Store       OrderStore
	Clock       util.Clock
	Logger      *zap.SugaredLogger
	Sinks       []EventSink
}

// Ledger is the order lifecycle and settlement engine. One mutex
// serializes every operation; each validates fully, then moves collateral,
// then commits the order and its event together.
type Ledger struct {
	mu sync.Mutex

	cfg       Config
	tiers     TierSchedule
	operators map[common.Address]bool

	prices      PriceOracle
	deliveries  DeliveryOracle
	credentials CredentialRegistry
	scores      CreditScoreRegistry
	collateral  Collateral
	store       OrderStore
	clock       util.Clock
	log         *zap.SugaredLogger

	sinkMu sync.RWMutex
	sinks  []EventSink
}

func NewLedger(cfg Config, deps Deps) (*Ledger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid escrow config: %w", err)
	}
	switch {
	case deps.Prices == nil:
		return nil, errors.New("price oracle is required")
	case deps.Deliveries == nil:
		return nil, errors.New("delivery oracle is required")
	case deps.Scores == nil:
		return nil, errors.New("credit score registry is required")
	case deps.Collateral == nil:
		return nil, errors.New("collateral is required")
	case deps.Store == nil:
		return nil, errors.New("order store is required")
	case cfg.SellerRole != (common.Hash{}) && deps.Credentials == nil:
		return nil, errors.New("credential registry is required when a seller role is set")
	}
	clock := deps.Clock
	if clock == nil {
		clock = util.RealClock{}
	}
	ops := make(map[common.Address]bool, len(cfg.Operators))
	for _, op := range cfg.Operators {
		ops[op] = true
	}
	return &Ledger{
		cfg:         cfg,
		tiers:       cfg.Tiers.Sorted(),
		operators:   ops,
		prices:      deps.Prices,
		deliveries:  deps.Deliveries,
		credentials: deps.Credentials,
		scores:      deps.Scores,
		collateral:  deps.Collateral,
		store:       deps.Store,
		clock:       clock,
		log:         util.OrNop(deps.Logger),
		sinks:       append([]EventSink(nil), deps.Sinks...),
	}, nil
}

// AddSink registers another receiver of committed events.
func (l *Ledger) AddSink(s EventSink) {
	l.sinkMu.Lock()
	l.sinks = append(l.sinks, s)
	l.sinkMu.Unlock()
}

func (l *Ledger) Config() Config { return l.cfg }

// CreateOrderParams are the buyer's terms for a new order.
type CreateOrderParams struct {
	Asset               common.Address
	MarketKey           common.Hash
	Quantity            int64
	MaxUnitPrice        int64
	RequestedDepositBps uint16
	ForfeitBps          uint16
	MaxDiscountBps      uint16
	MinAcceptedPrice    int64 // optional extra lower bound at acceptance
	DeliverBy           int64 // optional, Unix seconds
	ExpectedDeposit     int64 // must equal the computed deposit
}

// Quote is the deposit a buyer would be charged right now.
type Quote struct {
	Score        uint16 `json:"score"`
	HasScore     bool   `json:"hasScore"`
	EffectiveBps uint16 `json:"effectiveBps"`
	NotionalMax  int64  `json:"notionalMax"`
	Deposit      int64  `json:"deposit"`
}

// QuoteDeposit computes the deposit CreateOrder would require from buyer,
// reading the buyer's current credit score.
func (l *Ledger) QuoteDeposit(buyer common.Address, quantity, maxUnitPrice int64, requestedBps uint16) (Quote, error) {
	if quantity <= 0 {
		return Quote{}, fmt.Errorf("%w: %d", ErrInvalidQuantity, quantity)
	}
	if maxUnitPrice <= 0 {
		return Quote{}, fmt.Errorf("%w: max unit price %d", ErrInvalidPrice, maxUnitPrice)
	}
	if requestedBps > BpsDenominator {
		return Quote{}, fmt.Errorf("%w: requested deposit bps %d", ErrInvalidBps, requestedBps)
	}
	return l.quote(buyer, quantity, maxUnitPrice, requestedBps)
}

func (l *Ledger) quote(buyer common.Address, quantity, maxUnitPrice int64, requestedBps uint16) (Quote, error) {
	notionalMax, ok := mulAmount(quantity, maxUnitPrice)
	if !ok {
		return Quote{}, fmt.Errorf("%w: notional %d x %d overflows", ErrInvalidQuantity, quantity, maxUnitPrice)
	}
	score, hasScore := l.scores.ScoreOf(buyer)
	eff := l.tiers.EffectiveBps(requestedBps, score, hasScore)
	return Quote{
		Score:        score,
		HasScore:     hasScore,
		EffectiveBps: eff,
		NotionalMax:  notionalMax,
		Deposit:      bpsOf(notionalMax, eff),
	}, nil
}

// CreateOrder opens a new order for buyer and pulls the deposit.
func (l *Ledger) CreateOrder(ctx context.Context, buyer common.Address, p CreateOrderParams) (uint64, error) {
	if buyer == (common.Address{}) {
		return 0, fmt.Errorf("%w: zero buyer", ErrNotParty)
	}
	if p.Quantity <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidQuantity, p.Quantity)
	}
	if p.MaxUnitPrice <= 0 {
		return 0, fmt.Errorf("%w: max unit price %d", ErrInvalidPrice, p.MaxUnitPrice)
	}
	for _, f := range []struct {
		name string
		bps  uint16
	}{
		{"requested deposit", p.RequestedDepositBps},
		{"forfeit", p.ForfeitBps},
		{"max discount", p.MaxDiscountBps},
	} {
		if f.bps > BpsDenominator {
			return 0, fmt.Errorf("%w: %s bps %d", ErrInvalidBps, f.name, f.bps)
		}
	}
	if p.MinAcceptedPrice < 0 || p.MinAcceptedPrice > p.MaxUnitPrice {
		return 0, fmt.Errorf("%w: min accepted price %d not in [0, %d]", ErrInvalidPrice, p.MinAcceptedPrice, p.MaxUnitPrice)
	}
	if p.ExpectedDeposit < 0 {
		return 0, fmt.Errorf("%w: expected deposit %d", ErrInvalidAmount, p.ExpectedDeposit)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if p.DeliverBy != 0 && p.DeliverBy <= now {
		return 0, fmt.Errorf("%w: %d is not after %d", ErrInvalidDeadline, p.DeliverBy, now)
	}
	tl, ok := l.collateral.Ledger(p.Asset)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownAsset, p.Asset.Hex())
	}
	q, err := l.quote(buyer, p.Quantity, p.MaxUnitPrice, p.RequestedDepositBps)
	if err != nil {
		return 0, err
	}
	if q.Deposit != p.ExpectedDeposit {
		return 0, fmt.Errorf("%w: computed %d at %d bps, expected %d", ErrDepositMismatch, q.Deposit, q.EffectiveBps, p.ExpectedDeposit)
	}
	id, err := l.store.NextID()
	if err != nil {
		return 0, fmt.Errorf("next order id: %w", err)
	}

	o := &Order{
		ID:                  id,
		Buyer:               buyer,
		CollateralAsset:     p.Asset,
		MarketKey:           p.MarketKey,
		Quantity:            p.Quantity,
		MaxUnitPrice:        p.MaxUnitPrice,
		RequestedDepositBps: p.RequestedDepositBps,
		EffectiveDepositBps: q.EffectiveBps,
		ForfeitBps:          p.ForfeitBps,
		MaxDiscountBps:      p.MaxDiscountBps,
		MinAcceptedPrice:    p.MinAcceptedPrice,
		DeliverBy:           p.DeliverBy,
		DepositPaid:         q.Deposit,
		Status:              StatusOpen,
		CreatedAt:           now,
	}
	var plan transferPlan
	plan.pull(buyer, q.Deposit, "deposit")

	ev := &Event{Type: EventOrderCreated, Deposit: q.Deposit}
	if err := l.apply(ctx, tl, o, ev, plan); err != nil {
		return 0, err
	}
	l.log.Infow("order_created",
		"id", id, "buyer", buyer.Hex(), "market", p.MarketKey.Hex(),
		"quantity", p.Quantity, "max_unit_price", p.MaxUnitPrice,
		"requested_bps", p.RequestedDepositBps, "effective_bps", q.EffectiveBps, "deposit", q.Deposit)
	return id, nil
}

// AcceptOrder makes seller the counterparty at agreedUnitPrice and pulls the
// seller's bond. A deposit larger than the agreed notional is trimmed back to
// the notional and the excess refunded to the buyer.
func (l *Ledger) AcceptOrder(ctx context.Context, seller common.Address, id uint64, agreedUnitPrice, sellerBond int64) error {
	if seller == (common.Address{}) {
		return fmt.Errorf("%w: zero seller", ErrNotParty)
	}
	if agreedUnitPrice <= 0 {
		return fmt.Errorf("%w: agreed unit price %d", ErrInvalidPrice, agreedUnitPrice)
	}
	if sellerBond < 0 {
		return fmt.Errorf("%w: seller bond %d", ErrInvalidAmount, sellerBond)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	o, err := l.load(id)
	if err != nil {
		return err
	}
	if o.Status != StatusOpen {
		return fmt.Errorf("%w: order %d is %s", ErrNotOpen, id, o.Status)
	}
	if seller == o.Buyer {
		return fmt.Errorf("%w: order %d", ErrSelfDealing, id)
	}
	if err := l.checkSeller(seller); err != nil {
		return err
	}
	tl, ok := l.collateral.Ledger(o.CollateralAsset)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAsset, o.CollateralAsset.Hex())
	}

	floor, ok := l.prices.FloorPrice(o.MarketKey)
	if !ok {
		return fmt.Errorf("%w: market %s", ErrNoPrice, o.MarketKey.Hex())
	}
	minPrice := MinAcceptablePrice(floor, o.MaxDiscountBps)
	if o.MinAcceptedPrice > minPrice {
		minPrice = o.MinAcceptedPrice
	}
	if agreedUnitPrice > o.MaxUnitPrice || agreedUnitPrice < minPrice {
		return fmt.Errorf("%w: %d not in [%d, %d] (floor %d, max discount %d bps)",
			ErrPriceOutOfBounds, agreedUnitPrice, minPrice, o.MaxUnitPrice, floor, o.MaxDiscountBps)
	}

	next := o.Clone()
	next.Seller = seller
	next.AgreedUnitPrice = agreedUnitPrice
	next.SellerBond = sellerBond
	next.Status = StatusAccepted
	next.AcceptedAt = l.now()

	var excess int64
	if notional := next.Notional(); next.DepositPaid > notional {
		excess = next.DepositPaid - notional
		next.DepositPaid = notional
	}

	var plan transferPlan
	plan.pull(seller, sellerBond, "seller bond")
	plan.push(o.Buyer, excess, "excess deposit")

	ev := &Event{Type: EventOrderAccepted, Bond: sellerBond, ExcessRefund: excess}
	if err := l.apply(ctx, tl, next, ev, plan); err != nil {
		return err
	}
	l.log.Infow("order_accepted",
		"id", id, "seller", seller.Hex(), "agreed_unit_price", agreedUnitPrice,
		"floor", floor, "bond", sellerBond, "excess_refund", excess)
	return nil
}

// FundRemainder pulls amount from the buyer toward the agreed notional. The
// order becomes FUNDED when the paid total reaches the notional exactly.
// A zero amount is accepted only to move an already fully paid ACCEPTED
// order to FUNDED.
func (l *Ledger) FundRemainder(ctx context.Context, buyer common.Address, id uint64, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	o, err := l.load(id)
	if err != nil {
		return err
	}
	if o.Status != StatusAccepted && o.Status != StatusFunded {
		return fmt.Errorf("%w: order %d is %s", ErrNotAccepted, id, o.Status)
	}
	if buyer != o.Buyer {
		return fmt.Errorf("%w: %s is not the buyer of order %d", ErrNotParty, buyer.Hex(), id)
	}
	outstanding := o.Outstanding()
	if amount > outstanding {
		return fmt.Errorf("%w: paid %d + %d exceeds notional %d", ErrOverfunded, o.Paid(), amount, o.Notional())
	}
	if amount == 0 && !(o.Status == StatusAccepted && outstanding == 0) {
		return fmt.Errorf("%w: zero funding", ErrInvalidAmount)
	}
	tl, ok := l.collateral.Ledger(o.CollateralAsset)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAsset, o.CollateralAsset.Hex())
	}

	next := o.Clone()
	next.RemainderPaid += amount
	if next.Paid() == next.Notional() {
		next.Status = StatusFunded
	}

	var plan transferPlan
	plan.pull(buyer, amount, "remainder")

	ev := &Event{Type: EventRemainderFunded, Amount: amount}
	if err := l.apply(ctx, tl, next, ev, plan); err != nil {
		return err
	}
	l.log.Infow("remainder_funded",
		"id", id, "amount", amount, "paid", next.Paid(), "notional", next.Notional(), "status", next.Status.String())
	return nil
}

// MarkDelivered moves a FUNDED order to DELIVERED once the delivery oracle
// confirms it.
func (l *Ledger) MarkDelivered(ctx context.Context, id uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	o, err := l.load(id)
	if err != nil {
		return err
	}
	if o.Status != StatusFunded {
		return fmt.Errorf("%w: order %d is %s", ErrNotFunded, id, o.Status)
	}
	if !l.deliveries.IsDelivered(id) {
		return fmt.Errorf("%w: oracle has no delivery for order %d", ErrNotDelivered, id)
	}

	next := o.Clone()
	next.Status = StatusDelivered
	next.DeliveredAt = l.now()

	ev := &Event{Type: EventOrderDelivered}
	if err := l.apply(ctx, nil, next, ev, nil); err != nil {
		return err
	}
	l.log.Infow("order_delivered", "id", id)
	return nil
}

// Settle pays out a DELIVERED order: the fee to the fee receiver, the rest of
// the notional and the bond to the seller.
func (l *Ledger) Settle(ctx context.Context, id uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	o, err := l.load(id)
	if err != nil {
		return err
	}
	switch o.Status {
	case StatusDelivered:
	case StatusSettled:
		return fmt.Errorf("%w: order %d", ErrAlreadySettled, id)
	default:
		return fmt.Errorf("%w: order %d is %s", ErrNotDelivered, id, o.Status)
	}
	tl, ok := l.collateral.Ledger(o.CollateralAsset)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAsset, o.CollateralAsset.Hex())
	}

	notional := o.Notional()
	fee := bpsOf(notional, l.cfg.FeeBps)
	payout := notional - fee

	next := o.Clone()
	next.Status = StatusSettled
	next.SettledAt = l.now()

	var plan transferPlan
	plan.push(l.cfg.FeeReceiver, fee, "fee")
	plan.push(o.Seller, payout, "payout")
	plan.push(o.Seller, o.SellerBond, "bond refund")

	ev := &Event{Type: EventOrderSettled, Fee: fee, Payout: payout, BondRefund: o.SellerBond}
	if err := l.apply(ctx, tl, next, ev, plan); err != nil {
		return err
	}
	l.log.Infow("order_settled",
		"id", id, "notional", notional, "fee", fee, "payout", payout, "bond_refund", o.SellerBond)
	return nil
}

// CancelOrder cancels an OPEN or ACCEPTED order. forfeitBps of the deposit
// goes to the seller if one accepted, otherwise to the fee receiver; the rest
// of the deposit and any remainder go back to the buyer and the bond back to
// the seller. Only the buyer or an operator may cancel.
func (l *Ledger) CancelOrder(ctx context.Context, caller common.Address, id uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	o, err := l.load(id)
	if err != nil {
		return err
	}
	if o.Status != StatusOpen && o.Status != StatusAccepted {
		return fmt.Errorf("%w: order %d is %s", ErrNotCancellable, id, o.Status)
	}
	if caller != o.Buyer && !l.operators[caller] {
		return fmt.Errorf("%w: %s cannot cancel order %d", ErrNotParty, caller.Hex(), id)
	}
	tl, ok := l.collateral.Ledger(o.CollateralAsset)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAsset, o.CollateralAsset.Hex())
	}

	forfeitTo := l.cfg.FeeReceiver
	if o.Status == StatusAccepted {
		forfeitTo = o.Seller
	}
	forfeit := bpsOf(o.DepositPaid, o.ForfeitBps)
	buyerRefund := o.DepositPaid - forfeit + o.RemainderPaid

	next := o.Clone()
	next.Status = StatusCancelled
	next.CancelledAt = l.now()

	var plan transferPlan
	plan.push(forfeitTo, forfeit, "forfeit")
	plan.push(o.Buyer, buyerRefund, "buyer refund")
	plan.push(o.Seller, o.SellerBond, "bond refund")

	ev := &Event{
		Type:        EventOrderCancelled,
		Forfeit:     forfeit,
		ForfeitTo:   forfeitTo,
		BuyerRefund: buyerRefund,
		BondRefund:  o.SellerBond,
	}
	if err := l.apply(ctx, tl, next, ev, plan); err != nil {
		return err
	}
	l.log.Infow("order_cancelled",
		"id", id, "by", caller.Hex(), "forfeit", forfeit, "forfeit_to", forfeitTo.Hex(),
		"buyer_refund", buyerRefund, "bond_refund", o.SellerBond)
	return nil
}

// Order returns a copy of the order.
func (l *Ledger) Order(id uint64) (*Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.load(id)
}

// OrderFilter selects orders; zero fields match everything.
type OrderFilter struct {
	Buyer  common.Address
	Seller common.Address
	Status *Status
}

func (f OrderFilter) match(o *Order) bool {
	if f.Buyer != (common.Address{}) && o.Buyer != f.Buyer {
		return false
	}
	if f.Seller != (common.Address{}) && o.Seller != f.Seller {
		return false
	}
	if f.Status != nil && o.Status != *f.Status {
		return false
	}
	return true
}

// Orders returns the orders matching f in id order.
func (l *Ledger) Orders(f OrderFilter) ([]*Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	all, err := l.store.Orders()
	if err != nil {
		return nil, fmt.Errorf("load orders: %w", err)
	}
	out := make([]*Order, 0, len(all))
	for _, o := range all {
		if f.match(o) {
			out = append(out, o.Clone())
		}
	}
	return out, nil
}

// Events returns up to limit committed events with Seq > after.
func (l *Ledger) Events(after uint64, limit int) ([]Event, error) {
	return l.store.EventsAfter(after, limit)
}

func (l *Ledger) now() int64 { return l.clock.Now().Unix() }

func (l *Ledger) load(id uint64) (*Order, error) {
	o, err := l.store.Order(id)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrOrderNotFound, id)
		}
		return nil, fmt.Errorf("load order %d: %w", id, err)
	}
	return o.Clone(), nil
}

func (l *Ledger) checkSeller(seller common.Address) error {
	if role := l.cfg.SellerRole; role != (common.Hash{}) && !l.credentials.HasRole(seller, role) {
		return fmt.Errorf("%w: %s does not hold role %s", ErrSellerNotEligible, seller.Hex(), role.Hex())
	}
	if least := l.cfg.MinSellerScore; least != 0 {
		score, ok := l.scores.ScoreOf(seller)
		if !ok || score < least {
			return fmt.Errorf("%w: %s score %d below %d", ErrSellerNotEligible, seller.Hex(), score, least)
		}
	}
	return nil
}

// apply is the single commit point: it checks the post-state, runs the
// transfer plan, then writes order and event together. A failed commit
// reverses the transfers.
func (l *Ledger) apply(ctx context.Context, tl TokenLedger, next *Order, ev *Event, plan transferPlan) error {
	if err := next.Validate(); err != nil {
		return fmt.Errorf("order %d post-state invalid: %w", next.ID, err)
	}
	// Last point at which a cancelled request is dropped. Past here the
	// transfers and the commit run to completion.
	if err := ctx.Err(); err != nil {
		return err
	}
	ctx = context.WithoutCancel(ctx)

	undo := func() {}
	if len(plan) > 0 {
		var err error
		undo, err = execute(ctx, tl, plan, l.log)
		if err != nil {
			l.log.Warnw("transfer_failed", "id", next.ID, "event", string(ev.Type), "err", err)
			return err
		}
	}

	ev.OrderID = next.ID
	ev.Order = *next
	ev.Timestamp = l.now()
	if err := l.store.Commit(next, ev); err != nil {
		undo()
		l.log.Errorw("commit_failed", "id", next.ID, "event", string(ev.Type), "err", err)
		return fmt.Errorf("commit order %d: %w", next.ID, err)
	}

	l.sinkMu.RLock()
	for _, s := range l.sinks {
		s.Publish(*ev)
	}
	l.sinkMu.RUnlock()
	return nil
}
