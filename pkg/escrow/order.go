package escrow

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// BpsDenominator is 100% in basis points.
const BpsDenominator = 10000

// Status is the lifecycle state of an escrowed order
type Status int8

const (
	StatusOpen Status = iota
	StatusAccepted
	StatusFunded
	StatusDelivered
	StatusSettled
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "OPEN"
	case StatusAccepted:
		return "ACCEPTED"
	case StatusFunded:
		return "FUNDED"
	case StatusDelivered:
		return "DELIVERED"
	case StatusSettled:
		return "SETTLED"
	case StatusCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// ParseStatus is the inverse of String. Case is ignored.
func ParseStatus(s string) (Status, error) {
	for st := StatusOpen; st <= StatusCancelled; st++ {
		if strings.EqualFold(st.String(), s) {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown status %q", s)
}

// IsTerminal reports whether no transition leaves s.
func (s Status) IsTerminal() bool {
	return s == StatusSettled || s == StatusCancelled
}

// CanTransition reports whether next may directly follow s.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusOpen:
		return next == StatusAccepted || next == StatusCancelled
	case StatusAccepted:
		// FUNDED may be reached from ACCEPTED only; FUNDED -> FUNDED is not a transition
		return next == StatusFunded || next == StatusCancelled
	case StatusFunded:
		return next == StatusDelivered
	case StatusDelivered:
		return next == StatusSettled
	default:
		return false
	}
}

// Order is a forward delivery contract backed by escrowed collateral.
// Amounts and prices are in the collateral asset's smallest unit;
// timestamps are Unix seconds.
type Order struct {
	ID              uint64         `json:"id"`
	Buyer           common.Address `json:"buyer"`
	Seller          common.Address `json:"seller"` // zero until accepted
	CollateralAsset common.Address `json:"collateralAsset"`
	MarketKey       common.Hash    `json:"marketKey"`

	Quantity        int64 `json:"quantity"`
	MaxUnitPrice    int64 `json:"maxUnitPrice"`
	AgreedUnitPrice int64 `json:"agreedUnitPrice"` // zero until accepted

	RequestedDepositBps uint16 `json:"requestedDepositBps"`
	EffectiveDepositBps uint16 `json:"effectiveDepositBps"`
	ForfeitBps          uint16 `json:"forfeitBps"`
	MaxDiscountBps      uint16 `json:"maxDiscountBps"`

	MinAcceptedPrice int64 `json:"minAcceptedPrice,omitempty"` // 0 = unset
	DeliverBy        int64 `json:"deliverBy,omitempty"`        // 0 = unset

	DepositPaid   int64 `json:"depositPaid"`
	RemainderPaid int64 `json:"remainderPaid"`
	SellerBond    int64 `json:"sellerBond"`

	Status      Status `json:"status"`
	CreatedAt   int64  `json:"createdAt"`
	AcceptedAt  int64  `json:"acceptedAt,omitempty"`
	DeliveredAt int64  `json:"deliveredAt,omitempty"`
	SettledAt   int64  `json:"settledAt,omitempty"`
	CancelledAt int64  `json:"cancelledAt,omitempty"`
}

// Clone returns a copy; Order has no reference fields.
func (o *Order) Clone() *Order {
	c := *o
	return &c
}

// IsAccepted reports whether a seller has agreed a price.
func (o *Order) IsAccepted() bool {
	return o.Seller != (common.Address{})
}

// Notional is quantity * agreedUnitPrice (zero before acceptance).
func (o *Order) Notional() int64 {
	n, _ := mulAmount(o.Quantity, o.AgreedUnitPrice)
	return n
}

// Paid is the total collateral pulled from the buyer so far.
func (o *Order) Paid() int64 {
	return o.DepositPaid + o.RemainderPaid
}

// Outstanding is what the buyer still owes before the order is FUNDED.
func (o *Order) Outstanding() int64 {
	if !o.IsAccepted() {
		return 0
	}
	return o.Notional() - o.Paid()
}

// Validate checks the invariants that hold at every committed state.
func (o *Order) Validate() error {
	if o.Quantity <= 0 {
		return fmt.Errorf("quantity must be positive: %d", o.Quantity)
	}
	if o.MaxUnitPrice <= 0 {
		return fmt.Errorf("max unit price must be positive: %d", o.MaxUnitPrice)
	}
	if o.RequestedDepositBps > BpsDenominator {
		return fmt.Errorf("requested deposit bps out of range: %d", o.RequestedDepositBps)
	}
	if o.EffectiveDepositBps > o.RequestedDepositBps {
		return fmt.Errorf("effective deposit bps %d exceeds requested %d", o.EffectiveDepositBps, o.RequestedDepositBps)
	}
	if o.DepositPaid < 0 || o.RemainderPaid < 0 || o.SellerBond < 0 {
		return fmt.Errorf("negative collateral: deposit=%d remainder=%d bond=%d", o.DepositPaid, o.RemainderPaid, o.SellerBond)
	}

	if o.Status == StatusOpen {
		if o.AgreedUnitPrice != 0 || o.IsAccepted() {
			return fmt.Errorf("open order %d has seller or agreed price", o.ID)
		}
		return nil
	}
	if !o.IsAccepted() {
		if o.Status == StatusCancelled {
			return nil
		}
		return fmt.Errorf("order %d in %s has no seller", o.ID, o.Status)
	}

	if o.AgreedUnitPrice <= 0 || o.AgreedUnitPrice > o.MaxUnitPrice {
		return fmt.Errorf("agreed price %d outside (0, %d]", o.AgreedUnitPrice, o.MaxUnitPrice)
	}
	notional := o.Notional()
	// Cancelled orders have refunded everything; their paid fields keep history.
	if o.Status != StatusCancelled && o.Paid() > notional {
		return fmt.Errorf("paid %d exceeds notional %d", o.Paid(), notional)
	}
	switch o.Status {
	case StatusAccepted:
		if o.Paid() == notional && o.RemainderPaid > 0 {
			return fmt.Errorf("order %d fully funded but still ACCEPTED", o.ID)
		}
	case StatusFunded, StatusDelivered, StatusSettled:
		if o.Paid() != notional {
			return fmt.Errorf("order %d in %s with paid %d != notional %d", o.ID, o.Status, o.Paid(), notional)
		}
	}
	return nil
}
