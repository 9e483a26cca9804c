package escrow

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// TokenLedger moves one collateral asset in and out of escrow custody.
// Both calls are all-or-nothing.
type TokenLedger interface {
	// TransferFrom pulls amount from owner into custody.
	TransferFrom(ctx context.Context, owner common.Address, amount int64) error
	// Transfer pays amount out of custody to recipient.
	Transfer(ctx context.Context, recipient common.Address, amount int64) error
	// Reclaim returns a payout from holder to custody without spending an
	// allowance. It only undoes a Transfer of the same plan.
	Reclaim(ctx context.Context, holder common.Address, amount int64) error
}

// Collateral resolves the TokenLedger for an order's asset.
type Collateral interface {
	Ledger(asset common.Address) (TokenLedger, bool)
}

// Assets is a fixed asset -> ledger table.
type Assets map[common.Address]TokenLedger

func (a Assets) Ledger(asset common.Address) (TokenLedger, bool) {
	l, ok := a[asset]
	return l, ok
}

type PriceOracle interface {
	// FloorPrice returns the floor unit price for a market key.
	FloorPrice(key common.Hash) (int64, bool)
}

type DeliveryOracle interface {
	IsDelivered(orderID uint64) bool
}

type CredentialRegistry interface {
	// HasRole is true only while the credential's expiry is in the future.
	HasRole(subject common.Address, role common.Hash) bool
}

type CreditScoreRegistry interface {
	ScoreOf(account common.Address) (uint16, bool)
}

// OrderStore persists orders, the append-only event log and the id counter.
// Commit writes the order and its event as one unit; on error nothing was
// written.
type OrderStore interface {
	NextID() (uint64, error)
	Order(id uint64) (*Order, error)
	Orders() ([]*Order, error)
	Commit(o *Order, ev *Event) error
	EventsAfter(seq uint64, limit int) ([]Event, error)
}

// EventSink receives committed events. Publish must not block the ledger.
type EventSink interface {
	Publish(ev Event)
}
