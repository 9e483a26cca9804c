package escrow

import "github.com/ethereum/go-ethereum/common"

type EventType string

const (
	EventOrderCreated    EventType = "OrderCreated"
	EventOrderAccepted   EventType = "OrderAccepted"
	EventRemainderFunded EventType = "RemainderFunded"
	EventOrderDelivered  EventType = "OrderDelivered"
	EventOrderSettled    EventType = "OrderSettled"
	EventOrderCancelled  EventType = "OrderCancelled"
)

// Event is emitted once per committed operation and carries the full
// post-state order. Seq is assigned by the store at commit.
type Event struct {
	Seq       uint64    `json:"seq"`
	Type      EventType `json:"type"`
	OrderID   uint64    `json:"orderId"`
	Order     Order     `json:"order"`
	Timestamp int64     `json:"timestamp"`

	// Operation amounts; zero when not applicable.
	Deposit      int64          `json:"deposit,omitempty"`      // OrderCreated
	Bond         int64          `json:"bond,omitempty"`         // OrderAccepted
	ExcessRefund int64          `json:"excessRefund,omitempty"` // OrderAccepted, deposit above notional
	Amount       int64          `json:"amount,omitempty"`       // RemainderFunded
	Fee          int64          `json:"fee,omitempty"`          // OrderSettled
	Payout       int64          `json:"payout,omitempty"`       // OrderSettled, to seller excluding bond
	Forfeit      int64          `json:"forfeit,omitempty"`      // OrderCancelled
	ForfeitTo    common.Address `json:"forfeitTo"`              // OrderCancelled
	BuyerRefund  int64          `json:"buyerRefund,omitempty"`  // OrderCancelled
	BondRefund   int64          `json:"bondRefund,omitempty"`   // OrderSettled, OrderCancelled
}

// Parties lists the accounts an event concerns.
func (e Event) Parties() []common.Address {
	if e.Order.IsAccepted() {
		return []common.Address{e.Order.Buyer, e.Order.Seller}
	}
	return []common.Address{e.Order.Buyer}
}
