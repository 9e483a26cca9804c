package api

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/harvestchain/pkg/escrow"
	"github.com/uhyunpark/harvestchain/pkg/token"
)

// API request and response types. Amounts in requests are decimal strings
// in collateral units ("3.80"); responses carry the raw integer amount and
// a display string.

// ==============================
// REST Response Types
// ==============================

// OrderInfo is an escrowed order as served by the API
type OrderInfo struct {
	ID              uint64 `json:"id"`
	Buyer           string `json:"buyer"`
	Seller          string `json:"seller,omitempty"` // empty until accepted
	CollateralAsset string `json:"collateralAsset"`
	MarketKey       string `json:"marketKey"`
	Status          string `json:"status"` // OPEN | ACCEPTED | FUNDED | DELIVERED | SETTLED | CANCELLED

	Quantity        int64 `json:"quantity"`
	MaxUnitPrice    int64 `json:"maxUnitPrice"`
	AgreedUnitPrice int64 `json:"agreedUnitPrice"`

	RequestedDepositBps uint16 `json:"requestedDepositBps"`
	EffectiveDepositBps uint16 `json:"effectiveDepositBps"`
	ForfeitBps          uint16 `json:"forfeitBps"`
	MaxDiscountBps      uint16 `json:"maxDiscountBps"`
	MinAcceptedPrice    int64  `json:"minAcceptedPrice,omitempty"`
	DeliverBy           int64  `json:"deliverBy,omitempty"`

	DepositPaid   int64 `json:"depositPaid"`
	RemainderPaid int64 `json:"remainderPaid"`
	SellerBond    int64 `json:"sellerBond"`
	Notional      int64 `json:"notional"`    // quantity * agreedUnitPrice
	Outstanding   int64 `json:"outstanding"` // still owed before FUNDED

	CreatedAt   int64 `json:"createdAt"`
	AcceptedAt  int64 `json:"acceptedAt,omitempty"`
	DeliveredAt int64 `json:"deliveredAt,omitempty"`
	SettledAt   int64 `json:"settledAt,omitempty"`
	CancelledAt int64 `json:"cancelledAt,omitempty"`

	Display OrderDisplay `json:"display"`
}

// OrderDisplay holds the order's amounts formatted in collateral units
type OrderDisplay struct {
	MaxUnitPrice    string `json:"maxUnitPrice"`
	AgreedUnitPrice string `json:"agreedUnitPrice"`
	DepositPaid     string `json:"depositPaid"`
	RemainderPaid   string `json:"remainderPaid"`
	SellerBond      string `json:"sellerBond"`
	Notional        string `json:"notional"`
	Outstanding     string `json:"outstanding"`
}

func newOrderInfo(o *escrow.Order, ti token.Info) OrderInfo {
	info := OrderInfo{
		ID:                  o.ID,
		Buyer:               o.Buyer.Hex(),
		CollateralAsset:     o.CollateralAsset.Hex(),
		MarketKey:           o.MarketKey.Hex(),
		Status:              o.Status.String(),
		Quantity:            o.Quantity,
		MaxUnitPrice:        o.MaxUnitPrice,
		AgreedUnitPrice:     o.AgreedUnitPrice,
		RequestedDepositBps: o.RequestedDepositBps,
		EffectiveDepositBps: o.EffectiveDepositBps,
		ForfeitBps:          o.ForfeitBps,
		MaxDiscountBps:      o.MaxDiscountBps,
		MinAcceptedPrice:    o.MinAcceptedPrice,
		DeliverBy:           o.DeliverBy,
		DepositPaid:         o.DepositPaid,
		RemainderPaid:       o.RemainderPaid,
		SellerBond:          o.SellerBond,
		Notional:            o.Notional(),
		Outstanding:         o.Outstanding(),
		CreatedAt:           o.CreatedAt,
		AcceptedAt:          o.AcceptedAt,
		DeliveredAt:         o.DeliveredAt,
		SettledAt:           o.SettledAt,
		CancelledAt:         o.CancelledAt,
	}
	if o.IsAccepted() {
		info.Seller = o.Seller.Hex()
	}
	info.Display = OrderDisplay{
		MaxUnitPrice:    ti.FormatUnits(o.MaxUnitPrice),
		AgreedUnitPrice: ti.FormatUnits(o.AgreedUnitPrice),
		DepositPaid:     ti.FormatUnits(o.DepositPaid),
		RemainderPaid:   ti.FormatUnits(o.RemainderPaid),
		SellerBond:      ti.FormatUnits(o.SellerBond),
		Notional:        ti.FormatUnits(info.Notional),
		Outstanding:     ti.FormatUnits(info.Outstanding),
	}
	return info
}

// EventInfo is a committed ledger event
type EventInfo struct {
	Seq          uint64    `json:"seq"`
	Type         string    `json:"type"`
	OrderID      uint64    `json:"orderId"`
	Timestamp    int64     `json:"timestamp"`
	Deposit      int64     `json:"deposit,omitempty"`
	Bond         int64     `json:"bond,omitempty"`
	ExcessRefund int64     `json:"excessRefund,omitempty"`
	Amount       int64     `json:"amount,omitempty"`
	Fee          int64     `json:"fee,omitempty"`
	Payout       int64     `json:"payout,omitempty"`
	Forfeit      int64     `json:"forfeit,omitempty"`
	ForfeitTo    string    `json:"forfeitTo,omitempty"`
	BuyerRefund  int64     `json:"buyerRefund,omitempty"`
	BondRefund   int64     `json:"bondRefund,omitempty"`
	Order        OrderInfo `json:"order"`
}

func newEventInfo(ev escrow.Event, ti token.Info) EventInfo {
	info := EventInfo{
		Seq:          ev.Seq,
		Type:         string(ev.Type),
		OrderID:      ev.OrderID,
		Timestamp:    ev.Timestamp,
		Deposit:      ev.Deposit,
		Bond:         ev.Bond,
		ExcessRefund: ev.ExcessRefund,
		Amount:       ev.Amount,
		Fee:          ev.Fee,
		Payout:       ev.Payout,
		Forfeit:      ev.Forfeit,
		BuyerRefund:  ev.BuyerRefund,
		BondRefund:   ev.BondRefund,
		Order:        newOrderInfo(&ev.Order, ti),
	}
	if ev.ForfeitTo != (common.Address{}) {
		info.ForfeitTo = ev.ForfeitTo.Hex()
	}
	return info
}

// RemoteEventInfo is an event relayed from a peer node
type RemoteEventInfo struct {
	Origin string    `json:"origin"` // peer id
	Event  EventInfo `json:"event"`
}

// QuoteInfo is the deposit a buyer would pay right now
type QuoteInfo struct {
	Buyer          string `json:"buyer"`
	Score          uint16 `json:"score,omitempty"`
	HasScore       bool   `json:"hasScore"`
	EffectiveBps   uint16 `json:"effectiveDepositBps"`
	NotionalMax    int64  `json:"notionalMax"`
	Deposit        int64  `json:"deposit"`
	DepositDisplay string `json:"depositDisplay"`
}

// PriceInfo is the oracle's latest floor for a market
type PriceInfo struct {
	MarketKey    string `json:"marketKey"`
	Floor        int64  `json:"floor"`
	FloorDisplay string `json:"floorDisplay"`
	Confidence   uint64 `json:"confidence"` // 1e18 = 100%
	UpdatedAt    int64  `json:"updatedAt"`
}

// CredentialInfo is a role grant lookup result
type CredentialInfo struct {
	Subject string `json:"subject"`
	Role    string `json:"role"`
	Expiry  int64  `json:"expiry,omitempty"`
	Active  bool   `json:"active"`
}

type ScoreInfo struct {
	Account  string `json:"account"`
	Score    uint16 `json:"score,omitempty"`
	HasScore bool   `json:"hasScore"`
}

// BalanceInfo is an account's collateral balance and its allowance to the
// escrow custody account
type BalanceInfo struct {
	Address          string `json:"address"`
	Symbol           string `json:"symbol"`
	Balance          int64  `json:"balance"`
	BalanceDisplay   string `json:"balanceDisplay"`
	Allowance        int64  `json:"allowance"`
	AllowanceDisplay string `json:"allowanceDisplay"`
	LastNonce        uint64 `json:"lastNonce"`
}

// CreateOrderResponse is returned from POST /api/v1/orders
type CreateOrderResponse struct {
	OrderID uint64    `json:"orderId"`
	Order   OrderInfo `json:"order"`
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error   string `json:"error"` // error kind, e.g. "PriceOutOfBounds"
	Message string `json:"message"`
}

// ==============================
// REST Request Types
// ==============================

// CreateOrderRequest is the payload for POST /api/v1/orders
type CreateOrderRequest struct {
	Asset               string `json:"asset,omitempty"` // defaults to the node's collateral token
	Market              string `json:"market"`          // 0x key or label such as "TUNA|A|ILOILO"
	Quantity            int64  `json:"quantity"`
	MaxUnitPrice        string `json:"maxUnitPrice"`
	RequestedDepositBps uint16 `json:"requestedDepositBps"`
	ForfeitBps          uint16 `json:"forfeitBps"`
	MaxDiscountBps      uint16 `json:"maxDiscountBps"`
	MinAcceptedPrice    string `json:"minAcceptedPrice,omitempty"`
	DeliverBy           int64  `json:"deliverBy,omitempty"`
	ExpectedDeposit     string `json:"expectedDeposit"`
}

// AcceptOrderRequest is the payload for POST /api/v1/orders/{id}/accept
type AcceptOrderRequest struct {
	AgreedUnitPrice string `json:"agreedUnitPrice"`
	SellerBond      string `json:"sellerBond,omitempty"`
}

// FundRequest is the payload for POST /api/v1/orders/{id}/fund
type FundRequest struct {
	Amount string `json:"amount"`
}

type SetPriceRequest struct {
	Market     string `json:"market"`
	Floor      string `json:"floor"`
	Confidence uint64 `json:"confidence,omitempty"`
}

type SetDeliveryRequest struct {
	OrderID   uint64 `json:"orderId"`
	Delivered bool   `json:"delivered"`
}

type CredentialRequest struct {
	Subject string `json:"subject"`
	Role    string `json:"role"` // 0x id or name such as "COOP_MEMBER"
	Expiry  int64  `json:"expiry,omitempty"`
}

type ScoreRequest struct {
	Account string `json:"account"`
	Score   uint16 `json:"score"`
}

type MintRequest struct {
	To     string `json:"to"`
	Amount string `json:"amount"`
}

// ApproveRequest sets the caller's allowance; Spender defaults to the
// escrow custody account.
type ApproveRequest struct {
	Spender string `json:"spender,omitempty"`
	Amount  string `json:"amount"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSMessage is the envelope for all WebSocket pushes
type WSMessage struct {
	Type    string      `json:"type"`    // "event"
	Channel string      `json:"channel"` // "orders", "order:<id>", "account:<address>"
	Data    interface{} `json:"data"`
}

// WSSubscribeRequest is sent by client to subscribe to channels
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g. ["orders", "order:1", "account:0x..."]
}

// RoleInfo names the current writer of a single-writer role.
type RoleInfo struct {
	Role   string `json:"role"`
	Writer string `json:"writer"`
}

type HandoverRequest struct {
	Next string `json:"next"`
}
