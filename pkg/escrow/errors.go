package escrow

import (
	"errors"

	"github.com/uhyunpark/harvestchain/pkg/access"
)

// Error kinds returned by Ledger operations. Callers match them with
// errors.Is; every failure leaves orders and balances untouched.
var (
	ErrInvalidQuantity   = errors.New("invalid quantity")
	ErrInvalidPrice      = errors.New("invalid price")
	ErrInvalidBps        = errors.New("invalid bps")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrInvalidDeadline   = errors.New("invalid delivery deadline")
	ErrDepositMismatch   = errors.New("deposit mismatch")
	ErrPriceOutOfBounds  = errors.New("price out of bounds")
	ErrNoPrice           = errors.New("no oracle price")
	ErrNotOpen           = errors.New("order not open")
	ErrNotAccepted       = errors.New("order not accepted")
	ErrNotFunded         = errors.New("order not funded")
	ErrNotDelivered      = errors.New("order not delivered")
	ErrAlreadySettled    = errors.New("order already settled")
	ErrNotCancellable    = errors.New("order not cancellable")
	ErrOverfunded        = errors.New("overfunded")
	ErrTransferFailed    = errors.New("transfer failed")
	ErrOrderNotFound     = errors.New("order not found")
	ErrUnknownAsset      = errors.New("unknown collateral asset")
	ErrSellerNotEligible = errors.New("seller not eligible")
	ErrNotParty          = errors.New("caller is not a party to the order")
	ErrSelfDealing       = errors.New("buyer cannot accept own order")

	// ErrUnauthorized is shared with the registries and oracles.
	ErrUnauthorized = access.ErrUnauthorized
)

var errorKinds = []struct {
	err  error
	kind string
}{
	{ErrInvalidQuantity, "InvalidQuantity"},
	{ErrInvalidPrice, "InvalidPrice"},
	{ErrInvalidBps, "InvalidBps"},
	{ErrInvalidAmount, "InvalidAmount"},
	{ErrInvalidDeadline, "InvalidDeadline"},
	{ErrDepositMismatch, "DepositMismatch"},
	{ErrPriceOutOfBounds, "PriceOutOfBounds"},
	{ErrNoPrice, "NoPrice"},
	{ErrNotOpen, "NotOpen"},
	{ErrNotAccepted, "NotAccepted"},
	{ErrNotFunded, "NotFunded"},
	{ErrNotDelivered, "NotDelivered"},
	{ErrAlreadySettled, "AlreadySettled"},
	{ErrNotCancellable, "NotCancellable"},
	{ErrOverfunded, "Overfunded"},
	{ErrUnauthorized, "Unauthorized"},
	{ErrOrderNotFound, "OrderNotFound"},
	{ErrUnknownAsset, "UnknownAsset"},
	{ErrSellerNotEligible, "SellerNotEligible"},
	{ErrNotParty, "NotParty"},
	{ErrSelfDealing, "SelfDealing"},
	// last: a failed transfer may wrap the token ledger's own error
	{ErrTransferFailed, "TransferFailed"},
}

// ErrorKind names the kind of a Ledger error, or "Internal" when err carries
// none of the known kinds.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return "Internal"
}
