package token

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/harvestchain/pkg/escrow"
)

// Vault is the escrow's view of a Ledger: funds are pulled into, and paid
// out of, a single custody account. Pulls spend the owner's allowance to
// the custody account, as an ERC-20 escrow contract would.
//
// Moves ignore ctx. The escrow ledger decides before the first move whether
// an operation runs, and a plan that has started always finishes or is
// compensated.
type Vault struct {
	ledger  *Ledger
	custody common.Address
}

func NewVault(ledger *Ledger, custody common.Address) *Vault {
	return &Vault{ledger: ledger, custody: custody}
}

func (v *Vault) Custody() common.Address { return v.custody }

func (v *Vault) TransferFrom(_ context.Context, owner common.Address, amount int64) error {
	return v.ledger.TransferFrom(v.custody, owner, v.custody, amount)
}

func (v *Vault) Transfer(_ context.Context, recipient common.Address, amount int64) error {
	return v.ledger.Transfer(v.custody, recipient, amount)
}

// Reclaim takes back a payout custody made to holder. It needs no allowance.
func (v *Vault) Reclaim(_ context.Context, holder common.Address, amount int64) error {
	if err := v.ledger.Transfer(holder, v.custody, amount); err != nil {
		return err
	}
	v.ledger.log.Warnw("payout_reclaimed", "holder", holder.Hex(), "amount", amount)
	return nil
}

var _ escrow.TokenLedger = (*Vault)(nil)
