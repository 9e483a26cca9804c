package escrow

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

type direction int8

const (
	pull direction = iota // party -> custody
	push                  // custody -> party
)

func (d direction) String() string {
	if d == pull {
		return "pull"
	}
	return "push"
}

type transfer struct {
	dir    direction
	party  common.Address
	amount int64
	memo   string
}

// transferPlan is the ordered list of collateral movements for one
// operation. Zero amounts are dropped when the plan is built.
type transferPlan []transfer

func (p *transferPlan) pull(from common.Address, amount int64, memo string) {
	if amount > 0 {
		*p = append(*p, transfer{dir: pull, party: from, amount: amount, memo: memo})
	}
}

func (p *transferPlan) push(to common.Address, amount int64, memo string) {
	if amount > 0 {
		*p = append(*p, transfer{dir: push, party: to, amount: amount, memo: memo})
	}
}

func (t transfer) run(ctx context.Context, tl TokenLedger) error {
	if t.dir == pull {
		return tl.TransferFrom(ctx, t.party, t.amount)
	}
	return tl.Transfer(ctx, t.party, t.amount)
}

// reverse undoes t. Undoing a push fails only if the recipient has
// already moved the funds on.
func (t transfer) reverse(ctx context.Context, tl TokenLedger) error {
	if t.dir == pull {
		return tl.Transfer(ctx, t.party, t.amount)
	}
	return tl.Reclaim(ctx, t.party, t.amount)
}

// execute runs the plan in order. If a step fails, the steps already done
// are reversed newest first and the step's error is returned wrapped in
// ErrTransferFailed. On success the returned undo reverses the whole plan,
// for use when the commit that follows fails.
//
// Cancellation of ctx does not stop a plan once it has started.
func execute(ctx context.Context, tl TokenLedger, plan transferPlan, log *zap.SugaredLogger) (undo func(), err error) {
	ctx = context.WithoutCancel(ctx)
	for i, t := range plan {
		if err := t.run(ctx, tl); err != nil {
			compensate(ctx, tl, plan[:i], log)
			return nil, fmt.Errorf("%w: %s %s %d (%s): %w", ErrTransferFailed, t.dir, t.party.Hex(), t.amount, t.memo, err)
		}
	}
	return func() { compensate(ctx, tl, plan, log) }, nil
}

func compensate(ctx context.Context, tl TokenLedger, done transferPlan, log *zap.SugaredLogger) {
	for i := len(done) - 1; i >= 0; i-- {
		t := done[i]
		if err := t.reverse(ctx, tl); err != nil {
			log.Errorw("compensation_failed",
				"dir", t.dir.String(), "party", t.party.Hex(), "amount", t.amount, "memo", t.memo, "err", err)
			continue
		}
		log.Warnw("transfer_compensated",
			"dir", t.dir.String(), "party", t.party.Hex(), "amount", t.amount, "memo", t.memo)
	}
}
