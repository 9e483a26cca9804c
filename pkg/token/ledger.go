// Package token is a minimal in-process fungible collateral asset (balances
// and allowances) and the custody vault the escrow ledger moves it through.
package token

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/harvestchain/pkg/access"
	"github.com/uhyunpark/harvestchain/pkg/storage"
	"github.com/uhyunpark/harvestchain/pkg/util"
)

var (
	ErrInvalidAmount         = errors.New("amount must be positive")
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
)

// Info describes the asset.
type Info struct {
	Address  common.Address `json:"address"`
	Symbol   string         `json:"symbol"`
	Decimals int32          `json:"decimals"`
}

type allowanceKey struct {
	owner, spender common.Address
}

// entry is the persisted form of one balance or allowance.
type entry struct {
	Owner   common.Address  `json:"owner"`
	Spender *common.Address `json:"spender,omitempty"`
	Amount  int64           `json:"amount"`
}

// Ledger tracks balances and allowances for one asset. Only the minter
// creates supply.
type Ledger struct {
	mu         sync.RWMutex
	info       Info
	minter     *access.Gate
	balances   map[common.Address]int64
	allowances map[allowanceKey]int64
	supply     int64
	backend    storage.Backend
	log        *zap.SugaredLogger
}

// NewLedger loads persisted balances and allowances from backend, which may
// be nil.
func NewLedger(info Info, minter common.Address, backend storage.Backend, logger *zap.SugaredLogger) (*Ledger, error) {
	l := &Ledger{
		info:       info,
		minter:     access.NewGate("minter", minter),
		balances:   make(map[common.Address]int64),
		allowances: make(map[allowanceKey]int64),
		backend:    backend,
		log:        util.OrNop(logger),
	}
	if backend != nil {
		err := backend.Each(func(key string, raw []byte) error {
			var e entry
			if err := json.Unmarshal(raw, &e); err != nil {
				return fmt.Errorf("failed to unmarshal %s: %w", key, err)
			}
			if e.Spender != nil {
				l.allowances[allowanceKey{e.Owner, *e.Spender}] = e.Amount
				return nil
			}
			l.balances[e.Owner] = e.Amount
			l.supply += e.Amount
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return l, nil
}

func (l *Ledger) Info() Info { return l.info }

// Gate is the minter role.
func (l *Ledger) Gate() *access.Gate { return l.minter }

func (l *Ledger) BalanceOf(owner common.Address) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[owner]
}

func (l *Ledger) Allowance(owner, spender common.Address) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.allowances[allowanceKey{owner, spender}]
}

func (l *Ledger) TotalSupply() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.supply
}

// Mint creates amount new units for to. Only the minter may call it.
func (l *Ledger) Mint(caller, to common.Address, amount int64) error {
	if err := l.minter.Check(caller); err != nil {
		return err
	}
	if amount <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	next := l.balances[to] + amount
	if next < 0 || l.supply+amount < 0 {
		return fmt.Errorf("%w: balance overflow", ErrInvalidAmount)
	}
	c := newChange()
	c.balances[to] = next
	if err := l.commitLocked(c); err != nil {
		return err
	}
	l.supply += amount
	l.log.Infow("token_minted", "symbol", l.info.Symbol, "to", to.Hex(), "amount", amount)
	return nil
}

// Approve sets spender's allowance over owner's balance. Zero clears it.
func (l *Ledger) Approve(owner, spender common.Address, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	c := newChange()
	c.allowances[allowanceKey{owner, spender}] = amount
	return l.commitLocked(c)
}

// Transfer moves amount from one holder to another.
func (l *Ledger) Transfer(from, to common.Address, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	c := newChange()
	if err := l.stageMove(c, from, to, amount); err != nil {
		return err
	}
	return l.commitLocked(c)
}

// TransferFrom moves amount from owner to to, spending spender's allowance.
// The allowance and both balances are written together.
func (l *Ledger) TransferFrom(spender, owner, to common.Address, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	k := allowanceKey{owner, spender}
	allowed := l.allowances[k]
	if allowed < amount {
		return fmt.Errorf("%w: %s allows %s %d, need %d", ErrInsufficientAllowance, owner.Hex(), spender.Hex(), allowed, amount)
	}

	c := newChange()
	if err := l.stageMove(c, owner, to, amount); err != nil {
		return err
	}
	c.allowances[k] = allowed - amount
	return l.commitLocked(c)
}

// change is a set of balance and allowance updates that is persisted in
// one batch and then applied in memory. Zero values delete the entry.
type change struct {
	balances   map[common.Address]int64
	allowances map[allowanceKey]int64
}

func newChange() change {
	return change{
		balances:   make(map[common.Address]int64),
		allowances: make(map[allowanceKey]int64),
	}
}

func (l *Ledger) stageMove(c change, from, to common.Address, amount int64) error {
	if l.balances[from] < amount {
		return fmt.Errorf("%w: %s has %d, need %d", ErrInsufficientBalance, from.Hex(), l.balances[from], amount)
	}
	if from == to {
		return nil
	}
	c.balances[from] = l.balances[from] - amount
	c.balances[to] = l.balances[to] + amount
	return nil
}

func (l *Ledger) commitLocked(c change) error {
	if l.backend != nil {
		ops := make([]storage.Op, 0, len(c.balances)+len(c.allowances))
		for a, v := range c.balances {
			op := storage.Op{Key: balanceStoreKey(a)}
			if v != 0 {
				op.Value = entry{Owner: a, Amount: v}
			}
			ops = append(ops, op)
		}
		for k, v := range c.allowances {
			op := storage.Op{Key: allowanceStoreKey(k)}
			if v != 0 {
				s := k.spender
				op.Value = entry{Owner: k.owner, Spender: &s, Amount: v}
			}
			ops = append(ops, op)
		}
		if err := l.backend.Apply(ops); err != nil {
			return fmt.Errorf("persist token state: %w", err)
		}
	}

	for a, v := range c.balances {
		if v == 0 {
			delete(l.balances, a)
		} else {
			l.balances[a] = v
		}
	}
	for k, v := range c.allowances {
		if v == 0 {
			delete(l.allowances, k)
		} else {
			l.allowances[k] = v
		}
	}
	return nil
}

// Format: "bal/{owner}"
func balanceStoreKey(owner common.Address) string {
	return "bal/" + owner.Hex()
}

// Format: "alw/{owner}/{spender}"
func allowanceStoreKey(k allowanceKey) string {
	return strings.Join([]string{"alw", k.owner.Hex(), k.spender.Hex()}, "/")
}
