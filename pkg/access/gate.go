// Package access holds the single-writer capability check shared by the
// registries, oracles and the collateral token.
package access

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var ErrUnauthorized = errors.New("unauthorized")

// Gate grants write access to exactly one address for a named role
// (verifier, updater, price feeder, delivery reporter, minter).
type Gate struct {
	mu     sync.RWMutex
	role   string
	writer common.Address
}

func NewGate(role string, writer common.Address) *Gate {
	return &Gate{role: role, writer: writer}
}

// Check returns ErrUnauthorized unless caller is the current writer.
// A gate with a zero writer rejects everyone.
func (g *Gate) Check(caller common.Address) error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.writer == (common.Address{}) || caller != g.writer {
		return fmt.Errorf("%w: %s is not the %s", ErrUnauthorized, caller.Hex(), g.role)
	}
	return nil
}

func (g *Gate) Role() string { return g.role }

func (g *Gate) Writer() common.Address {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.writer
}

// Handover moves the role to next. Only the current writer may do it.
func (g *Gate) Handover(caller, next common.Address) error {
	if err := g.Check(caller); err != nil {
		return err
	}
	g.mu.Lock()
	g.writer = next
	g.mu.Unlock()
	return nil
}
