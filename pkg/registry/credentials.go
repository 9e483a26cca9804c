// Package registry holds the credential and credit-score registries. Each
// has a single writer role; reads are open.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/harvestchain/pkg/access"
	"github.com/uhyunpark/harvestchain/pkg/storage"
	"github.com/uhyunpark/harvestchain/pkg/util"
)

type credentialKey struct {
	subject common.Address
	role    common.Hash
}

func (k credentialKey) String() string {
	return k.subject.Hex() + "/" + k.role.Hex()
}

// Credential is a role grant that lapses at Expiry (Unix seconds).
type Credential struct {
	Subject common.Address `json:"subject"`
	Role    common.Hash    `json:"role"`
	Expiry  int64          `json:"expiry"`
}

// Credentials maps (subject, role) to an expiry. A role is held only while
// its expiry is after the clock's current time.
type Credentials struct {
	mu      sync.RWMutex
	gate    *access.Gate
	clock   util.Clock
	entries map[credentialKey]int64
	backend storage.Backend
	log     *zap.SugaredLogger
}

// NewCredentials loads persisted grants from backend, which may be nil.
func NewCredentials(verifier common.Address, clock util.Clock, backend storage.Backend, logger *zap.SugaredLogger) (*Credentials, error) {
	if clock == nil {
		clock = util.RealClock{}
	}
	c := &Credentials{
		gate:    access.NewGate("verifier", verifier),
		clock:   clock,
		entries: make(map[credentialKey]int64),
		backend: backend,
		log:     util.OrNop(logger),
	}
	if backend != nil {
		err := backend.Each(func(_ string, raw []byte) error {
			var cr Credential
			if err := json.Unmarshal(raw, &cr); err != nil {
				return fmt.Errorf("failed to unmarshal credential: %w", err)
			}
			c.entries[credentialKey{cr.Subject, cr.Role}] = cr.Expiry
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Credentials) Gate() *access.Gate { return c.gate }

// SetAuthorized grants role to subject until expiry. Only the verifier may
// call it. An expiry in the past records a lapsed grant.
func (c *Credentials) SetAuthorized(caller, subject common.Address, role common.Hash, expiry int64) error {
	if err := c.gate.Check(caller); err != nil {
		return err
	}
	if subject == (common.Address{}) {
		return errors.New("zero subject")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	k := credentialKey{subject, role}
	if c.backend != nil {
		if err := c.backend.Put(k.String(), Credential{Subject: subject, Role: role, Expiry: expiry}); err != nil {
			return err
		}
	}
	c.entries[k] = expiry
	c.log.Infow("credential_set", "subject", subject.Hex(), "role", role.Hex(), "expiry", expiry)
	return nil
}

// Revoke removes a grant. Revoking an absent grant is a no-op.
func (c *Credentials) Revoke(caller, subject common.Address, role common.Hash) error {
	if err := c.gate.Check(caller); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	k := credentialKey{subject, role}
	if _, ok := c.entries[k]; !ok {
		return nil
	}
	if c.backend != nil {
		if err := c.backend.Delete(k.String()); err != nil {
			return err
		}
	}
	delete(c.entries, k)
	c.log.Infow("credential_revoked", "subject", subject.Hex(), "role", role.Hex())
	return nil
}

// HasRole is evaluated against the clock at call time.
func (c *Credentials) HasRole(subject common.Address, role common.Hash) bool {
	c.mu.RLock()
	expiry, ok := c.entries[credentialKey{subject, role}]
	c.mu.RUnlock()
	return ok && expiry > c.clock.Now().Unix()
}

// Lookup returns the stored grant whether or not it has lapsed.
func (c *Credentials) Lookup(subject common.Address, role common.Hash) (Credential, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	expiry, ok := c.entries[credentialKey{subject, role}]
	if !ok {
		return Credential{}, false
	}
	return Credential{Subject: subject, Role: role, Expiry: expiry}, true
}
