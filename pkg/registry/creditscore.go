package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/harvestchain/pkg/access"
	"github.com/uhyunpark/harvestchain/pkg/escrow"
	"github.com/uhyunpark/harvestchain/pkg/storage"
	"github.com/uhyunpark/harvestchain/pkg/util"
)

var ErrScoreOutOfRange = errors.New("credit score out of range")

type scoreEntry struct {
	Account common.Address `json:"account"`
	Score   uint16         `json:"score"`
}

// CreditScores holds one score per account in [300, 850]. Only the updater
// writes; the escrow ledger only reads.
type CreditScores struct {
	mu      sync.RWMutex
	gate    *access.Gate
	scores  map[common.Address]uint16
	backend storage.Backend
	log     *zap.SugaredLogger
}

// NewCreditScores loads persisted scores from backend, which may be nil.
func NewCreditScores(updater common.Address, backend storage.Backend, logger *zap.SugaredLogger) (*CreditScores, error) {
	r := &CreditScores{
		gate:    access.NewGate("score updater", updater),
		scores:  make(map[common.Address]uint16),
		backend: backend,
		log:     util.OrNop(logger),
	}
	if backend != nil {
		err := backend.Each(func(_ string, raw []byte) error {
			var e scoreEntry
			if err := json.Unmarshal(raw, &e); err != nil {
				return fmt.Errorf("failed to unmarshal score: %w", err)
			}
			r.scores[e.Account] = e.Score
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *CreditScores) Gate() *access.Gate { return r.gate }

// SetScore records account's score. Only the updater may call it.
func (r *CreditScores) SetScore(caller, account common.Address, score uint16) error {
	if err := r.gate.Check(caller); err != nil {
		return err
	}
	if score < escrow.MinCreditScore || score > escrow.MaxCreditScore {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrScoreOutOfRange, score, escrow.MinCreditScore, escrow.MaxCreditScore)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.backend != nil {
		if err := r.backend.Put(account.Hex(), scoreEntry{Account: account, Score: score}); err != nil {
			return err
		}
	}
	r.scores[account] = score
	r.log.Infow("credit_score_set", "account", account.Hex(), "score", score)
	return nil
}

// ScoreOf returns the account's score and whether one was ever set.
func (r *CreditScores) ScoreOf(account common.Address) (uint16, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.scores[account]
	return s, ok
}

var (
	_ escrow.CreditScoreRegistry = (*CreditScores)(nil)
	_ escrow.CredentialRegistry  = (*Credentials)(nil)
)
