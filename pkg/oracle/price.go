// Package oracle holds the price and delivery feeds the escrow ledger reads.
package oracle

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

var ErrInvalidPrice = errors.New("floor price must be positive")

// PricePoint is the latest feed value for a market. Confidence uses 18
// decimals (1e18 = 100%) and is informational only.
type PricePoint struct {
	MarketKey  common.Hash `json:"marketKey"`
	Floor      int64       `json:"floor"`
	Confidence uint64      `json:"confidence"`
	UpdatedAt  int64       `json:"updatedAt"`
}

// PriceFeed maps market keys to floor unit prices.
type PriceFeed struct {
	mu      sync.RWMutex
	gate    *access.Gate
	clock   util.Clock
	prices  map[common.Hash]PricePoint
	backend storage.Backend
	log     *zap.SugaredLogger
}

func NewPriceFeed(feeder common.Address, clock util.Clock, backend storage.Backend, logger *zap.SugaredLogger) (*PriceFeed, error) {
	if clock == nil {
		clock = util.RealClock{}
	}
	f := &PriceFeed{
		gate:    access.NewGate("price feeder", feeder),
		clock:   clock,
		prices:  make(map[common.Hash]PricePoint),
		backend: backend,
		log:     util.OrNop(logger),
	}
	if backend != nil {
		err := backend.Each(func(_ string, raw []byte) error {
			var p PricePoint
			if err := json.Unmarshal(raw, &p); err != nil {
				return fmt.Errorf("failed to unmarshal price: %w", err)
			}
			f.prices[p.MarketKey] = p
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return f, nil
}

func (f *PriceFeed) Gate() *access.Gate { return f.gate }

// SetPrice publishes a floor price for key. Only the feeder may call it.
func (f *PriceFeed) SetPrice(caller common.Address, key common.Hash, floor int64, confidence uint64) error {
	if err := f.gate.Check(caller); err != nil {
		return err
	}
	if floor <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidPrice, floor)
	}

	p := PricePoint{MarketKey: key, Floor: floor, Confidence: confidence, UpdatedAt: f.clock.Now().Unix()}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.backend != nil {
		if err := f.backend.Put(key.Hex(), p); err != nil {
			return err
		}
	}
	f.prices[key] = p
	f.log.Infow("price_set", "market", key.Hex(), "floor", floor, "confidence", confidence)
	return nil
}

// Price returns the full feed entry for key.
func (f *PriceFeed) Price(key common.Hash) (PricePoint, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	p, ok := f.prices[key]
	return p, ok
}

// FloorPrice returns only the floor; it satisfies escrow.PriceOracle.
func (f *PriceFeed) FloorPrice(key common.Hash) (int64, bool) {
	p, ok := f.Price(key)
	return p.Floor, ok
}
