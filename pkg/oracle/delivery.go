package oracle

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/harvestchain/pkg/access"
	"github.com/uhyunpark/harvestchain/pkg/escrow"
	"github.com/uhyunpark/harvestchain/pkg/storage"
	"github.com/uhyunpark/harvestchain/pkg/util"
)

type deliveryEntry struct {
	OrderID   uint64 `json:"orderId"`
	Delivered bool   `json:"delivered"`
}

// DeliveryFeed records whether each order's goods arrived.
type DeliveryFeed struct {
	mu        sync.RWMutex
	gate      *access.Gate
	delivered map[uint64]bool
	backend   storage.Backend
	log       *zap.SugaredLogger
}

func NewDeliveryFeed(reporter common.Address, backend storage.Backend, logger *zap.SugaredLogger) (*DeliveryFeed, error) {
	f := &DeliveryFeed{
		gate:      access.NewGate("delivery reporter", reporter),
		delivered: make(map[uint64]bool),
		backend:   backend,
		log:       util.OrNop(logger),
	}
	if backend != nil {
		err := backend.Each(func(_ string, raw []byte) error {
			var e deliveryEntry
			if err := json.Unmarshal(raw, &e); err != nil {
				return fmt.Errorf("failed to unmarshal delivery: %w", err)
			}
			f.delivered[e.OrderID] = e.Delivered
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return f, nil
}

func (f *DeliveryFeed) Gate() *access.Gate { return f.gate }

// SetDelivered reports the delivery state for an order. Only the reporter
// may call it. The flag may be cleared again before the ledger reads it.
func (f *DeliveryFeed) SetDelivered(caller common.Address, orderID uint64, delivered bool) error {
	if err := f.gate.Check(caller); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.backend != nil {
		if err := f.backend.Put(strconv.FormatUint(orderID, 10), deliveryEntry{OrderID: orderID, Delivered: delivered}); err != nil {
			return err
		}
	}
	f.delivered[orderID] = delivered
	f.log.Infow("delivery_set", "order_id", orderID, "delivered", delivered)
	return nil
}

func (f *DeliveryFeed) IsDelivered(orderID uint64) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.delivered[orderID]
}

var (
	_ escrow.PriceOracle    = (*PriceFeed)(nil)
	_ escrow.DeliveryOracle = (*DeliveryFeed)(nil)
)
