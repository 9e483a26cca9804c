package storage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/uhyunpark/harvestchain/pkg/escrow"
	"github.com/uhyunpark/harvestchain/pkg/util"
)

// EventJournal appends every committed escrow event to a file as one JSON
// line, for audit and offline replay. Write failures are logged; the ledger
// never sees them.
type EventJournal struct {
	mu  sync.Mutex
	f   *os.File
	enc *json.Encoder
	log *zap.SugaredLogger
}

func OpenEventJournal(path string, logger *zap.SugaredLogger) (*EventJournal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open event journal %s: %w", path, err)
	}
	return &EventJournal{f: f, enc: json.NewEncoder(f), log: util.OrNop(logger)}, nil
}

func (j *EventJournal) Publish(ev escrow.Event) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.enc.Encode(ev); err != nil {
		j.log.Errorw("journal_write_failed", "seq", ev.Seq, "err", err)
	}
}

func (j *EventJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.f.Sync(); err != nil {
		j.f.Close()
		return err
	}
	return j.f.Close()
}

// ReadEventJournal loads every event in a journal file in write order.
func ReadEventJournal(path string) ([]escrow.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []escrow.Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for line := 1; sc.Scan(); line++ {
		var ev escrow.Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			return nil, fmt.Errorf("journal line %d: %w", line, err)
		}
		out = append(out, ev)
	}
	return out, sc.Err()
}

var _ escrow.EventSink = (*EventJournal)(nil)
