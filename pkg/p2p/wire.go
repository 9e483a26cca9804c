package p2p

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"

	"github.com/uhyunpark/harvestchain/pkg/escrow"
)

// wireVersion is bumped whenever EventWire or escrow.Event changes shape.
const wireVersion uint8 = 1

var ErrWireVersion = errors.New("unsupported wire version")

func init() {
	gob.Register(EventWire{})
}

// EventWire is one committed escrow event as gossiped between nodes.
type EventWire struct {
	Version uint8
	Origin  string // peer id of the node that committed the event
	Event   escrow.Event
}

func encodeEvent(origin string, ev escrow.Event) ([]byte, error) {
	return gobEncode(EventWire{Version: wireVersion, Origin: origin, Event: ev})
}

func decodeEvent(b []byte) (EventWire, error) {
	var w EventWire
	if err := gobDecode(b, &w); err != nil {
		return EventWire{}, fmt.Errorf("decode event: %w", err)
	}
	if w.Version != wireVersion {
		return EventWire{}, fmt.Errorf("%w: %d", ErrWireVersion, w.Version)
	}
	return w, nil
}

func gobEncode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gobDecode(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
