package p2p

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/harvestchain/pkg/escrow"
)

func sampleEvent() escrow.Event {
	return escrow.Event{
		Seq:     7,
		Type:    escrow.EventOrderSettled,
		OrderID: 3,
		Order: escrow.Order{
			ID:              3,
			Buyer:           common.HexToAddress("0xB000000000000000000000000000000000000001"),
			Seller:          common.HexToAddress("0x5E00000000000000000000000000000000000001"),
			Status:          escrow.StatusSettled,
			Quantity:        100,
			AgreedUnitPrice: 3_600_000,
		},
		Fee:    1_800_000,
		Payout: 358_200_000,
	}
}

func TestDecodeRejectsGarbageAndVersion(t *testing.T) {
	if _, err := decodeEvent([]byte("not gob")); err == nil {
		t.Fatal("garbage decoded")
	}

	data, err := gobEncode(EventWire{Version: wireVersion + 1, Event: sampleEvent()})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := decodeEvent(data); !errors.Is(err, ErrWireVersion) {
		t.Fatalf("future version: got %v", err)
	}

	data, err = encodeEvent("peer-a", sampleEvent())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	w, err := decodeEvent(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if w.Origin != "peer-a" || w.Event.Order.Seller != sampleEvent().Order.Seller || w.Event.Payout != 358_200_000 {
		t.Fatalf("decoded = %+v", w)
	}
}

func TestEventNetRelaysBetweenPeers(t *testing.T) {
	if testing.Short() {
		t.Skip("starts two libp2p hosts")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	a, err := NewEventNet(ctx, Config{ListenAddr: "/ip4/127.0.0.1/tcp/0"})
	if err != nil {
		t.Fatalf("node a: %v", err)
	}
	b, err := NewEventNet(ctx, Config{ListenAddr: "/ip4/127.0.0.1/tcp/0", Bootstrap: a.Addrs()})
	if err != nil {
		t.Fatalf("node b: %v", err)
	}

	got := make(chan EventWire, 16)
	b.SetHandler(func(_ context.Context, w EventWire) {
		select {
		case got <- w:
		default:
		}
	})

	runCtx, stop := context.WithCancel(ctx)
	errc := make(chan error, 2)
	go func() { errc <- a.Run(runCtx) }()
	go func() { errc <- b.Run(runCtx) }()
	defer func() {
		stop()
		<-errc
		<-errc
	}()

	// gossipsub needs a heartbeat or two before the mesh carries messages
	tick := time.NewTicker(500 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case w := <-got:
			if w.Origin != a.Host().ID().String() || w.Event.Seq != 7 {
				t.Fatalf("received %+v", w)
			}
			return
		case <-tick.C:
			a.Publish(sampleEvent())
		case <-ctx.Done():
			t.Fatal("event never reached peer")
		}
	}
}
