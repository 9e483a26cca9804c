package p2p

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/uhyunpark/harvestchain/pkg/escrow"
	"github.com/uhyunpark/harvestchain/pkg/util"
)

const topicEvents = "harvestchain/escrow-events/1"

// RemoteHandler receives events committed by another node.
type RemoteHandler func(ctx context.Context, w EventWire)

// EventNet relays committed escrow events over gossipsub so peer nodes and
// indexers can follow the ledger. It is an escrow.EventSink.
type EventNet struct {
	h     host.Host
	ps    *pubsub.PubSub
	topic *pubsub.Topic
	sub   *pubsub.Subscription
	log   *zap.SugaredLogger

	out     chan []byte
	dropped atomic.Uint64

	muH     sync.RWMutex
	handler RemoteHandler
}

type Config struct {
	ListenAddr string
	Bootstrap  []string
	Logger     *zap.SugaredLogger
}

func NewEventNet(ctx context.Context, cfg Config) (*EventNet, error) {
	var opts []libp2p.Option
	if cfg.ListenAddr != "" {
		maddr, err := ma.NewMultiaddr(cfg.ListenAddr)
		if err != nil {
			return nil, err
		}
		opts = append(opts, libp2p.ListenAddrs(maddr))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, err
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, err
	}

	n := &EventNet{
		h:   h,
		ps:  ps,
		log: util.OrNop(cfg.Logger),
		out: make(chan []byte, 256),
	}

	for _, bs := range cfg.Bootstrap {
		if err := n.Connect(ctx, bs); err != nil {
			n.log.Warnw("bootstrap_connect_failed", "addr", bs, "err", err)
		}
	}

	if n.topic, err = ps.Join(topicEvents); err != nil {
		h.Close()
		return nil, err
	}
	if n.sub, err = n.topic.Subscribe(); err != nil {
		h.Close()
		return nil, err
	}

	n.log.Infow("libp2p_ready", "peer", h.ID().String(), "listen", cfg.ListenAddr)
	return n, nil
}

// Connect dials a peer given its full /p2p/ multiaddr.
func (n *EventNet) Connect(ctx context.Context, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return err
	}
	return n.h.Connect(ctx, *info)
}

func (n *EventNet) Host() host.Host { return n.h }

// Addrs are the dialable multiaddrs of this node including its peer id.
func (n *EventNet) Addrs() []string {
	out := make([]string, 0, len(n.h.Addrs()))
	for _, a := range n.h.Addrs() {
		out = append(out, a.String()+"/p2p/"+n.h.ID().String())
	}
	return out
}

func (n *EventNet) SetHandler(h RemoteHandler) { n.muH.Lock(); n.handler = h; n.muH.Unlock() }

// Dropped counts events discarded because the outbound queue was full.
func (n *EventNet) Dropped() uint64 { return n.dropped.Load() }

// Publish queues ev for gossip without blocking the ledger.
func (n *EventNet) Publish(ev escrow.Event) {
	data, err := encodeEvent(n.h.ID().String(), ev)
	if err != nil {
		n.log.Errorw("p2p_encode_failed", "seq", ev.Seq, "err", err)
		return
	}
	select {
	case n.out <- data:
	default:
		n.dropped.Add(1)
		n.log.Warnw("p2p_event_dropped", "seq", ev.Seq, "order", ev.OrderID)
	}
}

// Run publishes queued events and dispatches inbound ones until ctx is
// done, then closes the host.
func (n *EventNet) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		n.handleInbound(ctx)
	}()

	for {
		select {
		case <-ctx.Done():
			n.sub.Cancel()
			wg.Wait()
			if err := n.topic.Close(); err != nil {
				n.log.Warnw("p2p_topic_close_failed", "err", err)
			}
			return n.h.Close()
		case data := <-n.out:
			if err := n.topic.Publish(ctx, data); err != nil && !errors.Is(err, context.Canceled) {
				n.log.Warnw("p2p_publish_failed", "err", err)
			}
		}
	}
}

func (n *EventNet) handleInbound(ctx context.Context) {
	self := n.h.ID()
	for {
		msg, err := n.sub.Next(ctx)
		if err != nil {
			return
		}
		if msg.GetFrom() == self {
			continue
		}
		w, err := decodeEvent(msg.Data)
		if err != nil {
			n.log.Debugw("p2p_bad_message", "from", msg.GetFrom().String(), "err", err)
			continue
		}

		n.muH.RLock()
		h := n.handler
		n.muH.RUnlock()
		if h != nil {
			h(ctx, w)
		}
	}
}

var _ escrow.EventSink = (*EventNet)(nil)
