// Package federation shares audit events between relays over libp2p
// GossipSub so an observer on one relay can follow uplinks served by another.
package federation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"

	"github.com/meshrelay/meshrelay/internal/audit"
	"github.com/meshrelay/meshrelay/internal/metrics"
)

var log = logging.Logger("meshrelay-federation")

// DefaultTopic is the GossipSub topic audit events are exchanged on.
const DefaultTopic = "/meshrelay/audit/1.0.0"

const outgoingQueue = 256

// Config configures a Federation.
type Config struct {
	Listen []string
	Peers  []string
	Topic  string
}

// Federation publishes local audit events and injects remote ones into the
// local hub.
type Federation struct {
	host    host.Host
	pubsub  *pubsub.PubSub
	topic   *pubsub.Topic
	sub     *pubsub.Subscription
	hub     *audit.Hub
	metrics *metrics.Metrics

	outgoing chan audit.Event
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	closeMu  sync.Mutex
	closed   bool
}

// New starts a libp2p host, joins the audit topic and taps hub.
func New(ctx context.Context, cfg Config, hub *audit.Hub, m *metrics.Metrics) (*Federation, error) {
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if m == nil {
		m = metrics.New()
	}

	h, err := libp2p.New(libp2p.ListenAddrStrings(cfg.Listen...))
	if err != nil {
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	fctx, cancel := context.WithCancel(ctx)
	f := &Federation{
		host:     h,
		hub:      hub,
		metrics:  m,
		outgoing: make(chan audit.Event, outgoingQueue),
		ctx:      fctx,
		cancel:   cancel,
	}

	f.pubsub, err = pubsub.NewGossipSub(fctx, h)
	if err != nil {
		f.abort()
		return nil, fmt.Errorf("failed to create pubsub: %w", err)
	}
	f.topic, err = f.pubsub.Join(cfg.Topic)
	if err != nil {
		f.abort()
		return nil, fmt.Errorf("failed to join topic %s: %w", cfg.Topic, err)
	}
	f.sub, err = f.topic.Subscribe()
	if err != nil {
		f.abort()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", cfg.Topic, err)
	}

	log.Infof("Federation peer %s on %s", h.ID(), cfg.Topic)
	for _, a := range h.Addrs() {
		log.Infof("  listening on %s/p2p/%s", a, h.ID())
	}

	f.wg.Add(2)
	go f.publishLoop()
	go f.receiveLoop()
	hub.Tap(f.enqueue)

	for _, p := range cfg.Peers {
		p := p
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			if err := f.Connect(fctx, p); err != nil {
				log.Warnf("Failed to connect to federation peer %s: %v", p, err)
			}
		}()
	}
	return f, nil
}

func (f *Federation) abort() {
	f.cancel()
	f.host.Close()
}

// ID returns the libp2p peer id of this relay.
func (f *Federation) ID() peer.ID { return f.host.ID() }

// Addrs returns dialable addresses including the peer id component.
func (f *Federation) Addrs() []multiaddr.Multiaddr {
	info := peer.AddrInfo{ID: f.host.ID(), Addrs: f.host.Addrs()}
	addrs, err := peer.AddrInfoToP2pAddrs(&info)
	if err != nil {
		return nil
	}
	return addrs
}

// Peers returns the relays currently subscribed to the audit topic.
func (f *Federation) Peers() []peer.ID {
	return f.topic.ListPeers()
}

// Connect dials a peer given as a multiaddr with a /p2p/ component.
func (f *Federation) Connect(ctx context.Context, addr string) error {
	ma, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return fmt.Errorf("invalid multiaddr: %w", err)
	}
	info, err := peer.AddrInfoFromP2pAddr(ma)
	if err != nil {
		return fmt.Errorf("multiaddr does not contain peer ID: %w", err)
	}
	if err := f.host.Connect(ctx, *info); err != nil {
		return err
	}
	log.Infof("Connected to federation peer %s", info.ID)
	return nil
}

func (f *Federation) enqueue(ev audit.Event) {
	select {
	case f.outgoing <- ev:
	default:
		f.metrics.FederatedEvents.WithLabelValues(metrics.FederationDropped).Inc()
	}
}

func (f *Federation) publishLoop() {
	defer f.wg.Done()
	for {
		select {
		case <-f.ctx.Done():
			return
		case ev := <-f.outgoing:
			data, err := EncodeEvent(ev)
			if err != nil {
				log.Warnf("Failed to encode %s event: %v", ev.Stream, err)
				continue
			}
			if err := f.topic.Publish(f.ctx, data); err != nil {
				if f.ctx.Err() != nil {
					return
				}
				log.Warnf("Failed to publish %s event: %v", ev.Stream, err)
				continue
			}
			f.metrics.FederatedEvents.WithLabelValues(metrics.FederationOut).Inc()
		}
	}
}

func (f *Federation) receiveLoop() {
	defer f.wg.Done()
	for {
		msg, err := f.sub.Next(f.ctx)
		if err != nil {
			if f.ctx.Err() != nil || errors.Is(err, pubsub.ErrSubscriptionCancelled) {
				return
			}
			log.Warnf("Error reading federation topic: %v", err)
			continue
		}

		// Skip messages from ourselves
		if msg.ReceivedFrom == f.host.ID() {
			continue
		}

		ev, err := DecodeEvent(msg.Data, msg.GetFrom().String())
		if err != nil {
			log.Debugf("Dropping federation message from %s: %v", msg.ReceivedFrom, err)
			continue
		}
		f.metrics.FederatedEvents.WithLabelValues(metrics.FederationIn).Inc()
		f.hub.Publish(ev)
	}
}

// Close leaves the topic and shuts the host down.
func (f *Federation) Close() error {
	f.closeMu.Lock()
	if f.closed {
		f.closeMu.Unlock()
		return nil
	}
	f.closed = true
	f.closeMu.Unlock()

	f.cancel()
	f.sub.Cancel()
	f.wg.Wait()
	f.topic.Close()
	return f.host.Close()
}
