// Package p2p provides the authenticated peer overlay: a libp2p host
// with GossipSub topics, a persistent node identity, and the peer
// directory kept by the bootstrap role.
package p2p

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	crypto "github.com/libp2p/go-libp2p/core/crypto"
	host "github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	peer "github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
)

// ErrNoPeers is returned by Publish when the topic mesh has no remote
// members. Delivery is never acknowledged end-to-end; this is the only
// feedback a publisher gets.
var ErrNoPeers = errors.New("p2p: no peers in topic mesh")

// Dial backoff: base 1s, factor 2, cap 30s. Retries are unbounded
// while the context lives.
const (
	dialBackoffBase = time.Second
	dialBackoffCap  = 30 * time.Second
	maxMessageSize  = 1 << 20
)

// Event is pushed by the overlay into the channel owned by the node's
// state machine. Exactly one of the fields below is meaningful per
// kind.
type Event struct {
	Kind  EventKind
	Topic string
	From  string
	Addr  string
	Env   *Envelope
}

type EventKind int

const (
	EventMessage EventKind = iota
	EventPeerConnected
	EventPeerDisconnected
)

// OverlayConfig configures the libp2p host.
type OverlayConfig struct {
	ListenIP string
	Port     int // 0 = ephemeral
	Identity crypto.PrivKey
}

// Overlay wraps the libp2p host and GossipSub router. All inbound
// messages and connection changes are delivered as Events; the overlay
// never calls back into role logic.
type Overlay struct {
	host   host.Host
	ps     *pubsub.PubSub
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	topics map[string]*pubsub.Topic
	subs   map[string]*pubsub.Subscription

	events chan Event
}

// NewOverlay starts the host listening on the configured TCP port and
// attaches a GossipSub router with strict message signing.
func NewOverlay(ctx context.Context, cfg OverlayConfig, log *slog.Logger) (*Overlay, error) {
	listen := fmt.Sprintf("/ip4/%s/tcp/%d", cfg.ListenIP, cfg.Port)
	h, err := libp2p.New(
		libp2p.Identity(cfg.Identity),
		libp2p.ListenAddrStrings(listen),
	)
	if err != nil {
		return nil, fmt.Errorf("p2p: start host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h,
		pubsub.WithMessageSignaturePolicy(pubsub.StrictSign),
		pubsub.WithMaxMessageSize(maxMessageSize),
	)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("p2p: start gossipsub: %w", err)
	}

	oCtx, cancel := context.WithCancel(ctx)
	o := &Overlay{
		host:   h,
		ps:     ps,
		log:    log.With("component", "overlay"),
		ctx:    oCtx,
		cancel: cancel,
		topics: make(map[string]*pubsub.Topic),
		subs:   make(map[string]*pubsub.Subscription),
		events: make(chan Event, 256),
	}

	h.Network().Notify(&network.NotifyBundle{
		ConnectedF: func(_ network.Network, c network.Conn) {
			o.emit(Event{
				Kind: EventPeerConnected,
				From: c.RemotePeer().String(),
				Addr: c.RemoteMultiaddr().String(),
			})
		},
		DisconnectedF: func(_ network.Network, c network.Conn) {
			o.emit(Event{Kind: EventPeerDisconnected, From: c.RemotePeer().String()})
		},
	})

	o.log.Info("overlay started", "peer_id", h.ID().String(), "listen", listen)
	return o, nil
}

// Events is the channel the owning state machine consumes.
func (o *Overlay) Events() <-chan Event { return o.events }

// ID returns the local peer identifier.
func (o *Overlay) ID() string { return o.host.ID().String() }

// LocalAddrs returns the full dialable multiaddresses of this node.
func (o *Overlay) LocalAddrs() []string {
	var out []string
	for _, a := range o.host.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", a, o.host.ID()))
	}
	sort.Strings(out)
	return out
}

// Peers returns the currently connected peer ids.
func (o *Overlay) Peers() []string {
	ids := o.host.Network().Peers()
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	sort.Strings(out)
	return out
}

// Connect dials the peer at the given multiaddress. Idempotent:
// connecting to an already-connected peer succeeds immediately.
func (o *Overlay) Connect(ctx context.Context, addr string) error {
	maddr, err := ma.NewMultiaddr(addr)
	if err != nil {
		return fmt.Errorf("p2p: parse multiaddr %q: %w", addr, err)
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return fmt.Errorf("p2p: addr info from %q: %w", addr, err)
	}
	if err := o.host.Connect(ctx, *info); err != nil {
		return fmt.Errorf("p2p: dial %s: %w", info.ID, err)
	}
	return nil
}

// ConnectWithRetry dials with exponential backoff until the context is
// done. Transient dial failures are expected on an untrusted network.
func (o *Overlay) ConnectWithRetry(ctx context.Context, addr string) error {
	backoff := dialBackoffBase
	for {
		err := o.Connect(ctx, addr)
		if err == nil {
			return nil
		}
		o.log.Warn("dial failed, retrying", "addr", addr, "backoff", backoff, "err", err)
		select {
		case <-ctx.Done():
			return fmt.Errorf("p2p: dial %s: %w", addr, ctx.Err())
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > dialBackoffCap {
			backoff = dialBackoffCap
		}
	}
}

// Subscribe joins the topic and starts delivering its messages as
// events. Idempotent.
func (o *Overlay) Subscribe(topicName string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, ok := o.subs[topicName]; ok {
		return nil
	}
	topic, err := o.joinLocked(topicName)
	if err != nil {
		return err
	}
	sub, err := topic.Subscribe()
	if err != nil {
		return fmt.Errorf("p2p: subscribe %s: %w", topicName, err)
	}
	o.subs[topicName] = sub

	o.wg.Add(1)
	go o.readLoop(topicName, sub)
	o.log.Info("subscribed", "topic", topicName)
	return nil
}

// Unsubscribe leaves the topic. The topic handle is kept so a later
// Publish does not have to rejoin.
func (o *Overlay) Unsubscribe(topicName string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if sub, ok := o.subs[topicName]; ok {
		sub.Cancel()
		delete(o.subs, topicName)
		o.log.Info("unsubscribed", "topic", topicName)
	}
	return nil
}

// Publish broadcasts payload to the topic mesh, best-effort. Returns
// ErrNoPeers when no remote member would receive it.
func (o *Overlay) Publish(ctx context.Context, topicName string, payload []byte) error {
	o.mu.Lock()
	topic, err := o.joinLocked(topicName)
	o.mu.Unlock()
	if err != nil {
		return err
	}
	if err := topic.Publish(ctx, payload); err != nil {
		return fmt.Errorf("p2p: publish to %s: %w", topicName, err)
	}
	if len(topic.ListPeers()) == 0 {
		return ErrNoPeers
	}
	return nil
}

// Mesh returns the local view of the topic's mesh membership,
// eventually consistent with the overlay.
func (o *Overlay) Mesh(topicName string) []string {
	ids := o.ps.ListPeers(topicName)
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	sort.Strings(out)
	return out
}

// Topics returns the names of topics with a live subscription.
func (o *Overlay) Topics() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]string, 0, len(o.subs))
	for t := range o.subs {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Close drains subscriptions and shuts the host down.
func (o *Overlay) Close() error {
	o.cancel()
	o.mu.Lock()
	for name, sub := range o.subs {
		sub.Cancel()
		delete(o.subs, name)
	}
	for name, topic := range o.topics {
		topic.Close()
		delete(o.topics, name)
	}
	o.mu.Unlock()
	o.wg.Wait()
	// events is left open: late notifiee callbacks race with shutdown,
	// and emit already bails out once the context is cancelled.
	return o.host.Close()
}

// joinLocked returns the (cached) topic handle. Caller holds o.mu.
func (o *Overlay) joinLocked(topicName string) (*pubsub.Topic, error) {
	if topic, ok := o.topics[topicName]; ok {
		return topic, nil
	}
	topic, err := o.ps.Join(topicName)
	if err != nil {
		return nil, fmt.Errorf("p2p: join %s: %w", topicName, err)
	}
	o.topics[topicName] = topic
	return topic, nil
}

func (o *Overlay) readLoop(topicName string, sub *pubsub.Subscription) {
	defer o.wg.Done()
	for {
		msg, err := sub.Next(o.ctx)
		if err != nil {
			return // cancelled or closed
		}
		// GetFrom is the signing originator; ReceivedFrom is only the
		// peer that forwarded the message to us.
		origin := msg.GetFrom()
		if origin == o.host.ID() || msg.ReceivedFrom == o.host.ID() {
			continue
		}
		env, err := DecodeEnvelope(msg.Data)
		if err != nil {
			// Malformed or unknown-tag messages are dropped, logged.
			o.log.Debug("dropping message", "topic", topicName, "from", origin, "err", err)
			continue
		}
		o.emit(Event{
			Kind:  EventMessage,
			Topic: topicName,
			From:  origin.String(),
			Env:   env,
		})
	}
}

func (o *Overlay) emit(ev Event) {
	select {
	case o.events <- ev:
	case <-o.ctx.Done():
	}
}
