package node

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/nmxmxh/fedmesh/internal/config"
	"github.com/nmxmxh/fedmesh/internal/ledger"
	"github.com/nmxmxh/fedmesh/internal/p2p"
)

const (
	// heartbeatInterval drives role re-announcement, assign re-emits,
	// and deadline checks. Disconnections are observed within one
	// interval.
	heartbeatInterval = 10 * time.Second

	// Outbound network calls never block the loop for longer than
	// this.
	callTimeout = 30 * time.Second
)

// Deps are the explicit collaborators handed to a Node; lifetime is
// tied to the node object.
type Deps struct {
	Cfg          *config.Config
	Overlay      Overlay
	Ledger       Ledger       // nil for bootstrap
	Store        ObjectStore  // nil for bootstrap
	Runner       ModelRunner  // trainer only
	Fetcher      URLFetcher   // trainer only; defaults to plain HTTP
	LedgerEvents <-chan ledger.Event
	Log          *slog.Logger
}

// Node hosts one role state machine. All mutation happens on the Run
// goroutine; other goroutines interact through Do or enqueue.
type Node struct {
	role    config.Role
	cfg     *config.Config
	overlay Overlay
	ledger  Ledger
	store   ObjectStore
	runner  ModelRunner
	fetcher URLFetcher

	directory *p2p.Directory
	dedup     *p2p.Dedup

	rounds   map[uint64]*RoundState    // client
	training map[uint64]*trainerRound  // trainer

	ledgerEvents <-chan ledger.Event
	fns          chan func()
	workers      sync.WaitGroup // in-flight trainer workers
	log          *slog.Logger
}

// New wires a node for the role in Deps.Cfg.
func New(d Deps) *Node {
	fetcher := d.Fetcher
	if fetcher == nil {
		fetcher = httpFetcher{c: &http.Client{Timeout: callTimeout}}
	}
	return &Node{
		role:         d.Cfg.Role,
		cfg:          d.Cfg,
		overlay:      d.Overlay,
		ledger:       d.Ledger,
		store:        d.Store,
		runner:       d.Runner,
		fetcher:      fetcher,
		directory:    p2p.NewDirectory(),
		dedup:        p2p.NewDedup(),
		rounds:       make(map[uint64]*RoundState),
		training:     make(map[uint64]*trainerRound),
		ledgerEvents: d.LedgerEvents,
		fns:          make(chan func(), 64),
		log:          d.Log.With("component", "node", "role", string(d.Cfg.Role)),
	}
}

// Start joins the discovery topic and announces this node's role.
// Non-bootstrap roles must already be connected to the bootstrap.
func (n *Node) Start(ctx context.Context) error {
	if err := n.overlay.Subscribe(p2p.DiscoveryTopic); err != nil {
		return err
	}
	n.announce(ctx)
	return nil
}

// Run consumes events until the context is cancelled. It is the only
// goroutine that touches round state.
func (n *Node) Run(ctx context.Context) {
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			n.shutdown()
			return
		case ev, ok := <-n.overlay.Events():
			if !ok {
				return
			}
			n.handleOverlayEvent(ctx, ev)
		case lev := <-n.ledgerEvents:
			n.handleLedgerEvent(ctx, lev)
		case fn := <-n.fns:
			fn()
		case <-heartbeat.C:
			n.handleTick(ctx)
		}
	}
}

// Do executes one control command on the state-machine goroutine and
// waits for its result. Commands are serialized: one outstanding
// command at a time keeps the round state machine deterministic under
// concurrent UI requests.
func (n *Node) Do(ctx context.Context, cmd string, args []string) (any, error) {
	type result struct {
		val any
		err error
	}
	done := make(chan result, 1)
	select {
	case n.fns <- func() {
		val, err := n.dispatch(ctx, cmd, args)
		done <- result{val, err}
	}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-done:
		return res.val, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// enqueue posts a state mutation from a background worker.
func (n *Node) enqueue(fn func()) {
	n.fns <- fn
}

func (n *Node) handleOverlayEvent(ctx context.Context, ev p2p.Event) {
	switch ev.Kind {
	case p2p.EventPeerConnected:
		n.directory.Connected(ev.From)
	case p2p.EventPeerDisconnected:
		n.directory.Disconnected(ev.From)
	case p2p.EventMessage:
		n.handleMessage(ctx, ev)
	}
}

func (n *Node) handleMessage(ctx context.Context, ev p2p.Event) {
	env := ev.Env
	if n.dedup.Seen(env.Key()) {
		return
	}
	switch env.Tag {
	case p2p.TagAnnounce:
		var p p2p.AnnouncePayload
		if err := env.DecodePayload(&p); err != nil {
			n.log.Debug("dropping malformed announce", "from", ev.From, "err", err)
			return
		}
		addr := ""
		if len(p.Addrs) > 0 {
			addr = p.Addrs[0]
		}
		n.directory.Announced(env.From, p2p.PeerRole(p.Role), p.Topics, addr, p.Operator)
	case p2p.TagAdvertise:
		n.log.Info("task advertised", "task", env.TaskID, "client", env.From)
	case p2p.TagAssign:
		if n.role == config.RoleTrainer {
			n.trainerHandleAssign(ctx, ev)
		}
	case p2p.TagSubmitAck:
		var p p2p.SubmitAckPayload
		if err := env.DecodePayload(&p); err == nil {
			n.log.Info("submission acknowledged",
				"task", env.TaskID, "chunk", p.Chunk, "trainer", p.Trainer)
		}
	case p2p.TagLog:
		var p p2p.LogPayload
		if err := env.DecodePayload(&p); err == nil {
			n.log.Info("peer log", "from", env.From, "text", p.Text)
		}
	}
}

func (n *Node) handleTick(ctx context.Context) {
	n.announce(ctx)
	if n.role == config.RoleClient {
		n.clientTick(ctx)
	}
}

// announce publishes this node's role and topic memberships on the
// discovery topic. Best-effort; an empty mesh right after startup is
// normal.
func (n *Node) announce(ctx context.Context) {
	payload := p2p.AnnouncePayload{
		Role:   string(n.role),
		Topics: n.overlay.Topics(),
		Addrs:  n.overlay.LocalAddrs(),
	}
	if n.ledger != nil {
		payload.Operator = n.ledger.OperatorEVMAddress()
	}
	n.publishEnvelope(ctx, p2p.DiscoveryTopic, p2p.TagAnnounce, 0, payload)
}

// publishLogLine mirrors a human log line to the round topic and,
// best-effort, to the consensus log topic.
func (n *Node) publishLogLine(ctx context.Context, topic string, taskID uint64, text string) {
	n.publishEnvelope(ctx, topic, p2p.TagLog, taskID, p2p.LogPayload{Text: text})
	if n.ledger != nil {
		if err := n.ledger.PublishLog(ctx, text); err != nil {
			n.log.Debug("consensus log publish failed", "err", err)
		}
	}
}

func (n *Node) publishEnvelope(ctx context.Context, topic string, tag p2p.Tag, taskID uint64, payload any) {
	data, err := p2p.EncodeEnvelope(tag, n.overlay.ID(), taskID, payload)
	if err != nil {
		n.log.Error("encode envelope", "tag", tag, "err", err)
		return
	}
	if err := n.overlay.Publish(ctx, topic, data); err != nil && err != p2p.ErrNoPeers {
		n.log.Warn("publish failed", "topic", topic, "tag", tag, "err", err)
	}
}

// shutdown quiesces the node: subscriptions close so no further work
// is accepted, then in-flight trainer workers run to completion so
// weights already trained still reach the ledger. The loop keeps
// servicing worker callbacks while it waits, since workers report
// progress through enqueue.
func (n *Node) shutdown() {
	for _, topic := range n.overlay.Topics() {
		_ = n.overlay.Unsubscribe(topic)
	}
	done := make(chan struct{})
	go func() {
		n.workers.Wait()
		close(done)
	}()
	for {
		select {
		case fn := <-n.fns:
			fn()
		case <-done:
			n.log.Info("node drained")
			return
		}
	}
}

// httpFetcher downloads signed URLs with a bounded timeout.
type httpFetcher struct {
	c *http.Client
}

func (f httpFetcher) FetchURL(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.c.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
