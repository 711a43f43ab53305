package node

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nmxmxh/fedmesh/internal/ledger"
	"github.com/nmxmxh/fedmesh/internal/p2p"
)

// Transient ledger submissions retry this many times before the chunk
// is left open for the next Assign retransmission to pick up.
const submitAttempts = 3

// trainerRound is the per-topic Working/Submitted substate. Owned by
// the state-machine goroutine; the worker gets value copies and
// reports back through enqueue.
type trainerRound struct {
	taskID  uint64
	topic   string
	assign  p2p.AssignPayload
	chunks  []uint64 // chunks assigned to this node, ascending
	done    map[uint64]bool
	running bool
}

func (t *trainerRound) remaining() []uint64 {
	var out []uint64
	for _, c := range t.chunks {
		if !t.done[c] {
			out = append(out, c)
		}
	}
	return out
}

// trainerJoin subscribes to a round topic and announces the membership
// so the client's candidate set picks this node up.
func (n *Node) trainerJoin(ctx context.Context, topic string) error {
	if err := n.overlay.Subscribe(topic); err != nil {
		return err
	}
	n.announce(ctx)
	n.log.Info("joined round topic", "topic", topic)
	return nil
}

// trainerLeave drops a round topic and its substate.
func (n *Node) trainerLeave(ctx context.Context, topic string) error {
	if err := n.overlay.Unsubscribe(topic); err != nil {
		return err
	}
	for id, t := range n.training {
		if t.topic == topic && !t.running {
			delete(n.training, id)
		}
	}
	n.announce(ctx)
	return nil
}

// trainerHandleAssign reacts to the client's assignment message. A
// retransmitted Assign is a no-op while the worker runs or once every
// owned chunk is submitted; otherwise it restarts work on whatever is
// still open, which is how a reverted submission gets retried.
func (n *Node) trainerHandleAssign(ctx context.Context, ev p2p.Event) {
	env := ev.Env
	var payload p2p.AssignPayload
	if err := env.DecodePayload(&payload); err != nil {
		n.log.Warn("malformed assignment", "task", env.TaskID, "err", err)
		return
	}

	self := n.overlay.ID()
	var mine []uint64
	for _, a := range payload.Assignments {
		if a.Peer == self {
			mine = append(mine, a.Chunk)
		}
	}
	if len(mine) == 0 {
		n.log.Debug("assignment carries no chunks for this node", "task", env.TaskID)
		return
	}

	t, ok := n.training[env.TaskID]
	if !ok {
		t = &trainerRound{
			taskID: env.TaskID,
			topic:  ev.Topic,
			done:   make(map[uint64]bool),
		}
		n.training[env.TaskID] = t
	}
	t.assign = payload
	t.chunks = mine

	if t.running {
		return
	}
	open := t.remaining()
	if len(open) == 0 {
		return
	}

	t.running = true
	n.log.Info("starting assigned chunks", "task", t.taskID, "chunks", open)
	n.workers.Add(1)
	go func() {
		defer n.workers.Done()
		n.trainChunks(context.WithoutCancel(ctx), t.taskID, t.topic, payload, open)
	}()
}

// trainChunks is the worker: fetch, execute, upload, submit, one chunk
// at a time. It never touches node state directly.
func (n *Node) trainChunks(ctx context.Context, taskID uint64, topic string, assign p2p.AssignPayload, chunks []uint64) {
	defer n.enqueue(func() {
		if t, ok := n.training[taskID]; ok {
			t.running = false
			n.finishIfDone(ctx, t)
		}
	})

	manifest, err := n.fetcher.FetchURL(ctx, assign.ManifestURL)
	if err != nil {
		n.log.Error("fetch manifest", "task", taskID, "err", err)
		return
	}
	chunkURLs := strings.Split(strings.TrimSpace(string(manifest)), ",")

	model, err := n.fetcher.FetchURL(ctx, assign.ModelURL)
	if err != nil {
		n.log.Error("fetch model", "task", taskID, "err", err)
		return
	}

	for _, chunk := range chunks {
		if err := n.trainOneChunk(ctx, taskID, topic, model, chunkURLs, chunk); err != nil {
			n.log.Error("chunk failed", "task", taskID, "chunk", chunk, "err", err)
			// Leave the chunk open; the client retransmits the
			// assignment and we pick it up again.
			continue
		}
		n.enqueue(func() {
			if t, ok := n.training[taskID]; ok {
				t.done[chunk] = true
			}
		})
	}
}

func (n *Node) trainOneChunk(ctx context.Context, taskID uint64, topic string, model []byte, chunkURLs []string, chunk uint64) error {
	if chunk >= uint64(len(chunkURLs)) {
		return fmt.Errorf("chunk %d beyond manifest of %d entries", chunk, len(chunkURLs))
	}

	data, err := n.fetcher.FetchURL(ctx, chunkURLs[chunk])
	if err != nil {
		return fmt.Errorf("fetch chunk: %w", err)
	}

	weights, err := n.runner.Run(ctx, model, data)
	if err != nil {
		return fmt.Errorf("run model: %w", err)
	}

	uctx, cancel := context.WithTimeout(ctx, callTimeout)
	hash, err := n.store.Upload(uctx, weights)
	cancel()
	if err != nil {
		return fmt.Errorf("upload weights: %w", err)
	}

	if err := n.submitWithRetry(ctx, taskID, hash); err != nil {
		return err
	}
	n.publishLogLine(ctx, topic, taskID,
		fmt.Sprintf("task %d chunk %d: weights %s submitted", taskID, chunk, hash))
	return nil
}

// submitWithRetry retries transient ledger failures with linear
// backoff. A contract revert is not retried here; the client's Assign
// retransmission drives the retry after the contract state settles.
func (n *Node) submitWithRetry(ctx context.Context, taskID uint64, hash string) error {
	var err error
	for attempt := 1; attempt <= submitAttempts; attempt++ {
		sctx, cancel := context.WithTimeout(ctx, callTimeout)
		err = n.ledger.SubmitWeights(sctx, taskID, hash)
		cancel()
		if err == nil {
			return nil
		}
		if errors.Is(err, ledger.ErrContractRevert) {
			return fmt.Errorf("submit weights: %w", err)
		}
		select {
		case <-time.After(time.Duration(attempt) * time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("submit weights after %d attempts: %w", submitAttempts, err)
}

// finishIfDone returns the trainer to idle for a topic once every
// owned chunk is submitted: unsubscribe the round topic, keep the
// substate so replayed assignments stay no-ops.
func (n *Node) finishIfDone(ctx context.Context, t *trainerRound) {
	if len(t.remaining()) != 0 {
		return
	}
	if err := n.overlay.Unsubscribe(t.topic); err != nil {
		n.log.Debug("unsubscribe round topic", "topic", t.topic, "err", err)
	}
	n.announce(ctx)
	n.log.Info("all assigned chunks submitted", "task", t.taskID)
}
