package node

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nmxmxh/fedmesh/internal/config"
	"github.com/nmxmxh/fedmesh/internal/ledger"
	"github.com/nmxmxh/fedmesh/internal/p2p"
	"github.com/nmxmxh/fedmesh/internal/storage"
)

// Assign retransmission schedule and the round wall-clock deadline.
const (
	assignRetryBase = 15 * time.Second
	assignRetryCap  = 2 * time.Minute
	roundDeadline   = time.Hour
)

// Phase is the client round phase.
type Phase string

const (
	PhaseAdvertising Phase = "advertising"
	PhaseAssembling  Phase = "assembling"
	PhaseTraining    Phase = "training"
	PhaseSettling    Phase = "settling"
	PhaseDone        Phase = "done"
	PhaseAborted     Phase = "aborted"
)

// chunkState tracks one chunk through a round. Peer is the trainer the
// chunk was assigned to; Hash is set exactly once, by the first
// on-chain submission credited to the chunk.
type chunkState struct {
	Peer string `json:"peer"`
	Hash string `json:"hash,omitempty"`
	Done bool   `json:"done"`
}

// RoundState is the client's projection of one round. It lives only on
// the state-machine goroutine and is never shared.
type RoundState struct {
	TaskID    uint64
	Topic     string
	Task      ledger.Task
	Phase     Phase
	Trainers  []string
	Assign    p2p.AssignPayload
	Chunks    []chunkState
	Remaining uint64

	// Weights hashes in observation order, deduplicated by the
	// accepting transaction. Also feeds rounds resumed after the
	// fact, where per-chunk attribution is no longer possible.
	hashList []string
	hashSeen map[string]struct{}

	// WeightsURLs is the settled output: one fresh signed URL per
	// submitted weights hash.
	WeightsURLs []string

	Deadline    time.Time
	lastAssign  time.Time
	assignWait  time.Duration
	AbortReason string
}

func newRoundState(taskID uint64, phase Phase) *RoundState {
	return &RoundState{
		TaskID:   taskID,
		Topic:    strconv.FormatUint(taskID, 10),
		Phase:    phase,
		hashSeen: make(map[string]struct{}),
	}
}

// roundView is the redacted form returned over HTTP. Session keys and
// raw weights never appear; only references do.
type roundView struct {
	TaskID      uint64       `json:"task_id"`
	Topic       string       `json:"topic"`
	Phase       Phase        `json:"phase"`
	TotalChunks uint64       `json:"total_chunks"`
	Remaining   uint64       `json:"remaining_chunks"`
	Trainers    []string     `json:"trainers,omitempty"`
	Chunks      []chunkState `json:"chunks,omitempty"`
	WeightsURLs []string     `json:"weights_urls,omitempty"`
	AbortReason string       `json:"abort_reason,omitempty"`
}

func (r *RoundState) view() roundView {
	return roundView{
		TaskID:      r.TaskID,
		Topic:       r.Topic,
		Phase:       r.Phase,
		TotalChunks: r.Task.TotalChunks,
		Remaining:   r.Remaining,
		Trainers:    r.Trainers,
		Chunks:      r.Chunks,
		WeightsURLs: r.WeightsURLs,
		AbortReason: r.AbortReason,
	}
}

// clientAdvertize opens the round topic for a funded task and announces
// it on the discovery topic. Advertising a task the ledger reports as
// already completed resumes straight into settling; the mirror poller
// replays the round's submission events.
func (n *Node) clientAdvertize(ctx context.Context, taskID uint64) (any, error) {
	if r, ok := n.rounds[taskID]; ok {
		return r.view(), nil
	}

	cctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	task, err := n.ledger.GetTask(cctx, taskID)
	if errors.Is(err, ledger.ErrTaskNotFound) {
		count, cerr := n.ledger.TaskCount(cctx)
		if cerr != nil {
			return nil, fmt.Errorf("ledger: task count: %w", cerr)
		}
		// Task ids are 1-based; the counter is the id of the newest
		// task ever created.
		if taskID == 0 || taskID > count {
			return nil, fmt.Errorf("ledger: task %d: %w", taskID, err)
		}
		// The task id was issued but exists is false: the round
		// already completed. Settle from replayed ledger events.
		r := newRoundState(taskID, PhaseSettling)
		if serr := n.overlay.Subscribe(r.Topic); serr != nil {
			return nil, serr
		}
		n.rounds[taskID] = r
		n.log.Info("resuming completed task for settlement", "task", taskID)
		return r.view(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: get task %d: %w", taskID, err)
	}

	r := newRoundState(taskID, PhaseAdvertising)
	r.Task = task
	r.Remaining = task.RemainingChunks
	if err := n.overlay.Subscribe(r.Topic); err != nil {
		return nil, err
	}
	n.rounds[taskID] = r

	n.publishEnvelope(ctx, p2p.DiscoveryTopic, p2p.TagAdvertise, taskID, nil)
	n.announce(ctx)
	n.publishLogLine(ctx, r.Topic, taskID,
		fmt.Sprintf("task %d advertised: %d chunks, reward %d per chunk",
			taskID, task.TotalChunks, task.PerChunkReward))

	// The subscription is live, so candidate trainers are now
	// observable.
	r.Phase = PhaseAssembling
	return r.view(), nil
}

// clientTrain freezes the assembled trainer set, derives the chunk
// assignment, and publishes the single Assign message that drives the
// round.
func (n *Node) clientTrain(ctx context.Context, taskID uint64, modelHash, manifestURL, sessionPubKey string) (any, error) {
	r, ok := n.rounds[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNoActiveRound, taskID)
	}
	if r.Phase != PhaseAssembling {
		return nil, fmt.Errorf("round %d is %s, not assembling", taskID, r.Phase)
	}

	trainers := n.roundTrainers(r.Topic)
	if len(trainers) == 0 {
		return nil, ErrNoTrainers
	}

	assignments, err := assignRoundRobin(r.Task.TotalChunks, trainers)
	if err != nil {
		return nil, err
	}
	if err := validateAssignments(assignments, r.Task.TotalChunks); err != nil {
		n.abortRound(ctx, r, err.Error())
		return nil, err
	}

	cctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	modelURL, err := n.store.PresignGet(cctx, modelHash, storage.DefaultPresignTTL)
	if err != nil {
		return nil, fmt.Errorf("storage: presign model: %w", err)
	}

	r.Trainers = trainers
	r.Assign = p2p.AssignPayload{
		ModelURL:      modelURL,
		ManifestURL:   manifestURL,
		SessionPubKey: sessionPubKey,
		Assignments:   assignments,
	}
	r.Chunks = make([]chunkState, r.Task.TotalChunks)
	for _, a := range assignments {
		r.Chunks[a.Chunk].Peer = a.Peer
	}
	r.Phase = PhaseTraining
	r.Deadline = time.Now().Add(roundDeadline)
	r.assignWait = assignRetryBase

	n.emitAssign(ctx, r)
	n.publishLogLine(ctx, r.Topic, taskID,
		fmt.Sprintf("task %d: assigned %d chunks to %d trainers",
			taskID, r.Task.TotalChunks, len(trainers)))
	return r.view(), nil
}

// roundTrainers is the candidate set: mesh members of the round topic
// whose announced role is trainer, ascending by peer id.
func (n *Node) roundTrainers(topic string) []string {
	var out []string
	for _, id := range n.overlay.Mesh(topic) {
		if rec, ok := n.directory.Get(id); ok && rec.Role == p2p.PeerRoleTrainer {
			out = append(out, id)
		}
	}
	return out
}

func (n *Node) emitAssign(ctx context.Context, r *RoundState) {
	n.publishEnvelope(ctx, r.Topic, p2p.TagAssign, r.TaskID, r.Assign)
	r.lastAssign = time.Now()
}

// clientTick re-emits Assign with backoff while chunks are outstanding
// and enforces the round deadline.
func (n *Node) clientTick(ctx context.Context) {
	for _, r := range n.rounds {
		if r.Phase != PhaseTraining {
			continue
		}
		if !r.Deadline.IsZero() && time.Now().After(r.Deadline) {
			n.abortRound(ctx, r, "round deadline elapsed with chunks outstanding")
			continue
		}
		if time.Since(r.lastAssign) >= r.assignWait {
			n.emitAssign(ctx, r)
			r.assignWait *= 2
			if r.assignWait > assignRetryCap {
				r.assignWait = assignRetryCap
			}
		}
	}
}

// handleLedgerEvent applies one decoded contract event to the matching
// round. Events for tasks this node is not running are logged and
// dropped.
func (n *Node) handleLedgerEvent(ctx context.Context, ev ledger.Event) {
	if n.role != config.RoleClient {
		return
	}
	switch ev.Type {
	case ledger.EventTaskCreated:
		n.log.Info("task created on ledger",
			"task", ev.Created.TaskID, "chunks", ev.Created.TotalChunks,
			"depositor", ev.Created.Depositor)
	case ledger.EventWeightsSubmitted:
		r, ok := n.rounds[ev.Weights.TaskID]
		if !ok {
			n.log.Debug("submission for foreign task", "task", ev.Weights.TaskID)
			return
		}
		n.creditSubmission(ctx, r, ev)
	case ledger.EventTaskCompleted:
		r, ok := n.rounds[ev.Done.TaskID]
		if !ok {
			return
		}
		n.settleRound(ctx, r)
	case ledger.EventWithdrawn:
		n.log.Info("ledger withdrawal", "who", ev.Payout.Who, "amount", ev.Payout.Amount)
	}
}

// creditSubmission marks exactly one chunk submitted for an observed
// WeightsSubmitted event. Attribution prefers the trainer's announced
// operator address; when that fails the event's remaining-chunks
// counter pins the chunk index. First credit wins; replays are no-ops.
func (n *Node) creditSubmission(ctx context.Context, r *RoundState, ev ledger.Event) {
	w := ev.Weights
	key := ev.TxHash + "/" + w.WeightsHash
	if _, dup := r.hashSeen[key]; dup {
		return
	}
	r.hashSeen[key] = struct{}{}
	r.hashList = append(r.hashList, w.WeightsHash)

	if r.Phase != PhaseTraining {
		// Settling resume path: hashes collected above are enough.
		if r.Phase == PhaseSettling && w.RemainingChunks == 0 {
			n.finalizeSettlement(ctx, r)
		}
		return
	}

	chunk, ok := n.attributeChunk(r, w)
	if !ok {
		n.log.Warn("unattributable submission",
			"task", r.TaskID, "trainer", w.Trainer, "hash", w.WeightsHash)
		return
	}
	c := &r.Chunks[chunk]
	if c.Done {
		return
	}
	c.Done = true
	c.Hash = w.WeightsHash
	if r.Remaining > 0 {
		r.Remaining--
	}

	n.publishEnvelope(ctx, r.Topic, p2p.TagSubmitAck, r.TaskID, p2p.SubmitAckPayload{
		Chunk:       chunk,
		Trainer:     c.Peer,
		WeightsHash: w.WeightsHash,
	})
	n.log.Info("chunk submitted",
		"task", r.TaskID, "chunk", chunk, "trainer", w.Trainer,
		"remaining", w.RemainingChunks)

	if w.RemainingChunks == 0 {
		n.settleRound(ctx, r)
	}
}

// attributeChunk resolves an on-chain submission to a chunk index. The
// event names the trainer by ledger address; peers announce theirs, so
// the directory maps address to peer and the lowest unsubmitted chunk
// assigned to that peer is credited. Without a mapping the event's
// remaining counter gives the position.
func (n *Node) attributeChunk(r *RoundState, w *ledger.WeightsSubmitted) (uint64, bool) {
	if peer := n.peerByOperator(w.Trainer); peer != "" {
		for i := range r.Chunks {
			if r.Chunks[i].Peer == peer && !r.Chunks[i].Done {
				return uint64(i), true
			}
		}
	}
	idx := r.Task.TotalChunks - w.RemainingChunks - 1
	if idx < uint64(len(r.Chunks)) && !r.Chunks[idx].Done {
		return idx, true
	}
	// Last resort under replay reordering: any open chunk.
	for i := range r.Chunks {
		if !r.Chunks[i].Done {
			return uint64(i), true
		}
	}
	return 0, false
}

func (n *Node) peerByOperator(operator string) string {
	for _, rec := range n.directory.Snapshot() {
		if rec.Operator != "" && strings.EqualFold(rec.Operator, operator) {
			return rec.ID
		}
	}
	return ""
}

// settleRound moves a round into settling and resolves fresh signed
// URLs for every submitted weights hash.
func (n *Node) settleRound(ctx context.Context, r *RoundState) {
	if r.Phase == PhaseDone || r.Phase == PhaseAborted {
		return
	}
	r.Phase = PhaseSettling
	n.finalizeSettlement(ctx, r)
}

func (n *Node) finalizeSettlement(ctx context.Context, r *RoundState) {
	urls := make([]string, 0, len(r.hashList))
	for _, h := range r.hashList {
		cctx, cancel := context.WithTimeout(ctx, callTimeout)
		url, err := n.store.PresignGet(cctx, h, storage.DefaultPresignTTL)
		cancel()
		if err != nil {
			// Degrade to the bare hash; the UI retries through
			// /generate-presigned-url.
			n.log.Warn("presign at settlement failed", "hash", h, "err", err)
			url = h
		}
		urls = append(urls, url)
	}
	r.WeightsURLs = urls
	r.Phase = PhaseDone

	if err := n.overlay.Unsubscribe(r.Topic); err != nil {
		n.log.Debug("unsubscribe round topic", "topic", r.Topic, "err", err)
	}
	n.announce(ctx)
	n.publishLogLine(ctx, p2p.DiscoveryTopic, r.TaskID,
		fmt.Sprintf("task %d complete: %d weight sets settled", r.TaskID, len(urls)))
}

func (n *Node) abortRound(ctx context.Context, r *RoundState, reason string) {
	r.Phase = PhaseAborted
	r.AbortReason = reason
	n.log.Error("round aborted", "task", r.TaskID, "reason", reason)
	n.publishLogLine(ctx, r.Topic, r.TaskID,
		fmt.Sprintf("task %d aborted: %s", r.TaskID, reason))
	if err := n.overlay.Unsubscribe(r.Topic); err != nil {
		n.log.Debug("unsubscribe round topic", "topic", r.Topic, "err", err)
	}
}
