package node

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/fedmesh/internal/config"
	"github.com/nmxmxh/fedmesh/internal/ledger"
	"github.com/nmxmxh/fedmesh/internal/p2p"
)

func seedTask(lg *fakeLedger, id, chunks uint64) {
	lg.tasks[id] = ledger.Task{
		ID:              id,
		Depositor:       "0xdepositor",
		ModelRef:        "modelhash",
		DatasetRef:      "manifesthash",
		TotalChunks:     chunks,
		RemainingChunks: chunks,
		PerChunkReward:  10,
		Exists:          true,
	}
	// The contract's counter is the id of the newest task; ids are
	// 1-based.
	if id > lg.count {
		lg.count = id
	}
}

// seedTrainer registers a trainer in the directory and the round mesh.
func seedTrainer(n *Node, ov *fakeOverlay, topic, peer, operator string) {
	n.directory.Announced(peer, p2p.PeerRoleTrainer, []string{p2p.DiscoveryTopic, topic}, "", operator)
	ov.mesh[topic] = append(ov.mesh[topic], peer)
}

func startedRound(t *testing.T, n *Node, ov *fakeOverlay, lg *fakeLedger) *RoundState {
	t.Helper()
	ctx := context.Background()
	seedTask(lg, 1, 3)
	seedTrainer(n, ov, "1", "tB", "0xBBBB")
	seedTrainer(n, ov, "1", "tA", "0xAAAA")
	seedTrainer(n, ov, "1", "tC", "0xCCCC")

	_, err := n.clientAdvertize(ctx, 1)
	require.NoError(t, err)
	_, err = n.clientTrain(ctx, 1, "modelhash", "https://store.test/manifest", "pubkey")
	require.NoError(t, err)
	return n.rounds[1]
}

func TestClientAdvertiseThenTrain(t *testing.T) {
	n, ov, lg, _, _ := newTestNode(config.RoleClient)
	r := startedRound(t, n, ov, lg)

	assert.Equal(t, PhaseTraining, r.Phase)
	assert.True(t, ov.subscribed("1"))
	assert.Len(t, ov.publishedTagged(p2p.DiscoveryTopic, p2p.TagAdvertise), 1)

	assigns := ov.publishedTagged("1", p2p.TagAssign)
	require.Len(t, assigns, 1)
	var payload p2p.AssignPayload
	require.NoError(t, assigns[0].DecodePayload(&payload))
	assert.Equal(t, []p2p.ChunkAssignment{
		{Chunk: 0, Peer: "tA"},
		{Chunk: 1, Peer: "tB"},
		{Chunk: 2, Peer: "tC"},
	}, payload.Assignments, "round robin ascending by peer id")
	assert.Contains(t, payload.ModelURL, "modelhash")
	assert.Equal(t, "pubkey", payload.SessionPubKey)
}

func TestClientTrainWithoutTrainers(t *testing.T) {
	n, _, lg, _, _ := newTestNode(config.RoleClient)
	ctx := context.Background()
	seedTask(lg, 1, 3)

	_, err := n.clientAdvertize(ctx, 1)
	require.NoError(t, err)
	_, err = n.clientTrain(ctx, 1, "modelhash", "https://store.test/manifest", "")
	require.ErrorIs(t, err, ErrNoTrainers)
	assert.Equal(t, PhaseAssembling, n.rounds[1].Phase, "failed transition stays assembling")
}

func TestClientTrainUnknownTask(t *testing.T) {
	n, _, _, _, _ := newTestNode(config.RoleClient)
	_, err := n.clientTrain(context.Background(), 9, "m", "u", "")
	assert.ErrorIs(t, err, ErrNoActiveRound)
}

func weightsEvent(tx string, taskID uint64, trainer, hash string, remaining uint64) ledger.Event {
	return ledger.Event{
		Type:   ledger.EventWeightsSubmitted,
		TxHash: tx,
		Weights: &ledger.WeightsSubmitted{
			TaskID:          taskID,
			Trainer:         trainer,
			WeightsHash:     hash,
			RewardAmount:    10,
			RemainingChunks: remaining,
		},
	}
}

func TestClientCreditsSubmissionsAndSettles(t *testing.T) {
	n, ov, lg, _, _ := newTestNode(config.RoleClient)
	r := startedRound(t, n, ov, lg)
	ctx := context.Background()

	// Operator addresses compare case-insensitively.
	n.handleLedgerEvent(ctx, weightsEvent("tx1", 1, "0xaaaa", "hashA", 2))
	assert.True(t, r.Chunks[0].Done, "tA's chunk credited via operator address")
	assert.Equal(t, uint64(2), r.Remaining)

	acks := ov.publishedTagged("1", p2p.TagSubmitAck)
	require.Len(t, acks, 1)
	var ack p2p.SubmitAckPayload
	require.NoError(t, acks[0].DecodePayload(&ack))
	assert.Equal(t, uint64(0), ack.Chunk)
	assert.Equal(t, "tA", ack.Trainer)
	assert.Equal(t, "hashA", ack.WeightsHash)

	// Replaying the same observation does not double-credit.
	n.handleLedgerEvent(ctx, weightsEvent("tx1", 1, "0xaaaa", "hashA", 2))
	assert.Equal(t, uint64(2), r.Remaining)
	assert.False(t, r.Chunks[1].Done)
	assert.False(t, r.Chunks[2].Done)

	n.handleLedgerEvent(ctx, weightsEvent("tx2", 1, "0xBBBB", "hashB", 1))
	n.handleLedgerEvent(ctx, weightsEvent("tx3", 1, "0xCCCC", "hashC", 0))

	assert.Equal(t, PhaseDone, r.Phase)
	require.Len(t, r.WeightsURLs, 3)
	for _, url := range r.WeightsURLs {
		assert.True(t, strings.HasPrefix(url, "https://store.test/"), url)
	}
	assert.False(t, ov.subscribed("1"), "round topic released after settlement")
}

func TestClientUnknownOperatorFallsBackToPosition(t *testing.T) {
	n, ov, lg, _, _ := newTestNode(config.RoleClient)
	r := startedRound(t, n, ov, lg)

	// Trainer address never announced: remaining counter pins the
	// chunk.
	n.handleLedgerEvent(context.Background(), weightsEvent("tx1", 1, "0xF00D", "hashX", 2))
	assert.True(t, r.Chunks[0].Done)
	assert.Equal(t, "hashX", r.Chunks[0].Hash)
}

func TestClientResumesCompletedTask(t *testing.T) {
	n, ov, lg, _, _ := newTestNode(config.RoleClient)
	ctx := context.Background()

	// Task 1 was issued but already completed: exists is false while
	// the 1-based id counter covers it.
	lg.count = 1

	res, err := n.clientAdvertize(ctx, 1)
	require.NoError(t, err)
	view := res.(roundView)
	assert.Equal(t, PhaseSettling, view.Phase)
	assert.True(t, ov.subscribed("1"))

	// The mirror poller replays the round's history.
	n.handleLedgerEvent(ctx, weightsEvent("tx1", 1, "0xAAAA", "hashA", 1))
	n.handleLedgerEvent(ctx, weightsEvent("tx2", 1, "0xBBBB", "hashB", 0))

	r := n.rounds[1]
	assert.Equal(t, PhaseDone, r.Phase)
	assert.Len(t, r.WeightsURLs, 2)
}

func TestClientResumesNewestCompletedTask(t *testing.T) {
	n, ov, lg, _, _ := newTestNode(config.RoleClient)
	ctx := context.Background()

	// Exactly one task was ever created and it has completed. Its id
	// equals the counter, so resuming it must still work.
	lg.count = 3
	seedTask(lg, 2, 1)

	res, err := n.clientAdvertize(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, PhaseSettling, res.(roundView).Phase)
	assert.True(t, ov.subscribed("3"))
}

func TestClientAdvertiseUnknownTask(t *testing.T) {
	n, _, lg, _, _ := newTestNode(config.RoleClient)
	ctx := context.Background()
	lg.count = 3

	// Beyond the counter: never issued.
	_, err := n.clientAdvertize(ctx, 42)
	assert.ErrorIs(t, err, ledger.ErrTaskNotFound)

	// Zero: ids are 1-based, so 0 can never name a task.
	_, err = n.clientAdvertize(ctx, 0)
	assert.ErrorIs(t, err, ledger.ErrTaskNotFound)
}

func TestClientLogsTaskCreated(t *testing.T) {
	n, _, _, _, _ := newTestNode(config.RoleClient)

	// Creation events for tasks this node is not advertising are
	// observed and dropped without touching round state.
	n.handleLedgerEvent(context.Background(), ledger.Event{
		Type:   ledger.EventTaskCreated,
		TxHash: "tx1",
		Created: &ledger.TaskCreated{
			TaskID:      4,
			Depositor:   "0xdepositor",
			ModelRef:    "modelhash",
			DatasetRef:  "manifesthash",
			TotalChunks: 2,
			TotalReward: 20,
		},
	})
	assert.Empty(t, n.rounds)
}

func TestClientSingleTrainerTakesAllChunks(t *testing.T) {
	n, ov, lg, _, _ := newTestNode(config.RoleClient)
	ctx := context.Background()
	seedTask(lg, 1, 3)
	seedTrainer(n, ov, "1", "tA", "0xAAAA")

	_, err := n.clientAdvertize(ctx, 1)
	require.NoError(t, err)
	_, err = n.clientTrain(ctx, 1, "modelhash", "https://store.test/manifest", "")
	require.NoError(t, err)

	r := n.rounds[1]
	for i := range r.Chunks {
		assert.Equal(t, "tA", r.Chunks[i].Peer)
	}

	// Three sequential submissions, attributed in ascending chunk
	// order.
	n.handleLedgerEvent(ctx, weightsEvent("tx1", 1, "0xAAAA", "h0", 2))
	n.handleLedgerEvent(ctx, weightsEvent("tx2", 1, "0xAAAA", "h1", 1))
	n.handleLedgerEvent(ctx, weightsEvent("tx3", 1, "0xAAAA", "h2", 0))
	assert.Equal(t, PhaseDone, r.Phase)
	assert.Equal(t, "h0", r.Chunks[0].Hash)
	assert.Equal(t, "h1", r.Chunks[1].Hash)
	assert.Equal(t, "h2", r.Chunks[2].Hash)
}

func TestClientAssignRetransmitBackoff(t *testing.T) {
	n, ov, lg, _, _ := newTestNode(config.RoleClient)
	r := startedRound(t, n, ov, lg)
	ctx := context.Background()

	require.Len(t, ov.publishedTagged("1", p2p.TagAssign), 1)

	// Not yet due.
	n.clientTick(ctx)
	assert.Len(t, ov.publishedTagged("1", p2p.TagAssign), 1)

	// Force the retransmit window open.
	r.lastAssign = r.lastAssign.Add(-assignRetryBase)
	n.clientTick(ctx)
	assert.Len(t, ov.publishedTagged("1", p2p.TagAssign), 2)
	assert.Equal(t, 2*assignRetryBase, r.assignWait, "backoff doubles")
}

func TestClientDeadlineAborts(t *testing.T) {
	n, ov, lg, _, _ := newTestNode(config.RoleClient)
	r := startedRound(t, n, ov, lg)

	r.Deadline = r.Deadline.Add(-2 * roundDeadline)
	n.clientTick(context.Background())

	assert.Equal(t, PhaseAborted, r.Phase)
	assert.NotEmpty(t, r.AbortReason)
	assert.False(t, ov.subscribed("1"))
}
