package ledger

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func packNonIndexed(t *testing.T, event string, vals ...any) string {
	t.Helper()
	data, err := contractABI.Events[event].Inputs.NonIndexed().Pack(vals...)
	require.NoError(t, err)
	return "0x" + common.Bytes2Hex(data)
}

func uintTopic(v uint64) string {
	return common.BigToHash(new(big.Int).SetUint64(v)).Hex()
}

func addrTopic(addr string) string {
	return common.BytesToHash(common.HexToAddress(addr).Bytes()).Hex()
}

func TestDecodeWeightsSubmitted(t *testing.T) {
	trainer := "0x00000000000000000000000000000000000a1b2c"
	data := packNonIndexed(t, "WeightsSubmitted",
		"4ec9599fc203d176a301536c2e091a19bc852759b255bd6818810a42c5fed14a",
		big.NewInt(10_000_000), big.NewInt(2))

	topics := []string{
		contractABI.Events["WeightsSubmitted"].ID.Hex(),
		uintTopic(7),
		addrTopic(trainer),
	}

	ev, err := DecodeLog(topics, data, "0xabc123")
	require.NoError(t, err)
	require.NotNil(t, ev)
	require.Equal(t, EventWeightsSubmitted, ev.Type)

	assert.Equal(t, uint64(7), ev.Weights.TaskID)
	assert.Equal(t, uint64(7), ev.TaskID())
	assert.Equal(t, common.HexToAddress(trainer).Hex(), ev.Weights.Trainer)
	assert.Equal(t, "4ec9599fc203d176a301536c2e091a19bc852759b255bd6818810a42c5fed14a", ev.Weights.WeightsHash)
	assert.Equal(t, uint64(10_000_000), ev.Weights.RewardAmount)
	assert.Equal(t, uint64(2), ev.Weights.RemainingChunks)
	assert.Equal(t, "0xabc123", ev.TxHash)
}

func TestDecodeTaskCreated(t *testing.T) {
	data := packNonIndexed(t, "TaskCreated",
		"model-hash", "dataset-hash", big.NewInt(3), big.NewInt(30_000_000))
	topics := []string{
		contractABI.Events["TaskCreated"].ID.Hex(),
		uintTopic(1),
		addrTopic("0x0000000000000000000000000000000000abcdef"),
	}

	ev, err := DecodeLog(topics, data, "0xdef")
	require.NoError(t, err)
	require.Equal(t, EventTaskCreated, ev.Type)
	assert.Equal(t, uint64(1), ev.Created.TaskID)
	assert.Equal(t, "model-hash", ev.Created.ModelRef)
	assert.Equal(t, "dataset-hash", ev.Created.DatasetRef)
	assert.Equal(t, uint64(3), ev.Created.TotalChunks)
	assert.Equal(t, uint64(30_000_000), ev.Created.TotalReward)
}

func TestDecodeTaskCompleted(t *testing.T) {
	topics := []string{contractABI.Events["TaskCompleted"].ID.Hex(), uintTopic(9)}

	ev, err := DecodeLog(topics, "0x", "0x1")
	require.NoError(t, err)
	require.Equal(t, EventTaskCompleted, ev.Type)
	assert.Equal(t, uint64(9), ev.Done.TaskID)
}

func TestDecodeForeignSignatureSkipped(t *testing.T) {
	topics := []string{common.HexToHash("0x1234").Hex()}

	ev, err := DecodeLog(topics, "0x", "0x1")
	require.NoError(t, err)
	assert.Nil(t, ev, "unknown event signatures are skipped, not errors")
}

func TestDecodeMissingTopics(t *testing.T) {
	_, err := DecodeLog(nil, "0x", "0x1")
	require.Error(t, err)

	_, err = DecodeLog([]string{contractABI.Events["WeightsSubmitted"].ID.Hex()}, "0x", "0x1")
	require.Error(t, err)
}

func TestAccountEVMAddress(t *testing.T) {
	addr := AccountEVMAddress(0, 0, 123456)
	assert.Equal(t, "0x"+"00000000"+"0000000000000000"+"000000000001e240", addr)
	assert.Len(t, addr, 42)

	parsed, err := ParseAccountEVMAddress("0.0.123456")
	require.NoError(t, err)
	assert.Equal(t, addr, parsed)

	_, err = ParseAccountEVMAddress("123456")
	require.Error(t, err)
}
