// Package ledger adapts the on-chain side of a round: contract
// execution and queries through the Hedera SDK, event observation
// through the mirror node, and best-effort human logs on a consensus
// topic.
package ledger

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Task mirrors the on-chain task struct. The ledger is the
// authoritative owner; nodes hold transient projections.
type Task struct {
	ID              uint64 `json:"task_id"`
	Depositor       string `json:"depositor"`
	ModelRef        string `json:"model_ref"`
	DatasetRef      string `json:"dataset_ref"`
	TotalChunks     uint64 `json:"total_chunks"`
	RemainingChunks uint64 `json:"remaining_chunks"`
	PerChunkReward  uint64 `json:"per_chunk_reward"`
	Exists          bool   `json:"exists"`
}

// Event is one decoded contract event. Exactly one of the typed
// fields matching Type is set.
type Event struct {
	Type    EventType
	TxHash  string
	Created *TaskCreated
	Weights *WeightsSubmitted
	Done    *TaskCompleted
	Payout  *Withdrawn
}

type EventType string

const (
	EventTaskCreated      EventType = "TaskCreated"
	EventWeightsSubmitted EventType = "WeightsSubmitted"
	EventTaskCompleted    EventType = "TaskCompleted"
	EventWithdrawn        EventType = "Withdrawn"
)

// TaskID returns the task the event concerns (0 for Withdrawn).
func (e Event) TaskID() uint64 {
	switch e.Type {
	case EventTaskCreated:
		return e.Created.TaskID
	case EventWeightsSubmitted:
		return e.Weights.TaskID
	case EventTaskCompleted:
		return e.Done.TaskID
	}
	return 0
}

type TaskCreated struct {
	TaskID      uint64
	Depositor   string
	ModelRef    string
	DatasetRef  string
	TotalChunks uint64
	TotalReward uint64
}

type WeightsSubmitted struct {
	TaskID          uint64
	Trainer         string
	WeightsHash     string
	RewardAmount    uint64
	RemainingChunks uint64 // after the accepting transaction
}

type TaskCompleted struct {
	TaskID uint64
}

type Withdrawn struct {
	Who    string
	Amount uint64
}

// Contract event signatures, matching the deployed training-reward
// contract. weightsHash is the content hash only; signed URLs never
// go on-chain.
const eventABIJSON = `[
  {"type":"event","name":"TaskCreated","inputs":[
    {"name":"taskId","type":"uint256","indexed":true},
    {"name":"depositor","type":"address","indexed":true},
    {"name":"modelUrl","type":"string","indexed":false},
    {"name":"datasetUrl","type":"string","indexed":false},
    {"name":"numChunks","type":"uint256","indexed":false},
    {"name":"totalReward","type":"uint256","indexed":false}]},
  {"type":"event","name":"WeightsSubmitted","inputs":[
    {"name":"taskId","type":"uint256","indexed":true},
    {"name":"trainer","type":"address","indexed":true},
    {"name":"weightsHash","type":"string","indexed":false},
    {"name":"rewardAmount","type":"uint256","indexed":false},
    {"name":"remainingChunks","type":"uint256","indexed":false}]},
  {"type":"event","name":"TaskCompleted","inputs":[
    {"name":"taskId","type":"uint256","indexed":true}]},
  {"type":"event","name":"Withdrawn","inputs":[
    {"name":"who","type":"address","indexed":true},
    {"name":"amount","type":"uint256","indexed":false}]}
]`

var contractABI abi.ABI

func init() {
	var err error
	contractABI, err = abi.JSON(strings.NewReader(eventABIJSON))
	if err != nil {
		panic(fmt.Sprintf("ledger: parse event abi: %v", err))
	}
}

// DecodeLog turns one raw mirror-node log entry into a typed Event.
// Logs with an unrecognised topic0 return (nil, nil) and are skipped.
func DecodeLog(topics []string, data string, txHash string) (*Event, error) {
	if len(topics) == 0 {
		return nil, fmt.Errorf("ledger: log without topics")
	}
	topic0 := common.HexToHash(topics[0])
	payload := common.FromHex(data)

	switch topic0 {
	case contractABI.Events["TaskCreated"].ID:
		if len(topics) < 3 {
			return nil, fmt.Errorf("ledger: TaskCreated: missing indexed topics")
		}
		vals, err := contractABI.Events["TaskCreated"].Inputs.NonIndexed().Unpack(payload)
		if err != nil {
			return nil, fmt.Errorf("ledger: TaskCreated: %w", err)
		}
		return &Event{
			Type:   EventTaskCreated,
			TxHash: txHash,
			Created: &TaskCreated{
				TaskID:      topicUint64(topics[1]),
				Depositor:   topicAddress(topics[2]),
				ModelRef:    vals[0].(string),
				DatasetRef:  vals[1].(string),
				TotalChunks: bigToUint64(vals[2]),
				TotalReward: bigToUint64(vals[3]),
			},
		}, nil

	case contractABI.Events["WeightsSubmitted"].ID:
		if len(topics) < 3 {
			return nil, fmt.Errorf("ledger: WeightsSubmitted: missing indexed topics")
		}
		vals, err := contractABI.Events["WeightsSubmitted"].Inputs.NonIndexed().Unpack(payload)
		if err != nil {
			return nil, fmt.Errorf("ledger: WeightsSubmitted: %w", err)
		}
		return &Event{
			Type:   EventWeightsSubmitted,
			TxHash: txHash,
			Weights: &WeightsSubmitted{
				TaskID:          topicUint64(topics[1]),
				Trainer:         topicAddress(topics[2]),
				WeightsHash:     vals[0].(string),
				RewardAmount:    bigToUint64(vals[1]),
				RemainingChunks: bigToUint64(vals[2]),
			},
		}, nil

	case contractABI.Events["TaskCompleted"].ID:
		if len(topics) < 2 {
			return nil, fmt.Errorf("ledger: TaskCompleted: missing taskId topic")
		}
		return &Event{
			Type:   EventTaskCompleted,
			TxHash: txHash,
			Done:   &TaskCompleted{TaskID: topicUint64(topics[1])},
		}, nil

	case contractABI.Events["Withdrawn"].ID:
		if len(topics) < 2 {
			return nil, fmt.Errorf("ledger: Withdrawn: missing who topic")
		}
		vals, err := contractABI.Events["Withdrawn"].Inputs.NonIndexed().Unpack(payload)
		if err != nil {
			return nil, fmt.Errorf("ledger: Withdrawn: %w", err)
		}
		return &Event{
			Type:   EventWithdrawn,
			TxHash: txHash,
			Payout: &Withdrawn{Who: topicAddress(topics[1]), Amount: bigToUint64(vals[0])},
		}, nil
	}
	return nil, nil
}

func topicUint64(topic string) uint64 {
	return new(big.Int).SetBytes(common.FromHex(topic)).Uint64()
}

func topicAddress(topic string) string {
	return common.BytesToAddress(common.FromHex(topic)).Hex()
}

func bigToUint64(v any) uint64 {
	if b, ok := v.(*big.Int); ok {
		return b.Uint64()
	}
	return 0
}
