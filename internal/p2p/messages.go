package p2p

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// DiscoveryTopic is the well-known channel every node joins on startup.
// Role announcements and task advertisements flow here; each round gets
// its own topic named after the ledger task id.
const DiscoveryTopic = "fed-learn"

// Tag discriminates the round-protocol message kinds. Receivers drop
// envelopes carrying tags they do not recognise.
type Tag string

const (
	TagAnnounce  Tag = "announce"
	TagAdvertise Tag = "advertise"
	TagAssign    Tag = "assign"
	TagSubmitAck Tag = "submit-ack"
	TagLog       Tag = "log"
)

// ErrUnknownTag is returned by DecodeEnvelope for tags outside the
// protocol. Callers log and drop.
var ErrUnknownTag = errors.New("p2p: unknown message tag")

// Envelope is the wire form of every pubsub message: a tagged JSON
// record with the originator and the task it concerns.
type Envelope struct {
	Tag       Tag             `json:"tag"`
	From      string          `json:"from"`
	TaskID    uint64          `json:"task_id,omitempty"`
	Timestamp time.Time       `json:"ts"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// AnnouncePayload declares this peer's role and topic memberships for
// the bootstrap directory.
type AnnouncePayload struct {
	Role   string   `json:"role"`
	Topics []string `json:"topics"`
	Addrs  []string `json:"addrs,omitempty"`
	// Operator is the peer's ledger EVM address. Clients use it to
	// attribute on-chain weight submissions to mesh peers.
	Operator string `json:"operator,omitempty"`
}

// AssignPayload is the single source of work for a round: the model
// and manifest signed URLs, the session public key, and the full
// chunk assignment list.
type AssignPayload struct {
	ModelURL      string            `json:"model_url"`
	ManifestURL   string            `json:"manifest_url"`
	SessionPubKey string            `json:"session_pub_key,omitempty"`
	Assignments   []ChunkAssignment `json:"assignments"`
}

// ChunkAssignment binds one chunk index to one trainer peer.
type ChunkAssignment struct {
	Chunk uint64 `json:"chunk"`
	Peer  string `json:"peer"`
}

// SubmitAckPayload echoes an on-chain weights submission observed by
// the client back onto the round topic.
type SubmitAckPayload struct {
	Chunk       uint64 `json:"chunk"`
	Trainer     string `json:"trainer"`
	WeightsHash string `json:"weights_hash"`
}

// LogPayload carries free-form operator text.
type LogPayload struct {
	Text string `json:"text"`
}

// EncodeEnvelope builds the wire bytes for one message.
func EncodeEnvelope(tag Tag, from string, taskID uint64, payload any) ([]byte, error) {
	env := Envelope{Tag: tag, From: from, TaskID: taskID, Timestamp: time.Now().UTC()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("p2p: marshal %s payload: %w", tag, err)
		}
		env.Payload = raw
	}
	return json.Marshal(env)
}

// DecodeEnvelope parses wire bytes, rejecting unknown tags.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("p2p: malformed envelope: %w", err)
	}
	switch env.Tag {
	case TagAnnounce, TagAdvertise, TagAssign, TagSubmitAck, TagLog:
		return &env, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTag, env.Tag)
	}
}

// DecodePayload unmarshals the envelope payload into out.
func (e *Envelope) DecodePayload(out any) error {
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("p2p: malformed %s payload: %w", e.Tag, err)
	}
	return nil
}

// Key is the idempotency key for round-protocol messages: receivers
// process each key at most once, so duplicate gossip delivery and
// client retransmits are no-ops. Announce and log messages are not
// deduplicated (repeated announces update the directory, log lines are
// all shown), and neither are assignments: a retransmitted Assign must
// reach the trainer state machine, whose per-round progress makes the
// replay a no-op. For those Key returns "".
func (e *Envelope) Key() string {
	switch e.Tag {
	case TagSubmitAck:
		var p SubmitAckPayload
		if err := e.DecodePayload(&p); err == nil {
			return fmt.Sprintf("%s/%d/%d/%s", e.Tag, e.TaskID, p.Chunk, p.Trainer)
		}
		return fmt.Sprintf("%s/%d/%s", e.Tag, e.TaskID, e.From)
	case TagAdvertise:
		return fmt.Sprintf("%s/%d/%s", e.Tag, e.TaskID, e.From)
	default:
		return ""
	}
}

// Dedup tracks already-processed idempotency keys.
type Dedup struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func NewDedup() *Dedup {
	return &Dedup{seen: make(map[string]struct{})}
}

// Seen records key and reports whether it had been recorded before.
// The empty key is never deduplicated.
func (d *Dedup) Seen(key string) bool {
	if key == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[key]; ok {
		return true
	}
	d.seen[key] = struct{}{}
	return false
}
