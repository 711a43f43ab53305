// Package node implements the three role state machines — bootstrap,
// client, trainer — over an event queue fed by the overlay and the
// ledger poller. The state machine task is the single writer of all
// round state; HTTP handlers and background workers enqueue closures.
package node

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/nmxmxh/fedmesh/internal/ledger"
	"github.com/nmxmxh/fedmesh/internal/p2p"
	"github.com/nmxmxh/fedmesh/internal/storage"
)

// Typed errors surfaced through the command result.
var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrBadArgs        = errors.New("bad command arguments")
	ErrWrongRole      = errors.New("command not available for this role")
	ErrNoTrainers     = errors.New("no trainers in mesh")
	ErrNoActiveRound  = errors.New("no active round for task")
)

// Overlay is the peer overlay surface the state machines consume.
// Implemented by p2p.Overlay; faked in tests.
type Overlay interface {
	ID() string
	LocalAddrs() []string
	Peers() []string
	Connect(ctx context.Context, addr string) error
	Subscribe(topic string) error
	Unsubscribe(topic string) error
	Publish(ctx context.Context, topic string, payload []byte) error
	Mesh(topic string) []string
	Topics() []string
	Events() <-chan p2p.Event
}

// Ledger is the contract surface. Implemented by ledger.Client.
type Ledger interface {
	Operator() string
	OperatorEVMAddress() string
	TaskCount(ctx context.Context) (uint64, error)
	TaskExists(ctx context.Context, taskID uint64) (bool, error)
	GetTask(ctx context.Context, taskID uint64) (ledger.Task, error)
	SubmitWeights(ctx context.Context, taskID uint64, weightsHash string) error
	AddToWhitelist(ctx context.Context, accountID string) error
	RemoveFromWhitelist(ctx context.Context, accountID string) error
	IsWhitelisted(ctx context.Context, accountID string) (bool, error)
	PublishLog(ctx context.Context, message string) error
}

// ObjectStore is the content-addressed store surface. Implemented by
// storage.Store.
type ObjectStore interface {
	Upload(ctx context.Context, data []byte) (string, error)
	PresignGet(ctx context.Context, contentHash string, ttl time.Duration) (string, error)
	Fetch(ctx context.Context, contentHash string) ([]byte, error)
	List(ctx context.Context) ([]storage.ObjectInfo, error)
	UploadDatasetAsChunks(ctx context.Context, r io.Reader, chunkBytes int) (string, int, error)
	VerifyPresigned(ctx context.Context, url string) error
}

// ModelRunner executes the opaque model artifact on one chunk.
type ModelRunner interface {
	Run(ctx context.Context, model, chunk []byte) ([]byte, error)
}

// URLFetcher downloads a signed URL. Split out so trainer tests do not
// need a live object store.
type URLFetcher interface {
	FetchURL(ctx context.Context, url string) ([]byte, error)
}
