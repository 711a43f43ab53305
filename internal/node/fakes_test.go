package node

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nmxmxh/fedmesh/internal/config"
	"github.com/nmxmxh/fedmesh/internal/ledger"
	"github.com/nmxmxh/fedmesh/internal/p2p"
	"github.com/nmxmxh/fedmesh/internal/storage"
)

type published struct {
	topic string
	env   *p2p.Envelope
}

type fakeOverlay struct {
	mu     sync.Mutex
	id     string
	events chan p2p.Event
	topics map[string]bool
	mesh   map[string][]string
	peers  []string
	pubs   []published
}

func newFakeOverlay(id string) *fakeOverlay {
	return &fakeOverlay{
		id:     id,
		events: make(chan p2p.Event, 16),
		topics: make(map[string]bool),
		mesh:   make(map[string][]string),
	}
}

func (f *fakeOverlay) ID() string           { return f.id }
func (f *fakeOverlay) LocalAddrs() []string { return []string{"/ip4/127.0.0.1/tcp/4001"} }
func (f *fakeOverlay) Peers() []string      { return f.peers }

func (f *fakeOverlay) Connect(ctx context.Context, addr string) error { return nil }

func (f *fakeOverlay) Subscribe(topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics[topic] = true
	return nil
}

func (f *fakeOverlay) Unsubscribe(topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.topics, topic)
	return nil
}

func (f *fakeOverlay) Publish(ctx context.Context, topic string, payload []byte) error {
	env, err := p2p.DecodeEnvelope(payload)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pubs = append(f.pubs, published{topic: topic, env: env})
	return nil
}

func (f *fakeOverlay) Mesh(topic string) []string { return f.mesh[topic] }

func (f *fakeOverlay) Topics() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.topics))
	for t := range f.topics {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (f *fakeOverlay) Events() <-chan p2p.Event { return f.events }

// publishedTagged returns envelopes published with the given tag on
// the given topic.
func (f *fakeOverlay) publishedTagged(topic string, tag p2p.Tag) []*p2p.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*p2p.Envelope
	for _, p := range f.pubs {
		if p.topic == topic && p.env.Tag == tag {
			out = append(out, p.env)
		}
	}
	return out
}

func (f *fakeOverlay) subscribed(topic string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.topics[topic]
}

type submission struct {
	taskID uint64
	hash   string
}

type fakeLedger struct {
	mu        sync.Mutex
	operator  string
	evmAddr   string
	tasks     map[uint64]ledger.Task
	count     uint64
	submitted []submission
	submitErr []error // consumed one per SubmitWeights call
	whitelist map[string]bool
	logs      []string
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		operator:  "0.0.1001",
		evmAddr:   "0x00000000000000000000000000000000000003e9",
		tasks:     make(map[uint64]ledger.Task),
		whitelist: make(map[string]bool),
	}
}

func (f *fakeLedger) Operator() string           { return f.operator }
func (f *fakeLedger) OperatorEVMAddress() string { return f.evmAddr }

func (f *fakeLedger) TaskCount(ctx context.Context) (uint64, error) { return f.count, nil }

func (f *fakeLedger) TaskExists(ctx context.Context, taskID uint64) (bool, error) {
	t, ok := f.tasks[taskID]
	return ok && t.Exists, nil
}

func (f *fakeLedger) GetTask(ctx context.Context, taskID uint64) (ledger.Task, error) {
	t, ok := f.tasks[taskID]
	if !ok || !t.Exists {
		return ledger.Task{}, ledger.ErrTaskNotFound
	}
	return t, nil
}

func (f *fakeLedger) SubmitWeights(ctx context.Context, taskID uint64, weightsHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.submitErr) > 0 {
		err := f.submitErr[0]
		f.submitErr = f.submitErr[1:]
		if err != nil {
			return err
		}
	}
	f.submitted = append(f.submitted, submission{taskID: taskID, hash: weightsHash})
	return nil
}

func (f *fakeLedger) AddToWhitelist(ctx context.Context, accountID string) error {
	f.whitelist[accountID] = true
	return nil
}

func (f *fakeLedger) RemoveFromWhitelist(ctx context.Context, accountID string) error {
	delete(f.whitelist, accountID)
	return nil
}

func (f *fakeLedger) IsWhitelisted(ctx context.Context, accountID string) (bool, error) {
	return f.whitelist[accountID], nil
}

func (f *fakeLedger) PublishLog(ctx context.Context, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, message)
	return nil
}

func (f *fakeLedger) submissions() []submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]submission(nil), f.submitted...)
}

type fakeStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: make(map[string][]byte)}
}

func (f *fakeStore) Upload(ctx context.Context, data []byte) (string, error) {
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	f.mu.Lock()
	f.objects[hash] = data
	f.mu.Unlock()
	return hash, nil
}

func (f *fakeStore) PresignGet(ctx context.Context, contentHash string, ttl time.Duration) (string, error) {
	return "https://store.test/" + contentHash + "?signed=1", nil
}

func (f *fakeStore) Fetch(ctx context.Context, contentHash string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[contentHash]
	if !ok {
		return nil, fmt.Errorf("no object %s", contentHash)
	}
	return data, nil
}

func (f *fakeStore) List(ctx context.Context) ([]storage.ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.objects))
	for k := range f.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]storage.ObjectInfo, 0, len(keys))
	for _, k := range keys {
		out = append(out, storage.ObjectInfo{Key: k, Size: int64(len(f.objects[k]))})
	}
	return out, nil
}

func (f *fakeStore) UploadDatasetAsChunks(ctx context.Context, r io.Reader, chunkBytes int) (string, int, error) {
	chunks, err := storage.SplitCSV(r, chunkBytes)
	if err != nil {
		return "", 0, err
	}
	urls := make([]string, 0, len(chunks))
	for _, c := range chunks {
		hash, err := f.Upload(ctx, c)
		if err != nil {
			return "", 0, err
		}
		url, _ := f.PresignGet(ctx, hash, 0)
		urls = append(urls, url)
	}
	manifest, err := f.Upload(ctx, []byte(strings.Join(urls, ",")))
	if err != nil {
		return "", 0, err
	}
	url, _ := f.PresignGet(ctx, manifest, 0)
	return url, len(chunks), nil
}

func (f *fakeStore) VerifyPresigned(ctx context.Context, url string) error { return nil }

type fakeRunner struct{}

func (fakeRunner) Run(ctx context.Context, model, chunk []byte) ([]byte, error) {
	return append([]byte("weights:"), chunk...), nil
}

type fakeFetcher struct {
	mu   sync.Mutex
	urls map[string][]byte
}

func (f *fakeFetcher) FetchURL(ctx context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.urls[url]
	if !ok {
		return nil, fmt.Errorf("no such url %s", url)
	}
	return data, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestNode builds a node with all fakes wired; collaborators are
// returned for assertions.
func newTestNode(role config.Role) (*Node, *fakeOverlay, *fakeLedger, *fakeStore, *fakeFetcher) {
	ov := newFakeOverlay("self-peer")
	lg := newFakeLedger()
	st := newFakeStore()
	ft := &fakeFetcher{urls: make(map[string][]byte)}
	n := New(Deps{
		Cfg:          &config.Config{Role: role, BootstrapHTTP: "http://127.0.0.1:9"},
		Overlay:      ov,
		Ledger:       lg,
		Store:        st,
		Runner:       fakeRunner{},
		Fetcher:      ft,
		LedgerEvents: make(chan ledger.Event),
		Log:          testLogger(),
	})
	return n, ov, lg, st, ft
}

// drainFns runs enqueued closures until cond holds or the deadline
// passes, standing in for the Run loop in tests.
func drainFns(t *testing.T, n *Node, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case fn := <-n.fns:
			fn()
		case <-deadline:
			t.Fatal("condition not reached before deadline")
		}
	}
}
