package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// Mirror polling parameters: re-read a bounded recent window each tick
// and deduplicate, so a restarted client can replay the pending task's
// history without double-crediting chunks.
const (
	defaultPollInterval = 5 * time.Second
	pollWindowLimit     = 100
)

// Poller observes contract events through the mirror node's REST
// surface. Events are decoded against the contract ABI, deduplicated
// by (transaction hash, log index), and delivered oldest-first.
type Poller struct {
	baseURL    string
	contractID string
	interval   time.Duration
	httpc      *http.Client
	log        *slog.Logger

	mu   sync.Mutex
	seen map[string]struct{}
}

// NewPoller builds a poller for one contract. A zero interval uses the
// 5s default.
func NewPoller(mirrorURL, contractID string, interval time.Duration, log *slog.Logger) *Poller {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Poller{
		baseURL:    mirrorURL,
		contractID: contractID,
		interval:   interval,
		httpc:      &http.Client{Timeout: 30 * time.Second},
		log:        log.With("component", "mirror"),
		seen:       make(map[string]struct{}),
	}
}

// Run polls until the context is cancelled, sending each new event to
// out exactly once. Transient mirror errors are logged and retried on
// the next tick.
func (p *Poller) Run(ctx context.Context, out chan<- Event) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		events, err := p.Poll(ctx)
		if err != nil {
			p.log.Warn("mirror poll failed", "err", err)
		}
		for _, ev := range events {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Poll fetches the recent log window once and returns the events not
// seen before, oldest first.
func (p *Poller) Poll(ctx context.Context) ([]Event, error) {
	u := fmt.Sprintf("%s/api/v1/contracts/%s/results/logs?%s",
		p.baseURL, url.PathEscape(p.contractID),
		url.Values{"limit": {fmt.Sprint(pollWindowLimit)}, "order": {"desc"}}.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("ledger: mirror request: %w", err)
	}
	resp, err := p.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ledger: mirror fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ledger: mirror status %d", resp.StatusCode)
	}

	var body mirrorLogsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("ledger: mirror decode: %w", err)
	}

	var events []Event
	// The window arrives newest-first; walk it backwards so consumers
	// observe remainingChunks monotonically non-increasing.
	for i := len(body.Logs) - 1; i >= 0; i-- {
		lg := body.Logs[i]
		key := fmt.Sprintf("%s/%d", lg.TransactionHash, lg.Index)
		if p.markSeen(key) {
			continue
		}
		ev, err := DecodeLog(lg.Topics, lg.Data, lg.TransactionHash)
		if err != nil {
			p.log.Debug("undecodable log dropped", "tx", lg.TransactionHash, "err", err)
			continue
		}
		if ev == nil {
			continue // foreign event signature
		}
		events = append(events, *ev)
	}
	return events, nil
}

func (p *Poller) markSeen(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.seen[key]; ok {
		return true
	}
	p.seen[key] = struct{}{}
	return false
}

type mirrorLogsResponse struct {
	Logs []mirrorLog `json:"logs"`
}

type mirrorLog struct {
	Data            string   `json:"data"`
	Index           int      `json:"index"`
	Topics          []string `json:"topics"`
	TransactionHash string   `json:"transaction_hash"`
	Timestamp       string   `json:"timestamp"`
	BlockNumber     uint64   `json:"block_number"`
}
