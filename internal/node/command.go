package node

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/nmxmxh/fedmesh/internal/config"
	"github.com/nmxmxh/fedmesh/internal/p2p"
	"github.com/nmxmxh/fedmesh/internal/storage"
)

// dispatch is the exhaustive command table behind POST /command. It
// runs on the state-machine goroutine; one command at a time.
func (n *Node) dispatch(ctx context.Context, cmd string, args []string) (any, error) {
	switch cmd {
	case "connect":
		if len(args) != 1 {
			return nil, fmt.Errorf("%w: connect <multiaddr>", ErrBadArgs)
		}
		cctx, cancel := context.WithTimeout(ctx, callTimeout)
		defer cancel()
		if err := n.overlay.Connect(cctx, args[0]); err != nil {
			return nil, err
		}
		return "connected", nil

	case "advertize":
		if n.role != config.RoleClient {
			return nil, fmt.Errorf("%w: advertize", ErrWrongRole)
		}
		taskID, err := parseTaskID(args, 1)
		if err != nil {
			return nil, err
		}
		return n.clientAdvertize(ctx, taskID)

	case "train":
		if n.role != config.RoleClient {
			return nil, fmt.Errorf("%w: train", ErrWrongRole)
		}
		// Args: taskId plus a space-separated "<modelHash>
		// <manifestURL> [sessionPubKey]" bundle.
		if len(args) != 2 {
			return nil, fmt.Errorf("%w: train <taskId> \"<modelHash> <manifestURL> [pubKey]\"", ErrBadArgs)
		}
		taskID, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: task id %q", ErrBadArgs, args[0])
		}
		fields := strings.Fields(args[1])
		if len(fields) < 2 || len(fields) > 3 {
			return nil, fmt.Errorf("%w: expected \"<modelHash> <manifestURL> [pubKey]\"", ErrBadArgs)
		}
		pubKey := ""
		if len(fields) == 3 {
			pubKey = fields[2]
		}
		return n.clientTrain(ctx, taskID, fields[0], fields[1], pubKey)

	case "join":
		if n.role != config.RoleTrainer {
			return nil, fmt.Errorf("%w: join", ErrWrongRole)
		}
		if len(args) != 1 {
			return nil, fmt.Errorf("%w: join <topic>", ErrBadArgs)
		}
		if err := n.trainerJoin(ctx, args[0]); err != nil {
			return nil, err
		}
		return "joined " + args[0], nil

	case "leave":
		if len(args) != 1 {
			return nil, fmt.Errorf("%w: leave <topic>", ErrBadArgs)
		}
		if n.role == config.RoleTrainer {
			if err := n.trainerLeave(ctx, args[0]); err != nil {
				return nil, err
			}
		} else if err := n.overlay.Unsubscribe(args[0]); err != nil {
			return nil, err
		}
		return "left " + args[0], nil

	case "publish":
		if len(args) != 2 {
			return nil, fmt.Errorf("%w: publish <topic> <message>", ErrBadArgs)
		}
		n.publishEnvelope(ctx, args[0], p2p.TagLog, 0, p2p.LogPayload{Text: args[1]})
		return "published", nil

	case "mesh":
		return n.directory.Snapshot(), nil

	case "bootmesh":
		if n.role == config.RoleBootstrap {
			return n.directory.Snapshot(), nil
		}
		return n.fetchBootstrapMesh(ctx)

	case "peers":
		return n.overlay.Peers(), nil

	case "local":
		return n.overlay.LocalAddrs(), nil

	case "topics":
		return n.overlay.Topics(), nil

	case "round":
		if n.role != config.RoleClient {
			return nil, fmt.Errorf("%w: round", ErrWrongRole)
		}
		taskID, err := parseTaskID(args, 1)
		if err != nil {
			return nil, err
		}
		r, ok := n.rounds[taskID]
		if !ok {
			return nil, fmt.Errorf("%w: %d", ErrNoActiveRound, taskID)
		}
		return r.view(), nil

	case "task":
		if n.ledger == nil {
			return nil, fmt.Errorf("%w: task", ErrWrongRole)
		}
		taskID, err := parseTaskID(args, 1)
		if err != nil {
			return nil, err
		}
		cctx, cancel := context.WithTimeout(ctx, callTimeout)
		defer cancel()
		return n.ledger.GetTask(cctx, taskID)

	case "tasks":
		if n.ledger == nil {
			return nil, fmt.Errorf("%w: tasks", ErrWrongRole)
		}
		cctx, cancel := context.WithTimeout(ctx, callTimeout)
		defer cancel()
		count, err := n.ledger.TaskCount(cctx)
		if err != nil {
			return nil, err
		}
		return map[string]uint64{"task_count": count}, nil

	case "upload-dataset":
		if n.role != config.RoleClient {
			return nil, fmt.Errorf("%w: upload-dataset", ErrWrongRole)
		}
		return n.uploadDataset(ctx, args)

	case "objects":
		if n.store == nil {
			return nil, fmt.Errorf("%w: objects", ErrWrongRole)
		}
		cctx, cancel := context.WithTimeout(ctx, callTimeout)
		defer cancel()
		return n.store.List(cctx)

	case "whitelist":
		if n.ledger == nil {
			return nil, fmt.Errorf("%w: whitelist", ErrWrongRole)
		}
		return n.whitelistCommand(ctx, args)

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd)
	}
}

// uploadDataset chunks a local dataset into the object store and
// returns the signed manifest URL handed to train.
func (n *Node) uploadDataset(ctx context.Context, args []string) (any, error) {
	if len(args) < 1 || len(args) > 2 {
		return nil, fmt.Errorf("%w: upload-dataset <path> [chunkBytes]", ErrBadArgs)
	}
	chunkBytes := storage.DefaultChunkBytes
	if len(args) == 2 {
		v, err := strconv.Atoi(args[1])
		if err != nil || v <= 0 {
			return nil, fmt.Errorf("%w: chunk bytes %q", ErrBadArgs, args[1])
		}
		chunkBytes = v
	}
	f, err := os.Open(args[0])
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	defer f.Close()

	manifestURL, chunks, err := n.store.UploadDatasetAsChunks(ctx, f, chunkBytes)
	if err != nil {
		return nil, err
	}
	n.log.Info("dataset uploaded", "path", args[0], "chunks", chunks)
	return map[string]any{"manifest_url": manifestURL, "chunks": chunks}, nil
}

func (n *Node) whitelistCommand(ctx context.Context, args []string) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("%w: whitelist add|remove|check <accountId>", ErrBadArgs)
	}
	cctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	switch args[0] {
	case "add":
		if err := n.ledger.AddToWhitelist(cctx, args[1]); err != nil {
			return nil, err
		}
		return "whitelisted " + args[1], nil
	case "remove":
		if err := n.ledger.RemoveFromWhitelist(cctx, args[1]); err != nil {
			return nil, err
		}
		return "removed " + args[1], nil
	case "check":
		ok, err := n.ledger.IsWhitelisted(cctx, args[1])
		if err != nil {
			return nil, err
		}
		return map[string]bool{"whitelisted": ok}, nil
	default:
		return nil, fmt.Errorf("%w: whitelist verb %q", ErrBadArgs, args[0])
	}
}

// fetchBootstrapMesh asks the bootstrap's control surface for its
// directory snapshot.
func (n *Node) fetchBootstrapMesh(ctx context.Context) (any, error) {
	body, err := json.Marshal(map[string]any{"cmd": "mesh", "args": []string{}})
	if err != nil {
		return nil, err
	}
	cctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(cctx, http.MethodPost,
		strings.TrimRight(n.cfg.BootstrapHTTP, "/")+"/command", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bootstrap control surface: %w", err)
	}
	defer resp.Body.Close()

	var out struct {
		Status string          `json:"status"`
		Result json.RawMessage `json:"result"`
		Error  string          `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("bootstrap control surface: %w", err)
	}
	if out.Status != "ok" {
		return nil, fmt.Errorf("bootstrap control surface: %s", out.Error)
	}
	return out.Result, nil
}

func parseTaskID(args []string, want int) (uint64, error) {
	if len(args) != want {
		return 0, fmt.Errorf("%w: expected task id", ErrBadArgs)
	}
	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: task id %q", ErrBadArgs, args[0])
	}
	return id, nil
}
