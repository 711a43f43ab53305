// fedmesh is the federated-learning mesh node. One binary, one role
// per process: bootstrap (rendezvous + directory), client (round
// origination), trainer (compute contribution).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nmxmxh/fedmesh/internal/config"
	"github.com/nmxmxh/fedmesh/internal/httpapi"
	"github.com/nmxmxh/fedmesh/internal/ledger"
	"github.com/nmxmxh/fedmesh/internal/mlexec"
	"github.com/nmxmxh/fedmesh/internal/node"
	"github.com/nmxmxh/fedmesh/internal/p2p"
	"github.com/nmxmxh/fedmesh/internal/storage"
)

// Exit codes surfaced to supervisors.
const (
	exitOK          = 0
	exitConfig      = 1
	exitNoBootstrap = 2
	exitNoLedger    = 3
)

// bootstrapDialBudget bounds the startup dial; an unreachable
// bootstrap is fatal rather than retried forever.
const bootstrapDialBudget = 30 * time.Second

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func main() {
	root := &cobra.Command{
		Use:           "fedmesh",
		Short:         "decentralized federated-learning coordinator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	for _, role := range []config.Role{config.RoleBootstrap, config.RoleClient, config.RoleTrainer} {
		root.AddCommand(roleCommand(role))
	}

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fedmesh:", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(exitConfig)
	}
	os.Exit(exitOK)
}

func roleCommand(role config.Role) *cobra.Command {
	return &cobra.Command{
		Use:   string(role),
		Short: fmt.Sprintf("run a %s node", role),
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(role)
		},
	}
}

func run(role config.Role) error {
	cfg, err := config.Load(role)
	if err != nil {
		return &exitError{exitConfig, err}
	}
	log := newLogger(cfg.LogLevel)
	log.Info("starting", "role", role)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	identity, peerID, err := p2p.LoadOrCreateIdentity(cfg.IdentityPath())
	if err != nil {
		return &exitError{exitConfig, err}
	}
	log.Info("peer identity loaded", "peer", peerID)

	overlay, err := p2p.NewOverlay(ctx, p2p.OverlayConfig{
		ListenIP: cfg.NodeIP,
		Port:     cfg.P2PPort,
		Identity: identity,
	}, log)
	if err != nil {
		return &exitError{exitConfig, fmt.Errorf("overlay: %w", err)}
	}
	defer overlay.Close()

	if role != config.RoleBootstrap {
		dialCtx, cancel := context.WithTimeout(ctx, bootstrapDialBudget)
		err := overlay.ConnectWithRetry(dialCtx, cfg.BootstrapAddr)
		cancel()
		if err != nil {
			return &exitError{exitNoBootstrap,
				fmt.Errorf("bootstrap unreachable at %s: %w", cfg.BootstrapAddr, err)}
		}
		log.Info("connected to bootstrap", "addr", cfg.BootstrapAddr)
	}

	deps := node.Deps{
		Cfg:     cfg,
		Overlay: overlay,
		Log:     log,
	}

	ledgerEvents := make(chan ledger.Event, 64)
	deps.LedgerEvents = ledgerEvents

	if role != config.RoleBootstrap {
		lc, err := ledger.NewClient(ledger.ClientConfig{
			Network:     cfg.Network,
			OperatorID:  cfg.OperatorID,
			OperatorKey: cfg.OperatorKey,
			ContractID:  cfg.ContractID,
			LogTopicID:  cfg.LogTopicID,
		}, log)
		if err != nil {
			return &exitError{exitNoLedger, fmt.Errorf("ledger: %w", err)}
		}
		defer lc.Close()
		deps.Ledger = lc

		store, err := storage.New(ctx, storage.Config{
			Endpoint:  cfg.StoreEndpoint,
			AccessKey: cfg.StoreAccessKey,
			SecretKey: cfg.StoreSecretKey,
			Bucket:    cfg.StoreBucket,
		}, log)
		if err != nil {
			return &exitError{exitConfig, fmt.Errorf("storage: %w", err)}
		}
		deps.Store = store

		if role == config.RoleClient {
			poller := ledger.NewPoller(cfg.MirrorNodeURL, cfg.ContractID, 0, log)
			go poller.Run(ctx, ledgerEvents)
		}
		if role == config.RoleTrainer {
			deps.Runner = &mlexec.Executor{}
		}
	}

	nd := node.New(deps)
	if err := nd.Start(ctx); err != nil {
		return &exitError{exitConfig, fmt.Errorf("node start: %w", err)}
	}

	var presigner httpapi.Presigner
	if s, ok := deps.Store.(httpapi.Presigner); ok && deps.Store != nil {
		presigner = s
	}
	api := httpapi.New(nd, presigner, log)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := api.Listen(ctx, addr); err != nil {
			log.Error("control surface stopped", "err", err)
		}
	}()

	nd.Run(ctx)
	log.Info("shutdown complete")
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
