// Copyright 2026 The Server Farm Authors
// SPDX-License-Identifier: Apache-2.0

// Farm-daemon is the single node process of a server farm. Every node
// runs the same binary; configuration decides the role. A Full node
// serves the peer API (sync, heartbeat, join) and the admin API; a
// relay node heartbeats to Full peers and executes delivered tasks,
// promoting itself to Temp-Full only while every Full peer is
// unreachable.
//
// On startup:
//  1. Loads configuration (--config flag or FARM_CONFIG).
//  2. Opens the record store and loads or creates the node identity.
//  3. Resolves the operating mode from configuration.
//  4. Starts the HTTP listener, gossip and heartbeat engines, and the
//     housekeeping sweeps.
//  5. If a primary server is configured (or discovered), requests
//     membership and polls until approved.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/chhuo/server-farm/lib/audit"
	"github.com/chhuo/server-farm/lib/clock"
	"github.com/chhuo/server-farm/lib/config"
	"github.com/chhuo/server-farm/lib/discovery"
	"github.com/chhuo/server-farm/lib/executor"
	"github.com/chhuo/server-farm/lib/gossip"
	"github.com/chhuo/server-farm/lib/heartbeat"
	"github.com/chhuo/server-farm/lib/identity"
	"github.com/chhuo/server-farm/lib/mode"
	"github.com/chhuo/server-farm/lib/registry"
	"github.com/chhuo/server-farm/lib/schema"
	"github.com/chhuo/server-farm/lib/storage"
	"github.com/chhuo/server-farm/lib/sysinfo"
	"github.com/chhuo/server-farm/lib/tasks"
	"github.com/chhuo/server-farm/lib/telemetry"
	"github.com/chhuo/server-farm/lib/transport"
	"github.com/chhuo/server-farm/lib/trust"
	"github.com/chhuo/server-farm/lib/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		logLevel    string
		showVersion bool
	)
	pflag.StringVar(&configPath, "config", "", "path to the YAML configuration file (default $FARM_CONFIG)")
	pflag.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	pflag.BoolVar(&showVersion, "version", false, "print version information and exit")
	pflag.Parse()

	if showVersion {
		fmt.Printf("farm-daemon %s\n", version.Info())
		return nil
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("invalid --log-level %q: %w", logLevel, err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.Real()

	store, err := storage.Open(storage.Config{
		Path:     cfg.Storage.Path,
		PoolSize: cfg.Storage.PoolSize,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	id, err := identity.Bootstrap(ctx, store, cfg, clk, logger)
	if err != nil {
		return err
	}

	startMode := mode.Resolve(cfg.Node.Mode, cfg.Node.PrimaryServer)
	modes := mode.New(startMode, logger)
	logger.Info("node starting",
		"node_id", id.NodeID,
		"mode", startMode,
		"fingerprint", id.Fingerprint(),
		"version", version.Short())

	reg := registry.New(store, clk, registry.Options{SelfID: id.NodeID, Logger: logger})
	metrics := telemetry.New()
	commandRunner := executor.New(cfg.Security.CommandBlacklist, logger)
	taskService := tasks.New(store, clk, commandRunner.Check, logger)
	auditLog := audit.New(store, clk)
	trustService := trust.New(reg, auditLog, clk, cfg.Peer.AutoApprove, logger)
	client := transport.NewClient(id, clk, cfg.Peer.Timeout())
	collector := sysinfo.New()

	gossipEngine := gossip.New(reg, client, clk, metrics, gossip.Options{
		SelfID:     id.NodeID,
		Interval:   cfg.Peer.SyncInterval(),
		Timeout:    cfg.Peer.Timeout(),
		Fanout:     cfg.Peer.MaxFanout,
		ActsAsFull: modes.ActsAsFull,
		Logger:     logger,
	})

	// Discovery, when configured, supplies a bootstrap peer for nodes
	// with no primary server and announces this node if it is a
	// connectable Full node.
	primaryServer := cfg.Node.PrimaryServer
	registrar, err := discovery.New(discovery.Config{
		Endpoints: cfg.Discovery.Endpoints,
		Namespace: cfg.Discovery.Namespace,
		LeaseTTL:  time.Duration(cfg.Discovery.LeaseTTLSeconds) * time.Second,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	if registrar != nil {
		defer registrar.Close()
		if primaryServer == "" {
			seeds, err := registrar.Seeds(ctx, id.NodeID)
			if err != nil {
				logger.Warn("seed discovery failed", "error", err)
			} else if len(seeds) > 0 {
				primaryServer = seeds[0].URL
				logger.Info("discovered bootstrap peer",
					"node_id", seeds[0].NodeID, "url", primaryServer)
			}
		}
		if cfg.Node.Connectable && startMode == schema.ModeFull {
			selfURL := id.SelfRecord(schema.ModeFull).URL()
			if err := registrar.Register(ctx, id.NodeID, selfURL); err != nil {
				logger.Warn("discovery registration failed", "error", err)
			}
		}

		// A node that found no bootstrap peer keeps watching: the
		// first hub to register triggers a late join.
		if primaryServer == "" {
			var joinOnce sync.Once
			go registrar.Watch(ctx, id.NodeID, func(seed discovery.Seed, added bool) {
				if !added {
					logger.Info("discovered peer lapsed", "node_id", seed.NodeID)
					return
				}
				logger.Info("peer appeared in discovery", "node_id", seed.NodeID, "url", seed.URL)
				joinOnce.Do(func() {
					go func() {
						err := trustService.RequestJoin(ctx, client, seed.URL,
							id.SelfRecord(modes.Current()),
							cfg.Peer.SyncInterval(), cfg.Peer.JoinTimeout())
						if err != nil && !errors.Is(err, context.Canceled) {
							logger.Error("join failed", "target", seed.URL, "error", err)
						}
					}()
				})
			})
		}
	}

	heartbeatEngine := heartbeat.New(reg, modes, client, commandRunner, collector, id, clk, metrics, heartbeat.Options{
		SelfID:        id.NodeID,
		Interval:      cfg.Peer.HeartbeatInterval(),
		Timeout:       cfg.Peer.Timeout(),
		MaxFailures:   cfg.Peer.MaxHeartbeatFailures,
		PrimaryServer: primaryServer,
		Logger:        logger,
	})
	heartbeatServer := heartbeat.NewServer(reg, taskService, clk, metrics, cfg.Peer.AutoApprove, logger)

	server := transport.NewServer(transport.ServerOptions{
		Identity:  id,
		Registry:  reg,
		Tasks:     taskService,
		Trust:     trustService,
		Sync:      gossipEngine,
		Heartbeat: heartbeatServer,
		Runner:    commandRunner,
		Exec:      client,
		Audit:     auditLog,
		Clock:     clk,
		Metrics:   metrics,
		Logger:    logger,
		SelfMode:  modes.Current,
	})

	if err := reg.UpsertSelf(ctx, id.SelfRecord(modes.Current())); err != nil {
		return err
	}

	// Outbound membership: joining is idempotent, so every boot of a
	// node with a primary (configured or discovered) re-runs it. On an
	// already-trusted node the first poll answers trusted immediately.
	if primaryServer != "" {
		go func() {
			err := trustService.RequestJoin(ctx, client, primaryServer,
				id.SelfRecord(modes.Current()),
				cfg.Peer.SyncInterval(), cfg.Peer.JoinTimeout())
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("join failed", "target", primaryServer, "error", err)
			}
		}()
	}

	go gossipEngine.Run(ctx)
	// Relays live on the heartbeat channel. A non-connectable Full
	// node also heartbeats out: peers cannot reach it, so the reverse
	// channel is its only way to stay current between its own gossip
	// initiations.
	if startMode == schema.ModeRelay || !cfg.Node.Connectable {
		go heartbeatEngine.Run(ctx)
	}
	go housekeeping(ctx, clk, cfg, reg, taskService, modes, logger)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	logger.Info("listening", "addr", addr)
	if err := server.ListenAndServe(ctx, addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logger.Info("shut down cleanly")
	return nil
}

// housekeeping runs the periodic sweeps: liveness (mark unseen nodes
// offline), task timeouts, and tombstone collection. Liveness and task
// sweeps only matter on a node serving the Full role; tombstone
// collection runs everywhere so a kicked record does not outlive its
// TTL on relays either.
func housekeeping(ctx context.Context, clk clock.Clock, cfg config.Config, reg *registry.Registry, taskService *tasks.Service, modes *mode.Manager, logger *slog.Logger) {
	ticker := clk.NewTicker(cfg.Peer.HeartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if modes.ActsAsFull() {
			offline, err := reg.SweepLiveness(ctx, cfg.Peer.OfflineAfter())
			if err != nil {
				logger.Warn("liveness sweep failed", "error", err)
			}
			for _, nodeID := range offline {
				logger.Info("node went offline", "node_id", nodeID)
			}

			if _, err := taskService.SweepTimeouts(ctx, cfg.Peer.TaskMaxAge()); err != nil {
				logger.Warn("task sweep failed", "error", err)
			}
		}

		if removed, err := reg.SweepTombstones(ctx, cfg.Peer.TombstoneTTL()); err != nil {
			logger.Warn("tombstone sweep failed", "error", err)
		} else if removed > 0 {
			logger.Info("collected tombstones", "count", removed)
		}
	}
}
