// Copyright 2026 The Server Farm Authors
// SPDX-License-Identifier: Apache-2.0

// Package discovery is optional etcd-backed seed discovery. Connectable
// Full nodes register their base URL under a leased key; a starting
// node lists the namespace to find peers before the registry has any.
// The lease expires with the node, so a crashed hub disappears from
// the seed list on its own.
//
// Discovery supplements, never replaces, the registry: it only matters
// before the first successful sync or join, and a deployment without
// etcd simply configures a primary server instead.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// Config mirrors config.DiscoveryConfig.
type Config struct {
	Endpoints []string
	Namespace string
	LeaseTTL  time.Duration
	Logger    *slog.Logger
}

// Seed is one discovered peer.
type Seed struct {
	NodeID string
	URL    string
}

// Registrar registers this node and lists seeds.
type Registrar struct {
	client    *clientv3.Client
	namespace string
	leaseTTL  time.Duration
	logger    *slog.Logger
}

// New connects to etcd. Returns nil (and no error) when Endpoints is
// empty: discovery is simply off.
func New(cfg Config) (*Registrar, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, nil
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("discovery: connecting to etcd: %w", err)
	}
	return &Registrar{
		client:    client,
		namespace: cfg.Namespace,
		leaseTTL:  cfg.LeaseTTL,
		logger:    logger,
	}, nil
}

// Close releases the etcd connection.
func (r *Registrar) Close() error {
	if err := r.client.Close(); err != nil {
		return fmt.Errorf("discovery: close: %w", err)
	}
	return nil
}

// Register announces this node under a leased key and keeps the lease
// alive until ctx is cancelled. Only connectable Full nodes should
// register; relays have nothing to offer a seed list.
func (r *Registrar) Register(ctx context.Context, nodeID, url string) error {
	lease, err := r.client.Grant(ctx, int64(r.leaseTTL.Seconds()))
	if err != nil {
		return fmt.Errorf("discovery: granting lease: %w", err)
	}

	key := path.Join(r.namespace, nodeID)
	if _, err := r.client.Put(ctx, key, url, clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("discovery: registering %s: %w", key, err)
	}

	keepalive, err := r.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return fmt.Errorf("discovery: keepalive: %w", err)
	}
	go func() {
		for range keepalive {
			// Drain acknowledgements until the channel closes with
			// ctx; an emptied channel means the lease is gone and
			// the registration with it.
		}
		r.logger.Info("discovery registration lapsed", "node_id", nodeID)
	}()

	r.logger.Info("registered with discovery", "key", key, "url", url, "ttl", r.leaseTTL)
	return nil
}

// Watch streams registration changes until ctx ends, calling fn with
// each appearing (added=true) or lapsing (added=false) peer. A lapsed
// entry carries only the node ID; etcd does not return the value of a
// deleted key.
func (r *Registrar) Watch(ctx context.Context, selfID string, fn func(seed Seed, added bool)) {
	updates := r.client.Watch(ctx, r.namespace+"/", clientv3.WithPrefix())
	for response := range updates {
		for _, event := range response.Events {
			nodeID := path.Base(string(event.Kv.Key))
			if nodeID == selfID {
				continue
			}
			switch event.Type {
			case clientv3.EventTypePut:
				fn(Seed{NodeID: nodeID, URL: string(event.Kv.Value)}, true)
			case clientv3.EventTypeDelete:
				fn(Seed{NodeID: nodeID}, false)
			}
		}
	}
}

// Seeds lists the currently registered peers, excluding selfID.
func (r *Registrar) Seeds(ctx context.Context, selfID string) ([]Seed, error) {
	response, err := r.client.Get(ctx, r.namespace+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("discovery: listing %s: %w", r.namespace, err)
	}

	var seeds []Seed
	for _, kv := range response.Kvs {
		nodeID := path.Base(string(kv.Key))
		if nodeID == selfID {
			continue
		}
		seeds = append(seeds, Seed{NodeID: nodeID, URL: string(kv.Value)})
	}
	return seeds, nil
}
