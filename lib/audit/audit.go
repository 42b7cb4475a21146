// Copyright 2026 The Server Farm Authors
// SPDX-License-Identifier: Apache-2.0

// Package audit records membership and task decisions: who approved,
// kicked, or submitted what, and when. The log is append-only and
// local; it is not replicated, because each admin action happened on
// exactly one node and that node's log is the authority for it.
package audit

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/chhuo/server-farm/lib/clock"
	"github.com/chhuo/server-farm/lib/codec"
	"github.com/chhuo/server-farm/lib/storage"
)

const keyPrefix = "audit/"

// Entry is one audit record.
type Entry struct {
	Time   int64  `json:"time" cbor:"time"`
	Action string `json:"action" cbor:"action"`

	// Actor is who triggered the action: a node ID for protocol
	// events, "admin" for CLI/API decisions.
	Actor string `json:"actor" cbor:"actor"`

	// Subject is what the action applied to: a node ID or task ID.
	Subject string `json:"subject" cbor:"subject"`

	Detail string `json:"detail,omitempty" cbor:"detail,omitempty"`
}

// Log appends entries to the record store.
type Log struct {
	store *storage.Store
	clk   clock.Clock

	// sequence disambiguates entries within one second.
	sequence atomic.Uint64
}

// New returns a Log over the given store.
func New(store *storage.Store, clk clock.Clock) *Log {
	return &Log{store: store, clk: clk}
}

// Append records one entry. Time is stamped here.
func (l *Log) Append(ctx context.Context, action, actor, subject, detail string) error {
	entry := Entry{
		Time:    l.clk.Now().Unix(),
		Action:  action,
		Actor:   actor,
		Subject: subject,
		Detail:  detail,
	}
	encoded, err := codec.Marshal(entry)
	if err != nil {
		return fmt.Errorf("audit: encoding entry: %w", err)
	}

	// Zero-padded time plus sequence keeps store order = event order.
	key := fmt.Sprintf("%s%020d-%012d", keyPrefix, entry.Time, l.sequence.Add(1))
	if err := l.store.Set(ctx, key, encoded); err != nil {
		return fmt.Errorf("audit: appending entry: %w", err)
	}
	return nil
}

// List returns all entries in event order.
func (l *Log) List(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	err := l.store.List(ctx, keyPrefix, func(key string, value []byte) error {
		var entry Entry
		if err := codec.Unmarshal(value, &entry); err != nil {
			return fmt.Errorf("decoding %q: %w", key, err)
		}
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("audit: list: %w", err)
	}
	return entries, nil
}
