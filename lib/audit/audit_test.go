// Copyright 2026 The Server Farm Authors
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/chhuo/server-farm/lib/clock"
	"github.com/chhuo/server-farm/lib/storage"
)

func TestAppendAndListInOrder(t *testing.T) {
	store, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "audit.db")})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	clk := clock.Fake(time.Unix(1_700_000_000, 0))
	log := New(store, clk)
	ctx := context.Background()

	if err := log.Append(ctx, "node.approve", "admin", "web-01", ""); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := log.Append(ctx, "node.kick", "admin", "web-02", "compromised"); err != nil {
		t.Fatalf("append: %v", err)
	}
	clk.Advance(time.Second)
	if err := log.Append(ctx, "task.create", "admin", "task-1", "uptime"); err != nil {
		t.Fatalf("append: %v", err)
	}

	entries, err := log.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("listed %d entries", len(entries))
	}
	if entries[0].Action != "node.approve" || entries[1].Action != "node.kick" || entries[2].Action != "task.create" {
		t.Errorf("out of order: %+v", entries)
	}
	if entries[1].Detail != "compromised" {
		t.Errorf("detail = %q", entries[1].Detail)
	}
	if entries[2].Time != 1_700_000_001 {
		t.Errorf("time = %d", entries[2].Time)
	}
}
