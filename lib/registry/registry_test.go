// Copyright 2026 The Server Farm Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/chhuo/server-farm/lib/clock"
	"github.com/chhuo/server-farm/lib/schema"
	"github.com/chhuo/server-farm/lib/storage"
)

const testNow = 1_700_000_000

func testRegistry(t *testing.T, selfID string) (*Registry, *clock.FakeClock) {
	t.Helper()
	store, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "reg.db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	clk := clock.Fake(time.Unix(testNow, 0))
	return New(store, clk, Options{SelfID: selfID}), clk
}

func trustedRecord(nodeID string, updatedAt, version int64) schema.NodeRecord {
	return schema.NodeRecord{
		NodeID:      nodeID,
		Mode:        schema.ModeFull,
		Connectable: true,
		Host:        "192.0.2.1",
		Port:        8300,
		TrustStatus: schema.TrustTrusted,
		UpdatedAt:   updatedAt,
		Version:     version,
	}
}

func TestUpsertSelfStampsAndIncrements(t *testing.T) {
	reg, clk := testRegistry(t, "self-01")
	ctx := context.Background()

	self := schema.NodeRecord{NodeID: "self-01", Mode: schema.ModeFull}
	if err := reg.UpsertSelf(ctx, self); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	stored, found, err := reg.Get(ctx, "self-01")
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if stored.UpdatedAt != testNow || stored.Version != 1 {
		t.Errorf("stamped (%d, %d)", stored.UpdatedAt, stored.Version)
	}
	if stored.TrustStatus != schema.TrustSelf {
		t.Errorf("trust = %q", stored.TrustStatus)
	}

	clk.Advance(time.Second)
	if err := reg.UpsertSelf(ctx, self); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	stored, _, _ = reg.Get(ctx, "self-01")
	if stored.UpdatedAt != testNow+1 || stored.Version != 2 {
		t.Errorf("restamped (%d, %d)", stored.UpdatedAt, stored.Version)
	}
}

func TestMergeRecordLastWriterWins(t *testing.T) {
	reg, _ := testRegistry(t, "self-01")
	ctx := context.Background()

	older := trustedRecord("web-01", testNow-100, 1)
	newer := trustedRecord("web-01", testNow-50, 1)
	newer.Name = "renamed"

	if applied, err := reg.MergeRecord(ctx, older); err != nil || !applied {
		t.Fatalf("merge older: applied=%v err=%v", applied, err)
	}
	if applied, err := reg.MergeRecord(ctx, newer); err != nil || !applied {
		t.Fatalf("merge newer: applied=%v err=%v", applied, err)
	}
	// Replaying the older copy must not regress.
	if applied, err := reg.MergeRecord(ctx, older); err != nil || applied {
		t.Fatalf("replay older: applied=%v err=%v", applied, err)
	}

	stored, _, _ := reg.Get(ctx, "web-01")
	if stored.Name != "renamed" {
		t.Errorf("stored %+v", stored)
	}
}

func TestMergeRecordVersionBreaksTies(t *testing.T) {
	reg, _ := testRegistry(t, "self-01")
	ctx := context.Background()

	v1 := trustedRecord("web-01", testNow-10, 1)
	v2 := trustedRecord("web-01", testNow-10, 2)
	v2.Name = "later"

	_, _ = reg.MergeRecord(ctx, v1)
	if applied, _ := reg.MergeRecord(ctx, v2); !applied {
		t.Fatal("higher version at equal timestamp should win")
	}
	if applied, _ := reg.MergeRecord(ctx, v1); applied {
		t.Fatal("lower version at equal timestamp should lose")
	}
	stored, _, _ := reg.Get(ctx, "web-01")
	if stored.Name != "later" {
		t.Errorf("stored %+v", stored)
	}
}

func TestMergeRecordTombstonePrecedence(t *testing.T) {
	reg, _ := testRegistry(t, "self-01")
	ctx := context.Background()

	kicked := trustedRecord("web-01", testNow-100, 1)
	kicked.TrustStatus = schema.TrustKicked
	kicked.KickedAt = testNow - 100

	// Tombstone with an OLDER timestamp still beats a newer trusted
	// copy, both arrival orders.
	fresh := trustedRecord("web-01", testNow-10, 5)

	if applied, _ := reg.MergeRecord(ctx, fresh); !applied {
		t.Fatal("seed merge failed")
	}
	if applied, _ := reg.MergeRecord(ctx, kicked); !applied {
		t.Fatal("tombstone should apply over newer trusted record")
	}
	if applied, _ := reg.MergeRecord(ctx, fresh); applied {
		t.Fatal("trusted record resurrected a tombstone")
	}
	stored, _, _ := reg.Get(ctx, "web-01")
	if stored.TrustStatus != schema.TrustKicked {
		t.Errorf("trust = %q", stored.TrustStatus)
	}
}

func TestMergeRecordNeverOverwritesSelf(t *testing.T) {
	reg, _ := testRegistry(t, "self-01")
	ctx := context.Background()

	if err := reg.UpsertSelf(ctx, schema.NodeRecord{NodeID: "self-01", Mode: schema.ModeFull}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	remote := trustedRecord("self-01", testNow+100, 99)
	if applied, err := reg.MergeRecord(ctx, remote); err != nil || applied {
		t.Fatalf("remote copy of self applied=%v err=%v", applied, err)
	}
	stored, _, _ := reg.Get(ctx, "self-01")
	if stored.TrustStatus != schema.TrustSelf {
		t.Errorf("self record replaced: %+v", stored)
	}
}

func TestMergeRecordRejectsMalformedAndFuture(t *testing.T) {
	reg, _ := testRegistry(t, "self-01")
	ctx := context.Background()

	bad := trustedRecord("web-01", testNow, 1)
	bad.NodeID = "NOT VALID"
	if applied, err := reg.MergeRecord(ctx, bad); err != nil || applied {
		t.Errorf("malformed record: applied=%v err=%v", applied, err)
	}

	future := trustedRecord("web-01", testNow+3600, 1)
	if applied, err := reg.MergeRecord(ctx, future); err != nil || applied {
		t.Errorf("future record: applied=%v err=%v", applied, err)
	}

	// A record carrying the owner's own "self" status is stored
	// under this node's view of the owner, never as self.
	claimsSelf := trustedRecord("web-02", testNow, 1)
	claimsSelf.TrustStatus = schema.TrustSelf
	if applied, err := reg.MergeRecord(ctx, claimsSelf); err != nil || !applied {
		t.Errorf("remote self-status record: applied=%v err=%v", applied, err)
	}
	normalized, _, _ := reg.Get(ctx, "web-02")
	if normalized.TrustStatus != schema.TrustPending {
		t.Errorf("normalized trust = %q", normalized.TrustStatus)
	}

	// A bad record in a batch does not block the rest.
	good := trustedRecord("web-03", testNow-5, 1)
	appliedRecords, _, err := reg.MergeBatch(ctx, []schema.NodeRecord{bad, good}, nil)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if appliedRecords != 1 {
		t.Errorf("batch applied %d records", appliedRecords)
	}
	if _, found, _ := reg.Get(ctx, "web-03"); !found {
		t.Error("good record in mixed batch was dropped")
	}
}

func TestMergeRecordSelfStatusKeepsLocalView(t *testing.T) {
	reg, _ := testRegistry(t, "self-01")
	ctx := context.Background()

	_, _ = reg.MergeRecord(ctx, trustedRecord("web-01", testNow-100, 1))

	// The owner re-announces itself every heartbeat with a fresher
	// stamp; that must not demote our trusted view.
	announce := trustedRecord("web-01", testNow-10, 1)
	announce.TrustStatus = schema.TrustSelf
	announce.Name = "renamed"
	if applied, err := reg.MergeRecord(ctx, announce); err != nil || !applied {
		t.Fatalf("announce: applied=%v err=%v", applied, err)
	}
	stored, _, _ := reg.Get(ctx, "web-01")
	if stored.TrustStatus != schema.TrustTrusted || stored.Name != "renamed" {
		t.Errorf("stored = %+v", stored)
	}
}

// Merges must converge regardless of delivery order: any permutation of
// the same record set leaves every replica with the same winner.
func TestMergeOrderIndependence(t *testing.T) {
	copies := []schema.NodeRecord{
		trustedRecord("web-01", testNow-100, 1),
		trustedRecord("web-01", testNow-50, 3),
		trustedRecord("web-01", testNow-50, 4),
		trustedRecord("web-01", testNow-200, 9),
	}
	copies[2].Name = "winner"

	rng := rand.New(rand.NewSource(42))
	for trial := range 6 {
		reg, _ := testRegistry(t, "self-01")
		ctx := context.Background()

		order := rng.Perm(len(copies))
		for _, i := range order {
			if _, err := reg.MergeRecord(ctx, copies[i]); err != nil {
				t.Fatalf("trial %d merge: %v", trial, err)
			}
		}
		stored, found, _ := reg.Get(ctx, "web-01")
		if !found || stored.Name != "winner" {
			t.Errorf("trial %d order %v converged to %+v", trial, order, stored)
		}
	}
}

func TestMergeStateLastWriterWins(t *testing.T) {
	reg, _ := testRegistry(t, "self-01")
	ctx := context.Background()

	older := schema.NodeState{NodeID: "web-01", Status: schema.StatusOnline, LastSeen: testNow - 60, UpdatedAt: testNow - 60}
	newer := schema.NodeState{NodeID: "web-01", Status: schema.StatusOffline, LastSeen: testNow - 60, UpdatedAt: testNow - 10}

	if applied, _ := reg.MergeState(ctx, newer); !applied {
		t.Fatal("merge newer state")
	}
	if applied, _ := reg.MergeState(ctx, older); applied {
		t.Fatal("older state overwrote newer")
	}
	stored, _, _ := reg.GetState(ctx, "web-01")
	if stored.Status != schema.StatusOffline {
		t.Errorf("status = %q", stored.Status)
	}
}

func TestRecordsSinceFilters(t *testing.T) {
	reg, _ := testRegistry(t, "self-01")
	ctx := context.Background()

	_, _ = reg.MergeRecord(ctx, trustedRecord("web-01", testNow-100, 1))
	_, _ = reg.MergeRecord(ctx, trustedRecord("web-02", testNow-10, 1))

	changed, err := reg.RecordsSince(ctx, testNow-50)
	if err != nil {
		t.Fatalf("since: %v", err)
	}
	if len(changed) != 1 || changed[0].NodeID != "web-02" {
		t.Errorf("changed = %+v", changed)
	}

	// Boundary is strict: a record updated exactly at the cursor was
	// already delivered by the exchange that set the cursor.
	changed, _ = reg.RecordsSince(ctx, testNow-10)
	if len(changed) != 0 {
		t.Errorf("boundary record re-delivered: %+v", changed)
	}
}

func TestSetTrustKickAndTerminal(t *testing.T) {
	reg, _ := testRegistry(t, "self-01")
	ctx := context.Background()

	_, _ = reg.MergeRecord(ctx, trustedRecord("web-01", testNow-100, 1))

	kicked, err := reg.SetTrust(ctx, "web-01", schema.TrustKicked)
	if err != nil {
		t.Fatalf("kick: %v", err)
	}
	if kicked.TrustStatus != schema.TrustKicked || kicked.KickedAt != testNow {
		t.Errorf("kicked = %+v", kicked)
	}
	if kicked.UpdatedAt != testNow || kicked.Version != 2 {
		t.Errorf("kick not restamped: (%d, %d)", kicked.UpdatedAt, kicked.Version)
	}

	if _, err := reg.SetTrust(ctx, "web-01", schema.TrustTrusted); err == nil {
		t.Fatal("un-kick succeeded; tombstones must be terminal")
	}
	if _, err := reg.SetTrust(ctx, "self-01", schema.TrustKicked); err == nil {
		t.Fatal("kicked own record")
	}
	if _, err := reg.SetTrust(ctx, "ghost-01", schema.TrustTrusted); err == nil {
		t.Fatal("set trust on unknown node")
	}

	isKicked, err := reg.IsKicked(ctx, "web-01")
	if err != nil || !isKicked {
		t.Errorf("IsKicked = %v, %v", isKicked, err)
	}
}

func TestCursorMonotone(t *testing.T) {
	reg, _ := testRegistry(t, "self-01")
	ctx := context.Background()

	if cursor, err := reg.Cursor(ctx, "web-01"); err != nil || cursor != 0 {
		t.Fatalf("initial cursor = %d, %v", cursor, err)
	}

	if err := reg.AdvanceCursor(ctx, "web-01", testNow-10); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := reg.AdvanceCursor(ctx, "web-01", testNow-50); err != nil {
		t.Fatalf("stale advance: %v", err)
	}
	cursor, _ := reg.Cursor(ctx, "web-01")
	if cursor != testNow-10 {
		t.Errorf("cursor regressed to %d", cursor)
	}
}

func TestRecordSeenResetsFailures(t *testing.T) {
	reg, clk := testRegistry(t, "self-01")
	ctx := context.Background()

	_, _ = reg.MergeState(ctx, schema.NodeState{
		NodeID: "web-01", Status: schema.StatusOffline,
		HeartbeatFailures: 4, UpdatedAt: testNow - 60,
	})
	clk.Advance(time.Second)
	if err := reg.RecordSeen(ctx, "web-01", []byte(`{"cpu":1}`)); err != nil {
		t.Fatalf("record seen: %v", err)
	}

	state, _, _ := reg.GetState(ctx, "web-01")
	if state.Status != schema.StatusOnline || state.HeartbeatFailures != 0 {
		t.Errorf("state = %+v", state)
	}
	if state.LastSeen != testNow+1 {
		t.Errorf("LastSeen = %d", state.LastSeen)
	}
	if string(state.SystemInfo) != `{"cpu":1}` {
		t.Errorf("SystemInfo = %s", state.SystemInfo)
	}
}

func TestSweepLiveness(t *testing.T) {
	reg, _ := testRegistry(t, "self-01")
	ctx := context.Background()

	_, _ = reg.MergeState(ctx, schema.NodeState{
		NodeID: "stale-01", Status: schema.StatusOnline,
		LastSeen: testNow - 120, UpdatedAt: testNow - 120,
	})
	_, _ = reg.MergeState(ctx, schema.NodeState{
		NodeID: "fresh-01", Status: schema.StatusOnline,
		LastSeen: testNow - 5, UpdatedAt: testNow - 5,
	})
	_, _ = reg.MergeState(ctx, schema.NodeState{
		NodeID: "self-01", Status: schema.StatusOnline,
		LastSeen: testNow - 120, UpdatedAt: testNow - 120,
	})

	marked, err := reg.SweepLiveness(ctx, 60*time.Second)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(marked) != 1 || marked[0] != "stale-01" {
		t.Errorf("marked %v", marked)
	}

	stale, _, _ := reg.GetState(ctx, "stale-01")
	if stale.Status != schema.StatusOffline || stale.UpdatedAt != testNow {
		t.Errorf("stale state %+v", stale)
	}
	fresh, _, _ := reg.GetState(ctx, "fresh-01")
	if fresh.Status != schema.StatusOnline {
		t.Errorf("fresh node swept: %+v", fresh)
	}
	self, _, _ := reg.GetState(ctx, "self-01")
	if self.Status != schema.StatusOnline {
		t.Errorf("own state swept: %+v", self)
	}

	// Second sweep is a no-op; offline nodes are not re-marked.
	marked, _ = reg.SweepLiveness(ctx, 60*time.Second)
	if len(marked) != 0 {
		t.Errorf("re-marked %v", marked)
	}
}

func TestSweepTombstones(t *testing.T) {
	reg, _ := testRegistry(t, "self-01")
	ctx := context.Background()

	old := trustedRecord("old-01", testNow-7200, 1)
	old.TrustStatus = schema.TrustKicked
	old.KickedAt = testNow - 7200
	recent := trustedRecord("recent-01", testNow-60, 1)
	recent.TrustStatus = schema.TrustKicked
	recent.KickedAt = testNow - 60

	_, _ = reg.MergeRecord(ctx, old)
	_, _ = reg.MergeRecord(ctx, recent)
	_, _ = reg.MergeRecord(ctx, trustedRecord("live-01", testNow-7200, 1))

	// TTL zero keeps everything.
	if collected, err := reg.SweepTombstones(ctx, 0); err != nil || collected != 0 {
		t.Fatalf("ttl=0 collected %d, %v", collected, err)
	}

	collected, err := reg.SweepTombstones(ctx, time.Hour)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if collected != 1 {
		t.Errorf("collected %d", collected)
	}
	if _, found, _ := reg.Get(ctx, "old-01"); found {
		t.Error("expired tombstone survived")
	}
	if _, found, _ := reg.Get(ctx, "recent-01"); !found {
		t.Error("recent tombstone collected early")
	}
	if _, found, _ := reg.Get(ctx, "live-01"); !found {
		t.Error("live record collected")
	}
}
