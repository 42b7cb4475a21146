// Copyright 2026 The Server Farm Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"context"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/chhuo/server-farm/lib/clock"
	"github.com/chhuo/server-farm/lib/config"
	"github.com/chhuo/server-farm/lib/schema"
	"github.com/chhuo/server-farm/lib/storage"
)

func testStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "id.db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestBootstrapFirstBoot(t *testing.T) {
	store := testStore(t)
	clk := clock.Fake(time.Unix(1_700_000_000, 0))

	id, err := Bootstrap(context.Background(), store, config.Default(), clk, nil)
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	if err := schema.ValidateNodeID(id.NodeID); err != nil {
		t.Errorf("generated node ID %q invalid: %v", id.NodeID, err)
	}
	if id.CreatedAt != 1_700_000_000 {
		t.Errorf("CreatedAt = %d", id.CreatedAt)
	}
	if id.SharedSecret == "" {
		t.Error("no shared secret generated")
	}
	if len(id.Fingerprint()) != fingerprintLen {
		t.Errorf("fingerprint %q has wrong length", id.Fingerprint())
	}
}

func TestBootstrapIsStable(t *testing.T) {
	store := testStore(t)
	clk := clock.Fake(time.Unix(1_700_000_000, 0))
	ctx := context.Background()

	first, err := Bootstrap(ctx, store, config.Default(), clk, nil)
	if err != nil {
		t.Fatalf("first bootstrap: %v", err)
	}

	clk.Advance(time.Hour)
	second, err := Bootstrap(ctx, store, config.Default(), clk, nil)
	if err != nil {
		t.Fatalf("second bootstrap: %v", err)
	}

	if second.NodeID != first.NodeID {
		t.Errorf("node ID changed across boots: %q then %q", first.NodeID, second.NodeID)
	}
	if second.PublicKeyHex() != first.PublicKeyHex() {
		t.Error("keypair changed across boots")
	}
	if second.SharedSecret != first.SharedSecret {
		t.Error("shared secret changed across boots")
	}
	if second.CreatedAt != first.CreatedAt {
		t.Errorf("CreatedAt changed: %d then %d", first.CreatedAt, second.CreatedAt)
	}
}

func TestBootstrapConfiguredIDAndSecret(t *testing.T) {
	store := testStore(t)
	clk := clock.Fake(time.Unix(1_700_000_000, 0))

	cfg := config.Default()
	cfg.Node.ID = "web-01"
	cfg.Security.ClusterSecret = "network-secret"

	id, err := Bootstrap(context.Background(), store, cfg, clk, nil)
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if id.NodeID != "web-01" {
		t.Errorf("NodeID = %q, want pinned web-01", id.NodeID)
	}
	if id.SharedSecret != "network-secret" {
		t.Errorf("configured secret not adopted, got %q", id.SharedSecret)
	}
}

func TestBootstrapRejectsBadConfiguredID(t *testing.T) {
	store := testStore(t)
	clk := clock.Fake(time.Unix(1_700_000_000, 0))

	cfg := config.Default()
	cfg.Node.ID = "Not Valid!"

	if _, err := Bootstrap(context.Background(), store, cfg, clk, nil); err == nil {
		t.Fatal("expected error for invalid configured node ID")
	}
}

func TestBootstrapCorruptRecordIsFatal(t *testing.T) {
	store := testStore(t)
	clk := clock.Fake(time.Unix(1_700_000_000, 0))
	ctx := context.Background()

	if err := store.Set(ctx, storageKey, []byte("garbage")); err != nil {
		t.Fatalf("set: %v", err)
	}
	_, err := Bootstrap(ctx, store, config.Default(), clk, nil)
	if err == nil {
		t.Fatal("expected error for corrupt identity record")
	}
	if !strings.Contains(err.Error(), "corrupt") {
		t.Errorf("error %q does not name corruption", err)
	}
}

func TestSelfRecord(t *testing.T) {
	store := testStore(t)
	clk := clock.Fake(time.Unix(1_700_000_000, 0))

	cfg := config.Default()
	cfg.Node.ID = "web-01"
	cfg.Node.Connectable = true
	cfg.Server.Host = "192.0.2.7"
	cfg.Server.Port = 8300

	id, err := Bootstrap(context.Background(), store, cfg, clk, nil)
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	record := id.SelfRecord(schema.ModeFull)
	if record.NodeID != "web-01" || record.Mode != schema.ModeFull {
		t.Errorf("record = %+v", record)
	}
	if record.TrustStatus != schema.TrustSelf {
		t.Errorf("TrustStatus = %q", record.TrustStatus)
	}
	if record.Host != "192.0.2.7" || record.Port != 8300 {
		t.Errorf("advertise %s:%d", record.Host, record.Port)
	}
	if record.PublicKey != id.PublicKeyHex() || record.Fingerprint != id.Fingerprint() {
		t.Error("record does not carry the identity's key material")
	}
	if record.UpdatedAt != 0 || record.Version != 0 {
		t.Error("SelfRecord should leave logical time for the registry to stamp")
	}
}

func TestAdvertiseHostConcreteBind(t *testing.T) {
	if got := AdvertiseHost("192.0.2.7"); got != "192.0.2.7" {
		t.Errorf("AdvertiseHost = %q", got)
	}
}

func TestFingerprintOf(t *testing.T) {
	a := FingerprintOf("aabbcc")
	b := FingerprintOf("aabbcd")
	if len(a) != fingerprintLen {
		t.Errorf("length %d", len(a))
	}
	if a == b {
		t.Error("distinct keys share a fingerprint")
	}
	if a != FingerprintOf("aabbcc") {
		t.Error("fingerprint is not deterministic")
	}
	if FingerprintOf("") != "" {
		t.Error("empty key should have empty fingerprint")
	}
}

func bootstrapTestIdentity(t *testing.T, nodeID string) *Identity {
	t.Helper()
	cfg := config.Default()
	cfg.Node.ID = nodeID
	id, err := Bootstrap(context.Background(), testStore(t), cfg, clock.Fake(time.Unix(1_700_000_000, 0)), nil)
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	return id
}

func TestSignVerifyRoundTrip(t *testing.T) {
	id := bootstrapTestIdentity(t, "web-01")
	body := []byte(`{"sender_id":"web-01"}`)
	now := time.Unix(1_700_000_000, 0)

	header := http.Header{}
	id.SignRequest(header, body, now)

	sender, err := VerifyRequest(header, body, id.PublicKeyHex(), now.Add(5*time.Second))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if sender != "web-01" {
		t.Errorf("sender = %q", sender)
	}
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	id := bootstrapTestIdentity(t, "web-01")
	now := time.Unix(1_700_000_000, 0)

	header := http.Header{}
	id.SignRequest(header, []byte("original"), now)

	if _, err := VerifyRequest(header, []byte("tampered"), id.PublicKeyHex(), now); err == nil {
		t.Fatal("tampered body verified")
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	signer := bootstrapTestIdentity(t, "web-01")
	other := bootstrapTestIdentity(t, "web-02")
	body := []byte("payload")
	now := time.Unix(1_700_000_000, 0)

	header := http.Header{}
	signer.SignRequest(header, body, now)

	if _, err := VerifyRequest(header, body, other.PublicKeyHex(), now); err == nil {
		t.Fatal("signature verified against the wrong key")
	}
}

func TestVerifyRejectsStaleTimestamp(t *testing.T) {
	id := bootstrapTestIdentity(t, "web-01")
	body := []byte("payload")
	signedAt := time.Unix(1_700_000_000, 0)

	header := http.Header{}
	id.SignRequest(header, body, signedAt)

	_, err := VerifyRequest(header, body, id.PublicKeyHex(), signedAt.Add(MaxSignatureAge+time.Second))
	if err == nil {
		t.Fatal("replayed signature verified")
	}
}

func TestVerifyUnknownSenderSkipsSignature(t *testing.T) {
	id := bootstrapTestIdentity(t, "web-01")
	body := []byte("payload")
	now := time.Unix(1_700_000_000, 0)

	header := http.Header{}
	id.SignRequest(header, body, now)

	// Receiver has no key on file yet: timestamp and body hash still
	// gate the request, the signature does not.
	sender, err := VerifyRequest(header, body, "", now)
	if err != nil {
		t.Fatalf("verify without key: %v", err)
	}
	if sender != "web-01" {
		t.Errorf("sender = %q", sender)
	}
	if _, err := VerifyRequest(header, []byte("tampered"), "", now); err == nil {
		t.Fatal("tampered body verified without key")
	}
}
