// Copyright 2026 The Server Farm Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/chhuo/server-farm/lib/clock"
	"github.com/chhuo/server-farm/lib/codec"
	"github.com/chhuo/server-farm/lib/config"
	"github.com/chhuo/server-farm/lib/schema"
	"github.com/chhuo/server-farm/lib/storage"
)

// storageKey is where the identity record lives in the record store.
const storageKey = "identity"

// fingerprintLen is the number of hex characters shown to humans.
// 16 hex chars = 64 bits, enough that two nodes colliding by accident
// is not a practical concern for fleet sizes this system targets.
const fingerprintLen = 16

// Identity is this node's persistent identity plus the listen/advertise
// configuration resolved at bootstrap. Immutable after Bootstrap except
// for the display name and reachability fields, which admins may change
// at runtime through the registry (not here).
type Identity struct {
	NodeID    string
	Name      string
	CreatedAt int64

	// SharedSecret authenticates every peer call.
	SharedSecret string

	Host        string
	Port        int
	Connectable bool
	PublicURL   string

	private ed25519.PrivateKey
	public  ed25519.PublicKey
}

// persisted is the CBOR shape of the identity record.
type persisted struct {
	NodeID       string `cbor:"node_id"`
	CreatedAt    int64  `cbor:"created_at"`
	PrivateKey   string `cbor:"private_key"`
	PublicKey    string `cbor:"public_key"`
	SharedSecret string `cbor:"shared_secret"`
}

// Bootstrap loads the persisted identity or creates one on first boot.
// A record that exists but cannot be decoded or fails key validation is
// the one fatal bootstrap condition: the error is returned for the
// daemon to surface and exit on, never silently regenerated — doing so
// would mint a second identity for a machine the network already knows.
func Bootstrap(ctx context.Context, store *storage.Store, cfg config.Config, clk clock.Clock, logger *slog.Logger) (*Identity, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	id := &Identity{
		Name:        cfg.Node.Name,
		Host:        cfg.Server.Host,
		Port:        cfg.Server.Port,
		Connectable: cfg.Node.Connectable,
		PublicURL:   cfg.Node.PublicURL,
	}
	if id.Name == "" {
		if hostname, err := os.Hostname(); err == nil {
			id.Name = hostname
		}
	}

	raw, found, err := store.Get(ctx, storageKey)
	if err != nil {
		return nil, fmt.Errorf("identity: reading record: %w", err)
	}

	if found {
		var rec persisted
		if err := codec.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("identity: record is corrupt: %w", err)
		}
		if err := id.adopt(rec); err != nil {
			return nil, fmt.Errorf("identity: record is corrupt: %w", err)
		}
		logger.Info("identity loaded",
			"node_id", id.NodeID,
			"fingerprint", id.Fingerprint(),
		)
	} else {
		rec, err := newPersisted(cfg.Node.ID, clk)
		if err != nil {
			return nil, err
		}
		if err := id.adopt(rec); err != nil {
			return nil, err
		}
		encoded, err := codec.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("identity: encoding record: %w", err)
		}
		if err := store.Set(ctx, storageKey, encoded); err != nil {
			return nil, fmt.Errorf("identity: persisting record: %w", err)
		}
		logger.Info("first boot, identity generated",
			"node_id", id.NodeID,
			"fingerprint", id.Fingerprint(),
		)
	}

	// A secret from configuration always wins over the generated
	// one: a node joining an existing network must speak that
	// network's secret.
	if cfg.Security.ClusterSecret != "" {
		id.SharedSecret = cfg.Security.ClusterSecret
	}

	return id, nil
}

// newPersisted generates a fresh identity record. configuredID pins
// the node ID when non-empty; otherwise the ID is hostname plus a
// random hex suffix.
func newPersisted(configuredID string, clk clock.Clock) (persisted, error) {
	nodeID := configuredID
	if nodeID == "" {
		nodeID = generateNodeID()
	}
	if err := schema.ValidateNodeID(nodeID); err != nil {
		return persisted{}, fmt.Errorf("identity: %w", err)
	}

	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return persisted{}, fmt.Errorf("identity: generating keypair: %w", err)
	}

	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return persisted{}, fmt.Errorf("identity: generating secret: %w", err)
	}

	return persisted{
		NodeID:       nodeID,
		CreatedAt:    clk.Now().Unix(),
		PrivateKey:   hex.EncodeToString(private),
		PublicKey:    hex.EncodeToString(public),
		SharedSecret: hex.EncodeToString(secretBytes),
	}, nil
}

// adopt validates a persisted record and installs it on the Identity.
func (id *Identity) adopt(rec persisted) error {
	if err := schema.ValidateNodeID(rec.NodeID); err != nil {
		return err
	}
	private, err := hex.DecodeString(rec.PrivateKey)
	if err != nil || len(private) != ed25519.PrivateKeySize {
		return fmt.Errorf("private key is not a valid ed25519 key")
	}
	public, err := hex.DecodeString(rec.PublicKey)
	if err != nil || len(public) != ed25519.PublicKeySize {
		return fmt.Errorf("public key is not a valid ed25519 key")
	}

	id.NodeID = rec.NodeID
	id.CreatedAt = rec.CreatedAt
	id.private = ed25519.PrivateKey(private)
	id.public = ed25519.PublicKey(public)
	id.SharedSecret = rec.SharedSecret
	return nil
}

// generateNodeID builds "hostname-xxxx" from the lowercased hostname
// and two random bytes.
func generateNodeID() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "node"
	}
	hostname = strings.ToLower(hostname)
	hostname = strings.ReplaceAll(hostname, " ", "-")
	if len(hostname) > 16 {
		hostname = hostname[:16]
	}
	hostname = strings.Trim(hostname, "-.")

	suffix := make([]byte, 2)
	_, _ = rand.Read(suffix)
	return fmt.Sprintf("%s-%s", hostname, hex.EncodeToString(suffix))
}

// PublicKeyHex returns the hex-encoded ed25519 public key carried in
// this node's record.
func (id *Identity) PublicKeyHex() string {
	return hex.EncodeToString(id.public)
}

// Fingerprint returns the short blake3 digest of the public key shown
// to humans during join approval.
func (id *Identity) Fingerprint() string {
	return FingerprintOf(id.PublicKeyHex())
}

// FingerprintOf computes the fingerprint for any hex-encoded public
// key, so receivers can derive it for remote records.
func FingerprintOf(publicKeyHex string) string {
	if publicKeyHex == "" {
		return ""
	}
	sum := blake3.Sum256([]byte(publicKeyHex))
	return hex.EncodeToString(sum[:])[:fingerprintLen]
}

// SelfRecord assembles this node's own NodeRecord for the given mode.
// UpdatedAt/Version are zero; the registry stamps them when the record
// is written, keeping logical-time bookkeeping in one place.
func (id *Identity) SelfRecord(mode schema.Mode) schema.NodeRecord {
	return schema.NodeRecord{
		NodeID:      id.NodeID,
		Name:        id.Name,
		Mode:        mode,
		Connectable: id.Connectable,
		Host:        AdvertiseHost(id.Host),
		Port:        id.Port,
		PublicURL:   id.PublicURL,
		PublicKey:   id.PublicKeyHex(),
		Fingerprint: id.Fingerprint(),
		TrustStatus: schema.TrustSelf,
	}
}

// AdvertiseHost resolves the address peers should dial. A concrete
// bind address is advertised as-is; a wildcard bind is resolved by
// asking the kernel which interface routes externally (no packet is
// sent — the socket is datagram and never written to).
func AdvertiseHost(bind string) string {
	if bind != "" && bind != "0.0.0.0" && bind != "::" {
		return bind
	}
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return "127.0.0.1"
}
