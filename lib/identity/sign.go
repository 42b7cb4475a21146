// Copyright 2026 The Server Farm Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/zeebo/blake3"
)

// Signature headers carried on every signed peer request.
const (
	HeaderNodeID    = "X-Node-Id"
	HeaderTimestamp = "X-Node-Ts"
	HeaderBodyHash  = "X-Body-Hash"
	HeaderSignature = "X-Node-Sig"
)

// MaxSignatureAge is the replay window: a signature whose timestamp is
// further than this from the receiver's clock (either direction) is
// rejected.
const MaxSignatureAge = 60 * time.Second

// signedMessage builds the canonical byte string the signature covers.
// The newline separators make the fields non-malleable without a
// length-prefixed encoding.
func signedMessage(nodeID string, timestamp int64, bodyHash string) []byte {
	return fmt.Appendf(nil, "%s\n%d\n%s", nodeID, timestamp, bodyHash)
}

// hashBody returns the hex blake3 digest of a request body.
func hashBody(body []byte) string {
	sum := blake3.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// SignRequest stamps the four signature headers onto an outbound
// request for the given body at the given time.
func (id *Identity) SignRequest(header http.Header, body []byte, now time.Time) {
	timestamp := now.Unix()
	bodyHash := hashBody(body)
	signature := ed25519.Sign(id.private, signedMessage(id.NodeID, timestamp, bodyHash))

	header.Set(HeaderNodeID, id.NodeID)
	header.Set(HeaderTimestamp, strconv.FormatInt(timestamp, 10))
	header.Set(HeaderBodyHash, bodyHash)
	header.Set(HeaderSignature, hex.EncodeToString(signature))
}

// VerifyRequest checks the signature headers of an inbound request
// against a sender public key and returns the claimed sender node ID.
// publicKeyHex may be empty when the sender is not yet known to the
// registry; the signature then cannot be checked and only the
// timestamp window and body hash are enforced, leaving the trust
// decision to the join flow.
func VerifyRequest(header http.Header, body []byte, publicKeyHex string, now time.Time) (string, error) {
	nodeID := header.Get(HeaderNodeID)
	if nodeID == "" {
		return "", fmt.Errorf("missing %s header", HeaderNodeID)
	}

	timestamp, err := strconv.ParseInt(header.Get(HeaderTimestamp), 10, 64)
	if err != nil {
		return "", fmt.Errorf("bad %s header: %w", HeaderTimestamp, err)
	}
	age := now.Sub(time.Unix(timestamp, 0))
	if age > MaxSignatureAge || age < -MaxSignatureAge {
		return "", fmt.Errorf("signature timestamp outside replay window (%s)", age)
	}

	bodyHash := header.Get(HeaderBodyHash)
	if bodyHash != hashBody(body) {
		return "", fmt.Errorf("body hash mismatch")
	}

	if publicKeyHex == "" {
		return nodeID, nil
	}

	publicKey, err := hex.DecodeString(publicKeyHex)
	if err != nil || len(publicKey) != ed25519.PublicKeySize {
		return "", fmt.Errorf("sender public key is not a valid ed25519 key")
	}
	signature, err := hex.DecodeString(header.Get(HeaderSignature))
	if err != nil {
		return "", fmt.Errorf("bad %s header: %w", HeaderSignature, err)
	}
	if !ed25519.Verify(ed25519.PublicKey(publicKey), signedMessage(nodeID, timestamp, bodyHash), signature) {
		return "", fmt.Errorf("signature verification failed for %s", nodeID)
	}
	return nodeID, nil
}
