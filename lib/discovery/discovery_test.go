// Copyright 2026 The Server Farm Authors
// SPDX-License-Identifier: Apache-2.0

package discovery

import (
	"testing"
	"time"
)

func TestNewDisabledWithoutEndpoints(t *testing.T) {
	registrar, err := New(Config{
		Namespace: "/farm/nodes",
		LeaseTTL:  15 * time.Second,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if registrar != nil {
		t.Fatal("expected nil registrar when no endpoints are configured")
	}
}
