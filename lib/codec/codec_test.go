// Copyright 2026 The Server Farm Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	type record struct {
		NodeID  string `cbor:"node_id"`
		Version int64  `cbor:"version"`
	}

	original := record{NodeID: "web-01-a3f2", Version: 7}
	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded record
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded != original {
		t.Errorf("round trip mismatch: got %+v, want %+v", decoded, original)
	}
}

func TestDeterministicEncoding(t *testing.T) {
	value := map[string]any{"b": 2, "a": 1, "c": []any{"x", "y"}}

	first, err := Marshal(value)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	second, err := Marshal(value)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Error("same value produced different encodings")
	}
}

func TestDecodeIntoAny(t *testing.T) {
	data, err := Marshal(map[string]any{"cpu": map[string]any{"percent": 12}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded any
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	outer, ok := decoded.(map[string]any)
	if !ok {
		t.Fatalf("decoded type %T, want map[string]any", decoded)
	}
	if _, ok := outer["cpu"].(map[string]any); !ok {
		t.Errorf("nested map type %T, want map[string]any", outer["cpu"])
	}
}
