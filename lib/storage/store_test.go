// Copyright 2026 The Server Farm Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(Config{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestGetAbsent(t *testing.T) {
	store := openTestStore(t)
	_, found, err := store.Get(context.Background(), "node/missing")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if found {
		t.Error("found an absent key")
	}
}

func TestSetGetRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.Set(ctx, "node/web-01", []byte("payload")); err != nil {
		t.Fatalf("set: %v", err)
	}
	value, found, err := store.Get(ctx, "node/web-01")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !found || !bytes.Equal(value, []byte("payload")) {
		t.Errorf("got %q found=%v", value, found)
	}

	// Overwrite.
	if err := store.Set(ctx, "node/web-01", []byte("updated")); err != nil {
		t.Fatalf("set: %v", err)
	}
	value, _, _ = store.Get(ctx, "node/web-01")
	if !bytes.Equal(value, []byte("updated")) {
		t.Errorf("after overwrite got %q", value)
	}
}

func TestUpdateCreatesAndMutates(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	err := store.Update(ctx, "counter", func(current []byte, found bool) ([]byte, error) {
		if found {
			t.Error("first update should not find a value")
		}
		return []byte("1"), nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	err = store.Update(ctx, "counter", func(current []byte, found bool) ([]byte, error) {
		if !found || !bytes.Equal(current, []byte("1")) {
			t.Errorf("second update saw %q found=%v", current, found)
		}
		return []byte("2"), nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	value, _, _ := store.Get(ctx, "counter")
	if !bytes.Equal(value, []byte("2")) {
		t.Errorf("final value %q", value)
	}
}

func TestUpdateErrorAborts(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_ = store.Set(ctx, "k", []byte("before"))
	err := store.Update(ctx, "k", func(current []byte, found bool) ([]byte, error) {
		return nil, fmt.Errorf("reject")
	})
	if err == nil {
		t.Fatal("expected error from update")
	}
	value, _, _ := store.Get(ctx, "k")
	if !bytes.Equal(value, []byte("before")) {
		t.Errorf("aborted update changed value to %q", value)
	}
}

func TestUpdateNilDeletes(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_ = store.Set(ctx, "k", []byte("v"))
	err := store.Update(ctx, "k", func([]byte, bool) ([]byte, error) { return nil, nil })
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, found, _ := store.Get(ctx, "k"); found {
		t.Error("key survived nil update")
	}
}

func TestListPrefix(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for _, key := range []string{"node/a", "node/b", "state/a", "task/x"} {
		if err := store.Set(ctx, key, []byte(key)); err != nil {
			t.Fatalf("set %s: %v", key, err)
		}
	}

	var keys []string
	err := store.List(ctx, "node/", func(key string, value []byte) error {
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 2 || keys[0] != "node/a" || keys[1] != "node/b" {
		t.Errorf("listed %v", keys)
	}
}

func TestConcurrentUpdatesSerialize(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	const writers = 8
	const perWriter = 10
	var wg sync.WaitGroup
	for range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perWriter {
				err := store.Update(ctx, "tally", func(current []byte, found bool) ([]byte, error) {
					n := 0
					if found {
						fmt.Sscanf(string(current), "%d", &n)
					}
					return fmt.Appendf(nil, "%d", n+1), nil
				})
				if err != nil {
					t.Errorf("update: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	value, _, _ := store.Get(ctx, "tally")
	if string(value) != fmt.Sprintf("%d", writers*perWriter) {
		t.Errorf("tally = %s, want %d (lost updates)", value, writers*perWriter)
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persist.db")
	ctx := context.Background()

	store, err := Open(Config{Path: path})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := store.Set(ctx, "node/a", []byte("survives")); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(Config{Path: path})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	value, found, err := reopened.Get(ctx, "node/a")
	if err != nil || !found || !bytes.Equal(value, []byte("survives")) {
		t.Errorf("after reopen: value=%q found=%v err=%v", value, found, err)
	}
}
