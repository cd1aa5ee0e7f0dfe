package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

// newTestStore starts a miniredis server and returns a RedisStore backed by
// it plus the server handle for clock control.
func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	s, err := NewRedisStoreFromURL(context.Background(), "redis://"+mr.Addr())
	if err != nil {
		t.Fatalf("NewRedisStoreFromURL: %v", err)
	}

	t.Cleanup(func() { _ = s.Close() })

	return s, mr
}

func TestRedisStore_GetMiss(t *testing.T) {
	s, _ := newTestStore(t)

	data, ok := s.Get(context.Background(), "nonexistent-key")
	if ok {
		t.Fatal("expected miss, got hit")
	}
	if data != nil {
		t.Fatalf("expected nil data on miss, got %v", data)
	}
}

func TestRedisStore_SetAndGet(t *testing.T) {
	s, _ := newTestStore(t)

	key := "fp-abc"
	want := []byte(`{"answer":42}`)

	if err := s.Set(context.Background(), key, want, time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, ok := s.Get(context.Background(), key)
	if !ok {
		t.Fatal("expected hit, got miss")
	}
	if string(got) != string(want) {
		t.Fatalf("Get returned %q, want %q", got, want)
	}
}

func TestRedisStore_TTLExpires(t *testing.T) {
	s, mr := newTestStore(t)

	key := "ttl-key"
	ttl := 10 * time.Second

	if err := s.Set(context.Background(), key, []byte("payload"), ttl); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, ok := s.Get(context.Background(), key); !ok {
		t.Fatal("key should exist before TTL expires")
	}

	mr.FastForward(ttl + time.Second)

	if _, ok := s.Get(context.Background(), key); ok {
		t.Fatal("key should have expired after TTL")
	}
}

func TestRedisStore_Delete(t *testing.T) {
	s, _ := newTestStore(t)

	key := "delete-key"
	if err := s.Set(context.Background(), key, []byte("x"), time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Delete(context.Background(), key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := s.Get(context.Background(), key); ok {
		t.Fatal("key should be gone after Delete")
	}

	// Deleting a missing key is not an error.
	if err := s.Delete(context.Background(), "ghost"); err != nil {
		t.Fatalf("Delete of missing key: %v", err)
	}
}

func TestRedisStore_Scan(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for _, k := range []string{"a", "b", "c"} {
		if err := s.Set(ctx, k, []byte("v-"+k), time.Hour); err != nil {
			t.Fatalf("Set %s: %v", k, err)
		}
	}

	seen := map[string]string{}
	err := s.Scan(ctx, func(key string, value []byte) bool {
		seen[key] = string(value)
		return true
	})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(seen) != 3 {
		t.Fatalf("Scan visited %d entries, want 3", len(seen))
	}
	if seen["b"] != "v-b" {
		t.Errorf("Scan value for b = %q, want v-b", seen["b"])
	}

	// Early stop.
	visits := 0
	err = s.Scan(ctx, func(string, []byte) bool {
		visits++
		return false
	})
	if err != nil {
		t.Fatalf("Scan with early stop: %v", err)
	}
	if visits != 1 {
		t.Errorf("early stop visited %d entries, want 1", visits)
	}
}

func TestRedisStore_GracefulDegradation(t *testing.T) {
	mr := miniredis.RunT(t)

	s, err := NewRedisStoreFromURL(context.Background(), "redis://"+mr.Addr())
	if err != nil {
		t.Fatalf("NewRedisStoreFromURL: %v", err)
	}
	defer func() { _ = s.Close() }()

	// Take the server down.
	mr.Close()

	if _, ok := s.Get(context.Background(), "any"); ok {
		t.Fatal("expected miss when Redis is down")
	}
	if err := s.Set(context.Background(), "any", []byte("v"), time.Hour); err != nil {
		t.Fatalf("Set must return nil on Redis error, got: %v", err)
	}
}

func TestRedisStore_InvalidURL(t *testing.T) {
	_, err := NewRedisStoreFromURL(context.Background(), "not-a-valid-url")
	if err == nil {
		t.Fatal("expected error for invalid URL")
	}
}

func TestStoreImplementations(t *testing.T) {
	var _ Store = (*RedisStore)(nil)
	var _ Store = (*MemoryStore)(nil)
}
