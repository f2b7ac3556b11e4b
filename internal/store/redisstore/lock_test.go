package redisstore

import (
	"context"
	"os"
	"testing"
	"time"
)

// Needs a live redis; set REDIS_TEST_ADDR to run.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	s := NewStore(addr, "", 0, time.Minute)
	if err := s.Ping(context.Background()); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAcquire_IsExclusive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := "test-" + time.Now().Format("150405.000000000")

	release, ok, err := s.Acquire(ctx, id)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	if _, ok, err := s.Acquire(ctx, id); err != nil || ok {
		t.Fatalf("second acquire must fail: ok=%v err=%v", ok, err)
	}

	release()
	release()

	again, ok, err := s.Acquire(ctx, id)
	if err != nil || !ok {
		t.Fatalf("acquire after release: ok=%v err=%v", ok, err)
	}
	again()
}

func TestAcquire_RequiresID(t *testing.T) {
	s := NewStore("127.0.0.1:0", "", 0, time.Second)
	defer s.Close()
	if _, _, err := s.Acquire(context.Background(), ""); err == nil {
		t.Fatalf("expected error for empty id")
	}
}
