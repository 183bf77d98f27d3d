package cooldown

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"
)

func TestMemoryGuard_Window(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	g := NewMemory(0).WithClock(func() time.Time { return now })
	ctx := context.Background()
	key := Key{Kind: "vulnerability", Scope: "001", Tenant: "0"}

	steps := []struct {
		advance time.Duration
		want    bool
	}{
		{0, true},
		{10 * time.Second, false},
		{289 * time.Second, false}, // 299s after the first attempt
		{1 * time.Second, true},    // exactly 300s
		{1 * time.Second, false},
	}
	for i, s := range steps {
		now = now.Add(s.advance)
		got, err := g.TryAcquire(ctx, key)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if got != s.want {
			t.Errorf("step %d: TryAcquire = %v, want %v", i, got, s.want)
		}
	}
}

func TestMemoryGuard_KeysAreIndependent(t *testing.T) {
	g := NewMemory(time.Minute)
	ctx := context.Background()
	keys := []Key{
		{Kind: "vulnerability", Scope: "001", Tenant: "0"},
		{Kind: "alert", Scope: "001", Tenant: "0"},
		{Kind: "vulnerability", Scope: "002", Tenant: "0"},
		{Kind: "vulnerability", Scope: "001", Tenant: "1"},
	}
	for _, k := range keys {
		if ok, _ := g.TryAcquire(ctx, k); !ok {
			t.Errorf("first TryAcquire(%s) = false", k)
		}
	}
	g.Reset()
	if ok, _ := g.TryAcquire(ctx, keys[0]); !ok {
		t.Error("TryAcquire after Reset = false")
	}
}

func TestMemoryGuard_ConcurrentSingleWinner(t *testing.T) {
	g := NewMemory(time.Minute)
	key := Key{Kind: "agents", Scope: "1"}

	var mu sync.Mutex
	wins := 0
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := g.TryAcquire(context.Background(), key); ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("wins = %d, want 1", wins)
	}
}

func TestKeyString(t *testing.T) {
	k := Key{Kind: "alert", Scope: "017", Tenant: "root"}
	if got := k.String(); got != "alert:017:root" {
		t.Errorf("String() = %q", got)
	}
}

// TestRedisGuard runs against a live server when WAZUHSYNC_TEST_REDIS is set.
func TestRedisGuard(t *testing.T) {
	addr := os.Getenv("WAZUHSYNC_TEST_REDIS")
	if addr == "" {
		t.Skip("WAZUHSYNC_TEST_REDIS not set")
	}
	ctx := context.Background()
	g, err := NewRedis(ctx, RedisConfig{Address: addr, KeyPrefix: "wazuhsync:test:" + t.Name() + ":", Window: 2 * time.Second})
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	defer g.Close()

	key := Key{Kind: "vulnerability", Scope: time.Now().Format(time.RFC3339Nano)}
	first, err := g.TryAcquire(ctx, key)
	if err != nil || !first {
		t.Fatalf("first TryAcquire = %v, %v", first, err)
	}
	second, _ := g.TryAcquire(ctx, key)
	if second {
		t.Error("second TryAcquire within window = true")
	}
	time.Sleep(2100 * time.Millisecond)
	third, _ := g.TryAcquire(ctx, key)
	if !third {
		t.Error("TryAcquire after window = false")
	}
}
