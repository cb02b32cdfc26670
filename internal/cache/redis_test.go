package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := ConnectRedis(context.Background(), "redis://"+mr.Addr()+"/0")
	if err != nil {
		t.Fatalf("ConnectRedis: %v", err)
	}
	store := NewRedisStore(client, "fluxguard:")
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestRedisStore_ImplementsVolatileStore(_ *testing.T) {
	var _ VolatileStore = (*RedisStore)(nil)
}

func TestRedisStore_SetGetDelete(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()

	if _, ok, err := store.Get(ctx, "k"); ok || err != nil {
		t.Fatalf("expected clean miss, got ok=%v err=%v", ok, err)
	}
	if err := store.Set(ctx, "k", []byte(`{"a":1}`), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if !mr.Exists("fluxguard:k") {
		t.Fatal("expected prefixed key in redis")
	}
	if ttl := mr.TTL("fluxguard:k"); ttl != time.Minute {
		t.Fatalf("ttl = %s", ttl)
	}

	got, ok, err := store.Get(ctx, "k")
	if err != nil || !ok || string(got) != `{"a":1}` {
		t.Fatalf("Get = %s, %v, %v", got, ok, err)
	}
	if n, err := store.Size(ctx); err != nil || n != 1 {
		t.Fatalf("Size = %d, %v", n, err)
	}

	if err := store.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := store.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete of missing key: %v", err)
	}
}

func TestRedisStore_Expiry(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()
	_ = store.Set(ctx, "k", []byte("v"), time.Second)
	mr.FastForward(2 * time.Second)
	if _, ok, _ := store.Get(ctx, "k"); ok {
		t.Fatal("expected key to expire")
	}
}

func TestRedisStore_ErrorsWhenServerGone(t *testing.T) {
	store, mr := newRedisStore(t)
	mr.Close()
	if _, _, err := store.Get(context.Background(), "k"); err == nil {
		t.Fatal("expected error once redis is unreachable")
	}
}

func TestInfoField(t *testing.T) {
	info := "# Memory\r\nused_memory:1024\r\nused_memory_human:1.00K\r\n"
	if v, ok := infoField(info, "used_memory_human"); !ok || v != "1.00K" {
		t.Fatalf("infoField = %q, %v", v, ok)
	}
	if _, ok := infoField(info, "missing"); ok {
		t.Fatal("expected missing field")
	}
}
