package auth

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestCacheRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")

	cache := NewCache(path, time.Hour, zerolog.Nop())
	if _, ok := cache.Get(); ok {
		t.Fatal("empty cache should miss")
	}

	issued := time.Now().UTC()
	stored := cache.Store("abc123", issued, 24*time.Hour)
	if stored.Token != "abc123" {
		t.Fatalf("stored token = %q", stored.Token)
	}
	if !stored.ExpiresAt.Equal(issued.Add(24 * time.Hour)) {
		t.Fatalf("expiry = %v, want issued+24h", stored.ExpiresAt)
	}

	// A fresh cache instance must read the same credential from disk.
	reloaded := NewCache(path, time.Hour, zerolog.Nop())
	cred, ok := reloaded.Get()
	if !ok {
		t.Fatal("重新加载后应命中缓存")
	}
	if cred.Token != "abc123" {
		t.Fatalf("reloaded token = %q", cred.Token)
	}
}

func TestCacheSafetyMargin(t *testing.T) {
	cache := NewCache("", time.Hour, zerolog.Nop())

	// Expires in 30m, margin is 1h: not usable.
	cache.Store("soon", time.Now().UTC().Add(-23*time.Hour-30*time.Minute), 24*time.Hour)
	if _, ok := cache.Get(); ok {
		t.Fatal("token inside the safety margin must not be served")
	}
}

func TestCacheCorruptFileIsMiss(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	cache := NewCache(path, time.Hour, zerolog.Nop())
	if _, ok := cache.Get(); ok {
		t.Fatal("损坏的缓存文件应视为未命中")
	}
}

func TestCacheExpiredFileIgnoredOnLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")

	old := NewCache(path, time.Hour, zerolog.Nop())
	old.Store("stale", time.Now().UTC().Add(-48*time.Hour), 24*time.Hour)

	cache := NewCache(path, time.Hour, zerolog.Nop())
	if _, ok := cache.Get(); ok {
		t.Fatal("expired persisted token must not be loaded")
	}
}

func TestCacheClear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")

	cache := NewCache(path, time.Hour, zerolog.Nop())
	cache.Store("abc", time.Now().UTC(), 24*time.Hour)
	cache.Clear()

	if _, ok := cache.Get(); ok {
		t.Fatal("Clear 后不应命中")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("cache file should be removed, stat err = %v", err)
	}
}

func TestTimeUntilExpiry(t *testing.T) {
	cache := NewCache("", time.Hour, zerolog.Nop())
	if d := cache.TimeUntilExpiry(); d != 0 {
		t.Fatalf("empty cache expiry = %v, want 0", d)
	}

	cache.Store("abc", time.Now().UTC(), 24*time.Hour)
	d := cache.TimeUntilExpiry()
	if d <= 23*time.Hour || d > 24*time.Hour {
		t.Fatalf("remaining validity = %v, want about 24h", d)
	}
}
