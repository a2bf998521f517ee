package subdomain

import (
	"path/filepath"
	"testing"
	"time"
)

func TestCacheRememberAndLookup(t *testing.T) {
	dir := t.TempDir()
	c, err := Load(filepath.Join(dir, "cache.json"), time.Hour)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	key := CacheKey{KeyFingerprint: "abcd1234", LocalPort: 3000}
	if _, ok := c.Lookup(key); ok {
		t.Fatal("Lookup on empty cache: want ok=false")
	}
	c.Remember(key, "sleepy-otter-a1b2")
	got, ok := c.Lookup(key)
	if !ok || got != "sleepy-otter-a1b2" {
		t.Fatalf("Lookup = %q, %v", got, ok)
	}
}

func TestCacheReservedByOther(t *testing.T) {
	dir := t.TempDir()
	c, err := Load(filepath.Join(dir, "cache.json"), time.Hour)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	owner := CacheKey{KeyFingerprint: "abcd1234", LocalPort: 3000}
	other := CacheKey{KeyFingerprint: "ffff0000", LocalPort: 4000}
	c.Remember(owner, "sleepy-otter-a1b2")

	if c.ReservedByOther(owner, "sleepy-otter-a1b2") {
		t.Error("ReservedByOther: the owning key should not be reserved-by-other against its own subdomain")
	}
	if !c.ReservedByOther(other, "sleepy-otter-a1b2") {
		t.Error("ReservedByOther: want true for a different key claiming the same subdomain")
	}
}

func TestCacheFlushAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	c, err := Load(path, time.Hour)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	key := CacheKey{KeyFingerprint: "abcd1234", LocalPort: 3000}
	c.Remember(key, "sleepy-otter-a1b2")
	if err := c.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	reloaded, err := Load(path, time.Hour)
	if err != nil {
		t.Fatalf("Load (reloaded): %v", err)
	}
	got, ok := reloaded.Lookup(key)
	if !ok || got != "sleepy-otter-a1b2" {
		t.Fatalf("Lookup after reload = %q, %v", got, ok)
	}
}

func TestCacheCloseFlushesDirtyState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	c, err := Load(path, time.Hour)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	c.Remember(CacheKey{KeyFingerprint: "abcd1234", LocalPort: 3000}, "sleepy-otter-a1b2")
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reloaded, err := Load(path, time.Hour)
	if err != nil {
		t.Fatalf("Load (reloaded): %v", err)
	}
	if _, ok := reloaded.Lookup(CacheKey{KeyFingerprint: "abcd1234", LocalPort: 3000}); !ok {
		t.Fatal("Close did not persist the pending write")
	}
}

func TestLoadMissingFileStartsEmpty(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "missing.json"), time.Hour)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, ok := c.Lookup(CacheKey{KeyFingerprint: "x", LocalPort: 1}); ok {
		t.Fatal("Lookup on a freshly-missing cache: want ok=false")
	}
}
