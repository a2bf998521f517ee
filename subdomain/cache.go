package subdomain

import (
	"encoding/json"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/burrowed/tunnel/internal/securefile"
)

// CacheKey identifies a (client identity, local port) pair the sticky
// cache remembers a subdomain for.
type CacheKey struct {
	KeyFingerprint string
	LocalPort      int
}

func (k CacheKey) string() string {
	return k.KeyFingerprint + ":" + strconv.Itoa(k.LocalPort)
}

// Cache is the sticky subdomain cache described in spec.md §4.3: a
// (apiKey-fingerprint, localPort) -> subdomain map, persisted to a JSON
// file via debounced, atomic writes.
type Cache struct {
	path     string
	debounce time.Duration

	mu      sync.Mutex
	entries map[string]string

	flushMu sync.Mutex
	timer   *time.Timer
	dirty   bool
}

// fileFormat mirrors the on-disk shape from spec.md §6:
// {"mappings": {"<hashPrefix>:<port>": "<subdomain>", ...}}.
type fileFormat struct {
	Mappings map[string]string `json:"mappings"`
}

// Load reads path if it exists, or starts empty if it does not.
func Load(path string, debounce time.Duration) (*Cache, error) {
	c := &Cache{path: path, debounce: debounce, entries: map[string]string{}}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, err
	}
	if len(b) == 0 {
		return c, nil
	}
	var f fileFormat
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, err
	}
	if f.Mappings != nil {
		c.entries = f.Mappings
	}
	return c, nil
}

// Lookup returns the subdomain remembered for key, if any.
func (c *Cache) Lookup(key CacheKey) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[key.string()]
	return v, ok
}

// ReservedByOther reports whether subdomain is already the cached value
// for some key other than key (spec.md §4.3's "reserved by other" check).
func (c *Cache) ReservedByOther(key CacheKey, subdomain string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ks := key.string()
	for k, v := range c.entries {
		if v == subdomain && k != ks {
			return true
		}
	}
	return false
}

// Remember records key -> subdomain and schedules a debounced flush.
func (c *Cache) Remember(key CacheKey, subdomain string) {
	c.mu.Lock()
	c.entries[key.string()] = subdomain
	c.mu.Unlock()
	c.scheduleFlush()
}

func (c *Cache) scheduleFlush() {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()
	c.dirty = true
	if c.timer != nil {
		return
	}
	c.timer = time.AfterFunc(c.debounce, func() {
		c.flushMu.Lock()
		c.timer = nil
		c.dirty = false
		c.flushMu.Unlock()
		_ = c.Flush()
	})
}

// Flush writes the current cache contents to disk immediately, via a
// temp-file-and-rename so a crash mid-write never leaves a torn file.
func (c *Cache) Flush() error {
	c.mu.Lock()
	b, err := json.Marshal(fileFormat{Mappings: c.entries})
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return securefile.WriteFileAtomic(c.path, b, 0o600)
}

// Close stops any pending debounce timer and forces a final flush, for
// use on shutdown per spec.md §4.3.
func (c *Cache) Close() error {
	c.flushMu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	dirty := c.dirty
	c.dirty = false
	c.flushMu.Unlock()
	if !dirty {
		return nil
	}
	return c.Flush()
}
