// Package cache implements the two disk-backed caches that sit between the
// telemetry client and the upstream API: a URL-keyed response cache with a
// short TTL and a size bound, and a single-slot report cache used for
// stale-fallback when a live fetch fails.
package cache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"solarwatch/internal/metrics"
)

const (
	// DefaultTTL bounds how long a cached response may serve reads.
	DefaultTTL = 60 * time.Second

	// DefaultMaxEntries bounds the response cache size; the oldest entries
	// are evicted first when an insert would exceed it.
	DefaultMaxEntries = 20

	// defaultPersistDelay is the debounce window for disk writes.
	defaultPersistDelay = 2 * time.Second

	// maxFileSize guards the load path against a bloated or damaged file.
	maxFileSize = 5 << 20
)

// Entry is one cached upstream response. Entries are immutable once stored;
// a new fetch for the same key replaces the entry wholesale.
type Entry struct {
	Payload    []byte            `json:"payload"`
	Timestamp  time.Time         `json:"timestamp"`
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers"`
}

// ResponseCache is a TTL-bounded, size-bounded key-value store for raw
// upstream responses, keyed by full request URL. The in-memory map is
// persisted to disk with debounced writes so bursts of churn coalesce into
// a single write.
type ResponseCache struct {
	path    string
	logger  logrus.FieldLogger
	metrics *metrics.Metrics

	mu           sync.RWMutex
	entries      map[string]Entry
	timer        *time.Timer
	ttl          time.Duration
	maxEntries   int
	persistDelay time.Duration
	persistCount int
	now          func() time.Time
}

// NewResponseCache creates a cache backed by the file at path, loading any
// still-valid entries persisted by a previous run. A missing file starts the
// cache empty; an oversized or undecodable file is deleted and the cache
// starts empty.
func NewResponseCache(path string, m *metrics.Metrics, logger logrus.FieldLogger) *ResponseCache {
	c := &ResponseCache{
		path:         path,
		logger:       logger,
		metrics:      m,
		entries:      make(map[string]Entry),
		ttl:          DefaultTTL,
		maxEntries:   DefaultMaxEntries,
		persistDelay: defaultPersistDelay,
		now:          time.Now,
	}
	c.load()
	return c
}

// Get returns the entry for key if one exists and is younger than the TTL.
// A present-but-expired entry counts as a miss and is left in place; the
// next Put purges it.
func (c *ResponseCache) Get(key string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[key]
	if !ok || c.now().Sub(entry.Timestamp) >= c.ttl {
		c.metrics.CacheMisses.Inc()
		return Entry{}, false
	}
	c.metrics.CacheHits.Inc()
	return entry, true
}

// Put stores a new entry for key, purging expired entries and evicting the
// oldest ones as needed to respect the size bound, then schedules a
// debounced disk write.
func (c *ResponseCache) Put(key string, payload []byte, statusCode int, headers map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()

	for k, e := range c.entries {
		if now.Sub(e.Timestamp) >= c.ttl {
			delete(c.entries, k)
		}
	}

	if len(c.entries) >= c.maxEntries {
		c.evictOldestLocked(len(c.entries) - c.maxEntries + 1)
	}

	c.entries[key] = Entry{
		Payload:    payload,
		Timestamp:  now,
		StatusCode: statusCode,
		Headers:    headers,
	}

	c.schedulePersistLocked()
}

// evictOldestLocked removes n entries in strict oldest-first order, breaking
// timestamp ties by key order so eviction is deterministic.
func (c *ResponseCache) evictOldestLocked(n int) {
	type aged struct {
		key string
		ts  time.Time
	}
	all := make([]aged, 0, len(c.entries))
	for k, e := range c.entries {
		all = append(all, aged{key: k, ts: e.Timestamp})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].ts.Equal(all[j].ts) {
			return all[i].key < all[j].key
		}
		return all[i].ts.Before(all[j].ts)
	})
	if n > len(all) {
		n = len(all)
	}
	for _, a := range all[:n] {
		delete(c.entries, a.key)
		c.metrics.CacheEvictions.Inc()
	}
}

// Clear removes every entry and schedules persistence.
func (c *ResponseCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]Entry)
	c.schedulePersistLocked()
}

// ClearKey removes one entry and schedules persistence.
func (c *ResponseCache) ClearKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	c.schedulePersistLocked()
}

// ReleaseMemory drops the in-memory map in response to a low-memory signal.
// The on-disk file is left untouched so the next cold load repopulates from
// it; a pending debounced write is cancelled so it cannot clobber the file
// with the emptied map.
func (c *ResponseCache) ReleaseMemory() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.entries = make(map[string]Entry)
}

// Len reports the current number of entries.
func (c *ResponseCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Flush cancels any pending debounced write and persists synchronously.
// Called on shutdown.
func (c *ResponseCache) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.persistLocked()
}

// schedulePersistLocked arms the debounce timer, cancelling any pending
// write so a burst of cache churn produces a single disk write after the
// quiet period. Caller must hold the write lock.
func (c *ResponseCache) schedulePersistLocked() {
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.persistDelay, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.timer = nil
		c.persistLocked()
	})
}

// persistLocked writes the map to disk atomically (temp file, then rename)
// so a crash mid-write cannot corrupt the previous valid file. Caller must
// hold the write lock.
func (c *ResponseCache) persistLocked() {
	data, err := json.Marshal(c.entries)
	if err != nil {
		c.logger.WithError(err).Error("Failed to encode response cache")
		return
	}

	tmpPath := c.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		c.logger.WithError(err).Error("Failed to write response cache")
		return
	}
	if err := os.Rename(tmpPath, c.path); err != nil {
		os.Remove(tmpPath)
		c.logger.WithError(err).Error("Failed to replace response cache file")
		return
	}
	c.persistCount++
}

// load reads the backing file at startup, dropping entries that expired
// while the process was down and re-persisting if anything was dropped.
func (c *ResponseCache) load() {
	info, err := os.Stat(c.path)
	if os.IsNotExist(err) {
		return
	}
	if err != nil {
		c.logger.WithError(err).Warn("Failed to stat response cache file")
		return
	}
	if info.Size() > maxFileSize {
		c.logger.WithFields(logrus.Fields{
			"size": info.Size(),
		}).Warn("Response cache file oversized, discarding")
		os.Remove(c.path)
		return
	}

	data, err := os.ReadFile(c.path)
	if err != nil {
		c.logger.WithError(err).Warn("Failed to read response cache file")
		return
	}

	var entries map[string]Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		c.logger.WithError(err).Warn("Response cache file undecodable, discarding")
		os.Remove(c.path)
		return
	}

	now := c.now()
	dropped := 0
	for k, e := range entries {
		if now.Sub(e.Timestamp) >= c.ttl {
			delete(entries, k)
			dropped++
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = entries
	if dropped > 0 {
		c.logger.WithFields(logrus.Fields{
			"dropped": dropped,
			"kept":    len(entries),
		}).Debug("Dropped expired entries from persisted response cache")
		c.persistLocked()
	}
}

// Default file names inside the configured cache directory.
const (
	ResponseCacheFile = "responses.json"
	ReportCacheFile   = "report.json"
)

// ResponseCachePath returns the response cache file location under dir.
func ResponseCachePath(dir string) string {
	return filepath.Join(dir, ResponseCacheFile)
}

// ReportCachePath returns the report cache file location under dir.
func ReportCachePath(dir string) string {
	return filepath.Join(dir, ReportCacheFile)
}
