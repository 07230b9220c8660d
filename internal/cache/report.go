package cache

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"solarwatch/internal/models"
)

// ReportEntry is the single persisted slot holding the last successful
// aggregation.
type ReportEntry struct {
	Metrics   models.AggregatedMetrics `json:"metrics"`
	Timestamp time.Time                `json:"timestamp"`
}

// ReportCache holds at most one AggregatedMetrics value, persisted to disk
// write-through. A fresh entry (younger than the TTL) satisfies a fetch with
// zero network calls; a stale entry is still served as a last-resort
// fallback when a live fetch fails.
type ReportCache struct {
	path   string
	logger logrus.FieldLogger

	mu    sync.RWMutex
	entry *ReportEntry
	ttl   time.Duration
	now   func() time.Time
}

// NewReportCache loads the persisted report, if any, from the file at path.
// An undecodable file is deleted and the cache starts empty.
func NewReportCache(path string, logger logrus.FieldLogger) *ReportCache {
	c := &ReportCache{
		path:   path,
		logger: logger,
		ttl:    DefaultTTL,
		now:    time.Now,
	}
	c.load()
	return c
}

// Fresh returns the cached report only if it is younger than the TTL.
func (c *ReportCache) Fresh() (models.AggregatedMetrics, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.entry == nil || c.now().Sub(c.entry.Timestamp) >= c.ttl {
		return models.AggregatedMetrics{}, false
	}
	return c.entry.Metrics, true
}

// Any returns the cached report regardless of age. Used as the stale
// fallback when a fetch fails.
func (c *ReportCache) Any() (models.AggregatedMetrics, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.entry == nil {
		return models.AggregatedMetrics{}, false
	}
	return c.entry.Metrics, true
}

// Put replaces the slot with a new report stamped now and persists it.
func (c *ReportCache) Put(m models.AggregatedMetrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entry = &ReportEntry{Metrics: m, Timestamp: c.now()}
	c.persistLocked()
}

// Clear drops the slot and removes the backing file.
func (c *ReportCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entry = nil
	if err := os.Remove(c.path); err != nil && !os.IsNotExist(err) {
		c.logger.WithError(err).Warn("Failed to remove report cache file")
	}
}

func (c *ReportCache) persistLocked() {
	data, err := json.Marshal(c.entry)
	if err != nil {
		c.logger.WithError(err).Error("Failed to encode report cache")
		return
	}

	tmpPath := c.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		c.logger.WithError(err).Error("Failed to write report cache")
		return
	}
	if err := os.Rename(tmpPath, c.path); err != nil {
		os.Remove(tmpPath)
		c.logger.WithError(err).Error("Failed to replace report cache file")
	}
}

func (c *ReportCache) load() {
	data, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		return
	}
	if err != nil {
		c.logger.WithError(err).Warn("Failed to read report cache file")
		return
	}

	var entry ReportEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		c.logger.WithError(err).Warn("Report cache file undecodable, discarding")
		os.Remove(c.path)
		return
	}

	c.mu.Lock()
	c.entry = &entry
	c.mu.Unlock()
}
