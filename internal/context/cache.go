package context

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// SummaryCache is the durable on-disk backing store for CachedSummary
// records, surviving process restarts. Grounded on the teacher's
// internal/roles/memory/memory.go LevelDB engine: an async buffered-write
// channel feeding a single background goroutine so cache writes never
// block the Context Store's single-writer discipline, plus a periodic
// "Dreamer" consolidation pass that compacts the database and drops
// entries past the configured TTL.
type SummaryCache struct {
	db     *leveldb.DB
	writes chan cacheOp
	done   chan struct{}
	logger *slog.Logger
}

type cacheOp struct {
	key    string
	delete bool
	value  *CachedSummary
}

const summaryKeyPrefix = "summary:"

// OpenSummaryCache opens (or creates) a snappy-compressed LevelDB database
// at path and starts its background writer goroutine.
func OpenSummaryCache(path string) (*SummaryCache, error) {
	db, err := leveldb.OpenFile(path, &opt.Options{Compression: opt.SnappyCompression})
	if err != nil {
		return nil, err
	}
	c := &SummaryCache{
		db:     db,
		writes: make(chan cacheOp, 256),
		done:   make(chan struct{}),
		logger: slog.Default().With("component", "context.cache"),
	}
	go c.writer()
	return c, nil
}

func (c *SummaryCache) writer() {
	for op := range c.writes {
		key := []byte(summaryKeyPrefix + op.key)
		if op.delete {
			if err := c.db.Delete(key, nil); err != nil {
				c.logger.Warn("cache delete failed", "key", op.key, "err", err)
			}
			continue
		}
		data, err := json.Marshal(op.value)
		if err != nil {
			c.logger.Warn("cache marshal failed", "key", op.key, "err", err)
			continue
		}
		if err := c.db.Put(key, data, nil); err != nil {
			c.logger.Warn("cache put failed", "key", op.key, "err", err)
		}
	}
	close(c.done)
}

// Put queues an async write of entry under relPath. Non-blocking up to the
// writer channel's buffer; a full buffer logs and drops, matching the
// coordinator's own non-blocking-publish discipline rather than letting a
// slow disk stall discovery.
func (c *SummaryCache) Put(relPath string, entry *CachedSummary) {
	select {
	case c.writes <- cacheOp{key: relPath, value: entry}:
	default:
		c.logger.Warn("cache write buffer full, dropping", "path", relPath)
	}
}

// Delete queues an async removal of relPath's cached entry.
func (c *SummaryCache) Delete(relPath string) {
	select {
	case c.writes <- cacheOp{key: relPath, delete: true}:
	default:
		c.logger.Warn("cache delete buffer full, dropping", "path", relPath)
	}
}

// Load reads every cached entry back, keyed by workspace-relative path.
// Dream uses it to find expired entries; ProjectSummary does not read the
// cache back, so its Refresh never warms entries from here.
func (c *SummaryCache) Load() (map[string]*CachedSummary, error) {
	out := make(map[string]*CachedSummary)
	iter := c.db.NewIterator(nil, nil)
	defer iter.Release()
	for iter.Next() {
		key := string(iter.Key())
		if len(key) <= len(summaryKeyPrefix) {
			continue
		}
		rel := key[len(summaryKeyPrefix):]
		var entry CachedSummary
		if err := json.Unmarshal(iter.Value(), &entry); err != nil {
			continue
		}
		out[rel] = &entry
	}
	return out, iter.Error()
}

// Dream runs one consolidation pass: compacts the database and drops
// entries whose LastAccess is older than ttl. Named for the teacher's own
// background-consolidation goroutine; the only caller is Store.HealthCheck
// in maintenance mode, which the coordinator runs on its periodic
// health-check ticker.
func (c *SummaryCache) Dream(ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	entries, err := c.Load()
	if err != nil {
		c.logger.Warn("dream: load failed", "err", err)
		return
	}
	now := time.Now()
	for rel, e := range entries {
		if now.Sub(e.LastAccess) > ttl {
			c.Delete(rel)
		}
	}
	if err := c.db.CompactRange(util.Range{}); err != nil {
		c.logger.Warn("dream: compact failed", "err", err)
	}
}

// Close drains pending writes and closes the database.
func (c *SummaryCache) Close() error {
	close(c.writes)
	<-c.done
	return c.db.Close()
}
