package cache

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"quotecollector/internal/clockwork"
	"quotecollector/internal/observ"
	"quotecollector/internal/quote"
)

// Cache deduplicates backend calls within a TTL window. Entries live in a
// single SQLite file so they survive process restarts; the database
// handles its own concurrency and the wrapper adds no locks.
type Cache struct {
	db    *sqlx.DB
	path  string
	ttl   time.Duration
	clock clockwork.Clock
}

const schema = `
CREATE TABLE IF NOT EXISTS cache (
	cache_key     TEXT PRIMARY KEY,
	asset_class   TEXT NOT NULL,
	symbol        TEXT NOT NULL,
	payload       TEXT NOT NULL,
	created_at    INTEGER NOT NULL,
	expires_at    INTEGER NOT NULL,
	hit_count     INTEGER NOT NULL DEFAULT 0,
	last_accessed INTEGER
);
CREATE INDEX IF NOT EXISTS idx_asset_symbol ON cache(asset_class, symbol);
CREATE INDEX IF NOT EXISTS idx_expires_at ON cache(expires_at);
`

// Stats is the cache statistics snapshot.
type Stats struct {
	TotalEntries   int          `json:"total_entries"`
	ValidEntries   int          `json:"valid_entries"`
	ExpiredEntries int          `json:"expired_entries"`
	TotalHits      int64        `json:"total_hits"`
	AverageHits    float64      `json:"average_hits"`
	MostAccessed   []EntryStats `json:"most_accessed"`
	SizeBytes      int64        `json:"size_bytes"`
	TTLSeconds     int          `json:"ttl_seconds"`
	DBPath         string       `json:"db_path"`
}

// EntryStats describes one of the most-accessed entries.
type EntryStats struct {
	CacheKey     string     `json:"cache_key"`
	HitCount     int64      `json:"hit_count"`
	LastAccessed *time.Time `json:"last_accessed,omitempty"`
}

// Open creates or opens the cache database at path.
func Open(path string, ttl time.Duration, clock clockwork.Clock) (*Cache, error) {
	if clock == nil {
		clock = clockwork.Real{}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	db, err := sqlx.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open cache database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize cache schema: %w", err)
	}

	observ.Log("cache_opened", map[string]any{"path": path, "ttl_seconds": ttl.Seconds()})

	return &Cache{db: db, path: path, ttl: ttl, clock: clock}, nil
}

// key normalizes (class, symbol) into a case-insensitive identity:
// lowercase class, uppercase symbol.
func key(class quote.AssetClass, symbol string) (string, string, string) {
	c := strings.ToLower(string(class))
	s := strings.ToUpper(strings.TrimSpace(symbol))
	return c + ":" + s, c, s
}

type row struct {
	CacheKey  string `db:"cache_key"`
	Payload   string `db:"payload"`
	ExpiresAt int64  `db:"expires_at"`
	HitCount  int64  `db:"hit_count"`
}

// Get returns the cached quote if present and unexpired, bumping the hit
// count. An entry at exactly its expiry time is a miss. Storage and
// deserialization errors degrade to a miss; the caller refetches.
func (c *Cache) Get(class quote.AssetClass, symbol string) (*quote.Quote, bool) {
	k, _, _ := key(class, symbol)
	now := c.clock.Now().UTC()

	var r row
	err := c.db.Get(&r, `SELECT cache_key, payload, expires_at, hit_count FROM cache WHERE cache_key = ?`, k)
	if errors.Is(err, sql.ErrNoRows) {
		observ.IncCounter("cache_misses_total", nil)
		return nil, false
	}
	if err != nil {
		observ.Warn("cache_read_failed", map[string]any{"cache_key": k, "error": err.Error()})
		observ.IncCounter("cache_errors_total", map[string]string{"op": "get"})
		return nil, false
	}

	if r.ExpiresAt <= now.UnixNano() {
		// Expired: drop it inline so the sweep has less to do.
		c.deleteKey(k)
		observ.IncCounter("cache_misses_total", nil)
		return nil, false
	}

	var q quote.Quote
	if err := json.Unmarshal([]byte(r.Payload), &q); err != nil {
		// Fail open: a poisoned entry is removed and the caller refetches.
		observ.Warn("cache_payload_corrupt", map[string]any{"cache_key": k, "error": err.Error()})
		c.deleteKey(k)
		observ.IncCounter("cache_misses_total", nil)
		return nil, false
	}

	if _, err := c.db.Exec(
		`UPDATE cache SET hit_count = hit_count + 1, last_accessed = ? WHERE cache_key = ?`,
		now.UnixNano(), k,
	); err != nil {
		observ.Warn("cache_hit_update_failed", map[string]any{"cache_key": k, "error": err.Error()})
	}

	q.Source = quote.SourceCache
	observ.IncCounter("cache_hits_total", nil)
	observ.Debug("cache_hit", map[string]any{"cache_key": k, "hit_count": r.HitCount + 1})

	return &q, true
}

// Set upserts a quote under its normalized key, stamping created_at=now
// and expires_at=now+TTL and resetting the hit count. Errors are logged
// and reported via the return value; the caller proceeds either way.
func (c *Cache) Set(class quote.AssetClass, symbol string, q *quote.Quote) bool {
	k, cls, sym := key(class, symbol)

	payload, err := json.Marshal(q)
	if err != nil {
		observ.Warn("cache_serialize_failed", map[string]any{"cache_key": k, "error": err.Error()})
		return false
	}

	now := c.clock.Now().UTC()
	expires := now.Add(c.ttl)

	_, err = c.db.Exec(`
		INSERT OR REPLACE INTO cache
			(cache_key, asset_class, symbol, payload, created_at, expires_at, hit_count, last_accessed)
		VALUES (?, ?, ?, ?, ?, ?, 0, NULL)`,
		k, cls, sym, string(payload), now.UnixNano(), expires.UnixNano(),
	)
	if err != nil {
		observ.Warn("cache_write_failed", map[string]any{"cache_key": k, "error": err.Error()})
		observ.IncCounter("cache_errors_total", map[string]string{"op": "set"})
		return false
	}

	observ.Debug("cache_set", map[string]any{"cache_key": k, "expires_at": expires.Format(time.RFC3339)})
	return true
}

// Invalidate removes a single entry, reporting whether one existed.
func (c *Cache) Invalidate(class quote.AssetClass, symbol string) bool {
	k, _, _ := key(class, symbol)

	res, err := c.db.Exec(`DELETE FROM cache WHERE cache_key = ?`, k)
	if err != nil {
		observ.Warn("cache_invalidate_failed", map[string]any{"cache_key": k, "error": err.Error()})
		return false
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		observ.Log("cache_invalidated", map[string]any{"cache_key": k})
	}
	return n > 0
}

// ClearExpired deletes every entry whose expiry has passed and returns
// how many were removed.
func (c *Cache) ClearExpired() int {
	now := c.clock.Now().UTC().UnixNano()

	res, err := c.db.Exec(`DELETE FROM cache WHERE expires_at <= ?`, now)
	if err != nil {
		observ.Warn("cache_sweep_failed", map[string]any{"error": err.Error()})
		observ.IncCounter("cache_errors_total", map[string]string{"op": "sweep"})
		return 0
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		observ.Log("cache_sweep", map[string]any{"removed": n})
		observ.IncCounterBy("cache_sweep_removed_total", nil, float64(n))
	}
	return int(n)
}

// ClearAll deletes every entry. It refuses without explicit confirmation.
func (c *Cache) ClearAll(confirm bool) (int, error) {
	if !confirm {
		return 0, fmt.Errorf("clear all requires explicit confirmation")
	}

	var total int
	if err := c.db.Get(&total, `SELECT COUNT(*) FROM cache`); err != nil {
		return 0, fmt.Errorf("count cache entries: %w", err)
	}
	if _, err := c.db.Exec(`DELETE FROM cache`); err != nil {
		return 0, fmt.Errorf("clear cache: %w", err)
	}

	observ.Warn("cache_cleared_all", map[string]any{"removed": total})
	return total, nil
}

// Statistics reports entry counts, hit totals, and the five most-accessed
// valid entries.
func (c *Cache) Statistics() (Stats, error) {
	now := c.clock.Now().UTC().UnixNano()

	stats := Stats{
		TTLSeconds: int(c.ttl.Seconds()),
		DBPath:     c.path,
	}

	if err := c.db.Get(&stats.TotalEntries, `SELECT COUNT(*) FROM cache`); err != nil {
		return stats, fmt.Errorf("cache statistics: %w", err)
	}
	if err := c.db.Get(&stats.ExpiredEntries, `SELECT COUNT(*) FROM cache WHERE expires_at <= ?`, now); err != nil {
		return stats, fmt.Errorf("cache statistics: %w", err)
	}
	stats.ValidEntries = stats.TotalEntries - stats.ExpiredEntries

	var hits struct {
		Total sql.NullInt64   `db:"total"`
		Avg   sql.NullFloat64 `db:"avg"`
	}
	if err := c.db.Get(&hits, `SELECT SUM(hit_count) AS total, AVG(hit_count) AS avg FROM cache`); err != nil {
		return stats, fmt.Errorf("cache statistics: %w", err)
	}
	stats.TotalHits = hits.Total.Int64
	stats.AverageHits = hits.Avg.Float64

	rows, err := c.db.Query(`
		SELECT cache_key, hit_count, last_accessed
		FROM cache WHERE expires_at > ?
		ORDER BY hit_count DESC LIMIT 5`, now)
	if err != nil {
		return stats, fmt.Errorf("cache statistics: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			es   EntryStats
			last sql.NullInt64
		)
		if err := rows.Scan(&es.CacheKey, &es.HitCount, &last); err != nil {
			return stats, fmt.Errorf("cache statistics: %w", err)
		}
		if last.Valid {
			ts := time.Unix(0, last.Int64).UTC()
			es.LastAccessed = &ts
		}
		stats.MostAccessed = append(stats.MostAccessed, es)
	}
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("cache statistics: %w", err)
	}

	if fi, err := os.Stat(c.path); err == nil {
		stats.SizeBytes = fi.Size()
	}

	return stats, nil
}

// Close releases the underlying database handle.
func (c *Cache) Close() error {
	return c.db.Close()
}

func (c *Cache) deleteKey(k string) {
	if _, err := c.db.Exec(`DELETE FROM cache WHERE cache_key = ?`, k); err != nil {
		observ.Warn("cache_delete_failed", map[string]any{"cache_key": k, "error": err.Error()})
	}
}
