package coordinator

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"

	"github.com/Rikxed/sqlite-mcp/metrics"
)

// DefaultCacheTTL is the freshness window of consistency cache entries.
const DefaultCacheTTL = time.Minute

// ConsistencyManager layers a short-lived read cache and automatic
// version-increment bookkeeping over a Coordinator. Callers needing version
// bookkeeping should use UpdateWithVersion rather than the Coordinator's
// raw version check.
type ConsistencyManager struct {
	coord *Coordinator
	cache *lru.Cache
	ttl   time.Duration
}

// cacheEntry is a cached result set and its freshness timestamp.
type cacheEntry struct {
	rows        []Row
	at          time.Time
	fingerprint string
}

// NewConsistencyManager returns a ConsistencyManager over c, caching up to
// |size| entries (which must be > 0) for the given freshness window.
func NewConsistencyManager(c *Coordinator, size int, ttl time.Duration) *ConsistencyManager {
	var cache, err = lru.New(size)
	if err != nil {
		panic(err.Error()) // Only errors on size <= 0.
	}
	return &ConsistencyManager{coord: c, cache: cache, ttl: ttl}
}

// ReadWithCache executes a read at the ReadCommitted tier, unless cacheKey
// is non-empty and holds an entry younger than the freshness window, in
// which case the cached rows are returned without touching the pool.
func (m *ConsistencyManager) ReadWithCache(ctx context.Context, query string, params []interface{}, cacheKey string) ([]Row, error) {
	if cacheKey != "" {
		if v, ok := m.cache.Get(cacheKey); ok {
			if e := v.(cacheEntry); timeNow().Sub(e.at) < m.ttl {
				metrics.CacheHitTotal.Inc()
				return e.rows, nil
			}
			m.cache.Remove(cacheKey)
		}
		metrics.CacheMissTotal.Inc()
	}
	var rows, err = m.coord.Query(ctx, query, params, ReadCommitted)
	if err != nil {
		return nil, err
	}
	if cacheKey != "" {
		m.cache.Add(cacheKey, cacheEntry{
			rows:        rows,
			at:          timeNow(),
			fingerprint: fingerprint(query, params),
		})
	}
	return rows, nil
}

// UpdateWithVersion reads the current version of the target row, appends
// version+1 and the row ID to the caller's update parameters, and runs the
// update under an optimistic version check. The caller's query must bind
// the appended values, e.g.:
//
//	UPDATE users SET name = ?, version = ? WHERE id = ?
//
// with params supplying only the leading (name) binding. On success,
// matching cache entries are invalidated and the stored version has
// incremented by exactly one.
func (m *ConsistencyManager) UpdateWithVersion(ctx context.Context, query string, params []interface{}, table string, rowID interface{}) (int64, error) {
	var vrows, err = m.coord.Query(ctx,
		fmt.Sprintf("SELECT version FROM %s WHERE id = ?", table),
		[]interface{}{rowID}, ReadCommitted)
	if err != nil {
		return 0, errors.WithMessage(err, "reading current version")
	}
	if len(vrows) == 0 {
		return 0, errors.Errorf("no row %v in table %s", rowID, table)
	}
	current, err := asInt64(vrows[0]["version"])
	if err != nil {
		return 0, errors.WithMessagef(err, "version column of %s", table)
	}

	var bound = append(append([]interface{}{}, params...), current+1, rowID)
	n, err := m.coord.UpdateWithVersionCheck(ctx, query, bound, VersionCheck{
		Table:    table,
		Column:   "version",
		RowID:    rowID,
		Expected: current,
	})
	if err != nil {
		return 0, err
	}
	m.invalidate(table, rowID)
	return n, nil
}

// invalidate removes every cache entry whose key contains the table name or
// the row identifier. Matching is by substring: a key with a colliding
// substring may be over-invalidated, which is safe. Under-invalidation is
// the failure mode callers must not be exposed to.
func (m *ConsistencyManager) invalidate(table string, rowID interface{}) {
	var id = fmt.Sprint(rowID)
	for _, k := range m.cache.Keys() {
		var key, ok = k.(string)
		if !ok {
			continue
		}
		if strings.Contains(key, table) || strings.Contains(key, id) {
			m.cache.Remove(k)
			metrics.CacheEvictTotal.Inc()
		}
	}
}

// fingerprint identifies the query and bindings which produced a cache entry.
func fingerprint(query string, params []interface{}) string {
	var sum = md5.Sum([]byte(fmt.Sprintf("%s%v", query, params)))
	return hex.EncodeToString(sum[:])
}

func asInt64(v interface{}) (int64, error) {
	switch v := v.(type) {
	case int64:
		return v, nil
	case float64:
		return int64(v), nil
	default:
		return 0, errors.Errorf("expected integer version, got %T", v)
	}
}
