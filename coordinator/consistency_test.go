package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*Coordinator, *ConsistencyManager) {
	var c = newTestCoordinator(t)
	var _, err = c.Update(context.Background(),
		"INSERT INTO users (id, name, version) VALUES (1, 'alice', 1)", nil)
	require.NoError(t, err)
	return c, NewConsistencyManager(c, 64, DefaultCacheTTL)
}

func TestFreshCacheEntryIsServedWithoutThePool(t *testing.T) {
	var c, m = newTestManager(t)
	var ctx = context.Background()

	rows, err := m.ReadWithCache(ctx, "SELECT name FROM users WHERE id = ?",
		[]interface{}{1}, "users:1")
	require.NoError(t, err)
	assert.Equal(t, "alice", rows[0]["name"])

	// Mutate the row behind the cache's back. A read within the freshness
	// window still observes the cached value: it never touched the pool.
	_, err = c.Update(ctx, "UPDATE users SET name = 'bob' WHERE id = 1", nil)
	require.NoError(t, err)

	rows, err = m.ReadWithCache(ctx, "SELECT name FROM users WHERE id = ?",
		[]interface{}{1}, "users:1")
	require.NoError(t, err)
	assert.Equal(t, "alice", rows[0]["name"])
}

func TestCacheEntryExpiresAfterFreshnessWindow(t *testing.T) {
	defer func(fn func() time.Time) { timeNow = fn }(timeNow)

	var c, m = newTestManager(t)
	var ctx = context.Background()

	var _, err = m.ReadWithCache(ctx, "SELECT name FROM users WHERE id = ?",
		[]interface{}{1}, "users:1")
	require.NoError(t, err)

	_, err = c.Update(ctx, "UPDATE users SET name = 'bob' WHERE id = 1", nil)
	require.NoError(t, err)

	// Once the freshness window elapses the entry is discarded and the
	// read falls through to the pool.
	timeNow = func() time.Time { return time.Now().Add(DefaultCacheTTL + time.Second) }

	rows, err := m.ReadWithCache(ctx, "SELECT name FROM users WHERE id = ?",
		[]interface{}{1}, "users:1")
	require.NoError(t, err)
	assert.Equal(t, "bob", rows[0]["name"])
}

func TestVersionedUpdateIncrementsAndEvicts(t *testing.T) {
	var _, m = newTestManager(t)
	var ctx = context.Background()

	var _, err = m.ReadWithCache(ctx, "SELECT name FROM users WHERE id = ?",
		[]interface{}{1}, "users:1")
	require.NoError(t, err)
	require.True(t, m.cache.Contains("users:1"))

	// The versioned update binds version+1 and the row id as trailing
	// parameters, and evicts cache entries touching the row.
	n, err := m.UpdateWithVersion(ctx,
		"UPDATE users SET name = ?, version = ? WHERE id = ?",
		[]interface{}{"carol"}, "users", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.False(t, m.cache.Contains("users:1"))

	rows, err := m.ReadWithCache(ctx, "SELECT name, version FROM users WHERE id = ?",
		[]interface{}{1}, "users:1")
	require.NoError(t, err)
	assert.Equal(t, "carol", rows[0]["name"])
	assert.Equal(t, int64(2), rows[0]["version"])

	// A second versioned update re-reads the stored version, so sequential
	// writers don't conflict and the version keeps incrementing by one.
	_, err = m.UpdateWithVersion(ctx,
		"UPDATE users SET name = ?, version = ? WHERE id = ?",
		[]interface{}{"dave"}, "users", 1)
	require.NoError(t, err)

	rows, err = m.ReadWithCache(ctx, "SELECT version FROM users WHERE id = ?",
		[]interface{}{1}, "")
	require.NoError(t, err)
	assert.Equal(t, int64(3), rows[0]["version"])
}

func TestInvalidationMatchesBySubstring(t *testing.T) {
	var _, m = newTestManager(t)
	var ctx = context.Background()

	// Three cached reads: one keyed by the table, one whose key merely
	// contains the table name, and one unrelated.
	for _, key := range []string{"users:1", "reports:users_summary", "orders:7"} {
		var _, err = m.ReadWithCache(ctx, "SELECT name FROM users WHERE id = ?",
			[]interface{}{1}, key)
		require.NoError(t, err)
	}

	var _, err = m.UpdateWithVersion(ctx,
		"UPDATE users SET name = ?, version = ? WHERE id = ?",
		[]interface{}{"erin"}, "users", 1)
	require.NoError(t, err)

	// Substring matching over-invalidates "reports:users_summary", which is
	// safe. "orders:7" contains neither "users" nor "1" and survives.
	assert.False(t, m.cache.Contains("users:1"))
	assert.False(t, m.cache.Contains("reports:users_summary"))
	assert.True(t, m.cache.Contains("orders:7"))
}

func TestVersionedUpdateOfMissingRowFails(t *testing.T) {
	var _, m = newTestManager(t)

	var _, err = m.UpdateWithVersion(context.Background(),
		"UPDATE users SET name = ?, version = ? WHERE id = ?",
		[]interface{}{"nobody"}, "users", 99)
	assert.Error(t, err)
}
