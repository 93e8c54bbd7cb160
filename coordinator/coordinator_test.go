package coordinator

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCoordinator(t *testing.T) *Coordinator {
	var c, err = New(Config{
		Path:           filepath.Join(t.TempDir(), "test.db"),
		AgentID:        "agent-test",
		MaxConnections: 4,
		PoolTimeout:    2 * time.Second,
		LeaseTimeout:   5 * time.Second,
		BusyTimeout:    5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	_, err = c.Update(context.Background(),
		"CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT, version INTEGER NOT NULL DEFAULT 1)", nil)
	require.NoError(t, err)
	return c
}

func TestQueryTiersReturnRows(t *testing.T) {
	var c = newTestCoordinator(t)
	var ctx = context.Background()

	_, err := c.Update(ctx, "INSERT INTO users (id, name) VALUES (?, ?)", []interface{}{1, "alice"})
	require.NoError(t, err)

	for _, tier := range []Consistency{ReadUncommitted, ReadCommitted, Serializable} {
		var rows, err = c.Query(ctx, "SELECT id, name, version FROM users WHERE id = ?",
			[]interface{}{1}, tier)
		require.NoError(t, err, "tier %s", tier)
		require.Len(t, rows, 1)
		assert.Equal(t, "alice", rows[0]["name"])
		assert.Equal(t, int64(1), rows[0]["version"])
	}
	// The serializable tier released the lease once its statement finished.
	assert.False(t, c.lease.Held())
}

func TestUpdateReturnsAffectedRowCount(t *testing.T) {
	var c = newTestCoordinator(t)
	var ctx = context.Background()

	for id := 1; id != 4; id++ {
		var _, err = c.Update(ctx, "INSERT INTO users (id, name) VALUES (?, ?)",
			[]interface{}{id, "user"})
		require.NoError(t, err)
	}
	var n, err = c.Update(ctx, "UPDATE users SET name = ?", []interface{}{"renamed"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestVersionCheckedUpdateSucceedsExactlyOnce(t *testing.T) {
	var c = newTestCoordinator(t)
	var ctx = context.Background()

	_, err := c.Update(ctx, "INSERT INTO users (id, name, version) VALUES (1, 'alice', 1)", nil)
	require.NoError(t, err)

	var vc = VersionCheck{Table: "users", Column: "version", RowID: 1, Expected: 1}

	// The first writer with the expected version succeeds and increments it.
	n, err := c.UpdateWithVersionCheck(ctx,
		"UPDATE users SET name = ?, version = ? WHERE id = ?",
		[]interface{}{"bob", 2, 1}, vc)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	rows, err := c.Query(ctx, "SELECT version FROM users WHERE id = 1", nil, ReadCommitted)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rows[0]["version"])

	// A second writer holding the stale version is rejected without
	// executing its update.
	_, err = c.UpdateWithVersionCheck(ctx,
		"UPDATE users SET name = ?, version = ? WHERE id = ?",
		[]interface{}{"mallory", 2, 1}, vc)
	assert.True(t, IsVersionConflict(err))
	assert.Equal(t, "version_conflict", ErrorKind(err))

	rows, err = c.Query(ctx, "SELECT name FROM users WHERE id = 1", nil, ReadCommitted)
	require.NoError(t, err)
	assert.Equal(t, "bob", rows[0]["name"])
}

func TestVersionCheckOfMissingRowFails(t *testing.T) {
	var c = newTestCoordinator(t)

	var _, err = c.UpdateWithVersionCheck(context.Background(),
		"UPDATE users SET name = ?, version = ? WHERE id = ?",
		[]interface{}{"nobody", 2, 99},
		VersionCheck{Table: "users", Column: "version", RowID: 99, Expected: 1})
	assert.Error(t, err)
	assert.False(t, IsVersionConflict(err))
}

func TestTransactionRollsBackAllPriorStatements(t *testing.T) {
	var c = newTestCoordinator(t)
	var ctx = context.Background()

	_, err := c.Update(ctx, "INSERT INTO users (id, name) VALUES (1, 'alice')", nil)
	require.NoError(t, err)

	// Two statements succeed before the third fails on a constraint.
	err = c.Transact(ctx, []Operation{
		{Query: "INSERT INTO users (id, name) VALUES (2, 'bob')"},
		{Query: "UPDATE users SET name = 'renamed' WHERE id = 1"},
		{Query: "INSERT INTO users (id, name) VALUES (1, 'duplicate')"},
	}, Serializable)
	require.Error(t, err)
	assert.Equal(t, "statement_error", ErrorKind(err))

	// The database is left in its pre-transaction state.
	rows, err := c.Query(ctx, "SELECT id, name FROM users ORDER BY id", nil, ReadCommitted)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "alice", rows[0]["name"])
}

func TestTransactionCommitsAtomically(t *testing.T) {
	var c = newTestCoordinator(t)
	var ctx = context.Background()

	require.NoError(t, c.Transact(ctx, []Operation{
		{Query: "INSERT INTO users (id, name) VALUES (?, ?)", Params: []interface{}{1, "alice"}},
		{Query: "INSERT INTO users (id, name) VALUES (?, ?)", Params: []interface{}{2, "bob"}},
	}, ReadCommitted))

	var rows, err = c.Query(ctx, "SELECT COUNT(*) AS n FROM users", nil, ReadCommitted)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rows[0]["n"])
}

func TestConcurrentWritersAreTotallyOrdered(t *testing.T) {
	var c = newTestCoordinator(t)
	var ctx = context.Background()

	_, err := c.Update(ctx, "CREATE TABLE counters (id INTEGER PRIMARY KEY, n INTEGER)", nil)
	require.NoError(t, err)
	_, err = c.Update(ctx, "INSERT INTO counters (id, n) VALUES (1, 0)", nil)
	require.NoError(t, err)

	// Each writer's transaction increments the counter several times. With
	// writes totally ordered by the write lock, no increment is lost.
	const writers, increments = 4, 5
	var ops []Operation
	for i := 0; i != increments; i++ {
		ops = append(ops, Operation{Query: "UPDATE counters SET n = n + 1 WHERE id = 1"})
	}

	var wg sync.WaitGroup
	for i := 0; i != writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.Transact(ctx, ops, Serializable))
		}()
	}
	wg.Wait()

	var rows, qErr = c.Query(ctx, "SELECT n FROM counters WHERE id = 1", nil, ReadCommitted)
	require.NoError(t, qErr)
	assert.Equal(t, int64(writers*increments), rows[0]["n"])
}

func TestOperationsAreLogged(t *testing.T) {
	var c = newTestCoordinator(t)
	var ctx = context.Background()

	_, err := c.Update(ctx, "INSERT INTO users (id, name) VALUES (1, 'alice')", nil)
	require.NoError(t, err)
	_, err = c.Query(ctx, "SELECT * FROM users", nil, ReadCommitted)
	require.NoError(t, err)

	var records, hErr = c.TxnLog().History(2)
	require.NoError(t, hErr)
	require.Len(t, records, 2)
	assert.Equal(t, "update", records[0].Operation)
	assert.Equal(t, "query", records[1].Operation)
	for _, r := range records {
		assert.Equal(t, c.AgentID(), r.AgentID)
		assert.Equal(t, c.SessionID(), r.SessionID)
	}
}

func TestStatusReportsIdentityAndFiles(t *testing.T) {
	var c, err = New(Config{
		Path:    filepath.Join(t.TempDir(), "test.db"),
		AgentID: "agent-test",
	})
	require.NoError(t, err)
	defer c.Close()

	var status = c.Status()
	assert.Equal(t, "agent-test", status.AgentID)
	assert.NotEmpty(t, status.SessionID)
	assert.True(t, status.TxnLogExists)
	assert.False(t, status.LockFileExists, "lock file is created lazily on first guarded write")

	_, err = c.Update(context.Background(), "CREATE TABLE t (id INTEGER)", nil)
	require.NoError(t, err)
	assert.True(t, c.Status().LockFileExists)
}

func TestInitScriptRunsAtConstruction(t *testing.T) {
	var dir = t.TempDir()
	var script = filepath.Join(dir, "init.sql")
	require.NoError(t, os.WriteFile(script, []byte(`
		CREATE TABLE settings (key TEXT PRIMARY KEY, value TEXT);
		INSERT INTO settings (key, value) VALUES ('tier', 'default');
	`), 0644))

	var c, err = New(Config{
		Path:       filepath.Join(dir, "test.db"),
		InitScript: script,
	})
	require.NoError(t, err)
	defer c.Close()

	rows, err := c.Query(context.Background(), "SELECT value FROM settings WHERE key = 'tier'", nil, ReadCommitted)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "default", rows[0]["value"])
}

func TestSessionIDChangesPerConstruction(t *testing.T) {
	var dir = t.TempDir()
	var path = filepath.Join(dir, "test.db")

	c1, err := New(Config{Path: path, AgentID: "agent-a"})
	require.NoError(t, err)
	var s1 = c1.SessionID()
	require.NoError(t, c1.Close())

	c2, err := New(Config{Path: path, AgentID: "agent-a"})
	require.NoError(t, err)
	defer c2.Close()

	assert.Equal(t, c1.AgentID(), c2.AgentID())
	assert.NotEqual(t, s1, c2.SessionID())
}
