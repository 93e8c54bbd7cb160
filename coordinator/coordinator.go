// Package coordinator arbitrates access to a single shared SQLite database
// file among multiple independent agents, which may run as goroutines of one
// process or as separate operating-system processes. It layers an in-process
// concurrency guard, a cross-process advisory file lease, optimistic version
// checks, an append-only transaction log, and a short-lived read cache over
// a fixed-size connection pool.
package coordinator

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	petname "github.com/dustinkirkland/golang-petname"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/Rikxed/sqlite-mcp/lease"
	"github.com/Rikxed/sqlite-mcp/metrics"
)

// Consistency is a caller-selected strength tier determining which locks an
// operation engages. Only Serializable engages the cross-process lease;
// weaker tiers are not ordered against it, which is a documented weaker
// guarantee of mixed-tier callers rather than a bug.
type Consistency string

const (
	ReadUncommitted Consistency = "read_uncommitted"
	ReadCommitted   Consistency = "read_committed"
	Serializable    Consistency = "serializable"
)

// ParseConsistency maps s onto a Consistency tier, defaulting to
// ReadCommitted for an empty string.
func ParseConsistency(s string) (Consistency, error) {
	switch c := Consistency(s); c {
	case ReadUncommitted, ReadCommitted, Serializable:
		return c, nil
	case "":
		return ReadCommitted, nil
	default:
		return "", errors.Errorf("unknown consistency level %q", s)
	}
}

// Row is a single query result row, keyed by column name.
type Row map[string]interface{}

// Operation is one statement of a multi-statement transaction.
type Operation struct {
	Query  string        `json:"query"`
	Params []interface{} `json:"params,omitempty"`
}

// Config of a Coordinator. Zero-valued fields take documented defaults.
type Config struct {
	// Path of the shared SQLite database file.
	Path string
	// AgentID identifies this logical caller across its operations.
	// Auto-generated if not set.
	AgentID string
	// MaxConnections is the pool capacity (default 10).
	MaxConnections int
	// PoolTimeout bounds waits for a pool slot (default 5s).
	PoolTimeout time.Duration
	// LeaseTimeout bounds cross-process lease acquisition (default 30s).
	LeaseTimeout time.Duration
	// BusyTimeout is the engine-level busy wait (default 60s).
	BusyTimeout time.Duration
	// CacheSizeKiB is the engine page cache size (default 64 MiB).
	CacheSizeKiB int
	// InitScript is an optional SQL script run at construction.
	InitScript string
}

func (cfg Config) withDefaults() Config {
	if cfg.AgentID == "" {
		cfg.AgentID = petname.Generate(2, "-")
	}
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 10
	}
	if cfg.PoolTimeout == 0 {
		cfg.PoolTimeout = 5 * time.Second
	}
	if cfg.LeaseTimeout == 0 {
		cfg.LeaseTimeout = 30 * time.Second
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 60 * time.Second
	}
	if cfg.CacheSizeKiB == 0 {
		cfg.CacheSizeKiB = 64 * 1024
	}
	return cfg
}

// Coordinator is the concurrent access coordination layer over one shared
// database file. It's an explicitly constructed service: callers hold a
// reference, and its lifecycle ends with Close.
type Coordinator struct {
	cfg       Config
	agentID   string
	sessionID string // Re-generated for each construction.

	pool  *Pool
	lease *lease.Lease
	txlog *TxnLog

	// mu guards connection checkout of weaker-tier queries: reads never
	// block other reads, and its write side is taken only by Close to
	// quiesce them. writeMu totally orders mutating and serializable
	// operations within the process. A read issued concurrently with a
	// write may observe pre- or post-write state depending on engine-level
	// isolation (read-committed-like), unless the caller requests the
	// Serializable tier.
	mu      sync.RWMutex
	writeMu sync.Mutex
}

// New constructs a Coordinator of the database file at cfg.Path, pre-creating
// its connection pool and transaction log, and running cfg.InitScript if set.
func New(cfg Config) (*Coordinator, error) {
	cfg = cfg.withDefaults()

	var pool, err = NewPool(PoolConfig{
		Path:           cfg.Path,
		MaxConnections: cfg.MaxConnections,
		AcquireTimeout: cfg.PoolTimeout,
		BusyTimeout:    cfg.BusyTimeout,
		CacheSizeKiB:   cfg.CacheSizeKiB,
	})
	if err != nil {
		return nil, errors.WithMessage(err, "building connection pool")
	}

	var c = &Coordinator{
		cfg:       cfg,
		agentID:   cfg.AgentID,
		sessionID: uuid.NewString(),
		pool:      pool,
		lease:     lease.New(cfg.Path + ".lock"),
	}
	c.txlog = NewTxnLog(afero.NewOsFs(), cfg.Path+".transactions", c.agentID, c.sessionID)

	if cfg.InitScript != "" {
		if err = c.runInitScript(cfg.InitScript); err != nil {
			_ = pool.Close()
			return nil, errors.WithMessage(err, "running init script")
		}
	}
	log.WithFields(log.Fields{
		"agent":   c.agentID,
		"session": c.sessionID,
		"path":    cfg.Path,
	}).Info("coordinator ready")
	return c, nil
}

// AgentID returns the agent identity of this Coordinator.
func (c *Coordinator) AgentID() string { return c.agentID }

// SessionID returns the identifier of this construction.
func (c *Coordinator) SessionID() string { return c.sessionID }

// TxnLog returns the coordinator's transaction log.
func (c *Coordinator) TxnLog() *TxnLog { return c.txlog }

// Query executes a read statement at the given tier and returns its rows.
// The Serializable tier engages the write lock and the cross-process lease
// for the duration of the statement, totally ordering it against all other
// serializable operations; weaker tiers proceed under the shared read lock.
func (c *Coordinator) Query(ctx context.Context, query string, params []interface{}, tier Consistency) ([]Row, error) {
	if tier == Serializable {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()

		if err := c.lease.Acquire(ctx, c.cfg.LeaseTimeout); err != nil {
			return nil, err
		}
		defer c.lease.Release()
	} else {
		c.mu.RLock()
		defer c.mu.RUnlock()
	}
	var conn, err = c.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer c.pool.Release(conn)

	rows, err := conn.sc.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, errors.WithMessage(err, "executing query")
	}
	out, err := scanRows(rows)
	if err != nil {
		return nil, err
	}
	c.txlog.Append("query", query, params, len(out))
	return out, nil
}

// Update executes a mutating statement under the process write lock and the
// cross-process lease, and returns the affected row count.
func (c *Coordinator) Update(ctx context.Context, query string, params []interface{}) (int64, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.update(ctx, query, params, nil)
}

// VersionCheck names the version column and expected value of an explicit
// target row, compared immediately before a mutating statement runs.
type VersionCheck struct {
	// Table holding the target row.
	Table string
	// Column is the integer version column to compare.
	Column string
	// RowID is the target row's identifier (its "id" column value).
	RowID interface{}
	// Expected version value. The update is rejected if the stored value
	// differs.
	Expected int64
}

// UpdateWithVersionCheck is Update preceded by an optimistic version check:
// if the stored version of the target row differs from vc.Expected, it fails
// with a VersionConflictError without executing the update.
func (c *Coordinator) UpdateWithVersionCheck(ctx context.Context, query string, params []interface{}, vc VersionCheck) (int64, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.update(ctx, query, params, &vc)
}

func (c *Coordinator) update(ctx context.Context, query string, params []interface{}, vc *VersionCheck) (int64, error) {
	if err := c.lease.Acquire(ctx, c.cfg.LeaseTimeout); err != nil {
		return 0, err
	}
	defer c.lease.Release()

	var conn, err = c.pool.Acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer c.pool.Release(conn)

	if vc != nil {
		if err = c.checkVersion(ctx, conn, vc); err != nil {
			return 0, err
		}
	}
	res, err := conn.sc.ExecContext(ctx, query, params...)
	if err != nil {
		return 0, errors.WithMessage(err, "executing update")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.WithMessage(err, "reading affected row count")
	}
	c.txlog.Append("update", query, params, n)
	return n, nil
}

// Transact executes operations as a single transaction at the given
// isolation tier. A failing statement rolls back all prior statements;
// there is never a partial commit.
func (c *Coordinator) Transact(ctx context.Context, ops []Operation, tier Consistency) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.lease.Acquire(ctx, c.cfg.LeaseTimeout); err != nil {
		return err
	}
	defer c.lease.Release()

	var conn, err = c.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer c.pool.Release(conn)

	// Dirty reads are an engine-level setting of this connection's session.
	if tier == ReadUncommitted {
		if _, err = conn.sc.ExecContext(ctx, "PRAGMA read_uncommitted = 1"); err != nil {
			return errors.WithMessage(err, "setting read_uncommitted")
		}
		defer conn.sc.ExecContext(ctx, "PRAGMA read_uncommitted = 0")
	}

	conn.tx, err = conn.sc.BeginTx(ctx, nil)
	if err != nil {
		return errors.WithMessage(err, "beginning transaction")
	}
	for i, op := range ops {
		if _, err = conn.tx.ExecContext(ctx, op.Query, op.Params...); err != nil {
			_ = conn.tx.Rollback()
			conn.tx = nil
			c.txlog.Append("transaction", summarize(ops), nil, false)
			return errors.WithMessagef(err, "statement %d of %d", i+1, len(ops))
		}
	}
	err = conn.tx.Commit()
	conn.tx = nil
	if err != nil {
		c.txlog.Append("transaction", summarize(ops), nil, false)
		return errors.WithMessage(err, "committing transaction")
	}
	c.txlog.Append("transaction", summarize(ops), nil, true)
	return nil
}

// checkVersion performs a point lookup of the version column and rejects a
// stale writer before its statement executes.
func (c *Coordinator) checkVersion(ctx context.Context, conn *Conn, vc *VersionCheck) error {
	var current int64
	var q = fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", vc.Column, vc.Table)

	switch err := conn.sc.QueryRowContext(ctx, q, vc.RowID).Scan(&current); err {
	case nil:
		if current != vc.Expected {
			metrics.VersionConflictTotal.Inc()
			return &VersionConflictError{
				Table:    vc.Table,
				Column:   vc.Column,
				RowID:    vc.RowID,
				Expected: vc.Expected,
				Actual:   current,
			}
		}
		return nil
	case sql.ErrNoRows:
		return errors.Errorf("no row %v in table %s", vc.RowID, vc.Table)
	default:
		return errors.WithMessage(err, "reading current version")
	}
}

// Status describes the coordinator's identity and persisted state files.
type Status struct {
	AgentID        string    `json:"agent_id"`
	SessionID      string    `json:"session_id"`
	DatabasePath   string    `json:"database_path"`
	LockFileExists bool      `json:"lock_file_exists"`
	TxnLogExists   bool      `json:"transaction_log_exists"`
	Timestamp      time.Time `json:"timestamp"`
}

// Status reports the coordinator's current Status.
func (c *Coordinator) Status() Status {
	var statExists = func(path string) bool {
		var _, err = os.Stat(path)
		return err == nil
	}
	return Status{
		AgentID:        c.agentID,
		SessionID:      c.sessionID,
		DatabasePath:   c.cfg.Path,
		LockFileExists: statExists(c.cfg.Path + ".lock"),
		TxnLogExists:   statExists(c.cfg.Path + ".transactions"),
		Timestamp:      timeNow(),
	}
}

// Close quiesces in-flight operations, releases the cross-process lease
// (if held), and closes the pool.
func (c *Coordinator) Close() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()

	var err = c.lease.Release()
	if perr := c.pool.Close(); err == nil {
		err = perr
	}
	log.WithField("agent", c.agentID).Info("coordinator closed")
	return err
}

// runInitScript executes the statements of the script file, split on ';'.
func (c *Coordinator) runInitScript(path string) error {
	var b, err = os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "reading init script")
	}
	for _, stmt := range strings.Split(string(b), ";") {
		if stmt = strings.TrimSpace(stmt); stmt == "" {
			continue
		}
		if _, err = c.Update(context.Background(), stmt, nil); err != nil {
			return err
		}
	}
	return nil
}

// scanRows reads all rows into ordered column maps. TEXT and BLOB values
// arrive as []byte and are converted to string for JSON friendliness.
func scanRows(rows *sql.Rows) ([]Row, error) {
	defer rows.Close()

	var cols, err = rows.Columns()
	if err != nil {
		return nil, errors.WithMessage(err, "reading result columns")
	}
	var out = make([]Row, 0)
	for rows.Next() {
		var vals = make([]interface{}, len(cols))
		var ptrs = make([]interface{}, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err = rows.Scan(ptrs...); err != nil {
			return nil, errors.WithMessage(err, "scanning result row")
		}
		var r = make(Row, len(cols))
		for i, col := range cols {
			if b, ok := vals[i].([]byte); ok {
				r[col] = string(b)
			} else {
				r[col] = vals[i]
			}
		}
		out = append(out, r)
	}
	return out, errors.WithMessage(rows.Err(), "iterating result rows")
}

// summarize renders a transaction's statements for the log.
func summarize(ops []Operation) string {
	var queries = make([]string, len(ops))
	for i, op := range ops {
		queries[i] = op.Query
	}
	return strings.Join(queries, "; ")
}

// timeNow is swapped by tests.
var timeNow = time.Now
