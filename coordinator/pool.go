package coordinator

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/Rikxed/sqlite-mcp/metrics"
)

// PoolConfig configures a connection Pool.
type PoolConfig struct {
	// Path of the SQLite database file. Parent directories are created.
	Path string
	// MaxConnections is the fixed pool capacity.
	MaxConnections int
	// AcquireTimeout bounds the wait of Acquire before it fails with
	// ErrPoolExhausted.
	AcquireTimeout time.Duration
	// BusyTimeout is the engine-level busy wait applied to each connection.
	BusyTimeout time.Duration
	// CacheSizeKiB is the engine page cache size of each connection.
	CacheSizeKiB int
}

// Conn is a pooled connection. While checked out it's owned exclusively by
// one caller; while idle it's owned by the Pool. It carries at most one
// open transaction, which is rolled back when the connection is released.
type Conn struct {
	sc *sql.Conn
	tx *sql.Tx
}

// reset rolls back any transaction left open by the previous owner.
func (c *Conn) reset() error {
	if c.tx == nil {
		return nil
	}
	var err = c.tx.Rollback()
	c.tx = nil
	if err == sql.ErrTxDone {
		err = nil
	}
	return err
}

// Pool owns a fixed-size set of live connections to the database file.
// Connections are strictly checked out and in: at most MaxConnections are
// outstanding, and a connection is either idle in the pool or owned by
// exactly one caller, never both.
type Pool struct {
	db      *sql.DB
	idle    chan *Conn
	timeout time.Duration
}

// NewPool opens the database file and pre-creates exactly
// cfg.MaxConnections connections, each initialized once with foreign-key
// enforcement, WAL journaling, a busy timeout, and a page cache size.
// A connection creation failure is fatal to construction.
func NewPool(cfg PoolConfig) (*Pool, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, errors.Wrap(err, "creating database directory")
	}
	var dsn = fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=%d",
		cfg.Path, cfg.BusyTimeout.Milliseconds())

	var db, err = sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "opening database")
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxConnections)
	db.SetConnMaxLifetime(0)

	var p = &Pool{
		db:      db,
		idle:    make(chan *Conn, cfg.MaxConnections),
		timeout: cfg.AcquireTimeout,
	}
	for i := 0; i != cfg.MaxConnections; i++ {
		sc, err := db.Conn(context.Background())
		if err == nil && cfg.CacheSizeKiB != 0 {
			_, err = sc.ExecContext(context.Background(),
				fmt.Sprintf("PRAGMA cache_size = %d", -cfg.CacheSizeKiB))
		}
		if err != nil {
			_ = p.Close()
			return nil, errors.Wrapf(err, "creating pooled connection %d", i)
		}
		p.idle <- &Conn{sc: sc}
	}
	return p, nil
}

// Acquire checks a connection out of the pool, blocking up to the pool's
// wait bound. It fails with ErrPoolExhausted if no connection becomes
// available in time, and never creates connections beyond capacity.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	var start = time.Now()
	var timer = time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case c := <-p.idle:
		metrics.PoolAcquireTotal.Inc()
		metrics.PoolAcquireWaitSecondsTotal.Add(time.Since(start).Seconds())
		return c, nil
	case <-timer.C:
		metrics.PoolExhaustedTotal.Inc()
		return nil, ErrPoolExhausted
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release resets the connection's transactional state and returns it to
// the pool. If the reset fails, or the pool is already full (a double
// release bug), the connection is closed rather than leaked.
func (p *Pool) Release(c *Conn) {
	if err := c.reset(); err != nil {
		log.WithField("err", err).Warn("failed to reset released connection; closing it")
		_ = c.sc.Close()
		return
	}
	select {
	case p.idle <- c:
	default:
		log.Warn("connection released into a full pool; closing it")
		_ = c.sc.Close()
	}
}

// Close drains and closes all idle connections, and closes the database.
// Outstanding connections are closed as they're released.
func (p *Pool) Close() error {
	for {
		select {
		case c := <-p.idle:
			_ = c.reset()
			_ = c.sc.Close()
		default:
			return p.db.Close()
		}
	}
}
