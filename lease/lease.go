// Package lease provides an exclusive advisory lease over a file, used to
// serialize operations of cooperating processes sharing a database file.
// Advisory locks are released by the operating system when the holding file
// descriptor closes, which is the recovery mechanism for crashed holders.
package lease

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/Rikxed/sqlite-mcp/metrics"
)

// ErrTimeout is returned by Acquire when the lease cannot be obtained
// within the configured bound. It is a terminal failure of the attempt;
// no retry is automatic.
var ErrTimeout = errors.New("timed out acquiring exclusive file lease")

// pollInterval between attempts of a contended lease.
const pollInterval = 100 * time.Millisecond

// Lease is an exclusive, advisory lease over the file at a fixed path.
// The file is created lazily on first acquisition. A Lease is safe for
// concurrent use, though at most one Acquire may be outstanding.
type Lease struct {
	path string

	mu   sync.Mutex
	file *os.File // non-nil while held.
}

// New returns a Lease over the file at path. No file is created until
// the first Acquire.
func New(path string) *Lease { return &Lease{path: path} }

// Acquire obtains the lease, polling a non-blocking exclusive lock until
// it's granted or |timeout| elapses (returning ErrTimeout), or |ctx| is
// cancelled. The caller must Release once the guarded operation completes.
func (l *Lease) Acquire(ctx context.Context, timeout time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		return errors.Errorf("lease of %s is already held", l.path)
	}
	var f, err = os.OpenFile(l.path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return errors.Wrap(err, "opening lease file")
	}

	var start = time.Now()
	var deadline = start.Add(timeout)
	for {
		if err = lockFile(f); err == nil {
			l.file = f
			metrics.LeaseAcquireTotal.WithLabelValues(metrics.Ok).Inc()
			metrics.LeaseWaitSecondsTotal.Add(time.Since(start).Seconds())
			return nil
		} else if !isWouldBlock(err) {
			_ = f.Close()
			return errors.Wrap(err, "locking lease file")
		}
		if !time.Now().Before(deadline) {
			_ = f.Close()
			metrics.LeaseAcquireTotal.WithLabelValues(metrics.Fail).Inc()
			return ErrTimeout
		}
		select {
		case <-ctx.Done():
			_ = f.Close()
			return ctx.Err()
		case <-time.After(pollInterval):
			// Try again.
		}
	}
}

// Release unlocks and closes the lease file. It's a no-op if the lease
// isn't currently held.
func (l *Lease) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	var err = unlockFile(l.file)
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	l.file = nil
	return err
}

// Held returns whether the lease is currently held by this Lease instance.
func (l *Lease) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file != nil
}
