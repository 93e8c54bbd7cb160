package coordinator

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/Rikxed/sqlite-mcp/metrics"
)

// Record is one appended transaction log entry. Records are never mutated
// after append, except by retention cleanup. Timestamp is seconds since the
// epoch, matching the on-disk format.
type Record struct {
	Timestamp float64       `json:"timestamp"`
	AgentID   string        `json:"agent_id"`
	SessionID string        `json:"session_id"`
	Operation string        `json:"operation"`
	Query     string        `json:"query"`
	Params    []interface{} `json:"params,omitempty"`
	Result    interface{}   `json:"result"`
}

// logFile is the on-disk representation: a single JSON object rewritten
// wholesale on each append and cleanup. Appends are therefore O(log size),
// which callers must tolerate.
type logFile struct {
	Transactions []Record `json:"transactions"`
}

// TxnLog is an append-only audit record of every operation of one agent,
// persisted alongside the database file. It exists for observability of
// concurrent access patterns, not for recovery or replay. Appends happen
// only while the caller already holds whichever lock governs the triggering
// operation; the TxnLog's own mutex serializes appends of this process.
type TxnLog struct {
	fs        afero.Fs
	path      string
	agentID   string
	sessionID string
	mu        sync.Mutex
}

// NewTxnLog returns a TxnLog at path, creating an empty log file if none
// exists. Creation failure is reported but not fatal: logging is
// best-effort throughout.
func NewTxnLog(fs afero.Fs, path, agentID, sessionID string) *TxnLog {
	var l = &TxnLog{fs: fs, path: path, agentID: agentID, sessionID: sessionID}

	if ok, _ := afero.Exists(fs, path); !ok {
		if err := l.write(&logFile{Transactions: []Record{}}); err != nil {
			log.WithFields(log.Fields{"err": err, "path": path}).
				Error("failed to initialize transaction log")
		}
	}
	return l
}

// Append records an operation. It is side-effecting only: a logging failure
// is reported through the observability log and never surfaced to the
// caller, so it cannot fail the underlying database operation.
func (l *TxnLog) Append(operation, query string, params []interface{}, result interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var f, err = l.read()
	if err == nil {
		f.Transactions = append(f.Transactions, Record{
			Timestamp: float64(timeNow().UnixNano()) / 1e9,
			AgentID:   l.agentID,
			SessionID: l.sessionID,
			Operation: operation,
			Query:     query,
			Params:    params,
			Result:    result,
		})
		err = l.write(f)
	}
	if err != nil {
		metrics.TxnLogAppendTotal.WithLabelValues(metrics.Fail).Inc()
		log.WithFields(log.Fields{"err": err, "path": l.path}).
			Error("failed to append transaction record")
		return
	}
	metrics.TxnLogAppendTotal.WithLabelValues(metrics.Ok).Inc()
}

// History returns the most recent window of up to |limit| records, in their
// original append order. A limit <= 0 returns all records.
func (l *TxnLog) History(limit int) ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var f, err = l.read()
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(f.Transactions) > limit {
		return f.Transactions[len(f.Transactions)-limit:], nil
	}
	return f.Transactions, nil
}

// Cleanup removes records older than maxAge and returns the removed count.
func (l *TxnLog) Cleanup(maxAge time.Duration) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var f, err = l.read()
	if err != nil {
		return 0, err
	}
	var cutoff = float64(timeNow().Add(-maxAge).UnixNano()) / 1e9
	var kept = f.Transactions[:0]
	for _, r := range f.Transactions {
		if r.Timestamp > cutoff {
			kept = append(kept, r)
		}
	}
	var removed = len(f.Transactions) - len(kept)
	f.Transactions = kept

	if err = l.write(f); err != nil {
		return 0, err
	}
	if removed != 0 {
		log.WithFields(log.Fields{"removed": removed, "path": l.path}).
			Info("cleaned up old transaction records")
	}
	return removed, nil
}

func (l *TxnLog) read() (*logFile, error) {
	var b, err = afero.ReadFile(l.fs, l.path)
	if err != nil {
		return nil, errors.Wrap(err, "reading transaction log")
	}
	var f = new(logFile)
	if err = json.Unmarshal(b, f); err != nil {
		return nil, errors.Wrap(err, "decoding transaction log")
	}
	return f, nil
}

func (l *TxnLog) write(f *logFile) error {
	var b, err = json.MarshalIndent(f, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding transaction log")
	}
	return errors.Wrap(afero.WriteFile(l.fs, l.path, b, 0644), "writing transaction log")
}
