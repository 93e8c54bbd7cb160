package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jessevdk/go-flags"
	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/Rikxed/sqlite-mcp/coordinator"
	mbp "github.com/Rikxed/sqlite-mcp/mainboilerplate"
	"github.com/Rikxed/sqlite-mcp/metrics"
)

const iniFilename = "sqlite-mcp.ini"

// Config is the top-level configuration object of the sqlite-mcp binary.
var Config = new(struct {
	DB struct {
		Path           string        `long:"path" env:"PATH" default:"data/app.db" description:"Path of the shared SQLite database file"`
		AgentID        string        `long:"agent-id" env:"AGENT_ID" description:"Agent identity of this process. Auto-generated if not set"`
		MaxConnections int           `long:"max-connections" env:"MAX_CONNECTIONS" default:"10" description:"Connection pool capacity"`
		PoolTimeout    time.Duration `long:"pool-timeout" env:"POOL_TIMEOUT" default:"5s" description:"Bound on waits for a pooled connection"`
		LeaseTimeout   time.Duration `long:"lease-timeout" env:"LEASE_TIMEOUT" default:"30s" description:"Bound on cross-process lock acquisition"`
		BusyTimeout    time.Duration `long:"busy-timeout" env:"BUSY_TIMEOUT" default:"60s" description:"Engine-level busy wait of each connection"`
		InitScript     string        `long:"init-script" env:"INIT_SCRIPT" description:"Optional SQL script run at startup"`
	} `group:"Database" namespace:"db" env-namespace:"DB"`

	Cache struct {
		Size int           `long:"size" env:"SIZE" default:"1024" description:"Maximum number of consistency cache entries"`
		TTL  time.Duration `long:"ttl" env:"TTL" default:"60s" description:"Freshness window of cached reads"`
	} `group:"Cache" namespace:"cache" env-namespace:"CACHE"`

	TxnLog struct {
		Retention time.Duration `long:"retention" env:"RETENTION" default:"24h" description:"Age beyond which transaction records are cleaned up"`
	} `group:"Transaction log" namespace:"txnlog" env-namespace:"TXNLOG"`

	Log         mbp.LogConfig         `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
})

type cmdServe struct{}

func (cmdServe) Execute([]string) error {
	mbp.InitLog(Config.Log)
	mbp.InitDiagnostics(Config.Diagnostics)

	log.WithField("config", Config).Info("starting sqlite-mcp server")
	prometheus.MustRegister(metrics.CoordinatorCollectors()...)

	var coord, err = coordinator.New(coordinator.Config{
		Path:           Config.DB.Path,
		AgentID:        Config.DB.AgentID,
		MaxConnections: Config.DB.MaxConnections,
		PoolTimeout:    Config.DB.PoolTimeout,
		LeaseTimeout:   Config.DB.LeaseTimeout,
		BusyTimeout:    Config.DB.BusyTimeout,
		InitScript:     Config.DB.InitScript,
	})
	mbp.Must(err, "building coordinator")
	defer coord.Close()

	var manager = coordinator.NewConsistencyManager(coord, Config.Cache.Size, Config.Cache.TTL)
	var stdio = newDispatcher(coord, manager)

	var ctx, cancel = context.WithCancel(context.Background())
	var g, gtx = errgroup.WithContext(ctx)

	// Serve MCP over stdio until stdin closes or a signal arrives.
	g.Go(func() error {
		defer cancel()
		return stdio.Listen(gtx, os.Stdin, os.Stdout)
	})
	// Periodically apply the transaction log retention policy.
	g.Go(func() error {
		var ticker = time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-gtx.Done():
				return nil
			case <-ticker.C:
				if _, err := coord.TxnLog().Cleanup(Config.TxnLog.Retention); err != nil {
					log.WithField("err", err).Warn("transaction log cleanup failed")
				}
			}
		}
	})
	// Cancel on SIGTERM / SIGINT.
	g.Go(func() error {
		var signalCh = make(chan os.Signal, 1)
		signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)
		select {
		case sig := <-signalCh:
			log.WithField("signal", sig).Info("caught signal; stopping")
			cancel()
		case <-gtx.Done():
		}
		return nil
	})

	if err = g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	log.Info("goodbye")
	return nil
}

type cmdHistory struct {
	Limit int `long:"limit" default:"100" description:"Number of most recent records to show"`
}

func (cmd cmdHistory) Execute([]string) error {
	mbp.InitLog(Config.Log)

	var txlog = coordinator.NewTxnLog(afero.NewOsFs(), Config.DB.Path+".transactions", "", "")
	var records, err = txlog.History(cmd.Limit)
	if err != nil {
		return err
	}

	var table = tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Age", "Agent", "Session", "Operation", "Query", "Result"})
	for _, r := range records {
		var at = time.Unix(0, int64(r.Timestamp*1e9))
		table.Append([]string{
			humanize.Time(at),
			r.AgentID,
			shorten(r.SessionID),
			r.Operation,
			shorten(r.Query),
			fmt.Sprint(r.Result),
		})
	}
	table.Render()
	return nil
}

type cmdCleanup struct {
	MaxAge time.Duration `long:"max-age" default:"24h" description:"Remove records older than this age"`
}

func (cmd cmdCleanup) Execute([]string) error {
	mbp.InitLog(Config.Log)

	var txlog = coordinator.NewTxnLog(afero.NewOsFs(), Config.DB.Path+".transactions", "", "")
	var removed, err = txlog.Cleanup(cmd.MaxAge)
	if err != nil {
		return err
	}
	fmt.Printf("removed %d transaction records\n", removed)
	return nil
}

type cmdStatus struct{}

func (cmdStatus) Execute([]string) error {
	mbp.InitLog(Config.Log)

	var statExists = func(path string) bool {
		var _, err = os.Stat(path)
		return err == nil
	}
	var b, err = json.MarshalIndent(map[string]interface{}{
		"database_path":          Config.DB.Path,
		"database_exists":        statExists(Config.DB.Path),
		"lock_file_exists":       statExists(Config.DB.Path + ".lock"),
		"transaction_log_exists": statExists(Config.DB.Path + ".transactions"),
		"timestamp":              time.Now(),
	}, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func shorten(s string) string {
	if len(s) > 60 {
		return s[:57] + "..."
	}
	return s
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	_, _ = parser.AddCommand("serve", "Serve MCP over stdio", `
Serve the coordination layer as an MCP stdio server, until stdin closes or
a signal (SIGTERM, SIGINT) arrives.
`, &cmdServe{})
	_, _ = parser.AddCommand("history", "Print recent transaction records", `
Print the most recent window of the transaction log as a table.
`, &cmdHistory{})
	_, _ = parser.AddCommand("cleanup", "Remove old transaction records", `
Remove transaction records older than the given age and report the count.
`, &cmdCleanup{})
	_, _ = parser.AddCommand("status", "Print database and log file status", `
Print the existence and paths of the database, lock, and transaction log files.
`, &cmdStatus{})

	mbp.AddPrintConfigCmd(parser, iniFilename)
	mbp.MustParseConfig(parser, iniFilename)
}
