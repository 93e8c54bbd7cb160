package mainboilerplate

import (
	_ "expvar" // Import for /debug/vars
	"net/http"
	_ "net/http/pprof" // Import for /debug/pprof

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// DiagnosticsConfig configures pull-based application metrics and debugging.
type DiagnosticsConfig struct {
	Port string `long:"port" env:"PORT" description:"Port for serving metrics and debug endpoints. Disabled if not set"`
}

// InitDiagnostics registers debug handlers on the default HTTPMux and, if a
// port is configured, serves them in the background.
func InitDiagnostics(cfg DiagnosticsConfig) {
	// Package "net/http/pprof" serves /debug/pprof/.
	// Package "expvar" serves /debug/vars.

	// Serve a liveness check at /debug/ready.
	http.HandleFunc("/debug/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	// Serve Prometheus metrics at /debug/metrics.
	http.Handle("/debug/metrics", promhttp.Handler())

	if cfg.Port != "" {
		go func() {
			var err = http.ListenAndServe(":"+cfg.Port, nil)
			log.WithFields(log.Fields{"err": err, "port": cfg.Port}).
				Error("diagnostics server exited")
		}()
	}
}

// Must panics if |err| is non-nil, supplying |msg| and |extra| as
// formatter and fields of the generated panic.
func Must(err error, msg string, extra ...interface{}) {
	if err == nil {
		return
	}
	var f = log.Fields{"err": err}
	for i := 0; i+1 < len(extra); i += 2 {
		f[extra[i].(string)] = extra[i+1]
	}
	log.WithFields(f).Panic(msg)
}
