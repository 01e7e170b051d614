package mainboilerplate

import (
	"net"
	"net/http"
	_ "net/http/pprof" // Registers /debug/pprof handlers.

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// DiagnosticsConfig configures pull-based application metrics and debugging.
type DiagnosticsConfig struct {
	Port string `long:"port" env:"PORT" description:"Address (eg, ':9090') at which prometheus metrics and pprof are served. Not served if empty"`
}

// InitDiagnosticsAndRecover serves prometheus metrics and pprof handlers at
// the configured address, if any. It returns a function to be deferred by the
// caller, which logs a panic with its stack trace.
//
//	defer mbp.InitDiagnosticsAndRecover(cfg.Diagnostics)()
func InitDiagnosticsAndRecover(cfg DiagnosticsConfig) func() {
	if cfg.Port == "" {
		return LogPanic
	}
	http.Handle("/metrics", promhttp.Handler())

	var ln, err = net.Listen("tcp", cfg.Port)
	Must(err, "failed to listen for diagnostics", "port", cfg.Port)

	log.WithField("addr", ln.Addr().String()).Info("serving diagnostics")
	go func() {
		if err := http.Serve(ln, nil); err != nil {
			log.WithField("err", err).Warn("diagnostics server stopped")
		}
	}()
	return LogPanic
}
