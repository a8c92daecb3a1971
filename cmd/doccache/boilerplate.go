package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/krisalay/doccache/metrics"
)

// LogConfig configures handling of application log events.
type LogConfig struct {
	Level  string `long:"level" env:"LEVEL" default:"info" choice:"trace" choice:"debug" choice:"info" choice:"warn" choice:"error" choice:"fatal" description:"Logging level"`
	Format string `long:"format" env:"FORMAT" default:"text" choice:"json" choice:"text" choice:"color" description:"Logging output format"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Addr string `long:"addr" env:"ADDR" description:"Address to serve /metrics on. Disabled if empty"`
}

// InitLog configures the logger.
func InitLog(cfg LogConfig) {
	if cfg.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else if cfg.Format == "text" {
		log.SetFormatter(&log.TextFormatter{})
	} else if cfg.Format == "color" {
		log.SetFormatter(&log.TextFormatter{ForceColors: true})
	}

	if lvl, err := log.ParseLevel(cfg.Level); err != nil {
		log.WithField("err", err).Fatal("unrecognized log level")
	} else {
		log.SetLevel(lvl)
	}
}

// InitMetrics registers Prometheus cache metrics, and serves them if
// cfg.Addr is set.
func InitMetrics(cfg MetricsConfig) *metrics.Prometheus {
	var p = metrics.NewPrometheus()
	prometheus.MustRegister(p.Collectors()...)

	if cfg.Addr != "" {
		var mux = http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())

		go func() {
			var err = http.ListenAndServe(cfg.Addr, mux)
			log.WithFields(log.Fields{"addr": cfg.Addr, "err": err}).Error("metrics server stopped")
		}()
		log.WithField("addr", cfg.Addr).Info("serving metrics")
	}
	return p
}

// Must logs msg and exits if err is non-nil.
func Must(err error, msg string, extra ...interface{}) {
	if err == nil {
		return
	}
	var f = log.Fields{"err": err}
	for i := 0; i+1 < len(extra); i += 2 {
		f[extra[i].(string)] = extra[i+1]
	}
	log.WithFields(f).Fatal(msg)
}
