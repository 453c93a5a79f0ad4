package mainboilerplate

import (
	"fmt"
	"net/http"
	_ "net/http/pprof" // Import for /debug/pprof
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// DiagnosticsConfig configures pull-based application metrics, debugging and diagnostics.
type DiagnosticsConfig struct {
	Port string `long:"port" env:"PORT" description:"Port for serving diagnostics (metrics and pprof). Diagnostics are not served if empty"`
}

// InitDiagnostics serves metrics and debugging services registered on the
// default HTTPMux, if a port is configured.
func InitDiagnostics(cfg DiagnosticsConfig) {
	if cfg.Port == "" {
		return
	}
	// Package "net/http/pprof" serves /debug/pprof/.

	// Serve a liveness check at /debug/ready.
	http.HandleFunc("/debug/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	// Serve Prometheus metrics at /debug/metrics.
	http.Handle("/debug/metrics", promhttp.Handler())

	go func() {
		var err = http.ListenAndServe(":"+cfg.Port, nil)
		log.WithField("err", err).Warn("diagnostics server exited")
	}()
}

// RecoverAndExit should be deferred by main. It recovers a panic and attempts
// to log a K8s termination message, before re-raising the panic.
func RecoverAndExit() {
	if r := recover(); r != nil {
		// Make a best effort attempt to write a termination message.
		// Bug: https://github.com/kubernetes/kubernetes/issues/31839
		if f, err := os.OpenFile(k8sTerminationLog, os.O_WRONLY, 0777); err == nil {
			fmt.Fprintf(f, "%+v", r)
			f.Close()
		}
		panic(r)
	}
}

const (
	// k8sTerminationLog is the location to write a termination message for
	// Kubernetes to retrieve.
	//
	// Link: https://kubernetes.io/docs/tasks/debug-application-cluster/determine-reason-pod-failure/#setting-the-termination-log-file
	k8sTerminationLog = "/dev/termination-log"
)
