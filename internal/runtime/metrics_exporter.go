package runtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// MetricFunc returns a snapshot of metric name -> value.
type MetricFunc func() map[string]float64

// MetricsPrefix is prepended to every exported metric name.
const MetricsPrefix = "taskcore"

// StartMetricsServer serves the given collectors in text exposition format on
// addr under /metrics, plus a /healthz probe. It returns the bound address and
// a shutdown function.
func StartMetricsServer(addr string, collectors map[string]MetricFunc, log logrus.FieldLogger) (string, func(ctx context.Context) error, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		writeMetrics(w, collectors)
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", nil, fmt.Errorf("metrics listen %s: %w", addr, err)
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 3 * time.Second}
	bound := ln.Addr().String()
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("metrics server stopped")
		}
	}()
	log.WithField("addr", bound).Info("metrics server listening")

	return bound, srv.Shutdown, nil
}

// writeMetrics renders collectors sorted by collector then metric name.
// A metric key may carry a label value after a colon: "failed_total:PANIC"
// renders as taskcore_dispatch_failed_total{kind="PANIC"}.
func writeMetrics(w interface{ Write([]byte) (int, error) }, collectors map[string]MetricFunc) {
	names := make([]string, 0, len(collectors))
	for name := range collectors {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		fn := collectors[name]
		if fn == nil {
			continue
		}
		snapshot := fn()
		keys := make([]string, 0, len(snapshot))
		for k := range snapshot {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			metric, label, _ := strings.Cut(k, ":")
			line := sanitizeMetricToken(MetricsPrefix + "_" + name + "_" + metric)
			if label != "" {
				line += fmt.Sprintf("{%s=%q}", labelName(metric), label)
			}
			fmt.Fprintf(w, "%s %g\n", line, snapshot[k])
		}
	}
}

func labelName(metric string) string {
	switch {
	case strings.HasPrefix(metric, "failed"):
		return "kind"
	case strings.HasPrefix(metric, "executed"):
		return "type"
	default:
		return "label"
	}
}

func sanitizeMetricToken(s string) string {
	b := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' {
			b[i] = c
		} else {
			b[i] = '_'
		}
	}
	if len(b) > 0 && b[0] >= '0' && b[0] <= '9' {
		return "_" + string(b)
	}

	return strings.ReplaceAll(string(b), "__", "_")
}
