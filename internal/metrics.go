package internal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// telemetry holds the relay's Prometheus counters/gauges: sessions opened
// and closed per protocol, and the current session count published
// alongside them. Adapted from the teacher's upstream-selection counters
// (internal/metrics.go), which tracked which backend a flow picked instead
// of which protocol it tunneled.
type telemetry struct {
	enabled bool
	mu      sync.RWMutex

	sessionsOpened map[string]uint64
	sessionsClosed map[string]uint64
}

var (
	metricsMu sync.RWMutex
	metrics   = telemetry{}
)

func EnablePrometheusMetrics() {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	if metrics.enabled {
		return
	}
	metrics.sessionsOpened = make(map[string]uint64)
	metrics.sessionsClosed = make(map[string]uint64)
	metrics.enabled = true
}

func StartMetricsServer(ctx context.Context, addr string) error {
	if strings.TrimSpace(addr) == "" {
		return errors.New("empty metrics address")
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", metricsHandler)
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	err := srv.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// ObserveSessionOpened records a new session keyed by its L4 protocol
// ("tcp" or "udp"). Called by the engine each time getOrCreateSession
// mints a brand new flow.
func ObserveSessionOpened(proto string) {
	metricsMu.RLock()
	if !metrics.enabled {
		metricsMu.RUnlock()
		return
	}
	metrics.mu.Lock()
	metricsMu.RUnlock()
	defer metrics.mu.Unlock()
	metrics.sessionsOpened[fmt.Sprintf("proto=%s", proto)]++
}

// ObserveSessionClosed records a session's end, labeled by protocol and the
// reason the engine tore it down (expired, reset, shutdown).
func ObserveSessionClosed(proto, reason string) {
	metricsMu.RLock()
	if !metrics.enabled {
		metricsMu.RUnlock()
		return
	}
	metrics.mu.Lock()
	metricsMu.RUnlock()
	defer metrics.mu.Unlock()
	metrics.sessionsClosed[fmt.Sprintf("proto=%s,reason=%s", proto, reason)]++
}

func metricsHandler(w http.ResponseWriter, _ *http.Request) {
	metricsMu.RLock()
	enabled := metrics.enabled
	metricsMu.RUnlock()
	if !enabled {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("# metrics disabled\n"))
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	metrics.mu.RLock()
	defer metrics.mu.RUnlock()

	writeCounterVec(w, "tunrelay_sessions_opened_total", metrics.sessionsOpened)
	writeCounterVec(w, "tunrelay_sessions_closed_total", metrics.sessionsClosed)
}

// RenderPrometheusSnapshot renders the same exporter text metricsHandler
// serves, plus a gauge for the relay's current session count. It backs
// manager.MetricsExporter so the introspection API can reuse this exporter
// without going through an HTTP round trip.
func RenderPrometheusSnapshot(sessionCount int) string {
	var buf bytes.Buffer

	metricsMu.RLock()
	enabled := metrics.enabled
	metricsMu.RUnlock()
	if !enabled {
		buf.WriteString("# metrics disabled\n")
		fmt.Fprintf(&buf, "tunrelay_sessions_active %d\n", sessionCount)
		return buf.String()
	}

	metrics.mu.RLock()
	defer metrics.mu.RUnlock()

	writeCounterVec(&buf, "tunrelay_sessions_opened_total", metrics.sessionsOpened)
	writeCounterVec(&buf, "tunrelay_sessions_closed_total", metrics.sessionsClosed)
	fmt.Fprintf(&buf, "tunrelay_sessions_active %d\n", sessionCount)

	return buf.String()
}

func writeCounterVec(w io.Writer, name string, data map[string]uint64) {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%s{%s} %d\n", name, toPromLabels(k), data[k])
	}
}

func toPromLabels(s string) string {
	parts := strings.Split(s, ",")
	for i, p := range parts {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		parts[i] = fmt.Sprintf("%s=\"%s\"", kv[0], strings.ReplaceAll(kv[1], "\"", "\\\""))
	}
	return strings.Join(parts, ",")
}
