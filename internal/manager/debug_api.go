// Package manager exposes a small chi-routed HTTP introspection API over a
// running engine: session listing, a health probe, and the teacher's
// Prometheus text exporter repurposed to report relay-specific gauges. It
// is adapted from the teacher's internal/manager/vpn_manager.go, which ran
// a comparable control surface in front of its SOCKS5 relay; this version
// is read-only and sits in front of the single-threaded session engine
// instead of owning any connections itself.
package manager

import (
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"
)

// EngineView is the subset of engine state the API needs. The handlers
// depend only on this interface, so they can run against a fake;
// EngineAdapter (adapter.go) implements it over a real *engine.Engine.
type EngineView interface {
	Snapshot() []SessionView
}

// SessionView mirrors engine.SessionInfo's exported shape in a form safe to
// marshal directly to JSON (Key's addr/port fields rather than netip types
// with nonstandard text forms).
type SessionView struct {
	Version   uint8         `json:"version"`
	Proto     uint8         `json:"proto"`
	SrcAddr   string        `json:"src_addr"`
	SrcPort   uint16        `json:"src_port"`
	DstAddr   string        `json:"dst_addr"`
	DstPort   uint16        `json:"dst_port"`
	Token     uint64        `json:"token"`
	Age       time.Duration `json:"age_ns"`
	HasExpiry bool          `json:"has_expiry"`
	ExpiresIn time.Duration `json:"expires_in_ns,omitempty"`
}

// MetricsExporter renders the teacher's hand-rolled Prometheus text format,
// now reporting relay gauges instead of upstream-selection counters.
type MetricsExporter interface {
	RenderPrometheus(sessionCount int) string
}

// API wires EngineView and MetricsExporter into an http.Handler.
type API struct {
	engine  EngineView
	metrics MetricsExporter
}

// New builds the introspection router.
func New(eng EngineView, metrics MetricsExporter) http.Handler {
	a := &API{engine: eng, metrics: metrics}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	}))

	r.Get("/sessions", a.handleSessions)
	r.Get("/healthz", a.handleHealthz)
	r.Get("/metrics", a.handleMetrics)
	return r
}

func (a *API) handleSessions(w http.ResponseWriter, r *http.Request) {
	views := a.engine.Snapshot()
	sort.Slice(views, func(i, j int) bool {
		vi, vj := views[i], views[j]
		if vi.Version != vj.Version {
			return vi.Version < vj.Version
		}
		if vi.Proto != vj.Proto {
			return vi.Proto < vj.Proto
		}
		if vi.SrcAddr != vj.SrcAddr {
			return vi.SrcAddr < vj.SrcAddr
		}
		if vi.SrcPort != vj.SrcPort {
			return vi.SrcPort < vj.SrcPort
		}
		if vi.DstAddr != vj.DstAddr {
			return vi.DstAddr < vj.DstAddr
		}
		return vi.DstPort < vj.DstPort
	})
	render.JSON(w, r, views)
}

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]string{"status": "ok"})
}

func (a *API) handleMetrics(w http.ResponseWriter, r *http.Request) {
	sessions := a.engine.Snapshot()
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_, _ = w.Write([]byte(a.metrics.RenderPrometheus(len(sessions))))
}
