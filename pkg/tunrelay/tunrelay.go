// Package tunrelay provides a small public surface for reusing this
// repository as a library. The implementation lives in internal/ and may
// change without notice. Adapted from the teacher's pkg/outlinews package,
// which aliased internal config/runtime types for the same reason; this
// version wraps a stateful *engine.Engine handle instead of a
// package-level LoadBalancer.
package tunrelay

import (
	"net/http"

	"go.uber.org/zap"

	tunrelayint "tunrelay/internal"
	"tunrelay/internal/engine"
	"tunrelay/internal/manager"
	"tunrelay/internal/tunio"
)

// --- Config ---

type Config = tunrelayint.Config
type EngineConfig = tunrelayint.EngineConfig
type TunConfig = tunrelayint.TunConfig

// LoadConfig loads YAML configuration file.
func LoadConfig(path string) (*Config, error) { return tunrelayint.LoadConfig(path) }

// --- TUN device ---

type TunDevice = tunio.Device

// OpenTun attaches to an existing TUN interface, per internal/tunio.Open.
func OpenTun(name string) (*TunDevice, error) { return tunio.Open(name) }

// --- Core runtime ---

// Engine is the relay's worker loop handle: one TUN fd in, classified
// sessions out, over a single non-blocking event-loop goroutine.
type Engine struct {
	eng *engine.Engine
}

// New constructs an idle Engine from the given configuration. Callers get
// cfg from LoadConfig, which already fills in spec defaults for any zero
// field. Call Start to bring it to life.
func New(cfg EngineConfig, logger *zap.Logger) *Engine {
	ecfg := engine.Config{
		MTU:             cfg.MTU,
		PollTimeout:     cfg.PollTimeout,
		UDPTimeout:      cfg.UDPTimeout,
		TCPGraceTimeout: cfg.TCPGraceTimeout,
		TCPMaxLifetime:  cfg.TCPMaxLifetime,
	}
	return &Engine{eng: engine.New(ecfg, logger)}
}

// Start spawns the worker goroutine bound to a TUN device's fd.
func (e *Engine) Start(tun *TunDevice) error {
	return e.eng.Start(tun.FD())
}

// Stop signals the worker to exit after its current event batch and blocks
// until it has.
func (e *Engine) Stop() { e.eng.Stop() }

// SetSocketCreatedCallback installs the process-wide socket-creation
// callback (C8), invoked just before the default egress path connects.
func (e *Engine) SetSocketCreatedCallback(fn func(fd int)) {
	e.eng.SetSocketCreatedCallback(fn)
}

// SessionCount reports the number of live sessions. Safe to call from any
// goroutine.
func (e *Engine) SessionCount() int { return e.eng.SessionCount() }

// --- Manager / introspection API ---

// NewManagerHandler builds the chi-routed introspection API (GET /sessions,
// /healthz, /metrics) fronting this engine.
func NewManagerHandler(e *Engine) http.Handler {
	return manager.New(manager.EngineAdapter{Engine: e.eng}, manager.PrometheusExporter{})
}

// EnablePrometheusMetrics enables the relay's sessions-opened and
// sessions-closed Prometheus counters. The active-session gauge is rendered
// whether or not this is called.
func EnablePrometheusMetrics() { tunrelayint.EnablePrometheusMetrics() }
