package server

import (
	"context"
	"net/http"
	"net/http/pprof"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
)

// ReadinessChecker is implemented by dependencies that take part in
// readiness checks (document store, checkpoint store, report bucket).
type ReadinessChecker interface {
	// Name identifies the component in the health status.
	Name() string

	// CheckReady returns nil if the component is ready, or an error
	// describing why it is not.
	CheckReady(ctx context.Context) error
}

// DefaultReadinessTimeout bounds each readiness check.
const DefaultReadinessTimeout = 5 * time.Second

// goroutineStaleAfter marks a registered goroutine unhealthy when it has
// not reported for this long.
const goroutineStaleAfter = 30 * time.Second

// Health serves /healthz for liveness and /readyz for readiness.
type Health struct {
	mu               sync.RWMutex
	shutDown         atomic.Bool
	goroutines       map[string]*goroutineStatus
	readinessChecks  []ReadinessChecker
	readinessTimeout time.Duration
	now              func() time.Time
}

type goroutineStatus struct {
	running   bool
	lastCheck time.Time
}

// HealthStatus is the body of both health endpoints.
type HealthStatus struct {
	Status     string                 `json:"status"`
	Goroutines map[string]bool        `json:"goroutines,omitempty"`
	Checks     map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the result of a single check.
type CheckResult struct {
	Healthy bool   `json:"healthy"`
	Message string `json:"message,omitempty"`
}

// NewHealth creates a Health with no checks registered.
func NewHealth() *Health {
	return &Health{
		goroutines:       make(map[string]*goroutineStatus),
		readinessTimeout: DefaultReadinessTimeout,
		now:              time.Now,
	}
}

// Register mounts the health and pprof endpoints on r.
func (h *Health) Register(r chi.Router) {
	r.Get("/healthz", h.handleHealthz)
	r.Head("/healthz", h.handleHealthz)
	r.Get("/readyz", h.handleReadyz)
	r.Head("/readyz", h.handleReadyz)

	r.HandleFunc("/debug/pprof/*", pprof.Index)
	r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	r.HandleFunc("/debug/pprof/profile", pprof.Profile)
	r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	r.HandleFunc("/debug/pprof/trace", pprof.Trace)
}

// RegisterReadinessCheck adds a component to every /readyz evaluation.
func (h *Health) RegisterReadinessCheck(checker ReadinessChecker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readinessChecks = append(h.readinessChecks, checker)
}

// SetReadinessTimeout sets the timeout for individual readiness checks.
func (h *Health) SetReadinessTimeout(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readinessTimeout = d
}

// RegisterGoroutine marks a background loop as running.
func (h *Health) RegisterGoroutine(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.goroutines[name] = &goroutineStatus{running: true, lastCheck: h.now()}
}

// UpdateGoroutine records that the named loop is still alive.
func (h *Health) UpdateGoroutine(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if status, ok := h.goroutines[name]; ok {
		status.running = true
		status.lastCheck = h.now()
	}
}

// UnregisterGoroutine marks the named loop as stopped.
func (h *Health) UnregisterGoroutine(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if status, ok := h.goroutines[name]; ok {
		status.running = false
	}
}

// SetShuttingDown makes both endpoints report 503.
func (h *Health) SetShuttingDown() {
	h.shutDown.Store(true)
}

// IsShuttingDown reports whether SetShuttingDown was called.
func (h *Health) IsShuttingDown() bool {
	return h.shutDown.Load()
}

func (h *Health) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeStatus(w, r, h.CheckHealth())
}

func (h *Health) handleReadyz(w http.ResponseWriter, r *http.Request) {
	writeStatus(w, r, h.CheckReadiness(r.Context()))
}

func writeStatus(w http.ResponseWriter, r *http.Request, status HealthStatus) {
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	if r.Method == http.MethodHead {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		return
	}
	writeJSON(w, code, status)
}

// CheckHealth evaluates liveness: not shutting down and every registered
// goroutine running and recently updated.
func (h *Health) CheckHealth() HealthStatus {
	status := HealthStatus{
		Status:     "ok",
		Goroutines: make(map[string]bool),
		Checks:     make(map[string]CheckResult),
	}
	if !h.checkShutdown(&status) {
		return status
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	allOK := true
	for name, gs := range h.goroutines {
		healthy := gs.running && h.now().Sub(gs.lastCheck) < goroutineStaleAfter
		status.Goroutines[name] = healthy
		if !healthy {
			allOK = false
		}
	}
	switch {
	case !allOK:
		status.Status = "degraded"
		status.Checks["goroutines"] = CheckResult{Healthy: false, Message: "one or more background loops are not running"}
	case len(h.goroutines) > 0:
		status.Checks["goroutines"] = CheckResult{Healthy: true, Message: "all background loops are running"}
	}
	return status
}

// CheckReadiness runs every registered readiness check.
func (h *Health) CheckReadiness(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status: "ok",
		Checks: make(map[string]CheckResult),
	}
	if !h.checkShutdown(&status) {
		return status
	}

	h.mu.RLock()
	checks := append([]ReadinessChecker(nil), h.readinessChecks...)
	timeout := h.readinessTimeout
	h.mu.RUnlock()

	for _, checker := range checks {
		checkCtx, cancel := context.WithTimeout(ctx, timeout)
		err := checker.CheckReady(checkCtx)
		cancel()

		if err != nil {
			status.Status = "not_ready"
			status.Checks[checker.Name()] = CheckResult{Healthy: false, Message: err.Error()}
			continue
		}
		status.Checks[checker.Name()] = CheckResult{Healthy: true, Message: "healthy"}
	}
	return status
}

func (h *Health) checkShutdown(status *HealthStatus) bool {
	if h.shutDown.Load() {
		status.Status = "shutting_down"
		status.Checks["shutdown"] = CheckResult{Healthy: false, Message: "service is shutting down"}
		return false
	}
	status.Checks["shutdown"] = CheckResult{Healthy: true, Message: "service is running"}
	return true
}
