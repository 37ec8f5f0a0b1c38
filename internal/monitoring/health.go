package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-steer/internal/logger"
)

const (
	StatusHealthy = "healthy"
	StatusFailed  = "failed"
)

// HealthStatus is the body of /status.
type HealthStatus struct {
	Status    string        `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Version   string        `json:"version"`
	Uptime    time.Duration `json:"uptime"`
	Phase     string        `json:"phase"`
	Model     string        `json:"model,omitempty"`
	Error     string        `json:"error,omitempty"`
	System    SystemInfo    `json:"system"`
}

// SystemInfo contains system-level information
type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	NumCPU       int    `json:"num_cpu"`
	NumGoroutine int    `json:"num_goroutine"`
	HeapAllocMB  uint64 `json:"heap_alloc_mb"`
}

// HealthMonitor serves Prometheus metrics and the progress of a run.
type HealthMonitor struct {
	startTime time.Time
	version   string
	server    *http.Server

	mu     sync.RWMutex
	phase  string
	model  string
	err    error
	closed bool
}

func NewHealthMonitor(version string) *HealthMonitor {
	return &HealthMonitor{startTime: time.Now(), version: version, phase: "starting"}
}

// Handler routes /health, /healthz, /status and /metrics.
func (hm *HealthMonitor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", hm.handleHealth)
	mux.HandleFunc("/healthz", hm.handleHealth)
	mux.HandleFunc("/status", hm.handleStatus)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Start serves Handler on addr until Stop. It returns at once if Stop has
// already been called.
func (hm *HealthMonitor) Start(addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      hm.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	hm.mu.Lock()
	if hm.closed {
		hm.mu.Unlock()
		return nil
	}
	hm.server = srv
	hm.mu.Unlock()

	logger.Component("monitoring").Info("Metrics serving", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (hm *HealthMonitor) Stop(ctx context.Context) error {
	hm.mu.Lock()
	hm.closed = true
	srv := hm.server
	hm.mu.Unlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

func (hm *HealthMonitor) SetPhase(phase string) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.phase = phase
}

func (hm *HealthMonitor) SetModel(model string) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.model = model
}

// Fail marks the run failed; /health then answers 503.
func (hm *HealthMonitor) Fail(err error) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.err = err
	hm.phase = StatusFailed
}

func (hm *HealthMonitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := hm.Status()
	w.Header().Set("Content-Type", "application/json")
	if status.Status == StatusHealthy {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":    status.Status,
		"timestamp": status.Timestamp.Format(time.RFC3339),
	})
}

func (hm *HealthMonitor) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(hm.Status())
}

func (hm *HealthMonitor) Status() HealthStatus {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	s := HealthStatus{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Version:   hm.version,
		Uptime:    time.Since(hm.startTime),
		Phase:     hm.phase,
		Model:     hm.model,
		System:    systemInfo(),
	}
	if hm.err != nil {
		s.Status = StatusFailed
		s.Error = hm.err.Error()
	}
	return s
}

func systemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return SystemInfo{
		GoVersion:    runtime.Version(),
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		NumCPU:       runtime.NumCPU(),
		NumGoroutine: runtime.NumGoroutine(),
		HeapAllocMB:  m.HeapAlloc / 1024 / 1024,
	}
}
