package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/nulpointcorp/inference-gateway/internal/backend"
	"github.com/nulpointcorp/inference-gateway/internal/catalog"
	"github.com/nulpointcorp/inference-gateway/internal/metrics"
)

const healthProbeInterval = 30 * time.Second
const healthProbeTimeout = 5 * time.Second

// componentStatus holds the last known health result for one component.
type componentStatus struct {
	mu     sync.RWMutex
	status string // "ok" | "degraded" | "down"
}

func (s *componentStatus) set(v string) {
	s.mu.Lock()
	s.status = v
	s.mu.Unlock()
}

func (s *componentStatus) get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == "" {
		return "unknown"
	}
	return s.status
}

// HealthChecker runs background probes against each model's backend health
// endpoint and exposes the latest results.
type HealthChecker struct {
	catalog    *catalog.Catalog
	resolver   *backend.Resolver
	cacheReady func() bool
	baseCtx    context.Context
	metrics    *metrics.Registry
	client     *http.Client

	backendStatuses map[string]*componentStatus
	cacheStatus     componentStatus

	startTime time.Time
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewHealthChecker creates a HealthChecker and immediately starts background probes.
func NewHealthChecker(
	ctx context.Context,
	cat *catalog.Catalog,
	res *backend.Resolver,
	cacheReady func() bool,
	met *metrics.Registry,
) *HealthChecker {
	if ctx == nil {
		panic("healthchecker: context must not be nil")
	}
	hc := &HealthChecker{
		catalog:         cat,
		resolver:        res,
		cacheReady:      cacheReady,
		backendStatuses: make(map[string]*componentStatus),
		startTime:       time.Now(),
		done:            make(chan struct{}),
		baseCtx:         ctx,
		metrics:         met,
		client:          &http.Client{Timeout: healthProbeTimeout},
	}

	for _, spec := range cat.List() {
		hc.backendStatuses[spec.ID] = &componentStatus{status: "unknown"}
	}

	// Run first probe synchronously so health is not "unknown" immediately.
	hc.probe()

	hc.wg.Add(1)
	go hc.run()

	return hc
}

// HealthSnapshot returns the current health state for all components.
type HealthSnapshot struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Backends      map[string]string `json:"backends"`
	Cache         string            `json:"cache"`
}

// Snapshot builds a snapshot from the latest probe results.
func (hc *HealthChecker) Snapshot() HealthSnapshot {
	overall := "ok"

	backends := make(map[string]string, len(hc.backendStatuses))
	for model, s := range hc.backendStatuses {
		st := s.get()
		backends[model] = st
		if st != "ok" {
			overall = "degraded"
		}
	}

	return HealthSnapshot{
		Status:        overall,
		UptimeSeconds: int64(time.Since(hc.startTime).Seconds()),
		Backends:      backends,
		Cache:         hc.cacheStatus.get(),
	}
}

// ReadinessOK returns true when the cache is reachable or not configured
// (used by GET /readiness for Kubernetes probes). Backend degradation does
// not fail readiness: the gateway still serves cached responses and errors.
func (hc *HealthChecker) ReadinessOK() bool {
	return hc.cacheStatus.get() == "ok"
}

// Close stops the background probe goroutine and waits for it to exit.
// Safe to call multiple times.
func (hc *HealthChecker) Close() {
	hc.closeOnce.Do(func() {
		close(hc.done)
	})
	hc.wg.Wait()
}

func (hc *HealthChecker) run() {
	defer hc.wg.Done()
	ticker := time.NewTicker(healthProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hc.probe()
		case <-hc.done:
			return
		}
	}
}

func (hc *HealthChecker) probe() {
	ctx, cancel := context.WithTimeout(hc.baseCtx, healthProbeTimeout)
	defer cancel()

	// Backend probes — run in parallel.
	var wg sync.WaitGroup
	for model, s := range hc.backendStatuses {
		model, s := model, s
		wg.Add(1)
		go func() {
			defer wg.Done()
			up := hc.probeBackend(ctx, model)
			if up {
				s.set("ok")
			} else {
				s.set("degraded")
			}
			if hc.metrics != nil {
				hc.metrics.SetBackendHealth(model, up)
			}
		}()
	}

	// Cache probe — nil probe means "not configured" → ok.
	wg.Add(1)
	go func() {
		defer wg.Done()
		if hc.cacheReady == nil || hc.cacheReady() {
			hc.cacheStatus.set("ok")
		} else {
			hc.cacheStatus.set("degraded")
		}
	}()

	wg.Wait()
}

func (hc *HealthChecker) probeBackend(ctx context.Context, model string) bool {
	url, err := hc.resolver.HealthURL(model)
	if err != nil {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := hc.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
