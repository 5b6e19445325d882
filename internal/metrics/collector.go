package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/babyfs/babyfs/pkg/errors"
)

// Collector exports pool, buffer, device and mount activity to Prometheus.
// A nil or disabled Collector accepts every call and records nothing.
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry

	// Inode pool
	poolOps     *prometheus.CounterVec
	poolObjects *prometheus.GaugeVec
	slabsCarved *prometheus.CounterVec

	// Buffer cache
	bufferReads  *prometheus.CounterVec
	bufferPinned prometheus.Gauge

	// Devices
	deviceOps      *prometheus.CounterVec
	deviceDuration *prometheus.HistogramVec

	// Mounts
	mounts       *prometheus.CounterVec
	activeMounts prometheus.Gauge

	errorCounter *prometheus.CounterVec

	operations map[string]*OperationMetrics
	lastReset  time.Time

	server *http.Server
}

// Config represents metrics configuration
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Port      int               `yaml:"port"`
	Path      string            `yaml:"path"`
	Labels    map[string]string `yaml:"labels"`
	Namespace string            `yaml:"namespace"`
	Subsystem string            `yaml:"subsystem"`
}

// OperationMetrics tracks metrics for a specific device operation
type OperationMetrics struct {
	Count         int64         `json:"count"`
	TotalDuration time.Duration `json:"total_duration"`
	Errors        int64         `json:"errors"`
	LastOperation time.Time     `json:"last_operation"`
	AvgDuration   time.Duration `json:"avg_duration"`
}

// NewCollector creates a new metrics collector
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = &Config{
			Enabled:   true,
			Port:      9469,
			Path:      "/metrics",
			Namespace: "babyfs",
			Labels:    make(map[string]string),
		}
	}

	if !config.Enabled {
		return &Collector{config: config}, nil
	}

	collector := &Collector{
		config:     config,
		registry:   prometheus.NewRegistry(),
		operations: make(map[string]*OperationMetrics),
		lastReset:  time.Now(),
	}

	collector.initMetrics()

	if err := collector.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	return collector, nil
}

func (c *Collector) enabled() bool {
	return c != nil && c.config != nil && c.config.Enabled
}

// Registry returns the Prometheus registry, or nil when disabled.
func (c *Collector) Registry() *prometheus.Registry {
	if !c.enabled() {
		return nil
	}
	return c.registry
}

// Handler returns the HTTP mux served by Start.
func (c *Collector) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/health", c.healthHandler)
	mux.HandleFunc("/debug/operations", c.debugOperationsHandler)
	return mux
}

// Start serves the metrics endpoint until Stop is called or ctx is done.
func (c *Collector) Start(ctx context.Context) error {
	if !c.enabled() {
		return nil
	}

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           c.Handler(),
		ReadHeaderTimeout: 30 * time.Second, // Prevent Slowloris attacks
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("Metrics server error: %v\n", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.server.Shutdown(shutdownCtx)
	}()

	return nil
}

// Stop stops the metrics server
func (c *Collector) Stop(ctx context.Context) error {
	if c == nil || c.server == nil {
		return nil
	}
	return c.server.Shutdown(ctx)
}

// ObjectAllocated counts a pool allocation.
func (c *Collector) ObjectAllocated(cache string) {
	if !c.enabled() {
		return
	}
	c.poolOps.With(prometheus.Labels{"cache": cache, "op": "alloc"}).Inc()
}

// ObjectFreed counts an object queued for deferred reclamation.
func (c *Collector) ObjectFreed(cache string) {
	if !c.enabled() {
		return
	}
	c.poolOps.With(prometheus.Labels{"cache": cache, "op": "free"}).Inc()
}

// ObjectsReclaimed counts objects returned to the free list after a grace
// period.
func (c *Collector) ObjectsReclaimed(cache string, n int) {
	if !c.enabled() {
		return
	}
	c.poolOps.With(prometheus.Labels{"cache": cache, "op": "reclaim"}).Add(float64(n))
}

// SlabCarved counts a newly carved slab.
func (c *Collector) SlabCarved(cache string) {
	if !c.enabled() {
		return
	}
	c.slabsCarved.With(prometheus.Labels{"cache": cache}).Inc()
}

// UpdatePoolObjects sets the per-state object gauges for a cache.
func (c *Collector) UpdatePoolObjects(cache string, inUse, free, pending int) {
	if !c.enabled() {
		return
	}
	c.poolObjects.With(prometheus.Labels{"cache": cache, "state": "in_use"}).Set(float64(inUse))
	c.poolObjects.With(prometheus.Labels{"cache": cache, "state": "free"}).Set(float64(free))
	c.poolObjects.With(prometheus.Labels{"cache": cache, "state": "pending"}).Set(float64(pending))
}

// BufferRead counts a block buffer lookup.
func (c *Collector) BufferRead(hit bool) {
	if !c.enabled() {
		return
	}
	c.bufferReads.With(prometheus.Labels{"type": map[bool]string{true: "hit", false: "miss"}[hit]}).Inc()
}

// UpdatePinnedBuffers sets the number of outstanding buffer references.
func (c *Collector) UpdatePinnedBuffers(n int) {
	if !c.enabled() {
		return
	}
	c.bufferPinned.Set(float64(n))
}

// RecordOperation records a device operation.
func (c *Collector) RecordOperation(operation string, duration time.Duration, err error) {
	if !c.enabled() {
		return
	}

	c.mu.Lock()
	op, exists := c.operations[operation]
	if !exists {
		op = &OperationMetrics{}
		c.operations[operation] = op
	}
	op.Count++
	op.TotalDuration += duration
	if err != nil {
		op.Errors++
	}
	op.LastOperation = time.Now()
	op.AvgDuration = time.Duration(int64(op.TotalDuration) / op.Count)
	c.mu.Unlock()

	c.deviceOps.With(prometheus.Labels{
		"operation": operation,
		"status":    map[bool]string{true: "success", false: "error"}[err == nil],
	}).Inc()
	c.deviceDuration.With(prometheus.Labels{"operation": operation}).Observe(duration.Seconds())

	if err != nil {
		c.RecordError(operation, err)
	}
}

// MountSucceeded counts a mount and raises the active mount gauge.
func (c *Collector) MountSucceeded(fsType string) {
	if !c.enabled() {
		return
	}
	c.mounts.With(prometheus.Labels{"fstype": fsType, "result": "success"}).Inc()
	c.activeMounts.Inc()
}

// MountFailed counts a failed mount.
func (c *Collector) MountFailed(fsType string, err error) {
	if !c.enabled() {
		return
	}
	c.mounts.With(prometheus.Labels{"fstype": fsType, "result": "error"}).Inc()
	c.RecordError("mount", err)
}

// Unmounted lowers the active mount gauge.
func (c *Collector) Unmounted(fsType string) {
	if !c.enabled() {
		return
	}
	c.mounts.With(prometheus.Labels{"fstype": fsType, "result": "unmount"}).Inc()
	c.activeMounts.Dec()
}

// RecordError counts an error by operation and error code.
func (c *Collector) RecordError(operation string, err error) {
	if !c.enabled() || err == nil {
		return
	}
	c.errorCounter.With(prometheus.Labels{
		"operation": operation,
		"code":      string(errors.CodeOf(err)),
	}).Inc()
}

// GetMetrics returns a snapshot of the device operation table.
func (c *Collector) GetMetrics() map[string]interface{} {
	metrics := make(map[string]interface{})
	if !c.enabled() {
		return metrics
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	operations := make(map[string]OperationMetrics, len(c.operations))
	for k, v := range c.operations {
		operations[k] = *v
	}

	metrics["operations"] = operations
	metrics["last_reset"] = c.lastReset
	metrics["uptime"] = time.Since(c.lastReset)
	return metrics
}

// ResetMetrics resets the device operation table
func (c *Collector) ResetMetrics() {
	if !c.enabled() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.operations = make(map[string]*OperationMetrics)
	c.lastReset = time.Now()
}

// Helper methods

func (c *Collector) initMetrics() {
	ns, sub := c.config.Namespace, c.config.Subsystem
	constLabels := prometheus.Labels(c.config.Labels)

	c.poolOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "pool_operations_total",
			Help:        "Inode pool allocations, frees and reclamations",
			ConstLabels: constLabels,
		},
		[]string{"cache", "op"},
	)

	c.poolObjects = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "pool_objects",
			Help:        "Pool slots by state",
			ConstLabels: constLabels,
		},
		[]string{"cache", "state"},
	)

	c.slabsCarved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "pool_slabs_carved_total",
			Help:        "Slabs carved from backing storage",
			ConstLabels: constLabels,
		},
		[]string{"cache"},
	)

	c.bufferReads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "buffer_reads_total",
			Help:        "Block buffer lookups",
			ConstLabels: constLabels,
		},
		[]string{"type"},
	)

	c.bufferPinned = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "buffer_pinned",
			Help:        "Outstanding block buffer references",
			ConstLabels: constLabels,
		},
	)

	c.deviceOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "device_operations_total",
			Help:        "Block device operations",
			ConstLabels: constLabels,
		},
		[]string{"operation", "status"},
	)

	c.deviceDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "device_operation_duration_seconds",
			Help:        "Duration of block device operations in seconds",
			Buckets:     prometheus.ExponentialBuckets(0.0001, 2, 16), // 100µs to ~3s
			ConstLabels: constLabels,
		},
		[]string{"operation"},
	)

	c.mounts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "mounts_total",
			Help:        "Mount and unmount events",
			ConstLabels: constLabels,
		},
		[]string{"fstype", "result"},
	)

	c.activeMounts = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "active_mounts",
			Help:        "Number of live filesystem instances",
			ConstLabels: constLabels,
		},
	)

	c.errorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "errors_total",
			Help:        "Total number of errors",
			ConstLabels: constLabels,
		},
		[]string{"operation", "code"},
	)
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.poolOps,
		c.poolObjects,
		c.slabsCarved,
		c.bufferReads,
		c.bufferPinned,
		c.deviceOps,
		c.deviceDuration,
		c.mounts,
		c.activeMounts,
		c.errorCounter,
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}

	return nil
}

// HTTP handlers

func (c *Collector) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy","service":"babyfs-metrics"}`))
}

func (c *Collector) debugOperationsHandler(w http.ResponseWriter, r *http.Request) {
	snapshot := c.GetMetrics()
	ops, _ := snapshot["operations"].(map[string]OperationMetrics)

	if r.URL.Query().Get("format") == "json" {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(ops)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	writef := func(format string, args ...interface{}) { _, _ = fmt.Fprintf(w, format, args...) }

	writef("babyfs device operations\n")
	writef("========================\n\n")

	if len(ops) == 0 {
		writef("No operations recorded.\n")
		return
	}

	names := make([]string, 0, len(ops))
	for name := range ops {
		names = append(names, name)
	}
	sort.Strings(names)

	writef("%-16s %10s %10s %14s %10s\n", "Operation", "Count", "Errors", "Avg Duration", "Last Op")
	for _, name := range names {
		op := ops[name]
		writef("%-16s %10d %10d %14v %10s\n",
			name, op.Count, op.Errors, op.AvgDuration, op.LastOperation.Format("15:04:05"))
	}
}
