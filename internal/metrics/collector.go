package metrics

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/backapp/backapp/internal/models"
	"github.com/backapp/backapp/internal/ssh"
)

// UsageSource reports storage usage for every location
type UsageSource interface {
	AllUsage(ctx context.Context) ([]models.StorageUsage, error)
}

// Collector exposes run and storage metrics. It observes runs as a run
// listener and samples storage usage on an interval.
type Collector struct {
	registry *prometheus.Registry
	usage    UsageSource
	interval time.Duration

	runsStarted  prometheus.Counter
	runsFinished *prometheus.CounterVec
	runDuration  *prometheus.HistogramVec
	bytesWritten prometheus.Counter
	filesWritten prometheus.Counter
	activeRuns   prometheus.Gauge
	storageFree  *prometheus.GaugeVec
	storageTotal *prometheus.GaugeVec

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewCollector creates a collector with its own registry. usage may be
// nil, which disables storage sampling.
func NewCollector(usage UsageSource, interval time.Duration) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		usage:    usage,
		interval: interval,
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "backapp",
			Name:      "backup_runs_started_total",
			Help:      "Backup runs started.",
		}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "backapp",
			Name:      "backup_runs_finished_total",
			Help:      "Backup runs that reached a terminal state.",
		}, []string{"status", "error_kind"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "backapp",
			Name:      "backup_run_duration_seconds",
			Help:      "Wall time of finished backup runs.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 9),
		}, []string{"status"}),
		bytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "backapp",
			Name:      "backup_bytes_written_total",
			Help:      "Bytes written to storage locations.",
		}),
		filesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "backapp",
			Name:      "backup_files_written_total",
			Help:      "Artifacts written to storage locations.",
		}),
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "backapp",
			Name:      "backup_runs_active",
			Help:      "Backup runs currently executing.",
		}),
		storageFree: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "backapp",
			Name:      "storage_free_percent",
			Help:      "Free space of a storage location in percent.",
		}, []string{"storage_location_id", "name", "type"}),
		storageTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "backapp",
			Name:      "storage_total_bytes",
			Help:      "Capacity of a storage location in bytes.",
		}, []string{"storage_location_id", "name", "type"}),
		stopCh: make(chan struct{}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.runsStarted, c.runsFinished, c.runDuration, c.bytesWritten, c.filesWritten,
		c.activeRuns, c.storageFree, c.storageTotal,
	)
	return c
}

// PoolSource reports SSH connection pool health
type PoolSource interface {
	Stats() ssh.PoolStats
}

// WatchSSHPool exposes the pool's connection counts, read at scrape time
func (c *Collector) WatchSSHPool(pool PoolSource) {
	gauge := func(name, help string, pick func(ssh.PoolStats) int) prometheus.GaugeFunc {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "backapp",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(pick(pool.Stats())) })
	}
	c.registry.MustRegister(
		gauge("ssh_connections", "Pooled SSH connections to backup servers.", func(s ssh.PoolStats) int { return s.Total }),
		gauge("ssh_connections_failed", "Pooled SSH connections failing health checks.", func(s ssh.PoolStats) int { return s.Failed }),
	)
}

// Handler serves the registry in the prometheus text format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Registry returns the underlying registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) RunStarted(run models.BackupRun, profile models.BackupProfile) {
	c.runsStarted.Inc()
	c.activeRuns.Inc()
}

func (c *Collector) RunFinished(run models.BackupRun, profile models.BackupProfile) {
	c.activeRuns.Dec()
	c.runsFinished.WithLabelValues(run.Status, run.ErrorKind).Inc()
	if run.EndTime != nil {
		c.runDuration.WithLabelValues(run.Status).Observe(run.EndTime.Sub(run.StartTime).Seconds())
	}
	c.bytesWritten.Add(float64(run.TotalSizeBytes))
	c.filesWritten.Add(float64(run.TotalFiles))
}

// Start samples storage usage until Stop is called
func (c *Collector) Start() {
	if c.usage == nil || c.interval <= 0 {
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.collectStorage()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.collectStorage()
			case <-c.stopCh:
				return
			}
		}
	}()
}

func (c *Collector) Stop() {
	c.once.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *Collector) collectStorage() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	usages, err := c.usage.AllUsage(ctx)
	if err != nil {
		log.Printf("[Metrics] Failed to collect storage usage: %v", err)
		return
	}
	c.storageFree.Reset()
	c.storageTotal.Reset()
	for _, u := range usages {
		if !u.CapacityKnown {
			continue
		}
		id := strconv.FormatInt(u.StorageLocationID, 10)
		c.storageFree.WithLabelValues(id, u.Name, u.Type).Set(u.FreePercent)
		c.storageTotal.WithLabelValues(id, u.Name, u.Type).Set(float64(u.TotalBytes))
	}
}
