package monitoring

import (
	"runtime"
	"sort"
	"sync"
	"time"
)

// 指标名称
const (
	TrainTotal       = "train_total"
	TrainFailed      = "train_failed"
	TrainRejected    = "train_rejected"
	PredictTotal     = "predict_total"
	PredictFailed    = "predict_failed"
	PredictCacheHits = "predict_cache_hits"

	LastTrainSeconds  = "last_train_seconds"
	LastTrainAccuracy = "last_train_accuracy"
	ModelGeneration   = "model_generation"
)

// MetricsCollector 指标收集器
type MetricsCollector struct {
	mu        sync.RWMutex
	counters  map[string]float64
	gauges    map[string]float64
	startTime time.Time
}

// NewMetricsCollector 创建指标收集器
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		counters:  make(map[string]float64),
		gauges:    make(map[string]float64),
		startTime: time.Now(),
	}
}

// IncrCounter 增加计数器
func (mc *MetricsCollector) IncrCounter(name string, value float64) {
	if mc == nil {
		return
	}
	mc.mu.Lock()
	mc.counters[name] += value
	mc.mu.Unlock()
}

// SetGauge 设置仪表
func (mc *MetricsCollector) SetGauge(name string, value float64) {
	if mc == nil {
		return
	}
	mc.mu.Lock()
	mc.gauges[name] = value
	mc.mu.Unlock()
}

// Counter 读取计数器
func (mc *MetricsCollector) Counter(name string) float64 {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return mc.counters[name]
}

// Gauge 读取仪表
func (mc *MetricsCollector) Gauge(name string) float64 {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return mc.gauges[name]
}

// Snapshot 指标快照
type Snapshot struct {
	Counters      map[string]float64 `json:"counters"`
	Gauges        map[string]float64 `json:"gauges"`
	Names         []string           `json:"names"`
	UptimeSeconds float64            `json:"uptime_seconds"`
	Goroutines    int                `json:"goroutines"`
	HeapAllocMB   float64            `json:"heap_alloc_mb"`
}

// Snapshot 导出当前指标
func (mc *MetricsCollector) Snapshot() Snapshot {
	mc.mu.RLock()
	counters := make(map[string]float64, len(mc.counters))
	names := make([]string, 0, len(mc.counters)+len(mc.gauges))
	for k, v := range mc.counters {
		counters[k] = v
		names = append(names, k)
	}
	gauges := make(map[string]float64, len(mc.gauges))
	for k, v := range mc.gauges {
		gauges[k] = v
		names = append(names, k)
	}
	mc.mu.RUnlock()
	sort.Strings(names)

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return Snapshot{
		Counters:      counters,
		Gauges:        gauges,
		Names:         names,
		UptimeSeconds: time.Since(mc.startTime).Seconds(),
		Goroutines:    runtime.NumGoroutine(),
		HeapAllocMB:   float64(m.HeapAlloc) / 1024 / 1024,
	}
}
