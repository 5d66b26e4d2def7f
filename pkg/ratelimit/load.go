package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// LoadLevel is the process-wide classification of current system load.
type LoadLevel int32

const (
	LoadLow LoadLevel = iota
	LoadNormal
	LoadHigh
	LoadCritical
)

// noOverride marks the absence of a manual load level.
const noOverride = -1

// String returns the lower-case level name.
func (l LoadLevel) String() string {
	switch l {
	case LoadLow:
		return "low"
	case LoadNormal:
		return "normal"
	case LoadHigh:
		return "high"
	case LoadCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseLoadLevel parses a level name, case-insensitively.
func ParseLoadLevel(s string) (LoadLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return LoadLow, nil
	case "normal":
		return LoadNormal, nil
	case "high":
		return LoadHigh, nil
	case "critical":
		return LoadCritical, nil
	default:
		return LoadNormal, fmt.Errorf("unknown load level %q", s)
	}
}

// LoadThresholds are utilization percentages separating the load levels.
// Utilization below Low is low, at or above High is high, at or above
// Critical is critical, anything else is normal.
type LoadThresholds struct {
	Low      float64
	High     float64
	Critical float64
}

// DefaultLoadThresholds returns 30/70/90.
func DefaultLoadThresholds() LoadThresholds {
	return LoadThresholds{Low: 30, High: 70, Critical: 90}
}

// Validate checks 0 <= Low <= High <= Critical <= 100.
func (t LoadThresholds) Validate() error {
	if t.Low < 0 || t.Critical > 100 || t.Low > t.High || t.High > t.Critical {
		return fmt.Errorf("load thresholds must satisfy 0 <= low <= high <= critical <= 100, got %.0f/%.0f/%.0f",
			t.Low, t.High, t.Critical)
	}
	return nil
}

// Classify maps a utilization percentage to a load level.
func (t LoadThresholds) Classify(utilization float64) LoadLevel {
	switch {
	case utilization >= t.Critical:
		return LoadCritical
	case utilization >= t.High:
		return LoadHigh
	case utilization < t.Low:
		return LoadLow
	default:
		return LoadNormal
	}
}

// LoadSampler reports current utilization as a percentage in [0, 100].
type LoadSampler interface {
	Sample(ctx context.Context) (float64, error)
}

// LoadSamplerFunc adapts a function to LoadSampler.
type LoadSamplerFunc func(ctx context.Context) (float64, error)

// Sample calls f.
func (f LoadSamplerFunc) Sample(ctx context.Context) (float64, error) {
	return f(ctx)
}

// RuntimeSampler derives utilization from in-flight requests and heap size.
//
// Transports call Begin when a request enters and the returned func when it
// leaves. Utilization is the larger of in-flight/MaxInFlight and
// heap/HeapLimit; a zero limit disables that signal.
type RuntimeSampler struct {
	maxInFlight int64
	heapLimit   uint64
	inFlight    atomic.Int64
}

// NewRuntimeSampler creates a sampler. maxInFlight is the request count
// treated as full capacity; heapLimit is the heap size in bytes treated as
// full capacity.
func NewRuntimeSampler(maxInFlight int, heapLimit uint64) *RuntimeSampler {
	return &RuntimeSampler{maxInFlight: int64(maxInFlight), heapLimit: heapLimit}
}

// Begin records a request entering the system.
func (s *RuntimeSampler) Begin() (end func()) {
	s.inFlight.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() { s.inFlight.Add(-1) })
	}
}

// InFlight returns the current number of in-flight requests.
func (s *RuntimeSampler) InFlight() int64 {
	return s.inFlight.Load()
}

// Sample implements LoadSampler.
func (s *RuntimeSampler) Sample(ctx context.Context) (float64, error) {
	var util float64

	if s.maxInFlight > 0 {
		util = float64(s.inFlight.Load()) / float64(s.maxInFlight) * 100
	}

	if s.heapLimit > 0 {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		if heap := float64(ms.HeapAlloc) / float64(s.heapLimit) * 100; heap > util {
			util = heap
		}
	}

	if util > 100 {
		util = 100
	}
	return util, nil
}

// LoadMonitorConfig holds configuration for LoadMonitor.
type LoadMonitorConfig struct {
	Sampler    LoadSampler
	Thresholds LoadThresholds

	// Cooldown is the minimum time before the level may step down again after
	// a change. Escalations apply immediately.
	// Default: 1 minute
	Cooldown time.Duration

	Clock   Clock
	Metrics Metrics
}

// LoadMonitor keeps the current load level.
//
// Sample is driven by an external periodic timer. Level is read without
// locking on every request; a reading that is one sample stale is acceptable.
type LoadMonitor struct {
	sampler    LoadSampler
	thresholds LoadThresholds
	cooldown   time.Duration
	clock      Clock
	metrics    Metrics

	level    atomic.Int32
	override atomic.Int32

	mu          sync.Mutex
	lastChange  time.Time
	utilization float64
}

// NewLoadMonitor creates a monitor starting at LoadNormal.
func NewLoadMonitor(cfg LoadMonitorConfig) (*LoadMonitor, error) {
	if cfg.Sampler == nil {
		return nil, fmt.Errorf("load monitor requires a sampler")
	}
	if cfg.Thresholds == (LoadThresholds{}) {
		cfg.Thresholds = DefaultLoadThresholds()
	}
	if err := cfg.Thresholds.Validate(); err != nil {
		return nil, err
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NoOpMetrics{}
	}

	m := &LoadMonitor{
		sampler:    cfg.Sampler,
		thresholds: cfg.Thresholds,
		cooldown:   cfg.Cooldown,
		clock:      cfg.Clock,
		metrics:    cfg.Metrics,
		lastChange: cfg.Clock.Now(),
	}
	m.level.Store(int32(LoadNormal))
	m.override.Store(noOverride)
	m.metrics.SetLoadLevel(LoadNormal)
	return m, nil
}

// Level returns the manual override if set, otherwise the last sampled level.
func (m *LoadMonitor) Level() LoadLevel {
	if o := m.override.Load(); o != noOverride {
		return LoadLevel(o)
	}
	return LoadLevel(m.level.Load())
}

// Sample takes one utilization reading and updates the level.
// On sampler error the previous level is kept.
func (m *LoadMonitor) Sample(ctx context.Context) (LoadLevel, error) {
	util, err := m.sampler.Sample(ctx)
	if err != nil {
		return m.Level(), fmt.Errorf("sample load: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.utilization = util
	current := LoadLevel(m.level.Load())
	next := m.thresholds.Classify(util)
	now := m.clock.Now()

	if next == current {
		return m.Level(), nil
	}
	if next < current && now.Sub(m.lastChange) < m.cooldown {
		return m.Level(), nil
	}

	m.level.Store(int32(next))
	m.lastChange = now

	slog.Info("load level changed",
		slog.String("from", current.String()),
		slog.String("to", next.String()),
		slog.Float64("utilization", util))

	if m.override.Load() == noOverride {
		m.metrics.SetLoadLevel(next)
	}
	return m.Level(), nil
}

// SetOverride pins the level until ClearOverride is called.
func (m *LoadMonitor) SetOverride(level LoadLevel) {
	m.override.Store(int32(level))
	m.metrics.SetLoadLevel(level)

	slog.Warn("load level manually overridden", slog.String("level", level.String()))
}

// ClearOverride resumes using sampled levels.
func (m *LoadMonitor) ClearOverride() {
	m.override.Store(noOverride)
	m.metrics.SetLoadLevel(m.Level())

	slog.Info("load level override cleared", slog.String("level", m.Level().String()))
}

// Overridden reports whether a manual level is in effect.
func (m *LoadMonitor) Overridden() bool {
	return m.override.Load() != noOverride
}

// Utilization returns the last sampled utilization percentage.
func (m *LoadMonitor) Utilization() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.utilization
}
