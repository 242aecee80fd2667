// Package performance keeps named timing statistics for loads and
// conversions.
package performance

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Profiler tracks timing statistics per operation name. A nil or disabled
// profiler records nothing.
type Profiler struct {
	mu        sync.RWMutex
	stats     map[string]*Stat
	enabled   bool
	startTime time.Time
}

// Stat is the accumulated timing of one operation.
type Stat struct {
	Name      string        `json:"name"`
	Count     int64         `json:"count"`
	TotalTime time.Duration `json:"total_ns"`
	MinTime   time.Duration `json:"min_ns"`
	MaxTime   time.Duration `json:"max_ns"`
	LastTime  time.Duration `json:"last_ns"`
	LastCall  time.Time     `json:"last_call"`
}

// AverageTime returns the mean duration.
func (s Stat) AverageTime() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.TotalTime / time.Duration(s.Count)
}

// Operation is a running measurement.
type Operation struct {
	profiler *Profiler
	name     string
	start    time.Time
}

// NewProfiler creates a new profiler
func NewProfiler(enabled bool) *Profiler {
	return &Profiler{
		stats:     make(map[string]*Stat),
		enabled:   enabled,
		startTime: time.Now(),
	}
}

// Start begins timing an operation. End on the returned value records it.
func (p *Profiler) Start(name string) *Operation {
	if !p.IsEnabled() {
		return nil
	}
	return &Operation{profiler: p, name: name, start: time.Now()}
}

// End records the elapsed time and returns it.
func (o *Operation) End() time.Duration {
	if o == nil {
		return 0
	}
	d := time.Since(o.start)
	o.profiler.Record(o.name, d)
	return d
}

// Record adds one measurement for name.
func (p *Profiler) Record(name string, d time.Duration) {
	if !p.IsEnabled() {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.stats[name]
	if !ok {
		s = &Stat{Name: name, MinTime: d, MaxTime: d}
		p.stats[name] = s
	}
	s.Count++
	s.TotalTime += d
	s.LastTime = d
	s.LastCall = time.Now()
	if d < s.MinTime {
		s.MinTime = d
	}
	if d > s.MaxTime {
		s.MaxTime = d
	}
}

// Stat returns a copy of the statistics for name.
func (p *Profiler) Stat(name string) (Stat, bool) {
	if p == nil {
		return Stat{}, false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.stats[name]
	if !ok {
		return Stat{}, false
	}
	return *s, true
}

// Snapshot returns copies of every statistic ordered by name.
func (p *Profiler) Snapshot() []Stat {
	if p == nil {
		return nil
	}
	p.mu.RLock()
	out := make([]Stat, 0, len(p.stats))
	for _, s := range p.stats {
		out = append(out, *s)
	}
	p.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Reset clears all statistics
func (p *Profiler) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats = make(map[string]*Stat)
	p.startTime = time.Now()
}

// Report renders a fixed-width table of every statistic.
func (p *Profiler) Report() string {
	stats := p.Snapshot()
	if len(stats) == 0 {
		return "No performance metrics recorded"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%-36s %8s %10s %10s %10s %10s\n", "Operation", "Count", "Avg", "Min", "Max", "Last")
	b.WriteString(strings.Repeat("-", 90) + "\n")
	for _, s := range stats {
		fmt.Fprintf(&b, "%-36s %8d %10s %10s %10s %10s\n",
			s.Name, s.Count,
			s.AverageTime().Round(time.Microsecond),
			s.MinTime.Round(time.Microsecond),
			s.MaxTime.Round(time.Microsecond),
			s.LastTime.Round(time.Microsecond),
		)
	}
	return b.String()
}

// LogReport writes one log entry per statistic.
func (p *Profiler) LogReport(log *zap.Logger) {
	for _, s := range p.Snapshot() {
		log.Info("performance",
			zap.String("operation", s.Name),
			zap.Int64("count", s.Count),
			zap.Duration("avg", s.AverageTime()),
			zap.Duration("max", s.MaxTime),
		)
	}
}

// JSONReport encodes every statistic with millisecond fields.
func (p *Profiler) JSONReport() ([]byte, error) {
	type statJSON struct {
		Name    string    `json:"name"`
		Count   int64     `json:"count"`
		TotalMs float64   `json:"total_ms"`
		AvgMs   float64   `json:"avg_ms"`
		MinMs   float64   `json:"min_ms"`
		MaxMs   float64   `json:"max_ms"`
		LastMs  float64   `json:"last_ms"`
		Last    time.Time `json:"last_call"`
	}
	ms := func(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }

	p.mu.RLock()
	start := p.startTime
	p.mu.RUnlock()

	report := struct {
		StartTime time.Time  `json:"start_time"`
		RuntimeMs float64    `json:"runtime_ms"`
		Metrics   []statJSON `json:"metrics"`
	}{StartTime: start, RuntimeMs: ms(time.Since(start)), Metrics: []statJSON{}}

	for _, s := range p.Snapshot() {
		report.Metrics = append(report.Metrics, statJSON{
			Name:    s.Name,
			Count:   s.Count,
			TotalMs: ms(s.TotalTime),
			AvgMs:   ms(s.AverageTime()),
			MinMs:   ms(s.MinTime),
			MaxMs:   ms(s.MaxTime),
			LastMs:  ms(s.LastTime),
			Last:    s.LastCall,
		})
	}
	return json.Marshal(report)
}

// IsEnabled returns whether profiling is enabled
func (p *Profiler) IsEnabled() bool {
	if p == nil {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.enabled
}

// SetEnabled turns recording on or off
func (p *Profiler) SetEnabled(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled = enabled
}
