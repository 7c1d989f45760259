// Package metrics defines the fire-and-forget metrics sink used by the
// pipeline engine and the routing engine. The core records a value after every
// pipeline step and every routing decision; a sink implementation must never
// let a failure propagate back into the caller.
package metrics

import (
	"sync"

	"github.com/siteworks/siteflow/logging"
)

// Collector receives metric observations. Record must not block for long and
// must not panic; callers do not inspect any outcome.
type Collector interface {
	Record(name string, value float64, labels map[string]string)
}

// NoOp discards all observations.
type NoOp struct{}

// Record implements Collector.
func (NoOp) Record(string, float64, map[string]string) {}

// SlogCollector writes every observation as a structured log line.
type SlogCollector struct {
	logger logging.Logger
}

// NewSlogCollector creates a collector logging through the given logger.
func NewSlogCollector(logger logging.Logger) *SlogCollector {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &SlogCollector{logger: logger}
}

// Record implements Collector.
func (c *SlogCollector) Record(name string, value float64, labels map[string]string) {
	args := []any{"metric", name, "value", value}
	for k, v := range labels {
		args = append(args, "label_"+k, v)
	}
	c.logger.Info("Metric recorded", args...)
}

// Sample is one recorded observation.
type Sample struct {
	Name   string
	Value  float64
	Labels map[string]string
}

// Memory accumulates observations in memory. Intended for tests and local
// introspection, not production use.
type Memory struct {
	mu      sync.Mutex
	samples map[string][]Sample
}

// NewMemory creates an empty in-memory collector.
func NewMemory() *Memory {
	return &Memory{samples: map[string][]Sample{}}
}

// Record implements Collector.
func (m *Memory) Record(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples[name] = append(m.samples[name], Sample{Name: name, Value: value, Labels: labels})
}

// Samples returns a copy of the observations recorded under name.
func (m *Memory) Samples(name string) []Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Sample, len(m.samples[name]))
	copy(out, m.samples[name])
	return out
}

// Count returns how many observations were recorded under name.
func (m *Memory) Count(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.samples[name])
}

// Names returns all metric names with at least one observation.
func (m *Memory) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.samples))
	for n := range m.samples {
		names = append(names, n)
	}
	return names
}
