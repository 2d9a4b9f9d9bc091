package telemetry

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Metrics emission. The API is deliberately small: fire-and-forget functions
// that never block or fail. Values land in an in-process registry that health
// endpoints snapshot; an exporter can drain the same registry.

// Counter increments a counter metric by 1.
// Labels are key-value pairs: Counter("workflow.completed", "status", "partial").
func Counter(name string, labels ...string) {
	Emit(name, 1, labels...)
}

// Histogram records a value in a distribution (latencies, payload sizes).
func Histogram(name string, value float64, labels ...string) {
	Emit(name, value, labels...)
}

// Duration records elapsed time since startTime in milliseconds.
//
//	start := time.Now()
//	defer telemetry.Duration("step.duration_ms", start, "kind", "agent")
func Duration(name string, startTime time.Time, labels ...string) {
	Emit(name, float64(time.Since(startTime).Milliseconds()), labels...)
}

// RecordError records an error occurrence with type classification.
func RecordError(name string, errorType string, labels ...string) {
	Counter(name, append(labels, "error_type", errorType)...)
}

// RecordSuccess records a successful operation.
func RecordSuccess(name string, labels ...string) {
	Counter(name, append(labels, "status", "success")...)
}

// Emit records a raw metric sample. Odd trailing labels are dropped.
func Emit(name string, value float64, labels ...string) {
	if name == "" {
		return
	}
	defaultRegistry.record(name, value, labels)
}

// MetricSample is a point-in-time view of one metric series.
type MetricSample struct {
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels,omitempty"`
	Count  uint64            `json:"count"`
	Sum    float64           `json:"sum"`
	Min    float64           `json:"min"`
	Max    float64           `json:"max"`
}

// Snapshot returns the current state of every metric series, sorted by name
// for deterministic output.
func Snapshot() []MetricSample {
	return defaultRegistry.snapshot()
}

// Reset clears all recorded metrics. Intended for tests.
func Reset() {
	defaultRegistry.reset()
}

type series struct {
	labels map[string]string
	count  uint64
	sum    float64
	min    float64
	max    float64
}

type registry struct {
	mu     sync.Mutex
	series map[string]*series // key: name + canonical label string
}

var defaultRegistry = &registry{series: make(map[string]*series)}

func (r *registry) record(name string, value float64, labels []string) {
	key, labelMap := seriesKey(name, labels)

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.series[key]
	if !ok {
		s = &series{labels: labelMap, min: value, max: value}
		r.series[key] = s
	}
	s.count++
	s.sum += value
	if value < s.min {
		s.min = value
	}
	if value > s.max {
		s.max = value
	}
}

func (r *registry) snapshot() []MetricSample {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]MetricSample, 0, len(r.series))
	for key, s := range r.series {
		name := key
		if idx := strings.IndexByte(key, '|'); idx >= 0 {
			name = key[:idx]
		}
		sample := MetricSample{
			Name:  name,
			Count: s.count,
			Sum:   s.sum,
			Min:   s.min,
			Max:   s.max,
		}
		if len(s.labels) > 0 {
			sample.Labels = make(map[string]string, len(s.labels))
			for k, v := range s.labels {
				sample.Labels[k] = v
			}
		}
		out = append(out, sample)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return labelString(out[i].Labels) < labelString(out[j].Labels)
	})
	return out
}

func (r *registry) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.series = make(map[string]*series)
}

func seriesKey(name string, labels []string) (string, map[string]string) {
	if len(labels) < 2 {
		return name, nil
	}
	labelMap := make(map[string]string, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		labelMap[labels[i]] = labels[i+1]
	}
	return name + "|" + labelString(labelMap), labelMap
}

func labelString(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	return b.String()
}
