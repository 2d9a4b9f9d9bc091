package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sampleFor finds the snapshot series matching name and the exact label set.
func sampleFor(t *testing.T, samples []MetricSample, name string, labels map[string]string) MetricSample {
	t.Helper()
	for _, s := range samples {
		if s.Name == name && labelString(s.Labels) == labelString(labels) {
			return s
		}
	}
	t.Fatalf("no series %q with labels %v in %v", name, labels, samples)
	return MetricSample{}
}

func TestCounter(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	Counter("workflow.completed", "status", "ok")
	Counter("workflow.completed", "status", "ok")
	Counter("workflow.completed", "status", "ok")
	Counter("workflow.completed", "status", "failed")

	samples := Snapshot()
	require.Len(t, samples, 2)

	ok := sampleFor(t, samples, "workflow.completed", map[string]string{"status": "ok"})
	assert.Equal(t, uint64(3), ok.Count)
	assert.Equal(t, 3.0, ok.Sum)
	assert.Equal(t, 1.0, ok.Min)
	assert.Equal(t, 1.0, ok.Max)

	failed := sampleFor(t, samples, "workflow.completed", map[string]string{"status": "failed"})
	assert.Equal(t, uint64(1), failed.Count)
}

func TestHistogram(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	Histogram("step.duration_ms", 120)
	Histogram("step.duration_ms", 80)
	Histogram("step.duration_ms", 250)

	samples := Snapshot()
	require.Len(t, samples, 1)
	assert.Equal(t, "step.duration_ms", samples[0].Name)
	assert.Nil(t, samples[0].Labels)
	assert.Equal(t, uint64(3), samples[0].Count)
	assert.Equal(t, 450.0, samples[0].Sum)
	assert.Equal(t, 80.0, samples[0].Min)
	assert.Equal(t, 250.0, samples[0].Max)
}

func TestDuration(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	Duration("op.duration_ms", time.Now().Add(-50*time.Millisecond), "kind", "agent")

	samples := Snapshot()
	require.Len(t, samples, 1)
	assert.Equal(t, uint64(1), samples[0].Count)
	assert.GreaterOrEqual(t, samples[0].Sum, 45.0)
}

func TestRecordErrorAndSuccess(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	RecordError("step.result", "timeout", "kind", "agent")
	RecordSuccess("step.result", "kind", "agent")

	samples := Snapshot()
	require.Len(t, samples, 2)

	errSample := sampleFor(t, samples, "step.result", map[string]string{"kind": "agent", "error_type": "timeout"})
	assert.Equal(t, uint64(1), errSample.Count)

	okSample := sampleFor(t, samples, "step.result", map[string]string{"kind": "agent", "status": "success"})
	assert.Equal(t, uint64(1), okSample.Count)
}

func TestEmit_EdgeCases(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	t.Run("empty name dropped", func(t *testing.T) {
		Emit("", 5)
		assert.Empty(t, Snapshot())
	})

	t.Run("dangling label dropped", func(t *testing.T) {
		Reset()
		Emit("odd.metric", 1, "a", "1", "dangling")
		samples := Snapshot()
		require.Len(t, samples, 1)
		assert.Equal(t, map[string]string{"a": "1"}, samples[0].Labels)
	})

	t.Run("single label treated as unlabeled", func(t *testing.T) {
		Reset()
		Emit("odd.metric", 1, "only")
		samples := Snapshot()
		require.Len(t, samples, 1)
		assert.Nil(t, samples[0].Labels)
	})
}

func TestSnapshot_SortedAndIsolated(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	Emit("zebra", 1)
	Emit("alpha", 1)
	Emit("mid", 1, "b", "2")
	Emit("mid", 1, "a", "1")

	samples := Snapshot()
	require.Len(t, samples, 4)
	assert.Equal(t, "alpha", samples[0].Name)
	assert.Equal(t, "mid", samples[1].Name)
	assert.Equal(t, map[string]string{"a": "1"}, samples[1].Labels)
	assert.Equal(t, "mid", samples[2].Name)
	assert.Equal(t, map[string]string{"b": "2"}, samples[2].Labels)
	assert.Equal(t, "zebra", samples[3].Name)

	// Mutating a snapshot must not leak into the registry.
	samples[1].Labels["a"] = "tampered"
	again := Snapshot()
	assert.Equal(t, map[string]string{"a": "1"}, again[1].Labels)
}

func TestReset(t *testing.T) {
	Counter("ephemeral")
	require.NotEmpty(t, Snapshot())

	Reset()
	assert.Empty(t, Snapshot())
}
