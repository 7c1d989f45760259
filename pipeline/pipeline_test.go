package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siteworks/siteflow/logging"
	"github.com/siteworks/siteflow/metrics"
)

// stepSpy records what the engine reports through the optional step hook.
type stepSpy struct {
	logging.NoOpLogger

	steps   []string
	failed  []string
	lastErr error
}

func (s *stepSpy) LogStepExecution(pipeline, step string, dur time.Duration, success bool, err error) {
	if success {
		s.steps = append(s.steps, step)
		return
	}
	s.failed = append(s.failed, step)
	s.lastErr = err
}

type testState struct {
	Core
	visited []string
	value   int
}

func record(name string) Step[*testState] {
	return func(_ context.Context, s *testState) error {
		s.visited = append(s.visited, name)
		return nil
	}
}

func newTestState() *testState {
	return &testState{Core: NewCore()}
}

func TestLinearRun(t *testing.T) {
	g := NewGraph[*testState]("test")
	g.AddStep("a", record("a")).
		AddStep("b", record("b")).
		AddStep("end", record("end")).
		SetEntry("a").SetTerminal("end")
	g.AddEdge("a", "b")
	g.AddEdge("b", "end")

	s := newTestState()
	require.NoError(t, g.Run(context.Background(), s))

	assert.Equal(t, []string{"a", "b", "end"}, s.visited)
	assert.Equal(t, StatusCompleted, s.Status)
	assert.False(t, s.EndTime.IsZero())
}

func TestConditionalBranch(t *testing.T) {
	build := func(threshold int) *Graph[*testState] {
		g := NewGraph[*testState]("test")
		g.AddStep("check", func(_ context.Context, s *testState) error {
			s.visited = append(s.visited, "check")
			return nil
		}).
			AddStep("high", record("high")).
			AddStep("low", record("low")).
			AddStep("end", record("end")).
			SetEntry("check").SetTerminal("end")
		g.AddConditionalEdges("check", func(s *testState) string {
			if s.value >= threshold {
				return "high"
			}
			return "low"
		}, map[string]string{"high": "high", "low": "low"})
		g.AddEdge("high", "end")
		g.AddEdge("low", "end")
		return g
	}

	s := newTestState()
	s.value = 10
	require.NoError(t, build(5).Run(context.Background(), s))
	assert.Equal(t, []string{"check", "high", "end"}, s.visited)

	s = newTestState()
	s.value = 1
	require.NoError(t, build(5).Run(context.Background(), s))
	assert.Equal(t, []string{"check", "low", "end"}, s.visited)
}

func TestStepFailureShortCircuitsToTerminal(t *testing.T) {
	g := NewGraph[*testState]("test")
	g.AddStep("a", record("a")).
		AddStep("boom", func(_ context.Context, s *testState) error {
			return errors.New("step broke")
		}).
		AddStep("skipped", record("skipped")).
		AddStep("end", record("end")).
		SetEntry("a").SetTerminal("end")
	g.AddEdge("a", "boom")
	g.AddEdge("boom", "skipped")
	g.AddEdge("skipped", "end")

	s := newTestState()
	require.NoError(t, g.Run(context.Background(), s))

	assert.Equal(t, []string{"a", "end"}, s.visited)
	assert.Equal(t, StatusFailed, s.Status)
	assert.Contains(t, s.Error, "step broke")
}

func TestStepOutcomesReachLogger(t *testing.T) {
	spy := &stepSpy{}
	g := NewGraph[*testState]("test", func(o *Options) {
		o.Logger = spy
	})
	g.AddStep("a", record("a")).
		AddStep("boom", func(_ context.Context, s *testState) error {
			return errors.New("step broke")
		}).
		AddStep("end", record("end")).
		SetEntry("a").SetTerminal("end")
	g.AddEdge("a", "boom")
	g.AddEdge("boom", "end")

	s := newTestState()
	require.NoError(t, g.Run(context.Background(), s))

	assert.Equal(t, []string{"a", "end"}, spy.steps)
	assert.Equal(t, []string{"boom"}, spy.failed)
	require.Error(t, spy.lastErr)
	assert.Contains(t, spy.lastErr.Error(), "step broke")
}

func TestStepPanicIsCaptured(t *testing.T) {
	g := NewGraph[*testState]("test")
	g.AddStep("bad", func(_ context.Context, s *testState) error {
		panic("step bug")
	}).
		AddStep("end", record("end")).
		SetEntry("bad").SetTerminal("end")
	g.AddEdge("bad", "end")

	s := newTestState()
	require.NoError(t, g.Run(context.Background(), s))

	assert.Equal(t, StatusFailed, s.Status)
	assert.Contains(t, s.Error, "panicked")
}

func TestUnknownConditionalLabelIsEngineError(t *testing.T) {
	g := NewGraph[*testState]("test")
	g.AddStep("a", record("a")).
		AddStep("end", record("end")).
		SetEntry("a").SetTerminal("end")
	g.AddConditionalEdges("a", func(s *testState) string {
		return "nowhere"
	}, map[string]string{"somewhere": "end"})

	err := g.Run(context.Background(), newTestState())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown label")
}

func TestValidateRejectsDanglingEdges(t *testing.T) {
	g := NewGraph[*testState]("test")
	g.AddStep("a", record("a")).
		AddStep("end", record("end")).
		SetEntry("a").SetTerminal("end")
	g.AddEdge("a", "ghost")

	assert.Error(t, g.Validate())
}

func TestValidateRequiresEntryAndTerminal(t *testing.T) {
	g := NewGraph[*testState]("test")
	g.AddStep("a", record("a"))

	assert.Error(t, g.Validate())
}

func TestStepBudgetStopsCycles(t *testing.T) {
	g := NewGraph[*testState]("test", func(o *Options) {
		o.MaxSteps = 10
	})
	g.AddStep("a", record("a")).
		AddStep("b", record("b")).
		AddStep("end", record("end")).
		SetEntry("a").SetTerminal("end")
	g.AddEdge("a", "b")
	g.AddEdge("b", "a")

	err := g.Run(context.Background(), newTestState())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "budget exhausted")
}

func TestRunDeadline(t *testing.T) {
	g := NewGraph[*testState]("test", func(o *Options) {
		o.Timeout = 20 * time.Millisecond
	})
	g.AddStep("slow", func(ctx context.Context, s *testState) error {
		select {
		case <-time.After(time.Second):
			return nil
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	}).
		AddStep("end", record("end")).
		SetEntry("slow").SetTerminal("end")
	g.AddEdge("slow", "end")

	s := newTestState()
	require.NoError(t, g.Run(context.Background(), s))

	assert.Equal(t, StatusFailed, s.Status)
	assert.Contains(t, s.Error, ErrRunDeadline.Error())
}

func TestMetricsRecorded(t *testing.T) {
	mem := metrics.NewMemory()
	g := NewGraph[*testState]("flow", func(o *Options) {
		o.Metrics = mem
	})
	g.AddStep("a", record("a")).
		AddStep("end", record("end")).
		SetEntry("a").SetTerminal("end")
	g.AddEdge("a", "end")

	require.NoError(t, g.Run(context.Background(), newTestState()))

	assert.Equal(t, 1, mem.Count("flow_node_a_duration_seconds"))
	assert.Equal(t, 1, mem.Count("flow_node_end_duration_seconds"))
	assert.Equal(t, 1, mem.Count("flow_duration_seconds"))
}

func TestFirstFailureWins(t *testing.T) {
	g := NewGraph[*testState]("test")
	g.AddStep("boom", func(_ context.Context, s *testState) error {
		return errors.New("first")
	}).
		AddStep("end", func(_ context.Context, s *testState) error {
			return errors.New("second")
		}).
		SetEntry("boom").SetTerminal("end")
	g.AddEdge("boom", "end")

	s := newTestState()
	require.NoError(t, g.Run(context.Background(), s))

	assert.Contains(t, s.Error, "first")
	assert.NotContains(t, s.Error, "second")
	assert.NotEmpty(t, s.Warnings)
}
