package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"context-lab/internal/db"
	"context-lab/internal/llm"
	"context-lab/internal/model"
	"context-lab/internal/progress"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatch_PartialFailure(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.llm.gate = make(chan struct{})
	env.llm.respond = func(req llm.Request, _ int) (string, error) {
		if req.Provider == "beta" {
			return "", errors.New("rate limited")
		}
		return "Remember the shin splints on Tuesday.", nil
	}

	handle, err := env.batches.StartBatch(ctx,
		RunConfig{AthleteID: 1, ExperimentType: model.ExperimentPosition},
		[]Target{{Provider: "alpha"}, {Provider: "beta"}, {Provider: "gamma", Model: "g-large"}},
	)
	require.NoError(t, err)
	require.Len(t, handle.RunIDs, 3)
	assert.True(t, env.batches.IsBatchRunning(handle.BatchID))

	bch := env.batches.BatchProgressChannel(handle.BatchID)
	require.NotNil(t, bch)
	sub := bch.Subscribe(ctx)
	close(env.llm.gate)
	events := collect(t, sub)
	env.runs.Wait()

	require.NotEmpty(t, events)
	assert.Equal(t, progress.TypeBatchComplete, events[len(events)-1].Type)
	assert.Equal(t, 3, countType(events, progress.TypeProviderStarted))
	assert.Equal(t, 2, countType(events, progress.TypeProviderComplete))
	assert.Zero(t, countType(events, progress.TypeComplete), "terminal run events stay on the run channels")
	require.Equal(t, 1, countType(events, progress.TypeProviderError))
	for _, ev := range events {
		if ev.Type == progress.TypeProviderError {
			assert.Equal(t, "beta", ev.Data["provider"])
			assert.Contains(t, ev.Data["error"], "rate limited")
		}
	}

	summary, err := env.batches.Summary(ctx, handle.BatchID)
	require.NoError(t, err)
	assert.Equal(t, BatchPartial, summary.Status)
	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 2, summary.Completed)
	assert.Equal(t, 1, summary.Failed)
	assert.Zero(t, summary.InFlight)
	assert.Equal(t, "gamma/g-large", summary.Runs[2].Key)
	// gamma 没有价格表，成本为 0
	assert.Equal(t, "gamma/g-large", summary.Cheapest)
	require.NotNil(t, summary.Positions)
	assert.Len(t, summary.Positions.ByProvider, 2)
	assert.Equal(t, 2, summary.Positions.Rates[model.PositionMiddle].K)

	for _, id := range handle.RunIDs {
		assert.False(t, env.runs.IsRunning(id))
		run, err := env.store.GetRun(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, run.BatchID)
		assert.Equal(t, handle.BatchID, *run.BatchID)
		assert.True(t, run.Status.Terminal())
	}

	assert.False(t, env.batches.IsBatchRunning(handle.BatchID))
	assert.Nil(t, env.batches.BatchProgressChannel(handle.BatchID))
	require.NoError(t, env.batches.DeleteBatch(ctx, handle.BatchID))
	_, err = env.batches.Summary(ctx, handle.BatchID)
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestBatch_ChildChannelsCarryRunEvents(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.llm.gate = make(chan struct{})

	handle, err := env.batches.StartBatch(ctx,
		RunConfig{AthleteID: 1, ExperimentType: model.ExperimentCompression},
		[]Target{{Provider: "alpha"}},
	)
	require.NoError(t, err)

	runCh := env.runs.ProgressChannel(handle.RunIDs[0])
	require.NotNil(t, runCh)
	assert.ErrorIs(t, env.batches.DeleteBatch(ctx, handle.BatchID), ErrRunInFlight)

	sub := runCh.Subscribe(ctx)
	close(env.llm.gate)
	events := collect(t, sub)
	env.runs.Wait()

	require.NotEmpty(t, events)
	assert.Equal(t, progress.TypeComplete, events[len(events)-1].Type)
	assert.Equal(t, 3, countType(events, progress.TypeCompression))

	summary, err := env.batches.Summary(ctx, handle.BatchID)
	require.NoError(t, err)
	assert.Equal(t, BatchCompleted, summary.Status)
	assert.Nil(t, summary.Positions)
	assert.Nil(t, summary.Claims)
}

func TestBatch_Cancel(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.llm.gate = make(chan struct{}) // never released

	handle, err := env.batches.StartBatch(ctx,
		RunConfig{AthleteID: 1, ExperimentType: model.ExperimentPosition},
		[]Target{{Provider: "alpha"}, {Provider: "beta"}},
	)
	require.NoError(t, err)
	sub := env.batches.BatchProgressChannel(handle.BatchID).Subscribe(ctx)

	assert.True(t, env.batches.CancelBatch(handle.BatchID))
	events := collect(t, sub)
	env.runs.Wait()

	require.NotEmpty(t, events)
	assert.Equal(t, progress.TypeBatchComplete, events[len(events)-1].Type)
	assert.Equal(t, 2, countType(events, progress.TypeProviderError))
	for _, ev := range events {
		if ev.Type == progress.TypeProviderError {
			assert.Equal(t, "cancelled", ev.Data["error"])
		}
	}
	assert.False(t, env.batches.CancelBatch(handle.BatchID))

	summary, err := env.batches.Summary(ctx, handle.BatchID)
	require.NoError(t, err)
	assert.Equal(t, BatchRunning, summary.Status, "cancelled children keep their non-terminal state")
	assert.ErrorIs(t, env.batches.DeleteBatch(ctx, handle.BatchID), ErrRunInFlight)
}

func TestStartBatch_ConfigErrors(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	cfg := RunConfig{AthleteID: 1, ExperimentType: model.ExperimentPosition}

	_, err := env.batches.StartBatch(ctx, cfg, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	// 空 model 会补成默认 model，和显式写出的 target 重复
	_, err = env.batches.StartBatch(ctx, cfg, []Target{{Provider: "alpha"}, {Provider: "alpha", Model: "fake-model"}})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = env.batches.StartBatch(ctx, cfg, []Target{{Provider: "alpha"}, {Provider: "omega"}})
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.ErrorIs(t, err, llm.ErrUnknownProvider)

	runs, err := env.store.ListRuns(ctx, db.RunFilter{})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestParseTarget(t *testing.T) {
	tg, err := ParseTarget("openai/gpt-4o-mini")
	require.NoError(t, err)
	assert.Equal(t, Target{Provider: "openai", Model: "gpt-4o-mini"}, tg)

	tg, err = ParseTarget("ollama")
	require.NoError(t, err)
	assert.Equal(t, Target{Provider: "ollama"}, tg)

	_, err = ParseTarget("/gpt-4o")
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestBatchStatus(t *testing.T) {
	const (
		p = model.RunStatusPending
		r = model.RunStatusRunning
		c = model.RunStatusCompleted
		f = model.RunStatusFailed
	)
	tests := []struct {
		name     string
		statuses []model.RunStatus
		want     BatchState
	}{
		{"all completed", []model.RunStatus{c, c, c}, BatchCompleted},
		{"all failed", []model.RunStatus{f, f}, BatchFailed},
		{"mixed terminal", []model.RunStatus{c, f, c}, BatchPartial},
		{"one running", []model.RunStatus{c, r, f}, BatchRunning},
		{"one pending", []model.RunStatus{p, c}, BatchRunning},
		{"empty", nil, BatchRunning},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BatchStatus(tt.statuses))
		})
	}
}

func finishedRun(id uint, provider string, status model.RunStatus, cost float64, took time.Duration) model.ExperimentRun {
	start := time.Date(2026, 3, 12, 9, 0, 0, 0, time.UTC)
	end := start.Add(took)
	return model.ExperimentRun{
		ID:             id,
		Provider:       provider,
		Model:          "m",
		Status:         status,
		ExperimentType: model.ExperimentPersona,
		EstimatedCost:  cost,
		StartedAt:      &start,
		CompletedAt:    &end,
	}
}

func TestBuildSummary_CheapestAndFastest(t *testing.T) {
	runs := []model.ExperimentRun{
		finishedRun(1, "a", model.RunStatusCompleted, 0.002, 3*time.Second),
		finishedRun(2, "b", model.RunStatusCompleted, 0.001, 5*time.Second),
		finishedRun(3, "c", model.RunStatusFailed, 0, time.Second),
		finishedRun(4, "d", model.RunStatusCompleted, 0.001, 3*time.Second),
	}
	s := BuildSummary("b-1", runs)

	assert.Equal(t, BatchPartial, s.Status)
	assert.Equal(t, model.ExperimentPersona, s.ExperimentType)
	// 失败的 run 不参与最便宜，但参与最快；同值取先创建的
	assert.Equal(t, "b/m", s.Cheapest)
	assert.Equal(t, "c/m", s.Fastest)
	assert.Equal(t, int64(3000), s.Runs[0].DurationMS)
}

func TestBuildSummary_NoCompletedRuns(t *testing.T) {
	pending := model.ExperimentRun{ID: 1, Provider: "a", Model: "m", Status: model.RunStatusPending, ExperimentType: model.ExperimentPosition}
	s := BuildSummary("b-2", []model.ExperimentRun{pending})

	assert.Equal(t, BatchRunning, s.Status)
	assert.Equal(t, 1, s.InFlight)
	assert.Empty(t, s.Cheapest)
	assert.Empty(t, s.Fastest)
	assert.Nil(t, s.Positions)
}

func TestBuildSummary_ClaimComparison(t *testing.T) {
	a := finishedRun(1, "a", model.RunStatusCompleted, 0, time.Second)
	a.Claims = []model.ExperimentClaim{
		{Persona: "goggins", ClaimType: model.ClaimInjury, ClaimText: "You had shin splints", IsSupported: true, Confidence: 0.8},
		{Persona: "goggins", ClaimType: model.ClaimEvent, ClaimText: "You raced a marathon", IsSupported: false},
		{Persona: "lasso", ClaimType: model.ClaimEmotion, ClaimText: "You felt proud", IsSupported: true, Confidence: 0.5},
	}
	b := finishedRun(2, "b", model.RunStatusCompleted, 0, time.Second)
	b.Claims = []model.ExperimentClaim{
		{Persona: "lasso", ClaimType: model.ClaimProgress, ClaimText: "You improved your pace", IsSupported: true, Confidence: 0.4},
	}

	s := BuildSummary("b-3", []model.ExperimentRun{a, b})
	require.NotNil(t, s.Claims)
	assert.Len(t, s.Claims.ByPersona["goggins"], 2)
	assert.Len(t, s.Claims.ByPersona["lasso"], 2)
	assert.Equal(t, "b/m", s.Claims.ByPersona["lasso"][1].ProviderKey)
	assert.Equal(t, 1, s.Claims.Support["goggins"].K)
	assert.Equal(t, 2, s.Claims.Support["goggins"].N)
	assert.InDelta(t, 0.5, s.Claims.Support["goggins"].Rate, 1e-9)
	assert.Equal(t, 2, s.Claims.Support["lasso"].K)

	require.NotNil(t, s.Claims.Test)
	assert.Equal(t, "goggins", s.Claims.Test.A)
	assert.Equal(t, "lasso", s.Claims.Test.B)
	assert.Greater(t, s.Claims.Test.Z, 0.0)
	assert.Greater(t, s.Claims.Test.PValue, 0.0)
	assert.LessOrEqual(t, s.Claims.Test.PValue, 1.0)
}

func TestWilsonCI(t *testing.T) {
	low, high := wilsonCI(5, 10, 1.96)
	assert.InDelta(t, 0.2366, low, 1e-3)
	assert.InDelta(t, 0.7634, high, 1e-3)

	low, high = wilsonCI(0, 10, 1.96)
	assert.InDelta(t, 0, low, 1e-9)
	assert.InDelta(t, 0.2775, high, 1e-3)

	low, high = wilsonCI(0, 0, 1.96)
	assert.Zero(t, low)
	assert.Zero(t, high)
}

func TestTwoPropZTest(t *testing.T) {
	p, z := twoPropZTest(10, 20, 10, 20)
	assert.Zero(t, z)
	assert.InDelta(t, 1.0, p, 1e-9)

	p, z = twoPropZTest(2, 20, 12, 20)
	assert.Greater(t, z, 3.0)
	assert.Less(t, p, 0.01)

	p, z = twoPropZTest(0, 0, 1, 2)
	assert.Equal(t, 1.0, p)
	assert.Zero(t, z)

	// 方差为 0
	p, _ = twoPropZTest(5, 5, 3, 3)
	assert.Equal(t, 1.0, p)
}

func TestRenderBatchMarkdown(t *testing.T) {
	a := finishedRun(1, "a", model.RunStatusCompleted, 0.0012, 2*time.Second)
	a.ExperimentType = model.ExperimentPosition
	a.PositionTests = []model.PositionTest{
		{Position: model.PositionStart, FactRetrieved: true},
		{Position: model.PositionMiddle, FactRetrieved: false},
		{Position: model.PositionEnd, FactRetrieved: true},
	}
	b := finishedRun(2, "b", model.RunStatusFailed, 0, time.Second)
	b.ExperimentType = model.ExperimentPosition
	b.ErrorMessage = "position:start: API返回错误: 429,\n slow down"

	md := RenderBatchMarkdown(BuildSummary("b-4", []model.ExperimentRun{a, b}))

	assert.True(t, strings.HasPrefix(md, "# 批次实验报告\n"))
	assert.Contains(t, md, "- status: partial")
	assert.Contains(t, md, "| a/m | 1 | completed | 0 | 0.001200 | 2.0 |")
	assert.Contains(t, md, "- cheapest: a/m")
	assert.Contains(t, md, "- fastest: b/m")
	assert.Contains(t, md, "| a/m | ✓ | ✗ | ✓ |")
	assert.NotContains(t, md, "| b/m | -")
	assert.Contains(t, md, "| middle | 0/1 |")
	assert.Contains(t, md, "## 执行错误")
	assert.Contains(t, md, "- b/m (run 2): position:start: API返回错误: 429, slow down")
	assert.NotContains(t, md, "## 论断核验")
}
