package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"context-lab/internal/config"
	"context-lab/internal/db"
	"context-lab/internal/llm"
	"context-lab/internal/model"
	"context-lab/internal/pricing"
	"context-lab/internal/progress"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"),
		// genai 依赖的 opencensus 在 init 中启动常驻 worker
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
	)
}

// fakeLLM 脚本化的 provider：按 provider 计数调用次数，gate 非空时阻塞到放行或取消
type fakeLLM struct {
	mu      sync.Mutex
	calls   map[string]int
	gate    chan struct{}
	respond func(req llm.Request, call int) (string, error)
}

func newFakeLLM() *fakeLLM {
	return &fakeLLM{
		calls: map[string]int{},
		respond: func(llm.Request, int) (string, error) {
			return "You had a solid week of training.", nil
		},
	}
}

func (f *fakeLLM) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	f.mu.Lock()
	f.calls[req.Provider]++
	n := f.calls[req.Provider]
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	text, err := f.respond(req, n)
	if err != nil {
		return nil, err
	}
	return &llm.Response{Text: text, TokensIn: 100, TokensOut: 20, Latency: time.Millisecond}, nil
}

func (f *fakeLLM) Validate(provider string) error {
	switch provider {
	case "alpha", "beta", "gamma":
		return nil
	}
	return fmt.Errorf("%s: %w", provider, llm.ErrUnknownProvider)
}

func (f *fakeLLM) DefaultModel(string) string {
	return "fake-model"
}

type testEnv struct {
	store   *db.Store
	runs    *RunOrchestrator
	batches *BatchOrchestrator
	llm     *fakeLLM
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gdb, err := db.Open(config.DatabaseConfig{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "lab.db"),
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	store := db.NewStore(gdb)
	seedJournal(t, store)

	fake := newFakeLLM()
	defaults := config.ExperimentConfig{
		PromptVersion: "v1",
		Temperature:   0.7,
		Persona:       "goggins",
		EntryOrder:    "chronological",
		NeedleFact:    "shin splints on Tuesday",
	}
	prices := pricing.NewTable(config.PricingConfig{
		"alpha/*": {InputPerMillion: 1, OutputPerMillion: 2},
	})
	runs := NewRunOrchestrator(context.Background(), store, fake, prices, defaults, zap.NewNop())
	// 先注册的后执行：确保关库前所有后台任务已退出
	t.Cleanup(runs.Wait)

	return &testEnv{
		store:   store,
		runs:    runs,
		batches: NewBatchOrchestrator(runs, zap.NewNop()),
		llm:     fake,
	}
}

func seedJournal(t *testing.T, store *db.Store) {
	t.Helper()
	start := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	entries := make([]model.JournalEntry, 10)
	for i := range entries {
		entries[i] = model.JournalEntry{
			AthleteID:         1,
			EntryDate:         start.AddDate(0, 0, i),
			EmotionalState:    "steady",
			SessionReflection: fmt.Sprintf("Aerobic session number %d, kept it easy.", i+1),
		}
	}
	entries[4].SessionReflection = "Easy run but the shin splints came back near the end of training."
	entries[4].EmotionalState = "frustrated"
	require.NoError(t, store.AddEntries(context.Background(), entries))
}

func collect(t *testing.T, events <-chan progress.Event) []progress.Event {
	t.Helper()
	var out []progress.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("progress stream did not close")
			return nil
		}
	}
}

func countType(events []progress.Event, eventType string) int {
	n := 0
	for _, ev := range events {
		if ev.Type == eventType {
			n++
		}
	}
	return n
}

func TestRun_PositionMissesMiddle(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.llm.gate = make(chan struct{})
	env.llm.respond = func(_ llm.Request, call int) (string, error) {
		if call == 2 {
			return "Solid, steady block. Keep stacking consistent work.", nil
		}
		return "Strong block overall. Watch those shin splints on Tuesday.", nil
	}

	id, err := env.runs.Start(ctx, RunConfig{Provider: "alpha", AthleteID: 1, ExperimentType: model.ExperimentPosition})
	require.NoError(t, err)

	ch := env.runs.ProgressChannel(id)
	require.NotNil(t, ch)
	assert.True(t, env.runs.IsRunning(id))
	assert.ErrorIs(t, env.runs.DeleteRun(ctx, id), ErrRunInFlight)

	sub := ch.Subscribe(ctx)
	close(env.llm.gate)
	events := collect(t, sub)
	env.runs.Wait()

	require.NotEmpty(t, events)
	assert.Equal(t, progress.TypeComplete, events[len(events)-1].Type)
	assert.Equal(t, 3, countType(events, progress.TypePosition))
	for _, ev := range events {
		assert.Equal(t, id, ev.Data["run_id"])
		assert.Equal(t, "alpha", ev.Data["provider"])
	}

	run, err := env.store.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, run.Status)
	require.NotNil(t, run.CompletedAt)
	assert.Equal(t, "fake-model", run.Model)
	assert.Equal(t, 360, run.TokensUsed)
	assert.Equal(t, 10, run.EntriesUsed)
	assert.InDelta(t, (300*1.0+60*2.0)/1e6, run.EstimatedCost, 1e-9)

	require.Len(t, run.PositionTests, 3)
	got := map[model.Position]bool{}
	for _, pt := range run.PositionTests {
		got[pt.Position] = pt.FactRetrieved
		assert.Equal(t, "shin splints on Tuesday", pt.NeedleFact)
	}
	assert.Equal(t, map[model.Position]bool{
		model.PositionStart:  true,
		model.PositionMiddle: false,
		model.PositionEnd:    true,
	}, got)

	logs, err := env.store.PromptLogs(ctx, id)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, "position:middle", logs[1].Stage)
	assert.Contains(t, logs[1].UserPrompt, "shin splints on Tuesday")

	assert.False(t, env.runs.IsRunning(id))
	assert.Nil(t, env.runs.ProgressChannel(id))
	require.NoError(t, env.runs.DeleteRun(ctx, id))
	_, err = env.store.GetRun(ctx, id)
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestRun_PersonaClaims(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.llm.respond = func(req llm.Request, _ int) (string, error) {
		if strings.Contains(req.SystemPrompt, "Goggins") {
			return "You reported having shin splints during training. No excuses.", nil
		}
		return "You skipped the swim on Sunday and that's okay. The team is proud.", nil
	}

	id, err := env.runs.Start(ctx, RunConfig{Provider: "alpha", AthleteID: 1, ExperimentType: model.ExperimentPersona})
	require.NoError(t, err)
	env.runs.Wait()

	run, err := env.store.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, run.Status)
	assert.Equal(t, 240, run.TokensUsed)
	require.NotEmpty(t, run.Claims)

	var injury *model.ExperimentClaim
	for i := range run.Claims {
		c := run.Claims[i]
		assert.GreaterOrEqual(t, c.Confidence, 0.0)
		assert.LessOrEqual(t, c.Confidence, 1.0)
		assert.Equal(t, c.IsSupported, len(c.Receipts) == 1, c.ClaimText)
		if c.ClaimType == model.ClaimInjury {
			injury = &run.Claims[i]
		}
	}
	require.NotNil(t, injury)
	assert.Equal(t, "goggins", injury.Persona)
	assert.True(t, injury.IsSupported)
	assert.Greater(t, injury.Confidence, 0.3)
	require.Len(t, injury.Receipts, 1)
	assert.Contains(t, injury.Receipts[0].MatchedSnippet, "training")
}

func TestRun_Compression(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	id, err := env.runs.Start(ctx, RunConfig{Provider: "alpha", AthleteID: 1, ExperimentType: model.ExperimentCompression})
	require.NoError(t, err)
	env.runs.Wait()

	run, err := env.store.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, run.Status)
	assert.Empty(t, run.Claims)
	assert.Equal(t, 360, run.TokensUsed)
	// 360 tokens 按 60/40 拆分
	assert.InDelta(t, (216*1.0+144*2.0)/1e6, run.EstimatedCost, 1e-9)

	logs, err := env.store.PromptLogs(ctx, id)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, "compression:full", logs[0].Stage)
	assert.Equal(t, 10, strings.Count(logs[0].UserPrompt, "### "))
	assert.Equal(t, "compression:compressed", logs[1].Stage)
	assert.Zero(t, strings.Count(logs[1].UserPrompt, "### "))
	assert.Equal(t, "compression:recent", logs[2].Stage)
	assert.Equal(t, 7, strings.Count(logs[2].UserPrompt, "### "))
}

func TestRun_ProviderFailure(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.llm.gate = make(chan struct{})
	env.llm.respond = func(llm.Request, int) (string, error) {
		return "", errors.New("upstream boom")
	}

	id, err := env.runs.Start(ctx, RunConfig{Provider: "alpha", AthleteID: 1, ExperimentType: model.ExperimentPersona})
	require.NoError(t, err, "provider errors never reach the caller of Start")

	sub := env.runs.ProgressChannel(id).Subscribe(ctx)
	close(env.llm.gate)
	events := collect(t, sub)
	env.runs.Wait()

	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, progress.TypeError, last.Type)
	assert.Contains(t, last.Message, "upstream boom")
	assert.Equal(t, 1, countType(events, progress.TypeError))

	run, err := env.store.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, run.Status)
	assert.Contains(t, run.ErrorMessage, "upstream boom")
	assert.NotNil(t, run.CompletedAt)
}

func TestRun_Cancel(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.llm.gate = make(chan struct{}) // never released

	id, err := env.runs.Start(ctx, RunConfig{Provider: "alpha", AthleteID: 1, ExperimentType: model.ExperimentPosition})
	require.NoError(t, err)
	sub := env.runs.ProgressChannel(id).Subscribe(ctx)

	assert.True(t, env.runs.Cancel(id))
	events := collect(t, sub)
	env.runs.Wait()

	assert.Zero(t, countType(events, progress.TypeError))
	assert.Zero(t, countType(events, progress.TypeComplete))
	assert.False(t, env.runs.IsRunning(id))
	assert.False(t, env.runs.Cancel(id))

	run, err := env.store.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, run.Status, "cancellation leaves the row as it was")
	assert.ErrorIs(t, env.runs.DeleteRun(ctx, id), ErrRunInFlight)
}

func TestStart_ConfigErrors(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	tests := []struct {
		name string
		cfg  RunConfig
		also error
	}{
		{"unknown type", RunConfig{Provider: "alpha", AthleteID: 1, ExperimentType: "vibes"}, nil},
		{"missing athlete", RunConfig{Provider: "alpha", ExperimentType: model.ExperimentPersona}, nil},
		{"unknown provider", RunConfig{Provider: "omega", AthleteID: 1, ExperimentType: model.ExperimentPersona}, llm.ErrUnknownProvider},
		{"missing provider", RunConfig{AthleteID: 1, ExperimentType: model.ExperimentPersona}, nil},
		{"bad persona", RunConfig{Provider: "alpha", AthleteID: 1, ExperimentType: model.ExperimentPosition, Persona: "yoda"}, nil},
		{"bad order", RunConfig{Provider: "alpha", AthleteID: 1, ExperimentType: model.ExperimentPosition, EntryOrder: "shuffled"}, nil},
		{"bad version", RunConfig{Provider: "alpha", AthleteID: 1, ExperimentType: model.ExperimentPosition, PromptVersion: "v9"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.runs.Start(ctx, tt.cfg)
			assert.ErrorIs(t, err, ErrInvalidConfig)
			if tt.also != nil {
				assert.ErrorIs(t, err, tt.also)
			}
		})
	}

	runs, err := env.store.ListRuns(ctx, db.RunFilter{})
	require.NoError(t, err)
	assert.Empty(t, runs, "config errors never create rows")
}

func TestFactRetrieved(t *testing.T) {
	fact := "shin splints on Tuesday"
	assert.True(t, FactRetrieved("Remember the SHIN SPLINTS ON TUESDAY!", fact))
	assert.True(t, FactRetrieved("Those splints flared up on tuesday again.", fact))
	assert.False(t, FactRetrieved("Your shins held up fine.", fact))
	assert.False(t, FactRetrieved("Solid, steady block.", fact))
	assert.False(t, FactRetrieved("anything", "  "))
}
