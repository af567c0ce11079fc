package service

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"context-lab/internal/config"
	"context-lab/internal/db"
	"context-lab/internal/model"
	"context-lab/internal/progress"

	"go.uber.org/zap"
)

// emitter 实验过程中产生的事件出口（单 run 直接写 run 通道；批次里同时转发到批次通道）
type emitter func(progress.Event)

// RunOrchestrator 单个实验 run 的生命周期：同步建行返回 id，后台 goroutine 执行到终态
type RunOrchestrator struct {
	store    *db.Store
	llm      LLM
	pricer   Pricer
	defaults config.ExperimentConfig
	log      *zap.Logger

	runs *progress.Registry[uint]
	// 后台任务挂在 baseCtx 上（服务生命周期），不挂请求 ctx：客户端断开不影响 run
	baseCtx context.Context
	wg      sync.WaitGroup
}

func NewRunOrchestrator(baseCtx context.Context, store *db.Store, caller LLM, pricer Pricer, defaults config.ExperimentConfig, log *zap.Logger) *RunOrchestrator {
	return &RunOrchestrator{
		store:    store,
		llm:      caller,
		pricer:   pricer,
		defaults: defaults,
		log:      log,
		runs:     progress.NewRegistry[uint](),
		baseCtx:  baseCtx,
	}
}

// Start 校验配置并写入一条 running 状态的 run，立即返回 id；provider 错误只会体现在 run 状态和事件里
func (o *RunOrchestrator) Start(ctx context.Context, cfg RunConfig) (uint, error) {
	cfg, err := normalize(cfg, o.defaults, o.llm)
	if err != nil {
		return 0, err
	}

	run := cfg.newRun(model.RunStatusRunning, nil)
	now := time.Now()
	run.StartedAt = &now
	if err := o.store.CreateRun(ctx, run); err != nil {
		return 0, err
	}

	runCtx, cancel := context.WithCancel(o.baseCtx)
	ch, err := o.runs.Open(run.ID, cancel)
	if err != nil {
		cancel()
		return 0, err
	}

	o.log.Info("run started",
		zap.Uint("run_id", run.ID),
		zap.String("provider", run.Provider),
		zap.String("model", run.Model),
		zap.String("type", string(run.ExperimentType)),
	)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer cancel()
		defer o.runs.Close(run.ID)
		_, _ = o.execute(runCtx, run, cfg, ch.Publish)
	}()
	return run.ID, nil
}

// ProgressChannel nil once the run is no longer in flight.
func (o *RunOrchestrator) ProgressChannel(runID uint) *progress.Channel {
	return o.runs.Get(runID)
}

func (o *RunOrchestrator) IsRunning(runID uint) bool {
	return o.runs.Has(runID)
}

// Cancel 协作式取消：放弃进行中的 provider 调用，run 行保持原状态，进度通道关闭
func (o *RunOrchestrator) Cancel(runID uint) bool {
	return o.runs.Cancel(runID)
}

// DeleteRun soft-deletes a terminal run. In-flight or non-terminal runs are refused.
func (o *RunOrchestrator) DeleteRun(ctx context.Context, runID uint) error {
	if o.IsRunning(runID) {
		return fmt.Errorf("run %d: %w", runID, ErrRunInFlight)
	}
	err := o.store.SoftDeleteRun(ctx, runID)
	if errors.Is(err, db.ErrInvalidTransition) {
		return fmt.Errorf("run %d: %w", runID, ErrRunInFlight)
	}
	return err
}

func (o *RunOrchestrator) GetRun(ctx context.Context, runID uint) (*model.ExperimentRun, error) {
	return o.store.GetRun(ctx, runID)
}

// Wait blocks until every background run (and batch) has returned.
func (o *RunOrchestrator) Wait() {
	o.wg.Wait()
}

type runResult struct {
	TokensIn    int
	TokensOut   int
	Cost        float64
	EntriesUsed int
}

func (r *runResult) TokensUsed() int {
	return r.TokensIn + r.TokensOut
}

// execute 执行实验直到终态；任何错误（含 panic）都转成 Failed + error 事件，取消则保持原状态
func (o *RunOrchestrator) execute(ctx context.Context, run *model.ExperimentRun, cfg RunConfig, emit emitter) (res *runResult, err error) {
	t := &trial{o: o, run: run, cfg: cfg, emit: emit}

	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = fmt.Errorf("panic: %v", r)
			o.log.Error("run panicked", zap.Uint("run_id", run.ID), zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			o.markFailed(t, err)
		}
	}()

	res, err = t.perform(ctx)
	if err == nil {
		err = o.store.CompleteRun(ctx, run.ID, res.TokensUsed(), res.Cost, res.EntriesUsed)
	}
	if err != nil {
		if ctx.Err() != nil {
			o.log.Warn("run cancelled", zap.Uint("run_id", run.ID), zap.Error(err))
			t.event(progress.TypeProgress, "run cancelled", nil)
			return nil, fmt.Errorf("run %d cancelled: %w", run.ID, ctx.Err())
		}
		o.markFailed(t, err)
		return nil, err
	}

	o.log.Info("run completed",
		zap.Uint("run_id", run.ID),
		zap.Int("tokens_used", res.TokensUsed()),
		zap.Float64("estimated_cost", res.Cost),
	)
	t.event(progress.TypeComplete, "run completed", map[string]interface{}{
		"tokens_used":    res.TokensUsed(),
		"estimated_cost": res.Cost,
		"entries_used":   res.EntriesUsed,
	})
	return res, nil
}

func (o *RunOrchestrator) markFailed(t *trial, cause error) {
	o.log.Error("run failed", zap.Uint("run_id", t.run.ID), zap.String("provider", t.run.Provider), zap.Error(cause))
	// 失败状态必须落库，即使 run ctx 已经被取消
	if err := o.store.FailRun(context.WithoutCancel(o.baseCtx), t.run.ID, cause.Error()); err != nil {
		o.log.Error("mark run failed", zap.Uint("run_id", t.run.ID), zap.Error(err))
	}
	t.event(progress.TypeError, cause.Error(), map[string]interface{}{"error": cause.Error()})
}
