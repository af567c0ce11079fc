package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"context-lab/internal/db"
	"context-lab/internal/model"
	"context-lab/internal/progress"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// BatchOrchestrator 同一实验并发跑 N 个 provider；子 run 复用 RunOrchestrator 的执行逻辑
type BatchOrchestrator struct {
	runs    *RunOrchestrator
	batches *progress.Registry[string]
	log     *zap.Logger
}

func NewBatchOrchestrator(runs *RunOrchestrator, log *zap.Logger) *BatchOrchestrator {
	return &BatchOrchestrator{
		runs:    runs,
		batches: progress.NewRegistry[string](),
		log:     log,
	}
}

type batchChild struct {
	run    *model.ExperimentRun
	cfg    RunConfig
	ctx    context.Context
	ch     *progress.Channel
	cancel context.CancelFunc
}

// StartBatch 先同步校验所有 target、顺序建好全部子 run（pending），再启动后台批次任务
func (b *BatchOrchestrator) StartBatch(ctx context.Context, cfg RunConfig, targets []Target) (*BatchHandle, error) {
	if len(targets) == 0 {
		return nil, invalid("at least one provider target is required")
	}

	cfgs := make([]RunConfig, 0, len(targets))
	seen := make(map[string]bool, len(targets))
	for _, t := range targets {
		c := cfg
		c.Provider, c.Model = t.Provider, t.Model
		c, err := normalize(c, b.runs.defaults, b.runs.llm)
		if err != nil {
			return nil, err
		}
		key := c.Provider + "/" + c.Model
		if seen[key] {
			return nil, invalid("duplicate target %s", key)
		}
		seen[key] = true
		cfgs = append(cfgs, c)
	}

	batchID := uuid.NewString()
	handle := &BatchHandle{BatchID: batchID, RunIDs: make([]uint, 0, len(cfgs))}
	created := make([]*model.ExperimentRun, 0, len(cfgs))
	for _, c := range cfgs {
		run := c.newRun(model.RunStatusPending, &batchID)
		if err := b.runs.store.CreateRun(ctx, run); err != nil {
			b.abandon(created, err)
			return nil, err
		}
		created = append(created, run)
		handle.RunIDs = append(handle.RunIDs, run.ID)
	}

	batchCtx, cancel := context.WithCancel(b.runs.baseCtx)
	bch, err := b.batches.Open(batchID, cancel)
	if err != nil {
		cancel()
		b.abandon(created, err)
		return nil, err
	}
	children := make([]batchChild, len(created))
	for i, run := range created {
		childCtx, childCancel := context.WithCancel(batchCtx)
		ch, err := b.runs.runs.Open(run.ID, childCancel)
		if err != nil {
			// 新建的 id 不可能已在 registry 中
			childCancel()
			b.log.Error("open run channel", zap.Uint("run_id", run.ID), zap.Error(err))
			ch = progress.NewChannel()
		}
		children[i] = batchChild{run: run, cfg: cfgs[i], ctx: childCtx, ch: ch, cancel: childCancel}
	}

	b.log.Info("batch started", zap.String("batch_id", batchID), zap.Int("providers", len(children)))

	b.runs.wg.Add(1)
	go func() {
		defer b.runs.wg.Done()
		defer cancel()
		defer b.batches.Close(batchID)
		b.runBatch(batchCtx, batchID, bch, children)
	}()
	return handle, nil
}

// abandon 建行中途失败：已建好的子 run 直接标记失败，避免永远停在 pending
func (b *BatchOrchestrator) abandon(created []*model.ExperimentRun, cause error) {
	for _, run := range created {
		if err := b.runs.store.FailRun(context.WithoutCancel(b.runs.baseCtx), run.ID, "batch creation aborted: "+cause.Error()); err != nil {
			b.log.Error("abandon batch run", zap.Uint("run_id", run.ID), zap.Error(err))
		}
	}
}

func (b *BatchOrchestrator) runBatch(ctx context.Context, batchID string, bch *progress.Channel, children []batchChild) {
	var (
		g        errgroup.Group
		mu       sync.Mutex
		finished int
	)
	total := len(children)

	for i := range children {
		child := children[i]
		g.Go(func() error {
			// 每个 provider 自己兜底：错误只影响本 run，不会让 errgroup 中断兄弟任务
			defer child.cancel()
			defer b.runs.runs.Close(child.run.ID)

			ok := b.runProvider(child, batchID, bch)

			mu.Lock()
			finished++
			n := finished
			mu.Unlock()

			bch.Publish(progress.NewEvent(progress.TypeProgress, fmt.Sprintf("%d/%d providers finished", n, total), map[string]interface{}{
				"batch_id": batchID,
				"finished": n,
				"total":    total,
				"run_id":   child.run.ID,
				"provider": child.run.Provider,
				"model":    child.run.Model,
				"ok":       ok,
			}))
			return nil
		})
	}
	_ = g.Wait()

	// 汇总总要执行，即使批次已被取消
	summary, err := b.Summary(context.WithoutCancel(ctx), batchID)
	if err != nil {
		b.log.Error("batch summary", zap.String("batch_id", batchID), zap.Error(err))
		bch.Publish(progress.NewEvent(progress.TypeBatchError, err.Error(), map[string]interface{}{
			"batch_id": batchID,
			"error":    err.Error(),
		}))
		return
	}
	b.log.Info("batch finished",
		zap.String("batch_id", batchID),
		zap.String("status", string(summary.Status)),
		zap.Int("completed", summary.Completed),
		zap.Int("failed", summary.Failed),
	)
	bch.Publish(progress.NewEvent(progress.TypeBatchComplete, fmt.Sprintf("batch %s", summary.Status), map[string]interface{}{
		"batch_id": batchID,
		"summary":  summary,
	}))
}

// runProvider 执行一个子 run；子 run 的完整事件写自己的通道，步骤事件同时转发到批次通道
func (b *BatchOrchestrator) runProvider(child batchChild, batchID string, bch *progress.Channel) bool {
	data := func(extra map[string]interface{}) map[string]interface{} {
		out := map[string]interface{}{
			"batch_id": batchID,
			"run_id":   child.run.ID,
			"provider": child.run.Provider,
			"model":    child.run.Model,
		}
		for k, v := range extra {
			out[k] = v
		}
		return out
	}

	bch.Publish(progress.NewEvent(progress.TypeProviderStarted, child.run.ProviderKey()+" started", data(nil)))

	emit := func(ev progress.Event) {
		child.ch.Publish(ev)
		if !ev.Terminal() {
			bch.Publish(ev)
		}
	}

	var (
		res *runResult
		err = b.runs.store.MarkRunning(child.ctx, child.run.ID)
	)
	if err == nil {
		res, err = b.runs.execute(child.ctx, child.run, child.cfg, emit)
	} else {
		t := &trial{o: b.runs, run: child.run, cfg: child.cfg, emit: emit}
		if child.ctx.Err() == nil {
			b.runs.markFailed(t, err)
		}
	}

	if err != nil {
		msg := err.Error()
		if errors.Is(err, context.Canceled) || child.ctx.Err() != nil {
			msg = "cancelled"
		}
		bch.Publish(progress.NewEvent(progress.TypeProviderError, child.run.ProviderKey()+": "+msg, data(map[string]interface{}{
			"error": msg,
		})))
		return false
	}
	bch.Publish(progress.NewEvent(progress.TypeProviderComplete, child.run.ProviderKey()+" completed", data(map[string]interface{}{
		"tokens_used":    res.TokensUsed(),
		"estimated_cost": res.Cost,
		"entries_used":   res.EntriesUsed,
	})))
	return true
}

func (b *BatchOrchestrator) BatchProgressChannel(batchID string) *progress.Channel {
	return b.batches.Get(batchID)
}

func (b *BatchOrchestrator) IsBatchRunning(batchID string) bool {
	return b.batches.Has(batchID)
}

// CancelBatch cancels every child of an in-flight batch; false if not in flight.
func (b *BatchOrchestrator) CancelBatch(batchID string) bool {
	return b.batches.Cancel(batchID)
}

func (b *BatchOrchestrator) Summary(ctx context.Context, batchID string) (*BatchSummary, error) {
	runs, err := b.runs.store.RunsByBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	return BuildSummary(batchID, runs), nil
}

// DeleteBatch 软删除批次下全部 run；批次在跑或任一 run 未到终态时拒绝
func (b *BatchOrchestrator) DeleteBatch(ctx context.Context, batchID string) error {
	if b.IsBatchRunning(batchID) {
		return fmt.Errorf("batch %s: %w", batchID, ErrRunInFlight)
	}
	runs, err := b.runs.store.RunsByBatch(ctx, batchID)
	if err != nil {
		return err
	}
	for _, r := range runs {
		if !r.Status.Terminal() || b.runs.IsRunning(r.ID) {
			return fmt.Errorf("batch %s run %d: %w", batchID, r.ID, ErrRunInFlight)
		}
	}
	for _, r := range runs {
		if err := b.runs.store.SoftDeleteRun(ctx, r.ID); err != nil && !errors.Is(err, db.ErrNotFound) {
			return err
		}
	}
	return nil
}
