package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"context-lab/internal/model"

	"gorm.io/gorm"
)

var (
	ErrNotFound          = errors.New("record not found")
	ErrInvalidTransition = errors.New("invalid run status transition")
)

// Store 实验数据的唯一事实来源：每次读都重新查库，子表一次性 preload，不做懒加载
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

func NewStore(gdb *gorm.DB) *Store {
	return &Store{db: gdb, now: time.Now}
}

// RunFilter 列表查询条件，零值字段不参与过滤
type RunFilter struct {
	BatchID   string
	AthleteID uint
	Status    model.RunStatus
	Type      model.ExperimentType
	Limit     int
}

func (s *Store) CreateRun(ctx context.Context, run *model.ExperimentRun) error {
	if err := s.db.WithContext(ctx).Omit("Claims", "PositionTests").Create(run).Error; err != nil {
		return fmt.Errorf("创建实验run失败: %w", err)
	}
	return nil
}

// MarkRunning pending -> running
func (s *Store) MarkRunning(ctx context.Context, id uint) error {
	return s.transition(ctx, id, []model.RunStatus{model.RunStatusPending}, map[string]interface{}{
		"status":     model.RunStatusRunning,
		"started_at": s.now(),
	})
}

// CompleteRun running -> completed，token/cost 在此刻定稿
func (s *Store) CompleteRun(ctx context.Context, id uint, tokensUsed int, cost float64, entriesUsed int) error {
	return s.transition(ctx, id, []model.RunStatus{model.RunStatusRunning}, map[string]interface{}{
		"status":         model.RunStatusCompleted,
		"completed_at":   s.now(),
		"tokens_used":    tokensUsed,
		"estimated_cost": cost,
		"entries_used":   entriesUsed,
		"error_message":  "",
	})
}

// FailRun pending|running -> failed
func (s *Store) FailRun(ctx context.Context, id uint, reason string) error {
	if len(reason) > 2000 {
		reason = reason[:2000]
	}
	return s.transition(ctx, id, []model.RunStatus{model.RunStatusPending, model.RunStatusRunning}, map[string]interface{}{
		"status":        model.RunStatusFailed,
		"completed_at":  s.now(),
		"error_message": reason,
	})
}

// transition 条件更新：只有当前状态在 from 中才写入，保证状态不可回退、completed_at 只写一次
func (s *Store) transition(ctx context.Context, id uint, from []model.RunStatus, updates map[string]interface{}) error {
	res := s.db.WithContext(ctx).
		Model(&model.ExperimentRun{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("更新run状态失败: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		if err := s.exists(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("run %d -> %v: %w", id, updates["status"], ErrInvalidTransition)
	}
	return nil
}

func (s *Store) exists(ctx context.Context, id uint) error {
	var run model.ExperimentRun
	err := s.db.WithContext(ctx).Select("id").First(&run, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("run %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("查询run失败: %w", err)
	}
	return nil
}

func (s *Store) withChildren(ctx context.Context) *gorm.DB {
	byID := func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }
	return s.db.WithContext(ctx).
		Preload("Claims", byID).
		Preload("Claims.Receipts", byID).
		Preload("PositionTests", byID)
}

func (s *Store) GetRun(ctx context.Context, id uint) (*model.ExperimentRun, error) {
	var run model.ExperimentRun
	err := s.withChildren(ctx).First(&run, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("run %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("查询run失败: %w", err)
	}
	return &run, nil
}

func (s *Store) ListRuns(ctx context.Context, f RunFilter) ([]model.ExperimentRun, error) {
	q := s.withChildren(ctx).Model(&model.ExperimentRun{})
	if f.BatchID != "" {
		q = q.Where("batch_id = ?", f.BatchID)
	}
	if f.AthleteID > 0 {
		q = q.Where("athlete_id = ?", f.AthleteID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Type != "" {
		q = q.Where("experiment_type = ?", f.Type)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var runs []model.ExperimentRun
	if err := q.Order("id DESC").Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("查询run列表失败: %w", err)
	}
	return runs, nil
}

// RunsByBatch 批次下所有未删除的 run（按创建顺序）
func (s *Store) RunsByBatch(ctx context.Context, batchID string) ([]model.ExperimentRun, error) {
	var runs []model.ExperimentRun
	if err := s.withChildren(ctx).Where("batch_id = ?", batchID).Order("id ASC").Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("查询批次失败: %w", err)
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("batch %s: %w", batchID, ErrNotFound)
	}
	return runs, nil
}

// SaveClaims 每条 claim（连同 receipt）一个事务；写入后回填 ID
func (s *Store) SaveClaims(ctx context.Context, claims []model.ExperimentClaim) error {
	for i := range claims {
		claim := &claims[i]
		receipts := claim.Receipts
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Omit("Receipts").Create(claim).Error; err != nil {
				return err
			}
			for j := range receipts {
				receipts[j].ClaimID = claim.ID
				if err := tx.Create(&receipts[j]).Error; err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("保存claim失败: %w", err)
		}
		claim.Receipts = receipts
	}
	return nil
}

func (s *Store) SavePositionTest(ctx context.Context, pt *model.PositionTest) error {
	if err := s.db.WithContext(ctx).Create(pt).Error; err != nil {
		return fmt.Errorf("保存position test失败: %w", err)
	}
	return nil
}

func (s *Store) SavePromptLog(ctx context.Context, pl *model.PromptLog) error {
	if err := s.db.WithContext(ctx).Create(pl).Error; err != nil {
		return fmt.Errorf("保存prompt log失败: %w", err)
	}
	return nil
}

func (s *Store) PromptLogs(ctx context.Context, runID uint) ([]model.PromptLog, error) {
	var logs []model.PromptLog
	if err := s.db.WithContext(ctx).Where("run_id = ?", runID).Order("id ASC").Find(&logs).Error; err != nil {
		return nil, fmt.Errorf("查询prompt log失败: %w", err)
	}
	return logs, nil
}

// SoftDeleteRun 只允许删除终态 run；物理数据保留
func (s *Store) SoftDeleteRun(ctx context.Context, id uint) error {
	res := s.db.WithContext(ctx).
		Where("id = ? AND status IN ?", id, []model.RunStatus{model.RunStatusCompleted, model.RunStatusFailed}).
		Delete(&model.ExperimentRun{})
	if res.Error != nil {
		return fmt.Errorf("删除run失败: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		if err := s.exists(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("run %d is not terminal: %w", id, ErrInvalidTransition)
	}
	return nil
}
