package db

import (
	"context"
	"fmt"

	"context-lab/internal/model"
)

// EntriesFor 运动员全部日志，按日期升序（同日按 id）
func (s *Store) EntriesFor(ctx context.Context, athleteID uint) ([]model.JournalEntry, error) {
	var entries []model.JournalEntry
	err := s.db.WithContext(ctx).
		Where("athlete_id = ?", athleteID).
		Order("entry_date ASC, id ASC").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("查询日志失败: %w", err)
	}
	return entries, nil
}

// AddEntries 仅供本地演示 / 测试灌数据；日志的增删改不属于本服务
func (s *Store) AddEntries(ctx context.Context, entries []model.JournalEntry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Create(&entries).Error; err != nil {
		return fmt.Errorf("写入日志失败: %w", err)
	}
	return nil
}
