package model

import "time"

type Position string

const (
	PositionStart  Position = "start"
	PositionMiddle Position = "middle"
	PositionEnd    Position = "end"
)

// Positions probe order for a position run.
var Positions = []Position{PositionStart, PositionMiddle, PositionEnd}

// PositionTest 一次 "lost in the middle" 探针结果；每个完成的 position run 恰好 3 条
type PositionTest struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	RunID           uint     `gorm:"not null;index" json:"run_id"`
	Position        Position `gorm:"type:varchar(10);not null" json:"position"`
	NeedleFact      string   `gorm:"type:varchar(500);not null" json:"needle_fact"`
	FactRetrieved   bool     `json:"fact_retrieved"`
	ResponseSnippet string   `gorm:"type:text" json:"response_snippet"`
}
