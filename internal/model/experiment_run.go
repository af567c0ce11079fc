package model

import (
	"time"

	"gorm.io/gorm"
)

// ExperimentType 实验类型
type ExperimentType string

const (
	ExperimentPosition    ExperimentType = "position"
	ExperimentPersona     ExperimentType = "persona"
	ExperimentCompression ExperimentType = "compression"
)

func (t ExperimentType) Valid() bool {
	switch t {
	case ExperimentPosition, ExperimentPersona, ExperimentCompression:
		return true
	}
	return false
}

// RunStatus 状态只允许 pending -> running -> completed|failed
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Terminal reports whether the status is absorbing.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// ExperimentRun 一次实验（单个 provider/model 上的一次 trial）
type ExperimentRun struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	// runs started together share a batch id
	BatchID *string `gorm:"type:varchar(64);index" json:"batch_id,omitempty"`

	Provider       string         `gorm:"type:varchar(64);not null;index" json:"provider"`
	Model          string         `gorm:"type:varchar(128);not null" json:"model"`
	Temperature    float64        `json:"temperature"`
	PromptVersion  string         `gorm:"type:varchar(20)" json:"prompt_version"`
	AthleteID      uint           `gorm:"not null;index" json:"athlete_id"`
	Persona        string         `gorm:"type:varchar(32)" json:"persona"`
	ExperimentType ExperimentType `gorm:"type:varchar(20);not null;index" json:"experiment_type"`
	EntryOrder     string         `gorm:"type:varchar(32)" json:"entry_order"`

	Status        RunStatus  `gorm:"type:varchar(20);not null;index" json:"status"`
	StartedAt     *time.Time `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at"`
	TokensUsed    int        `json:"tokens_used"`
	EstimatedCost float64    `gorm:"type:decimal(12,6)" json:"estimated_cost"`
	EntriesUsed   int        `json:"entries_used"`
	ErrorMessage  string     `gorm:"type:text" json:"error_message,omitempty"`

	Claims        []ExperimentClaim `gorm:"foreignKey:RunID" json:"claims"`
	PositionTests []PositionTest    `gorm:"foreignKey:RunID" json:"position_tests"`
}

func (r *ExperimentRun) IsDeleted() bool {
	return r.DeletedAt.Valid
}

// ProviderKey "{provider}/{model}", the key used by batch comparisons.
func (r *ExperimentRun) ProviderKey() string {
	return r.Provider + "/" + r.Model
}

// Duration 从开始到终态的墙钟耗时；两者未齐时 ok=false
func (r *ExperimentRun) Duration() (time.Duration, bool) {
	if r.StartedAt == nil || r.CompletedAt == nil {
		return 0, false
	}
	return r.CompletedAt.Sub(*r.StartedAt), true
}
