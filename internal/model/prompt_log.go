package model

import (
	"time"
)

// PromptLog 记录每一次 LLM 子调用的 system/user prompt 与输出（可解释性 / 复现用）
type PromptLog struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	RunID uint `gorm:"not null;index" json:"run_id"`
	// e.g. position:middle, persona:lasso, compression:recent
	Stage    string `gorm:"type:varchar(64);not null" json:"stage"`
	Provider string `gorm:"type:varchar(64)" json:"provider"`
	Model    string `gorm:"type:varchar(128)" json:"model"`

	SystemPrompt string `gorm:"type:longtext" json:"system_prompt"`
	UserPrompt   string `gorm:"type:longtext" json:"user_prompt"`
	Output       string `gorm:"type:longtext" json:"output"`

	TokensIn  int   `json:"tokens_in"`
	TokensOut int   `json:"tokens_out"`
	LatencyMS int64 `json:"latency_ms"`
}
