package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"context-lab/internal/config"
	"context-lab/internal/llm"
	"context-lab/internal/model"
	"context-lab/internal/prompt"
)

var (
	// ErrInvalidConfig 配置错误：在创建任何 run 之前同步返回
	ErrInvalidConfig = errors.New("invalid experiment config")
	// ErrRunInFlight run（或批次）仍在执行 / 未到终态，不能删除
	ErrRunInFlight = errors.New("run is still in flight")
)

// LLM the provider call capability the orchestrators depend on. *llm.Router implements it.
type LLM interface {
	Generate(ctx context.Context, req llm.Request) (*llm.Response, error)
	Validate(provider string) error
	DefaultModel(provider string) string
}

type Pricer interface {
	Cost(provider, model string, tokensIn, tokensOut int) float64
}

// RunConfig 一次实验的配置；零值字段取 experiment 默认配置
type RunConfig struct {
	Provider       string               `json:"provider"`
	Model          string               `json:"model"`
	Temperature    *float64             `json:"temperature,omitempty"`
	PromptVersion  string               `json:"prompt_version"`
	AthleteID      uint                 `json:"athlete_id"`
	Persona        string               `json:"persona"`
	ExperimentType model.ExperimentType `json:"experiment_type"`
	EntryOrder     string               `json:"entry_order"`
	NeedleFact     string               `json:"needle_fact"`
	MaxEntries     int                  `json:"max_entries"`
}

// Target one provider/model pair of a batch.
type Target struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

func (t Target) Key() string {
	return t.Provider + "/" + t.Model
}

// ParseTarget "provider/model" or just "provider" (default model).
func ParseTarget(s string) (Target, error) {
	provider, m, _ := strings.Cut(strings.TrimSpace(s), "/")
	if provider == "" {
		return Target{}, invalid("target %q has no provider", s)
	}
	return Target{Provider: provider, Model: m}, nil
}

type BatchHandle struct {
	BatchID string `json:"batch_id"`
	RunIDs  []uint `json:"run_ids"`
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// normalize 填默认值并校验；provider 不可用（未配置 / 缺密钥）同样算配置错误
func normalize(cfg RunConfig, defaults config.ExperimentConfig, caller LLM) (RunConfig, error) {
	cfg.Provider = strings.TrimSpace(cfg.Provider)
	cfg.Model = strings.TrimSpace(cfg.Model)
	if cfg.PromptVersion == "" {
		cfg.PromptVersion = defaults.PromptVersion
	}
	if cfg.Persona == "" {
		cfg.Persona = defaults.Persona
	}
	if cfg.EntryOrder == "" {
		cfg.EntryOrder = defaults.EntryOrder
	}
	if cfg.NeedleFact == "" {
		cfg.NeedleFact = defaults.NeedleFact
	}
	if cfg.MaxEntries == 0 {
		cfg.MaxEntries = defaults.MaxEntries
	}
	if cfg.Temperature == nil {
		t := defaults.Temperature
		cfg.Temperature = &t
	}

	if !cfg.ExperimentType.Valid() {
		return cfg, invalid("unknown experiment type %q", cfg.ExperimentType)
	}
	if cfg.AthleteID == 0 {
		return cfg, invalid("athlete_id is required")
	}
	if !prompt.ValidPersona(cfg.Persona) {
		return cfg, invalid("unknown persona %q", cfg.Persona)
	}
	if !prompt.ValidVersion(cfg.PromptVersion) {
		return cfg, invalid("unknown prompt version %q", cfg.PromptVersion)
	}
	if !prompt.ValidOrder(cfg.EntryOrder) {
		return cfg, invalid("unknown entry order %q", cfg.EntryOrder)
	}
	if cfg.ExperimentType == model.ExperimentPosition && strings.TrimSpace(cfg.NeedleFact) == "" {
		return cfg, invalid("needle_fact is required for position runs")
	}
	if cfg.MaxEntries < 0 {
		return cfg, invalid("max_entries must be >= 0")
	}
	if *cfg.Temperature < 0 || *cfg.Temperature > 2 {
		return cfg, invalid("temperature %.2f out of range [0,2]", *cfg.Temperature)
	}
	if cfg.Provider == "" {
		return cfg, invalid("provider is required")
	}
	if err := caller.Validate(cfg.Provider); err != nil {
		return cfg, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if cfg.Model == "" {
		cfg.Model = caller.DefaultModel(cfg.Provider)
	}
	if cfg.Model == "" {
		return cfg, invalid("provider %s has no default model, model is required", cfg.Provider)
	}
	return cfg, nil
}

func (cfg RunConfig) newRun(status model.RunStatus, batchID *string) *model.ExperimentRun {
	return &model.ExperimentRun{
		BatchID:        batchID,
		Provider:       cfg.Provider,
		Model:          cfg.Model,
		Temperature:    *cfg.Temperature,
		PromptVersion:  cfg.PromptVersion,
		AthleteID:      cfg.AthleteID,
		Persona:        cfg.Persona,
		ExperimentType: cfg.ExperimentType,
		EntryOrder:     cfg.EntryOrder,
		Status:         status,
	}
}
