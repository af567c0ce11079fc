package service

import (
	"context"

	"context-lab/internal/config"
	"context-lab/internal/db"
	"context-lab/internal/llm"
	"context-lab/internal/pricing"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceContext struct {
	Store   *db.Store
	LLM     *llm.Router
	Runs    *RunOrchestrator
	Batches *BatchOrchestrator
}

// NewServiceContext baseCtx bounds every background run; cancel it to stop them on shutdown.
func NewServiceContext(baseCtx context.Context, cfg *config.Config, gdb *gorm.DB, log *zap.Logger) *ServiceContext {
	store := db.NewStore(gdb)
	router := llm.NewRouter(baseCtx, cfg.LLM, log)
	runs := NewRunOrchestrator(baseCtx, store, router, pricing.NewTable(cfg.Pricing), cfg.Experiment, log)

	return &ServiceContext{
		Store:   store,
		LLM:     router,
		Runs:    runs,
		Batches: NewBatchOrchestrator(runs, log),
	}
}
