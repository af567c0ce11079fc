package handler

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"context-lab/internal/db"
	"context-lab/internal/llm"
	"context-lab/internal/model"
	"context-lab/internal/progress"
	"context-lab/internal/service"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type ExperimentHandler struct {
	store   *db.Store
	llm     *llm.Router
	runs    *service.RunOrchestrator
	batches *service.BatchOrchestrator
	log     *zap.Logger
}

func NewExperimentHandler(svc *service.ServiceContext, log *zap.Logger) *ExperimentHandler {
	return &ExperimentHandler{
		store:   svc.Store,
		llm:     svc.LLM,
		runs:    svc.Runs,
		batches: svc.Batches,
		log:     log,
	}
}

type runRequest struct {
	Provider       string               `json:"provider"`
	Model          string               `json:"model"`
	Temperature    *float64             `json:"temperature"`
	PromptVersion  string               `json:"prompt_version"`
	AthleteID      uint                 `json:"athlete_id" binding:"required"`
	Persona        string               `json:"persona"`
	ExperimentType model.ExperimentType `json:"experiment_type" binding:"required"`
	EntryOrder     string               `json:"entry_order"`
	NeedleFact     string               `json:"needle_fact"`
	MaxEntries     int                  `json:"max_entries"`
}

func (r runRequest) config() service.RunConfig {
	return service.RunConfig{
		Provider:       r.Provider,
		Model:          r.Model,
		Temperature:    r.Temperature,
		PromptVersion:  r.PromptVersion,
		AthleteID:      r.AthleteID,
		Persona:        r.Persona,
		ExperimentType: r.ExperimentType,
		EntryOrder:     r.EntryOrder,
		NeedleFact:     r.NeedleFact,
		MaxEntries:     r.MaxEntries,
	}
}

type batchRequest struct {
	runRequest
	// "provider/model" 或 "provider"（使用默认 model）
	Targets []string `json:"targets" binding:"required,min=1"`
}

// Providers 已配置的 provider 及其默认 model；不可用的（如缺少密钥）带上原因
func (h *ExperimentHandler) Providers(c *gin.Context) {
	providers := make([]gin.H, 0)
	for _, name := range h.llm.Providers() {
		p := gin.H{"name": name, "default_model": h.llm.DefaultModel(name), "available": true}
		if err := h.llm.Validate(name); err != nil {
			p["available"] = false
			p["error"] = err.Error()
		}
		providers = append(providers, p)
	}
	c.JSON(http.StatusOK, gin.H{"providers": providers})
}

// StartRun 创建 run 并立即返回 run_id，实验在后台执行
func (h *ExperimentHandler) StartRun(c *gin.Context) {
	var req runRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id, err := h.runs.Start(c.Request.Context(), req.config())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"run_id": id})
}

// ListRuns 列出 run，支持 batch_id / athlete_id / status / type / limit 过滤
func (h *ExperimentHandler) ListRuns(c *gin.Context) {
	f := db.RunFilter{
		BatchID: c.Query("batch_id"),
		Status:  model.RunStatus(c.Query("status")),
		Type:    model.ExperimentType(c.Query("type")),
	}
	if v := c.Query("athlete_id"); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "athlete_id 不合法"})
			return
		}
		f.AthleteID = uint(id)
	}
	if v := c.Query("limit"); v != "" {
		l, err := strconv.Atoi(v)
		if err != nil || l < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit 不合法"})
			return
		}
		f.Limit = l
	}

	runs, err := h.store.ListRuns(c.Request.Context(), f)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"runs":  runs,
		"total": len(runs),
	})
}

// GetRun 单个 run（含 claims / position tests），附带是否仍在执行
func (h *ExperimentHandler) GetRun(c *gin.Context) {
	id, ok := runID(c)
	if !ok {
		return
	}
	run, err := h.runs.GetRun(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"run":       run,
		"in_flight": h.runs.IsRunning(id),
	})
}

func (h *ExperimentHandler) DeleteRun(c *gin.Context) {
	id, ok := runID(c)
	if !ok {
		return
	}
	if err := h.runs.DeleteRun(c.Request.Context(), id); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "删除成功"})
}

func (h *ExperimentHandler) CancelRun(c *gin.Context) {
	id, ok := runID(c)
	if !ok {
		return
	}
	if !h.runs.Cancel(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "run 不在执行中"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "已取消"})
}

// StreamRun SSE 推送 run 事件（先回放已发生的）；run 已结束时只发一条快照
func (h *ExperimentHandler) StreamRun(c *gin.Context) {
	id, ok := runID(c)
	if !ok {
		return
	}
	if ch := h.runs.ProgressChannel(id); ch != nil {
		streamEvents(c, ch)
		return
	}
	run, err := h.runs.GetRun(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	streamSnapshot(c, gin.H{"run_id": run.ID, "status": run.Status, "run": run})
}

// RunPrompts 每次 LLM 子调用的 prompt / response 记录
func (h *ExperimentHandler) RunPrompts(c *gin.Context) {
	id, ok := runID(c)
	if !ok {
		return
	}
	if _, err := h.runs.GetRun(c.Request.Context(), id); err != nil {
		h.writeError(c, err)
		return
	}
	logs, err := h.store.PromptLogs(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"prompts": logs})
}

// StartBatch 同一实验配置并发跑多个 provider/model
func (h *ExperimentHandler) StartBatch(c *gin.Context) {
	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	targets := make([]service.Target, 0, len(req.Targets))
	for _, s := range req.Targets {
		t, err := service.ParseTarget(s)
		if err != nil {
			h.writeError(c, err)
			return
		}
		targets = append(targets, t)
	}

	handle, err := h.batches.StartBatch(c.Request.Context(), req.config(), targets)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, handle)
}

func (h *ExperimentHandler) GetBatch(c *gin.Context) {
	batchID := c.Param("id")
	summary, err := h.batches.Summary(c.Request.Context(), batchID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"summary":   summary,
		"in_flight": h.batches.IsBatchRunning(batchID),
	})
}

func (h *ExperimentHandler) StreamBatch(c *gin.Context) {
	batchID := c.Param("id")
	if ch := h.batches.BatchProgressChannel(batchID); ch != nil {
		streamEvents(c, ch)
		return
	}
	summary, err := h.batches.Summary(c.Request.Context(), batchID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	streamSnapshot(c, gin.H{"batch_id": batchID, "status": summary.Status, "summary": summary})
}

// BatchReport markdown 对比报告
func (h *ExperimentHandler) BatchReport(c *gin.Context) {
	summary, err := h.batches.Summary(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.Data(http.StatusOK, "text/markdown; charset=utf-8", []byte(service.RenderBatchMarkdown(summary)))
}

func (h *ExperimentHandler) CancelBatch(c *gin.Context) {
	if !h.batches.CancelBatch(c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "批次不在执行中"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "已取消"})
}

func (h *ExperimentHandler) DeleteBatch(c *gin.Context) {
	if err := h.batches.DeleteBatch(c.Request.Context(), c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "删除成功"})
}

func (h *ExperimentHandler) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrInvalidConfig):
		status = http.StatusBadRequest
	case errors.Is(err, db.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrRunInFlight):
		status = http.StatusConflict
	default:
		h.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func runID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "run id 不合法"})
		return 0, false
	}
	return uint(id), true
}

// streamEvents 订阅随客户端断开一起结束；通道关闭即结束响应
func streamEvents(c *gin.Context, ch *progress.Channel) {
	events := ch.Subscribe(c.Request.Context())
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Stream(func(w io.Writer) bool {
		ev, ok := <-events
		if !ok {
			return false
		}
		c.SSEvent(ev.Type, ev)
		return true
	})
}

func streamSnapshot(c *gin.Context, data gin.H) {
	c.Header("Cache-Control", "no-cache")
	c.SSEvent("snapshot", data)
	c.Writer.Flush()
}
