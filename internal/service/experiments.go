package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"context-lab/internal/llm"
	"context-lab/internal/model"
	"context-lab/internal/progress"
	"context-lab/internal/prompt"
	"context-lab/internal/verify"

	"go.uber.org/zap"
)

const (
	responseSnippetLen = 500
	// compression 无法区分输入/输出时按 60/40 估算成本
	compressionInputShare = 0.6
)

// trial 一次 run 执行期间的状态：journal、累计 token、事件出口
type trial struct {
	o    *RunOrchestrator
	run  *model.ExperimentRun
	cfg  RunConfig
	emit emitter

	// chrono 按日期升序（已截断到 MaxEntries）；entries 为按 entry_order 排好的上下文
	chrono  []model.JournalEntry
	entries []model.JournalEntry

	tokensIn  int
	tokensOut int
}

func (t *trial) event(eventType, message string, data map[string]interface{}) {
	if data == nil {
		data = map[string]interface{}{}
	}
	data["run_id"] = t.run.ID
	data["provider"] = t.run.Provider
	data["model"] = t.run.Model
	t.emit(progress.NewEvent(eventType, message, data))
}

func (t *trial) perform(ctx context.Context) (*runResult, error) {
	all, err := t.o.store.EntriesFor(ctx, t.cfg.AthleteID)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("athlete %d has no journal entries", t.cfg.AthleteID)
	}
	t.chrono = prompt.Limit(all, t.cfg.MaxEntries)
	if t.entries, err = prompt.Order(t.chrono, t.cfg.EntryOrder); err != nil {
		return nil, err
	}
	t.event(progress.TypeProgress, fmt.Sprintf("loaded %d journal entries", len(t.entries)), map[string]interface{}{
		"entries": len(t.entries),
	})

	switch t.cfg.ExperimentType {
	case model.ExperimentPosition:
		err = t.runPosition(ctx)
	case model.ExperimentCompression:
		err = t.runCompression(ctx)
	case model.ExperimentPersona:
		err = t.runPersona(ctx)
	default:
		err = fmt.Errorf("unknown experiment type %q", t.cfg.ExperimentType)
	}
	if err != nil {
		return nil, err
	}

	res := &runResult{TokensIn: t.tokensIn, TokensOut: t.tokensOut, EntriesUsed: len(t.entries)}
	if t.cfg.ExperimentType == model.ExperimentCompression {
		total := res.TokensUsed()
		in := int(float64(total) * compressionInputShare)
		res.Cost = t.o.pricer.Cost(t.run.Provider, t.run.Model, in, total-in)
	} else {
		res.Cost = t.o.pricer.Cost(t.run.Provider, t.run.Model, t.tokensIn, t.tokensOut)
	}
	return res, nil
}

// generate 一次 LLM 子调用：累计 token，并尽力写 prompt log（失败只记日志）
func (t *trial) generate(ctx context.Context, stage, system, user string) (*llm.Response, error) {
	resp, err := t.o.llm.Generate(ctx, llm.Request{
		SystemPrompt: system,
		UserPrompt:   user,
		Provider:     t.run.Provider,
		Model:        t.run.Model,
		Temperature:  t.run.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", stage, err)
	}
	tokensIn, tokensOut := resp.TokensIn, resp.TokensOut
	if tokensIn == 0 {
		tokensIn = llm.EstimateTokens(system) + llm.EstimateTokens(user)
	}
	if tokensOut == 0 {
		tokensOut = llm.EstimateTokens(resp.Text)
	}
	t.tokensIn += tokensIn
	t.tokensOut += tokensOut

	pl := &model.PromptLog{
		RunID:        t.run.ID,
		Stage:        stage,
		Provider:     t.run.Provider,
		Model:        t.run.Model,
		SystemPrompt: system,
		UserPrompt:   user,
		Output:       resp.Text,
		TokensIn:     tokensIn,
		TokensOut:    tokensOut,
		LatencyMS:    resp.Latency.Milliseconds(),
	}
	if err := t.o.store.SavePromptLog(ctx, pl); err != nil {
		t.o.log.Warn("save prompt log", zap.Uint("run_id", t.run.ID), zap.String("stage", stage), zap.Error(err))
	}
	return resp, nil
}

// runPosition "lost in the middle" 探针：needle 分别插在开头 / 中间 / 末尾
func (t *trial) runPosition(ctx context.Context) error {
	system, err := prompt.SystemPrompt(t.cfg.Persona, t.cfg.PromptVersion)
	if err != nil {
		return err
	}
	fact := strings.TrimSpace(t.cfg.NeedleFact)

	for i, pos := range model.Positions {
		needle := prompt.NeedleEntry(fact, needleDate(t.entries, pos))
		withNeedle := prompt.InsertAt(t.entries, needle, pos)

		resp, err := t.generate(ctx, "position:"+string(pos), system, prompt.UserPrompt(prompt.FormatEntries(withNeedle)))
		if err != nil {
			return err
		}

		pt := &model.PositionTest{
			RunID:           t.run.ID,
			Position:        pos,
			NeedleFact:      fact,
			FactRetrieved:   FactRetrieved(resp.Text, fact),
			ResponseSnippet: truncateRunes(resp.Text, responseSnippetLen),
		}
		if err := t.o.store.SavePositionTest(ctx, pt); err != nil {
			return err
		}
		t.event(progress.TypePosition, fmt.Sprintf("position %s: retrieved=%v", pos, pt.FactRetrieved), map[string]interface{}{
			"position":       pos,
			"index":          prompt.InsertIndex(len(t.entries), pos),
			"fact_retrieved": pt.FactRetrieved,
			"step":           i + 1,
			"total":          len(model.Positions),
		})
	}
	return nil
}

// needleDate 取插入位置相邻日志的日期，避免 needle 在时间线上显得突兀
func needleDate(entries []model.JournalEntry, pos model.Position) time.Time {
	if len(entries) == 0 {
		return time.Now()
	}
	idx := prompt.InsertIndex(len(entries), pos)
	if idx >= len(entries) {
		idx = len(entries) - 1
	}
	return entries[idx].EntryDate
}

// FactRetrieved verbatim (case-insensitive) match, or at least half (rounded up) of the
// fact's content words (longer than 3 chars, not stop-words) present in the output.
func FactRetrieved(output, fact string) bool {
	fact = strings.TrimSpace(fact)
	if fact == "" {
		return false
	}
	if strings.Contains(strings.ToLower(output), strings.ToLower(fact)) {
		return true
	}
	terms := verify.KeyTerms(fact, 4)
	if len(terms) == 0 {
		return false
	}
	words := make(map[string]bool)
	for _, w := range verify.Words(output) {
		words[strings.Trim(w, "'")] = true
	}
	found := 0
	for _, term := range terms {
		if words[term] {
			found++
		}
	}
	return found >= (len(terms)+1)/2
}

type compressionVariant struct {
	name    string
	journal string
	entries int
}

// runCompression 三种上下文：完整原文 / 每篇压成一行 / 只保留最近 7 篇原文；不做 claim 抽取
func (t *trial) runCompression(ctx context.Context) error {
	system, err := prompt.SystemPrompt(t.cfg.Persona, t.cfg.PromptVersion)
	if err != nil {
		return err
	}
	recent, err := prompt.Order(prompt.Limit(t.chrono, prompt.RecentWindow), t.cfg.EntryOrder)
	if err != nil {
		return err
	}
	variants := []compressionVariant{
		{name: "full", journal: prompt.FormatEntries(t.entries), entries: len(t.entries)},
		{name: "compressed", journal: prompt.CompressEntries(t.entries), entries: len(t.entries)},
		{name: "recent", journal: prompt.FormatEntries(recent), entries: len(recent)},
	}

	for i, v := range variants {
		before := t.tokensIn + t.tokensOut
		resp, err := t.generate(ctx, "compression:"+v.name, system, prompt.UserPrompt(v.journal))
		if err != nil {
			return err
		}
		t.event(progress.TypeCompression, fmt.Sprintf("variant %s done", v.name), map[string]interface{}{
			"variant":    v.name,
			"entries":    v.entries,
			"chars":      len(v.journal),
			"tokens":     t.tokensIn + t.tokensOut - before,
			"latency_ms": resp.Latency.Milliseconds(),
			"preview":    truncateRunes(resp.Text, 200),
			"step":       i + 1,
			"total":      len(variants),
		})
	}
	return nil
}

// runPersona 两个固定人格各生成一份周总结，抽取论断并对照日志核验后落库
func (t *trial) runPersona(ctx context.Context) error {
	for i, persona := range prompt.Personas {
		system, err := prompt.SystemPrompt(persona, t.cfg.PromptVersion)
		if err != nil {
			return err
		}
		resp, err := t.generate(ctx, "persona:"+persona, system, prompt.UserPrompt(prompt.FormatEntries(t.entries)))
		if err != nil {
			return err
		}

		claims := verify.ExtractAndVerify(resp.Text, t.entries)
		rows := toClaimRows(t.run.ID, persona, claims)
		if err := t.o.store.SaveClaims(ctx, rows); err != nil {
			return err
		}

		supported := 0
		for _, c := range claims {
			if c.IsSupported {
				supported++
			}
		}
		t.event(progress.TypeClaim, fmt.Sprintf("%s: %d claims, %d supported", persona, len(claims), supported), map[string]interface{}{
			"persona":   persona,
			"claims":    len(claims),
			"supported": supported,
			"step":      i + 1,
			"total":     len(prompt.Personas),
		})
	}
	return nil
}

func toClaimRows(runID uint, persona string, claims []verify.Claim) []model.ExperimentClaim {
	rows := make([]model.ExperimentClaim, 0, len(claims))
	for _, c := range claims {
		row := model.ExperimentClaim{
			RunID:          runID,
			ClaimText:      c.Text,
			ClaimType:      c.Type,
			Persona:        persona,
			IsSupported:    c.IsSupported,
			Confidence:     c.Confidence,
			ReferencedDate: c.ReferencedDate,
		}
		if c.Receipt != nil {
			row.Receipts = []model.ClaimReceipt{{
				JournalEntryID: c.Receipt.EntryID,
				MatchedSnippet: c.Receipt.Snippet,
				EntryDate:      c.Receipt.EntryDate,
				Confidence:     c.Receipt.Confidence,
			}}
		}
		rows = append(rows, row)
	}
	return rows
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
