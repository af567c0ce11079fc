package service

import (
	"fmt"
	"sort"
	"strings"

	"context-lab/internal/model"
)

// RenderBatchMarkdown 批次对比报告（CLI 输出和 /batches/:id/report 共用）
func RenderBatchMarkdown(s *BatchSummary) string {
	var b strings.Builder
	b.WriteString("# 批次实验报告\n\n")
	b.WriteString(fmt.Sprintf("- batch_id: %s\n", s.BatchID))
	b.WriteString(fmt.Sprintf("- experiment_type: %s\n", s.ExperimentType))
	b.WriteString(fmt.Sprintf("- status: %s\n", s.Status))
	b.WriteString(fmt.Sprintf("- runs: %d (completed %d, failed %d, in flight %d)\n\n", s.Total, s.Completed, s.Failed, s.InFlight))

	b.WriteString("## 成本 / 耗时\n\n")
	b.WriteString("| provider/model | run | status | tokens | cost ($) | duration (s) |\n")
	b.WriteString("| --- | ---: | --- | ---: | ---: | ---: |\n")
	for _, r := range s.Runs {
		b.WriteString(fmt.Sprintf("| %s | %d | %s | %d | %.6f | %.1f |\n",
			r.Key, r.RunID, r.Status, r.Tokens, r.Cost, float64(r.DurationMS)/1000))
	}
	b.WriteString("\n")
	if s.Cheapest != "" {
		b.WriteString(fmt.Sprintf("- cheapest: %s\n", s.Cheapest))
	}
	if s.Fastest != "" {
		b.WriteString(fmt.Sprintf("- fastest: %s\n", s.Fastest))
	}
	b.WriteString("\n")

	if s.Positions != nil {
		writePositions(&b, s.Positions)
	}
	if s.Claims != nil {
		writeClaims(&b, s.Claims)
	}

	var failed []ProviderCost
	for _, r := range s.Runs {
		if r.Status == model.RunStatusFailed {
			failed = append(failed, r)
		}
	}
	if len(failed) > 0 {
		b.WriteString("## 执行错误\n\n")
		for _, r := range failed {
			b.WriteString(fmt.Sprintf("- %s (run %d): %s\n", r.Key, r.RunID, oneLine(r.Error, 300)))
		}
	}
	return b.String()
}

func writePositions(b *strings.Builder, pc *PositionComparison) {
	b.WriteString("## Needle 位置检索\n\n")
	b.WriteString("| provider/model | start | middle | end |\n")
	b.WriteString("| --- | :---: | :---: | :---: |\n")
	for _, key := range sortedKeys(pc.ByProvider) {
		byPos := pc.ByProvider[key]
		b.WriteString(fmt.Sprintf("| %s | %s | %s | %s |\n", key,
			mark(byPos, model.PositionStart), mark(byPos, model.PositionMiddle), mark(byPos, model.PositionEnd)))
	}
	b.WriteString("\n| position | found/N | rate | CI95 |\n")
	b.WriteString("| --- | ---: | ---: | --- |\n")
	for _, pos := range model.Positions {
		p := pc.Rates[pos]
		b.WriteString(fmt.Sprintf("| %s | %d/%d | %.3f | [%.3f, %.3f] |\n", pos, p.K, p.N, p.Rate, p.CI95Low, p.CI95High))
	}
	b.WriteString("\n")
}

func writeClaims(b *strings.Builder, cc *ClaimComparison) {
	b.WriteString("## 论断核验\n\n")
	b.WriteString("| persona | supported/N | rate | CI95 |\n")
	b.WriteString("| --- | ---: | ---: | --- |\n")
	for _, persona := range sortedKeys(cc.ByPersona) {
		p := cc.Support[persona]
		b.WriteString(fmt.Sprintf("| %s | %d/%d | %.3f | [%.3f, %.3f] |\n", persona, p.K, p.N, p.Rate, p.CI95Low, p.CI95High))
	}
	b.WriteString("\n")
	if cc.Test != nil {
		b.WriteString(fmt.Sprintf("- %s vs %s: z=%.3f, p=%.4f\n\n", cc.Test.A, cc.Test.B, cc.Test.Z, cc.Test.PValue))
	}

	for _, persona := range sortedKeys(cc.ByPersona) {
		b.WriteString(fmt.Sprintf("### %s\n\n", persona))
		for _, c := range cc.ByPersona[persona] {
			verdict := "unsupported"
			if c.IsSupported {
				verdict = fmt.Sprintf("supported %.2f", c.Confidence)
			}
			b.WriteString(fmt.Sprintf("- [%s] %s => %s (%s)\n", c.ClaimType, oneLine(c.ClaimText, 200), verdict, c.ProviderKey))
			for _, r := range c.Receipts {
				b.WriteString(fmt.Sprintf("  - %s: \"%s\"\n", r.EntryDate.Format("2006-01-02"), oneLine(r.MatchedSnippet, 120)))
			}
		}
		b.WriteString("\n")
	}
}

func mark(byPos map[model.Position]bool, pos model.Position) string {
	found, ok := byPos[pos]
	switch {
	case !ok:
		return "-"
	case found:
		return "✓"
	}
	return "✗"
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	return truncateRunes(s, n)
}
