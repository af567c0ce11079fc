package service

import (
	"sort"

	"context-lab/internal/model"
)

type BatchState string

const (
	BatchCompleted BatchState = "completed"
	BatchFailed    BatchState = "failed"
	BatchPartial   BatchState = "partial"
	BatchRunning   BatchState = "running"
)

// BatchStatus 纯函数：全部 completed -> completed；全部 failed -> failed；
// 全部终态但混合 -> partial；存在非终态 -> running
func BatchStatus(statuses []model.RunStatus) BatchState {
	if len(statuses) == 0 {
		return BatchRunning
	}
	completed, failed := 0, 0
	for _, s := range statuses {
		switch s {
		case model.RunStatusCompleted:
			completed++
		case model.RunStatusFailed:
			failed++
		default:
			return BatchRunning
		}
	}
	switch {
	case completed == len(statuses):
		return BatchCompleted
	case failed == len(statuses):
		return BatchFailed
	}
	return BatchPartial
}

// BatchSummary 跨 provider 对比；每次都从库里的 run 重新计算，可随时复现
type BatchSummary struct {
	BatchID        string               `json:"batch_id"`
	Status         BatchState           `json:"status"`
	ExperimentType model.ExperimentType `json:"experiment_type"`
	Total          int                  `json:"total"`
	Completed      int                  `json:"completed"`
	Failed         int                  `json:"failed"`
	InFlight       int                  `json:"in_flight"`

	Runs     []ProviderCost `json:"runs"`
	Cheapest string         `json:"cheapest,omitempty"`
	Fastest  string         `json:"fastest,omitempty"`

	Positions *PositionComparison `json:"positions,omitempty"`
	Claims    *ClaimComparison    `json:"claims,omitempty"`
}

type ProviderCost struct {
	RunID      uint            `json:"run_id"`
	Key        string          `json:"key"`
	Provider   string          `json:"provider"`
	Model      string          `json:"model"`
	Status     model.RunStatus `json:"status"`
	Cost       float64         `json:"cost"`
	Tokens     int             `json:"tokens"`
	DurationMS int64           `json:"duration_ms"`
	Error      string          `json:"error,omitempty"`
}

type PositionComparison struct {
	// provider key -> position -> needle found
	ByProvider map[string]map[model.Position]bool `json:"by_provider"`
	// retrieval rate per position across providers
	Rates map[model.Position]Proportion `json:"rates"`
}

type ClaimView struct {
	model.ExperimentClaim
	ProviderKey string `json:"provider_key"`
}

type ClaimComparison struct {
	ByPersona map[string][]ClaimView `json:"by_persona"`
	Support   map[string]Proportion `json:"support"`
	Test      *ProportionTest       `json:"test,omitempty"`
}

// BuildSummary runs are expected in creation order.
func BuildSummary(batchID string, runs []model.ExperimentRun) *BatchSummary {
	s := &BatchSummary{BatchID: batchID, Total: len(runs)}
	statuses := make([]model.RunStatus, 0, len(runs))

	cheapest, fastest := -1, -1
	for i := range runs {
		r := &runs[i]
		statuses = append(statuses, r.Status)
		switch r.Status {
		case model.RunStatusCompleted:
			s.Completed++
		case model.RunStatusFailed:
			s.Failed++
		default:
			s.InFlight++
		}
		if s.ExperimentType == "" {
			s.ExperimentType = r.ExperimentType
		}

		pc := ProviderCost{
			RunID:    r.ID,
			Key:      r.ProviderKey(),
			Provider: r.Provider,
			Model:    r.Model,
			Status:   r.Status,
			Cost:     r.EstimatedCost,
			Tokens:   r.TokensUsed,
			Error:    r.ErrorMessage,
		}
		d, hasDuration := r.Duration()
		if hasDuration {
			pc.DurationMS = d.Milliseconds()
		}
		s.Runs = append(s.Runs, pc)

		// 同值时保留先创建的 run
		if r.Status == model.RunStatusCompleted && (cheapest < 0 || pc.Cost < s.Runs[cheapest].Cost) {
			cheapest = len(s.Runs) - 1
		}
		if hasDuration && (fastest < 0 || pc.DurationMS < s.Runs[fastest].DurationMS) {
			fastest = len(s.Runs) - 1
		}
	}
	s.Status = BatchStatus(statuses)
	if cheapest >= 0 {
		s.Cheapest = s.Runs[cheapest].Key
	}
	if fastest >= 0 {
		s.Fastest = s.Runs[fastest].Key
	}

	s.Positions = comparePositions(runs)
	if s.ExperimentType == model.ExperimentPersona {
		s.Claims = compareClaims(runs)
	}
	return s
}

func comparePositions(runs []model.ExperimentRun) *PositionComparison {
	var pc *PositionComparison
	found := map[model.Position]int{}
	total := map[model.Position]int{}
	for _, r := range runs {
		if len(r.PositionTests) == 0 {
			continue
		}
		if pc == nil {
			pc = &PositionComparison{ByProvider: map[string]map[model.Position]bool{}}
		}
		byPos := map[model.Position]bool{}
		for _, pt := range r.PositionTests {
			byPos[pt.Position] = pt.FactRetrieved
			total[pt.Position]++
			if pt.FactRetrieved {
				found[pt.Position]++
			}
		}
		pc.ByProvider[r.ProviderKey()] = byPos
	}
	if pc == nil {
		return nil
	}
	pc.Rates = map[model.Position]Proportion{}
	for _, pos := range model.Positions {
		pc.Rates[pos] = newProportion(found[pos], total[pos])
	}
	return pc
}

func compareClaims(runs []model.ExperimentRun) *ClaimComparison {
	cc := &ClaimComparison{
		ByPersona: map[string][]ClaimView{},
		Support:   map[string]Proportion{},
	}
	supported := map[string]int{}
	for _, r := range runs {
		for _, c := range r.Claims {
			cc.ByPersona[c.Persona] = append(cc.ByPersona[c.Persona], ClaimView{ExperimentClaim: c, ProviderKey: r.ProviderKey()})
			if c.IsSupported {
				supported[c.Persona]++
			}
		}
	}

	personas := make([]string, 0, len(cc.ByPersona))
	for p, claims := range cc.ByPersona {
		personas = append(personas, p)
		cc.Support[p] = newProportion(supported[p], len(claims))
	}
	sort.Strings(personas)
	if len(personas) == 2 {
		a, b := cc.Support[personas[0]], cc.Support[personas[1]]
		p, z := twoPropZTest(a.K, a.N, b.K, b.N)
		cc.Test = &ProportionTest{A: personas[0], B: personas[1], Z: z, PValue: p}
	}
	return cc
}
