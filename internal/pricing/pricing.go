// Package pricing turns token counts into an estimated dollar cost.
package pricing

import (
	"context-lab/internal/config"
)

type Table struct {
	rates config.PricingConfig
}

func NewTable(rates config.PricingConfig) *Table {
	if rates == nil {
		rates = config.PricingConfig{}
	}
	return &Table{rates: rates}
}

// Rate 精确的 "provider/model" 优先，其次 "provider/*"
func (t *Table) Rate(provider, model string) (config.Rate, bool) {
	if r, ok := t.rates[provider+"/"+model]; ok {
		return r, true
	}
	r, ok := t.rates[provider+"/*"]
	return r, ok
}

// Cost unknown provider/model pairs cost 0 (e.g. local models).
func (t *Table) Cost(provider, model string, tokensIn, tokensOut int) float64 {
	r, ok := t.Rate(provider, model)
	if !ok {
		return 0
	}
	return (float64(tokensIn)*r.InputPerMillion + float64(tokensOut)*r.OutputPerMillion) / 1_000_000
}
