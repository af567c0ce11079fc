package pricing

import (
	"testing"

	"context-lab/internal/config"

	"github.com/stretchr/testify/assert"
)

func TestTable_Cost(t *testing.T) {
	table := NewTable(config.PricingConfig{
		"openai/gpt-4o-mini": {InputPerMillion: 0.15, OutputPerMillion: 0.60},
		"openai/*":           {InputPerMillion: 2.5, OutputPerMillion: 10},
	})

	assert.InDelta(t, 0.00015+0.0006, table.Cost("openai", "gpt-4o-mini", 1000, 1000), 1e-12)
	assert.InDelta(t, 0.0025, table.Cost("openai", "gpt-4.1", 1000, 0), 1e-12)
	assert.Zero(t, table.Cost("ollama", "llama3", 5000, 5000))
	assert.Zero(t, NewTable(nil).Cost("openai", "gpt-4o-mini", 1, 1))
}
