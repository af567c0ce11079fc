package cli

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"context-lab/internal/config"
	"context-lab/internal/model"
	"context-lab/internal/progress"
	"context-lab/internal/prompt"
	"context-lab/internal/service"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newFlagCmd() (*cobra.Command, *experimentFlags) {
	cmd := &cobra.Command{Use: "x", RunE: func(*cobra.Command, []string) error { return nil }}
	f := &experimentFlags{}
	f.bind(cmd)
	return cmd, f
}

func TestExperimentFlags_Config(t *testing.T) {
	cmd, f := newFlagCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--type", "persona", "--athlete", "3", "--order", "reverse", "--temperature", "0"}))

	rc := f.config(cmd)
	assert.Equal(t, model.ExperimentPersona, rc.ExperimentType)
	assert.Equal(t, uint(3), rc.AthleteID)
	assert.Equal(t, "reverse", rc.EntryOrder)
	require.NotNil(t, rc.Temperature, "an explicit 0 must not fall back to the config default")
	assert.Zero(t, *rc.Temperature)
}

func TestExperimentFlags_OrderHelp(t *testing.T) {
	cmd, _ := newFlagCmd()
	usage := cmd.Flags().Lookup("order").Usage
	for _, o := range []string{prompt.OrderChronological, prompt.OrderReverse} {
		assert.True(t, prompt.ValidOrder(o))
		assert.Contains(t, usage, o)
	}
	assert.NotContains(t, usage, "reverse_chronological")
}

func TestExperimentFlags_TemperatureDefault(t *testing.T) {
	cmd, f := newFlagCmd()
	require.NoError(t, cmd.ParseFlags([]string{"-t", "position", "-a", "1"}))

	rc := f.config(cmd)
	assert.Nil(t, rc.Temperature)
	assert.Empty(t, rc.Persona)
}

func TestPrintEvents(t *testing.T) {
	ch := progress.NewChannel()
	ch.Publish(progress.NewEvent(progress.TypeProgress, "loaded 10 journal entries", nil))
	ch.Publish(progress.NewEvent(progress.TypeComplete, "run completed", map[string]interface{}{"run_id": 1}))
	ch.Close()

	var text bytes.Buffer
	printEvents(&text, ch, false)
	lines := strings.Split(strings.TrimSpace(text.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "loaded 10 journal entries")
	assert.Contains(t, lines[1], "complete")

	var js bytes.Buffer
	printEvents(&js, ch, true)
	assert.Contains(t, js.String(), `"type":"complete"`)
	assert.Contains(t, js.String(), `"run_id":1`)

	printEvents(&text, nil, false)
}

func TestDrainRuns_NothingInFlight(t *testing.T) {
	runs := service.NewRunOrchestrator(context.Background(), nil, nil, nil, config.ExperimentConfig{}, zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	cancelled := false
	require.NoError(t, drainRuns(ctx, runs, func() { cancelled = true }))
	assert.False(t, cancelled)
}
