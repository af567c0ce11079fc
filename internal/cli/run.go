package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"context-lab/internal/model"

	"github.com/spf13/cobra"
)

var (
	runFlags    experimentFlags
	runProvider string
	runModel    string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one experiment against a single provider",
	Long: `Run one experiment and print its progress until it finishes.

Examples:
  context-lab run --type position --athlete 1 --provider openai
  context-lab run --type persona --athlete 1 --provider gemini --model gemini-2.5-flash --json`,
	RunE: runRun,
}

func init() {
	runFlags.bind(runCmd)
	runCmd.Flags().StringVarP(&runProvider, "provider", "p", "", "provider name from config")
	runCmd.Flags().StringVarP(&runModel, "model", "m", "", "model (default: provider default_model)")
	_ = runCmd.MarkFlagRequired("provider")
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, cleanup, err := bootstrap(context.Background())
	if err != nil {
		return err
	}
	defer cleanup()

	rc := runFlags.config(cmd)
	rc.Provider, rc.Model = runProvider, runModel
	id, err := svc.Runs.Start(ctx, rc)
	if err != nil {
		return err
	}
	// Ctrl-C 取消 run；run 行保持当前状态
	defer context.AfterFunc(ctx, func() { svc.Runs.Cancel(id) })()

	out := cmd.OutOrStdout()
	printEvents(out, svc.Runs.ProgressChannel(id), runFlags.jsonOutput)
	svc.Runs.Wait()

	run, err := svc.Runs.GetRun(context.Background(), id)
	if err != nil {
		return err
	}
	if runFlags.jsonOutput {
		raw, err := json.MarshalIndent(run, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(raw))
	} else {
		printRun(cmd, run)
	}

	if run.Status == model.RunStatusFailed {
		return fmt.Errorf("run %d failed: %s", run.ID, run.ErrorMessage)
	}
	return nil
}

func printRun(cmd *cobra.Command, run *model.ExperimentRun) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "\nrun %d  %s  %s  %s\n", run.ID, run.ProviderKey(), run.ExperimentType, run.Status)
	fmt.Fprintf(out, "tokens=%d  cost=$%.6f  entries=%d\n", run.TokensUsed, run.EstimatedCost, run.EntriesUsed)
	for _, pt := range run.PositionTests {
		fmt.Fprintf(out, "  needle @ %-6s retrieved=%t\n", pt.Position, pt.FactRetrieved)
	}
	for _, c := range run.Claims {
		verdict := "unsupported"
		if c.IsSupported {
			verdict = fmt.Sprintf("supported %.2f", c.Confidence)
		}
		fmt.Fprintf(out, "  [%s/%s] %s => %s\n", c.Persona, c.ClaimType, c.ClaimText, verdict)
	}
}
