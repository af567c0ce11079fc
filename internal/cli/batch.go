package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"context-lab/internal/service"

	"github.com/spf13/cobra"
)

var (
	batchFlags   experimentFlags
	batchTargets []string
	batchReport  string
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Run the same experiment across several providers",
	Long: `Run one experiment configuration concurrently on several provider/model targets,
print progress, then the cross-provider comparison report.

Examples:
  context-lab batch --type position --athlete 1 --target openai/gpt-4o-mini --target gemini --target ollama/llama3.1
  context-lab batch --type persona --athlete 1 --target openai --target gemini --report report.md`,
	RunE: runBatch,
}

func init() {
	batchFlags.bind(batchCmd)
	batchCmd.Flags().StringArrayVar(&batchTargets, "target", nil, "provider or provider/model (repeatable)")
	batchCmd.Flags().StringVar(&batchReport, "report", "", "also write the markdown report to this file")
	_ = batchCmd.MarkFlagRequired("target")
}

func runBatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	targets := make([]service.Target, 0, len(batchTargets))
	for _, s := range batchTargets {
		t, err := service.ParseTarget(s)
		if err != nil {
			return err
		}
		targets = append(targets, t)
	}

	svc, cleanup, err := bootstrap(context.Background())
	if err != nil {
		return err
	}
	defer cleanup()

	handle, err := svc.Batches.StartBatch(ctx, batchFlags.config(cmd), targets)
	if err != nil {
		return err
	}
	defer context.AfterFunc(ctx, func() { svc.Batches.CancelBatch(handle.BatchID) })()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "batch %s: runs %v\n", handle.BatchID, handle.RunIDs)
	printEvents(out, svc.Batches.BatchProgressChannel(handle.BatchID), batchFlags.jsonOutput)
	svc.Runs.Wait()

	summary, err := svc.Batches.Summary(context.Background(), handle.BatchID)
	if err != nil {
		return err
	}
	report := service.RenderBatchMarkdown(summary)
	if batchFlags.jsonOutput {
		raw, err := json.MarshalIndent(summary, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(raw))
	} else {
		fmt.Fprintln(out)
		fmt.Fprint(out, report)
	}
	if batchReport != "" {
		if err := os.WriteFile(batchReport, []byte(report), 0o644); err != nil {
			return fmt.Errorf("写入报告失败: %w", err)
		}
	}

	if summary.Status == service.BatchFailed {
		return fmt.Errorf("batch %s: every provider failed", handle.BatchID)
	}
	return nil
}
