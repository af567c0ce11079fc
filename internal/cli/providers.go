package cli

import (
	"context"
	"fmt"
	"text/tabwriter"

	"context-lab/internal/llm"

	"github.com/spf13/cobra"
)

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "List configured LLM providers and whether they are usable",
	RunE: func(cmd *cobra.Command, args []string) error {
		r := llm.NewRouter(context.Background(), cfg.LLM, logger)
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PROVIDER\tDEFAULT MODEL\tSTATUS")
		for _, name := range r.Providers() {
			status := "ok"
			if err := r.Validate(name); err != nil {
				status = err.Error()
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", name, r.DefaultModel(name), status)
		}
		return w.Flush()
	},
}
