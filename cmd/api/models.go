package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	llmclient "ensemble/internal/llmClient"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List known models and their per-token costs",
	RunE: func(cmd *cobra.Command, args []string) error {
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PROVIDER\tMODEL\tINPUT\tOUTPUT\tMAX TOKENS")
		for _, m := range llmclient.NewCatalog(nil).Models() {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n", m.Provider, m.ID, m.InputCost, m.OutputCost, m.MaxTokens)
		}
		return w.Flush()
	},
}
