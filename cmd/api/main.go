package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var settingsPath string

var rootCmd = &cobra.Command{
	Use:   "ensemble",
	Short: "Multi-provider LLM orchestration gateway",
	Long: `ensemble routes prompts to workers and workflows, runs them against
OpenAI and Gemini models, streams the results and meters every call
against the user's balance.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&settingsPath, "config", "", "settings YAML overlaid on the built-in defaults (default $SETTINGS_FILE)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(modelsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
