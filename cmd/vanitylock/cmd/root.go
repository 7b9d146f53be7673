package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "vanitylock",
	Short: "vanitylock holds a guild's vanity URL against takeover",
	Long: `vanitylock continuously re-asserts a guild's vanity URL, resolving
step-up authentication challenges and riding out rate limits, while
temporarily suspending elevated role permissions for the duration of
each hold cycle.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
