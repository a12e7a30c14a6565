package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "clusterproxy",
	Short: "TSLB build cluster proxy",
	Long: `A client-side proxy for a TSLB build cluster: it discovers build
nodes and build masters over the yamb overlay hub and exposes their state
to an operator without holding any durable state of its own.`,
}

// Execute runs the root command (child commands register themselves in
// their init functions) and exits with status 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	// Global flags can be added here
}
