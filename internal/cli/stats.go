package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show database statistics",
		Run:   runStats,
	}
	memoryCmd.AddCommand(cmd)
}

func runStats(cmd *cobra.Command, args []string) {
	e := mustEngine()
	defer e.Close()

	stats, err := e.Store().Stats(cmd.Context())
	if err != nil {
		exitErr("stats", err)
	}
	printJSON(cmd, stats)
}
