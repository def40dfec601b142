package cli

import (
	"github.com/spf13/cobra"

	"github.com/rcliao/agent-context/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "compact <session_id>",
		Short: "Compact a session's history",
		Long:  "Compact a session's history. Without --force, sessions below the configured thresholds are rejected.",
		Args:  cobra.ExactArgs(1),
		Run:   runCompact,
	}

	cmd.Flags().String("method", "", "rule_based or llm_based (default: configured)")
	cmd.Flags().Bool("force", false, "Compact even below thresholds")

	RootCmd.AddCommand(cmd)
}

func runCompact(cmd *cobra.Command, args []string) {
	method, _ := cmd.Flags().GetString("method")
	force, _ := cmd.Flags().GetBool("force")

	e := mustEngine()
	defer e.Close()

	res, err := e.TriggerCompaction(cmd.Context(), args[0], model.CompactionMethod(method), force)
	if err != nil {
		exitErr("compact", err)
	}
	printJSON(cmd, res)
}
