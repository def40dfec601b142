package cli

import (
	"github.com/spf13/cobra"
)

var lineageCmd = &cobra.Command{
	Use:   "lineage",
	Short: "Inspect the compilation and handoff audit trail",
}

func init() {
	RootCmd.AddCommand(lineageCmd)

	lineageCmd.AddCommand(&cobra.Command{
		Use:   "list [session_id]",
		Short: "List a session's lineage entries, or all sessions",
		Args:  cobra.MaximumNArgs(1),
		Run:   runLineageList,
	})
	lineageCmd.AddCommand(&cobra.Command{
		Use:   "get <session_id> <compilation_id>",
		Short: "Show one compilation record",
		Args:  cobra.ExactArgs(2),
		Run:   runLineageGet,
	})
}

func runLineageList(cmd *cobra.Command, args []string) {
	e := mustEngine()
	defer e.Close()

	if len(args) == 0 {
		sessions, err := e.LineageSessions()
		if err != nil {
			exitErr("lineage list", err)
		}
		printJSON(cmd, sessions)
		return
	}
	entries, err := e.GetLineage(cmd.Context(), args[0])
	if err != nil {
		exitErr("lineage list", err)
	}
	printJSON(cmd, entries)
}

func runLineageGet(cmd *cobra.Command, args []string) {
	e := mustEngine()
	defer e.Close()

	rec, err := e.GetCompilation(cmd.Context(), args[0], args[1])
	if err != nil {
		exitErr("lineage get", err)
	}
	printJSON(cmd, rec)
}
