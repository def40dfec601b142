package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export live memories as JSON",
		Run:   runExport,
	}

	cmd.Flags().String("type", "", "Filter by memory type")

	memoryCmd.AddCommand(cmd)
}

func runExport(cmd *cobra.Command, args []string) {
	mtype, _ := cmd.Flags().GetString("type")

	e := mustEngine()
	defer e.Close()

	memories, err := e.Store().ExportAll(cmd.Context(), mtype)
	if err != nil {
		exitErr("export", err)
	}
	printJSON(cmd, memories)
}
