package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "get <memory_id>",
		Short: "Show a memory",
		Args:  cobra.ExactArgs(1),
		Run:   runGet,
	}
	memoryCmd.AddCommand(cmd)
}

func runGet(cmd *cobra.Command, args []string) {
	e := mustEngine()
	defer e.Close()

	mem, err := e.GetMemory(cmd.Context(), args[0])
	if err != nil {
		exitErr("get", err)
	}
	printJSON(cmd, mem)
}
