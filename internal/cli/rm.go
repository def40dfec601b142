package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "rm <memory_id>",
		Short: "Delete a memory",
		Long:  "Delete a memory. Deleting an id that does not exist reports deleted=false.",
		Args:  cobra.ExactArgs(1),
		Run:   runRm,
	}
	memoryCmd.AddCommand(cmd)

	memoryCmd.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Remove expired memories now",
		Run:   runSweep,
	})
}

func runRm(cmd *cobra.Command, args []string) {
	e := mustEngine()
	defer e.Close()

	deleted, err := e.DeleteMemory(cmd.Context(), args[0])
	if err != nil {
		exitErr("rm", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), `{"ok":true,"memory_id":%q,"deleted":%t}`+"\n", args[0], deleted)
}

func runSweep(cmd *cobra.Command, args []string) {
	e := mustEngine()
	defer e.Close()

	n, err := e.SweepExpired(cmd.Context())
	if err != nil {
		exitErr("sweep", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), `{"ok":true,"removed":%d}`+"\n", n)
}
