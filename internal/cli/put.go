package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rcliao/agent-context/internal/store"
)

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Manage long-term memories",
}

func init() {
	RootCmd.AddCommand(memoryCmd)

	cmd := &cobra.Command{
		Use:   "put [content]",
		Short: "Store a memory",
		Long:  "Store a memory. Content can be a positional arg or piped via stdin.",
		Run:   runPut,
	}

	cmd.Flags().String("type", "fact", "Memory type")
	cmd.Flags().StringP("tags", "t", "", "Comma-separated tags")
	cmd.Flags().String("meta", "", "JSON metadata (string values)")
	cmd.Flags().Duration("ttl", 0, "Expire after this long (default: configured retention)")

	memoryCmd.AddCommand(cmd)
}

func runPut(cmd *cobra.Command, args []string) {
	mtype, _ := cmd.Flags().GetString("type")
	tags, _ := cmd.Flags().GetString("tags")
	meta, _ := cmd.Flags().GetString("meta")
	ttl, _ := cmd.Flags().GetDuration("ttl")

	content := strings.TrimSpace(readContent(args))
	if content == "" {
		exitErr("put", fmt.Errorf("content is required (positional arg or stdin)"))
	}

	p := store.StoreParams{
		Type:     mtype,
		Content:  content,
		Tags:     splitTags(tags),
		Metadata: parseMeta(meta),
	}
	if ttl > 0 {
		t := time.Now().Add(ttl)
		p.ExpiresAt = &t
	}

	e := mustEngine()
	defer e.Close()

	mem, err := e.StoreMemory(cmd.Context(), p)
	if err != nil {
		exitErr("put", err)
	}
	printJSON(cmd, mem)
}
