package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/agent-context/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Retrieve memories by similarity",
		Long:  "Score memories against the query (keyword overlap, or embeddings when configured).",
		Args:  cobra.MinimumNArgs(1),
		Run:   runSearch,
	}

	cmd.Flags().String("type", "", "Filter by memory type")
	cmd.Flags().StringP("tags", "t", "", "Filter by tags (comma-separated)")
	cmd.Flags().IntP("limit", "l", store.DefaultRetrieveLimit, "Max results")
	cmd.Flags().Float64("min-score", 0, "Drop results scoring below this")

	memoryCmd.AddCommand(cmd)
}

func runSearch(cmd *cobra.Command, args []string) {
	mtype, _ := cmd.Flags().GetString("type")
	tags, _ := cmd.Flags().GetString("tags")
	limit, _ := cmd.Flags().GetInt("limit")
	minScore, _ := cmd.Flags().GetFloat64("min-score")

	e := mustEngine()
	defer e.Close()

	results, err := e.RetrieveMemories(cmd.Context(), store.RetrieveParams{
		Query:    strings.Join(args, " "),
		Type:     mtype,
		Tags:     splitTags(tags),
		Limit:    limit,
		MinScore: minScore,
	})
	if err != nil {
		exitErr("search", err)
	}
	printJSON(cmd, results)
}
