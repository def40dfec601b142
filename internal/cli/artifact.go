package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/agent-context/internal/model"
	"github.com/rcliao/agent-context/internal/store"
)

var artifactCmd = &cobra.Command{
	Use:   "artifact",
	Short: "Manage versioned artifacts",
}

func init() {
	RootCmd.AddCommand(artifactCmd)

	put := &cobra.Command{
		Use:   "put <artifact_id> [content]",
		Short: "Append a version",
		Long:  "Append a version. Pass --parent to fail if another writer got there first.",
		Args:  cobra.MinimumNArgs(1),
		Run:   runArtifactPut,
	}
	put.Flags().Int("parent", 0, "Expected current version (0: append to whatever is current)")
	put.Flags().String("meta", "", "JSON metadata (string values)")
	artifactCmd.AddCommand(put)

	get := &cobra.Command{
		Use:   "get <artifact_id|handle>",
		Short: "Show a version",
		Args:  cobra.ExactArgs(1),
		Run:   runArtifactGet,
	}
	get.Flags().IntP("version", "v", 0, "Version (default: current)")
	get.Flags().Bool("raw", false, "Print only the content")
	artifactCmd.AddCommand(get)

	artifactCmd.AddCommand(&cobra.Command{
		Use:   "list [artifact_id]",
		Short: "List versions of an artifact, or all artifacts",
		Args:  cobra.MaximumNArgs(1),
		Run:   runArtifactList,
	})
}

func runArtifactPut(cmd *cobra.Command, args []string) {
	parent, _ := cmd.Flags().GetInt("parent")
	meta, _ := cmd.Flags().GetString("meta")

	content := readContent(args[1:])
	p := store.CreateVersionParams{
		ArtifactID: args[0],
		Content:    []byte(content),
		Metadata:   parseMeta(meta),
	}
	if cmd.Flags().Changed("parent") {
		p.ParentVersion = &parent
	}

	e := mustEngine()
	defer e.Close()

	v, err := e.CreateArtifactVersion(cmd.Context(), p)
	if err != nil {
		exitErr("artifact put", err)
	}
	v.Content = nil
	printJSON(cmd, v)
}

func runArtifactGet(cmd *cobra.Command, args []string) {
	version, _ := cmd.Flags().GetInt("version")
	raw, _ := cmd.Flags().GetBool("raw")

	e := mustEngine()
	defer e.Close()

	var (
		v   *model.ArtifactVersion
		err error
	)
	switch {
	case strings.HasPrefix(args[0], "artifact://"):
		v, err = e.ResolveHandle(cmd.Context(), args[0])
	case version > 0:
		v, err = e.GetArtifactVersion(cmd.Context(), args[0], version)
	default:
		var hist *model.ArtifactHistory
		if hist, err = e.ListArtifactVersions(cmd.Context(), args[0]); err == nil {
			v, err = e.GetArtifactVersion(cmd.Context(), args[0], hist.CurrentVersion)
		}
	}
	if err != nil {
		exitErr("artifact get", err)
	}

	if raw {
		fmt.Fprint(cmd.OutOrStdout(), string(v.Content))
		return
	}
	printJSON(cmd, struct {
		*model.ArtifactVersion
		Content string `json:"content"`
	}{v, string(v.Content)})
}

func runArtifactList(cmd *cobra.Command, args []string) {
	e := mustEngine()
	defer e.Close()

	if len(args) == 0 {
		all, err := e.Store().ListArtifacts(cmd.Context())
		if err != nil {
			exitErr("artifact list", err)
		}
		printJSON(cmd, all)
		return
	}
	hist, err := e.ListArtifactVersions(cmd.Context(), args[0])
	if err != nil {
		exitErr("artifact list", err)
	}
	printJSON(cmd, hist)
}
