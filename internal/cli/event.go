package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/agent-context/internal/model"
	"github.com/rcliao/agent-context/internal/store"
)

var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Record and inspect session history",
}

func init() {
	RootCmd.AddCommand(eventCmd)

	add := &cobra.Command{
		Use:   "add <session_id> [content]",
		Short: "Append an event to a session",
		Long:  "Append an event. JSON objects and arrays are stored as structured values.",
		Args:  cobra.MinimumNArgs(1),
		Run:   runEventAdd,
	}
	add.Flags().String("kind", string(model.EventObservation), "Kind: input, agent_output, observation, summary")
	add.Flags().StringP("agent", "a", "", "Agent that produced the event")
	add.Flags().Bool("critical", false, "Never summarized away by compaction")
	eventCmd.AddCommand(add)

	eventCmd.AddCommand(&cobra.Command{
		Use:   "list [session_id]",
		Short: "List a session's events in order, or all sessions",
		Args:  cobra.MaximumNArgs(1),
		Run:   runEventList,
	})
}

func runEventAdd(cmd *cobra.Command, args []string) {
	kind, _ := cmd.Flags().GetString("kind")
	agent, _ := cmd.Flags().GetString("agent")
	critical, _ := cmd.Flags().GetBool("critical")

	content := readContent(args[1:])
	if strings.TrimSpace(content) == "" {
		exitErr("event add", fmt.Errorf("content is required (positional arg or stdin)"))
	}

	e := mustEngine()
	defer e.Close()

	ev, err := e.AppendEvent(cmd.Context(), store.AppendEventParams{
		SessionID: args[0],
		Kind:      model.EventKind(kind),
		AgentID:   agent,
		Content:   parseValue(content),
		Critical:  critical,
	})
	if err != nil {
		exitErr("event add", err)
	}
	printJSON(cmd, ev)
}

func runEventList(cmd *cobra.Command, args []string) {
	e := mustEngine()
	defer e.Close()

	if len(args) == 0 {
		sessions, err := e.Sessions(cmd.Context())
		if err != nil {
			exitErr("event list", err)
		}
		printJSON(cmd, sessions)
		return
	}
	events, err := e.Events(cmd.Context(), args[0])
	if err != nil {
		exitErr("event list", err)
	}
	printJSON(cmd, events)
}
