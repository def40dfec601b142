package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/agent-context/internal/model"
	"github.com/rcliao/agent-context/internal/pipeline"
)

func init() {
	cmd := &cobra.Command{
		Use:   "compile",
		Short: "Compile the context for an agent invocation",
		Long: "Run the processor pipeline and print the compiled context with its lineage record. " +
			"Inputs not given on the command line are loaded from the session's history.",
		Run: runCompile,
	}

	cmd.Flags().StringP("session", "s", "", "Session id (required)")
	cmd.Flags().StringP("agent", "a", "", "Agent to compile for (required)")
	cmd.Flags().String("from", "", "Agent handing off control; enables handoff scoping")
	cmd.Flags().String("system", "", "System instructions")
	cmd.Flags().String("input", "", "Original input (text or JSON)")
	cmd.Flags().StringArray("prior", nil, "Prior output as agent=value (repeatable)")
	cmd.Flags().StringArray("observation", nil, "Observation (repeatable)")
	cmd.Flags().Bool("messages", false, "Print only the provider-ready messages")

	cmd.MarkFlagRequired("session")
	cmd.MarkFlagRequired("agent")

	RootCmd.AddCommand(cmd)
}

func runCompile(cmd *cobra.Command, args []string) {
	session, _ := cmd.Flags().GetString("session")
	agent, _ := cmd.Flags().GetString("agent")
	from, _ := cmd.Flags().GetString("from")
	system, _ := cmd.Flags().GetString("system")
	input, _ := cmd.Flags().GetString("input")
	priors, _ := cmd.Flags().GetStringArray("prior")
	observations, _ := cmd.Flags().GetStringArray("observation")
	messagesOnly, _ := cmd.Flags().GetBool("messages")

	req := pipeline.Request{
		SessionID:   session,
		AgentID:     agent,
		FromAgentID: from,
		System:      system,
	}
	if cmd.Flags().Changed("input") {
		v := parseValue(input)
		req.OriginalInput = &v
	}
	if len(priors) > 0 {
		req.PriorOutputs = map[string]model.Value{}
		for _, p := range priors {
			id, val, ok := strings.Cut(p, "=")
			if !ok || id == "" {
				exitErr("compile", fmt.Errorf("--prior %q: want agent=value", p))
			}
			req.PriorOutputs[id] = parseValue(val)
		}
	}
	for _, o := range observations {
		req.Observations = append(req.Observations, parseValue(o))
	}

	e := mustEngine()
	defer e.Close()

	out, err := e.CompileContext(cmd.Context(), req)
	if err != nil {
		exitErr("compile", err)
	}
	if messagesOnly {
		printJSON(cmd, out.Context.Messages)
		return
	}
	printJSON(cmd, out)
}
