package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rcliao/agent-context/internal/governance"
	"github.com/rcliao/agent-context/internal/model"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Validate and show configuration",
}

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Inspect handoff governance rules",
}

func init() {
	RootCmd.AddCommand(configCmd, rulesCmd)

	configCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Check the config file (--config) against its constraints",
		Run:   runConfigValidate,
	})
	configCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML",
		Run:   runConfigShow,
	})

	resolve := &cobra.Command{
		Use:   "resolve <from_agent> <to_agent>",
		Short: "Show which rule governs a handoff",
		Args:  cobra.ExactArgs(2),
		Run:   runRulesResolve,
	}
	resolve.Flags().String("file", "", "Rules file (default: the configured rules)")
	rulesCmd.AddCommand(resolve)
}

func runConfigValidate(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	if cfg.Handoff.RulesFile != "" {
		if _, err := governance.LoadRules(cfg.Handoff.RulesFile); err != nil {
			exitErr("validate rules", err)
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), `{"ok":true,"version":%d}`+"\n", cfg.Version)
}

func runConfigShow(cmd *cobra.Command, args []string) {
	b, err := yaml.Marshal(loadConfig())
	if err != nil {
		exitErr("encode config", err)
	}
	fmt.Fprint(cmd.OutOrStdout(), string(b))
}

func runRulesResolve(cmd *cobra.Command, args []string) {
	file, _ := cmd.Flags().GetString("file")

	var rules []model.HandoffRule
	if file != "" {
		var err error
		if rules, err = governance.LoadRules(file); err != nil {
			exitErr("load rules", err)
		}
	} else {
		cfg := loadConfig()
		rules = cfg.Handoff.Rules
		if cfg.Handoff.RulesFile != "" {
			loaded, err := governance.LoadRules(cfg.Handoff.RulesFile)
			if err != nil {
				exitErr("load rules", err)
			}
			rules = append(rules, loaded...)
		}
	}

	gov, err := governance.NewEngine(rules)
	if err != nil {
		exitErr("rules", err)
	}
	rule, ok := gov.Resolve(args[0], args[1])
	if !ok {
		fmt.Fprintf(cmd.OutOrStdout(), `{"matched":false,"handoff_mode":%q}`+"\n", model.HandoffFull)
		return
	}
	printJSON(cmd, struct {
		Matched bool              `json:"matched"`
		Rule    model.HandoffRule `json:"rule"`
	}{true, rule})
}
