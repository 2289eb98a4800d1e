package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agentrun/internal/config"
)

func agentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Inspect configured agents",
	}

	cmd.AddCommand(agentListCmd())
	cmd.AddCommand(agentShowCmd())

	return cmd
}

func agentListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List agent keys from the agents.list config section",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			keys := make([]string, 0, len(cfg.Agents.List))
			for k := range cfg.Agents.List {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				spec := cfg.Agents.List[k]
				marker := ""
				if spec.Default {
					marker = " (default)"
				}
				fmt.Printf("%s%s\n", k, marker)
			}
			return nil
		},
	}
}

func agentShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <key>",
		Short: "Print the resolved provider/model/workspace for an agent key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			defaults := cfg.Agents.Defaults
			spec, ok := cfg.Agents.List[args[0]]
			if !ok && args[0] != config.DefaultAgentID {
				return fmt.Errorf("agent %q not found in agents.list config section", args[0])
			}

			fmt.Printf("agent:      %s\n", args[0])
			fmt.Printf("provider:   %s\n", firstNonEmpty(spec.Provider, defaults.Provider))
			fmt.Printf("model:      %s\n", firstNonEmpty(spec.Model, defaults.Model))
			fmt.Printf("workspace:  %s\n", firstNonEmpty(spec.Workspace, defaults.Workspace))
			fmt.Printf("agent_type: %s\n", firstNonEmpty(spec.AgentType, defaults.AgentType))
			if len(spec.Delegates) > 0 {
				fmt.Println("delegates:")
				for target := range spec.Delegates {
					fmt.Printf("  - %s\n", target)
				}
			}
			return nil
		},
	}
}
