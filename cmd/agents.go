package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentworker/agentworker/pkg/protocol"
)

func newCmd() *cobra.Command {
	var req protocol.CreateAgentRequest
	cmd := &cobra.Command{
		Use:   "new <name>",
		Short: "Create a persistent agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			req.Name = args[0]
			detail, err := client.CreateAgent(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Printf("created %s (model %s, backend %s)\n", detail.Name, detail.Model, detail.Backend)
			if detail.Schedule != "" {
				fmt.Printf("scheduled: %s\n", detail.Schedule)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&req.Model, "model", "", "model override")
	cmd.Flags().StringVar(&req.System, "system", "", "system prompt")
	cmd.Flags().StringVar(&req.Backend, "backend", "", "backend: anthropic, cli, mock")
	cmd.Flags().StringVar(&req.Schedule, "schedule", "", "cron expression for scheduled wakes")
	return cmd
}

func lsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			agents, err := client.ListAgents(cmd.Context())
			if err != nil {
				return err
			}
			if len(agents) == 0 {
				fmt.Println("no agents")
				return nil
			}
			printTable([]string{"NAME", "STATE", "MODEL", "BACKEND", "WORKFLOW", "SCHEDULE"}, func(t *table) {
				for _, a := range agents {
					wf := a.Workflow
					if wf != "" && a.Tag != "" {
						wf += ":" + a.Tag
					}
					t.add(a.Name, a.State, a.Model, a.Backend, wf, a.Schedule)
				}
			})
			return nil
		},
	}
}

func rmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <name>",
		Short: "Delete an agent and its context",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			if err := client.DeleteAgent(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("deleted %s\n", args[0])
			return nil
		},
	}
}
