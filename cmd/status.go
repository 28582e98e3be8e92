package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworker/agentworker/internal/workflow"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon, agent, and workflow status",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			health, err := client.Health(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("daemon %s pid %d at %s:%d, up %s\n",
				health.Version, health.PID, health.Host, health.Port,
				(time.Duration(health.UptimeSec) * time.Second).String())

			agents, err := client.ListAgents(cmd.Context())
			if err != nil {
				return err
			}
			if len(agents) > 0 {
				fmt.Println()
				printTable([]string{"AGENT", "STATE", "WORKFLOW"}, func(t *table) {
					for _, a := range agents {
						wf := a.Workflow
						if wf != "" && a.Tag != "" {
							wf += ":" + a.Tag
						}
						t.add(a.Name, a.State, wf)
					}
				})
			}

			if len(health.Workflows) > 0 {
				fmt.Println()
				printTable([]string{"WORKFLOW", "MODE", "AGENTS", "STARTED"}, func(t *table) {
					for _, w := range health.Workflows {
						states := make([]string, 0, len(w.Agents))
						for name, state := range w.Agents {
							states = append(states, name+"="+state)
						}
						t.add(w.Name+":"+w.Tag, w.Mode,
							strings.Join(states, " "),
							time.UnixMilli(w.StartedAt).Local().Format("15:04:05"))
					}
				})
			}
			return nil
		},
	}
}

// stopCmd stops a workflow instance, or the whole daemon with no argument.
func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop [name[:tag]]",
		Short: "Stop a workflow instance, or the daemon when no target is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			if len(args) == 0 {
				if err := client.Shutdown(cmd.Context()); err != nil {
					return err
				}
				fmt.Println("daemon shutting down")
				return nil
			}
			target := strings.TrimPrefix(args[0], "@")
			name, tag, ok := strings.Cut(target, ":")
			if !ok {
				tag = workflow.DefaultTag
			}
			if err := client.StopWorkflow(cmd.Context(), name, tag); err != nil {
				return err
			}
			fmt.Printf("stopped %s:%s\n", name, tag)
			return nil
		},
	}
}
