package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworker/agentworker/internal/config"
	"github.com/agentworker/agentworker/internal/storage"
	"github.com/agentworker/agentworker/internal/team"
	"github.com/agentworker/agentworker/internal/workflow"
	"github.com/agentworker/agentworker/pkg/protocol"
)

func loadWorkflowFile(path, tagOverride, kickoffOverride string) (*protocol.StartWorkflowRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	def, err := workflow.Parse(data)
	if err != nil {
		return nil, err
	}
	req := &protocol.StartWorkflowRequest{
		Name:    def.Name,
		Tag:     def.Tag,
		Kickoff: def.Kickoff,
	}
	if tagOverride != "" {
		req.Tag = tagOverride
	}
	if kickoffOverride != "" {
		req.Kickoff = kickoffOverride
	}
	for _, a := range def.Agents {
		req.Agents = append(req.Agents, protocol.WorkflowAgent{
			Name:     a.Name,
			Model:    a.Model,
			System:   a.SystemPrompt,
			Backend:  a.Backend,
			Schedule: a.Schedule,
		})
	}
	return req, nil
}

func startCmd() *cobra.Command {
	var tag, kickoff string
	cmd := &cobra.Command{
		Use:   "start <workflow.yaml>",
		Short: "Start a workflow and leave it running",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := loadWorkflowFile(args[0], tag, kickoff)
			if err != nil {
				return err
			}
			client, err := newClient()
			if err != nil {
				return err
			}
			summary, err := client.StartWorkflow(cmd.Context(), *req)
			if err != nil {
				return err
			}
			fmt.Printf("started %s:%s with %d agents\n", summary.Name, summary.Tag, len(summary.Agents))
			return nil
		},
	}
	cmd.Flags().StringVar(&tag, "tag", "", "instance tag (default from file, else \"default\")")
	cmd.Flags().StringVar(&kickoff, "kickoff", "", "kickoff message override")
	return cmd
}

func runCmd() *cobra.Command {
	var tag, kickoff string
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "run <workflow.yaml>",
		Short: "Run a workflow to completion, printing progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := loadWorkflowFile(args[0], tag, kickoff)
			if err != nil {
				return err
			}
			req.Mode = "run"
			if timeout > 0 {
				req.TimeoutMs = timeout.Milliseconds()
			}
			client, err := newClient()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT)
			defer stop()

			summary, err := client.StartWorkflow(ctx, *req)
			if err != nil {
				return err
			}
			fmt.Printf("running %s:%s (%d agents)\n", summary.Name, summary.Tag, len(summary.Agents))

			if err := watchWorkflow(ctx, client, summary.Name, summary.Tag); err != nil {
				if errors.Is(err, context.Canceled) {
					fmt.Fprintln(os.Stderr, "interrupted; workflow keeps running on the daemon")
					os.Exit(130)
				}
				return err
			}
			printTranscript(summary.Name, summary.Tag, summary.StartedAt)
			return nil
		},
	}
	cmd.Flags().StringVar(&tag, "tag", "", "instance tag (default from file, else \"default\")")
	cmd.Flags().StringVar(&kickoff, "kickoff", "", "kickoff message override")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "completion timeout (default 10m)")
	return cmd
}

// watchWorkflow polls the instance until run mode tears it down, printing
// agent state transitions along the way.
func watchWorkflow(ctx context.Context, client *protocol.Client, name, tag string) error {
	last := make(map[string]string)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		list, err := client.ListWorkflows(ctx)
		if err != nil {
			return err
		}
		var current *protocol.WorkflowSummary
		for i := range list {
			if list[i].Name == name && list[i].Tag == tag {
				current = &list[i]
				break
			}
		}
		if current == nil {
			fmt.Println("workflow complete")
			return nil
		}
		names := make([]string, 0, len(current.Agents))
		for n := range current.Agents {
			names = append(names, n)
		}
		sort.Strings(names)
		for _, n := range names {
			if state := current.Agents[n]; last[n] != state {
				fmt.Printf("  %s: %s\n", n, state)
				last[n] = state
			}
		}
	}
}

// printTranscript dumps the instance's channel from disk, which survives
// the teardown.
func printTranscript(name, tag string, startedAt int64) {
	store, err := storage.NewFileStorage(config.WorkflowContextDir(name, tag))
	if err != nil {
		return
	}
	provider := team.NewProvider(store, nil)
	msgs, err := provider.Channel.Read(team.ReadOptions{Since: time.UnixMilli(startedAt).Add(-time.Second)})
	if err != nil || len(msgs) == 0 {
		return
	}
	fmt.Println()
	for _, m := range msgs {
		fmt.Printf("%s: %s\n", m.From, strings.TrimSpace(m.Content))
	}
}
