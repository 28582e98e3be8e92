package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agentworker/agentworker/internal/config"
	"github.com/agentworker/agentworker/internal/storage"
	"github.com/agentworker/agentworker/internal/team"
)

// peekCmd reads channel and inbox state straight off disk, so it works
// whether or not the daemon is running. `peek writer` looks at a standalone
// agent's context; `peek review:default` at a workflow instance's.
func peekCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "peek <agent | workflow:tag>",
		Short: "Show an agent's or workflow's channel and unread inbox",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := args[0]
			var dir string
			var agentName string
			if name, tag, ok := strings.Cut(target, ":"); ok {
				dir = config.WorkflowContextDir(name, tag)
			} else {
				dir = config.AgentContextDir(target)
				agentName = target
			}

			store, err := storage.NewFileStorage(dir)
			if err != nil {
				return fmt.Errorf("open context %s: %w", dir, err)
			}
			var roster []string
			if agentName != "" {
				roster = []string{agentName}
			}
			provider := team.NewProvider(store, roster)

			msgs, err := provider.Channel.Read(team.ReadOptions{Limit: limit})
			if err != nil {
				return err
			}
			if len(msgs) == 0 {
				fmt.Println("channel is empty")
			} else {
				printTable([]string{"TIME", "FROM", "MESSAGE"}, func(t *table) {
					for _, m := range msgs {
						t.add(m.Timestamp.Local().Format("15:04:05"), m.From, truncate(m.Content, 80))
					}
				})
			}

			if agentName != "" {
				items, err := provider.Inbox.GetInbox(agentName)
				if err != nil {
					return err
				}
				fmt.Printf("\nunread for %s: %d\n", agentName, len(items))
				for _, it := range items {
					fmt.Printf("  [%s] %s: %s\n", it.Priority, it.From, truncate(it.Content, 70))
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "channel messages to show")
	return cmd
}
