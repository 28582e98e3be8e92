package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agentworker/agentworker/pkg/protocol"
)

func sendCmd() *cobra.Command {
	var stream bool
	cmd := &cobra.Command{
		Use:   "send <agent> <message...>",
		Short: "Send a message to an agent and print the reply",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			agent := args[0]
			message := strings.Join(args[1:], " ")

			if stream {
				return client.Run(cmd.Context(), agent, message, func(event string, ev protocol.RunEvent) error {
					switch event {
					case protocol.EventChunk:
						fmt.Print(ev.Content)
					case protocol.EventDone:
						fmt.Println()
					case protocol.EventError:
						return fmt.Errorf("%s: %s", ev.Agent, ev.Error)
					}
					return nil
				})
			}

			res, err := client.Serve(cmd.Context(), agent, message)
			if err != nil {
				return err
			}
			fmt.Println(res.Content)
			if verbose {
				fmt.Printf("(%d ms, %d steps, tools: %s)\n",
					res.DurationMs, res.Steps, strings.Join(res.ToolCalls, ", "))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&stream, "stream", false, "stream the reply over SSE")
	return cmd
}
