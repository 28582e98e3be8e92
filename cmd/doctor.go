package cmd

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/spf13/cobra"

	"github.com/agentworker/agentworker/internal/config"
	"github.com/agentworker/agentworker/internal/discovery"
	"github.com/agentworker/agentworker/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check daemon connectivity and the MCP tool endpoint",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor(cmd.Context())
		},
	}
}

func runDoctor(ctx context.Context) {
	fmt.Println("agent-worker doctor")
	fmt.Printf("  Version:  %s (api %d)\n", Version, protocol.APIVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Printf("  Home:     %s\n", config.BaseDir())
	fmt.Println()

	info, err := discovery.Read()
	if err != nil {
		fmt.Printf("  Daemon:   not running (%s)\n", err)
		return
	}
	fmt.Printf("  Daemon:   pid %d at %s\n", info.PID, info.BaseURL())

	client := protocol.NewClient("127.0.0.1", info.Port, info.Token)
	health, err := client.Health(ctx)
	if err != nil {
		fmt.Printf("  Health:   FAILED (%s)\n", err)
		return
	}
	fmt.Printf("  Health:   OK (%s, up %s, %d agents, %d workflows)\n",
		health.Version, (time.Duration(health.UptimeSec) * time.Second).String(),
		len(health.Agents), len(health.Workflows))

	checkMCP(ctx, info)
}

// checkMCP does an initialize + tools/list round trip against /mcp. With no
// live workspace there is nothing to bind to; that is not a failure.
func checkMCP(ctx context.Context, info *discovery.Info) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	url := info.BaseURL() + "/mcp?agent=doctor"
	client, err := mcpclient.NewStreamableHttpClient(url)
	if err != nil {
		fmt.Printf("  MCP:      FAILED (%s)\n", err)
		return
	}
	defer client.Close()
	if err := client.Start(ctx); err != nil {
		fmt.Printf("  MCP:      FAILED (%s)\n", err)
		return
	}

	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpgo.Implementation{Name: "agent-worker-doctor", Version: Version}
	if _, err := client.Initialize(ctx, initReq); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			fmt.Printf("  MCP:      FAILED (timeout)\n")
		} else {
			fmt.Printf("  MCP:      no live workspace (%s)\n", err)
		}
		return
	}
	tools, err := client.ListTools(ctx, mcpgo.ListToolsRequest{})
	if err != nil {
		fmt.Printf("  MCP:      FAILED (%s)\n", err)
		return
	}
	fmt.Printf("  MCP:      OK (%d tools)\n", len(tools.Tools))
}
