// Package cmd is the agent-worker CLI. Every command except `daemon` is a
// thin client over the HTTP control plane; the daemon is found through the
// discovery file.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentworker/agentworker/internal/config"
	"github.com/agentworker/agentworker/internal/discovery"
	"github.com/agentworker/agentworker/pkg/protocol"
)

// Version is set at build time via
// -ldflags "-X github.com/agentworker/agentworker/cmd.Version=v1.0.0".
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "agent-worker",
	Short: "agent-worker — multi-agent orchestration daemon",
	Long: "agent-worker runs a team of LLM agents that collaborate through a shared\n" +
		"channel, inboxes, and documents. The daemon hosts the agent loops and an MCP\n" +
		"tool endpoint; this CLI manages agents and workflows over its HTTP API.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/.agent-worker/config.json)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(daemonCmd())
	rootCmd.AddCommand(newCmd())
	rootCmd.AddCommand(lsCmd())
	rootCmd.AddCommand(rmCmd())
	rootCmd.AddCommand(sendCmd())
	rootCmd.AddCommand(peekCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(stopCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(doctorCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("agent-worker %s (api %d)\n", Version, protocol.APIVersion)
		},
	}
}

func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		path = config.ConfigPath()
	}
	return config.Load(path)
}

// newClient builds a control-plane client from the discovery file, falling
// back to configured host/port when no daemon has published one.
func newClient() (*protocol.Client, error) {
	if info, err := discovery.Read(); err == nil {
		host := info.Host
		if host == "" || host == "0.0.0.0" {
			host = "127.0.0.1"
		}
		return protocol.NewClient(host, info.Port, info.Token), nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	host := cfg.Daemon.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return protocol.NewClient(host, cfg.Daemon.Port, cfg.Daemon.Token), nil
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
