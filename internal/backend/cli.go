package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/agentworker/agentworker/internal/config"
	"github.com/agentworker/agentworker/pkg/protocol"
)

// CLIBackend shells out to an agent CLI (claude-style) in non-interactive
// mode. The subprocess talks to the collaboration tool endpoint itself over
// MCP; we only pass the URL and stream-parse stdout for the final text and
// tool-call records.
type CLIBackend struct {
	command string
	args    []string
	timeout time.Duration

	mu  sync.Mutex
	cmd *exec.Cmd
}

// NewCLIBackend builds the subprocess backend from provider config.
func NewCLIBackend(cfg config.CLIConfig) *CLIBackend {
	command := cfg.Command
	if command == "" {
		command = "claude"
	}
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &CLIBackend{command: command, args: cfg.Args, timeout: timeout}
}

func (b *CLIBackend) Name() string { return "cli" }

// Abort kills the running subprocess, if any.
func (b *CLIBackend) Abort() {
	b.mu.Lock()
	cmd := b.cmd
	b.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

// streamEvent is one line of the CLI's stream-json output. Assistant turns
// nest content blocks; result carries the final text.
type streamEvent struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`
	Result  string `json:"result,omitempty"`
	Message struct {
		Content []struct {
			Type  string         `json:"type"`
			Text  string         `json:"text,omitempty"`
			Name  string         `json:"name,omitempty"`
			Input map[string]any `json:"input,omitempty"`
		} `json:"content"`
	} `json:"message"`
}

// Send runs one subprocess turn. The prompt goes on stdin; opts.MCPURL is
// written to a temporary MCP config file passed to the CLI.
func (b *CLIBackend) Send(ctx context.Context, prompt string, opts SendOptions) (*Response, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = b.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append([]string{}, b.args...)
	args = append(args, "--print", "--output-format", "stream-json", "--verbose")
	if opts.System != "" {
		args = append(args, "--append-system-prompt", opts.System)
	}
	if opts.MCPURL != "" {
		manifest, err := writeMCPManifest(opts.MCPURL)
		if err != nil {
			return nil, err
		}
		defer os.Remove(manifest)
		args = append(args, "--mcp-config", manifest)
	}
	if opts.MaxSteps > 0 {
		args = append(args, "--max-turns", fmt.Sprintf("%d", opts.MaxSteps))
	}

	cmd := exec.CommandContext(ctx, b.command, args...)
	cmd.Stdin = strings.NewReader(prompt)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("cli backend: %w", err)
	}

	b.mu.Lock()
	b.cmd = cmd
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.cmd = nil
		b.mu.Unlock()
	}()

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("cli backend start %s: %w: %w", b.command, protocol.ErrBackendFailure, err)
	}

	resp := parseStream(stdout)

	if err := cmd.Wait(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("cli backend: %w after %s", protocol.ErrTimeout, timeout)
		}
		slog.Warn("backend.cli.exit", "error", err, "stderr", truncate(stderr.String(), 400))
		return nil, fmt.Errorf("cli backend exit: %w: %w", protocol.ErrBackendFailure, err)
	}
	return resp, nil
}

// parseStream consumes stream-json lines, collecting assistant text and
// tool_use records. Unparseable lines are skipped.
func parseStream(r interface{ Read([]byte) (int, error) }) *Response {
	resp := &Response{}
	var text strings.Builder

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev streamEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}
		switch ev.Type {
		case "assistant":
			for _, block := range ev.Message.Content {
				switch block.Type {
				case "text":
					text.WriteString(block.Text)
				case "tool_use":
					resp.ToolCalls = append(resp.ToolCalls, ToolCallRecord{
						Name:      block.Name,
						Arguments: block.Input,
					})
				}
			}
		case "result":
			if ev.Result != "" {
				resp.Content = ev.Result
			}
		}
	}
	if resp.Content == "" {
		resp.Content = strings.TrimSpace(text.String())
	}
	return resp
}

// writeMCPManifest emits a one-server MCP config pointing at the workspace
// tool endpoint.
func writeMCPManifest(url string) (string, error) {
	manifest := map[string]any{
		"mcpServers": map[string]any{
			"agent-worker": map[string]any{
				"type": "http",
				"url":  url,
			},
		},
	}
	data, err := json.Marshal(manifest)
	if err != nil {
		return "", err
	}
	f, err := os.CreateTemp("", "agent-worker-mcp-*.json")
	if err != nil {
		return "", fmt.Errorf("mcp manifest: %w", err)
	}
	path := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("mcp manifest: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("mcp manifest: %w", err)
	}
	return filepath.Clean(path), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
