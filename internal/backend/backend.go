// Package backend adapts LLM providers to the loop. The core only needs
// Send(prompt, opts) -> response; tool execution differs per variant. The
// anthropic backend runs tool handlers in-process, the cli backend hands the
// MCP URL to a subprocess, the mock backend scripts replies for tests.
package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/agentworker/agentworker/internal/config"
)

// ToolDef is an executable tool passed to in-process backends. Schema is a
// JSON-schema object; Handler returns the tool result text.
type ToolDef struct {
	Name        string
	Description string
	Schema      map[string]any
	Handler     func(ctx context.Context, args map[string]any) (string, error)
}

// ToolCallRecord is one tool invocation observed during a send.
type ToolCallRecord struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Result    string         `json:"result,omitempty"`
	IsError   bool           `json:"isError,omitempty"`
}

// Usage tracks token consumption for one send.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// Response is the outcome of one backend send.
type Response struct {
	Content   string
	ToolCalls []ToolCallRecord
	Usage     Usage
}

// SendOptions carries everything beyond the user prompt.
type SendOptions struct {
	System    string
	Tools     []ToolDef // in-process handlers (anthropic backend)
	MCPURL    string    // tool endpoint (cli backend)
	MaxSteps  int       // tool-loop bound, default 10
	MaxTokens int
	Timeout   time.Duration // default 10m for the cli backend
}

// Backend is the LLM adapter contract.
type Backend interface {
	Name() string
	Send(ctx context.Context, prompt string, opts SendOptions) (*Response, error)
}

// Aborter is implemented by backends that can cancel an in-flight send.
type Aborter interface {
	Abort()
}

// DefaultMaxSteps bounds the tool loop when SendOptions.MaxSteps is zero.
const DefaultMaxSteps = 10

// New builds a backend by name from provider config.
func New(name string, cfg config.ProvidersConfig) (Backend, error) {
	switch name {
	case "", "anthropic":
		return NewAnthropicBackend(cfg.Anthropic)
	case "cli":
		return NewCLIBackend(cfg.CLI), nil
	case "mock":
		return NewMockBackend(), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", name)
	}
}
