package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/agentworker/agentworker/internal/config"
	"github.com/agentworker/agentworker/pkg/protocol"
)

const defaultModel = "claude-sonnet-4-5-20250929"

// AnthropicBackend is the in-process SDK variant. Tool handlers run inside
// the step loop: the model requests a tool, we execute it and feed the
// result back, bounded by MaxSteps.
type AnthropicBackend struct {
	client anthropic.Client
	model  string
}

// NewAnthropicBackend builds the SDK backend from provider config.
func NewAnthropicBackend(cfg config.AnthropicConfig) (*AnthropicBackend, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic api key missing: %w", protocol.ErrInvalid)
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicBackend{
		client: anthropic.NewClient(opts...),
		model:  defaultModel,
	}, nil
}

func (b *AnthropicBackend) Name() string { return "anthropic" }

// WithModel overrides the default model.
func (b *AnthropicBackend) WithModel(model string) *AnthropicBackend {
	if model != "" {
		b.model = model
	}
	return b
}

// Send runs one turn, executing tool calls in-process until the model stops
// requesting tools or MaxSteps is reached.
func (b *AnthropicBackend) Send(ctx context.Context, prompt string, opts SendOptions) (*Response, error) {
	maxSteps := opts.MaxSteps
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}
	maxTokens := int64(opts.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 8192
	}

	tools, handlers, err := convertTools(opts.Tools)
	if err != nil {
		return nil, err
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(b.model),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if opts.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: opts.System}}
	}
	if len(tools) > 0 {
		params.Tools = tools
	}

	resp := &Response{}
	var text strings.Builder

	for step := 0; step < maxSteps; step++ {
		msg, err := b.client.Messages.New(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("anthropic send: %w: %w", protocol.ErrBackendFailure, err)
		}
		resp.Usage.InputTokens += int(msg.Usage.InputTokens)
		resp.Usage.OutputTokens += int(msg.Usage.OutputTokens)

		var results []anthropic.ContentBlockParamUnion
		for _, block := range msg.Content {
			switch block.Type {
			case "text":
				text.WriteString(block.Text)
			case "tool_use":
				tu := block.AsToolUse()
				args := map[string]any{}
				if len(tu.Input) > 0 {
					// Malformed arguments still reach the handler as an
					// empty map so the error surfaces as a tool result.
					_ = json.Unmarshal(tu.Input, &args)
				}
				record := ToolCallRecord{Name: tu.Name, Arguments: args}
				out, herr := runHandler(ctx, handlers, tu.Name, args)
				if herr != nil {
					record.IsError = true
					record.Result = herr.Error()
					results = append(results, anthropic.NewToolResultBlock(tu.ID, herr.Error(), true))
				} else {
					record.Result = out
					results = append(results, anthropic.NewToolResultBlock(tu.ID, out, false))
				}
				resp.ToolCalls = append(resp.ToolCalls, record)
			}
		}

		if len(results) == 0 || msg.StopReason != "tool_use" {
			resp.Content = strings.TrimSpace(text.String())
			return resp, nil
		}

		params.Messages = append(params.Messages, msg.ToParam())
		params.Messages = append(params.Messages, anthropic.NewUserMessage(results...))
	}

	slog.Warn("backend.anthropic.max_steps", "steps", maxSteps, "toolCalls", len(resp.ToolCalls))
	resp.Content = strings.TrimSpace(text.String())
	return resp, nil
}

func runHandler(ctx context.Context, handlers map[string]ToolDef, name string, args map[string]any) (string, error) {
	def, ok := handlers[name]
	if !ok {
		return "", fmt.Errorf("tool %q not available", name)
	}
	return def.Handler(ctx, args)
}

func convertTools(defs []ToolDef) ([]anthropic.ToolUnionParam, map[string]ToolDef, error) {
	if len(defs) == 0 {
		return nil, nil, nil
	}
	handlers := make(map[string]ToolDef, len(defs))
	var tools []anthropic.ToolUnionParam
	for _, def := range defs {
		raw, err := json.Marshal(def.Schema)
		if err != nil {
			return nil, nil, fmt.Errorf("tool %s schema: %w", def.Name, err)
		}
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, nil, fmt.Errorf("tool %s schema: %w", def.Name, err)
		}
		tool := anthropic.ToolUnionParamOfTool(schema, def.Name)
		if tool.OfTool == nil {
			return nil, nil, errors.New("tool conversion failed: " + def.Name)
		}
		tool.OfTool.Description = anthropic.String(def.Description)
		tools = append(tools, tool)
		handlers[def.Name] = def
	}
	return tools, handlers, nil
}
