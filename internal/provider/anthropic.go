package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"

	"github.com/sympozium/agentcore/internal/store"
)

// maxToolIterations bounds the tool-call round-trip loop for every
// in-process provider client.
const maxToolIterations = 25

const defaultMaxTokens = 8192

type anthropicClient struct {
	apiKey    string
	baseURL   string
	model     string
	toolExec  ToolExecutor
}

func newAnthropicClient(instance *store.AgentInstance, toolExec ToolExecutor) *anthropicClient {
	return &anthropicClient{
		apiKey:   instance.APIKey,
		baseURL:  instance.TargetURL,
		model:    instance.ModelName,
		toolExec: toolExec,
	}
}

func (c *anthropicClient) Capabilities() Capabilities {
	return Capabilities{SupportsTools: true}
}

func (c *anthropicClient) Run(ctx context.Context, req Request) (*Response, error) {
	opts := []anthropicoption.RequestOption{
		anthropicoption.WithMaxRetries(5),
	}
	if c.apiKey != "" {
		opts = append(opts, anthropicoption.WithAPIKey(c.apiKey))
	}
	if c.baseURL != "" {
		opts = append(opts, anthropicoption.WithBaseURL(c.baseURL))
	}

	client := anthropic.NewClient(opts...)

	var anthropicTools []anthropic.ToolUnionParam
	for _, t := range req.Tools {
		schema := anthropic.ToolInputSchemaParam{
			Properties: t.Parameters["properties"],
		}
		if required, ok := t.Parameters["required"].([]string); ok {
			schema.Required = required
		}
		tool := anthropic.ToolUnionParamOfTool(schema, t.Name)
		tool.OfTool.Description = anthropic.String(t.Description)
		anthropicTools = append(anthropicTools, tool)
	}

	messages := []anthropic.MessageParam{
		anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	usage := &Usage{}

	for i := 0; i < maxToolIterations; i++ {
		params := anthropic.MessageNewParams{
			Model:     anthropic.Model(c.model),
			MaxTokens: int64(maxTokens),
			System: []anthropic.TextBlockParam{
				{Text: req.SystemPrompt},
			},
			Messages: messages,
		}
		if len(anthropicTools) > 0 {
			params.Tools = anthropicTools
		}

		message, err := client.Messages.New(ctx, params)
		if err != nil {
			var apiErr *anthropic.Error
			if errors.As(err, &apiErr) {
				return nil, fmt.Errorf("anthropic provider: API error (HTTP %d): %s", apiErr.StatusCode, truncateStr(apiErr.Error(), 500))
			}
			return nil, fmt.Errorf("anthropic provider: %w", err)
		}

		usage.InputTokens += int(message.Usage.InputTokens)
		usage.OutputTokens += int(message.Usage.OutputTokens)
		usage.TotalTokens = usage.InputTokens + usage.OutputTokens

		var textContent strings.Builder
		var toolUseBlocks []anthropic.ToolUseBlock
		for _, block := range message.Content {
			switch v := block.AsAny().(type) {
			case anthropic.TextBlock:
				textContent.WriteString(v.Text)
			case anthropic.ToolUseBlock:
				toolUseBlocks = append(toolUseBlocks, v)
			}
		}

		if message.StopReason != anthropic.StopReasonToolUse || len(toolUseBlocks) == 0 {
			return &Response{Output: textContent.String(), Usage: usage}, nil
		}

		if c.toolExec == nil {
			return nil, fmt.Errorf("anthropic provider: model requested tools but no executor is bound")
		}

		var assistantBlocks []anthropic.ContentBlockParamUnion
		for _, block := range message.Content {
			switch v := block.AsAny().(type) {
			case anthropic.TextBlock:
				assistantBlocks = append(assistantBlocks, anthropic.NewTextBlock(v.Text))
			case anthropic.ToolUseBlock:
				assistantBlocks = append(assistantBlocks,
					anthropic.NewToolUseBlock(v.ID, json.RawMessage(v.Input), v.Name))
			}
		}
		messages = append(messages, anthropic.NewAssistantMessage(assistantBlocks...))

		var resultBlocks []anthropic.ContentBlockParamUnion
		for _, tu := range toolUseBlocks {
			log.Printf("anthropic provider: tool_use %s id=%s", tu.Name, tu.ID)
			result := c.toolExec.Execute(ctx, tu.Name, string(tu.Input))
			isErr := strings.HasPrefix(result, "Error:")
			resultBlocks = append(resultBlocks, anthropic.NewToolResultBlock(tu.ID, result, isErr))
		}
		messages = append(messages, anthropic.NewUserMessage(resultBlocks...))
	}

	return nil, fmt.Errorf("anthropic provider: exceeded maximum tool-call iterations (%d)", maxToolIterations)
}

func truncateStr(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
