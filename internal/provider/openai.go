package provider

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/openai/openai-go/v3"
	openaioption "github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"github.com/sympozium/agentcore/internal/store"
)

type openAIClient struct {
	apiKey   string
	baseURL  string
	model    string
	provider store.Provider
	toolExec ToolExecutor
}

func newOpenAIClient(instance *store.AgentInstance, baseURLOverride string, provider store.Provider, toolExec ToolExecutor) *openAIClient {
	baseURL := baseURLOverride
	if baseURL == "" {
		baseURL = instance.TargetURL
	}
	return &openAIClient{
		apiKey:   instance.APIKey,
		baseURL:  baseURL,
		model:    instance.ModelName,
		provider: provider,
		toolExec: toolExec,
	}
}

func (c *openAIClient) Capabilities() Capabilities {
	return Capabilities{SupportsTools: true}
}

func (c *openAIClient) Run(ctx context.Context, req Request) (*Response, error) {
	opts := []openaioption.RequestOption{
		openaioption.WithMaxRetries(5),
	}
	if c.apiKey != "" {
		opts = append(opts, openaioption.WithAPIKey(c.apiKey))
	}
	if c.baseURL != "" {
		opts = append(opts, openaioption.WithBaseURL(c.baseURL))
	}

	client := openai.NewClient(opts...)

	var oaiTools []openai.ChatCompletionToolUnionParam
	for _, t := range req.Tools {
		oaiTools = append(oaiTools, openai.ChatCompletionFunctionTool(shared.FunctionDefinitionParam{
			Name:        t.Name,
			Description: openai.String(t.Description),
			Parameters:  shared.FunctionParameters(t.Parameters),
		}))
	}

	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(req.SystemPrompt),
		openai.UserMessage(req.Prompt),
	}

	usage := &Usage{}

	for i := 0; i < maxToolIterations; i++ {
		params := openai.ChatCompletionNewParams{
			Model:    openai.ChatModel(c.model),
			Messages: messages,
		}
		if len(oaiTools) > 0 {
			params.Tools = oaiTools
		}

		completion, err := client.Chat.Completions.New(ctx, params)
		if err != nil {
			var apiErr *openai.Error
			if errors.As(err, &apiErr) {
				return nil, fmt.Errorf("%s provider: API error (HTTP %d): %s", c.provider, apiErr.StatusCode, truncateStr(apiErr.Error(), 500))
			}
			return nil, fmt.Errorf("%s provider: %w", c.provider, err)
		}

		usage.InputTokens += int(completion.Usage.PromptTokens)
		usage.OutputTokens += int(completion.Usage.CompletionTokens)
		usage.TotalTokens = usage.InputTokens + usage.OutputTokens

		if len(completion.Choices) == 0 {
			return nil, fmt.Errorf("%s provider: no choices in completion response", c.provider)
		}
		choice := completion.Choices[0]

		if choice.FinishReason == "tool_calls" && len(choice.Message.ToolCalls) > 0 {
			if c.toolExec == nil {
				return nil, fmt.Errorf("%s provider: model requested tools but no executor is bound", c.provider)
			}
			messages = append(messages, choice.Message.ToParam())

			for _, tc := range choice.Message.ToolCalls {
				fc := tc.AsFunction()
				log.Printf("%s provider: tool_call %s id=%s", c.provider, fc.Function.Name, fc.ID)
				result := c.toolExec.Execute(ctx, fc.Function.Name, fc.Function.Arguments)
				messages = append(messages, openai.ToolMessage(result, fc.ID))
			}
			continue
		}

		return &Response{Output: choice.Message.Content, Usage: usage}, nil
	}

	return nil, fmt.Errorf("%s provider: exceeded maximum tool-call iterations (%d)", c.provider, maxToolIterations)
}
