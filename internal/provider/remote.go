package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/lambda"

	"github.com/sympozium/agentcore/internal/store"
)

// remoteRequest is the wire format invoked synchronously against the
// configured remote-execution function. BEDROCK omits ApiKey entirely
// (it has none); other providers omit it only if the instance has none,
// which Validate forbids, so in practice it is always present for them.
type remoteRequest struct {
	Provider     store.Provider `json:"provider"`
	ModelName    string         `json:"model_name"`
	APIKey       string         `json:"api_key,omitempty"`
	TargetURL    string         `json:"target_url,omitempty"`
	Prompt       string         `json:"prompt"`
	SystemPrompt string         `json:"system_prompt,omitempty"`
	AgentType    store.AgentType `json:"agent_type"`
	AgentName   string         `json:"agent_name"`
	EnableTools bool           `json:"enable_tools"`
	Context     map[string]any `json:"context,omitempty"`
	MaxTokens   int            `json:"max_tokens,omitempty"`
	Temperature float64        `json:"temperature,omitempty"`
}

type remoteTokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

type remoteResponse struct {
	Response             string            `json:"response"`
	Provider             string            `json:"provider"`
	Model                string            `json:"model"`
	Metadata             map[string]any    `json:"metadata,omitempty"`
	Timestamp            string            `json:"timestamp"`
	ExecutionTimeSeconds float64           `json:"execution_time_seconds"`
	TokenUsage           *remoteTokenUsage `json:"token_usage,omitempty"`
}

// runRemote serializes req per spec.md §6's remote-execution wire format
// and invokes the configured AWS Lambda function synchronously
// (RequestResponse), per the remote "serverless" dispatch alternative.
// Tool calling is never offered across the remote boundary: the wire
// format swallows multimodal/tool content and passes only text, so
// enable_tools is always sent false.
func (d *Dispatcher) runRemote(ctx context.Context, instance *store.AgentInstance, req Request) (*Response, error) {
	if d.lambdaClient == nil {
		return nil, fmt.Errorf("provider: remote execution requested but no Lambda client configured")
	}

	wireReq := remoteRequest{
		Provider:     instance.Provider,
		ModelName:    instance.ModelName,
		APIKey:       instance.APIKey,
		TargetURL:    instance.TargetURL,
		Prompt:       req.Prompt,
		SystemPrompt: req.SystemPrompt,
		AgentType:    req.AgentType,
		AgentName:    req.AgentName,
		EnableTools:  false,
		Context:      req.Context,
		MaxTokens:    req.MaxTokens,
		Temperature:  req.Temperature,
	}
	if instance.Provider == store.ProviderBedrock {
		wireReq.APIKey = ""
	}

	payload, err := json.Marshal(wireReq)
	if err != nil {
		return nil, fmt.Errorf("provider: marshaling remote-execution request: %w", err)
	}

	out, err := d.lambdaClient.Invoke(ctx, &lambda.InvokeInput{
		FunctionName:   &d.cfg.LambdaAgentFunctionName,
		Payload:        payload,
		InvocationType: "RequestResponse",
	})
	if err != nil {
		return nil, fmt.Errorf("provider: invoking remote execution function: %w", err)
	}
	if out.FunctionError != nil {
		return nil, fmt.Errorf("provider: remote execution function error: %s", string(out.Payload))
	}

	var wireResp remoteResponse
	if err := json.Unmarshal(out.Payload, &wireResp); err != nil {
		return nil, fmt.Errorf("provider: decoding remote-execution response: %w", err)
	}

	resp := &Response{Output: wireResp.Response}
	if wireResp.TokenUsage != nil {
		resp.Usage = &Usage{
			InputTokens:  wireResp.TokenUsage.InputTokens,
			OutputTokens: wireResp.TokenUsage.OutputTokens,
			TotalTokens:  wireResp.TokenUsage.TotalTokens,
		}
	}
	return resp, nil
}
