package provider

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/lambda"

	"github.com/sympozium/agentcore/internal/config"
	"github.com/sympozium/agentcore/internal/store"
)

func TestStripThinkTags(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"no think block", "plain answer", "plain answer"},
		{"single block", "<think>reasoning here</think>final answer", "final answer"},
		{"surrounding text kept", "before <think>hidden</think> after", "before  after"},
		{"unterminated block drops rest", "keep this <think>never closes", "keep this"},
		{"multiple blocks", "<think>a</think>mid<think>b</think>end", "midend"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StripThinkTags(tt.input); got != tt.want {
				t.Errorf("StripThinkTags(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

type fakeLambdaInvoker struct {
	payload []byte
	err     error
	gotFn   string
}

func (f *fakeLambdaInvoker) Invoke(ctx context.Context, params *lambda.InvokeInput, optFns ...func(*lambda.Options)) (*lambda.InvokeOutput, error) {
	if params.FunctionName != nil {
		f.gotFn = *params.FunctionName
	}
	if f.err != nil {
		return nil, f.err
	}
	return &lambda.InvokeOutput{Payload: f.payload}, nil
}

func TestDispatcherRunRemoteBedrockOmitsAPIKey(t *testing.T) {
	fake := &fakeLambdaInvoker{}
	// Capture the request payload by wrapping Invoke.
	var captured remoteRequest
	wrapper := &capturingInvoker{inner: fake, onInvoke: func(payload []byte) {
		_ = json.Unmarshal(payload, &captured)
	}}

	respPayload, _ := json.Marshal(remoteResponse{
		Response: "hello from bedrock",
		Provider: "BEDROCK",
		Model:    "anthropic.claude-3",
	})
	fake.payload = respPayload

	cfg := &config.Config{LambdaAgentFunctionName: "agent-runner-fn", RemoteExecutionEnabled: true}
	d := newDispatcherForTest(cfg, wrapper, nil)

	instance := &store.AgentInstance{
		Provider:  store.ProviderBedrock,
		ModelName: "anthropic.claude-3",
		UseLambda: true,
	}

	resp, err := d.Run(context.Background(), instance, Request{Prompt: "hi"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.Output != "hello from bedrock" {
		t.Errorf("got output %q", resp.Output)
	}
	if captured.APIKey != "" {
		t.Errorf("expected BEDROCK wire request to omit api_key, got %q", captured.APIKey)
	}
	if captured.EnableTools {
		t.Error("remote wire format must always send enable_tools=false")
	}
	if fake.gotFn != "agent-runner-fn" {
		t.Errorf("invoked function %q, want agent-runner-fn", fake.gotFn)
	}
}

func TestDispatcherRunBedrockWithoutRemoteFails(t *testing.T) {
	cfg := &config.Config{RemoteExecutionEnabled: false}
	d := newDispatcherForTest(cfg, nil, nil)

	instance := &store.AgentInstance{Provider: store.ProviderBedrock, UseLambda: true}
	_, err := d.Run(context.Background(), instance, Request{Prompt: "hi"})
	if err != ErrBedrockRequiresRemote {
		t.Errorf("got err %v, want ErrBedrockRequiresRemote", err)
	}
}

func TestDispatcherRunRemoteStripsThinkTags(t *testing.T) {
	fake := &fakeLambdaInvoker{}
	respPayload, _ := json.Marshal(remoteResponse{
		Response: "<think>pondering</think>the answer",
	})
	fake.payload = respPayload

	cfg := &config.Config{LambdaAgentFunctionName: "fn", RemoteExecutionEnabled: true}
	d := newDispatcherForTest(cfg, fake, nil)

	instance := &store.AgentInstance{
		Provider:  store.ProviderOpenAI,
		ModelName: "gpt-4o",
		UseLambda: true,
		APIKey:    "sk-test",
	}

	resp, err := d.Run(context.Background(), instance, Request{Prompt: "hi"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.Output != "the answer" {
		t.Errorf("got %q, want think tags stripped", resp.Output)
	}
}

// capturingInvoker wraps another lambdaInvoker and hands the raw request
// payload to onInvoke before delegating.
type capturingInvoker struct {
	inner    lambdaInvoker
	onInvoke func(payload []byte)
}

func (c *capturingInvoker) Invoke(ctx context.Context, params *lambda.InvokeInput, optFns ...func(*lambda.Options)) (*lambda.InvokeOutput, error) {
	if c.onInvoke != nil {
		c.onInvoke(params.Payload)
	}
	return c.inner.Invoke(ctx, params, optFns...)
}
