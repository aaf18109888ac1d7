// Package provider dispatches a single-turn completion to one of five LLM
// backends, either in-process or via a remote serverless RPC.
package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/lambda"

	"github.com/sympozium/agentcore/internal/config"
	"github.com/sympozium/agentcore/internal/store"
)

// lambdaInvoker is the slice of *lambda.Client's surface the Dispatcher
// needs; *lambda.Client satisfies it. Defined as an interface so tests can
// substitute a fake invoker without a live AWS endpoint.
type lambdaInvoker interface {
	Invoke(ctx context.Context, params *lambda.InvokeInput, optFns ...func(*lambda.Options)) (*lambda.InvokeOutput, error)
}

// ErrBedrockRequiresRemote is returned if a BEDROCK dispatch is attempted
// in-process; BEDROCK always takes the remote-execution path.
var ErrBedrockRequiresRemote = errors.New("provider: BEDROCK must dispatch via remote execution")

// ToolDef describes a tool available for function calling, mirroring the
// teacher's cmd/agent-runner/tools.go ToolDef shape.
type ToolDef struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Message is one turn of conversation history passed to a provider.
type Message struct {
	Role    string // user, assistant
	Content string
}

// Request is a single-turn completion request.
type Request struct {
	Prompt       string
	SystemPrompt string
	Messages     []Message
	Tools        []ToolDef
	MaxTokens    int
	Temperature  float64
	Context      map[string]any
	AgentType    store.AgentType
	AgentName    string
}

// Usage reports token accounting for a completion.
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// Response is a normalized completion result, the same shape whether it
// came from an in-process client or the remote-execution path.
type Response struct {
	Output string
	Usage  *Usage
}

// Capabilities reports what a Client variant supports. Neither the
// Dispatcher nor the Execution Engine reads it: a Request's Tools are handed
// to every in-process client, and a client without tool support ignores them.
type Capabilities struct {
	SupportsTools bool
}

// Client is the small polymorphism-over-providers interface from
// spec.md §9: a handful of concrete variants, one per provider.
type Client interface {
	Run(ctx context.Context, req Request) (*Response, error)
	Capabilities() Capabilities
}

// ToolExecutor runs a tool call by name and returns its textual result,
// following cmd/agent-runner/main.go's executeToolCall signature. It is
// injected rather than imported directly to avoid a dependency cycle with
// internal/secureapi (C6 is invoked re-entrantly by C5).
type ToolExecutor interface {
	Execute(ctx context.Context, name, argsJSON string) string
}

// Dispatcher decides, per AgentInstance, whether to run a provider
// in-process or via the remote-execution RPC, and normalizes either path
// into the same Response shape.
type Dispatcher struct {
	cfg          *config.Config
	lambdaClient lambdaInvoker
	toolExecutor ToolExecutor
}

// NewDispatcher constructs a Dispatcher. lambdaClient may be nil if remote
// execution is disabled.
func NewDispatcher(cfg *config.Config, lambdaClient *lambda.Client, toolExecutor ToolExecutor) *Dispatcher {
	var invoker lambdaInvoker
	if lambdaClient != nil {
		invoker = lambdaClient
	}
	return &Dispatcher{cfg: cfg, lambdaClient: invoker, toolExecutor: toolExecutor}
}

// newDispatcherForTest builds a Dispatcher around an arbitrary lambdaInvoker,
// bypassing the *lambda.Client-typed constructor.
func newDispatcherForTest(cfg *config.Config, invoker lambdaInvoker, toolExecutor ToolExecutor) *Dispatcher {
	return &Dispatcher{cfg: cfg, lambdaClient: invoker, toolExecutor: toolExecutor}
}

// Run dispatches req against instance, taking the remote-execution path
// when instance.UseLambda is set and global remote execution is enabled;
// BEDROCK always takes that path. The returned output has already had
// <think>...</think> blocks stripped.
func (d *Dispatcher) Run(ctx context.Context, instance *store.AgentInstance, req Request) (*Response, error) {
	var (
		resp *Response
		err  error
	)

	if instance.Provider == store.ProviderBedrock || (instance.UseLambda && d.cfg.RemoteExecutionEnabled) {
		if instance.Provider == store.ProviderBedrock && !d.cfg.RemoteExecutionEnabled {
			return nil, ErrBedrockRequiresRemote
		}
		resp, err = d.runRemote(ctx, instance, req)
	} else {
		client, buildErr := d.buildClient(instance)
		if buildErr != nil {
			return nil, buildErr
		}
		resp, err = client.Run(ctx, req)
	}
	if err != nil {
		return nil, err
	}

	resp.Output = StripThinkTags(resp.Output)
	return resp, nil
}

func (d *Dispatcher) buildClient(instance *store.AgentInstance) (Client, error) {
	switch instance.Provider {
	case store.ProviderAnthropic:
		return newAnthropicClient(instance, d.toolExecutor), nil
	case store.ProviderOpenAI:
		return newOpenAIClient(instance, "", store.ProviderOpenAI, d.toolExecutor), nil
	case store.ProviderOllama:
		baseURL := instance.TargetURL
		if baseURL == "" {
			baseURL = "http://localhost:11434/v1"
		}
		return newOpenAIClient(instance, baseURL, store.ProviderOllama, d.toolExecutor), nil
	case store.ProviderGemini:
		return newGeminiClient(instance), nil
	case store.ProviderBedrock:
		return nil, ErrBedrockRequiresRemote
	default:
		return nil, fmt.Errorf("provider: unknown provider %q", instance.Provider)
	}
}
