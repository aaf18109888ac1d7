// Package tools binds the four agent-callable functions — secure_api_call,
// list_user_projects, format_output, and api_discovery — to one execution's
// scope, following the teacher's cmd/agent-runner/tools.go ToolDef/
// defaultTools/executeToolCall shape.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sympozium/agentcore/internal/provider"
	"github.com/sympozium/agentcore/internal/secureapi"
	"github.com/sympozium/agentcore/internal/store"
)

const (
	ToolSecureAPICall   = "secure_api_call"
	ToolListUserProjects = "list_user_projects"
	ToolFormatOutput    = "format_output"
	ToolAPIDiscovery    = "api_discovery"
)

// Dispatcher binds the four agent tools to one task execution's
// (project, user) scope and records every secure_api_call audit entry it
// makes so the Execution Engine can fold them into the execution's
// api_security_summary once generation completes.
type Dispatcher struct {
	repo      store.Repository
	secureAPI *secureapi.Tool
	projectID string
	userID    string

	calls []store.APICall
}

// New constructs a Dispatcher scoped to one execution.
func New(repo store.Repository, projectID, userID string) *Dispatcher {
	return &Dispatcher{
		repo:      repo,
		secureAPI: secureapi.New(repo),
		projectID: projectID,
		userID:    userID,
	}
}

// Calls returns every audit record accumulated by secure_api_call
// invocations during this dispatcher's lifetime, in call order.
func (d *Dispatcher) Calls() []store.APICall {
	return d.calls
}

// Definitions returns the tool schemas to bind for this execution.
func Definitions() []provider.ToolDef {
	return []provider.ToolDef{
		{
			Name: ToolSecureAPICall,
			Description: "Make an authenticated HTTP call to an external API using a stored " +
				"project secret. Authentication scheme is discovered automatically from the URL.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"url":         map[string]any{"type": "string", "description": "The API endpoint URL"},
					"method":      map[string]any{"type": "string", "description": "HTTP method (GET, POST, PUT, PATCH, DELETE)"},
					"secret_name": map[string]any{"type": "string", "description": "Name of the project secret holding the credential"},
					"body":        map[string]any{"type": "object", "description": "Optional JSON request body for POST/PUT/PATCH"},
				},
				"required": []string{"url", "method", "secret_name"},
			},
		},
		{
			Name:        ToolListUserProjects,
			Description: "List the agent projects owned by the current user.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
		},
		{
			Name:        ToolFormatOutput,
			Description: "Re-render a block of text as pretty-printed JSON for a structured final answer.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"content": map[string]any{"type": "string", "description": "The content to format"},
				},
				"required": []string{"content"},
			},
		},
		{
			Name:        ToolAPIDiscovery,
			Description: "Report the authentication methods that would be tried, in order, for a given API URL.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"url": map[string]any{"type": "string", "description": "The API endpoint URL to inspect"},
				},
				"required": []string{"url"},
			},
		},
	}
}

// Execute implements provider.ToolExecutor: run the named tool with its
// JSON-encoded arguments and return a textual result. Errors are surfaced
// as "Error: ..." strings, matching the teacher's own executeToolCall
// convention of feeding errors back to the model as plain text rather than
// failing the turn.
func (d *Dispatcher) Execute(ctx context.Context, name, argsJSON string) string {
	switch name {
	case ToolSecureAPICall:
		return d.executeSecureAPICall(ctx, argsJSON)
	case ToolListUserProjects:
		return d.executeListUserProjects(ctx)
	case ToolFormatOutput:
		return d.executeFormatOutput(argsJSON)
	case ToolAPIDiscovery:
		return d.executeAPIDiscovery(argsJSON)
	default:
		return fmt.Sprintf("Error: unknown tool %q", name)
	}
}

func (d *Dispatcher) executeSecureAPICall(ctx context.Context, argsJSON string) string {
	var args struct {
		URL        string         `json:"url"`
		Method     string         `json:"method"`
		SecretName string         `json:"secret_name"`
		Body       map[string]any `json:"body"`
	}
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
		return fmt.Sprintf("Error: invalid arguments: %v", err)
	}

	result, err := d.secureAPI.Call(ctx, args.URL, args.Method, args.SecretName, d.userID, d.projectID, args.Body)
	if err != nil {
		if secErr, ok := err.(*secureapi.ErrSecurityScanFailed); ok {
			d.calls = append(d.calls, store.APICall{
				URL: args.URL, Method: args.Method, SecretName: args.SecretName,
				SecurityScanPassed: false, Error: secErr.Error(),
			})
		}
		return fmt.Sprintf("Error: %v", err)
	}

	d.calls = append(d.calls, result.Audit)
	return result.Body
}

func (d *Dispatcher) executeListUserProjects(ctx context.Context) string {
	projects, err := d.repo.ListProjectsForUser(ctx, d.userID)
	if err != nil {
		return fmt.Sprintf("Error: listing projects: %v", err)
	}
	encoded, err := json.Marshal(projects)
	if err != nil {
		return fmt.Sprintf("Error: encoding projects: %v", err)
	}
	return string(encoded)
}

func (d *Dispatcher) executeFormatOutput(argsJSON string) string {
	var args struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
		return fmt.Sprintf("Error: invalid arguments: %v", err)
	}

	var parsed any
	if err := json.Unmarshal([]byte(args.Content), &parsed); err == nil {
		pretty, err := json.MarshalIndent(parsed, "", "  ")
		if err == nil {
			return string(pretty)
		}
	}
	return args.Content
}

func (d *Dispatcher) executeAPIDiscovery(argsJSON string) string {
	var args struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
		return fmt.Sprintf("Error: invalid arguments: %v", err)
	}
	methods := secureapi.DetectLikelyAuthMethods(args.URL)
	encoded, _ := json.Marshal(map[string]any{"url": args.URL, "candidate_auth_methods": methods})
	return string(encoded)
}
