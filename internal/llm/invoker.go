// Package llm defines the contract between the workflow engine and the model
// backend. The engine renders prompts and hands them to an Invoker; how the
// call reaches a vendor is the caller's concern.
package llm

import "context"

// Request carries one rendered prompt to the model backend.
type Request struct {
	Prompt       string `json:"prompt"`
	SystemPrompt string `json:"system_prompt,omitempty"`

	// OutputSchema is the JSON-Schema-like shape the structured response must
	// match, or nil for free-form output. It is forwarded opaquely; the engine
	// validates the response against it separately.
	OutputSchema map[string]any `json:"output_schema,omitempty"`

	AccessToken string `json:"access_token,omitempty"`
	Model       string `json:"model,omitempty"`
	OutputMode  string `json:"output_mode,omitempty"`
}

// Response is the structured value returned by the model backend plus the raw
// call metadata (token counts, finish reason, vendor payloads). Metadata is
// forwarded to the tracer, never interpreted by the engine.
type Response struct {
	Value    any
	Metadata map[string]any
}

// Invoker executes one LLM call. Implementations are expected to honor
// ctx cancellation and to enforce their own timeouts; the engine has none.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (*Response, error)
}

// Func adapts a plain function to the Invoker interface.
type Func func(ctx context.Context, req Request) (*Response, error)

func (f Func) Invoke(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}
