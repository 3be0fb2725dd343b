package engine

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/rendis/promptflow/internal/llm"
	"github.com/rendis/promptflow/internal/template"
	"github.com/rendis/promptflow/pkg/schema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// DefaultSystemPrompt is used when a prompt declaration omits system_prompt.
const DefaultSystemPrompt = "You are a careful assistant. Complete the task exactly as instructed " +
	"and answer only with the requested output."

// thoughtKey is removed from dict-shaped results when strip_thought is on.
// The field lets the model reason before answering; it is not pipeline output.
const thoughtKey = "thought"

// Prompt is the LLM-call step: it renders its templates against the live
// context, delegates to the configured Invoker and validates the structured
// response against the declared output schema.
type Prompt struct {
	id           string
	prompt       string
	systemPrompt string
	output       map[string]any
	compiled     *jsonschema.Schema
	stripThought bool
}

// NewPrompt builds a prompt step from its declaration. A malformed output
// schema is a configuration error raised here, before any execution.
func NewPrompt(id string, decl schema.Decl) (*Prompt, error) {
	promptTmpl, err := decl.RequireString("prompt")
	if err != nil {
		return nil, err
	}

	systemTmpl := decl.String("system_prompt")
	if systemTmpl == "" {
		systemTmpl = DefaultSystemPrompt
	}

	p := &Prompt{
		id:           id,
		prompt:       promptTmpl,
		systemPrompt: systemTmpl,
		stripThought: decl.Bool("strip_thought", true),
	}

	if output := decl.Map("output"); output != nil {
		compiled, err := compileOutputSchema(id, output)
		if err != nil {
			return nil, err
		}
		p.output = output
		p.compiled = compiled
	}

	return p, nil
}

func (p *Prompt) ID() string { return p.id }

func (p *Prompt) UpdatesContext() bool { return false }

// Inputs returns the root context keys referenced by the prompt and
// system-prompt templates. Declared-dependency introspection only; nothing is
// enforced at run time.
func (p *Prompt) Inputs() []string {
	roots := template.RootVars(p.prompt)
	seen := make(map[string]bool, len(roots))
	for _, r := range roots {
		seen[r] = true
	}
	for _, r := range template.RootVars(p.systemPrompt) {
		if !seen[r] {
			seen[r] = true
			roots = append(roots, r)
		}
	}
	return roots
}

func (p *Prompt) Run(ctx context.Context, state Context, opts *Options) (any, error) {
	if opts.Invoker == nil {
		return nil, schema.NewError(schema.ErrCodeConfig, "no LLM invoker configured").WithStep(p.id)
	}

	rendered, err := template.Fill(state, p.prompt)
	if err != nil {
		return nil, wrapStepErr(p.id, err)
	}
	system, err := template.Fill(state, p.systemPrompt)
	if err != nil {
		return nil, wrapStepErr(p.id, err)
	}

	resp, err := opts.Invoker.Invoke(ctx, llm.Request{
		Prompt:       rendered,
		SystemPrompt: system,
		OutputSchema: p.output,
		AccessToken:  opts.AccessToken,
		Model:        opts.Model,
		OutputMode:   opts.OutputMode,
	})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeLLM, "LLM invocation failed: %s", err.Error()).
			WithStep(p.id).WithCause(err)
	}

	opts.emit(ctx, p.id, schema.EventPromptData, resp.Metadata)

	if p.compiled != nil {
		if err := p.compiled.Validate(resp.Value); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"LLM response does not match declared output schema: %s", err.Error()).
				WithStep(p.id).WithCause(err)
		}
	}

	value := resp.Value
	if p.stripThought {
		if m, ok := value.(map[string]any); ok {
			delete(m, thoughtKey)
		}
	}
	return value, nil
}

// compileOutputSchema compiles a declared output shape with the JSON Schema
// compiler, failing fast on malformed declarations. The YAML-decoded mapping
// is round-tripped through JSON so the compiler sees canonical types.
func compileOutputSchema(stepID string, output map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(output)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfig,
			"output schema is not serializable: %s", err.Error()).WithStep(stepID).WithCause(err)
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfig,
			"malformed output schema: %s", err.Error()).WithStep(stepID).WithCause(err)
	}

	url := "step:///" + stepID + "/output.json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfig,
			"malformed output schema: %s", err.Error()).WithStep(stepID).WithCause(err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfig,
			"malformed output schema: %s", err.Error()).WithStep(stepID).WithCause(err)
	}
	return compiled, nil
}
