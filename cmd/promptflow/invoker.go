package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/rendis/promptflow/internal/llm"
)

// execInvoker bridges prompt steps to an external command. The request is
// serialized to the command's stdin as JSON and the command must print a JSON
// object on stdout: either {"value": ..., "metadata": {...}} or a bare value.
type execInvoker struct {
	command string
}

func newExecInvoker(command string) llm.Invoker {
	return &execInvoker{command: command}
}

func (e *execInvoker) Invoke(ctx context.Context, req llm.Request) (*llm.Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	parts := strings.Fields(e.command)
	if len(parts) == 0 {
		return nil, fmt.Errorf("llm bridge: empty command")
	}
	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
	cmd.Stdin = bytes.NewReader(payload)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		if stderr.Len() > 0 {
			return nil, fmt.Errorf("llm bridge: %w: %s", err, strings.TrimSpace(stderr.String()))
		}
		return nil, fmt.Errorf("llm bridge: %w", err)
	}

	var envelope struct {
		Value    any            `json:"value"`
		Metadata map[string]any `json:"metadata"`
	}
	if err := json.Unmarshal(out, &envelope); err == nil && envelope.Value != nil {
		return &llm.Response{Value: envelope.Value, Metadata: envelope.Metadata}, nil
	}

	var value any
	if err := json.Unmarshal(out, &value); err != nil {
		return nil, fmt.Errorf("llm bridge: invalid response: %w", err)
	}
	return &llm.Response{Value: value}, nil
}
