package engine

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"

	"github.com/rendis/promptflow/internal/template"
	"github.com/rendis/promptflow/pkg/schema"
	"gopkg.in/yaml.v3"
)

// File write modes accepted by file-save steps.
const (
	ModeWrite        = "write"
	ModeAppend       = "append"
	ModeWriteBinary  = "write_binary"
	ModeAppendBinary = "append_binary"
)

// FileSave resolves its path and content templates from context and writes
// the content to the local filesystem. Binary modes expect base64 content.
type FileSave struct {
	id         string
	pathTmpl   string
	content    string
	mode       string
	createDirs bool
}

// NewFileSave builds a file-save step. The discriminating `save` key holds
// the path template; `content` holds the content template.
func NewFileSave(id string, decl schema.Decl) (*FileSave, error) {
	pathTmpl, err := decl.RequireString("save")
	if err != nil {
		return nil, err
	}
	content, err := decl.RequireString("content")
	if err != nil {
		return nil, err
	}

	mode := decl.String("mode")
	if mode == "" {
		mode = ModeWrite
	}
	switch mode {
	case ModeWrite, ModeAppend, ModeWriteBinary, ModeAppendBinary:
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown file mode %q", mode).WithStep(id)
	}

	return &FileSave{
		id:         id,
		pathTmpl:   pathTmpl,
		content:    content,
		mode:       mode,
		createDirs: decl.Bool("create_dirs", false),
	}, nil
}

func (f *FileSave) ID() string { return f.id }

func (f *FileSave) UpdatesContext() bool { return false }

func (f *FileSave) Run(ctx context.Context, state Context, opts *Options) (any, error) {
	path, err := template.Fill(state, f.pathTmpl)
	if err != nil {
		return nil, wrapStepErr(f.id, err)
	}
	content, err := template.Fill(state, f.content)
	if err != nil {
		return nil, wrapStepErr(f.id, err)
	}

	data := []byte(content)
	if f.mode == ModeWriteBinary || f.mode == ModeAppendBinary {
		data, err = base64.StdEncoding.DecodeString(content)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"binary content is not valid base64: %s", err.Error()).WithStep(f.id).WithCause(err)
		}
	}

	if f.createDirs {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"cannot create directories for %q: %s", path, err.Error()).WithStep(f.id).WithCause(err)
		}
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if f.mode == ModeAppend || f.mode == ModeAppendBinary {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	file, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"cannot open %q: %s", path, err.Error()).WithStep(f.id).WithCause(err)
	}
	defer file.Close()

	n, err := file.Write(data)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"write to %q failed: %s", path, err.Error()).WithStep(f.id).WithCause(err)
	}

	return map[string]any{"path": path, "size": n}, nil
}

// Files writes one file per input item. The path template is rendered with
// the item bound; content is either the item's field named by content_key or
// a YAML dump of the whole item.
type Files struct {
	id         string
	fileTmpl   string
	input      string
	contentKey string
}

func NewFiles(id string, decl schema.Decl) (*Files, error) {
	fileTmpl, err := decl.RequireString("files")
	if err != nil {
		return nil, err
	}
	input, err := decl.RequireString("input")
	if err != nil {
		return nil, err
	}
	return &Files{
		id:         id,
		fileTmpl:   fileTmpl,
		input:      input,
		contentKey: decl.String("content_key"),
	}, nil
}

func (f *Files) ID() string { return f.id }

func (f *Files) UpdatesContext() bool { return false }

func (f *Files) Run(ctx context.Context, state Context, opts *Options) (any, error) {
	raw, err := template.Resolve(state, f.input)
	if err != nil {
		return nil, wrapStepErr(f.id, err)
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"input %q must resolve to a list, got %T", f.input, raw).WithStep(f.id)
	}

	written := make([]any, 0, len(items))
	for i, item := range items {
		scope := template.DeepCopyMap(state)
		scope[itemBinding] = item
		scope[indexBinding] = i

		path, err := template.Fill(scope, f.fileTmpl)
		if err != nil {
			return nil, wrapStepErr(f.id, err)
		}

		content, err := f.itemContent(item)
		if err != nil {
			return nil, err
		}

		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"cannot create directories for %q: %s", path, err.Error()).WithStep(f.id).WithCause(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"write to %q failed: %s", path, err.Error()).WithStep(f.id).WithCause(err)
		}

		written = append(written, map[string]any{"item": item, "file": path})
	}
	return written, nil
}

func (f *Files) itemContent(item any) (string, error) {
	if f.contentKey == "" {
		out, err := yaml.Marshal(item)
		if err != nil {
			return "", schema.NewErrorf(schema.ErrCodeExecution,
				"cannot serialize item: %s", err.Error()).WithStep(f.id).WithCause(err)
		}
		return string(out), nil
	}

	m, ok := item.(map[string]any)
	if !ok {
		return "", schema.NewErrorf(schema.ErrCodeExecution,
			"content_key %q requires mapping items, got %T", f.contentKey, item).WithStep(f.id)
	}
	val, err := template.Resolve(m, f.contentKey)
	if err != nil {
		return "", wrapStepErr(f.id, err)
	}
	s, ok := val.(string)
	if !ok {
		return "", schema.NewErrorf(schema.ErrCodeExecution,
			"content_key %q must name a string field, got %T", f.contentKey, val).WithStep(f.id)
	}
	return s, nil
}

// Format renders a per-item template for each element of its input and joins
// the rendered strings with a configurable separator.
type Format struct {
	id        string
	format    string
	input     string
	separator string
}

func NewFormat(id string, decl schema.Decl) (*Format, error) {
	format, err := decl.RequireString("format")
	if err != nil {
		return nil, err
	}
	input, err := decl.RequireString("input")
	if err != nil {
		return nil, err
	}

	sep := "\n"
	if s, ok := decl["separator"].(string); ok {
		sep = s
	}
	return &Format{id: id, format: format, input: input, separator: sep}, nil
}

func (f *Format) ID() string { return f.id }

func (f *Format) UpdatesContext() bool { return false }

func (f *Format) Run(ctx context.Context, state Context, opts *Options) (any, error) {
	raw, err := template.Resolve(state, f.input)
	if err != nil {
		return nil, wrapStepErr(f.id, err)
	}

	items, ok := raw.([]any)
	if !ok {
		// Scalar input renders once.
		items = []any{raw}
	}

	rendered := make([]string, 0, len(items))
	for i, item := range items {
		scope := template.DeepCopyMap(state)
		scope[itemBinding] = item
		scope[indexBinding] = i

		line, err := template.Fill(scope, f.format)
		if err != nil {
			return nil, wrapStepErr(f.id, err)
		}
		rendered = append(rendered, line)
	}

	return strings.Join(rendered, f.separator), nil
}
