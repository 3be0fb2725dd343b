// Package parser turns YAML workflow declarations into executable workflow
// trees. Documents load from memory, local paths or HTTP(S) URLs; context
// entries of the form import(uri) are resolved recursively before building.
package parser

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rendis/promptflow/internal/engine"
	"github.com/rendis/promptflow/internal/expressions"
	"github.com/rendis/promptflow/pkg/schema"
	"gopkg.in/yaml.v3"
)

const (
	importPrefix = "import("
	importSuffix = ")"

	maxDocumentSize = 10 * 1024 * 1024 // 10MB
)

// Parser builds workflow trees from declarations. Safe for reuse across
// documents; expression engines and their compilation caches are shared.
type Parser struct {
	client *http.Client
	expr   *expressions.ExprEngine
	cel    *expressions.CELEngine
	jq     *expressions.GoJQEngine
}

// New creates a Parser with default engines and a plain HTTP client.
func New() (*Parser, error) {
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, fmt.Errorf("create parser: %w", err)
	}
	return &Parser{
		client: &http.Client{Timeout: 30 * time.Second},
		expr:   expressions.NewExprEngine(),
		cel:    cel,
		jq:     expressions.NewGoJQEngine(),
	}, nil
}

// Load reads a YAML workflow document from a local path or HTTP(S) URL and
// builds its workflow tree. Relative import(uri) values resolve against the
// document's directory.
func (p *Parser) Load(ctx context.Context, source string) (*engine.Workflow, error) {
	data, base, err := p.fetch(ctx, source)
	if err != nil {
		return nil, err
	}

	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"cannot parse YAML from %s: %s", source, err.Error()).WithCause(err)
	}
	return p.Parse(ctx, schema.Decl(doc), base)
}

// Parse builds a workflow tree from an already-parsed declaration. base is
// the directory (or URL prefix) relative imports resolve against; it may be
// empty when the declaration carries no relative imports.
func (p *Parser) Parse(ctx context.Context, decl schema.Decl, base string) (*engine.Workflow, error) {
	if err := p.resolveImports(ctx, decl, base); err != nil {
		return nil, err
	}

	rootID := decl.ID()
	wf, err := p.buildWorkflow(rootID, decl)
	if err != nil {
		return nil, err
	}
	if err := wf.Validate(); err != nil {
		return nil, err
	}
	return wf, nil
}

// fetch reads a document from a path or URL and returns its bytes plus the
// base its relative imports resolve against.
func (p *Parser) fetch(ctx context.Context, source string) ([]byte, string, error) {
	if isRemote(source) {
		data, err := p.get(ctx, source)
		if err != nil {
			return nil, "", err
		}
		return data, urlDir(source), nil
	}

	data, err := os.ReadFile(source)
	if err != nil {
		return nil, "", schema.NewErrorf(schema.ErrCodeImport,
			"cannot read %s: %s", source, err.Error()).WithCause(err)
	}
	return data, filepath.Dir(source), nil
}

func (p *Parser) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeImport,
			"invalid URL %s: %s", url, err.Error()).WithCause(err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeImport,
			"cannot fetch %s: %s", url, err.Error()).WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, schema.NewErrorf(schema.ErrCodeImport,
			"fetch %s returned status %d", url, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeImport,
			"cannot read response from %s: %s", url, err.Error()).WithCause(err)
	}
	return data, nil
}

// resolveImports replaces import(uri) context values with the YAML-parsed
// content of the referenced document, depth-first, recursing into nested
// workflow declarations and branch bodies.
func (p *Parser) resolveImports(ctx context.Context, decl schema.Decl, base string) error {
	if ctxMap := decl.Map("context"); ctxMap != nil {
		for key, val := range ctxMap {
			uri, ok := importURI(val)
			if !ok {
				continue
			}
			resolved, err := p.loadImport(ctx, resolveURI(base, uri))
			if err != nil {
				return err
			}
			ctxMap[key] = resolved
		}
	}

	for _, key := range []string{"steps", "then", "else", "default"} {
		children, err := decl.StepDecls(key)
		if err != nil {
			return err
		}
		for _, child := range children {
			if err := p.resolveImports(ctx, child, base); err != nil {
				return err
			}
		}
	}

	if routes := decl.Map("route"); routes != nil {
		for _, branch := range routes {
			list, ok := branch.([]any)
			if !ok {
				continue
			}
			for _, entry := range list {
				if m, ok := entry.(map[string]any); ok {
					if err := p.resolveImports(ctx, schema.Decl(m), base); err != nil {
						return err
					}
				}
			}
		}
	}

	return nil
}

// loadImport fetches and YAML-parses an imported document into a value.
func (p *Parser) loadImport(ctx context.Context, source string) (any, error) {
	data, _, err := p.fetch(ctx, source)
	if err != nil {
		return nil, err
	}
	var val any
	if err := yaml.Unmarshal(data, &val); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeImport,
			"cannot parse imported YAML from %s: %s", source, err.Error()).WithCause(err)
	}
	return val, nil
}

// importURI extracts the URI from an import(uri) value, if the value has
// exactly that literal form.
func importURI(val any) (string, bool) {
	s, ok := val.(string)
	if !ok {
		return "", false
	}
	if !strings.HasPrefix(s, importPrefix) || !strings.HasSuffix(s, importSuffix) {
		return "", false
	}
	uri := strings.TrimSpace(s[len(importPrefix) : len(s)-len(importSuffix)])
	if uri == "" {
		return "", false
	}
	return uri, true
}

// resolveURI resolves a possibly-relative URI against the importing
// document's base directory or URL prefix.
func resolveURI(base, uri string) string {
	if isRemote(uri) || base == "" {
		return uri
	}
	if isRemote(base) {
		return strings.TrimSuffix(base, "/") + "/" + uri
	}
	if filepath.IsAbs(uri) {
		return uri
	}
	return filepath.Join(base, uri)
}

func isRemote(source string) bool {
	return strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://")
}

// urlDir returns the URL with its last path segment removed.
func urlDir(url string) string {
	idx := strings.LastIndexByte(url, '/')
	if idx <= len("https:/") {
		return url
	}
	return url[:idx]
}
