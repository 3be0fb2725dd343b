// Package expressions provides the pluggable expression engines used by
// branching and folding steps: Expr for conditions and guards (default),
// CEL as an alternate condition language, and jq for list folds.
package expressions

import "context"

// Engine evaluates expressions against pipeline data.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
