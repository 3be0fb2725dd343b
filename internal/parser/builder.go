package parser

import (
	"github.com/rendis/promptflow/internal/engine"
	"github.com/rendis/promptflow/internal/expressions"
	"github.com/rendis/promptflow/pkg/schema"
)

// buildWorkflow recursively builds a workflow and its children from a
// declaration. Structural problems are configuration errors raised here,
// before any external side effect occurs.
func (p *Parser) buildWorkflow(id string, decl schema.Decl) (*engine.Workflow, error) {
	stepDecls, err := decl.StepDecls("steps")
	if err != nil {
		return nil, err
	}
	if len(stepDecls) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"workflow %q declares no steps", id)
	}

	steps := make([]engine.Step, 0, len(stepDecls))
	for i, sd := range stepDecls {
		step, err := p.buildStep(sd)
		if err != nil {
			return nil, err
		}
		if step.ID() == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"step %d in workflow %q has no id", i, id)
		}
		steps = append(steps, step)
	}

	var seed engine.Context
	if ctxMap := decl.Map("context"); ctxMap != nil {
		seed = engine.Context(ctxMap)
	}

	return engine.NewWorkflow(id, steps, seed, decl.String("output_key")), nil
}

// buildStep dispatches a step declaration on its discriminating key.
func (p *Parser) buildStep(decl schema.Decl) (engine.Step, error) {
	kind, err := schema.DetectKind(decl)
	if err != nil {
		return nil, err
	}
	id := decl.ID()

	switch kind {
	case schema.KindWorkflow:
		return p.buildWorkflow(id, decl)
	case schema.KindPrompt:
		return engine.NewPrompt(id, decl)
	case schema.KindMap:
		return engine.NewMap(id, decl)
	case schema.KindFormat:
		return engine.NewFormat(id, decl)
	case schema.KindFiles:
		return engine.NewFiles(id, decl)
	case schema.KindFileSave:
		return engine.NewFileSave(id, decl)
	case schema.KindReduce:
		return engine.NewReduce(id, decl, p.jq)
	case schema.KindAction:
		return engine.NewAction(id, decl)
	case schema.KindIf:
		return p.buildIf(id, decl)
	case schema.KindRoute:
		return p.buildRoute(id, decl)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"unsupported step kind %q", kind).WithStep(id)
	}
}

// buildIf builds the condition step with its then/else branches as nested
// sub-workflows.
func (p *Parser) buildIf(id string, decl schema.Decl) (engine.Step, error) {
	then, err := p.buildBranch(id+".then", decl, "then")
	if err != nil {
		return nil, err
	}
	els, err := p.buildBranch(id+".else", decl, "else")
	if err != nil {
		return nil, err
	}
	return engine.NewIf(id, decl, p.conditionEngine(decl), then, els)
}

// buildRoute builds a multi-way dispatch step: each route value is a list of
// step declarations wrapped in a sub-workflow.
func (p *Parser) buildRoute(id string, decl schema.Decl) (engine.Step, error) {
	routeMap := decl.Map("route")
	if routeMap == nil {
		return nil, schema.NewError(schema.ErrCodeValidation,
			"route step requires a \"route\" mapping").WithStep(id)
	}

	routes := make(map[string]engine.Step, len(routeMap))
	for key := range routeMap {
		branch, err := p.buildBranchList(id+"."+key, routeMap, key)
		if err != nil {
			return nil, err
		}
		if branch == nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"route %q must be a list of step declarations", key).WithStep(id)
		}
		routes[key] = branch
	}

	def, err := p.buildBranch(id+".default", decl, "default")
	if err != nil {
		return nil, err
	}
	return engine.NewRoute(id, decl, routes, def)
}

// buildBranch wraps the step declarations at key into a sub-workflow, or
// returns nil when the key is absent.
func (p *Parser) buildBranch(branchID string, decl schema.Decl, key string) (engine.Step, error) {
	if _, ok := decl[key]; !ok {
		return nil, nil
	}
	return p.buildBranchList(branchID, decl, key)
}

func (p *Parser) buildBranchList(branchID string, decl schema.Decl, key string) (engine.Step, error) {
	children, err := decl.StepDecls(key)
	if err != nil {
		return nil, err
	}
	if children == nil {
		return nil, nil
	}

	steps := make([]engine.Step, 0, len(children))
	for i, child := range children {
		step, err := p.buildStep(child)
		if err != nil {
			return nil, err
		}
		if step.ID() == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"step %d in branch %q has no id", i, branchID)
		}
		steps = append(steps, step)
	}
	return engine.NewWorkflow(branchID, steps, nil, ""), nil
}

// conditionEngine selects the expression engine a declaration asks for.
// Expr is the default; `engine: cel` switches to CEL.
func (p *Parser) conditionEngine(decl schema.Decl) expressions.Engine {
	if decl.String("engine") == "cel" {
		return p.cel
	}
	return p.expr
}
