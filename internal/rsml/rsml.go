// Package rsml is the grammar collaborator: it parses a single .rsml source
// into its abstract form (derive references, macro definitions, style rules)
// and evaluates expressions under a macro scope. It knows nothing about
// other files; cross-file resolution belongs to the graph and compiler.
package rsml

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
)

// Document is the parsed form of one source file.
type Document struct {
	// Path is the canonical input-relative identifier of the source.
	Path string
	// Derives are the raw derive references, in declaration order. The
	// order is significant: it is the macro-shadowing tie-break.
	Derives []string
	// Macros are the local macro definitions, in declaration order.
	Macros []Macro
	// Rules are the top-level style rules, in document order.
	Rules []*Rule
}

// Macro is a named, unevaluated macro definition.
type Macro struct {
	Name string
	Expr hcl.Expression
}

// Rule is one style rule; rules nest.
type Rule struct {
	Selector   string
	Priority   hcl.Expression // nil when absent
	Properties hcl.Expression // nil when absent
	Children   []*Rule
}

type macroBlock struct {
	Name  string         `hcl:"name,label"`
	Value hcl.Expression `hcl:"value"`
}

type ruleBlock struct {
	Selector   string         `hcl:"selector,label"`
	Priority   hcl.Expression `hcl:"priority,optional"`
	Properties hcl.Expression `hcl:"properties,optional"`
	Rules      []*ruleBlock   `hcl:"rule,block"`
}

type fileRoot struct {
	Derives []string      `hcl:"derive,optional"`
	Macros  []*macroBlock `hcl:"macro,block"`
	Rules   []*ruleBlock  `hcl:"rule,block"`
}

// Parse parses source text into a Document. id is the canonical identifier
// used in diagnostics and carried into the emitted model.
func Parse(id string, src []byte) (*Document, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, id)
	if diags.HasErrors() {
		return nil, fmt.Errorf("parsing %s: %w", id, diags)
	}

	var root fileRoot
	diags = gohcl.DecodeBody(file.Body, nil, &root)
	if diags.HasErrors() {
		return nil, fmt.Errorf("decoding %s: %w", id, diags)
	}

	doc := &Document{Path: id, Derives: root.Derives}
	for _, m := range root.Macros {
		doc.Macros = append(doc.Macros, Macro{Name: m.Name, Expr: m.Value})
	}
	for _, r := range root.Rules {
		doc.Rules = append(doc.Rules, convertRule(r))
	}
	return doc, nil
}

func convertRule(r *ruleBlock) *Rule {
	out := &Rule{
		Selector:   r.Selector,
		Priority:   presentExpr(r.Priority),
		Properties: presentExpr(r.Properties),
	}
	for _, child := range r.Rules {
		out.Children = append(out.Children, convertRule(child))
	}
	return out
}

// presentExpr folds an absent optional attribute back to nil. gohcl decodes
// a missing optional expression field into a synthetic static null
// expression, not nil; a literal null evaluates cleanly without any context,
// while a real expression either yields a value or needs its variables.
func presentExpr(expr hcl.Expression) hcl.Expression {
	if expr == nil {
		return nil
	}
	if val, diags := expr.Value(nil); !diags.HasErrors() && val.IsNull() {
		return nil
	}
	return expr
}

// EvalContext builds the evaluation context for a macro scope. Macros are
// addressed as macro.<name> inside expressions.
func EvalContext(scope map[string]cty.Value) *hcl.EvalContext {
	vars := map[string]cty.Value{}
	if len(scope) > 0 {
		vars["macro"] = cty.ObjectVal(scope)
	} else {
		vars["macro"] = cty.EmptyObjectVal
	}
	return &hcl.EvalContext{Variables: vars}
}

// Eval evaluates one expression under a macro scope.
func Eval(expr hcl.Expression, scope map[string]cty.Value) (cty.Value, error) {
	val, diags := expr.Value(EvalContext(scope))
	if diags.HasErrors() {
		return cty.NilVal, diags
	}
	return val, nil
}

// EvalMacros evaluates the document's local macro definitions in declaration
// order. Each definition sees the imported scope plus every earlier local;
// the returned map contains only the locals. A failing definition aborts
// with the macro's name in the error.
func (d *Document) EvalMacros(imported map[string]cty.Value) (map[string]cty.Value, error) {
	scope := make(map[string]cty.Value, len(imported)+len(d.Macros))
	for name, val := range imported {
		scope[name] = val
	}

	locals := make(map[string]cty.Value, len(d.Macros))
	for _, m := range d.Macros {
		val, err := Eval(m.Expr, scope)
		if err != nil {
			return nil, fmt.Errorf("macro %q: %w", m.Name, err)
		}
		scope[m.Name] = val
		locals[m.Name] = val
	}
	return locals, nil
}
