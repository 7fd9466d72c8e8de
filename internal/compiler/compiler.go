// Package compiler turns one parsed source plus the macro sets of its
// resolved derives into a serialized model output. Compilation is a pure
// function of the source text and the imported macros: writing the result to
// disk belongs to the output reconciler, never to this package.
package compiler

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/gocty"
	ctyjson "github.com/zclconf/go-cty/cty/json"

	"github.com/rsml-lang/rsmlc/internal/ctxlog"
	"github.com/rsml-lang/rsmlc/internal/fsutil"
	"github.com/rsml-lang/rsmlc/internal/rsml"
	"github.com/rsml-lang/rsmlc/internal/source"
)

// parseCacheSize bounds the parsed-document cache. A flush that recompiles a
// long dependent chain reparses nothing that did not change.
const parseCacheSize = 512

// Import is one resolved derive edge: the raw reference as written, the
// target it resolved to, and the target's compiled macro set.
type Import struct {
	Reference string
	Target    string
	Macros    map[string]cty.Value
}

// Result is one successful compilation.
type Result struct {
	ID string
	// JSON is the serialized model output.
	JSON []byte
	// Macros is the file's exported macro set: imports merged in derive
	// order, locals shadowing them. Dependents consume this.
	Macros map[string]cty.Value
}

// Compiler compiles single files. It is safe for concurrent use; the worker
// pool compiles every file of one level in parallel.
type Compiler struct {
	inputRoot string
	cache     *lru.Cache[string, *rsml.Document]
}

// New creates a compiler rooted at the given input directory.
func New(inputRoot string) *Compiler {
	cache, err := lru.New[string, *rsml.Document](parseCacheSize)
	if err != nil {
		panic(err)
	}
	return &Compiler{inputRoot: inputRoot, cache: cache}
}

// Parse reads and parses the source at id, returning the document and the
// content fingerprint. Documents are cached by id+fingerprint, so an
// unchanged file parses once no matter how often its dependents recompile.
func (c *Compiler) Parse(ctx context.Context, id string) (*rsml.Document, string, error) {
	absPath := fsutil.AbsPath(c.inputRoot, id)
	src, err := os.ReadFile(absPath)
	if err != nil {
		return nil, "", &FilesystemError{Op: "read", Path: absPath, Err: err}
	}
	fingerprint := source.Fingerprint(src)

	key := id + "\x00" + fingerprint
	if doc, ok := c.cache.Get(key); ok {
		return doc, fingerprint, nil
	}

	doc, err := rsml.Parse(id, src)
	if err != nil {
		return nil, fingerprint, &ParseError{ID: id, Err: err}
	}
	c.cache.Add(key, doc)
	ctxlog.FromContext(ctx).Debug("Parsed source.", "id", id)
	return doc, fingerprint, nil
}

// Compile produces the model output for id. The caller guarantees, by
// respecting the graph's compile order, that every import carries the macro
// set of an already-compiled target.
//
// Shadowing is deterministic: imports merge in derive declaration order with
// later imports overriding earlier ones, and local definitions override any
// import of the same name.
func (c *Compiler) Compile(ctx context.Context, id string, imports []Import) (*Result, error) {
	doc, _, err := c.Parse(ctx, id)
	if err != nil {
		return nil, err
	}

	merged := make(map[string]cty.Value)
	for _, imp := range imports {
		for name, val := range imp.Macros {
			merged[name] = val
		}
	}

	locals, err := doc.EvalMacros(merged)
	if err != nil {
		return nil, &MacroEvalError{ID: id, Err: err}
	}
	scope := merged
	for name, val := range locals {
		scope[name] = val
	}

	children := make([]any, 0, len(doc.Rules)+len(imports))
	for _, rule := range doc.Rules {
		child, err := c.evalRule(rule, scope)
		if err != nil {
			return nil, &MacroEvalError{ID: id, Err: err}
		}
		children = append(children, child)
	}
	for _, imp := range imports {
		children = append(children, StyleDerive{
			ClassName: "StyleDerive",
			Name:      fsutil.Stem(imp.Target),
			Attributes: map[string]string{
				"Rojo_Target_StyleSheet": imp.Target,
			},
		})
	}

	sheet := StyleSheet{
		ClassName:  "StyleSheet",
		ID:         id,
		Attributes: map[string]string{},
		Children:   children,
	}
	data, err := json.MarshalIndent(sheet, "", "    ")
	if err != nil {
		return nil, fmt.Errorf("serializing model for %s: %w", id, err)
	}
	data = append(data, '\n')

	ctxlog.FromContext(ctx).Debug("Compiled source.", "id", id, "rules", len(doc.Rules), "imports", len(imports))
	return &Result{ID: id, JSON: data, Macros: scope}, nil
}

// evalRule evaluates one rule and its children under the merged macro scope.
func (c *Compiler) evalRule(rule *rsml.Rule, scope map[string]cty.Value) (StyleRule, error) {
	props := map[string]json.RawMessage{}

	selector, err := json.Marshal(rule.Selector)
	if err != nil {
		return StyleRule{}, err
	}
	props["Selector"] = selector

	if rule.Priority != nil {
		val, err := rsml.Eval(rule.Priority, scope)
		if err != nil {
			return StyleRule{}, fmt.Errorf("rule %q priority: %w", rule.Selector, err)
		}
		var priority int
		if err := gocty.FromCtyValue(val, &priority); err != nil {
			return StyleRule{}, fmt.Errorf("rule %q priority must be a number: %w", rule.Selector, err)
		}
		raw, err := json.Marshal(priority)
		if err != nil {
			return StyleRule{}, err
		}
		props["Priority"] = raw
	}

	if rule.Properties != nil {
		val, err := rsml.Eval(rule.Properties, scope)
		if err != nil {
			return StyleRule{}, fmt.Errorf("rule %q properties: %w", rule.Selector, err)
		}
		if val.IsNull() || !(val.Type().IsObjectType() || val.Type().IsMapType()) {
			return StyleRule{}, fmt.Errorf("rule %q properties must be a mapping", rule.Selector)
		}
		for name, propVal := range val.AsValueMap() {
			raw, err := ctyjson.Marshal(propVal, propVal.Type())
			if err != nil {
				return StyleRule{}, fmt.Errorf("rule %q property %q: %w", rule.Selector, name, err)
			}
			props[name] = raw
		}
	}

	out := StyleRule{
		ClassName:  "StyleRule",
		Name:       rule.Selector,
		Properties: props,
		Children:   []any{},
	}
	for _, child := range rule.Children {
		evaluated, err := c.evalRule(child, scope)
		if err != nil {
			return StyleRule{}, err
		}
		out.Children = append(out.Children, evaluated)
	}
	return out, nil
}

// MacroNames returns the sorted names of a macro set, for logging.
func MacroNames(macros map[string]cty.Value) []string {
	names := make([]string, 0, len(macros))
	for name := range macros {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
