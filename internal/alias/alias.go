// Package alias loads the project-level alias table and resolves derive
// references to candidate source identifiers.
//
// A reference of the form "@name/rest" carries the alias "name"; the table
// maps alias names to path prefixes relative to the input root. References
// without an alias prefix resolve relative to the referencing file's
// directory first, then relative to the input root; both candidates are
// surfaced so the graph can hold a pending reference open on either until
// one exists. The table is loaded at most once per session and resolution
// itself performs no I/O.
package alias

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"

	"github.com/rsml-lang/rsmlc/internal/ctxlog"
	"github.com/rsml-lang/rsmlc/internal/fsutil"
)

// sourceExt is appended to references that omit an extension.
const sourceExt = ".rsml"

// UnresolvedAliasError reports a reference whose alias prefix is not present
// in the session's table. It is file-scoped and recoverable: the referencing
// file is marked failed, everything else proceeds.
type UnresolvedAliasError struct {
	Alias     string
	Reference string
}

func (e *UnresolvedAliasError) Error() string {
	return fmt.Sprintf("unresolved alias %q in reference %q", e.Alias, e.Reference)
}

// Table is the immutable alias table for one build or watch session.
type Table struct {
	prefixes map[string]string
	path     string // configuration file the table was loaded from, "" if none
}

// Empty returns a table with no aliases. Absence of a configuration file is
// valid; only references that actually use an alias prefix will fail.
func Empty() *Table {
	return &Table{prefixes: map[string]string{}}
}

// Path returns the configuration file the table was loaded from, or "" for
// an empty table.
func (t *Table) Path() string { return t.path }

// Names returns the alias names in the table, sorted.
func (t *Table) Names() []string {
	names := make([]string, 0, len(t.prefixes))
	for name := range t.prefixes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Load reads an alias configuration file. The file is consumed as an opaque
// mapping under a top-level "aliases" attribute and may be written in HCL or
// JSON; any other top-level content is ignored. Absolute prefixes are
// rebased onto inputRoot; a prefix pointing outside the input root is a load
// error, since no source identifier could ever match it.
func Load(ctx context.Context, configPath, inputRoot string) (*Table, error) {
	logger := ctxlog.FromContext(ctx)

	src, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("reading alias configuration %s: %w", configPath, err)
	}

	parser := hclparse.NewParser()
	var file *hcl.File
	var diags hcl.Diagnostics
	if looksLikeJSON(configPath, src) {
		file, diags = parser.ParseJSON(src, configPath)
	} else {
		file, diags = parser.ParseHCL(src, configPath)
	}
	if diags.HasErrors() {
		return nil, fmt.Errorf("parsing alias configuration %s: %w", configPath, diags)
	}

	content, _, diags := file.Body.PartialContent(&hcl.BodySchema{
		Attributes: []hcl.AttributeSchema{{Name: "aliases"}},
	})
	if diags.HasErrors() {
		return nil, fmt.Errorf("decoding alias configuration %s: %w", configPath, diags)
	}

	table := &Table{prefixes: map[string]string{}, path: configPath}
	attr, ok := content.Attributes["aliases"]
	if !ok {
		logger.Debug("Alias configuration has no aliases attribute.", "path", configPath)
		return table, nil
	}

	val, diags := attr.Expr.Value(nil)
	if diags.HasErrors() {
		return nil, fmt.Errorf("evaluating aliases in %s: %w", configPath, diags)
	}
	if val.IsNull() || !(val.Type().IsObjectType() || val.Type().IsMapType()) {
		return nil, fmt.Errorf("aliases in %s must be a mapping of name to path prefix", configPath)
	}

	for name, prefix := range val.AsValueMap() {
		if prefix.Type() != cty.String || prefix.IsNull() {
			return nil, fmt.Errorf("alias %q in %s must map to a string path prefix", name, configPath)
		}
		p := prefix.AsString()
		if filepath.IsAbs(p) {
			rel, err := filepath.Rel(inputRoot, p)
			if err != nil || strings.HasPrefix(filepath.ToSlash(rel), "..") {
				return nil, fmt.Errorf("alias %q in %s points outside the input root: %s", name, configPath, p)
			}
			p = filepath.ToSlash(rel)
		}
		table.prefixes[strings.TrimPrefix(name, "@")] = p
	}

	logger.Debug("Alias table loaded.", "path", configPath, "aliases", len(table.prefixes))
	return table, nil
}

// Discover locates the alias configuration file for an input root: the first
// matching file inside the root itself, then inside its parent. The second
// return value is false when no configuration exists, which is valid.
func Discover(inputRoot string) (string, bool) {
	for _, dir := range []string{inputRoot, filepath.Dir(inputRoot)} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			if isAliasFileName(entry.Name()) {
				return filepath.Join(dir, entry.Name()), true
			}
		}
	}
	return "", false
}

// isAliasFileName reports whether a file name is recognized as an alias
// configuration: the luaurc family inherited from the original tooling, or
// an explicit aliases.hcl / aliases.json.
func isAliasFileName(name string) bool {
	switch name {
	case ".luaurc", "luaurc", "aliases.hcl", "aliases.json":
		return true
	}
	return strings.HasSuffix(name, ".luaurc")
}

// looksLikeJSON decides which HCL syntax to parse a configuration file with.
// The luaurc family has no telling extension, so the content is sniffed.
func looksLikeJSON(configPath string, src []byte) bool {
	if filepath.Ext(configPath) == ".json" {
		return true
	}
	trimmed := strings.TrimSpace(string(src))
	return strings.HasPrefix(trimmed, "{")
}

// Resolve maps a raw derive reference to its candidate target identifiers,
// in priority order. sourceID is the identifier of the referencing file. A
// reference carrying an alias prefix has exactly one candidate; a relative
// reference has the source-directory form first and the input-root form
// second. Candidates may name files that do not exist yet; the graph keeps
// the reference pending on every candidate until one appears.
func (t *Table) Resolve(reference, sourceID string) ([]string, error) {
	if strings.HasPrefix(reference, "@") {
		name, rest, _ := strings.Cut(strings.TrimPrefix(reference, "@"), "/")
		prefix, ok := t.prefixes[name]
		if !ok {
			return nil, &UnresolvedAliasError{Alias: name, Reference: reference}
		}
		target := path.Join(prefix, rest)
		if path.Ext(target) == "" {
			target += sourceExt
		}
		return []string{fsutil.CleanID(target)}, nil
	}

	ref := reference
	if path.Ext(ref) == "" {
		ref += sourceExt
	}

	fromSource := fsutil.CleanID(path.Join(path.Dir(sourceID), ref))
	fromRoot := fsutil.CleanID(ref)
	if fromSource == fromRoot {
		return []string{fromSource}, nil
	}
	return []string{fromSource, fromRoot}, nil
}
