package compiler

import "encoding/json"

// The emitted model mirrors the envelope the downstream tooling consumes:
// one StyleSheet per source file, containing StyleRule children in document
// order followed by one StyleDerive per derive reference.

// StyleSheet is the root of one .model.json output. ID is the source file's
// input-relative identifier; the output reconciler's orphan sweep relies on
// it to recognize generated files.
type StyleSheet struct {
	ClassName  string            `json:"className"`
	ID         string            `json:"id"`
	Attributes map[string]string `json:"attributes"`
	Children   []any             `json:"children"`
}

// StyleRule is one evaluated rule. Properties carries the rule's selector,
// optional priority and every evaluated property value.
type StyleRule struct {
	ClassName  string                     `json:"className"`
	Name       string                     `json:"name"`
	Properties map[string]json.RawMessage `json:"properties"`
	Children   []any                      `json:"children"`
}

// StyleDerive records one derive reference in the output, pointing at the
// target stylesheet's identifier.
type StyleDerive struct {
	ClassName  string            `json:"className"`
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes"`
}
