package compiler

import "fmt"

// ParseError reports a malformed source file.
type ParseError struct {
	ID  string
	Err error
}

func (e *ParseError) Error() string { return fmt.Sprintf("parse error in %s: %v", e.ID, e.Err) }
func (e *ParseError) Unwrap() error { return e.Err }

// MacroEvalError reports a failure evaluating the merged macro set against
// the file's declarations.
type MacroEvalError struct {
	ID  string
	Err error
}

func (e *MacroEvalError) Error() string {
	return fmt.Sprintf("macro evaluation failed in %s: %v", e.ID, e.Err)
}
func (e *MacroEvalError) Unwrap() error { return e.Err }

// FilesystemError reports an I/O failure on one specific path.
type FilesystemError struct {
	Op   string
	Path string
	Err  error
}

func (e *FilesystemError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}
func (e *FilesystemError) Unwrap() error { return e.Err }
