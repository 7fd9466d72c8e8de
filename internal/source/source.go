// Package source is the in-memory index of every known source file: its
// content fingerprint, raw derive references, compile state and last error.
// All structural mutation is serialized by the caller (the debounce flush or
// the one-shot build loop); compilation only reads.
package source

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"

	"github.com/zclconf/go-cty/cty"
)

// State is the compile state of one source file.
type State int

const (
	// StateDiscovered means the file is known but not yet parsed.
	StateDiscovered State = iota
	// StateParsed means the file's derive references have been read.
	StateParsed
	// StateDerivesResolved means every derive target is known and compiled.
	StateDerivesResolved
	// StateCompiled means the file's output and macro set are current.
	StateCompiled
	// StateFailed means the last attempt ended in a file-scoped error,
	// recorded on the file.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateParsed:
		return "parsed"
	case StateDerivesResolved:
		return "derives-resolved"
	case StateCompiled:
		return "compiled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// File is the index record for one source file.
type File struct {
	// ID is the canonical input-relative identifier.
	ID string
	// Fingerprint identifies the content (sha256 of the bytes).
	Fingerprint string
	// Derives are the raw derive references as written in the source.
	Derives []string
	// State is the current compile state.
	State State
	// Err is the last error when State is StateFailed.
	Err error
	// Macros is the file's exported macro set, valid when compiled.
	// Imports are merged in, so the set is transitive.
	Macros map[string]cty.Value
}

// Fail marks the file failed with the given error.
func (f *File) Fail(err error) {
	f.State = StateFailed
	f.Err = err
	f.Macros = nil
}

// Index holds every known source file keyed by identifier.
type Index struct {
	mu    sync.RWMutex
	files map[string]*File
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{files: make(map[string]*File)}
}

// Put creates or refreshes the record for id, resetting it to
// StateDiscovered. The previous record's fingerprint is returned so callers
// can detect no-op modifications and renames.
func (ix *Index) Put(id, fingerprint string, derives []string) (f *File, prevFingerprint string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if prev, ok := ix.files[id]; ok {
		prevFingerprint = prev.Fingerprint
	}
	f = &File{ID: id, Fingerprint: fingerprint, Derives: derives, State: StateDiscovered}
	ix.files[id] = f
	return f, prevFingerprint
}

// Get returns the record for id.
func (ix *Index) Get(id string) (*File, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	f, ok := ix.files[id]
	return f, ok
}

// Has reports whether id is indexed.
func (ix *Index) Has(id string) bool {
	_, ok := ix.Get(id)
	return ok
}

// Remove deletes the record for id and returns it, if present.
func (ix *Index) Remove(id string) (*File, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	f, ok := ix.files[id]
	delete(ix.files, id)
	return f, ok
}

// IDs returns every indexed identifier, sorted.
func (ix *Index) IDs() []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	ids := make([]string, 0, len(ix.files))
	for id := range ix.files {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of indexed files.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.files)
}

// Fingerprint computes the content fingerprint used for change detection and
// rename pairing.
func Fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
