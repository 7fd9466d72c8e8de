// Package output keeps the generated tree in 1:1 correspondence with the
// source tree: mirrored-path writes, removals, relocations on rename and the
// session-start orphan sweep.
//
// Every filesystem mutation is announced through a short-lived suppression
// record before it happens, keyed by the output path. The watch coordinator
// matches inbound events against these records to tell the engine's own
// writes apart from external changes; records expire after a bounded window
// so a stale one can never mask a later legitimate edit.
package output

import (
	"bytes"
	"context"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/rsml-lang/rsmlc/internal/compiler"
	"github.com/rsml-lang/rsmlc/internal/ctxlog"
	"github.com/rsml-lang/rsmlc/internal/fsutil"
)

const (
	sourceSuffix = ".rsml"
	outputSuffix = ".model.json"

	// suppressionTTL bounds how long a self-write record can match events.
	// One write produces a small burst of events (create, then writes), so
	// the record stays matchable for the whole burst.
	suppressionTTL = 2 * time.Second
)

// MapID maps a source identifier to its output identifier.
func MapID(sourceID string) string {
	return strings.TrimSuffix(sourceID, sourceSuffix) + outputSuffix
}

// SourceID maps an output identifier back to the source identifier it
// mirrors. ok is false for files that are not model outputs.
func SourceID(outputID string) (string, bool) {
	if !strings.HasSuffix(outputID, outputSuffix) {
		return "", false
	}
	return strings.TrimSuffix(outputID, outputSuffix) + sourceSuffix, true
}

// Reconciler mutates the output tree. Safe for concurrent use: compile
// workers of one level write in parallel.
type Reconciler struct {
	inputRoot  string
	outputRoot string
	marks      *xsync.MapOf[string, time.Time]
	now        func() time.Time
}

// New creates a reconciler mapping inputRoot-relative sources into
// outputRoot. The two roots may be the same directory (in-place mode).
func New(inputRoot, outputRoot string) *Reconciler {
	return &Reconciler{
		inputRoot:  inputRoot,
		outputRoot: outputRoot,
		marks:      xsync.NewMapOf[string, time.Time](),
		now:        time.Now,
	}
}

// InPlace reports whether outputs live inside the input tree.
func (r *Reconciler) InPlace() bool { return r.inputRoot == r.outputRoot }

// OutputPath returns the absolute output path for a source identifier.
func (r *Reconciler) OutputPath(sourceID string) string {
	return fsutil.AbsPath(r.outputRoot, MapID(sourceID))
}

// Write stores the compiled output for sourceID at its mirrored path. A
// write whose content matches what is already on disk is skipped, keeping
// repeated builds no-ops.
func (r *Reconciler) Write(ctx context.Context, sourceID string, data []byte) error {
	outPath := r.OutputPath(sourceID)

	if existing, err := os.ReadFile(outPath); err == nil && bytes.Equal(existing, data) {
		ctxlog.FromContext(ctx).Debug("Output unchanged, skipping write.", "path", outPath)
		return nil
	}

	r.mark(filepath.Dir(outPath))
	r.mark(outPath)
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return &compiler.FilesystemError{Op: "mkdir", Path: filepath.Dir(outPath), Err: err}
	}
	if err := os.WriteFile(outPath, data, 0o644); err != nil {
		return &compiler.FilesystemError{Op: "write", Path: outPath, Err: err}
	}
	ctxlog.FromContext(ctx).Debug("Output written.", "path", outPath)
	return nil
}

// Remove deletes the output mirroring sourceID. A missing output is not an
// error.
func (r *Reconciler) Remove(ctx context.Context, sourceID string) error {
	outPath := r.OutputPath(sourceID)
	r.mark(outPath)
	if err := os.Remove(outPath); err != nil && !os.IsNotExist(err) {
		return &compiler.FilesystemError{Op: "remove", Path: outPath, Err: err}
	}
	ctxlog.FromContext(ctx).Debug("Output removed.", "path", outPath)
	return nil
}

// Relocate moves the output for oldID to newID's mirrored path, keeping a
// renamed source aligned without a full orphan scan. A missing old output is
// fine; the recompile of newID will create it.
func (r *Reconciler) Relocate(ctx context.Context, oldID, newID string) error {
	oldPath := r.OutputPath(oldID)
	newPath := r.OutputPath(newID)
	r.mark(oldPath)
	r.mark(filepath.Dir(newPath))
	r.mark(newPath)

	if err := os.MkdirAll(filepath.Dir(newPath), 0o755); err != nil {
		return &compiler.FilesystemError{Op: "mkdir", Path: filepath.Dir(newPath), Err: err}
	}
	if err := os.Rename(oldPath, newPath); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return &compiler.FilesystemError{Op: "rename", Path: oldPath, Err: err}
	}
	ctxlog.FromContext(ctx).Debug("Output relocated.", "from", oldPath, "to", newPath)
	return nil
}

// ReconcileAll sweeps the output tree and deletes every model output whose
// source no longer exists. The sweep runs against the output directory only;
// in in-place mode the JSON id of each candidate is checked first so
// hand-authored .model.json files survive. known reports whether a source
// identifier is currently indexed.
func (r *Reconciler) ReconcileAll(ctx context.Context, known func(sourceID string) bool) error {
	logger := ctxlog.FromContext(ctx)
	removed := 0

	err := filepath.WalkDir(r.outputRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), outputSuffix) {
			return nil
		}

		outputID, err := fsutil.RelID(r.outputRoot, path)
		if err != nil {
			return err
		}
		sourceID, ok := SourceID(outputID)
		if !ok || known(sourceID) {
			return nil
		}
		if !isGeneratedModel(path) {
			return nil
		}

		r.mark(path)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return &compiler.FilesystemError{Op: "remove", Path: path, Err: err}
		}
		logger.Debug("Orphan output removed.", "path", path)
		removed++
		return nil
	})
	if err != nil {
		return err
	}

	logger.Info("Output tree reconciled.", "orphans_removed", removed)
	return nil
}

// isGeneratedModel reports whether a .model.json file was produced by this
// compiler: its JSON id names an .rsml source.
func isGeneratedModel(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	var model struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &model); err != nil {
		return false
	}
	return strings.HasSuffix(model.ID, sourceSuffix)
}

// mark records a self-generated mutation for the given absolute path.
func (r *Reconciler) mark(path string) {
	r.marks.Store(filepath.Clean(path), r.now().Add(suppressionTTL))
}

// IsSelfEvent reports whether an inbound filesystem event on path matches a
// live suppression record. Records persist until their expiry so the whole
// event burst of one write is matched, then lapse.
func (r *Reconciler) IsSelfEvent(path string) bool {
	path = filepath.Clean(path)
	expiry, ok := r.marks.Load(path)
	if !ok {
		return false
	}
	if r.now().After(expiry) {
		r.marks.Delete(path)
		return false
	}
	return true
}
