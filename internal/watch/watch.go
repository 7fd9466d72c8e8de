// Package watch subscribes to filesystem notifications on the input root,
// classifies and debounces raw events, filters out the engine's own writes
// to the output tree, and drives the engine flush by flush.
//
// Raw events arrive from an independent producer; the coordinator is the
// single ordered intake point. Events for one path are merged in a per-path
// debounce buffer and applied only after a quiet interval, so the same path
// is never processed out of order or concurrently. All index and graph
// mutation happens inside Engine.Flush, called from the coordinator's loop
// only.
package watch

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/rsml-lang/rsmlc/internal/ctxlog"
	"github.com/rsml-lang/rsmlc/internal/fsutil"
	"github.com/rsml-lang/rsmlc/internal/output"
	"github.com/rsml-lang/rsmlc/internal/source"
)

const sourceSuffix = ".rsml"

// EventKind classifies one settled filesystem change.
type EventKind int

const (
	// Created: a new source file appeared.
	Created EventKind = iota
	// Modified: an existing source file's content changed.
	Modified
	// Removed: a source file disappeared.
	Removed
	// Renamed: a source file moved; OldID holds the previous identifier.
	Renamed
	// RemovedTree: a directory (or something indistinguishable from one)
	// disappeared; every indexed source under the prefix is gone. Raw
	// notify backends cannot tell a removed file from a removed
	// directory, so prefix pruning covers both.
	RemovedTree
)

func (k EventKind) String() string {
	switch k {
	case Created:
		return "created"
	case Modified:
		return "modified"
	case Removed:
		return "removed"
	case Renamed:
		return "renamed"
	case RemovedTree:
		return "removed-tree"
	default:
		return "unknown"
	}
}

// Event is one debounced, externally-caused change, identified by canonical
// input-relative ids.
type Event struct {
	Kind  EventKind
	ID    string
	OldID string // set for Renamed
}

// Engine is the consumer the coordinator drives. Flush applies a settled
// batch: index/graph updates, recompilation in dependency order, output
// writes. Fingerprint exposes the indexed content fingerprint, used to pair
// a removal with a creation into a rename.
type Engine interface {
	Fingerprint(id string) (string, bool)
	Flush(ctx context.Context, batch []Event)
}

// Coordinator owns the fsnotify subscription and the debounce buffer.
type Coordinator struct {
	inputRoot string
	engine    Engine
	rec       *output.Reconciler
	quiet     time.Duration

	watcher *fsnotify.Watcher
	pending map[string]*pendingEntry
}

type pendingEntry struct {
	kind EventKind
	last time.Time
}

// New creates a coordinator for the given input root. quiet is the debounce
// interval: a path flushes once it has seen no events for that long.
func New(inputRoot string, engine Engine, rec *output.Reconciler, quiet time.Duration) *Coordinator {
	return &Coordinator{
		inputRoot: inputRoot,
		engine:    engine,
		rec:       rec,
		quiet:     quiet,
		pending:   make(map[string]*pendingEntry),
	}
}

// Run subscribes to the input root and processes events until ctx is
// canceled. Subscription failure is fatal to watch mode and returned
// immediately; in-flight work at cancellation is finished, no new flush
// starts.
func (c *Coordinator) Run(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	c.watcher = watcher

	if err := c.watchRecursive(c.inputRoot); err != nil {
		return err
	}
	logger.Info("Watching for changes.", "root", c.inputRoot)

	ticker := time.NewTicker(c.quiet / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Watch loop terminating.")
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			c.intake(ctx, ev)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("Watcher error.", "error", err)
		case <-ticker.C:
			c.flushQuiesced(ctx)
		}
	}
}

// watchRecursive subscribes to dir and every directory below it. fsnotify
// watches are per-directory, so new directories are added as they appear.
func (c *Coordinator) watchRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return c.watcher.Add(path)
		}
		return nil
	})
}

// intake classifies one raw event and merges it into the debounce buffer.
func (c *Coordinator) intake(ctx context.Context, ev fsnotify.Event) {
	logger := ctxlog.FromContext(ctx)
	path := filepath.Clean(ev.Name)

	// Output-tree events never drive recompilation, whoever caused them.
	if strings.HasSuffix(path, ".model.json") {
		if c.rec.IsSelfEvent(path) {
			logger.Debug("Suppressed self-generated event.", "path", path)
		}
		return
	}
	if c.rec.IsSelfEvent(path) {
		logger.Debug("Suppressed self-generated event.", "path", path)
		return
	}

	switch {
	case ev.Op.Has(fsnotify.Create):
		info, err := os.Stat(path)
		if err != nil {
			return
		}
		if info.IsDir() {
			// A directory appeared (created or moved in): watch it and
			// surface every source already inside.
			if err := c.watchRecursive(path); err != nil {
				logger.Warn("Failed to watch new directory.", "path", path, "error", err)
			}
			files, err := fsutil.FindFilesByExtension(path, sourceSuffix)
			if err != nil {
				logger.Warn("Failed to scan new directory.", "path", path, "error", err)
				return
			}
			for _, f := range files {
				c.enqueue(ctx, f, Created)
			}
			return
		}
		if strings.HasSuffix(path, sourceSuffix) {
			c.enqueue(ctx, path, Created)
		}

	case ev.Op.Has(fsnotify.Write):
		if strings.HasSuffix(path, sourceSuffix) {
			c.enqueue(ctx, path, Modified)
		}

	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		// A Rename arrives on the old path; the new path produces its own
		// Create. The flush pairs the two by fingerprint.
		if strings.HasSuffix(path, sourceSuffix) {
			c.enqueue(ctx, path, Removed)
		} else {
			c.enqueue(ctx, path, RemovedTree)
		}
	}
}

// enqueue merges an event for path into the debounce buffer.
func (c *Coordinator) enqueue(ctx context.Context, path string, kind EventKind) {
	id, err := fsutil.RelID(c.inputRoot, path)
	if err != nil || strings.HasPrefix(id, "..") {
		return
	}

	entry, ok := c.pending[id]
	if !ok {
		c.pending[id] = &pendingEntry{kind: kind, last: time.Now()}
		ctxlog.FromContext(ctx).Debug("Event enqueued.", "id", id, "kind", kind.String())
		return
	}
	entry.kind = mergeKinds(entry.kind, kind)
	entry.last = time.Now()
}

// mergeKinds collapses successive events for one path into the kind the
// flush should act on.
func mergeKinds(prev, next EventKind) EventKind {
	switch {
	case next == Removed || next == RemovedTree:
		return next
	case prev == Removed && next == Created:
		// Deleted then re-created within one window: a modification.
		return Modified
	case prev == Created:
		// Still new from the engine's point of view.
		return Created
	default:
		return next
	}
}

// flushQuiesced flushes every path that has been quiet for the debounce
// interval, pairing removals with creations into renames. Tree removals
// lead the batch: a directory deleted and recreated within one window must
// prune before the creations inside it are applied, not after.
func (c *Coordinator) flushQuiesced(ctx context.Context) {
	now := time.Now()
	var ids []string
	for id, entry := range c.pending {
		if now.Sub(entry.last) >= c.quiet {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return
	}
	sort.Strings(ids)

	var removed, created, trees, modified []Event
	for _, id := range ids {
		entry := c.pending[id]
		delete(c.pending, id)
		ev := Event{Kind: entry.kind, ID: id}
		switch entry.kind {
		case Removed:
			removed = append(removed, ev)
		case Created:
			created = append(created, ev)
		case RemovedTree:
			trees = append(trees, ev)
		default:
			modified = append(modified, ev)
		}
	}

	batch := append(trees, c.pairRenames(removed, created)...)
	batch = append(batch, modified...)
	if len(batch) == 0 {
		return
	}

	ctxlog.FromContext(ctx).Debug("Flushing settled events.", "count", len(batch))
	c.engine.Flush(ctx, batch)
}

// pairRenames matches a removed source against a created one with the same
// content fingerprint and folds the pair into a single Renamed event.
// Unmatched events pass through unchanged, which handles the same user
// action equally well, just without reusing the old output file.
func (c *Coordinator) pairRenames(removed, created []Event) []Event {
	var batch []Event
	usedCreated := make(map[int]bool)

	for _, rm := range removed {
		oldFP, ok := c.engine.Fingerprint(rm.ID)
		matched := false
		if ok {
			for i, cr := range created {
				if usedCreated[i] {
					continue
				}
				data, err := os.ReadFile(fsutil.AbsPath(c.inputRoot, cr.ID))
				if err != nil {
					continue
				}
				if source.Fingerprint(data) == oldFP {
					batch = append(batch, Event{Kind: Renamed, ID: cr.ID, OldID: rm.ID})
					usedCreated[i] = true
					matched = true
					break
				}
			}
		}
		if !matched {
			batch = append(batch, rm)
		}
	}
	for i, cr := range created {
		if !usedCreated[i] {
			batch = append(batch, cr)
		}
	}
	return batch
}
