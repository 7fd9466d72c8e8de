package app

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/rsml-lang/rsmlc/internal/compiler"
	"github.com/rsml-lang/rsmlc/internal/ctxlog"
	"github.com/rsml-lang/rsmlc/internal/fsutil"
	"github.com/rsml-lang/rsmlc/internal/graph"
	"github.com/rsml-lang/rsmlc/internal/source"
)

// Diagnostic is one file-scoped failure surfaced by a build or flush cycle.
type Diagnostic struct {
	ID  string
	Err error
}

// Fingerprint implements watch.Engine: the indexed content fingerprint,
// used by the coordinator to pair removals and creations into renames.
func (a *App) Fingerprint(id string) (string, bool) {
	f, ok := a.index.Get(id)
	if !ok {
		return "", false
	}
	return f.Fingerprint, true
}

// upsertSource reads, fingerprints and parses one source, refreshing its
// index record and graph node. It returns the dependents whose pending
// references this file satisfied, and whether the content actually changed.
// A parse or read failure still registers the node (the graph mirrors the
// index exactly); the failure itself resurfaces during compilation.
func (a *App) upsertSource(ctx context.Context, id string) (satisfied []string, changed bool) {
	doc, fingerprint, err := a.comp.Parse(ctx, id)
	if err != nil {
		f, prev := a.index.Put(id, fingerprint, nil)
		satisfied = a.graph.UpsertNode(id, nil)
		f.Fail(err)
		return satisfied, prev != fingerprint
	}

	f, prev := a.index.Put(id, fingerprint, doc.Derives)
	f.State = source.StateParsed
	satisfied = a.graph.UpsertNode(id, doc.Derives)
	return satisfied, prev != fingerprint
}

// removeSource cascades a source deletion: invalidation set captured before
// the node goes, index and graph removal, output removal.
func (a *App) removeSource(ctx context.Context, id string, add func(ids ...string)) {
	affected := a.graph.AffectedBy(id)
	a.index.Remove(id)
	demoted := a.graph.RemoveNode(id)
	if err := a.rec.Remove(ctx, id); err != nil {
		ctxlog.FromContext(ctx).Warn("Failed to remove output.", "id", id, "error", err)
	}
	add(affected...)
	add(demoted...)
}

// scanAll discovers every source under the input root and registers it.
// Returns the discovered ids, sorted.
func (a *App) scanAll(ctx context.Context) ([]string, error) {
	files, err := fsutil.FindFilesByExtension(a.cfg.InputRoot, ".rsml")
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(files))
	for _, f := range files {
		id, err := fsutil.RelID(a.cfg.InputRoot, f)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		a.upsertSource(ctx, id)
	}
	ctxlog.FromContext(ctx).Info("Source tree scanned.", "sources", len(ids))
	return ids, nil
}

// compileSet compiles the given root set in dependency order: blocked nodes
// are marked failed up front, then each topological level runs through a
// bounded worker pool. Levels are strictly sequential; a level only starts
// once the previous level's results are committed, since its files consume
// the compiled macro sets of earlier ones.
func (a *App) compileSet(ctx context.Context, roots []string) []Diagnostic {
	logger := ctxlog.FromContext(ctx)
	order := a.graph.CompileOrder(roots)

	var mu sync.Mutex
	var diags []Diagnostic
	record := func(id string, err error) {
		mu.Lock()
		diags = append(diags, Diagnostic{ID: id, Err: err})
		mu.Unlock()
	}

	for id, err := range order.Blocked {
		if f, ok := a.index.Get(id); ok {
			f.Fail(err)
		}
		record(id, err)
	}

	for i, level := range order.Levels {
		if ctx.Err() != nil {
			logger.Info("Compilation canceled between levels.", "remaining_levels", len(order.Levels)-i)
			break
		}
		logger.Debug("Compiling level.", "level", i, "files", len(level))

		g := new(errgroup.Group)
		g.SetLimit(a.cfg.WorkerCount)
		for _, id := range level {
			id := id
			g.Go(func() error {
				a.compileOne(ctx, id, record)
				return nil
			})
		}
		_ = g.Wait()
	}

	sort.Slice(diags, func(i, j int) bool { return diags[i].ID < diags[j].ID })
	return diags
}

// compileOne compiles a single file and writes its output. Failures mark
// the file, never the run.
func (a *App) compileOne(ctx context.Context, id string, record func(string, error)) {
	if ctx.Err() != nil {
		return
	}
	f, ok := a.index.Get(id)
	if !ok {
		return
	}

	var imports []compiler.Import
	for _, ref := range a.graph.ResolvedDeps(id) {
		dep, ok := a.index.Get(ref.Target)
		if !ok || dep.State != source.StateCompiled {
			var cause error
			if ok && dep.Err != nil {
				cause = dep.Err
			} else {
				cause = &graph.UnresolvedDeriveError{Reference: ref.Reference, Target: ref.Target}
			}
			err := &graph.DependencyError{ID: id, Dependency: ref.Target, Cause: cause}
			f.Fail(err)
			record(id, err)
			return
		}
		imports = append(imports, compiler.Import{
			Reference: ref.Reference,
			Target:    ref.Target,
			Macros:    dep.Macros,
		})
	}
	f.State = source.StateDerivesResolved

	res, err := a.comp.Compile(ctx, id, imports)
	if err != nil {
		f.Fail(err)
		record(id, err)
		return
	}

	if err := a.rec.Write(ctx, id, res.JSON); err != nil {
		f.Fail(err)
		record(id, err)
		return
	}

	f.State = source.StateCompiled
	f.Macros = res.Macros
	f.Err = nil
}
