package app

import (
	"context"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/rsml-lang/rsmlc/internal/ctxlog"
	"github.com/rsml-lang/rsmlc/internal/watch"
)

// Build performs a one-shot full build: scan, one topological pass over the
// whole graph, compile every level, reconcile the output tree. Per-file
// failures are reported and aggregated; they never abort the pass.
func (a *App) Build(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)

	ids, err := a.scanAll(ctx)
	if err != nil {
		return err
	}
	diags := a.compileSet(ctx, ids)
	if err := a.rec.ReconcileAll(ctx, a.index.Has); err != nil {
		return err
	}

	a.report(ctx, diags)
	a.logger.Info("Build finished.", "sources", len(ids), "failed", len(diags))

	if len(diags) == 0 {
		return nil
	}
	var result *multierror.Error
	for _, d := range diags {
		result = multierror.Append(result, d.Err)
	}
	return result.ErrorOrNil()
}

// Watch performs the same initial full pass as Build, then hands control to
// the watch coordinator until ctx is canceled. Initial per-file failures are
// reported but do not stop the session: watch exists to let the user fix
// them.
func (a *App) Watch(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)

	ids, err := a.scanAll(ctx)
	if err != nil {
		return err
	}
	diags := a.compileSet(ctx, ids)
	if err := a.rec.ReconcileAll(ctx, a.index.Has); err != nil {
		return err
	}
	a.report(ctx, diags)
	a.logger.Info("Initial build finished, watching.", "sources", len(ids), "failed", len(diags))

	coord := watch.New(a.cfg.InputRoot, a, a.rec, a.cfg.QuietInterval)
	return coord.Run(ctx)
}

// Flush implements watch.Engine: apply one settled batch of external
// events, then recompile the union of everything they invalidated. The
// coordinator calls this from its loop only, which serializes all index and
// graph mutation.
func (a *App) Flush(ctx context.Context, batch []watch.Event) {
	logger := ctxlog.FromContext(ctx)

	roots := make(map[string]struct{})
	add := func(ids ...string) {
		for _, id := range ids {
			roots[id] = struct{}{}
		}
	}

	for _, ev := range batch {
		logger.Info("Applying change.", "kind", ev.Kind.String(), "id", ev.ID)
		switch ev.Kind {
		case watch.Created:
			satisfied, _ := a.upsertSource(ctx, ev.ID)
			add(ev.ID)
			add(satisfied...)
			add(a.graph.AffectedBy(ev.ID)...)

		case watch.Modified:
			satisfied, changed := a.upsertSource(ctx, ev.ID)
			add(ev.ID)
			add(satisfied...)
			if changed {
				add(a.graph.AffectedBy(ev.ID)...)
			}

		case watch.Removed:
			a.removeSource(ctx, ev.ID, add)

		case watch.Renamed:
			affected := a.graph.AffectedBy(ev.OldID)
			if err := a.rec.Relocate(ctx, ev.OldID, ev.ID); err != nil {
				logger.Warn("Failed to relocate output.", "from", ev.OldID, "to", ev.ID, "error", err)
			}
			a.index.Remove(ev.OldID)
			demoted := a.graph.RemoveNode(ev.OldID)
			satisfied, _ := a.upsertSource(ctx, ev.ID)
			add(ev.ID)
			add(affected...)
			add(demoted...)
			add(satisfied...)

		case watch.RemovedTree:
			prefix := ev.ID + "/"
			for _, id := range a.index.IDs() {
				if strings.HasPrefix(id, prefix) {
					a.removeSource(ctx, id, add)
				}
			}
		}
	}

	ids := make([]string, 0, len(roots))
	for id := range roots {
		ids = append(ids, id)
	}
	diags := a.compileSet(ctx, ids)
	a.report(ctx, diags)
}

// report logs every file-scoped failure of one cycle.
func (a *App) report(ctx context.Context, diags []Diagnostic) {
	logger := ctxlog.FromContext(ctx)
	for _, d := range diags {
		logger.Error("File failed.", "id", d.ID, "error", d.Err)
	}
}
