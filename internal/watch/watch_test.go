package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rsml-lang/rsmlc/internal/output"
	"github.com/rsml-lang/rsmlc/internal/source"
)

// fakeEngine records flushed batches and serves fingerprints from a map.
type fakeEngine struct {
	fingerprints map[string]string
	batches      [][]Event
}

func (e *fakeEngine) Fingerprint(id string) (string, bool) {
	fp, ok := e.fingerprints[id]
	return fp, ok
}

func (e *fakeEngine) Flush(_ context.Context, batch []Event) {
	e.batches = append(e.batches, batch)
}

func newTestCoordinator(t *testing.T) (*Coordinator, *fakeEngine, string) {
	t.Helper()
	root := t.TempDir()
	engine := &fakeEngine{fingerprints: map[string]string{}}
	// Zero quiet interval: everything enqueued is already settled.
	c := New(root, engine, output.New(root, root), 0)
	return c, engine, root
}

func writeSource(t *testing.T, root, id, content string) string {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(id))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestMergeKinds(t *testing.T) {
	cases := []struct {
		name       string
		prev, next EventKind
		want       EventKind
	}{
		{"removal wins", Modified, Removed, Removed},
		{"tree removal wins", Created, RemovedTree, RemovedTree},
		{"remove then create is modify", Removed, Created, Modified},
		{"create stays create through writes", Created, Modified, Created},
		{"modify then modify", Modified, Modified, Modified},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, mergeKinds(tc.prev, tc.next))
		})
	}
}

func TestIntake(t *testing.T) {
	ctx := context.Background()

	t.Run("source write becomes a modification", func(t *testing.T) {
		c, engine, root := newTestCoordinator(t)
		path := writeSource(t, root, "a.rsml", "")

		c.intake(ctx, fsnotify.Event{Name: path, Op: fsnotify.Write})
		c.flushQuiesced(ctx)

		require.Len(t, engine.batches, 1)
		assert.Equal(t, []Event{{Kind: Modified, ID: "a.rsml"}}, engine.batches[0])
	})

	t.Run("non-source writes are ignored", func(t *testing.T) {
		c, engine, root := newTestCoordinator(t)
		path := writeSource(t, root, "readme.txt", "")

		c.intake(ctx, fsnotify.Event{Name: path, Op: fsnotify.Write})
		c.flushQuiesced(ctx)
		assert.Empty(t, engine.batches)
	})

	t.Run("model output events never reach the buffer", func(t *testing.T) {
		c, engine, root := newTestCoordinator(t)
		path := writeSource(t, root, "a.model.json", "{}")

		c.intake(ctx, fsnotify.Event{Name: path, Op: fsnotify.Write})
		c.intake(ctx, fsnotify.Event{Name: path, Op: fsnotify.Create})
		c.flushQuiesced(ctx)
		assert.Empty(t, engine.batches)
	})

	t.Run("self-generated source event is suppressed", func(t *testing.T) {
		root := t.TempDir()
		engine := &fakeEngine{fingerprints: map[string]string{}}
		rec := output.New(root, root)
		c := New(root, engine, rec, 0)

		// A relocation into a new directory marks that directory; the raw
		// event it raises must not be treated as an external change.
		require.NoError(t, rec.Write(ctx, "old.rsml", []byte("x")))
		require.NoError(t, rec.Relocate(ctx, "old.rsml", "sub/new.rsml"))
		c.intake(ctx, fsnotify.Event{Name: filepath.Join(root, "sub"), Op: fsnotify.Remove})
		c.flushQuiesced(ctx)
		assert.Empty(t, engine.batches)
	})

	t.Run("source removal", func(t *testing.T) {
		c, engine, root := newTestCoordinator(t)

		c.intake(ctx, fsnotify.Event{Name: filepath.Join(root, "a.rsml"), Op: fsnotify.Remove})
		c.flushQuiesced(ctx)

		require.Len(t, engine.batches, 1)
		assert.Equal(t, []Event{{Kind: Removed, ID: "a.rsml"}}, engine.batches[0])
	})

	t.Run("directory removal prunes by prefix", func(t *testing.T) {
		c, engine, root := newTestCoordinator(t)

		c.intake(ctx, fsnotify.Event{Name: filepath.Join(root, "sub"), Op: fsnotify.Remove})
		c.flushQuiesced(ctx)

		require.Len(t, engine.batches, 1)
		assert.Equal(t, []Event{{Kind: RemovedTree, ID: "sub"}}, engine.batches[0])
	})

	t.Run("events outside the root are dropped", func(t *testing.T) {
		c, engine, _ := newTestCoordinator(t)
		outside := filepath.Join(t.TempDir(), "other.rsml")

		c.intake(ctx, fsnotify.Event{Name: outside, Op: fsnotify.Write})
		c.flushQuiesced(ctx)
		assert.Empty(t, engine.batches)
	})
}

func TestDebounceMerging(t *testing.T) {
	ctx := context.Background()
	c, engine, root := newTestCoordinator(t)
	path := writeSource(t, root, "a.rsml", "content")

	// Editors commonly delete and re-create on save; one flush, one event.
	c.intake(ctx, fsnotify.Event{Name: path, Op: fsnotify.Remove})
	c.intake(ctx, fsnotify.Event{Name: path, Op: fsnotify.Create})
	c.flushQuiesced(ctx)

	require.Len(t, engine.batches, 1)
	assert.Equal(t, []Event{{Kind: Modified, ID: "a.rsml"}}, engine.batches[0])
}

func TestFlushOrdering(t *testing.T) {
	ctx := context.Background()
	c, engine, root := newTestCoordinator(t)

	// A directory replaced within one quiet interval: the prune must land
	// before the creations inside it, or the batch would remove the new
	// sources it just added.
	path := writeSource(t, root, "sub/a.rsml", "content")
	c.intake(ctx, fsnotify.Event{Name: filepath.Join(root, "sub"), Op: fsnotify.Remove})
	c.intake(ctx, fsnotify.Event{Name: path, Op: fsnotify.Create})
	c.flushQuiesced(ctx)

	require.Len(t, engine.batches, 1)
	assert.Equal(t, []Event{
		{Kind: RemovedTree, ID: "sub"},
		{Kind: Created, ID: "sub/a.rsml"},
	}, engine.batches[0])
}

func TestPairRenames(t *testing.T) {
	t.Run("matching fingerprints fold into a rename", func(t *testing.T) {
		c, engine, root := newTestCoordinator(t)
		content := "macro \"x\" { value = 1 }\n"
		writeSource(t, root, "new.rsml", content)
		engine.fingerprints["old.rsml"] = source.Fingerprint([]byte(content))

		batch := c.pairRenames(
			[]Event{{Kind: Removed, ID: "old.rsml"}},
			[]Event{{Kind: Created, ID: "new.rsml"}},
		)
		assert.Equal(t, []Event{{Kind: Renamed, ID: "new.rsml", OldID: "old.rsml"}}, batch)
	})

	t.Run("different content passes through unpaired", func(t *testing.T) {
		c, engine, root := newTestCoordinator(t)
		writeSource(t, root, "new.rsml", "something else")
		engine.fingerprints["old.rsml"] = source.Fingerprint([]byte("original"))

		batch := c.pairRenames(
			[]Event{{Kind: Removed, ID: "old.rsml"}},
			[]Event{{Kind: Created, ID: "new.rsml"}},
		)
		assert.ElementsMatch(t, []Event{
			{Kind: Removed, ID: "old.rsml"},
			{Kind: Created, ID: "new.rsml"},
		}, batch)
	})

	t.Run("unindexed removal cannot pair", func(t *testing.T) {
		c, _, root := newTestCoordinator(t)
		writeSource(t, root, "new.rsml", "content")

		batch := c.pairRenames(
			[]Event{{Kind: Removed, ID: "old.rsml"}},
			[]Event{{Kind: Created, ID: "new.rsml"}},
		)
		assert.Len(t, batch, 2)
	})

	t.Run("each creation pairs at most once", func(t *testing.T) {
		c, engine, root := newTestCoordinator(t)
		content := "shared content"
		writeSource(t, root, "new.rsml", content)
		fp := source.Fingerprint([]byte(content))
		engine.fingerprints["old1.rsml"] = fp
		engine.fingerprints["old2.rsml"] = fp

		batch := c.pairRenames(
			[]Event{{Kind: Removed, ID: "old1.rsml"}, {Kind: Removed, ID: "old2.rsml"}},
			[]Event{{Kind: Created, ID: "new.rsml"}},
		)

		renames := 0
		for _, ev := range batch {
			if ev.Kind == Renamed {
				renames++
			}
		}
		assert.Equal(t, 1, renames)
		assert.Len(t, batch, 2)
	})
}
