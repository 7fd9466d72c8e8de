package app

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rsml-lang/rsmlc/internal/ctxlog"
	"github.com/rsml-lang/rsmlc/internal/output"
	"github.com/rsml-lang/rsmlc/internal/source"
	"github.com/rsml-lang/rsmlc/internal/watch"
)

func newTestApp(t *testing.T, inputRoot string) (*App, context.Context) {
	t.Helper()
	cfg, err := NewConfig(Config{
		Command:   CommandBuild,
		InputRoot: inputRoot,
		LogFormat: "text",
		LogLevel:  "error",
	})
	require.NoError(t, err)

	a, err := NewApp(io.Discard, cfg)
	require.NoError(t, err)
	return a, ctxlog.WithLogger(context.Background(), a.Logger())
}

func writeSource(t *testing.T, root, id, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(id))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func readOutput(t *testing.T, root, sourceID string) map[string]any {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(output.MapID(sourceID))))
	require.NoError(t, err)
	var sheet map[string]any
	require.NoError(t, json.Unmarshal(data, &sheet))
	return sheet
}

func TestBuild(t *testing.T) {
	t.Run("mirrors the source tree", func(t *testing.T) {
		root := t.TempDir()
		writeSource(t, root, "palette.rsml", `
macro "accent" {
  value = "#336699"
}
`)
		writeSource(t, root, "ui/frame.rsml", `
derive = ["../palette"]

rule "Frame" {
  properties = {
    BackgroundColor3 = macro.accent
  }
}
`)
		a, ctx := newTestApp(t, root)
		require.NoError(t, a.Build(ctx))

		sheet := readOutput(t, root, "ui/frame.rsml")
		assert.Equal(t, "ui/frame.rsml", sheet["id"])

		children := sheet["children"].([]any)
		require.Len(t, children, 2)
		rule := children[0].(map[string]any)
		assert.Equal(t, "#336699", rule["properties"].(map[string]any)["BackgroundColor3"])
		derive := children[1].(map[string]any)
		assert.Equal(t, "StyleDerive", derive["className"])

		f, ok := a.index.Get("ui/frame.rsml")
		require.True(t, ok)
		assert.Equal(t, source.StateCompiled, f.State)
	})

	t.Run("repeated builds are stable", func(t *testing.T) {
		root := t.TempDir()
		writeSource(t, root, "a.rsml", `rule "Frame" {}`)

		a, ctx := newTestApp(t, root)
		require.NoError(t, a.Build(ctx))
		first, err := os.ReadFile(filepath.Join(root, "a.model.json"))
		require.NoError(t, err)

		b, ctx2 := newTestApp(t, root)
		require.NoError(t, b.Build(ctx2))
		second, err := os.ReadFile(filepath.Join(root, "a.model.json"))
		require.NoError(t, err)
		assert.Equal(t, first, second)
	})

	t.Run("root-level derive target from a nested source", func(t *testing.T) {
		root := t.TempDir()
		writeSource(t, root, "zlib.rsml", `
macro "level" {
  value = 9
}
`)
		writeSource(t, root, "sub/a.rsml", `
derive = ["zlib"]

rule "Frame" {
  properties = {
    Compression = macro.level
  }
}
`)
		a, ctx := newTestApp(t, root)
		require.NoError(t, a.Build(ctx))

		sheet := readOutput(t, root, "sub/a.rsml")
		rule := sheet["children"].([]any)[0].(map[string]any)
		assert.Equal(t, float64(9), rule["properties"].(map[string]any)["Compression"])
	})

	t.Run("aliased derives resolve through the discovered table", func(t *testing.T) {
		root := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(root, ".luaurc"),
			[]byte(`{"aliases": {"ui": "ui"}}`), 0o644))
		writeSource(t, root, "ui/theme.rsml", `
macro "spacing" {
  value = 8
}
`)
		writeSource(t, root, "button.rsml", `
derive = ["@ui/theme"]

rule "TextButton" {
  properties = {
    Padding = macro.spacing
  }
}
`)
		a, ctx := newTestApp(t, root)
		require.NoError(t, a.Build(ctx))

		sheet := readOutput(t, root, "button.rsml")
		rule := sheet["children"].([]any)[0].(map[string]any)
		assert.Equal(t, float64(8), rule["properties"].(map[string]any)["Padding"])
	})

	t.Run("separate output root", func(t *testing.T) {
		root := t.TempDir()
		out := filepath.Join(t.TempDir(), "generated")
		writeSource(t, root, "sub/a.rsml", `rule "Frame" {}`)

		cfg, err := NewConfig(Config{
			Command: CommandBuild, InputRoot: root, OutputRoot: out,
			LogFormat: "text", LogLevel: "error",
		})
		require.NoError(t, err)
		a, err := NewApp(io.Discard, cfg)
		require.NoError(t, err)

		require.NoError(t, a.Build(ctxlog.WithLogger(context.Background(), a.Logger())))
		assert.FileExists(t, filepath.Join(out, "sub", "a.model.json"))
		assert.NoFileExists(t, filepath.Join(root, "sub", "a.model.json"))
	})

	t.Run("file failures do not abort the pass", func(t *testing.T) {
		root := t.TempDir()
		writeSource(t, root, "good.rsml", `rule "Frame" {}`)
		writeSource(t, root, "broken.rsml", `derive = ["./missing"]`)

		a, ctx := newTestApp(t, root)
		err := a.Build(ctx)
		require.Error(t, err)

		assert.FileExists(t, filepath.Join(root, "good.model.json"))
		assert.NoFileExists(t, filepath.Join(root, "broken.model.json"))

		f, _ := a.index.Get("broken.rsml")
		assert.Equal(t, source.StateFailed, f.State)
	})

	t.Run("derive cycles block their members only", func(t *testing.T) {
		root := t.TempDir()
		writeSource(t, root, "a.rsml", `derive = ["./b"]`)
		writeSource(t, root, "b.rsml", `derive = ["./a"]`)
		writeSource(t, root, "clean.rsml", `rule "Frame" {}`)

		a, ctx := newTestApp(t, root)
		err := a.Build(ctx)
		require.ErrorContains(t, err, "cycle")

		assert.FileExists(t, filepath.Join(root, "clean.model.json"))
		assert.NoFileExists(t, filepath.Join(root, "a.model.json"))
		assert.NoFileExists(t, filepath.Join(root, "b.model.json"))
	})

	t.Run("orphaned outputs are swept", func(t *testing.T) {
		root := t.TempDir()
		writeSource(t, root, "live.rsml", `rule "Frame" {}`)
		orphan := filepath.Join(root, "stale.model.json")
		require.NoError(t, os.WriteFile(orphan, []byte(`{"id":"stale.rsml"}`), 0o644))
		hand := filepath.Join(root, "hand.model.json")
		require.NoError(t, os.WriteFile(hand, []byte(`{"id":"hand-authored"}`), 0o644))

		a, ctx := newTestApp(t, root)
		require.NoError(t, a.Build(ctx))

		assert.NoFileExists(t, orphan)
		assert.FileExists(t, hand)
		assert.FileExists(t, filepath.Join(root, "live.model.json"))
	})

	t.Run("missing input root is fatal", func(t *testing.T) {
		cfg, err := NewConfig(Config{
			Command: CommandBuild, InputRoot: filepath.Join(t.TempDir(), "nope"),
			LogFormat: "text", LogLevel: "error",
		})
		require.NoError(t, err)
		_, err = NewApp(io.Discard, cfg)
		assert.ErrorContains(t, err, "does not exist")
	})
}

func TestFlush(t *testing.T) {
	t.Run("modified dependency recompiles dependents", func(t *testing.T) {
		root := t.TempDir()
		writeSource(t, root, "palette.rsml", `
macro "accent" {
  value = "#111111"
}
`)
		writeSource(t, root, "frame.rsml", `
derive = ["./palette"]

rule "Frame" {
  properties = {
    BackgroundColor3 = macro.accent
  }
}
`)
		a, ctx := newTestApp(t, root)
		require.NoError(t, a.Build(ctx))

		writeSource(t, root, "palette.rsml", `
macro "accent" {
  value = "#222222"
}
`)
		a.Flush(ctx, []watch.Event{{Kind: watch.Modified, ID: "palette.rsml"}})

		sheet := readOutput(t, root, "frame.rsml")
		rule := sheet["children"].([]any)[0].(map[string]any)
		assert.Equal(t, "#222222", rule["properties"].(map[string]any)["BackgroundColor3"])
	})

	t.Run("created file satisfies a waiting dependent", func(t *testing.T) {
		root := t.TempDir()
		writeSource(t, root, "frame.rsml", `
derive = ["./palette"]

rule "Frame" {
  properties = {
    BackgroundColor3 = macro.accent
  }
}
`)
		a, ctx := newTestApp(t, root)
		require.Error(t, a.Build(ctx))
		assert.NoFileExists(t, filepath.Join(root, "frame.model.json"))

		writeSource(t, root, "palette.rsml", `
macro "accent" {
  value = "#336699"
}
`)
		a.Flush(ctx, []watch.Event{{Kind: watch.Created, ID: "palette.rsml"}})

		assert.FileExists(t, filepath.Join(root, "frame.model.json"))
		f, _ := a.index.Get("frame.rsml")
		assert.Equal(t, source.StateCompiled, f.State)
	})

	t.Run("removed dependency fails dependents and keeps their last output", func(t *testing.T) {
		root := t.TempDir()
		writeSource(t, root, "base.rsml", `
macro "x" {
  value = 1
}
`)
		writeSource(t, root, "leaf.rsml", `derive = ["./base"]`)

		a, ctx := newTestApp(t, root)
		require.NoError(t, a.Build(ctx))

		require.NoError(t, os.Remove(filepath.Join(root, "base.rsml")))
		a.Flush(ctx, []watch.Event{{Kind: watch.Removed, ID: "base.rsml"}})

		assert.NoFileExists(t, filepath.Join(root, "base.model.json"))
		assert.False(t, a.index.Has("base.rsml"))

		f, ok := a.index.Get("leaf.rsml")
		require.True(t, ok)
		assert.Equal(t, source.StateFailed, f.State)
		// The stale output stays until the next successful compile or the
		// next session's sweep.
		assert.FileExists(t, filepath.Join(root, "leaf.model.json"))
	})

	t.Run("rename relocates the output and reindexes", func(t *testing.T) {
		root := t.TempDir()
		writeSource(t, root, "old.rsml", `rule "Frame" {}`)

		a, ctx := newTestApp(t, root)
		require.NoError(t, a.Build(ctx))

		content, err := os.ReadFile(filepath.Join(root, "old.rsml"))
		require.NoError(t, err)
		writeSource(t, root, "nested/new.rsml", string(content))
		require.NoError(t, os.Remove(filepath.Join(root, "old.rsml")))

		a.Flush(ctx, []watch.Event{{Kind: watch.Renamed, ID: "nested/new.rsml", OldID: "old.rsml"}})

		assert.NoFileExists(t, filepath.Join(root, "old.model.json"))
		sheet := readOutput(t, root, "nested/new.rsml")
		assert.Equal(t, "nested/new.rsml", sheet["id"])
		assert.False(t, a.index.Has("old.rsml"))
		assert.True(t, a.index.Has("nested/new.rsml"))
	})

	t.Run("removed tree prunes every source under the prefix", func(t *testing.T) {
		root := t.TempDir()
		writeSource(t, root, "sub/a.rsml", `rule "Frame" {}`)
		writeSource(t, root, "sub/deep/b.rsml", `rule "Frame" {}`)
		writeSource(t, root, "keep.rsml", `rule "Frame" {}`)

		a, ctx := newTestApp(t, root)
		require.NoError(t, a.Build(ctx))

		require.NoError(t, os.RemoveAll(filepath.Join(root, "sub")))
		a.Flush(ctx, []watch.Event{{Kind: watch.RemovedTree, ID: "sub"}})

		assert.False(t, a.index.Has("sub/a.rsml"))
		assert.False(t, a.index.Has("sub/deep/b.rsml"))
		assert.True(t, a.index.Has("keep.rsml"))
		assert.NoFileExists(t, filepath.Join(root, "sub", "a.model.json"))
	})

	t.Run("directory recreated within one window keeps its sources", func(t *testing.T) {
		root := t.TempDir()
		writeSource(t, root, "sub/a.rsml", `rule "Frame" {}`)

		a, ctx := newTestApp(t, root)
		require.NoError(t, a.Build(ctx))

		// The coordinator delivers the prune before the creations inside
		// the recreated directory; the sources must survive the batch.
		a.Flush(ctx, []watch.Event{
			{Kind: watch.RemovedTree, ID: "sub"},
			{Kind: watch.Created, ID: "sub/a.rsml"},
		})

		assert.True(t, a.index.Has("sub/a.rsml"))
		assert.FileExists(t, filepath.Join(root, "sub", "a.model.json"))
		f, _ := a.index.Get("sub/a.rsml")
		assert.Equal(t, source.StateCompiled, f.State)
	})

	t.Run("fixing a broken file recovers it", func(t *testing.T) {
		root := t.TempDir()
		writeSource(t, root, "a.rsml", `rule "Unterminated {`)

		a, ctx := newTestApp(t, root)
		require.Error(t, a.Build(ctx))

		writeSource(t, root, "a.rsml", `rule "Frame" {}`)
		a.Flush(ctx, []watch.Event{{Kind: watch.Modified, ID: "a.rsml"}})

		f, _ := a.index.Get("a.rsml")
		assert.Equal(t, source.StateCompiled, f.State)
		assert.FileExists(t, filepath.Join(root, "a.model.json"))
	})
}

func TestFingerprint(t *testing.T) {
	root := t.TempDir()
	writeSource(t, root, "a.rsml", `rule "Frame" {}`)

	a, ctx := newTestApp(t, root)
	require.NoError(t, a.Build(ctx))

	fp, ok := a.Fingerprint("a.rsml")
	require.True(t, ok)
	assert.Len(t, fp, 64)

	_, ok = a.Fingerprint("ghost.rsml")
	assert.False(t, ok)
}
