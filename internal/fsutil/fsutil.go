// Package fsutil provides file system utility functions.
package fsutil

import (
	"io/fs"
	"path"
	"path/filepath"
	"strings"
)

// FindFilesByExtension recursively searches the given root path for all files ending
// with the specified extension. It returns a slice of their full paths.
func FindFilesByExtension(rootPath string, extension string) ([]string, error) {
	if extension == "" {
		panic("extension must not be empty")
	}

	var files []string
	err := filepath.WalkDir(rootPath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), extension) {
			files = append(files, p)
		}
		return nil
	})

	if err != nil {
		return nil, err
	}

	return files, nil
}

// RelID converts an absolute file path into its canonical identifier: the
// slash-separated path relative to root. Identifiers are what the source
// index, graph and output mapping key on, regardless of platform separators.
func RelID(root, absPath string) (string, error) {
	rel, err := filepath.Rel(root, absPath)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}

// AbsPath converts a canonical identifier back into an absolute path under root.
func AbsPath(root, id string) string {
	return filepath.Join(root, filepath.FromSlash(id))
}

// CleanID normalizes a slash-separated identifier, collapsing "." and ".."
// segments. An identifier that escapes its root ("../x") is returned as-is
// after cleaning; callers decide whether that is an error.
func CleanID(id string) string {
	return path.Clean(filepath.ToSlash(id))
}

// Stem returns the file name of an identifier without its extension.
func Stem(id string) string {
	base := path.Base(id)
	return strings.TrimSuffix(base, path.Ext(base))
}
