// Package storage persists finished long images, either in a local output
// directory or in an S3-compatible bucket.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// maxNameAttempts bounds the _N suffix search for a free file name.
const maxNameAttempts = 10000

// Dir stores outputs as files under a directory.
type Dir struct {
	root string
}

// NewDir creates root if needed.
func NewDir(root string) (*Dir, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	return &Dir{root: root}, nil
}

// Root returns the output directory.
func (d *Dir) Root() string { return d.root }

// Put writes r to root/name and returns the file path. An existing file is
// never overwritten; the name gets a _1, _2, ... suffix instead.
func (d *Dir) Put(ctx context.Context, name string, r io.Reader, _ int64, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	f, path, err := createUnique(filepath.Join(d.root, filepath.Base(name)))
	if err != nil {
		return "", err
	}

	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("failed to close %s: %w", path, err)
	}
	return path, nil
}

// Delete removes a file previously returned by Put.
func (d *Dir) Delete(_ context.Context, ref string) error {
	if err := os.Remove(ref); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// createUnique opens path exclusively, falling back to name_N.ext while the
// name is taken. O_EXCL keeps concurrent workers from claiming the same name.
func createUnique(path string) (*os.File, string, error) {
	dir := filepath.Dir(path)
	ext := filepath.Ext(path)
	name := strings.TrimSuffix(filepath.Base(path), ext)

	candidate := path
	for i := 1; i <= maxNameAttempts; i++ {
		f, err := os.OpenFile(candidate, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if err == nil {
			return f, candidate, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, "", fmt.Errorf("failed to create %s: %w", candidate, err)
		}
		candidate = filepath.Join(dir, fmt.Sprintf("%s_%d%s", name, i, ext))
	}
	return nil, "", fmt.Errorf("no free file name for %s", path)
}
