// Package hostfs abstracts the real filesystem under the project root. The
// engine treats it as authoritative on read and as a sink for the writes
// produced by integrations; tests use the in-memory implementation.
package hostfs

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"unicode/utf8"

	"github.com/ehrlich-b/wingpad/internal/fstree"
)

// Contents is what lives at a path: a directory, a text file, a binary
// file, or a symlink.
type Contents struct {
	Kind    fstree.Kind
	Text    string
	Binary  []byte
	Symlink string
}

// FS is the filesystem capability set the engine consumes. All paths are
// absolute.
type FS interface {
	// ContentsAtPath reads the node at path. It returns (nil, nil) when
	// nothing is there.
	ContentsAtPath(ctx context.Context, path string) (*Contents, error)
	CreateDir(ctx context.Context, path string) error
	WriteFile(ctx context.Context, path string, data []byte) error
	CreateSymlink(ctx context.Context, path, target string) error
	Move(ctx context.Context, oldPath, newPath string) error
	Delete(ctx context.Context, path string) error
	// Walk visits every node under root except root itself, parents before
	// children.
	Walk(ctx context.Context, root string, fn func(path string, c *Contents) error) error
}

// OS implements FS against the real filesystem.
type OS struct{}

func NewOS() *OS {
	return &OS{}
}

func (o *OS) ContentsAtPath(_ context.Context, path string) (*Contents, error) {
	info, err := os.Lstat(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	switch {
	case info.IsDir():
		return &Contents{Kind: fstree.KindDirectory}, nil
	case info.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(path)
		if err != nil {
			return nil, fmt.Errorf("readlink %s: %w", path, err)
		}
		return &Contents{Kind: fstree.KindSymlink, Symlink: target}, nil
	default:
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		if utf8.Valid(data) {
			return &Contents{Kind: fstree.KindText, Text: string(data)}, nil
		}
		return &Contents{Kind: fstree.KindBinary, Binary: data}, nil
	}
}

func (o *OS) CreateDir(_ context.Context, path string) error {
	return os.MkdirAll(path, 0o755)
}

func (o *OS) WriteFile(_ context.Context, path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir for %s: %w", path, err)
	}
	return os.WriteFile(path, data, 0o644)
}

func (o *OS) CreateSymlink(_ context.Context, path, target string) error {
	return os.Symlink(target, path)
}

func (o *OS) Move(_ context.Context, oldPath, newPath string) error {
	return os.Rename(oldPath, newPath)
}

func (o *OS) Delete(_ context.Context, path string) error {
	return os.RemoveAll(path)
}

func (o *OS) Walk(ctx context.Context, root string, fn func(string, *Contents) error) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c, err := o.ContentsAtPath(ctx, path)
		if err != nil {
			return err
		}
		if c == nil {
			return nil
		}
		if err := fn(path, c); err != nil {
			return err
		}
		if c.Kind == fstree.KindSymlink {
			// Lstat saw a symlink; don't follow it.
			if d.IsDir() {
				return filepath.SkipDir
			}
		}
		return nil
	})
}
