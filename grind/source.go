package grind

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var (
	// ErrNoSourceFile is returned by SourceFile for an empty path.
	ErrNoSourceFile = errors.New("no file to view")
	// ErrAccessDenied is returned for files outside the configured source
	// roots and for anything that is not a regular file.
	ErrAccessDenied = errors.New("access denied")
)

// maxSourceSize caps what SourceFile reads into memory.
const maxSourceSize = 8 << 20

// SourceFile is a PHP source file referenced by a trace.
type SourceFile struct {
	Path    string    `json:"path"`
	ModTime time.Time `json:"-"`
	MTime   string    `json:"mtime"`
	Size    int64     `json:"size"`
	Content string    `json:"content"`
}

// SourceFile reads the file at path if it lies under one of the configured
// source roots. Symlinks are resolved before the check.
func (s *Service) SourceFile(_ context.Context, path string) (SourceFile, error) {
	if strings.TrimSpace(path) == "" {
		return SourceFile{}, ErrNoSourceFile
	}
	if len(s.cfg.SourceRoots) == 0 {
		return SourceFile{}, fmt.Errorf("%w: no source_roots configured", ErrAccessDenied)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return SourceFile{}, fmt.Errorf("%w: %s", ErrAccessDenied, path)
	}
	// Checked before touching the disk.
	if !s.underSourceRoot(abs) {
		return SourceFile{}, fmt.Errorf("%w: %s is outside the source roots", ErrAccessDenied, path)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return SourceFile{}, fmt.Errorf("resolve %s: %w", path, err)
	}
	if !s.underSourceRoot(resolved) {
		return SourceFile{}, fmt.Errorf("%w: %s links outside the source roots", ErrAccessDenied, path)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return SourceFile{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return SourceFile{}, fmt.Errorf("%w: %s is not a regular file", ErrAccessDenied, path)
	}
	if info.Size() > maxSourceSize {
		return SourceFile{}, fmt.Errorf("%w: %s is larger than %d bytes", ErrAccessDenied, path, maxSourceSize)
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return SourceFile{}, fmt.Errorf("read %s: %w", path, err)
	}

	s.logger.Debug().Str("path", resolved).Int64("size", info.Size()).Msg("served source file")
	return SourceFile{
		Path:    abs,
		ModTime: info.ModTime(),
		MTime:   s.formatTime(info.ModTime()),
		Size:    info.Size(),
		Content: string(data),
	}, nil
}

func (s *Service) underSourceRoot(path string) bool {
	for _, root := range s.sourceRoots {
		if within(root, path) {
			return true
		}
	}
	return false
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// cleanSourceRoots makes roots absolute. A root that resolves through a
// symlink is kept in both forms so either spelling of a path matches.
func cleanSourceRoots(roots []string) []string {
	out := make([]string, 0, len(roots)*2)
	for _, root := range roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		out = append(out, abs)
		resolved, err := filepath.EvalSymlinks(abs)
		if err == nil && resolved != abs {
			out = append(out, resolved)
		}
	}
	return out
}
