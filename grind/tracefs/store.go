// Package tracefs finds, stats and deletes trace files in the profiler
// output directory, and derived artifacts in the storage directory.
package tracefs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

var (
	ErrNotFound    = errors.New("trace not found")
	ErrInvalidName = errors.New("invalid trace name")
)

type Trace struct {
	Name    string
	Path    string
	ModTime time.Time
	Size    int64
}

type Store struct {
	dir        string
	storageDir string
	pattern    string
}

func New(profilerDir, storageDir, pattern string) (*Store, error) {
	if _, err := filepath.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("invalid output pattern %q: %w", pattern, err)
	}
	return &Store{
		dir:        profilerDir,
		storageDir: storageDir,
		pattern:    pattern,
	}, nil
}

func (s *Store) Dir() string        { return s.dir }
func (s *Store) StorageDir() string { return s.storageDir }

// List returns the traces matching the output pattern, newest first. Empty
// files are skipped, the profiler has not flushed them yet.
func (s *Store) List() ([]Trace, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read profiler dir: %w", err)
	}

	traces := make([]Trace, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if ok, _ := filepath.Match(s.pattern, entry.Name()); !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		if info.Size() == 0 {
			continue
		}
		traces = append(traces, Trace{
			Name:    entry.Name(),
			Path:    filepath.Join(s.dir, entry.Name()),
			ModTime: info.ModTime(),
			Size:    info.Size(),
		})
	}

	sort.SliceStable(traces, func(i, j int) bool {
		if traces[i].ModTime.Equal(traces[j].ModTime) {
			return traces[i].Name < traces[j].Name
		}
		return traces[i].ModTime.After(traces[j].ModTime)
	})
	return traces, nil
}

// Path validates name and joins it to the profiler dir. Names must be plain
// file names matching the output pattern.
func (s *Store) Path(name string) (string, error) {
	if name == "" || name == "." || name == ".." || filepath.Base(name) != name || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if ok, _ := filepath.Match(s.pattern, name); !ok {
		return "", fmt.Errorf("%w: %q does not match %q", ErrInvalidName, name, s.pattern)
	}
	return filepath.Join(s.dir, name), nil
}

func (s *Store) Stat(name string) (Trace, error) {
	path, err := s.Path(name)
	if err != nil {
		return Trace{}, err
	}
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Trace{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return Trace{}, fmt.Errorf("stat trace: %w", err)
	}
	if info.IsDir() {
		return Trace{}, fmt.Errorf("%w: %s is a directory", ErrNotFound, name)
	}
	return Trace{Name: name, Path: path, ModTime: info.ModTime(), Size: info.Size()}, nil
}

// artifactSep separates a trace name from the suffix of its artifacts, so
// that artifacts of "cachegrind.out.12" are never taken for those of
// "cachegrind.out.123".
const artifactSep = "-"

// ArtifactPath is where something derived from trace name is cached, for
// example a rendered call graph: "<storage>/<name>-<suffix>".
func (s *Store) ArtifactPath(name, suffix string) (string, error) {
	if _, err := s.Path(name); err != nil {
		return "", err
	}
	if strings.ContainsAny(suffix, `/\`) {
		return "", fmt.Errorf("%w: artifact suffix %q", ErrInvalidName, suffix)
	}
	return filepath.Join(s.storageDir, name+artifactSep+suffix), nil
}

// Delete removes the trace and its artifacts in the storage dir.
func (s *Store) Delete(name string) error {
	path, err := s.Path(name)
	if err != nil {
		return err
	}
	err = os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return fmt.Errorf("remove trace: %w", err)
	}

	if s.storageDir == "" {
		return nil
	}
	entries, err := os.ReadDir(s.storageDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read storage dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), name+artifactSep) {
			continue
		}
		err := os.Remove(filepath.Join(s.storageDir, entry.Name()))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove artifact %q: %w", entry.Name(), err)
		}
	}
	return nil
}
