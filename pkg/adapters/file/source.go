package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/aretw0/stepflow/internal/logging"
	"github.com/aretw0/stepflow/pkg/domain"
	"github.com/aretw0/stepflow/pkg/ports"
	"github.com/aretw0/stepflow/pkg/qualifier"
	"github.com/fsnotify/fsnotify"
)

// Extensions lists the definition file extensions in lookup order.
var Extensions = []string{".yaml", ".yml", ".json"}

// Source implements ports.ModelSource and ports.Watchable over a directory tree.
type Source struct {
	root   string
	logger *slog.Logger
}

// SourceOption configures a Source.
type SourceOption func(*Source)

// WithLogger configures a logger for the Source.
func WithLogger(logger *slog.Logger) SourceOption {
	return func(s *Source) {
		s.logger = logger
	}
}

// NewSource creates a source reading definitions below root.
func NewSource(root string, opts ...SourceOption) *Source {
	s := &Source{root: root, logger: logging.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load reads the definition file of the process addressed by q.
func (s *Source) Load(_ context.Context, q qualifier.Qualifier) ([]byte, error) {
	if q.Model() != "" {
		if err := safeName(q.Model()); err != nil {
			return nil, fmt.Errorf("%s: %w", q, err)
		}
	}
	for _, ext := range Extensions {
		name := q.Item() + ext
		if err := safeName(name); err != nil {
			return nil, fmt.Errorf("%s: %w", q, err)
		}
		data, err := os.ReadFile(filepath.Join(s.root, q.Model(), name))
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read %s: %w", q, err)
		}
	}
	return nil, fmt.Errorf("%s: %w", q, domain.ErrProcessNotFound)
}

// List returns the processes found at the root and one directory level below.
func (s *Source) List(_ context.Context) ([]qualifier.Qualifier, error) {
	var out []qualifier.Qualifier
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(s.root, path)
		if d.IsDir() {
			if rel != "." && strings.Count(rel, string(filepath.Separator)) > 0 {
				return filepath.SkipDir
			}
			return nil
		}
		if q, ok := s.qualifierFor(path); ok {
			out = append(out, q)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list %s: %w", s.root, err)
	}
	slices.SortFunc(out, func(a, b qualifier.Qualifier) int {
		return strings.Compare(a.String(), b.String())
	})
	return slices.CompactFunc(out, qualifier.Qualifier.Equal), nil
}

// qualifierFor maps a definition path to its process qualifier.
func (s *Source) qualifierFor(path string) (qualifier.Qualifier, bool) {
	rel, err := filepath.Rel(s.root, path)
	if err != nil {
		return qualifier.Qualifier{}, false
	}
	ext := filepath.Ext(rel)
	if !slices.Contains(Extensions, ext) {
		return qualifier.Qualifier{}, false
	}
	base := strings.TrimSuffix(filepath.Base(rel), ext)
	if base == "" || strings.HasPrefix(base, ".") || strings.HasPrefix(base, "tmp-") {
		return qualifier.Qualifier{}, false
	}

	switch dir := filepath.Dir(rel); {
	case dir == ".":
		return qualifier.New("", base), true
	case !strings.ContainsRune(dir, filepath.Separator):
		return qualifier.New(dir, base), true
	}
	return qualifier.Qualifier{}, false
}

// Watch reports definition changes using filesystem notifications. Model directories
// created after the call are watched too.
func (s *Source) Watch(ctx context.Context) (<-chan ports.ModelChange, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := s.addDirs(w); err != nil {
		_ = w.Close()
		return nil, err
	}

	out := make(chan ports.ModelChange, 16)
	go func() {
		defer close(out)
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.logger.Warn("definition watcher error", "err", err)
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				change, ok := s.change(w, ev)
				if !ok {
					continue
				}
				select {
				case out <- change:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *Source) addDirs(w *fsnotify.Watcher) error {
	if err := w.Add(s.root); err != nil {
		return fmt.Errorf("failed to watch %s: %w", s.root, err)
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", s.root, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			if err := w.Add(filepath.Join(s.root, e.Name())); err != nil {
				return fmt.Errorf("failed to watch %s: %w", e.Name(), err)
			}
		}
	}
	return nil
}

func (s *Source) change(w *fsnotify.Watcher, ev fsnotify.Event) (ports.ModelChange, bool) {
	if ev.Has(fsnotify.Create) && filepath.Dir(ev.Name) == filepath.Clean(s.root) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.Add(ev.Name); err != nil {
				s.logger.Warn("failed to watch model directory", "dir", ev.Name, "err", err)
			}
			return ports.ModelChange{}, false
		}
	}

	q, ok := s.qualifierFor(ev.Name)
	if !ok {
		return ports.ModelChange{}, false
	}
	switch {
	case ev.Has(fsnotify.Create):
		return ports.ModelChange{Process: q, Mode: domain.ModeAdded}, true
	case ev.Has(fsnotify.Write):
		return ports.ModelChange{Process: q, Mode: domain.ModeUpdated}, true
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		return ports.ModelChange{Process: q, Mode: domain.ModeRemoved}, true
	}
	return ports.ModelChange{}, false
}
