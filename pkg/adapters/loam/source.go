// Package loam serves process definitions from a Loam document repository.
//
// Each document is one process: its frontmatter holds the definition (name, on_error,
// steps) and its body is free-form documentation. A repository holds the processes of
// a single model.
package loam

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/aretw0/loam"
	"github.com/aretw0/stepflow/internal/logging"
	"github.com/aretw0/stepflow/pkg/domain"
	"github.com/aretw0/stepflow/pkg/ports"
	"github.com/aretw0/stepflow/pkg/qualifier"
)

// Metadata is the frontmatter of a process document.
type Metadata = map[string]any

// watchPattern selects the documents whose changes are reported.
const watchPattern = "**/*.{md,json,yaml,yml}"

// Source implements ports.ModelSource and ports.Watchable.
type Source struct {
	Repo   *loam.TypedRepository[Metadata]
	model  string
	logger *slog.Logger
}

// Option configures a Source.
type Option func(*Source)

// WithModel sets the model the repository's processes belong to.
func WithModel(model string) Option {
	return func(s *Source) {
		s.model = model
	}
}

// WithLogger configures a logger for the Source.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Source) {
		s.logger = logger
	}
}

// New wraps a typed repository.
func New(repo *loam.TypedRepository[Metadata], opts ...Option) *Source {
	s := &Source{Repo: repo, logger: logging.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open initializes a read-only, strict Loam repository at dir.
func Open(dir string, opts ...Option) (*Source, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path %s: %w", dir, err)
	}
	repo, err := loam.Init(abs,
		loam.WithStrict(true),
		loam.WithReadOnly(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to init loam repository: %w", err)
	}
	return New(loam.NewTypedRepository[Metadata](repo), opts...), nil
}

// Load returns the definition of q as JSON. A definition without a name is named
// after its document.
func (s *Source) Load(ctx context.Context, q qualifier.Qualifier) ([]byte, error) {
	if q.Model() != s.model || !q.HasItem() {
		return nil, fmt.Errorf("%s: %w", q, domain.ErrProcessNotFound)
	}
	doc, err := s.Repo.Get(ctx, q.Item())
	if err != nil {
		return nil, errors.Join(fmt.Errorf("%s: %w", q, domain.ErrProcessNotFound), err)
	}

	def := maps.Clone(doc.Data)
	if def == nil {
		def = make(Metadata)
	}
	if name, _ := def["name"].(string); name == "" {
		def["name"] = q.Item()
	}
	data, err := json.Marshal(def)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", q, err)
	}
	return data, nil
}

// List returns every process document. Two documents resolving to the same process
// are an error.
func (s *Source) List(ctx context.Context) ([]qualifier.Qualifier, error) {
	docs, err := s.Repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("loam list failed: %w", err)
	}

	seen := make(map[string]string)
	out := make([]qualifier.Qualifier, 0, len(docs))
	for _, doc := range docs {
		item, ok := itemOf(doc.ID)
		if !ok {
			s.logger.Debug("skipping nested document", "id", doc.ID)
			continue
		}
		if existing, ok := seen[item]; ok {
			return nil, fmt.Errorf("collision detected: process %q is defined in both %q and %q", item, existing, doc.ID)
		}
		seen[item] = doc.ID
		out = append(out, qualifier.New(s.model, item))
	}
	slices.SortFunc(out, func(a, b qualifier.Qualifier) int {
		return strings.Compare(a.Item(), b.Item())
	})
	return out, nil
}

// itemOf maps a document id such as "Checkout.md" to a process name.
func itemOf(id string) (string, bool) {
	id = filepath.ToSlash(id)
	item := strings.TrimSuffix(id, filepath.Ext(id))
	if item == "" || strings.Contains(item, "/") {
		return "", false
	}
	return item, true
}

// Watch reports changed documents. Documents unknown when watching started are
// reported as added; documents that can no longer be read as removed.
func (s *Source) Watch(ctx context.Context) (<-chan ports.ModelChange, error) {
	events, err := s.Repo.Watch(ctx, watchPattern)
	if err != nil {
		return nil, fmt.Errorf("failed to start loam watcher: %w", err)
	}

	var mu sync.Mutex
	known := make(map[string]bool)
	if list, err := s.List(ctx); err == nil {
		for _, q := range list {
			known[q.Item()] = true
		}
	}

	ch := make(chan ports.ModelChange, 16)
	go func() {
		defer close(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-events:
				if !ok {
					return
				}
				item, ok := itemOf(evt.ID)
				if !ok {
					continue
				}

				mode := domain.ModeUpdated
				mu.Lock()
				if _, err := s.Repo.Get(ctx, item); err != nil {
					mode = domain.ModeRemoved
					delete(known, item)
				} else if !known[item] {
					mode = domain.ModeAdded
					known[item] = true
				}
				mu.Unlock()

				select {
				case ch <- ports.ModelChange{Process: qualifier.New(s.model, item), Mode: mode}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch, nil
}
