package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/aretw0/stepflow/pkg/domain"
)

const jsonExt = ".json"

// Store implements ports.TokenStore and ports.ObjectStore. Tokens are kept under
// <base>/tokens and objects under <base>/objects.
type Store struct {
	BasePath string
}

// NewStore creates a store rooted at basePath, ".stepflow" when empty.
func NewStore(basePath string) *Store {
	if basePath == "" {
		basePath = ".stepflow"
	}
	return &Store{BasePath: basePath}
}

func (s *Store) tokenDir() string  { return filepath.Join(s.BasePath, "tokens") }
func (s *Store) objectDir() string { return filepath.Join(s.BasePath, "objects") }

// Save writes the token atomically.
func (s *Store) Save(_ context.Context, token *domain.Token) error {
	if err := safeName(token.ID); err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	data, err := json.MarshalIndent(token, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal token %s: %w", token.ID, err)
	}
	return writeAtomic(s.tokenDir(), token.ID+jsonExt, data)
}

// Load reads a token.
func (s *Store) Load(_ context.Context, id string) (*domain.Token, error) {
	if err := safeName(id); err != nil {
		return nil, fmt.Errorf("load token: %w", err)
	}
	data, err := os.ReadFile(filepath.Join(s.tokenDir(), id+jsonExt))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", id, domain.ErrTokenNotFound)
		}
		return nil, fmt.Errorf("failed to read token %s: %w", id, err)
	}

	var token domain.Token
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token %s: %w", id, err)
	}
	if token.Params == nil {
		token.Params = make(map[string]any)
	}
	return &token, nil
}

// Delete removes a token file.
func (s *Store) Delete(_ context.Context, id string) error {
	if err := safeName(id); err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	err := os.Remove(filepath.Join(s.tokenDir(), id+jsonExt))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete token %s: %w", id, err)
	}
	return nil
}

// List returns the ids of all token files.
func (s *Store) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.tokenDir())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to list tokens: %w", err)
	}

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, "tmp-") || filepath.Ext(name) != jsonExt {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, jsonExt))
	}
	return ids, nil
}

// objectFile maps a reference such as "/orders/Order:42" to a file name.
func objectFile(ref string) string {
	return url.PathEscape(ref) + jsonExt
}

// SaveObject stores value as JSON under ref.
func (s *Store) SaveObject(_ context.Context, ref string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal object %s: %w", ref, err)
	}
	name := objectFile(ref)
	if err := safeName(name); err != nil {
		return fmt.Errorf("save object: %w", err)
	}
	return writeAtomic(s.objectDir(), name, data)
}

// LoadObject decodes the object stored under ref into out.
func (s *Store) LoadObject(_ context.Context, ref string, out any) error {
	name := objectFile(ref)
	if err := safeName(name); err != nil {
		return fmt.Errorf("load object: %w", err)
	}
	data, err := os.ReadFile(filepath.Join(s.objectDir(), name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s: %w", ref, domain.ErrObjectNotFound)
		}
		return fmt.Errorf("failed to read object %s: %w", ref, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to unmarshal object %s: %w", ref, err)
	}
	return nil
}
