package middleware

import (
	"context"
	"fmt"
	"regexp"

	"github.com/aretw0/stepflow/pkg/domain"
)

// Mask replaces the value of a sensitive parameter.
const Mask = "***"

// Masker hides the values of parameters whose key matches one of its patterns. It
// never modifies its input.
type Masker struct {
	patterns []*regexp.Regexp
}

// NewMasker compiles patterns. Keys are the full scoped parameter keys, e.g.
// "Signup.In.Password".
func NewMasker(patterns []string) (*Masker, error) {
	m := &Masker{patterns: make([]*regexp.Regexp, 0, len(patterns))}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("pii pattern %q: %w", p, err)
		}
		m.patterns = append(m.patterns, re)
	}
	return m, nil
}

// Params returns a masked deep copy of params.
func (m *Masker) Params(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	out := deepCopyMap(params)
	m.maskMap(out)
	return out
}

// Token returns a copy of t with masked parameters.
func (m *Masker) Token(t *domain.Token) *domain.Token {
	if t == nil {
		return nil
	}
	cloned := *t
	cloned.Params = m.Params(t.Params)
	return &cloned
}

// Diff returns a copy of d with masked parameters.
func (m *Masker) Diff(d *domain.TokenDiff) *domain.TokenDiff {
	if d == nil {
		return nil
	}
	cloned := *d
	cloned.Params = m.Params(d.Params)
	return &cloned
}

// MaskDiffs wraps a diff listener so that it only sees masked diffs.
func MaskDiffs(m *Masker, next func(context.Context, *domain.TokenDiff)) func(context.Context, *domain.TokenDiff) {
	return func(ctx context.Context, d *domain.TokenDiff) {
		next(ctx, m.Diff(d))
	}
}

func deepCopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if subMap, ok := v.(map[string]any); ok {
			out[k] = deepCopyMap(subMap)
		} else {
			out[k] = v
		}
	}
	return out
}

func (m *Masker) maskMap(params map[string]any) {
	for k, v := range params {
		if m.matches(k) {
			params[k] = Mask
			continue
		}
		if subMap, ok := v.(map[string]any); ok {
			m.maskMap(subMap)
		}
	}
}

func (m *Masker) matches(key string) bool {
	for _, p := range m.patterns {
		if p.MatchString(key) {
			return true
		}
	}
	return false
}
