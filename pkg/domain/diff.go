package domain

import (
	"reflect"
)

// TokenDiff is the change between two snapshots of a token. It is serialized to JSON
// for clients that follow a token incrementally.
type TokenDiff struct {
	TokenID string `json:"token_id"`

	Status *TokenStatus `json:"status,omitempty"`

	// Positions lists the cursor positions when they changed.
	Positions []string `json:"positions,omitempty"`

	// Params holds added or modified keys. Deleted keys are present with a nil value.
	Params map[string]any `json:"params,omitempty"`

	// History holds the exits appended since the old snapshot.
	History []string `json:"history,omitempty"`

	Failure *Failure `json:"failure,omitempty"`
}

// Diff computes the change from oldToken to newToken. A nil oldToken yields the full
// new token. It returns nil when nothing changed.
func Diff(oldToken, newToken *Token) *TokenDiff {
	if newToken == nil {
		return nil
	}

	diff := &TokenDiff{TokenID: newToken.ID}

	if oldToken == nil || oldToken.Status != newToken.Status {
		s := newToken.Status
		diff.Status = &s
	}
	if oldToken == nil || !reflect.DeepEqual(positions(oldToken), positions(newToken)) {
		diff.Positions = positions(newToken)
	}
	diff.Params = diffParams(oldToken, newToken)
	diff.History = diffHistory(oldToken, newToken)
	if newToken.Failure != nil && (oldToken == nil || oldToken.Failure == nil) {
		diff.Failure = newToken.Failure
	}

	if diff.IsEmpty() {
		return nil
	}
	return diff
}

// IsEmpty reports whether the diff carries no change.
func (d *TokenDiff) IsEmpty() bool {
	return d.Status == nil &&
		d.Positions == nil &&
		len(d.Params) == 0 &&
		len(d.History) == 0 &&
		d.Failure == nil
}

func positions(t *Token) []string {
	out := make([]string, 0, len(t.Cursors))
	for _, c := range t.Cursors {
		out = append(out, c.Position())
	}
	return out
}

func diffParams(old, new *Token) map[string]any {
	delta := make(map[string]any)
	if old == nil {
		for k, v := range new.Params {
			delta[k] = v
		}
		return nilIfEmpty(delta)
	}

	for k, v := range new.Params {
		prev, ok := old.Params[k]
		if !ok || !reflect.DeepEqual(prev, v) {
			delta[k] = v
		}
	}
	for k := range old.Params {
		if _, ok := new.Params[k]; !ok {
			delta[k] = nil
		}
	}
	return nilIfEmpty(delta)
}

// diffHistory assumes history is append-only.
func diffHistory(old, new *Token) []string {
	if old == nil {
		return new.History
	}
	if len(new.History) > len(old.History) {
		return new.History[len(old.History):]
	}
	return nil
}

func nilIfEmpty(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}
	return m
}
