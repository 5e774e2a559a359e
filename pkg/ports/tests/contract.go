package tests

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/aretw0/stepflow/pkg/domain"
	"github.com/aretw0/stepflow/pkg/ports"
	"github.com/aretw0/stepflow/pkg/qualifier"
)

// ModelSourceContractTest is a reusable suite that verifies if an adapter complies
// with ports.ModelSource. setupData maps every process the source holds to a
// substring its raw definition must contain.
func ModelSourceContractTest(t *testing.T, source ports.ModelSource, setupData map[qualifier.Qualifier]string) {
	t.Helper()
	ctx := context.Background()

	t.Run("Load_Success", func(t *testing.T) {
		for q, want := range setupData {
			content, err := source.Load(ctx, q)
			if err != nil {
				t.Fatalf("unexpected error loading %s: %v", q, err)
			}
			if !strings.Contains(string(content), want) {
				t.Errorf("definition of %s does not contain %q: %s", q, want, content)
			}
		}
	})

	t.Run("Load_NotFound", func(t *testing.T) {
		_, err := source.Load(ctx, qualifier.New("no-such-model", "NoSuchProcess"))
		if !errors.Is(err, domain.ErrProcessNotFound) {
			t.Errorf("expected ErrProcessNotFound, got %v", err)
		}
	})

	t.Run("List", func(t *testing.T) {
		list, err := source.List(ctx)
		if err != nil {
			t.Fatalf("unexpected error listing processes: %v", err)
		}
		if len(list) != len(setupData) {
			t.Errorf("expected %d processes, got %d: %v", len(setupData), len(list), list)
		}

		lookup := make(map[string]bool)
		for _, q := range list {
			lookup[q.String()] = true
		}
		for q := range setupData {
			if !lookup[q.String()] {
				t.Errorf("process %s missing from list", q)
			}
		}
	})
}
