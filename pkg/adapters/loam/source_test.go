package loam_test

import (
	"context"
	"testing"

	"github.com/aretw0/stepflow/internal/testutils"
	"github.com/aretw0/stepflow/pkg/adapters/loam"
	"github.com/aretw0/stepflow/pkg/domain"
	"github.com/aretw0/stepflow/pkg/model"
	contract "github.com/aretw0/stepflow/pkg/ports/tests"
	"github.com/aretw0/stepflow/pkg/qualifier"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const checkoutDoc = `---
name: Checkout
steps:
  - name: Start
    kind: start
    exits:
      - name: Out
        links: [{to: End}]
  - name: End
    kind: end
---
Takes an order from cart to payment.
`

const unnamedDoc = `---
steps:
  - {name: Start, kind: start, exits: [{name: Out, links: [{to: End}]}]}
  - {name: End, kind: end}
---
`

func TestLoamSource_Contract(t *testing.T) {
	dir := testutils.WriteModels(t, map[string]string{
		"Checkout.md": checkoutDoc,
		"Refund.md":   unnamedDoc,
	})
	src, err := loam.Open(dir, loam.WithModel("orders"))
	require.NoError(t, err)

	contract.ModelSourceContractTest(t, src, map[qualifier.Qualifier]string{
		qualifier.New("orders", "Checkout"): "Checkout",
		qualifier.New("orders", "Refund"):   "Refund",
	})
}

func TestLoamSource_OtherModelIsNotFound(t *testing.T) {
	dir := testutils.WriteModels(t, map[string]string{"Checkout.md": checkoutDoc})
	src, err := loam.Open(dir, loam.WithModel("orders"))
	require.NoError(t, err)

	_, err = src.Load(context.Background(), qualifier.New("billing", "Checkout"))
	assert.ErrorIs(t, err, domain.ErrProcessNotFound)
}

func TestLoamSource_FeedsModelManager(t *testing.T) {
	dir := testutils.WriteModels(t, map[string]string{"Refund.md": unnamedDoc})
	src, err := loam.Open(dir)
	require.NoError(t, err)

	def, err := model.NewManager(src).Load(context.Background(), qualifier.Must("Refund"))
	require.NoError(t, err)
	assert.Equal(t, "Refund", def.Name, "named after the document")
	assert.Len(t, def.Steps, 2)
}
