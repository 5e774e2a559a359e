package stepflow_test

import (
	"context"
	"fmt"
	"log"

	"github.com/aretw0/stepflow"
	"github.com/aretw0/stepflow/pkg/adapters/memory"
	"github.com/aretw0/stepflow/pkg/handler"
	"github.com/aretw0/stepflow/pkg/qualifier"
)

// ExampleNew runs a process held in memory with one handler step.
func ExampleNew() {
	src, err := memory.NewSource(map[string]string{"/shop/Quote": `
name: Quote
steps:
  - {name: Start, kind: start, exits: [{name: Out, links: [{to: Price}]}]}
  - {name: Price, handler: price, exits: [{name: Out, links: [{to: End}]}]}
  - {name: End, kind: end}
`})
	if err != nil {
		log.Fatal(err)
	}

	eng, err := stepflow.New(src)
	if err != nil {
		log.Fatal(err)
	}
	eng.Handlers.RegisterFunc("price", func(_ context.Context, inv *handler.Invocation) handler.Result {
		qty, _ := inv.Param("Qty")
		inv.SetParam("Total", qty.(int)*3)
		return handler.Done()
	})

	ctx := context.Background()
	token, err := eng.Start(ctx, qualifier.Must("/shop/Quote"), map[string]any{"Qty": 4})
	if err != nil {
		log.Fatal(err)
	}
	out, err := eng.Outputs(ctx, token.ID)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(token.Status, out["Total"])
	// Output: COMPLETED 12
}
