/*
Package dsl builds process definitions in Go instead of YAML or JSON files.

The builder produces the same document the file and Loam sources hold, so a process
built here can be validated, rendered to YAML or deployed into an in-memory source:

	b := dsl.New("Order")
	b.Start("Start").Go("Check")
	b.Handler("Check", "check-stock").
		Entry("In", "Sku:string", "Qty:int").
		Exit("Out", "Available:bool").
		Go("Route")
	b.Branch("Route").
		When("Ok", "Available", "Ship").
		When("Missing", "", "Reject")
	b.Wait("Ship").Go("Done")
	b.End("Reject")
	b.End("Done")

	src, _ := memory.NewSource(nil)
	if err := b.Deploy(src, "orders"); err != nil {
		// ...
	}
*/
package dsl
