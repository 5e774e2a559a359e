// Package schema implements the small type system of parameter declarations.
//
// A port or step parameter may declare a type such as "string", "int", "float",
// "bool", "map", "any" or a list like "[int]". The model manager compiles every
// declaration at load time and the engine checks the values that cross a port
// against it:
//
//	params, err := schema.Compile([]domain.ParamDecl{
//	    {Name: "Collection", Type: "[int]"},
//	    {Name: "Total", Type: "int", Required: true},
//	})
//	if err != nil {
//	    // bad declaration or default
//	}
//	if err := params.Apply(values); err != nil {
//	    // err is a *ValidationError; Missing tells a required parameter apart
//	    // from a type mismatch
//	}
//
// Values that went through a JSON store come back as float64 and []any, so int
// accepts whole floats and lists accept any slice whose elements validate.
package schema
