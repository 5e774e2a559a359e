package schema

import (
	"fmt"
	"reflect"
	"strings"
)

// Type validates the values of one parameter declaration.
type Type interface {
	// Name returns the declaration the type was parsed from, e.g. "int" or "[map]".
	Name() string
	// Validate reports whether value conforms to the type. nil is handled by callers.
	Validate(value any) error
}

type scalar struct {
	name  string
	check func(any) bool
}

func (t scalar) Name() string { return t.name }

func (t scalar) Validate(value any) error {
	if !t.check(value) {
		return fmt.Errorf("expected %s, got %T", t.name, value)
	}
	return nil
}

type list struct {
	elem Type
}

func (t list) Name() string { return "[" + t.elem.Name() + "]" }

func (t list) Validate(value any) error {
	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return fmt.Errorf("expected %s, got %T", t.Name(), value)
	}
	for i := range rv.Len() {
		if err := t.elem.Validate(rv.Index(i).Interface()); err != nil {
			return fmt.Errorf("element %d: %w", i, err)
		}
	}
	return nil
}

var scalars = map[string]scalar{
	"any":    {"any", func(any) bool { return true }},
	"string": {"string", func(v any) bool { _, ok := v.(string); return ok }},
	"bool":   {"bool", func(v any) bool { _, ok := v.(bool); return ok }},
	"int":    {"int", isInt},
	"float":  {"float", isFloat},
	"map": {"map", func(v any) bool {
		rv := reflect.ValueOf(v)
		return rv.Kind() == reflect.Map && rv.Type().Key().Kind() == reflect.String
	}},
}

func isInt(v any) bool {
	switch n := v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return true
	case float64:
		return n == float64(int64(n))
	}
	return false
}

func isFloat(v any) bool {
	switch v.(type) {
	case float32, float64, int, int8, int16, int32, int64:
		return true
	}
	return false
}

// Coerce returns v in the representation of t: whole floats become int for "int",
// integers become float64 for "float", and lists convert element-wise. Values that
// need no conversion are returned unchanged.
func Coerce(t Type, v any) any {
	switch t := t.(type) {
	case scalar:
		switch t.name {
		case "int":
			if f, ok := v.(float64); ok && f == float64(int64(f)) {
				return int(f)
			}
		case "float":
			switch n := v.(type) {
			case int:
				return float64(n)
			case int64:
				return float64(n)
			case int32:
				return float64(n)
			}
		}
	case list:
		items, ok := v.([]any)
		if !ok {
			return v
		}
		out := make([]any, len(items))
		for i, e := range items {
			out[i] = Coerce(t.elem, e)
		}
		return out
	}
	return v
}

// ParseType converts a declaration to a Type. An empty declaration means "any".
func ParseType(decl string) (Type, error) {
	decl = strings.TrimSpace(decl)
	if decl == "" {
		return scalars["any"], nil
	}
	if inner, ok := strings.CutPrefix(decl, "["); ok {
		inner, ok = strings.CutSuffix(inner, "]")
		if !ok || inner == "" {
			return nil, fmt.Errorf("unsupported type: %s", decl)
		}
		elem, err := ParseType(inner)
		if err != nil {
			return nil, err
		}
		return list{elem: elem}, nil
	}
	if t, ok := scalars[decl]; ok {
		return t, nil
	}
	return nil, fmt.Errorf("unsupported type: %s", decl)
}
