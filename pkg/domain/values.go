package domain

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// Values is a parameter map whose JSON decoding keeps whole numbers as int.
type Values map[string]any

// UnmarshalJSON implements json.Unmarshaler.
func (v *Values) UnmarshalJSON(data []byte) error {
	m, err := DecodeValues(data)
	if err != nil {
		return err
	}
	*v = m
	return nil
}

// DecodeValues decodes a JSON object of parameters. Whole numbers become int and
// every other number float64, so a parameter reads back as it was written.
func DecodeValues(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	for k, v := range m {
		m[k] = Normalize(v)
	}
	return m, nil
}

// Normalize replaces json.Number values, also inside nested maps and lists.
func Normalize(v any) any {
	switch t := v.(type) {
	case json.Number:
		if n, err := strconv.ParseInt(t.String(), 10, 0); err == nil {
			return int(n)
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case map[string]any:
		for k, e := range t {
			t[k] = Normalize(e)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = Normalize(e)
		}
		return t
	}
	return v
}

// UnmarshalJSON decodes a stored token. Parameters keep int values, which durable
// stores would otherwise hand back as float64.
func (t *Token) UnmarshalJSON(data []byte) error {
	type plain Token
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode((*plain)(t)); err != nil {
		return err
	}
	for k, v := range t.Params {
		t.Params[k] = Normalize(v)
	}
	return nil
}
