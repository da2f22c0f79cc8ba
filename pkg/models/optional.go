package models

import (
	"bytes"
	"encoding/json"
)

// Optional is a patch field that distinguishes "absent" from "present but
// null" from "present with a value". The zero value is absent.
type Optional[T any] struct {
	Value T
	Set   bool
	Null  bool
}

// Some returns an Optional carrying v.
func Some[T any](v T) Optional[T] {
	return Optional[T]{Value: v, Set: true}
}

// Null returns an Optional that was explicitly set to null.
func Null[T any]() Optional[T] {
	return Optional[T]{Set: true, Null: true}
}

// Valid reports whether the field carries a usable value.
func (o Optional[T]) Valid() bool {
	return o.Set && !o.Null
}

// Get returns the value and whether it is usable.
func (o Optional[T]) Get() (T, bool) {
	return o.Value, o.Valid()
}

func (o *Optional[T]) UnmarshalJSON(data []byte) error {
	o.Set = true
	if bytes.Equal(data, []byte("null")) {
		o.Null = true
		return nil
	}
	return json.Unmarshal(data, &o.Value)
}

func (o Optional[T]) MarshalJSON() ([]byte, error) {
	if !o.Set || o.Null {
		return []byte("null"), nil
	}
	return json.Marshal(o.Value)
}
