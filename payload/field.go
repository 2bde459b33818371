package payload

import (
	"bytes"
	"encoding/json"
)

// Field is an optional payload value that tells apart an absent key, an
// explicit JSON null and a concrete value. A status message that leaves out
// "deployed" must not touch the record, while "deployed": null clears it.
type Field[T any] struct {
	value   T
	present bool
	valid   bool
}

// Value returns a field holding v.
func Value[T any](v T) Field[T] {
	return Field[T]{value: v, present: true, valid: true}
}

// Null returns a field that is present but explicitly null.
func Null[T any]() Field[T] {
	return Field[T]{present: true}
}

// Present reports whether the key was set, null or not.
func (f Field[T]) Present() bool { return f.present }

// IsNull reports whether the key was set to null.
func (f Field[T]) IsNull() bool { return f.present && !f.valid }

// Get returns the value and whether there is one.
func (f Field[T]) Get() (T, bool) { return f.value, f.valid }

// Or returns the value, or def when the field is absent or null.
func (f Field[T]) Or(def T) T {
	if f.valid {
		return f.value
	}
	return def
}

// Set stores v.
func (f *Field[T]) Set(v T) { *f = Value(v) }

// SetNull marks the field as explicitly null.
func (f *Field[T]) SetNull() { *f = Null[T]() }

// Unset removes the field so it is left out of the encoded payload.
func (f *Field[T]) Unset() { *f = Field[T]{} }

// MarshalJSON encodes null for a field without a value.
func (f Field[T]) MarshalJSON() ([]byte, error) {
	if !f.valid {
		return []byte("null"), nil
	}
	return json.Marshal(f.value)
}

// UnmarshalJSON marks the field present and decodes its value unless it is null.
func (f *Field[T]) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*f = Null[T]()
		return nil
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*f = Value(v)
	return nil
}
