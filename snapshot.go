package fluxcore

import (
	"encoding/json"
	"reflect"
)

// Snapshot recursively converts state into a plain value tree — nested
// map[string]any, []any, and scalars only — holding no live references back
// into the store. Two snapshots of equal state are deep-equal regardless of
// the originating struct's pointers or unexported fields (unexported fields
// are skipped, mirroring the teacher's NewCloudEvent payload conversion).
func Snapshot(state any) any {
	return snapshotValue(reflect.ValueOf(state))
}

func snapshotValue(v reflect.Value) any {
	if !v.IsValid() {
		return nil
	}
	switch v.Kind() {
	case reflect.Ptr, reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return snapshotValue(v.Elem())
	case reflect.Struct:
		out := make(map[string]any, v.NumField())
		t := v.Type()
		for i := 0; i < v.NumField(); i++ {
			f := t.Field(i)
			if f.PkgPath != "" {
				continue // unexported
			}
			out[f.Name] = snapshotValue(v.Field(i))
		}
		return out
	case reflect.Map:
		out := make(map[string]any, v.Len())
		for _, k := range v.MapKeys() {
			out[formatMapKey(k)] = snapshotValue(v.MapIndex(k))
		}
		return out
	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice && v.IsNil() {
			return nil
		}
		out := make([]any, v.Len())
		for i := 0; i < v.Len(); i++ {
			out[i] = snapshotValue(v.Index(i))
		}
		return out
	default:
		return v.Interface()
	}
}

func formatMapKey(k reflect.Value) string {
	if k.Kind() == reflect.String {
		return k.String()
	}
	return snapshotValueToString(k)
}

func snapshotValueToString(v reflect.Value) string {
	b, err := json.Marshal(v.Interface())
	if err != nil {
		return ""
	}
	return string(b)
}

// SnapshotEncoder renders a snapshot value tree to bytes. The default
// JSONSnapshotEncoder wraps encoding/json — a deliberate stdlib choice (see
// DESIGN.md): the pack's JSON libraries (json-iterator) are drop-in
// replacements with no behavioral difference worth forcing on every caller
// of this seam.
type SnapshotEncoder func(v any) ([]byte, error)

// JSONSnapshotEncoder is the default SnapshotEncoder.
func JSONSnapshotEncoder(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Encode renders state's snapshot using enc, or JSONSnapshotEncoder if enc
// is nil.
func Encode(state any, enc SnapshotEncoder) ([]byte, error) {
	if enc == nil {
		enc = JSONSnapshotEncoder
	}
	return enc(Snapshot(state))
}
