package landscape

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/tidwall/sjson"
)

// Canonicalize renders v as deterministic JSON: sorted object keys, UTF-8,
// no insignificant whitespace, stable numeric formatting. Every hash in the
// core (row data, call payloads, idempotency keys) is computed over this
// form, so two structurally equal values always hash equal regardless of
// map iteration order or original field order.
func Canonicalize(v any) ([]byte, error) {
	normalized, err := normalize(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return marshalSorted(normalized)
}

// normalize round-trips v through encoding/json so that arbitrary Go values
// (structs, typed maps) become the plain map[string]any/[]any/scalar shape
// marshalSorted knows how to walk in sorted order.
func normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// marshalSorted walks a decoded JSON value (map[string]any / []any /
// scalars) and re-serializes it with object keys in sorted order, building
// the document incrementally with sjson so nesting is handled without a
// second decode pass.
func marshalSorted(v any) ([]byte, error) {
	switch val := v.(type) {
	case map[string]any:
		doc := "{}"
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var err error
		for _, k := range keys {
			childBytes, cerr := marshalSorted(val[k])
			if cerr != nil {
				return nil, cerr
			}
			doc, err = sjson.SetRawOptions(doc, escapePathKey(k), string(childBytes), &sjson.Options{Optimistic: true, ReplaceInPlace: true})
			if err != nil {
				return nil, err
			}
		}
		return []byte(doc), nil
	case []any:
		parts := make([][]byte, len(val))
		for i, e := range val {
			b, err := marshalSorted(e)
			if err != nil {
				return nil, err
			}
			parts[i] = b
		}
		out := []byte("[")
		for i, p := range parts {
			if i > 0 {
				out = append(out, ',')
			}
			out = append(out, p...)
		}
		out = append(out, ']')
		return out, nil
	default:
		return json.Marshal(val)
	}
}

// escapePathKey escapes sjson path metacharacters ('.', '*', '?') in a
// field name so arbitrary row field names can be used as object keys.
func escapePathKey(k string) string {
	out := make([]byte, 0, len(k))
	for i := 0; i < len(k); i++ {
		switch k[i] {
		case '.', '*', '?':
			out = append(out, '\\')
		}
		out = append(out, k[i])
	}
	return string(out)
}

// Hash returns "sha256:<hex>" of v's canonical JSON form.
func Hash(v any) (string, error) {
	canon, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// HashBytes returns "sha256:<hex>" of raw bytes, used for payloads that are
// already serialized (HTTP bodies, LLM responses) and must not be
// re-canonicalized before hashing.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(sum[:])
}
