package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"reflect"
	"sort"
	"strconv"
)

// DeriveKey builds a deterministic cache key from an operation name and its
// arguments. Keyword arguments are sorted by name. Scalars are formatted
// directly, other values by their JSON encoding, so two calls with equal
// content share a key. Values JSON cannot encode fall back to type and
// pointer identity. Every part is type-tagged and length-prefixed before
// hashing, so distinct argument lists never produce the same input.
func DeriveKey(operation string, args []any, kwargs map[string]any) string {
	h := sha256.New()
	writePart(h, 'o', operation)
	for _, a := range args {
		tag, body := keyPart(a)
		writePart(h, tag, body)
	}

	names := make([]string, 0, len(kwargs))
	for k := range kwargs {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		writePart(h, 'k', k)
		tag, body := keyPart(kwargs[k])
		writePart(h, tag, body)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// writePart writes "<tag><len>:<body>".
func writePart(w io.Writer, tag byte, body string) {
	_, _ = fmt.Fprintf(w, "%c%d:%s", tag, len(body), body)
}

func keyPart(v any) (byte, string) {
	switch x := v.(type) {
	case nil:
		return 'n', ""
	case string:
		return 's', x
	case bool:
		return 'b', strconv.FormatBool(x)
	case int, int8, int16, int32, int64:
		return 'i', fmt.Sprint(x)
	case uint, uint8, uint16, uint32, uint64:
		return 'u', fmt.Sprint(x)
	case float32:
		return 'f', strconv.FormatFloat(float64(x), 'g', -1, 32)
	case float64:
		return 'f', strconv.FormatFloat(x, 'g', -1, 64)
	}
	if b, err := json.Marshal(v); err == nil {
		return 'j', string(b)
	}
	return 'p', identity(v)
}

func identity(v any) string {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return fmt.Sprintf("%T@%x", v, rv.Pointer())
	default:
		return fmt.Sprintf("%T:%+v", v, v)
	}
}
