package expr

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Values produced by evaluation are one of: nil, bool, int64, float64, string,
// []any, map[string]any or Mapping.

// Mapping is an object whose members may be computed on access.
type Mapping interface {
	// Keys returns member names in a stable order.
	Keys() []string
	// Get returns the member value. ok is false if the member does not exist.
	Get(key string) (value any, ok bool, err error)
}

// Root resolves the top-level names of an expression.
type Root interface {
	Lookup(name string) (any, error)
}

// MapRoot is a Root over plain values.
type MapRoot map[string]any

// Lookup implements Root.
func (m MapRoot) Lookup(name string) (any, error) {
	v, ok := m[name]
	if !ok {
		return nil, NotFound(name, name)
	}
	return v, nil
}

// Normalize converts Go values (as decoded from YAML or JSON) into evaluation values.
func Normalize(v any) any {
	switch x := v.(type) {
	case nil, bool, int64, float64, string, Mapping:
		return x
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case uint:
		return unsigned(uint64(x))
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		return unsigned(x)
	case float32:
		return float64(x)
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = Normalize(item)
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(x))
		for k, s := range x {
			out[k] = s
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[k] = Normalize(item)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[fmt.Sprint(k)] = Normalize(item)
		}
		return out
	default:
		return fmt.Sprint(x)
	}
}

// unsigned keeps values above math.MaxInt64 as floats instead of wrapping
func unsigned(x uint64) any {
	if x > math.MaxInt64 {
		return float64(x)
	}
	return int64(x)
}

// TypeName names the kind of v for error messages.
func TypeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "bool"
	case int64:
		return "int"
	case float64:
		return "float"
	case string:
		return "string"
	case []any:
		return "list"
	case map[string]any, Mapping:
		return "mapping"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// Truthy reports whether v counts as true in boolean position.
func Truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case int64:
		return x != 0
	case float64:
		return x != 0
	case string:
		return x != ""
	case []any:
		return len(x) > 0
	case map[string]any:
		return len(x) > 0
	case Mapping:
		return len(x.Keys()) > 0
	default:
		return true
	}
}

// Stringify renders v the way interpolation does.
func Stringify(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "", nil
	case string:
		return x, nil
	case bool:
		return strconv.FormatBool(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case float64:
		return formatFloat(x), nil
	case []any, map[string]any, Mapping:
		plain, err := Materialize(x)
		if err != nil {
			return "", err
		}
		data, err := json.Marshal(plain)
		if err != nil {
			return "", Errorf(ErrTypeMismatch, "cannot render %s: %v", TypeName(v), err)
		}
		return string(data), nil
	default:
		return fmt.Sprint(x), nil
	}
}

func formatFloat(f float64) string {
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eEn") {
		s += ".0"
	}
	return s
}

// Materialize resolves every Mapping inside v into a plain map.
func Materialize(v any) (any, error) {
	switch x := v.(type) {
	case Mapping:
		out := make(map[string]any)
		for _, k := range x.Keys() {
			item, ok, err := x.Get(k)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			if out[k], err = Materialize(item); err != nil {
				return nil, err
			}
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			m, err := Materialize(item)
			if err != nil {
				return nil, err
			}
			out[k] = m
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			m, err := Materialize(item)
			if err != nil {
				return nil, err
			}
			out[i] = m
		}
		return out, nil
	default:
		return x, nil
	}
}

// keysOf returns the member names of a mapping value; plain maps are sorted.
func keysOf(v any) ([]string, bool) {
	switch x := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return keys, true
	case Mapping:
		return x.Keys(), true
	default:
		return nil, false
	}
}

// member fetches key from a mapping value.
func member(v any, key string) (any, bool, error) {
	switch x := v.(type) {
	case map[string]any:
		item, ok := x[key]
		return item, ok, nil
	case Mapping:
		return x.Get(key)
	default:
		return nil, false, Errorf(ErrTypeMismatch, "cannot access %q on %s", key, TypeName(v))
	}
}

func isNumber(v any) bool {
	switch v.(type) {
	case int64, float64:
		return true
	}
	return false
}

func toFloat(v any) float64 {
	switch x := v.(type) {
	case int64:
		return float64(x)
	case float64:
		return x
	}
	return 0
}

// Equal compares two values. Values of unrelated kinds are a TypeMismatch,
// except that anything may be compared with null.
func Equal(a, b any) (bool, error) {
	if a == nil || b == nil {
		return a == nil && b == nil, nil
	}
	if isNumber(a) && isNumber(b) {
		ai, aInt := a.(int64)
		bi, bInt := b.(int64)
		if aInt && bInt {
			return ai == bi, nil
		}
		return toFloat(a) == toFloat(b), nil
	}
	switch x := a.(type) {
	case bool:
		y, ok := b.(bool)
		if !ok {
			break
		}
		return x == y, nil
	case string:
		y, ok := b.(string)
		if !ok {
			break
		}
		return x == y, nil
	case []any:
		y, ok := b.([]any)
		if !ok {
			break
		}
		if len(x) != len(y) {
			return false, nil
		}
		for i := range x {
			eq, err := Equal(x[i], y[i])
			if err != nil || !eq {
				return false, err
			}
		}
		return true, nil
	case map[string]any, Mapping:
		if _, ok := keysOf(b); !ok {
			break
		}
		pa, err := Materialize(a)
		if err != nil {
			return false, err
		}
		pb, err := Materialize(b)
		if err != nil {
			return false, err
		}
		ma, mb := pa.(map[string]any), pb.(map[string]any)
		if len(ma) != len(mb) {
			return false, nil
		}
		for k, va := range ma {
			vb, ok := mb[k]
			if !ok {
				return false, nil
			}
			eq, err := Equal(va, vb)
			if err != nil || !eq {
				return false, err
			}
		}
		return true, nil
	}
	return false, Errorf(ErrTypeMismatch, "cannot compare %s with %s", TypeName(a), TypeName(b))
}

// Compare orders two numbers or two strings.
func Compare(a, b any) (int, error) {
	if isNumber(a) && isNumber(b) {
		ai, aInt := a.(int64)
		bi, bInt := b.(int64)
		if aInt && bInt {
			return cmpOrdered(ai, bi), nil
		}
		return cmpOrdered(toFloat(a), toFloat(b)), nil
	}
	as, aStr := a.(string)
	bs, bStr := b.(string)
	if aStr && bStr {
		return strings.Compare(as, bs), nil
	}
	return 0, Errorf(ErrTypeMismatch, "cannot order %s and %s", TypeName(a), TypeName(b))
}

func cmpOrdered[T int64 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
