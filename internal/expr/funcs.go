package expr

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"
)

// Thunk evaluates a deferred function argument.
type Thunk func() (any, error)

// Env is the environment a function is called in.
type Env struct {
	Root Root
}

// Function receives evaluated arguments.
type Function func(env *Env, args []any) (any, error)

// LazyFunction receives unevaluated arguments and decides which to evaluate.
type LazyFunction func(env *Env, args []Thunk) (any, error)

type funcDef struct {
	name  string
	shape string
	min   int
	max   int // -1 means variadic
	eager Function
	lazy  LazyFunction
}

func (f *funcDef) checkArity(n int) error {
	if n < f.min || (f.max >= 0 && n > f.max) {
		return invalidArgs(f.name, "expected %s(%s), got %d argument(s)", f.name, f.shape, n)
	}
	return nil
}

// Registry is a fixed set of named functions.
type Registry struct {
	funcs map[string]*funcDef
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]*funcDef)}
}

// Register adds an eagerly evaluated function. max < 0 allows any number of
// trailing arguments. shape documents the expected arguments.
func (r *Registry) Register(name, shape string, min, max int, fn Function) {
	r.funcs[name] = &funcDef{name: name, shape: shape, min: min, max: max, eager: fn}
}

// RegisterLazy adds a function whose arguments are evaluated on demand.
func (r *Registry) RegisterLazy(name, shape string, min, max int, fn LazyFunction) {
	r.funcs[name] = &funcDef{name: name, shape: shape, min: min, max: max, lazy: fn}
}

// Clone returns a copy of r that can be extended independently.
func (r *Registry) Clone() *Registry {
	out := NewRegistry()
	for k, v := range r.funcs {
		out.funcs[k] = v
	}
	return out
}

// Names returns the registered function names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.funcs))
	for k := range r.funcs {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) lookup(name string) (*funcDef, bool) {
	if r == nil {
		return nil, false
	}
	f, ok := r.funcs[name]
	return f, ok
}

var (
	builtinsOnce sync.Once
	builtins     *Registry
)

// Builtins returns the shared builtin registry. It must not be modified; use Clone.
func Builtins() *Registry {
	builtinsOnce.Do(func() {
		r := NewRegistry()
		r.Register("len", "value", 1, 1, fnLen)
		r.Register("str", "value", 1, 1, fnStr)
		r.Register("int", "value", 1, 1, fnInt)
		r.Register("float", "value", 1, 1, fnFloat)
		r.Register("lower", "string", 1, 1, stringMap("lower", strings.ToLower))
		r.Register("upper", "string", 1, 1, stringMap("upper", strings.ToUpper))
		r.Register("replace", "string, old, new", 3, 3, fnReplace)
		r.Register("split", "string, sep", 2, 2, fnSplit)
		r.Register("join", "sep, list", 2, 2, fnJoin)
		r.Register("keys", "mapping", 1, 1, fnKeys)
		r.Register("values", "mapping", 1, 1, fnValues)
		r.Register("contains", "container, item", 2, 2, fnContains)
		r.Register("startswith", "string, prefix", 2, 2, stringTest("startswith", strings.HasPrefix))
		r.Register("endswith", "string, suffix", 2, 2, stringTest("endswith", strings.HasSuffix))
		r.Register("fmt", "format, args...", 1, -1, fnFmt)
		r.Register("to_json", "value", 1, 1, fnToJSON)
		r.Register("from_json", "string", 1, 1, fnFromJSON)
		r.Register("hash_files", "pattern, ...", 1, -1, fnHashFiles)
		r.Register("parse_volume", "volume", 1, 1, fnParseVolume)
		r.Register("not", "value", 1, 1, func(_ *Env, args []any) (any, error) { return !Truthy(args[0]), nil })
		r.RegisterLazy("default", "value, fallback", 2, 2, fnDefault)
		r.RegisterLazy("coalesce", "value, ...", 1, -1, fnCoalesce)
		r.RegisterLazy("and", "value, ...", 1, -1, shortCircuit(false))
		r.RegisterLazy("or", "value, ...", 1, -1, shortCircuit(true))
		r.RegisterLazy("iif", "condition, then, else", 3, 3, fnIif)
		r.Register("success", "", 0, 0, needsStatus(func(results []string) bool {
			for _, res := range results {
				if res != "success" {
					return false
				}
			}
			return true
		}))
		r.Register("failure", "", 0, 0, needsStatus(anyResult("failure")))
		r.Register("cancelled", "", 0, 0, needsStatus(anyResult("cancelled")))
		r.Register("always", "", 0, 0, func(*Env, []any) (any, error) { return true, nil })
		builtins = r
	})
	return builtins
}

func stringArg(fn string, args []any, i int) (string, error) {
	s, ok := args[i].(string)
	if !ok {
		return "", invalidArgs(fn, "argument %d must be string, got %s", i+1, TypeName(args[i]))
	}
	return s, nil
}

func fnLen(_ *Env, args []any) (any, error) {
	switch x := args[0].(type) {
	case string:
		return int64(utf8.RuneCountInString(x)), nil
	case []any:
		return int64(len(x)), nil
	case map[string]any:
		return int64(len(x)), nil
	case Mapping:
		return int64(len(x.Keys())), nil
	}
	return nil, invalidArgs("len", "expected string, list or mapping, got %s", TypeName(args[0]))
}

func fnStr(_ *Env, args []any) (any, error) { return Stringify(args[0]) }

func fnInt(_ *Env, args []any) (any, error) {
	switch x := args[0].(type) {
	case int64:
		return x, nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil, invalidArgs("int", "cannot convert %v", x)
		}
		return int64(x), nil
	case bool:
		if x {
			return int64(1), nil
		}
		return int64(0), nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(x), 0, 64)
		if err != nil {
			return nil, invalidArgs("int", "cannot parse %q", x)
		}
		return n, nil
	}
	return nil, invalidArgs("int", "expected number, bool or string, got %s", TypeName(args[0]))
}

func fnFloat(_ *Env, args []any) (any, error) {
	switch x := args[0].(type) {
	case int64:
		return float64(x), nil
	case float64:
		return x, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return nil, invalidArgs("float", "cannot parse %q", x)
		}
		return f, nil
	}
	return nil, invalidArgs("float", "expected number or string, got %s", TypeName(args[0]))
}

func stringMap(name string, fn func(string) string) Function {
	return func(_ *Env, args []any) (any, error) {
		s, err := stringArg(name, args, 0)
		if err != nil {
			return nil, err
		}
		return fn(s), nil
	}
}

func stringTest(name string, fn func(s, part string) bool) Function {
	return func(_ *Env, args []any) (any, error) {
		s, err := stringArg(name, args, 0)
		if err != nil {
			return nil, err
		}
		part, err := stringArg(name, args, 1)
		if err != nil {
			return nil, err
		}
		return fn(s, part), nil
	}
}

func fnReplace(_ *Env, args []any) (any, error) {
	var parts [3]string
	for i := range parts {
		s, err := stringArg("replace", args, i)
		if err != nil {
			return nil, err
		}
		parts[i] = s
	}
	return strings.ReplaceAll(parts[0], parts[1], parts[2]), nil
}

func fnSplit(_ *Env, args []any) (any, error) {
	s, err := stringArg("split", args, 0)
	if err != nil {
		return nil, err
	}
	sep, err := stringArg("split", args, 1)
	if err != nil {
		return nil, err
	}
	return Normalize(strings.Split(s, sep)), nil
}

func fnJoin(_ *Env, args []any) (any, error) {
	sep, err := stringArg("join", args, 0)
	if err != nil {
		return nil, err
	}
	list, ok := args[1].([]any)
	if !ok {
		return nil, invalidArgs("join", "argument 2 must be list, got %s", TypeName(args[1]))
	}
	parts := make([]string, len(list))
	for i, item := range list {
		if parts[i], err = Stringify(item); err != nil {
			return nil, err
		}
	}
	return strings.Join(parts, sep), nil
}

func fnKeys(_ *Env, args []any) (any, error) {
	keys, ok := keysOf(args[0])
	if !ok {
		return nil, invalidArgs("keys", "expected mapping, got %s", TypeName(args[0]))
	}
	return Normalize(keys), nil
}

func fnValues(_ *Env, args []any) (any, error) {
	keys, ok := keysOf(args[0])
	if !ok {
		return nil, invalidArgs("values", "expected mapping, got %s", TypeName(args[0]))
	}
	out := make([]any, 0, len(keys))
	for _, k := range keys {
		v, _, err := member(args[0], k)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func fnContains(_ *Env, args []any) (any, error) {
	switch x := args[0].(type) {
	case string:
		sub, err := stringArg("contains", args, 1)
		if err != nil {
			return nil, err
		}
		return strings.Contains(x, sub), nil
	case []any:
		for _, item := range x {
			if eq, err := Equal(item, args[1]); err == nil && eq {
				return true, nil
			}
		}
		return false, nil
	case map[string]any, Mapping:
		key, err := stringArg("contains", args, 1)
		if err != nil {
			return nil, err
		}
		_, ok, err := member(x, key)
		return ok, err
	}
	return nil, invalidArgs("contains", "expected string, list or mapping, got %s", TypeName(args[0]))
}

func fnFmt(_ *Env, args []any) (any, error) {
	format, err := stringArg("fmt", args, 0)
	if err != nil {
		return nil, err
	}
	rest := args[1:]
	var sb strings.Builder
	next := 0
	for i := 0; i < len(format); i++ {
		switch {
		case strings.HasPrefix(format[i:], "{{"):
			sb.WriteByte('{')
			i++
		case strings.HasPrefix(format[i:], "}}"):
			sb.WriteByte('}')
			i++
		case strings.HasPrefix(format[i:], "{}"):
			if next >= len(rest) {
				return nil, invalidArgs("fmt", "not enough arguments for %q", format)
			}
			s, err := Stringify(rest[next])
			if err != nil {
				return nil, err
			}
			sb.WriteString(s)
			next++
			i++
		default:
			sb.WriteByte(format[i])
		}
	}
	if next != len(rest) {
		return nil, invalidArgs("fmt", "%d placeholder(s) for %d argument(s)", next, len(rest))
	}
	return sb.String(), nil
}

func fnToJSON(_ *Env, args []any) (any, error) {
	plain, err := Materialize(args[0])
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(plain)
	if err != nil {
		return nil, invalidArgs("to_json", "%v", err)
	}
	return string(data), nil
}

func fnFromJSON(_ *Env, args []any) (any, error) {
	s, err := stringArg("from_json", args, 0)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, invalidArgs("from_json", "malformed JSON: %v", err)
	}
	return fromJSONValue(v), nil
}

func fromJSONValue(v any) any {
	switch x := v.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n
		}
		f, _ := x.Float64()
		return f
	case []any:
		for i := range x {
			x[i] = fromJSONValue(x[i])
		}
		return x
	case map[string]any:
		for k := range x {
			x[k] = fromJSONValue(x[k])
		}
		return x
	}
	return v
}

// workspace reads flow.workspace from the calling environment.
func workspace(env *Env) (string, bool) {
	if env == nil || env.Root == nil {
		return "", false
	}
	flow, err := env.Root.Lookup("flow")
	if err != nil {
		return "", false
	}
	v, ok, err := member(flow, "workspace")
	if err != nil || !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}

func fnHashFiles(env *Env, args []any) (any, error) {
	ws, ok := workspace(env)
	if !ok {
		return nil, invalidArgs("hash_files", "flow.workspace is not available")
	}
	seen := make(map[string]bool)
	var files []string
	for i := range args {
		pattern, err := stringArg("hash_files", args, i)
		if err != nil {
			return nil, err
		}
		matches, err := filepath.Glob(filepath.Join(ws, pattern))
		if err != nil {
			return nil, invalidArgs("hash_files", "bad pattern %q: %v", pattern, err)
		}
		for _, m := range matches {
			if info, err := os.Stat(m); err != nil || info.IsDir() || seen[m] {
				continue
			}
			seen[m] = true
			files = append(files, m)
		}
	}
	sort.Strings(files)
	h := sha256.New()
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, invalidArgs("hash_files", "read %s: %v", f, err)
		}
		rel, _ := filepath.Rel(ws, f)
		h.Write([]byte(filepath.ToSlash(rel)))
		h.Write([]byte{0})
		h.Write(data)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func fnParseVolume(_ *Env, args []any) (any, error) {
	s, err := stringArg("parse_volume", args, 0)
	if err != nil {
		return nil, err
	}
	parts := strings.Split(s, ":")
	readOnly := false
	switch parts[len(parts)-1] {
	case "ro":
		readOnly = true
		parts = parts[:len(parts)-1]
	case "rw":
		parts = parts[:len(parts)-1]
	}
	if len(parts) < 3 {
		return nil, invalidArgs("parse_volume", "expected <scheme>:<path>:<mount>[:ro|rw], got %q", s)
	}
	return map[string]any{
		"id":              "<volume>",
		"remote":          strings.Join(parts[:len(parts)-1], ":"),
		"mount":           parts[len(parts)-1],
		"read_only":       readOnly,
		"local":           nil,
		"full_local_path": nil,
	}, nil
}

func fnDefault(_ *Env, args []Thunk) (any, error) {
	v, err := args[0]()
	if err != nil {
		return nil, err
	}
	if v != nil {
		return v, nil
	}
	return args[1]()
}

func fnCoalesce(_ *Env, args []Thunk) (any, error) {
	for _, arg := range args {
		v, err := arg()
		if err != nil {
			return nil, err
		}
		if v != nil {
			return v, nil
		}
	}
	return nil, nil
}

// shortCircuit returns the first argument whose truthiness equals stop, or the last one.
func shortCircuit(stop bool) LazyFunction {
	return func(_ *Env, args []Thunk) (any, error) {
		var v any
		for _, arg := range args {
			var err error
			if v, err = arg(); err != nil {
				return nil, err
			}
			if Truthy(v) == stop {
				return v, nil
			}
		}
		return v, nil
	}
}

func fnIif(_ *Env, args []Thunk) (any, error) {
	cond, err := args[0]()
	if err != nil {
		return nil, err
	}
	if Truthy(cond) {
		return args[1]()
	}
	return args[2]()
}

// needsStatus evaluates fn over the result of every dependency in the needs context.
// Outside a batch node there are no dependencies.
func needsStatus(fn func(results []string) bool) Function {
	return func(env *Env, _ []any) (any, error) {
		var results []string
		if env != nil && env.Root != nil {
			needs, err := env.Root.Lookup("needs")
			if err == nil {
				keys, _ := keysOf(needs)
				for _, k := range keys {
					dep, _, err := member(needs, k)
					if err != nil {
						return nil, err
					}
					res, _, err := member(dep, "result")
					if err != nil {
						return nil, err
					}
					s, _ := res.(string)
					results = append(results, s)
				}
			}
		}
		return fn(results), nil
	}
}

func anyResult(want string) func([]string) bool {
	return func(results []string) bool {
		for _, r := range results {
			if r == want {
				return true
			}
		}
		return false
	}
}
