package expr

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuiltins(t *testing.T) {
	root := MapRoot{"dct": map[string]any{"a": int64(1), "b": int64(2)}}
	tests := []struct {
		src  string
		want any
	}{
		{"${{ len('abc') }}", int64(3)},
		{"${{ len(dct) }}", int64(2)},
		{"${{ str(True) }}", "true"},
		{"${{ str(1) }}", "1"},
		{"${{ str([1, 2, 3]) }}", "[1,2,3]"},
		{"${{ int('42') }}", int64(42)},
		{"${{ float(1) }}", 1.0},
		{"${{ replace('22.22', '.', '_') }}", "22_22"},
		{"${{ join('_', ['x', 'y', 'z']) }}", "x_y_z"},
		{"${{ split('a,b', ',') }}", []any{"a", "b"}},
		{"${{ keys(dct) }}", []any{"a", "b"}},
		{"${{ values(dct) }}", []any{int64(1), int64(2)}},
		{"${{ fmt('{} {}', 1, 'a') }}", "1 a"},
		{"${{ fmt('{{}} {}', 1) }}", "{} 1"},
		{"${{ lower('aBcDeF') }}", "abcdef"},
		{"${{ upper('aBcDeF') }}", "ABCDEF"},
		{"${{ contains('hello', 'ell') }}", true},
		{"${{ contains([1, 2], 2) }}", true},
		{"${{ contains(dct, 'c') }}", false},
		{"${{ startswith('release-1', 'release') }}", true},
		{"${{ endswith('a.txt', '.yml') }}", false},
		{"${{ to_json(dct) }}", `{"a":1,"b":2}`},
		{`${{ from_json('{"x": [1, 2.5]}').x }}`, []any{int64(1), 2.5}},
		{"${{ always() }}", true},
		{"${{ success() }}", true},
		{"${{ failure() }}", false},
	}
	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			got, err := eval(t, tt.src, root)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseVolume(t *testing.T) {
	got, err := eval(t, "${{ parse_volume('storage:path/to:/mnt/path:rw') }}", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"id":              "<volume>",
		"remote":          "storage:path/to",
		"mount":           "/mnt/path",
		"read_only":       false,
		"local":           nil,
		"full_local_path": nil,
	}, got)

	ro, err := eval(t, "${{ parse_volume('storage:data:/data:ro').read_only }}", nil)
	require.NoError(t, err)
	assert.Equal(t, true, ro)

	_, err = eval(t, "${{ parse_volume('nothing') }}", nil)
	assert.ErrorIs(t, err, ErrInvalidArguments)
}

func TestNeedsStatusFunctions(t *testing.T) {
	root := MapRoot{"needs": map[string]any{
		"a": map[string]any{"result": "success"},
		"b": map[string]any{"result": "failure"},
	}}
	for src, want := range map[string]bool{
		"${{ success() }}":   false,
		"${{ failure() }}":   true,
		"${{ cancelled() }}": false,
		"${{ always() }}":    true,
	} {
		got, err := eval(t, src, root)
		require.NoError(t, err)
		assert.Equal(t, want, got, src)
	}
}

func TestHashFiles(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(ws, "Dockerfile"), []byte("FROM scratch\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(ws, "requirements"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(ws, "requirements", "base.txt"), []byte("pyyaml\n"), 0o644))

	root := MapRoot{"flow": map[string]any{"workspace": ws}}
	const src = "${{ hash_files('Dockerfile', 'requirements/*.txt') }}"

	first, err := eval(t, src, root)
	require.NoError(t, err)
	assert.Len(t, first, 64)

	again, err := eval(t, src, root)
	require.NoError(t, err)
	assert.Equal(t, first, again)

	require.NoError(t, os.WriteFile(filepath.Join(ws, "requirements", "base.txt"), []byte("pyyaml==6\n"), 0o644))
	changed, err := eval(t, src, root)
	require.NoError(t, err)
	assert.NotEqual(t, first, changed)

	_, err = eval(t, src, nil)
	assert.ErrorIs(t, err, ErrInvalidArguments)
}

func TestRegistryClone(t *testing.T) {
	reg := Builtins().Clone()
	reg.Register("twice", "string", 1, 1, func(_ *Env, args []any) (any, error) {
		s, _ := args[0].(string)
		return s + s, nil
	})
	tmpl := MustParse("${{ twice('ab') }}")
	got, err := tmpl.EvalWith(nil, reg)
	require.NoError(t, err)
	assert.Equal(t, "abab", got)

	_, err = tmpl.Eval(nil)
	assert.ErrorIs(t, err, ErrUnknownFunction)
}
