package contexts

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sourceplane/liteflow/internal/expr"
	"github.com/sourceplane/liteflow/internal/git"
)

func tmpl(t *testing.T, src string) *expr.Template {
	t.Helper()
	tm, err := expr.Parse(src)
	require.NoError(t, err)
	return tm
}

type fakeVCS struct {
	info  *git.Info
	err   error
	calls int
}

func (f *fakeVCS) Info(context.Context) (*git.Info, error) {
	f.calls++
	return f.info, f.err
}

func TestGetMemoizes(t *testing.T) {
	calls := 0
	r := New()
	r.Define("flow", Object().Set("value", Computed(func(*Resolver) (any, error) {
		calls++
		return "computed", nil
	})))

	for i := 0; i < 3; i++ {
		v, err := r.Get("flow", "value")
		require.NoError(t, err)
		assert.Equal(t, "computed", v)
	}
	assert.Equal(t, 1, calls)
}

func TestVolumeCrossReferences(t *testing.T) {
	r := New()
	r.Define("params", Object().Set("bucket", Value("data")))
	r.Define("volumes", VolumesContext("/ws", []Volume{{
		ID:       "data",
		Remote:   tmpl(t, "storage:${{ params.bucket }}"),
		Mount:    tmpl(t, "/mnt/data"),
		Local:    tmpl(t, "local/data"),
		ReadOnly: expr.Literal(true),
	}}))
	r.Define("images", ImagesContext("/ws", []Image{{
		ID:      "main",
		Ref:     tmpl(t, "image:main"),
		Context: tmpl(t, "img"),
		Volumes: []*expr.Template{tmpl(t, "${{ volumes.data.ref }}")},
	}}))

	tests := []struct {
		path []string
		want any
	}{
		{[]string{"data", "ref"}, "storage:data:/mnt/data:ro"},
		{[]string{"data", "ref_rw"}, "storage:data:/mnt/data:rw"},
		{[]string{"data", "full_local_path"}, "/ws/local/data"},
		{[]string{"data", "read_only"}, true},
	}
	for _, tt := range tests {
		v, err := r.Get("volumes", tt.path...)
		require.NoError(t, err)
		assert.Equal(t, tt.want, v)
	}

	vols, err := r.Get("images", "main", "volumes")
	require.NoError(t, err)
	assert.Equal(t, []any{"storage:data:/mnt/data:ro"}, vols)

	df, err := r.Get("images", "main", "dockerfile")
	require.NoError(t, err)
	assert.Equal(t, "/ws/img/Dockerfile", df)
	rel, err := r.Get("images", "main", "dockerfile_rel")
	require.NoError(t, err)
	assert.Equal(t, "Dockerfile", rel)
}

func TestContextCycle(t *testing.T) {
	r := New()
	r.Define("volumes", VolumesContext("/ws", []Volume{{
		ID:     "loop",
		Remote: tmpl(t, "${{ volumes.loop.ref }}"),
		Mount:  tmpl(t, "/mnt"),
	}}))

	_, err := r.Get("volumes", "loop", "ref")
	require.Error(t, err)
	assert.ErrorIs(t, err, expr.ErrContextCycle)
	assert.Contains(t, err.Error(), "volumes.loop.ref -> volumes.loop.remote -> volumes.loop.ref")

	// A failed resolution leaves no partial state behind.
	_, err = r.Get("volumes", "loop", "remote")
	assert.ErrorIs(t, err, expr.ErrContextCycle)
}

func TestEnvCycle(t *testing.T) {
	r := New()
	r.Define("env", EnvContext(map[string]*expr.Template{
		"A": tmpl(t, "${{ env.B }}"),
		"B": tmpl(t, "x-${{ env.A }}"),
		"C": tmpl(t, "plain"),
	}))
	_, err := r.Get("env", "A")
	assert.ErrorIs(t, err, expr.ErrContextCycle)

	v, err := r.Get("env", "C")
	require.NoError(t, err)
	assert.Equal(t, "plain", v)
}

func TestEnvLayering(t *testing.T) {
	r := New()
	r.Define("env", EnvContext(
		map[string]*expr.Template{"A": tmpl(t, "flow"), "B": tmpl(t, "flow")},
		map[string]*expr.Template{"B": tmpl(t, "job")},
	))
	a, err := r.Get("env", "A")
	require.NoError(t, err)
	b, err := r.Get("env", "B")
	require.NoError(t, err)
	assert.Equal(t, "flow", a)
	assert.Equal(t, "job", b)
}

func TestTagsUnion(t *testing.T) {
	r := New()
	r.Define("project", ProjectContext(Project{ID: "proj"}))
	r.Define("tags", TagsContext(
		[]string{"project:proj", "job:train"},
		[]*expr.Template{tmpl(t, "team:ml"), tmpl(t, "project:${{ project.id }}")},
		[]*expr.Template{tmpl(t, "team:ml"), tmpl(t, "gpu")},
	))
	v, err := r.Get("tags")
	require.NoError(t, err)
	assert.Equal(t, []any{"gpu", "job:train", "project:proj", "team:ml"}, v)
}

func TestParams(t *testing.T) {
	params, err := ParamsContext([]Param{
		{Name: "epochs", Default: expr.Literal(10)},
		{Name: "name", Default: tmpl(t, "run-${{ flow.id }}")},
	}, map[string]string{"epochs": "20"})
	require.NoError(t, err)

	r := New()
	r.Define("flow", FlowContext(Flow{ID: "train"}))
	r.Define("params", params)

	v, err := r.Eval(tmpl(t, "${{ params.epochs }}/${{ params.name }}"))
	require.NoError(t, err)
	assert.Equal(t, "20/run-train", v)

	_, err = r.Eval(tmpl(t, "${{ params.missing }}"))
	assert.ErrorIs(t, err, expr.ErrUnknownParameter)

	_, err = ParamsContext([]Param{{Name: "a"}}, map[string]string{"b": "1"})
	assert.ErrorIs(t, err, expr.ErrUnknownParameter)
}

func TestMultiUnavailable(t *testing.T) {
	r := New()
	r.Define("multi", NoMulti())
	_, err := r.Eval(tmpl(t, "${{ multi.args }}"))
	assert.ErrorIs(t, err, expr.ErrContextUnavailable)

	r.Define("multi", MultiContext("abc", []string{"--lr", "0.1"}))
	v, err := r.Eval(tmpl(t, "${{ join(' ', multi.args) }}"))
	require.NoError(t, err)
	assert.Equal(t, "--lr 0.1", v)
}

func TestGitContext(t *testing.T) {
	vcs := &fakeVCS{info: &git.Info{Sha: "abc123", Branch: "main", Tags: []string{"v1"}}}
	r := New()
	r.Define("git", GitContext(context.Background(), vcs))

	v, err := r.Eval(tmpl(t, "${{ git.branch }}@${{ git.sha }}"))
	require.NoError(t, err)
	assert.Equal(t, "main@abc123", v)
	_, err = r.Get("git", "tags")
	require.NoError(t, err)
	assert.Equal(t, 1, vcs.calls)

	outside := New()
	outside.Define("git", GitContext(context.Background(), &fakeVCS{err: git.ErrNotRepository}))
	_, err = outside.Get("git", "sha")
	assert.ErrorIs(t, err, expr.ErrContextUnavailable)

	// The conditional guard never reaches the unavailable context.
	outside.Define("flow", FlowContext(Flow{ID: "f"}))
	v, err = outside.Eval(tmpl(t, "${{ flow.id == 'other' && git.sha || 'no-sha' }}"))
	require.NoError(t, err)
	assert.Equal(t, "no-sha", v)
}

func TestNeedsAndMatrix(t *testing.T) {
	r := New()
	r.Define("needs", NeedsContext([]Dependency{
		{ID: "build", Result: "success", Outputs: map[string]string{"tag": "v1"}},
	}))
	r.Define("matrix", MatrixContext([]string{"os", "py"}, map[string]any{"os": "linux", "py": 3}))
	r.Define("strategy", StrategyContext(2, false))

	v, err := r.Eval(tmpl(t, "${{ needs.build.outputs.tag }}-${{ matrix.os }}-${{ matrix.py }}-${{ strategy.max_parallel }}"))
	require.NoError(t, err)
	assert.Equal(t, "v1-linux-3-2", v)

	_, err = r.Eval(tmpl(t, "${{ needs.build.outputs.missing }}"))
	var ee *expr.EvalError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, expr.ErrAttributeNotFound, ee.Kind)
	assert.Equal(t, "missing", ee.Segment)
}

func TestDefineInvalidatesMemo(t *testing.T) {
	r := New()
	r.Define("env", EnvContext(map[string]*expr.Template{"A": tmpl(t, "${{ 'one' }}")}))
	v, err := r.Get("env", "A")
	require.NoError(t, err)
	assert.Equal(t, "one", v)

	r.Define("env", EnvContext(map[string]*expr.Template{"A": tmpl(t, "${{ 'two' }}")}))
	v, err = r.Get("env", "A")
	require.NoError(t, err)
	assert.Equal(t, "two", v)
}
