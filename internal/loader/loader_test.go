package loader

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sourceplane/liteflow/internal/expr"
)

const liveYAML = `kind: live
jobs:
  shell:
    image: ubuntu
    cmd: bash
`

const buildYAML = `kind: batch
tasks:
  - id: build
    image: golang
    cmd: make build
`

func workspace(t *testing.T, files map[string]string) string {
	t.Helper()
	root := filepath.Join(t.TempDir(), "My-Project")
	dir := filepath.Join(root, ConfigDirName)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	return root
}

func TestOpenFindsConfigDirAbove(t *testing.T) {
	root := workspace(t, map[string]string{ProjectFile: "id: demo\nowner: team\n"})
	nested := filepath.Join(root, "src", "pkg")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	ws, err := Open(nested)
	require.NoError(t, err)
	assert.Equal(t, root, ws.Root)
	assert.Equal(t, filepath.Join(root, ConfigDirName), ws.ConfigDir)
	assert.Equal(t, "demo", ws.Project.ID)
	assert.Equal(t, "team", ws.Project.Owner)
}

func TestOpenWithoutProjectFile(t *testing.T) {
	root := workspace(t, nil)
	ws, err := Open(root)
	require.NoError(t, err)
	assert.Equal(t, "my_project", ws.Project.ID)
}

func TestOpenNoConfigDir(t *testing.T) {
	_, err := Open(t.TempDir())
	assert.ErrorIs(t, err, ErrConfigDirNotFound)
}

func TestOpenInvalidProject(t *testing.T) {
	root := workspace(t, map[string]string{ProjectFile: "id: demo\nunknown: 1\n"})
	_, err := Open(root)
	assert.Error(t, err)
}

func TestProjectID(t *testing.T) {
	assert.Equal(t, "my_app", ProjectID("My-App"))
	assert.Equal(t, "_2048", ProjectID("2048"))
	assert.Equal(t, "_", ProjectID(""))
}

func TestListBatches(t *testing.T) {
	root := workspace(t, map[string]string{
		LiveFile:      liveYAML,
		"build.yml":   buildYAML,
		"deploy.yaml": buildYAML,
		"notes.yml":   "just: data\n",
		"README.md":   "# docs",
	})
	ws, err := Open(root)
	require.NoError(t, err)

	ids, err := ws.ListBatches()
	require.NoError(t, err)
	assert.Equal(t, []string{"build", "deploy"}, ids)
	assert.True(t, ws.HasLive())
}

func TestLoadFlows(t *testing.T) {
	root := workspace(t, map[string]string{LiveFile: liveYAML, "build.yml": buildYAML})
	ws, err := Open(root)
	require.NoError(t, err)

	live, err := ws.LoadLive()
	require.NoError(t, err)
	require.Contains(t, live.Jobs, "shell")
	assert.Equal(t, filepath.Join(ws.ConfigDir, LiveFile), live.Path)

	batch, err := ws.LoadBatch("build")
	require.NoError(t, err)
	require.Len(t, batch.Tasks, 1)
	assert.Equal(t, "build", batch.Tasks[0].ID)

	_, err = ws.LoadBatch("missing")
	assert.ErrorIs(t, err, ErrFlowNotFound)
}

func TestLoadBatchSchemaViolation(t *testing.T) {
	root := workspace(t, map[string]string{"build.yml": "kind: batch\ntasks:\n  - id: build\n"})
	ws, err := Open(root)
	require.NoError(t, err)

	_, err = ws.LoadBatch("build")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid batch file")
}

func TestLoadBatchExpressionErrorHasPosition(t *testing.T) {
	src := "kind: batch\ntasks:\n  - id: build\n    image: golang\n    cmd: ${{ 1 + }}\n"
	root := workspace(t, map[string]string{"build.yml": src})
	ws, err := Open(root)
	require.NoError(t, err)

	_, err = ws.LoadBatch("build")
	var perr *expr.ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, filepath.Join(ws.ConfigDir, "build.yml"), perr.Pos.File)
	assert.Equal(t, 5, perr.Pos.Line)
}

func TestParseBatch(t *testing.T) {
	flow, err := ParseBatch("inline.yml", []byte(buildYAML))
	require.NoError(t, err)
	assert.Equal(t, "inline.yml", flow.Path)

	_, err = ParseBatch("empty.yml", nil)
	assert.Error(t, err)

	_, err = ParseLive("wrong-kind.yml", []byte(buildYAML))
	assert.Error(t, err)
}
