package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprintIsCanonical(t *testing.T) {
	a := Input{
		NodeID:         "deploy",
		TemplateID:     "deploy",
		DefinitionHash: "d1",
		Params:         map[string]any{"image": "alpine", "env": map[string]string{"B": "2", "A": "1"}},
		Deps: []Dep{
			{ID: "test", Outputs: map[string]string{"ok": "yes"}},
			{ID: "build", Outputs: map[string]string{"tag": "v1"}},
		},
	}
	b := Input{
		NodeID:         "deploy",
		TemplateID:     "deploy",
		DefinitionHash: "d1",
		Params:         map[string]any{"env": map[string]string{"A": "1", "B": "2"}, "image": "alpine"},
		Deps: []Dep{
			{ID: "build", Outputs: map[string]string{"tag": "v1"}},
			{ID: "test", Outputs: map[string]string{"ok": "yes"}},
		},
	}
	fa, err := Fingerprint(a)
	require.NoError(t, err)
	fb, err := Fingerprint(b)
	require.NoError(t, err)
	assert.Equal(t, fa, fb)
	assert.Len(t, fa, 64)
}

func TestFingerprintChanges(t *testing.T) {
	base := Input{NodeID: "n", TemplateID: "n", DefinitionHash: "d", Params: map[string]any{"cmd": "make"}}
	fp, err := Fingerprint(base)
	require.NoError(t, err)

	variants := map[string]Input{
		"definition": {NodeID: "n", TemplateID: "n", DefinitionHash: "d2", Params: base.Params},
		"params":     {NodeID: "n", TemplateID: "n", DefinitionHash: "d", Params: map[string]any{"cmd": "make all"}},
		"upstream": {NodeID: "n", TemplateID: "n", DefinitionHash: "d", Params: base.Params,
			Deps: []Dep{{ID: "up", Outputs: map[string]string{"v": "1"}}}},
	}
	for name, in := range variants {
		other, err := Fingerprint(in)
		require.NoError(t, err)
		assert.NotEqual(t, fp, other, name)
	}

	assert.Equal(t, OutputsFingerprint(nil), OutputsFingerprint(map[string]string{}))
	assert.NotEqual(t, OutputsFingerprint(map[string]string{"v": "1"}), OutputsFingerprint(map[string]string{"v": "2"}))
}
