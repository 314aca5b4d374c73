package plugin

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndDispatch(t *testing.T) {
	r := NewRegistry()
	r.Register("greeter", "hello", func(params map[string]any) (map[string]any, error) {
		name, _ := params["name"].(string)
		return map[string]any{"message": "hello " + name}, nil
	})

	out := r.Dispatch("greeter:hello", map[string]any{"name": "world"})
	assert.Equal(t, true, out["success"])
	assert.Equal(t, "hello world", out["message"])
}

func TestDispatchUnregisteredCommand(t *testing.T) {
	r := NewRegistry()
	out := r.Dispatch("ghost:run", nil)
	assert.Equal(t, false, out["success"])
	assert.Contains(t, out["error"], "not registered")
}

func TestDispatchHandlerErrorBecomesFailureResponse(t *testing.T) {
	r := NewRegistry()
	r.Register("p", "fail", func(params map[string]any) (map[string]any, error) {
		return nil, assert.AnError
	})
	out := r.Dispatch("p:fail", nil)
	assert.Equal(t, false, out["success"])
}

func TestLoadManifestParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.yaml")
	content := "name: greeter\nversion: \"1.0\"\ncommands:\n  - name: hello\n    description: says hello\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	m, err := LoadManifest(path)
	require.NoError(t, err)
	assert.Equal(t, "greeter", m.Name)
	require.Len(t, m.Commands, 1)
	assert.Equal(t, "hello", m.Commands[0].Name)
}

func TestDiscoverManifestsSkipsDirectoriesWithoutManifest(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "greeter"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "greeter", "manifest.yaml"), []byte("name: greeter\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "incomplete"), 0o755))

	manifests := DiscoverManifests(dir)
	require.Len(t, manifests, 1)
	assert.Equal(t, "greeter", manifests[0].Name)
}

func TestDecodeParametersDefaultsToEmptyMap(t *testing.T) {
	params, err := DecodeParameters(nil)
	require.NoError(t, err)
	assert.Empty(t, params)
}

func TestDecodeParametersUnmarshalsRawObject(t *testing.T) {
	params, err := DecodeParameters(json.RawMessage(`{"x":1,"name":"foo"}`))
	require.NoError(t, err)
	assert.Equal(t, float64(1), params["x"])
	assert.Equal(t, "foo", params["name"])
}
