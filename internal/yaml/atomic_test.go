package yaml

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	yamlv3 "gopkg.in/yaml.v3"
)

func TestAtomicWrite_Success(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")

	data := map[string]any{"key": "value", "count": 42}
	require.NoError(t, AtomicWrite(path, data))

	content, err := os.ReadFile(path)
	require.NoError(t, err)

	var result map[string]any
	require.NoError(t, yamlv3.Unmarshal(content, &result))
	assert.Equal(t, "value", result["key"])
}

func TestAtomicWrite_CreatesBackup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")

	require.NoError(t, AtomicWrite(path, map[string]string{"version": "1"}))
	require.NoError(t, AtomicWrite(path, map[string]string{"version": "2"}))

	// The .bak must hold the pre-overwrite content.
	bakContent, err := os.ReadFile(path + ".bak")
	require.NoError(t, err)

	var bakData map[string]string
	require.NoError(t, yamlv3.Unmarshal(bakContent, &bakData))
	assert.Equal(t, "1", bakData["version"])

	curContent, err := os.ReadFile(path)
	require.NoError(t, err)

	var curData map[string]string
	require.NoError(t, yamlv3.Unmarshal(curContent, &curData))
	assert.Equal(t, "2", curData["version"])
}

func TestAtomicWriteRaw_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")

	invalidYAML := []byte(":\n  invalid: [\n    broken")
	err := AtomicWriteRaw(path, invalidYAML)
	assert.Error(t, err, "invalid YAML must be rejected before rename")

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "file should not exist after failed write")
}

func TestAtomicWrite_NoTempFileLeftOnFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")

	invalidYAML := []byte(":\n  broken: [\n")
	_ = AtomicWriteRaw(path, invalidYAML)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)

	for _, entry := range entries {
		assert.NotEqual(t, ".yaml", filepath.Ext(entry.Name()),
			"unexpected file remaining: %s", entry.Name())
	}
}

func TestAtomicWrite_StructData(t *testing.T) {
	type testStruct struct {
		Name    string `yaml:"name"`
		Version int    `yaml:"version"`
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")

	require.NoError(t, AtomicWrite(path, &testStruct{Name: "mihari", Version: 1}))

	content, err := os.ReadFile(path)
	require.NoError(t, err)

	var result testStruct
	require.NoError(t, yamlv3.Unmarshal(content, &result))
	assert.Equal(t, "mihari", result.Name)
	assert.Equal(t, 1, result.Version)
}
