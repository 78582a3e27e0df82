package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeEnv(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadEnvFile_missing(t *testing.T) {
	assert.NoError(t, LoadEnvFile(filepath.Join(t.TempDir(), "nonexistent")))
}

func TestLoadEnvFile_setsEnv(t *testing.T) {
	t.Setenv("HDHR_TEST_FOO", "")
	os.Unsetenv("HDHR_TEST_FOO")
	t.Setenv("HDHR_TEST_BAZ", "")
	os.Unsetenv("HDHR_TEST_BAZ")
	path := writeEnv(t, "HDHR_TEST_FOO=bar\n# comment\n\nexport HDHR_TEST_BAZ='quux x'\n")
	require.NoError(t, LoadEnvFile(path))
	assert.Equal(t, "bar", os.Getenv("HDHR_TEST_FOO"))
	assert.Equal(t, "quux x", os.Getenv("HDHR_TEST_BAZ"))
}

func TestLoadEnvFile_environmentWins(t *testing.T) {
	t.Setenv("HDHR_TEST_KEEP", "from-env")
	require.NoError(t, LoadEnvFile(writeEnv(t, `HDHR_TEST_KEEP="from-file"`)))
	assert.Equal(t, "from-env", os.Getenv("HDHR_TEST_KEEP"))
}

func TestLoadEnvFile_malformed(t *testing.T) {
	err := LoadEnvFile(writeEnv(t, "GOOD=1\nnot a pair\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), ":2:")
}
