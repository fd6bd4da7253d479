package rtsync

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte("auth: true\nuid: key\ncollections: [todos, ' notes/ ', '']\n"))
	require.NoError(t, err)
	assert.True(t, cfg.Auth)
	assert.Equal(t, "key", cfg.UID)
	assert.Equal(t, []string{"todos", "notes/"}, cfg.Collections)
}

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte("auth: false\n"))
	require.NoError(t, err)
	assert.Equal(t, DefaultUID, cfg.UID)
	assert.Empty(t, cfg.Collections)
}

func TestParseConfigDisablesUID(t *testing.T) {
	for _, doc := range []string{"uid: false\n", "uid: null\n", "uid: ''\n", "uid:\n"} {
		cfg, err := ParseConfig([]byte(doc))
		require.NoError(t, err, doc)
		assert.Empty(t, cfg.UID, doc)
	}
}

func TestParseConfigInvalid(t *testing.T) {
	for _, doc := range []string{"uid: true\n", "uid: 3\n", "auth: [\n"} {
		_, err := ParseConfig([]byte(doc))
		assert.Error(t, err, doc)
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rtsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte("uid: _id\n"), 0o600))
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "_id", cfg.UID)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
