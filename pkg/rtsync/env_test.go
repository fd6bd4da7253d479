package rtsync

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFromEnvMock(t *testing.T) {
	seedPath := filepath.Join(t.TempDir(), "seed.json")
	require.NoError(t, os.WriteFile(seedPath, []byte(`{"todos/a": {"title": "a"}}`), 0o600))
	t.Setenv(envMode, "")
	t.Setenv(envAPIURL, "")
	t.Setenv(envMockSeed, seedPath)
	t.Setenv(envConfig, "")

	eng, mode, err := NewFromEnv()
	require.NoError(t, err)
	defer eng.Close()
	assert.Equal(t, modeMock, mode)

	read := &recorder{}
	require.True(t, eng.Read("todos/a", read.record, read.failed))
	require.Eventually(t, func() bool { return read.recordCount() == 1 }, waitFor, waitTick)
	assert.Equal(t, "a", decodeMap(t, read.records[0].Data)["title"])
}

func TestNewFromEnvLoadsConfig(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "rtsync.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("uid: key\ncollections: [todos]\n"), 0o600))
	t.Setenv(envMode, modeMock)
	t.Setenv(envMockSeed, "")
	t.Setenv(envConfig, cfgPath)

	eng, _, err := NewFromEnv()
	require.NoError(t, err)
	defer eng.Close()
	assert.Equal(t, "key", eng.Config().UID)
	assert.Equal(t, []string{"todos"}, eng.Config().Collections)
}

func TestNewFromEnvHTTP(t *testing.T) {
	t.Setenv(envMode, modeAuto)
	t.Setenv(envAPIURL, "http://127.0.0.1:1")
	t.Setenv(envToken, "")
	t.Setenv(envConfig, "")

	eng, mode, err := NewFromEnv()
	require.NoError(t, err)
	assert.Equal(t, modeHTTP, mode)
	require.NoError(t, eng.Close())
}

func TestNewFromEnvErrors(t *testing.T) {
	t.Setenv(envConfig, "")
	t.Setenv(envMockSeed, "")

	t.Setenv(envMode, modeHTTP)
	t.Setenv(envAPIURL, "")
	_, _, err := NewFromEnv()
	assert.Error(t, err)

	t.Setenv(envMode, "grpc")
	_, _, err = NewFromEnv()
	assert.Error(t, err)

	t.Setenv(envMode, modeMock)
	t.Setenv(envMockSeed, filepath.Join(t.TempDir(), "missing.json"))
	_, _, err = NewFromEnv()
	assert.Error(t, err)
}

func TestNewFromEnvAuthNeedsToken(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "rtsync.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("auth: true\n"), 0o600))
	t.Setenv(envConfig, cfgPath)
	t.Setenv(envMode, modeHTTP)
	t.Setenv(envAPIURL, "http://127.0.0.1:1")
	t.Setenv(envToken, "")

	_, _, err := NewFromEnv()
	assert.ErrorContains(t, err, envToken)
}
