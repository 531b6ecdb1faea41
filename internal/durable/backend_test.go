package durable

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryBackendRoundTrip(t *testing.T) {
	backend := NewInMemoryBackend()

	missing, err := backend.Load("accounts")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, backend.Save("accounts", []byte(`[{"id":"1"}]`)))
	got, err := backend.Load("accounts")
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":"1"}]`, string(got))
}

func TestInMemoryBackendReturnsCopies(t *testing.T) {
	backend := NewInMemoryBackend()
	payload := []byte(`{"a":1}`)
	require.NoError(t, backend.Save("k", payload))
	payload[2] = 'b'

	got, err := backend.Load("k")
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(got))
}

func TestInMemoryBackendRejectsEmptyKey(t *testing.T) {
	assert.ErrorIs(t, NewInMemoryBackend().Save(" ", []byte(`{}`)), ErrInvalidInput)
}

func TestJSONFileBackendKeepsKeysSeparate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	backend := NewJSONFileBackend(path)

	require.NoError(t, backend.Save("accounts", []byte(`[{"username":"alice"}]`)))
	require.NoError(t, backend.Save("rules", []byte(`{"rules":[]}`)))

	accounts, err := backend.Load("accounts")
	require.NoError(t, err)
	assert.JSONEq(t, `[{"username":"alice"}]`, string(accounts))

	reopened := NewJSONFileBackend(path)
	rules, err := reopened.Load("rules")
	require.NoError(t, err)
	assert.JSONEq(t, `{"rules":[]}`, string(rules))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestJSONFileBackendRejectsInvalidJSON(t *testing.T) {
	backend := NewJSONFileBackend(filepath.Join(t.TempDir(), "state.json"))
	assert.ErrorIs(t, backend.Save("accounts", []byte("not json")), ErrInvalidInput)
}

func TestJSONFileBackendMissingFileLoadsNothing(t *testing.T) {
	backend := NewJSONFileBackend(filepath.Join(t.TempDir(), "absent.json"))
	got, err := backend.Load("accounts")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSQLiteBackendRoundTrip(t *testing.T) {
	backend, err := NewSQLiteBackend(filepath.Join(t.TempDir(), "engagesync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	missing, err := backend.Load("rules")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, backend.Save("rules", []byte(`{"running":false}`)))
	require.NoError(t, backend.Save("rules", []byte(`{"running":true}`)))

	got, err := backend.Load("rules")
	require.NoError(t, err)
	assert.JSONEq(t, `{"running":true}`, string(got))
}

func TestCloseIgnoresBackendsWithoutResources(t *testing.T) {
	assert.NoError(t, Close(NewInMemoryBackend()))
}
