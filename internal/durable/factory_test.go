package durable

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildBackendFromDSN(t *testing.T) {
	dir := t.TempDir()

	cases := []struct {
		name  string
		dsn   string
		check func(t *testing.T, backend Backend)
	}{
		{
			name: "memory",
			dsn:  "memory://",
			check: func(t *testing.T, backend Backend) {
				assert.IsType(t, &InMemoryBackend{}, backend)
			},
		},
		{
			name: "file scheme",
			dsn:  "file://" + filepath.Join(dir, "accounts.json"),
			check: func(t *testing.T, backend Backend) {
				file, ok := backend.(*JSONFileBackend)
				require.True(t, ok)
				assert.Equal(t, filepath.Join(dir, "accounts.json"), file.Path())
			},
		},
		{
			name: "bare path",
			dsn:  filepath.Join(dir, "rules.json"),
			check: func(t *testing.T, backend Backend) {
				file, ok := backend.(*JSONFileBackend)
				require.True(t, ok)
				assert.Equal(t, filepath.Join(dir, "rules.json"), file.Path())
			},
		},
		{
			name: "relative file dsn",
			dsn:  "file://.engagesync/accounts.json",
			check: func(t *testing.T, backend Backend) {
				file, ok := backend.(*JSONFileBackend)
				require.True(t, ok)
				assert.Equal(t, ".engagesync/accounts.json", file.Path())
			},
		},
		{
			name: "postgres",
			dsn:  "postgres://localhost/engagesync?sslmode=disable",
			check: func(t *testing.T, backend Backend) {
				sqlBackend, ok := backend.(*SQLBackend)
				require.True(t, ok)
				assert.Equal(t, "postgres", sqlBackend.Driver())
			},
		},
		{
			name: "sqlite",
			dsn:  "sqlite://" + filepath.Join(dir, "state.db"),
			check: func(t *testing.T, backend Backend) {
				sqlBackend, ok := backend.(*SQLBackend)
				require.True(t, ok)
				assert.Equal(t, "sqlite", sqlBackend.Driver())
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			backend, err := BuildBackendFromDSN(tc.dsn)
			require.NoError(t, err)
			require.NotNil(t, backend)
			tc.check(t, backend)
		})
	}
}

func TestBuildBackendFromDSNErrors(t *testing.T) {
	_, err := BuildBackendFromDSN("")
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = BuildBackendFromDSN("mysql://localhost/engagesync")
	assert.ErrorIs(t, err, ErrNotImplemented)

	_, err = BuildBackendFromDSN("gopher://nowhere")
	assert.Error(t, err)
}

func TestRegisterBackendFactory(t *testing.T) {
	scheme := "durabletestcustom"
	shared := NewInMemoryBackend()
	RegisterBackendFactory(scheme, func(dsn string) (Backend, error) {
		return shared, nil
	})
	backend, err := BuildBackendFromDSN(scheme + "://example")
	require.NoError(t, err)
	assert.Same(t, shared, backend)
}

func TestRegisterBackendFactoryReplacesBuiltin(t *testing.T) {
	builtin, ok := lookupBackendFactory("memory")
	require.True(t, ok)
	t.Cleanup(func() { RegisterBackendFactory("memory", builtin) })

	shared := NewInMemoryBackend()
	RegisterBackendFactory("MEMORY", func(string) (Backend, error) {
		return shared, nil
	})

	first, err := BuildBackendFromDSN("memory://")
	require.NoError(t, err)
	second, err := BuildBackendFromDSN("memory://")
	require.NoError(t, err)
	assert.Same(t, shared, first)
	assert.Same(t, first, second)
}

func TestBuiltinMemoryFactoryReturnsFreshBackends(t *testing.T) {
	first, err := BuildBackendFromDSN("memory://")
	require.NoError(t, err)
	second, err := BuildBackendFromDSN("mem://")
	require.NoError(t, err)
	assert.NotSame(t, first, second)
}
