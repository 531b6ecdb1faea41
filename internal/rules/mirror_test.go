package rules

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/engagesync/internal/durable"
)

func TestMirrorPersistsAcrossRestarts(t *testing.T) {
	backend, err := durable.NewSQLiteBackend(filepath.Join(t.TempDir(), "rules.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })
	clock := func() time.Time { return testNow }

	first := NewMirror(backend, clock)
	require.NoError(t, first.Put(AutomationRule{ID: "r1", Name: "one", Type: TypeAutoUpvote}))
	require.NoError(t, first.Put(AutomationRule{ID: "r2", Name: "two", Type: TypeAutoFollow}))
	require.NoError(t, first.SetRunning(true))

	second := NewMirror(backend, clock)
	rules, err := second.Rules()
	require.NoError(t, err)
	require.Len(t, rules, 2)
	running, err := second.Running()
	require.NoError(t, err)
	assert.True(t, running)

	updated, err := second.SetEnabled("r2", true)
	require.NoError(t, err)
	assert.True(t, updated.Enabled)
	require.NotNil(t, updated.UpdatedAt)
	assert.Equal(t, testNow, *updated.UpdatedAt)

	require.NoError(t, second.Delete("r1"))
	assert.ErrorIs(t, second.Delete("r1"), ErrRuleNotFound)
	rules, err = first.Rules()
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "r2", rules[0].ID)
}
