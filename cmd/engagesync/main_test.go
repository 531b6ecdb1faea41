package main

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/engagesync/internal/accounts"
	"github.com/agentworkforce/engagesync/internal/controlplane"
	"github.com/agentworkforce/engagesync/internal/rules"
)

func TestCommandPresence(t *testing.T) {
	cmd := newRootCommand()
	for _, path := range [][]string{
		{"serve"}, {"connect"}, {"start"}, {"stop"}, {"status"}, {"version"},
		{"accounts", "list"}, {"accounts", "remove"}, {"accounts", "clear"},
		{"rules", "list"}, {"rules", "create"}, {"rules", "toggle"}, {"rules", "delete"},
		{"activate"}, {"poll"},
	} {
		sub, _, err := cmd.Find(path)
		require.NoError(t, err, "command %v should exist", path)
		assert.Equal(t, path[len(path)-1], sub.Name())
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := newRootCommand()
	for _, name := range []string{"config", "token", "username", "password"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(name), name)
	}
	format := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, format)
	assert.Equal(t, "text", format.DefValue)

	poll, _, err := cmd.Find([]string{"poll"})
	require.NoError(t, err)
	assert.NotNil(t, poll.Flags().Lookup("once"))
}

func TestRejectsUnknownFormat(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetArgs([]string{"--format", "yaml", "version"})
	require.ErrorContains(t, cmd.Execute(), "invalid format")
}

func TestJitteredIntervalWithSample(t *testing.T) {
	base := 10 * time.Second
	assert.Equal(t, base, jitteredIntervalWithSample(base, 0, 0.2))
	assert.Equal(t, 8*time.Second, jitteredIntervalWithSample(base, 0.2, 0))
	assert.Equal(t, 10*time.Second, jitteredIntervalWithSample(base, 0.2, 0.5))
	assert.Equal(t, 12*time.Second, jitteredIntervalWithSample(base, 0.2, 1))
	assert.Equal(t, time.Duration(0), jitteredIntervalWithSample(0, 0.2, 1))
}

func TestParseOnOff(t *testing.T) {
	on, err := parseOnOff("ON")
	require.NoError(t, err)
	assert.True(t, on)
	off, err := parseOnOff("off")
	require.NoError(t, err)
	assert.False(t, off)
	_, err = parseOnOff("maybe")
	assert.Error(t, err)
}

func TestDecodeRuleSpec(t *testing.T) {
	spec, err := decodeRuleSpec([]byte(`{"name":"n","type":"auto_upvote","config":{"subreddits":["golang"],"keywords":[],"delay_min":1,"delay_max":2,"daily_limit":3,"conditions":{"min_upvotes":0,"max_age_hours":1}}}`))
	require.NoError(t, err)
	assert.Equal(t, rules.TypeAutoUpvote, spec.Type)
	assert.Equal(t, []string{"golang"}, spec.Config.Subreddits)

	_, err = decodeRuleSpec([]byte(`{"name":"n","typo":true}`))
	assert.Error(t, err)
}

func TestRedactDSN(t *testing.T) {
	assert.Equal(t, "postgres://***@db:5432/engage", redactDSN("postgres://engage:secret@db:5432/engage"))
	assert.Equal(t, "file://.engagesync/accounts.json", redactDSN("file://.engagesync/accounts.json"))
}

func TestResolveCredential(t *testing.T) {
	t.Setenv("ENGAGESYNC_TOKEN", "")
	t.Setenv("ENGAGESYNC_USERNAME", "")
	t.Setenv("ENGAGESYNC_PASSWORD", "")

	_, err := resolveCredential(&rootOptions{})
	assert.ErrorIs(t, err, controlplane.ErrMissingCredential)

	cred, err := resolveCredential(&rootOptions{username: "ops", password: "pw"})
	require.NoError(t, err)
	assert.Equal(t, controlplane.ModeBasic, cred.Mode)

	t.Setenv("ENGAGESYNC_TOKEN", "env-token")
	cred, err = resolveCredential(&rootOptions{username: "ops", password: "pw"})
	require.NoError(t, err)
	assert.Equal(t, controlplane.ModeBearer, cred.Mode)
	assert.Equal(t, "env-token", cred.Token)

	cred, err = resolveCredential(&rootOptions{token: "flag-token"})
	require.NoError(t, err)
	assert.Equal(t, "flag-token", cred.Token)
}

func TestRunPollOnce(t *testing.T) {
	var calls atomic.Int32
	err := runPoll(context.Background(), func(context.Context) error {
		calls.Add(1)
		return nil
	}, pollOptions{Interval: time.Hour, Once: true})
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRunPollOnceReturnsFailure(t *testing.T) {
	boom := errors.New("boom")
	err := runPoll(context.Background(), func(context.Context) error { return boom }, pollOptions{Once: true})
	assert.ErrorIs(t, err, boom)
}

func TestRunPollBacksOffOnTransientFailures(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var calls atomic.Int32
	started := time.Now()
	err := runPoll(ctx, func(context.Context) error {
		if calls.Add(1) <= 2 {
			return &controlplane.GatewayError{Method: http.MethodGet, Path: "reddit-oauth/status", Status: http.StatusServiceUnavailable}
		}
		cancel()
		return nil
	}, pollOptions{Interval: time.Hour, Jitter: 0.2})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	elapsed := time.Since(started)
	assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond)
	assert.Less(t, elapsed, 5*time.Second)
}

func TestRunPollStopsOnRejectedCredential(t *testing.T) {
	var calls atomic.Int32
	err := runPoll(context.Background(), func(context.Context) error {
		calls.Add(1)
		return accounts.ErrCredentialsInvalid
	}, pollOptions{Interval: time.Millisecond})
	assert.ErrorIs(t, err, errReauthenticate)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRunPollStopsWhenContextEnds(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := runPoll(ctx, func(context.Context) error { return nil }, pollOptions{Interval: time.Hour})
	assert.NoError(t, err)
}
