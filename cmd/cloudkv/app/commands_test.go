package app

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/cloudkv/internal/kv"
	"github.com/stacklok/cloudkv/internal/kv/file"
	"github.com/stacklok/cloudkv/internal/status"
)

// run executes the root command. Commands share viper state, so tests in
// this file do not run in parallel.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()

	cmd := NewRootCmd()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)

	err := cmd.Execute()
	return stdout.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestStoreCommands_FileBackend(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, `
storeName: prefs
statusDir: `+filepath.Join(dir, "status")+`
storage:
  file:
    path: `+filepath.Join(dir, "values.json")+`
sync:
  pollInterval: 10ms
  timeout: 50ms
`)

	_, err := run(t, "--config", cfgPath, "set", "theme", "dark")
	require.NoError(t, err)
	_, err = run(t, "--config", cfgPath, "set", "volume", "11", "--type", "int")
	require.NoError(t, err)
	_, err = run(t, "--config", cfgPath, "set", "tags", "b, a,b", "--type", "set")
	require.NoError(t, err)

	out, err := run(t, "--config", cfgPath, "get", "theme")
	require.NoError(t, err)
	assert.Equal(t, "\"dark\"\n", out)

	out, err = run(t, "--config", cfgPath, "get", "tags")
	require.NoError(t, err)
	assert.JSONEq(t, `["a","b"]`, out)

	_, err = run(t, "--config", cfgPath, "rm", "theme")
	require.NoError(t, err)
	_, err = run(t, "--config", cfgPath, "get", "theme")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")

	_, err = run(t, "--config", cfgPath, "set", "__cloudkv.initialCloudSyncCompleted", "true")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reserved prefix")

	out, err = run(t, "--config", cfgPath, "sync")
	require.NoError(t, err)
	var st status.SyncStatus
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, status.SyncPhaseTimedOut, st.Phase)
	assert.Equal(t, 1, st.AttemptCount)

	// Status survives between invocations
	out, err = run(t, "--config", cfgPath, "sync")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, 2, st.AttemptCount)
}

func TestSyncCommand_PersistsCompletionFromAnotherDevice(t *testing.T) {
	dir := t.TempDir()
	docPath := filepath.Join(dir, "values.json")
	cfgPath := writeConfig(t, `
storage:
  file:
    path: `+docPath+`
    watchInterval: 10ms
sync:
  pollInterval: 10ms
  timeout: 5s
`)

	ctx := context.Background()
	done := make(chan struct{})
	timer := time.AfterFunc(100*time.Millisecond, func() {
		defer close(done)
		other, err := file.Open(docPath, file.WithWatchInterval(0))
		if !assert.NoError(t, err) {
			return
		}
		assert.NoError(t, other.Set(ctx, "theme", "dark"))
		assert.True(t, other.Synchronize(ctx))
		assert.NoError(t, other.Close())
	})
	defer timer.Stop()

	out, err := run(t, "--config", cfgPath, "sync")
	require.NoError(t, err)
	<-done

	var st status.SyncStatus
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, status.SyncPhaseComplete, st.Phase)

	reader, err := file.Open(docPath, file.WithWatchInterval(0))
	require.NoError(t, err)
	defer func() { _ = reader.Close() }()
	flag, ok, err := reader.Get(ctx, "__cloudkv.initialCloudSyncCompleted")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, true, flag)

	// The next invocation does not wait
	out, err = run(t, "--config", cfgPath, "sync")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, status.SyncPhaseAlreadyComplete, st.Phase)
}

func TestNotifyCommand_RequiresPostgres(t *testing.T) {
	_, err := run(t, "notify", "initial-sync")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "notify requires postgres storage")

	_, err = run(t, "notify", "sometime")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown change reason")
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, "version", "--format", "json")
	require.NoError(t, err)

	var info map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.NotEmpty(t, info["version"])
	assert.NotEmpty(t, info["go_version"])
}

func TestParseValue(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		typ      string
		raw      string
		expected any
		wantErr  bool
	}{
		{name: "inferred int", raw: "42", expected: int64(42)},
		{name: "inferred float", raw: "1.5", expected: 1.5},
		{name: "inferred bool", raw: "true", expected: true},
		{name: "inferred object", raw: `{"a":[1]}`, expected: map[string]any{"a": []any{int64(1)}}},
		{name: "inferred plain string", raw: "dark mode", expected: "dark mode"},
		{name: "trailing garbage is a string", raw: "1 2", expected: "1 2"},
		{name: "explicit string keeps digits", typ: "string", raw: "42", expected: "42"},
		{name: "explicit double", typ: "double", raw: "3", expected: 3.0},
		{name: "explicit data", typ: "data", raw: "AAE=", expected: []byte{0x00, 0x01}},
		{name: "explicit set", typ: "set", raw: "c,a,,c", expected: []string{"a", "c"}},
		{name: "bad json", typ: "json", raw: "{", wantErr: true},
		{name: "bad int", typ: "int", raw: "1.5", wantErr: true},
		{name: "bad data", typ: "data", raw: "!!", wantErr: true},
		{name: "unknown type", typ: "date", raw: "x", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := parseValue(tt.typ, tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestParseReason(t *testing.T) {
	t.Parallel()

	reason, err := parseReason("initial-sync")
	require.NoError(t, err)
	assert.Equal(t, kv.ReasonInitialSyncChange, reason)

	reason, err = parseReason("3")
	require.NoError(t, err)
	assert.Equal(t, kv.ReasonAccountChange, reason)

	_, err = parseReason("later")
	require.Error(t, err)
}
