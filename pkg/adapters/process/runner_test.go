package process_test

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/aretw0/conductor/pkg/adapters/process"
	"github.com/aretw0/conductor/pkg/domain"
	"github.com/aretw0/conductor/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func skipOnWindows(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sh")
	}
}

func TestRunner_Execute(t *testing.T) {
	skipOnWindows(t)
	ctx := context.Background()

	r := process.NewRunner()
	r.Register("text", "sh", "-c", "echo hello")
	r.Register("env", "sh", "-c", "echo $CONDUCTOR_ARG_MSG")
	r.Register("stdin", "cat")
	r.Register("result", "sh", "-c", `echo '{"output": 7, "state_delta": {"budget": {"total": 5000}}}'`)
	r.Register("crash", "sh", "-c", "echo boom >&2; exit 3")

	t.Run("Plain text output", func(t *testing.T) {
		res, err := r.Execute(ctx, "text", nil)
		require.NoError(t, err)
		assert.Equal(t, "hello", res.Output)
	})

	t.Run("Passes Arguments via Env Vars", func(t *testing.T) {
		res, err := r.Execute(ctx, "env", map[string]any{"msg": "SecretMessage"})
		require.NoError(t, err)
		assert.Equal(t, "SecretMessage", res.Output)
	})

	t.Run("Passes Arguments via Stdin as JSON", func(t *testing.T) {
		res, err := r.Execute(ctx, "stdin", map[string]any{"a": "b"})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"a": "b"}, res.Output)
	})

	t.Run("Maps result envelopes", func(t *testing.T) {
		res, err := r.Execute(ctx, "result", nil)
		require.NoError(t, err)
		assert.Equal(t, float64(7), res.Output)
		assert.Equal(t, map[string]any{"budget": map[string]any{"total": float64(5000)}}, res.StateDelta)
	})

	t.Run("Fails on non-zero exit", func(t *testing.T) {
		_, err := r.Execute(ctx, "crash", nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "boom")
	})

	t.Run("Fails For Unregistered Command", func(t *testing.T) {
		_, err := r.Execute(ctx, "hacker_script", nil)
		assert.ErrorContains(t, err, "not registered")
	})
}

func TestRunner_ResolvesThroughRegistry(t *testing.T) {
	skipOnWindows(t)

	runner := process.NewRunner(process.WithRegistry([]process.ProcessConfig{
		{Name: "greet", Command: "sh", Args: []string{"-c", "echo hi $CONDUCTOR_ARG_WHO"}},
	}))
	reg := registry.NewDefault()
	reg.RegisterResolver(domain.ImplProcess, runner.Resolve)

	res, err := reg.Execute(context.Background(), "process:greet", map[string]any{"who": "Ana"})
	require.NoError(t, err)
	assert.Equal(t, "hi Ana", res.Output)

	_, ok := reg.Lookup("process:unknown")
	assert.False(t, ok)
	assert.Equal(t, []string{"greet"}, runner.Names())
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "processes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
processes:
  - name: quote
    command: ./quote.sh
    args: [--fast]
    env: { MODE: test }
  - command: nameless
`), 0o644))

	procs, err := process.LoadFile(path)
	require.NoError(t, err)
	require.Len(t, procs, 1)
	assert.Equal(t, "quote", procs[0].Name)
	assert.Equal(t, []string{"--fast"}, procs[0].Args)
	assert.Equal(t, "test", procs[0].Environment["MODE"])

	missing, err := process.LoadFile(filepath.Join(dir, "nope.yaml"))
	assert.NoError(t, err)
	assert.Empty(t, missing)
}
