package process

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/luojun96/ipush/store"
)

func newRunner(t *testing.T, stdout io.Writer) (*LocalRunner, *store.Store) {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "store"))
	require.NoError(t, err)
	r := NewLocalRunner(s, zaptest.NewLogger(t).Sugar(), stdout, stdout)
	r.SandboxRoot = t.TempDir()
	return r, s
}

func TestLocalRunnerMaterializesInput(t *testing.T) {
	r, s := newRunner(t, nil)
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "out.bin"), []byte("payload"), 0o644))
	input, err := s.Snapshot(src, []string{"out.bin"})
	require.NoError(t, err)

	res, err := r.Run(context.Background(), Process{
		Argv:        []string{"/bin/sh", "-c", "cat out.bin; echo; echo \"home=$HOME\""},
		InputDigest: input,
		Description: "read input",
		Env:         map[string]string{"HOME": "/home/test"},
	})
	require.NoError(t, err)
	require.Equal(t, "payload\nhome=/home/test\n", string(res.Stdout))
	require.Zero(t, res.ExitCode)
}

func TestLocalRunnerExitError(t *testing.T) {
	r, _ := newRunner(t, nil)

	res, err := r.Run(context.Background(), Process{
		Argv:        []string{"/bin/sh", "-c", "echo partial; echo denied >&2; exit 3"},
		Description: "fail",
	})
	require.Error(t, err)

	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	require.Equal(t, 3, exitErr.Result.ExitCode)
	require.Equal(t, "partial\ndenied\n", string(res.CombinedOutput()))
}

func TestLocalRunnerInteractiveStreams(t *testing.T) {
	var terminal bytes.Buffer
	r, _ := newRunner(t, &terminal)

	res, err := r.Run(context.Background(), Process{
		Argv:        []string{"/bin/sh", "-c", "echo tagged"},
		Description: "interactive",
		Interactive: true,
	})
	require.NoError(t, err)
	require.Equal(t, "tagged\n", string(res.Stdout))
	require.Equal(t, "tagged\n", terminal.String())
}

func TestLocalRunnerCapturesOutputs(t *testing.T) {
	r, s := newRunner(t, nil)
	work := t.TempDir()

	res, err := r.Run(context.Background(), Process{
		Argv:        []string{"/bin/sh", "-c", "mkdir -p dist && echo built > dist/lib.a"},
		Description: "build",
		WorkingDir:  work,
		OutputFiles: []string{"dist"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.OutputDigest)

	tree, err := s.Tree(res.OutputDigest)
	require.NoError(t, err)
	require.Len(t, tree.Entries, 1)
	require.Equal(t, "dist/lib.a", tree.Entries[0].Path)
}

func TestLocalRunnerCancelled(t *testing.T) {
	r, _ := newRunner(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Run(ctx, Process{Argv: []string{"/bin/sh", "-c", "true"}, Description: "never"})
	require.ErrorIs(t, err, context.Canceled)
}

func TestFlattenEnvIsSorted(t *testing.T) {
	env := flattenEnv(map[string]string{"B": "2", "A": "1"})
	require.Equal(t, "A=1,B=2", strings.Join(env, ","))
}
