package publish

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"

	"github.com/luojun96/ipush/process"
	"github.com/luojun96/ipush/process/processtest"
	"github.com/luojun96/ipush/store"
	"github.com/luojun96/ipush/tool"
	"github.com/luojun96/ipush/vcs"
)

var manifestDigest = digest.FromString("manifest")

func newStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "store"))
	require.NoError(t, err)
	return s
}

func newBinary(t *testing.T, s *store.Store) *tool.Binary {
	t.Helper()
	dgst, err := s.PutExecutable(tool.Name, strings.NewReader("#!/bin/sh\n"))
	require.NoError(t, err)
	return &tool.Binary{Exe: tool.Exe, Digest: dgst}
}

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		p := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
}

func isPush(p process.Process) bool { return len(p.Argv) > 1 && p.Argv[1] == "push" }

func isTag(p process.Process) bool { return len(p.Argv) > 1 && p.Argv[1] == "tag" }

// orasRunner answers pushes with oras 1.1.0 style output and succeeds every
// tag. fail, when set, decides which invocations exit with an error.
func orasRunner(fail func(p process.Process) bool) *processtest.FakeRunner {
	return &processtest.FakeRunner{Handler: func(ctx context.Context, p process.Process) (*process.Result, error) {
		if fail != nil && fail(p) {
			return processtest.Fail(p, 1, "Error: unauthorized")
		}
		if isPush(p) {
			return processtest.Stdout("Uploaded  1 file\nPushed [registry] artifact\nDigest: " + manifestDigest.String() + "\n"), nil
		}
		return &process.Result{}, nil
	}}
}

type fakeTools struct {
	bin *tool.Binary
	err error
}

func (f *fakeTools) Fetch(ctx context.Context, t tool.Tool) (*tool.Binary, error) {
	return f.bin, f.err
}

type fakeVersions struct {
	info  vcs.Info
	calls atomic.Int32
}

func (f *fakeVersions) Resolve(ctx context.Context, req vcs.Request) (vcs.Info, error) {
	f.calls.Add(1)
	var info vcs.Info
	if req.CommitHash {
		info.CommitHash = f.info.CommitHash
	}
	if req.Tags {
		info.GitTags = f.info.GitTags
	}
	return info, nil
}
