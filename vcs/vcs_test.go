package vcs

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luojun96/ipush/errdefs"
	"github.com/luojun96/ipush/process"
	"github.com/luojun96/ipush/process/processtest"
)

// fakeGitDir returns a search path holding an executable named git.
func fakeGitDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "git"), []byte("#!/bin/sh\n"), 0o755))
	return dir
}

func gitRunner(hash, tags string) *processtest.FakeRunner {
	return &processtest.FakeRunner{Handler: func(ctx context.Context, p process.Process) (*process.Result, error) {
		switch p.Argv[3] {
		case "log":
			return processtest.Stdout(hash), nil
		case "tag":
			return processtest.Stdout(tags), nil
		}
		return processtest.Fail(p, 1, "unexpected git command")
	}}
}

func TestResolveNothingRequestedRunsNoProcess(t *testing.T) {
	runner := gitRunner("", "")
	r := NewResolver(runner, Locator{SearchPaths: []string{t.TempDir()}}, "/repo", nil)

	info, err := r.Resolve(context.Background(), Request{})
	require.NoError(t, err)
	require.Empty(t, info.Tags())
	require.Empty(t, runner.Calls())
}

func TestResolveMissingGit(t *testing.T) {
	runner := gitRunner("", "")
	r := NewResolver(runner, Locator{SearchPaths: []string{t.TempDir()}}, "/repo", nil)

	_, err := r.Resolve(context.Background(), Request{CommitHash: true})
	var missing *errdefs.MissingToolError
	require.ErrorAs(t, err, &missing)
	require.Equal(t, "git", missing.Tool)
	require.Empty(t, runner.Calls())
}

func TestResolveHashAndTags(t *testing.T) {
	dir := fakeGitDir(t)
	runner := gitRunner("abc123\n", "v2\n  v1 \n\nv10\n")
	r := NewResolver(runner, Locator{SearchPaths: []string{"/nonexistent", dir}}, "/repo", nil)

	info, err := r.Resolve(context.Background(), Request{CommitHash: true, Tags: true})
	require.NoError(t, err)
	require.Equal(t, "abc123", info.CommitHash)
	require.Equal(t, []string{"v2", "v1", "v10"}, info.GitTags)
	require.Equal(t, []string{"v2", "v1", "v10", "abc123"}, info.Tags())

	calls := runner.Calls()
	require.Len(t, calls, 2)
	git := filepath.Join(dir, "git")
	require.Equal(t, []string{git, "-C", "/repo", "log", "-n1", "--format=%H"}, calls[0].Argv)
	require.Equal(t, []string{git, "-C", "/repo", "tag", "-l"}, calls[1].Argv)
}

func TestResolveOnlyTagsKeepsTags(t *testing.T) {
	runner := gitRunner("abc123\n", "v1\nv2\n")
	r := NewResolver(runner, Locator{SearchPaths: []string{fakeGitDir(t)}}, "/repo", nil)

	info, err := r.Resolve(context.Background(), Request{Tags: true})
	require.NoError(t, err)
	require.Equal(t, []string{"v1", "v2"}, info.Tags())
	require.Len(t, runner.Calls(), 1)
}

func TestResolveIsMemoizedPerResolver(t *testing.T) {
	runner := gitRunner("abc123\n", "")
	locator := Locator{SearchPaths: []string{fakeGitDir(t)}}
	r := NewResolver(runner, locator, "/repo", nil)

	for i := 0; i < 3; i++ {
		_, err := r.Resolve(context.Background(), Request{CommitHash: true})
		require.NoError(t, err)
	}
	require.Len(t, runner.Calls(), 1)

	fresh := NewResolver(runner, locator, "/repo", nil)
	_, err := fresh.Resolve(context.Background(), Request{CommitHash: true})
	require.NoError(t, err)
	require.Len(t, runner.Calls(), 2)
}

func TestResolveGitFailureCarriesOutput(t *testing.T) {
	runner := &processtest.FakeRunner{Handler: func(ctx context.Context, p process.Process) (*process.Result, error) {
		return processtest.Fail(p, 128, "fatal: not a git repository")
	}}
	r := NewResolver(runner, Locator{SearchPaths: []string{fakeGitDir(t)}}, "/repo", nil)

	_, err := r.Resolve(context.Background(), Request{CommitHash: true})
	require.ErrorContains(t, err, "fatal: not a git repository")
}
