package publish

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/luojun96/ipush/artifact"
	"github.com/luojun96/ipush/errdefs"
	"github.com/luojun96/ipush/logging"
	"github.com/luojun96/ipush/process"
	"github.com/luojun96/ipush/process/processtest"
	"github.com/luojun96/ipush/vcs"
)

func testPlan(t *testing.T, registries ...string) *Plan {
	t.Helper()
	spec := &artifact.Spec{Name: "cli", Repository: "tools/cli", ArtifactType: artifact.DefaultArtifactType}
	plan, err := testBuilder().Build(spec, testLayers(), digest.FromString("in"), vcs.Info{GitTags: []string{"v1.0.0"}}, registries)
	require.NoError(t, err)
	return plan
}

func newExecutor(t *testing.T, runner process.Runner) *Executor {
	return &Executor{Runner: runner, Concurrency: 2, Logger: zaptest.NewLogger(t).Sugar()}
}

func TestExecuteAllSucceed(t *testing.T) {
	runner := orasRunner(nil)
	report := newExecutor(t, runner).Execute(context.Background(), testPlan(t, "ghcr.io/acme", "quay.io/acme"))

	require.NoError(t, report.Err())
	require.Len(t, report.Outcomes, 4)
	for _, o := range report.Outcomes {
		require.Equal(t, StateTagged, o.State, o.Name)
		require.Equal(t, manifestDigest, o.Digest)
	}
	require.Equal(t, "ghcr.io/acme/tools/cli:latest", report.Outcomes[0].Name)
	require.Equal(t, "quay.io/acme/tools/cli:v1.0.0", report.Outcomes[3].Name)

	var pushes, tags int
	for _, c := range runner.Calls() {
		switch {
		case isPush(c):
			pushes++
		case isTag(c):
			tags++
			require.Contains(t, c.Argv[2], "@"+manifestDigest.String())
		}
	}
	require.Equal(t, 2, pushes)
	require.Equal(t, 4, tags)
}

func TestExecutePushFailureIsIsolated(t *testing.T) {
	runner := orasRunner(func(p process.Process) bool {
		return isPush(p) && strings.Contains(p.Description, "ghcr.io")
	})
	report := newExecutor(t, runner).Execute(context.Background(), testPlan(t, "ghcr.io/acme", "quay.io/acme"))

	require.Len(t, report.Outcomes, 3)
	failed := report.Outcomes[0]
	require.Equal(t, StatePushFailed, failed.State)
	require.Equal(t, "ghcr.io/acme/tools/cli", failed.Name)
	var pushErr *errdefs.PushFailedError
	require.ErrorAs(t, failed.Err, &pushErr)
	require.Contains(t, pushErr.Error(), "unauthorized")

	for _, o := range report.Outcomes[1:] {
		require.Equal(t, StateTagged, o.State)
		require.Equal(t, "quay.io/acme", o.Registry)
	}
	for _, c := range runner.Calls() {
		if isTag(c) {
			require.NotContains(t, c.Argv[2], "ghcr.io", "tagged a registry whose push failed")
		}
	}
	require.Len(t, report.Failed(), 1)
	require.ErrorAs(t, report.Err(), &pushErr)
}

func TestExecuteUnparsablePushOutput(t *testing.T) {
	runner := &processtest.FakeRunner{Handler: func(ctx context.Context, p process.Process) (*process.Result, error) {
		return processtest.Stdout("Pushed [registry] ghcr.io/acme/tools/cli\n"), nil
	}}
	report := newExecutor(t, runner).Execute(context.Background(), testPlan(t, "ghcr.io/acme"))

	require.Len(t, report.Outcomes, 1)
	require.Equal(t, StatePushFailed, report.Outcomes[0].State)
	require.True(t, errors.Is(report.Outcomes[0].Err, errdefs.ErrUnparsableOutput))
	require.Len(t, runner.Calls(), 1)
}

func TestExecuteTagFailureIsIsolated(t *testing.T) {
	runner := orasRunner(func(p process.Process) bool {
		return isTag(p) && strings.HasSuffix(p.Argv[3], ":latest")
	})
	report := newExecutor(t, runner).Execute(context.Background(), testPlan(t, "ghcr.io/acme"))

	require.Len(t, report.Outcomes, 2)
	require.Equal(t, StateTagFailed, report.Outcomes[0].State)
	var tagErr *errdefs.TagFailedError
	require.ErrorAs(t, report.Outcomes[0].Err, &tagErr)
	require.Equal(t, "ghcr.io/acme/tools/cli:latest", tagErr.Name)
	require.Equal(t, StateTagged, report.Outcomes[1].State)
}

func TestExecuteCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	runner := orasRunner(nil)
	report := newExecutor(t, runner).Execute(ctx, testPlan(t, "ghcr.io/acme", "quay.io/acme", "docker.io/acme"))

	require.Len(t, report.Outcomes, 3)
	for _, o := range report.Outcomes {
		require.Equal(t, StatePushFailed, o.State)
		require.True(t, errors.Is(o.Err, context.Canceled))
	}
	require.Empty(t, runner.Calls())
}

func TestExecuteRegistriesRunConcurrently(t *testing.T) {
	quayTagged := make(chan struct{})
	var once sync.Once
	runner := &processtest.FakeRunner{Handler: func(ctx context.Context, p process.Process) (*process.Result, error) {
		target := strings.Join(p.Argv, " ")
		switch {
		case isPush(p) && strings.Contains(target, "ghcr.io/"):
			select {
			case <-quayTagged:
			case <-time.After(10 * time.Second):
				return processtest.Fail(p, 1, "quay.io was never tagged while ghcr.io was pushing")
			}
		case isTag(p) && strings.Contains(target, "quay.io/"):
			once.Do(func() { close(quayTagged) })
		}
		if isPush(p) {
			return processtest.Stdout("Digest: " + manifestDigest.String() + "\n"), nil
		}
		return &process.Result{}, nil
	}}

	report := newExecutor(t, runner).Execute(context.Background(), testPlan(t, "ghcr.io/acme", "quay.io/acme"))
	require.NoError(t, report.Err())
	require.Len(t, report.Outcomes, 4)
	require.Equal(t, "ghcr.io/acme/tools/cli:latest", report.Outcomes[0].Name)
}

func TestExecuteLogsThroughContextLogger(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	ctx := logging.WithLogger(context.Background(), zap.New(core).Sugar())

	e := &Executor{Runner: orasRunner(nil), Concurrency: 1}
	report := e.Execute(ctx, testPlan(t, "ghcr.io/acme"))
	require.NoError(t, report.Err())
	require.Equal(t, 1, logs.FilterMessage("tagged ghcr.io/acme/tools/cli:latest").Len())
	require.Equal(t, 1, logs.FilterMessageSnippet("is published to 1 registries").Len())
}

func TestExecuteNoRegistries(t *testing.T) {
	runner := orasRunner(nil)
	report := newExecutor(t, runner).Execute(context.Background(), testPlan(t))
	require.Empty(t, report.Outcomes)
	require.NoError(t, report.Err())
	require.Empty(t, runner.Calls())
}

func TestStateTransitions(t *testing.T) {
	require.True(t, CanTransition(StatePending, StatePushing))
	require.True(t, CanTransition(StatePushing, StatePushed))
	require.True(t, CanTransition(StatePushed, StateTagging))
	require.True(t, CanTransition(StateTagging, StateTagged))
	require.False(t, CanTransition(StatePending, StateTagging))
	require.False(t, CanTransition(StatePushFailed, StateTagging))
	require.False(t, CanTransition(StateTagged, StateTagging))
	require.True(t, StateTagFailed.Terminal())
	require.Equal(t, "PUSH_FAILED", StatePushFailed.String())

	u := &unit{name: "x", state: StatePushFailed}
	require.Panics(t, func() { u.to(StateTagging) })

	done := &unit{name: "y", state: StatePending}
	done.to(StatePushFailed)
	require.True(t, done.state.Terminal())
	require.PanicsWithValue(t, "publish: unit y already finished as PUSH_FAILED", func() { done.to(StatePushing) })
}
