// Package process runs external tools against content materialized from the
// store.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	"go.uber.org/zap"

	"github.com/luojun96/ipush/store"
)

// Process describes one external invocation.
type Process struct {
	Argv        []string
	InputDigest digest.Digest
	Description string
	Env         map[string]string

	// WorkingDir runs the process in an existing directory instead of a
	// fresh sandbox holding InputDigest.
	WorkingDir string
	// OutputFiles are captured into the store after a successful run.
	OutputFiles []string
	// Interactive streams output to the runner's terminal writers while it
	// is still captured.
	Interactive bool
}

// Result is the captured outcome of a process.
type Result struct {
	Stdout       []byte
	Stderr       []byte
	ExitCode     int
	OutputDigest digest.Digest
}

// CombinedOutput returns stdout followed by stderr.
func (r *Result) CombinedOutput() []byte {
	if r == nil {
		return nil
	}
	out := make([]byte, 0, len(r.Stdout)+len(r.Stderr))
	out = append(out, r.Stdout...)
	return append(out, r.Stderr...)
}

// ExitError is returned when a process ran but did not succeed.
type ExitError struct {
	Description string
	Result      *Result
	Err         error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s: exit code %d: %v", e.Description, e.Result.ExitCode, e.Err)
}

func (e *ExitError) Unwrap() error { return e.Err }

// Runner executes processes.
type Runner interface {
	Run(ctx context.Context, p Process) (*Result, error)
}

// LocalRunner runs processes on the local machine. Each process without a
// WorkingDir gets its own sandbox directory holding its input digest.
type LocalRunner struct {
	Store  *store.Store
	Logger *zap.SugaredLogger
	// SandboxRoot holds per-process sandboxes; defaults to the system temp dir.
	SandboxRoot string
	// KeepSandboxes leaves sandboxes on disk for debugging.
	KeepSandboxes bool

	mu     sync.Mutex
	stdout io.Writer
	stderr io.Writer
}

var _ Runner = (*LocalRunner)(nil)

// NewLocalRunner creates a runner streaming interactive output to stdout and
// stderr.
func NewLocalRunner(s *store.Store, logger *zap.SugaredLogger, stdout, stderr io.Writer) *LocalRunner {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &LocalRunner{Store: s, Logger: logger, stdout: stdout, stderr: stderr}
}

// Run executes p and waits for it. Cancelling ctx kills the process.
func (r *LocalRunner) Run(ctx context.Context, p Process) (*Result, error) {
	if len(p.Argv) == 0 {
		return nil, errors.New("process: empty argv")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dir := p.WorkingDir
	if dir == "" {
		sandbox, err := r.sandbox(p)
		if err != nil {
			return nil, fmt.Errorf("failed to prepare sandbox for %q: %w", p.Description, err)
		}
		if !r.KeepSandboxes {
			defer os.RemoveAll(sandbox)
		}
		dir = sandbox
	}

	argv0 := p.Argv[0]
	if strings.HasPrefix(argv0, "./") {
		argv0 = filepath.Join(dir, argv0)
	}

	//nolint:gosec // G204: argv is built from configuration and the artifact spec
	cmd := exec.CommandContext(ctx, argv0, p.Argv[1:]...)
	cmd.Dir = dir
	cmd.Env = flattenEnv(p.Env)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if p.Interactive {
		cmd.Stdout = io.MultiWriter(&stdout, r.terminal(r.stdout))
		cmd.Stderr = io.MultiWriter(&stderr, r.terminal(r.stderr))
	}

	r.Logger.Debugw("running process", "description", p.Description, "argv", p.Argv, "dir", dir)
	runErr := cmd.Run()

	result := &Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}
	if runErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			runErr = fmt.Errorf("%w: %v", ctxErr, runErr)
		}
		r.Logger.Debugw("process failed", "description", p.Description, "exitCode", result.ExitCode, "error", runErr)
		return result, &ExitError{Description: p.Description, Result: result, Err: runErr}
	}

	if len(p.OutputFiles) > 0 {
		dgst, err := r.Store.Snapshot(dir, p.OutputFiles)
		if err != nil {
			return result, fmt.Errorf("failed to capture outputs of %q: %w", p.Description, err)
		}
		result.OutputDigest = dgst
	}
	return result, nil
}

func (r *LocalRunner) sandbox(p Process) (string, error) {
	root := r.SandboxRoot
	if root == "" {
		root = os.TempDir()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", err
	}
	dir, err := os.MkdirTemp(root, "ipush-"+uuid.NewString()[:8]+"-")
	if err != nil {
		return "", err
	}
	if p.InputDigest != "" {
		if r.Store == nil {
			return "", errors.New("input digest given but runner has no store")
		}
		if err := r.Store.Materialize(p.InputDigest, dir); err != nil {
			_ = os.RemoveAll(dir)
			return "", err
		}
	}
	return dir, nil
}

// terminal serializes writes from concurrent interactive processes.
func (r *LocalRunner) terminal(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return &lockedWriter{mu: &r.mu, w: w}
}

type lockedWriter struct {
	mu *sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func flattenEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
