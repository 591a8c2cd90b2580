// Package build is the packaging interface to the host build system: it
// turns a dependency reference into built content in the store.
package build

import (
	"context"
	"fmt"

	"github.com/opencontainers/go-digest"
	"go.uber.org/zap"

	"github.com/luojun96/ipush/process"
	"github.com/luojun96/ipush/store"
)

// BuiltPackage is the output of packaging one dependency.
type BuiltPackage struct {
	Ref    string
	Digest digest.Digest
	// Output is what the build printed, kept for error reports.
	Output []byte
}

// Packager builds dependencies.
type Packager interface {
	Package(ctx context.Context, ref string) (*BuiltPackage, error)
}

// Target describes how to build one reference. A target without a command
// packages prebuilt outputs.
type Target struct {
	Command []string          `mapstructure:"command"`
	Outputs []string          `mapstructure:"outputs"`
	Env     map[string]string `mapstructure:"env"`
}

// PackageError carries the output of a failed build.
type PackageError struct {
	Ref    string
	Output []byte
	Err    error
}

func (e *PackageError) Error() string {
	return fmt.Sprintf("package %s: %v", e.Ref, e.Err)
}

func (e *PackageError) Unwrap() error { return e.Err }

// CommandPackager builds targets by running their command in the repository
// root and capturing the declared outputs.
type CommandPackager struct {
	Runner   process.Runner
	Store    *store.Store
	RepoRoot string
	Targets  map[string]Target
	Logger   *zap.SugaredLogger
}

var _ Packager = (*CommandPackager)(nil)

// Package builds ref.
func (p *CommandPackager) Package(ctx context.Context, ref string) (*BuiltPackage, error) {
	target, ok := p.Targets[ref]
	if !ok {
		return nil, &PackageError{Ref: ref, Err: fmt.Errorf("unknown target")}
	}
	if len(target.Outputs) == 0 {
		return nil, &PackageError{Ref: ref, Err: fmt.Errorf("target declares no outputs")}
	}
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	if len(target.Command) == 0 {
		dgst, err := p.Store.Snapshot(p.RepoRoot, target.Outputs)
		if err != nil {
			return nil, &PackageError{Ref: ref, Err: err}
		}
		logger.Debugw("packaged prebuilt target", "ref", ref, "digest", dgst)
		return &BuiltPackage{Ref: ref, Digest: dgst}, nil
	}

	res, err := p.Runner.Run(ctx, process.Process{
		Argv:        target.Command,
		Description: fmt.Sprintf("Build %s", ref),
		Env:         target.Env,
		WorkingDir:  p.RepoRoot,
		OutputFiles: target.Outputs,
	})
	if err != nil {
		return nil, &PackageError{Ref: ref, Output: res.CombinedOutput(), Err: err}
	}
	logger.Debugw("built target", "ref", ref, "digest", res.OutputDigest)
	return &BuiltPackage{Ref: ref, Digest: res.OutputDigest, Output: res.CombinedOutput()}, nil
}
