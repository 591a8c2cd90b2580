// Package errdefs defines the error taxonomy of a publish run.
//
// Resolution errors (MissingToolError, EmptyArtifactError,
// DependencyBuildError) abort the whole publish before any registry is
// contacted. Execution errors (PushFailedError, TagFailedError) are scoped to
// a single unit and are reported next to the outcomes of the other units.
package errdefs

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnparsableOutput is wrapped by PushFailedError when the push tool exits
// successfully but its output carries no digest.
var ErrUnparsableOutput = errors.New("unparsable push output")

// MissingToolError reports that a required binary could not be resolved.
type MissingToolError struct {
	Tool        string
	SearchPaths []string
	Err         error
}

func (e *MissingToolError) Error() string {
	msg := fmt.Sprintf("required tool %q is not available", e.Tool)
	if len(e.SearchPaths) > 0 {
		msg += fmt.Sprintf(" (searched %s)", strings.Join(e.SearchPaths, ", "))
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MissingToolError) Unwrap() error { return e.Err }

// EmptyArtifactError reports an artifact declared without any layer.
type EmptyArtifactError struct {
	Artifact string
}

func (e *EmptyArtifactError) Error() string {
	if e.Artifact == "" {
		return "artifact must have at least one layer"
	}
	return fmt.Sprintf("artifact %s must have at least one layer", e.Artifact)
}

// DependencyBuildError reports a dependency that failed to build.
type DependencyBuildError struct {
	Ref    string
	Output []byte
	Err    error
}

func (e *DependencyBuildError) Error() string {
	return withOutput(fmt.Sprintf("failed to build dependency %s: %v", e.Ref, e.Err), e.Output)
}

func (e *DependencyBuildError) Unwrap() error { return e.Err }

// PushFailedError reports a failed push to one registry target.
type PushFailedError struct {
	URL    string
	Output []byte
	Err    error
}

func (e *PushFailedError) Error() string {
	return withOutput(fmt.Sprintf("failed to push %s: %v", e.URL, e.Err), e.Output)
}

func (e *PushFailedError) Unwrap() error { return e.Err }

// TagFailedError reports a failed tag operation; Name is "<url>:<tag>".
type TagFailedError struct {
	Name   string
	Output []byte
	Err    error
}

func (e *TagFailedError) Error() string {
	return withOutput(fmt.Sprintf("failed to tag %s: %v", e.Name, e.Err), e.Output)
}

func (e *TagFailedError) Unwrap() error { return e.Err }

// IsResolution reports whether err aborts a publish before execution.
func IsResolution(err error) bool {
	var (
		missing *MissingToolError
		empty   *EmptyArtifactError
		dep     *DependencyBuildError
	)
	return errors.As(err, &missing) || errors.As(err, &empty) || errors.As(err, &dep)
}

func withOutput(msg string, output []byte) string {
	if len(output) == 0 {
		return msg
	}
	return msg + "\n" + string(output)
}
