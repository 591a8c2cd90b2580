// Package vcs queries git for the metadata used to tag published artifacts.
package vcs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/luojun96/ipush/errdefs"
	"github.com/luojun96/ipush/process"
)

// DefaultSearchPaths is where git is looked up unless configured otherwise.
var DefaultSearchPaths = []string{"/usr/bin", "/bin"}

// Request selects which queries Resolve issues.
type Request struct {
	CommitHash bool
	Tags       bool
}

func (r Request) key() string {
	return fmt.Sprintf("hash=%t,tags=%t", r.CommitHash, r.Tags)
}

// Info is the version-control state of the repository.
type Info struct {
	// CommitHash is empty when it was not requested.
	CommitHash string
	GitTags    []string
}

// Tags returns the VCS tags followed by the commit hash, if any.
func (i Info) Tags() []string {
	tags := make([]string, 0, len(i.GitTags)+1)
	tags = append(tags, i.GitTags...)
	if i.CommitHash != "" {
		tags = append(tags, i.CommitHash)
	}
	return tags
}

// Locator finds binaries in a fixed list of directories.
type Locator struct {
	SearchPaths []string
}

// Find returns the first executable named name in the search paths.
func (l Locator) Find(name string) (string, error) {
	for _, dir := range l.SearchPaths {
		p := filepath.Join(dir, name)
		info, err := os.Stat(p)
		if err != nil || info.IsDir() || info.Mode()&0o111 == 0 {
			continue
		}
		return p, nil
	}
	return "", &errdefs.MissingToolError{Tool: name, SearchPaths: l.SearchPaths}
}

// Resolver answers version queries for one repository. Results are memoized
// for the lifetime of the Resolver only.
type Resolver struct {
	runner   process.Runner
	locator  Locator
	repoRoot string
	logger   *zap.SugaredLogger
	cache    *gocache.Cache
}

// NewResolver creates a resolver for the repository at repoRoot.
func NewResolver(runner process.Runner, locator Locator, repoRoot string, logger *zap.SugaredLogger) *Resolver {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Resolver{
		runner:   runner,
		locator:  locator,
		repoRoot: repoRoot,
		logger:   logger,
		cache:    gocache.New(gocache.NoExpiration, 0),
	}
}

// Resolve runs the git queries selected by req. No process runs when req
// selects nothing.
func (r *Resolver) Resolve(ctx context.Context, req Request) (Info, error) {
	if !req.CommitHash && !req.Tags {
		return Info{}, nil
	}
	if cached, ok := r.cache.Get(req.key()); ok {
		return cached.(Info), nil
	}

	git, err := r.locator.Find("git")
	if err != nil {
		return Info{}, err
	}

	var info Info
	if req.CommitHash {
		out, err := r.git(ctx, git, "Get current git commit hash.", "log", "-n1", "--format=%H")
		if err != nil {
			return Info{}, err
		}
		info.CommitHash = strings.TrimRight(out, "\n")
	}
	if req.Tags {
		out, err := r.git(ctx, git, "Get git tags for current commit.", "tag", "-l")
		if err != nil {
			return Info{}, err
		}
		info.GitTags = splitLines(out)
	}

	r.logger.Debugw("resolved version info", "commit", info.CommitHash, "tags", info.GitTags)
	r.cache.Set(req.key(), info, gocache.NoExpiration)
	return info, nil
}

func (r *Resolver) git(ctx context.Context, git, description string, args ...string) (string, error) {
	argv := append([]string{git, "-C", r.repoRoot}, args...)
	res, err := r.runner.Run(ctx, process.Process{
		Argv:        argv,
		Description: description,
		WorkingDir:  r.repoRoot,
	})
	if err != nil {
		return "", fmt.Errorf("failed to run git %s: %w\n%s", strings.Join(args, " "), err, res.CombinedOutput())
	}
	return string(res.Stdout), nil
}

func splitLines(out string) []string {
	tags := []string{}
	for _, line := range strings.Split(out, "\n") {
		if t := strings.TrimSpace(line); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}
