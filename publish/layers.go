package publish

import (
	"context"
	"errors"
	"fmt"

	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"

	"github.com/luojun96/ipush/artifact"
	"github.com/luojun96/ipush/build"
	"github.com/luojun96/ipush/errdefs"
	"github.com/luojun96/ipush/store"
)

// LayerSet is the resolved content of an artifact's layers.
type LayerSet struct {
	// Layers keeps declaration order.
	Layers []artifact.Layer
	Digest digest.Digest
}

// Args returns one "path:mediaType" token per layer, in declaration order.
func (l *LayerSet) Args() []string {
	args := make([]string, 0, len(l.Layers))
	for _, layer := range l.Layers {
		args = append(args, layer.Path+":"+layer.MediaType)
	}
	return args
}

// LayerResolver resolves layer paths against freshly built dependency
// outputs first and the workspace root second.
type LayerResolver struct {
	Store *store.Store
	Root  string
}

// Resolve computes one digest covering exactly the declared layer paths.
// A path that selects anything in the built tree is taken from there, so a
// stale copy left in the workspace never shadows a rebuilt output. Media
// types are carried along but never inspected.
func (r *LayerResolver) Resolve(layers []artifact.Layer, built digest.Digest) (*LayerSet, error) {
	if len(layers) == 0 {
		return nil, &errdefs.EmptyArtifactError{}
	}
	var fromBuild []store.Entry
	var fromRoot []string
	for _, l := range layers {
		if built != "" {
			entries, err := r.Store.Select(built, l.Path)
			if err != nil {
				return nil, fmt.Errorf("failed to resolve layers: %w", err)
			}
			if len(entries) > 0 {
				fromBuild = append(fromBuild, entries...)
				continue
			}
		}
		fromRoot = append(fromRoot, l.Path)
	}

	var parts []digest.Digest
	if len(fromBuild) > 0 {
		dgst, err := r.Store.PutTree(store.Tree{Entries: fromBuild})
		if err != nil {
			return nil, fmt.Errorf("failed to resolve layers: %w", err)
		}
		parts = append(parts, dgst)
	}
	if len(fromRoot) > 0 {
		dgst, err := r.Store.Snapshot(r.Root, fromRoot)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve layers: %w", err)
		}
		parts = append(parts, dgst)
	}
	dgst, err := r.Store.Merge(parts...)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve layers: %w", err)
	}
	return &LayerSet{
		Layers: append([]artifact.Layer(nil), layers...),
		Digest: dgst,
	}, nil
}

// DependencyResolver builds an artifact's dependencies and merges their
// outputs into the push input.
type DependencyResolver struct {
	Packager build.Packager
	Store    *store.Store
}

// Build packages every ref and returns the digest of their merged outputs,
// or an empty digest when there are no refs. The first failing dependency
// aborts the others.
func (r *DependencyResolver) Build(ctx context.Context, refs []string) (digest.Digest, error) {
	if len(refs) == 0 {
		return "", nil
	}
	if r.Packager == nil {
		return "", &errdefs.DependencyBuildError{Ref: refs[0], Err: errors.New("no packager configured")}
	}

	built := make([]digest.Digest, len(refs))
	g, gctx := errgroup.WithContext(ctx)
	for i, ref := range refs {
		i, ref := i, ref
		g.Go(func() error {
			pkg, err := r.Packager.Package(gctx, ref)
			if err != nil {
				depErr := &errdefs.DependencyBuildError{Ref: ref, Err: err}
				var pkgErr *build.PackageError
				if errors.As(err, &pkgErr) {
					depErr.Output = pkgErr.Output
				}
				return depErr
			}
			built[i] = pkg.Digest
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	merged, err := r.Store.Merge(built...)
	if err != nil {
		return "", fmt.Errorf("failed to merge dependency outputs: %w", err)
	}
	return merged, nil
}

// Merge returns the digest of the push input: layers, tool and every built
// dependency output.
func (r *DependencyResolver) Merge(layers, tool, built digest.Digest) (digest.Digest, error) {
	merged, err := r.Store.Merge(layers, tool, built)
	if err != nil {
		return "", fmt.Errorf("failed to merge publish inputs: %w", err)
	}
	return merged, nil
}
