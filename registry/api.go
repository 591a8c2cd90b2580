package registry

import (
	"context"

	"github.com/distribution/distribution"
)

// Registry is the read-only part of the distribution API used to check what a
// publish left behind.
type Registry interface {
	Ping(ctx context.Context) error
	ManifestDescriptor(ctx context.Context, repo string, ref string) (distribution.Descriptor, error)
}
