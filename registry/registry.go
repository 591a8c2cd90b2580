package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/distribution/distribution"
	manifestV2 "github.com/distribution/distribution/manifest/schema2"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"
	"golang.org/x/net/context/ctxhttp"
)

// ErrManifestUnknown is returned when a reference does not resolve.
var ErrManifestUnknown = errors.New("manifest unknown")

var manifestMediaTypes = []string{
	ocispec.MediaTypeImageManifest,
	ocispec.MediaTypeImageIndex,
	manifestV2.MediaTypeManifest,
}

type DockerRegistry struct {
	URL    string
	Client *http.Client
	Logger *zap.SugaredLogger
}

func NewRegistry(url string, logger *zap.SugaredLogger) Registry {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &DockerRegistry{
		URL: strings.TrimSuffix(url, "/"),
		Client: &http.Client{
			Transport: http.DefaultTransport,
		},
		Logger: logger,
	}
}

// Ping checks that the endpoint speaks the v2 API. An unauthorized answer
// still proves it does.
func (r *DockerRegistry) Ping(ctx context.Context) error {
	resp, err := ctxhttp.Get(ctx, r.Client, r.url("/v2/"))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusUnauthorized {
		return fmt.Errorf("ping failed with status code: %d", resp.StatusCode)
	}
	return nil
}

func (r *DockerRegistry) url(suffix string) string {
	return fmt.Sprintf("%s%s", r.URL, suffix)
}

func (r *DockerRegistry) urlf(format string, a ...interface{}) string {
	return fmt.Sprintf(r.url(format), a...)
}

// ManifestDescriptor resolves ref in repo with a HEAD request and describes
// the manifest it points at.
func (r *DockerRegistry) ManifestDescriptor(ctx context.Context, repo string, ref string) (distribution.Descriptor, error) {
	url := r.urlf("/v2/%s/manifests/%s", repo, ref)
	r.Logger.Debugf("registry: resolving manifest %s", url)
	req, err := http.NewRequest(http.MethodHead, url, nil)
	if err != nil {
		return distribution.Descriptor{}, err
	}
	req.Header.Set("Accept", strings.Join(manifestMediaTypes, ", "))

	resp, err := ctxhttp.Do(ctx, r.Client, req)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		return distribution.Descriptor{}, err
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return distribution.Descriptor{}, fmt.Errorf("%w: %s:%s", ErrManifestUnknown, repo, ref)
	default:
		return distribution.Descriptor{}, fmt.Errorf("failed to resolve manifest %s:%s, status code: %d", repo, ref, resp.StatusCode)
	}

	dgst, err := digest.Parse(resp.Header.Get("Docker-Content-Digest"))
	if err != nil {
		return distribution.Descriptor{}, fmt.Errorf("manifest %s:%s: invalid Docker-Content-Digest header: %w", repo, ref, err)
	}
	return distribution.Descriptor{
		MediaType: resp.Header.Get("Content-Type"),
		Size:      resp.ContentLength,
		Digest:    dgst,
	}, nil
}

// Resolver resolves fully qualified references such as
// ghcr.io/acme/app:latest against the registry they name.
type Resolver struct {
	Client *http.Client
	Logger *zap.SugaredLogger
	// Insecure forces plain HTTP; loopback registries always use it.
	Insecure bool
}

// Target is a parsed reference bound to the registry that serves it.
type Target struct {
	Registry   Registry
	Host       string
	Repository string
	Identifier string
}

// Target parses reference and returns a client for its registry.
func (r *Resolver) Target(reference string) (*Target, error) {
	var opts []name.Option
	if r.Insecure {
		opts = append(opts, name.Insecure)
	}
	ref, err := name.ParseReference(reference, opts...)
	if err != nil {
		return nil, fmt.Errorf("invalid reference %q: %w", reference, err)
	}
	repo := ref.Context()
	url := repo.Scheme() + "://" + repo.RegistryStr()

	reg := NewRegistry(url, r.Logger)
	if r.Client != nil {
		reg = &DockerRegistry{URL: url, Client: r.Client, Logger: r.logger()}
	}
	return &Target{
		Registry:   reg,
		Host:       repo.RegistryStr(),
		Repository: repo.RepositoryStr(),
		Identifier: ref.Identifier(),
	}, nil
}

// Resolve returns the descriptor of the manifest reference points at.
func (r *Resolver) Resolve(ctx context.Context, reference string) (distribution.Descriptor, error) {
	t, err := r.Target(reference)
	if err != nil {
		return distribution.Descriptor{}, err
	}
	return t.Registry.ManifestDescriptor(ctx, t.Repository, t.Identifier)
}

func (r *Resolver) logger() *zap.SugaredLogger {
	if r.Logger == nil {
		return zap.NewNop().Sugar()
	}
	return r.Logger
}
