// Package tool resolves the oras binary used to push and tag artifacts.
package tool

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/containerd/containerd/platforms"
	"github.com/opencontainers/go-digest"
	"go.uber.org/zap"
	"golang.org/x/net/context/ctxhttp"

	"github.com/luojun96/ipush/errdefs"
	"github.com/luojun96/ipush/store"
)

const (
	Name = "oras"
	// Exe is the binary path relative to a process sandbox.
	Exe = "./" + Name

	DefaultVersion     = "1.1.0"
	DefaultURLTemplate = "https://github.com/oras-project/oras/releases/download/v{version}/oras_{version}_{platform}.tar.gz"
)

// DefaultKnownVersions lists the published oras releases ipush can verify.
var DefaultKnownVersions = []string{
	"1.1.0|macos_arm64|d52d3140b0bb9f7d7e31dcbf2a513f971413769c11f7d7a5599e76cc98e45007|3571806",
	"1.1.0|macos_x86_64|f8ac5dea53dd9331cf080f1025f0612e7b07c5af864a4fd609f97d8946508e45|3724034",
	"1.1.0|linux_x86_64|e09e85323b24ccc8209a1506f142e3d481e6e809018537c6b3db979c891e6ad7|3733462",
}

// KnownVersion pins one release asset.
type KnownVersion struct {
	Version  string
	Platform string
	Digest   digest.Digest
	Size     int64
}

// ParseKnownVersion parses "version|platform|sha256|size".
func ParseKnownVersion(s string) (KnownVersion, error) {
	parts := strings.Split(strings.TrimSpace(s), "|")
	if len(parts) != 4 {
		return KnownVersion{}, fmt.Errorf("invalid known version %q: want version|platform|sha256|size", s)
	}
	dgst := digest.NewDigestFromEncoded(digest.SHA256, strings.TrimSpace(parts[2]))
	if err := dgst.Validate(); err != nil {
		return KnownVersion{}, fmt.Errorf("invalid known version %q: %w", s, err)
	}
	size, err := strconv.ParseInt(strings.TrimSpace(parts[3]), 10, 64)
	if err != nil || size <= 0 {
		return KnownVersion{}, fmt.Errorf("invalid known version %q: bad size", s)
	}
	return KnownVersion{
		Version:  strings.TrimSpace(parts[0]),
		Platform: strings.TrimSpace(parts[1]),
		Digest:   dgst,
		Size:     size,
	}, nil
}

// HostPlatform names the running platform the way known versions do, e.g.
// "linux_x86_64" or "macos_arm64".
func HostPlatform() string {
	p := platforms.DefaultSpec()
	osName := p.OS
	if osName == "darwin" {
		osName = "macos"
	}
	arch := p.Architecture
	if arch == "amd64" {
		arch = "x86_64"
	}
	return osName + "_" + arch
}

// AssetPlatform maps a platform name to the one used in oras release asset
// names, e.g. "macos_x86_64" to "darwin_amd64".
func AssetPlatform(platform string) string {
	return strings.NewReplacer("macos", "darwin", "x86_64", "amd64").Replace(platform)
}

// Tool selects the oras release to use.
type Tool struct {
	Version       string
	KnownVersions []string
	URLTemplate   string
	// Path, when set, is a local oras binary used instead of a download.
	Path string
}

// URL returns the download location of the release asset for platform.
func (t Tool) URL(platform string) string {
	tmpl := t.URLTemplate
	if tmpl == "" {
		tmpl = DefaultURLTemplate
	}
	return strings.NewReplacer("{version}", t.Version, "{platform}", AssetPlatform(platform)).Replace(tmpl)
}

// Lookup returns the pinned release for platform.
func (t Tool) Lookup(platform string) (KnownVersion, error) {
	for _, s := range t.KnownVersions {
		kv, err := ParseKnownVersion(s)
		if err != nil {
			return KnownVersion{}, err
		}
		if kv.Version == t.Version && kv.Platform == platform {
			return kv, nil
		}
	}
	return KnownVersion{}, fmt.Errorf("no known version %s for platform %s", t.Version, platform)
}

// Binary is a resolved oras binary: Exe is its path inside a sandbox holding
// Digest.
type Binary struct {
	Exe    string
	Digest digest.Digest
}

// Fetcher downloads, verifies and caches oras releases in the store.
type Fetcher struct {
	Client   *http.Client
	Store    *store.Store
	Logger   *zap.SugaredLogger
	Platform string
}

// NewFetcher creates a fetcher for the host platform.
func NewFetcher(s *store.Store, logger *zap.SugaredLogger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Fetcher{
		Client:   &http.Client{Transport: http.DefaultTransport},
		Store:    s,
		Logger:   logger,
		Platform: HostPlatform(),
	}
}

// Fetch resolves t to a binary in the store. Every failure is reported as a
// MissingToolError.
func (f *Fetcher) Fetch(ctx context.Context, t Tool) (*Binary, error) {
	bin, err := f.fetch(ctx, t)
	if err != nil {
		return nil, &errdefs.MissingToolError{Tool: Name, Err: err}
	}
	return bin, nil
}

func (f *Fetcher) fetch(ctx context.Context, t Tool) (*Binary, error) {
	if t.Path != "" {
		file, err := os.Open(t.Path)
		if err != nil {
			return nil, err
		}
		defer file.Close()
		dgst, err := f.Store.PutExecutable(Name, file)
		if err != nil {
			return nil, err
		}
		return &Binary{Exe: Exe, Digest: dgst}, nil
	}

	kv, err := t.Lookup(f.Platform)
	if err != nil {
		return nil, err
	}
	ref := fmt.Sprintf("%s-%s-%s-%s", Name, kv.Version, kv.Platform, kv.Digest.Encoded()[:12])
	if dgst, err := f.Store.Ref(ref); err == nil {
		f.Logger.Debugw("using cached tool", "ref", ref, "digest", dgst)
		return &Binary{Exe: Exe, Digest: dgst}, nil
	}

	url := t.URL(kv.Platform)
	f.Logger.Infof("downloading %s %s from %s", Name, kv.Version, url)
	archive, err := f.download(ctx, url, kv)
	if err != nil {
		return nil, err
	}
	exe, err := extract(archive, Name)
	if err != nil {
		return nil, fmt.Errorf("failed to extract %s from %s: %w", Name, url, err)
	}
	dgst, err := f.Store.PutExecutable(Name, bytes.NewReader(exe))
	if err != nil {
		return nil, err
	}
	if err := f.Store.SetRef(ref, dgst); err != nil {
		return nil, err
	}
	return &Binary{Exe: Exe, Digest: dgst}, nil
}

func (f *Fetcher) download(ctx context.Context, url string, kv KnownVersion) ([]byte, error) {
	resp, err := ctxhttp.Get(ctx, f.Client, url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download %s, status code: %d", url, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, kv.Size+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) != kv.Size {
		return nil, fmt.Errorf("downloaded %s has size %d, expected %d", url, len(data), kv.Size)
	}
	verifier := kv.Digest.Verifier()
	if _, err := verifier.Write(data); err != nil {
		return nil, err
	}
	if !verifier.Verified() {
		return nil, fmt.Errorf("downloaded %s does not match %s", url, kv.Digest)
	}
	return data, nil
}

// extract returns the regular file called name from a gzipped tarball.
func extract(archive []byte, name string) ([]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(archive))
	if err != nil {
		return nil, err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%s not found in archive", name)
		}
		if err != nil {
			return nil, err
		}
		if hdr.Typeflag == tar.TypeReg && path.Base(hdr.Name) == name {
			return io.ReadAll(tr)
		}
	}
}
