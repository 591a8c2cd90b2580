// Package store is a local content-addressable store for the inputs of
// external processes.
//
// Blobs are keyed by their sha256 digest. A Tree is a sorted list of file
// entries; its digest is the digest of its canonical JSON encoding, so a set
// of files and the merge of several sets are both addressed by one digest.
package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/opencontainers/go-digest"
)

var (
	ErrNotFound = errors.New("store: not found")
	ErrConflict = errors.New("store: conflicting content for path")
	ErrNoMatch  = errors.New("store: pattern matched no files")
)

// Entry is one file of a tree.
type Entry struct {
	Path       string        `json:"path"`
	Digest     digest.Digest `json:"digest"`
	Size       int64         `json:"size"`
	Executable bool          `json:"executable,omitempty"`
}

// Tree is a set of files addressed by path.
type Tree struct {
	Entries []Entry `json:"entries"`
}

// Store is a filesystem-backed content store rooted at a directory.
type Store struct {
	root string
}

// New constructs a store rooted at root, creating the directory if needed.
func New(root string) (*Store, error) {
	if root == "" {
		return nil, errors.New("store: root directory is required")
	}
	for _, dir := range []string{"blobs", "refs", "tmp"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, err
		}
	}
	return &Store{root: root}, nil
}

// Root returns the directory backing the store.
func (s *Store) Root() string {
	return s.root
}

// Put copies r into the store and returns its digest and size.
func (s *Store) Put(r io.Reader) (digest.Digest, int64, error) {
	tmp, err := os.CreateTemp(filepath.Join(s.root, "tmp"), "blob-")
	if err != nil {
		return "", 0, err
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	digester := digest.Canonical.Digester()
	size, err := io.Copy(io.MultiWriter(tmp, digester.Hash()), r)
	if err != nil {
		return "", 0, err
	}
	if err := tmp.Close(); err != nil {
		return "", 0, err
	}

	dgst := digester.Digest()
	dst := s.blobPath(dgst)
	if _, err := os.Stat(dst); err == nil {
		return dgst, size, nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", 0, err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", 0, err
	}
	return dgst, size, nil
}

// PutBytes stores b.
func (s *Store) PutBytes(b []byte) (digest.Digest, error) {
	dgst, _, err := s.Put(bytes.NewReader(b))
	return dgst, err
}

// Open returns a reader over the blob dgst.
func (s *Store) Open(dgst digest.Digest) (io.ReadCloser, error) {
	if err := dgst.Validate(); err != nil {
		return nil, fmt.Errorf("store: invalid digest %q: %w", dgst, err)
	}
	f, err := os.Open(s.blobPath(dgst))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, dgst)
		}
		return nil, err
	}
	return f, nil
}

// Has reports whether the blob dgst is present.
func (s *Store) Has(dgst digest.Digest) bool {
	if dgst.Validate() != nil {
		return false
	}
	_, err := os.Stat(s.blobPath(dgst))
	return err == nil
}

// PutTree stores t in canonical form and returns its digest.
func (s *Store) PutTree(t Tree) (digest.Digest, error) {
	entries, err := normalize(t.Entries)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(Tree{Entries: entries})
	if err != nil {
		return "", err
	}
	return s.PutBytes(data)
}

// Tree loads the tree stored under dgst.
func (s *Store) Tree(dgst digest.Digest) (Tree, error) {
	rc, err := s.Open(dgst)
	if err != nil {
		return Tree{}, err
	}
	defer rc.Close()

	var t Tree
	if err := json.NewDecoder(rc).Decode(&t); err != nil {
		return Tree{}, fmt.Errorf("store: %s is not a tree: %w", dgst, err)
	}
	return t, nil
}

// Merge returns the digest of the union of the given trees. A path present in
// several trees must carry the same content.
func (s *Store) Merge(dgsts ...digest.Digest) (digest.Digest, error) {
	var entries []Entry
	for _, dgst := range dgsts {
		if dgst == "" {
			continue
		}
		t, err := s.Tree(dgst)
		if err != nil {
			return "", err
		}
		entries = append(entries, t.Entries...)
	}
	return s.PutTree(Tree{Entries: entries})
}

// PutExecutable stores r as an executable file named name and returns the
// digest of the single-entry tree holding it.
func (s *Store) PutExecutable(name string, r io.Reader) (digest.Digest, error) {
	dgst, size, err := s.Put(r)
	if err != nil {
		return "", err
	}
	return s.PutTree(Tree{Entries: []Entry{{Path: name, Digest: dgst, Size: size, Executable: true}}})
}

// Snapshot stores the files selected by patterns, relative to root, and
// returns the digest of the resulting tree. A pattern is a file, a directory
// (walked recursively) or a glob; every pattern must select at least one file.
func (s *Store) Snapshot(root string, patterns []string) (digest.Digest, error) {
	var entries []Entry
	for _, pattern := range patterns {
		matches, err := expand(root, pattern)
		if err != nil {
			return "", err
		}
		for _, match := range matches {
			entry, err := s.putFile(root, match)
			if err != nil {
				return "", err
			}
			entries = append(entries, entry)
		}
	}
	return s.PutTree(Tree{Entries: entries})
}

// Materialize writes the files of tree dgst under dir.
func (s *Store) Materialize(dgst digest.Digest, dir string) error {
	t, err := s.Tree(dgst)
	if err != nil {
		return err
	}
	for _, e := range t.Entries {
		if err := s.writeEntry(e, dir); err != nil {
			return fmt.Errorf("failed to materialize %s: %w", e.Path, err)
		}
	}
	return nil
}

// SetRef records dgst under name.
func (s *Store) SetRef(name string, dgst digest.Digest) error {
	p, err := s.refPath(name)
	if err != nil {
		return err
	}
	return os.WriteFile(p, []byte(dgst.String()), 0o644)
}

// Ref returns the digest recorded under name, if its content is present.
func (s *Store) Ref(name string) (digest.Digest, error) {
	p, err := s.refPath(name)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: ref %s", ErrNotFound, name)
		}
		return "", err
	}
	dgst, err := digest.Parse(strings.TrimSpace(string(data)))
	if err != nil {
		return "", err
	}
	if !s.Has(dgst) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, dgst)
	}
	return dgst, nil
}

func (s *Store) blobPath(dgst digest.Digest) string {
	return filepath.Join(s.root, "blobs", dgst.Algorithm().String(), dgst.Encoded())
}

func (s *Store) refPath(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", fmt.Errorf("store: invalid ref name %q", name)
	}
	return filepath.Join(s.root, "refs", name), nil
}

func (s *Store) putFile(root, rel string) (Entry, error) {
	f, err := os.Open(filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil {
		return Entry{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Entry{}, err
	}
	dgst, size, err := s.Put(f)
	if err != nil {
		return Entry{}, err
	}
	return Entry{Path: rel, Digest: dgst, Size: size, Executable: info.Mode()&0o111 != 0}, nil
}

func (s *Store) writeEntry(e Entry, dir string) error {
	rc, err := s.Open(e.Digest)
	if err != nil {
		return err
	}
	defer rc.Close()

	dst := filepath.Join(dir, filepath.FromSlash(e.Path))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	mode := os.FileMode(0o644)
	if e.Executable {
		mode = 0o755
	}
	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer f.Close()

	verifier := e.Digest.Verifier()
	if _, err := io.Copy(io.MultiWriter(f, verifier), rc); err != nil {
		return err
	}
	if !verifier.Verified() {
		return fmt.Errorf("store: content of %s does not match %s", e.Path, e.Digest)
	}
	return f.Close()
}

// expand resolves pattern below root into slash-separated relative file paths.
func expand(root, pattern string) ([]string, error) {
	clean := path.Clean(filepath.ToSlash(pattern))
	if path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return nil, fmt.Errorf("store: path %q escapes %s", pattern, root)
	}

	var candidates []string
	if strings.ContainsAny(clean, "*?[") {
		matches, err := filepath.Glob(filepath.Join(root, filepath.FromSlash(clean)))
		if err != nil {
			return nil, fmt.Errorf("store: invalid pattern %q: %w", pattern, err)
		}
		candidates = matches
	} else {
		full := filepath.Join(root, filepath.FromSlash(clean))
		if _, err := os.Stat(full); err != nil {
			return nil, fmt.Errorf("store: %s: %w", pattern, err)
		}
		candidates = []string{full}
	}

	var files []string
	for _, candidate := range candidates {
		found, err := walkFiles(root, candidate)
		if err != nil {
			return nil, err
		}
		files = append(files, found...)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoMatch, pattern)
	}
	return files, nil
}

// walkFiles lists the regular files at or below candidate as paths relative
// to root. A symlink is followed when it is candidate itself or points at a
// file; symlinked directories below candidate are not descended into.
func walkFiles(root, candidate string) ([]string, error) {
	base, err := filepath.Rel(root, candidate)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(candidate)
	if err != nil {
		return nil, fmt.Errorf("store: %s: %w", filepath.ToSlash(base), err)
	}
	if info.Mode().IsRegular() {
		return []string{filepath.ToSlash(base)}, nil
	}
	if !info.IsDir() {
		return nil, nil
	}
	dir, err := filepath.EvalSymlinks(candidate)
	if err != nil {
		return nil, err
	}

	var files []string
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			return nil
		case d.Type()&fs.ModeSymlink != 0:
			target, err := os.Stat(p)
			if err != nil || !target.Mode().IsRegular() {
				return nil
			}
		case !d.Type().IsRegular():
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(filepath.Join(base, rel)))
		return nil
	})
	return files, err
}

// Select returns the entries of tree dgst that pattern selects, with the
// same rules Snapshot applies to a workspace: an exact file, every file below
// a directory, or a glob over paths. No match is not an error.
func (s *Store) Select(dgst digest.Digest, pattern string) ([]Entry, error) {
	t, err := s.Tree(dgst)
	if err != nil {
		return nil, err
	}
	clean := path.Clean(filepath.ToSlash(pattern))
	glob := strings.ContainsAny(clean, "*?[")
	if glob {
		if _, err := path.Match(clean, ""); err != nil {
			return nil, fmt.Errorf("store: invalid pattern %q: %w", pattern, err)
		}
	}

	var selected []Entry
	for _, e := range t.Entries {
		for p := e.Path; p != "." && p != "/"; p = path.Dir(p) {
			matched := p == clean
			if glob {
				matched, _ = path.Match(clean, p)
			}
			if matched {
				selected = append(selected, e)
				break
			}
		}
	}
	return selected, nil
}

// normalize sorts entries by path and drops exact duplicates. Two entries
// may not share a path with different content, and no path may be both a
// file and the parent directory of another file.
func normalize(entries []Entry) ([]Entry, error) {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	out := make([]Entry, 0, len(sorted))
	files := make(map[string]bool, len(sorted))
	for _, e := range sorted {
		if n := len(out); n > 0 && out[n-1].Path == e.Path {
			if out[n-1] != e {
				return nil, fmt.Errorf("%w: %s", ErrConflict, e.Path)
			}
			continue
		}
		out = append(out, e)
		files[e.Path] = true
	}
	for _, e := range out {
		for dir := path.Dir(e.Path); dir != "." && dir != "/"; dir = path.Dir(dir) {
			if files[dir] {
				return nil, fmt.Errorf("%w: %s is both a file and a directory", ErrConflict, dir)
			}
		}
	}
	return out, nil
}
