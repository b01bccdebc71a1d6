// Package content implements component C: a content-addressed blob store
// with staged ingest sessions. Grounded on the teacher's
// internal/image/store.go blob helpers (PutBlob, PutBlobWithDigest,
// HasBlob, blobPath, temp-file-then-rename), generalized from "the store
// writes one blob at a time" into "a session stages into a dedicated
// staging area, then commits or cancels as a unit."
package content

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"

	"vmimage/internal/vmerr"
	"vmimage/pkg/fileutil"
)

const (
	blobsSubdir   = "blobs"
	ingestSubdir  = "ingest"
	defaultPerm   = 0o644
	defaultDirPrm = 0o755
)

// Store is a content-addressed blob store rooted at a directory, laid out
// as "<root>/blobs/<algorithm>/<hex>" per the OCI image-layout convention.
type Store struct {
	root string
}

// NewStore opens (creating if necessary) a content store rooted at root.
func NewStore(root string) (*Store, error) {
	s := &Store{root: root}
	if err := fileutil.EnsureDir(s.blobsDir(digest.SHA256), defaultDirPrm); err != nil {
		return nil, vmerr.Wrap(vmerr.KindInternal, err, "initialize content store")
	}
	if err := fileutil.EnsureDir(filepath.Join(root, ingestSubdir), defaultDirPrm); err != nil {
		return nil, vmerr.Wrap(vmerr.KindInternal, err, "initialize ingest staging area")
	}
	return s, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string { return s.root }

func (s *Store) blobsDir(alg digest.Algorithm) string {
	return filepath.Join(s.root, blobsSubdir, alg.String())
}

// Path returns the on-disk path a blob with digest d would occupy,
// regardless of whether it currently exists.
func (s *Store) Path(d digest.Digest) string {
	return filepath.Join(s.blobsDir(d.Algorithm()), d.Encoded())
}

// Has reports whether a blob with digest d is present.
func (s *Store) Has(d digest.Digest) bool {
	_, err := os.Stat(s.Path(d))
	return err == nil
}

// Size returns the size in bytes of the blob with digest d.
func (s *Store) Size(d digest.Digest) (int64, error) {
	info, err := os.Stat(s.Path(d))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, vmerr.Newf(vmerr.KindNotFound, "blob %s not found", d)
		}
		return 0, vmerr.Wrap(vmerr.KindInternal, err, "stat blob")
	}
	return info.Size(), nil
}

// Open returns a reader for the blob with digest d.
func (s *Store) Open(d digest.Digest) (io.ReadCloser, error) {
	f, err := os.Open(s.Path(d))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, vmerr.Newf(vmerr.KindNotFound, "blob %s not found", d)
		}
		return nil, vmerr.Wrap(vmerr.KindInternal, err, "open blob")
	}
	return f, nil
}

// Delete removes the blob with digest d, if present. Deleting a missing
// blob is not an error.
func (s *Store) Delete(d digest.Digest) error {
	if err := os.Remove(s.Path(d)); err != nil && !os.IsNotExist(err) {
		return vmerr.Wrap(vmerr.KindInternal, err, "delete blob")
	}
	return nil
}

// Walk invokes fn once per blob currently in the store.
func (s *Store) Walk(fn func(d digest.Digest, size int64) error) error {
	dir := s.blobsDir(digest.SHA256)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return vmerr.Wrap(vmerr.KindInternal, err, "list blobs")
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		d := digest.NewDigestFromEncoded(digest.SHA256, e.Name())
		if err := d.Validate(); err != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return vmerr.Wrap(vmerr.KindInternal, err, "stat blob entry")
		}
		if err := fn(d, info.Size()); err != nil {
			return err
		}
	}
	return nil
}

// DeleteKeeping removes every blob not present in keep, returning the
// digests actually deleted. This is the primitive internal/imagestore's
// prune operation builds on.
func (s *Store) DeleteKeeping(keep map[digest.Digest]bool) ([]digest.Digest, error) {
	var removed []digest.Digest
	err := s.Walk(func(d digest.Digest, _ int64) error {
		if keep[d] {
			return nil
		}
		if err := s.Delete(d); err != nil {
			return err
		}
		removed = append(removed, d)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// Put reads r fully, computing its digest, and stores it, deduplicating
// against any blob already present with that digest.
func (s *Store) Put(ctx context.Context, r io.Reader) (digest.Digest, int64, error) {
	w, err := s.NewIngest()
	if err != nil {
		return "", 0, err
	}
	size, err := io.Copy(w, r)
	if err != nil {
		w.Cancel()
		return "", 0, vmerr.Wrap(vmerr.KindInternal, err, "write blob")
	}
	d, err := w.Commit(ctx, "")
	if err != nil {
		return "", 0, err
	}
	return d, size, nil
}

// PutVerified reads r fully and stores it only if its digest matches
// expected (and, when expectedSize > 0, its size matches too).
func (s *Store) PutVerified(ctx context.Context, r io.Reader, expected digest.Digest, expectedSize int64) error {
	if s.Has(expected) {
		_, err := io.Copy(io.Discard, r)
		return err
	}
	w, err := s.NewIngest()
	if err != nil {
		return err
	}
	size, err := io.Copy(w, r)
	if err != nil {
		w.Cancel()
		return vmerr.Wrap(vmerr.KindInternal, err, "write blob")
	}
	if expectedSize > 0 && size != expectedSize {
		w.Cancel()
		return vmerr.Newf(vmerr.KindInvalidArgument, "size mismatch: expected %d, got %d", expectedSize, size)
	}
	_, err = w.Commit(ctx, expected)
	return err
}

// ingestPath returns a fresh staging file path for a new ingest session,
// named by a random session ID so concurrent ingests never collide.
func (s *Store) ingestPath() (string, string) {
	id := uuid.NewString()
	return id, filepath.Join(s.root, ingestSubdir, id)
}
