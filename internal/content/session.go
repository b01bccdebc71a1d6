package content

import (
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"

	"vmimage/internal/vmerr"
)

// IngestSession is an isolated staging directory under which a whole batch
// of blobs (everything one pull or import fetches) is written, verified,
// and then promoted or discarded as a unit — spec.md §4.C's
// newIngestSession/completeIngestSession/cancelIngestSession contract.
// Unlike Ingest (a single file's own stage-then-promote lifecycle), a
// session's staging directory can hold many files; Commit scans it once
// and promotes every 64-hex-named file it finds.
type IngestSession struct {
	store *Store
	id    string
	dir   string
	done  bool
}

// NewIngestSession creates a fresh, empty staging directory and returns
// the session owning it. The caller may write arbitrary files into
// Dir(), so long as each is renamed to its content digest's hex name
// before Commit runs.
func (s *Store) NewIngestSession() (*IngestSession, error) {
	id := uuid.NewString()
	dir := filepath.Join(s.root, ingestSubdir, id)
	if err := os.MkdirAll(dir, defaultDirPrm); err != nil {
		return nil, vmerr.Wrap(vmerr.KindInternal, err, "create ingest session directory")
	}
	return &IngestSession{store: s, id: id, dir: dir}, nil
}

// ID identifies this session, for logging/diagnostics.
func (sess *IngestSession) ID() string { return sess.id }

// Dir is the session's staging directory. Only this session's owner may
// write into it (spec.md §5's "content-store directory" isolation
// invariant).
func (sess *IngestSession) Dir() string { return sess.dir }

// OpenStaged opens a blob already finalized under this session (renamed
// to d's hex name but not yet promoted to the permanent store), for
// readers that need to inspect content staged earlier in the same
// session — e.g. recomputing a layer's diffID mid-pull, before the
// session commits.
func (sess *IngestSession) OpenStaged(d digest.Digest) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(sess.dir, d.Encoded()))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, vmerr.Newf(vmerr.KindNotFound, "staged blob %s not found", d)
		}
		return nil, vmerr.Wrap(vmerr.KindInternal, err, "open staged blob")
	}
	return f, nil
}

// StageWriter opens a new file inside the session's staging directory,
// digesting bytes as they are written so the caller can later Finalize
// it under its content address without a second read pass.
func (sess *IngestSession) StageWriter() (*StagingWriter, error) {
	if sess.done {
		return nil, vmerr.New(vmerr.KindInvalidState, "stage into a completed ingest session")
	}
	f, err := os.CreateTemp(sess.dir, "staging-*")
	if err != nil {
		return nil, vmerr.Wrap(vmerr.KindInternal, err, "open session staging file")
	}
	return &StagingWriter{session: sess, file: f, digester: digest.SHA256.Digester()}, nil
}

// Commit atomically promotes every file in the staging directory whose
// name is a 64-character hex string into "blobs/<alg>/<hex>", per
// spec.md §4.C. A file that already exists under its digest in the
// permanent store is simply removed from staging — the content is
// already present. Any other filesystem error fails with KindInternal
// and leaves the session open so the caller can retry or Cancel; once
// every staged blob is promoted the staging directory itself is removed
// and the session is marked done.
func (sess *IngestSession) Commit() error {
	if sess.done {
		return vmerr.New(vmerr.KindInvalidState, "commit of already-completed ingest session")
	}

	entries, err := os.ReadDir(sess.dir)
	if err != nil {
		return vmerr.Wrap(vmerr.KindInternal, err, "read ingest session directory")
	}

	for _, e := range entries {
		if e.IsDir() || !isHexDigestName(e.Name()) {
			continue
		}
		d := digest.NewDigestFromEncoded(digest.SHA256, e.Name())
		if err := d.Validate(); err != nil {
			continue
		}

		src := filepath.Join(sess.dir, e.Name())
		if sess.store.Has(d) {
			if err := os.Remove(src); err != nil && !os.IsNotExist(err) {
				return vmerr.Wrap(vmerr.KindInternal, err, "remove already-present staged blob")
			}
			continue
		}

		dest := sess.store.Path(d)
		if err := os.MkdirAll(filepath.Dir(dest), defaultDirPrm); err != nil {
			return vmerr.Wrap(vmerr.KindInternal, err, "create blob directory")
		}
		if err := os.Rename(src, dest); err != nil {
			if os.IsExist(err) || sess.store.Has(d) {
				os.Remove(src)
				continue
			}
			return vmerr.Wrap(vmerr.KindInternal, err, "promote session blob")
		}
	}

	sess.done = true
	if err := os.RemoveAll(sess.dir); err != nil {
		return vmerr.Wrap(vmerr.KindInternal, err, "remove ingest session directory")
	}
	return nil
}

// Cancel removes the staging directory and everything under it,
// discarding any blobs fetched during this session. Calling Cancel after
// Commit is a no-op.
func (sess *IngestSession) Cancel() error {
	if sess.done {
		return nil
	}
	sess.done = true
	if err := os.RemoveAll(sess.dir); err != nil {
		return vmerr.Wrap(vmerr.KindInternal, err, "remove ingest session directory")
	}
	return nil
}

// Ingest is the convenience form spec.md §4.C names: open a session,
// invoke build with its staging directory, commit on success, cancel on
// any error build returns.
func (s *Store) Ingest(build func(dir string) error) error {
	sess, err := s.NewIngestSession()
	if err != nil {
		return err
	}
	if err := build(sess.Dir()); err != nil {
		sess.Cancel()
		return err
	}
	return sess.Commit()
}

// StagingWriter stages one file's bytes under an IngestSession's
// directory, computing its digest as it goes.
type StagingWriter struct {
	session  *IngestSession
	file     *os.File
	digester digest.Digester
	size     int64
	done     bool
}

// Write implements io.Writer.
func (w *StagingWriter) Write(p []byte) (int, error) {
	if w.done {
		return 0, vmerr.New(vmerr.KindInvalidState, "write to finalized staging file")
	}
	n, err := w.file.Write(p)
	if n > 0 {
		w.digester.Hash().Write(p[:n])
		w.size += int64(n)
	}
	if err != nil {
		return n, vmerr.Wrap(vmerr.KindInternal, err, "write to session staging file")
	}
	return n, nil
}

// Size reports the number of bytes written so far.
func (w *StagingWriter) Size() int64 { return w.size }

// Digest returns the running digest of bytes written so far.
func (w *StagingWriter) Digest() digest.Digest { return w.digester.Digest() }

// Finalize closes the staged file and renames it, within the session's
// own directory, to its digest's hex name — the rename completeIngestSession
// later looks for. If expected is non-empty the computed digest must
// match it exactly, or the staged file is removed and an error returned.
func (w *StagingWriter) Finalize(expected digest.Digest) (digest.Digest, error) {
	if w.done {
		return "", vmerr.New(vmerr.KindInvalidState, "finalize of already-finalized staging file")
	}
	w.done = true

	name := w.file.Name()
	if err := w.file.Close(); err != nil {
		os.Remove(name)
		return "", vmerr.Wrap(vmerr.KindInternal, err, "close session staging file")
	}

	actual := w.digester.Digest()
	if expected != "" && actual != expected {
		os.Remove(name)
		return "", vmerr.Newf(vmerr.KindInvalidArgument, "digest mismatch: expected %s, got %s", expected, actual)
	}

	dest := filepath.Join(w.session.dir, actual.Encoded())
	if err := os.Rename(name, dest); err != nil {
		os.Remove(name)
		return "", vmerr.Wrap(vmerr.KindInternal, err, "rename staged file to digest name")
	}
	return actual, nil
}

// Abort discards the staged file without renaming it into digest form.
// Calling Abort after Finalize is a no-op.
func (w *StagingWriter) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	name := w.file.Name()
	w.file.Close()
	if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
		return vmerr.Wrap(vmerr.KindInternal, err, "remove session staging file")
	}
	return nil
}

var _ io.Writer = (*StagingWriter)(nil)

// PutIntoSession stages r's bytes inside sess's directory, verifying them
// against expected (and, when expectedSize > 0, expectedSize), without
// promoting them into the permanent store — that happens only when
// sess.Commit runs. If a blob with digest expected is already present in
// the permanent store, r is drained and discarded instead of staged.
func (s *Store) PutIntoSession(sess *IngestSession, r io.Reader, expected digest.Digest, expectedSize int64) error {
	if expected != "" && s.Has(expected) {
		_, err := io.Copy(io.Discard, r)
		return err
	}

	w, err := sess.StageWriter()
	if err != nil {
		return err
	}
	size, err := io.Copy(w, r)
	if err != nil {
		w.Abort()
		return vmerr.Wrap(vmerr.KindInternal, err, "write blob")
	}
	if expectedSize > 0 && size != expectedSize {
		w.Abort()
		return vmerr.Newf(vmerr.KindInvalidArgument, "size mismatch: expected %d, got %d", expectedSize, size)
	}
	_, err = w.Finalize(expected)
	return err
}

// isHexDigestName reports whether name is exactly 64 lowercase hex
// characters, the shape spec.md §4.C requires of a promotable staged
// file (a sha256 digest's encoded portion).
func isHexDigestName(name string) bool {
	if len(name) != 64 {
		return false
	}
	for _, c := range name {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}
