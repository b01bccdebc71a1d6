package content

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"

	"vmimage/internal/vmerr"
)

// Ingest is a single write-session into the store: bytes are staged in
// "<root>/ingest/<session-id>" and only promoted into the content-addressed
// layout on Commit, so a failed or abandoned write never leaves a
// partial blob visible under its digest.
type Ingest struct {
	store     *Store
	sessionID string
	path      string
	file      *os.File
	digester  digest.Digester
	size      int64
	done      bool
}

// NewIngest opens a new staged write session.
func (s *Store) NewIngest() (*Ingest, error) {
	id, path := s.ingestPath()
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, defaultPerm)
	if err != nil {
		return nil, vmerr.Wrap(vmerr.KindInternal, err, "open ingest staging file")
	}
	return &Ingest{
		store:     s,
		sessionID: id,
		path:      path,
		file:      f,
		digester:  digest.SHA256.Digester(),
	}, nil
}

// SessionID identifies this ingest session, for logging/diagnostics.
func (w *Ingest) SessionID() string { return w.sessionID }

// Write implements io.Writer, staging bytes and accumulating the digest.
func (w *Ingest) Write(p []byte) (int, error) {
	if w.done {
		return 0, vmerr.New(vmerr.KindInvalidState, "write to completed ingest session")
	}
	n, err := w.file.Write(p)
	if n > 0 {
		w.digester.Hash().Write(p[:n])
		w.size += int64(n)
	}
	if err != nil {
		return n, vmerr.Wrap(vmerr.KindInternal, err, "write to ingest staging file")
	}
	return n, nil
}

// Size reports the number of bytes written so far.
func (w *Ingest) Size() int64 { return w.size }

// Digest returns the running digest of bytes written so far.
func (w *Ingest) Digest() digest.Digest { return w.digester.Digest() }

// Commit closes the staging file and atomically promotes it into the
// store under its computed digest. If expected is non-empty, the
// computed digest must match it exactly or the session is cancelled and
// an error returned. Deduplicates against an existing blob with the same
// digest rather than erroring.
func (w *Ingest) Commit(ctx context.Context, expected digest.Digest) (digest.Digest, error) {
	if w.done {
		return "", vmerr.New(vmerr.KindInvalidState, "commit of already-completed ingest session")
	}
	if err := ctx.Err(); err != nil {
		w.Cancel()
		return "", vmerr.Wrap(vmerr.KindCancelled, err, "ingest commit")
	}

	if err := w.file.Close(); err != nil {
		w.removeStaged()
		w.done = true
		return "", vmerr.Wrap(vmerr.KindInternal, err, "close ingest staging file")
	}

	actual := w.digester.Digest()
	if expected != "" && actual != expected {
		w.removeStaged()
		w.done = true
		return "", vmerr.Newf(vmerr.KindInvalidArgument, "digest mismatch: expected %s, got %s", expected, actual)
	}

	w.done = true
	dest := w.store.Path(actual)

	if w.store.Has(actual) {
		// Another session (or a previous run) already committed this
		// digest; the content is identical by definition, so just drop
		// the staged copy.
		w.removeStaged()
		return actual, nil
	}

	if err := os.MkdirAll(filepath.Dir(dest), defaultDirPrm); err != nil {
		w.removeStaged()
		return "", vmerr.Wrap(vmerr.KindInternal, err, "create blob directory")
	}
	if err := os.Rename(w.path, dest); err != nil {
		if os.IsExist(err) || w.store.Has(actual) {
			w.removeStaged()
			return actual, nil
		}
		w.removeStaged()
		return "", vmerr.Wrap(vmerr.KindInternal, err, "promote ingest staging file")
	}
	return actual, nil
}

// Cancel discards the session and removes its staged bytes. Calling
// Cancel after Commit is a no-op.
func (w *Ingest) Cancel() error {
	if w.done {
		return nil
	}
	w.done = true
	w.file.Close()
	return w.removeStaged()
}

func (w *Ingest) removeStaged() error {
	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		return vmerr.Wrap(vmerr.KindInternal, err, "remove ingest staging file")
	}
	return nil
}

var _ io.Writer = (*Ingest)(nil)
