package imagestore

import (
	"context"

	specs "github.com/opencontainers/image-spec/specs-go/v1"

	"vmimage/internal/imageref"
	"vmimage/internal/ocilayout"
	"vmimage/internal/progress"
	"vmimage/internal/vmerr"
)

// ImportOptions configures Import.
type ImportOptions struct {
	// Tag is the source layout's tag to import; required, since a layout
	// directory may hold several tagged images.
	Tag string
	// As names the reference to record locally; defaults to Tag if empty.
	As       string
	Platform *imageref.Platform
	Progress *progress.Reporter
}

// Import reads a tagged manifest tree out of an OCI-layout directory at
// root and pulls it into the store the same way Pull does against a
// registry, since internal/ocilayout.Layout satisfies Backend — the
// walk, platform filtering, and single-manifest synthesis logic is
// shared rather than duplicated.
func (s *Store) Import(ctx context.Context, root string, opts ImportOptions) (specs.Descriptor, error) {
	if opts.Tag == "" {
		return specs.Descriptor{}, vmerr.New(vmerr.KindInvalidArgument, "import requires a source tag")
	}
	as := opts.As
	if as == "" {
		as = opts.Tag
	}
	ref, err := imageref.ParseNormalized(as)
	if err != nil {
		return specs.Descriptor{}, err
	}

	layout, err := ocilayout.Open(root)
	if err != nil {
		return specs.Descriptor{}, err
	}

	sess, err := s.blobs.NewIngestSession()
	if err != nil {
		return specs.Descriptor{}, err
	}

	rootData, rootDesc, err := layout.Fetch(ctx, "", opts.Tag)
	if err != nil {
		sess.Cancel()
		return specs.Descriptor{}, vmerr.Wrap(vmerr.KindInternal, err, "resolve import source")
	}

	w := &walker{store: s, backend: layout, repo: "", platform: opts.Platform, progress: opts.Progress, session: sess}
	final, err := w.pullRoot(ctx, rootDesc, rootData)
	if err != nil {
		sess.Cancel()
		return specs.Descriptor{}, err
	}

	if err := s.lock.WithLock(ctx, func(context.Context) error {
		if err := sess.Commit(); err != nil {
			return err
		}
		idx, err := s.loadIndexUnlocked()
		if err != nil {
			return err
		}
		idx[referenceKey(ref)] = final
		return s.saveIndexUnlocked(idx)
	}); err != nil {
		sess.Cancel()
		return specs.Descriptor{}, err
	}

	s.logger.Infof("imported %s from %s -> %s", as, root, final.Digest)
	return final, nil
}
