package imagestore

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/opencontainers/go-digest"
	specs "github.com/opencontainers/image-spec/specs-go/v1"

	"vmimage/internal/content"
	"vmimage/internal/imageref"
	"vmimage/internal/progress"
	"vmimage/internal/vmerr"
)

// PullOptions configures Pull.
type PullOptions struct {
	// Platform restricts which manifest(s) of a multi-platform index are
	// fetched; nil pulls every platform.
	Platform *imageref.Platform
	// Progress receives add-items/add-size events as the walk proceeds.
	Progress *progress.Reporter
}

// Pull resolves reference against its registry, walks the resulting
// manifest tree (filtering by platform), fetches every blob not already
// present locally, and records a reference→descriptor mapping.
//
// Implements spec.md §4.F's pull algorithm: resolve, breadth-first walk
// with bounded concurrency, platform-filtered children, single-manifest
// synthesis into an index, commit under the store lock.
func (s *Store) Pull(ctx context.Context, reference string, opts PullOptions) (specs.Descriptor, error) {
	ref, err := imageref.ParseNormalized(reference)
	if err != nil {
		return specs.Descriptor{}, err
	}
	backend, repo := s.backendForReference(ref)

	reqRef := ref.Tag
	if ref.Digest != "" {
		reqRef = ref.Digest.String()
	}

	// spec.md §4.F step 2: open one ingest session and operate entirely
	// under it, so a cancelled or failed pull discards every blob it
	// fetched rather than leaving partial content in the permanent store.
	sess, err := s.blobs.NewIngestSession()
	if err != nil {
		return specs.Descriptor{}, err
	}

	rootData, rootDesc, err := backend.Fetch(ctx, repo, reqRef)
	if err != nil {
		sess.Cancel()
		return specs.Descriptor{}, vmerr.Wrap(vmerr.KindInternal, err, "resolve root manifest")
	}
	if opts.Progress != nil {
		opts.Progress.TotalItems(1)
	}

	w := &walker{store: s, backend: backend, repo: repo, platform: opts.Platform, progress: opts.Progress, session: sess}

	final, err := w.pullRoot(ctx, rootDesc, rootData)
	if err != nil {
		sess.Cancel()
		return specs.Descriptor{}, err
	}

	// spec.md §4.F step 6: commit the ingest session under the store
	// lock, together with the reference→descriptor mapping, so a reader
	// never observes the index pointing at blobs that aren't yet promoted.
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

	s.logger.Infof("pulled %s -> %s", reference, final.Digest)
	return final, nil
}

// walker carries the shared state of one pull's breadth-first manifest
// walk, including the single ingest session every fetched blob is staged
// under until the whole pull commits.
type walker struct {
	store    *Store
	backend  Backend
	repo     string
	platform *imageref.Platform
	progress *progress.Reporter
	session  *content.IngestSession
}

// pullRoot fetches rootData's dependent tree and returns the descriptor
// to record for the pulled reference: rootDesc itself if it was already
// an index, or a synthesized single-manifest index otherwise (per
// spec.md §4.F step 5 and the diffID open question resolved in
// DESIGN.md).
func (w *walker) pullRoot(ctx context.Context, rootDesc specs.Descriptor, rootData []byte) (specs.Descriptor, error) {
	rootDesc.Digest = digest.FromBytes(rootData)
	rootDesc.Size = int64(len(rootData))
	if rootDesc.MediaType == "" {
		rootDesc.MediaType = detectMediaType(rootData)
	}

	if err := w.store.blobs.PutIntoSession(w.session, bytes.NewReader(rootData), rootDesc.Digest, rootDesc.Size); err != nil {
		return specs.Descriptor{}, err
	}

	switch {
	case isIndexMediaType(rootDesc.MediaType):
		var idx specs.Index
		if err := json.Unmarshal(rootData, &idx); err != nil {
			return specs.Descriptor{}, vmerr.Wrap(vmerr.KindInternal, err, "parse index")
		}
		if err := w.walkManifests(ctx, idx.Manifests); err != nil {
			return specs.Descriptor{}, err
		}
		return rootDesc, nil

	case isManifestMediaType(rootDesc.MediaType):
		config, err := w.walkOneManifest(ctx, rootDesc, rootData)
		if err != nil {
			return specs.Descriptor{}, err
		}
		return w.synthesizeIndex(rootDesc, config)

	default:
		return specs.Descriptor{}, vmerr.Newf(vmerr.KindUnsupported, "unsupported root media type %q", rootDesc.MediaType)
	}
}

// walkManifests fetches and processes each platform-matching manifest
// descriptor in a (possibly multi-platform) index, bounded to
// maxConcurrentFetches concurrent fetches.
func (w *walker) walkManifests(ctx context.Context, manifests []specs.Descriptor) error {
	matching := make([]specs.Descriptor, 0, len(manifests))
	for _, m := range manifests {
		if !isManifestMediaType(m.MediaType) {
			w.store.logger.Debugf("skipping unsupported child media type %q", m.MediaType)
			continue
		}
		if w.platform != nil && m.Platform != nil {
			have := imageref.FromSpec(*m.Platform)
			if !have.Satisfies(*w.platform) {
				continue
			}
		}
		matching = append(matching, m)
	}

	return forEachBounded(ctx, matching, maxConcurrentFetches, func(ctx context.Context, m specs.Descriptor) error {
		data, err := w.fetchManifestLike(ctx, m)
		if err != nil {
			return err
		}
		_, err = w.walkOneManifest(ctx, m, data)
		return err
	})
}

// walkOneManifest fetches and stores a manifest's config and layers,
// returning the parsed config for callers that need platform/diffID
// information (the single-manifest synthesis path).
func (w *walker) walkOneManifest(ctx context.Context, desc specs.Descriptor, data []byte) (*specs.Image, error) {
	var man specs.Manifest
	if err := json.Unmarshal(data, &man); err != nil {
		return nil, vmerr.Wrap(vmerr.KindInternal, err, "parse manifest")
	}

	configData, err := w.fetchManifestLike(ctx, man.Config)
	if err != nil {
		return nil, err
	}
	var config specs.Image
	if err := json.Unmarshal(configData, &config); err != nil {
		return nil, vmerr.Wrap(vmerr.KindInternal, err, "parse image config")
	}

	if err := forEachBounded(ctx, man.Layers, maxConcurrentFetches, func(ctx context.Context, layer specs.Descriptor) error {
		return w.fetchBlob(ctx, layer)
	}); err != nil {
		return nil, err
	}

	w.verifyDiffIDs(man.Layers, config)

	if w.progress != nil {
		w.progress.Items(1)
	}
	return &config, nil
}

// fetchManifestLike returns the bytes of a manifest, index, or config
// descriptor, serving from the local content store when already present.
func (w *walker) fetchManifestLike(ctx context.Context, desc specs.Descriptor) ([]byte, error) {
	if w.store.blobs.Has(desc.Digest) {
		rc, err := w.store.blobs.Open(desc.Digest)
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}

	var data []byte
	var err error
	if isManifestMediaType(desc.MediaType) || isIndexMediaType(desc.MediaType) {
		data, _, err = w.backend.Fetch(ctx, w.repo, desc.Digest.String())
	} else {
		var rc io.ReadCloser
		rc, err = w.backend.FetchBlob(ctx, w.repo, desc.Digest)
		if err == nil {
			defer rc.Close()
			data, err = io.ReadAll(rc)
		}
	}
	if err != nil {
		return nil, vmerr.Wrap(vmerr.KindInternal, err, "fetch manifest-like content")
	}

	actual := digest.FromBytes(data)
	if actual != desc.Digest {
		return nil, vmerr.Newf(vmerr.KindInternal, "digest mismatch fetching %s: got %s", desc.Digest, actual)
	}
	if err := w.store.blobs.PutIntoSession(w.session, bytes.NewReader(data), desc.Digest, int64(len(data))); err != nil {
		return nil, err
	}
	if w.progress != nil {
		w.progress.Size(int64(len(data)))
	}
	return data, nil
}

// fetchBlob ensures a layer/config blob is present locally, per
// spec.md §4.F step 3's size-dependent path: small blobs are buffered
// and verified in memory before staging, large blobs are streamed
// straight into the ingest session, whose staging writer verifies the
// digest when the stream ends.
func (w *walker) fetchBlob(ctx context.Context, desc specs.Descriptor) error {
	if w.store.blobs.Has(desc.Digest) {
		return nil
	}
	rc, err := w.backend.FetchBlob(ctx, w.repo, desc.Digest)
	if err != nil {
		return vmerr.Wrap(vmerr.KindInternal, err, "fetch blob")
	}
	defer rc.Close()

	if desc.Size > 0 && desc.Size <= smallBlobThreshold {
		buf, err := io.ReadAll(io.LimitReader(rc, desc.Size+1))
		if err != nil {
			return vmerr.Wrap(vmerr.KindInternal, err, "read blob")
		}
		if int64(len(buf)) != desc.Size {
			return vmerr.Newf(vmerr.KindInternal, "size mismatch fetching %s: expected %d, got %d", desc.Digest, desc.Size, len(buf))
		}
		if actual := digest.FromBytes(buf); actual != desc.Digest {
			return vmerr.Newf(vmerr.KindInternal, "digest mismatch fetching %s: got %s", desc.Digest, actual)
		}
		if err := w.store.blobs.PutIntoSession(w.session, bytes.NewReader(buf), desc.Digest, desc.Size); err != nil {
			return err
		}
	} else {
		if err := w.store.blobs.PutIntoSession(w.session, rc, desc.Digest, desc.Size); err != nil {
			return err
		}
	}
	if w.progress != nil {
		w.progress.Size(desc.Size)
		w.progress.Items(1)
	}
	return nil
}

// verifyDiffIDs recomputes each layer's diffID (the digest of its
// decompressed tar stream) and logs a warning on mismatch against the
// config's recorded rootfs diff_ids, rather than silently trusting the
// on-wire (possibly compressed) layer digest as the diffID — see
// DESIGN.md's resolution of the diffID open question.
func (w *walker) verifyDiffIDs(layers []specs.Descriptor, config specs.Image) {
	if len(layers) != len(config.RootFS.DiffIDs) {
		return
	}
	for i, layer := range layers {
		want := config.RootFS.DiffIDs[i]
		got, err := w.computeDiffID(layer)
		if err != nil {
			w.store.logger.Debugf("diffID check skipped for %s: %v", layer.Digest, err)
			continue
		}
		if got != want {
			w.store.logger.Warnf("layer %s: recorded diffID %s does not match decompressed content digest %s", layer.Digest, want, got)
		}
	}
}

// computeDiffID returns the digest of layer's decompressed tar stream.
// The layer may not be promoted into the permanent store yet (it commits
// only at the end of the whole pull), so this reads from the store first
// and falls back to the ingest session's own staging directory.
func (w *walker) computeDiffID(layer specs.Descriptor) (digest.Digest, error) {
	rc, err := w.store.blobs.Open(layer.Digest)
	if err != nil {
		rc, err = w.session.OpenStaged(layer.Digest)
	}
	if err != nil {
		return "", err
	}
	defer rc.Close()
	gz, err := gzip.NewReader(rc)
	if err != nil {
		return "", err
	}
	defer gz.Close()
	return digest.Canonical.FromReader(gz)
}

// synthesizeIndex builds the single-entry index spec.md §4.F step 5
// requires when the pulled root was a bare manifest, stamping the
// synthesized entry's platform from the image config.
func (w *walker) synthesizeIndex(manifest specs.Descriptor, config *specs.Image) (specs.Descriptor, error) {
	manifest.Platform = &specs.Platform{
		OS:           config.OS,
		Architecture: config.Architecture,
		Variant:      config.Variant,
		OSVersion:    config.OSVersion,
		OSFeatures:   config.OSFeatures,
	}
	idx := specs.Index{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: specs.MediaTypeImageIndex,
		Manifests: []specs.Descriptor{manifest},
	}
	data, err := json.Marshal(idx)
	if err != nil {
		return specs.Descriptor{}, vmerr.Wrap(vmerr.KindInternal, err, "marshal synthesized index")
	}
	d := digest.FromBytes(data)
	if err := w.store.blobs.PutIntoSession(w.session, bytes.NewReader(data), d, int64(len(data))); err != nil {
		return specs.Descriptor{}, err
	}
	return specs.Descriptor{MediaType: specs.MediaTypeImageIndex, Digest: d, Size: int64(len(data))}, nil
}

func detectMediaType(data []byte) string {
	var probe struct {
		MediaType string            `json:"mediaType"`
		Manifests []json.RawMessage `json:"manifests"`
	}
	if err := json.Unmarshal(data, &probe); err == nil {
		if probe.MediaType != "" {
			return probe.MediaType
		}
		if probe.Manifests != nil {
			return specs.MediaTypeImageIndex
		}
	}
	return specs.MediaTypeImageManifest
}

// forEachBounded runs fn over items with at most maxWorkers concurrent
// calls, returning the first error encountered (others are allowed to
// finish but subsequent items are not started once ctx is cancelled).
func forEachBounded[T any](ctx context.Context, items []T, maxWorkers int, fn func(context.Context, T) error) error {
	if len(items) == 0 {
		return nil
	}
	if maxWorkers > len(items) {
		maxWorkers = len(items)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := make(chan struct{}, maxWorkers)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	skipped := false
	for _, item := range items {
		item := item
		sem <- struct{}{}
		if ctx.Err() != nil {
			<-sem
			skipped = true
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if err := fn(ctx, item); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
					cancel()
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if firstErr == nil && skipped {
		firstErr = vmerr.Wrap(vmerr.KindCancelled, ctx.Err(), "bounded fetch")
	}
	return firstErr
}
