// Package ocilayout implements component E: a local OCI image-layout
// directory backend exposing the same capability surface as
// internal/registryclient (Ping/Resolve/Fetch/PushManifest/Tags/HasBlob/
// FetchBlob/PushBlob), so internal/imagestore can pull from or push to
// either one without caring which it's talking to.
//
// Grounded on the teacher's internal/image/store.go init() (the
// oci-layout/index.json/blobs/sha256 scaffolding) adapted to implement
// this shared interface instead of a bespoke Store, and to use the
// "org.opencontainers.image.ref.name" annotation for tag lookup as the
// OCI image-layout spec itself recommends, rather than the teacher's own
// "repositories.json" extension.
package ocilayout

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/opencontainers/go-digest"
	specs "github.com/opencontainers/image-spec/specs-go/v1"

	"vmimage/internal/content"
	"vmimage/internal/vmerr"
	"vmimage/pkg/fileutil"
)

// RefNameAnnotation is the well-known annotation OCI image-layout readers
// use to resolve a tag-like reference to a manifest descriptor.
const RefNameAnnotation = "org.opencontainers.image.ref.name"

// refNameAnnotationKeys lists every annotation key a reference may be
// stored under, in descending preference, per spec.md's
// setImageReferenceAnnotation/getImageReferencefromDescriptor contract:
// writers set all three so a layout stays readable by any of them,
// readers take the first one present.
var refNameAnnotationKeys = []string{
	"com.apple.containerization.image.name",
	"io.containerd.image.name",
	RefNameAnnotation,
}

// setImageReferenceAnnotation stores reference under every key in
// refNameAnnotationKeys, overwriting desc.Annotations.
func setImageReferenceAnnotation(desc *specs.Descriptor, reference string) {
	if desc.Annotations == nil {
		desc.Annotations = make(map[string]string, len(refNameAnnotationKeys))
	}
	for _, key := range refNameAnnotationKeys {
		desc.Annotations[key] = reference
	}
}

// getImageReferencefromDescriptor reads the first annotation present
// among refNameAnnotationKeys, in descending preference.
func getImageReferencefromDescriptor(desc specs.Descriptor) (string, bool) {
	for _, key := range refNameAnnotationKeys {
		if v, ok := desc.Annotations[key]; ok {
			return v, true
		}
	}
	return "", false
}

const (
	layoutFile = "oci-layout"
	indexFile  = "index.json"
	layoutPerm = 0o644
)

// ImageLayoutVersion is the layout version this package writes.
const ImageLayoutVersion = "1.0.0"

type imageLayoutMarker struct {
	ImageLayoutVersion string `json:"imageLayoutVersion"`
}

// Layout is an OCI image-layout directory: "oci-layout", "index.json",
// and a content-addressed "blobs/" tree.
type Layout struct {
	root  string
	blobs *content.Store
	mu    sync.Mutex // guards read-modify-write of index.json
}

// Open opens (initializing if necessary) an OCI image-layout at root.
func Open(root string) (*Layout, error) {
	blobs, err := content.NewStore(root)
	if err != nil {
		return nil, err
	}
	l := &Layout{root: root, blobs: blobs}
	if err := l.init(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Layout) init() error {
	markerPath := filepath.Join(l.root, layoutFile)
	if _, err := os.Stat(markerPath); os.IsNotExist(err) {
		if err := fileutil.WriteJSON(markerPath, imageLayoutMarker{ImageLayoutVersion: ImageLayoutVersion}, layoutPerm); err != nil {
			return vmerr.Wrap(vmerr.KindInternal, err, "write oci-layout marker")
		}
	}
	indexPath := filepath.Join(l.root, indexFile)
	if _, err := os.Stat(indexPath); os.IsNotExist(err) {
		empty := specs.Index{Versioned: specs.Versioned{SchemaVersion: 2}, MediaType: specs.MediaTypeImageIndex}
		if err := fileutil.WriteJSON(indexPath, empty, layoutPerm); err != nil {
			return vmerr.Wrap(vmerr.KindInternal, err, "write index.json")
		}
	}
	return nil
}

// Root returns the layout's root directory.
func (l *Layout) Root() string { return l.root }

// Blobs exposes the underlying content store for callers (e.g.
// internal/imagestore) that need direct blob access beyond this
// package's registry-shaped surface.
func (l *Layout) Blobs() *content.Store { return l.blobs }

func (l *Layout) indexPath() string { return filepath.Join(l.root, indexFile) }

func (l *Layout) loadIndex() (specs.Index, error) {
	var idx specs.Index
	if err := fileutil.ReadJSON(l.indexPath(), &idx); err != nil {
		if os.IsNotExist(err) {
			return specs.Index{Versioned: specs.Versioned{SchemaVersion: 2}, MediaType: specs.MediaTypeImageIndex}, nil
		}
		return specs.Index{}, vmerr.Wrap(vmerr.KindInternal, err, "read index.json")
	}
	return idx, nil
}

func (l *Layout) saveIndex(idx specs.Index) error {
	if err := fileutil.WriteJSON(l.indexPath(), idx, layoutPerm); err != nil {
		return vmerr.Wrap(vmerr.KindInternal, err, "write index.json")
	}
	return nil
}

// Ping reports whether the layout directory is reachable (its root can be
// stat'ed); it does not check that the directory is writable.
func (l *Layout) Ping(ctx context.Context) error {
	_, err := os.Stat(l.root)
	if err != nil {
		return vmerr.Wrap(vmerr.KindInternal, err, "stat layout root")
	}
	return nil
}

// Resolve looks up reference (a tag annotation value or a digest string)
// in index.json and returns its descriptor.
func (l *Layout) Resolve(ctx context.Context, repo, reference string) (specs.Descriptor, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	idx, err := l.loadIndex()
	if err != nil {
		return specs.Descriptor{}, err
	}
	desc, ok := findManifest(idx, reference)
	if !ok {
		return specs.Descriptor{}, vmerr.Newf(vmerr.KindNotFound, "reference %q not found in layout", reference)
	}
	return desc, nil
}

func findManifest(idx specs.Index, reference string) (specs.Descriptor, bool) {
	if d, err := digest.Parse(reference); err == nil {
		for _, m := range idx.Manifests {
			if m.Digest == d {
				return m, true
			}
		}
		return specs.Descriptor{}, false
	}
	for _, m := range idx.Manifests {
		if name, ok := getImageReferencefromDescriptor(m); ok && name == reference {
			return m, true
		}
	}
	return specs.Descriptor{}, false
}

// Fetch returns the raw manifest/index bytes for reference plus its
// descriptor.
func (l *Layout) Fetch(ctx context.Context, repo, reference string) ([]byte, specs.Descriptor, error) {
	desc, err := l.Resolve(ctx, repo, reference)
	if err != nil {
		return nil, specs.Descriptor{}, err
	}
	rc, err := l.blobs.Open(desc.Digest)
	if err != nil {
		return nil, specs.Descriptor{}, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, specs.Descriptor{}, vmerr.Wrap(vmerr.KindInternal, err, "read manifest blob")
	}
	return data, desc, nil
}

// PushManifest stores data as a blob and records it in index.json tagged
// with reference (if reference is non-empty and not itself the digest).
func (l *Layout) PushManifest(ctx context.Context, repo, reference, mediaType string, data []byte) (specs.Descriptor, error) {
	d := digest.FromBytes(data)
	if err := l.blobs.PutVerified(ctx, bytes.NewReader(data), d, int64(len(data))); err != nil {
		return specs.Descriptor{}, err
	}
	desc := specs.Descriptor{MediaType: mediaType, Digest: d, Size: int64(len(data))}

	l.mu.Lock()
	defer l.mu.Unlock()
	idx, err := l.loadIndex()
	if err != nil {
		return specs.Descriptor{}, err
	}

	if reference != "" {
		if _, err := digest.Parse(reference); err != nil {
			// reference is a tag, not a digest string: record it.
			setImageReferenceAnnotation(&desc, reference)
			// Remove any existing manifest carrying the same tag so a
			// re-tag doesn't leave two entries claiming one ref.name.
			filtered := idx.Manifests[:0]
			for _, m := range idx.Manifests {
				if name, ok := getImageReferencefromDescriptor(m); ok && name == reference {
					continue
				}
				filtered = append(filtered, m)
			}
			idx.Manifests = filtered
		}
	}
	idx.Manifests = append(idx.Manifests, desc)
	if err := l.saveIndex(idx); err != nil {
		return specs.Descriptor{}, err
	}
	return desc, nil
}

// Tags returns every ref.name annotation recorded in index.json.
func (l *Layout) Tags(ctx context.Context, repo string) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	idx, err := l.loadIndex()
	if err != nil {
		return nil, err
	}
	var tags []string
	for _, m := range idx.Manifests {
		if name, ok := getImageReferencefromDescriptor(m); ok {
			tags = append(tags, name)
		}
	}
	return tags, nil
}

// HasBlob reports whether d is present in the layout's content store.
func (l *Layout) HasBlob(ctx context.Context, repo string, d digest.Digest) (bool, error) {
	return l.blobs.Has(d), nil
}

// FetchBlob opens the blob with digest d.
func (l *Layout) FetchBlob(ctx context.Context, repo string, d digest.Digest) (io.ReadCloser, error) {
	return l.blobs.Open(d)
}

// PushBlob stores size bytes from r under digest d.
func (l *Layout) PushBlob(ctx context.Context, repo string, d digest.Digest, size int64, r io.Reader) error {
	return l.blobs.PutVerified(ctx, r, d, size)
}

