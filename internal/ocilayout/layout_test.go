package ocilayout

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"
)

func digestOf(b []byte) digest.Digest { return digest.FromBytes(b) }
func newReader(b []byte) io.Reader    { return bytes.NewReader(b) }

func TestOpenInitializesLayoutFiles(t *testing.T) {
	dir := t.TempDir()
	_, err := Open(dir)
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dir, layoutFile))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, indexFile))
	require.NoError(t, err)
}

func TestPushManifestThenResolveByTag(t *testing.T) {
	l, err := Open(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	manifest := []byte(`{"schemaVersion":2,"config":{},"layers":[]}`)
	desc, err := l.PushManifest(ctx, "repo", "latest", "application/vnd.oci.image.manifest.v1+json", manifest)
	require.NoError(t, err)

	resolved, err := l.Resolve(ctx, "repo", "latest")
	require.NoError(t, err)
	require.Equal(t, desc.Digest, resolved.Digest)

	data, fetched, err := l.Fetch(ctx, "repo", "latest")
	require.NoError(t, err)
	require.Equal(t, manifest, data)
	require.Equal(t, desc.Digest, fetched.Digest)
}

func TestResolveByDigestString(t *testing.T) {
	l, err := Open(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	manifest := []byte(`{"schemaVersion":2}`)
	desc, err := l.PushManifest(ctx, "repo", "", "application/vnd.oci.image.manifest.v1+json", manifest)
	require.NoError(t, err)

	resolved, err := l.Resolve(ctx, "repo", desc.Digest.String())
	require.NoError(t, err)
	require.Equal(t, desc.Digest, resolved.Digest)
}

func TestRetaggingReplacesPreviousAnnotation(t *testing.T) {
	l, err := Open(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	first := []byte(`{"schemaVersion":2,"a":1}`)
	second := []byte(`{"schemaVersion":2,"a":2}`)
	_, err = l.PushManifest(ctx, "repo", "latest", "application/vnd.oci.image.manifest.v1+json", first)
	require.NoError(t, err)
	desc2, err := l.PushManifest(ctx, "repo", "latest", "application/vnd.oci.image.manifest.v1+json", second)
	require.NoError(t, err)

	resolved, err := l.Resolve(ctx, "repo", "latest")
	require.NoError(t, err)
	require.Equal(t, desc2.Digest, resolved.Digest)

	tags, err := l.Tags(ctx, "repo")
	require.NoError(t, err)
	require.Equal(t, []string{"latest"}, tags)
}

func TestPushManifestWritesAllThreeReferenceAnnotations(t *testing.T) {
	l, err := Open(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	manifest := []byte(`{"schemaVersion":2,"annotations":true}`)
	desc, err := l.PushManifest(ctx, "repo", "latest", "application/vnd.oci.image.manifest.v1+json", manifest)
	require.NoError(t, err)

	for _, key := range refNameAnnotationKeys {
		require.Equal(t, "latest", desc.Annotations[key], "missing or wrong value for annotation %s", key)
	}
}

func TestResolveByTagPrefersHighestPriorityAnnotation(t *testing.T) {
	l, err := Open(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	manifest := []byte(`{"schemaVersion":2,"x":1}`)
	_, err = l.PushManifest(ctx, "repo", "", "application/vnd.oci.image.manifest.v1+json", manifest)
	require.NoError(t, err)

	idx, err := l.loadIndex()
	require.NoError(t, err)
	require.Len(t, idx.Manifests, 1)
	// Simulate a layout written by a reader that only understands the
	// legacy key, so a real getImageReferencefromDescriptor exercise has
	// to pick the higher-preference key over the lower one.
	idx.Manifests[0].Annotations = map[string]string{
		"io.containerd.image.name":          "containerd-name",
		"org.opencontainers.image.ref.name": "oci-name",
	}
	require.NoError(t, l.saveIndex(idx))

	resolved, err := l.Resolve(ctx, "repo", "containerd-name")
	require.NoError(t, err)
	require.Equal(t, idx.Manifests[0].Digest, resolved.Digest)

	tags, err := l.Tags(ctx, "repo")
	require.NoError(t, err)
	require.Equal(t, []string{"containerd-name"}, tags)
}

func TestPushAndFetchBlob(t *testing.T) {
	l, err := Open(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	content := []byte("layer bytes")
	d := digestOf(content)
	require.NoError(t, l.PushBlob(ctx, "repo", d, int64(len(content)), newReader(content)))

	has, err := l.HasBlob(ctx, "repo", d)
	require.NoError(t, err)
	require.True(t, has)

	rc, err := l.FetchBlob(ctx, "repo", d)
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, content, got)
}
