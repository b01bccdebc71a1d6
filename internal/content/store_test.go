package content

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestPutAndOpenRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	d, size, err := s.Put(ctx, strings.NewReader("hello world"))
	require.NoError(t, err)
	require.EqualValues(t, len("hello world"), size)
	require.True(t, s.Has(d))

	rc, err := s.Open(d)
	require.NoError(t, err)
	defer rc.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(rc)
	require.NoError(t, err)
	require.Equal(t, "hello world", buf.String())
}

func TestPutDeduplicatesIdenticalContent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	d1, _, err := s.Put(ctx, strings.NewReader("same"))
	require.NoError(t, err)
	d2, _, err := s.Put(ctx, strings.NewReader("same"))
	require.NoError(t, err)
	require.Equal(t, d1, d2)
}

func TestPutVerifiedRejectsMismatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	wrong := digest.FromBytes([]byte("not the content"))
	err := s.PutVerified(ctx, strings.NewReader("real content"), wrong, 0)
	require.Error(t, err)
	require.False(t, s.Has(wrong))
}

func TestPutVerifiedAcceptsMatchingDigest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	content := []byte("exact bytes")
	d := digest.FromBytes(content)
	err := s.PutVerified(ctx, bytes.NewReader(content), d, int64(len(content)))
	require.NoError(t, err)
	require.True(t, s.Has(d))
}

func TestIngestCancelLeavesNoBlob(t *testing.T) {
	s := newTestStore(t)
	w, err := s.NewIngest()
	require.NoError(t, err)

	_, err = w.Write([]byte("abandoned"))
	require.NoError(t, err)
	require.NoError(t, w.Cancel())

	d := digest.FromBytes([]byte("abandoned"))
	require.False(t, s.Has(d))
}

func TestIngestCommitAfterCancelErrors(t *testing.T) {
	s := newTestStore(t)
	w, err := s.NewIngest()
	require.NoError(t, err)
	require.NoError(t, w.Cancel())

	_, err = w.Commit(context.Background(), "")
	require.Error(t, err)
}

func TestDeleteKeepingRemovesUnreferencedBlobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	keepDigest, _, err := s.Put(ctx, strings.NewReader("keep me"))
	require.NoError(t, err)
	dropDigest, _, err := s.Put(ctx, strings.NewReader("drop me"))
	require.NoError(t, err)

	removed, err := s.DeleteKeeping(map[digest.Digest]bool{keepDigest: true})
	require.NoError(t, err)
	require.Equal(t, []digest.Digest{dropDigest}, removed)
	require.True(t, s.Has(keepDigest))
	require.False(t, s.Has(dropDigest))
}

func TestWalkVisitsEveryBlob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	want := map[digest.Digest]bool{}
	for _, data := range []string{"one", "two", "three"} {
		d, _, err := s.Put(ctx, strings.NewReader(data))
		require.NoError(t, err)
		want[d] = true
	}

	got := map[digest.Digest]bool{}
	err := s.Walk(func(d digest.Digest, size int64) error {
		got[d] = true
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, want, got)
}
