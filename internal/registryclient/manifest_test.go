package registryclient

import (
	"context"
	"net/http"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"

	"vmimage/internal/vmerr"
)

func digestHex(data []byte) string { return digest.FromBytes(data).Encoded() }

func TestPushManifestShortCircuitsWhenDigestMatches(t *testing.T) {
	data := []byte(`{"schemaVersion":2}`)
	want := "sha256:" + digestHex(data)

	var putCalled bool
	c, srv := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodHead:
			w.Header().Set("Docker-Content-Digest", want)
			w.Header().Set("Content-Type", "application/vnd.oci.image.manifest.v1+json")
			w.WriteHeader(http.StatusOK)
		case http.MethodPut:
			putCalled = true
			w.WriteHeader(http.StatusCreated)
		default:
			t.Fatalf("unexpected method %s", r.Method)
		}
	}))
	defer srv.Close()

	desc, err := c.PushManifest(context.Background(), "repo", "latest", "application/vnd.oci.image.manifest.v1+json", data)
	require.NoError(t, err)
	require.Equal(t, want, desc.Digest.String())
	require.False(t, putCalled, "PUT must not be issued when HEAD already reports the matching digest")
}

func TestPushManifestProceedsToPutWhenNotFound(t *testing.T) {
	data := []byte(`{"schemaVersion":2}`)
	want := "sha256:" + digestHex(data)

	var putCalled bool
	c, srv := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodHead:
			w.WriteHeader(http.StatusNotFound)
		case http.MethodPut:
			putCalled = true
			w.Header().Set("Docker-Content-Digest", want)
			w.WriteHeader(http.StatusCreated)
		default:
			t.Fatalf("unexpected method %s", r.Method)
		}
	}))
	defer srv.Close()

	desc, err := c.PushManifest(context.Background(), "repo", "latest", "application/vnd.oci.image.manifest.v1+json", data)
	require.NoError(t, err)
	require.Equal(t, want, desc.Digest.String())
	require.True(t, putCalled, "PUT must be issued when HEAD reports not found")
}

func TestPushManifestProceedsToPutWhenDigestDiffers(t *testing.T) {
	data := []byte(`{"schemaVersion":2}`)
	want := "sha256:" + digestHex(data)
	other := "sha256:" + digestHex([]byte("something else"))

	var putCalled bool
	c, srv := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodHead:
			w.Header().Set("Docker-Content-Digest", other)
			w.Header().Set("Content-Type", "application/vnd.oci.image.manifest.v1+json")
			w.WriteHeader(http.StatusOK)
		case http.MethodPut:
			putCalled = true
			w.Header().Set("Docker-Content-Digest", want)
			w.WriteHeader(http.StatusCreated)
		default:
			t.Fatalf("unexpected method %s", r.Method)
		}
	}))
	defer srv.Close()

	_, err := c.PushManifest(context.Background(), "repo", "latest", "application/vnd.oci.image.manifest.v1+json", data)
	require.NoError(t, err)
	require.True(t, putCalled, "PUT must be issued when HEAD digest differs from the pushed content")
}

func TestPushManifestRejectsPostPutDigestMismatch(t *testing.T) {
	data := []byte(`{"schemaVersion":2}`)
	wrong := "sha256:" + digestHex([]byte("not what was pushed"))

	c, srv := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodHead:
			w.WriteHeader(http.StatusNotFound)
		case http.MethodPut:
			w.Header().Set("Docker-Content-Digest", wrong)
			w.WriteHeader(http.StatusCreated)
		default:
			t.Fatalf("unexpected method %s", r.Method)
		}
	}))
	defer srv.Close()

	_, err := c.PushManifest(context.Background(), "repo", "latest", "application/vnd.oci.image.manifest.v1+json", data)
	require.Error(t, err)
	require.Equal(t, vmerr.KindInternal, vmerr.KindOf(err))
}

func TestPushManifestAcceptsPutWithoutDigestHeader(t *testing.T) {
	data := []byte(`{"schemaVersion":2}`)

	c, srv := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodHead:
			w.WriteHeader(http.StatusNotFound)
		case http.MethodPut:
			w.WriteHeader(http.StatusCreated)
		default:
			t.Fatalf("unexpected method %s", r.Method)
		}
	}))
	defer srv.Close()

	desc, err := c.PushManifest(context.Background(), "repo", "latest", "application/vnd.oci.image.manifest.v1+json", data)
	require.NoError(t, err)
	require.Equal(t, "sha256:"+digestHex(data), desc.Digest.String())
}
