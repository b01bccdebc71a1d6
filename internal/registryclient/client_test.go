package registryclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	c := New(u.Host, WithPlainHTTP())
	return c, srv
}

func TestPingSucceeds(t *testing.T) {
	c, srv := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v2/", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	require.NoError(t, c.Ping(context.Background()))
}

func TestResolveReadsDockerContentDigestHeader(t *testing.T) {
	const wantDigest = "sha256:e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b85"
	c, srv := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodHead, r.Method)
		w.Header().Set("Docker-Content-Digest", wantDigest)
		w.Header().Set("Content-Type", "application/vnd.oci.image.manifest.v1+json")
		w.Header().Set("Content-Length", "42")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	desc, err := c.Resolve(context.Background(), "library/alpine", "latest")
	require.NoError(t, err)
	require.Equal(t, wantDigest, desc.Digest.String())
	require.Equal(t, "application/vnd.oci.image.manifest.v1+json", desc.MediaType)
}

func TestFetchReturnsBodyAndDescriptor(t *testing.T) {
	body := []byte(`{"schemaVersion":2}`)
	c, srv := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.oci.image.manifest.v1+json")
		w.Write(body)
	}))
	defer srv.Close()

	data, desc, err := c.Fetch(context.Background(), "library/alpine", "latest")
	require.NoError(t, err)
	require.Equal(t, body, data)
	require.EqualValues(t, len(body), desc.Size)
}

func TestBearerChallengeIsRetriedWithToken(t *testing.T) {
	var tokenServed bool
	mux := http.NewServeMux()
	var realm string
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		tokenServed = true
		w.Write([]byte(`{"token":"abc123"}`))
	})
	mux.HandleFunc("/v2/repo/manifests/latest", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer abc123" {
			w.Header().Set("Www-Authenticate", `Bearer realm="`+realm+`",service="registry.test",scope="repository:repo:pull"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"schemaVersion":2}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	realm = srv.URL + "/token"

	u, _ := url.Parse(srv.URL)
	c := New(u.Host, WithPlainHTTP())

	data, _, err := c.Fetch(context.Background(), "repo", "latest")
	require.NoError(t, err)
	require.Equal(t, `{"schemaVersion":2}`, string(data))
	require.True(t, tokenServed)
}

func TestForbiddenChallengeIsRetriedWithToken(t *testing.T) {
	var tokenServed bool
	mux := http.NewServeMux()
	var realm string
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		tokenServed = true
		w.Write([]byte(`{"token":"abc123"}`))
	})
	mux.HandleFunc("/v2/repo/manifests/latest", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer abc123" {
			w.Header().Set("Www-Authenticate", `Bearer realm="`+realm+`",service="registry.test",scope="repository:repo:pull"`)
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Write([]byte(`{"schemaVersion":2}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	realm = srv.URL + "/token"

	u, _ := url.Parse(srv.URL)
	c := New(u.Host, WithPlainHTTP())

	data, _, err := c.Fetch(context.Background(), "repo", "latest")
	require.NoError(t, err)
	require.Equal(t, `{"schemaVersion":2}`, string(data))
	require.True(t, tokenServed)
}

func TestHasBlobFalseOnNotFound(t *testing.T) {
	c, srv := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	ok, err := c.HasBlob(context.Background(), "repo", "sha256:e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b85")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTagsFollowsPagination(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/repo/tags/list", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("n") == "" {
			w.Header().Set("Link", `</v2/repo/tags/list?n=1&last=a>; rel="next"`)
			w.Write([]byte(`{"tags":["a"]}`))
			return
		}
		w.Write([]byte(`{"tags":["b"]}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	c := New(u.Host, WithPlainHTTP())
	tags, err := c.Tags(context.Background(), "repo")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, tags)
}
