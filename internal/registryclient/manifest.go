package registryclient

import (
	"context"
	"io"
	"net/http"

	"github.com/opencontainers/go-digest"
	specs "github.com/opencontainers/image-spec/specs-go/v1"

	"vmimage/internal/vmerr"
)

// manifestAccept lists every manifest/index media type this client will
// request and accept.
const manifestAccept = "application/vnd.oci.image.manifest.v1+json, " +
	"application/vnd.oci.image.index.v1+json, " +
	"application/vnd.docker.distribution.manifest.v2+json, " +
	"application/vnd.docker.distribution.manifest.list.v2+json"

func pullScope(repo string) string { return "repository:" + repo + ":pull" }
func pushScope(repo string) string { return "repository:" + repo + ":pull,push" }

// Ping reaches GET /v2/ to verify the registry is reachable and speaks the
// distribution-spec v2 API.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, c.baseURL()+"/v2/", emptyBody, nil, "")
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Resolve performs a HEAD request against /v2/<repo>/manifests/<reference>
// and returns the resulting descriptor without downloading the body.
func (c *Client) Resolve(ctx context.Context, repo, reference string) (specs.Descriptor, error) {
	headers := http.Header{"Accept": {manifestAccept}}
	resp, err := c.do(ctx, http.MethodHead, c.url(repo, "/manifests/"+reference), emptyBody, headers, pullScope(repo))
	if err != nil {
		return specs.Descriptor{}, err
	}
	defer resp.Body.Close()
	return descriptorFromHeaders(resp), nil
}

// Fetch downloads the manifest or index at reference, returning both its
// raw bytes and resolved descriptor.
func (c *Client) Fetch(ctx context.Context, repo, reference string) ([]byte, specs.Descriptor, error) {
	headers := http.Header{"Accept": {manifestAccept}}
	resp, err := c.do(ctx, http.MethodGet, c.url(repo, "/manifests/"+reference), emptyBody, headers, pullScope(repo))
	if err != nil {
		return nil, specs.Descriptor{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, specs.Descriptor{}, vmerr.Wrap(vmerr.KindInternal, err, "read manifest body")
	}

	desc := descriptorFromHeaders(resp)
	if desc.Digest == "" {
		desc.Digest = digest.FromBytes(data)
	}
	desc.Size = int64(len(data))
	if desc.MediaType == "" {
		desc.MediaType = resp.Header.Get("Content-Type")
	}
	return data, desc, nil
}

// PushManifest uploads a manifest or index's raw bytes under reference
// (a tag or its own digest) and returns its descriptor.
//
// Implements spec.md §4.D's push steps 2 and 5: a HEAD against the target
// manifest path short-circuits with a success-equivalent descriptor when
// the registry already has it (treated as "exists" only when the
// server-returned digest equals the descriptor digest computed from data,
// per §9); the PUT response's
// Docker-Content-Digest, when present, is then compared against that same
// expected digest, failing KindInternal on mismatch rather than trusting
// the server.
func (c *Client) PushManifest(ctx context.Context, repo, reference, mediaType string, data []byte) (specs.Descriptor, error) {
	expected := digest.FromBytes(data)

	if existing, err := c.Resolve(ctx, repo, reference); err == nil {
		if existing.Digest == expected {
			return specs.Descriptor{MediaType: mediaType, Digest: expected, Size: int64(len(data))}, nil
		}
	} else if vmerr.KindOf(err) != vmerr.KindNotFound {
		return specs.Descriptor{}, err
	}

	headers := http.Header{"Content-Type": {mediaType}}
	resp, err := c.do(ctx, http.MethodPut, c.url(repo, "/manifests/"+reference), staticBody(data), headers, pushScope(repo))
	if err != nil {
		return specs.Descriptor{}, err
	}
	defer resp.Body.Close()

	if hdr := resp.Header.Get("Docker-Content-Digest"); hdr != "" {
		if got := digest.Digest(hdr); got != expected {
			return specs.Descriptor{}, vmerr.Newf(vmerr.KindInternal, "registry returned digest %s for pushed manifest, expected %s", got, expected)
		}
	}
	return specs.Descriptor{MediaType: mediaType, Digest: expected, Size: int64(len(data))}, nil
}

// Tags lists every tag in repo, following Link-header pagination per the
// distribution spec.
func (c *Client) Tags(ctx context.Context, repo string) ([]string, error) {
	var all []string
	next := c.url(repo, "/tags/list")
	for next != "" {
		resp, err := c.do(ctx, http.MethodGet, next, emptyBody, nil, pullScope(repo))
		if err != nil {
			return nil, err
		}
		var page struct {
			Tags []string `json:"tags"`
		}
		if err := decodeJSONBody(resp, &page); err != nil {
			return nil, err
		}
		all = append(all, page.Tags...)
		next = parseNextLink(resp.Header.Get("Link"), c.baseURL())
	}
	return all, nil
}

func descriptorFromHeaders(resp *http.Response) specs.Descriptor {
	desc := specs.Descriptor{
		MediaType: resp.Header.Get("Content-Type"),
		Size:      resp.ContentLength,
	}
	if d := resp.Header.Get("Docker-Content-Digest"); d != "" {
		desc.Digest = digest.Digest(d)
	}
	return desc
}
