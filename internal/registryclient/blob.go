package registryclient

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/opencontainers/go-digest"

	"vmimage/internal/vmerr"
)

// HasBlob checks blob presence with a HEAD request, per the distribution
// spec's /v2/<repo>/blobs/<digest> existence check.
func (c *Client) HasBlob(ctx context.Context, repo string, d digest.Digest) (bool, error) {
	resp, err := c.do(ctx, http.MethodHead, c.url(repo, "/blobs/"+d.String()), emptyBody, nil, pullScope(repo))
	if err != nil {
		if vmerr.Is(err, vmerr.KindNotFound) {
			return false, nil
		}
		return false, err
	}
	resp.Body.Close()
	return true, nil
}

// FetchBlob streams the blob with digest d from repo. The caller must
// close the returned reader.
func (c *Client) FetchBlob(ctx context.Context, repo string, d digest.Digest) (io.ReadCloser, error) {
	resp, err := c.do(ctx, http.MethodGet, c.url(repo, "/blobs/"+d.String()), emptyBody, nil, pullScope(repo))
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// PushBlob uploads size bytes from r to repo using the monolithic
// POST-start / PATCH-stream / PUT-finalize upload flow, skipping the
// upload entirely if the blob is already present (cross-repo dedup is the
// registry's problem; this client only checks the target repo).
func (c *Client) PushBlob(ctx context.Context, repo string, d digest.Digest, size int64, r io.Reader) error {
	if exists, err := c.HasBlob(ctx, repo, d); err == nil && exists {
		_, _ = io.Copy(io.Discard, r)
		return nil
	}

	resp, err := c.do(ctx, http.MethodPost, c.url(repo, "/blobs/uploads/"), emptyBody, nil, pushScope(repo))
	if err != nil {
		return err
	}
	loc := resp.Header.Get("Location")
	resp.Body.Close()
	if loc == "" {
		return vmerr.New(vmerr.KindInternal, "registry did not return an upload Location")
	}
	uploadURL, err := resolveLocation(c.baseURL(), loc)
	if err != nil {
		return err
	}

	patchHeaders := http.Header{"Content-Type": {"application/octet-stream"}}
	patchResp, err := c.doOnce(ctx, http.MethodPatch, uploadURL, func() (io.Reader, int64, error) {
		return r, size, nil
	}, patchHeaders, pushScope(repo))
	if err != nil {
		return err
	}
	if loc2 := patchResp.Header.Get("Location"); loc2 != "" {
		uploadURL, err = resolveLocation(c.baseURL(), loc2)
		if err != nil {
			patchResp.Body.Close()
			return err
		}
	}
	patchResp.Body.Close()

	finalURL := uploadURL
	sep := "?"
	if strings.Contains(finalURL, "?") {
		sep = "&"
	}
	finalURL += sep + "digest=" + url.QueryEscape(d.String())

	finalResp, err := c.do(ctx, http.MethodPut, finalURL, emptyBody, nil, pushScope(repo))
	if err != nil {
		return err
	}
	finalResp.Body.Close()
	return nil
}

func resolveLocation(base, loc string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", vmerr.Wrap(vmerr.KindInternal, err, "parse base URL")
	}
	ref, err := url.Parse(loc)
	if err != nil {
		return "", vmerr.Wrap(vmerr.KindInternal, err, "parse upload Location")
	}
	return b.ResolveReference(ref).String(), nil
}

func decodeJSONBody(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return vmerr.Wrap(vmerr.KindInternal, err, "decode response body")
	}
	return nil
}

var linkRE = regexp.MustCompile(`<([^>]+)>;\s*rel="next"`)

// parseNextLink extracts the "next" pagination URL from an RFC 5988 Link
// header, resolving it against base if it is relative.
func parseNextLink(header, base string) string {
	if header == "" {
		return ""
	}
	m := linkRE.FindStringSubmatch(header)
	if m == nil {
		return ""
	}
	u, err := resolveLocation(base, m[1])
	if err != nil {
		return ""
	}
	return u
}
