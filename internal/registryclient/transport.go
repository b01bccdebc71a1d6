package registryclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"vmimage/internal/vmerr"
)

// bodySource produces a fresh, replayable request body. do() calls it once
// per attempt so a retried request after a transient failure never replays
// a partially-consumed io.Reader.
type bodySource func() (io.Reader, int64, error)

func emptyBody() (io.Reader, int64, error) { return nil, 0, nil }

func staticBody(data []byte) bodySource {
	return func() (io.Reader, int64, error) {
		return strings.NewReader(string(data)), int64(len(data)), nil
	}
}

// do issues method against fullURL, retrying transient failures per
// c.retry, reauthenticating once on a 401 or 403 challenge, and returns
// the response with its body still open for the caller to consume or
// close.
func (c *Client) do(ctx context.Context, method, fullURL string, body bodySource, headers http.Header, repoScope string) (*http.Response, error) {
	if body == nil {
		body = emptyBody
	}

	var lastErr error
	for attempt := 0; attempt < c.retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, vmerr.Wrap(vmerr.KindCancelled, ctx.Err(), "registry request")
			case <-time.After(c.retry.BaseDelay * time.Duration(attempt)):
			}
		}

		resp, err := c.attempt(ctx, method, fullURL, body, headers, repoScope)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !isRetryable(err) {
			return nil, err
		}
		c.logger.Debugf("registry request retry: %s %s attempt=%d err=%v", method, fullURL, attempt+1, err)
	}
	return nil, lastErr
}

// doOnce issues a single attempt with no retry and no reauthentication
// replay, for requests whose body is a one-shot stream (e.g. a blob
// upload PATCH) that cannot be safely re-read after a partial failure.
func (c *Client) doOnce(ctx context.Context, method, fullURL string, body bodySource, headers http.Header, repoScope string) (*http.Response, error) {
	used := false
	once := func() (io.Reader, int64, error) {
		if used {
			return nil, 0, fmt.Errorf("one-shot request body cannot be replayed")
		}
		used = true
		return body()
	}
	resp, err := c.attempt(ctx, method, fullURL, once, headers, repoScope)
	if err != nil {
		if re, ok := err.(*retryableError); ok {
			return nil, re.error
		}
		return nil, err
	}
	return resp, nil
}

func (c *Client) attempt(ctx context.Context, method, fullURL string, body bodySource, headers http.Header, repoScope string) (*http.Response, error) {
	r, size, err := body()
	if err != nil {
		return nil, vmerr.Wrap(vmerr.KindInternal, err, "build request body")
	}
	req, err := http.NewRequestWithContext(ctx, method, fullURL, r)
	if err != nil {
		return nil, vmerr.Wrap(vmerr.KindInvalidArgument, err, "build request")
	}
	if size > 0 {
		req.ContentLength = size
	}
	req.Header.Set("User-Agent", c.userAgent)
	for k, vv := range headers {
		for _, v := range vv {
			req.Header.Add(k, v)
		}
	}

	if token, ok := c.tokens.get(repoScope); ok {
		req.Header.Set("Authorization", "Bearer "+token)
	} else if c.creds.Username != "" {
		req.SetBasicAuth(c.creds.Username, c.creds.Password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, retryableErr(vmerr.Wrap(vmerr.KindInternal, err, "registry request"))
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		resp.Body.Close()
		challenge := resp.Header.Get("Www-Authenticate")
		token, authErr := c.authenticate(ctx, challenge, repoScope)
		if authErr != nil {
			return nil, authErr
		}
		c.tokens.set(repoScope, token)

		r2, size2, err := body()
		if err != nil {
			return nil, vmerr.Wrap(vmerr.KindInternal, err, "rebuild request body")
		}
		req2, err := http.NewRequestWithContext(ctx, method, fullURL, r2)
		if err != nil {
			return nil, vmerr.Wrap(vmerr.KindInvalidArgument, err, "rebuild request")
		}
		if size2 > 0 {
			req2.ContentLength = size2
		}
		req2.Header.Set("User-Agent", c.userAgent)
		for k, vv := range headers {
			for _, v := range vv {
				req2.Header.Add(k, v)
			}
		}
		req2.Header.Set("Authorization", "Bearer "+token.Token)
		resp2, err := c.httpClient.Do(req2)
		if err != nil {
			return nil, retryableErr(vmerr.Wrap(vmerr.KindInternal, err, "registry request"))
		}
		resp = resp2
	}

	if resp.StatusCode >= 500 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		resp.Body.Close()
		return nil, retryableErr(vmerr.Newf(vmerr.KindInternal, "registry %s %s: %s: %s", method, fullURL, resp.Status, strings.TrimSpace(string(body))))
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		if resp.StatusCode == http.StatusNotFound {
			return nil, vmerr.Newf(vmerr.KindNotFound, "registry %s %s: %s: %s", method, fullURL, resp.Status, strings.TrimSpace(string(b)))
		}
		return nil, vmerr.Newf(vmerr.KindInternal, "registry %s %s: %s: %s", method, fullURL, resp.Status, strings.TrimSpace(string(b)))
	}

	return resp, nil
}

type retryableError struct{ error }

func retryableErr(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err}
}

func isRetryable(err error) bool {
	_, ok := err.(*retryableError)
	return ok
}

func (e *retryableError) Unwrap() error { return e.error }

func (c *Client) url(repo, p string) string {
	return fmt.Sprintf("%s/v2/%s%s", c.baseURL(), repo, p)
}
