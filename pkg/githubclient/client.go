// Copyright 2023 The Authors (see AUTHORS file)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package githubclient talks to the GitHub REST API. Every call resolves its
// credential at request time, records the quota headers it observes, and
// returns classified errors the HTTP edge can map directly.
package githubclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/abcxyz/pkg/logging"
	"github.com/gitnexus/gitnexus/pkg/security"
	"github.com/gitnexus/gitnexus/pkg/token"
)

const (
	// DefaultBaseURL is the public GitHub API endpoint.
	DefaultBaseURL = "https://api.github.com"

	acceptJSON = "application/vnd.github.v3+json"
	acceptRaw  = "application/vnd.github.v3.raw"
	apiVersion = "2022-11-28"

	// maxConcurrentCalls bounds parallel upstream requests across all
	// callers.
	maxConcurrentCalls = 5

	// perPage is the page size for list endpoints.
	perPage = 100

	requestTimeout  = 30 * time.Second
	downloadTimeout = 300 * time.Second

	// errorBodyLimit bounds how much of an error response is retained.
	errorBodyLimit = 4 << 10
)

// RateLimitRecorder receives quota observations read off response headers.
type RateLimitRecorder interface {
	RecordRateLimit(ctx context.Context, limit, remaining, reset int64, source string) error
}

// Client is a GitHub REST API client.
type Client struct {
	baseURL    string
	httpClient *http.Client
	downloader *http.Client
	recorder   RateLimitRecorder
	sem        *semaphore.Weighted
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the API transport, mostly for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a Client. baseURL falls back to the public API when empty.
// recorder may be nil when quota tracking is not wanted.
func New(baseURL string, recorder RateLimitRecorder, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: requestTimeout},
		downloader: &http.Client{Timeout: downloadTimeout},
		recorder:   recorder,
		sem:        semaphore.NewWeighted(maxConcurrentCalls),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Close releases idle connections.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
	c.downloader.CloseIdleConnections()
}

// do executes one API request under the concurrency bound. The caller owns
// the response body.
func (c *Client) do(ctx context.Context, op string, cred token.Credential, req *http.Request) (*http.Response, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, &Error{Kind: KindInternal, Op: op, Err: err}
	}
	defer c.sem.Release(1)

	req.Header.Set("X-GitHub-Api-Version", apiVersion)
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", acceptJSON)
	}
	if cred.Token != "" {
		req.Header.Set("Authorization", "Bearer "+cred.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classify(op, err)
	}

	c.recordQuota(ctx, resp, cred.Source)
	return resp, nil
}

// recordQuota forwards the X-RateLimit headers, when present, to the
// recorder. Failures are logged rather than surfaced; quota tracking never
// fails a user request.
func (c *Client) recordQuota(ctx context.Context, resp *http.Response, source string) {
	if c.recorder == nil {
		return
	}
	limit, err := strconv.ParseInt(resp.Header.Get("X-RateLimit-Limit"), 10, 64)
	if err != nil {
		return
	}
	remaining, _ := strconv.ParseInt(resp.Header.Get("X-RateLimit-Remaining"), 10, 64)
	reset, _ := strconv.ParseInt(resp.Header.Get("X-RateLimit-Reset"), 10, 64)

	if err := c.recorder.RecordRateLimit(ctx, limit, remaining, reset, source); err != nil {
		logging.FromContext(ctx).WarnContext(ctx, "failed to record rate limit",
			"error", err)
	}
}

// getJSON fetches one resource and decodes the 2xx body into v.
func (c *Client) getJSON(ctx context.Context, op string, cred token.Credential, path string, query url.Values, v any) error {
	resp, err := c.getResponse(ctx, op, cred, path, query, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return &Error{Kind: KindDecode, Op: op, Err: err}
	}
	return nil
}

// getResponse fetches one resource, turning non-2xx statuses into errors.
func (c *Client) getResponse(ctx context.Context, op string, cred token.Credential, path string, query url.Values, accept string) (*http.Response, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &Error{Kind: KindInternal, Op: op, Err: err}
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}

	resp, err := c.do(ctx, op, cred, req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		return nil, &Error{
			Kind:       KindHTTPStatus,
			Op:         op,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
	}
	return resp, nil
}

// nextLinkRE matches the rel="next" target in a Link header.
var nextLinkRE = regexp.MustCompile(`<([^>]+)>;\s*rel="next"`)

// lastPageRE extracts the page number from the rel="last" target.
var lastPageRE = regexp.MustCompile(`[?&]page=(\d+)`)

// nextPageURL returns the rel="next" URL from a Link header, or "".
func nextPageURL(linkHeader string) string {
	m := nextLinkRE.FindStringSubmatch(linkHeader)
	if m == nil {
		return ""
	}
	return m[1]
}

// lastPage returns the rel="last" page number from a Link header, or 0.
func lastPage(linkHeader string) int {
	for _, part := range strings.Split(linkHeader, ",") {
		if !strings.Contains(part, `rel="last"`) {
			continue
		}
		m := lastPageRE.FindStringSubmatch(part)
		if m == nil {
			return 0
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return 0
		}
		return n
	}
	return 0
}

// paginate walks a list endpoint page by page, decoding each page into a
// fresh []json.RawMessage and handing it to fn. It stops when a page comes
// back empty, there is no rel="next" link, or fn returns false.
func (c *Client) paginate(ctx context.Context, op string, cred token.Credential, path string, query url.Values, fn func(page []json.RawMessage) bool) error {
	if query == nil {
		query = url.Values{}
	}
	query.Set("per_page", strconv.Itoa(perPage))

	u := c.baseURL + path + "?" + query.Encode()
	for u != "" {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return &Error{Kind: KindInternal, Op: op, Err: err}
		}

		resp, err := c.do(ctx, op, cred, req)
		if err != nil {
			return err
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
			resp.Body.Close()
			return &Error{
				Kind:       KindHTTPStatus,
				Op:         op,
				StatusCode: resp.StatusCode,
				Body:       strings.TrimSpace(string(body)),
			}
		}

		var page []json.RawMessage
		err = json.NewDecoder(resp.Body).Decode(&page)
		link := resp.Header.Get("Link")
		resp.Body.Close()
		if err != nil {
			return &Error{Kind: KindDecode, Op: op, Err: err}
		}

		if len(page) == 0 {
			return nil
		}
		if !fn(page) {
			return nil
		}
		u = nextPageURL(link)
	}
	return nil
}

// decodePage unmarshals the raw items of one page into typed values.
func decodePage[T any](op string, page []json.RawMessage) ([]*T, error) {
	out := make([]*T, 0, len(page))
	for _, raw := range page {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, &Error{Kind: KindDecode, Op: op, Err: err}
		}
		out = append(out, &v)
	}
	return out, nil
}

// repoURLRE matches a GitHub repository web URL.
var repoURLRE = regexp.MustCompile(`^(?:https?://)?(?:www\.)?github\.com/([^/\s]+)/([^/\s]+?)(?:\.git)?/?$`)

// ownerRepoRE matches a bare "owner/repo" spec.
var ownerRepoRE = regexp.MustCompile(`^([^/\s]+)/([^/\s]+?)(?:\.git)?$`)

// ParseRepoURL extracts (owner, repo) from a repository URL or a bare
// "owner/repo" spec.
func ParseRepoURL(input string) (string, string, error) {
	input = strings.TrimSpace(input)
	if m := repoURLRE.FindStringSubmatch(input); m != nil {
		return m[1], m[2], nil
	}
	if m := ownerRepoRE.FindStringSubmatch(input); m != nil {
		return m[1], m[2], nil
	}
	return "", "", fmt.Errorf("unrecognized repository reference %q", input)
}

// DownloadAsset streams a release asset. The URL must pass the download
// allowlist. The returned body must be closed by the caller; size is -1 when
// unknown.
func (c *Client) DownloadAsset(ctx context.Context, cred token.Credential, rawURL string) (io.ReadCloser, int64, string, error) {
	const op = "download_asset"

	if err := security.ValidateDownloadURL(rawURL); err != nil {
		return nil, 0, "", fmt.Errorf("download rejected: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, "", &Error{Kind: KindInternal, Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/octet-stream")
	if cred.Token != "" {
		req.Header.Set("Authorization", "Bearer "+cred.Token)
	}

	resp, err := c.downloader.Do(req)
	if err != nil {
		return nil, 0, "", classify(op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		return nil, 0, "", &Error{
			Kind:       KindHTTPStatus,
			Op:         op,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return resp.Body, resp.ContentLength, contentType, nil
}
