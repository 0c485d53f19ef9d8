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

package githubclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/gitnexus/gitnexus/pkg/token"
)

// User is a GitHub user profile.
type User struct {
	Login       string `json:"login"`
	Name        string `json:"name"`
	AvatarURL   string `json:"avatar_url"`
	HTMLURL     string `json:"html_url"`
	Bio         string `json:"bio"`
	Company     string `json:"company"`
	Location    string `json:"location"`
	Blog        string `json:"blog"`
	PublicRepos int    `json:"public_repos"`
	Followers   int    `json:"followers"`
	Following   int    `json:"following"`
	CreatedAt   string `json:"created_at"`
}

// Repo is a GitHub repository.
type Repo struct {
	ID              int64  `json:"id"`
	Name            string `json:"name"`
	FullName        string `json:"full_name"`
	Description     string `json:"description"`
	HTMLURL         string `json:"html_url"`
	Language        string `json:"language"`
	StargazersCount int    `json:"stargazers_count"`
	ForksCount      int    `json:"forks_count"`
	OpenIssuesCount int    `json:"open_issues_count"`
	DefaultBranch   string `json:"default_branch"`
	Fork            bool   `json:"fork"`
	Archived        bool   `json:"archived"`
	PushedAt        string `json:"pushed_at"`
	UpdatedAt       string `json:"updated_at"`
	CreatedAt       string `json:"created_at"`
	Owner           struct {
		Login     string `json:"login"`
		AvatarURL string `json:"avatar_url"`
	} `json:"owner"`
}

// ReleaseAsset is one downloadable artifact on a release.
type ReleaseAsset struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	DownloadURL string `json:"browser_download_url"`
	ContentType string `json:"content_type"`
	UpdatedAt   string `json:"updated_at"`
}

// Release is a GitHub release.
type Release struct {
	ID          int64          `json:"id"`
	TagName     string         `json:"tag_name"`
	Name        string         `json:"name"`
	HTMLURL     string         `json:"html_url"`
	Body        string         `json:"body"`
	Prerelease  bool           `json:"prerelease"`
	Draft       bool           `json:"draft"`
	PublishedAt time.Time      `json:"published_at"`
	Assets      []ReleaseAsset `json:"assets"`
	ZipballURL  string         `json:"zipball_url"`
	TarballURL  string         `json:"tarball_url"`
}

// CommitItem is one entry of a repository commit listing.
type CommitItem struct {
	SHA     string `json:"sha"`
	HTMLURL string `json:"html_url"`
	Commit  struct {
		Message string `json:"message"`
		Author  struct {
			Name  string    `json:"name"`
			Email string    `json:"email"`
			Date  time.Time `json:"date"`
		} `json:"author"`
	} `json:"commit"`
	Author *struct {
		Login     string `json:"login"`
		AvatarURL string `json:"avatar_url"`
	} `json:"author"`
}

// QuotaCore is the core resource of the rate limit endpoint.
type QuotaCore struct {
	Limit     int64 `json:"limit"`
	Remaining int64 `json:"remaining"`
	Reset     int64 `json:"reset"`
}

// User fetches a user profile.
func (c *Client) User(ctx context.Context, cred token.Credential, username string) (*User, error) {
	var u User
	if err := c.getJSON(ctx, "get_user", cred, "/users/"+url.PathEscape(username), nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// UserRepos fetches every public repository of a user, following pagination
// to the end. sortBy selects the listing order, defaulting to most recently
// pushed.
func (c *Client) UserRepos(ctx context.Context, cred token.Credential, username, sortBy string) ([]*Repo, error) {
	const op = "list_user_repos"

	if sortBy == "" {
		sortBy = "pushed"
	}

	var repos []*Repo
	var pageErr error
	query := url.Values{"sort": []string{sortBy}}
	err := c.paginate(ctx, op, cred, "/users/"+url.PathEscape(username)+"/repos", query,
		func(page []json.RawMessage) bool {
			decoded, err := decodePage[Repo](op, page)
			if err != nil {
				pageErr = err
				return false
			}
			repos = append(repos, decoded...)
			return true
		})
	if err != nil {
		return nil, err
	}
	if pageErr != nil {
		return nil, pageErr
	}
	return repos, nil
}

// RepoMetadata fetches one repository.
func (c *Client) RepoMetadata(ctx context.Context, cred token.Credential, owner, repo string) (*Repo, error) {
	var r Repo
	path := "/repos/" + url.PathEscape(owner) + "/" + url.PathEscape(repo)
	if err := c.getJSON(ctx, "get_repo", cred, path, nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Readme fetches a repository's README as rendered-ready markdown text. A
// missing README is returned as an empty string, not an error.
func (c *Client) Readme(ctx context.Context, cred token.Credential, owner, repo string) (string, error) {
	const op = "get_readme"

	path := "/repos/" + url.PathEscape(owner) + "/" + url.PathEscape(repo) + "/readme"
	resp, err := c.getResponse(ctx, op, cred, path, nil, acceptRaw)
	if err != nil {
		if IsStatus(err, http.StatusNotFound) {
			return "", nil
		}
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &Error{Kind: KindNetwork, Op: op, Err: err}
	}
	return string(body), nil
}

// CommitCount returns the total number of commits on the default branch
// without walking the history. An empty repository counts as zero.
func (c *Client) CommitCount(ctx context.Context, cred token.Credential, owner, repo string) (int, error) {
	const op = "count_commits"

	path := "/repos/" + url.PathEscape(owner) + "/" + url.PathEscape(repo) + "/commits"
	query := url.Values{"per_page": []string{"1"}}
	resp, err := c.getResponse(ctx, op, cred, path, query, "")
	if err != nil {
		// GitHub answers 409 for a repository with no commits.
		if IsStatus(err, http.StatusConflict) {
			return 0, nil
		}
		return 0, err
	}
	defer resp.Body.Close()

	if n := lastPage(resp.Header.Get("Link")); n > 0 {
		return n, nil
	}

	// No pagination means the whole listing fit in one page.
	var page []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return 0, &Error{Kind: KindDecode, Op: op, Err: err}
	}
	return len(page), nil
}

// RecentCommits fetches the newest commits of a repository, newest first,
// bounded by limit.
func (c *Client) RecentCommits(ctx context.Context, cred token.Credential, owner, repo string, limit int) ([]*CommitItem, error) {
	const op = "list_commits"

	var commits []*CommitItem
	var pageErr error
	path := "/repos/" + url.PathEscape(owner) + "/" + url.PathEscape(repo) + "/commits"
	err := c.paginate(ctx, op, cred, path, nil, func(page []json.RawMessage) bool {
		decoded, err := decodePage[CommitItem](op, page)
		if err != nil {
			pageErr = err
			return false
		}
		commits = append(commits, decoded...)
		return len(commits) < limit
	})
	if err != nil {
		if IsStatus(err, http.StatusConflict) {
			return nil, nil
		}
		return nil, err
	}
	if pageErr != nil {
		return nil, pageErr
	}
	if len(commits) > limit {
		commits = commits[:limit]
	}
	return commits, nil
}

// LatestRelease fetches the newest non-draft, non-prerelease release, or nil
// when the repository has none.
func (c *Client) LatestRelease(ctx context.Context, cred token.Credential, owner, repo string) (*Release, error) {
	var r Release
	path := "/repos/" + url.PathEscape(owner) + "/" + url.PathEscape(repo) + "/releases/latest"
	if err := c.getJSON(ctx, "get_latest_release", cred, path, nil, &r); err != nil {
		if IsStatus(err, http.StatusNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &r, nil
}

// Releases fetches the releases of a repository, newest first, bounded by
// limit.
func (c *Client) Releases(ctx context.Context, cred token.Credential, owner, repo string, limit int) ([]*Release, error) {
	const op = "list_releases"

	var releases []*Release
	var pageErr error
	path := "/repos/" + url.PathEscape(owner) + "/" + url.PathEscape(repo) + "/releases"
	err := c.paginate(ctx, op, cred, path, nil, func(page []json.RawMessage) bool {
		decoded, err := decodePage[Release](op, page)
		if err != nil {
			pageErr = err
			return false
		}
		releases = append(releases, decoded...)
		return len(releases) < limit
	})
	if err != nil {
		return nil, err
	}
	if pageErr != nil {
		return nil, pageErr
	}
	if len(releases) > limit {
		releases = releases[:limit]
	}
	return releases, nil
}

// Quota fetches the current core rate limit.
func (c *Client) Quota(ctx context.Context, cred token.Credential) (*QuotaCore, error) {
	var body struct {
		Resources struct {
			Core QuotaCore `json:"core"`
		} `json:"resources"`
	}
	if err := c.getJSON(ctx, "get_rate_limit", cred, "/rate_limit", nil, &body); err != nil {
		return nil, err
	}
	return &body.Resources.Core, nil
}

// IsStatus reports whether err is an upstream HTTP error with the given
// status code.
func IsStatus(err error, code int) bool {
	var gerr *Error
	if !errors.As(err, &gerr) {
		return false
	}
	return gerr.Kind == KindHTTPStatus && gerr.StatusCode == code
}
