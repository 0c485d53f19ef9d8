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

// Package watchlist checks tracked repositories for new releases. Lookups
// fan out with bounded concurrency and produce pure results; all database
// writes happen afterwards on a single transaction.
package watchlist

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/abcxyz/pkg/logging"
	"github.com/gitnexus/gitnexus/pkg/githubclient"
	"github.com/gitnexus/gitnexus/pkg/store"
	"github.com/gitnexus/gitnexus/pkg/token"
)

// StatusUnknown is recorded as the latest version when a repository has no
// releases.
const StatusUnknown = "Unknown"

// maxConcurrentChecks bounds parallel release lookups.
const maxConcurrentChecks = 5

// ReleaseFetcher is the upstream lookup the engine needs.
type ReleaseFetcher interface {
	LatestRelease(ctx context.Context, cred token.Credential, owner, repo string) (*githubclient.Release, error)
}

// CheckResult is the outcome for one tracked repository.
type CheckResult struct {
	RepoID    int64  `json:"repo_id"`
	Owner     string `json:"owner"`
	Name      string `json:"name"`
	Latest    string `json:"latest,omitempty"`
	HasUpdate bool   `json:"has_update"`
	Err       string `json:"error,omitempty"`
}

// Summary is the outcome of one full check.
type Summary struct {
	Checked int            `json:"checked"`
	Updated int            `json:"updated"`
	Results []*CheckResult `json:"results"`
}

// Engine runs watchlist checks.
type Engine struct {
	store   *store.Store
	fetcher ReleaseFetcher
}

// New creates an Engine.
func New(s *store.Store, fetcher ReleaseFetcher) *Engine {
	return &Engine{store: s, fetcher: fetcher}
}

// CheckAll checks every tracked repository and applies the results.
func (e *Engine) CheckAll(ctx context.Context, cred token.Credential) (*Summary, error) {
	repos, err := e.store.ListTracked(ctx)
	if err != nil {
		return nil, err
	}
	return e.check(ctx, cred, repos)
}

// CheckOne checks a single tracked repository.
func (e *Engine) CheckOne(ctx context.Context, cred token.Credential, id int64) (*CheckResult, error) {
	repos, err := e.store.ListTracked(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range repos {
		if r.ID == id {
			summary, err := e.check(ctx, cred, []*store.TrackedRepo{r})
			if err != nil {
				return nil, err
			}
			return summary.Results[0], nil
		}
	}
	return nil, fmt.Errorf("tracked repository %d not found", id)
}

// check fans out lookups, then applies every resulting update in one
// transaction. Lookup goroutines never touch the database.
func (e *Engine) check(ctx context.Context, cred token.Credential, repos []*store.TrackedRepo) (*Summary, error) {
	logger := logging.FromContext(ctx)

	results := make([]*CheckResult, len(repos))
	sem := semaphore.NewWeighted(maxConcurrentChecks)
	var wg sync.WaitGroup

	for i, repo := range repos {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("check cancelled: %w", err)
		}

		wg.Add(1)
		go func(i int, repo *store.TrackedRepo) {
			defer wg.Done()
			defer sem.Release(1)
			results[i] = e.lookup(ctx, cred, repo)
		}(i, repo)
	}
	wg.Wait()

	var updates []*store.TrackedUpdate
	for i, res := range results {
		if res.Err != "" {
			logger.WarnContext(ctx, "release check failed",
				"owner", res.Owner,
				"repo", res.Name,
				"error", res.Err)
			continue
		}
		repo := repos[i]
		updates = append(updates, &store.TrackedUpdate{
			RepoID:    res.RepoID,
			NewLatest: res.Latest,
			Updated:   res.Latest != repo.LatestVersion,
			// The first successful check seeds the baseline instead of
			// flagging every repo as updated.
			PromoteCurrent: repo.CurrentVersion == store.StatusNotChecked,
		})
	}

	updated, err := e.store.ApplyTrackedUpdates(ctx, updates)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].HasUpdate && !results[j].HasUpdate
	})
	return &Summary{
		Checked: len(repos),
		Updated: updated,
		Results: results,
	}, nil
}

// lookup fetches the latest release for one repo. It has no side effects.
func (e *Engine) lookup(ctx context.Context, cred token.Credential, repo *store.TrackedRepo) *CheckResult {
	res := &CheckResult{RepoID: repo.ID, Owner: repo.Owner, Name: repo.RepoName}

	rel, err := e.fetcher.LatestRelease(ctx, cred, repo.Owner, repo.RepoName)
	if err != nil {
		if githubclient.IsStatus(err, http.StatusNotFound) {
			res.Latest = StatusUnknown
			return res
		}
		res.Err = err.Error()
		return res
	}
	if rel == nil {
		res.Latest = StatusUnknown
		return res
	}

	res.Latest = rel.TagName
	res.HasUpdate = repo.CurrentVersion != store.StatusNotChecked &&
		rel.TagName != repo.CurrentVersion
	return res
}

// MarkCurrent promotes a tracked repo's latest known version to its current
// version, acknowledging the update.
func (e *Engine) MarkCurrent(ctx context.Context, id int64) error {
	repos, err := e.store.ListTracked(ctx)
	if err != nil {
		return err
	}
	for _, r := range repos {
		if r.ID != id {
			continue
		}
		if r.LatestVersion == "" {
			return fmt.Errorf("repository %d has no known latest version", id)
		}
		_, err := e.store.ApplyTrackedUpdates(ctx, []*store.TrackedUpdate{{
			RepoID:         id,
			NewLatest:      r.LatestVersion,
			PromoteCurrent: true,
		}})
		return err
	}
	return fmt.Errorf("tracked repository %d not found", id)
}
