// Copyright 2025 Stashmirror Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package source is the typed client for the upstream content library.
// Transient failures are retried with backoff; shape errors abort the run.
package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"stashmirror/internal/common"
	"stashmirror/internal/storage"
	"stashmirror/internal/util"
)

// DefaultPerPage is the page size used by sync when the config does not
// override it.
const DefaultPerPage = 100

// Client talks to one upstream source instance.
type Client struct {
	instanceID string
	baseURL    string
	apiKey     string
	httpClient *http.Client
	log        *log.Entry
}

// New creates a client for one source instance.
func New(instanceID, baseURL, apiKey string) *Client {
	return &Client{
		instanceID: instanceID,
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		log:        log.WithField("instance", instanceID),
	}
}

// InstanceID returns the source instance id this client serves.
func (c *Client) InstanceID() string {
	return c.instanceID
}

// entityPath maps an entity type to its collection path segment.
func entityPath(entity storage.EntityType) string {
	switch entity {
	case storage.EntityScene:
		return "scenes"
	case storage.EntityPerformer:
		return "performers"
	case storage.EntityStudio:
		return "studios"
	case storage.EntityTag:
		return "tags"
	case storage.EntityGroup:
		return "groups"
	case storage.EntityGallery:
		return "galleries"
	case storage.EntityImage:
		return "images"
	}
	return ""
}

// get issues one GET and decodes the JSON body into out. Network failures and
// 5xx responses are retried by the caller via util.UpstreamRetryOptions;
// undecodable bodies are shape errors and never retried.
func (c *Client) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("ApiKey", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: %s returned %d", common.ErrUpstreamUnavailable, path, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s returned %d", common.ErrUpstreamShape, path, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrUpstreamUnavailable, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: decoding %s: %v", common.ErrUpstreamShape, path, err)
	}
	return nil
}

// findQuery builds the paging query shared by all find endpoints.
func findQuery(page, perPage int, updatedAfter time.Time) url.Values {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("per_page", strconv.Itoa(perPage))
	q.Set("sort", "id")
	if !updatedAfter.IsZero() {
		q.Set("updated_after", updatedAfter.UTC().Format(time.RFC3339))
	}
	return q
}

// findPage fetches one typed page with retries.
func findPage[T any](ctx context.Context, c *Client, entity storage.EntityType, page, perPage int, updatedAfter time.Time) (*Page[T], error) {
	path := "/api/" + entityPath(entity)
	return util.RetryWithResult(ctx, func() (*Page[T], error) {
		var result Page[T]
		if err := c.get(ctx, path, findQuery(page, perPage, updatedAfter), &result); err != nil {
			return nil, err
		}
		return &result, nil
	}, util.UpstreamRetryOptions(ctx)...)
}

// FindScenes returns one page of scenes. A zero updatedAfter means all.
func (c *Client) FindScenes(ctx context.Context, page, perPage int, updatedAfter time.Time) (*Page[ScenePayload], error) {
	return findPage[ScenePayload](ctx, c, storage.EntityScene, page, perPage, updatedAfter)
}

// FindPerformers returns one page of performers.
func (c *Client) FindPerformers(ctx context.Context, page, perPage int, updatedAfter time.Time) (*Page[PerformerPayload], error) {
	return findPage[PerformerPayload](ctx, c, storage.EntityPerformer, page, perPage, updatedAfter)
}

// FindStudios returns one page of studios.
func (c *Client) FindStudios(ctx context.Context, page, perPage int, updatedAfter time.Time) (*Page[StudioPayload], error) {
	return findPage[StudioPayload](ctx, c, storage.EntityStudio, page, perPage, updatedAfter)
}

// FindTags returns one page of tags.
func (c *Client) FindTags(ctx context.Context, page, perPage int, updatedAfter time.Time) (*Page[TagPayload], error) {
	return findPage[TagPayload](ctx, c, storage.EntityTag, page, perPage, updatedAfter)
}

// FindGroups returns one page of groups.
func (c *Client) FindGroups(ctx context.Context, page, perPage int, updatedAfter time.Time) (*Page[GroupPayload], error) {
	return findPage[GroupPayload](ctx, c, storage.EntityGroup, page, perPage, updatedAfter)
}

// FindGalleries returns one page of galleries.
func (c *Client) FindGalleries(ctx context.Context, page, perPage int, updatedAfter time.Time) (*Page[GalleryPayload], error) {
	return findPage[GalleryPayload](ctx, c, storage.EntityGallery, page, perPage, updatedAfter)
}

// FindImages returns one page of images.
func (c *Client) FindImages(ctx context.Context, page, perPage int, updatedAfter time.Time) (*Page[ImagePayload], error) {
	return findPage[ImagePayload](ctx, c, storage.EntityImage, page, perPage, updatedAfter)
}

// FindIDs returns the complete upstream id set for one entity type. Full sync
// diffs this set against the store to detect deletions.
func (c *Client) FindIDs(ctx context.Context, entity storage.EntityType) ([]string, error) {
	path := "/api/" + entityPath(entity) + "/ids"
	return util.RetryWithResult(ctx, func() ([]string, error) {
		var ids []string
		if err := c.get(ctx, path, nil, &ids); err != nil {
			return nil, err
		}
		return ids, nil
	}, util.UpstreamRetryOptions(ctx)...)
}

// UpdateOverlay writes rating/favorite/counter values back to the upstream
// source for one entity. Structural fields are never written back.
func (c *Client) UpdateOverlay(ctx context.Context, entity storage.EntityType, externalID string, patch OverlayPatch) error {
	path := "/api/" + entityPath(entity) + "/" + url.PathEscape(externalID)
	payload, err := json.Marshal(patch)
	if err != nil {
		return err
	}
	return util.Retry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			req.Header.Set("ApiKey", c.apiKey)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %v", common.ErrUpstreamUnavailable, err)
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)
		if resp.StatusCode >= 500 {
			return fmt.Errorf("%w: %s returned %d", common.ErrUpstreamUnavailable, path, resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
			return fmt.Errorf("%w: %s returned %d", common.ErrUpstreamShape, path, resp.StatusCode)
		}
		return nil
	}, util.UpstreamRetryOptions(ctx)...)
}
