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

// Package syncer pulls entity pages from upstream sources into the mirror
// store. Full sync rebuilds the complete local picture including deletion
// detection; incremental sync fetches only rows changed since the last run.
package syncer

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"stashmirror/internal/common"
	"stashmirror/internal/source"
	"stashmirror/internal/storage"
)

// Kind selects the sync strategy for one run.
type Kind string

const (
	// KindSmart picks full or incremental based on sync history.
	KindSmart Kind = "smart"
	// KindFull re-fetches everything and soft-deletes rows missing upstream.
	KindFull Kind = "full"
	// KindIncremental fetches only entities updated since the last sync.
	KindIncremental Kind = "incremental"
)

// DefaultEscalateAfter is the consecutive-failure count at which smart sync
// escalates from incremental to full.
const DefaultEscalateAfter = 3

// incrementalOverlap is subtracted from the watermark passed to incremental
// fetches, covering upstream clock skew at the cost of re-upserting a few
// rows (upserts are idempotent).
const incrementalOverlap = 5 * time.Minute

// infoKeyFullSchemaVersion records the schema version the last complete full
// sync ran under. A mismatch after migration forces the next smart sync to
// run full, repopulating columns the migration added.
const infoKeyFullSchemaVersion = "last_full_schema_version"

// Deriver recomputes derived metadata after entity writes.
type Deriver interface {
	Recompute(ctx context.Context, instanceID string) error
}

type runKey struct {
	instance string
	entity   storage.EntityType
}

// Options tunes orchestrator behavior. Zero values select defaults.
type Options struct {
	PerPage       int
	EscalateAfter int64
}

// Orchestrator coordinates sync runs. One (instance, entity type) pair runs
// at most once concurrently; a second trigger gets common.ErrSyncRunning.
type Orchestrator struct {
	store    *storage.Store
	pipeline *Pipeline
	deriver  Deriver
	clients  map[string]*source.Client

	perPage       int
	escalateAfter int64

	mu      sync.Mutex
	running map[runKey]struct{}
}

// NewOrchestrator creates an orchestrator over the given source clients.
func NewOrchestrator(store *storage.Store, deriver Deriver, clients []*source.Client, opts Options) *Orchestrator {
	if opts.PerPage <= 0 {
		opts.PerPage = source.DefaultPerPage
	}
	if opts.EscalateAfter <= 0 {
		opts.EscalateAfter = DefaultEscalateAfter
	}
	byID := make(map[string]*source.Client, len(clients))
	for _, c := range clients {
		byID[c.InstanceID()] = c
	}
	return &Orchestrator{
		store:         store,
		pipeline:      NewPipeline(store),
		deriver:       deriver,
		clients:       byID,
		perPage:       opts.PerPage,
		escalateAfter: opts.EscalateAfter,
		running:       make(map[runKey]struct{}),
	}
}

// Instances returns the configured source instance ids.
func (o *Orchestrator) Instances() []string {
	ids := make([]string, 0, len(o.clients))
	for id := range o.clients {
		ids = append(ids, id)
	}
	return ids
}

func (o *Orchestrator) acquire(key runKey) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.running[key]; busy {
		return false
	}
	o.running[key] = struct{}{}
	return true
}

func (o *Orchestrator) release(key runKey) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.running, key)
}

// schemaChanged reports whether the store schema version differs from the one
// recorded at the last complete full sync.
func (o *Orchestrator) schemaChanged(ctx context.Context) (bool, error) {
	current, err := o.store.SchemaVersionOf(ctx)
	if err != nil {
		return false, err
	}
	recorded, err := o.store.GetInfo(ctx, infoKeyFullSchemaVersion)
	if err != nil {
		return false, err
	}
	return recorded != strconv.Itoa(current), nil
}

// decide resolves a smart kind into full or incremental for one state row.
func (o *Orchestrator) decide(state *storage.SyncStateModel, schemaChanged bool) Kind {
	if state.LastFullAt == 0 {
		return KindFull
	}
	if schemaChanged {
		return KindFull
	}
	if state.ConsecutiveFailures >= o.escalateAfter {
		return KindFull
	}
	return KindIncremental
}

// SyncEntity runs one sync for one (instance, entity type) pair. Returns
// common.ErrSyncRunning if the pair is already syncing. The derive pass is
// NOT run here; callers that sync single entities call Derive themselves or
// use SyncAll.
func (o *Orchestrator) SyncEntity(ctx context.Context, instanceID string, entity storage.EntityType, kind Kind) error {
	client, ok := o.clients[instanceID]
	if !ok {
		return fmt.Errorf("unknown source instance %q", instanceID)
	}
	if !storage.ValidEntityType(entity) {
		return fmt.Errorf("%w: %q", common.ErrUnknownEntity, entity)
	}

	key := runKey{instance: instanceID, entity: entity}
	if !o.acquire(key) {
		return common.ErrSyncRunning
	}
	defer o.release(key)

	state, err := o.store.GetSyncState(ctx, instanceID, entity)
	if err != nil {
		return err
	}
	if kind == KindSmart || kind == "" {
		changed, err := o.schemaChanged(ctx)
		if err != nil {
			return err
		}
		kind = o.decide(state, changed)
	}

	runID := uuid.New().String()[:8]
	logger := log.WithFields(log.Fields{
		"run":      runID,
		"instance": instanceID,
		"entity":   entity,
		"kind":     kind,
	})
	logger.Info("sync starting")

	started := time.Now()
	state.Status = "running"
	if err := o.store.PutSyncState(ctx, state); err != nil {
		return err
	}

	var runErr error
	switch kind {
	case KindFull:
		runErr = o.runFull(ctx, client, instanceID, entity)
	case KindIncremental:
		runErr = o.runIncremental(ctx, client, instanceID, entity, state)
	default:
		runErr = fmt.Errorf("unknown sync kind %q", kind)
	}

	state.Status = "idle"
	state.LastDurationMs = time.Since(started).Milliseconds()
	if runErr != nil {
		state.LastError = runErr.Error()
		state.ConsecutiveFailures++
		logger.WithError(runErr).Warn("sync failed")
	} else {
		// The watermark is the run's start time: anything updated upstream
		// while the run was in flight is picked up next run.
		state.LastError = ""
		state.ConsecutiveFailures = 0
		if kind == KindFull {
			state.LastFullAt = started.Unix()
		}
		state.LastIncrementalAt = started.Unix()
		if n, err := o.store.CountActive(ctx, entity, instanceID); err == nil {
			state.TotalCount = n
		}
		logger.WithField("duration_ms", state.LastDurationMs).Info("sync complete")
	}
	if err := o.store.PutSyncState(ctx, state); err != nil {
		if runErr != nil {
			return runErr
		}
		return err
	}
	return runErr
}

// SyncAll syncs every entity type for one instance in dependency order, then
// runs the derive pass. Entity failures don't abort the remaining types; the
// first error is returned after all types have been attempted.
func (o *Orchestrator) SyncAll(ctx context.Context, instanceID string, kind Kind) error {
	var firstErr error
	allFull := true
	for _, entity := range storage.EntityTypes {
		effective := kind
		if effective == KindSmart || effective == "" {
			// decided per entity inside SyncEntity
			effective = KindSmart
		}
		err := o.SyncEntity(ctx, instanceID, entity, effective)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			allFull = false
			continue
		}
		if effective != KindFull {
			state, serr := o.store.GetSyncState(ctx, instanceID, entity)
			if serr != nil || state.LastFullAt == 0 {
				allFull = false
			}
		}
	}

	if err := o.Derive(ctx, instanceID); err != nil && firstErr == nil {
		firstErr = err
	}

	// Record the schema version once every entity type has a completed full
	// sync under it, so smart sync stops forcing full runs.
	if firstErr == nil && allFull {
		if version, err := o.store.SchemaVersionOf(ctx); err == nil {
			if err := o.store.SetInfo(ctx, infoKeyFullSchemaVersion, strconv.Itoa(version)); err != nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Derive recomputes derived metadata for one instance.
func (o *Orchestrator) Derive(ctx context.Context, instanceID string) error {
	if o.deriver == nil {
		return nil
	}
	return o.deriver.Recompute(ctx, instanceID)
}

// runFull fetches all pages and soft-deletes local rows absent upstream.
func (o *Orchestrator) runFull(ctx context.Context, client *source.Client, instanceID string, entity storage.EntityType) error {
	if _, err := o.fetchPages(ctx, client, instanceID, entity, time.Time{}); err != nil {
		return err
	}
	ids, err := client.FindIDs(ctx, entity)
	if err != nil {
		return err
	}
	removed, err := o.store.SoftDeleteMissing(ctx, entity, instanceID, ids)
	if err != nil {
		return err
	}
	if removed > 0 {
		log.WithFields(log.Fields{
			"instance": instanceID,
			"entity":   entity,
			"removed":  removed,
		}).Info("soft-deleted rows missing upstream")
	}
	return nil
}

// runIncremental fetches pages updated since the last successful run. It can
// never detect deletions; only full sync does that.
func (o *Orchestrator) runIncremental(ctx context.Context, client *source.Client, instanceID string, entity storage.EntityType, state *storage.SyncStateModel) error {
	watermark := state.LastIncrementalAt
	if state.LastFullAt > watermark {
		watermark = state.LastFullAt
	}
	since := time.Unix(watermark, 0).Add(-incrementalOverlap)
	_, err := o.fetchPages(ctx, client, instanceID, entity, since)
	return err
}

// fetchPages pages through one entity type's find endpoint, committing each
// page in its own transaction. A zero updatedAfter fetches everything.
func (o *Orchestrator) fetchPages(ctx context.Context, client *source.Client, instanceID string, entity storage.EntityType, updatedAfter time.Time) (int64, error) {
	switch entity {
	case storage.EntityScene:
		return pageThrough(ctx, o.perPage,
			func(page int) (*source.Page[source.ScenePayload], error) {
				return client.FindScenes(ctx, page, o.perPage, updatedAfter)
			},
			func(items []source.ScenePayload) error {
				return o.pipeline.UpsertScenes(ctx, instanceID, items)
			})
	case storage.EntityPerformer:
		return pageThrough(ctx, o.perPage,
			func(page int) (*source.Page[source.PerformerPayload], error) {
				return client.FindPerformers(ctx, page, o.perPage, updatedAfter)
			},
			func(items []source.PerformerPayload) error {
				return o.pipeline.UpsertPerformers(ctx, instanceID, items)
			})
	case storage.EntityStudio:
		return pageThrough(ctx, o.perPage,
			func(page int) (*source.Page[source.StudioPayload], error) {
				return client.FindStudios(ctx, page, o.perPage, updatedAfter)
			},
			func(items []source.StudioPayload) error {
				return o.pipeline.UpsertStudios(ctx, instanceID, items)
			})
	case storage.EntityTag:
		return pageThrough(ctx, o.perPage,
			func(page int) (*source.Page[source.TagPayload], error) {
				return client.FindTags(ctx, page, o.perPage, updatedAfter)
			},
			func(items []source.TagPayload) error {
				return o.pipeline.UpsertTags(ctx, instanceID, items)
			})
	case storage.EntityGroup:
		return pageThrough(ctx, o.perPage,
			func(page int) (*source.Page[source.GroupPayload], error) {
				return client.FindGroups(ctx, page, o.perPage, updatedAfter)
			},
			func(items []source.GroupPayload) error {
				return o.pipeline.UpsertGroups(ctx, instanceID, items)
			})
	case storage.EntityGallery:
		return pageThrough(ctx, o.perPage,
			func(page int) (*source.Page[source.GalleryPayload], error) {
				return client.FindGalleries(ctx, page, o.perPage, updatedAfter)
			},
			func(items []source.GalleryPayload) error {
				return o.pipeline.UpsertGalleries(ctx, instanceID, items)
			})
	case storage.EntityImage:
		return pageThrough(ctx, o.perPage,
			func(page int) (*source.Page[source.ImagePayload], error) {
				return client.FindImages(ctx, page, o.perPage, updatedAfter)
			},
			func(items []source.ImagePayload) error {
				return o.pipeline.UpsertImages(ctx, instanceID, items)
			})
	}
	return 0, fmt.Errorf("%w: %q", common.ErrUnknownEntity, entity)
}

// pageThrough drives the fetch/apply loop for one typed find endpoint.
func pageThrough[T any](ctx context.Context, perPage int, fetch func(page int) (*source.Page[T], error), apply func([]T) error) (int64, error) {
	var n int64
	for page := 1; ; page++ {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		result, err := fetch(page)
		if err != nil {
			return n, err
		}
		if len(result.Items) == 0 {
			return n, nil
		}
		if err := apply(result.Items); err != nil {
			return n, err
		}
		n += int64(len(result.Items))
		if len(result.Items) < perPage || n >= result.Count {
			return n, nil
		}
	}
}
