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

package syncer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stashmirror/internal/common"
	"stashmirror/internal/source"
	"stashmirror/internal/storage"
)

// fakeUpstream serves the find and ids endpoints from in-memory slices,
// honoring page/per_page and updated_after the way the real source does.
type fakeUpstream struct {
	mu         sync.Mutex
	scenes     []source.ScenePayload
	performers []source.PerformerPayload
	studios    []source.StudioPayload
	tags       []source.TagPayload
	groups     []source.GroupPayload
	galleries  []source.GalleryPayload
	images     []source.ImagePayload

	srv *httptest.Server
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	t.Helper()
	f := &fakeUpstream{}
	mux := http.NewServeMux()
	registerEntity(mux, "scenes", f, &f.scenes,
		func(p source.ScenePayload) (string, time.Time) { return p.ID, p.UpdatedAt })
	registerEntity(mux, "performers", f, &f.performers,
		func(p source.PerformerPayload) (string, time.Time) { return p.ID, p.UpdatedAt })
	registerEntity(mux, "studios", f, &f.studios,
		func(p source.StudioPayload) (string, time.Time) { return p.ID, p.UpdatedAt })
	registerEntity(mux, "tags", f, &f.tags,
		func(p source.TagPayload) (string, time.Time) { return p.ID, p.UpdatedAt })
	registerEntity(mux, "groups", f, &f.groups,
		func(p source.GroupPayload) (string, time.Time) { return p.ID, p.UpdatedAt })
	registerEntity(mux, "galleries", f, &f.galleries,
		func(p source.GalleryPayload) (string, time.Time) { return p.ID, p.UpdatedAt })
	registerEntity(mux, "images", f, &f.images,
		func(p source.ImagePayload) (string, time.Time) { return p.ID, p.UpdatedAt })
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func registerEntity[T any](mux *http.ServeMux, path string, f *fakeUpstream, items *[]T, meta func(T) (string, time.Time)) {
	mux.HandleFunc("/api/"+path, func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		all := append([]T(nil), (*items)...)
		f.mu.Unlock()

		q := r.URL.Query()
		page, _ := strconv.Atoi(q.Get("page"))
		perPage, _ := strconv.Atoi(q.Get("per_page"))
		if page < 1 {
			page = 1
		}
		if perPage < 1 {
			perPage = 25
		}
		if after := q.Get("updated_after"); after != "" {
			cutoff, err := time.Parse(time.RFC3339, after)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			var changed []T
			for _, it := range all {
				if _, updated := meta(it); updated.After(cutoff) {
					changed = append(changed, it)
				}
			}
			all = changed
		}

		start := (page - 1) * perPage
		if start > len(all) {
			start = len(all)
		}
		end := start + perPage
		if end > len(all) {
			end = len(all)
		}
		resp := source.Page[T]{Count: int64(len(all)), Items: all[start:end]}
		if resp.Items == nil {
			resp.Items = []T{}
		}
		json.NewEncoder(w).Encode(resp)
	})

	mux.HandleFunc("/api/"+path+"/ids", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		ids := make([]string, 0, len(*items))
		for _, it := range *items {
			id, _ := meta(it)
			ids = append(ids, id)
		}
		f.mu.Unlock()
		json.NewEncoder(w).Encode(ids)
	})
}

func testOrchestrator(t *testing.T, f *fakeUpstream) (*Orchestrator, *storage.Store) {
	t.Helper()
	s, err := storage.Create(filepath.Join(t.TempDir(), "mirror.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	client := source.New("inst1", f.srv.URL, "")
	// small page size so multi-page fetching is exercised
	return NewOrchestrator(s, nil, []*source.Client{client}, Options{PerPage: 2}), s
}

func TestFullSync(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFakeUpstream(t)

	past := time.Now().Add(-time.Hour)
	f.tags = []source.TagPayload{{ID: "t1", Name: "outdoor", UpdatedAt: past}}
	for _, id := range []string{"s1", "s2", "s3", "s4", "s5"} {
		f.scenes = append(f.scenes, source.ScenePayload{
			ID: id, Title: "scene " + id,
			Tags:      []source.Ref{{ID: "t1"}},
			UpdatedAt: past,
		})
	}

	o, s := testOrchestrator(t, f)
	require.NoError(t, o.SyncAll(ctx, "inst1", KindFull))

	n, err := s.CountActive(ctx, storage.EntityScene, "inst1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	var tagRows int64
	require.NoError(t, s.DB().NewRaw(
		`SELECT COUNT(*) FROM scene_tags WHERE instance_id = 'inst1' AND tag_id = 't1'`,
	).Scan(ctx, &tagRows))
	assert.Equal(t, int64(5), tagRows)

	state, err := s.GetSyncState(ctx, "inst1", storage.EntityScene)
	require.NoError(t, err)
	assert.NotZero(t, state.LastFullAt)
	assert.Equal(t, int64(5), state.TotalCount)
	assert.Equal(t, "idle", state.Status)
	assert.Zero(t, state.ConsecutiveFailures)

	// a complete full pass records the schema version it ran under
	recorded, err := s.GetInfo(ctx, "last_full_schema_version")
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(storage.SchemaVersion), recorded)

	t.Run("rerun is idempotent", func(t *testing.T) {
		require.NoError(t, o.SyncAll(ctx, "inst1", KindFull))
		n, err := s.CountActive(ctx, storage.EntityScene, "inst1")
		require.NoError(t, err)
		assert.Equal(t, int64(5), n)
	})

	t.Run("upstream removal soft-deletes", func(t *testing.T) {
		f.mu.Lock()
		f.scenes = f.scenes[:4] // s5 gone upstream
		f.mu.Unlock()

		require.NoError(t, o.SyncEntity(ctx, "inst1", storage.EntityScene, KindFull))
		n, err := s.CountActive(ctx, storage.EntityScene, "inst1")
		require.NoError(t, err)
		assert.Equal(t, int64(4), n)

		// marked, not purged
		var total int64
		require.NoError(t, s.DB().NewRaw(
			`SELECT COUNT(*) FROM scenes WHERE instance_id = 'inst1'`,
		).Scan(ctx, &total))
		assert.Equal(t, int64(5), total)
	})
}

func TestIncrementalSync(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFakeUpstream(t)

	past := time.Now().Add(-2 * time.Hour)
	f.scenes = []source.ScenePayload{{ID: "s1", Title: "original", UpdatedAt: past}}

	o, s := testOrchestrator(t, f)
	require.NoError(t, o.SyncEntity(ctx, "inst1", storage.EntityScene, KindFull))

	// s1 changes upstream after the full run; s2 predates the watermark and
	// must not be picked up by an incremental pass
	f.mu.Lock()
	f.scenes[0].Title = "retitled"
	f.scenes[0].UpdatedAt = time.Now()
	f.scenes = append(f.scenes, source.ScenePayload{ID: "s2", Title: "stale", UpdatedAt: past})
	f.mu.Unlock()

	require.NoError(t, o.SyncEntity(ctx, "inst1", storage.EntityScene, KindIncremental))

	var title string
	require.NoError(t, s.DB().NewRaw(
		`SELECT title FROM scenes WHERE instance_id = 'inst1' AND external_id = 's1'`,
	).Scan(ctx, &title))
	assert.Equal(t, "retitled", title)

	ids, err := s.ListActiveIDs(ctx, storage.EntityScene, "inst1")
	require.NoError(t, err)
	assert.NotContains(t, ids, "s2")
}

func TestSmartDecide(t *testing.T) {
	t.Parallel()
	f := newFakeUpstream(t)
	o, _ := testOrchestrator(t, f)

	synced := &storage.SyncStateModel{LastFullAt: 100}

	assert.Equal(t, KindFull, o.decide(&storage.SyncStateModel{}, false), "never synced")
	assert.Equal(t, KindIncremental, o.decide(synced, false))
	assert.Equal(t, KindFull, o.decide(synced, true), "schema changed")

	failing := &storage.SyncStateModel{LastFullAt: 100, ConsecutiveFailures: 2}
	assert.Equal(t, KindIncremental, o.decide(failing, false))
	failing.ConsecutiveFailures = DefaultEscalateAfter
	assert.Equal(t, KindFull, o.decide(failing, false), "failures escalate")
}

func TestSmartSyncForcesFullAfterMigration(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFakeUpstream(t)

	past := time.Now().Add(-time.Hour)
	f.tags = []source.TagPayload{
		{ID: "t1", Name: "a", UpdatedAt: past},
		{ID: "t2", Name: "b", UpdatedAt: past},
	}

	o, s := testOrchestrator(t, f)
	require.NoError(t, o.SyncAll(ctx, "inst1", KindFull))

	f.mu.Lock()
	f.tags = f.tags[:1] // t2 gone upstream
	f.mu.Unlock()

	// smart resolves to incremental here, which never sees deletions
	require.NoError(t, o.SyncEntity(ctx, "inst1", storage.EntityTag, KindSmart))
	n, err := s.CountActive(ctx, storage.EntityTag, "inst1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// a recorded version behind the current schema forces the next smart
	// run to full, which diffs the id set
	require.NoError(t, s.SetInfo(ctx, "last_full_schema_version", "0"))
	require.NoError(t, o.SyncEntity(ctx, "inst1", storage.EntityTag, KindSmart))
	n, err = s.CountActive(ctx, storage.EntityTag, "inst1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSyncEntityErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFakeUpstream(t)
	o, s := testOrchestrator(t, f)

	t.Run("unknown instance", func(t *testing.T) {
		err := o.SyncEntity(ctx, "nope", storage.EntityScene, KindFull)
		assert.Error(t, err)
	})

	t.Run("unknown entity type", func(t *testing.T) {
		err := o.SyncEntity(ctx, "inst1", "widgets", KindFull)
		assert.ErrorIs(t, err, common.ErrUnknownEntity)
	})

	t.Run("concurrent run is rejected", func(t *testing.T) {
		key := runKey{instance: "inst1", entity: storage.EntityScene}
		require.True(t, o.acquire(key))
		defer o.release(key)

		err := o.SyncEntity(ctx, "inst1", storage.EntityScene, KindFull)
		assert.ErrorIs(t, err, common.ErrSyncRunning)
	})

	t.Run("failure is recorded in sync state", func(t *testing.T) {
		// 404s are shape errors: no retries, immediate failure
		broken := httptest.NewServer(http.NotFoundHandler())
		defer broken.Close()

		bo := NewOrchestrator(s, nil, []*source.Client{source.New("bad", broken.URL, "")}, Options{})
		err := bo.SyncEntity(ctx, "bad", storage.EntityScene, KindFull)
		require.Error(t, err)

		state, serr := s.GetSyncState(ctx, "bad", storage.EntityScene)
		require.NoError(t, serr)
		assert.Equal(t, int64(1), state.ConsecutiveFailures)
		assert.NotEmpty(t, state.LastError)
	})
}
