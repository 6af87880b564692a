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

// Package integration exercises the full stack end to end: a fake upstream
// source, a real store on disk, the sync orchestrator with the derive pass,
// and the library facade the application consumes.
package integration

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	. "github.com/onsi/gomega"

	"stashmirror/internal/common"
	"stashmirror/internal/derive"
	"stashmirror/internal/library"
	"stashmirror/internal/query"
	"stashmirror/internal/source"
	"stashmirror/internal/storage"
	"stashmirror/internal/syncer"
)

const instanceID = "home"

// upstream is a fake source serving a fixed dataset. Every collection fits on
// one page; later pages are empty.
type upstream struct {
	mu         sync.Mutex
	scenes     []source.ScenePayload
	performers []source.PerformerPayload
	studios    []source.StudioPayload
	tags       []source.TagPayload
	groups     []source.GroupPayload
	galleries  []source.GalleryPayload
	images     []source.ImagePayload

	// last overlay patch received per "collection/id", for write-back checks
	patches map[string]source.OverlayPatch

	srv *httptest.Server
}

func serve[T any](mux *http.ServeMux, path string, u *upstream, items *[]T, id func(T) string) {
	mux.HandleFunc("GET /api/"+path, func(w http.ResponseWriter, r *http.Request) {
		u.mu.Lock()
		all := append([]T(nil), (*items)...)
		u.mu.Unlock()

		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		resp := source.Page[T]{Count: int64(len(all)), Items: []T{}}
		if page <= 1 {
			resp.Items = all
		}
		json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("GET /api/"+path+"/ids", func(w http.ResponseWriter, r *http.Request) {
		u.mu.Lock()
		ids := make([]string, 0, len(*items))
		for _, it := range *items {
			ids = append(ids, id(it))
		}
		u.mu.Unlock()
		json.NewEncoder(w).Encode(ids)
	})
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{patches: make(map[string]source.OverlayPatch)}
	mux := http.NewServeMux()
	serve(mux, "scenes", u, &u.scenes, func(p source.ScenePayload) string { return p.ID })
	serve(mux, "performers", u, &u.performers, func(p source.PerformerPayload) string { return p.ID })
	serve(mux, "studios", u, &u.studios, func(p source.StudioPayload) string { return p.ID })
	serve(mux, "tags", u, &u.tags, func(p source.TagPayload) string { return p.ID })
	serve(mux, "groups", u, &u.groups, func(p source.GroupPayload) string { return p.ID })
	serve(mux, "galleries", u, &u.galleries, func(p source.GalleryPayload) string { return p.ID })
	serve(mux, "images", u, &u.images, func(p source.ImagePayload) string { return p.ID })
	for _, coll := range []string{"scenes", "performers", "studios", "tags", "groups", "galleries", "images"} {
		coll := coll
		mux.HandleFunc("POST /api/"+coll+"/{id}", func(w http.ResponseWriter, r *http.Request) {
			var patch source.OverlayPatch
			if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			u.mu.Lock()
			u.patches[coll+"/"+r.PathValue("id")] = patch
			u.mu.Unlock()
			w.WriteHeader(http.StatusNoContent)
		})
	}
	u.srv = httptest.NewServer(mux)
	t.Cleanup(u.srv.Close)
	return u
}

// seed fills the upstream with a small but fully connected library.
func (u *upstream) seed() {
	when := time.Now().Add(-time.Hour)
	u.tags = []source.TagPayload{
		{ID: "t-outdoor", Name: "outdoor", UpdatedAt: when},
		{ID: "t-beach", Name: "beach", Parents: []source.Ref{{ID: "t-outdoor"}}, UpdatedAt: when},
	}
	u.performers = []source.PerformerPayload{
		{ID: "p1", Name: "Alice Doe", Tags: []source.Ref{{ID: "t-beach"}}, UpdatedAt: when},
	}
	u.studios = []source.StudioPayload{
		{ID: "st1", Name: "Acme", UpdatedAt: when},
	}
	u.groups = []source.GroupPayload{
		{ID: "g1", Name: "Summer Series", UpdatedAt: when},
	}
	u.galleries = []source.GalleryPayload{
		{ID: "gal1", Title: "July Shoot", Date: "2019-07-04", Photographer: "Ann",
			Performers: []source.Ref{{ID: "p1"}},
			Tags:       []source.Ref{{ID: "t-outdoor"}}, Images: []source.Ref{{ID: "i1"}}, UpdatedAt: when},
	}
	u.images = []source.ImagePayload{
		{ID: "i1", Title: "dune", UpdatedAt: when},
	}
	u.scenes = []source.ScenePayload{
		{ID: "sc1", Title: "Sunrise", Studio: &source.Ref{ID: "st1"},
			Performers: []source.Ref{{ID: "p1"}},
			Groups:     []source.GroupRef{{Group: source.Ref{ID: "g1"}, SceneIndex: 1}},
			UpdatedAt:  when},
		{ID: "sc2", Title: "Sunset", UpdatedAt: when},
	}
}

func newService(t *testing.T, u *upstream) (*library.Service, *storage.Store) {
	t.Helper()
	store, err := storage.Create(filepath.Join(t.TempDir(), "mirror.db"))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	client := source.New(instanceID, u.srv.URL, "")
	orch := syncer.NewOrchestrator(store, derive.New(store), []*source.Client{client}, syncer.Options{})
	svc := library.New(store, orch)
	svc.EnableWriteBack([]*source.Client{client})
	return svc, store
}

func TestMirrorLifecycle(t *testing.T) {
	t.Parallel()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	g := NewWithT(t)
	ctx := context.Background()

	u := newUpstream(t)
	u.seed()
	svc, store := newService(t, u)

	sceneSpec := func(userID string) query.Spec {
		return query.Spec{
			Entity: storage.EntityScene, InstanceID: instanceID,
			UserID: userID, Sort: "title", PerPage: 100,
		}
	}

	t.Run("QueriesRejectedBeforeFirstFullSync", func(t *testing.T) {
		g := NewWithT(t)
		ready, err := svc.Ready(ctx, instanceID)
		g.Expect(err).NotTo(HaveOccurred())
		g.Expect(ready).To(BeFalse())

		_, err = svc.Execute(ctx, sceneSpec(""))
		g.Expect(errors.Is(err, common.ErrNotReady)).To(BeTrue(), "got %v", err)
	})

	// First smart sync resolves to full for every entity type.
	g.Expect(svc.TriggerSync(ctx, instanceID, "", syncer.KindSmart)).To(Succeed())

	t.Run("ReadyAfterFullSync", func(t *testing.T) {
		g := NewWithT(t)
		ready, err := svc.Ready(ctx, instanceID)
		g.Expect(err).NotTo(HaveOccurred())
		g.Expect(ready).To(BeTrue())

		states, err := svc.SyncStatus(ctx, instanceID, "")
		g.Expect(err).NotTo(HaveOccurred())
		g.Expect(states).To(HaveLen(len(storage.EntityTypes)))
		for _, st := range states {
			g.Expect(st.LastFullAt).NotTo(BeZero(), "entity %s", st.EntityType)
			g.Expect(st.LastError).To(BeEmpty())
		}
	})

	t.Run("ScenesCarryDerivedAndRelatedData", func(t *testing.T) {
		g := NewWithT(t)
		res, err := svc.Execute(ctx, sceneSpec("alice"))
		g.Expect(err).NotTo(HaveOccurred())
		g.Expect(res.TotalCount).To(Equal(int64(2)))
		g.Expect(res.Rows).To(HaveLen(2))

		sunrise := res.Rows[0]
		g.Expect(sunrise.ID).To(Equal("sc1"))
		g.Expect(sunrise.Studio).NotTo(BeNil())
		g.Expect(sunrise.Studio.Name).To(Equal("Acme"))
		g.Expect(sunrise.Performers).To(ConsistOf(query.Ref{ID: "p1", Name: "Alice Doe"}))
		g.Expect(sunrise.Groups).To(ConsistOf(query.Ref{ID: "g1", Name: "Summer Series"}))
		// the performer's tag surfaces as an inherited scene tag
		g.Expect(sunrise.InheritedTags).To(ConsistOf(query.Ref{ID: "t-beach", Name: "beach"}))
		g.Expect(sunrise.Tags).To(BeEmpty())
	})

	t.Run("ImagesInheritGalleryMetadata", func(t *testing.T) {
		g := NewWithT(t)
		rows, err := svc.GetByIDs(ctx, storage.EntityImage, instanceID, "", []string{"i1"})
		g.Expect(err).NotTo(HaveOccurred())
		g.Expect(rows).To(HaveLen(1))
		g.Expect(rows[0].Date).To(Equal("2019-07-04"))
		g.Expect(rows[0].Photographer).To(Equal("Ann"))
		g.Expect(rows[0].InheritedTags).To(ConsistOf(query.Ref{ID: "t-outdoor", Name: "outdoor"}))
		g.Expect(rows[0].InheritedPerformers).To(ConsistOf(query.Ref{ID: "p1", Name: "Alice Doe"}))
		g.Expect(rows[0].Performers).To(BeEmpty(), "inherited performers stay separate")
		g.Expect(rows[0].Galleries).To(ConsistOf(query.Ref{ID: "gal1", Name: "July Shoot"}))
	})

	t.Run("OverlayStaysPerUser", func(t *testing.T) {
		g := NewWithT(t)
		g.Expect(svc.SetFavorite(ctx, "alice", instanceID, storage.EntityScene, "sc1", true)).To(Succeed())
		g.Expect(svc.SetRating(ctx, "alice", instanceID, storage.EntityScene, "sc1", 85)).To(Succeed())

		// write-back pushed the rating upstream
		u.mu.Lock()
		patch := u.patches["scenes/sc1"]
		u.mu.Unlock()
		g.Expect(patch.Rating100).To(HaveValue(Equal(int64(85))))

		res, err := svc.Execute(ctx, sceneSpec("alice"))
		g.Expect(err).NotTo(HaveOccurred())
		g.Expect(res.Rows[0].Rating).To(HaveValue(Equal(int64(85))))
		g.Expect(res.Rows[0].Favorite).To(BeTrue())

		res, err = svc.Execute(ctx, sceneSpec("bob"))
		g.Expect(err).NotTo(HaveOccurred())
		g.Expect(res.Rows[0].Rating).To(BeNil())
		g.Expect(res.Rows[0].Favorite).To(BeFalse())
	})

	t.Run("RestrictedTagHidesLinkedEntities", func(t *testing.T) {
		g := NewWithT(t)
		g.Expect(store.AddRestriction(ctx, &storage.UserRestrictionModel{
			UserID: "bob", Kind: storage.RestrictionRestrictTag,
			InstanceID: instanceID, EntityType: storage.EntityTag, EntityID: "t-beach",
		})).To(Succeed())
		// re-running one entity's sync recomputes derived data, exclusions included
		g.Expect(svc.TriggerSync(ctx, instanceID, storage.EntityTag, syncer.KindIncremental)).To(Succeed())

		spec := sceneSpec("bob")
		spec.ApplyExclusions = true
		res, err := svc.Execute(ctx, spec)
		g.Expect(err).NotTo(HaveOccurred())
		// sc1 reaches t-beach through its performer's inherited tag
		g.Expect(res.TotalCount).To(Equal(int64(1)))
		g.Expect(res.Rows[0].ID).To(Equal("sc2"))

		spec = sceneSpec("alice")
		spec.ApplyExclusions = true
		res, err = svc.Execute(ctx, spec)
		g.Expect(err).NotTo(HaveOccurred())
		g.Expect(res.TotalCount).To(Equal(int64(2)), "other users unaffected")
	})

	t.Run("UpstreamDeletionPropagatesOnFullSync", func(t *testing.T) {
		g := NewWithT(t)
		u.mu.Lock()
		u.scenes = u.scenes[:1] // sc2 removed upstream
		u.mu.Unlock()

		g.Expect(svc.TriggerSync(ctx, instanceID, storage.EntityScene, syncer.KindFull)).To(Succeed())

		res, err := svc.Execute(ctx, sceneSpec("alice"))
		g.Expect(err).NotTo(HaveOccurred())
		g.Expect(res.TotalCount).To(Equal(int64(1)))
		g.Expect(res.Rows[0].ID).To(Equal("sc1"))

		// overlay data survives sync untouched
		g.Expect(res.Rows[0].Rating).To(HaveValue(Equal(int64(85))))
	})
}
