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
	"time"

	"github.com/uptrace/bun"

	"stashmirror/internal/source"
	"stashmirror/internal/storage"
)

// Pipeline maps upstream payloads into normalized rows plus replacement
// junction sets. Each page commits in one transaction, so a reader never
// observes an entity row without its junction rows. Relations referencing
// entities that have not synced yet are recorded as-is; reads join through
// the entity tables, so a dangling reference stays invisible until its
// target arrives.
type Pipeline struct {
	store *storage.Store
}

// NewPipeline creates an upsert pipeline over the store.
func NewPipeline(store *storage.Store) *Pipeline {
	return &Pipeline{store: store}
}

func derefRef(r *source.Ref) string {
	if r == nil {
		return ""
	}
	return r.ID
}

func derefInt(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}

// UpsertScenes writes one page of scenes and their junction sets.
func (p *Pipeline) UpsertScenes(ctx context.Context, instanceID string, items []source.ScenePayload) error {
	now := time.Now().Unix()
	return p.store.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		for i := range items {
			item := &items[i]
			m := &storage.SceneModel{
				ExternalID:     item.ID,
				InstanceID:     instanceID,
				Title:          item.Title,
				Details:        item.Details,
				Date:           item.Date,
				URL:            item.URL,
				Duration:       item.Duration,
				StudioID:       derefRef(item.Studio),
				UpstreamRating: derefInt(item.Rating100),
				Organized:      item.Organized,
				CreatedAt:      item.CreatedAt.Unix(),
				UpdatedAt:      item.UpdatedAt.Unix(),
				SyncedAt:       now,
			}
			if err := p.store.UpsertScene(ctx, tx, m); err != nil {
				return err
			}
			if err := p.store.ReplaceScenePerformers(ctx, tx, instanceID, item.ID, source.RefIDs(item.Performers)); err != nil {
				return err
			}
			if err := p.store.ReplaceSceneTags(ctx, tx, instanceID, item.ID, source.RefIDs(item.Tags)); err != nil {
				return err
			}
			if err := p.store.ReplaceSceneGalleries(ctx, tx, instanceID, item.ID, source.RefIDs(item.Galleries)); err != nil {
				return err
			}
			refs := make([]storage.SceneGroupRef, 0, len(item.Groups))
			for _, g := range item.Groups {
				refs = append(refs, storage.SceneGroupRef{GroupID: g.Group.ID, Position: g.SceneIndex})
			}
			if err := p.store.ReplaceSceneGroups(ctx, tx, instanceID, item.ID, refs); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpsertPerformers writes one page of performers.
func (p *Pipeline) UpsertPerformers(ctx context.Context, instanceID string, items []source.PerformerPayload) error {
	now := time.Now().Unix()
	return p.store.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		for i := range items {
			item := &items[i]
			m := &storage.PerformerModel{
				ExternalID:     item.ID,
				InstanceID:     instanceID,
				Name:           item.Name,
				Disambiguation: item.Disambiguation,
				Gender:         item.Gender,
				Birthdate:      item.Birthdate,
				Country:        item.Country,
				Details:        item.Details,
				ImageURL:       item.ImageURL,
				UpstreamRating: derefInt(item.Rating100),
				CreatedAt:      item.CreatedAt.Unix(),
				UpdatedAt:      item.UpdatedAt.Unix(),
				SyncedAt:       now,
			}
			if err := p.store.UpsertPerformer(ctx, tx, m); err != nil {
				return err
			}
			if err := p.store.ReplacePerformerTags(ctx, tx, instanceID, item.ID, source.RefIDs(item.Tags)); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpsertStudios writes one page of studios.
func (p *Pipeline) UpsertStudios(ctx context.Context, instanceID string, items []source.StudioPayload) error {
	now := time.Now().Unix()
	return p.store.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		for i := range items {
			item := &items[i]
			m := &storage.StudioModel{
				ExternalID:     item.ID,
				InstanceID:     instanceID,
				Name:           item.Name,
				URL:            item.URL,
				Details:        item.Details,
				ParentID:       derefRef(item.Parent),
				UpstreamRating: derefInt(item.Rating100),
				CreatedAt:      item.CreatedAt.Unix(),
				UpdatedAt:      item.UpdatedAt.Unix(),
				SyncedAt:       now,
			}
			if err := p.store.UpsertStudio(ctx, tx, m); err != nil {
				return err
			}
			if err := p.store.ReplaceStudioTags(ctx, tx, instanceID, item.ID, source.RefIDs(item.Tags)); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpsertTags writes one page of tags and their parent edges.
func (p *Pipeline) UpsertTags(ctx context.Context, instanceID string, items []source.TagPayload) error {
	now := time.Now().Unix()
	return p.store.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		for i := range items {
			item := &items[i]
			m := &storage.TagModel{
				ExternalID:  item.ID,
				InstanceID:  instanceID,
				Name:        item.Name,
				Description: item.Description,
				CreatedAt:   item.CreatedAt.Unix(),
				UpdatedAt:   item.UpdatedAt.Unix(),
				SyncedAt:    now,
			}
			if err := p.store.UpsertTag(ctx, tx, m); err != nil {
				return err
			}
			if err := p.store.ReplaceTagParents(ctx, tx, instanceID, item.ID, source.RefIDs(item.Parents)); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpsertGroups writes one page of groups.
func (p *Pipeline) UpsertGroups(ctx context.Context, instanceID string, items []source.GroupPayload) error {
	now := time.Now().Unix()
	return p.store.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		for i := range items {
			item := &items[i]
			m := &storage.GroupModel{
				ExternalID: item.ID,
				InstanceID: instanceID,
				Name:       item.Name,
				Date:       item.Date,
				Details:    item.Details,
				Director:   item.Director,
				StudioID:   derefRef(item.Studio),
				ParentID:   derefRef(item.Parent),
				CreatedAt:  item.CreatedAt.Unix(),
				UpdatedAt:  item.UpdatedAt.Unix(),
				SyncedAt:   now,
			}
			if err := p.store.UpsertGroup(ctx, tx, m); err != nil {
				return err
			}
			if err := p.store.ReplaceGroupTags(ctx, tx, instanceID, item.ID, source.RefIDs(item.Tags)); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpsertGalleries writes one page of galleries.
func (p *Pipeline) UpsertGalleries(ctx context.Context, instanceID string, items []source.GalleryPayload) error {
	now := time.Now().Unix()
	return p.store.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		for i := range items {
			item := &items[i]
			m := &storage.GalleryModel{
				ExternalID:   item.ID,
				InstanceID:   instanceID,
				Title:        item.Title,
				Date:         item.Date,
				Details:      item.Details,
				Photographer: item.Photographer,
				URL:          item.URL,
				StudioID:     derefRef(item.Studio),
				CreatedAt:    item.CreatedAt.Unix(),
				UpdatedAt:    item.UpdatedAt.Unix(),
				SyncedAt:     now,
			}
			if err := p.store.UpsertGallery(ctx, tx, m); err != nil {
				return err
			}
			if err := p.store.ReplaceGalleryTags(ctx, tx, instanceID, item.ID, source.RefIDs(item.Tags)); err != nil {
				return err
			}
			if err := p.store.ReplaceGalleryPerformers(ctx, tx, instanceID, item.ID, source.RefIDs(item.Performers)); err != nil {
				return err
			}
			if err := p.store.ReplaceGalleryImages(ctx, tx, instanceID, item.ID, source.RefIDs(item.Images)); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpsertImages writes one page of images.
func (p *Pipeline) UpsertImages(ctx context.Context, instanceID string, items []source.ImagePayload) error {
	now := time.Now().Unix()
	return p.store.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		for i := range items {
			item := &items[i]
			m := &storage.ImageModel{
				ExternalID:   item.ID,
				InstanceID:   instanceID,
				Title:        item.Title,
				Date:         item.Date,
				Details:      item.Details,
				Photographer: item.Photographer,
				URL:          item.URL,
				StudioID:     derefRef(item.Studio),
				CreatedAt:    item.CreatedAt.Unix(),
				UpdatedAt:    item.UpdatedAt.Unix(),
				SyncedAt:     now,
			}
			if err := p.store.UpsertImage(ctx, tx, m); err != nil {
				return err
			}
			if err := p.store.ReplaceImagePerformers(ctx, tx, instanceID, item.ID, source.RefIDs(item.Performers)); err != nil {
				return err
			}
			if err := p.store.ReplaceImageTags(ctx, tx, instanceID, item.ID, source.RefIDs(item.Tags)); err != nil {
				return err
			}
		}
		return nil
	})
}
