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

package query

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"

	"stashmirror/internal/common"
	"stashmirror/internal/storage"
)

// GetByIDs returns fully hydrated rows for the given ids, in the given
// order, with the same relation shape Execute produces. Soft-deleted and
// unknown ids are silently absent from the result.
func (e *Engine) GetByIDs(ctx context.Context, entity storage.EntityType, instanceID, userID string, ids []string) ([]Row, error) {
	if !storage.ValidEntityType(entity) {
		return nil, fmt.Errorf("%w: %q", common.ErrUnknownEntity, entity)
	}
	return e.hydrate(ctx, entity, instanceID, userID, ids)
}

// hydrate loads scalar fields, overlay values and relations for the id list,
// preserving its order.
func (e *Engine) hydrate(ctx context.Context, entity storage.EntityType, instanceID, userID string, ids []string) ([]Row, error) {
	if len(ids) == 0 {
		return []Row{}, nil
	}

	byID := make(map[string]*Row, len(ids))
	collect := func(id string, row Row) {
		row.Entity = entity
		row.InstanceID = instanceID
		row.ID = id
		byID[id] = &row
	}

	if err := e.loadScalars(ctx, entity, instanceID, ids, collect); err != nil {
		return nil, err
	}
	if userID != "" {
		if err := e.loadOverlay(ctx, entity, instanceID, userID, ids, byID); err != nil {
			return nil, err
		}
	}
	if err := e.loadRelations(ctx, entity, instanceID, ids, byID); err != nil {
		return nil, err
	}

	// preserve the caller's order, dropping ids the store doesn't have
	rows := make([]Row, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if r, ok := byID[id]; ok && !seen[id] {
			rows = append(rows, *r)
			seen[id] = true
		}
	}
	return rows, nil
}

func optRating(v int64) *int64 {
	if v == 0 {
		return nil
	}
	return &v
}

// loadScalars selects the entity rows and maps them onto the shared Row
// shape. Image values coalesce with the inherited columns here, so readers
// never see the split storage representation.
func (e *Engine) loadScalars(ctx context.Context, entity storage.EntityType, instanceID string, ids []string, collect func(string, Row)) error {
	switch entity {
	case storage.EntityScene:
		var ms []storage.SceneModel
		if err := e.selectIn(ctx, &ms, instanceID, ids); err != nil {
			return err
		}
		for _, m := range ms {
			collect(m.ExternalID, Row{
				Title: m.Title, Details: m.Details, Date: m.Date, URL: m.URL,
				Duration: m.Duration, Organized: m.Organized,
				UpstreamRating: optRating(m.UpstreamRating),
				CreatedAt:      m.CreatedAt, UpdatedAt: m.UpdatedAt,
			})
		}
	case storage.EntityPerformer:
		var ms []storage.PerformerModel
		if err := e.selectIn(ctx, &ms, instanceID, ids); err != nil {
			return err
		}
		for _, m := range ms {
			collect(m.ExternalID, Row{
				Title: m.Name, Details: m.Details, Date: m.Birthdate, URL: m.ImageURL,
				UpstreamRating: optRating(m.UpstreamRating),
				CreatedAt:      m.CreatedAt, UpdatedAt: m.UpdatedAt,
			})
		}
	case storage.EntityStudio:
		var ms []storage.StudioModel
		if err := e.selectIn(ctx, &ms, instanceID, ids); err != nil {
			return err
		}
		for _, m := range ms {
			collect(m.ExternalID, Row{
				Title: m.Name, Details: m.Details, URL: m.URL,
				UpstreamRating: optRating(m.UpstreamRating),
				CreatedAt:      m.CreatedAt, UpdatedAt: m.UpdatedAt,
			})
		}
	case storage.EntityTag:
		var ms []storage.TagModel
		if err := e.selectIn(ctx, &ms, instanceID, ids); err != nil {
			return err
		}
		for _, m := range ms {
			collect(m.ExternalID, Row{
				Title: m.Name, Details: m.Description,
				CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt,
			})
		}
	case storage.EntityGroup:
		var ms []storage.GroupModel
		if err := e.selectIn(ctx, &ms, instanceID, ids); err != nil {
			return err
		}
		for _, m := range ms {
			collect(m.ExternalID, Row{
				Title: m.Name, Details: m.Details, Date: m.Date,
				CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt,
			})
		}
	case storage.EntityGallery:
		var ms []storage.GalleryModel
		if err := e.selectIn(ctx, &ms, instanceID, ids); err != nil {
			return err
		}
		for _, m := range ms {
			collect(m.ExternalID, Row{
				Title: m.Title, Details: m.Details, Date: m.Date, URL: m.URL,
				Photographer: m.Photographer,
				CreatedAt:    m.CreatedAt, UpdatedAt: m.UpdatedAt,
			})
		}
	case storage.EntityImage:
		var ms []storage.ImageModel
		if err := e.selectIn(ctx, &ms, instanceID, ids); err != nil {
			return err
		}
		for _, m := range ms {
			collect(m.ExternalID, Row{
				Title:        m.Title,
				Details:      coalesce(m.Details, m.InhDetails),
				Date:         coalesce(m.Date, m.InhDate),
				Photographer: coalesce(m.Photographer, m.InhPhotographer),
				URL:          m.URL,
				CreatedAt:    m.CreatedAt, UpdatedAt: m.UpdatedAt,
			})
		}
	}
	return nil
}

func coalesce(own, inherited string) string {
	if own != "" {
		return own
	}
	return inherited
}

// selectIn loads live entity rows whose external id is in the set.
func (e *Engine) selectIn(ctx context.Context, dest interface{}, instanceID string, ids []string) error {
	return e.db.NewSelect().
		Model(dest).
		Where("instance_id = ?", instanceID).
		Where("external_id IN (?)", bun.In(ids)).
		Where("deleted_at IS NULL").
		Scan(ctx)
}

// loadOverlay merges the user's rating/favorite/counter rows into the page.
// Rows stay at their defaults when the user has no overlay data.
func (e *Engine) loadOverlay(ctx context.Context, entity storage.EntityType, instanceID, userID string, ids []string, byID map[string]*Row) error {
	var ratings []storage.UserRatingModel
	err := e.db.NewSelect().Model(&ratings).
		Where("user_id = ?", userID).
		Where("instance_id = ?", instanceID).
		Where("entity_type = ?", entity).
		Where("entity_id IN (?)", bun.In(ids)).
		Scan(ctx)
	if err != nil {
		return err
	}
	for _, m := range ratings {
		if r, ok := byID[m.EntityID]; ok {
			v := m.Rating100
			r.Rating = &v
		}
	}

	var favorites []storage.UserFavoriteModel
	err = e.db.NewSelect().Model(&favorites).
		Where("user_id = ?", userID).
		Where("instance_id = ?", instanceID).
		Where("entity_type = ?", entity).
		Where("entity_id IN (?)", bun.In(ids)).
		Scan(ctx)
	if err != nil {
		return err
	}
	for _, m := range favorites {
		if r, ok := byID[m.EntityID]; ok {
			r.Favorite = true
		}
	}

	var oRows []storage.UserOHistoryModel
	err = e.db.NewSelect().Model(&oRows).
		Where("user_id = ?", userID).
		Where("instance_id = ?", instanceID).
		Where("entity_type = ?", entity).
		Where("entity_id IN (?)", bun.In(ids)).
		Scan(ctx)
	if err != nil {
		return err
	}
	for _, m := range oRows {
		if r, ok := byID[m.EntityID]; ok {
			r.OCount = m.OCount
		}
	}

	var views []storage.UserViewHistoryModel
	err = e.db.NewSelect().Model(&views).
		Where("user_id = ?", userID).
		Where("instance_id = ?", instanceID).
		Where("entity_type = ?", entity).
		Where("entity_id IN (?)", bun.In(ids)).
		Scan(ctx)
	if err != nil {
		return err
	}
	for _, m := range views {
		if r, ok := byID[m.EntityID]; ok {
			r.ViewCount = m.ViewCount
		}
	}

	if entity == storage.EntityScene {
		var plays []storage.UserPlayHistoryModel
		err = e.db.NewSelect().Model(&plays).
			Where("user_id = ?", userID).
			Where("instance_id = ?", instanceID).
			Where("scene_id IN (?)", bun.In(ids)).
			Scan(ctx)
		if err != nil {
			return err
		}
		for _, m := range plays {
			if r, ok := byID[m.SceneID]; ok {
				r.PlayCount = m.PlayCount
				r.PlayDuration = m.PlayDuration
			}
		}
	}
	return nil
}

// refRow is one (owner, related) pair with the related entity's name,
// produced by the relation queries.
type refRow struct {
	EntityID string `bun:"entity_id"`
	OtherID  string `bun:"other_id"`
	Name     string `bun:"name"`
}

// loadRefs runs one relation query: junction joined through the related
// entity table so dangling and soft-deleted references drop out.
func (e *Engine) loadRefs(ctx context.Context, instanceID string, ids []string,
	junction, ownerCol, otherCol, otherTable, nameCol, extraWhere string) ([]refRow, error) {

	sql := fmt.Sprintf(`SELECT j.%s AS entity_id, j.%s AS other_id, coalesce(t.%s, '') AS name
		FROM %s j
		JOIN %s t ON t.instance_id = j.instance_id AND t.external_id = j.%s AND t.deleted_at IS NULL
		WHERE j.instance_id = ? AND j.%s IN (?)`,
		ownerCol, otherCol, nameCol, junction, otherTable, otherCol, ownerCol)
	if extraWhere != "" {
		sql += " AND " + extraWhere
	}
	sql += fmt.Sprintf(" ORDER BY t.%s, j.%s", nameCol, otherCol)

	var refs []refRow
	err := e.db.NewRaw(sql, instanceID, bun.In(ids)).Scan(ctx, &refs)
	return refs, err
}

func attach(byID map[string]*Row, refs []refRow, set func(r *Row, ref Ref)) {
	for _, rr := range refs {
		if r, ok := byID[rr.EntityID]; ok {
			set(r, Ref{ID: rr.OtherID, Name: rr.Name})
		}
	}
}

// relationSpec describes one relation list to hydrate for one entity type.
type relationSpec struct {
	junction   string
	ownerCol   string
	otherCol   string
	otherTable string
	nameCol    string
	extraWhere string
	set        func(r *Row, ref Ref)
}

// relationSpecs lists the relations hydrated per entity type. Both Execute
// and GetByIDs go through this table, so the shapes cannot drift apart.
var relationSpecs = map[storage.EntityType][]relationSpec{
	storage.EntityScene: {
		{"scene_performers", "scene_id", "performer_id", "performers", "name", "",
			func(r *Row, ref Ref) { r.Performers = append(r.Performers, ref) }},
		{"scene_tags", "scene_id", "tag_id", "tags", "name", "",
			func(r *Row, ref Ref) { r.Tags = append(r.Tags, ref) }},
		{"scene_inherited_tags", "scene_id", "tag_id", "tags", "name", "",
			func(r *Row, ref Ref) { r.InheritedTags = append(r.InheritedTags, ref) }},
		{"scene_galleries", "scene_id", "gallery_id", "galleries", "title", "",
			func(r *Row, ref Ref) { r.Galleries = append(r.Galleries, ref) }},
		{"scene_groups", "scene_id", "group_id", "groups", "name", "",
			func(r *Row, ref Ref) { r.Groups = append(r.Groups, ref) }},
	},
	storage.EntityPerformer: {
		{"performer_tags", "performer_id", "tag_id", "tags", "name", "",
			func(r *Row, ref Ref) { r.Tags = append(r.Tags, ref) }},
	},
	storage.EntityStudio: {
		{"studio_tags", "studio_id", "tag_id", "tags", "name", "",
			func(r *Row, ref Ref) { r.Tags = append(r.Tags, ref) }},
	},
	storage.EntityTag: {
		{"tag_parents", "tag_id", "parent_id", "tags", "name", "",
			func(r *Row, ref Ref) { r.Parents = append(r.Parents, ref) }},
	},
	storage.EntityGroup: {
		{"group_tags", "group_id", "tag_id", "tags", "name", "",
			func(r *Row, ref Ref) { r.Tags = append(r.Tags, ref) }},
	},
	storage.EntityGallery: {
		{"gallery_tags", "gallery_id", "tag_id", "tags", "name", "",
			func(r *Row, ref Ref) { r.Tags = append(r.Tags, ref) }},
		{"gallery_performers", "gallery_id", "performer_id", "performers", "name", "",
			func(r *Row, ref Ref) { r.Performers = append(r.Performers, ref) }},
		{"gallery_images", "gallery_id", "image_id", "images", "title", "",
			func(r *Row, ref Ref) { r.Images = append(r.Images, ref) }},
	},
	storage.EntityImage: {
		{"image_tags", "image_id", "tag_id", "tags", "name", "j.inherited = 0",
			func(r *Row, ref Ref) { r.Tags = append(r.Tags, ref) }},
		{"image_tags", "image_id", "tag_id", "tags", "name", "j.inherited = 1",
			func(r *Row, ref Ref) { r.InheritedTags = append(r.InheritedTags, ref) }},
		{"image_performers", "image_id", "performer_id", "performers", "name", "j.inherited = 0",
			func(r *Row, ref Ref) { r.Performers = append(r.Performers, ref) }},
		{"image_performers", "image_id", "performer_id", "performers", "name", "j.inherited = 1",
			func(r *Row, ref Ref) { r.InheritedPerformers = append(r.InheritedPerformers, ref) }},
		{"gallery_images", "image_id", "gallery_id", "galleries", "title", "",
			func(r *Row, ref Ref) { r.Galleries = append(r.Galleries, ref) }},
	},
}

// studioColumn maps entity types to the column naming their studio, if any.
var studioColumn = map[storage.EntityType]string{
	storage.EntityScene:   "studio_id",
	storage.EntityGroup:   "studio_id",
	storage.EntityGallery: "studio_id",
	storage.EntityImage:   "coalesce(nullif(studio_id,''), inh_studio_id)",
}

func (e *Engine) loadRelations(ctx context.Context, entity storage.EntityType, instanceID string, ids []string, byID map[string]*Row) error {
	for _, spec := range relationSpecs[entity] {
		refs, err := e.loadRefs(ctx, instanceID, ids,
			spec.junction, spec.ownerCol, spec.otherCol, spec.otherTable, spec.nameCol, spec.extraWhere)
		if err != nil {
			return err
		}
		attach(byID, refs, spec.set)
	}

	if col, ok := studioColumn[entity]; ok {
		sql := fmt.Sprintf(`SELECT e.external_id AS entity_id, s.external_id AS other_id, coalesce(s.name, '') AS name
			FROM %s e
			JOIN studios s ON s.instance_id = e.instance_id AND s.external_id = %s AND s.deleted_at IS NULL
			WHERE e.instance_id = ? AND e.external_id IN (?)`,
			storage.TableForEntity(entity), qualifyStudioExpr(col))
		var refs []refRow
		if err := e.db.NewRaw(sql, instanceID, bun.In(ids)).Scan(ctx, &refs); err != nil {
			return err
		}
		attach(byID, refs, func(r *Row, ref Ref) { r.Studio = &Ref{ID: ref.ID, Name: ref.Name} })
	}

	if entity == storage.EntityStudio || entity == storage.EntityGroup {
		table := storage.TableForEntity(entity)
		sql := fmt.Sprintf(`SELECT e.external_id AS entity_id, p.external_id AS other_id, coalesce(p.name, '') AS name
			FROM %[1]s e
			JOIN %[1]s p ON p.instance_id = e.instance_id AND p.external_id = e.parent_id AND p.deleted_at IS NULL
			WHERE e.instance_id = ? AND e.external_id IN (?)`, table)
		var refs []refRow
		if err := e.db.NewRaw(sql, instanceID, bun.In(ids)).Scan(ctx, &refs); err != nil {
			return err
		}
		attach(byID, refs, func(r *Row, ref Ref) { r.Parents = append(r.Parents, ref) })
	}
	return nil
}

// qualifyStudioExpr prefixes bare column names in the studio expression with
// the entity alias.
func qualifyStudioExpr(col string) string {
	if col == "studio_id" {
		return "e.studio_id"
	}
	return "coalesce(nullif(e.studio_id,''), e.inh_studio_id)"
}
