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

package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/uptrace/bun"
)

// Entity and junction writes. All writers take a bun.IDB so the upsert
// pipeline can run a whole page inside one transaction.

// UpsertScene inserts or updates a scene by composite key. A re-sync of an
// unchanged scene is a no-op row rewrite; deleted_at is cleared when the
// entity reappears upstream.
func (s *Store) UpsertScene(ctx context.Context, idb bun.IDB, m *SceneModel) error {
	_, err := idb.NewInsert().
		Model(m).
		On("CONFLICT (external_id, instance_id) DO UPDATE").
		Set("title = EXCLUDED.title").
		Set("details = EXCLUDED.details").
		Set("date = EXCLUDED.date").
		Set("url = EXCLUDED.url").
		Set("duration = EXCLUDED.duration").
		Set("studio_id = EXCLUDED.studio_id").
		Set("upstream_rating = EXCLUDED.upstream_rating").
		Set("organized = EXCLUDED.organized").
		Set("created_at = EXCLUDED.created_at").
		Set("updated_at = EXCLUDED.updated_at").
		Set("synced_at = EXCLUDED.synced_at").
		Set("deleted_at = NULL").
		Exec(ctx)
	return err
}

// UpsertPerformer inserts or updates a performer by composite key.
func (s *Store) UpsertPerformer(ctx context.Context, idb bun.IDB, m *PerformerModel) error {
	_, err := idb.NewInsert().
		Model(m).
		On("CONFLICT (external_id, instance_id) DO UPDATE").
		Set("name = EXCLUDED.name").
		Set("disambiguation = EXCLUDED.disambiguation").
		Set("gender = EXCLUDED.gender").
		Set("birthdate = EXCLUDED.birthdate").
		Set("country = EXCLUDED.country").
		Set("details = EXCLUDED.details").
		Set("image_url = EXCLUDED.image_url").
		Set("upstream_rating = EXCLUDED.upstream_rating").
		Set("created_at = EXCLUDED.created_at").
		Set("updated_at = EXCLUDED.updated_at").
		Set("synced_at = EXCLUDED.synced_at").
		Set("deleted_at = NULL").
		Exec(ctx)
	return err
}

// UpsertStudio inserts or updates a studio by composite key.
func (s *Store) UpsertStudio(ctx context.Context, idb bun.IDB, m *StudioModel) error {
	_, err := idb.NewInsert().
		Model(m).
		On("CONFLICT (external_id, instance_id) DO UPDATE").
		Set("name = EXCLUDED.name").
		Set("url = EXCLUDED.url").
		Set("details = EXCLUDED.details").
		Set("parent_id = EXCLUDED.parent_id").
		Set("upstream_rating = EXCLUDED.upstream_rating").
		Set("created_at = EXCLUDED.created_at").
		Set("updated_at = EXCLUDED.updated_at").
		Set("synced_at = EXCLUDED.synced_at").
		Set("deleted_at = NULL").
		Exec(ctx)
	return err
}

// UpsertTag inserts or updates a tag by composite key.
func (s *Store) UpsertTag(ctx context.Context, idb bun.IDB, m *TagModel) error {
	_, err := idb.NewInsert().
		Model(m).
		On("CONFLICT (external_id, instance_id) DO UPDATE").
		Set("name = EXCLUDED.name").
		Set("description = EXCLUDED.description").
		Set("created_at = EXCLUDED.created_at").
		Set("updated_at = EXCLUDED.updated_at").
		Set("synced_at = EXCLUDED.synced_at").
		Set("deleted_at = NULL").
		Exec(ctx)
	return err
}

// UpsertGroup inserts or updates a group by composite key.
func (s *Store) UpsertGroup(ctx context.Context, idb bun.IDB, m *GroupModel) error {
	_, err := idb.NewInsert().
		Model(m).
		On("CONFLICT (external_id, instance_id) DO UPDATE").
		Set("name = EXCLUDED.name").
		Set("date = EXCLUDED.date").
		Set("details = EXCLUDED.details").
		Set("director = EXCLUDED.director").
		Set("studio_id = EXCLUDED.studio_id").
		Set("parent_id = EXCLUDED.parent_id").
		Set("created_at = EXCLUDED.created_at").
		Set("updated_at = EXCLUDED.updated_at").
		Set("synced_at = EXCLUDED.synced_at").
		Set("deleted_at = NULL").
		Exec(ctx)
	return err
}

// UpsertGallery inserts or updates a gallery by composite key.
func (s *Store) UpsertGallery(ctx context.Context, idb bun.IDB, m *GalleryModel) error {
	_, err := idb.NewInsert().
		Model(m).
		On("CONFLICT (external_id, instance_id) DO UPDATE").
		Set("title = EXCLUDED.title").
		Set("date = EXCLUDED.date").
		Set("details = EXCLUDED.details").
		Set("photographer = EXCLUDED.photographer").
		Set("url = EXCLUDED.url").
		Set("studio_id = EXCLUDED.studio_id").
		Set("created_at = EXCLUDED.created_at").
		Set("updated_at = EXCLUDED.updated_at").
		Set("synced_at = EXCLUDED.synced_at").
		Set("deleted_at = NULL").
		Exec(ctx)
	return err
}

// UpsertImage inserts or updates an image by composite key. The inh_* columns
// are owned by the derive pass and deliberately not part of the update set.
func (s *Store) UpsertImage(ctx context.Context, idb bun.IDB, m *ImageModel) error {
	_, err := idb.NewInsert().
		Model(m).
		On("CONFLICT (external_id, instance_id) DO UPDATE").
		Set("title = EXCLUDED.title").
		Set("date = EXCLUDED.date").
		Set("details = EXCLUDED.details").
		Set("photographer = EXCLUDED.photographer").
		Set("url = EXCLUDED.url").
		Set("studio_id = EXCLUDED.studio_id").
		Set("created_at = EXCLUDED.created_at").
		Set("updated_at = EXCLUDED.updated_at").
		Set("synced_at = EXCLUDED.synced_at").
		Set("deleted_at = NULL").
		Exec(ctx)
	return err
}

// --- Junction replacement ---
//
// Each Replace method performs full reconciliation: delete the owner's rows,
// insert the payload's set. Runs inside the caller's page transaction.

func replaceOwned[T any](ctx context.Context, idb bun.IDB, rows []T, table, ownerCol, instanceID, ownerID string) error {
	_, err := idb.NewDelete().
		Table(table).
		Where("instance_id = ?", instanceID).
		Where(ownerCol+" = ?", ownerID).
		Exec(ctx)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	_, err = idb.NewInsert().Model(&rows).Exec(ctx)
	return err
}

// ReplaceScenePerformers replaces the performer set of one scene.
func (s *Store) ReplaceScenePerformers(ctx context.Context, idb bun.IDB, instanceID, sceneID string, performerIDs []string) error {
	rows := make([]ScenePerformerModel, 0, len(performerIDs))
	for _, id := range performerIDs {
		rows = append(rows, ScenePerformerModel{InstanceID: instanceID, SceneID: sceneID, PerformerID: id})
	}
	return replaceOwned(ctx, idb, rows, "scene_performers", "scene_id", instanceID, sceneID)
}

// ReplaceSceneTags replaces the direct tag set of one scene.
func (s *Store) ReplaceSceneTags(ctx context.Context, idb bun.IDB, instanceID, sceneID string, tagIDs []string) error {
	rows := make([]SceneTagModel, 0, len(tagIDs))
	for _, id := range tagIDs {
		rows = append(rows, SceneTagModel{InstanceID: instanceID, SceneID: sceneID, TagID: id})
	}
	return replaceOwned(ctx, idb, rows, "scene_tags", "scene_id", instanceID, sceneID)
}

// ReplaceSceneGalleries replaces the gallery set of one scene.
func (s *Store) ReplaceSceneGalleries(ctx context.Context, idb bun.IDB, instanceID, sceneID string, galleryIDs []string) error {
	rows := make([]SceneGalleryModel, 0, len(galleryIDs))
	for _, id := range galleryIDs {
		rows = append(rows, SceneGalleryModel{InstanceID: instanceID, SceneID: sceneID, GalleryID: id})
	}
	return replaceOwned(ctx, idb, rows, "scene_galleries", "scene_id", instanceID, sceneID)
}

// SceneGroupRef is one ordered group membership from a scene payload.
type SceneGroupRef struct {
	GroupID  string
	Position int64
}

// ReplaceSceneGroups replaces the ordered group memberships of one scene.
func (s *Store) ReplaceSceneGroups(ctx context.Context, idb bun.IDB, instanceID, sceneID string, refs []SceneGroupRef) error {
	rows := make([]SceneGroupModel, 0, len(refs))
	for _, r := range refs {
		rows = append(rows, SceneGroupModel{InstanceID: instanceID, SceneID: sceneID, GroupID: r.GroupID, Position: r.Position})
	}
	return replaceOwned(ctx, idb, rows, "scene_groups", "scene_id", instanceID, sceneID)
}

// ReplacePerformerTags replaces the tag set of one performer.
func (s *Store) ReplacePerformerTags(ctx context.Context, idb bun.IDB, instanceID, performerID string, tagIDs []string) error {
	rows := make([]PerformerTagModel, 0, len(tagIDs))
	for _, id := range tagIDs {
		rows = append(rows, PerformerTagModel{InstanceID: instanceID, PerformerID: performerID, TagID: id})
	}
	return replaceOwned(ctx, idb, rows, "performer_tags", "performer_id", instanceID, performerID)
}

// ReplaceStudioTags replaces the tag set of one studio.
func (s *Store) ReplaceStudioTags(ctx context.Context, idb bun.IDB, instanceID, studioID string, tagIDs []string) error {
	rows := make([]StudioTagModel, 0, len(tagIDs))
	for _, id := range tagIDs {
		rows = append(rows, StudioTagModel{InstanceID: instanceID, StudioID: studioID, TagID: id})
	}
	return replaceOwned(ctx, idb, rows, "studio_tags", "studio_id", instanceID, studioID)
}

// ReplaceGroupTags replaces the tag set of one group.
func (s *Store) ReplaceGroupTags(ctx context.Context, idb bun.IDB, instanceID, groupID string, tagIDs []string) error {
	rows := make([]GroupTagModel, 0, len(tagIDs))
	for _, id := range tagIDs {
		rows = append(rows, GroupTagModel{InstanceID: instanceID, GroupID: groupID, TagID: id})
	}
	return replaceOwned(ctx, idb, rows, "group_tags", "group_id", instanceID, groupID)
}

// ReplaceGalleryTags replaces the tag set of one gallery.
func (s *Store) ReplaceGalleryTags(ctx context.Context, idb bun.IDB, instanceID, galleryID string, tagIDs []string) error {
	rows := make([]GalleryTagModel, 0, len(tagIDs))
	for _, id := range tagIDs {
		rows = append(rows, GalleryTagModel{InstanceID: instanceID, GalleryID: galleryID, TagID: id})
	}
	return replaceOwned(ctx, idb, rows, "gallery_tags", "gallery_id", instanceID, galleryID)
}

// ReplaceGalleryPerformers replaces the performer set of one gallery.
func (s *Store) ReplaceGalleryPerformers(ctx context.Context, idb bun.IDB, instanceID, galleryID string, performerIDs []string) error {
	rows := make([]GalleryPerformerModel, 0, len(performerIDs))
	for _, id := range performerIDs {
		rows = append(rows, GalleryPerformerModel{InstanceID: instanceID, GalleryID: galleryID, PerformerID: id})
	}
	return replaceOwned(ctx, idb, rows, "gallery_performers", "gallery_id", instanceID, galleryID)
}

// ReplaceGalleryImages replaces the image set of one gallery.
func (s *Store) ReplaceGalleryImages(ctx context.Context, idb bun.IDB, instanceID, galleryID string, imageIDs []string) error {
	rows := make([]GalleryImageModel, 0, len(imageIDs))
	for _, id := range imageIDs {
		rows = append(rows, GalleryImageModel{InstanceID: instanceID, GalleryID: galleryID, ImageID: id})
	}
	return replaceOwned(ctx, idb, rows, "gallery_images", "gallery_id", instanceID, galleryID)
}

// ReplaceImagePerformers replaces the performer set of one image. Inherited
// rows are dropped with the stale own rows: a payload relation supersedes an
// inherited one (the junction PK has no inherited column), and the derive
// pass regenerates inheritance after every sync anyway.
func (s *Store) ReplaceImagePerformers(ctx context.Context, idb bun.IDB, instanceID, imageID string, performerIDs []string) error {
	rows := make([]ImagePerformerModel, 0, len(performerIDs))
	for _, id := range performerIDs {
		rows = append(rows, ImagePerformerModel{InstanceID: instanceID, ImageID: imageID, PerformerID: id})
	}
	return replaceOwned(ctx, idb, rows, "image_performers", "image_id", instanceID, imageID)
}

// ReplaceImageTags replaces the tag set of one image, inherited rows
// included, like ReplaceImagePerformers.
func (s *Store) ReplaceImageTags(ctx context.Context, idb bun.IDB, instanceID, imageID string, tagIDs []string) error {
	rows := make([]ImageTagModel, 0, len(tagIDs))
	for _, id := range tagIDs {
		rows = append(rows, ImageTagModel{InstanceID: instanceID, ImageID: imageID, TagID: id})
	}
	return replaceOwned(ctx, idb, rows, "image_tags", "image_id", instanceID, imageID)
}

// ReplaceTagParents replaces the parent set of one tag (DAG edges).
func (s *Store) ReplaceTagParents(ctx context.Context, idb bun.IDB, instanceID, tagID string, parentIDs []string) error {
	rows := make([]TagParentModel, 0, len(parentIDs))
	for _, id := range parentIDs {
		rows = append(rows, TagParentModel{InstanceID: instanceID, TagID: tagID, ParentID: id})
	}
	return replaceOwned(ctx, idb, rows, "tag_parents", "tag_id", instanceID, tagID)
}

// --- ID listing and soft deletes ---

// ListActiveIDs returns the external ids of all non-deleted entities of one
// type under one instance.
func (s *Store) ListActiveIDs(ctx context.Context, entity EntityType, instanceID string) ([]string, error) {
	table := tableForEntity(entity)
	if table == "" {
		return nil, fmt.Errorf("unknown entity type %q", entity)
	}
	var ids []string
	err := s.db.NewRaw(
		fmt.Sprintf(`SELECT external_id FROM %s WHERE instance_id = ? AND deleted_at IS NULL ORDER BY external_id`, table),
		instanceID,
	).Scan(ctx, &ids)
	return ids, err
}

// softDeleteBatchSize bounds the temp-table insert batches during full-sync
// deletion detection.
const softDeleteBatchSize = 500

// SoftDeleteMissing marks as deleted every entity of one type under one
// instance whose external id is absent from the upstream id set. Returns the
// number of rows newly soft-deleted. Used only by full sync; incremental sync
// never performs deletion detection.
func (s *Store) SoftDeleteMissing(ctx context.Context, entity EntityType, instanceID string, upstreamIDs []string) (int64, error) {
	table := tableForEntity(entity)
	if table == "" {
		return 0, fmt.Errorf("unknown entity type %q", entity)
	}

	// Temp tables are per-connection; pin one connection for the whole diff.
	conn, err := s.sqlDB.Conn(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `CREATE TEMP TABLE IF NOT EXISTS sync_seen (id TEXT PRIMARY KEY)`); err != nil {
		return 0, err
	}
	if _, err := conn.ExecContext(ctx, `DELETE FROM sync_seen`); err != nil {
		return 0, err
	}

	for start := 0; start < len(upstreamIDs); start += softDeleteBatchSize {
		end := start + softDeleteBatchSize
		if end > len(upstreamIDs) {
			end = len(upstreamIDs)
		}
		batch := upstreamIDs[start:end]
		placeholders := strings.TrimSuffix(strings.Repeat("(?),", len(batch)), ",")
		args := make([]interface{}, len(batch))
		for i, id := range batch {
			args[i] = id
		}
		if _, err := conn.ExecContext(ctx, `INSERT OR IGNORE INTO sync_seen (id) VALUES `+placeholders, args...); err != nil {
			return 0, err
		}
	}

	res, err := conn.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET deleted_at = ? WHERE instance_id = ? AND deleted_at IS NULL AND external_id NOT IN (SELECT id FROM sync_seen)`, table),
		time.Now().Unix(), instanceID)
	if err != nil {
		return 0, err
	}
	if _, err := conn.ExecContext(ctx, `DELETE FROM sync_seen`); err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountActive returns the number of non-deleted entities of one type under
// one instance.
func (s *Store) CountActive(ctx context.Context, entity EntityType, instanceID string) (int64, error) {
	table := tableForEntity(entity)
	if table == "" {
		return 0, fmt.Errorf("unknown entity type %q", entity)
	}
	var n int64
	err := s.db.NewRaw(
		fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE instance_id = ? AND deleted_at IS NULL`, table),
		instanceID,
	).Scan(ctx, &n)
	return n, err
}

// PurgeDeleted hard-deletes soft-deleted entities older than the retention
// cutoff, along with their junction rows. Administrative cleanup only; normal
// operation never hard-deletes.
func (s *Store) PurgeDeleted(ctx context.Context, entity EntityType, instanceID string, before time.Time) (int64, error) {
	table := tableForEntity(entity)
	if table == "" {
		return 0, fmt.Errorf("unknown entity type %q", entity)
	}

	var purged int64
	err := s.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		cutoff := before.Unix()
		for _, j := range junctionsForEntity(entity) {
			stmt := fmt.Sprintf(
				`DELETE FROM %s WHERE instance_id = ? AND %s IN (SELECT external_id FROM %s WHERE instance_id = ? AND deleted_at IS NOT NULL AND deleted_at < ?)`,
				j.table, j.column, table)
			if _, err := tx.ExecContext(ctx, stmt, instanceID, instanceID, cutoff); err != nil {
				return err
			}
		}
		res, err := tx.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE instance_id = ? AND deleted_at IS NOT NULL AND deleted_at < ?`, table),
			instanceID, cutoff)
		if err != nil {
			return err
		}
		purged, err = res.RowsAffected()
		return err
	})
	return purged, err
}

// junctionRef names a junction table and the column referencing an entity type.
type junctionRef struct {
	table  string
	column string
}

// junctionsForEntity lists every junction column that references the entity
// type, for purge cascades.
func junctionsForEntity(entity EntityType) []junctionRef {
	switch entity {
	case EntityScene:
		return []junctionRef{
			{"scene_performers", "scene_id"},
			{"scene_tags", "scene_id"},
			{"scene_inherited_tags", "scene_id"},
			{"scene_galleries", "scene_id"},
			{"scene_groups", "scene_id"},
		}
	case EntityPerformer:
		return []junctionRef{
			{"scene_performers", "performer_id"},
			{"performer_tags", "performer_id"},
			{"gallery_performers", "performer_id"},
			{"image_performers", "performer_id"},
		}
	case EntityStudio:
		return []junctionRef{
			{"studio_tags", "studio_id"},
		}
	case EntityTag:
		return []junctionRef{
			{"scene_tags", "tag_id"},
			{"scene_inherited_tags", "tag_id"},
			{"performer_tags", "tag_id"},
			{"studio_tags", "tag_id"},
			{"group_tags", "tag_id"},
			{"gallery_tags", "tag_id"},
			{"image_tags", "tag_id"},
			{"tag_parents", "tag_id"},
			{"tag_parents", "parent_id"},
		}
	case EntityGroup:
		return []junctionRef{
			{"scene_groups", "group_id"},
			{"group_tags", "group_id"},
		}
	case EntityGallery:
		return []junctionRef{
			{"scene_galleries", "gallery_id"},
			{"gallery_tags", "gallery_id"},
			{"gallery_performers", "gallery_id"},
			{"gallery_images", "gallery_id"},
		}
	case EntityImage:
		return []junctionRef{
			{"gallery_images", "image_id"},
			{"image_performers", "image_id"},
			{"image_tags", "image_id"},
		}
	}
	return nil
}
