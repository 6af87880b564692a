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

// Package derive recomputes derived metadata from synced base data: tags a
// scene inherits from its related entities, gallery metadata propagated onto
// images, and the per-user exclusion table. Every pass is a full, set-based
// recompute inside one transaction, so derived state is always consistent
// with the base data it was computed from.
package derive

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/uptrace/bun"

	"stashmirror/internal/storage"
)

// Deriver runs derive passes over one mirror store.
type Deriver struct {
	store *storage.Store
}

// New creates a Deriver over the store.
func New(store *storage.Store) *Deriver {
	return &Deriver{store: store}
}

// Recompute runs all derive passes for one instance.
func (d *Deriver) Recompute(ctx context.Context, instanceID string) error {
	started := time.Now()
	if err := d.RecomputeSceneTags(ctx, instanceID); err != nil {
		return err
	}
	if err := d.RecomputeImageInheritance(ctx, instanceID); err != nil {
		return err
	}
	if err := d.RecomputeExclusions(ctx, instanceID); err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"instance":    instanceID,
		"duration_ms": time.Since(started).Milliseconds(),
	}).Debug("derive pass complete")
	return nil
}

// RecomputeSceneTags rebuilds scene_inherited_tags: the union of tags carried
// by a scene's performers, studio and groups, minus the scene's own direct
// tags. Soft-deleted related entities contribute nothing. Dangling junction
// references drop out at the entity joins.
func (d *Deriver) RecomputeSceneTags(ctx context.Context, instanceID string) error {
	return d.store.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM scene_inherited_tags WHERE instance_id = ?`, instanceID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO scene_inherited_tags (instance_id, scene_id, tag_id)
SELECT u.instance_id, u.scene_id, u.tag_id FROM (
    SELECT sp.instance_id, sp.scene_id, pt.tag_id
    FROM scene_performers sp
    JOIN performers p ON p.instance_id = sp.instance_id AND p.external_id = sp.performer_id AND p.deleted_at IS NULL
    JOIN performer_tags pt ON pt.instance_id = sp.instance_id AND pt.performer_id = sp.performer_id
    WHERE sp.instance_id = ?
  UNION
    SELECT s.instance_id, s.external_id, st.tag_id
    FROM scenes s
    JOIN studios d ON d.instance_id = s.instance_id AND d.external_id = s.studio_id AND d.deleted_at IS NULL
    JOIN studio_tags st ON st.instance_id = s.instance_id AND st.studio_id = s.studio_id
    WHERE s.instance_id = ? AND s.studio_id != ''
  UNION
    SELECT sg.instance_id, sg.scene_id, gt.tag_id
    FROM scene_groups sg
    JOIN groups g ON g.instance_id = sg.instance_id AND g.external_id = sg.group_id AND g.deleted_at IS NULL
    JOIN group_tags gt ON gt.instance_id = sg.instance_id AND gt.group_id = sg.group_id
    WHERE sg.instance_id = ?
) u
JOIN tags t ON t.instance_id = u.instance_id AND t.external_id = u.tag_id AND t.deleted_at IS NULL
WHERE NOT EXISTS (
    SELECT 1 FROM scene_tags dt
    WHERE dt.instance_id = u.instance_id AND dt.scene_id = u.scene_id AND dt.tag_id = u.tag_id
)`, instanceID, instanceID, instanceID)
		return err
	})
}

// RecomputeImageInheritance propagates gallery metadata onto member images.
// The governing gallery for an image is the one with the lowest external id
// among its live galleries, which keeps the choice deterministic when an
// image belongs to several. Synced image values are never overwritten: the
// inherited values live in separate inh_* columns and readers coalesce, and
// inherited junction rows are only written for images with no own rows of
// that relation.
func (d *Deriver) RecomputeImageInheritance(ctx context.Context, instanceID string) error {
	const governing = `
governing AS (
    SELECT gi.instance_id, gi.image_id, MIN(gi.gallery_id) AS gallery_id
    FROM gallery_images gi
    JOIN galleries g ON g.instance_id = gi.instance_id AND g.external_id = gi.gallery_id AND g.deleted_at IS NULL
    WHERE gi.instance_id = ?
    GROUP BY gi.instance_id, gi.image_id
)`
	return d.store.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.ExecContext(ctx, `
UPDATE images SET inh_date = NULL, inh_details = NULL, inh_photographer = NULL, inh_studio_id = NULL
WHERE instance_id = ?`, instanceID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM image_tags WHERE instance_id = ? AND inherited = 1`, instanceID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM image_performers WHERE instance_id = ? AND inherited = 1`, instanceID); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
WITH `+governing+`
UPDATE images
SET inh_date = g.date, inh_details = g.details, inh_photographer = g.photographer, inh_studio_id = g.studio_id
FROM governing v
JOIN galleries g ON g.instance_id = v.instance_id AND g.external_id = v.gallery_id
WHERE images.instance_id = v.instance_id AND images.external_id = v.image_id`, instanceID); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
WITH `+governing+`
INSERT OR IGNORE INTO image_tags (instance_id, image_id, tag_id, inherited)
SELECT v.instance_id, v.image_id, gt.tag_id, 1
FROM governing v
JOIN gallery_tags gt ON gt.instance_id = v.instance_id AND gt.gallery_id = v.gallery_id
WHERE NOT EXISTS (
    SELECT 1 FROM image_tags it
    WHERE it.instance_id = v.instance_id AND it.image_id = v.image_id AND it.inherited = 0
)`, instanceID); err != nil {
			return err
		}

		_, err := tx.ExecContext(ctx, `
WITH `+governing+`
INSERT OR IGNORE INTO image_performers (instance_id, image_id, performer_id, inherited)
SELECT v.instance_id, v.image_id, gp.performer_id, 1
FROM governing v
JOIN gallery_performers gp ON gp.instance_id = v.instance_id AND gp.gallery_id = v.gallery_id
WHERE NOT EXISTS (
    SELECT 1 FROM image_performers ip
    WHERE ip.instance_id = v.instance_id AND ip.image_id = v.image_id AND ip.inherited = 0
)`, instanceID)
		return err
	})
}

// exclusionLink maps one tag-bearing junction onto exclusion rows.
type exclusionLink struct {
	entity storage.EntityType
	sql    string // SELECT instance_id, entity_id, tag_id triples
}

var exclusionLinks = []exclusionLink{
	{storage.EntityScene, `SELECT instance_id, scene_id AS entity_id, tag_id FROM scene_tags
	                       UNION SELECT instance_id, scene_id, tag_id FROM scene_inherited_tags`},
	{storage.EntityImage, `SELECT instance_id, image_id AS entity_id, tag_id FROM image_tags`},
	{storage.EntityGallery, `SELECT instance_id, gallery_id AS entity_id, tag_id FROM gallery_tags`},
	{storage.EntityPerformer, `SELECT instance_id, performer_id AS entity_id, tag_id FROM performer_tags`},
	{storage.EntityStudio, `SELECT instance_id, studio_id AS entity_id, tag_id FROM studio_tags`},
	{storage.EntityGroup, `SELECT instance_id, group_id AS entity_id, tag_id FROM group_tags`},
}

// RecomputeExclusions rebuilds the user_exclusions precompute from the
// restriction rules. hide_entity rules exclude the named entity directly;
// restrict_tag rules exclude the tag itself plus every entity linked to it,
// through direct and inherited tag links alike. Queries then need only one
// anti-join against this table.
func (d *Deriver) RecomputeExclusions(ctx context.Context, instanceID string) error {
	return d.store.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM user_exclusions WHERE instance_id = ?`, instanceID); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO user_exclusions (user_id, instance_id, entity_type, entity_id)
SELECT user_id, instance_id, entity_type, entity_id
FROM user_restrictions
WHERE kind = 'hide_entity' AND instance_id = ?`, instanceID); err != nil {
			return err
		}

		// Restricted tags are themselves excluded from tag queries.
		if _, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO user_exclusions (user_id, instance_id, entity_type, entity_id)
SELECT user_id, instance_id, 'tag', entity_id
FROM user_restrictions
WHERE kind = 'restrict_tag' AND instance_id = ?`, instanceID); err != nil {
			return err
		}

		for _, link := range exclusionLinks {
			if _, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO user_exclusions (user_id, instance_id, entity_type, entity_id)
SELECT r.user_id, l.instance_id, ?, l.entity_id
FROM user_restrictions r
JOIN (`+link.sql+`) l ON l.instance_id = r.instance_id AND l.tag_id = r.entity_id
WHERE r.kind = 'restrict_tag' AND r.instance_id = ?`, link.entity, instanceID); err != nil {
				return err
			}
		}
		return nil
	})
}
