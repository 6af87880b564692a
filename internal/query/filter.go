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
	"fmt"
	"strconv"
	"strings"

	"github.com/uptrace/bun"

	"stashmirror/internal/common"
	"stashmirror/internal/storage"
)

// Criterion is one filter condition. The variant set is closed: id-set
// membership, range, boolean, text match and hierarchical include. Criteria
// combine with AND; there is no OR or grouping.
type Criterion interface {
	isCriterion()
}

// IDModifier selects how an id set matches.
type IDModifier string

const (
	// ModifierIncludes matches rows related to any of the ids.
	ModifierIncludes IDModifier = "includes"
	// ModifierIncludesAll matches rows related to every one of the ids.
	ModifierIncludesAll IDModifier = "includes_all"
	// ModifierExcludes matches rows related to none of the ids.
	ModifierExcludes IDModifier = "excludes"
)

// IDCriterion filters by related-entity id set.
type IDCriterion struct {
	Field    string
	Modifier IDModifier
	IDs      []string
}

func (IDCriterion) isCriterion() {}

// RangeCriterion filters a numeric or date field. Empty Min or Max leaves
// that bound open. Date values are ISO strings and compare lexically;
// numeric values must parse as numbers.
type RangeCriterion struct {
	Field string
	Min   string
	Max   string
}

func (RangeCriterion) isCriterion() {}

// BoolCriterion filters a boolean field.
type BoolCriterion struct {
	Field string
	Value bool
}

func (BoolCriterion) isCriterion() {}

// TextCriterion matches the entity's full-text index.
type TextCriterion struct {
	Query string
}

func (TextCriterion) isCriterion() {}

// HierarchyCriterion matches rows related to any of the ids or their
// descendants, down to Depth levels. Depth -1 means unlimited (capped at
// maxHierarchyDepth levels), 0 means the ids themselves only.
type HierarchyCriterion struct {
	Field string
	IDs   []string
	Depth int64
}

func (HierarchyCriterion) isCriterion() {}

// fieldKind classifies what a filterable field maps onto.
type fieldKind int

const (
	fieldNumeric fieldKind = iota
	fieldDate
	fieldBool
	fieldBoolFavorite // overlay favorite flag
	fieldRefColumn    // scalar id column on the entity row
	fieldLink         // junction-backed relation
)

// hierarchyKind names which closure expands a hierarchical criterion.
type hierarchyKind int

const (
	hierarchyNone hierarchyKind = iota
	hierarchyTag
	hierarchyStudio
	hierarchyGroup
)

// fieldDef describes one filterable field of one entity type.
type fieldDef struct {
	kind fieldKind
	// expr is the SQL expression over alias "e" for scalar kinds.
	expr string
	// link yields (instance_id, entity_id, other_id) rows for fieldLink.
	link string
	// hierarchy, when set, allows HierarchyCriterion on this field. For
	// fieldLink the closure expands the related ids; for selfHierarchy the
	// entity's own id is matched against the closure.
	hierarchy     hierarchyKind
	selfHierarchy bool
}

const (
	linkSceneTags = `SELECT instance_id, scene_id AS entity_id, tag_id AS other_id FROM scene_tags
	 UNION SELECT instance_id, scene_id, tag_id FROM scene_inherited_tags`
	linkImageGalleries = `SELECT instance_id, image_id AS entity_id, gallery_id AS other_id FROM gallery_images`
	linkGalleryScenes  = `SELECT instance_id, gallery_id AS entity_id, scene_id AS other_id FROM scene_galleries`
)

func simpleLink(table, entityCol, otherCol string) string {
	return fmt.Sprintf("SELECT instance_id, %s AS entity_id, %s AS other_id FROM %s", entityCol, otherCol, table)
}

// filterFields is the closed per-entity registry of filterable fields.
// Scene tag filters see direct and inherited tags alike; image date and
// studio filters see gallery-inherited values through coalesce.
var filterFields = map[storage.EntityType]map[string]fieldDef{
	storage.EntityScene: {
		"performers": {kind: fieldLink, link: simpleLink("scene_performers", "scene_id", "performer_id")},
		"tags":       {kind: fieldLink, link: linkSceneTags, hierarchy: hierarchyTag},
		"galleries":  {kind: fieldLink, link: simpleLink("scene_galleries", "scene_id", "gallery_id")},
		"groups":     {kind: fieldLink, link: simpleLink("scene_groups", "scene_id", "group_id"), hierarchy: hierarchyGroup},
		"studios":    {kind: fieldRefColumn, expr: "e.studio_id", hierarchy: hierarchyStudio},
		"date":       {kind: fieldDate, expr: "e.date"},
		"duration":   {kind: fieldNumeric, expr: "e.duration"},
		"created_at": {kind: fieldNumeric, expr: "e.created_at"},
		"updated_at": {kind: fieldNumeric, expr: "e.updated_at"},
		"organized":  {kind: fieldBool, expr: "e.organized"},
		"favorite":   {kind: fieldBoolFavorite},
	},
	storage.EntityPerformer: {
		"tags":       {kind: fieldLink, link: simpleLink("performer_tags", "performer_id", "tag_id"), hierarchy: hierarchyTag},
		"birthdate":  {kind: fieldDate, expr: "e.birthdate"},
		"created_at": {kind: fieldNumeric, expr: "e.created_at"},
		"updated_at": {kind: fieldNumeric, expr: "e.updated_at"},
		"favorite":   {kind: fieldBoolFavorite},
	},
	storage.EntityStudio: {
		"tags":       {kind: fieldLink, link: simpleLink("studio_tags", "studio_id", "tag_id"), hierarchy: hierarchyTag},
		"parents":    {kind: fieldRefColumn, expr: "e.parent_id", hierarchy: hierarchyStudio, selfHierarchy: true},
		"created_at": {kind: fieldNumeric, expr: "e.created_at"},
		"updated_at": {kind: fieldNumeric, expr: "e.updated_at"},
		"favorite":   {kind: fieldBoolFavorite},
	},
	storage.EntityTag: {
		"parents":    {kind: fieldLink, link: simpleLink("tag_parents", "tag_id", "parent_id"), hierarchy: hierarchyTag, selfHierarchy: true},
		"created_at": {kind: fieldNumeric, expr: "e.created_at"},
		"updated_at": {kind: fieldNumeric, expr: "e.updated_at"},
		"favorite":   {kind: fieldBoolFavorite},
	},
	storage.EntityGroup: {
		"tags":       {kind: fieldLink, link: simpleLink("group_tags", "group_id", "tag_id"), hierarchy: hierarchyTag},
		"studios":    {kind: fieldRefColumn, expr: "e.studio_id", hierarchy: hierarchyStudio},
		"parents":    {kind: fieldRefColumn, expr: "e.parent_id", hierarchy: hierarchyGroup, selfHierarchy: true},
		"date":       {kind: fieldDate, expr: "e.date"},
		"created_at": {kind: fieldNumeric, expr: "e.created_at"},
		"updated_at": {kind: fieldNumeric, expr: "e.updated_at"},
		"favorite":   {kind: fieldBoolFavorite},
	},
	storage.EntityGallery: {
		"tags":       {kind: fieldLink, link: simpleLink("gallery_tags", "gallery_id", "tag_id"), hierarchy: hierarchyTag},
		"performers": {kind: fieldLink, link: simpleLink("gallery_performers", "gallery_id", "performer_id")},
		"images":     {kind: fieldLink, link: simpleLink("gallery_images", "gallery_id", "image_id")},
		"scenes":     {kind: fieldLink, link: linkGalleryScenes},
		"studios":    {kind: fieldRefColumn, expr: "e.studio_id", hierarchy: hierarchyStudio},
		"date":       {kind: fieldDate, expr: "e.date"},
		"created_at": {kind: fieldNumeric, expr: "e.created_at"},
		"updated_at": {kind: fieldNumeric, expr: "e.updated_at"},
		"favorite":   {kind: fieldBoolFavorite},
	},
	storage.EntityImage: {
		"tags":       {kind: fieldLink, link: simpleLink("image_tags", "image_id", "tag_id"), hierarchy: hierarchyTag},
		"performers": {kind: fieldLink, link: simpleLink("image_performers", "image_id", "performer_id")},
		"galleries":  {kind: fieldLink, link: linkImageGalleries},
		"studios":    {kind: fieldRefColumn, expr: "coalesce(nullif(e.studio_id,''), e.inh_studio_id)", hierarchy: hierarchyStudio},
		"date":       {kind: fieldDate, expr: "coalesce(nullif(e.date,''), e.inh_date)"},
		"created_at": {kind: fieldNumeric, expr: "e.created_at"},
		"updated_at": {kind: fieldNumeric, expr: "e.updated_at"},
		"favorite":   {kind: fieldBoolFavorite},
	},
}

// validateCriterion checks one criterion against the field registry.
func validateCriterion(entity storage.EntityType, c Criterion) error {
	fields := filterFields[entity]
	switch c := c.(type) {
	case IDCriterion:
		def, ok := fields[c.Field]
		if !ok || (def.kind != fieldLink && def.kind != fieldRefColumn) {
			return fmt.Errorf("%w: %s has no relation field %q", common.ErrInvalidFilter, entity, c.Field)
		}
		switch c.Modifier {
		case ModifierIncludes, ModifierIncludesAll, ModifierExcludes:
		default:
			return fmt.Errorf("%w: unknown modifier %q", common.ErrInvalidFilter, c.Modifier)
		}
		if len(c.IDs) == 0 {
			return fmt.Errorf("%w: %s criterion needs at least one id", common.ErrInvalidFilter, c.Field)
		}
	case RangeCriterion:
		def, ok := fields[c.Field]
		if !ok || (def.kind != fieldNumeric && def.kind != fieldDate) {
			return fmt.Errorf("%w: %s has no range field %q", common.ErrInvalidFilter, entity, c.Field)
		}
		if c.Min == "" && c.Max == "" {
			return fmt.Errorf("%w: %s range needs a bound", common.ErrInvalidFilter, c.Field)
		}
		if def.kind == fieldNumeric {
			for _, v := range []string{c.Min, c.Max} {
				if v == "" {
					continue
				}
				if _, err := strconv.ParseFloat(v, 64); err != nil {
					return fmt.Errorf("%w: %s bound %q is not numeric", common.ErrInvalidFilter, c.Field, v)
				}
			}
		}
	case BoolCriterion:
		def, ok := fields[c.Field]
		if !ok || (def.kind != fieldBool && def.kind != fieldBoolFavorite) {
			return fmt.Errorf("%w: %s has no boolean field %q", common.ErrInvalidFilter, entity, c.Field)
		}
	case TextCriterion:
		if strings.TrimSpace(c.Query) == "" {
			return fmt.Errorf("%w: empty text query", common.ErrInvalidFilter)
		}
	case HierarchyCriterion:
		def, ok := fields[c.Field]
		if !ok || def.hierarchy == hierarchyNone {
			return fmt.Errorf("%w: %s has no hierarchical field %q", common.ErrInvalidFilter, entity, c.Field)
		}
		if len(c.IDs) == 0 {
			return fmt.Errorf("%w: %s criterion needs at least one id", common.ErrInvalidFilter, c.Field)
		}
		if c.Depth < -1 {
			return fmt.Errorf("%w: depth %d", common.ErrInvalidFilter, c.Depth)
		}
	default:
		return fmt.Errorf("%w: unknown criterion type %T", common.ErrInvalidFilter, c)
	}
	return nil
}

// applyCriterion appends one criterion's WHERE clause to q. The spec must be
// normalized first. All fragments correlate on the alias "e".
func applyCriterion(q *bun.SelectQuery, spec *Spec, c Criterion) *bun.SelectQuery {
	fields := filterFields[spec.Entity]
	switch c := c.(type) {
	case IDCriterion:
		return applyIDCriterion(q, spec, fields[c.Field], c)
	case RangeCriterion:
		def := fields[c.Field]
		if c.Min != "" {
			q = q.Where(def.expr+" >= ?", rangeBound(def, c.Min))
		}
		if c.Max != "" {
			q = q.Where(def.expr+" <= ?", rangeBound(def, c.Max))
		}
		return q
	case BoolCriterion:
		def := fields[c.Field]
		if def.kind == fieldBoolFavorite {
			frag := `EXISTS (SELECT 1 FROM user_favorites f
				WHERE f.user_id = ? AND f.instance_id = e.instance_id
				  AND f.entity_type = ? AND f.entity_id = e.external_id)`
			if !c.Value {
				frag = "NOT " + frag
			}
			return q.Where(frag, spec.UserID, spec.Entity)
		}
		if c.Value {
			return q.Where(def.expr + " != 0")
		}
		return q.Where(def.expr + " = 0")
	case TextCriterion:
		return q.Where(`e.external_id IN (
			SELECT external_id FROM search_index
			WHERE search_index MATCH ? AND entity_type = ? AND instance_id = ?)`,
			c.Query, spec.Entity, spec.InstanceID)
	case HierarchyCriterion:
		return applyHierarchyCriterion(q, spec, fields[c.Field], c)
	}
	return q
}

// rangeBound converts a validated bound to its bind value: float for numeric
// fields, the ISO string itself for dates.
func rangeBound(def fieldDef, v string) interface{} {
	if def.kind == fieldNumeric {
		f, _ := strconv.ParseFloat(v, 64)
		return f
	}
	return v
}

func applyIDCriterion(q *bun.SelectQuery, spec *Spec, def fieldDef, c IDCriterion) *bun.SelectQuery {
	if def.kind == fieldRefColumn {
		switch c.Modifier {
		case ModifierExcludes:
			return q.Where("("+def.expr+" IS NULL OR "+def.expr+" NOT IN (?))", bun.In(c.IDs))
		default:
			// includes-all on a single-valued reference degenerates to includes
			return q.Where(def.expr+" IN (?)", bun.In(c.IDs))
		}
	}

	exists := `EXISTS (SELECT 1 FROM (` + def.link + `) l
		WHERE l.instance_id = e.instance_id AND l.entity_id = e.external_id AND l.other_id IN (?))`
	switch c.Modifier {
	case ModifierIncludes:
		return q.Where(exists, bun.In(c.IDs))
	case ModifierExcludes:
		return q.Where("NOT "+exists, bun.In(c.IDs))
	case ModifierIncludesAll:
		return q.Where(`(SELECT COUNT(DISTINCT l.other_id) FROM (`+def.link+`) l
			WHERE l.instance_id = e.instance_id AND l.entity_id = e.external_id AND l.other_id IN (?)) = ?`,
			bun.In(c.IDs), len(c.IDs))
	}
	return q
}

// closureChildSQL yields (id, parent_id) child edges for one hierarchy kind.
func closureChildSQL(kind hierarchyKind) string {
	switch kind {
	case hierarchyTag:
		return "SELECT tag_id AS id, parent_id FROM tag_parents WHERE instance_id = ?"
	case hierarchyStudio:
		return "SELECT external_id AS id, parent_id FROM studios WHERE instance_id = ? AND deleted_at IS NULL"
	case hierarchyGroup:
		return "SELECT external_id AS id, parent_id FROM groups WHERE instance_id = ? AND deleted_at IS NULL"
	}
	return ""
}

// maxHierarchyDepth caps closure recursion even when the caller asks for an
// unlimited depth. The UNION dedupes (id, depth) pairs, so a cycle in the
// edge data revisits each id once per depth level; the cap makes that finite
// instead of running until the depth counter wraps.
const maxHierarchyDepth = 64

// closureSQL renders a recursive CTE expanding the seed ids downward to the
// requested depth. SQLite does not allow correlated references inside a CTE,
// so the instance id binds as an argument. Returned args precede the caller's
// own trailing arguments.
func closureSQL(kind hierarchyKind, instanceID string, ids []string, depth int64) (string, []interface{}) {
	if depth < 0 || depth > maxHierarchyDepth {
		depth = maxHierarchyDepth
	}
	seed := "SELECT ? AS id, 0 AS depth" + strings.Repeat(" UNION ALL SELECT ?, 0", len(ids)-1)
	args := make([]interface{}, 0, len(ids)+2)
	for _, id := range ids {
		args = append(args, id)
	}
	args = append(args, instanceID, depth)
	sql := `WITH RECURSIVE sub(id, depth) AS (
		` + seed + `
		UNION
		SELECT c.id, sub.depth + 1 FROM (` + closureChildSQL(kind) + `) c
		JOIN sub ON c.parent_id = sub.id
		WHERE sub.depth < ?
	) SELECT id FROM sub`
	return sql, args
}

func applyHierarchyCriterion(q *bun.SelectQuery, spec *Spec, def fieldDef, c HierarchyCriterion) *bun.SelectQuery {
	closure, args := closureSQL(def.hierarchy, spec.InstanceID, c.IDs, c.Depth)
	if def.selfHierarchy {
		return q.Where("e.external_id IN ("+closure+")", args...)
	}
	if def.kind == fieldRefColumn {
		return q.Where(def.expr+" IN ("+closure+")", args...)
	}
	return q.Where(`EXISTS (SELECT 1 FROM (`+def.link+`) l
		WHERE l.instance_id = e.instance_id AND l.entity_id = e.external_id
		  AND l.other_id IN (`+closure+`))`, args...)
}
