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
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// SchemaVersion is the latest schema version. Fresh stores are created at the
// base version and migrated forward through the ordered migration list, so the
// same scripts serve both paths.
const SchemaVersion = 2

// Default busy_timeout in milliseconds (30 seconds)
const DefaultBusyTimeout = 30000

// Environment variable names for busy_timeout configuration
const (
	// EnvBusyTimeout is the general busy_timeout override for all contexts
	EnvBusyTimeout = "STASHMIRROR_BUSY_TIMEOUT"
	// EnvSyncBusyTimeout is the busy_timeout for the sync writer
	EnvSyncBusyTimeout = "STASHMIRROR_SYNC_BUSY_TIMEOUT"
	// EnvQueryBusyTimeout is the busy_timeout for query readers
	EnvQueryBusyTimeout = "STASHMIRROR_QUERY_BUSY_TIMEOUT"
)

// DBContext indicates the context in which the database is being accessed
type DBContext int

const (
	// DBContextDefault uses the general busy_timeout
	DBContextDefault DBContext = iota
	// DBContextSync uses the sync-writer busy_timeout
	DBContextSync
	// DBContextQuery uses the query-reader busy_timeout
	DBContextQuery
)

// Package-level config values (set via SetConfigBusyTimeouts)
var (
	configSyncBusyTimeout  int
	configQueryBusyTimeout int
)

// SetConfigBusyTimeouts sets the config-based busy_timeout values.
// Values of 0 are ignored (use env var or default).
func SetConfigBusyTimeouts(syncTimeout, queryTimeout int) {
	configSyncBusyTimeout = syncTimeout
	configQueryBusyTimeout = queryTimeout
}

// GetBusyTimeout returns the busy_timeout value for the given context.
// Priority: specific env (sync/query) > general env > config file > default
func GetBusyTimeout(ctx DBContext) int {
	var specificEnv string
	var configTimeout int
	switch ctx {
	case DBContextSync:
		specificEnv = EnvSyncBusyTimeout
		configTimeout = configSyncBusyTimeout
	case DBContextQuery:
		specificEnv = EnvQueryBusyTimeout
		configTimeout = configQueryBusyTimeout
	}

	if specificEnv != "" {
		if val := os.Getenv(specificEnv); val != "" {
			if timeout, err := strconv.Atoi(val); err == nil && timeout > 0 {
				return timeout
			}
		}
	}

	if val := os.Getenv(EnvBusyTimeout); val != "" {
		if timeout, err := strconv.Atoi(val); err == nil && timeout > 0 {
			return timeout
		}
	}

	if configTimeout > 0 {
		return configTimeout
	}

	return DefaultBusyTimeout
}

// BuildDSN builds the SQLite DSN with the appropriate busy_timeout for the context
func BuildDSN(path string, ctx DBContext) string {
	timeout := GetBusyTimeout(ctx)
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=%d", path, timeout)
}

// EntityType identifies one of the seven mirrored entity types.
type EntityType string

const (
	EntityScene     EntityType = "scene"
	EntityPerformer EntityType = "performer"
	EntityStudio    EntityType = "studio"
	EntityTag       EntityType = "tag"
	EntityGroup     EntityType = "group"
	EntityGallery   EntityType = "gallery"
	EntityImage     EntityType = "image"
)

// EntityTypes lists all mirrored entity types in sync order. Tags, studios and
// performers sync before the entities that reference them, which keeps most
// forward references short-lived (dangling references are still tolerated).
var EntityTypes = []EntityType{
	EntityTag,
	EntityStudio,
	EntityPerformer,
	EntityGroup,
	EntityGallery,
	EntityScene,
	EntityImage,
}

// ValidEntityType reports whether t names a mirrored entity type.
func ValidEntityType(t EntityType) bool {
	switch t {
	case EntityScene, EntityPerformer, EntityStudio, EntityTag, EntityGroup, EntityGallery, EntityImage:
		return true
	}
	return false
}

// TableForEntity maps an entity type to its table name.
func TableForEntity(t EntityType) string {
	return tableForEntity(t)
}

func tableForEntity(t EntityType) string {
	switch t {
	case EntityScene:
		return "scenes"
	case EntityPerformer:
		return "performers"
	case EntityStudio:
		return "studios"
	case EntityTag:
		return "tags"
	case EntityGroup:
		return "groups"
	case EntityGallery:
		return "galleries"
	case EntityImage:
		return "images"
	}
	return ""
}

// Base schema (version 1). Every entity table is keyed by the composite
// identity (external_id, instance_id); the same external_id under two source
// instances is two rows, never one.
const baseSchema = `
-- Schema version tracking
CREATE TABLE IF NOT EXISTS schema_info (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

-- Sync bookkeeping, one row per (instance, entity type)
CREATE TABLE IF NOT EXISTS sync_state (
    instance_id TEXT NOT NULL,
    entity_type TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'idle' CHECK (status IN ('idle', 'running')),
    last_full_at INTEGER,
    last_incremental_at INTEGER,
    last_duration_ms INTEGER NOT NULL DEFAULT 0,
    last_error TEXT,
    total_count INTEGER NOT NULL DEFAULT 0,
    consecutive_failures INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (instance_id, entity_type)
);

-- Entity tables

CREATE TABLE IF NOT EXISTS scenes (
    external_id TEXT NOT NULL,
    instance_id TEXT NOT NULL,
    title TEXT,
    details TEXT,
    date TEXT,
    url TEXT,
    duration REAL NOT NULL DEFAULT 0,
    studio_id TEXT,
    upstream_rating INTEGER,
    organized INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL DEFAULT 0,
    updated_at INTEGER NOT NULL DEFAULT 0,
    synced_at INTEGER NOT NULL DEFAULT 0,
    deleted_at INTEGER,
    PRIMARY KEY (external_id, instance_id)
);
CREATE INDEX IF NOT EXISTS idx_scenes_studio ON scenes(instance_id, studio_id);
CREATE INDEX IF NOT EXISTS idx_scenes_date ON scenes(date);
CREATE INDEX IF NOT EXISTS idx_scenes_deleted ON scenes(deleted_at);

CREATE TABLE IF NOT EXISTS performers (
    external_id TEXT NOT NULL,
    instance_id TEXT NOT NULL,
    name TEXT,
    disambiguation TEXT,
    gender TEXT,
    birthdate TEXT,
    country TEXT,
    details TEXT,
    image_url TEXT,
    upstream_rating INTEGER,
    created_at INTEGER NOT NULL DEFAULT 0,
    updated_at INTEGER NOT NULL DEFAULT 0,
    synced_at INTEGER NOT NULL DEFAULT 0,
    deleted_at INTEGER,
    PRIMARY KEY (external_id, instance_id)
);
CREATE INDEX IF NOT EXISTS idx_performers_name ON performers(name);
CREATE INDEX IF NOT EXISTS idx_performers_deleted ON performers(deleted_at);

CREATE TABLE IF NOT EXISTS studios (
    external_id TEXT NOT NULL,
    instance_id TEXT NOT NULL,
    name TEXT,
    url TEXT,
    details TEXT,
    parent_id TEXT,
    upstream_rating INTEGER,
    created_at INTEGER NOT NULL DEFAULT 0,
    updated_at INTEGER NOT NULL DEFAULT 0,
    synced_at INTEGER NOT NULL DEFAULT 0,
    deleted_at INTEGER,
    PRIMARY KEY (external_id, instance_id)
);
CREATE INDEX IF NOT EXISTS idx_studios_parent ON studios(instance_id, parent_id);

CREATE TABLE IF NOT EXISTS tags (
    external_id TEXT NOT NULL,
    instance_id TEXT NOT NULL,
    name TEXT,
    description TEXT,
    created_at INTEGER NOT NULL DEFAULT 0,
    updated_at INTEGER NOT NULL DEFAULT 0,
    synced_at INTEGER NOT NULL DEFAULT 0,
    deleted_at INTEGER,
    PRIMARY KEY (external_id, instance_id)
);
CREATE INDEX IF NOT EXISTS idx_tags_name ON tags(name);

-- Tag hierarchy is a DAG: a tag may have multiple parents.
CREATE TABLE IF NOT EXISTS tag_parents (
    instance_id TEXT NOT NULL,
    tag_id TEXT NOT NULL,
    parent_id TEXT NOT NULL,
    PRIMARY KEY (instance_id, tag_id, parent_id)
);
CREATE INDEX IF NOT EXISTS idx_tag_parents_parent ON tag_parents(instance_id, parent_id);

CREATE TABLE IF NOT EXISTS groups (
    external_id TEXT NOT NULL,
    instance_id TEXT NOT NULL,
    name TEXT,
    date TEXT,
    details TEXT,
    director TEXT,
    studio_id TEXT,
    parent_id TEXT,
    created_at INTEGER NOT NULL DEFAULT 0,
    updated_at INTEGER NOT NULL DEFAULT 0,
    synced_at INTEGER NOT NULL DEFAULT 0,
    deleted_at INTEGER,
    PRIMARY KEY (external_id, instance_id)
);
CREATE INDEX IF NOT EXISTS idx_groups_parent ON groups(instance_id, parent_id);

CREATE TABLE IF NOT EXISTS galleries (
    external_id TEXT NOT NULL,
    instance_id TEXT NOT NULL,
    title TEXT,
    date TEXT,
    details TEXT,
    photographer TEXT,
    url TEXT,
    studio_id TEXT,
    created_at INTEGER NOT NULL DEFAULT 0,
    updated_at INTEGER NOT NULL DEFAULT 0,
    synced_at INTEGER NOT NULL DEFAULT 0,
    deleted_at INTEGER,
    PRIMARY KEY (external_id, instance_id)
);

CREATE TABLE IF NOT EXISTS images (
    external_id TEXT NOT NULL,
    instance_id TEXT NOT NULL,
    title TEXT,
    date TEXT,
    details TEXT,
    photographer TEXT,
    url TEXT,
    studio_id TEXT,
    created_at INTEGER NOT NULL DEFAULT 0,
    updated_at INTEGER NOT NULL DEFAULT 0,
    synced_at INTEGER NOT NULL DEFAULT 0,
    deleted_at INTEGER,
    PRIMARY KEY (external_id, instance_id)
);

-- Junction tables. Each carries instance_id: relations never cross source
-- instances. Junction rows may reference entities that have not synced yet;
-- reads always join through the entity tables, so a dangling reference stays
-- invisible until its target arrives.

CREATE TABLE IF NOT EXISTS scene_performers (
    instance_id TEXT NOT NULL,
    scene_id TEXT NOT NULL,
    performer_id TEXT NOT NULL,
    PRIMARY KEY (instance_id, scene_id, performer_id)
);
CREATE INDEX IF NOT EXISTS idx_scene_performers_performer ON scene_performers(instance_id, performer_id);

CREATE TABLE IF NOT EXISTS scene_tags (
    instance_id TEXT NOT NULL,
    scene_id TEXT NOT NULL,
    tag_id TEXT NOT NULL,
    PRIMARY KEY (instance_id, scene_id, tag_id)
);
CREATE INDEX IF NOT EXISTS idx_scene_tags_tag ON scene_tags(instance_id, tag_id);

-- Derived: tags a scene inherits from its performers, studio and groups.
-- Fully recomputed by the derive pass; never written by sync.
CREATE TABLE IF NOT EXISTS scene_inherited_tags (
    instance_id TEXT NOT NULL,
    scene_id TEXT NOT NULL,
    tag_id TEXT NOT NULL,
    PRIMARY KEY (instance_id, scene_id, tag_id)
);
CREATE INDEX IF NOT EXISTS idx_scene_inherited_tags_tag ON scene_inherited_tags(instance_id, tag_id);

CREATE TABLE IF NOT EXISTS scene_galleries (
    instance_id TEXT NOT NULL,
    scene_id TEXT NOT NULL,
    gallery_id TEXT NOT NULL,
    PRIMARY KEY (instance_id, scene_id, gallery_id)
);

-- Scene membership in a group is ordered.
CREATE TABLE IF NOT EXISTS scene_groups (
    instance_id TEXT NOT NULL,
    scene_id TEXT NOT NULL,
    group_id TEXT NOT NULL,
    position INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (instance_id, scene_id, group_id)
);
CREATE INDEX IF NOT EXISTS idx_scene_groups_group ON scene_groups(instance_id, group_id);

CREATE TABLE IF NOT EXISTS performer_tags (
    instance_id TEXT NOT NULL,
    performer_id TEXT NOT NULL,
    tag_id TEXT NOT NULL,
    PRIMARY KEY (instance_id, performer_id, tag_id)
);

CREATE TABLE IF NOT EXISTS studio_tags (
    instance_id TEXT NOT NULL,
    studio_id TEXT NOT NULL,
    tag_id TEXT NOT NULL,
    PRIMARY KEY (instance_id, studio_id, tag_id)
);

CREATE TABLE IF NOT EXISTS group_tags (
    instance_id TEXT NOT NULL,
    group_id TEXT NOT NULL,
    tag_id TEXT NOT NULL,
    PRIMARY KEY (instance_id, group_id, tag_id)
);

CREATE TABLE IF NOT EXISTS gallery_tags (
    instance_id TEXT NOT NULL,
    gallery_id TEXT NOT NULL,
    tag_id TEXT NOT NULL,
    PRIMARY KEY (instance_id, gallery_id, tag_id)
);

CREATE TABLE IF NOT EXISTS gallery_performers (
    instance_id TEXT NOT NULL,
    gallery_id TEXT NOT NULL,
    performer_id TEXT NOT NULL,
    PRIMARY KEY (instance_id, gallery_id, performer_id)
);

CREATE TABLE IF NOT EXISTS gallery_images (
    instance_id TEXT NOT NULL,
    gallery_id TEXT NOT NULL,
    image_id TEXT NOT NULL,
    PRIMARY KEY (instance_id, gallery_id, image_id)
);
CREATE INDEX IF NOT EXISTS idx_gallery_images_image ON gallery_images(instance_id, image_id);

-- inherited=1 rows are written by the derive pass (gallery inheritance) and
-- deleted wholesale before each recompute. Sync only writes inherited=0 and
-- its junction replacement clears inherited rows too; the id columns alone
-- form the key, so an own relation supersedes an inherited one.
CREATE TABLE IF NOT EXISTS image_performers (
    instance_id TEXT NOT NULL,
    image_id TEXT NOT NULL,
    performer_id TEXT NOT NULL,
    inherited INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (instance_id, image_id, performer_id)
);

CREATE TABLE IF NOT EXISTS image_tags (
    instance_id TEXT NOT NULL,
    image_id TEXT NOT NULL,
    tag_id TEXT NOT NULL,
    inherited INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (instance_id, image_id, tag_id)
);

-- Per-user overlay tables. Keyed by user, never written by sync, and must
-- survive any re-sync or migration.

CREATE TABLE IF NOT EXISTS user_ratings (
    user_id TEXT NOT NULL,
    instance_id TEXT NOT NULL,
    entity_type TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    rating100 INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (user_id, instance_id, entity_type, entity_id)
);

CREATE TABLE IF NOT EXISTS user_favorites (
    user_id TEXT NOT NULL,
    instance_id TEXT NOT NULL,
    entity_type TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    PRIMARY KEY (user_id, instance_id, entity_type, entity_id)
);

CREATE TABLE IF NOT EXISTS user_play_history (
    user_id TEXT NOT NULL,
    instance_id TEXT NOT NULL,
    scene_id TEXT NOT NULL,
    play_count INTEGER NOT NULL DEFAULT 0,
    play_duration REAL NOT NULL DEFAULT 0,
    last_played_at INTEGER,
    PRIMARY KEY (user_id, instance_id, scene_id)
);

CREATE TABLE IF NOT EXISTS user_o_history (
    user_id TEXT NOT NULL,
    instance_id TEXT NOT NULL,
    entity_type TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    o_count INTEGER NOT NULL DEFAULT 0,
    last_o_at INTEGER,
    PRIMARY KEY (user_id, instance_id, entity_type, entity_id)
);

CREATE TABLE IF NOT EXISTS user_view_history (
    user_id TEXT NOT NULL,
    instance_id TEXT NOT NULL,
    entity_type TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    view_count INTEGER NOT NULL DEFAULT 0,
    last_viewed_at INTEGER,
    PRIMARY KEY (user_id, instance_id, entity_type, entity_id)
);

-- Restriction rules (input to the exclusion precompute)
CREATE TABLE IF NOT EXISTS user_restrictions (
    user_id TEXT NOT NULL,
    kind TEXT NOT NULL CHECK (kind IN ('hide_entity', 'restrict_tag')),
    instance_id TEXT NOT NULL,
    entity_type TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    PRIMARY KEY (user_id, kind, instance_id, entity_type, entity_id)
);

-- Full-text shadow table, kept in step by triggers so entity writes and their
-- search rows commit together.
CREATE VIRTUAL TABLE IF NOT EXISTS search_index USING fts5(
    entity_type UNINDEXED,
    instance_id UNINDEXED,
    external_id UNINDEXED,
    body
);
`

// Migration 2: materialized gallery inheritance columns on images and the
// per-user exclusion table. Overlay tables are never touched by migrations.
const migration2 = `
ALTER TABLE images ADD COLUMN inh_date TEXT;
ALTER TABLE images ADD COLUMN inh_details TEXT;
ALTER TABLE images ADD COLUMN inh_photographer TEXT;
ALTER TABLE images ADD COLUMN inh_studio_id TEXT;

CREATE TABLE IF NOT EXISTS user_exclusions (
    user_id TEXT NOT NULL,
    instance_id TEXT NOT NULL,
    entity_type TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    PRIMARY KEY (user_id, instance_id, entity_type, entity_id)
);
`

// migrations maps a target schema version to the script that reaches it from
// the previous version. Applied in order by migrate().
var migrations = map[int]string{
	2: migration2,
}

const initStore = `
INSERT OR IGNORE INTO schema_info (key, value) VALUES ('version', ?);
INSERT OR IGNORE INTO schema_info (key, value) VALUES ('type', 'mirror');
INSERT OR IGNORE INTO schema_info (key, value) VALUES ('created_at', datetime('now'));
`

// ftsSource describes how one entity table feeds the search_index shadow table.
type ftsSource struct {
	table  string
	entity EntityType
	body   string // SQL expression over NEW.* producing the searchable text
}

var ftsSources = []ftsSource{
	{"scenes", EntityScene, "coalesce(new.title,'') || ' ' || coalesce(new.details,'')"},
	{"performers", EntityPerformer, "coalesce(new.name,'') || ' ' || coalesce(new.disambiguation,'') || ' ' || coalesce(new.details,'')"},
	{"studios", EntityStudio, "coalesce(new.name,'') || ' ' || coalesce(new.details,'')"},
	{"tags", EntityTag, "coalesce(new.name,'') || ' ' || coalesce(new.description,'')"},
	{"groups", EntityGroup, "coalesce(new.name,'') || ' ' || coalesce(new.details,'')"},
	{"galleries", EntityGallery, "coalesce(new.title,'') || ' ' || coalesce(new.details,'')"},
	{"images", EntityImage, "coalesce(new.title,'') || ' ' || coalesce(new.details,'')"},
}

// ftsTriggerSQL renders the insert/update/delete triggers that keep
// search_index aligned with one entity table.
func ftsTriggerSQL(src ftsSource) string {
	del := fmt.Sprintf(
		"DELETE FROM search_index WHERE entity_type = '%s' AND instance_id = old.instance_id AND external_id = old.external_id;",
		src.entity)
	ins := fmt.Sprintf(
		"INSERT INTO search_index (entity_type, instance_id, external_id, body) VALUES ('%s', new.instance_id, new.external_id, %s);",
		src.entity, src.body)
	return fmt.Sprintf(`
CREATE TRIGGER IF NOT EXISTS %[1]s_fts_ai AFTER INSERT ON %[1]s BEGIN
    %[2]s
END;
CREATE TRIGGER IF NOT EXISTS %[1]s_fts_au AFTER UPDATE ON %[1]s BEGIN
    %[3]s
    %[2]s
END;
CREATE TRIGGER IF NOT EXISTS %[1]s_fts_ad AFTER DELETE ON %[1]s BEGIN
    %[3]s
END;
`, src.table, ins, del)
}

// execStatements executes multiple SQL statements separated by semicolons.
// libsql driver doesn't support multi-statement Exec, so we split and execute
// individually. Trigger bodies keep their internal semicolons intact.
func execStatements(db *sql.DB, sqlScript string, args ...interface{}) error {
	statements := splitStatements(sqlScript)
	argIdx := 0
	for _, stmt := range statements {
		if stmt == "" {
			continue
		}
		placeholders := strings.Count(stmt, "?")
		stmtArgs := args[argIdx : argIdx+placeholders]
		argIdx += placeholders
		if _, err := db.Exec(stmt, stmtArgs...); err != nil {
			return fmt.Errorf("exec %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// splitStatements splits a SQL script into individual statements. A statement
// ends at a semicolon at depth zero; CREATE TRIGGER ... BEGIN/END blocks count
// as one statement.
func splitStatements(script string) []string {
	var statements []string
	var current strings.Builder
	inTrigger := false

	lines := strings.Split(script, "\n")
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		current.WriteString(line)
		current.WriteString("\n")

		upper := strings.ToUpper(trimmed)
		if strings.HasPrefix(upper, "CREATE TRIGGER") {
			inTrigger = true
		}
		if inTrigger {
			if strings.HasPrefix(upper, "END;") || upper == "END;" {
				statements = append(statements, strings.TrimSpace(current.String()))
				current.Reset()
				inTrigger = false
			}
			continue
		}
		if strings.HasSuffix(trimmed, ";") {
			statements = append(statements, strings.TrimSpace(current.String()))
			current.Reset()
		}
	}
	if current.Len() > 0 {
		stmt := strings.TrimSpace(current.String())
		if stmt != "" {
			statements = append(statements, stmt)
		}
	}
	return statements
}
