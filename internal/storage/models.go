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
	"github.com/uptrace/bun"
)

// Bun ORM models for the mirror database tables.
// Times are stored as Unix timestamps; deleted_at uses nullzero so a zero
// value maps to NULL (not deleted).

// SchemaInfoModel represents the schema_info table
type SchemaInfoModel struct {
	bun.BaseModel `bun:"table:schema_info"`

	Key   string `bun:"key,pk"`
	Value string `bun:"value,notnull"`
}

// SyncStateModel represents the sync_state table, one row per
// (instance, entity type).
type SyncStateModel struct {
	bun.BaseModel `bun:"table:sync_state"`

	InstanceID          string     `bun:"instance_id,pk"`
	EntityType          EntityType `bun:"entity_type,pk"`
	Status              string     `bun:"status,notnull"` // "idle", "running"
	LastFullAt          int64      `bun:"last_full_at,nullzero"`
	LastIncrementalAt   int64      `bun:"last_incremental_at,nullzero"`
	LastDurationMs      int64      `bun:"last_duration_ms"`
	LastError           string     `bun:"last_error,nullzero"`
	TotalCount          int64      `bun:"total_count"`
	ConsecutiveFailures int64      `bun:"consecutive_failures"`
}

// SceneModel represents the scenes table
type SceneModel struct {
	bun.BaseModel `bun:"table:scenes"`

	ExternalID     string  `bun:"external_id,pk"`
	InstanceID     string  `bun:"instance_id,pk"`
	Title          string  `bun:"title,nullzero"`
	Details        string  `bun:"details,nullzero"`
	Date           string  `bun:"date,nullzero"` // YYYY-MM-DD
	URL            string  `bun:"url,nullzero"`
	Duration       float64 `bun:"duration"`
	StudioID       string  `bun:"studio_id,nullzero"`
	UpstreamRating int64   `bun:"upstream_rating,nullzero"`
	Organized      bool    `bun:"organized"`
	CreatedAt      int64   `bun:"created_at"`
	UpdatedAt      int64   `bun:"updated_at"`
	SyncedAt       int64   `bun:"synced_at"`
	DeletedAt      int64   `bun:"deleted_at,nullzero"`
}

// PerformerModel represents the performers table
type PerformerModel struct {
	bun.BaseModel `bun:"table:performers"`

	ExternalID     string `bun:"external_id,pk"`
	InstanceID     string `bun:"instance_id,pk"`
	Name           string `bun:"name,nullzero"`
	Disambiguation string `bun:"disambiguation,nullzero"`
	Gender         string `bun:"gender,nullzero"`
	Birthdate      string `bun:"birthdate,nullzero"`
	Country        string `bun:"country,nullzero"`
	Details        string `bun:"details,nullzero"`
	ImageURL       string `bun:"image_url,nullzero"`
	UpstreamRating int64  `bun:"upstream_rating,nullzero"`
	CreatedAt      int64  `bun:"created_at"`
	UpdatedAt      int64  `bun:"updated_at"`
	SyncedAt       int64  `bun:"synced_at"`
	DeletedAt      int64  `bun:"deleted_at,nullzero"`
}

// StudioModel represents the studios table. parent_id forms a tree.
type StudioModel struct {
	bun.BaseModel `bun:"table:studios"`

	ExternalID     string `bun:"external_id,pk"`
	InstanceID     string `bun:"instance_id,pk"`
	Name           string `bun:"name,nullzero"`
	URL            string `bun:"url,nullzero"`
	Details        string `bun:"details,nullzero"`
	ParentID       string `bun:"parent_id,nullzero"`
	UpstreamRating int64  `bun:"upstream_rating,nullzero"`
	CreatedAt      int64  `bun:"created_at"`
	UpdatedAt      int64  `bun:"updated_at"`
	SyncedAt       int64  `bun:"synced_at"`
	DeletedAt      int64  `bun:"deleted_at,nullzero"`
}

// TagModel represents the tags table. Parents live in tag_parents (DAG).
type TagModel struct {
	bun.BaseModel `bun:"table:tags"`

	ExternalID  string `bun:"external_id,pk"`
	InstanceID  string `bun:"instance_id,pk"`
	Name        string `bun:"name,nullzero"`
	Description string `bun:"description,nullzero"`
	CreatedAt   int64  `bun:"created_at"`
	UpdatedAt   int64  `bun:"updated_at"`
	SyncedAt    int64  `bun:"synced_at"`
	DeletedAt   int64  `bun:"deleted_at,nullzero"`
}

// TagParentModel represents the tag_parents table
type TagParentModel struct {
	bun.BaseModel `bun:"table:tag_parents"`

	InstanceID string `bun:"instance_id,pk"`
	TagID      string `bun:"tag_id,pk"`
	ParentID   string `bun:"parent_id,pk"`
}

// GroupModel represents the groups table. parent_id forms a tree.
type GroupModel struct {
	bun.BaseModel `bun:"table:groups"`

	ExternalID string `bun:"external_id,pk"`
	InstanceID string `bun:"instance_id,pk"`
	Name       string `bun:"name,nullzero"`
	Date       string `bun:"date,nullzero"`
	Details    string `bun:"details,nullzero"`
	Director   string `bun:"director,nullzero"`
	StudioID   string `bun:"studio_id,nullzero"`
	ParentID   string `bun:"parent_id,nullzero"`
	CreatedAt  int64  `bun:"created_at"`
	UpdatedAt  int64  `bun:"updated_at"`
	SyncedAt   int64  `bun:"synced_at"`
	DeletedAt  int64  `bun:"deleted_at,nullzero"`
}

// GalleryModel represents the galleries table
type GalleryModel struct {
	bun.BaseModel `bun:"table:galleries"`

	ExternalID   string `bun:"external_id,pk"`
	InstanceID   string `bun:"instance_id,pk"`
	Title        string `bun:"title,nullzero"`
	Date         string `bun:"date,nullzero"`
	Details      string `bun:"details,nullzero"`
	Photographer string `bun:"photographer,nullzero"`
	URL          string `bun:"url,nullzero"`
	StudioID     string `bun:"studio_id,nullzero"`
	CreatedAt    int64  `bun:"created_at"`
	UpdatedAt    int64  `bun:"updated_at"`
	SyncedAt     int64  `bun:"synced_at"`
	DeletedAt    int64  `bun:"deleted_at,nullzero"`
}

// ImageModel represents the images table. The inh_* columns hold values the
// derive pass copied from the governing gallery; the synced columns are never
// overwritten by derivation. Effective value = COALESCE(own, inh).
type ImageModel struct {
	bun.BaseModel `bun:"table:images"`

	ExternalID      string `bun:"external_id,pk"`
	InstanceID      string `bun:"instance_id,pk"`
	Title           string `bun:"title,nullzero"`
	Date            string `bun:"date,nullzero"`
	Details         string `bun:"details,nullzero"`
	Photographer    string `bun:"photographer,nullzero"`
	URL             string `bun:"url,nullzero"`
	StudioID        string `bun:"studio_id,nullzero"`
	InhDate         string `bun:"inh_date,nullzero"`
	InhDetails      string `bun:"inh_details,nullzero"`
	InhPhotographer string `bun:"inh_photographer,nullzero"`
	InhStudioID     string `bun:"inh_studio_id,nullzero"`
	CreatedAt       int64  `bun:"created_at"`
	UpdatedAt       int64  `bun:"updated_at"`
	SyncedAt        int64  `bun:"synced_at"`
	DeletedAt       int64  `bun:"deleted_at,nullzero"`
}

// Junction models

// ScenePerformerModel represents the scene_performers table
type ScenePerformerModel struct {
	bun.BaseModel `bun:"table:scene_performers"`

	InstanceID  string `bun:"instance_id,pk"`
	SceneID     string `bun:"scene_id,pk"`
	PerformerID string `bun:"performer_id,pk"`
}

// SceneTagModel represents the scene_tags table
type SceneTagModel struct {
	bun.BaseModel `bun:"table:scene_tags"`

	InstanceID string `bun:"instance_id,pk"`
	SceneID    string `bun:"scene_id,pk"`
	TagID      string `bun:"tag_id,pk"`
}

// SceneInheritedTagModel represents the derived scene_inherited_tags table
type SceneInheritedTagModel struct {
	bun.BaseModel `bun:"table:scene_inherited_tags"`

	InstanceID string `bun:"instance_id,pk"`
	SceneID    string `bun:"scene_id,pk"`
	TagID      string `bun:"tag_id,pk"`
}

// SceneGalleryModel represents the scene_galleries table
type SceneGalleryModel struct {
	bun.BaseModel `bun:"table:scene_galleries"`

	InstanceID string `bun:"instance_id,pk"`
	SceneID    string `bun:"scene_id,pk"`
	GalleryID  string `bun:"gallery_id,pk"`
}

// SceneGroupModel represents the ordered scene_groups table
type SceneGroupModel struct {
	bun.BaseModel `bun:"table:scene_groups"`

	InstanceID string `bun:"instance_id,pk"`
	SceneID    string `bun:"scene_id,pk"`
	GroupID    string `bun:"group_id,pk"`
	Position   int64  `bun:"position"`
}

// PerformerTagModel represents the performer_tags table
type PerformerTagModel struct {
	bun.BaseModel `bun:"table:performer_tags"`

	InstanceID  string `bun:"instance_id,pk"`
	PerformerID string `bun:"performer_id,pk"`
	TagID       string `bun:"tag_id,pk"`
}

// StudioTagModel represents the studio_tags table
type StudioTagModel struct {
	bun.BaseModel `bun:"table:studio_tags"`

	InstanceID string `bun:"instance_id,pk"`
	StudioID   string `bun:"studio_id,pk"`
	TagID      string `bun:"tag_id,pk"`
}

// GroupTagModel represents the group_tags table
type GroupTagModel struct {
	bun.BaseModel `bun:"table:group_tags"`

	InstanceID string `bun:"instance_id,pk"`
	GroupID    string `bun:"group_id,pk"`
	TagID      string `bun:"tag_id,pk"`
}

// GalleryTagModel represents the gallery_tags table
type GalleryTagModel struct {
	bun.BaseModel `bun:"table:gallery_tags"`

	InstanceID string `bun:"instance_id,pk"`
	GalleryID  string `bun:"gallery_id,pk"`
	TagID      string `bun:"tag_id,pk"`
}

// GalleryPerformerModel represents the gallery_performers table
type GalleryPerformerModel struct {
	bun.BaseModel `bun:"table:gallery_performers"`

	InstanceID  string `bun:"instance_id,pk"`
	GalleryID   string `bun:"gallery_id,pk"`
	PerformerID string `bun:"performer_id,pk"`
}

// GalleryImageModel represents the gallery_images table
type GalleryImageModel struct {
	bun.BaseModel `bun:"table:gallery_images"`

	InstanceID string `bun:"instance_id,pk"`
	GalleryID  string `bun:"gallery_id,pk"`
	ImageID    string `bun:"image_id,pk"`
}

// ImagePerformerModel represents the image_performers table.
// Inherited rows come from the derive pass, never from sync.
type ImagePerformerModel struct {
	bun.BaseModel `bun:"table:image_performers"`

	InstanceID  string `bun:"instance_id,pk"`
	ImageID     string `bun:"image_id,pk"`
	PerformerID string `bun:"performer_id,pk"`
	Inherited   bool   `bun:"inherited"`
}

// ImageTagModel represents the image_tags table.
type ImageTagModel struct {
	bun.BaseModel `bun:"table:image_tags"`

	InstanceID string `bun:"instance_id,pk"`
	ImageID    string `bun:"image_id,pk"`
	TagID      string `bun:"tag_id,pk"`
	Inherited  bool   `bun:"inherited"`
}

// Overlay models (per-user, never written by sync)

// UserRatingModel represents the user_ratings table
type UserRatingModel struct {
	bun.BaseModel `bun:"table:user_ratings"`

	UserID     string     `bun:"user_id,pk"`
	InstanceID string     `bun:"instance_id,pk"`
	EntityType EntityType `bun:"entity_type,pk"`
	EntityID   string     `bun:"entity_id,pk"`
	Rating100  int64      `bun:"rating100,notnull"`
	UpdatedAt  int64      `bun:"updated_at,notnull"`
}

// UserFavoriteModel represents the user_favorites table. Row presence means
// favorite; absence means not.
type UserFavoriteModel struct {
	bun.BaseModel `bun:"table:user_favorites"`

	UserID     string     `bun:"user_id,pk"`
	InstanceID string     `bun:"instance_id,pk"`
	EntityType EntityType `bun:"entity_type,pk"`
	EntityID   string     `bun:"entity_id,pk"`
	CreatedAt  int64      `bun:"created_at,notnull"`
}

// UserPlayHistoryModel represents the user_play_history table (scenes only)
type UserPlayHistoryModel struct {
	bun.BaseModel `bun:"table:user_play_history,alias:user_play_history"`

	UserID       string  `bun:"user_id,pk"`
	InstanceID   string  `bun:"instance_id,pk"`
	SceneID      string  `bun:"scene_id,pk"`
	PlayCount    int64   `bun:"play_count"`
	PlayDuration float64 `bun:"play_duration"`
	LastPlayedAt int64   `bun:"last_played_at,nullzero"`
}

// UserOHistoryModel represents the user_o_history table
type UserOHistoryModel struct {
	bun.BaseModel `bun:"table:user_o_history,alias:user_o_history"`

	UserID     string     `bun:"user_id,pk"`
	InstanceID string     `bun:"instance_id,pk"`
	EntityType EntityType `bun:"entity_type,pk"`
	EntityID   string     `bun:"entity_id,pk"`
	OCount     int64      `bun:"o_count"`
	LastOAt    int64      `bun:"last_o_at,nullzero"`
}

// UserViewHistoryModel represents the user_view_history table
type UserViewHistoryModel struct {
	bun.BaseModel `bun:"table:user_view_history,alias:user_view_history"`

	UserID     string     `bun:"user_id,pk"`
	InstanceID string     `bun:"instance_id,pk"`
	EntityType EntityType `bun:"entity_type,pk"`
	EntityID   string     `bun:"entity_id,pk"`
	ViewCount  int64      `bun:"view_count"`
	LastViewAt int64      `bun:"last_viewed_at,nullzero"`
}

// Restriction kinds for user_restrictions.kind
const (
	RestrictionHideEntity  = "hide_entity"
	RestrictionRestrictTag = "restrict_tag"
)

// UserRestrictionModel represents the user_restrictions rule table
type UserRestrictionModel struct {
	bun.BaseModel `bun:"table:user_restrictions"`

	UserID     string     `bun:"user_id,pk"`
	Kind       string     `bun:"kind,pk"`
	InstanceID string     `bun:"instance_id,pk"`
	EntityType EntityType `bun:"entity_type,pk"`
	EntityID   string     `bun:"entity_id,pk"`
	CreatedAt  int64      `bun:"created_at,notnull"`
}

// UserExclusionModel represents the materialized user_exclusions table,
// written only by the derive pass.
type UserExclusionModel struct {
	bun.BaseModel `bun:"table:user_exclusions"`

	UserID     string     `bun:"user_id,pk"`
	InstanceID string     `bun:"instance_id,pk"`
	EntityType EntityType `bun:"entity_type,pk"`
	EntityID   string     `bun:"entity_id,pk"`
}
