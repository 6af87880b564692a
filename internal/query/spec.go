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

// Package query answers "page P of entity type T, filtered by F, sorted by
// S, for user U" as one store query, merged with U's overlay data. Malformed
// filters and unknown sort fields are rejected up front; there is no
// fallback to an unfiltered result.
package query

import (
	"fmt"

	"stashmirror/internal/common"
	"stashmirror/internal/storage"
)

// Paging bounds.
const (
	DefaultPerPage = 40
	MaxPerPage     = 1000
)

// Direction orders a sort ascending or descending.
type Direction string

const (
	Asc  Direction = "asc"
	Desc Direction = "desc"
)

// SortRandom is the seeded random sort, valid for every entity type.
const SortRandom = "random"

// Spec is one paginated search request. Criteria are conjunctive.
type Spec struct {
	Entity     storage.EntityType
	InstanceID string

	// UserID selects the overlay rows merged into results. Empty means no
	// overlay (defaults everywhere) and no exclusions.
	UserID          string
	ApplyExclusions bool

	Criteria  []Criterion
	Sort      string
	Direction Direction
	// Seed drives the random sort. Same seed, same order; callers derive a
	// fresh seed per browsing pass.
	Seed int64

	Page    int // 1-based
	PerPage int
}

// Ref is one related entity in a result row: id plus display name.
type Ref struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Row is one result row, shaped the same for every entity type: scalar
// fields (Title carries the name for named entities), the caller's overlay
// values, and id+name relation lists. Execute and GetByIDs return identical
// shapes.
type Row struct {
	Entity     storage.EntityType `json:"entity"`
	InstanceID string             `json:"instance_id"`
	ID         string             `json:"id"`

	Title          string  `json:"title"`
	Details        string  `json:"details,omitempty"`
	Date           string  `json:"date,omitempty"`
	URL            string  `json:"url,omitempty"`
	Duration       float64 `json:"duration,omitempty"`
	Photographer   string  `json:"photographer,omitempty"`
	Organized      bool    `json:"organized,omitempty"`
	UpstreamRating *int64  `json:"upstream_rating,omitempty"`
	CreatedAt      int64   `json:"created_at"`
	UpdatedAt      int64   `json:"updated_at"`

	// Overlay values for the requesting user. Absence of overlay rows means
	// rating=null, favorite=false and zero counters, never another user's
	// values.
	Rating       *int64  `json:"rating"`
	Favorite     bool    `json:"favorite"`
	PlayCount    int64   `json:"play_count"`
	PlayDuration float64 `json:"play_duration,omitempty"`
	OCount       int64   `json:"o_count"`
	ViewCount    int64   `json:"view_count"`

	Studio              *Ref  `json:"studio,omitempty"`
	Performers          []Ref `json:"performers,omitempty"`
	InheritedPerformers []Ref `json:"inherited_performers,omitempty"`
	Tags                []Ref `json:"tags,omitempty"`
	InheritedTags       []Ref `json:"inherited_tags,omitempty"`
	Galleries           []Ref `json:"galleries,omitempty"`
	Groups              []Ref `json:"groups,omitempty"`
	Images              []Ref `json:"images,omitempty"`
	Parents             []Ref `json:"parents,omitempty"`
}

// Result is one page of rows plus the total match count across all pages.
type Result struct {
	Rows       []Row `json:"rows"`
	TotalCount int64 `json:"total_count"`
}

// sortColumns maps sort names to SQL expressions over the entity alias "e",
// per entity type. "random" and the overlay sorts (rating, play_count,
// o_count, view_count) are handled separately in orderExpr.
var sortColumns = map[storage.EntityType]map[string]string{
	storage.EntityScene: {
		"title":      "e.title COLLATE NOCASE",
		"date":       "e.date",
		"duration":   "e.duration",
		"created_at": "e.created_at",
		"updated_at": "e.updated_at",
	},
	storage.EntityPerformer: {
		"name":       "e.name COLLATE NOCASE",
		"birthdate":  "e.birthdate",
		"created_at": "e.created_at",
		"updated_at": "e.updated_at",
	},
	storage.EntityStudio: {
		"name":       "e.name COLLATE NOCASE",
		"created_at": "e.created_at",
		"updated_at": "e.updated_at",
	},
	storage.EntityTag: {
		"name":       "e.name COLLATE NOCASE",
		"created_at": "e.created_at",
		"updated_at": "e.updated_at",
	},
	storage.EntityGroup: {
		"name":       "e.name COLLATE NOCASE",
		"date":       "e.date",
		"created_at": "e.created_at",
		"updated_at": "e.updated_at",
	},
	storage.EntityGallery: {
		"title":      "e.title COLLATE NOCASE",
		"date":       "e.date",
		"created_at": "e.created_at",
		"updated_at": "e.updated_at",
	},
	storage.EntityImage: {
		"title":      "e.title COLLATE NOCASE",
		"date":       "coalesce(nullif(e.date,''), e.inh_date)",
		"created_at": "e.created_at",
		"updated_at": "e.updated_at",
	},
}

// overlaySorts maps overlay sort names to the table/column they read. Valid
// for every entity type; play_count and play duration exist for scenes only.
var overlaySorts = map[string]struct {
	table  string
	column string
}{
	"rating":     {"user_ratings", "rating100"},
	"o_count":    {"user_o_history", "o_count"},
	"view_count": {"user_view_history", "view_count"},
}

// normalize validates the spec and applies paging defaults in place.
func (s *Spec) normalize() error {
	if !storage.ValidEntityType(s.Entity) {
		return fmt.Errorf("%w: %q", common.ErrUnknownEntity, s.Entity)
	}
	if s.InstanceID == "" {
		return fmt.Errorf("%w: instance id is required", common.ErrInvalidFilter)
	}
	if s.Page <= 0 {
		s.Page = 1
	}
	if s.PerPage <= 0 {
		s.PerPage = DefaultPerPage
	}
	if s.PerPage > MaxPerPage {
		s.PerPage = MaxPerPage
	}
	if s.Direction == "" {
		s.Direction = Asc
	}
	if s.Direction != Asc && s.Direction != Desc {
		return fmt.Errorf("%w: direction %q", common.ErrInvalidFilter, s.Direction)
	}
	if s.Sort == "" {
		s.Sort = "created_at"
	}
	if err := validateSort(s.Entity, s.Sort); err != nil {
		return err
	}
	for _, c := range s.Criteria {
		if err := validateCriterion(s.Entity, c); err != nil {
			return err
		}
	}
	return nil
}

func validateSort(entity storage.EntityType, sort string) error {
	if sort == SortRandom {
		return nil
	}
	if _, ok := sortColumns[entity][sort]; ok {
		return nil
	}
	if _, ok := overlaySorts[sort]; ok {
		return nil
	}
	if sort == "play_count" && entity == storage.EntityScene {
		return nil
	}
	return fmt.Errorf("%w: %q is not sortable for %s", common.ErrUnknownSort, sort, entity)
}
