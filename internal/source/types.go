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

package source

import "time"

// Payload DTOs for the upstream find endpoints. Relations arrive as id
// references; the upsert pipeline records them whether or not the referenced
// entity has synced yet.

// Ref is an id reference to another upstream entity.
type Ref struct {
	ID string `json:"id"`
}

// GroupRef is an ordered group membership on a scene.
type GroupRef struct {
	Group      Ref   `json:"group"`
	SceneIndex int64 `json:"scene_index"`
}

// Page is one page of a paginated find response.
type Page[T any] struct {
	Count int64 `json:"count"`
	Items []T   `json:"items"`
}

// ScenePayload is one scene as returned by the upstream source.
type ScenePayload struct {
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Details    string     `json:"details"`
	Date       string     `json:"date"`
	URL        string     `json:"url"`
	Duration   float64    `json:"duration"`
	Rating100  *int64     `json:"rating100"`
	Organized  bool       `json:"organized"`
	Studio     *Ref       `json:"studio"`
	Performers []Ref      `json:"performers"`
	Tags       []Ref      `json:"tags"`
	Galleries  []Ref      `json:"galleries"`
	Groups     []GroupRef `json:"groups"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// PerformerPayload is one performer as returned by the upstream source.
type PerformerPayload struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Disambiguation string    `json:"disambiguation"`
	Gender         string    `json:"gender"`
	Birthdate      string    `json:"birthdate"`
	Country        string    `json:"country"`
	Details        string    `json:"details"`
	ImageURL       string    `json:"image_path"`
	Rating100      *int64    `json:"rating100"`
	Tags           []Ref     `json:"tags"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// StudioPayload is one studio as returned by the upstream source.
type StudioPayload struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	Details   string    `json:"details"`
	Parent    *Ref      `json:"parent_studio"`
	Rating100 *int64    `json:"rating100"`
	Tags      []Ref     `json:"tags"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TagPayload is one tag as returned by the upstream source. Parents form a
// DAG: multiple parents are legitimate.
type TagPayload struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Parents     []Ref     `json:"parents"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// GroupPayload is one group as returned by the upstream source.
type GroupPayload struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Date      string    `json:"date"`
	Details   string    `json:"details"`
	Director  string    `json:"director"`
	Studio    *Ref      `json:"studio"`
	Parent    *Ref      `json:"containing_group"`
	Tags      []Ref     `json:"tags"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// GalleryPayload is one gallery as returned by the upstream source.
type GalleryPayload struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Date         string    `json:"date"`
	Details      string    `json:"details"`
	Photographer string    `json:"photographer"`
	URL          string    `json:"url"`
	Studio       *Ref      `json:"studio"`
	Performers   []Ref     `json:"performers"`
	Tags         []Ref     `json:"tags"`
	Images       []Ref     `json:"images"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ImagePayload is one image as returned by the upstream source.
type ImagePayload struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Date         string    `json:"date"`
	Details      string    `json:"details"`
	Photographer string    `json:"photographer"`
	URL          string    `json:"url"`
	Studio       *Ref      `json:"studio"`
	Performers   []Ref     `json:"performers"`
	Tags         []Ref     `json:"tags"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// OverlayPatch is the only mutation shape the adapter sends upstream:
// rating/favorite/counter write-back, never structural fields.
type OverlayPatch struct {
	Rating100 *int64 `json:"rating100,omitempty"`
	Favorite  *bool  `json:"favorite,omitempty"`
	OCount    *int64 `json:"o_counter,omitempty"`
	PlayCount *int64 `json:"play_count,omitempty"`
}

// RefIDs extracts the ids from a reference list.
func RefIDs(refs []Ref) []string {
	ids := make([]string, 0, len(refs))
	for _, r := range refs {
		ids = append(ids, r.ID)
	}
	return ids
}
