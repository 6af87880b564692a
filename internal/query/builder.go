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

	"github.com/uptrace/bun"

	"stashmirror/internal/storage"
)

// Engine executes paginated searches and batch hydration against one store.
// Queries are read-only and cancellable through ctx.
type Engine struct {
	store *storage.Store
	db    *bun.DB
}

// New creates a query engine over the store.
func New(store *storage.Store) *Engine {
	return &Engine{store: store, db: store.DB()}
}

// Execute runs one paginated search: count matching rows, select the page's
// ids in sort order, then hydrate them with relations and the caller's
// overlay values. Concatenating all pages of a fixed spec yields exactly
// TotalCount rows with no duplicates or gaps.
func (e *Engine) Execute(ctx context.Context, spec Spec) (*Result, error) {
	if err := spec.normalize(); err != nil {
		return nil, err
	}

	count, err := e.baseQuery(&spec).Count(ctx)
	if err != nil {
		return nil, err
	}
	total := int64(count)

	q := e.baseQuery(&spec).ColumnExpr("e.external_id")
	q = e.applyOrder(q, &spec)
	q = q.Limit(spec.PerPage).Offset((spec.Page - 1) * spec.PerPage)

	var ids []string
	if err := q.Scan(ctx, &ids); err != nil {
		return nil, err
	}

	rows, err := e.hydrate(ctx, spec.Entity, spec.InstanceID, spec.UserID, ids)
	if err != nil {
		return nil, err
	}
	return &Result{Rows: rows, TotalCount: total}, nil
}

// baseQuery builds the FROM/WHERE shared by the count and page queries:
// live rows of one instance, all criteria, and the exclusion anti-join.
func (e *Engine) baseQuery(spec *Spec) *bun.SelectQuery {
	q := e.db.NewSelect().
		TableExpr(storage.TableForEntity(spec.Entity) + " AS e").
		Where("e.instance_id = ?", spec.InstanceID).
		Where("e.deleted_at IS NULL")

	for _, c := range spec.Criteria {
		q = applyCriterion(q, spec, c)
	}

	if spec.ApplyExclusions && spec.UserID != "" {
		q = q.Where(`NOT EXISTS (SELECT 1 FROM user_exclusions x
			WHERE x.user_id = ? AND x.instance_id = e.instance_id
			  AND x.entity_type = ? AND x.entity_id = e.external_id)`,
			spec.UserID, spec.Entity)
	}
	return q
}

// applyOrder appends the ORDER BY for the spec's sort, always tie-broken by
// primary key so pagination is total.
func (e *Engine) applyOrder(q *bun.SelectQuery, spec *Spec) *bun.SelectQuery {
	dir := "ASC"
	if spec.Direction == Desc {
		dir = "DESC"
	}

	switch {
	case spec.Sort == SortRandom:
		// Multiplicative hash over rowid with a seed-derived odd multiplier.
		// Integer only: float keys collide after precision loss on large
		// stores. The multiplier has to vary with the seed: an additive term
		// alone shifts every key by the same constant, which merely rotates
		// the cyclic order, and a reshuffle would replay the old sequence
		// from a different starting point.
		add, mult := randomSortParams(spec.Seed)
		q = q.OrderExpr("((e.rowid + ?) * ?) % 4294967296 "+dir, add, mult)
	case spec.Sort == "play_count":
		q = q.OrderExpr(`COALESCE((SELECT h.play_count FROM user_play_history h
			WHERE h.user_id = ? AND h.instance_id = e.instance_id AND h.scene_id = e.external_id), 0) `+dir,
			spec.UserID)
	default:
		if ov, ok := overlaySorts[spec.Sort]; ok {
			if spec.Sort == "rating" {
				// unrated sorts after every rated row regardless of direction
				q = q.OrderExpr(`(SELECT o.`+ov.column+` FROM `+ov.table+` o
					WHERE o.user_id = ? AND o.instance_id = e.instance_id
					  AND o.entity_type = ? AND o.entity_id = e.external_id) `+dir+` NULLS LAST`,
					spec.UserID, spec.Entity)
			} else {
				q = q.OrderExpr(`COALESCE((SELECT o.`+ov.column+` FROM `+ov.table+` o
					WHERE o.user_id = ? AND o.instance_id = e.instance_id
					  AND o.entity_type = ? AND o.entity_id = e.external_id), 0) `+dir,
					spec.UserID, spec.Entity)
			}
		} else {
			q = q.OrderExpr(sortColumns[spec.Entity][spec.Sort] + " " + dir)
		}
	}
	return q.OrderExpr("e.external_id ASC")
}

// randomSortParams expands a caller seed into the offset and multiplier of
// the per-row sort key, mixed through the murmur3 finalizer so adjacent seeds
// land on unrelated orders. Both stay below 2^31 to keep the SQL multiply
// inside 64-bit integer range; the multiplier is forced odd so the map is a
// bijection mod 2^32.
func randomSortParams(seed int64) (add, mult int64) {
	h := uint64(seed)
	h ^= h >> 33
	h *= 0xff51afd7ed558ccd
	h ^= h >> 33
	h *= 0xc4ceb9fe1a85ec53
	h ^= h >> 33
	return int64((h >> 33) % 2147483648), int64(h%2147483648) | 1
}
