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
	"database/sql"
)

// Sync bookkeeping, one row per (instance, entity type). Timestamps give the
// total order for "has this changed since".

// GetSyncState returns the bookkeeping row, or a zero-value idle row if the
// pair has never synced.
func (s *Store) GetSyncState(ctx context.Context, instanceID string, entity EntityType) (*SyncStateModel, error) {
	var m SyncStateModel
	err := s.db.NewSelect().
		Model(&m).
		Where("instance_id = ?", instanceID).
		Where("entity_type = ?", entity).
		Scan(ctx)
	if err == sql.ErrNoRows {
		return &SyncStateModel{InstanceID: instanceID, EntityType: entity, Status: "idle"}, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListSyncStates returns bookkeeping rows, optionally filtered by instance
// and/or entity type (empty means all).
func (s *Store) ListSyncStates(ctx context.Context, instanceID string, entity EntityType) ([]SyncStateModel, error) {
	q := s.db.NewSelect().Model((*SyncStateModel)(nil)).Order("instance_id", "entity_type")
	if instanceID != "" {
		q = q.Where("instance_id = ?", instanceID)
	}
	if entity != "" {
		q = q.Where("entity_type = ?", entity)
	}
	var rows []SyncStateModel
	err := q.Scan(ctx, &rows)
	return rows, err
}

// PutSyncState upserts a bookkeeping row.
func (s *Store) PutSyncState(ctx context.Context, m *SyncStateModel) error {
	_, err := s.db.NewInsert().
		Model(m).
		On("CONFLICT (instance_id, entity_type) DO UPDATE").
		Set("status = EXCLUDED.status").
		Set("last_full_at = EXCLUDED.last_full_at").
		Set("last_incremental_at = EXCLUDED.last_incremental_at").
		Set("last_duration_ms = EXCLUDED.last_duration_ms").
		Set("last_error = EXCLUDED.last_error").
		Set("total_count = EXCLUDED.total_count").
		Set("consecutive_failures = EXCLUDED.consecutive_failures").
		Exec(ctx)
	return err
}

// HasCompletedFullSync reports whether every entity type has at least one
// completed full sync under the instance. Gating on scenes alone would be
// insufficient: queries span all types.
func (s *Store) HasCompletedFullSync(ctx context.Context, instanceID string) (bool, error) {
	var n int64
	err := s.db.NewRaw(
		`SELECT COUNT(*) FROM sync_state WHERE instance_id = ? AND last_full_at IS NOT NULL`,
		instanceID,
	).Scan(ctx, &n)
	if err != nil {
		return false, err
	}
	return n >= int64(len(EntityTypes)), nil
}
