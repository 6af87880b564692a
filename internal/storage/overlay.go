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
	"time"
)

// Per-user overlay writes. Only user actions land here; sync never touches
// these tables, so they survive any full re-sync.

// SetRating upserts a user's rating for an entity. rating100 in [0,100];
// a negative value clears the rating.
func (s *Store) SetRating(ctx context.Context, userID, instanceID string, entity EntityType, entityID string, rating100 int64) error {
	if rating100 < 0 {
		_, err := s.db.NewDelete().
			Model((*UserRatingModel)(nil)).
			Where("user_id = ?", userID).
			Where("instance_id = ?", instanceID).
			Where("entity_type = ?", entity).
			Where("entity_id = ?", entityID).
			Exec(ctx)
		return err
	}
	_, err := s.db.NewInsert().
		Model(&UserRatingModel{
			UserID:     userID,
			InstanceID: instanceID,
			EntityType: entity,
			EntityID:   entityID,
			Rating100:  rating100,
			UpdatedAt:  time.Now().Unix(),
		}).
		On("CONFLICT (user_id, instance_id, entity_type, entity_id) DO UPDATE").
		Set("rating100 = EXCLUDED.rating100").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return err
}

// GetRating returns the user's rating, or nil if unrated.
func (s *Store) GetRating(ctx context.Context, userID, instanceID string, entity EntityType, entityID string) (*int64, error) {
	var m UserRatingModel
	err := s.db.NewSelect().
		Model(&m).
		Where("user_id = ?", userID).
		Where("instance_id = ?", instanceID).
		Where("entity_type = ?", entity).
		Where("entity_id = ?", entityID).
		Scan(ctx)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m.Rating100, nil
}

// SetFavorite adds or removes a favorite. Row presence is the flag.
func (s *Store) SetFavorite(ctx context.Context, userID, instanceID string, entity EntityType, entityID string, favorite bool) error {
	if !favorite {
		_, err := s.db.NewDelete().
			Model((*UserFavoriteModel)(nil)).
			Where("user_id = ?", userID).
			Where("instance_id = ?", instanceID).
			Where("entity_type = ?", entity).
			Where("entity_id = ?", entityID).
			Exec(ctx)
		return err
	}
	_, err := s.db.NewInsert().
		Model(&UserFavoriteModel{
			UserID:     userID,
			InstanceID: instanceID,
			EntityType: entity,
			EntityID:   entityID,
			CreatedAt:  time.Now().Unix(),
		}).
		On("CONFLICT (user_id, instance_id, entity_type, entity_id) DO NOTHING").
		Exec(ctx)
	return err
}

// RecordPlay increments a scene's play count and accumulated duration.
func (s *Store) RecordPlay(ctx context.Context, userID, instanceID, sceneID string, duration float64) error {
	_, err := s.db.NewInsert().
		Model(&UserPlayHistoryModel{
			UserID:       userID,
			InstanceID:   instanceID,
			SceneID:      sceneID,
			PlayCount:    1,
			PlayDuration: duration,
			LastPlayedAt: time.Now().Unix(),
		}).
		On("CONFLICT (user_id, instance_id, scene_id) DO UPDATE").
		Set("play_count = user_play_history.play_count + 1").
		Set("play_duration = user_play_history.play_duration + EXCLUDED.play_duration").
		Set("last_played_at = EXCLUDED.last_played_at").
		Exec(ctx)
	return err
}

// RecordO increments an entity's O-counter.
func (s *Store) RecordO(ctx context.Context, userID, instanceID string, entity EntityType, entityID string) error {
	_, err := s.db.NewInsert().
		Model(&UserOHistoryModel{
			UserID:     userID,
			InstanceID: instanceID,
			EntityType: entity,
			EntityID:   entityID,
			OCount:     1,
			LastOAt:    time.Now().Unix(),
		}).
		On("CONFLICT (user_id, instance_id, entity_type, entity_id) DO UPDATE").
		Set("o_count = user_o_history.o_count + 1").
		Set("last_o_at = EXCLUDED.last_o_at").
		Exec(ctx)
	return err
}

// RecordView increments an entity's view count.
func (s *Store) RecordView(ctx context.Context, userID, instanceID string, entity EntityType, entityID string) error {
	_, err := s.db.NewInsert().
		Model(&UserViewHistoryModel{
			UserID:     userID,
			InstanceID: instanceID,
			EntityType: entity,
			EntityID:   entityID,
			ViewCount:  1,
			LastViewAt: time.Now().Unix(),
		}).
		On("CONFLICT (user_id, instance_id, entity_type, entity_id) DO UPDATE").
		Set("view_count = user_view_history.view_count + 1").
		Set("last_viewed_at = EXCLUDED.last_viewed_at").
		Exec(ctx)
	return err
}

// PlayStats returns a user's play counters for one scene, zeros when the
// scene has never been played.
func (s *Store) PlayStats(ctx context.Context, userID, instanceID, sceneID string) (count int64, duration float64, err error) {
	var m UserPlayHistoryModel
	err = s.db.NewSelect().
		Model(&m).
		Where("user_id = ?", userID).
		Where("instance_id = ?", instanceID).
		Where("scene_id = ?", sceneID).
		Scan(ctx)
	if err == sql.ErrNoRows {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, err
	}
	return m.PlayCount, m.PlayDuration, nil
}

// OCount returns a user's o-counter for one entity, zero when absent.
func (s *Store) OCount(ctx context.Context, userID, instanceID string, entity EntityType, entityID string) (int64, error) {
	var m UserOHistoryModel
	err := s.db.NewSelect().
		Model(&m).
		Where("user_id = ?", userID).
		Where("instance_id = ?", instanceID).
		Where("entity_type = ?", entity).
		Where("entity_id = ?", entityID).
		Scan(ctx)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return m.OCount, nil
}

// --- Restrictions ---

// AddRestriction records a restriction rule. The exclusion table must be
// recomputed afterwards (derive pass) for the rule to take effect.
func (s *Store) AddRestriction(ctx context.Context, m *UserRestrictionModel) error {
	if m.CreatedAt == 0 {
		m.CreatedAt = time.Now().Unix()
	}
	_, err := s.db.NewInsert().
		Model(m).
		On("CONFLICT (user_id, kind, instance_id, entity_type, entity_id) DO NOTHING").
		Exec(ctx)
	return err
}

// RemoveRestriction deletes a restriction rule.
func (s *Store) RemoveRestriction(ctx context.Context, m *UserRestrictionModel) error {
	_, err := s.db.NewDelete().
		Model((*UserRestrictionModel)(nil)).
		Where("user_id = ?", m.UserID).
		Where("kind = ?", m.Kind).
		Where("instance_id = ?", m.InstanceID).
		Where("entity_type = ?", m.EntityType).
		Where("entity_id = ?", m.EntityID).
		Exec(ctx)
	return err
}

// ListRestrictedUsers returns the distinct user ids that have restriction
// rules, for exclusion recomputation.
func (s *Store) ListRestrictedUsers(ctx context.Context) ([]string, error) {
	var users []string
	err := s.db.NewRaw(`SELECT DISTINCT user_id FROM user_restrictions ORDER BY user_id`).Scan(ctx, &users)
	return users, err
}
