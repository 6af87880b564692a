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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRatings(t *testing.T) {
	t.Parallel()
	s := testStore(t)
	ctx := context.Background()

	t.Run("unrated returns nil", func(t *testing.T) {
		r, err := s.GetRating(ctx, "u1", "inst1", EntityScene, "s1")
		require.NoError(t, err)
		assert.Nil(t, r)
	})

	t.Run("set, update, clear", func(t *testing.T) {
		require.NoError(t, s.SetRating(ctx, "u1", "inst1", EntityScene, "s1", 80))
		r, err := s.GetRating(ctx, "u1", "inst1", EntityScene, "s1")
		require.NoError(t, err)
		require.NotNil(t, r)
		assert.Equal(t, int64(80), *r)

		require.NoError(t, s.SetRating(ctx, "u1", "inst1", EntityScene, "s1", 55))
		r, err = s.GetRating(ctx, "u1", "inst1", EntityScene, "s1")
		require.NoError(t, err)
		require.NotNil(t, r)
		assert.Equal(t, int64(55), *r)

		require.NoError(t, s.SetRating(ctx, "u1", "inst1", EntityScene, "s1", -1))
		r, err = s.GetRating(ctx, "u1", "inst1", EntityScene, "s1")
		require.NoError(t, err)
		assert.Nil(t, r)
	})

	t.Run("ratings are per user", func(t *testing.T) {
		require.NoError(t, s.SetRating(ctx, "u1", "inst1", EntityScene, "s2", 90))
		r, err := s.GetRating(ctx, "u2", "inst1", EntityScene, "s2")
		require.NoError(t, err)
		assert.Nil(t, r)
	})
}

func TestFavorites(t *testing.T) {
	t.Parallel()
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetFavorite(ctx, "u1", "inst1", EntityPerformer, "p1", true))
	// setting twice is fine, presence is the flag
	require.NoError(t, s.SetFavorite(ctx, "u1", "inst1", EntityPerformer, "p1", true))

	var n int64
	require.NoError(t, s.DB().NewRaw(
		`SELECT COUNT(*) FROM user_favorites WHERE user_id = 'u1' AND entity_id = 'p1'`,
	).Scan(ctx, &n))
	assert.Equal(t, int64(1), n)

	require.NoError(t, s.SetFavorite(ctx, "u1", "inst1", EntityPerformer, "p1", false))
	require.NoError(t, s.DB().NewRaw(
		`SELECT COUNT(*) FROM user_favorites WHERE user_id = 'u1' AND entity_id = 'p1'`,
	).Scan(ctx, &n))
	assert.Equal(t, int64(0), n)
}

func TestHistoryCounters(t *testing.T) {
	t.Parallel()
	s := testStore(t)
	ctx := context.Background()

	t.Run("play history accumulates", func(t *testing.T) {
		require.NoError(t, s.RecordPlay(ctx, "u1", "inst1", "s1", 120.5))
		require.NoError(t, s.RecordPlay(ctx, "u1", "inst1", "s1", 30))

		var m UserPlayHistoryModel
		err := s.DB().NewSelect().Model(&m).
			Where("user_id = ?", "u1").Where("scene_id = ?", "s1").Scan(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), m.PlayCount)
		assert.InDelta(t, 150.5, m.PlayDuration, 0.001)

		count, duration, err := s.PlayStats(ctx, "u1", "inst1", "s1")
		require.NoError(t, err)
		assert.Equal(t, int64(2), count)
		assert.InDelta(t, 150.5, duration, 0.001)

		count, duration, err = s.PlayStats(ctx, "u1", "inst1", "never-played")
		require.NoError(t, err)
		assert.Zero(t, count)
		assert.Zero(t, duration)
	})

	t.Run("o counter increments", func(t *testing.T) {
		require.NoError(t, s.RecordO(ctx, "u1", "inst1", EntityScene, "s1"))
		require.NoError(t, s.RecordO(ctx, "u1", "inst1", EntityScene, "s1"))
		require.NoError(t, s.RecordO(ctx, "u1", "inst1", EntityScene, "s1"))

		var m UserOHistoryModel
		err := s.DB().NewSelect().Model(&m).
			Where("user_id = ?", "u1").Where("entity_id = ?", "s1").Scan(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(3), m.OCount)

		n, err := s.OCount(ctx, "u1", "inst1", EntityScene, "s1")
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)

		n, err = s.OCount(ctx, "u2", "inst1", EntityScene, "s1")
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("view counter increments", func(t *testing.T) {
		require.NoError(t, s.RecordView(ctx, "u1", "inst1", EntityImage, "i1"))
		require.NoError(t, s.RecordView(ctx, "u1", "inst1", EntityImage, "i1"))

		var m UserViewHistoryModel
		err := s.DB().NewSelect().Model(&m).
			Where("user_id = ?", "u1").Where("entity_id = ?", "i1").Scan(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), m.ViewCount)
	})
}

func TestRestrictions(t *testing.T) {
	t.Parallel()
	s := testStore(t)
	ctx := context.Background()

	rule := &UserRestrictionModel{
		UserID: "u1", Kind: RestrictionRestrictTag,
		InstanceID: "inst1", EntityType: EntityTag, EntityID: "t1",
	}
	require.NoError(t, s.AddRestriction(ctx, rule))
	// duplicate rule is ignored
	require.NoError(t, s.AddRestriction(ctx, rule))

	users, err := s.ListRestrictedUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, users)

	require.NoError(t, s.RemoveRestriction(ctx, rule))
	users, err = s.ListRestrictedUsers(ctx)
	require.NoError(t, err)
	assert.Empty(t, users)
}
