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
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testStore creates a temporary mirror database for testing.
// Uses t.TempDir() which automatically cleans up after the test.
func testStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mirror.db")
	s, err := Create(path)
	require.NoError(t, err, "failed to create store")
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreate(t *testing.T) {
	t.Parallel()

	t.Run("creates new store at latest schema version", func(t *testing.T) {
		t.Parallel()
		s := testStore(t)

		version, err := s.SchemaVersionOf(context.Background())
		require.NoError(t, err)
		assert.Equal(t, SchemaVersion, version)
	})

	t.Run("fails when file exists", func(t *testing.T) {
		t.Parallel()
		s := testStore(t)

		_, err := Create(s.Path())
		assert.Error(t, err)
	})
}

func TestOpen(t *testing.T) {
	t.Parallel()

	t.Run("reopens existing store", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "mirror.db")
		s, err := Create(path)
		require.NoError(t, err)
		require.NoError(t, s.Close())

		s2, err := Open(path)
		require.NoError(t, err)
		defer s2.Close()

		version, err := s2.SchemaVersionOf(context.Background())
		require.NoError(t, err)
		assert.Equal(t, SchemaVersion, version)
	})

	t.Run("fails when file missing", func(t *testing.T) {
		t.Parallel()
		_, err := Open(filepath.Join(t.TempDir(), "missing.db"))
		assert.Error(t, err)
	})
}

func TestSchemaInfo(t *testing.T) {
	t.Parallel()
	s := testStore(t)
	ctx := context.Background()

	t.Run("missing key returns empty", func(t *testing.T) {
		v, err := s.GetInfo(ctx, "no_such_key")
		require.NoError(t, err)
		assert.Equal(t, "", v)
	})

	t.Run("set and get roundtrip", func(t *testing.T) {
		require.NoError(t, s.SetInfo(ctx, "last_full_schema_version", "2"))
		v, err := s.GetInfo(ctx, "last_full_schema_version")
		require.NoError(t, err)
		assert.Equal(t, "2", v)

		// upsert overwrites
		require.NoError(t, s.SetInfo(ctx, "last_full_schema_version", "3"))
		v, err = s.GetInfo(ctx, "last_full_schema_version")
		require.NoError(t, err)
		assert.Equal(t, "3", v)
	})
}

func TestFullTextTriggers(t *testing.T) {
	t.Parallel()
	s := testStore(t)
	ctx := context.Background()

	scene := &SceneModel{
		ExternalID: "s1", InstanceID: "inst1",
		Title: "Midnight Harbor", Details: "boats at night",
	}
	require.NoError(t, s.UpsertScene(ctx, s.DB(), scene))

	var n int64
	err := s.DB().NewRaw(
		`SELECT COUNT(*) FROM search_index WHERE search_index MATCH 'harbor' AND entity_type = 'scene'`,
	).Scan(ctx, &n)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// update rewrites the shadow row
	scene.Title = "Sunrise Pier"
	require.NoError(t, s.UpsertScene(ctx, s.DB(), scene))

	err = s.DB().NewRaw(
		`SELECT COUNT(*) FROM search_index WHERE search_index MATCH 'harbor' AND entity_type = 'scene'`,
	).Scan(ctx, &n)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	err = s.DB().NewRaw(
		`SELECT COUNT(*) FROM search_index WHERE search_index MATCH 'pier' AND entity_type = 'scene'`,
	).Scan(ctx, &n)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSplitStatements(t *testing.T) {
	t.Parallel()

	t.Run("splits simple statements", func(t *testing.T) {
		t.Parallel()
		stmts := splitStatements("CREATE TABLE a (x INT);\nCREATE TABLE b (y INT);")
		assert.Len(t, stmts, 2)
	})

	t.Run("keeps trigger bodies intact", func(t *testing.T) {
		t.Parallel()
		script := `
CREATE TABLE a (x INT);
CREATE TRIGGER a_ai AFTER INSERT ON a BEGIN
    INSERT INTO b VALUES (new.x);
    DELETE FROM c WHERE x = new.x;
END;
CREATE TABLE b (y INT);
`
		stmts := splitStatements(script)
		require.Len(t, stmts, 3)
		assert.Contains(t, stmts[1], "DELETE FROM c")
		assert.Contains(t, stmts[1], "END;")
	})

	t.Run("drops comments and blanks", func(t *testing.T) {
		t.Parallel()
		stmts := splitStatements("-- comment\n\nCREATE TABLE a (x INT);")
		assert.Len(t, stmts, 1)
	})
}
