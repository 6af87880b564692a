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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigDirOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("STASHMIRROR_CONFIG_DIR", dir)

	assert.Equal(t, dir, ConfigDir())
	assert.Equal(t, filepath.Join(dir, "config.yaml"), ConfigPath())
	assert.Equal(t, filepath.Join(dir, "sync.lock"), LockPath())
}

func TestInitConfigDir(t *testing.T) {
	t.Setenv("STASHMIRROR_CONFIG_DIR", filepath.Join(t.TempDir(), "nested"))

	created, err := InitConfigDir()
	require.NoError(t, err)
	assert.True(t, created)

	// the written default config loads and validates
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "mirror.db", cfg.DataFile)
	assert.Empty(t, cfg.Instances)

	t.Run("existing config is never overwritten", func(t *testing.T) {
		require.NoError(t, os.WriteFile(ConfigPath(), []byte("log_level: debug\n"), 0600))

		created, err := InitConfigDir()
		require.NoError(t, err)
		assert.False(t, created)

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, "debug", cfg.LogLevel)
	})
}

func TestLoadFromPath(t *testing.T) {
	t.Parallel()

	write := func(t *testing.T, content string) string {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte(content), 0600))
		return path
	}

	t.Run("missing file falls back to defaults", func(t *testing.T) {
		t.Parallel()
		cfg, err := LoadFromPath(filepath.Join(t.TempDir(), "absent.yaml"))
		require.NoError(t, err)
		assert.Equal(t, "info", cfg.LogLevel)
		assert.Equal(t, 100, cfg.PerPage)
		assert.Equal(t, 3, cfg.EscalateAfter)
		assert.Equal(t, 15*time.Minute, cfg.Interval())
	})

	t.Run("full config", func(t *testing.T) {
		t.Parallel()
		cfg, err := LoadFromPath(write(t, `
datafile: /var/lib/stashmirror/mirror.db
log_level: debug
sync_interval: 1h
per_page: 50
instances:
  - id: home
    url: http://localhost:9999
    api_key: secret
`))
		require.NoError(t, err)
		assert.Equal(t, "/var/lib/stashmirror/mirror.db", cfg.DataFilePath(), "absolute path kept as-is")
		assert.Equal(t, time.Hour, cfg.Interval())
		assert.Equal(t, 50, cfg.PerPage)
		require.Len(t, cfg.Instances, 1)
		assert.Equal(t, "home", cfg.Instances[0].ID)
		assert.Equal(t, "secret", cfg.Instances[0].APIKey)
	})

	t.Run("malformed yaml", func(t *testing.T) {
		t.Parallel()
		_, err := LoadFromPath(write(t, "instances: [unclosed"))
		assert.Error(t, err)
	})

	t.Run("malformed interval falls back", func(t *testing.T) {
		t.Parallel()
		cfg, err := LoadFromPath(write(t, "sync_interval: soon\n"))
		require.NoError(t, err)
		assert.Equal(t, 15*time.Minute, cfg.Interval())
	})
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		instances []Instance
		wantErr   string
	}{
		{"no instances", nil, ""},
		{"valid", []Instance{{ID: "a", URL: "http://a"}}, ""},
		{"missing id", []Instance{{URL: "http://a"}}, "has no id"},
		{"missing url", []Instance{{ID: "a"}}, "has no url"},
		{"duplicate id", []Instance{{ID: "a", URL: "http://a"}, {ID: "a", URL: "http://b"}}, "duplicate instance id"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := &Config{Instances: tc.instances}
			err := cfg.Validate()
			if tc.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantErr)
			}
		})
	}
}

func TestDataFilePathRelative(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("STASHMIRROR_CONFIG_DIR", dir)

	cfg := &Config{DataFile: "mirror.db"}
	assert.Equal(t, filepath.Join(dir, "mirror.db"), cfg.DataFilePath())
}

func TestLoggingEnabled(t *testing.T) {
	t.Parallel()
	assert.True(t, (&Config{LogLevel: "info"}).LoggingEnabled())
	assert.True(t, (&Config{LogLevel: "TRACE"}).LoggingEnabled())
	assert.False(t, (&Config{LogLevel: "off"}).LoggingEnabled())
	assert.False(t, (&Config{LogLevel: "none"}).LoggingEnabled())
	assert.False(t, (&Config{}).LoggingEnabled())
}
