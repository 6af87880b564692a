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

package commands

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"stashmirror/internal/config"
	"stashmirror/internal/storage"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// SetVersion sets the version info for --version flag
func SetVersion(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = getVersionString()
}

// getVersionString returns the version string with build info
func getVersionString() string {
	buildDate := formatBuildDate(date)
	if strings.HasSuffix(version, "-dev") {
		// Dev build: include epoch and commit for troubleshooting
		return fmt.Sprintf("%s (%s, epoch: %s, commit: %s)", version, buildDate, date, commit)
	}
	// Prod build: version with date
	return fmt.Sprintf("%s (%s)", version, buildDate)
}

// formatBuildDate converts epoch timestamp to readable date
func formatBuildDate(epoch string) string {
	ts, err := strconv.ParseInt(epoch, 10, 64)
	if err != nil {
		return epoch
	}
	return time.Unix(ts, 0).Format("2006-01-02")
}

// cfg is the loaded configuration, available to every subcommand after
// PersistentPreRunE.
var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "stashmirror",
	Short: "Local mirror and query engine for a remote content library",
	Long: `stashmirror keeps an embedded SQLite mirror of one or more remote content
library instances (scenes, performers, studios, tags, groups, galleries,
images) and serves filtered, sorted, paginated queries against it with
per-user ratings, favorites and history merged in.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip initialization for help commands
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}

		if err := config.EnsureConfigDir(); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		loaded, err := config.Load()
		if err != nil {
			return err
		}
		cfg = loaded

		storage.SetConfigBusyTimeouts(cfg.SyncBusyTimeout, cfg.QueryBusyTimeout)
		configureLogging(cfg)
		return nil
	},
}

func configureLogging(cfg *config.Config) {
	if !cfg.LoggingEnabled() {
		log.SetOutput(io.Discard)
		return
	}
	switch strings.ToLower(cfg.LogLevel) {
	case "trace":
		log.SetLevel(log.TraceLevel)
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	default:
		log.SetLevel(log.InfoLevel)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.SetVersionTemplate("stashmirror version {{.Version}}\n")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
