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
	"os"

	"github.com/spf13/cobra"

	"stashmirror/internal/config"
	"stashmirror/internal/storage"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the config directory and mirror database",
	Long: `Initialize the stashmirror config directory with a default config.yaml
and create an empty mirror database. Existing files are never overwritten.

Edit config.yaml to add source instances before running 'stashmirror sync'.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	created, err := config.InitConfigDir()
	if err != nil {
		return err
	}
	if created {
		fmt.Printf("Created %s\n", config.ConfigPath())
	} else {
		fmt.Printf("Config already exists at %s (not modified)\n", config.ConfigPath())
	}

	path := cfg.DataFilePath()
	if _, err := os.Stat(path); err == nil {
		fmt.Printf("Mirror database already exists at %s (not modified)\n", path)
		return nil
	}
	store, err := storage.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create mirror database: %w", err)
	}
	defer store.Close()
	fmt.Printf("Created mirror database at %s (schema version %d)\n", path, storage.SchemaVersion)
	return nil
}
