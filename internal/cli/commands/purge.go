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
	"time"

	"github.com/spf13/cobra"

	"stashmirror/internal/storage"
)

var (
	purgeInstance  string
	purgeOlderThan time.Duration
)

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Hard-delete soft-deleted rows older than a retention window",
	Long: `Remove rows that full syncs marked deleted, together with their junction
rows. Soft-deleted rows are kept by default so deletions survive in sync
bookkeeping; purge is the explicit administrative cleanup.`,
	Args: cobra.NoArgs,
	RunE: runPurge,
}

func init() {
	purgeCmd.Flags().StringVar(&purgeInstance, "instance", "", "purge only this source instance")
	purgeCmd.Flags().DurationVar(&purgeOlderThan, "older-than", 30*24*time.Hour, "only purge rows deleted longer ago than this")
	rootCmd.AddCommand(purgeCmd)
}

func runPurge(cmd *cobra.Command, args []string) error {
	store, err := openStore(storage.DBContextSync)
	if err != nil {
		return err
	}
	defer store.Close()

	instances := make([]string, 0, len(cfg.Instances))
	if purgeInstance != "" {
		instances = append(instances, purgeInstance)
	} else {
		for _, inst := range cfg.Instances {
			instances = append(instances, inst.ID)
		}
	}

	before := time.Now().Add(-purgeOlderThan)
	var total int64
	for _, instanceID := range instances {
		for _, entity := range storage.EntityTypes {
			n, err := store.PurgeDeleted(cmd.Context(), entity, instanceID, before)
			if err != nil {
				return err
			}
			total += n
		}
	}
	fmt.Printf("Purged %d rows deleted before %s\n", total, before.Format("2006-01-02 15:04:05"))
	return nil
}
