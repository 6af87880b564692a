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

	"github.com/spf13/cobra"

	"stashmirror/internal/storage"
	"stashmirror/internal/syncer"
)

var (
	syncInstance string
	syncEntity   string
	syncKind     string
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Sync entities from the configured source instances",
	Long: `Run one sync pass. By default every configured instance and entity type
syncs with the smart strategy (full on first run or after repeated
incremental failures, incremental otherwise), followed by the derived
metadata recompute.`,
	Args: cobra.NoArgs,
	RunE: runSync,
}

func init() {
	syncCmd.Flags().StringVar(&syncInstance, "instance", "", "sync only this source instance")
	syncCmd.Flags().StringVar(&syncEntity, "entity", "", "sync only this entity type (scene, performer, studio, tag, group, gallery, image)")
	syncCmd.Flags().StringVar(&syncKind, "kind", string(syncer.KindSmart), "sync kind: smart, full or incremental")
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	kind := syncer.Kind(syncKind)
	switch kind {
	case syncer.KindSmart, syncer.KindFull, syncer.KindIncremental:
	default:
		return fmt.Errorf("unknown sync kind %q", syncKind)
	}

	store, err := openStore(storage.DBContextSync)
	if err != nil {
		return err
	}
	defer store.Close()

	orch, err := buildOrchestrator(store)
	if err != nil {
		return err
	}

	instances := orch.Instances()
	if syncInstance != "" {
		instances = []string{syncInstance}
	}

	ctx := cmd.Context()
	for _, instanceID := range instances {
		if syncEntity != "" {
			entity := storage.EntityType(syncEntity)
			if err := orch.SyncEntity(ctx, instanceID, entity, kind); err != nil {
				return err
			}
			if err := orch.Derive(ctx, instanceID); err != nil {
				return err
			}
			continue
		}
		if err := orch.SyncAll(ctx, instanceID, kind); err != nil {
			return err
		}
	}
	fmt.Println("Sync complete")
	return nil
}
