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
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"stashmirror/internal/storage"
)

var (
	statusInstance string
	statusEntity   string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync state per instance and entity type",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusInstance, "instance", "", "show only this source instance")
	statusCmd.Flags().StringVar(&statusEntity, "entity", "", "show only this entity type")
	rootCmd.AddCommand(statusCmd)
}

func formatUnix(ts int64) string {
	if ts == 0 {
		return "never"
	}
	return time.Unix(ts, 0).Format("2006-01-02 15:04:05")
}

func runStatus(cmd *cobra.Command, args []string) error {
	store, err := openStore(storage.DBContextQuery)
	if err != nil {
		return err
	}
	defer store.Close()

	states, err := store.ListSyncStates(cmd.Context(), statusInstance, storage.EntityType(statusEntity))
	if err != nil {
		return err
	}
	if len(states) == 0 {
		fmt.Println("No sync state recorded yet. Run 'stashmirror sync' first.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "INSTANCE\tENTITY\tSTATUS\tCOUNT\tLAST FULL\tLAST INCREMENTAL\tFAILURES\tLAST ERROR")
	for _, s := range states {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%d\t%s\n",
			s.InstanceID, s.EntityType, s.Status, s.TotalCount,
			formatUnix(s.LastFullAt), formatUnix(s.LastIncrementalAt),
			s.ConsecutiveFailures, s.LastError)
	}
	return w.Flush()
}
