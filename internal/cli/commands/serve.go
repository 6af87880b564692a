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
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"stashmirror/internal/config"
	"stashmirror/internal/storage"
	"stashmirror/internal/syncer"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the periodic sync scheduler until interrupted",
	Long: `Run the sync scheduler in the foreground. Every interval (config:
sync_interval) each configured instance gets a smart sync sweep. A file lock
in the config directory prevents two processes from syncing the same mirror.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	store, err := openStore(storage.DBContextSync)
	if err != nil {
		return err
	}
	defer store.Close()

	orch, err := buildOrchestrator(store)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sched := syncer.NewScheduler(orch, cfg.Interval(), config.LockPath())
	if err := sched.Start(ctx); err != nil {
		return err
	}
	fmt.Printf("Scheduler running (interval %s). Press Ctrl-C to stop.\n", cfg.Interval())

	<-ctx.Done()
	fmt.Println("Shutting down...")
	sched.Stop()
	return nil
}
