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

package syncer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/flock"
	log "github.com/sirupsen/logrus"
)

// DefaultSyncInterval is the periodic smart-sync interval when the config
// does not override it.
const DefaultSyncInterval = 15 * time.Minute

// Scheduler runs periodic smart syncs for every configured instance. A file
// lock next to the store guards against two processes syncing the same mirror
// file; in-process coalescing is handled by the orchestrator.
type Scheduler struct {
	orch     *Orchestrator
	interval time.Duration
	lock     *flock.Flock

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler. lockPath is the lock file location,
// conventionally the store path with a ".lock" suffix.
func NewScheduler(orch *Orchestrator, interval time.Duration, lockPath string) *Scheduler {
	if interval <= 0 {
		interval = DefaultSyncInterval
	}
	return &Scheduler{
		orch:     orch,
		interval: interval,
		lock:     flock.New(lockPath),
	}
}

// Start acquires the process lock and begins the periodic loop. The first
// sweep runs immediately. Fails fast if another process holds the lock.
func (s *Scheduler) Start(ctx context.Context) error {
	locked, err := s.lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire sync lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("sync lock %s is held by another process", s.lock.Path())
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep runs one smart sync across all instances. Failures are logged and
// retried on the next tick; the loop itself never dies.
func (s *Scheduler) sweep(ctx context.Context) {
	for _, instanceID := range s.orch.Instances() {
		if ctx.Err() != nil {
			return
		}
		if err := s.orch.SyncAll(ctx, instanceID, KindSmart); err != nil {
			log.WithField("instance", instanceID).WithError(err).Warn("scheduled sync failed")
		}
	}
}

// Stop cancels the loop, waits for any in-flight sweep, and releases the
// process lock.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	if err := s.lock.Unlock(); err != nil {
		log.WithError(err).Warn("failed to release sync lock")
	}
}
