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
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stashmirror/internal/source"
	"stashmirror/internal/storage"
)

func TestSchedulerRunsImmediateSweep(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFakeUpstream(t)
	f.tags = []source.TagPayload{{ID: "t1", Name: "a", UpdatedAt: time.Now().Add(-time.Hour)}}

	o, s := testOrchestrator(t, f)
	sched := NewScheduler(o, time.Hour, filepath.Join(t.TempDir(), "sync.lock"))
	require.NoError(t, sched.Start(ctx))
	defer sched.Stop()

	// the first sweep runs on start, not after the first tick
	require.Eventually(t, func() bool {
		n, err := s.CountActive(ctx, storage.EntityTag, "inst1")
		return err == nil && n == 1
	}, 10*time.Second, 50*time.Millisecond)
}

func TestSchedulerLockIsExclusive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFakeUpstream(t)
	o, _ := testOrchestrator(t, f)

	lockPath := filepath.Join(t.TempDir(), "sync.lock")
	first := NewScheduler(o, time.Hour, lockPath)
	require.NoError(t, first.Start(ctx))
	defer first.Stop()

	second := NewScheduler(o, time.Hour, lockPath)
	err := second.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sync lock")
}
