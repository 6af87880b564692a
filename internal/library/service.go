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

// Package library is the facade the rest of the application talks to:
// queries, batch hydration, sync triggers, sync status and the readiness
// gate. Transport and auth layers live outside this module.
package library

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"stashmirror/internal/common"
	"stashmirror/internal/query"
	"stashmirror/internal/source"
	"stashmirror/internal/storage"
	"stashmirror/internal/syncer"
)

// Service wires the store, query engine and sync orchestrator behind one
// interface.
type Service struct {
	store     *storage.Store
	engine    *query.Engine
	orch      *syncer.Orchestrator
	writeBack map[string]*source.Client
}

// New creates the facade.
func New(store *storage.Store, orch *syncer.Orchestrator) *Service {
	return &Service{
		store:  store,
		engine: query.New(store),
		orch:   orch,
	}
}

// EnableWriteBack turns on upstream write-back: overlay mutations are pushed
// to the source instance after the local write. Off by default; the local
// store stays the source of truth either way.
func (s *Service) EnableWriteBack(clients []*source.Client) {
	s.writeBack = make(map[string]*source.Client, len(clients))
	for _, c := range clients {
		s.writeBack[c.InstanceID()] = c
	}
}

// pushOverlay sends one overlay patch upstream, best effort. A failed push is
// logged and dropped: the local write already succeeded and the next one
// carries current values again.
func (s *Service) pushOverlay(ctx context.Context, instanceID string, entity storage.EntityType, entityID string, patch source.OverlayPatch) {
	c, ok := s.writeBack[instanceID]
	if !ok {
		return
	}
	if err := c.UpdateOverlay(ctx, entity, entityID, patch); err != nil {
		log.WithFields(log.Fields{
			"instance": instanceID,
			"entity":   entity,
			"id":       entityID,
		}).WithError(err).Warn("overlay write-back failed")
	}
}

// Ready reports whether the instance has completed its first full sync of
// every entity type. Queries are rejected until then; afterwards the store
// stays queryable even mid- or failing-sync.
func (s *Service) Ready(ctx context.Context, instanceID string) (bool, error) {
	return s.store.HasCompletedFullSync(ctx, instanceID)
}

func (s *Service) requireReady(ctx context.Context, instanceID string) error {
	ready, err := s.Ready(ctx, instanceID)
	if err != nil {
		return err
	}
	if !ready {
		return fmt.Errorf("%w: instance %q has not completed a full sync", common.ErrNotReady, instanceID)
	}
	return nil
}

// Execute runs one paginated search.
func (s *Service) Execute(ctx context.Context, spec query.Spec) (*query.Result, error) {
	if err := s.requireReady(ctx, spec.InstanceID); err != nil {
		return nil, err
	}
	return s.engine.Execute(ctx, spec)
}

// GetByIDs hydrates the given ids with full relations, for detail views.
func (s *Service) GetByIDs(ctx context.Context, entity storage.EntityType, instanceID, userID string, ids []string) ([]query.Row, error) {
	if err := s.requireReady(ctx, instanceID); err != nil {
		return nil, err
	}
	return s.engine.GetByIDs(ctx, entity, instanceID, userID, ids)
}

// TriggerSync runs a manual sync. Empty entity syncs every type in order
// (including the derive pass); a single entity type syncs alone and then
// recomputes derived metadata. Returns common.ErrSyncRunning if the target
// is already syncing.
func (s *Service) TriggerSync(ctx context.Context, instanceID string, entity storage.EntityType, kind syncer.Kind) error {
	if entity == "" {
		return s.orch.SyncAll(ctx, instanceID, kind)
	}
	if err := s.orch.SyncEntity(ctx, instanceID, entity, kind); err != nil {
		return err
	}
	return s.orch.Derive(ctx, instanceID)
}

// SyncStatus returns sync bookkeeping rows, optionally filtered by instance
// and/or entity type (empty means all).
func (s *Service) SyncStatus(ctx context.Context, instanceID string, entity storage.EntityType) ([]storage.SyncStateModel, error) {
	return s.store.ListSyncStates(ctx, instanceID, entity)
}

// --- Overlay mutations ---
//
// User actions write the local overlay tables and, with write-back enabled,
// push the new values upstream. Only rating, favorite and counters ever go
// upstream; structural fields never do.

// SetRating sets a user's rating for an entity. A negative value clears it.
func (s *Service) SetRating(ctx context.Context, userID, instanceID string, entity storage.EntityType, entityID string, rating100 int64) error {
	if err := s.store.SetRating(ctx, userID, instanceID, entity, entityID, rating100); err != nil {
		return err
	}
	if rating100 >= 0 {
		s.pushOverlay(ctx, instanceID, entity, entityID, source.OverlayPatch{Rating100: &rating100})
	}
	return nil
}

// SetFavorite sets or clears a user's favorite mark on an entity.
func (s *Service) SetFavorite(ctx context.Context, userID, instanceID string, entity storage.EntityType, entityID string, favorite bool) error {
	if err := s.store.SetFavorite(ctx, userID, instanceID, entity, entityID, favorite); err != nil {
		return err
	}
	s.pushOverlay(ctx, instanceID, entity, entityID, source.OverlayPatch{Favorite: &favorite})
	return nil
}

// RecordPlay increments a user's play counter for a scene and adds the
// watched duration in seconds.
func (s *Service) RecordPlay(ctx context.Context, userID, instanceID, sceneID string, duration float64) error {
	if err := s.store.RecordPlay(ctx, userID, instanceID, sceneID, duration); err != nil {
		return err
	}
	if _, ok := s.writeBack[instanceID]; ok {
		count, _, err := s.store.PlayStats(ctx, userID, instanceID, sceneID)
		if err != nil {
			return err
		}
		s.pushOverlay(ctx, instanceID, storage.EntityScene, sceneID, source.OverlayPatch{PlayCount: &count})
	}
	return nil
}

// RecordO increments a user's o-counter for an entity.
func (s *Service) RecordO(ctx context.Context, userID, instanceID string, entity storage.EntityType, entityID string) error {
	if err := s.store.RecordO(ctx, userID, instanceID, entity, entityID); err != nil {
		return err
	}
	if _, ok := s.writeBack[instanceID]; ok {
		count, err := s.store.OCount(ctx, userID, instanceID, entity, entityID)
		if err != nil {
			return err
		}
		s.pushOverlay(ctx, instanceID, entity, entityID, source.OverlayPatch{OCount: &count})
	}
	return nil
}

// RecordView increments a user's view counter for an entity. Views are a
// local concept and never go upstream.
func (s *Service) RecordView(ctx context.Context, userID, instanceID string, entity storage.EntityType, entityID string) error {
	return s.store.RecordView(ctx, userID, instanceID, entity, entityID)
}
