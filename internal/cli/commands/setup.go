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

	"stashmirror/internal/config"
	"stashmirror/internal/derive"
	"stashmirror/internal/library"
	"stashmirror/internal/source"
	"stashmirror/internal/storage"
	"stashmirror/internal/syncer"
)

// openStore opens the configured mirror database, creating it on first use.
func openStore(dbCtx storage.DBContext) (*storage.Store, error) {
	path := cfg.DataFilePath()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return storage.CreateWithContext(path, dbCtx)
	}
	return storage.OpenWithContext(path, dbCtx)
}

// buildClients creates one source client per configured instance.
func buildClients() ([]*source.Client, error) {
	if len(cfg.Instances) == 0 {
		return nil, fmt.Errorf("no source instances configured in %s", config.ConfigPath())
	}
	clients := make([]*source.Client, 0, len(cfg.Instances))
	for _, inst := range cfg.Instances {
		clients = append(clients, source.New(inst.ID, inst.URL, inst.APIKey))
	}
	return clients, nil
}

// buildOrchestrator wires store, deriver and clients per the config.
func buildOrchestrator(store *storage.Store) (*syncer.Orchestrator, error) {
	clients, err := buildClients()
	if err != nil {
		return nil, err
	}
	return syncer.NewOrchestrator(store, derive.New(store), clients, syncer.Options{
		PerPage:       cfg.PerPage,
		EscalateAfter: int64(cfg.EscalateAfter),
	}), nil
}

// buildService wires the library facade, with overlay write-back when the
// config enables it.
func buildService(store *storage.Store) (*library.Service, error) {
	orch, err := buildOrchestrator(store)
	if err != nil {
		return nil, err
	}
	svc := library.New(store, orch)
	if cfg.WriteBack {
		clients, err := buildClients()
		if err != nil {
			return nil, err
		}
		svc.EnableWriteBack(clients)
	}
	return svc, nil
}
