// Copyright 2025 Microsoft Corporation
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

package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/microsoft/d365fo-go/internal/api"
)

// runState carries data between the phases of one session.
type runState struct {
	modules  []api.ModuleVersion
	entities []api.DataEntity
	schemas  []api.PublicEntity
	enums    []api.Enumeration
	counts   api.MetadataVersionRecord
}

func (m *Manager) runPhase(ctx context.Context, st *state, phase Phase, r *runState) error {
	versionID := st.session.GlobalVersionID
	switch phase {
	case PhaseInitializing:
		return m.phaseInitializing(ctx, st, r)
	case PhaseVersionCheck:
		return m.phaseVersionCheck(ctx, st)
	case PhaseEntities:
		return m.phaseEntities(ctx, st, r)
	case PhaseSchemas:
		if st.session.Strategy == StrategySharingMode {
			return m.phaseCopySchemas(ctx, st, r)
		}
		return m.phaseSchemas(ctx, st, r)
	case PhaseEnumerations:
		return m.phaseEnumerations(ctx, st, r)
	case PhaseLabels:
		return m.phaseLabels(ctx, st, r)
	case PhaseIndexing:
		return m.cache.RebuildSearchIndex(ctx, versionID)
	case PhaseFinalizing:
		return m.phaseFinalizing(ctx, st, r)
	}
	return api.NewError(api.ErrorKindSyncFailed, string(phase), "unknown sync phase")
}

// phaseInitializing loads the target version and verifies the cache is
// reachable.
func (m *Manager) phaseInitializing(ctx context.Context, st *state, r *runState) error {
	gv, err := m.cache.GetGlobalVersion(ctx, st.session.GlobalVersionID)
	if err != nil {
		return err
	}
	r.modules = gv.Modules
	m.stepActivity(st, PhaseInitializing, 1, 1, fmt.Sprintf("global version %s", gv.VersionHash), 1)
	return nil
}

// phaseVersionCheck records whether the target already has complete
// metadata. A completed version still re-syncs when explicitly requested.
func (m *Manager) phaseVersionCheck(ctx context.Context, st *state) error {
	complete, err := m.cache.HasCompleteMetadata(ctx, st.session.GlobalVersionID)
	if err != nil {
		return err
	}
	m.stepActivity(st, PhaseVersionCheck, 1, 1, fmt.Sprintf("metadata complete: %t", complete), 1)
	return nil
}

// phaseEntities drains the data-entity catalog and replaces the version's
// rows. The store is one transaction, so progress moves in a single step
// once the rows are actually down.
func (m *Manager) phaseEntities(ctx context.Context, st *state, r *runState) error {
	entities, err := m.source.GetAllDataEntities(ctx)
	if err != nil {
		return err
	}
	m.stepActivity(st, PhaseEntities, 0, len(entities), "storing data entities", 1)
	if err := m.cache.StoreDataEntities(ctx, st.session.GlobalVersionID, entities); err != nil {
		return err
	}
	m.stepActivity(st, PhaseEntities, len(entities), len(entities), "", 1)
	r.entities = entities
	r.counts.EntityCount = len(entities)
	return nil
}

// phaseSchemas fetches every public entity schema and stores them one at a
// time so progress tracks per entity.
func (m *Manager) phaseSchemas(ctx context.Context, st *state, r *runState) error {
	schemas, err := m.source.GetAllPublicEntitiesWithDetails(ctx, false)
	if err != nil {
		return err
	}
	for i := range schemas {
		if err := m.cache.StorePublicEntitySchema(ctx, st.session.GlobalVersionID, &schemas[i]); err != nil {
			return err
		}
		r.counts.ActionCount += len(schemas[i].Actions)
		m.stepActivity(st, PhaseSchemas, i+1, len(schemas), schemas[i].Name, schemaProgressInterval)
	}
	r.schemas = schemas
	return nil
}

// phaseCopySchemas is the SharingMode fast path: find a completed version
// with the exact same module set and copy its rows with no network fetches.
func (m *Manager) phaseCopySchemas(ctx context.Context, st *state, r *runState) error {
	versionID := st.session.GlobalVersionID
	donor, err := m.findDonorVersion(ctx, versionID)
	if err != nil {
		return err
	}
	if donor == 0 {
		return api.NewError(api.ErrorKindSyncFailed, string(PhaseSchemas),
			"no completed global version shares this module set")
	}
	m.logger.Info("copying metadata from compatible version",
		"sessionId", st.session.ID, "from", donor, "to", versionID)
	counts, err := m.cache.CopyVersionMetadata(ctx, donor, versionID)
	if err != nil {
		return err
	}
	r.counts.EntityCount = counts.EntityCount
	r.counts.ActionCount = counts.ActionCount
	r.counts.EnumerationCount = counts.EnumerationCount
	m.stepActivity(st, PhaseSchemas, 1, 1, fmt.Sprintf("copied from version %d", donor), 1)
	return nil
}

func (m *Manager) phaseEnumerations(ctx context.Context, st *state, r *runState) error {
	enums, err := m.source.GetAllPublicEnumerationsWithDetails(ctx, false)
	if err != nil {
		return err
	}
	if err := m.cache.StoreEnumerations(ctx, st.session.GlobalVersionID, enums); err != nil {
		return err
	}
	m.stepActivity(st, PhaseEnumerations, len(enums), len(enums), "", 1)
	r.enums = enums
	r.counts.EnumerationCount = len(enums)
	return nil
}

// phaseLabels resolves every label referenced by the fetched catalog and
// writes the resolved text back onto the stored rows, so the Indexing
// phase can index it. Skipped when no label source is wired.
func (m *Manager) phaseLabels(ctx context.Context, st *state, r *runState) error {
	if m.labels == nil {
		m.stepActivity(st, PhaseLabels, 0, 0, "label source not configured", 1)
		return nil
	}
	ids := collectLabelIDs(r)
	if len(ids) == 0 {
		m.stepActivity(st, PhaseLabels, 0, 0, "no labels referenced", 1)
		return nil
	}
	resolved, err := m.labels.GetLabelsBatch(ctx, ids, m.opts.Language)
	if err != nil {
		return err
	}
	if len(resolved) > 0 {
		applyLabelTexts(r, resolved)
		if err := m.backfillLabelTexts(ctx, st.session.GlobalVersionID, r); err != nil {
			return err
		}
	}
	m.stepActivity(st, PhaseLabels, len(resolved), len(ids), "", 1)
	r.counts.LabelCount = len(resolved)
	return nil
}

// backfillLabelTexts re-stores the catalog rows that carry resolved label
// text. The stores are wipe-and-rewrite per version, so re-storing the
// full in-memory sets is a plain overwrite.
func (m *Manager) backfillLabelTexts(ctx context.Context, versionID int64, r *runState) error {
	if len(r.entities) > 0 {
		if err := m.cache.StoreDataEntities(ctx, versionID, r.entities); err != nil {
			return err
		}
	}
	if len(r.schemas) > 0 {
		if err := m.cache.StorePublicEntitySchemas(ctx, versionID, r.schemas); err != nil {
			return err
		}
	}
	if len(r.enums) > 0 {
		if err := m.cache.StoreEnumerations(ctx, versionID, r.enums); err != nil {
			return err
		}
	}
	return nil
}

// phaseFinalizing writes the completeness marker and, when the manager
// knows its environment, the link's sync status.
func (m *Manager) phaseFinalizing(ctx context.Context, st *state, r *runState) error {
	versionID := st.session.GlobalVersionID
	r.counts.GlobalVersionID = versionID
	if err := m.cache.MarkSyncCompleted(ctx, versionID, r.counts); err != nil {
		return err
	}
	if m.opts.EnvironmentID != 0 {
		duration := time.Since(st.session.StartTime).Milliseconds()
		if err := m.cache.UpdateSyncStatus(ctx, m.opts.EnvironmentID, versionID, api.SyncStatusCompleted, duration); err != nil {
			return err
		}
	}

	counts := r.counts
	m.mu.Lock()
	st.session.Result = &counts
	m.mu.Unlock()
	m.stepActivity(st, PhaseFinalizing, 1, 1, "sync record written", 1)
	return nil
}

func collectLabelIDs(r *runState) []string {
	seen := map[string]struct{}{}
	var ids []string
	add := func(id string) {
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	for _, e := range r.entities {
		add(e.LabelID)
	}
	for _, s := range r.schemas {
		add(s.LabelID)
		for _, p := range s.Properties {
			add(p.LabelID)
		}
	}
	for _, e := range r.enums {
		add(e.LabelID)
		for _, mem := range e.Members {
			add(mem.LabelID)
		}
	}
	return ids
}

// applyLabelTexts writes resolved text onto the in-memory catalog rows.
func applyLabelTexts(r *runState, resolved map[string]string) {
	for i := range r.entities {
		r.entities[i].LabelText = resolved[r.entities[i].LabelID]
	}
	for i := range r.schemas {
		s := &r.schemas[i]
		s.LabelText = resolved[s.LabelID]
		for j := range s.Properties {
			s.Properties[j].LabelText = resolved[s.Properties[j].LabelID]
		}
	}
	for i := range r.enums {
		e := &r.enums[i]
		e.LabelText = resolved[e.LabelID]
		for j := range e.Members {
			e.Members[j].LabelText = resolved[e.Members[j].LabelID]
		}
	}
}
