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
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/microsoft/d365fo-go/internal/api"
	"github.com/microsoft/d365fo-go/internal/database"
	"github.com/microsoft/d365fo-go/internal/metrics"
)

// defaultHistoryLimit bounds the terminal-session ring.
const defaultHistoryLimit = 100

// schemaProgressInterval batches progress callbacks during the Schemas
// phase, which stores one entity at a time.
const schemaProgressInterval = 5

// MetadataSource fetches the remote catalog. *client.MetadataClient is the
// production implementation.
type MetadataSource interface {
	GetAllDataEntities(ctx context.Context) ([]api.DataEntity, error)
	GetAllPublicEntitiesWithDetails(ctx context.Context, resolveLabels bool) ([]api.PublicEntity, error)
	GetAllPublicEnumerationsWithDetails(ctx context.Context, resolveLabels bool) ([]api.Enumeration, error)
}

// LabelSource resolves label IDs with cache write-through. Nil disables the
// Labels phase.
type LabelSource interface {
	GetLabelsBatch(ctx context.Context, labelIDs []string, language string) (map[string]string, error)
}

// ProgressCallback observes session snapshots. Callbacks run on the
// session's goroutine; panics and slow consumers are the callback's
// problem, not the session's (panics are trapped and logged).
type ProgressCallback func(Session)

// Options configure a Manager.
type Options struct {
	// EnvironmentID, when non-zero, makes the Finalizing phase update the
	// environment-version link's sync status.
	EnvironmentID int64

	// Language used by the Labels phase. Defaults to en-US.
	Language string

	// HistoryLimit bounds retained terminal sessions. Default 100.
	HistoryLimit int
}

// Manager owns sync sessions for one environment's cache.
type Manager struct {
	cache   *database.Cache
	source  MetadataSource
	labels  LabelSource
	opts    Options
	logger  logr.Logger
	metrics *metrics.Emitter

	mu        sync.Mutex
	active    map[string]*state
	history   []*Session
	callbacks map[string]map[string]ProgressCallback
	nextCBID  int
}

// state is the manager-private mutable side of a session.
type state struct {
	session   *Session
	cancel    context.CancelFunc
	cancelled bool
	done      chan struct{}
}

// NewManager builds a Manager. labels may be nil.
func NewManager(cache *database.Cache, source MetadataSource, labels LabelSource, opts Options, logger logr.Logger, em *metrics.Emitter) *Manager {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = defaultHistoryLimit
	}
	if opts.Language == "" {
		opts.Language = "en-US"
	}
	return &Manager{
		cache:     cache,
		source:    source,
		labels:    labels,
		opts:      opts,
		logger:    logger,
		metrics:   em,
		active:    map[string]*state{},
		callbacks: map[string]map[string]ProgressCallback{},
	}
}

// StartSyncSession creates a session and begins background execution.
// Refused with SyncAlreadyRunning when a non-terminal session already
// targets the same global version.
func (m *Manager) StartSyncSession(versionID int64, strategy Strategy, initiatedBy string) (string, error) {
	if !strategy.Valid() {
		return "", api.NewError(api.ErrorKindSyncFailed, string(strategy), "unknown sync strategy")
	}

	m.mu.Lock()
	for _, st := range m.active {
		if st.session.GlobalVersionID == versionID && !st.session.Status.Terminal() {
			m.mu.Unlock()
			return "", api.NewError(api.ErrorKindSyncAlreadyRunning,
				st.session.ID, "a sync for global version %d is already in progress", versionID)
		}
	}

	phases := map[Phase]Activity{}
	for _, p := range strategy.Phases() {
		phases[p] = Activity{Phase: p, Status: StatusPending}
	}
	sess := &Session{
		ID:              uuid.NewString(),
		GlobalVersionID: versionID,
		Strategy:        strategy,
		Status:          StatusPending,
		StartTime:       time.Now().UTC(),
		InitiatedBy:     initiatedBy,
		Phases:          phases,
	}
	ctx, cancel := context.WithCancel(context.Background())
	st := &state{session: sess, cancel: cancel, done: make(chan struct{})}
	m.active[sess.ID] = st
	m.mu.Unlock()

	m.logger.Info("sync session started",
		"sessionId", sess.ID, "globalVersionId", versionID, "strategy", strategy, "initiatedBy", initiatedBy)
	go m.run(ctx, st)
	return sess.ID, nil
}

// GetSyncSession returns a snapshot of an active or archived session, or
// nil when the ID is unknown.
func (m *Manager) GetSyncSession(sessionID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.active[sessionID]; ok {
		return st.session.clone()
	}
	for _, s := range m.history {
		if s.ID == sessionID {
			return s.clone()
		}
	}
	return nil
}

// GetActiveSessions lists non-archived sessions.
func (m *Manager) GetActiveSessions() []Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Summary, 0, len(m.active))
	for _, st := range m.active {
		out = append(out, st.session.summary())
	}
	return out
}

// GetSessionHistory lists archived sessions, newest first.
func (m *Manager) GetSessionHistory(limit int) []Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > len(m.history) {
		limit = len(m.history)
	}
	out := make([]Summary, 0, limit)
	for i := len(m.history) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.history[i].summary())
	}
	return out
}

// CancelSyncSession requests cancellation of a non-terminal session. A
// Pending session cancels immediately; a Running session abandons at the
// next phase boundary. Returns false for unknown or terminal sessions.
func (m *Manager) CancelSyncSession(sessionID string) bool {
	m.mu.Lock()
	st, ok := m.active[sessionID]
	if !ok || st.session.Status.Terminal() {
		m.mu.Unlock()
		return false
	}
	// Flag only: the running phase completes, the boundary check abandons.
	st.cancelled = true
	m.mu.Unlock()
	m.logger.Info("sync session cancellation requested", "sessionId", sessionID)
	return true
}

// AddProgressCallback registers cb on a session and returns a handle for
// removal. The second return is false when the session is unknown or
// already archived.
func (m *Manager) AddProgressCallback(sessionID string, cb ProgressCallback) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.active[sessionID]; !ok {
		return "", false
	}
	if m.callbacks[sessionID] == nil {
		m.callbacks[sessionID] = map[string]ProgressCallback{}
	}
	m.nextCBID++
	id := fmt.Sprintf("cb-%d", m.nextCBID)
	m.callbacks[sessionID][id] = cb
	return id, true
}

// RemoveProgressCallback unregisters a callback handle.
func (m *Manager) RemoveProgressCallback(sessionID, callbackID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.callbacks[sessionID], callbackID)
}

// WaitForSession blocks until the session reaches a terminal state and
// returns its final snapshot.
func (m *Manager) WaitForSession(ctx context.Context, sessionID string) (*Session, error) {
	m.mu.Lock()
	st, ok := m.active[sessionID]
	m.mu.Unlock()
	if !ok {
		if s := m.GetSyncSession(sessionID); s != nil {
			return s, nil
		}
		return nil, api.NewError(api.ErrorKindSyncFailed, sessionID, "unknown sync session")
	}
	select {
	case <-st.done:
		return m.GetSyncSession(sessionID), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RecommendStrategy picks the cheapest strategy for a target version:
// Incremental when its metadata is already complete, SharingMode when
// another version with the exact module set is complete, Full otherwise.
func (m *Manager) RecommendStrategy(ctx context.Context, versionID int64) (Strategy, error) {
	complete, err := m.cache.HasCompleteMetadata(ctx, versionID)
	if err != nil {
		return "", err
	}
	if complete {
		return StrategyIncremental, nil
	}
	if donor, err := m.findDonorVersion(ctx, versionID); err != nil {
		return "", err
	} else if donor != 0 {
		return StrategySharingMode, nil
	}
	return StrategyFull, nil
}

// findDonorVersion returns a completed global version whose module set
// matches the target's, or 0. Exact matches win; since identical module
// sets deduplicate to one version row, a superset match is the common case.
func (m *Manager) findDonorVersion(ctx context.Context, versionID int64) (int64, error) {
	gv, err := m.cache.GetGlobalVersion(ctx, versionID)
	if err != nil {
		return 0, err
	}
	for _, exact := range []bool{true, false} {
		candidates, err := m.cache.FindCompatibleVersions(ctx, gv.Modules, exact)
		if err != nil {
			return 0, err
		}
		for _, id := range candidates {
			if id == versionID {
				continue
			}
			complete, err := m.cache.HasCompleteMetadata(ctx, id)
			if err != nil {
				return 0, err
			}
			if complete {
				return id, nil
			}
		}
	}
	return 0, nil
}

// run executes the session's phases sequentially, observing the
// cancellation flag at each phase boundary.
func (m *Manager) run(ctx context.Context, st *state) {
	defer st.cancel()
	m.transition(st, StatusRunning)
	m.recordLinkStatus(ctx, st, api.SyncStatusSyncing, 0)
	r := &runState{}
	strategy := st.session.Strategy

	for _, phase := range strategy.Phases() {
		if m.isCancelled(st) {
			m.recordLinkStatus(ctx, st, api.SyncStatusPending, 0)
			m.finish(st, StatusCancelled, api.NewError(api.ErrorKindSyncCancelled, st.session.ID, "cancelled by request"))
			return
		}
		m.beginPhase(st, phase)
		start := time.Now()
		err := m.runPhase(ctx, st, phase, r)
		m.metrics.ObserveSyncPhase(string(phase), time.Since(start).Seconds())
		m.endPhase(st, phase, err)
		if err != nil {
			if m.isCancelled(st) {
				m.recordLinkStatus(ctx, st, api.SyncStatusPending, 0)
				m.finish(st, StatusCancelled, api.NewError(api.ErrorKindSyncCancelled, st.session.ID, "cancelled by request"))
				return
			}
			if strategy.required(phase) {
				m.recordLinkStatus(ctx, st, api.SyncStatusFailed, time.Since(st.session.StartTime).Milliseconds())
				m.finish(st, StatusFailed, api.WrapError(api.ErrorKindSyncFailed, string(phase), err))
				return
			}
			m.logger.Info("optional sync phase failed, continuing",
				"sessionId", st.session.ID, "phase", phase, "error", err.Error())
		}
	}
	m.finish(st, StatusCompleted, nil)
}

// recordLinkStatus best-effort updates the environment-version link's sync
// status: syncing when a session leaves Pending, failed on a required-phase
// failure, back to pending on cancellation. Completed is written by the
// Finalizing phase itself. No-op when the manager has no environment.
func (m *Manager) recordLinkStatus(ctx context.Context, st *state, status api.SyncStatus, durationMS int64) {
	if m.opts.EnvironmentID == 0 {
		return
	}
	if err := m.cache.UpdateSyncStatus(ctx, m.opts.EnvironmentID, st.session.GlobalVersionID, status, durationMS); err != nil {
		m.logger.Info("failed to record sync status on version link",
			"sessionId", st.session.ID, "status", status, "error", err.Error())
	}
}

func (m *Manager) isCancelled(st *state) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return st.cancelled
}

func (m *Manager) transition(st *state, status Status) {
	m.mu.Lock()
	st.session.Status = status
	m.mu.Unlock()
	m.notify(st)
}

func (m *Manager) beginPhase(st *state, phase Phase) {
	now := time.Now().UTC()
	m.mu.Lock()
	a := st.session.Phases[phase]
	a.Status = StatusRunning
	a.StartTime = &now
	st.session.Phases[phase] = a
	st.session.CurrentPhase = phase
	st.session.CurrentActivity = string(phase)
	m.mu.Unlock()
	m.notify(st)
}

func (m *Manager) endPhase(st *state, phase Phase, err error) {
	now := time.Now().UTC()
	m.mu.Lock()
	a := st.session.Phases[phase]
	a.EndTime = &now
	if err != nil {
		a.Status = StatusFailed
		a.Error = err.Error()
	} else {
		a.Status = StatusCompleted
		a.ProgressPercent = 100
		if a.ItemsTotal > 0 {
			a.ItemsProcessed = a.ItemsTotal
		}
	}
	st.session.Phases[phase] = a
	st.session.ProgressPercent = sessionProgressLocked(st.session)
	m.mu.Unlock()
	m.notify(st)
}

// stepActivity advances a phase's item counter and fires callbacks every
// interval items and on the final item.
func (m *Manager) stepActivity(st *state, phase Phase, processed, total int, currentItem string, interval int) {
	m.mu.Lock()
	a := st.session.Phases[phase]
	a.ItemsProcessed = processed
	a.ItemsTotal = total
	a.CurrentItem = currentItem
	if total > 0 {
		a.ProgressPercent = float64(processed) / float64(total) * 100
	}
	st.session.Phases[phase] = a
	st.session.CurrentActivity = currentItem
	st.session.ProgressPercent = sessionProgressLocked(st.session)
	m.mu.Unlock()
	if interval > 0 && (processed%interval == 0 || processed == total) {
		m.notify(st)
	}
}

// sessionProgressLocked is the unweighted average of per-phase progress.
func sessionProgressLocked(s *Session) float64 {
	phases := s.Strategy.Phases()
	if len(phases) == 0 {
		return 0
	}
	var sum float64
	for _, p := range phases {
		sum += s.Phases[p].ProgressPercent
	}
	return sum / float64(len(phases))
}

// finish archives the session into the history ring.
func (m *Manager) finish(st *state, status Status, err error) {
	now := time.Now().UTC()
	m.mu.Lock()
	st.session.Status = status
	st.session.EndTime = &now
	if err != nil {
		st.session.Error = err.Error()
	}
	if status == StatusCompleted {
		st.session.ProgressPercent = 100
	}
	m.mu.Unlock()
	m.notify(st)

	m.mu.Lock()
	delete(m.active, st.session.ID)
	delete(m.callbacks, st.session.ID)
	m.history = append(m.history, st.session)
	if len(m.history) > m.opts.HistoryLimit {
		m.history = m.history[len(m.history)-m.opts.HistoryLimit:]
	}
	m.mu.Unlock()

	m.metrics.ObserveSyncSession(string(status))
	m.logger.Info("sync session finished",
		"sessionId", st.session.ID, "status", status,
		"durationSeconds", now.Sub(st.session.StartTime).Seconds())
	close(st.done)
}

// notify fans a snapshot out to the session's callbacks. Each callback's
// panic is trapped so one misbehaving observer cannot kill the session.
func (m *Manager) notify(st *state) {
	m.mu.Lock()
	snapshot := st.session.clone()
	cbs := make([]ProgressCallback, 0, len(m.callbacks[st.session.ID]))
	for _, cb := range m.callbacks[st.session.ID] {
		cbs = append(cbs, cb)
	}
	m.mu.Unlock()

	for _, cb := range cbs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Info("progress callback panicked", "sessionId", snapshot.ID, "panic", fmt.Sprint(r))
				}
			}()
			cb(*snapshot)
		}()
	}
}
