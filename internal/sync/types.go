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

// Package sync runs metadata synchronization as tracked, cancellable
// background sessions with phase-level progress.
package sync

import (
	"time"

	"github.com/microsoft/d365fo-go/internal/api"
)

// Strategy selects which phases a sync session executes.
type Strategy string

const (
	StrategyFull         Strategy = "Full"
	StrategyEntitiesOnly Strategy = "EntitiesOnly"
	StrategySharingMode  Strategy = "SharingMode"

	// StrategyIncremental is accepted for forward compatibility and
	// currently executes the Full phase list.
	StrategyIncremental Strategy = "Incremental"
)

// Phase is one step of a sync session.
type Phase string

const (
	PhaseInitializing Phase = "Initializing"
	PhaseVersionCheck Phase = "VersionCheck"
	PhaseEntities     Phase = "Entities"
	PhaseSchemas      Phase = "Schemas"
	PhaseEnumerations Phase = "Enumerations"
	PhaseLabels       Phase = "Labels"
	PhaseIndexing     Phase = "Indexing"
	PhaseFinalizing   Phase = "Finalizing"
)

// Phases returns the strategy's phase list in execution order.
func (s Strategy) Phases() []Phase {
	switch s {
	case StrategyEntitiesOnly:
		return []Phase{PhaseInitializing, PhaseVersionCheck, PhaseEntities, PhaseFinalizing}
	case StrategySharingMode:
		// Schemas doubles as the cross-version copy phase.
		return []Phase{PhaseInitializing, PhaseVersionCheck, PhaseSchemas, PhaseFinalizing}
	default:
		return []Phase{
			PhaseInitializing, PhaseVersionCheck, PhaseEntities, PhaseSchemas,
			PhaseEnumerations, PhaseLabels, PhaseIndexing, PhaseFinalizing,
		}
	}
}

// Valid reports whether the strategy is one of the known values.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyFull, StrategyEntitiesOnly, StrategySharingMode, StrategyIncremental:
		return true
	}
	return false
}

// required reports whether a phase failure fails the whole session.
// Enumerations, Labels and Indexing degrade gracefully; everything else
// either gates correctness or writes the completeness marker.
func (s Strategy) required(p Phase) bool {
	switch p {
	case PhaseEnumerations, PhaseLabels, PhaseIndexing:
		return false
	}
	return true
}

// Status is a session's lifecycle state.
type Status string

const (
	StatusPending   Status = "Pending"
	StatusRunning   Status = "Running"
	StatusCompleted Status = "Completed"
	StatusFailed    Status = "Failed"
	StatusCancelled Status = "Cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Activity tracks one phase's progress within a session.
type Activity struct {
	Phase           Phase      `json:"phase"`
	Status          Status     `json:"status"`
	ItemsProcessed  int        `json:"itemsProcessed"`
	ItemsTotal      int        `json:"itemsTotal"`
	ProgressPercent float64    `json:"progressPercent"`
	CurrentItem     string     `json:"currentItem,omitempty"`
	StartTime       *time.Time `json:"startTime,omitempty"`
	EndTime         *time.Time `json:"endTime,omitempty"`
	Error           string     `json:"error,omitempty"`
}

// Session is a point-in-time snapshot of one sync session. Snapshots are
// copies; mutating one has no effect on the running session.
type Session struct {
	ID              string                     `json:"id"`
	GlobalVersionID int64                      `json:"globalVersionId"`
	Strategy        Strategy                   `json:"strategy"`
	Status          Status                     `json:"status"`
	StartTime       time.Time                  `json:"startTime"`
	EndTime         *time.Time                 `json:"endTime,omitempty"`
	ProgressPercent float64                    `json:"progressPercent"`
	CurrentPhase    Phase                      `json:"currentPhase,omitempty"`
	CurrentActivity string                     `json:"currentActivity,omitempty"`
	InitiatedBy     string                     `json:"initiatedBy,omitempty"`
	Error           string                     `json:"error,omitempty"`
	Result          *api.MetadataVersionRecord `json:"result,omitempty"`
	Phases          map[Phase]Activity         `json:"phases"`
}

// Summary is the compact listing shape for active and historical sessions.
type Summary struct {
	ID              string     `json:"id"`
	GlobalVersionID int64      `json:"globalVersionId"`
	Strategy        Strategy   `json:"strategy"`
	Status          Status     `json:"status"`
	ProgressPercent float64    `json:"progressPercent"`
	StartTime       time.Time  `json:"startTime"`
	EndTime         *time.Time `json:"endTime,omitempty"`
	Error           string     `json:"error,omitempty"`
}

func (s *Session) summary() Summary {
	return Summary{
		ID:              s.ID,
		GlobalVersionID: s.GlobalVersionID,
		Strategy:        s.Strategy,
		Status:          s.Status,
		ProgressPercent: s.ProgressPercent,
		StartTime:       s.StartTime,
		EndTime:         s.EndTime,
		Error:           s.Error,
	}
}

// clone deep-copies a session snapshot.
func (s *Session) clone() *Session {
	out := *s
	out.Phases = make(map[Phase]Activity, len(s.Phases))
	for k, v := range s.Phases {
		out.Phases[k] = v
	}
	if s.Result != nil {
		result := *s.Result
		out.Result = &result
	}
	return &out
}
