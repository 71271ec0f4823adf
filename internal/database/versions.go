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

package database

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/microsoft/d365fo-go/internal/api"
)

// ComputeVersionHash returns the canonical hash of a module list: modules
// sorted by module ID, `module_id|version` lines joined by newline,
// SHA-256 truncated to 16 hex characters.
func ComputeVersionHash(modules []api.ModuleVersion) string {
	sorted := make([]api.ModuleVersion, len(modules))
	copy(sorted, modules)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].ModuleID < sorted[j].ModuleID
	})

	lines := make([]string, 0, len(sorted))
	for _, m := range sorted {
		lines = append(lines, m.ModuleID+"|"+m.Version)
	}
	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(sum[:])[:16]
}

// GetOrCreateEnvironment registers baseURL on first contact and refreshes
// last_seen on every call. Environments are never deleted.
func (c *Cache) GetOrCreateEnvironment(ctx context.Context, baseURL, displayName string) (*api.Environment, error) {
	now := time.Now().UTC()
	err := c.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO environments (base_url, display_name, created_at, last_seen)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(base_url) DO UPDATE SET last_seen = excluded.last_seen`,
			baseURL, displayName, now, now)
		return err
	})
	if err != nil {
		return nil, api.WrapError(api.ErrorKindCacheUnavailable, baseURL, err)
	}

	env := &api.Environment{}
	row := c.db.QueryRowContext(ctx, `
		SELECT id, base_url, display_name, created_at, last_seen
		FROM environments WHERE base_url = ?`, baseURL)
	if err := row.Scan(&env.ID, &env.BaseURL, &env.DisplayName, &env.CreatedAt, &env.LastSeen); err != nil {
		return nil, api.WrapError(api.ErrorKindCacheUnavailable, baseURL, err)
	}
	return env, nil
}

// RegisterModuleVersions deduplicates the environment's module list into a
// global version: upsert by canonical hash, link the environment to it and
// maintain reference counts. Returns the global version ID and whether the
// version is new to the cache.
func (c *Cache) RegisterModuleVersions(ctx context.Context, environmentID int64, appVersion, platformVersion string, modules []api.ModuleVersion) (int64, bool, error) {
	if len(modules) == 0 {
		return 0, false, fmt.Errorf("module list is empty")
	}
	hash := ComputeVersionHash(modules)
	now := time.Now().UTC()

	var (
		versionID int64
		isNew     bool
	)
	err := c.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT id FROM global_versions WHERE version_hash = ?`, hash)
		switch err := row.Scan(&versionID); {
		case err == sql.ErrNoRows:
			isNew = true
			res, err := tx.ExecContext(ctx, `
				INSERT INTO global_versions
					(version_hash, application_version, platform_version, reference_count, first_seen_at, last_seen_at)
				VALUES (?, ?, ?, 0, ?, ?)`,
				hash, appVersion, platformVersion, now, now)
			if err != nil {
				return err
			}
			versionID, err = res.LastInsertId()
			if err != nil {
				return err
			}
			sorted := make([]api.ModuleVersion, len(modules))
			copy(sorted, modules)
			sort.Slice(sorted, func(i, j int) bool { return sorted[i].ModuleID < sorted[j].ModuleID })
			for i, m := range sorted {
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO global_version_modules
						(global_version_id, module_id, name, version, publisher, display_name, sort_order)
					VALUES (?, ?, ?, ?, ?, ?, ?)`,
					versionID, m.ModuleID, m.Name, m.Version, m.Publisher, m.DisplayName, i); err != nil {
					return err
				}
			}
		case err != nil:
			return err
		default:
			if _, err := tx.ExecContext(ctx, `
				UPDATE global_versions SET last_seen_at = ? WHERE id = ?`, now, versionID); err != nil {
				return err
			}
		}
		return c.linkEnvironmentLocked(ctx, tx, environmentID, versionID, now)
	})
	if err != nil {
		return 0, false, api.WrapError(api.ErrorKindCacheUnavailable, hash, err)
	}
	return versionID, isNew, nil
}

// linkEnvironmentLocked makes versionID the environment's current link and
// adjusts reference counts. Re-linking to the current version is a no-op
// for the counts.
func (c *Cache) linkEnvironmentLocked(ctx context.Context, tx *sql.Tx, environmentID, versionID int64, now time.Time) error {
	var previous int64
	row := tx.QueryRowContext(ctx, `
		SELECT global_version_id FROM environment_version_links
		WHERE environment_id = ? AND is_current = 1`, environmentID)
	switch err := row.Scan(&previous); {
	case err == sql.ErrNoRows:
		previous = 0
	case err != nil:
		return err
	case previous == versionID:
		return nil
	}

	if previous != 0 {
		if _, err := tx.ExecContext(ctx, `
			UPDATE environment_version_links SET is_current = 0
			WHERE environment_id = ? AND global_version_id = ?`, environmentID, previous); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE global_versions SET reference_count = reference_count - 1
			WHERE id = ? AND reference_count > 0`, previous); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO environment_version_links
			(environment_id, global_version_id, is_current, last_sync_status, linked_at)
		VALUES (?, ?, 1, 'pending', ?)
		ON CONFLICT(environment_id, global_version_id)
			DO UPDATE SET is_current = 1, linked_at = excluded.linked_at`,
		environmentID, versionID, now); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE global_versions SET reference_count = reference_count + 1
		WHERE id = ?`, versionID)
	return err
}

// GetGlobalVersion loads one global version with its module list.
func (c *Cache) GetGlobalVersion(ctx context.Context, versionID int64) (*api.GlobalVersion, error) {
	gv := &api.GlobalVersion{}
	row := c.db.QueryRowContext(ctx, `
		SELECT id, version_hash, application_version, platform_version,
		       reference_count, first_seen_at, last_seen_at
		FROM global_versions WHERE id = ?`, versionID)
	err := row.Scan(&gv.ID, &gv.VersionHash, &gv.ApplicationVersion, &gv.PlatformVersion,
		&gv.ReferenceCount, &gv.FirstSeenAt, &gv.LastSeenAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, api.WrapError(api.ErrorKindCacheUnavailable, "", err)
	}

	rows, err := c.db.QueryContext(ctx, `
		SELECT module_id, name, version, publisher, display_name
		FROM global_version_modules
		WHERE global_version_id = ? ORDER BY sort_order`, versionID)
	if err != nil {
		return nil, api.WrapError(api.ErrorKindCacheUnavailable, "", err)
	}
	defer rows.Close()
	for rows.Next() {
		var m api.ModuleVersion
		if err := rows.Scan(&m.ModuleID, &m.Name, &m.Version, &m.Publisher, &m.DisplayName); err != nil {
			return nil, api.WrapError(api.ErrorKindCacheUnavailable, "", err)
		}
		gv.Modules = append(gv.Modules, m)
	}
	return gv, rows.Err()
}

// GetCurrentVersionLink returns the environment's current version link, or
// ErrNotFound when the environment has never registered a version.
func (c *Cache) GetCurrentVersionLink(ctx context.Context, environmentID int64) (*api.EnvironmentVersionLink, error) {
	link := &api.EnvironmentVersionLink{}
	var duration sql.NullInt64
	row := c.db.QueryRowContext(ctx, `
		SELECT environment_id, global_version_id, last_sync_status, last_sync_duration_ms, linked_at
		FROM environment_version_links
		WHERE environment_id = ? AND is_current = 1`, environmentID)
	err := row.Scan(&link.EnvironmentID, &link.GlobalVersionID, &link.LastSyncStatus, &duration, &link.LinkedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, api.WrapError(api.ErrorKindCacheUnavailable, "", err)
	}
	if duration.Valid {
		link.LastSyncDurationMS = duration.Int64
	}
	return link, nil
}

// UpdateSyncStatus records the last sync outcome on an environment-version
// link.
func (c *Cache) UpdateSyncStatus(ctx context.Context, environmentID, versionID int64, status api.SyncStatus, durationMS int64) error {
	var duration any
	if durationMS > 0 {
		duration = durationMS
	}
	_, err := c.db.ExecContext(ctx, `
		UPDATE environment_version_links
		SET last_sync_status = ?, last_sync_duration_ms = COALESCE(?, last_sync_duration_ms)
		WHERE environment_id = ? AND global_version_id = ?`,
		string(status), duration, environmentID, versionID)
	if err != nil {
		return api.WrapError(api.ErrorKindCacheUnavailable, "", err)
	}
	return nil
}

// FindCompatibleVersions returns the IDs of global versions whose module
// set equals (exactMatch) or is a superset of the given modules.
func (c *Cache) FindCompatibleVersions(ctx context.Context, modules []api.ModuleVersion, exactMatch bool) ([]int64, error) {
	if exactMatch {
		hash := ComputeVersionHash(modules)
		rows, err := c.db.QueryContext(ctx, `SELECT id FROM global_versions WHERE version_hash = ?`, hash)
		if err != nil {
			return nil, api.WrapError(api.ErrorKindCacheUnavailable, "", err)
		}
		return scanIDs(rows)
	}

	// Superset match: every requested (module_id, version) pair must be
	// present in the candidate version.
	query := `
		SELECT global_version_id FROM global_version_modules
		WHERE (module_id || '|' || version) IN (?` + strings.Repeat(",?", len(modules)-1) + `)
		GROUP BY global_version_id
		HAVING COUNT(DISTINCT module_id || '|' || version) = ?`
	args := make([]any, 0, len(modules)+1)
	for _, m := range modules {
		args = append(args, m.ModuleID+"|"+m.Version)
	}
	args = append(args, len(modules))

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, api.WrapError(api.ErrorKindCacheUnavailable, "", err)
	}
	return scanIDs(rows)
}

func scanIDs(rows *sql.Rows) ([]int64, error) {
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, api.WrapError(api.ErrorKindCacheUnavailable, "", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MarkSyncCompleted upserts the metadata-version record, making the cache
// complete for the version when counts.EntityCount > 0.
func (c *Cache) MarkSyncCompleted(ctx context.Context, versionID int64, counts api.MetadataVersionRecord) error {
	now := time.Now().UTC()
	err := c.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO metadata_versions
				(global_version_id, sync_completed_at, entity_count, action_count, enumeration_count, label_count)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(global_version_id) DO UPDATE SET
				sync_completed_at = excluded.sync_completed_at,
				entity_count = excluded.entity_count,
				action_count = excluded.action_count,
				enumeration_count = excluded.enumeration_count,
				label_count = excluded.label_count`,
			versionID, now, counts.EntityCount, counts.ActionCount, counts.EnumerationCount, counts.LabelCount)
		return err
	})
	if err != nil {
		return api.WrapError(api.ErrorKindCacheUnavailable, "", err)
	}
	return nil
}

// GetMetadataVersionRecord reads the completeness record for a version.
func (c *Cache) GetMetadataVersionRecord(ctx context.Context, versionID int64) (*api.MetadataVersionRecord, error) {
	rec := &api.MetadataVersionRecord{GlobalVersionID: versionID}
	var completed sql.NullTime
	row := c.db.QueryRowContext(ctx, `
		SELECT sync_completed_at, entity_count, action_count, enumeration_count, label_count
		FROM metadata_versions WHERE global_version_id = ?`, versionID)
	err := row.Scan(&completed, &rec.EntityCount, &rec.ActionCount, &rec.EnumerationCount, &rec.LabelCount)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, api.WrapError(api.ErrorKindCacheUnavailable, "", err)
	}
	if completed.Valid {
		rec.SyncCompletedAt = &completed.Time
	}
	return rec, nil
}

// HasCompleteMetadata reports whether the version's sync completed with a
// non-zero entity count.
func (c *Cache) HasCompleteMetadata(ctx context.Context, versionID int64) (bool, error) {
	rec, err := c.GetMetadataVersionRecord(ctx, versionID)
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return rec.SyncCompletedAt != nil && rec.EntityCount > 0, nil
}
