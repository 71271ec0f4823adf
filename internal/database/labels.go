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
	"database/sql"
	"time"

	"github.com/microsoft/d365fo-go/internal/api"
)

// GetLabel reads a cached label. Expired rows behave as missing; reads on
// missing data return ErrNotFound, never a failure.
func (c *Cache) GetLabel(ctx context.Context, labelID, language string) (string, error) {
	var (
		value   string
		expires sql.NullTime
	)
	row := c.db.QueryRowContext(ctx, `
		SELECT value, expires_at FROM labels_cache
		WHERE label_id = ? AND language = ?`, labelID, language)
	err := row.Scan(&value, &expires)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", api.WrapError(api.ErrorKindCacheUnavailable, labelID, err)
	}
	if expires.Valid && time.Now().After(expires.Time) {
		return "", ErrNotFound
	}
	return value, nil
}

// SetLabel writes one label through to the cache with the given TTL.
// A zero ttl stores the row without expiry.
func (c *Cache) SetLabel(ctx context.Context, labelID, language, value string, ttl time.Duration) error {
	return c.SetLabels(ctx, []api.Label{{ID: labelID, Language: language, Value: value}}, ttl)
}

// SetLabels bulk-inserts labels in one transaction. Last writer wins;
// label text is effectively immutable so this is safe.
func (c *Cache) SetLabels(ctx context.Context, labels []api.Label, ttl time.Duration) error {
	// Zero means no expiry; a negative ttl writes an already-expired row.
	now := time.Now().UTC()
	var expires any
	if ttl != 0 {
		expires = now.Add(ttl)
	}
	err := c.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO labels_cache (label_id, language, value, cached_at, expires_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(label_id, language) DO UPDATE SET
				value = excluded.value,
				cached_at = excluded.cached_at,
				expires_at = excluded.expires_at`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, l := range labels {
			if _, err := stmt.ExecContext(ctx, l.ID, l.Language, l.Value, now, expires); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return api.WrapError(api.ErrorKindCacheUnavailable, "labels_cache", err)
	}
	return nil
}

// GetLabelsBatch reads the cached, unexpired subset of labelIDs.
func (c *Cache) GetLabelsBatch(ctx context.Context, labelIDs []string, language string) (map[string]string, error) {
	out := make(map[string]string, len(labelIDs))
	for _, id := range labelIDs {
		value, err := c.GetLabel(ctx, id, language)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[id] = value
	}
	return out, nil
}

// SweepExpiredLabels lazily deletes expired label rows. Returns the number
// of rows removed.
func (c *Cache) SweepExpiredLabels(ctx context.Context) (int64, error) {
	res, err := c.db.ExecContext(ctx,
		`DELETE FROM labels_cache WHERE expires_at IS NOT NULL AND expires_at < ?`,
		time.Now().UTC())
	if err != nil {
		return 0, api.WrapError(api.ErrorKindCacheUnavailable, "labels_cache", err)
	}
	return res.RowsAffected()
}

// CountLabels returns the number of cached labels, expired included.
func (c *Cache) CountLabels(ctx context.Context) (int, error) {
	var n int
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM labels_cache`).Scan(&n); err != nil {
		return 0, api.WrapError(api.ErrorKindCacheUnavailable, "labels_cache", err)
	}
	return n, nil
}
