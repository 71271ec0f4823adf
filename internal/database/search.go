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
	"strings"
	"time"

	"github.com/microsoft/d365fo-go/internal/api"
)

// searchIndexColumns is the FTS5 column list. Changing it bumps the index
// schema; ensureSearchIndex drops and recreates on drift.
const searchIndexColumns = "entity_type, name, entity_set_name, labels, properties_text, actions_text, global_version_id UNINDEXED"

const searchIndexDDL = `CREATE VIRTUAL TABLE metadata_search USING fts5(` + searchIndexColumns + `)`

// ensureSearchIndex creates the FTS table, replacing it when the stored
// schema drifted from the current column list.
func (c *Cache) ensureSearchIndex() error {
	var existing string
	row := c.db.QueryRow(`SELECT sql FROM sqlite_master WHERE name = 'metadata_search'`)
	switch err := row.Scan(&existing); {
	case err == sql.ErrNoRows:
		_, err := c.db.Exec(searchIndexDDL)
		return err
	case err != nil:
		return err
	}
	if existing != searchIndexDDL {
		c.logger.Info("search index schema drift detected, rebuilding")
		if _, err := c.db.Exec(`DROP TABLE metadata_search`); err != nil {
			return err
		}
		_, err := c.db.Exec(searchIndexDDL)
		return err
	}
	return nil
}

// RebuildSearchIndex repopulates the FTS index for one version from the
// base tables. Runs after a sync's Indexing phase. A no-op when FTS5 is
// unavailable so syncs still complete on an untagged build.
func (c *Cache) RebuildSearchIndex(ctx context.Context, versionID int64) error {
	if !c.ftsEnabled {
		c.logger.V(1).Info("skipping search index rebuild, FTS5 unavailable", "globalVersionId", versionID)
		return nil
	}
	err := c.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM metadata_search WHERE global_version_id = ?`, versionID); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO metadata_search
				(entity_type, name, entity_set_name, labels, properties_text, actions_text, global_version_id)
			SELECT 'data_entity', name, public_collection_name, label_text, '', '', global_version_id
			FROM data_entities WHERE global_version_id = ?`, versionID); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO metadata_search
				(entity_type, name, entity_set_name, labels, properties_text, actions_text, global_version_id)
			SELECT 'public_entity', e.name, e.entity_set_name, e.label_text,
			       COALESCE(p.properties_text, ''), COALESCE(a.actions_text, ''), e.global_version_id
			FROM public_entities e
			LEFT JOIN (
				SELECT entity_name, GROUP_CONCAT(name, ' ') AS properties_text
				FROM entity_properties WHERE global_version_id = ?1 GROUP BY entity_name
			) p ON p.entity_name = e.name
			LEFT JOIN (
				SELECT entity_name, GROUP_CONCAT(name, ' ') AS actions_text
				FROM entity_actions WHERE global_version_id = ?1 GROUP BY entity_name
			) a ON a.entity_name = e.name
			WHERE e.global_version_id = ?1`, versionID); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO metadata_search
				(entity_type, name, entity_set_name, labels, properties_text, actions_text, global_version_id)
			SELECT 'enumeration', e.name, '', e.label_text,
			       COALESCE(m.members_text, ''), '', e.global_version_id
			FROM enumerations e
			LEFT JOIN (
				SELECT enumeration_name, GROUP_CONCAT(name, ' ') AS members_text
				FROM enumeration_members WHERE global_version_id = ?1 GROUP BY enumeration_name
			) m ON m.enumeration_name = e.name
			WHERE e.global_version_id = ?1`, versionID); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return api.WrapError(api.ErrorKindCacheUnavailable, "metadata_search", err)
	}
	return nil
}

// SearchQuery parameterizes full-text search.
type SearchQuery struct {
	Text            string
	EntityTypes     []string // data_entity, public_entity, enumeration; empty means all
	GlobalVersionID int64    // 0 means all versions
	Limit           int
	Offset          int
}

// Search runs a BM25-ranked full-text query over the metadata index.
func (c *Cache) Search(ctx context.Context, q SearchQuery) (*api.SearchResults, error) {
	if !c.ftsEnabled {
		return nil, api.NewError(api.ErrorKindCacheUnavailable, q.Text,
			"full-text search requires sqlite built with FTS5 (sqlite_fts5 build tag)")
	}
	start := time.Now()
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	where := `metadata_search MATCH ?`
	args := []any{ftsQuote(q.Text)}
	if len(q.EntityTypes) > 0 {
		where += ` AND entity_type IN (?` + strings.Repeat(",?", len(q.EntityTypes)-1) + `)`
		for _, t := range q.EntityTypes {
			args = append(args, t)
		}
	}
	if q.GlobalVersionID != 0 {
		where += ` AND global_version_id = ?`
		args = append(args, q.GlobalVersionID)
	}

	var total int
	countArgs := append([]any{}, args...)
	if err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM metadata_search WHERE `+where, countArgs...).Scan(&total); err != nil {
		return nil, api.WrapError(api.ErrorKindCacheUnavailable, "metadata_search", err)
	}

	query := `
		SELECT entity_type, name, entity_set_name,
		       snippet(metadata_search, 3, '', '', '…', 12),
		       bm25(metadata_search), global_version_id
		FROM metadata_search
		WHERE ` + where + `
		ORDER BY bm25(metadata_search)
		LIMIT ? OFFSET ?`
	args = append(args, limit, q.Offset)

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, api.WrapError(api.ErrorKindCacheUnavailable, "metadata_search", err)
	}
	defer rows.Close()

	results := &api.SearchResults{Results: []api.SearchResult{}, TotalCount: total, CacheHit: true}
	for rows.Next() {
		var r api.SearchResult
		if err := rows.Scan(&r.EntityType, &r.Name, &r.EntitySetName, &r.Snippet,
			&r.Relevance, &r.GlobalVersionID); err != nil {
			return nil, api.WrapError(api.ErrorKindCacheUnavailable, "metadata_search", err)
		}
		results.Results = append(results.Results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	results.QueryTimeMS = time.Since(start).Milliseconds()
	return results, nil
}

// ftsQuote wraps each term in double quotes so user input cannot inject
// FTS5 query syntax.
func ftsQuote(text string) string {
	terms := strings.Fields(text)
	for i, t := range terms {
		terms[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
	}
	return strings.Join(terms, " ")
}
