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

// Package database implements the embedded metadata cache: a SQLite store
// holding the deduplicated metadata catalog per global version, the
// environment/version registry, the label cache and a full-text index.
//
// Full-text search needs the FTS5 extension, which mattn/go-sqlite3 only
// compiles under the sqlite_fts5 build tag. Without the tag the cache
// opens and works normally but Search reports CacheUnavailable; run the
// test suite with `go test -tags sqlite_fts5 ./...` to cover it.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-logr/logr"
	_ "github.com/mattn/go-sqlite3"

	"github.com/microsoft/d365fo-go/internal/api"
)

// ErrNotFound is returned by single-row reads when no row matches.
var ErrNotFound = errors.New("not found")

// Cache is the embedded metadata store for one environment URL. Writes are
// serialized behind SQLite's own write lock; WAL mode keeps readers
// concurrent with the single writer.
type Cache struct {
	db         *sql.DB
	logger     logr.Logger
	ftsEnabled bool
}

// Open opens (creating if needed) the cache database at path and applies
// the schema. Pass ":memory:" for an in-process ephemeral cache.
func Open(path string, logger logr.Logger) (*Cache, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, api.WrapError(api.ErrorKindCacheUnavailable, path, err)
		}
	}

	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, api.WrapError(api.ErrorKindCacheUnavailable, path, err)
	}
	// The sqlite3 driver is not safe for concurrent writes over multiple
	// connections to the same WAL file within one process.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -10240", // 10 MB page cache
		"PRAGMA temp_store = MEMORY",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, api.WrapError(api.ErrorKindCacheUnavailable, path, err)
		}
	}

	c := &Cache{db: db, logger: logger}
	if err := c.applySchema(); err != nil {
		_ = db.Close()
		return nil, api.WrapError(api.ErrorKindCacheUnavailable, path, err)
	}
	return c, nil
}

// DefaultPath resolves the per-user cache database path for an environment
// URL: <user-cache-dir>/d365fo-client/<env-host>/metadata.db.
func DefaultPath(baseURL string) (string, error) {
	cacheDir, err := os.UserCacheDir()
	if err != nil {
		return "", api.WrapError(api.ErrorKindCacheUnavailable, baseURL, err)
	}
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return "", api.NewError(api.ErrorKindCacheUnavailable, baseURL, "invalid environment URL")
	}
	return filepath.Join(cacheDir, "d365fo-client", u.Host, "metadata.db"), nil
}

// Close closes the backing store handle.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Ping verifies the backing store is reachable.
func (c *Cache) Ping(ctx context.Context) error {
	if err := c.db.PingContext(ctx); err != nil {
		return api.WrapError(api.ErrorKindCacheUnavailable, "", err)
	}
	return nil
}

// withTx runs fn inside an immediate transaction, committing on nil and
// rolling back otherwise.
func (c *Cache) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return api.WrapError(api.ErrorKindCacheUnavailable, "", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return api.WrapError(api.ErrorKindCacheUnavailable, "", err)
	}
	return nil
}

func (c *Cache) applySchema() error {
	if _, err := c.db.Exec(schemaDDL); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	if err := c.ensureSearchIndex(); err != nil {
		if strings.Contains(err.Error(), "no such module: fts5") {
			c.logger.Info("full-text search disabled: sqlite was built without FTS5 (use the sqlite_fts5 build tag)")
			return nil
		}
		return err
	}
	c.ftsEnabled = true
	return nil
}

// FTSEnabled reports whether the full-text index is available. False when
// the sqlite driver was built without FTS5.
func (c *Cache) FTSEnabled() bool {
	return c.ftsEnabled
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS environments (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    base_url     TEXT NOT NULL UNIQUE,
    display_name TEXT NOT NULL DEFAULT '',
    created_at   TIMESTAMP NOT NULL,
    last_seen    TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS global_versions (
    id                  INTEGER PRIMARY KEY AUTOINCREMENT,
    version_hash        TEXT NOT NULL UNIQUE,
    application_version TEXT NOT NULL DEFAULT '',
    platform_version    TEXT NOT NULL DEFAULT '',
    reference_count     INTEGER NOT NULL DEFAULT 0,
    first_seen_at       TIMESTAMP NOT NULL,
    last_seen_at        TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS global_version_modules (
    global_version_id INTEGER NOT NULL REFERENCES global_versions(id),
    module_id         TEXT NOT NULL,
    name              TEXT NOT NULL DEFAULT '',
    version           TEXT NOT NULL,
    publisher         TEXT NOT NULL DEFAULT '',
    display_name      TEXT NOT NULL DEFAULT '',
    sort_order        INTEGER NOT NULL,
    PRIMARY KEY (global_version_id, module_id, version)
);

CREATE TABLE IF NOT EXISTS environment_version_links (
    environment_id        INTEGER NOT NULL REFERENCES environments(id),
    global_version_id     INTEGER NOT NULL REFERENCES global_versions(id),
    is_current            INTEGER NOT NULL DEFAULT 1,
    last_sync_status      TEXT NOT NULL DEFAULT 'pending',
    last_sync_duration_ms INTEGER,
    linked_at             TIMESTAMP NOT NULL,
    PRIMARY KEY (environment_id, global_version_id)
);

CREATE TABLE IF NOT EXISTS metadata_versions (
    global_version_id INTEGER PRIMARY KEY REFERENCES global_versions(id),
    sync_completed_at TIMESTAMP,
    entity_count      INTEGER NOT NULL DEFAULT 0,
    action_count      INTEGER NOT NULL DEFAULT 0,
    enumeration_count INTEGER NOT NULL DEFAULT 0,
    label_count       INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS data_entities (
    global_version_id       INTEGER NOT NULL REFERENCES global_versions(id),
    name                    TEXT NOT NULL,
    public_entity_name      TEXT NOT NULL DEFAULT '',
    public_collection_name  TEXT NOT NULL DEFAULT '',
    entity_category         TEXT NOT NULL DEFAULT '',
    data_service_enabled    INTEGER NOT NULL DEFAULT 0,
    data_management_enabled INTEGER NOT NULL DEFAULT 0,
    is_read_only            INTEGER NOT NULL DEFAULT 0,
    label_id                TEXT NOT NULL DEFAULT '',
    label_text              TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (global_version_id, name)
);
CREATE INDEX IF NOT EXISTS idx_data_entities_collection
    ON data_entities (global_version_id, public_collection_name);

CREATE TABLE IF NOT EXISTS public_entities (
    global_version_id     INTEGER NOT NULL REFERENCES global_versions(id),
    name                  TEXT NOT NULL,
    entity_set_name       TEXT NOT NULL DEFAULT '',
    label_id              TEXT NOT NULL DEFAULT '',
    label_text            TEXT NOT NULL DEFAULT '',
    is_read_only          INTEGER NOT NULL DEFAULT 0,
    configuration_enabled INTEGER NOT NULL DEFAULT 1,
    PRIMARY KEY (global_version_id, name)
);
CREATE INDEX IF NOT EXISTS idx_public_entities_set
    ON public_entities (global_version_id, entity_set_name);

CREATE TABLE IF NOT EXISTS entity_properties (
    global_version_id     INTEGER NOT NULL,
    entity_name           TEXT NOT NULL,
    name                  TEXT NOT NULL,
    type_name             TEXT NOT NULL DEFAULT '',
    data_type             TEXT NOT NULL DEFAULT 'String',
    is_key                INTEGER NOT NULL DEFAULT 0,
    is_mandatory          INTEGER NOT NULL DEFAULT 0,
    configuration_enabled INTEGER NOT NULL DEFAULT 1,
    allow_edit            INTEGER NOT NULL DEFAULT 1,
    allow_edit_on_create  INTEGER NOT NULL DEFAULT 1,
    is_dimension          INTEGER NOT NULL DEFAULT 0,
    dimension_relation    TEXT NOT NULL DEFAULT '',
    property_order        INTEGER NOT NULL DEFAULT 0,
    label_id              TEXT NOT NULL DEFAULT '',
    label_text            TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (global_version_id, entity_name, name)
);

CREATE TABLE IF NOT EXISTS navigation_properties (
    global_version_id INTEGER NOT NULL,
    entity_name       TEXT NOT NULL,
    name              TEXT NOT NULL,
    related_entity    TEXT NOT NULL DEFAULT '',
    cardinality       TEXT NOT NULL DEFAULT 'Single',
    PRIMARY KEY (global_version_id, entity_name, name)
);

CREATE TABLE IF NOT EXISTS relation_constraints (
    global_version_id   INTEGER NOT NULL,
    entity_name         TEXT NOT NULL,
    navigation_name     TEXT NOT NULL,
    kind                TEXT NOT NULL,
    property            TEXT NOT NULL DEFAULT '',
    referenced_property TEXT NOT NULL DEFAULT '',
    related_property    TEXT NOT NULL DEFAULT '',
    value               INTEGER,
    value_str           TEXT NOT NULL DEFAULT '',
    sort_order          INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_relation_constraints_nav
    ON relation_constraints (global_version_id, entity_name, navigation_name);

CREATE TABLE IF NOT EXISTS property_groups (
    global_version_id INTEGER NOT NULL,
    entity_name       TEXT NOT NULL,
    name              TEXT NOT NULL,
    sort_order        INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (global_version_id, entity_name, name)
);

CREATE TABLE IF NOT EXISTS property_group_members (
    global_version_id INTEGER NOT NULL,
    entity_name       TEXT NOT NULL,
    group_name        TEXT NOT NULL,
    member            TEXT NOT NULL,
    sort_order        INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (global_version_id, entity_name, group_name, member)
);

CREATE TABLE IF NOT EXISTS entity_actions (
    global_version_id  INTEGER NOT NULL,
    entity_name        TEXT NOT NULL,
    name               TEXT NOT NULL,
    binding_kind       TEXT NOT NULL DEFAULT 'Unbound',
    field_lookup       TEXT NOT NULL DEFAULT '',
    return_type_name   TEXT NOT NULL DEFAULT '',
    return_is_collection INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (global_version_id, entity_name, name)
);

CREATE TABLE IF NOT EXISTS action_parameters (
    global_version_id INTEGER NOT NULL,
    entity_name       TEXT NOT NULL,
    action_name       TEXT NOT NULL,
    name              TEXT NOT NULL,
    type_name         TEXT NOT NULL DEFAULT '',
    is_collection     INTEGER NOT NULL DEFAULT 0,
    odata_xpp_type    TEXT NOT NULL DEFAULT '',
    parameter_order   INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (global_version_id, entity_name, action_name, name)
);

CREATE TABLE IF NOT EXISTS enumerations (
    global_version_id INTEGER NOT NULL,
    name              TEXT NOT NULL,
    label_id          TEXT NOT NULL DEFAULT '',
    label_text        TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (global_version_id, name)
);

CREATE TABLE IF NOT EXISTS enumeration_members (
    global_version_id     INTEGER NOT NULL,
    enumeration_name      TEXT NOT NULL,
    name                  TEXT NOT NULL,
    value                 INTEGER NOT NULL DEFAULT 0,
    label_id              TEXT NOT NULL DEFAULT '',
    label_text            TEXT NOT NULL DEFAULT '',
    configuration_enabled INTEGER NOT NULL DEFAULT 1,
    member_order          INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (global_version_id, enumeration_name, name)
);

CREATE TABLE IF NOT EXISTS labels_cache (
    label_id   TEXT NOT NULL,
    language   TEXT NOT NULL,
    value      TEXT NOT NULL DEFAULT '',
    cached_at  TIMESTAMP NOT NULL,
    expires_at TIMESTAMP,
    PRIMARY KEY (label_id, language)
);
`
