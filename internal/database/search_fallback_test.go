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

//go:build !sqlite_fts5

package database

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microsoft/d365fo-go/internal/api"
)

// Without the sqlite_fts5 tag the driver has no FTS5 module. The cache
// must still open and sync; only Search is unavailable.
func TestOpenDegradesWithoutFTS5(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	assert.False(t, c.FTSEnabled())

	// Indexing is a silent no-op so syncs complete.
	versionID := registerVersion(t, c, "https://a.example.com")
	require.NoError(t, c.StoreDataEntities(ctx, versionID, sampleDataEntities()))
	require.NoError(t, c.RebuildSearchIndex(ctx, versionID))

	_, err := c.Search(ctx, SearchQuery{Text: "Customer"})
	assert.True(t, api.IsKind(err, api.ErrorKindCacheUnavailable))
}
