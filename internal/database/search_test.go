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

//go:build sqlite_fts5

package database

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microsoft/d365fo-go/internal/api"
)

func seedSearchableVersion(t *testing.T, c *Cache) int64 {
	t.Helper()
	ctx := context.Background()
	versionID := registerVersion(t, c, "https://a.example.com")
	require.NoError(t, c.StoreDataEntities(ctx, versionID, sampleDataEntities()))
	require.NoError(t, c.StorePublicEntitySchema(ctx, versionID, samplePublicEntity()))
	require.NoError(t, c.StoreEnumerations(ctx, versionID, []api.Enumeration{
		{Name: "CustVendorBlocked", Members: []api.EnumerationMember{{Name: "No"}, {Name: "Invoice"}}},
	}))
	require.NoError(t, c.RebuildSearchIndex(ctx, versionID))
	return versionID
}

func TestSearchFindsEntitiesByName(t *testing.T) {
	c := openTestCache(t)
	versionID := seedSearchableVersion(t, c)

	results, err := c.Search(context.Background(), SearchQuery{Text: "CustomersV3"})
	require.NoError(t, err)
	assert.True(t, results.CacheHit)
	require.NotEmpty(t, results.Results)
	assert.Equal(t, versionID, results.Results[0].GlobalVersionID)
}

func TestSearchFiltersByEntityType(t *testing.T) {
	c := openTestCache(t)
	seedSearchableVersion(t, c)

	results, err := c.Search(context.Background(), SearchQuery{
		Text:        "CustVendorBlocked",
		EntityTypes: []string{"enumeration"},
	})
	require.NoError(t, err)
	require.Len(t, results.Results, 1)
	assert.Equal(t, "enumeration", results.Results[0].EntityType)

	none, err := c.Search(context.Background(), SearchQuery{
		Text:        "CustVendorBlocked",
		EntityTypes: []string{"data_entity"},
	})
	require.NoError(t, err)
	assert.Empty(t, none.Results)
	assert.Zero(t, none.TotalCount)
}

func TestSearchMatchesPropertyNames(t *testing.T) {
	c := openTestCache(t)
	seedSearchableVersion(t, c)

	results, err := c.Search(context.Background(), SearchQuery{Text: "CreditLimit"})
	require.NoError(t, err)
	require.NotEmpty(t, results.Results)
	assert.Equal(t, "public_entity", results.Results[0].EntityType)
}

func TestSearchLimitAndTotal(t *testing.T) {
	c := openTestCache(t)
	seedSearchableVersion(t, c)

	// "CustomersV3" appears as entity-set name on both the data entity
	// and the public entity row.
	all, err := c.Search(context.Background(), SearchQuery{Text: "CustomersV3"})
	require.NoError(t, err)
	require.Equal(t, 2, all.TotalCount)

	limited, err := c.Search(context.Background(), SearchQuery{Text: "CustomersV3", Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited.Results, 1)
	assert.Equal(t, all.TotalCount, limited.TotalCount)
}

func TestRebuildSearchIndexReplacesVersionRows(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()
	versionID := seedSearchableVersion(t, c)

	// Shrinking the catalog and rebuilding drops stale index rows.
	require.NoError(t, c.StoreDataEntities(ctx, versionID, nil))
	require.NoError(t, c.StoreEnumerations(ctx, versionID, nil))
	require.NoError(t, c.RebuildSearchIndex(ctx, versionID))

	results, err := c.Search(ctx, SearchQuery{Text: "LedgerJournalEntity"})
	require.NoError(t, err)
	assert.Empty(t, results.Results)
}
