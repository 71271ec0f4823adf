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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microsoft/d365fo-go/internal/api"
	"github.com/microsoft/d365fo-go/internal/logging"
)

func openTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := Open(":memory:", logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func testModules() []api.ModuleVersion {
	return []api.ModuleVersion{
		{ModuleID: "mB", Name: "Module B", Version: "2.0"},
		{ModuleID: "mA", Name: "Module A", Version: "1.0"},
	}
}

func TestComputeVersionHash(t *testing.T) {
	hash := ComputeVersionHash(testModules())
	assert.Len(t, hash, 16)

	// Order-insensitive: the hash canonicalizes by sorting on module ID.
	reversed := []api.ModuleVersion{testModules()[1], testModules()[0]}
	assert.Equal(t, hash, ComputeVersionHash(reversed))

	changed := testModules()
	changed[0].Version = "2.1"
	assert.NotEqual(t, hash, ComputeVersionHash(changed))
}

func TestGetOrCreateEnvironmentIdempotent(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	a, err := c.GetOrCreateEnvironment(ctx, "https://a.example.com", "A")
	require.NoError(t, err)
	b, err := c.GetOrCreateEnvironment(ctx, "https://a.example.com", "A")
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)
	assert.False(t, b.LastSeen.Before(a.LastSeen))
}

func TestRegisterModuleVersionsDeduplicates(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	envA, err := c.GetOrCreateEnvironment(ctx, "https://a.example.com", "")
	require.NoError(t, err)
	envB, err := c.GetOrCreateEnvironment(ctx, "https://b.example.com", "")
	require.NoError(t, err)

	idA, isNewA, err := c.RegisterModuleVersions(ctx, envA.ID, "10.0.38", "7.0.7", testModules())
	require.NoError(t, err)
	assert.True(t, isNewA)

	idB, isNewB, err := c.RegisterModuleVersions(ctx, envB.ID, "10.0.38", "7.0.7", testModules())
	require.NoError(t, err)
	assert.False(t, isNewB)
	assert.Equal(t, idA, idB)

	gv, err := c.GetGlobalVersion(ctx, idA)
	require.NoError(t, err)
	assert.Equal(t, 2, gv.ReferenceCount)
	assert.Len(t, gv.Modules, 2)
	// Modules come back sorted by module ID.
	assert.Equal(t, "mA", gv.Modules[0].ModuleID)

	linkA, err := c.GetCurrentVersionLink(ctx, envA.ID)
	require.NoError(t, err)
	linkB, err := c.GetCurrentVersionLink(ctx, envB.ID)
	require.NoError(t, err)
	assert.Equal(t, idA, linkA.GlobalVersionID)
	assert.Equal(t, idA, linkB.GlobalVersionID)
}

func TestRegisterModuleVersionsRelinkAdjustsRefcounts(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	env, err := c.GetOrCreateEnvironment(ctx, "https://a.example.com", "")
	require.NoError(t, err)

	v1, _, err := c.RegisterModuleVersions(ctx, env.ID, "10.0.38", "7.0.7", testModules())
	require.NoError(t, err)

	upgraded := testModules()
	upgraded[0].Version = "3.0"
	v2, isNew, err := c.RegisterModuleVersions(ctx, env.ID, "10.0.39", "7.0.8", upgraded)
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.NotEqual(t, v1, v2)

	old, err := c.GetGlobalVersion(ctx, v1)
	require.NoError(t, err)
	assert.Equal(t, 0, old.ReferenceCount)

	current, err := c.GetGlobalVersion(ctx, v2)
	require.NoError(t, err)
	assert.Equal(t, 1, current.ReferenceCount)

	link, err := c.GetCurrentVersionLink(ctx, env.ID)
	require.NoError(t, err)
	assert.Equal(t, v2, link.GlobalVersionID)
}

func TestRegisterModuleVersionsSameVersionStable(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	env, err := c.GetOrCreateEnvironment(ctx, "https://a.example.com", "")
	require.NoError(t, err)

	v1, _, err := c.RegisterModuleVersions(ctx, env.ID, "10.0.38", "7.0.7", testModules())
	require.NoError(t, err)
	v2, _, err := c.RegisterModuleVersions(ctx, env.ID, "10.0.38", "7.0.7", testModules())
	require.NoError(t, err)
	assert.Equal(t, v1, v2)

	gv, err := c.GetGlobalVersion(ctx, v1)
	require.NoError(t, err)
	assert.Equal(t, 1, gv.ReferenceCount)
}

func TestFindCompatibleVersions(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	env, err := c.GetOrCreateEnvironment(ctx, "https://a.example.com", "")
	require.NoError(t, err)
	versionID, _, err := c.RegisterModuleVersions(ctx, env.ID, "10.0.38", "7.0.7", testModules())
	require.NoError(t, err)

	exact, err := c.FindCompatibleVersions(ctx, testModules(), true)
	require.NoError(t, err)
	assert.Equal(t, []int64{versionID}, exact)

	// Subset of the version's modules: matches in superset mode only.
	subset := testModules()[:1]
	none, err := c.FindCompatibleVersions(ctx, subset, true)
	require.NoError(t, err)
	assert.Empty(t, none)

	super, err := c.FindCompatibleVersions(ctx, subset, false)
	require.NoError(t, err)
	assert.Equal(t, []int64{versionID}, super)
}

func TestUpdateSyncStatus(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	env, err := c.GetOrCreateEnvironment(ctx, "https://a.example.com", "")
	require.NoError(t, err)
	versionID, _, err := c.RegisterModuleVersions(ctx, env.ID, "", "", testModules())
	require.NoError(t, err)

	require.NoError(t, c.UpdateSyncStatus(ctx, env.ID, versionID, api.SyncStatusCompleted, 1234))

	link, err := c.GetCurrentVersionLink(ctx, env.ID)
	require.NoError(t, err)
	assert.Equal(t, api.SyncStatusCompleted, link.LastSyncStatus)
	assert.Equal(t, int64(1234), link.LastSyncDurationMS)
}

func TestHasCompleteMetadata(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	env, err := c.GetOrCreateEnvironment(ctx, "https://a.example.com", "")
	require.NoError(t, err)
	versionID, _, err := c.RegisterModuleVersions(ctx, env.ID, "", "", testModules())
	require.NoError(t, err)

	complete, err := c.HasCompleteMetadata(ctx, versionID)
	require.NoError(t, err)
	assert.False(t, complete)

	// A completed sync with zero entities does not count as complete.
	require.NoError(t, c.MarkSyncCompleted(ctx, versionID, api.MetadataVersionRecord{}))
	complete, err = c.HasCompleteMetadata(ctx, versionID)
	require.NoError(t, err)
	assert.False(t, complete)

	require.NoError(t, c.MarkSyncCompleted(ctx, versionID, api.MetadataVersionRecord{EntityCount: 3}))
	complete, err = c.HasCompleteMetadata(ctx, versionID)
	require.NoError(t, err)
	assert.True(t, complete)
}
