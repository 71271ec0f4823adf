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

package d365fo

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microsoft/d365fo-go/internal/api"
	"github.com/microsoft/d365fo-go/internal/config"
	"github.com/microsoft/d365fo-go/internal/database"
	"github.com/microsoft/d365fo-go/internal/logging"
	"github.com/microsoft/d365fo-go/internal/odata"
	syncmgr "github.com/microsoft/d365fo-go/internal/sync"
)

type staticCredential struct{}

func (staticCredential) GetToken(context.Context, policy.TokenRequestOptions) (azcore.AccessToken, error) {
	return azcore.AccessToken{Token: "test-token", ExpiresOn: time.Now().Add(time.Hour)}, nil
}

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := New(&config.Profile{Name: "test", BaseURL: srv.URL},
		WithCredential(staticCredential{}),
		WithCachePath(":memory:"),
		WithLogger(logging.Discard()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestTestConnection(t *testing.T) {
	var gotAuth string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		assert.Equal(t, "/data", r.URL.Path)
		assert.Equal(t, "1", r.URL.Query().Get("$top"))
		writeJSON(w, map[string]any{"value": []any{}})
	}))

	require.NoError(t, c.TestConnection(context.Background()))
	assert.Equal(t, "Bearer test-token", gotAuth)
}

func TestNewTrimsTrailingSlashInBaseURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/data", r.URL.Path)
		writeJSON(w, map[string]any{"value": []any{}})
	}))
	t.Cleanup(srv.Close)

	c, err := New(&config.Profile{Name: "test", BaseURL: srv.URL + "/"},
		WithCredential(staticCredential{}),
		WithCachePath(":memory:"),
		WithLogger(logging.Discard()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	require.NoError(t, c.TestConnection(context.Background()))
}

func TestTestConnectionFailure(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))

	err := c.TestConnection(context.Background())
	assert.True(t, api.IsKind(err, api.ErrorKindNetworkError))
}

func TestTestMetadataConnection(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/Metadata/DataEntities", r.URL.Path)
		writeJSON(w, map[string]any{"value": []any{}})
	}))

	require.NoError(t, c.TestMetadataConnection(context.Background()))
}

func TestGetEntitiesPassthrough(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/data/CustomersV3", r.URL.Path)
		writeJSON(w, map[string]any{"value": []map[string]any{{"CustomerAccount": "C-1"}}})
	}))

	got, err := c.GetEntities(context.Background(), "CustomersV3", odata.QueryOptions{})
	require.NoError(t, err)
	require.Len(t, got.Value, 1)
	assert.JSONEq(t, `{"CustomerAccount":"C-1"}`, string(got.Value[0]))
}

// environmentHandler serves just enough of the version actions and the
// Metadata API to drive a full metadata sync.
func environmentHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		switch {
		case strings.Contains(path, "GetApplicationVersion"):
			writeJSON(w, map[string]string{"value": "10.0.38"})
		case strings.Contains(path, "GetPlatformBuildVersion"):
			writeJSON(w, map[string]string{"value": "7.0.7279.115"})
		case strings.Contains(path, "GetApplicationBuildVersion"):
			writeJSON(w, map[string]string{"value": "10.0.1777.99"})
		case strings.HasPrefix(path, "/data/InstalledModules"):
			writeJSON(w, map[string]any{"value": []map[string]string{
				{"ModuleId": "app-suite", "Name": "Application Suite", "Version": "10.0.38.0", "Publisher": "Microsoft"},
			}})
		case strings.HasPrefix(path, "/Metadata/DataEntities"):
			writeJSON(w, map[string]any{"value": []map[string]any{
				{"Name": "CustomerV3", "PublicEntityName": "CustomerV3", "PublicCollectionName": "CustomersV3", "DataServiceEnabled": true},
			}})
		case strings.HasPrefix(path, "/Metadata/PublicEntities"):
			writeJSON(w, map[string]any{"value": []map[string]any{
				{"Name": "CustomerV3", "EntitySetName": "CustomersV3", "Properties": []map[string]any{
					{"Name": "CustomerAccount", "TypeName": "Edm.String", "IsKey": true, "PropertyOrder": 1},
				}},
			}})
		case strings.HasPrefix(path, "/Metadata/PublicEnumerations"):
			writeJSON(w, map[string]any{"value": []map[string]any{
				{"Name": "NoYes", "Members": []map[string]any{{"Name": "No", "Value": 0}, {"Name": "Yes", "Value": 1}}},
			}})
		default:
			http.NotFound(w, r)
		}
	})
}

func TestInitializeMetadataRunsFullSync(t *testing.T) {
	c := newTestClient(t, environmentHandler())
	ctx := context.Background()

	result, err := c.InitializeMetadata(ctx)
	require.NoError(t, err)
	assert.True(t, result.IsNewVersion)
	assert.False(t, result.MetadataReady)
	require.NotEmpty(t, result.SyncSessionID)
	assert.Equal(t, syncmgr.StrategyFull, result.Strategy)
	assert.Equal(t, result.GlobalVersionID, c.GlobalVersionID())

	session, err := c.SyncManager().WaitForSession(ctx, result.SyncSessionID)
	require.NoError(t, err)
	assert.Equal(t, syncmgr.StatusCompleted, session.Status)
	require.NotNil(t, session.Result)
	assert.Equal(t, 1, session.Result.EntityCount)

	// Cached schemas now reach the CRUD layer.
	schema := c.cachedSchema(ctx, "CustomersV3")
	require.NotNil(t, schema)
	assert.Equal(t, "CustomerV3", schema.Name)
}

func TestInitializeMetadataSkipsSyncWhenComplete(t *testing.T) {
	c := newTestClient(t, environmentHandler())
	ctx := context.Background()

	first, err := c.InitializeMetadata(ctx)
	require.NoError(t, err)
	_, err = c.SyncManager().WaitForSession(ctx, first.SyncSessionID)
	require.NoError(t, err)

	second, err := c.InitializeMetadata(ctx)
	require.NoError(t, err)
	assert.True(t, second.MetadataReady)
	assert.Empty(t, second.SyncSessionID)
	assert.False(t, second.IsNewVersion)
	assert.Equal(t, first.GlobalVersionID, second.GlobalVersionID)
}

func TestSearchMetadataRequiresInitialization(t *testing.T) {
	c := newTestClient(t, environmentHandler())
	_, err := c.SearchMetadata(context.Background(), database.SearchQuery{Text: "Customer"})
	assert.True(t, api.IsKind(err, api.ErrorKindCacheUnavailable))
}

func TestGetInstalledModulesPassthrough(t *testing.T) {
	c := newTestClient(t, environmentHandler())
	modules, err := c.GetInstalledModules(context.Background())
	require.NoError(t, err)
	require.Len(t, modules, 1)
	assert.Equal(t, "app-suite", modules[0].ModuleID)
}

func TestGetVersionInfo(t *testing.T) {
	c := newTestClient(t, environmentHandler())
	info, err := c.GetVersionInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "10.0.38", info.ApplicationVersion)
	assert.Equal(t, "7.0.7279.115", info.PlatformBuildVersion)
	require.Len(t, info.Modules, 1)
}

func TestNewRejectsInvalidProfile(t *testing.T) {
	_, err := New(&config.Profile{Name: "bad"},
		WithCredential(staticCredential{}),
		WithLogger(logging.Discard()))
	assert.True(t, api.IsKind(err, api.ErrorKindValidationFailed))
}
