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
	"errors"

	"github.com/microsoft/d365fo-go/internal/api"
	"github.com/microsoft/d365fo-go/internal/client"
	"github.com/microsoft/d365fo-go/internal/database"
	"github.com/microsoft/d365fo-go/internal/odata"
)

// Record is a raw OData entity payload.
type Record = client.Record

// GetEntities queries an entity set.
func (c *Client) GetEntities(ctx context.Context, entitySet string, opts odata.QueryOptions) (*api.Collection[Record], error) {
	return c.data.GetEntities(ctx, entitySet, opts)
}

// GetNextPage follows a collection's @odata.nextLink.
func (c *Client) GetNextPage(ctx context.Context, nextLink string) (*api.Collection[Record], error) {
	return c.data.GetNextPage(ctx, nextLink)
}

// GetEntityByKey reads a single entity.
func (c *Client) GetEntityByKey(ctx context.Context, entitySet string, key odata.Key, opts odata.QueryOptions) (Record, error) {
	return c.data.GetEntityByKey(ctx, entitySet, key, opts)
}

// CreateEntity inserts an entity and returns the server representation.
func (c *Client) CreateEntity(ctx context.Context, entitySet string, data any) (Record, error) {
	return c.data.CreateEntity(ctx, entitySet, data)
}

// UpdateEntity patches or replaces an entity.
func (c *Client) UpdateEntity(ctx context.Context, entitySet string, key odata.Key, data any, opts client.UpdateOptions) (Record, error) {
	return c.data.UpdateEntity(ctx, entitySet, key, data, opts)
}

// DeleteEntity removes an entity.
func (c *Client) DeleteEntity(ctx context.Context, entitySet string, key odata.Key) error {
	return c.data.DeleteEntity(ctx, entitySet, key)
}

// CallAction invokes an OData action, bound or unbound.
func (c *Client) CallAction(ctx context.Context, actionName string, params any, opts client.ActionOptions) (Record, error) {
	return c.data.CallAction(ctx, actionName, params, opts)
}

// GetLabelText resolves a label in the given language, or the profile
// language when empty. The second return reports whether the label exists.
func (c *Client) GetLabelText(ctx context.Context, labelID, language string) (string, bool, error) {
	return c.labels.GetLabelText(ctx, labelID, c.language(language))
}

// GetLabelsBatch resolves many labels at once. Missing labels are absent
// from the result.
func (c *Client) GetLabelsBatch(ctx context.Context, labelIDs []string, language string) (map[string]string, error) {
	return c.labels.GetLabelsBatch(ctx, labelIDs, c.language(language))
}

func (c *Client) language(language string) string {
	if language != "" {
		return language
	}
	return c.profile.Language
}

// GetDataEntities lists data entities from the live Metadata API.
func (c *Client) GetDataEntities(ctx context.Context, q client.DataEntityQuery) ([]api.DataEntity, error) {
	return c.metadata.GetDataEntities(ctx, q)
}

// GetPublicEntityInfo fetches one entity schema. Cache-first when metadata
// is initialized; falls back to the Metadata API on a miss.
func (c *Client) GetPublicEntityInfo(ctx context.Context, name string, resolveLabels bool) (*api.PublicEntity, error) {
	if versionID := c.GlobalVersionID(); versionID != 0 && c.cacheFirst() {
		schema, err := c.cache.GetPublicEntitySchema(ctx, versionID, name)
		if err == nil {
			return schema, nil
		}
		if !errors.Is(err, database.ErrNotFound) {
			return nil, err
		}
	}
	return c.metadata.GetPublicEntityInfo(ctx, name, resolveLabels)
}

// GetPublicEnumerationInfo fetches one enumeration. Cache-first when
// metadata is initialized.
func (c *Client) GetPublicEnumerationInfo(ctx context.Context, name string, resolveLabels bool) (*api.Enumeration, error) {
	if versionID := c.GlobalVersionID(); versionID != 0 && c.cacheFirst() {
		enum, err := c.cache.GetEnumerationInfo(ctx, versionID, name)
		if err == nil {
			return enum, nil
		}
		if !errors.Is(err, database.ErrNotFound) {
			return nil, err
		}
	}
	return c.metadata.GetPublicEnumerationInfo(ctx, name, resolveLabels)
}

func (c *Client) cacheFirst() bool {
	return c.profile.UseCacheFirst == nil || *c.profile.UseCacheFirst
}

// SearchMetadata runs a full-text search over the cached metadata of the
// active global version. The query's GlobalVersionID, when zero, is filled
// from the active version.
func (c *Client) SearchMetadata(ctx context.Context, q database.SearchQuery) (*api.SearchResults, error) {
	if q.GlobalVersionID == 0 {
		q.GlobalVersionID = c.GlobalVersionID()
	}
	if q.GlobalVersionID == 0 {
		return nil, api.NewError(api.ErrorKindCacheUnavailable, q.Text, "metadata not initialized")
	}
	return c.cache.Search(ctx, q)
}

// GetInstalledModules lists the environment's installed modules from the
// live endpoint.
func (c *Client) GetInstalledModules(ctx context.Context) ([]api.ModuleVersion, error) {
	return c.detector.GetInstalledModules(ctx)
}

// GetVersionInfo detects the environment's versions without touching the
// version registry.
func (c *Client) GetVersionInfo(ctx context.Context) (*api.VersionInfo, error) {
	return c.detector.Detect(ctx, nil)
}
