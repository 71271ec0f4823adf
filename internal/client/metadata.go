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

package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-logr/logr"

	"github.com/microsoft/d365fo-go/internal/api"
	"github.com/microsoft/d365fo-go/internal/odata"
)

// metadataPageSize is the $top used when draining paged metadata
// collections. The server default page is far too small for a full sync.
const metadataPageSize = 1000

// metadataCategoryNamespace qualifies EntityCategory enum literals in
// /Metadata filters.
const metadataCategoryNamespace = "Microsoft.Dynamics.Metadata.EntityCategory"

// MetadataClient fetches typed shapes from the /Metadata sub-API.
type MetadataClient struct {
	transport Transport
	baseURL   string
	labels    *LabelClient
	logger    logr.Logger
}

// NewMetadataClient builds a MetadataClient. labels may be nil; label
// resolution is then skipped even when requested.
func NewMetadataClient(transport Transport, baseURL string, labels *LabelClient, logger logr.Logger) *MetadataClient {
	return &MetadataClient{transport: transport, baseURL: baseURL, labels: labels, logger: logger}
}

func (m *MetadataClient) endpoint(resource string) string {
	return strings.TrimRight(m.baseURL, "/") + "/Metadata/" + resource
}

// get issues one GET and decodes a collection page.
func metadataPage[T any](ctx context.Context, m *MetadataClient, u string) (*api.Collection[T], error) {
	resp, err := m.transport.Do(ctx, http.MethodGet, u, nil, nil)
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return nil, api.NewHTTPError(api.ErrorKindMetadataFetchFailed, u, resp.StatusCode, string(resp.Body))
	}
	var out api.Collection[T]
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, api.WrapError(api.ErrorKindMetadataFetchFailed, u, err)
	}
	return &out, nil
}

// drainPages iterates $skip/$top until a short page arrives.
func drainPages[T any](ctx context.Context, m *MetadataClient, base string, query odata.QueryOptions) ([]T, error) {
	var all []T
	skip := 0
	for {
		page := query
		top := metadataPageSize
		pageSkip := skip
		page.Top = &top
		page.Skip = &pageSkip

		u := odata.AppendQuery(base, odata.BuildQueryString(page))
		col, err := metadataPage[T](ctx, m, u)
		if err != nil {
			return nil, err
		}
		all = append(all, col.Value...)
		if len(col.Value) < metadataPageSize {
			return all, nil
		}
		skip += metadataPageSize
	}
}

// DataEntityQuery is the filter pushdown for GetDataEntities. Nil pointer
// fields are not pushed.
type DataEntityQuery struct {
	EntityCategory        api.EntityCategory
	DataServiceEnabled    *bool
	DataManagementEnabled *bool
	IsReadOnly            *bool

	// NameContains matches case-insensitively via contains(tolower(Name), …).
	NameContains string
}

func (q DataEntityQuery) filter() string {
	var clauses []string
	if q.EntityCategory != "" {
		clauses = append(clauses, fmt.Sprintf("EntityCategory eq %s'%s'", metadataCategoryNamespace, q.EntityCategory))
	}
	for _, p := range []struct {
		name  string
		value *bool
	}{
		{"DataServiceEnabled", q.DataServiceEnabled},
		{"DataManagementEnabled", q.DataManagementEnabled},
		{"IsReadOnly", q.IsReadOnly},
	} {
		if p.value != nil {
			clauses = append(clauses, fmt.Sprintf("%s eq %t", p.name, *p.value))
		}
	}
	if q.NameContains != "" {
		escaped := strings.ReplaceAll(strings.ToLower(q.NameContains), "'", "''")
		clauses = append(clauses, fmt.Sprintf("contains(tolower(Name),'%s')", escaped))
	}
	return strings.Join(clauses, " and ")
}

// GetDataEntities returns one page of the data-entity catalog with the
// query pushed down to the server.
func (m *MetadataClient) GetDataEntities(ctx context.Context, q DataEntityQuery) ([]api.DataEntity, error) {
	var opts odata.QueryOptions
	if f := q.filter(); f != "" {
		opts.Filter = f
	}
	u := odata.AppendQuery(m.endpoint("DataEntities"), odata.BuildQueryString(opts))
	col, err := metadataPage[api.DataEntity](ctx, m, u)
	if err != nil {
		return nil, err
	}
	return col.Value, nil
}

// GetAllDataEntities drains the full catalog, bypassing server paging.
func (m *MetadataClient) GetAllDataEntities(ctx context.Context) ([]api.DataEntity, error) {
	return drainPages[api.DataEntity](ctx, m, m.endpoint("DataEntities"), odata.QueryOptions{})
}

// GetPublicEntities lists public entities without their nested detail.
func (m *MetadataClient) GetPublicEntities(ctx context.Context, opts odata.QueryOptions) ([]api.PublicEntity, error) {
	if len(opts.Select) == 0 {
		opts.Select = []string{"Name", "EntitySetName", "LabelId", "IsReadOnly", "ConfigurationEnabled"}
	}
	u := odata.AppendQuery(m.endpoint("PublicEntities"), odata.BuildQueryString(opts))
	col, err := metadataPage[api.PublicEntity](ctx, m, u)
	if err != nil {
		return nil, err
	}
	return col.Value, nil
}

// GetPublicEntityInfo fetches one entity's full schema. Returns nil when
// the entity does not exist.
func (m *MetadataClient) GetPublicEntityInfo(ctx context.Context, name string, resolveLabels bool) (*api.PublicEntity, error) {
	u := m.endpoint("PublicEntities(" + quoteMetadataKey(name) + ")")
	resp, err := m.transport.Do(ctx, http.MethodGet, u, nil, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if !resp.IsSuccess() {
		return nil, api.NewHTTPError(api.ErrorKindMetadataFetchFailed, u, resp.StatusCode, string(resp.Body))
	}
	var entity api.PublicEntity
	if err := json.Unmarshal(resp.Body, &entity); err != nil {
		return nil, api.WrapError(api.ErrorKindMetadataFetchFailed, u, err)
	}
	if resolveLabels && m.labels != nil {
		if err := m.labels.ResolveEntityLabels(ctx, &entity, DefaultLanguage); err != nil {
			m.logger.V(1).Info("label resolution failed", "entity", name, "error", err.Error())
		}
	}
	return &entity, nil
}

// GetAllPublicEntitiesWithDetails drains every public entity schema in one
// paged pass. Used by the full sync.
func (m *MetadataClient) GetAllPublicEntitiesWithDetails(ctx context.Context, resolveLabels bool) ([]api.PublicEntity, error) {
	entities, err := drainPages[api.PublicEntity](ctx, m, m.endpoint("PublicEntities"), odata.QueryOptions{})
	if err != nil {
		return nil, err
	}
	if resolveLabels && m.labels != nil {
		for i := range entities {
			if err := m.labels.ResolveEntityLabels(ctx, &entities[i], DefaultLanguage); err != nil {
				m.logger.V(1).Info("label resolution failed", "entity", entities[i].Name, "error", err.Error())
			}
		}
	}
	return entities, nil
}

// GetPublicEnumerations lists enumerations without members.
func (m *MetadataClient) GetPublicEnumerations(ctx context.Context, opts odata.QueryOptions) ([]api.Enumeration, error) {
	if len(opts.Select) == 0 {
		opts.Select = []string{"Name", "LabelId"}
	}
	u := odata.AppendQuery(m.endpoint("PublicEnumerations"), odata.BuildQueryString(opts))
	col, err := metadataPage[api.Enumeration](ctx, m, u)
	if err != nil {
		return nil, err
	}
	return col.Value, nil
}

// GetPublicEnumerationInfo fetches one enumeration with members. Returns
// nil when the enumeration does not exist.
func (m *MetadataClient) GetPublicEnumerationInfo(ctx context.Context, name string, resolveLabels bool) (*api.Enumeration, error) {
	u := m.endpoint("PublicEnumerations(" + quoteMetadataKey(name) + ")")
	resp, err := m.transport.Do(ctx, http.MethodGet, u, nil, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if !resp.IsSuccess() {
		return nil, api.NewHTTPError(api.ErrorKindMetadataFetchFailed, u, resp.StatusCode, string(resp.Body))
	}
	var enum api.Enumeration
	if err := json.Unmarshal(resp.Body, &enum); err != nil {
		return nil, api.WrapError(api.ErrorKindMetadataFetchFailed, u, err)
	}
	if resolveLabels && m.labels != nil {
		if err := m.labels.ResolveEnumerationLabels(ctx, &enum, DefaultLanguage); err != nil {
			m.logger.V(1).Info("label resolution failed", "enumeration", name, "error", err.Error())
		}
	}
	return &enum, nil
}

// GetAllPublicEnumerationsWithDetails drains every enumeration with its
// members.
func (m *MetadataClient) GetAllPublicEnumerationsWithDetails(ctx context.Context, resolveLabels bool) ([]api.Enumeration, error) {
	enums, err := drainPages[api.Enumeration](ctx, m, m.endpoint("PublicEnumerations"), odata.QueryOptions{})
	if err != nil {
		return nil, err
	}
	if resolveLabels && m.labels != nil {
		for i := range enums {
			if err := m.labels.ResolveEnumerationLabels(ctx, &enums[i], DefaultLanguage); err != nil {
				m.logger.V(1).Info("label resolution failed", "enumeration", enums[i].Name, "error", err.Error())
			}
		}
	}
	return enums, nil
}

// quoteMetadataKey renders a string key for a /Metadata singleton URL.
func quoteMetadataKey(v string) string {
	return "'" + url.PathEscape(strings.ReplaceAll(v, "'", "''")) + "'"
}
