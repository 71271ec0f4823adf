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
	"net/http"

	"github.com/go-logr/logr"

	"github.com/microsoft/d365fo-go/internal/api"
	"github.com/microsoft/d365fo-go/internal/odata"
	"github.com/microsoft/d365fo-go/internal/session"
)

// DataClient performs CRUD and action calls against the /data endpoint of
// one environment.
type DataClient struct {
	transport Transport
	baseURL   string
	schemas   SchemaSource
	logger    logr.Logger
}

// NewDataClient builds a DataClient. schemas may be nil; pre-flight checks
// and typed key encoding are then skipped.
func NewDataClient(transport Transport, baseURL string, schemas SchemaSource, logger logr.Logger) *DataClient {
	return &DataClient{transport: transport, baseURL: baseURL, schemas: schemas, logger: logger}
}

// Record is one entity record as raw JSON. Callers unmarshal into their own
// shapes; the client does no ORM mapping.
type Record = json.RawMessage

func (c *DataClient) schema(ctx context.Context, entitySet string) *api.PublicEntity {
	if c.schemas == nil {
		return nil
	}
	return c.schemas.EntitySchema(ctx, entitySet)
}

// GetEntities queries an entity set and returns one page plus paging
// metadata. A non-empty NextLink can be passed verbatim to GetNextPage.
func (c *DataClient) GetEntities(ctx context.Context, entitySet string, opts odata.QueryOptions) (*api.Collection[Record], error) {
	u, err := odata.BuildEntityURL(c.baseURL, entitySet, odata.Key{}, odata.EntityURLOptions{})
	if err != nil {
		return nil, api.WrapError(api.ErrorKindEntityError, entitySet, err)
	}
	u = odata.AppendQuery(u, odata.BuildQueryString(opts))

	resp, err := c.transport.Do(ctx, http.MethodGet, u, nil, nil)
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return nil, classifyEntityError(entitySet, resp)
	}
	return decodeCollection(entitySet, resp.Body)
}

// GetNextPage re-issues a server-provided @odata.nextLink verbatim.
func (c *DataClient) GetNextPage(ctx context.Context, nextLink string) (*api.Collection[Record], error) {
	if nextLink == "" {
		return nil, api.NewError(api.ErrorKindEntityError, "", "empty next link")
	}
	resp, err := c.transport.Do(ctx, http.MethodGet, nextLink, nil, nil)
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return nil, classifyEntityError(nextLink, resp)
	}
	return decodeCollection(nextLink, resp.Body)
}

// GetEntityByKey reads one record. Composite keys are encoded with the
// cached schema when available, so non-string key fields serialize with
// their declared types.
func (c *DataClient) GetEntityByKey(ctx context.Context, entitySet string, key odata.Key, opts odata.QueryOptions) (Record, error) {
	if key.IsZero() {
		return nil, api.NewError(api.ErrorKindKeyMismatch, entitySet, "a key is required")
	}
	schema := c.schema(ctx, entitySet)
	if err := checkKeyCardinality(entitySet, schema, key); err != nil {
		return nil, err
	}
	u, err := odata.BuildEntityURL(c.baseURL, entitySet, key, odata.EntityURLOptions{Schema: schema})
	if err != nil {
		return nil, api.WrapError(api.ErrorKindEntityError, entitySet, err)
	}
	u = odata.AppendQuery(u, odata.BuildQueryString(opts))

	resp, err := c.transport.Do(ctx, http.MethodGet, u, nil, nil)
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return nil, classifyEntityError(entitySet, resp)
	}
	return Record(resp.Body), nil
}

// CreateEntity POSTs a new record to the collection URL and returns the
// server representation.
func (c *DataClient) CreateEntity(ctx context.Context, entitySet string, data any) (Record, error) {
	schema := c.schema(ctx, entitySet)
	if err := checkWritable(entitySet, schema); err != nil {
		return nil, err
	}
	body, err := json.Marshal(data)
	if err != nil {
		return nil, api.WrapError(api.ErrorKindEntityError, entitySet, err)
	}
	u, err := odata.BuildEntityURL(c.baseURL, entitySet, odata.Key{}, odata.EntityURLOptions{})
	if err != nil {
		return nil, api.WrapError(api.ErrorKindEntityError, entitySet, err)
	}

	resp, err := c.transport.Do(ctx, http.MethodPost, u, body, representationHeader())
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return nil, classifyEntityError(entitySet, resp)
	}
	return Record(resp.Body), nil
}

// UpdateOptions adjust UpdateEntity behavior.
type UpdateOptions struct {
	// Method is PATCH (merge, the default) or PUT (replace).
	Method string

	// IfMatch carries an optional ETag for optimistic concurrency.
	IfMatch string
}

// UpdateEntity modifies one record. PATCH merges the given fields, PUT
// replaces the record.
func (c *DataClient) UpdateEntity(ctx context.Context, entitySet string, key odata.Key, data any, opts UpdateOptions) (Record, error) {
	method := opts.Method
	if method == "" {
		method = http.MethodPatch
	}
	if method != http.MethodPatch && method != http.MethodPut {
		return nil, api.NewError(api.ErrorKindEntityError, entitySet, "unsupported update method %q", method)
	}
	if key.IsZero() {
		return nil, api.NewError(api.ErrorKindKeyMismatch, entitySet, "a key is required")
	}
	schema := c.schema(ctx, entitySet)
	if err := checkWritable(entitySet, schema); err != nil {
		return nil, err
	}
	if err := checkKeyCardinality(entitySet, schema, key); err != nil {
		return nil, err
	}
	body, err := json.Marshal(data)
	if err != nil {
		return nil, api.WrapError(api.ErrorKindEntityError, entitySet, err)
	}
	u, err := odata.BuildEntityURL(c.baseURL, entitySet, key, odata.EntityURLOptions{Schema: schema})
	if err != nil {
		return nil, api.WrapError(api.ErrorKindEntityError, entitySet, err)
	}

	header := representationHeader()
	if opts.IfMatch != "" {
		header.Set("If-Match", opts.IfMatch)
	}
	resp, err := c.transport.Do(ctx, method, u, body, header)
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return nil, classifyEntityError(entitySet, resp)
	}
	return Record(resp.Body), nil
}

// DeleteEntity removes one record. A 204 means success.
func (c *DataClient) DeleteEntity(ctx context.Context, entitySet string, key odata.Key) error {
	if key.IsZero() {
		return api.NewError(api.ErrorKindKeyMismatch, entitySet, "a key is required")
	}
	schema := c.schema(ctx, entitySet)
	if err := checkWritable(entitySet, schema); err != nil {
		return err
	}
	if err := checkKeyCardinality(entitySet, schema, key); err != nil {
		return err
	}
	u, err := odata.BuildEntityURL(c.baseURL, entitySet, key, odata.EntityURLOptions{Schema: schema})
	if err != nil {
		return api.WrapError(api.ErrorKindEntityError, entitySet, err)
	}

	resp, err := c.transport.Do(ctx, http.MethodDelete, u, nil, nil)
	if err != nil {
		return err
	}
	if !resp.IsSuccess() {
		return classifyEntityError(entitySet, resp)
	}
	return nil
}

// ActionOptions bind an action to an entity set or a single instance.
type ActionOptions struct {
	EntitySet string
	Key       odata.Key
}

// CallAction invokes an OData action and returns the raw JSON result.
// Parameters marshal as the POST body; nil sends an empty parameter object.
func (c *DataClient) CallAction(ctx context.Context, actionName string, params any, opts ActionOptions) (Record, error) {
	var schema *api.PublicEntity
	if opts.EntitySet != "" {
		schema = c.schema(ctx, opts.EntitySet)
	}
	u, err := odata.BuildActionURL(c.baseURL, actionName, odata.ActionURLOptions{
		EntitySet: opts.EntitySet,
		Key:       opts.Key,
		Schema:    schema,
	})
	if err != nil {
		return nil, api.WrapError(api.ErrorKindActionError, actionName, err)
	}

	body := []byte("{}")
	if params != nil {
		if body, err = json.Marshal(params); err != nil {
			return nil, api.WrapError(api.ErrorKindActionError, actionName, err)
		}
	}
	resp, err := c.transport.Do(ctx, http.MethodPost, u, body, nil)
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		if resp.StatusCode == http.StatusNotFound {
			return nil, api.NewHTTPError(api.ErrorKindNotFound, actionName, resp.StatusCode, string(resp.Body))
		}
		return nil, api.NewHTTPError(api.ErrorKindActionError, actionName, resp.StatusCode, string(resp.Body))
	}
	return Record(resp.Body), nil
}

// checkWritable rejects writes against entities the schema marks read-only.
// Without a cached schema the server remains the authority.
func checkWritable(entitySet string, schema *api.PublicEntity) error {
	if schema != nil && schema.IsReadOnly {
		return api.NewError(api.ErrorKindReadOnlyEntity, entitySet, "entity is read-only")
	}
	return nil
}

// checkKeyCardinality rejects composite keys whose field count disagrees
// with the schema's key property count.
func checkKeyCardinality(entitySet string, schema *api.PublicEntity, key odata.Key) error {
	if schema == nil || !key.IsComposite() {
		return nil
	}
	want := len(schema.KeyProperties())
	if want > 0 && key.FieldCount() != want {
		return api.NewError(api.ErrorKindKeyMismatch, entitySet,
			"key has %d fields, entity declares %d key properties", key.FieldCount(), want)
	}
	return nil
}

// classifyEntityError maps a terminal HTTP status onto a typed error kind.
func classifyEntityError(target string, resp *session.Response) error {
	kind := api.ErrorKindEntityError
	switch resp.StatusCode {
	case http.StatusNotFound:
		kind = api.ErrorKindNotFound
	case http.StatusConflict:
		kind = api.ErrorKindConflict
	case http.StatusBadRequest:
		kind = api.ErrorKindValidationFailed
	}
	return api.NewHTTPError(kind, target, resp.StatusCode, string(resp.Body))
}

func representationHeader() http.Header {
	h := http.Header{}
	h.Set("Prefer", "return=representation")
	return h
}

func decodeCollection(target string, body []byte) (*api.Collection[Record], error) {
	var out api.Collection[Record]
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, api.WrapError(api.ErrorKindEntityError, target, err)
	}
	return &out, nil
}
