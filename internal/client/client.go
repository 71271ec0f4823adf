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

// Package client implements the typed operations of the D365 F&O client:
// entity CRUD against the /data endpoint, the /Metadata sub-API, label
// resolution and environment version detection. All operations go through
// an injected Transport so they compose with the retrying session.
package client

import (
	"context"
	"net/http"

	"github.com/microsoft/d365fo-go/internal/api"
	"github.com/microsoft/d365fo-go/internal/session"
)

// Transport issues one authenticated HTTP request. *session.Session is the
// production implementation.
type Transport interface {
	Do(ctx context.Context, method, url string, body []byte, header http.Header) (*session.Response, error)
}

// SchemaSource supplies cached entity schemas for key encoding and write
// pre-flight checks. Implementations return nil when no schema is cached;
// operations then fall back to schema-less behavior.
type SchemaSource interface {
	EntitySchema(ctx context.Context, entitySet string) *api.PublicEntity
}

// SchemaSourceFunc adapts a function to SchemaSource.
type SchemaSourceFunc func(ctx context.Context, entitySet string) *api.PublicEntity

func (f SchemaSourceFunc) EntitySchema(ctx context.Context, entitySet string) *api.PublicEntity {
	return f(ctx, entitySet)
}
