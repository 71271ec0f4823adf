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
	"net/http"
	"sync"

	"github.com/microsoft/d365fo-go/internal/api"
	"github.com/microsoft/d365fo-go/internal/session"
)

const testBaseURL = "https://env.dynamics.com"

// recordedRequest is one call captured by fakeTransport.
type recordedRequest struct {
	Method string
	URL    string
	Body   []byte
	Header http.Header
}

// fakeTransport scripts responses by handler and records every request.
type fakeTransport struct {
	mu       sync.Mutex
	handler  func(method, url string, body []byte) (*session.Response, error)
	requests []recordedRequest
}

func (f *fakeTransport) Do(_ context.Context, method, url string, body []byte, header http.Header) (*session.Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, recordedRequest{Method: method, URL: url, Body: body, Header: header})
	f.mu.Unlock()
	return f.handler(method, url, body)
}

func (f *fakeTransport) recorded() []recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedRequest(nil), f.requests...)
}

func jsonResponse(status int, body string) (*session.Response, error) {
	return &session.Response{StatusCode: status, Header: http.Header{}, Body: []byte(body)}, nil
}

// journalSchema is a two-field composite-key schema used across CRUD tests.
func journalSchema() *api.PublicEntity {
	return &api.PublicEntity{
		Name:          "LedgerJournalLine",
		EntitySetName: "JournalLines",
		Properties: []api.Property{
			{Name: "JournalId", TypeName: "Edm.String", DataType: api.XppTypeString, IsKey: true, PropertyOrder: 1},
			{Name: "LineNum", TypeName: "Edm.Int64", DataType: api.XppTypeInt64, IsKey: true, PropertyOrder: 2},
		},
	}
}

func staticSchemas(schemas map[string]*api.PublicEntity) SchemaSource {
	return SchemaSourceFunc(func(_ context.Context, entitySet string) *api.PublicEntity {
		return schemas[entitySet]
	})
}
