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

package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microsoft/d365fo-go/internal/api"
	"github.com/microsoft/d365fo-go/internal/auth"
	"github.com/microsoft/d365fo-go/internal/logging"
)

type staticCredential struct {
	tokens atomic.Int64
}

func (c *staticCredential) GetToken(ctx context.Context, opts policy.TokenRequestOptions) (azcore.AccessToken, error) {
	n := c.tokens.Add(1)
	return azcore.AccessToken{
		Token:     "tok-" + string(rune('0'+n)),
		ExpiresOn: time.Now().Add(time.Hour),
	}, nil
}

func newTestSession(t *testing.T) (*Session, *staticCredential) {
	t.Helper()
	cred := &staticCredential{}
	tokens := auth.NewProviderWithCredential("https://x.example.com", cred, nil)
	return New(Options{VerifySSL: true}, tokens, logging.Discard(), nil), cred
}

func TestDoInjectsBearerAndAccept(t *testing.T) {
	var gotAuth, gotAccept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAccept = r.Header.Get("Accept")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s, _ := newTestSession(t)
	resp, err := s.Do(context.Background(), http.MethodGet, srv.URL+"/data/Customers", nil, nil)
	require.NoError(t, err)
	assert.True(t, resp.IsSuccess())
	assert.Equal(t, "Bearer tok-1", gotAuth)
	assert.Equal(t, acceptJSON, gotAccept)
}

func TestDoXMLAcceptForMetadataDocument(t *testing.T) {
	var gotAccept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAccept = r.Header.Get("Accept")
	}))
	defer srv.Close()

	s, _ := newTestSession(t)
	_, err := s.Do(context.Background(), http.MethodGet, srv.URL+"/data/$metadata", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, acceptXML, gotAccept)
}

func TestDoRefreshesTokenOnceOn401(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s, cred := newTestSession(t)
	resp, err := s.Do(context.Background(), http.MethodGet, srv.URL+"/data/Customers", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(2), calls.Load())
	assert.Equal(t, int64(2), cred.tokens.Load())
}

func TestDoSecond401IsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	s, _ := newTestSession(t)
	resp, err := s.Do(context.Background(), http.MethodGet, srv.URL+"/data/Customers", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestDoRetriesOn503(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s, _ := newTestSession(t)
	resp, err := s.Do(context.Background(), http.MethodGet, srv.URL+"/data/Customers", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(3), calls.Load())
}

func TestDoRetryExhaustionCarriesLastStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "throttled", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s, _ := newTestSession(t)
	s.schedule = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = time.Millisecond
		b.MaxInterval = time.Millisecond
		return backoff.WithMaxRetries(b, 2)
	}

	_, err := s.Do(context.Background(), http.MethodGet, srv.URL+"/data/Customers", nil, nil)
	require.Error(t, err)
	var apiErr *api.Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, api.ErrorKindNetworkError, apiErr.Kind)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
	assert.Contains(t, apiErr.Body, "throttled")
}

func TestDoTerminalErrorStatusReturnedToCaller(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"code":"BadRequest"}}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	s, _ := newTestSession(t)
	resp, err := s.Do(context.Background(), http.MethodGet, srv.URL+"/data/Customers", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(resp.Body), "BadRequest")
}

func TestDoHonorsContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s, _ := newTestSession(t)
	_, err := s.Do(ctx, http.MethodGet, srv.URL+"/data/Customers", nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
