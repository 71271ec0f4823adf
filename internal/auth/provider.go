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

// Package auth acquires and caches OAuth2 tokens for D365 F&O. Two
// credential variants are supported: the default Azure credential chain
// (environment, managed identity, developer tooling) and explicit client
// credentials against a tenant's token endpoint.
package auth

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"

	"github.com/microsoft/d365fo-go/internal/api"
	"github.com/microsoft/d365fo-go/internal/metrics"
)

// refreshSkew renews tokens this long before their reported expiry.
const refreshSkew = 5 * time.Minute

// ClientCredentials identifies an explicit service principal. A nil value
// selects the default credential chain.
type ClientCredentials struct {
	TenantID     string
	ClientID     string
	ClientSecret string
}

// Provider hands out bearer tokens scoped to one environment base URL,
// caching the current token and coalescing concurrent refreshes.
type Provider struct {
	credential azcore.TokenCredential
	scopes     []string
	metrics    *metrics.Emitter

	mu    sync.Mutex
	token azcore.AccessToken
}

// NewProvider builds a Provider for baseURL. creds selects the credential
// variant; nil means the default chain.
func NewProvider(baseURL string, creds *ClientCredentials, em *metrics.Emitter) (*Provider, error) {
	var (
		credential azcore.TokenCredential
		err        error
	)
	if creds == nil {
		credential, err = azidentity.NewDefaultAzureCredential(nil)
	} else {
		credential, err = azidentity.NewClientSecretCredential(
			creds.TenantID, creds.ClientID, creds.ClientSecret, nil)
	}
	if err != nil {
		return nil, api.WrapError(api.ErrorKindAuthFailed, baseURL, err)
	}
	return NewProviderWithCredential(baseURL, credential, em), nil
}

// NewProviderWithCredential builds a Provider around an injected
// credential. Used by tests and by hosts that manage credentials
// themselves.
func NewProviderWithCredential(baseURL string, credential azcore.TokenCredential, em *metrics.Emitter) *Provider {
	return &Provider{
		credential: credential,
		scopes:     []string{Scope(baseURL)},
		metrics:    em,
	}
}

// Scope derives the OAuth2 scope for a D365 F&O environment URL.
func Scope(baseURL string) string {
	return strings.TrimRight(baseURL, "/") + "/.default"
}

// Token returns a valid bearer token, refreshing when the cached one is
// within the skew window of expiry. Concurrent callers observing an
// expired token coalesce on a single refresh.
func (p *Provider) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token.Token != "" && time.Until(p.token.ExpiresOn) > refreshSkew {
		return p.token.Token, nil
	}
	return p.refreshLocked(ctx)
}

// Invalidate drops the cached token so the next Token call refreshes. The
// session calls this after a 401.
func (p *Provider) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.token = azcore.AccessToken{}
}

func (p *Provider) refreshLocked(ctx context.Context) (string, error) {
	token, err := p.credential.GetToken(ctx, policy.TokenRequestOptions{Scopes: p.scopes})
	if err != nil {
		return "", api.WrapError(api.ErrorKindAuthFailed, p.scopes[0], err)
	}
	p.metrics.ObserveTokenRefresh()
	p.token = token
	return token.Token, nil
}
