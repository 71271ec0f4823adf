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

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microsoft/d365fo-go/internal/api"
)

func TestApplyDefaults(t *testing.T) {
	p := &Profile{Name: "dev", BaseURL: "https://env.dynamics.com"}
	require.NoError(t, p.ApplyDefaults())

	require.NotNil(t, p.VerifySSL)
	assert.True(t, *p.VerifySSL)
	assert.Equal(t, 60*time.Second, p.Timeout())
	assert.Equal(t, 10, p.MaxConcurrentRequests)
	assert.Equal(t, "en-US", p.Language)
	assert.Equal(t, 7*24*time.Hour, p.LabelCacheExpiry())
}

func TestApplyDefaultsKeepsExplicitValues(t *testing.T) {
	p := &Profile{
		Name:           "dev",
		BaseURL:        "https://env.dynamics.com",
		VerifySSL:      boolPtr(false),
		TimeoutSeconds: 5,
		Language:       "de-DE",
	}
	require.NoError(t, p.ApplyDefaults())

	// An explicit false is not overwritten by the default true.
	assert.False(t, *p.VerifySSL)
	assert.Equal(t, 5*time.Second, p.Timeout())
	assert.Equal(t, "de-DE", p.Language)
}

func TestValidateRejectsMissingBaseURL(t *testing.T) {
	p := &Profile{Name: "dev"}
	require.NoError(t, p.ApplyDefaults())
	err := p.Validate()
	assert.True(t, api.IsKind(err, api.ErrorKindValidationFailed))
}

func TestLabelCacheExpiryDisabled(t *testing.T) {
	p := &Profile{Name: "dev", BaseURL: "https://env.dynamics.com", UseLabelCache: boolPtr(false)}
	require.NoError(t, p.ApplyDefaults())
	assert.Zero(t, p.LabelCacheExpiry())
}

func TestFromEnvironment(t *testing.T) {
	t.Setenv(EnvBaseURL, "https://env.dynamics.com")
	t.Setenv(EnvTenantID, "tenant")
	t.Setenv(EnvClientID, "client")
	t.Setenv(EnvClientSecret, "secret")

	p, err := FromEnvironment()
	require.NoError(t, err)
	assert.Equal(t, "https://env.dynamics.com", p.BaseURL)
	require.NotNil(t, p.CredentialSource)
	assert.Equal(t, "tenant", p.CredentialSource.TenantID)
}

func TestFromEnvironmentPartialCredentialsUseDefaultChain(t *testing.T) {
	t.Setenv(EnvBaseURL, "https://env.dynamics.com")
	t.Setenv(EnvTenantID, "tenant")
	t.Setenv(EnvClientID, "")
	t.Setenv(EnvClientSecret, "")

	p, err := FromEnvironment()
	require.NoError(t, err)
	assert.Nil(t, p.CredentialSource)
}

func TestFromEnvironmentMissingBaseURLFails(t *testing.T) {
	t.Setenv(EnvBaseURL, "")
	_, err := FromEnvironment()
	assert.True(t, api.IsKind(err, api.ErrorKindValidationFailed))
}
