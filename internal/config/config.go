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

// Package config defines connection profiles, their defaults and
// validation, and the YAML profile store.
package config

import (
	"os"
	"time"

	"dario.cat/mergo"
	"github.com/go-playground/validator/v10"

	"github.com/microsoft/d365fo-go/internal/api"
)

// Environment variables consulted by FromEnvironment.
const (
	EnvBaseURL      = "D365FO_BASE_URL"
	EnvClientID     = "D365FO_CLIENT_ID"
	EnvClientSecret = "D365FO_CLIENT_SECRET"
	EnvTenantID     = "D365FO_TENANT_ID"
)

var validate = validator.New()

// CredentialSource holds explicit client credentials. A nil
// *CredentialSource on a profile selects the ambient default credential
// chain instead.
type CredentialSource struct {
	TenantID     string `yaml:"tenant_id" validate:"required"`
	ClientID     string `yaml:"client_id" validate:"required"`
	ClientSecret string `yaml:"client_secret" validate:"required"`
}

// Profile is one named connection configuration. Pointer booleans
// distinguish "unset" from an explicit false so defaults merge correctly.
type Profile struct {
	Name                    string            `yaml:"-" validate:"required"`
	Description             string            `yaml:"description,omitempty"`
	BaseURL                 string            `yaml:"base_url" validate:"required,url"`
	VerifySSL               *bool             `yaml:"verify_ssl,omitempty"`
	TimeoutSeconds          int               `yaml:"timeout_seconds,omitempty" validate:"gte=0"`
	MaxConcurrentRequests   int               `yaml:"max_concurrent_requests,omitempty" validate:"gte=0"`
	CredentialSource        *CredentialSource `yaml:"credential_source,omitempty"`
	UseLabelCache           *bool             `yaml:"use_label_cache,omitempty"`
	LabelCacheExpiryMinutes int               `yaml:"label_cache_expiry_minutes,omitempty" validate:"gte=0"`
	UseCacheFirst           *bool             `yaml:"use_cache_first,omitempty"`
	CacheDir                string            `yaml:"cache_dir,omitempty"`
	Language                string            `yaml:"language,omitempty"`
	ModuleEntity            string            `yaml:"module_entity,omitempty"`
}

func boolPtr(v bool) *bool { return &v }

// DefaultProfile returns the baseline every profile merges over.
func DefaultProfile() Profile {
	return Profile{
		VerifySSL:               boolPtr(true),
		TimeoutSeconds:          60,
		MaxConcurrentRequests:   10,
		UseLabelCache:           boolPtr(true),
		LabelCacheExpiryMinutes: 7 * 24 * 60,
		UseCacheFirst:           boolPtr(true),
		Language:                "en-US",
	}
}

// ApplyDefaults fills unset fields from DefaultProfile.
func (p *Profile) ApplyDefaults() error {
	defaults := DefaultProfile()
	return mergo.Merge(p, defaults)
}

// Validate checks the profile after defaults are applied.
func (p *Profile) Validate() error {
	if err := validate.Struct(p); err != nil {
		return api.WrapError(api.ErrorKindValidationFailed, p.Name, err)
	}
	return nil
}

// Timeout returns the per-request timeout.
func (p *Profile) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// LabelCacheExpiry returns the label TTL, zero when label caching is off.
func (p *Profile) LabelCacheExpiry() time.Duration {
	if p.UseLabelCache != nil && !*p.UseLabelCache {
		return 0
	}
	return time.Duration(p.LabelCacheExpiryMinutes) * time.Minute
}

// FromEnvironment builds a profile from D365FO_* variables. The credential
// source is set only when all three credential variables are present;
// otherwise the default credential chain applies.
func FromEnvironment() (*Profile, error) {
	p := &Profile{
		Name:    "environment",
		BaseURL: os.Getenv(EnvBaseURL),
	}
	tenantID := os.Getenv(EnvTenantID)
	clientID := os.Getenv(EnvClientID)
	clientSecret := os.Getenv(EnvClientSecret)
	if tenantID != "" && clientID != "" && clientSecret != "" {
		p.CredentialSource = &CredentialSource{
			TenantID:     tenantID,
			ClientID:     clientID,
			ClientSecret: clientSecret,
		}
	}
	if err := p.ApplyDefaults(); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}
