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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/go-logr/logr"
	"gopkg.in/yaml.v3"
)

// ErrProfileNotFound is returned for lookups of unknown profile names.
var ErrProfileNotFound = errors.New("profile not found")

// Store persists profiles as a YAML file. Every operation reads the file
// fresh; the store holds no cross-call state beyond the path.
type Store struct {
	path   string
	logger logr.Logger
}

// NewStore builds a Store at path.
func NewStore(path string, logger logr.Logger) *Store {
	return &Store{path: path, logger: logger}
}

// DefaultStorePath is ~/.d365fo-client/config.yaml.
func DefaultStorePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".d365fo-client", "config.yaml"), nil
}

// profileRecord is the on-disk profile shape. It accepts both current and
// legacy field names; Save writes only current names.
type profileRecord struct {
	Profile `yaml:",inline"`

	// Legacy names migrated on load.
	LegacyLabelCache   *bool  `yaml:"label_cache,omitempty"`
	LegacyLabelExpiry  int    `yaml:"label_expiry,omitempty"`
	LegacyTenantID     string `yaml:"tenant_id,omitempty"`
	LegacyClientID     string `yaml:"client_id,omitempty"`
	LegacyClientSecret string `yaml:"client_secret,omitempty"`
}

type storeFile struct {
	Profiles       map[string]*profileRecord `yaml:"profiles"`
	Descriptions   map[string]string         `yaml:"descriptions,omitempty"`
	DefaultProfile string                    `yaml:"default_profile,omitempty"`
}

func (s *Store) load() (*storeFile, error) {
	f := &storeFile{Profiles: map[string]*profileRecord{}, Descriptions: map[string]string{}}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading profile store: %w", err)
	}
	if err := yaml.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("parsing profile store: %w", err)
	}
	if f.Profiles == nil {
		f.Profiles = map[string]*profileRecord{}
	}
	if f.Descriptions == nil {
		f.Descriptions = map[string]string{}
	}
	return f, nil
}

func (s *Store) save(f *storeFile) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("creating profile store directory: %w", err)
	}
	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("encoding profile store: %w", err)
	}
	// Profiles can carry secrets; keep the file private.
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("writing profile store: %w", err)
	}
	return nil
}

// migrate normalizes a loaded record to the current field set.
func (r *profileRecord) migrate(name, description string) *Profile {
	p := r.Profile
	p.Name = name
	if p.Description == "" {
		p.Description = description
	}
	if p.UseLabelCache == nil && r.LegacyLabelCache != nil {
		p.UseLabelCache = r.LegacyLabelCache
	}
	if p.LabelCacheExpiryMinutes == 0 && r.LegacyLabelExpiry != 0 {
		p.LabelCacheExpiryMinutes = r.LegacyLabelExpiry
	}
	if p.CredentialSource == nil && r.LegacyTenantID != "" && r.LegacyClientID != "" && r.LegacyClientSecret != "" {
		p.CredentialSource = &CredentialSource{
			TenantID:     r.LegacyTenantID,
			ClientID:     r.LegacyClientID,
			ClientSecret: r.LegacyClientSecret,
		}
	}
	return &p
}

// GetProfile loads one profile by name with legacy fields normalized and
// defaults applied.
func (s *Store) GetProfile(name string) (*Profile, error) {
	f, err := s.load()
	if err != nil {
		return nil, err
	}
	r, ok := f.Profiles[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrProfileNotFound)
	}
	p := r.migrate(name, f.Descriptions[name])
	if err := p.ApplyDefaults(); err != nil {
		return nil, err
	}
	return p, nil
}

// SetProfile validates and persists a profile under its name.
func (s *Store) SetProfile(p *Profile) error {
	merged := *p
	if err := merged.ApplyDefaults(); err != nil {
		return err
	}
	if err := merged.Validate(); err != nil {
		return err
	}
	f, err := s.load()
	if err != nil {
		return err
	}
	f.Profiles[p.Name] = &profileRecord{Profile: *p}
	if p.Description != "" {
		f.Descriptions[p.Name] = p.Description
	} else {
		delete(f.Descriptions, p.Name)
	}
	return s.save(f)
}

// DeleteProfile removes a profile; the default pointer is cleared when it
// referenced the removed profile.
func (s *Store) DeleteProfile(name string) error {
	f, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := f.Profiles[name]; !ok {
		return fmt.Errorf("%q: %w", name, ErrProfileNotFound)
	}
	delete(f.Profiles, name)
	delete(f.Descriptions, name)
	if f.DefaultProfile == name {
		f.DefaultProfile = ""
	}
	return s.save(f)
}

// ListProfiles returns profile names sorted.
func (s *Store) ListProfiles() ([]string, error) {
	f, err := s.load()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(f.Profiles))
	for name := range f.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// SetDefaultProfile points the store at an existing profile.
func (s *Store) SetDefaultProfile(name string) error {
	f, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := f.Profiles[name]; !ok {
		return fmt.Errorf("%q: %w", name, ErrProfileNotFound)
	}
	f.DefaultProfile = name
	return s.save(f)
}

// GetDefaultProfile resolves the default pointer. Returns ErrProfileNotFound
// when no default is set.
func (s *Store) GetDefaultProfile() (*Profile, error) {
	f, err := s.load()
	if err != nil {
		return nil, err
	}
	if f.DefaultProfile == "" {
		return nil, fmt.Errorf("no default profile: %w", ErrProfileNotFound)
	}
	return s.GetProfile(f.DefaultProfile)
}
