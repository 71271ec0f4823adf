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

package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/microsoft/d365fo-go/internal/config"
	"github.com/microsoft/d365fo-go/internal/logging"
	"github.com/microsoft/d365fo-go/pkg/d365fo"
)

// ClientOptions selects the profile a command connects with.
type ClientOptions struct {
	ProfileName string
	ConfigFile  string
	BaseURL     string
}

func DefaultClientOptions() *ClientOptions {
	return &ClientOptions{}
}

func (o *ClientOptions) BindFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&o.ProfileName, "profile", "", "profile name from the config file")
	cmd.PersistentFlags().StringVar(&o.ConfigFile, "config", "", "config file path (default ~/.d365fo-client/config.yaml)")
	cmd.PersistentFlags().StringVar(&o.BaseURL, "base-url", "", "environment URL, overrides profile and environment variables")
}

func (o *ClientOptions) store() (*config.Store, error) {
	path := o.ConfigFile
	if path == "" {
		var err error
		path, err = config.DefaultStorePath()
		if err != nil {
			return nil, err
		}
	}
	return config.NewStore(path, logging.DefaultLogger()), nil
}

// ResolveProfile picks, in order: --base-url, --profile, the store's
// default profile, then D365FO_* environment variables.
func (o *ClientOptions) ResolveProfile() (*config.Profile, error) {
	if o.BaseURL != "" {
		p := &config.Profile{Name: "cli", BaseURL: o.BaseURL}
		if err := p.ApplyDefaults(); err != nil {
			return nil, err
		}
		return p, p.Validate()
	}

	store, err := o.store()
	if err != nil {
		return nil, err
	}
	if o.ProfileName != "" {
		return store.GetProfile(o.ProfileName)
	}
	p, err := store.GetDefaultProfile()
	if errors.Is(err, config.ErrProfileNotFound) {
		return config.FromEnvironment()
	}
	return p, err
}

// Client builds the facade client for the resolved profile.
func (o *ClientOptions) Client() (*d365fo.Client, error) {
	p, err := o.ResolveProfile()
	if err != nil {
		return nil, fmt.Errorf("resolving profile: %w", err)
	}
	return d365fo.New(p)
}
