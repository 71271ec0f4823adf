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

	"github.com/go-logr/logr"
	goversion "github.com/hashicorp/go-version"

	"github.com/microsoft/d365fo-go/internal/api"
	"github.com/microsoft/d365fo-go/internal/odata"
)

// DefaultModuleEntity is the module-inventory entity set queried by the
// version detector. The server-side name varies by release, so it is
// configurable on the profile.
const DefaultModuleEntity = "InstalledModules"

// Unbound version actions exposed by every environment.
const (
	actionApplicationVersion      = "GetApplicationVersion"
	actionPlatformBuildVersion    = "GetPlatformBuildVersion"
	actionApplicationBuildVersion = "GetApplicationBuildVersion"
)

// VersionDetector reads an environment's version identity: three unbound
// version actions plus the installed-module inventory.
type VersionDetector struct {
	data         *DataClient
	moduleEntity string
	logger       logr.Logger
}

// NewVersionDetector builds a detector. moduleEntity overrides
// DefaultModuleEntity when non-empty.
func NewVersionDetector(data *DataClient, moduleEntity string, logger logr.Logger) *VersionDetector {
	if moduleEntity == "" {
		moduleEntity = DefaultModuleEntity
	}
	return &VersionDetector{data: data, moduleEntity: moduleEntity, logger: logger}
}

// Detect reads the environment's versions and module inventory. When the
// inventory cannot be retrieved but the version strings match the current
// global version, the environment is treated as unchanged and the current
// module list is carried over (degraded mode).
func (d *VersionDetector) Detect(ctx context.Context, current *api.GlobalVersion) (*api.VersionInfo, error) {
	info := &api.VersionInfo{}
	var err error
	if info.ApplicationVersion, err = d.callVersionAction(ctx, actionApplicationVersion); err != nil {
		return nil, err
	}
	if info.PlatformBuildVersion, err = d.callVersionAction(ctx, actionPlatformBuildVersion); err != nil {
		return nil, err
	}
	if info.ApplicationBuildVersion, err = d.callVersionAction(ctx, actionApplicationBuildVersion); err != nil {
		return nil, err
	}

	modules, err := d.GetInstalledModules(ctx)
	if err != nil {
		if current != nil &&
			versionsEqual(info.ApplicationVersion, current.ApplicationVersion) &&
			versionsEqual(info.PlatformBuildVersion, current.PlatformVersion) {
			d.logger.Info("module inventory unavailable, versions unchanged, keeping current module set",
				"entity", d.moduleEntity, "applicationVersion", info.ApplicationVersion)
			info.Modules = current.Modules
			return info, nil
		}
		return nil, err
	}
	info.Modules = modules
	return info, nil
}

// GetInstalledModules drains the module-inventory entity.
func (d *VersionDetector) GetInstalledModules(ctx context.Context) ([]api.ModuleVersion, error) {
	var modules []api.ModuleVersion
	page, err := d.data.GetEntities(ctx, d.moduleEntity, odata.QueryOptions{})
	for {
		if err != nil {
			return nil, err
		}
		for _, raw := range page.Value {
			var row struct {
				ModuleID    string `json:"ModuleId"`
				Name        string `json:"Name"`
				Version     string `json:"Version"`
				Publisher   string `json:"Publisher"`
				DisplayName string `json:"DisplayName"`
			}
			if err := json.Unmarshal(raw, &row); err != nil {
				return nil, api.WrapError(api.ErrorKindMetadataFetchFailed, d.moduleEntity, err)
			}
			moduleID := row.ModuleID
			if moduleID == "" {
				moduleID = row.Name
			}
			modules = append(modules, api.ModuleVersion{
				ModuleID:    moduleID,
				Name:        row.Name,
				Version:     row.Version,
				Publisher:   row.Publisher,
				DisplayName: row.DisplayName,
			})
		}
		if page.NextLink == "" {
			return modules, nil
		}
		page, err = d.data.GetNextPage(ctx, page.NextLink)
	}
}

func (d *VersionDetector) callVersionAction(ctx context.Context, name string) (string, error) {
	raw, err := d.data.CallAction(ctx, name, nil, ActionOptions{})
	if err != nil {
		return "", err
	}
	var payload struct {
		Value string `json:"value"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", api.WrapError(api.ErrorKindActionError, name, err)
	}
	return payload.Value, nil
}

// versionsEqual compares version strings semantically when both parse, so
// "10.0.38" equals "10.0.38.0". Unparseable strings fall back to equality.
func versionsEqual(a, b string) bool {
	va, errA := goversion.NewVersion(a)
	vb, errB := goversion.NewVersion(b)
	if errA == nil && errB == nil {
		return va.Equal(vb)
	}
	return a == b
}
