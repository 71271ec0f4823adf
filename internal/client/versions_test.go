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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microsoft/d365fo-go/internal/api"
	"github.com/microsoft/d365fo-go/internal/logging"
	"github.com/microsoft/d365fo-go/internal/session"
)

// versionTransport scripts the three version actions and the module entity.
func versionTransport(app, platform, appBuild string, modulesBody string, modulesStatus int) *fakeTransport {
	return &fakeTransport{handler: func(_, rawURL string, _ []byte) (*session.Response, error) {
		switch {
		case strings.Contains(rawURL, actionApplicationVersion):
			return jsonResponse(http.StatusOK, `{"value": "`+app+`"}`)
		case strings.Contains(rawURL, actionPlatformBuildVersion):
			return jsonResponse(http.StatusOK, `{"value": "`+platform+`"}`)
		case strings.Contains(rawURL, actionApplicationBuildVersion):
			return jsonResponse(http.StatusOK, `{"value": "`+appBuild+`"}`)
		case strings.Contains(rawURL, "/data/InstalledModules"):
			return jsonResponse(modulesStatus, modulesBody)
		}
		return jsonResponse(http.StatusNotFound, "")
	}}
}

func TestDetectReadsVersionsAndModules(t *testing.T) {
	ft := versionTransport("10.0.38", "7.0.7", "10.0.1725", `{"value": [
		{"ModuleId": "mA", "Name": "Module A", "Version": "1.0", "Publisher": "Microsoft"},
		{"Name": "Module B", "Version": "2.0"}
	]}`, http.StatusOK)
	d := NewVersionDetector(newTestDataClient(ft, nil), "", logging.Discard())

	info, err := d.Detect(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "10.0.38", info.ApplicationVersion)
	assert.Equal(t, "7.0.7", info.PlatformBuildVersion)
	assert.Equal(t, "10.0.1725", info.ApplicationBuildVersion)
	require.Len(t, info.Modules, 2)
	assert.Equal(t, "mA", info.Modules[0].ModuleID)
	// Rows without a ModuleId fall back to the name.
	assert.Equal(t, "Module B", info.Modules[1].ModuleID)
}

func TestDetectDegradedModeKeepsCurrentModules(t *testing.T) {
	ft := versionTransport("10.0.38", "7.0.7", "10.0.1725", `{"error": {}}`, http.StatusInternalServerError)
	d := NewVersionDetector(newTestDataClient(ft, nil), "", logging.Discard())

	current := &api.GlobalVersion{
		// Semantically equal to the live strings despite the extra zero.
		ApplicationVersion: "10.0.38.0",
		PlatformVersion:    "7.0.7",
		Modules:            []api.ModuleVersion{{ModuleID: "mA", Version: "1.0"}},
	}
	info, err := d.Detect(context.Background(), current)
	require.NoError(t, err)
	assert.Equal(t, current.Modules, info.Modules)
}

func TestDetectModuleFailureWithoutCurrentFails(t *testing.T) {
	ft := versionTransport("10.0.38", "7.0.7", "10.0.1725", `{"error": {}}`, http.StatusInternalServerError)
	d := NewVersionDetector(newTestDataClient(ft, nil), "", logging.Discard())

	_, err := d.Detect(context.Background(), nil)
	assert.True(t, api.IsKind(err, api.ErrorKindEntityError))
}

func TestDetectModuleFailureVersionChangedFails(t *testing.T) {
	ft := versionTransport("10.0.39", "7.0.8", "10.0.1800", `{"error": {}}`, http.StatusInternalServerError)
	d := NewVersionDetector(newTestDataClient(ft, nil), "", logging.Discard())

	current := &api.GlobalVersion{ApplicationVersion: "10.0.38", PlatformVersion: "7.0.7"}
	_, err := d.Detect(context.Background(), current)
	require.Error(t, err)
}

func TestGetInstalledModulesFollowsNextLink(t *testing.T) {
	ft := &fakeTransport{handler: func(_, rawURL string, _ []byte) (*session.Response, error) {
		if strings.Contains(rawURL, "$skiptoken") {
			return jsonResponse(http.StatusOK, `{"value": [{"ModuleId": "mB", "Version": "2.0"}]}`)
		}
		return jsonResponse(http.StatusOK, `{
			"@odata.nextLink": "`+testBaseURL+`/data/InstalledModules?$skiptoken=1",
			"value": [{"ModuleId": "mA", "Version": "1.0"}]
		}`)
	}}
	d := NewVersionDetector(newTestDataClient(ft, nil), "", logging.Discard())

	modules, err := d.GetInstalledModules(context.Background())
	require.NoError(t, err)
	require.Len(t, modules, 2)
	assert.Equal(t, "mB", modules[1].ModuleID)
}

func TestVersionsEqual(t *testing.T) {
	assert.True(t, versionsEqual("10.0.38", "10.0.38.0"))
	assert.False(t, versionsEqual("10.0.38", "10.0.39"))
	assert.True(t, versionsEqual("PU57", "PU57"))
	assert.False(t, versionsEqual("PU57", "PU58"))
}
