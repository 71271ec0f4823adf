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

// Package d365fo is the public client for Microsoft Dynamics 365 Finance &
// Operations environments. A Client wires one profile's auth, HTTP session,
// metadata cache and sync engine together.
package d365fo

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"strings"
	gosync "sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/microsoft/d365fo-go/internal/api"
	"github.com/microsoft/d365fo-go/internal/auth"
	"github.com/microsoft/d365fo-go/internal/client"
	"github.com/microsoft/d365fo-go/internal/config"
	"github.com/microsoft/d365fo-go/internal/database"
	"github.com/microsoft/d365fo-go/internal/logging"
	"github.com/microsoft/d365fo-go/internal/metrics"
	"github.com/microsoft/d365fo-go/internal/odata"
	"github.com/microsoft/d365fo-go/internal/session"
	syncmgr "github.com/microsoft/d365fo-go/internal/sync"
)

// Option adjusts Client construction.
type Option func(*options)

type options struct {
	logger     logr.Logger
	loggerSet  bool
	credential azcore.TokenCredential
	registry   prometheus.Registerer
	cachePath  string
}

// WithLogger replaces the default JSON logger.
func WithLogger(logger logr.Logger) Option {
	return func(o *options) { o.logger = logger; o.loggerSet = true }
}

// WithCredential injects a token credential, bypassing the profile's
// credential source.
func WithCredential(credential azcore.TokenCredential) Option {
	return func(o *options) { o.credential = credential }
}

// WithMetrics registers the client's collectors with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) { o.registry = reg }
}

// WithCachePath overrides metadata cache file resolution. ":memory:" gives
// an ephemeral cache.
func WithCachePath(path string) Option {
	return func(o *options) { o.cachePath = path }
}

// Client is a per-profile D365 F&O client. It is safe for concurrent use.
type Client struct {
	profile  *config.Profile
	logger   logr.Logger
	metrics  *metrics.Emitter
	tokens   *auth.Provider
	session  *session.Session
	cache    *database.Cache
	data     *client.DataClient
	metadata *client.MetadataClient
	labels   *client.LabelClient
	detector *client.VersionDetector

	mu        gosync.Mutex
	envID     int64
	versionID int64
	syncMgr   *syncmgr.Manager
}

// New builds a Client from a profile. The profile is defaulted and
// validated; the metadata cache is opened eagerly so a broken cache
// directory surfaces here rather than mid-operation.
func New(profile *config.Profile, opts ...Option) (*Client, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if !o.loggerSet {
		o.logger = logging.DefaultLogger()
	}

	p := *profile
	if err := p.ApplyDefaults(); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	// A trailing slash would double up in every request path.
	p.BaseURL = strings.TrimRight(p.BaseURL, "/")

	var em *metrics.Emitter
	if o.registry != nil {
		em = metrics.New(o.registry)
	}

	tokens, err := newProvider(&p, o.credential, em)
	if err != nil {
		return nil, err
	}
	sess := session.New(session.Options{
		VerifySSL:             p.VerifySSL == nil || *p.VerifySSL,
		Timeout:               p.Timeout(),
		MaxConcurrentRequests: p.MaxConcurrentRequests,
	}, tokens, o.logger, em)

	cachePath := o.cachePath
	if cachePath == "" {
		cachePath, err = resolveCachePath(&p)
		if err != nil {
			sess.Close()
			return nil, err
		}
	}
	cache, err := database.Open(cachePath, o.logger)
	if err != nil {
		sess.Close()
		return nil, err
	}

	c := &Client{
		profile: &p,
		logger:  o.logger,
		metrics: em,
		tokens:  tokens,
		session: sess,
		cache:   cache,
	}

	var labelStore client.LabelStore
	if p.UseLabelCache == nil || *p.UseLabelCache {
		labelStore = cache
	}
	c.labels = client.NewLabelClient(sess, p.BaseURL, labelStore, p.LabelCacheExpiry(), o.logger)
	c.metadata = client.NewMetadataClient(sess, p.BaseURL, c.labels, o.logger)
	c.data = client.NewDataClient(sess, p.BaseURL, client.SchemaSourceFunc(c.cachedSchema), o.logger)
	c.detector = client.NewVersionDetector(c.data, p.ModuleEntity, o.logger)
	return c, nil
}

func newProvider(p *config.Profile, credential azcore.TokenCredential, em *metrics.Emitter) (*auth.Provider, error) {
	if credential != nil {
		return auth.NewProviderWithCredential(p.BaseURL, credential, em), nil
	}
	var creds *auth.ClientCredentials
	if cs := p.CredentialSource; cs != nil {
		creds = &auth.ClientCredentials{
			TenantID:     cs.TenantID,
			ClientID:     cs.ClientID,
			ClientSecret: cs.ClientSecret,
		}
	}
	return auth.NewProvider(p.BaseURL, creds, em)
}

func resolveCachePath(p *config.Profile) (string, error) {
	if p.CacheDir != "" {
		return filepath.Join(p.CacheDir, "metadata.db"), nil
	}
	return database.DefaultPath(p.BaseURL)
}

// cachedSchema serves schemas to the CRUD layer from the active version's
// cache. Best effort: before metadata initialization, or on any cache
// miss, the CRUD layer proceeds without a schema.
func (c *Client) cachedSchema(ctx context.Context, entitySet string) *api.PublicEntity {
	c.mu.Lock()
	versionID := c.versionID
	c.mu.Unlock()
	if versionID == 0 {
		return nil
	}
	if c.profile.UseCacheFirst != nil && !*c.profile.UseCacheFirst {
		return nil
	}
	schema, err := c.cache.GetPublicEntitySchema(ctx, versionID, entitySet)
	if err != nil {
		return nil
	}
	return schema
}

// Close releases the HTTP session and the cache handle. Running sync
// sessions keep their cache reference until they finish.
func (c *Client) Close() error {
	c.session.Close()
	return c.cache.Close()
}

// TestConnection probes the OData endpoint with a minimal request.
func (c *Client) TestConnection(ctx context.Context) error {
	u := odata.AppendQuery(c.profile.BaseURL+"/data", "$top=1")
	resp, err := c.session.Do(ctx, http.MethodGet, u, nil, nil)
	if err != nil {
		return err
	}
	if !resp.IsSuccess() {
		return api.NewHTTPError(api.ErrorKindNetworkError, u, resp.StatusCode, string(resp.Body))
	}
	return nil
}

// TestMetadataConnection probes the Metadata sub-API.
func (c *Client) TestMetadataConnection(ctx context.Context) error {
	u := odata.AppendQuery(c.profile.BaseURL+"/Metadata/DataEntities", "$top=1")
	resp, err := c.session.Do(ctx, http.MethodGet, u, nil, nil)
	if err != nil {
		return err
	}
	if !resp.IsSuccess() {
		return api.NewHTTPError(api.ErrorKindMetadataFetchFailed, u, resp.StatusCode, string(resp.Body))
	}
	return nil
}

// InitResult reports what InitializeMetadata decided.
type InitResult struct {
	GlobalVersionID int64
	IsNewVersion    bool
	MetadataReady   bool

	// SyncSessionID is set when a background sync was started.
	SyncSessionID string
	Strategy      syncmgr.Strategy
}

// InitializeMetadata detects the environment's version, registers it with
// the global version manager and starts a background sync when the cache
// does not already hold complete metadata for it. Non-blocking: observe the
// returned session through SyncManager().
func (c *Client) InitializeMetadata(ctx context.Context) (*InitResult, error) {
	env, err := c.cache.GetOrCreateEnvironment(ctx, c.profile.BaseURL, c.profile.Name)
	if err != nil {
		return nil, err
	}

	current, err := c.currentGlobalVersion(ctx, env.ID)
	if err != nil {
		return nil, err
	}
	info, err := c.detector.Detect(ctx, current)
	if err != nil {
		return nil, err
	}
	versionID, isNew, err := c.cache.RegisterModuleVersions(
		ctx, env.ID, info.ApplicationVersion, info.PlatformBuildVersion, info.Modules)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.envID = env.ID
	c.versionID = versionID
	if c.syncMgr == nil {
		c.syncMgr = syncmgr.NewManager(c.cache, c.metadata, c.labels, syncmgr.Options{
			EnvironmentID: env.ID,
			Language:      c.profile.Language,
		}, c.logger, c.metrics)
	}
	mgr := c.syncMgr
	c.mu.Unlock()

	result := &InitResult{GlobalVersionID: versionID, IsNewVersion: isNew}
	complete, err := c.cache.HasCompleteMetadata(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if complete {
		result.MetadataReady = true
		return result, nil
	}

	strategy, err := mgr.RecommendStrategy(ctx, versionID)
	if err != nil {
		return nil, err
	}
	sessionID, err := mgr.StartSyncSession(versionID, strategy, "initialize_metadata")
	if err != nil {
		return nil, err
	}
	result.SyncSessionID = sessionID
	result.Strategy = strategy
	return result, nil
}

func (c *Client) currentGlobalVersion(ctx context.Context, envID int64) (*api.GlobalVersion, error) {
	link, err := c.cache.GetCurrentVersionLink(ctx, envID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c.cache.GetGlobalVersion(ctx, link.GlobalVersionID)
}

// SyncManager exposes the sync session surface. Nil until
// InitializeMetadata has run.
func (c *Client) SyncManager() *syncmgr.Manager {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.syncMgr
}

// GlobalVersionID returns the active global version, zero before
// InitializeMetadata.
func (c *Client) GlobalVersionID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.versionID
}
