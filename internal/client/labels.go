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
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/microsoft/d365fo-go/internal/api"
)

// DefaultLanguage is the label language used when the caller does not pick
// one.
const DefaultLanguage = "en-US"

// labelFetchConcurrency bounds parallel single-label fetches during a batch.
// The remote API has no batch label endpoint.
const labelFetchConcurrency = 8

// LabelStore is the cache side of label resolution. *database.Cache is the
// production implementation; a nil store disables caching.
type LabelStore interface {
	GetLabel(ctx context.Context, labelID, language string) (string, error)
	SetLabel(ctx context.Context, labelID, language, text string, ttl time.Duration) error
	SetLabels(ctx context.Context, labels []api.Label, ttl time.Duration) error
	GetLabelsBatch(ctx context.Context, labelIDs []string, language string) (map[string]string, error)
}

// LabelClient resolves label IDs to display text, reading through the cache.
type LabelClient struct {
	transport Transport
	baseURL   string
	store     LabelStore
	ttl       time.Duration
	logger    logr.Logger
}

// NewLabelClient builds a LabelClient. store may be nil to disable caching;
// ttl <= 0 caches without expiry.
func NewLabelClient(transport Transport, baseURL string, store LabelStore, ttl time.Duration, logger logr.Logger) *LabelClient {
	return &LabelClient{transport: transport, baseURL: baseURL, store: store, ttl: ttl, logger: logger}
}

// GetLabelText resolves one label. The second return is false when the
// label does not exist on the server; a missing label is not an error and
// is never cached.
func (l *LabelClient) GetLabelText(ctx context.Context, labelID, language string) (string, bool, error) {
	if labelID == "" {
		return "", false, nil
	}
	if language == "" {
		language = DefaultLanguage
	}
	if l.store != nil {
		if text, err := l.store.GetLabel(ctx, labelID, language); err == nil {
			return text, true, nil
		}
	}
	text, found, err := l.fetchLabel(ctx, labelID, language)
	if err != nil || !found {
		return "", false, err
	}
	if l.store != nil {
		if err := l.store.SetLabel(ctx, labelID, language, text, l.ttl); err != nil {
			l.logger.V(1).Info("label cache write failed", "labelId", labelID, "error", err.Error())
		}
	}
	return text, true, nil
}

// GetLabelsBatch resolves many labels, partitioning into cached and
// uncached and fetching the uncached set with bounded concurrency. Missing
// labels are absent from the result map.
func (l *LabelClient) GetLabelsBatch(ctx context.Context, labelIDs []string, language string) (map[string]string, error) {
	if language == "" {
		language = DefaultLanguage
	}
	unique := dedupeLabelIDs(labelIDs)
	out := make(map[string]string, len(unique))
	if len(unique) == 0 {
		return out, nil
	}

	if l.store != nil {
		cached, err := l.store.GetLabelsBatch(ctx, unique, language)
		if err != nil {
			l.logger.V(1).Info("label cache read failed", "error", err.Error())
		} else {
			for id, text := range cached {
				out[id] = text
			}
		}
	}

	var missing []string
	for _, id := range unique {
		if _, ok := out[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return out, nil
	}

	var (
		mu      sync.Mutex
		fetched []api.Label
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(labelFetchConcurrency)
	for _, id := range missing {
		id := id
		g.Go(func() error {
			text, found, err := l.fetchLabel(gctx, id, language)
			if err != nil || !found {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			out[id] = text
			fetched = append(fetched, api.Label{ID: id, Language: language, Value: text})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if l.store != nil && len(fetched) > 0 {
		if err := l.store.SetLabels(ctx, fetched, l.ttl); err != nil {
			l.logger.V(1).Info("label cache bulk write failed", "count", len(fetched), "error", err.Error())
		}
	}
	return out, nil
}

// ResolveEntityLabels fills the LabelText fields of an entity and its
// properties with one batched lookup.
func (l *LabelClient) ResolveEntityLabels(ctx context.Context, entity *api.PublicEntity, language string) error {
	ids := []string{entity.LabelID}
	for _, p := range entity.Properties {
		ids = append(ids, p.LabelID)
	}
	texts, err := l.GetLabelsBatch(ctx, ids, language)
	if err != nil {
		return err
	}
	entity.LabelText = texts[entity.LabelID]
	for i := range entity.Properties {
		entity.Properties[i].LabelText = texts[entity.Properties[i].LabelID]
	}
	return nil
}

// ResolveEnumerationLabels fills the LabelText fields of an enumeration
// and its members.
func (l *LabelClient) ResolveEnumerationLabels(ctx context.Context, enum *api.Enumeration, language string) error {
	ids := []string{enum.LabelID}
	for _, m := range enum.Members {
		ids = append(ids, m.LabelID)
	}
	texts, err := l.GetLabelsBatch(ctx, ids, language)
	if err != nil {
		return err
	}
	enum.LabelText = texts[enum.LabelID]
	for i := range enum.Members {
		enum.Members[i].LabelText = texts[enum.Members[i].LabelID]
	}
	return nil
}

// ResolveDataEntityLabels fills the LabelText field of each catalog row.
func (l *LabelClient) ResolveDataEntityLabels(ctx context.Context, entities []api.DataEntity, language string) error {
	ids := make([]string, 0, len(entities))
	for _, e := range entities {
		ids = append(ids, e.LabelID)
	}
	texts, err := l.GetLabelsBatch(ctx, ids, language)
	if err != nil {
		return err
	}
	for i := range entities {
		entities[i].LabelText = texts[entities[i].LabelID]
	}
	return nil
}

// fetchLabel reads one label from the Metadata API. A 404 reports absence.
func (l *LabelClient) fetchLabel(ctx context.Context, labelID, language string) (string, bool, error) {
	u := strings.TrimRight(l.baseURL, "/") + "/Metadata/Labels(Id=" + quoteLabelComponent(labelID) +
		",Language=" + quoteLabelComponent(language) + ")"
	resp, err := l.transport.Do(ctx, http.MethodGet, u, nil, nil)
	if err != nil {
		return "", false, err
	}
	if resp.StatusCode == http.StatusNotFound {
		return "", false, nil
	}
	if !resp.IsSuccess() {
		return "", false, api.NewHTTPError(api.ErrorKindLabelError, labelID, resp.StatusCode, string(resp.Body))
	}
	var payload struct {
		Value string `json:"Value"`
	}
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		return "", false, api.WrapError(api.ErrorKindLabelError, labelID, err)
	}
	return payload.Value, true, nil
}

func quoteLabelComponent(v string) string {
	return "'" + url.PathEscape(strings.ReplaceAll(v, "'", "''")) + "'"
}

// dedupeLabelIDs drops empties and duplicates while preserving order.
func dedupeLabelIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
