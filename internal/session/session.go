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

// Package session wraps a pooled HTTP client with bearer-token injection,
// bounded concurrency and retry on transient failures.
package session

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"

	"github.com/microsoft/d365fo-go/internal/api"
	"github.com/microsoft/d365fo-go/internal/auth"
	"github.com/microsoft/d365fo-go/internal/metrics"
)

const (
	acceptJSON = "application/json;odata.metadata=minimal"
	acceptXML  = "application/xml"

	defaultTimeout               = 60 * time.Second
	defaultMaxConcurrentRequests = 10

	retryInitialInterval = 500 * time.Millisecond
	retryMaxInterval     = 15 * time.Second
	retryMaxAttempts     = 5
)

// Options configure a Session from the owning profile.
type Options struct {
	// VerifySSL disables TLS verification when false. Sandbox environments
	// occasionally run with self-signed certificates.
	VerifySSL bool

	// Timeout applies per request, not per sync session.
	Timeout time.Duration

	// MaxConcurrentRequests bounds in-flight requests. Default 10.
	MaxConcurrentRequests int
}

// Response is the terminal outcome of a request after retries.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// IsSuccess reports a 2xx status.
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Session issues authenticated requests against one environment.
type Session struct {
	client  *http.Client
	tokens  *auth.Provider
	sem     chan struct{}
	logger  logr.Logger
	metrics *metrics.Emitter

	// schedule builds the per-request retry policy. Tests swap it for a
	// fast one.
	schedule func() backoff.BackOff
}

// New builds a Session around the token provider.
func New(opts Options, tokens *auth.Provider, logger logr.Logger, em *metrics.Emitter) *Session {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxConcurrent := opts.MaxConcurrentRequests
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrentRequests
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = maxConcurrent
	if !opts.VerifySSL {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &Session{
		client:   &http.Client{Transport: transport, Timeout: timeout},
		tokens:   tokens,
		sem:      make(chan struct{}, maxConcurrent),
		logger:   logger,
		metrics:  em,
		schedule: newRetrySchedule,
	}
}

// Close releases idle connections.
func (s *Session) Close() {
	s.client.CloseIdleConnections()
}

// Do issues one request with token injection and the retry policy:
// 401 refreshes the token once and retries, 429 and 503 retry with capped
// exponential backoff, transport errors consume the same retry budget.
// Any other status is returned to the caller for classification.
func (s *Session) Do(ctx context.Context, method, url string, body []byte, header http.Header) (*Response, error) {
	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var (
		resp           *Response
		lastTransient  *Response
		refreshedToken bool
	)

	schedule := backoff.WithContext(s.schedule(), ctx)
	attempt := 0
	operation := func() error {
		attempt++
		r, err := s.doOnce(ctx, method, url, body, header)
		if err != nil {
			s.logger.V(1).Info("request failed, retrying", "method", method, "url", url, "attempt", attempt, "error", err.Error())
			s.metrics.ObserveRetry()
			return err
		}
		if r.StatusCode == http.StatusUnauthorized && !refreshedToken {
			refreshedToken = true
			s.tokens.Invalidate()
			s.metrics.ObserveRetry()
			return fmt.Errorf("unauthorized, retrying with fresh token")
		}
		if r.StatusCode == http.StatusTooManyRequests || r.StatusCode == http.StatusServiceUnavailable {
			lastTransient = r
			s.logger.V(1).Info("transient status, retrying", "status", r.StatusCode, "attempt", attempt)
			s.metrics.ObserveRetry()
			return fmt.Errorf("transient status %d", r.StatusCode)
		}
		resp = r
		return nil
	}

	if err := backoff.Retry(operation, schedule); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var apiErr *api.Error
		if errors.As(err, &apiErr) {
			return nil, err
		}
		if lastTransient != nil {
			// Callers see the status that exhausted the retries, not just
			// a generic message.
			return nil, api.NewHTTPError(api.ErrorKindNetworkError, url,
				lastTransient.StatusCode, string(lastTransient.Body))
		}
		return nil, api.WrapError(api.ErrorKindNetworkError, url, err)
	}
	s.metrics.ObserveRequest(method, statusClass(resp.StatusCode))
	return resp, nil
}

func (s *Session) doOnce(ctx context.Context, method, url string, body []byte, header http.Header) (*Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	for k, vv := range header {
		for _, v := range vv {
			req.Header.Add(k, v)
		}
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", defaultAccept(url))
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	token, err := s.tokens.Token(ctx)
	if err != nil {
		// Auth failures are terminal for the request.
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	httpResp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = httpResp.Body.Close() }()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, err
	}
	return &Response{StatusCode: httpResp.StatusCode, Header: httpResp.Header, Body: data}, nil
}

// defaultAccept returns XML only for the raw OData $metadata endpoint.
func defaultAccept(url string) string {
	trimmed := url
	if i := strings.IndexByte(trimmed, '?'); i >= 0 {
		trimmed = trimmed[:i]
	}
	if strings.HasSuffix(trimmed, "/data/$metadata") {
		return acceptXML
	}
	return acceptJSON
}

func newRetrySchedule() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInitialInterval
	b.Multiplier = 2
	b.MaxInterval = retryMaxInterval
	b.RandomizationFactor = 0
	return backoff.WithMaxRetries(b, retryMaxAttempts-1)
}

func statusClass(code int) string {
	return fmt.Sprintf("%dxx", code/100)
}
