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

package database

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microsoft/d365fo-go/internal/api"
)

func TestLabelRoundTrip(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.SetLabel(ctx, "@SYS1234", "en-US", "Customer", time.Hour))

	got, err := c.GetLabel(ctx, "@SYS1234", "en-US")
	require.NoError(t, err)
	assert.Equal(t, "Customer", got)

	// Language is part of the key.
	_, err = c.GetLabel(ctx, "@SYS1234", "de-DE")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLabelExpiry(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.SetLabel(ctx, "@SYS1", "en-US", "Old", -time.Minute))
	_, err := c.GetLabel(ctx, "@SYS1", "en-US")
	assert.ErrorIs(t, err, ErrNotFound)

	swept, err := c.SweepExpiredLabels(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), swept)
}

func TestLabelNoExpiry(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.SetLabel(ctx, "@SYS2", "en-US", "Keep", 0))
	got, err := c.GetLabel(ctx, "@SYS2", "en-US")
	require.NoError(t, err)
	assert.Equal(t, "Keep", got)

	swept, err := c.SweepExpiredLabels(ctx)
	require.NoError(t, err)
	assert.Zero(t, swept)
}

func TestSetLabelsBatchAndGetBatch(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	labels := []api.Label{
		{ID: "@SYS1", Language: "en-US", Value: "One"},
		{ID: "@SYS2", Language: "en-US", Value: "Two"},
	}
	require.NoError(t, c.SetLabels(ctx, labels, time.Hour))

	got, err := c.GetLabelsBatch(ctx, []string{"@SYS1", "@SYS2", "@SYS3"}, "en-US")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"@SYS1": "One", "@SYS2": "Two"}, got)

	n, err := c.CountLabels(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSetLabelLastWriterWins(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.SetLabel(ctx, "@SYS1", "en-US", "First", time.Hour))
	require.NoError(t, c.SetLabel(ctx, "@SYS1", "en-US", "Second", time.Hour))

	got, err := c.GetLabel(ctx, "@SYS1", "en-US")
	require.NoError(t, err)
	assert.Equal(t, "Second", got)
}
