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

package odata

import (
	"net/url"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(n int) *int { return &n }

func TestBuildQueryString(t *testing.T) {
	tests := []struct {
		name string
		opts QueryOptions
		want string
	}{
		{
			name: "empty",
			want: "",
		},
		{
			name: "select joined",
			opts: QueryOptions{Select: []string{"Name", "CustomerAccount"}},
			want: "?$select=Name,CustomerAccount",
		},
		{
			name: "filter with spaces",
			opts: QueryOptions{Filter: "CustomerGroupId eq 'DOM'"},
			want: "?$filter=CustomerGroupId%20eq%20'DOM'",
		},
		{
			name: "filter with dataAreaId injects cross-company",
			opts: QueryOptions{Filter: "dataAreaId eq 'USMF' and CustomerGroupId eq 'DOM'"},
			want: "?$filter=dataAreaId%20eq%20'USMF'%20and%20CustomerGroupId%20eq%20'DOM'&cross-company=true",
		},
		{
			name: "paging and count",
			opts: QueryOptions{Top: intPtr(10), Skip: intPtr(20), Count: true},
			want: "?$top=10&$skip=20&$count=true",
		},
		{
			name: "orderby and expand",
			opts: QueryOptions{Expand: []string{"Lines"}, OrderBy: []string{"Name desc", "Id"}},
			want: "?$expand=Lines&$orderby=Name%20desc,Id",
		},
		{
			name: "search",
			opts: QueryOptions{Search: "contoso"},
			want: "?$search=contoso",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BuildQueryString(tt.opts))
		})
	}
}

func TestBuildQueryStringCrossCompanyOnce(t *testing.T) {
	qs := BuildQueryString(QueryOptions{Filter: "DATAAREAID eq 'usmf'"})
	assert.Equal(t, 1, strings.Count(qs, "cross-company=true"))
}

func TestMergeQueryStrings(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want string
	}{
		{name: "both empty", a: "", b: "", want: ""},
		{name: "left only", a: "?$top=5", b: "", want: "?$top=5"},
		{name: "right only", a: "", b: "$skip=3", want: "?$skip=3"},
		{name: "both with question marks", a: "?$top=5", b: "?$skip=3", want: "?$top=5&$skip=3"},
		{name: "bare params", a: "$top=5", b: "$skip=3", want: "?$top=5&$skip=3"},
		{
			name: "cross-company deduplicated",
			a:    "?cross-company=true",
			b:    "?$filter=x&cross-company=true",
			want: "?cross-company=true&$filter=x",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MergeQueryStrings(tt.a, tt.b)
			assert.Equal(t, tt.want, got)
			assert.NotContains(t, got, "??")
			assert.LessOrEqual(t, strings.Count(got, "?"), 1)
		})
	}
}

func TestAppendQuery(t *testing.T) {
	u := testBase + "/data/CustomersV3(dataAreaId='usmf',CustomerAccount='C1')?cross-company=true"
	got := AppendQuery(u, BuildQueryString(QueryOptions{Filter: "dataAreaId eq 'usmf'"}))
	// Rules 1 and 2 combined must not duplicate the flag.
	assert.Equal(t, 1, strings.Count(got, "cross-company=true"))
	assert.Contains(t, got, "$filter=dataAreaId%20eq%20'usmf'")
}

func TestQueryOptionsRoundTrip(t *testing.T) {
	params := url.Values{
		"$select":  []string{"Name,Id"},
		"$filter":  []string{"Name eq 'x'"},
		"$expand":  []string{"Lines"},
		"$orderby": []string{"Name desc"},
		"$top":     []string{"10"},
		"$skip":    []string{"5"},
		"$count":   []string{"true"},
		"$search":  []string{"abc"},
	}
	got := OptionsFromValues(params).Values()
	if diff := cmp.Diff(params, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestOptionsFromValuesIgnoresUnknown(t *testing.T) {
	values := url.Values{"$format": []string{"json"}, "$top": []string{"2"}}
	opts := OptionsFromValues(values)
	require.NotNil(t, opts.Top)
	assert.Equal(t, 2, *opts.Top)
	assert.Empty(t, opts.Values().Get("$format"))
}
