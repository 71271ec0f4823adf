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
	"strconv"
	"strings"
)

// QueryOptions are the recognized OData system query options. Unknown
// options are ignored by design.
type QueryOptions struct {
	Select  []string
	Filter  string
	Expand  []string
	OrderBy []string
	Top     *int
	Skip    *int
	Count   bool
	Search  string
}

// IsZero reports whether no option is set.
func (o QueryOptions) IsZero() bool {
	return len(o.Select) == 0 && o.Filter == "" && len(o.Expand) == 0 &&
		len(o.OrderBy) == 0 && o.Top == nil && o.Skip == nil && !o.Count && o.Search == ""
}

// BuildQueryString renders the options as a query string with a leading
// `?`, or the empty string when no option is set. A filter mentioning
// dataAreaId (case-insensitively) injects cross-company=true.
func BuildQueryString(opts QueryOptions) string {
	var parts []string
	add := func(name, value string) {
		parts = append(parts, name+"="+escapeQueryValue(value))
	}

	if len(opts.Select) > 0 {
		add("$select", strings.Join(opts.Select, ","))
	}
	if opts.Filter != "" {
		add("$filter", opts.Filter)
	}
	if len(opts.Expand) > 0 {
		add("$expand", strings.Join(opts.Expand, ","))
	}
	if len(opts.OrderBy) > 0 {
		add("$orderby", strings.Join(opts.OrderBy, ","))
	}
	if opts.Top != nil {
		add("$top", strconv.Itoa(*opts.Top))
	}
	if opts.Skip != nil {
		add("$skip", strconv.Itoa(*opts.Skip))
	}
	if opts.Count {
		add("$count", "true")
	}
	if opts.Search != "" {
		add("$search", opts.Search)
	}
	if strings.Contains(strings.ToLower(opts.Filter), "dataareaid") {
		parts = append(parts, crossCompanyParam)
	}
	if len(parts) == 0 {
		return ""
	}
	return "?" + strings.Join(parts, "&")
}

// escapeQueryValue percent-encodes a query parameter value. Spaces encode
// as %20 (not +) and the OData structural characters ' ( ) , = $ stay
// unencoded so filters remain readable to the server.
func escapeQueryValue(s string) string {
	s = url.QueryEscape(s)
	replacer := strings.NewReplacer(
		"+", "%20",
		"%27", "'",
		"%28", "(",
		"%29", ")",
		"%2C", ",",
		"%3D", "=",
		"%24", "$",
	)
	return replacer.Replace(s)
}

// MergeQueryStrings joins two query strings into one. Leading `?` on either
// input is normalized; the result has exactly one leading `?` when any
// parameter exists, else it is empty. Duplicate cross-company flags
// collapse to one.
func MergeQueryStrings(a, b string) string {
	a = strings.TrimPrefix(a, "?")
	b = strings.TrimPrefix(b, "?")

	var parts []string
	seenCrossCompany := false
	for _, qs := range []string{a, b} {
		for _, p := range strings.Split(qs, "&") {
			if p == "" {
				continue
			}
			if p == crossCompanyParam {
				if seenCrossCompany {
					continue
				}
				seenCrossCompany = true
			}
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return "?" + strings.Join(parts, "&")
}

// AppendQuery attaches a query string to a URL that may already carry one,
// deduplicating the cross-company flag.
func AppendQuery(u, queryString string) string {
	queryString = strings.TrimPrefix(queryString, "?")
	if queryString == "" {
		return u
	}
	if i := strings.IndexByte(u, '?'); i >= 0 {
		merged := MergeQueryStrings(u[i:], queryString)
		return u[:i] + merged
	}
	return u + "?" + queryString
}

// OptionsFromValues extracts the recognized options from parsed query
// parameters. Unrecognized parameters are ignored.
func OptionsFromValues(values url.Values) QueryOptions {
	var opts QueryOptions
	if v := values.Get("$select"); v != "" {
		opts.Select = strings.Split(v, ",")
	}
	opts.Filter = values.Get("$filter")
	if v := values.Get("$expand"); v != "" {
		opts.Expand = strings.Split(v, ",")
	}
	if v := values.Get("$orderby"); v != "" {
		opts.OrderBy = strings.Split(v, ",")
	}
	if v := values.Get("$top"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.Top = &n
		}
	}
	if v := values.Get("$skip"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.Skip = &n
		}
	}
	opts.Count = values.Get("$count") == "true"
	opts.Search = values.Get("$search")
	return opts
}

// Values renders the options as url.Values for the round trip with
// OptionsFromValues.
func (o QueryOptions) Values() url.Values {
	values := url.Values{}
	if len(o.Select) > 0 {
		values.Set("$select", strings.Join(o.Select, ","))
	}
	if o.Filter != "" {
		values.Set("$filter", o.Filter)
	}
	if len(o.Expand) > 0 {
		values.Set("$expand", strings.Join(o.Expand, ","))
	}
	if len(o.OrderBy) > 0 {
		values.Set("$orderby", strings.Join(o.OrderBy, ","))
	}
	if o.Top != nil {
		values.Set("$top", strconv.Itoa(*o.Top))
	}
	if o.Skip != nil {
		values.Set("$skip", strconv.Itoa(*o.Skip))
	}
	if o.Count {
		values.Set("$count", "true")
	}
	if o.Search != "" {
		values.Set("$search", o.Search)
	}
	return values
}
