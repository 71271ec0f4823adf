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
	"fmt"
	"strings"

	"github.com/microsoft/d365fo-go/internal/api"
)

// crossCompanyParam is appended whenever a key or filter touches
// dataAreaId. D365 rejects direct reads of per-company entities without it.
const crossCompanyParam = "cross-company=true"

// KeyField is one named field of a composite entity key. Field order is
// preserved; Go maps would randomize it.
type KeyField struct {
	Name  string
	Value any
}

// Key identifies a single entity record. A scalar key carries one unnamed
// value; a composite key carries ordered fields.
type Key struct {
	scalar any
	fields []KeyField
}

// ScalarKey returns a single-valued key rendered with String quoting rules.
func ScalarKey(value any) Key {
	return Key{scalar: value}
}

// CompositeKey returns a multi-field key. Fields render in the given order
// unless a schema supplies the key order.
func CompositeKey(fields ...KeyField) Key {
	return Key{fields: fields}
}

// CompositeKeyFromPairs builds a composite key from alternating name/value
// arguments.
func CompositeKeyFromPairs(pairs ...any) (Key, error) {
	if len(pairs)%2 != 0 {
		return Key{}, fmt.Errorf("odd number of key pair arguments")
	}
	fields := make([]KeyField, 0, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		name, ok := pairs[i].(string)
		if !ok {
			return Key{}, fmt.Errorf("key field name at position %d is not a string", i)
		}
		fields = append(fields, KeyField{Name: name, Value: pairs[i+1]})
	}
	return Key{fields: fields}, nil
}

// IsZero reports whether the key is absent.
func (k Key) IsZero() bool {
	return k.scalar == nil && len(k.fields) == 0
}

// IsComposite reports whether the key carries named fields.
func (k Key) IsComposite() bool {
	return len(k.fields) > 0
}

// Fields returns the composite key fields in order.
func (k Key) Fields() []KeyField {
	return k.fields
}

// FieldCount returns the number of composite fields, or 1 for a scalar key.
func (k Key) FieldCount() int {
	if k.IsComposite() {
		return len(k.fields)
	}
	if k.scalar != nil {
		return 1
	}
	return 0
}

// HasDataAreaID reports whether any composite field is named dataAreaId,
// compared case-insensitively.
func (k Key) HasDataAreaID() bool {
	for _, f := range k.fields {
		if strings.EqualFold(f.Name, "dataAreaId") {
			return true
		}
	}
	return false
}

// segment renders the key as the content of the URL's parenthesized key
// segment, without the parentheses.
func (k Key) segment(schema *api.PublicEntity) (string, error) {
	if k.IsComposite() {
		serialized, err := SerializeKeyFields(k.fields, schema)
		if err != nil {
			return "", err
		}
		return FormatCompositeKey(serialized), nil
	}
	s := fmt.Sprintf("%v", k.scalar)
	if s == "" {
		return "", fmt.Errorf("empty key value")
	}
	return escapeKeyLiteral(serializeString(s)), nil
}

// escapeKeyLiteral percent-encodes a serialized key literal for use inside
// a URL path. The OData structural characters = , ( ) ' stay unencoded.
func escapeKeyLiteral(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			b.WriteByte(c)
		case c == '-' || c == '_' || c == '.' || c == '~':
			b.WriteByte(c)
		case c == '=' || c == ',' || c == '(' || c == ')' || c == '\'' || c == ':':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

// EntityURLOptions adjust BuildEntityURL behavior.
type EntityURLOptions struct {
	// Schema supplies key field order and per-field types. May be nil.
	Schema *api.PublicEntity

	// AddCrossCompany forces cross-company=true even when the key does not
	// contain dataAreaId.
	AddCrossCompany bool
}

// BuildEntityURL composes the URL for an entity set or a single record.
// Composite keys containing a dataAreaId field automatically gain
// cross-company=true, exactly once.
func BuildEntityURL(baseURL, entitySet string, key Key, opts EntityURLOptions) (string, error) {
	if entitySet == "" {
		return "", fmt.Errorf("entity set name is required")
	}
	u := strings.TrimRight(baseURL, "/") + "/data/" + entitySet
	if !key.IsZero() {
		seg, err := key.segment(opts.Schema)
		if err != nil {
			return "", fmt.Errorf("entity set %s: %w", entitySet, err)
		}
		u += "(" + seg + ")"
	}
	if opts.AddCrossCompany || key.HasDataAreaID() {
		u = appendCrossCompany(u)
	}
	return u, nil
}

// QualifyActionName prefixes name with the DataEntities namespace unless the
// caller already passed a fully qualified name.
func QualifyActionName(name string) string {
	if strings.Contains(name, ".") {
		return name
	}
	return dataEntitiesNamespace + "." + name
}

// ActionURLOptions adjust BuildActionURL behavior.
type ActionURLOptions struct {
	// EntitySet binds the action to an entity set. Empty means unbound.
	EntitySet string

	// Key binds the action to an entity instance. Requires EntitySet.
	Key Key

	// Schema supplies key encoding for instance-bound actions. May be nil.
	Schema *api.PublicEntity
}

// BuildActionURL composes the URL for an unbound, entity-set-bound or
// instance-bound action invocation.
func BuildActionURL(baseURL, actionName string, opts ActionURLOptions) (string, error) {
	if actionName == "" {
		return "", fmt.Errorf("action name is required")
	}
	qname := QualifyActionName(actionName)
	base := strings.TrimRight(baseURL, "/") + "/data"

	if opts.EntitySet == "" {
		if !opts.Key.IsZero() {
			return "", fmt.Errorf("action %s: key requires an entity set", actionName)
		}
		return base + "/" + qname, nil
	}
	if opts.Key.IsZero() {
		return base + "/" + opts.EntitySet + "/" + qname, nil
	}
	seg, err := opts.Key.segment(opts.Schema)
	if err != nil {
		return "", fmt.Errorf("action %s: %w", actionName, err)
	}
	return base + "/" + opts.EntitySet + "(" + seg + ")/" + qname, nil
}

// appendCrossCompany adds cross-company=true to the URL's query string if
// not already present.
func appendCrossCompany(u string) string {
	if strings.Contains(u, crossCompanyParam) {
		return u
	}
	sep := "?"
	if strings.Contains(u, "?") {
		sep = "&"
	}
	return u + sep + crossCompanyParam
}
