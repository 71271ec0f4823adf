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

// Package odata renders D365 F&O OData URLs, key literals and query
// strings. Key encoding is schema-aware: when a public-entity schema is
// supplied, each key field serializes according to its X++ data type.
package odata

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/microsoft/d365fo-go/internal/api"
)

// dataEntitiesNamespace is the OData namespace D365 F&O qualifies actions
// and enum types with.
const dataEntitiesNamespace = "Microsoft.Dynamics.DataEntities"

// SerializeValue renders raw as an OData literal for the given X++ type.
// odataType carries the schema's TypeName and is consulted for enum types
// (`Microsoft.Dynamics.DataEntities.<EnumType>`).
func SerializeValue(raw any, xppType api.XppType, odataType string) (string, error) {
	switch xppType {
	case api.XppTypeVoid, api.XppTypeContainer, api.XppTypeRecord:
		return "", fmt.Errorf("type %s cannot appear in a URL key", xppType)

	case api.XppTypeInt32, api.XppTypeInt64:
		return serializeInteger(raw)

	case api.XppTypeReal:
		return serializeReal(raw)

	case api.XppTypeGuid:
		return fmt.Sprintf("%v", raw), nil

	case api.XppTypeDate:
		if t, ok := raw.(time.Time); ok {
			return t.Format("2006-01-02"), nil
		}
		return fmt.Sprintf("%v", raw), nil

	case api.XppTypeTime:
		if t, ok := raw.(time.Time); ok {
			return t.Format("15:04:05"), nil
		}
		return fmt.Sprintf("%v", raw), nil

	case api.XppTypeUtcDateTime:
		if t, ok := raw.(time.Time); ok {
			return t.UTC().Format("2006-01-02T15:04:05Z"), nil
		}
		return fmt.Sprintf("%v", raw), nil

	case api.XppTypeEnum:
		member := fmt.Sprintf("%v", raw)
		enumType := strings.TrimPrefix(odataType, dataEntitiesNamespace+".")
		if enumType == "" {
			return "", fmt.Errorf("enum value %q requires an OData type name", member)
		}
		return fmt.Sprintf("%s.%s'%s'", dataEntitiesNamespace, enumType, member), nil

	default:
		// String and any unrecognized type quote with '' doubling.
		return serializeString(fmt.Sprintf("%v", raw)), nil
	}
}

func serializeString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func serializeInteger(raw any) (string, error) {
	switch v := raw.(type) {
	case int, int32, int64, uint, uint32, uint64:
		return fmt.Sprintf("%d", v), nil
	case float64:
		return strconv.FormatInt(int64(v), 10), nil
	case string:
		if _, err := strconv.ParseInt(v, 10, 64); err != nil {
			return "", fmt.Errorf("invalid integer key value %q", v)
		}
		return v, nil
	default:
		return "", fmt.Errorf("invalid integer key value %v", raw)
	}
}

func serializeReal(raw any) (string, error) {
	switch v := raw.(type) {
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case int, int32, int64:
		return fmt.Sprintf("%d", v), nil
	case string:
		if _, err := strconv.ParseFloat(v, 64); err != nil {
			return "", fmt.Errorf("invalid numeric key value %q", v)
		}
		return v, nil
	default:
		return "", fmt.Errorf("invalid numeric key value %v", raw)
	}
}

// SerializeBool renders an OData boolean literal.
func SerializeBool(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

// propertyFor returns the schema property matching name, or nil.
func propertyFor(schema *api.PublicEntity, name string) *api.Property {
	if schema == nil {
		return nil
	}
	for i := range schema.Properties {
		if strings.EqualFold(schema.Properties[i].Name, name) {
			return &schema.Properties[i]
		}
	}
	return nil
}

// SerializeKeyFields renders each key field as an OData literal. With a
// schema, fields reorder to the schema's key order and serialize per their
// X++ type; without one, every field is treated as String and the caller's
// field order is preserved.
func SerializeKeyFields(fields []KeyField, schema *api.PublicEntity) ([]KeyField, error) {
	ordered := orderBySchema(fields, schema)
	out := make([]KeyField, 0, len(ordered))
	for _, f := range ordered {
		if f.Name == "" {
			return nil, fmt.Errorf("empty key field name")
		}
		if f.Value == nil || fmt.Sprintf("%v", f.Value) == "" {
			return nil, fmt.Errorf("empty value for key field %q", f.Name)
		}
		xpp := api.XppTypeString
		typeName := ""
		if p := propertyFor(schema, f.Name); p != nil {
			xpp = p.DataType
			typeName = p.TypeName
		}
		lit, err := SerializeValue(f.Value, xpp, typeName)
		if err != nil {
			return nil, fmt.Errorf("key field %q: %w", f.Name, err)
		}
		out = append(out, KeyField{Name: f.Name, Value: lit})
	}
	return out, nil
}

// orderBySchema reorders fields to match the schema's key-property order.
// Fields not named by the schema keep their relative position at the end.
func orderBySchema(fields []KeyField, schema *api.PublicEntity) []KeyField {
	if schema == nil {
		return fields
	}
	keys := schema.KeyProperties()
	if len(keys) == 0 {
		return fields
	}
	used := make([]bool, len(fields))
	ordered := make([]KeyField, 0, len(fields))
	for _, k := range keys {
		for i, f := range fields {
			if !used[i] && strings.EqualFold(f.Name, k.Name) {
				ordered = append(ordered, f)
				used[i] = true
				break
			}
		}
	}
	for i, f := range fields {
		if !used[i] {
			ordered = append(ordered, f)
		}
	}
	return ordered
}

// FormatCompositeKey joins serialized key fields into the parenthesized
// OData form `k1=lit1,k2=lit2`.
func FormatCompositeKey(serialized []KeyField) string {
	parts := make([]string, 0, len(serialized))
	for _, f := range serialized {
		parts = append(parts, f.Name+"="+escapeKeyLiteral(fmt.Sprintf("%v", f.Value)))
	}
	return strings.Join(parts, ",")
}
