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

// Package api defines the metadata model shared by the D365 Finance &
// Operations client, the metadata cache and the sync engine. The shapes
// mirror what the /Metadata sub-API returns, normalized to Go types.
package api

import (
	"sort"
	"time"
)

// XppType is the X++ data type of an entity property as reported by the
// Metadata API. It drives OData literal encoding of key values.
type XppType string

const (
	XppTypeString      XppType = "String"
	XppTypeInt32       XppType = "Int32"
	XppTypeInt64       XppType = "Int64"
	XppTypeReal        XppType = "Real"
	XppTypeGuid        XppType = "Guid"
	XppTypeDate        XppType = "Date"
	XppTypeTime        XppType = "Time"
	XppTypeUtcDateTime XppType = "UtcDateTime"
	XppTypeEnum        XppType = "Enum"
	XppTypeContainer   XppType = "Container"
	XppTypeRecord      XppType = "Record"
	XppTypeVoid        XppType = "Void"
)

// EntityCategory classifies a data entity in the D365 metadata catalog.
type EntityCategory string

const (
	EntityCategoryMaster        EntityCategory = "Master"
	EntityCategoryConfiguration EntityCategory = "Configuration"
	EntityCategoryTransaction   EntityCategory = "Transaction"
	EntityCategoryReference     EntityCategory = "Reference"
	EntityCategoryDocument      EntityCategory = "Document"
	EntityCategoryParameters    EntityCategory = "Parameters"
)

// Cardinality of a navigation property.
type Cardinality string

const (
	CardinalitySingle   Cardinality = "Single"
	CardinalityMultiple Cardinality = "Multiple"
)

// BindingKind classifies how an OData action is invoked.
type BindingKind string

const (
	BindingKindUnbound               BindingKind = "Unbound"
	BindingKindBoundToEntitySet      BindingKind = "BoundToEntitySet"
	BindingKindBoundToEntityInstance BindingKind = "BoundToEntityInstance"
)

// ConstraintKind tags the variant of a relation constraint.
type ConstraintKind string

const (
	ConstraintReferential  ConstraintKind = "Referential"
	ConstraintFixed        ConstraintKind = "Fixed"
	ConstraintRelatedFixed ConstraintKind = "RelatedFixed"
)

// ModuleVersion identifies one installed module at a specific version.
// Identity is (ModuleID, Version).
type ModuleVersion struct {
	ModuleID    string `json:"moduleId"`
	Name        string `json:"name"`
	Version     string `json:"version"`
	Publisher   string `json:"publisher,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}

// Environment is one D365 F&O environment known to the cache, keyed by its
// base URL.
type Environment struct {
	ID          int64     `json:"id"`
	BaseURL     string    `json:"baseUrl"`
	DisplayName string    `json:"displayName,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	LastSeen    time.Time `json:"lastSeen"`
}

// GlobalVersion is a deduplicated metadata snapshot keyed by the canonical
// hash of the environment's sorted module list. Environments with identical
// module sets share a single GlobalVersion.
type GlobalVersion struct {
	ID                 int64           `json:"id"`
	VersionHash        string          `json:"versionHash"`
	ApplicationVersion string          `json:"applicationVersion,omitempty"`
	PlatformVersion    string          `json:"platformVersion,omitempty"`
	Modules            []ModuleVersion `json:"modules,omitempty"`
	ReferenceCount     int             `json:"referenceCount"`
	FirstSeenAt        time.Time       `json:"firstSeenAt"`
	LastSeenAt         time.Time       `json:"lastSeenAt"`
}

// SyncStatus is the last sync outcome recorded on an environment-version link.
type SyncStatus string

const (
	SyncStatusPending   SyncStatus = "pending"
	SyncStatusSyncing   SyncStatus = "syncing"
	SyncStatusCompleted SyncStatus = "completed"
	SyncStatusFailed    SyncStatus = "failed"
)

// EnvironmentVersionLink ties an environment to the global version it was
// last seen running. Only one link per environment is current.
type EnvironmentVersionLink struct {
	EnvironmentID      int64      `json:"environmentId"`
	GlobalVersionID    int64      `json:"globalVersionId"`
	LastSyncStatus     SyncStatus `json:"lastSyncStatus"`
	LastSyncDurationMS int64      `json:"lastSyncDurationMs,omitempty"`
	LinkedAt           time.Time  `json:"linkedAt"`
}

// MetadataVersionRecord marks a global version's cache as complete and
// carries the counts written by the finalizing sync phase.
type MetadataVersionRecord struct {
	GlobalVersionID  int64      `json:"globalVersionId"`
	SyncCompletedAt  *time.Time `json:"syncCompletedAt,omitempty"`
	EntityCount      int        `json:"entityCount"`
	ActionCount      int        `json:"actionCount"`
	EnumerationCount int        `json:"enumerationCount"`
	LabelCount       int        `json:"labelCount"`
}

// DataEntity is one row of the data-entity catalog. PublicCollectionName is
// the OData entity-set name used in URLs.
type DataEntity struct {
	Name                  string         `json:"Name"`
	PublicEntityName      string         `json:"PublicEntityName"`
	PublicCollectionName  string         `json:"PublicCollectionName"`
	EntityCategory        EntityCategory `json:"EntityCategory"`
	DataServiceEnabled    bool           `json:"DataServiceEnabled"`
	DataManagementEnabled bool           `json:"DataManagementEnabled"`
	IsReadOnly            bool           `json:"IsReadOnly"`
	LabelID               string         `json:"LabelId,omitempty"`
	LabelText             string         `json:"-"`
}

// PublicEntity is the full schema of an OData-exposed entity. The ordered
// Properties slice is significant: key fields encode in PropertyOrder.
type PublicEntity struct {
	Name                 string               `json:"Name"`
	EntitySetName        string               `json:"EntitySetName"`
	LabelID              string               `json:"LabelId,omitempty"`
	LabelText            string               `json:"-"`
	IsReadOnly           bool                 `json:"IsReadOnly"`
	ConfigurationEnabled bool                 `json:"ConfigurationEnabled"`
	Properties           []Property           `json:"Properties,omitempty"`
	NavigationProperties []NavigationProperty `json:"NavigationProperties,omitempty"`
	PropertyGroups       []PropertyGroup      `json:"PropertyGroups,omitempty"`
	Actions              []Action             `json:"Actions,omitempty"`
}

// KeyProperties returns the entity's key fields ordered by PropertyOrder.
func (e *PublicEntity) KeyProperties() []Property {
	var keys []Property
	for _, p := range e.Properties {
		if p.IsKey {
			keys = append(keys, p)
		}
	}
	sort.SliceStable(keys, func(i, j int) bool {
		return keys[i].PropertyOrder < keys[j].PropertyOrder
	})
	return keys
}

// Property describes one field of a public entity.
type Property struct {
	Name                 string  `json:"Name"`
	TypeName             string  `json:"TypeName"`
	DataType             XppType `json:"DataType"`
	IsKey                bool    `json:"IsKey"`
	IsMandatory          bool    `json:"IsMandatory"`
	ConfigurationEnabled bool    `json:"ConfigurationEnabled"`
	AllowEdit            bool    `json:"AllowEdit"`
	AllowEditOnCreate    bool    `json:"AllowEditOnCreate"`
	IsDimension          bool    `json:"IsDimension"`
	DimensionRelation    string  `json:"DimensionRelation,omitempty"`
	PropertyOrder        int     `json:"Order"`
	LabelID              string  `json:"LabelId,omitempty"`
	LabelText            string  `json:"-"`
}

// NavigationProperty links a public entity to a related entity.
type NavigationProperty struct {
	Name          string               `json:"Name"`
	RelatedEntity string               `json:"RelatedEntity"`
	Cardinality   Cardinality          `json:"Cardinality"`
	Constraints   []RelationConstraint `json:"Constraints,omitempty"`
}

// RelationConstraint is a tagged variant over the three constraint kinds.
// Which value fields are meaningful depends on Kind:
//
//   - Referential:  Property, ReferencedProperty
//   - Fixed:        Property, Value or ValueStr
//   - RelatedFixed: RelatedProperty, Value or ValueStr
type RelationConstraint struct {
	Kind               ConstraintKind `json:"Kind"`
	Property           string         `json:"Property,omitempty"`
	ReferencedProperty string         `json:"ReferencedProperty,omitempty"`
	RelatedProperty    string         `json:"RelatedProperty,omitempty"`
	Value              *int64         `json:"Value,omitempty"`
	ValueStr           string         `json:"ValueStr,omitempty"`
}

// PropertyGroup is a named grouping of property names.
type PropertyGroup struct {
	Name    string   `json:"Name"`
	Members []string `json:"Properties,omitempty"`
}

// Action is an OData operation exposed by an entity or unbound.
type Action struct {
	Name             string            `json:"Name"`
	BindingKind      BindingKind       `json:"BindingKind"`
	OwningEntityName string            `json:"EntityName,omitempty"`
	Parameters       []ActionParameter `json:"Parameters,omitempty"`
	ReturnType       *ActionTypeInfo   `json:"ReturnType,omitempty"`
	FieldLookup      string            `json:"FieldLookup,omitempty"`
}

// ActionParameter is one parameter of an action, ordered by ParameterOrder.
type ActionParameter struct {
	Name           string         `json:"Name"`
	Type           ActionTypeInfo `json:"Type"`
	ParameterOrder int            `json:"Order"`
}

// ActionTypeInfo describes a parameter or return type.
type ActionTypeInfo struct {
	TypeName     string  `json:"TypeName"`
	IsCollection bool    `json:"IsCollection"`
	ODataXppType XppType `json:"ODataXppType,omitempty"`
}

// Enumeration is a public enumeration with its members.
type Enumeration struct {
	Name      string              `json:"Name"`
	LabelID   string              `json:"LabelId,omitempty"`
	LabelText string              `json:"-"`
	Members   []EnumerationMember `json:"Members,omitempty"`
}

// EnumerationMember is one named value of an enumeration.
type EnumerationMember struct {
	Name                 string `json:"Name"`
	Value                int32  `json:"Value"`
	LabelID              string `json:"LabelId,omitempty"`
	LabelText            string `json:"-"`
	ConfigurationEnabled bool   `json:"ConfigurationEnabled"`
	MemberOrder          int    `json:"Order"`
}

// Label is one resolved label text for a (LabelID, Language) pair.
type Label struct {
	ID       string `json:"LabelId"`
	Language string `json:"Language"`
	Value    string `json:"Value"`
}

// Collection is the generic OData collection envelope returned by the data
// and metadata endpoints.
type Collection[T any] struct {
	Context  string `json:"@odata.context,omitempty"`
	Count    *int64 `json:"@odata.count,omitempty"`
	NextLink string `json:"@odata.nextLink,omitempty"`
	Value    []T    `json:"value"`
}

// VersionInfo is the normalized output of the version detector.
type VersionInfo struct {
	ApplicationVersion      string          `json:"applicationVersion"`
	PlatformBuildVersion    string          `json:"platformBuildVersion"`
	ApplicationBuildVersion string          `json:"applicationBuildVersion"`
	Modules                 []ModuleVersion `json:"modules,omitempty"`
}

// SearchResult is one hit from the metadata full-text index.
type SearchResult struct {
	EntityType      string  `json:"entityType"`
	Name            string  `json:"name"`
	EntitySetName   string  `json:"entitySetName,omitempty"`
	Snippet         string  `json:"snippet,omitempty"`
	Relevance       float64 `json:"relevance"`
	GlobalVersionID int64   `json:"globalVersionId"`
}

// SearchResults is the full-text search envelope.
type SearchResults struct {
	Results     []SearchResult `json:"results"`
	TotalCount  int            `json:"totalCount"`
	QueryTimeMS int64          `json:"queryTimeMs"`
	CacheHit    bool           `json:"cacheHit"`
}
