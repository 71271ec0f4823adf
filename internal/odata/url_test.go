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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microsoft/d365fo-go/internal/api"
)

const testBase = "https://x.example.com"

func journalLineSchema() *api.PublicEntity {
	return &api.PublicEntity{
		Name:          "JournalLine",
		EntitySetName: "JournalLines",
		Properties: []api.Property{
			{Name: "LineNum", TypeName: "Edm.Int32", DataType: api.XppTypeInt32, IsKey: true, PropertyOrder: 1},
			{Name: "JournalId", TypeName: "Edm.String", DataType: api.XppTypeString, IsKey: true, PropertyOrder: 2},
			{Name: "Amount", TypeName: "Edm.Decimal", DataType: api.XppTypeReal, PropertyOrder: 3},
		},
	}
}

func TestBuildEntityURL(t *testing.T) {
	tests := []struct {
		name    string
		set     string
		key     Key
		opts    EntityURLOptions
		want    string
		wantErr string
	}{
		{
			name: "collection",
			set:  "CustomersV3",
			want: testBase + "/data/CustomersV3",
		},
		{
			name: "scalar key",
			set:  "Companies",
			key:  ScalarKey("USMF"),
			want: testBase + "/data/Companies('USMF')",
		},
		{
			name: "scalar key quote doubling",
			set:  "Vendors",
			key:  ScalarKey("O'Brien"),
			want: testBase + "/data/Vendors('O''Brien')",
		},
		{
			name: "scalar key with space",
			set:  "Vendors",
			key:  ScalarKey("A B"),
			want: testBase + "/data/Vendors('A%20B')",
		},
		{
			name: "composite key with dataAreaId",
			set:  "CustomersV3",
			key: CompositeKey(
				KeyField{Name: "dataAreaId", Value: "usmf"},
				KeyField{Name: "CustomerAccount", Value: "MAFZAAL001"},
			),
			want: testBase + "/data/CustomersV3(dataAreaId='usmf',CustomerAccount='MAFZAAL001')?cross-company=true",
		},
		{
			name: "dataAreaId case-insensitive",
			set:  "CustomersV3",
			key: CompositeKey(
				KeyField{Name: "DATAAREAID", Value: "usmf"},
				KeyField{Name: "CustomerAccount", Value: "C1"},
			),
			want: testBase + "/data/CustomersV3(DATAAREAID='usmf',CustomerAccount='C1')?cross-company=true",
		},
		{
			name: "typed composite key via schema",
			set:  "JournalLines",
			key: CompositeKey(
				KeyField{Name: "JournalId", Value: "JRN-1"},
				KeyField{Name: "LineNum", Value: "7"},
			),
			opts: EntityURLOptions{Schema: journalLineSchema()},
			want: testBase + "/data/JournalLines(LineNum=7,JournalId='JRN-1')",
		},
		{
			name: "forced cross-company",
			set:  "Companies",
			key:  ScalarKey("USMF"),
			opts: EntityURLOptions{AddCrossCompany: true},
			want: testBase + "/data/Companies('USMF')?cross-company=true",
		},
		{
			name:    "empty scalar key",
			set:     "Companies",
			key:     ScalarKey(""),
			wantErr: "empty key value",
		},
		{
			name:    "empty composite value",
			set:     "CustomersV3",
			key:     CompositeKey(KeyField{Name: "CustomerAccount", Value: ""}),
			wantErr: "empty value for key field",
		},
		{
			name:    "missing entity set",
			set:     "",
			wantErr: "entity set name is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BuildEntityURL(testBase, tt.set, tt.key, tt.opts)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBuildEntityURLCrossCompanyExactlyOnce(t *testing.T) {
	key := CompositeKey(
		KeyField{Name: "dataAreaId", Value: "usmf"},
		KeyField{Name: "CustomerAccount", Value: "C1"},
	)
	got, err := BuildEntityURL(testBase, "CustomersV3", key, EntityURLOptions{AddCrossCompany: true})
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(got, "cross-company=true"))
}

func TestBuildActionURL(t *testing.T) {
	tests := []struct {
		name   string
		action string
		opts   ActionURLOptions
		want   string
	}{
		{
			name:   "unbound",
			action: "GetApplicationVersion",
			want:   testBase + "/data/Microsoft.Dynamics.DataEntities.GetApplicationVersion",
		},
		{
			name:   "fully qualified name respected",
			action: "Microsoft.Dynamics.DataEntities.GetKeys",
			want:   testBase + "/data/Microsoft.Dynamics.DataEntities.GetKeys",
		},
		{
			name:   "entity set bound",
			action: "ValidateAll",
			opts:   ActionURLOptions{EntitySet: "CustomersV3"},
			want:   testBase + "/data/CustomersV3/Microsoft.Dynamics.DataEntities.ValidateAll",
		},
		{
			name:   "instance bound",
			action: "Confirm",
			opts:   ActionURLOptions{EntitySet: "SalesOrders", Key: ScalarKey("SO-1")},
			want:   testBase + "/data/SalesOrders('SO-1')/Microsoft.Dynamics.DataEntities.Confirm",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BuildActionURL(testBase, tt.action, tt.opts)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBuildActionURLKeyWithoutEntitySet(t *testing.T) {
	_, err := BuildActionURL(testBase, "Confirm", ActionURLOptions{Key: ScalarKey("1")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "key requires an entity set")
}
