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
	"database/sql"
	"strings"

	"github.com/microsoft/d365fo-go/internal/api"
)

// StoreDataEntities replaces the version's data-entity catalog: existing
// rows for the version are deleted, then the new set is bulk-inserted in
// one transaction.
func (c *Cache) StoreDataEntities(ctx context.Context, versionID int64, entities []api.DataEntity) error {
	err := c.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM data_entities WHERE global_version_id = ?`, versionID); err != nil {
			return err
		}
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO data_entities
				(global_version_id, name, public_entity_name, public_collection_name,
				 entity_category, data_service_enabled, data_management_enabled,
				 is_read_only, label_id, label_text)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, e := range entities {
			if _, err := stmt.ExecContext(ctx,
				versionID, e.Name, e.PublicEntityName, e.PublicCollectionName,
				string(e.EntityCategory), e.DataServiceEnabled, e.DataManagementEnabled,
				e.IsReadOnly, e.LabelID, e.LabelText); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return api.WrapError(api.ErrorKindCacheUnavailable, "data_entities", err)
	}
	return nil
}

// DataEntityFilter narrows GetDataEntities. Zero values mean "no predicate".
type DataEntityFilter struct {
	DataServiceEnabled *bool
	EntityCategory     api.EntityCategory
	NamePattern        string // SQL LIKE pattern against the entity name
}

// GetDataEntities reads the version's data-entity catalog with optional
// predicates.
func (c *Cache) GetDataEntities(ctx context.Context, versionID int64, filter DataEntityFilter) ([]api.DataEntity, error) {
	query := `
		SELECT name, public_entity_name, public_collection_name, entity_category,
		       data_service_enabled, data_management_enabled, is_read_only, label_id, label_text
		FROM data_entities WHERE global_version_id = ?`
	args := []any{versionID}
	if filter.DataServiceEnabled != nil {
		query += ` AND data_service_enabled = ?`
		args = append(args, *filter.DataServiceEnabled)
	}
	if filter.EntityCategory != "" {
		query += ` AND entity_category = ?`
		args = append(args, string(filter.EntityCategory))
	}
	if filter.NamePattern != "" {
		query += ` AND name LIKE ?`
		args = append(args, filter.NamePattern)
	}
	query += ` ORDER BY name`

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, api.WrapError(api.ErrorKindCacheUnavailable, "data_entities", err)
	}
	defer rows.Close()

	var out []api.DataEntity
	for rows.Next() {
		var e api.DataEntity
		var category string
		if err := rows.Scan(&e.Name, &e.PublicEntityName, &e.PublicCollectionName, &category,
			&e.DataServiceEnabled, &e.DataManagementEnabled, &e.IsReadOnly, &e.LabelID, &e.LabelText); err != nil {
			return nil, api.WrapError(api.ErrorKindCacheUnavailable, "data_entities", err)
		}
		e.EntityCategory = api.EntityCategory(category)
		out = append(out, e)
	}
	return out, rows.Err()
}

// StorePublicEntitySchema upserts one entity schema: the entity row is
// replaced and its properties, navigation properties with constraints,
// property groups and actions are wiped and rewritten transactionally.
func (c *Cache) StorePublicEntitySchema(ctx context.Context, versionID int64, entity *api.PublicEntity) error {
	err := c.withTx(ctx, func(tx *sql.Tx) error {
		return c.storePublicEntityLocked(ctx, tx, versionID, entity)
	})
	if err != nil {
		return api.WrapError(api.ErrorKindCacheUnavailable, entity.Name, err)
	}
	return nil
}

// StorePublicEntitySchemas stores a batch of schemas in one transaction.
// Used by the sync Schemas phase.
func (c *Cache) StorePublicEntitySchemas(ctx context.Context, versionID int64, entities []api.PublicEntity) error {
	err := c.withTx(ctx, func(tx *sql.Tx) error {
		for i := range entities {
			if err := c.storePublicEntityLocked(ctx, tx, versionID, &entities[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return api.WrapError(api.ErrorKindCacheUnavailable, "public_entities", err)
	}
	return nil
}

func (c *Cache) storePublicEntityLocked(ctx context.Context, tx *sql.Tx, versionID int64, entity *api.PublicEntity) error {
	wipes := []string{
		`DELETE FROM entity_properties WHERE global_version_id = ? AND entity_name = ?`,
		`DELETE FROM navigation_properties WHERE global_version_id = ? AND entity_name = ?`,
		`DELETE FROM relation_constraints WHERE global_version_id = ? AND entity_name = ?`,
		`DELETE FROM property_groups WHERE global_version_id = ? AND entity_name = ?`,
		`DELETE FROM property_group_members WHERE global_version_id = ? AND entity_name = ?`,
		`DELETE FROM entity_actions WHERE global_version_id = ? AND entity_name = ?`,
		`DELETE FROM action_parameters WHERE global_version_id = ? AND entity_name = ?`,
	}
	for _, wipe := range wipes {
		if _, err := tx.ExecContext(ctx, wipe, versionID, entity.Name); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO public_entities
			(global_version_id, name, entity_set_name, label_id, label_text, is_read_only, configuration_enabled)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(global_version_id, name) DO UPDATE SET
			entity_set_name = excluded.entity_set_name,
			label_id = excluded.label_id,
			label_text = excluded.label_text,
			is_read_only = excluded.is_read_only,
			configuration_enabled = excluded.configuration_enabled`,
		versionID, entity.Name, entity.EntitySetName, entity.LabelID, entity.LabelText,
		entity.IsReadOnly, entity.ConfigurationEnabled); err != nil {
		return err
	}

	for _, p := range entity.Properties {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO entity_properties
				(global_version_id, entity_name, name, type_name, data_type, is_key, is_mandatory,
				 configuration_enabled, allow_edit, allow_edit_on_create, is_dimension,
				 dimension_relation, property_order, label_id, label_text)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			versionID, entity.Name, p.Name, p.TypeName, string(p.DataType), p.IsKey, p.IsMandatory,
			p.ConfigurationEnabled, p.AllowEdit, p.AllowEditOnCreate, p.IsDimension,
			p.DimensionRelation, p.PropertyOrder, p.LabelID, p.LabelText); err != nil {
			return err
		}
	}

	for _, nav := range entity.NavigationProperties {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO navigation_properties
				(global_version_id, entity_name, name, related_entity, cardinality)
			VALUES (?, ?, ?, ?, ?)`,
			versionID, entity.Name, nav.Name, nav.RelatedEntity, string(nav.Cardinality)); err != nil {
			return err
		}
		for i, con := range nav.Constraints {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO relation_constraints
					(global_version_id, entity_name, navigation_name, kind, property,
					 referenced_property, related_property, value, value_str, sort_order)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				versionID, entity.Name, nav.Name, string(con.Kind), con.Property,
				con.ReferencedProperty, con.RelatedProperty, con.Value, con.ValueStr, i); err != nil {
				return err
			}
		}
	}

	for i, g := range entity.PropertyGroups {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO property_groups (global_version_id, entity_name, name, sort_order)
			VALUES (?, ?, ?, ?)`,
			versionID, entity.Name, g.Name, i); err != nil {
			return err
		}
		for j, member := range g.Members {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO property_group_members
					(global_version_id, entity_name, group_name, member, sort_order)
				VALUES (?, ?, ?, ?, ?)`,
				versionID, entity.Name, g.Name, member, j); err != nil {
				return err
			}
		}
	}

	for _, a := range entity.Actions {
		returnTypeName := ""
		returnIsCollection := false
		if a.ReturnType != nil {
			returnTypeName = a.ReturnType.TypeName
			returnIsCollection = a.ReturnType.IsCollection
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO entity_actions
				(global_version_id, entity_name, name, binding_kind, field_lookup,
				 return_type_name, return_is_collection)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			versionID, entity.Name, a.Name, string(a.BindingKind), a.FieldLookup,
			returnTypeName, returnIsCollection); err != nil {
			return err
		}
		for _, p := range a.Parameters {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO action_parameters
					(global_version_id, entity_name, action_name, name, type_name,
					 is_collection, odata_xpp_type, parameter_order)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				versionID, entity.Name, a.Name, p.Name, p.Type.TypeName,
				p.Type.IsCollection, string(p.Type.ODataXppType), p.ParameterOrder); err != nil {
				return err
			}
		}
	}
	return nil
}

// GetPublicEntitySchema loads one entity schema with all child collections.
// Returns ErrNotFound when the version has no schema for the name. The
// lookup matches the entity name or its entity-set name.
func (c *Cache) GetPublicEntitySchema(ctx context.Context, versionID int64, name string) (*api.PublicEntity, error) {
	entity := &api.PublicEntity{}
	row := c.db.QueryRowContext(ctx, `
		SELECT name, entity_set_name, label_id, label_text, is_read_only, configuration_enabled
		FROM public_entities
		WHERE global_version_id = ? AND (name = ? OR entity_set_name = ?)`,
		versionID, name, name)
	err := row.Scan(&entity.Name, &entity.EntitySetName, &entity.LabelID, &entity.LabelText,
		&entity.IsReadOnly, &entity.ConfigurationEnabled)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, api.WrapError(api.ErrorKindCacheUnavailable, name, err)
	}

	if err := c.loadProperties(ctx, versionID, entity); err != nil {
		return nil, err
	}
	if err := c.loadNavigationProperties(ctx, versionID, entity); err != nil {
		return nil, err
	}
	if err := c.loadPropertyGroups(ctx, versionID, entity); err != nil {
		return nil, err
	}
	if err := c.loadActions(ctx, versionID, entity); err != nil {
		return nil, err
	}
	return entity, nil
}

func (c *Cache) loadProperties(ctx context.Context, versionID int64, entity *api.PublicEntity) error {
	rows, err := c.db.QueryContext(ctx, `
		SELECT name, type_name, data_type, is_key, is_mandatory, configuration_enabled,
		       allow_edit, allow_edit_on_create, is_dimension, dimension_relation,
		       property_order, label_id, label_text
		FROM entity_properties
		WHERE global_version_id = ? AND entity_name = ?
		ORDER BY property_order`, versionID, entity.Name)
	if err != nil {
		return api.WrapError(api.ErrorKindCacheUnavailable, entity.Name, err)
	}
	defer rows.Close()
	for rows.Next() {
		var p api.Property
		var dataType string
		if err := rows.Scan(&p.Name, &p.TypeName, &dataType, &p.IsKey, &p.IsMandatory,
			&p.ConfigurationEnabled, &p.AllowEdit, &p.AllowEditOnCreate, &p.IsDimension,
			&p.DimensionRelation, &p.PropertyOrder, &p.LabelID, &p.LabelText); err != nil {
			return api.WrapError(api.ErrorKindCacheUnavailable, entity.Name, err)
		}
		p.DataType = api.XppType(dataType)
		entity.Properties = append(entity.Properties, p)
	}
	return rows.Err()
}

func (c *Cache) loadNavigationProperties(ctx context.Context, versionID int64, entity *api.PublicEntity) error {
	rows, err := c.db.QueryContext(ctx, `
		SELECT name, related_entity, cardinality
		FROM navigation_properties
		WHERE global_version_id = ? AND entity_name = ? ORDER BY name`, versionID, entity.Name)
	if err != nil {
		return api.WrapError(api.ErrorKindCacheUnavailable, entity.Name, err)
	}
	defer rows.Close()
	for rows.Next() {
		var nav api.NavigationProperty
		var cardinality string
		if err := rows.Scan(&nav.Name, &nav.RelatedEntity, &cardinality); err != nil {
			return api.WrapError(api.ErrorKindCacheUnavailable, entity.Name, err)
		}
		nav.Cardinality = api.Cardinality(cardinality)
		entity.NavigationProperties = append(entity.NavigationProperties, nav)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for i := range entity.NavigationProperties {
		nav := &entity.NavigationProperties[i]
		crows, err := c.db.QueryContext(ctx, `
			SELECT kind, property, referenced_property, related_property, value, value_str
			FROM relation_constraints
			WHERE global_version_id = ? AND entity_name = ? AND navigation_name = ?
			ORDER BY sort_order`, versionID, entity.Name, nav.Name)
		if err != nil {
			return api.WrapError(api.ErrorKindCacheUnavailable, entity.Name, err)
		}
		for crows.Next() {
			var con api.RelationConstraint
			var kind string
			var value sql.NullInt64
			if err := crows.Scan(&kind, &con.Property, &con.ReferencedProperty,
				&con.RelatedProperty, &value, &con.ValueStr); err != nil {
				crows.Close()
				return api.WrapError(api.ErrorKindCacheUnavailable, entity.Name, err)
			}
			con.Kind = api.ConstraintKind(kind)
			if value.Valid {
				con.Value = &value.Int64
			}
			nav.Constraints = append(nav.Constraints, con)
		}
		if err := crows.Err(); err != nil {
			crows.Close()
			return err
		}
		crows.Close()
	}
	return nil
}

func (c *Cache) loadPropertyGroups(ctx context.Context, versionID int64, entity *api.PublicEntity) error {
	rows, err := c.db.QueryContext(ctx, `
		SELECT g.name, m.member
		FROM property_groups g
		LEFT JOIN property_group_members m
			ON m.global_version_id = g.global_version_id
			AND m.entity_name = g.entity_name
			AND m.group_name = g.name
		WHERE g.global_version_id = ? AND g.entity_name = ?
		ORDER BY g.sort_order, m.sort_order`, versionID, entity.Name)
	if err != nil {
		return api.WrapError(api.ErrorKindCacheUnavailable, entity.Name, err)
	}
	defer rows.Close()
	byName := map[string]*api.PropertyGroup{}
	for rows.Next() {
		var name string
		var member sql.NullString
		if err := rows.Scan(&name, &member); err != nil {
			return api.WrapError(api.ErrorKindCacheUnavailable, entity.Name, err)
		}
		g, ok := byName[name]
		if !ok {
			entity.PropertyGroups = append(entity.PropertyGroups, api.PropertyGroup{Name: name})
			g = &entity.PropertyGroups[len(entity.PropertyGroups)-1]
			byName[name] = g
		}
		if member.Valid {
			g.Members = append(g.Members, member.String)
		}
	}
	return rows.Err()
}

func (c *Cache) loadActions(ctx context.Context, versionID int64, entity *api.PublicEntity) error {
	rows, err := c.db.QueryContext(ctx, `
		SELECT name, binding_kind, field_lookup, return_type_name, return_is_collection
		FROM entity_actions
		WHERE global_version_id = ? AND entity_name = ? ORDER BY name`, versionID, entity.Name)
	if err != nil {
		return api.WrapError(api.ErrorKindCacheUnavailable, entity.Name, err)
	}
	defer rows.Close()
	for rows.Next() {
		var a api.Action
		var kind, returnTypeName string
		var returnIsCollection bool
		if err := rows.Scan(&a.Name, &kind, &a.FieldLookup, &returnTypeName, &returnIsCollection); err != nil {
			return api.WrapError(api.ErrorKindCacheUnavailable, entity.Name, err)
		}
		a.BindingKind = api.BindingKind(kind)
		a.OwningEntityName = entity.Name
		if returnTypeName != "" {
			a.ReturnType = &api.ActionTypeInfo{TypeName: returnTypeName, IsCollection: returnIsCollection}
		}
		entity.Actions = append(entity.Actions, a)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for i := range entity.Actions {
		a := &entity.Actions[i]
		prows, err := c.db.QueryContext(ctx, `
			SELECT name, type_name, is_collection, odata_xpp_type, parameter_order
			FROM action_parameters
			WHERE global_version_id = ? AND entity_name = ? AND action_name = ?
			ORDER BY parameter_order`, versionID, entity.Name, a.Name)
		if err != nil {
			return api.WrapError(api.ErrorKindCacheUnavailable, entity.Name, err)
		}
		for prows.Next() {
			var p api.ActionParameter
			var xpp string
			if err := prows.Scan(&p.Name, &p.Type.TypeName, &p.Type.IsCollection, &xpp, &p.ParameterOrder); err != nil {
				prows.Close()
				return api.WrapError(api.ErrorKindCacheUnavailable, entity.Name, err)
			}
			p.Type.ODataXppType = api.XppType(xpp)
			a.Parameters = append(a.Parameters, p)
		}
		if err := prows.Err(); err != nil {
			prows.Close()
			return err
		}
		prows.Close()
	}
	return nil
}

// StoreEnumerations replaces the version's enumerations, same
// wipe-and-rewrite pattern as StoreDataEntities.
func (c *Cache) StoreEnumerations(ctx context.Context, versionID int64, enums []api.Enumeration) error {
	err := c.withTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"enumerations", "enumeration_members"} {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM `+table+` WHERE global_version_id = ?`, versionID); err != nil {
				return err
			}
		}
		for _, e := range enums {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO enumerations (global_version_id, name, label_id, label_text)
				VALUES (?, ?, ?, ?)`,
				versionID, e.Name, e.LabelID, e.LabelText); err != nil {
				return err
			}
			for _, m := range e.Members {
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO enumeration_members
						(global_version_id, enumeration_name, name, value, label_id, label_text,
						 configuration_enabled, member_order)
					VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
					versionID, e.Name, m.Name, m.Value, m.LabelID, m.LabelText,
					m.ConfigurationEnabled, m.MemberOrder); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return api.WrapError(api.ErrorKindCacheUnavailable, "enumerations", err)
	}
	return nil
}

// GetEnumerationInfo loads one enumeration with members, or ErrNotFound.
func (c *Cache) GetEnumerationInfo(ctx context.Context, versionID int64, name string) (*api.Enumeration, error) {
	e := &api.Enumeration{}
	row := c.db.QueryRowContext(ctx, `
		SELECT name, label_id, label_text FROM enumerations
		WHERE global_version_id = ? AND name = ?`, versionID, name)
	err := row.Scan(&e.Name, &e.LabelID, &e.LabelText)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, api.WrapError(api.ErrorKindCacheUnavailable, name, err)
	}

	rows, err := c.db.QueryContext(ctx, `
		SELECT name, value, label_id, label_text, configuration_enabled, member_order
		FROM enumeration_members
		WHERE global_version_id = ? AND enumeration_name = ?
		ORDER BY member_order`, versionID, name)
	if err != nil {
		return nil, api.WrapError(api.ErrorKindCacheUnavailable, name, err)
	}
	defer rows.Close()
	for rows.Next() {
		var m api.EnumerationMember
		if err := rows.Scan(&m.Name, &m.Value, &m.LabelID, &m.LabelText,
			&m.ConfigurationEnabled, &m.MemberOrder); err != nil {
			return nil, api.WrapError(api.ErrorKindCacheUnavailable, name, err)
		}
		e.Members = append(e.Members, m)
	}
	return e, rows.Err()
}

// CopyVersionMetadata copies all metadata rows from a compatible completed
// version into the target version using INSERT...SELECT, without touching
// the network. This is the SharingMode fast path. Returns the copied
// counts.
func (c *Cache) CopyVersionMetadata(ctx context.Context, fromVersionID, toVersionID int64) (api.MetadataVersionRecord, error) {
	tables := []string{
		"data_entities", "public_entities", "entity_properties", "navigation_properties",
		"relation_constraints", "property_groups", "property_group_members",
		"entity_actions", "action_parameters", "enumerations", "enumeration_members",
	}

	counts := api.MetadataVersionRecord{GlobalVersionID: toVersionID}
	err := c.withTx(ctx, func(tx *sql.Tx) error {
		for _, table := range tables {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM `+table+` WHERE global_version_id = ?`, toVersionID); err != nil {
				return err
			}
			cols, err := tableColumns(ctx, tx, table)
			if err != nil {
				return err
			}
			selectCols := make([]string, len(cols))
			for i, col := range cols {
				if col == "global_version_id" {
					selectCols[i] = "?"
				} else {
					selectCols[i] = col
				}
			}
			query := `INSERT INTO ` + table + ` (` + strings.Join(cols, ", ") + `)
				SELECT ` + strings.Join(selectCols, ", ") + ` FROM ` + table + `
				WHERE global_version_id = ?`
			if _, err := tx.ExecContext(ctx, query, toVersionID, fromVersionID); err != nil {
				return err
			}
		}

		for target, query := range map[*int]string{
			&counts.EntityCount:      `SELECT COUNT(*) FROM data_entities WHERE global_version_id = ?`,
			&counts.ActionCount:      `SELECT COUNT(*) FROM entity_actions WHERE global_version_id = ?`,
			&counts.EnumerationCount: `SELECT COUNT(*) FROM enumerations WHERE global_version_id = ?`,
		} {
			if err := tx.QueryRowContext(ctx, query, toVersionID).Scan(target); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return counts, api.WrapError(api.ErrorKindCacheUnavailable, "copy", err)
	}
	return counts, nil
}

func tableColumns(ctx context.Context, tx *sql.Tx, table string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var cols []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		cols = append(cols, name)
	}
	return cols, rows.Err()
}
