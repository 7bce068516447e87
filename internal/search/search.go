/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package search

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/typesense/typesense-go/typesense"
	"github.com/typesense/typesense-go/typesense/api"
)

const (
	CollectionTransactions = "transactions"
	CollectionAccounts     = "accounts"
)

// CollectionConfig holds configuration for a specific collection.
type CollectionConfig struct {
	Schema        *api.CollectionSchema
	IDField       string
	TimeFields    []string
	DecimalFields []string
}

var collectionConfigs map[string]CollectionConfig

func init() {
	collectionConfigs = map[string]CollectionConfig{
		CollectionTransactions: {
			Schema:        getTransactionSchema(),
			IDField:       "transaction_id",
			TimeFields:    []string{"created_at", "updated_at", "confirmed_at"},
			DecimalFields: []string{"amount"},
		},
		CollectionAccounts: {
			Schema:        getAccountSchema(),
			IDField:       "account_id",
			TimeFields:    []string{"created_at", "last_updated"},
			DecimalFields: []string{"available", "blocked"},
		},
	}
}

// TypesenseClient wraps the Typesense client and provides methods to interact with it.
type TypesenseClient struct {
	Client *typesense.Client
}

// NewTypesenseClient initializes and returns a new Typesense client instance.
func NewTypesenseClient(apiKey string, hosts []string) *TypesenseClient {
	client := typesense.NewClient(
		typesense.WithServer(hosts[0]),
		typesense.WithAPIKey(apiKey),
		typesense.WithConnectionTimeout(5*time.Second),
		typesense.WithCircuitBreakerMaxRequests(50),
		typesense.WithCircuitBreakerInterval(2*time.Minute),
		typesense.WithCircuitBreakerTimeout(1*time.Minute),
	)
	return &TypesenseClient{Client: client}
}

// Collections lists the collections settle maintains.
func Collections() []string {
	return []string{CollectionTransactions, CollectionAccounts}
}

// EnsureCollectionsExist creates any missing collection from the latest schema.
func (t *TypesenseClient) EnsureCollectionsExist(ctx context.Context) error {
	for _, name := range Collections() {
		if _, err := t.CreateCollection(ctx, collectionConfigs[name].Schema); err != nil {
			return fmt.Errorf("failed to create collection %s: %w", name, err)
		}
	}
	return nil
}

// CreateCollection creates a collection in Typesense based on the provided schema.
// If the collection already exists, it will return without error.
func (t *TypesenseClient) CreateCollection(ctx context.Context, schema *api.CollectionSchema) (*api.CollectionResponse, error) {
	resp, err := t.Client.Collections().Create(ctx, schema)
	if err != nil {
		if strings.Contains(err.Error(), "already exists") {
			return nil, nil
		}
		return nil, err
	}
	return resp, nil
}

// Search performs a search query on a specific collection with the provided search parameters.
func (t *TypesenseClient) Search(ctx context.Context, collection string, searchParams *api.SearchCollectionParams) (*api.SearchResult, error) {
	if _, ok := collectionConfigs[collection]; !ok {
		return nil, fmt.Errorf("unknown collection: %s", collection)
	}
	return t.Client.Collection(collection).Documents().Search(ctx, searchParams)
}

// HandleNotification normalizes a record and upserts it into its collection.
func (t *TypesenseClient) HandleNotification(ctx context.Context, collection string, data map[string]interface{}) error {
	config, ok := collectionConfigs[collection]
	if !ok {
		return fmt.Errorf("unknown collection: %s", collection)
	}

	if err := flattenObjects(data); err != nil {
		return err
	}
	convertDecimals(config, data)
	ensureSchemaFields(config, data)
	normalizeTimeFields(config, data)

	return t.upsertDocument(ctx, config, collection, data)
}

// flattenObjects stores nested detail/meta objects as JSON strings so the
// schema stays flat.
func flattenObjects(data map[string]interface{}) error {
	for _, field := range []string{"details", "meta_data"} {
		v, ok := data[field]
		if !ok {
			continue
		}
		if v == nil {
			delete(data, field)
			continue
		}
		if _, isString := v.(string); isString {
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to marshal %s: %w", field, err)
		}
		data[field] = string(raw)
	}
	return nil
}

// convertDecimals keeps the exact decimal as precise_<field> and a float
// copy under the original name for numeric filters and sorting.
func convertDecimals(config CollectionConfig, data map[string]interface{}) {
	for _, field := range config.DecimalFields {
		val, ok := data[field]
		if !ok {
			continue
		}
		var d decimal.Decimal
		var err error
		switch v := val.(type) {
		case string:
			d, err = decimal.NewFromString(v)
		case float64:
			d = decimal.NewFromFloat(v)
		case decimal.Decimal:
			d = v
		default:
			continue
		}
		if err != nil {
			continue
		}
		data["precise_"+field] = d.String()
		data[field] = d.InexactFloat64()
	}
}

// ensureSchemaFields ensures all required schema fields are present with default values.
func ensureSchemaFields(config CollectionConfig, data map[string]interface{}) {
	optionalFieldMap := make(map[string]bool)
	for _, field := range config.Schema.Fields {
		if field.Optional != nil && *field.Optional {
			optionalFieldMap[field.Name] = true
		}
	}

	for _, field := range config.Schema.Fields {
		if _, ok := data[field.Name]; !ok && !optionalFieldMap[field.Name] {
			data[field.Name] = getDefaultValue(field.Type)
		}
	}

	for key, value := range data {
		if optionalFieldMap[key] {
			if strVal, ok := value.(string); ok && strVal == "" {
				delete(data, key)
			}
		}
	}
}

// normalizeTimeFields converts time fields to Unix timestamps.
func normalizeTimeFields(config CollectionConfig, data map[string]interface{}) {
	for _, field := range config.TimeFields {
		fieldValue, ok := data[field]
		if !ok {
			continue
		}
		switch v := fieldValue.(type) {
		case time.Time:
			data[field] = v.Unix()
		case string:
			parsed, err := time.Parse(time.RFC3339Nano, v)
			if err != nil {
				delete(data, field)
				continue
			}
			data[field] = parsed.Unix()
		case int64:
		case nil:
			delete(data, field)
		default:
			data[field] = time.Now().Unix()
		}
	}
}

func (t *TypesenseClient) upsertDocument(ctx context.Context, config CollectionConfig, collection string, data map[string]interface{}) error {
	if id, ok := data[config.IDField].(string); ok && id != "" {
		data["id"] = id
	}
	if _, err := t.Client.Collection(collection).Documents().Upsert(ctx, data); err != nil {
		return fmt.Errorf("failed to upsert document in Typesense: %w", err)
	}
	return nil
}

// MigrateTypeSenseSchema adds new fields from the latest schema to the existing collection schema in Typesense.
func (t *TypesenseClient) MigrateTypeSenseSchema(ctx context.Context, collectionName string) error {
	collection := t.Client.Collection(collectionName)

	currentSchemaResponse, err := collection.Retrieve(ctx)
	if err != nil {
		return fmt.Errorf("failed to retrieve current schema: %w", err)
	}

	config, ok := collectionConfigs[collectionName]
	if !ok {
		return fmt.Errorf("unknown collection: %s", collectionName)
	}

	currentSchema := &api.CollectionSchema{Name: currentSchemaResponse.Name, Fields: currentSchemaResponse.Fields}
	for _, field := range compareSchemas(currentSchema, config.Schema) {
		if _, err := collection.Update(ctx, &api.CollectionUpdateSchema{Fields: []api.Field{field}}); err != nil {
			return fmt.Errorf("failed to add field %s: %w", field.Name, err)
		}
		logrus.Infof("Added new field %s to collection %s", field.Name, collectionName)
	}
	return nil
}

// DropCollection deletes a collection from Typesense.
func (t *TypesenseClient) DropCollection(ctx context.Context, collectionName string) error {
	_, err := t.Client.Collection(collectionName).Delete(ctx)
	if err != nil && !strings.Contains(err.Error(), "not found") && !strings.Contains(err.Error(), "Not Found") {
		return err
	}
	return nil
}

// compareSchemas returns the fields of newSchema missing from oldSchema.
func compareSchemas(oldSchema, newSchema *api.CollectionSchema) []api.Field {
	var newFields []api.Field
	oldFieldMap := make(map[string]bool)
	for _, field := range oldSchema.Fields {
		oldFieldMap[field.Name] = true
	}
	for _, field := range newSchema.Fields {
		if !oldFieldMap[field.Name] {
			newFields = append(newFields, field)
		}
	}
	return newFields
}

// getDefaultValue returns the default value for a given field type in Typesense.
func getDefaultValue(fieldType string) interface{} {
	switch fieldType {
	case "string":
		return ""
	case "int32", "int64":
		return int64(0)
	case "float":
		return float64(0)
	case "bool":
		return false
	case "string[]":
		return []string{}
	default:
		return nil
	}
}

func getTransactionSchema() *api.CollectionSchema {
	facet := true
	optional := true
	sortBy := "created_at"
	return &api.CollectionSchema{
		Name: CollectionTransactions,
		Fields: []api.Field{
			{Name: "transaction_id", Type: "string", Facet: &facet},
			{Name: "external_id", Type: "string", Facet: &facet},
			{Name: "client_id", Type: "string", Facet: &facet},
			{Name: "type", Type: "string", Facet: &facet},
			{Name: "status", Type: "string", Facet: &facet},
			{Name: "amount", Type: "float", Facet: &facet},
			{Name: "precise_amount", Type: "string", Facet: &facet},
			{Name: "currency", Type: "string", Facet: &facet},
			{Name: "account_id", Type: "string", Facet: &facet},
			{Name: "bank_code", Type: "string", Facet: &facet},
			{Name: "external_reference", Type: "string", Facet: &facet, Optional: &optional},
			{Name: "description", Type: "string", Optional: &optional},
			{Name: "message", Type: "string", Optional: &optional},
			{Name: "details", Type: "string", Optional: &optional},
			{Name: "provisional", Type: "bool", Facet: &facet},
			{Name: "needs_reconciliation", Type: "bool", Facet: &facet},
			{Name: "created_at", Type: "int64", Facet: &facet},
			{Name: "updated_at", Type: "int64", Facet: &facet},
			{Name: "confirmed_at", Type: "int64", Facet: &facet, Optional: &optional},
		},
		DefaultSortingField: &sortBy,
	}
}

func getAccountSchema() *api.CollectionSchema {
	facet := true
	optional := true
	sortBy := "created_at"
	return &api.CollectionSchema{
		Name: CollectionAccounts,
		Fields: []api.Field{
			{Name: "account_id", Type: "string", Facet: &facet},
			{Name: "client_id", Type: "string", Facet: &facet},
			{Name: "bank_code", Type: "string", Facet: &facet},
			{Name: "name", Type: "string", Optional: &optional},
			{Name: "currency", Type: "string", Facet: &facet},
			{Name: "available", Type: "float", Facet: &facet},
			{Name: "precise_available", Type: "string"},
			{Name: "blocked", Type: "float", Facet: &facet},
			{Name: "precise_blocked", Type: "string"},
			{Name: "active", Type: "bool", Facet: &facet},
			{Name: "suspense", Type: "bool", Facet: &facet},
			{Name: "meta_data", Type: "string", Optional: &optional},
			{Name: "created_at", Type: "int64", Facet: &facet},
			{Name: "last_updated", Type: "int64", Facet: &facet},
		},
		DefaultSortingField: &sortBy,
	}
}
