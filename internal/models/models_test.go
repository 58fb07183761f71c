package models

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScalarString(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
		ok   bool
	}{
		{"String", "p-1", "p-1", true},
		{"EmptyString", "", "", false},
		{"Number", json.Number("12.50"), "12.50", true},
		{"WholeFloat", float64(42), "42", true},
		{"Fraction", 0.25, "0.25", true},
		{"Float32", float32(1.5), "1.5", true},
		{"Int", 7, "7", true},
		{"Int64", int64(-3), "-3", true},
		{"Bool", true, "true", true},
		{"Nil", nil, "", false},
		{"Object", map[string]any{"a": 1}, "", false},
		{"Array", []any{"a"}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ScalarString(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRecordLookup(t *testing.T) {
	rec, err := DecodeRecord([]byte(`{"id":17,"customer":{"id":"c-9","address":{"city":"Lyon"}},"tags":["a"],"note":null}`))
	require.NoError(t, err)

	tests := []struct {
		name string
		path string
		want string
		ok   bool
	}{
		{"TopLevelNumber", "id", "17", true},
		{"Nested", "customer.id", "c-9", true},
		{"DeeplyNested", "customer.address.city", "Lyon", true},
		{"Missing", "customer.email", "", false},
		{"ThroughScalar", "id.value", "", false},
		{"Array", "tags", "", false},
		{"Null", "note", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := rec.KeyString(tt.path)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}

	nested := Record{"owner": Record{"id": "u1"}}
	v, ok := nested.Lookup("owner.id")
	require.True(t, ok)
	assert.Equal(t, "u1", v)
}

func TestDecodeRecord(t *testing.T) {
	rec, err := DecodeRecord([]byte(`{"id":"p1","price":19.99}`))
	require.NoError(t, err)
	assert.Equal(t, json.Number("19.99"), rec["price"])

	_, err = DecodeRecord([]byte(`null`))
	assert.Error(t, err)
	_, err = DecodeRecord([]byte(`[1,2]`))
	assert.Error(t, err)
}

func TestCollectionSchema_Validate(t *testing.T) {
	tests := []struct {
		name    string
		schema  CollectionSchema
		wantErr string
	}{
		{"Valid", CollectionSchema{Name: "orders", KeyPath: "id", Indexes: []IndexSchema{{Name: "status", KeyPath: "status"}}}, ""},
		{"MissingName", CollectionSchema{KeyPath: "id"}, "name is required"},
		{"MissingKeyPath", CollectionSchema{Name: "orders"}, "key_path is required"},
		{"IncompleteIndex", CollectionSchema{Name: "orders", KeyPath: "id", Indexes: []IndexSchema{{Name: "status"}}}, "index name and key_path"},
		{"DuplicateIndex", CollectionSchema{Name: "orders", KeyPath: "id", Indexes: []IndexSchema{
			{Name: "status", KeyPath: "status"},
			{Name: "status", KeyPath: "state"},
		}}, "duplicate index status"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.schema.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDefaultCollectionsAreValid(t *testing.T) {
	for _, c := range DefaultCollections() {
		assert.NoError(t, c.Validate(), c.Name)
	}

	orders := DefaultCollections()[2]
	idx, ok := orders.Index("customer")
	require.True(t, ok)
	assert.Equal(t, "customer_id", idx.KeyPath)
	_, ok = orders.Index("sku")
	assert.False(t, ok)
}

func TestMergeCollections(t *testing.T) {
	base := []CollectionSchema{
		{Name: "products", KeyPath: "id"},
		{Name: "customers", KeyPath: "id"},
	}
	extra := []CollectionSchema{
		{Name: "products", KeyPath: "sku", Version: 2},
		{Name: "invoices", KeyPath: "number"},
	}

	merged := MergeCollections(base, extra)
	names := make([]string, 0, len(merged))
	for _, c := range merged {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"customers", "invoices", "products"}, names)
	assert.Equal(t, "sku", merged[2].KeyPath)
	assert.Equal(t, 2, merged[2].Version)

	assert.Len(t, base, 2)
	assert.Equal(t, "id", base[0].KeyPath)
	assert.Empty(t, MergeCollections(nil, nil))
}

func TestParseActionKind(t *testing.T) {
	tests := []struct {
		in     string
		want   ActionKind
		method string
	}{
		{"create", ActionCreate, http.MethodPost},
		{" Update ", ActionUpdate, http.MethodPut},
		{"DELETE", ActionDelete, http.MethodDelete},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			k, err := ParseActionKind(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, k)
			assert.Equal(t, tt.method, k.DefaultMethod())
		})
	}

	_, err := ParseActionKind("merge")
	assert.Error(t, err)
	assert.Empty(t, ActionKind("merge").DefaultMethod())
}

func TestQueuedAction_ExhaustedAndDue(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	later := now.Add(time.Minute)

	a := &QueuedAction{RetryCount: 3}
	assert.True(t, a.Exhausted(3))
	assert.False(t, a.Exhausted(4))
	assert.False(t, a.Exhausted(0), "zero ceiling means unlimited")

	assert.True(t, a.Due(now))
	a.NextAttemptAt = &later
	assert.False(t, a.Due(now))
	assert.True(t, a.Due(later))
}

func TestEntity_CollectionName(t *testing.T) {
	assert.Equal(t, "products", Entity{Name: "products"}.CollectionName())
	assert.Equal(t, "catalog", Entity{Name: "products", Collection: "catalog"}.CollectionName())
}
