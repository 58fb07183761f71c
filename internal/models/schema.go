package models

import (
	"fmt"
	"sort"
)

// IndexSchema declares a secondary index over an attribute path.
type IndexSchema struct {
	Name    string `yaml:"name" json:"name"`
	KeyPath string `yaml:"key_path" json:"key_path"`
}

// CollectionSchema declares a named collection of records.
type CollectionSchema struct {
	Name    string        `yaml:"name" json:"name"`
	KeyPath string        `yaml:"key_path" json:"key_path"`
	Indexes []IndexSchema `yaml:"indexes" json:"indexes"`
	Version int           `yaml:"version" json:"version"`
}

// Index returns the declared index with the given name.
func (c CollectionSchema) Index(name string) (IndexSchema, bool) {
	for _, idx := range c.Indexes {
		if idx.Name == name {
			return idx, true
		}
	}
	return IndexSchema{}, false
}

// Validate checks the declaration for obvious mistakes.
func (c CollectionSchema) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("collection name is required")
	}
	if c.KeyPath == "" {
		return fmt.Errorf("collection %s: key_path is required", c.Name)
	}
	seen := make(map[string]bool, len(c.Indexes))
	for _, idx := range c.Indexes {
		if idx.Name == "" || idx.KeyPath == "" {
			return fmt.Errorf("collection %s: index name and key_path are required", c.Name)
		}
		if seen[idx.Name] {
			return fmt.Errorf("collection %s: duplicate index %s", c.Name, idx.Name)
		}
		seen[idx.Name] = true
	}
	return nil
}

// DefaultCollections are the collections the retail console caches for offline reads.
func DefaultCollections() []CollectionSchema {
	return []CollectionSchema{
		{
			Name:    "products",
			KeyPath: "id",
			Version: SchemaVersion,
			Indexes: []IndexSchema{
				{Name: "sku", KeyPath: "sku"},
				{Name: "category", KeyPath: "category_id"},
			},
		},
		{
			Name:    "customers",
			KeyPath: "id",
			Version: SchemaVersion,
			Indexes: []IndexSchema{
				{Name: "email", KeyPath: "email"},
			},
		},
		{
			Name:    "orders",
			KeyPath: "id",
			Version: SchemaVersion,
			Indexes: []IndexSchema{
				{Name: "customer", KeyPath: "customer_id"},
				{Name: "status", KeyPath: "status"},
			},
		},
		{
			Name:    "cart",
			KeyPath: "id",
			Version: SchemaVersion,
			Indexes: []IndexSchema{
				{Name: "product", KeyPath: "product_id"},
			},
		},
	}
}

// MergeCollections overlays extra declarations on base; same-named entries replace base ones.
func MergeCollections(base, extra []CollectionSchema) []CollectionSchema {
	byName := make(map[string]CollectionSchema, len(base)+len(extra))
	for _, c := range base {
		byName[c.Name] = c
	}
	for _, c := range extra {
		byName[c.Name] = c
	}
	out := make([]CollectionSchema, 0, len(byName))
	for _, c := range byName {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
