// Package features holds the in-memory feature table assembled from
// geoportal pages and its GeoJSON encoding.
package features

import (
	"bytes"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

const featureCollectionType = "FeatureCollection"

// Table is an ordered set of geographic features. Each row is one feature
// with its geometry and attribute properties.
type Table struct {
	features []*geojson.Feature
}

// NewTable creates a table holding the given features in order.
func NewTable(features ...*geojson.Feature) *Table {
	return &Table{features: features}
}

// ParsePage parses one page document into a table. Empty input and
// documents that are not a FeatureCollection are errors.
func ParsePage(data []byte) (*Table, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("parse page: empty document")
	}

	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("parse page: %w", err)
	}

	if fc.Type != featureCollectionType {
		return nil, fmt.Errorf("parse page: unexpected type %q", fc.Type)
	}

	return &Table{features: fc.Features}, nil
}

// Concat joins tables in argument order. Row order within each table is
// preserved. Nil tables are skipped.
func Concat(tables ...*Table) *Table {
	total := 0

	for _, t := range tables {
		if t != nil {
			total += len(t.features)
		}
	}

	out := make([]*geojson.Feature, 0, total)

	for _, t := range tables {
		if t != nil {
			out = append(out, t.features...)
		}
	}

	return &Table{features: out}
}

// Len returns the number of rows.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}

	return len(t.features)
}

// Features returns the rows. The slice must not be modified.
func (t *Table) Features() []*geojson.Feature {
	return t.features
}

// Column returns the named property of every row, nil where absent.
func (t *Table) Column(name string) []interface{} {
	col := make([]interface{}, len(t.features))

	for i, f := range t.features {
		col[i] = f.Properties[name]
	}

	return col
}

// Bound returns the bounding box of all geometries in the table.
func (t *Table) Bound() orb.Bound {
	var (
		bound orb.Bound
		seen  bool
	)

	for _, f := range t.features {
		if f.Geometry == nil {
			continue
		}

		b := f.Geometry.Bound()
		if !seen {
			bound = b
			seen = true

			continue
		}

		bound = bound.Union(b)
	}

	return bound
}

// FeatureCollection returns the table as a GeoJSON feature collection.
func (t *Table) FeatureCollection() *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	fc.Features = t.features

	return fc
}
