package features

import (
	"fmt"
	"io"

	"github.com/paulmach/orb/geojson"
)

// Driver is the interchange format name recorded for cache artifacts.
const Driver = "GeoJSON"

// Encode writes the table as a GeoJSON FeatureCollection.
func Encode(w io.Writer, t *Table) error {
	data, err := t.FeatureCollection().MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshal %s: %w", Driver, err)
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", Driver, err)
	}

	return nil
}

// Decode reads a GeoJSON FeatureCollection written by Encode.
func Decode(r io.Reader) (*Table, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", Driver, err)
	}

	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", Driver, err)
	}

	return &Table{features: fc.Features}, nil
}
