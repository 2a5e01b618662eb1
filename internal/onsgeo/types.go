package onsgeo

import (
	"bytes"
	"encoding/json"
)

// Query parameters understood by the ArcGIS feature service query endpoint.
const (
	paramResultOffset      = "resultOffset"
	paramResultRecordCount = "resultRecordCount"
)

// Page is one paginated response from the boundary endpoint.
type Page struct {
	Offset int    // resultOffset the page was requested with
	Size   int    // resultRecordCount the page was requested with
	Body   []byte // Raw GeoJSON document as returned by the server
	// ExceededTransferLimit is set when the server truncated the result
	// and more records remain past this page.
	ExceededTransferLimit bool
}

// pageEnvelope picks the continuation signal out of a page document.
// ArcGIS reports it at the top level for f=json and inside the
// collection's properties for f=geojson. Values are kept raw because only
// presence matters.
type pageEnvelope struct {
	ExceededTransferLimit json.RawMessage `json:"exceededTransferLimit"`
	Properties            json.RawMessage `json:"properties"`
}

// exceeded reports whether either location carries the flag with any
// value other than false. A properties member that is not an object
// carries no flag.
func (e *pageEnvelope) exceeded() bool {
	if signalsMore(e.ExceededTransferLimit) {
		return true
	}

	var properties struct {
		ExceededTransferLimit json.RawMessage `json:"exceededTransferLimit"`
	}

	if err := json.Unmarshal(e.Properties, &properties); err != nil {
		return false
	}

	return signalsMore(properties.ExceededTransferLimit)
}

// signalsMore treats a present flag as continuation unless it is false.
// A null value is still present.
func signalsMore(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}

	return !bytes.Equal(bytes.TrimSpace(raw), []byte("false"))
}
