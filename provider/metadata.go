package provider

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// FieldType classifies a vector layer attribute for TileJSON consumers.
type FieldType string

const (
	FieldNumber  FieldType = "Number"
	FieldBoolean FieldType = "Boolean"
	FieldString  FieldType = "String"
)

// VectorLayer describes one layer inside a vector tile set, stored under the
// "json" metadata key as {"vector_layers": [...]}.
type VectorLayer struct {
	ID          string               `json:"id"`
	Fields      map[string]FieldType `json:"fields"`
	Description string               `json:"description,omitempty"`
	MinZoom     *int                 `json:"minzoom,omitempty"`
	MaxZoom     *int                 `json:"maxzoom,omitempty"`
}

type vectorLayersDoc struct {
	VectorLayers []VectorLayer `json:"vector_layers"`
}

// Metadata is the serving description of one tile source. On disk it lives
// as flat name/value string rows; Rows and ParseMetadataRows convert between
// the two shapes. Bounds order is [west, south, east, north].
type Metadata struct {
	Name         string
	Description  string
	Bounds       [4]float64
	MinZoom      int
	MaxZoom      int
	Format       string
	Attribution  string
	LayerType    string // "overlay" or "baselayer"
	Version      string
	VectorLayers []VectorLayer
	// Extra keeps rows this module does not interpret, verbatim.
	Extra map[string]string
}

// Rows flattens the metadata to its on-disk string form. Bounds become a
// comma-joined list and vector layers the standard "json" document.
func (m Metadata) Rows() (map[string]string, error) {
	rows := map[string]string{}
	for k, v := range m.Extra {
		rows[k] = v
	}
	rows["name"] = m.Name
	rows["format"] = m.Format
	rows["bounds"] = fmt.Sprintf("%f,%f,%f,%f", m.Bounds[0], m.Bounds[1], m.Bounds[2], m.Bounds[3])
	rows["minzoom"] = strconv.Itoa(m.MinZoom)
	rows["maxzoom"] = strconv.Itoa(m.MaxZoom)
	if m.Description != "" {
		rows["description"] = m.Description
	}
	if m.Attribution != "" {
		rows["attribution"] = m.Attribution
	}
	if m.LayerType != "" {
		rows["type"] = m.LayerType
	}
	if m.Version != "" {
		rows["version"] = m.Version
	}
	if len(m.VectorLayers) > 0 {
		doc, err := json.Marshal(vectorLayersDoc{VectorLayers: m.VectorLayers})
		if err != nil {
			return nil, err
		}
		rows["json"] = string(doc)
	}
	return rows, nil
}

// ParseMetadataRows rebuilds a Metadata from flat rows, coercing the known
// keys back to their structured form. Unknown keys land in Extra untouched;
// a malformed known value is left there too rather than dropped.
func ParseMetadataRows(rows map[string]string) Metadata {
	m := Metadata{Extra: map[string]string{}}
	for name, value := range rows {
		switch name {
		case "name":
			m.Name = value
		case "description":
			m.Description = value
		case "format":
			m.Format = value
		case "attribution":
			m.Attribution = value
		case "type":
			m.LayerType = value
		case "version":
			m.Version = value
		case "minzoom":
			if z, err := strconv.Atoi(value); err == nil {
				m.MinZoom = z
			} else {
				m.Extra[name] = value
			}
		case "maxzoom":
			if z, err := strconv.Atoi(value); err == nil {
				m.MaxZoom = z
			} else {
				m.Extra[name] = value
			}
		case "bounds":
			if b, err := parseBounds(value); err == nil {
				m.Bounds = b
			} else {
				m.Extra[name] = value
			}
		case "json":
			var doc vectorLayersDoc
			if err := json.Unmarshal([]byte(value), &doc); err == nil && len(doc.VectorLayers) > 0 {
				m.VectorLayers = doc.VectorLayers
			} else {
				m.Extra[name] = value
			}
		default:
			m.Extra[name] = value
		}
	}
	return m
}

func parseBounds(value string) ([4]float64, error) {
	var b [4]float64
	parts := strings.Split(value, ",")
	if len(parts) != 4 {
		return b, fmt.Errorf("bounds needs 4 values, got %d", len(parts))
	}
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return b, err
		}
		b[i] = f
	}
	return b, nil
}
