package geospatial

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/geojson"

	pkgerrors "github.com/angelmondragon/oxygencredits-backend/pkg/errors"
)

// MinRingPositions is the smallest closed ring: a triangle plus the repeated first vertex.
const MinRingPositions = 4

// Parcel is a validated claim polygon.
type Parcel struct {
	Polygon orb.Polygon
}

// ParsePolygon accepts a GeoJSON Polygon geometry, a GeoJSON Feature wrapping
// one, a bare ring of [lng,lat] positions, or a list of rings. Open rings are
// closed by repeating the first position.
func ParsePolygon(raw json.RawMessage) (*Parcel, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, invalid("polygon is required")
	}

	var poly orb.Polygon
	switch trimmed[0] {
	case '{':
		p, err := parseObject(trimmed)
		if err != nil {
			return nil, err
		}
		poly = p
	case '[':
		p, err := parseArray(trimmed)
		if err != nil {
			return nil, err
		}
		poly = p
	default:
		return nil, invalid("polygon must be a GeoJSON object or coordinate array")
	}

	if len(poly) == 0 {
		return nil, invalid("polygon has no rings")
	}
	for i := range poly {
		ring, err := closeRing(poly[i])
		if err != nil {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, err.Error()).
				WithDetails(map[string]any{"ring": i})
		}
		poly[i] = ring
	}
	return &Parcel{Polygon: poly}, nil
}

func parseObject(data []byte) (orb.Polygon, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, invalid("polygon is not valid JSON")
	}

	var geometry orb.Geometry
	switch probe.Type {
	case "Feature":
		feature, err := geojson.UnmarshalFeature(data)
		if err != nil {
			return nil, invalid("polygon feature is malformed")
		}
		geometry = feature.Geometry
	default:
		g, err := geojson.UnmarshalGeometry(data)
		if err != nil {
			return nil, invalid("polygon geometry is malformed")
		}
		geometry = g.Geometry()
	}

	switch g := geometry.(type) {
	case orb.Polygon:
		return g, nil
	case orb.Ring:
		return orb.Polygon{g}, nil
	default:
		return nil, invalid("polygon geometry must be of type Polygon")
	}
}

func parseArray(data []byte) (orb.Polygon, error) {
	var ring [][]float64
	if err := json.Unmarshal(data, &ring); err == nil {
		r, err := toRing(ring)
		if err != nil {
			return nil, err
		}
		return orb.Polygon{r}, nil
	}

	var rings [][][]float64
	if err := json.Unmarshal(data, &rings); err != nil {
		return nil, invalid("polygon coordinates must be numeric pairs")
	}
	poly := make(orb.Polygon, 0, len(rings))
	for _, raw := range rings {
		r, err := toRing(raw)
		if err != nil {
			return nil, err
		}
		poly = append(poly, r)
	}
	return poly, nil
}

func toRing(positions [][]float64) (orb.Ring, error) {
	ring := make(orb.Ring, 0, len(positions))
	for _, pos := range positions {
		if len(pos) < 2 {
			return nil, invalid("each position needs a longitude and a latitude")
		}
		ring = append(ring, orb.Point{pos[0], pos[1]})
	}
	return ring, nil
}

func closeRing(ring orb.Ring) (orb.Ring, error) {
	for _, pt := range ring {
		if !finite(pt[0]) || !finite(pt[1]) {
			return nil, fmt.Errorf("polygon coordinates must be finite")
		}
		if pt[0] < -180 || pt[0] > 180 || pt[1] < -90 || pt[1] > 90 {
			return nil, fmt.Errorf("polygon coordinates out of range")
		}
	}
	if len(ring) > 0 && !ring.Closed() {
		ring = append(ring, ring[0])
	}
	if len(ring) < MinRingPositions {
		return nil, fmt.Errorf("polygon ring needs at least %d positions", MinRingPositions)
	}
	return ring, nil
}

// GeoJSON renders the parcel as a GeoJSON Polygon geometry for storage and
// for the vegetation engine.
func (p *Parcel) GeoJSON() (json.RawMessage, error) {
	data, err := json.Marshal(geojson.NewGeometry(p.Polygon))
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Coordinates returns the rings as plain [lng,lat] arrays.
func (p *Parcel) Coordinates() [][][]float64 {
	out := make([][][]float64, 0, len(p.Polygon))
	for _, ring := range p.Polygon {
		positions := make([][]float64, 0, len(ring))
		for _, pt := range ring {
			positions = append(positions, []float64{pt[0], pt[1]})
		}
		out = append(out, positions)
	}
	return out
}

// AreaHectares is the geodesic area of the outer ring minus holes.
func (p *Parcel) AreaHectares() float64 {
	return ToHectares(geo.Area(p.Polygon))
}

// Centroid returns the bound center, used as a label anchor in logs.
func (p *Parcel) Centroid() orb.Point {
	return p.Polygon.Bound().Center()
}

// ToHectares converts square meters to hectares rounded to 2 decimals.
func ToHectares(sqMeters float64) float64 {
	return math.Round(sqMeters/100) / 100
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func invalid(msg string) error {
	return pkgerrors.New(pkgerrors.CodeValidation, msg)
}
