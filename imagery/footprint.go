package imagery

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/paulmach/orb/geojson"
	"gonum.org/v1/gonum/mat"
)

var matrixColumns = []string{"r11", "r12", "r13", "r21", "r22", "r23", "r31", "r32", "r33"}
var opkColumns = []string{"omega", "phi", "kappa"}
var requiredColumns = []string{"image", "latitude", "longitude", "lat_offset", "lng_offset"}

// Footprint is the rotated extent of a single image.
type Footprint struct {
	Image     string
	Latitude  float64
	Longitude float64
	Corners   Corners
}

type ReadOptions struct {
	// Degrees means omega, phi and kappa columns are in degrees.
	Degrees bool
	// Total is the expected row count for progress reporting, -1 if unknown.
	Total int64
}

// ReadFootprints reads image orientations from CSV and rotates each image
// extent. The header must name image, latitude, longitude, lat_offset and
// lng_offset, plus either r11..r33 or omega, phi, kappa. Matrix elements
// take precedence when both are present.
func ReadFootprints(r io.Reader, opts ReadOptions) ([]Footprint, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, errors.New("empty orientation file")
	}
	if err != nil {
		return nil, err
	}
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, name := range requiredColumns {
		if _, ok := cols[name]; !ok {
			return nil, fmt.Errorf("missing column %q", name)
		}
	}
	useMatrix := hasColumns(cols, matrixColumns)
	if !useMatrix && !hasColumns(cols, opkColumns) {
		return nil, errors.New("need either r11..r33 or omega, phi, kappa columns")
	}

	total := opts.Total
	if total == 0 {
		total = -1
	}
	progress := getProgressWriter().NewCountProgress(total, "footprints")
	defer progress.Close()

	var footprints []Footprint
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		line, _ := reader.FieldPos(0)

		values, err := parseColumns(record, cols, requiredColumns[1:])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		lat, lng, latOffset, lngOffset := values[0], values[1], values[2], values[3]

		var m *mat.Dense
		if useMatrix {
			elements, err := parseColumns(record, cols, matrixColumns)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
			m, err = NewRotationMatrix(elements)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
		} else {
			angles, err := parseColumns(record, cols, opkColumns)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
			if opts.Degrees {
				for i := range angles {
					angles[i] = DegreesToRadians(angles[i])
				}
			}
			m = NewRotationMatrixOPK(angles[0], angles[1], angles[2])
		}

		footprints = append(footprints, Footprint{
			Image:     strings.TrimSpace(record[cols["image"]]),
			Latitude:  lat,
			Longitude: lng,
			Corners:   Rotate(lat, lng, latOffset, lngOffset, m),
		})
		progress.Add(1)
	}
	return footprints, nil
}

func hasColumns(cols map[string]int, names []string) bool {
	for _, name := range names {
		if _, ok := cols[name]; !ok {
			return false
		}
	}
	return true
}

func parseColumns(record []string, cols map[string]int, names []string) ([]float64, error) {
	values := make([]float64, len(names))
	for i, name := range names {
		idx := cols[name]
		if idx >= len(record) {
			return nil, fmt.Errorf("missing value for %s", name)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(record[idx]), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", name, err)
		}
		values[i] = v
	}
	return values, nil
}

// FeatureCollection converts footprints to GeoJSON polygons carrying the
// image name and center.
func FeatureCollection(footprints []Footprint) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, fp := range footprints {
		f := geojson.NewFeature(fp.Corners.Polygon())
		f.Properties["image"] = fp.Image
		f.Properties["center"] = []float64{fp.Longitude, fp.Latitude}
		fc.Append(f)
	}
	return fc
}
