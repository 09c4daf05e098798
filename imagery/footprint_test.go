package imagery

import (
	"strings"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadFootprintsMatrix(t *testing.T) {
	csv := `image,latitude,longitude,lat_offset,lng_offset,r11,r12,r13,r21,r22,r23,r31,r32,r33,omega,phi,kappa
IMG_0001.JPG,5.35,-4.02,0.001,0.002,1,0,0,0,1,0,0,0,1,0,0,1.5
IMG_0002.JPG,5.36,-4.03,0.001,0.002,1,0,0,0,1,0,0,0,1,0,0,1.5
`
	pw := &mockProgressWriter{}
	SetProgressWriter(pw)
	defer SetQuietMode(false)

	footprints, err := ReadFootprints(strings.NewReader(csv), ReadOptions{Total: 2})
	require.Nil(t, err)
	require.Equal(t, 2, len(footprints))
	require.Equal(t, 1, len(pw.started))
	assert.Equal(t, int64(2), pw.started[0].total)
	assert.Equal(t, 2, pw.started[0].current)
	assert.True(t, pw.started[0].closed)

	// matrix elements win over omega, phi, kappa
	fp := footprints[0]
	assert.Equal(t, "IMG_0001.JPG", fp.Image)
	assertVec(t, Vec3{5.351, -4.018, 0}, fp.Corners.TR)
	assertVec(t, Vec3{5.349, -4.022, 0}, fp.Corners.BL)
}

func TestReadFootprintsOPKDegrees(t *testing.T) {
	csv := `Image, Latitude, Longitude, Lat_Offset, Lng_Offset, Omega, Phi, Kappa
a.jpg, 10, 20, 1, 2, 0, 0, 90
`
	SetQuietMode(true)
	defer SetQuietMode(false)

	footprints, err := ReadFootprints(strings.NewReader(csv), ReadOptions{Degrees: true})
	require.Nil(t, err)
	require.Equal(t, 1, len(footprints))
	assertVec(t, Vec3{8, 21, 0}, footprints[0].Corners.TR)
}

func TestReadFootprintsErrors(t *testing.T) {
	SetQuietMode(true)
	defer SetQuietMode(false)

	_, err := ReadFootprints(strings.NewReader(""), ReadOptions{})
	assert.NotNil(t, err)

	_, err = ReadFootprints(strings.NewReader("image,latitude,longitude,lat_offset\n"), ReadOptions{})
	assert.ErrorContains(t, err, "lng_offset")

	_, err = ReadFootprints(strings.NewReader("image,latitude,longitude,lat_offset,lng_offset\n"), ReadOptions{})
	assert.ErrorContains(t, err, "omega")

	_, err = ReadFootprints(strings.NewReader("image,latitude,longitude,lat_offset,lng_offset,omega,phi,kappa\na,1,2,3,4,x,0,0\n"), ReadOptions{})
	assert.ErrorContains(t, err, "line 2")
}

func TestFeatureCollection(t *testing.T) {
	m, _ := NewRotationMatrix(identity)
	fc := FeatureCollection([]Footprint{{
		Image:     "a.jpg",
		Latitude:  10,
		Longitude: 20,
		Corners:   Rotate(10, 20, 1, 2, m),
	}})
	require.Equal(t, 1, len(fc.Features))
	f := fc.Features[0]
	assert.Equal(t, "a.jpg", f.Properties["image"])
	assert.Equal(t, []float64{20, 10}, f.Properties["center"])
	polygon, ok := f.Geometry.(orb.Polygon)
	require.True(t, ok)
	assert.Equal(t, orb.Point{18, 11}, polygon[0][0])

	b, err := fc.MarshalJSON()
	require.Nil(t, err)
	assert.Contains(t, string(b), `"type":"FeatureCollection"`)
}
