// Package imagery computes image footprints from sensor orientation.
package imagery

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"gonum.org/v1/gonum/mat"
)

// Vec3 is a point in the image frame: latitude, longitude, height.
type Vec3 [3]float64

// DegreesToRadians converts an angle in degrees to radians.
func DegreesToRadians(angle float64) float64 {
	return angle * math.Pi / 180
}

// NewRotationMatrix builds a 3x3 rotation matrix from its row-major
// elements r11, r12, r13, r21, ..., r33.
func NewRotationMatrix(elements []float64) (*mat.Dense, error) {
	if len(elements) != 9 {
		return nil, fmt.Errorf("rotation matrix needs 9 elements, got %d", len(elements))
	}
	data := make([]float64, 9)
	copy(data, elements)
	return mat.NewDense(3, 3, data), nil
}

// Rx rotation about the x axis.
func Rx(omega float64) *mat.Dense {
	s, c := math.Sincos(omega)
	return mat.NewDense(3, 3, []float64{1, 0, 0, 0, c, -s, 0, s, c})
}

// Ry rotation about the y axis.
func Ry(phi float64) *mat.Dense {
	s, c := math.Sincos(phi)
	return mat.NewDense(3, 3, []float64{c, 0, s, 0, 1, 0, -s, 0, c})
}

// Rz rotation about the z axis.
func Rz(kappa float64) *mat.Dense {
	s, c := math.Sincos(kappa)
	return mat.NewDense(3, 3, []float64{c, -s, 0, s, c, 0, 0, 0, 1})
}

// NewRotationMatrixOPK builds the rotation Rx(omega)·Ry(phi)·Rz(kappa) from
// omega, phi and kappa in radians, following the Pix4D convention.
func NewRotationMatrixOPK(omega, phi, kappa float64) *mat.Dense {
	var xy, xyz mat.Dense
	xy.Mul(Rx(omega), Ry(phi))
	xyz.Mul(&xy, Rz(kappa))
	return &xyz
}

// Corners are the rotated corners of an image footprint, together with
// the unrotated offsets they were computed from.
type Corners struct {
	TR, BR, TL, BL Vec3
	// Inputs holds the TR, BR, TL, BL offsets from the image center.
	Inputs [4]Vec3
}

// Rotate rotates the extent of an image around its center. The corners are
// offset from the center by ±latOffset and ±lngOffset, rotated by m, then
// translated back to (latitude, longitude).
//
// The image frame y axis may need flipping relative to pixel coordinates;
// offsets are used as given.
func Rotate(latitude, longitude, latOffset, lngOffset float64, m mat.Matrix) Corners {
	tr := Vec3{latOffset, lngOffset, 0}
	br := Vec3{-latOffset, lngOffset, 0}
	tl := Vec3{latOffset, -lngOffset, 0}
	bl := Vec3{-latOffset, -lngOffset, 0}

	return Corners{
		TR:     rotatePoint(tr, m, latitude, longitude),
		BR:     rotatePoint(br, m, latitude, longitude),
		TL:     rotatePoint(tl, m, latitude, longitude),
		BL:     rotatePoint(bl, m, latitude, longitude),
		Inputs: [4]Vec3{tr, br, tl, bl},
	}
}

func rotatePoint(p Vec3, m mat.Matrix, latitude, longitude float64) Vec3 {
	var out mat.VecDense
	out.MulVec(m, mat.NewVecDense(3, []float64{p[0], p[1], p[2]}))
	return Vec3{latitude + out.AtVec(0), longitude + out.AtVec(1), out.AtVec(2)}
}

// Polygon returns the footprint as a closed lon/lat ring TL, TR, BR, BL.
func (c Corners) Polygon() orb.Polygon {
	pt := func(v Vec3) orb.Point { return orb.Point{v[1], v[0]} }
	return orb.Polygon{orb.Ring{pt(c.TL), pt(c.TR), pt(c.BR), pt(c.BL), pt(c.TL)}}
}
