package localize

import (
	"fmt"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
)

// Distortion holds Brown-Conrady coefficients in OpenCV order (k1, k2, p1, p2, k3).
type Distortion struct {
	K1 float64 `yaml:"k1" json:"k1"`
	K2 float64 `yaml:"k2" json:"k2"`
	P1 float64 `yaml:"p1" json:"p1"`
	P2 float64 `yaml:"p2" json:"p2"`
	K3 float64 `yaml:"k3" json:"k3"`
}

// IsZero reports whether the model is distortion-free.
func (d Distortion) IsZero() bool {
	return d == Distortion{}
}

// CameraIntrinsics is a pinhole camera with lens distortion. It is a value
// type; copies are shared freely and never mutated.
type CameraIntrinsics struct {
	Fx, Fy     float64
	Cx, Cy     float64
	Skew       float64
	Distortion Distortion
}

const (
	undistortMaxIterations = 20
	undistortTolerance     = 1e-12
)

// NewCameraIntrinsics validates and builds a camera model.
func NewCameraIntrinsics(fx, fy, cx, cy float64, d Distortion) (CameraIntrinsics, error) {
	if fx <= 0 || fy <= 0 {
		return CameraIntrinsics{}, fmt.Errorf("focal lengths must be positive, got fx=%g fy=%g", fx, fy)
	}
	return CameraIntrinsics{Fx: fx, Fy: fy, Cx: cx, Cy: cy, Distortion: d}, nil
}

// DefaultCameraIntrinsics returns the calibration of the survey camera the
// reference maps were built with.
func DefaultCameraIntrinsics() CameraIntrinsics {
	return CameraIntrinsics{
		Fx: 701.907522339299,
		Fy: 704.43277859417,
		Cx: 352.73599016194,
		Cy: 230.636873050629,
		Distortion: Distortion{
			K1: -0.456758192707853,
			K2: 0.197636354824418,
			P1: 0.000543685887014507,
			P2: 0.000401738655456894,
			K3: 0,
		},
	}
}

// Matrix returns K as a row-major 3x3 array.
func (c CameraIntrinsics) Matrix() [3][3]float64 {
	return [3][3]float64{
		{c.Fx, c.Skew, c.Cx},
		{0, c.Fy, c.Cy},
		{0, 0, 1},
	}
}

// distort applies the forward lens model to normalized coordinates.
func (c CameraIntrinsics) distort(x, y float64) (float64, float64) {
	d := c.Distortion
	r2 := x*x + y*y
	radial := 1 + d.K1*r2 + d.K2*r2*r2 + d.K3*r2*r2*r2
	xd := x*radial + 2*d.P1*x*y + d.P2*(r2+2*x*x)
	yd := y*radial + d.P1*(r2+2*y*y) + 2*d.P2*x*y
	return xd, yd
}

// Distort maps undistorted normalized coordinates to distorted pixels.
func (c CameraIntrinsics) Distort(n r2.Point) r2.Point {
	xd, yd := c.distort(n.X, n.Y)
	return r2.Point{
		X: c.Fx*xd + c.Skew*yd + c.Cx,
		Y: c.Fy*yd + c.Cy,
	}
}

// Undistort maps a distorted pixel to undistorted normalized image
// coordinates by inverting the lens model with Newton-Raphson.
func (c CameraIntrinsics) Undistort(p r2.Point) r2.Point {
	yd := (p.Y - c.Cy) / c.Fy
	xd := (p.X - c.Cx - c.Skew*yd) / c.Fx

	if c.Distortion.IsZero() {
		return r2.Point{X: xd, Y: yd}
	}

	d := c.Distortion
	x, y := xd, yd
	for i := 0; i < undistortMaxIterations; i++ {
		ex, ey := c.distort(x, y)
		ex -= xd
		ey -= yd
		if ex*ex+ey*ey < undistortTolerance*undistortTolerance {
			break
		}

		r2 := x*x + y*y
		radial := 1 + d.K1*r2 + d.K2*r2*r2 + d.K3*r2*r2*r2
		dRadial := 2 * (d.K1 + 2*d.K2*r2 + 3*d.K3*r2*r2)

		j11 := radial + x*x*dRadial + 2*d.P1*y + 6*d.P2*x
		j12 := x*y*dRadial + 2*d.P1*x + 2*d.P2*y
		j21 := x*y*dRadial + 2*d.P1*x + 2*d.P2*y
		j22 := radial + y*y*dRadial + 6*d.P1*y + 2*d.P2*x

		det := j11*j22 - j12*j21
		if det == 0 {
			break
		}
		x -= (j22*ex - j12*ey) / det
		y -= (-j21*ex + j11*ey) / det
	}
	return r2.Point{X: x, Y: y}
}

// UndistortAll undistorts a slice of pixels.
func (c CameraIntrinsics) UndistortAll(pts []r2.Point) []r2.Point {
	out := make([]r2.Point, len(pts))
	for i, p := range pts {
		out[i] = c.Undistort(p)
	}
	return out
}

// Ray returns the unit bearing of a pixel in camera coordinates.
func (c CameraIntrinsics) Ray(p r2.Point) r3.Vector {
	n := c.Undistort(p)
	return r3.Vector{X: n.X, Y: n.Y, Z: 1}.Normalize()
}

// Project maps a point in camera coordinates to a distorted pixel. ok is
// false for points at or behind the camera plane.
func (c CameraIntrinsics) Project(p r3.Vector) (r2.Point, bool) {
	if p.Z <= 1e-12 {
		return r2.Point{}, false
	}
	return c.Distort(r2.Point{X: p.X / p.Z, Y: p.Y / p.Z}), true
}
