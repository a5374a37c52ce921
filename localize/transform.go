package localize

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
)

// Transform is a 4x4 homogeneous rigid-body transform stored row-major.
// Keyframe poses map camera coordinates into world coordinates.
type Transform [4][4]float64

// Rotation is a 3x3 rotation matrix stored row-major.
type Rotation [3][3]float64

// IdentityTransform returns the identity transform.
func IdentityTransform() Transform {
	return Transform{
		{1, 0, 0, 0},
		{0, 1, 0, 0},
		{0, 0, 1, 0},
		{0, 0, 0, 1},
	}
}

// IdentityRotation returns the identity rotation.
func IdentityRotation() Rotation {
	return Rotation{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
}

// NewTransform builds a rigid transform from a rotation and translation.
func NewTransform(r Rotation, t r3.Vector) Transform {
	return Transform{
		{r[0][0], r[0][1], r[0][2], t.X},
		{r[1][0], r[1][1], r[1][2], t.Y},
		{r[2][0], r[2][1], r[2][2], t.Z},
		{0, 0, 0, 1},
	}
}

// ParseTransform parses 16 whitespace-separated numbers in row-major order.
// Anything else is rejected with ErrMalformedPose.
func ParseTransform(s string) (Transform, error) {
	fields := strings.Fields(s)
	if len(fields) != 16 {
		return Transform{}, fmt.Errorf("%w: expected 16 values, got %d", ErrMalformedPose, len(fields))
	}

	var t Transform
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return Transform{}, fmt.Errorf("%w: value %d %q: %v", ErrMalformedPose, i, f, err)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Transform{}, fmt.Errorf("%w: value %d is not finite", ErrMalformedPose, i)
		}
		t[i/4][i%4] = v
	}
	return t, nil
}

// String formats the transform the way ParseTransform reads it.
func (t Transform) String() string {
	parts := make([]string, 0, 16)
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			parts = append(parts, strconv.FormatFloat(t[i][j], 'g', -1, 64))
		}
	}
	return strings.Join(parts, " ")
}

// Mul composes two transforms: applying the result equals applying o first, then t.
func (t Transform) Mul(o Transform) Transform {
	var out Transform
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			var sum float64
			for k := 0; k < 4; k++ {
				sum += t[i][k] * o[k][j]
			}
			out[i][j] = sum
		}
	}
	return out
}

// Apply maps a point through the transform.
func (t Transform) Apply(p r3.Vector) r3.Vector {
	return r3.Vector{
		X: t[0][0]*p.X + t[0][1]*p.Y + t[0][2]*p.Z + t[0][3],
		Y: t[1][0]*p.X + t[1][1]*p.Y + t[1][2]*p.Z + t[1][3],
		Z: t[2][0]*p.X + t[2][1]*p.Y + t[2][2]*p.Z + t[2][3],
	}
}

// Translation returns the translation column.
func (t Transform) Translation() r3.Vector {
	return r3.Vector{X: t[0][3], Y: t[1][3], Z: t[2][3]}
}

// Rotation returns the upper-left 3x3 block.
func (t Transform) Rotation() Rotation {
	return Rotation{
		{t[0][0], t[0][1], t[0][2]},
		{t[1][0], t[1][1], t[1][2]},
		{t[2][0], t[2][1], t[2][2]},
	}
}

// Inverse returns the inverse of a rigid transform. The rotation block is
// assumed orthonormal.
func (t Transform) Inverse() Transform {
	rt := t.Rotation().Transpose()
	tr := rt.Apply(t.Translation()).Mul(-1)
	return NewTransform(rt, tr)
}

// Apply rotates a vector.
func (r Rotation) Apply(v r3.Vector) r3.Vector {
	return r3.Vector{
		X: r[0][0]*v.X + r[0][1]*v.Y + r[0][2]*v.Z,
		Y: r[1][0]*v.X + r[1][1]*v.Y + r[1][2]*v.Z,
		Z: r[2][0]*v.X + r[2][1]*v.Y + r[2][2]*v.Z,
	}
}

// Mul returns r*o.
func (r Rotation) Mul(o Rotation) Rotation {
	var out Rotation
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = r[i][0]*o[0][j] + r[i][1]*o[1][j] + r[i][2]*o[2][j]
		}
	}
	return out
}

// Transpose returns rᵀ, which is also the inverse of a rotation.
func (r Rotation) Transpose() Rotation {
	var out Rotation
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = r[j][i]
		}
	}
	return out
}

// Det returns the determinant.
func (r Rotation) Det() float64 {
	return r[0][0]*(r[1][1]*r[2][2]-r[1][2]*r[2][1]) -
		r[0][1]*(r[1][0]*r[2][2]-r[1][2]*r[2][0]) +
		r[0][2]*(r[1][0]*r[2][1]-r[1][1]*r[2][0])
}

// RotationFromAxisAngle is the exponential map from so(3): a rotation of
// |w| radians around w.
func RotationFromAxisAngle(w r3.Vector) Rotation {
	theta := w.Norm()
	if theta < 1e-12 {
		return IdentityRotation()
	}
	k := w.Mul(1 / theta)
	s, c := math.Sin(theta), math.Cos(theta)
	v := 1 - c
	return Rotation{
		{c + k.X*k.X*v, k.X*k.Y*v - k.Z*s, k.X*k.Z*v + k.Y*s},
		{k.Y*k.X*v + k.Z*s, c + k.Y*k.Y*v, k.Y*k.Z*v - k.X*s},
		{k.Z*k.X*v - k.Y*s, k.Z*k.Y*v + k.X*s, c + k.Z*k.Z*v},
	}
}

// AxisAngle is the logarithm map to so(3), the inverse of RotationFromAxisAngle.
func (r Rotation) AxisAngle() r3.Vector {
	cosTheta := (r[0][0] + r[1][1] + r[2][2] - 1) / 2
	cosTheta = math.Max(-1, math.Min(1, cosTheta))
	theta := math.Acos(cosTheta)

	if theta < 1e-9 {
		return r3.Vector{}
	}

	if math.Pi-theta < 1e-6 {
		// Near pi the antisymmetric part vanishes; recover the axis from the
		// symmetric part instead.
		xx := math.Sqrt(math.Max(0, (r[0][0]+1)/2))
		yy := math.Sqrt(math.Max(0, (r[1][1]+1)/2))
		zz := math.Sqrt(math.Max(0, (r[2][2]+1)/2))
		axis := r3.Vector{X: xx, Y: yy, Z: zz}
		switch {
		case xx >= yy && xx >= zz:
			axis.Y = math.Copysign(yy, r[0][1])
			axis.Z = math.Copysign(zz, r[0][2])
		case yy >= zz:
			axis.X = math.Copysign(xx, r[0][1])
			axis.Z = math.Copysign(zz, r[1][2])
		default:
			axis.X = math.Copysign(xx, r[0][2])
			axis.Y = math.Copysign(yy, r[1][2])
		}
		return axis.Normalize().Mul(theta)
	}

	w := r3.Vector{
		X: r[2][1] - r[1][2],
		Y: r[0][2] - r[2][0],
		Z: r[1][0] - r[0][1],
	}
	return w.Mul(theta / (2 * math.Sin(theta)))
}

// RotationFromRPY builds a rotation from roll, pitch and yaw in radians
// (Rz(yaw) * Ry(pitch) * Rx(roll)).
func RotationFromRPY(roll, pitch, yaw float64) Rotation {
	rx := RotationFromAxisAngle(r3.Vector{X: roll})
	ry := RotationFromAxisAngle(r3.Vector{Y: pitch})
	rz := RotationFromAxisAngle(r3.Vector{Z: yaw})
	return rz.Mul(ry).Mul(rx)
}

// LookAt returns a camera-to-world rotation for a camera at eye looking
// toward target, using the computer-vision convention: +Z forward, +Y down.
func LookAt(eye, target, up r3.Vector) Rotation {
	z := target.Sub(eye).Normalize()
	x := z.Cross(up).Normalize()
	if x.Norm() < 1e-9 {
		x = z.Cross(r3.Vector{X: 1}).Normalize()
	}
	y := z.Cross(x)
	return Rotation{
		{x.X, y.X, z.X},
		{x.Y, y.Y, z.Y},
		{x.Z, y.Z, z.Z},
	}
}
