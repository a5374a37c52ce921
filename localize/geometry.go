package localize

import (
	"math"
	"math/rand"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// mat3 is a row-major 3x3 matrix used for small closed-form geometry.
type mat3 [3][3]float64

func eye3() mat3 {
	return mat3{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
}

func (a mat3) mul(b mat3) mat3 {
	var out mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = a[i][0]*b[0][j] + a[i][1]*b[1][j] + a[i][2]*b[2][j]
		}
	}
	return out
}

func (a mat3) t() mat3 {
	var out mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = a[j][i]
		}
	}
	return out
}

func (a mat3) sub(b mat3) mat3 {
	var out mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = a[i][j] - b[i][j]
		}
	}
	return out
}

func (a mat3) scale(s float64) mat3 {
	var out mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = a[i][j] * s
		}
	}
	return out
}

func (a mat3) apply(v r3.Vector) r3.Vector {
	return Rotation(a).Apply(v)
}

func (a mat3) det() float64 {
	return Rotation(a).Det()
}

// fromColumns builds a matrix whose columns are c0, c1, c2.
func fromColumns(c0, c1, c2 r3.Vector) mat3 {
	return mat3{
		{c0.X, c1.X, c2.X},
		{c0.Y, c1.Y, c2.Y},
		{c0.Z, c1.Z, c2.Z},
	}
}

func (a mat3) col(j int) r3.Vector {
	return r3.Vector{X: a[0][j], Y: a[1][j], Z: a[2][j]}
}

func (a mat3) dense() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		a[0][0], a[0][1], a[0][2],
		a[1][0], a[1][1], a[1][2],
		a[2][0], a[2][1], a[2][2],
	})
}

func mat3From(m mat.Matrix) mat3 {
	var out mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = m.At(i, j)
		}
	}
	return out
}

// svd3 factorizes a 3x3 matrix as U diag(s) Vᵀ with s descending.
func svd3(a mat3) (u mat3, s [3]float64, v mat3, ok bool) {
	var svd mat.SVD
	if !svd.Factorize(a.dense(), mat.SVDFull) {
		return u, s, v, false
	}
	var ud, vd mat.Dense
	svd.UTo(&ud)
	svd.VTo(&vd)
	vals := svd.Values(nil)
	copy(s[:], vals)
	return mat3From(&ud), s, mat3From(&vd), true
}

// nullVector returns the right singular vector of a with the smallest
// singular value, together with the singular values in descending order.
func nullVector(a *mat.Dense) ([]float64, []float64, bool) {
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDFull) {
		return nil, nil, false
	}
	var v mat.Dense
	svd.VTo(&v)
	_, c := v.Dims()
	h := make([]float64, c)
	for i := range h {
		h[i] = v.At(i, c-1)
	}
	return h, svd.Values(nil), true
}

// normalizePoints applies Hartley normalization: translate the centroid to
// the origin and scale so the mean distance from it is √2.
func normalizePoints(pts []r2.Point) ([]r2.Point, mat3) {
	var c r2.Point
	for _, p := range pts {
		c = c.Add(p)
	}
	c = c.Mul(1 / float64(len(pts)))

	var meanDist float64
	for _, p := range pts {
		meanDist += p.Sub(c).Norm()
	}
	meanDist /= float64(len(pts))

	s := 1.0
	if meanDist > 1e-12 {
		s = math.Sqrt2 / meanDist
	}

	out := make([]r2.Point, len(pts))
	for i, p := range pts {
		out[i] = p.Sub(c).Mul(s)
	}
	t := mat3{
		{s, 0, -s * c.X},
		{0, s, -s * c.Y},
		{0, 0, 1},
	}
	return out, t
}

// invertSimilarity inverts a matrix produced by normalizePoints.
func invertSimilarity(t mat3) mat3 {
	s := t[0][0]
	return mat3{
		{1 / s, 0, -t[0][2] / s},
		{0, 1 / s, -t[1][2] / s},
		{0, 0, 1},
	}
}

func homog(p r2.Point) r3.Vector {
	return r3.Vector{X: p.X, Y: p.Y, Z: 1}
}

// sampleIndices draws k distinct indices from [0, n).
func sampleIndices(rng *rand.Rand, n, k int) []int {
	perm := rng.Perm(n)
	return perm[:k]
}

func pick(pts []r2.Point, idx []int) []r2.Point {
	out := make([]r2.Point, len(idx))
	for i, j := range idx {
		out[i] = pts[j]
	}
	return out
}

// triangulate recovers a point seen at x1 by camera [I|0] and at x2 by
// camera [R|t] with the linear (DLT) method.
func triangulate(x1, x2 r2.Point, r mat3, t r3.Vector) (r3.Vector, bool) {
	p2 := [3][4]float64{
		{r[0][0], r[0][1], r[0][2], t.X},
		{r[1][0], r[1][1], r[1][2], t.Y},
		{r[2][0], r[2][1], r[2][2], t.Z},
	}
	p1 := [3][4]float64{{1, 0, 0, 0}, {0, 1, 0, 0}, {0, 0, 1, 0}}

	a := mat.NewDense(4, 4, nil)
	for j := 0; j < 4; j++ {
		a.Set(0, j, x1.X*p1[2][j]-p1[0][j])
		a.Set(1, j, x1.Y*p1[2][j]-p1[1][j])
		a.Set(2, j, x2.X*p2[2][j]-p2[0][j])
		a.Set(3, j, x2.Y*p2[2][j]-p2[1][j])
	}
	h, _, ok := nullVector(a)
	if !ok || math.Abs(h[3]) < 1e-12 {
		return r3.Vector{}, false
	}
	return r3.Vector{X: h[0] / h[3], Y: h[1] / h[3], Z: h[2] / h[3]}, true
}
