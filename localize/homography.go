package localize

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

const (
	minHomographyPoints = 4
	// rankTolerance is the smallest relative singular value of the DLT system
	// that still counts as full rank.
	rankTolerance = 1e-10
	// pureRotationTolerance bounds σ1-σ3 of a normalized homography below
	// which the translation is unobservable.
	pureRotationTolerance = 1e-6
)

// Homography maps x1 to x2 in homogeneous coordinates: x2 ~ H x1.
type Homography struct {
	h mat3
}

// At returns element (i, j).
func (h Homography) At(i, j int) float64 { return h.h[i][j] }

// Apply maps a point through the homography.
func (h Homography) Apply(p r2.Point) (r2.Point, bool) {
	v := h.h.apply(homog(p))
	if math.Abs(v.Z) < 1e-12 {
		return r2.Point{}, false
	}
	return r2.Point{X: v.X / v.Z, Y: v.Y / v.Z}, true
}

// EstimateHomography solves for H from at least four correspondences with the
// Hartley-normalized direct linear transform.
func EstimateHomography(x1, x2 []r2.Point) (Homography, error) {
	if len(x1) != len(x2) {
		return Homography{}, fmt.Errorf("point sets differ in size: %d vs %d", len(x1), len(x2))
	}
	if len(x1) < minHomographyPoints {
		return Homography{}, fmt.Errorf("%w: %d < %d", ErrTooFewCorrespondences, len(x1), minHomographyPoints)
	}

	n1, t1 := normalizePoints(x1)
	n2, t2 := normalizePoints(x2)

	a := mat.NewDense(2*len(n1), 9, nil)
	for i := range n1 {
		x, y := n1[i].X, n1[i].Y
		u, v := n2[i].X, n2[i].Y
		a.SetRow(2*i, []float64{0, 0, 0, -x, -y, -1, v * x, v * y, v})
		a.SetRow(2*i+1, []float64{x, y, 1, 0, 0, 0, -u * x, -u * y, -u})
	}

	h, sv, ok := nullVector(a)
	if !ok {
		return Homography{}, fmt.Errorf("%w: SVD did not converge", ErrDegenerateHomography)
	}
	// Eight independent constraints are needed; a smaller rank means the
	// points are collinear or repeated.
	if len(sv) < 8 || sv[7] < rankTolerance*sv[0] {
		return Homography{}, fmt.Errorf("%w: rank deficient point configuration", ErrDegenerateHomography)
	}

	hn := mat3{{h[0], h[1], h[2]}, {h[3], h[4], h[5]}, {h[6], h[7], h[8]}}
	hm := invertSimilarity(t2).mul(hn).mul(t1)
	if math.Abs(hm[2][2]) > 1e-12 {
		hm = hm.scale(1 / hm[2][2])
	}
	return Homography{h: hm}, nil
}

// transferError is the distance between x2 and H x1.
func (h Homography) transferError(x1, x2 r2.Point) float64 {
	p, ok := h.Apply(x1)
	if !ok {
		return math.Inf(1)
	}
	return p.Sub(x2).Norm()
}

func (h Homography) inliers(x1, x2 []r2.Point, thr float64) []int {
	var idx []int
	for i := range x1 {
		if h.transferError(x1[i], x2[i]) < thr {
			idx = append(idx, i)
		}
	}
	return idx
}

// RansacHomography fits a homography robust to outlier correspondences and
// returns it with the indices of its inliers.
func RansacHomography(x1, x2 []r2.Point, iterations int, thr float64, rng *rand.Rand) (Homography, []int, error) {
	if len(x1) < minHomographyPoints {
		return Homography{}, nil, fmt.Errorf("%w: %d < %d", ErrTooFewCorrespondences, len(x1), minHomographyPoints)
	}
	if len(x1) == minHomographyPoints {
		h, err := EstimateHomography(x1, x2)
		if err != nil {
			return Homography{}, nil, err
		}
		return h, []int{0, 1, 2, 3}, nil
	}

	var best []int
	for it := 0; it < iterations; it++ {
		s := sampleIndices(rng, len(x1), minHomographyPoints)
		h, err := EstimateHomography(pick(x1, s), pick(x2, s))
		if err != nil {
			continue
		}
		in := h.inliers(x1, x2, thr)
		if len(in) > len(best) {
			best = in
			if len(best) == len(x1) {
				break
			}
		}
	}
	if len(best) < minHomographyPoints {
		return Homography{}, nil, fmt.Errorf("%w: no consensus set", ErrDegenerateHomography)
	}

	h, err := EstimateHomography(pick(x1, best), pick(x2, best))
	if err != nil {
		return Homography{}, nil, err
	}
	refined := h.inliers(x1, x2, thr)
	if len(refined) < minHomographyPoints {
		return h, best, nil
	}
	return h, refined, nil
}

// PlanarMotion is one solution of a calibrated homography decomposition:
// X2 = R X1 + T for points satisfying Nᵀ X1 = 1 in the first camera.
type PlanarMotion struct {
	R Rotation
	T r3.Vector
	N r3.Vector
}

// DecomposeHomography splits a homography between normalized image
// coordinates into its four (R, T, N) candidates. The sign of H is fixed
// from the correspondences so that it has positive depth ratio.
func DecomposeHomography(h Homography, x1, x2 []r2.Point) ([]PlanarMotion, error) {
	_, s, _, ok := svd3(h.h)
	if !ok || s[1] < 1e-12 {
		return nil, fmt.Errorf("%w: singular homography", ErrDegenerateHomography)
	}
	hn := h.h.scale(1 / s[1])

	var agree float64
	for i := range x1 {
		agree += homog(x2[i]).Dot(hn.apply(homog(x1[i])))
	}
	if agree < 0 {
		hn = hn.scale(-1)
	}

	_, s, v, ok := svd3(hn)
	if !ok {
		return nil, fmt.Errorf("%w: SVD did not converge", ErrDegenerateHomography)
	}
	if v.det() < 0 {
		v = v.scale(-1)
	}
	s1, s3 := s[0]*s[0], s[2]*s[2]
	if s[0]-s[2] < pureRotationTolerance {
		return nil, fmt.Errorf("%w: pure rotation, translation unobservable", ErrDegenerateHomography)
	}

	v1, v2, v3 := v.col(0), v.col(1), v.col(2)
	denom := math.Sqrt(s1 - s3)
	a := math.Sqrt(math.Max(0, 1-s3))
	b := math.Sqrt(math.Max(0, s1-1))
	u1 := v1.Mul(a).Add(v3.Mul(b)).Mul(1 / denom)
	u2 := v1.Mul(a).Sub(v3.Mul(b)).Mul(1 / denom)

	solve := func(u r3.Vector) PlanarMotion {
		hv2 := hn.apply(v2)
		hu := hn.apply(u)
		U := fromColumns(v2, u, v2.Cross(u))
		W := fromColumns(hv2, hu, hv2.Cross(hu))
		r := W.mul(U.t())
		n := v2.Cross(u)
		t := hn.sub(r).apply(n)
		return PlanarMotion{R: Rotation(r), T: t, N: n}
	}

	m1 := solve(u1)
	m2 := solve(u2)
	return []PlanarMotion{
		m1,
		m2,
		{R: m1.R, T: m1.T.Mul(-1), N: m1.N.Mul(-1)},
		{R: m2.R, T: m2.T.Mul(-1), N: m2.N.Mul(-1)},
	}, nil
}

// frontCount counts correspondences that the motion places in front of both
// cameras.
func (pm PlanarMotion) frontCount(x1, x2 []r2.Point) int {
	count := 0
	for i := range x1 {
		p := homog(x1[i])
		nd := pm.N.Dot(p)
		if nd <= 0 {
			continue
		}
		X1 := p.Mul(1 / nd)
		X2 := Rotation(pm.R).Apply(X1).Add(pm.T)
		if X2.Z > 0 {
			count++
		}
	}
	return count
}

// HomographyRecoverer recovers relative pose under a planar-scene
// assumption.
type HomographyRecoverer struct {
	cfg    PoseConfig
	camera CameraIntrinsics
}

// RecoverPose implements PoseRecoverer.
func (hr *HomographyRecoverer) RecoverPose(m *CandidateMatch) PoseEstimate {
	if len(m.Good) < minHomographyPoints {
		return invalidEstimate(m, fmt.Errorf("%w: %d < %d", ErrTooFewCorrespondences, len(m.Good), minHomographyPoints))
	}

	x1, x2 := normalizedCorrespondences(hr.camera, m)
	thr := thresholdNormalized(hr.camera, hr.cfg.RansacThreshold)
	h, inliers, err := RansacHomography(x1, x2, hr.cfg.RansacIterations, thr, candidateRNG(hr.cfg.Seed, m))
	if err != nil {
		return invalidEstimate(m, err)
	}

	in1, in2 := pick(x1, inliers), pick(x2, inliers)
	motions, err := DecomposeHomography(h, in1, in2)
	if err != nil {
		return invalidEstimate(m, err)
	}

	best, ok := selectPlanarMotion(motions, in1, in2, hr.cfg.MinFrontFraction)
	if !ok {
		return invalidEstimate(m, ErrNoValidPlacement)
	}
	if best.T.Norm() < 1e-12 {
		return invalidEstimate(m, fmt.Errorf("%w: zero translation", ErrDegenerateHomography))
	}

	return PoseEstimate{
		Relative: NewTransform(best.R, best.T.Normalize()),
		Valid:    true,
		Match:    m,
		Inliers:  len(inliers),
	}
}

// selectPlanarMotion keeps the candidates placing at least minFraction of
// points in front of both cameras and prefers the most such points. The
// remaining two-fold ambiguity is resolved toward the plane facing the first
// camera most directly.
func selectPlanarMotion(motions []PlanarMotion, x1, x2 []r2.Point, minFraction float64) (PlanarMotion, bool) {
	bestIdx, bestCount := -1, 0
	for i, pm := range motions {
		c := pm.frontCount(x1, x2)
		if float64(c) < minFraction*float64(len(x1)) || c == 0 {
			continue
		}
		if bestIdx < 0 || c > bestCount ||
			(c == bestCount && pm.N.Normalize().Z > motions[bestIdx].N.Normalize().Z) {
			bestIdx, bestCount = i, c
		}
	}
	if bestIdx < 0 {
		return PlanarMotion{}, false
	}
	return motions[bestIdx], true
}
