package localize

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/golang/geo/r2"
	"gonum.org/v1/gonum/mat"
)

const minEssentialPoints = 8

// EstimateEssential solves x2ᵀ E x1 = 0 with the normalized eight-point
// algorithm and projects the result onto the essential manifold.
func EstimateEssential(x1, x2 []r2.Point) (mat3, error) {
	if len(x1) != len(x2) {
		return mat3{}, fmt.Errorf("point sets differ in size: %d vs %d", len(x1), len(x2))
	}
	if len(x1) < minEssentialPoints {
		return mat3{}, fmt.Errorf("%w: %d < %d", ErrTooFewCorrespondences, len(x1), minEssentialPoints)
	}

	n1, t1 := normalizePoints(x1)
	n2, t2 := normalizePoints(x2)

	a := mat.NewDense(len(n1), 9, nil)
	for i := range n1 {
		x, y := n1[i].X, n1[i].Y
		u, v := n2[i].X, n2[i].Y
		a.SetRow(i, []float64{u * x, u * y, u, v * x, v * y, v, x, y, 1})
	}
	e, sv, ok := nullVector(a)
	if !ok {
		return mat3{}, fmt.Errorf("%w: SVD did not converge", ErrDegenerateEssential)
	}
	if len(sv) < 8 || sv[7] < rankTolerance*sv[0] {
		return mat3{}, fmt.Errorf("%w: rank deficient point configuration", ErrDegenerateEssential)
	}

	en := mat3{{e[0], e[1], e[2]}, {e[3], e[4], e[5]}, {e[6], e[7], e[8]}}
	em := t2.t().mul(en).mul(t1)

	u, _, v, ok := svd3(em)
	if !ok {
		return mat3{}, fmt.Errorf("%w: SVD did not converge", ErrDegenerateEssential)
	}
	d := mat3{{1, 0, 0}, {0, 1, 0}, {0, 0, 0}}
	return u.mul(d).mul(v.t()), nil
}

// sampsonError is the first-order geometric error of a correspondence.
func sampsonError(e mat3, x1, x2 r2.Point) float64 {
	p1, p2 := homog(x1), homog(x2)
	ex1 := e.apply(p1)
	etx2 := e.t().apply(p2)
	num := p2.Dot(ex1)
	den := ex1.X*ex1.X + ex1.Y*ex1.Y + etx2.X*etx2.X + etx2.Y*etx2.Y
	if den < 1e-18 {
		return math.Inf(1)
	}
	return num * num / den
}

func essentialInliers(e mat3, x1, x2 []r2.Point, thr float64) []int {
	var idx []int
	for i := range x1 {
		if sampsonError(e, x1[i], x2[i]) < thr*thr {
			idx = append(idx, i)
		}
	}
	return idx
}

// RansacEssential fits an essential matrix robust to outliers.
func RansacEssential(x1, x2 []r2.Point, iterations int, thr float64, rng *rand.Rand) (mat3, []int, error) {
	if len(x1) < minEssentialPoints {
		return mat3{}, nil, fmt.Errorf("%w: %d < %d", ErrTooFewCorrespondences, len(x1), minEssentialPoints)
	}

	var best []int
	for it := 0; it < iterations; it++ {
		s := sampleIndices(rng, len(x1), minEssentialPoints)
		e, err := EstimateEssential(pick(x1, s), pick(x2, s))
		if err != nil {
			continue
		}
		in := essentialInliers(e, x1, x2, thr)
		if len(in) > len(best) {
			best = in
			if len(best) == len(x1) {
				break
			}
		}
	}
	if len(best) < minEssentialPoints {
		return mat3{}, nil, fmt.Errorf("%w: no consensus set", ErrDegenerateEssential)
	}
	e, err := EstimateEssential(pick(x1, best), pick(x2, best))
	if err != nil {
		return mat3{}, nil, err
	}
	return e, best, nil
}

// DecomposeEssential returns the four (R, t) candidates of an essential
// matrix. t has unit length.
func DecomposeEssential(e mat3) ([]PlanarMotion, error) {
	u, _, v, ok := svd3(e)
	if !ok {
		return nil, fmt.Errorf("%w: SVD did not converge", ErrDegenerateEssential)
	}
	if u.det() < 0 {
		u = u.scale(-1)
	}
	if v.det() < 0 {
		v = v.scale(-1)
	}
	w := mat3{{0, -1, 0}, {1, 0, 0}, {0, 0, 1}}
	ra := Rotation(u.mul(w).mul(v.t()))
	rb := Rotation(u.mul(w.t()).mul(v.t()))
	t := u.col(2).Normalize()
	return []PlanarMotion{
		{R: ra, T: t},
		{R: ra, T: t.Mul(-1)},
		{R: rb, T: t},
		{R: rb, T: t.Mul(-1)},
	}, nil
}

// cheiralityCount triangulates every correspondence and counts those in
// front of both cameras.
func cheiralityCount(pm PlanarMotion, x1, x2 []r2.Point) int {
	count := 0
	for i := range x1 {
		X, ok := triangulate(x1[i], x2[i], mat3(pm.R), pm.T)
		if !ok || X.Z <= 0 {
			continue
		}
		if Rotation(pm.R).Apply(X).Add(pm.T).Z > 0 {
			count++
		}
	}
	return count
}

// EssentialRecoverer recovers relative pose from the epipolar constraint.
// It needs a non-planar scene.
type EssentialRecoverer struct {
	cfg    PoseConfig
	camera CameraIntrinsics
}

// RecoverPose implements PoseRecoverer.
func (er *EssentialRecoverer) RecoverPose(m *CandidateMatch) PoseEstimate {
	if len(m.Good) < minEssentialPoints {
		return invalidEstimate(m, fmt.Errorf("%w: %d < %d", ErrTooFewCorrespondences, len(m.Good), minEssentialPoints))
	}

	x1, x2 := normalizedCorrespondences(er.camera, m)
	thr := thresholdNormalized(er.camera, er.cfg.RansacThreshold)
	e, inliers, err := RansacEssential(x1, x2, er.cfg.RansacIterations, thr, candidateRNG(er.cfg.Seed, m))
	if err != nil {
		return invalidEstimate(m, err)
	}

	motions, err := DecomposeEssential(e)
	if err != nil {
		return invalidEstimate(m, err)
	}

	in1, in2 := pick(x1, inliers), pick(x2, inliers)
	bestIdx, bestCount := -1, 0
	for i, pm := range motions {
		c := cheiralityCount(pm, in1, in2)
		if c > bestCount {
			bestIdx, bestCount = i, c
		}
	}
	if bestIdx < 0 || float64(bestCount) < er.cfg.MinFrontFraction*float64(len(inliers)) {
		return invalidEstimate(m, ErrNoValidPlacement)
	}

	best := motions[bestIdx]
	return PoseEstimate{
		Relative: NewTransform(best.R, best.T),
		Valid:    true,
		Match:    m,
		Inliers:  len(inliers),
	}
}

// EpipolarResidual returns |x2ᵀ E x1| for the essential matrix implied by a
// relative pose. It is exposed for diagnostics.
func EpipolarResidual(rel Transform, x1, x2 r2.Point) float64 {
	t := rel.Translation()
	tx := mat3{{0, -t.Z, t.Y}, {t.Z, 0, -t.X}, {-t.Y, t.X, 0}}
	e := tx.mul(mat3(rel.Rotation()))
	return math.Abs(homog(x2).Dot(e.apply(homog(x1))))
}
