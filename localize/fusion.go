package localize

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// DefaultConditionEpsilon is the smallest σmin/σmax accepted when
// intersecting rays.
const DefaultConditionEpsilon = 1e-6

// FusionConfig tunes multi-ray position fusion.
type FusionConfig struct {
	MinRays            int     `yaml:"minRays" json:"minRays" validate:"gte=2"`
	ConditionEpsilon   float64 `yaml:"conditionEpsilon" json:"conditionEpsilon" validate:"gt=0"`
	AverageOrientation bool    `yaml:"averageOrientation" json:"averageOrientation"`
}

// DefaultFusionConfig returns two rays minimum and position-only fusion.
func DefaultFusionConfig() FusionConfig {
	return FusionConfig{
		MinRays:          2,
		ConditionEpsilon: DefaultConditionEpsilon,
	}
}

// RaysFromEstimates turns every valid estimate into a ray from its keyframe's
// world position toward the hypothesized query position.
func RaysFromEstimates(estimates []PoseEstimate) []Ray {
	rays := make([]Ray, 0, len(estimates))
	for _, e := range estimates {
		if !e.Valid || e.Match == nil || e.Match.Keyframe == nil {
			continue
		}
		kf := e.Match.Keyframe
		origin := kf.Pose.Translation()
		hyp := kf.Pose.Mul(e.Relative).Translation()
		d := hyp.Sub(origin)
		if d.Norm() < 1e-12 {
			continue
		}
		rays = append(rays, Ray{KeyframeID: kf.ID, Origin: origin, Direction: d.Normalize()})
	}
	return rays
}

// IntersectRays returns the point minimizing the summed squared perpendicular
// distance to every ray.
func IntersectRays(rays []Ray, eps float64) (r3.Vector, error) {
	if len(rays) < 2 {
		return r3.Vector{}, fmt.Errorf("%w: got %d", ErrInsufficientRays, len(rays))
	}

	a := mat.NewDense(3, 3, nil)
	b := mat.NewVecDense(3, nil)
	for _, r := range rays {
		d := r.Direction.Normalize()
		dv := []float64{d.X, d.Y, d.Z}
		o := []float64{r.Origin.X, r.Origin.Y, r.Origin.Z}
		for i := 0; i < 3; i++ {
			var bi float64
			for j := 0; j < 3; j++ {
				p := -dv[i] * dv[j]
				if i == j {
					p++
				}
				a.Set(i, j, a.At(i, j)+p)
				bi += p * o[j]
			}
			b.SetVec(i, b.AtVec(i)+bi)
		}
	}

	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDFull) {
		return r3.Vector{}, fmt.Errorf("%w: SVD did not converge", ErrIllConditioned)
	}
	sv := svd.Values(nil)
	if sv[0] == 0 || sv[2]/sv[0] < eps {
		return r3.Vector{}, fmt.Errorf("%w: condition %.3g", ErrIllConditioned, sv[2]/math.Max(sv[0], math.SmallestNonzeroFloat64))
	}

	var x mat.VecDense
	svd.SolveVecTo(&x, b, svd.Rank(eps))
	return r3.Vector{X: x.AtVec(0), Y: x.AtVec(1), Z: x.AtVec(2)}, nil
}

// RotationAverager combines several world orientations into one.
type RotationAverager interface {
	Average(rs []Rotation) (Rotation, error)
}

// KarcherMean is the intrinsic mean on SO(3), found by repeatedly averaging
// the rotations in the tangent space of the current estimate.
type KarcherMean struct {
	MaxIterations int
	Tolerance     float64
}

// NewKarcherMean returns an averager with the stock iteration bounds.
func NewKarcherMean() KarcherMean {
	return KarcherMean{MaxIterations: 50, Tolerance: 1e-3}
}

// Average implements RotationAverager.
func (k KarcherMean) Average(rs []Rotation) (Rotation, error) {
	if len(rs) == 0 {
		return IdentityRotation(), fmt.Errorf("no rotations to average")
	}
	iters := k.MaxIterations
	if iters <= 0 {
		iters = 50
	}

	mean := rs[0]
	for it := 0; it < iters; it++ {
		var step r3.Vector
		for _, r := range rs {
			step = step.Add(mean.Transpose().Mul(r).AxisAngle())
		}
		step = step.Mul(1 / float64(len(rs)))
		mean = mean.Mul(RotationFromAxisAngle(step))
		if step.Norm() < k.Tolerance {
			break
		}
	}
	return mean, nil
}

// Fused is the combined world estimate of one cycle.
type Fused struct {
	Position    r3.Vector
	Orientation *Rotation
	Rays        []Ray
}

// PositionFuser intersects the rays of valid estimates.
type PositionFuser struct {
	cfg      FusionConfig
	averager RotationAverager
}

// NewPositionFuser builds a fuser. When cfg.AverageOrientation is set the
// orientation is resolved with a KarcherMean.
func NewPositionFuser(cfg FusionConfig) *PositionFuser {
	if cfg.ConditionEpsilon <= 0 {
		cfg.ConditionEpsilon = DefaultConditionEpsilon
	}
	if cfg.MinRays < 2 {
		cfg.MinRays = 2
	}
	f := &PositionFuser{cfg: cfg}
	if cfg.AverageOrientation {
		f.averager = NewKarcherMean()
	}
	return f
}

// WithAverager replaces the rotation averager. nil disables orientation.
func (f *PositionFuser) WithAverager(a RotationAverager) *PositionFuser {
	f.averager = a
	return f
}

// Fuse combines valid estimates into a world position. Orientation stays nil
// unless an averager is configured.
func (f *PositionFuser) Fuse(estimates []PoseEstimate) (Fused, error) {
	rays := RaysFromEstimates(estimates)
	if len(rays) < f.cfg.MinRays {
		return Fused{Rays: rays}, fmt.Errorf("%w: got %d, need %d", ErrInsufficientRays, len(rays), f.cfg.MinRays)
	}
	pos, err := IntersectRays(rays, f.cfg.ConditionEpsilon)
	if err != nil {
		return Fused{Rays: rays}, err
	}

	out := Fused{Position: pos, Rays: rays}
	if f.averager == nil {
		return out, nil
	}

	var rs []Rotation
	for _, e := range estimates {
		if e.Valid && e.Match != nil && e.Match.Keyframe != nil {
			rs = append(rs, e.Match.Keyframe.Pose.Mul(e.Relative).Rotation())
		}
	}
	if r, err := f.averager.Average(rs); err == nil {
		out.Orientation = &r
	}
	return out, nil
}
