package localize

import (
	"math"
	"math/rand"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
)

const epsilon = 1e-10

// almostEqual checks if two floats are equal within epsilon tolerance
func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < epsilon
}

// vectorsNear checks if two vectors are within tol of each other
func vectorsNear(a, b r3.Vector, tol float64) bool {
	return a.Sub(b).Norm() < tol
}

// testCamera is a distortion-free 640x480 camera.
func testCamera() CameraIntrinsics {
	return CameraIntrinsics{Fx: 500, Fy: 500, Cx: 320, Cy: 240}
}

// syntheticScene is a textured ground plane (z = 0) seen by cameras looking
// straight down. Every ground point carries a unique random descriptor.
type syntheticScene struct {
	cam    CameraIntrinsics
	points []r3.Vector
	descs  [][]float64
	width  float64
	height float64
}

func newSyntheticScene(t *testing.T, n int, seed int64) *syntheticScene {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	s := &syntheticScene{cam: testCamera(), width: 640, height: 480}
	for i := 0; i < n; i++ {
		s.points = append(s.points, r3.Vector{X: rng.Float64()*16 - 8, Y: rng.Float64()*14 - 7})
		d := make([]float64, 16)
		for j := range d {
			d[j] = rng.NormFloat64()
		}
		s.descs = append(s.descs, d)
	}
	return s
}

// downwardPose is a camera-to-world pose at pos looking at the ground.
func downwardPose(pos r3.Vector) Transform {
	target := r3.Vector{X: pos.X, Y: pos.Y}
	return NewTransform(LookAt(pos, target, r3.Vector{Y: 1}), pos)
}

// observe projects every ground point into a camera at pose and returns the
// visible keypoints with their descriptors.
func (s *syntheticScene) observe(pose Transform) ([]r2.Point, [][]float64) {
	worldToCam := pose.Inverse()
	var kps []r2.Point
	var descs [][]float64
	for i, p := range s.points {
		px, ok := s.cam.Project(worldToCam.Apply(p))
		if !ok || px.X < 0 || px.Y < 0 || px.X >= s.width || px.Y >= s.height {
			continue
		}
		kps = append(kps, px)
		descs = append(descs, append([]float64(nil), s.descs[i]...))
	}
	return kps, descs
}

func (s *syntheticScene) keyframes(positions []r3.Vector) []Keyframe {
	out := make([]Keyframe, len(positions))
	for i, pos := range positions {
		pose := downwardPose(pos)
		kps, descs := s.observe(pose)
		out[i] = Keyframe{ID: i, ImagePath: "synthetic", Keypoints: kps, Descriptors: descs, Pose: pose}
	}
	return out
}

// query observes the scene from pos and perturbs each descriptor with noise.
func (s *syntheticScene) query(pos r3.Vector, noise float64, seed int64) *QueryFrame {
	rng := rand.New(rand.NewSource(seed))
	kps, descs := s.observe(downwardPose(pos))
	for _, d := range descs {
		for j := range d {
			d[j] += rng.NormFloat64() * noise
		}
	}
	return &QueryFrame{Source: "synthetic", Keypoints: kps, Descriptors: descs}
}

func keyframePointers(frames []Keyframe) []*Keyframe {
	out := make([]*Keyframe, len(frames))
	for i := range frames {
		out[i] = &frames[i]
	}
	return out
}
