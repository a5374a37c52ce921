package localize

import (
	"fmt"
	"math/rand"

	"github.com/golang/geo/r2"
)

// PoseRecoverer recovers the relative pose between a query frame and one
// candidate keyframe from the candidate's good correspondences.
type PoseRecoverer interface {
	RecoverPose(m *CandidateMatch) PoseEstimate
}

// Pose recovery methods.
const (
	PoseHomography  = "homography"
	PoseFundamental = "fundamental"
)

// PoseConfig tunes relative pose recovery.
type PoseConfig struct {
	Method           string  `yaml:"method" json:"method" validate:"omitempty,oneof=homography fundamental"`
	RansacIterations int     `yaml:"ransacIterations" json:"ransacIterations" validate:"gte=1"`
	RansacThreshold  float64 `yaml:"ransacThreshold" json:"ransacThreshold" validate:"gt=0"` // pixels
	MinFrontFraction float64 `yaml:"minFrontFraction" json:"minFrontFraction" validate:"gte=0,lte=1"`
	Seed             int64   `yaml:"seed" json:"seed"`
}

// DefaultPoseConfig returns homography recovery with a 3 px RANSAC threshold.
func DefaultPoseConfig() PoseConfig {
	return PoseConfig{
		Method:           PoseHomography,
		RansacIterations: 500,
		RansacThreshold:  3.0,
		MinFrontFraction: 0.75,
		Seed:             1,
	}
}

// NewPoseRecoverer returns the recoverer selected by cfg.Method.
func NewPoseRecoverer(cfg PoseConfig, cam CameraIntrinsics) (PoseRecoverer, error) {
	switch cfg.Method {
	case "", PoseHomography:
		return &HomographyRecoverer{cfg: cfg, camera: cam}, nil
	case PoseFundamental:
		return &EssentialRecoverer{cfg: cfg, camera: cam}, nil
	default:
		return nil, fmt.Errorf("unknown pose method %q", cfg.Method)
	}
}

// normalizedCorrespondences lifts the good correspondences of a match into
// undistorted normalized image coordinates.
func normalizedCorrespondences(cam CameraIntrinsics, m *CandidateMatch) (x1, x2 []r2.Point) {
	q, k := m.Points()
	return cam.UndistortAll(q), cam.UndistortAll(k)
}

// thresholdNormalized converts a pixel threshold into normalized units.
func thresholdNormalized(cam CameraIntrinsics, px float64) float64 {
	return px / ((cam.Fx + cam.Fy) / 2)
}

// candidateRNG gives every keyframe its own deterministic stream.
func candidateRNG(seed int64, m *CandidateMatch) *rand.Rand {
	return rand.New(rand.NewSource(seed ^ int64(m.Keyframe.ID)*0x9E3779B9))
}

func invalidEstimate(m *CandidateMatch, err error) PoseEstimate {
	return PoseEstimate{Relative: IdentityTransform(), Match: m, Err: err}
}

// RecoverAll runs a recoverer over every candidate. Failures are independent.
func RecoverAll(r PoseRecoverer, matches []CandidateMatch) []PoseEstimate {
	out := make([]PoseEstimate, len(matches))
	for i := range matches {
		out[i] = r.RecoverPose(&matches[i])
	}
	return out
}
