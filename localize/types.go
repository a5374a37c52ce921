package localize

import (
	"fmt"
	"time"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
)

// Keyframe is a reference image of the map with a known world pose.
// Keypoints and Descriptors are parallel slices.
type Keyframe struct {
	ID          int
	ImagePath   string
	Keypoints   []r2.Point
	Descriptors [][]float64
	Pose        Transform // camera-to-world
}

// Position returns the keyframe's camera center in world coordinates.
func (kf *Keyframe) Position() r3.Vector {
	return kf.Pose.Translation()
}

// Validate checks the invariants a keyframe must hold before it enters the store.
func (kf *Keyframe) Validate() error {
	if len(kf.Descriptors) == 0 {
		return fmt.Errorf("keyframe %d has no descriptors", kf.ID)
	}
	if len(kf.Keypoints) != len(kf.Descriptors) {
		return fmt.Errorf("keyframe %d has %d keypoints but %d descriptors",
			kf.ID, len(kf.Keypoints), len(kf.Descriptors))
	}
	return validateDescriptors(kf.Descriptors)
}

// QueryFrame holds the features extracted from one live image. It lives for
// a single localization cycle.
type QueryFrame struct {
	Source      string
	Received    time.Time
	Keypoints   []r2.Point
	Descriptors [][]float64
}

// Validate checks keypoint/descriptor cardinality.
func (q *QueryFrame) Validate() error {
	if len(q.Keypoints) != len(q.Descriptors) {
		return fmt.Errorf("query frame has %d keypoints but %d descriptors",
			len(q.Keypoints), len(q.Descriptors))
	}
	return validateDescriptors(q.Descriptors)
}

func validateDescriptors(descs [][]float64) error {
	if len(descs) == 0 {
		return nil
	}
	dim := len(descs[0])
	if dim == 0 {
		return fmt.Errorf("descriptors have zero length")
	}
	for i, d := range descs {
		if len(d) != dim {
			return fmt.Errorf("descriptor %d has length %d, want %d", i, len(d), dim)
		}
	}
	return nil
}

// Correspondence pairs a query keypoint with a keyframe keypoint.
type Correspondence struct {
	QueryIdx int
	TrainIdx int
	Distance float64
}

// CandidateMatch is the scored comparison of a query frame against one keyframe.
// Good is always a subset of All.
type CandidateMatch struct {
	Query    *QueryFrame
	Keyframe *Keyframe
	Good     []Correspondence
	All      []Correspondence
	Score    int
}

// Points returns the pixel coordinates of the good correspondences on the
// query and keyframe side.
func (m *CandidateMatch) Points() (query, train []r2.Point) {
	query = make([]r2.Point, len(m.Good))
	train = make([]r2.Point, len(m.Good))
	for i, c := range m.Good {
		query[i] = m.Query.Keypoints[c.QueryIdx]
		train[i] = m.Keyframe.Keypoints[c.TrainIdx]
	}
	return query, train
}

// PoseEstimate is a recovered query-to-keyframe transform. Relative maps
// query camera coordinates into keyframe camera coordinates; its translation
// has unit length because monocular geometry fixes direction only.
type PoseEstimate struct {
	Relative Transform
	Valid    bool
	Match    *CandidateMatch
	Inliers  int
	Err      error
}

// Ray is a direction hypothesis from a keyframe toward the query position.
type Ray struct {
	KeyframeID int
	Origin     r3.Vector
	Direction  r3.Vector
}

// Status is the localization state.
type Status int

const (
	Unlocalized Status = iota
	Localized
)

func (s Status) String() string {
	switch s {
	case Localized:
		return "LOCALIZED"
	default:
		return "UNLOCALIZED"
	}
}

// MarshalText lets Status appear as a string in JSON and YAML.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses the string form of a Status.
func (s *Status) UnmarshalText(b []byte) error {
	switch string(b) {
	case "LOCALIZED":
		*s = Localized
	case "UNLOCALIZED":
		*s = Unlocalized
	default:
		return fmt.Errorf("unknown status %q", string(b))
	}
	return nil
}

// Vec3 is the JSON form of a 3-vector.
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// ToVec3 converts an r3.Vector for serialization.
func ToVec3(v r3.Vector) Vec3 {
	return Vec3{X: v.X, Y: v.Y, Z: v.Z}
}

// Vector converts back to r3.
func (v Vec3) Vector() r3.Vector {
	return r3.Vector{X: v.X, Y: v.Y, Z: v.Z}
}

// HistoryEntry is one successful position estimate.
type HistoryEntry struct {
	Position  Vec3      `json:"position"`
	Timestamp time.Time `json:"timestamp"`
	CycleID   string    `json:"cycleId,omitempty"`
}

// MatchRecord describes one keyframe that contributed a ray to a fused estimate.
type MatchRecord struct {
	KeyframeID int  `json:"keyframeId"`
	Origin     Vec3 `json:"origin"`
	Direction  Vec3 `json:"direction"`
	Score      int  `json:"score"`
	Inliers    int  `json:"inliers"`
}

// LocalizationRecord is what a successful cycle emits to pose sinks.
type LocalizationRecord struct {
	CycleID     string         `json:"cycleId"`
	Timestamp   time.Time      `json:"timestamp"`
	Status      Status         `json:"status"`
	Position    Vec3           `json:"position"`
	Orientation *Rotation      `json:"orientation,omitempty"`
	Matches     []MatchRecord  `json:"matches"`
	History     []HistoryEntry `json:"history,omitempty"`
}
