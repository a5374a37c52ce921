package localize

import "errors"

// Load-time errors. Any of them stops the service from starting.
var (
	ErrProjectUnreadable = errors.New("project description unreadable")
	ErrImageUnreadable   = errors.New("keyframe image unreadable")
	ErrCacheUnreadable   = errors.New("descriptor cache unreadable")
	ErrMalformedPose     = errors.New("malformed keyframe pose")
	ErrEmptyMap          = errors.New("map has no keyframes")
)

// ErrDescriptorMismatch reports descriptors of different lengths meeting in
// one store or one match.
var ErrDescriptorMismatch = errors.New("descriptor length mismatch")

// Per-candidate and per-cycle errors. They are absorbed into retry bookkeeping.
var (
	ErrTooFewCorrespondences = errors.New("too few correspondences")
	ErrDegenerateHomography  = errors.New("degenerate homography")
	ErrDegenerateEssential   = errors.New("degenerate essential matrix")
	ErrNoValidPlacement      = errors.New("no decomposition places points in front of both cameras")
	ErrInsufficientRays      = errors.New("at least two rays are required")
	ErrIllConditioned        = errors.New("ray system is ill-conditioned")
)

// Cycle control errors.
var (
	ErrCycleAborted  = errors.New("cycle aborted: no correspondences")
	ErrCycleInFlight = errors.New("localization cycle already running")
	ErrNoFrame       = errors.New("no pending frame")
)
