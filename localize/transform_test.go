package localize

import (
	"errors"
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// transformsEqual checks if two transforms are equal within epsilon tolerance
func transformsEqual(a, b Transform) bool {
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			if math.Abs(a[i][j]-b[i][j]) > 1e-9 {
				return false
			}
		}
	}
	return true
}

func TestParseTransform(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		want    Transform
	}{
		{
			name:  "identity",
			input: "1 0 0 0 0 1 0 0 0 0 1 0 0 0 0 1",
			want:  IdentityTransform(),
		},
		{
			name:  "translation with extra whitespace",
			input: "  1 0 0 3\n0 1 0 -2\t0 0 1 0.5 0 0 0 1 ",
			want:  NewTransform(IdentityRotation(), r3.Vector{X: 3, Y: -2, Z: 0.5}),
		},
		{name: "too few values", input: "1 0 0 0 0 1 0 0 0 0 1 0 0 0 0", wantErr: true},
		{name: "too many values", input: "1 0 0 0 0 1 0 0 0 0 1 0 0 0 0 1 1", wantErr: true},
		{name: "not a number", input: "1 0 0 x 0 1 0 0 0 0 1 0 0 0 0 1", wantErr: true},
		{name: "not finite", input: "1 0 0 NaN 0 1 0 0 0 0 1 0 0 0 0 1", wantErr: true},
		{name: "infinite", input: "1 0 0 +Inf 0 1 0 0 0 0 1 0 0 0 0 1", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTransform(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrMalformedPose), "error should wrap ErrMalformedPose: %v", err)
				return
			}
			require.NoError(t, err)
			assert.True(t, transformsEqual(got, tt.want), "got %v, want %v", got, tt.want)
		})
	}
}

func TestTransformStringRoundTrip(t *testing.T) {
	tr := NewTransform(RotationFromRPY(0.1, -0.2, 0.3), r3.Vector{X: 1.5, Y: -2.25, Z: 3})
	parsed, err := ParseTransform(tr.String())
	require.NoError(t, err)
	assert.Equal(t, tr, parsed)
}

func TestTransformInverseAndMul(t *testing.T) {
	tr := NewTransform(RotationFromRPY(0.4, 0.2, -1.1), r3.Vector{X: 2, Y: -1, Z: 7})

	assert.True(t, transformsEqual(tr.Mul(tr.Inverse()), IdentityTransform()))
	assert.True(t, transformsEqual(tr.Inverse().Mul(tr), IdentityTransform()))

	p := r3.Vector{X: 0.3, Y: -4, Z: 2}
	back := tr.Inverse().Apply(tr.Apply(p))
	assert.True(t, vectorsNear(p, back, 1e-9), "round trip %v != %v", back, p)

	// Mul applies the right operand first.
	shift := NewTransform(IdentityRotation(), r3.Vector{X: 1})
	rot := NewTransform(RotationFromAxisAngle(r3.Vector{Z: math.Pi / 2}), r3.Vector{})
	got := rot.Mul(shift).Apply(r3.Vector{})
	assert.True(t, vectorsNear(got, r3.Vector{Y: 1}, 1e-12), "got %v", got)
}

func TestRotationAxisAngleRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		w    r3.Vector
	}{
		{"zero", r3.Vector{}},
		{"small x", r3.Vector{X: 1e-4}},
		{"quarter turn z", r3.Vector{Z: math.Pi / 2}},
		{"oblique", r3.Vector{X: 0.3, Y: -0.5, Z: 0.8}},
		{"near pi", r3.Vector{X: 0, Y: math.Pi - 1e-8, Z: 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := RotationFromAxisAngle(tt.w)
			assert.InDelta(t, 1.0, r.Det(), 1e-12)
			back := RotationFromAxisAngle(r.AxisAngle())
			for i := 0; i < 3; i++ {
				for j := 0; j < 3; j++ {
					assert.InDelta(t, r[i][j], back[i][j], 1e-6)
				}
			}
		})
	}
}

func TestLookAt(t *testing.T) {
	eye := r3.Vector{X: 1, Y: 2, Z: 10}
	r := LookAt(eye, r3.Vector{X: 1, Y: 2}, r3.Vector{Y: 1})

	assert.InDelta(t, 1.0, r.Det(), 1e-12)
	forward := r.Apply(r3.Vector{Z: 1})
	assert.True(t, vectorsNear(forward, r3.Vector{Z: -1}, 1e-12), "camera +Z should point down, got %v", forward)

	rt := r.Mul(r.Transpose())
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			want := 0.0
			if i == j {
				want = 1
			}
			assert.InDelta(t, want, rt[i][j], 1e-12)
		}
	}
}
