package localize

import (
	"fmt"
	"image"
	"sort"

	"github.com/golang/geo/r2"
	"gonum.org/v1/gonum/floats"
)

// FeatureExtractor turns an image into keypoints and parallel descriptors.
type FeatureExtractor interface {
	Extract(img image.Image) ([]r2.Point, [][]float64, error)
	DescriptorLength() int
}

// ExtractorConfig tunes the Harris patch extractor.
type ExtractorConfig struct {
	MaxFeatures int     `yaml:"maxFeatures" json:"maxFeatures" validate:"gte=1"`
	PatchRadius int     `yaml:"patchRadius" json:"patchRadius" validate:"gte=1,lte=16"`
	CellSize    int     `yaml:"cellSize" json:"cellSize" validate:"gte=2"`
	HarrisK     float64 `yaml:"harrisK" json:"harrisK" validate:"gt=0,lt=0.25"`
	Threshold   float64 `yaml:"threshold" json:"threshold" validate:"gte=0,lt=1"` // fraction of the strongest response
	MaxSide     int     `yaml:"maxSide" json:"maxSide" validate:"gte=0"`          // 0 keeps full resolution
}

// DefaultExtractorConfig returns 9x9 patches, 16 px buckets and up to 1000
// features.
func DefaultExtractorConfig() ExtractorConfig {
	return ExtractorConfig{
		MaxFeatures: 1000,
		PatchRadius: 4,
		CellSize:    16,
		HarrisK:     0.04,
		Threshold:   0.01,
		MaxSide:     1024,
	}
}

// HarrisPatchExtractor detects Harris corners, keeps the strongest one per
// grid cell and describes each with its zero-mean, unit-norm luminance patch.
type HarrisPatchExtractor struct {
	cfg ExtractorConfig
}

// NewHarrisPatchExtractor builds an extractor.
func NewHarrisPatchExtractor(cfg ExtractorConfig) *HarrisPatchExtractor {
	return &HarrisPatchExtractor{cfg: cfg}
}

// DescriptorLength is the length of every descriptor the extractor produces.
func (e *HarrisPatchExtractor) DescriptorLength() int {
	s := 2*e.cfg.PatchRadius + 1
	return s * s
}

type corner struct {
	x, y     int
	response float64
}

// Extract implements FeatureExtractor. Keypoints are in the pixel coordinates
// of the input image even when it is downsampled internally.
func (e *HarrisPatchExtractor) Extract(img image.Image) ([]r2.Point, [][]float64, error) {
	small, scale := Downsample(img, e.cfg.MaxSide)
	g := ToGray(small)
	border := e.cfg.PatchRadius + 2
	if g.W <= 2*border || g.H <= 2*border {
		return nil, nil, fmt.Errorf("image %dx%d too small for %d px patches", g.W, g.H, 2*e.cfg.PatchRadius+1)
	}

	resp := e.harris(g)
	peak := floats.Max(resp)
	if peak <= 0 {
		return nil, nil, nil
	}
	thr := e.cfg.Threshold * peak

	best := make(map[[2]int]corner)
	for y := border; y < g.H-border; y++ {
		for x := border; x < g.W-border; x++ {
			r := resp[y*g.W+x]
			if r <= thr || !isLocalMax(resp, g.W, x, y) {
				continue
			}
			cell := [2]int{x / e.cfg.CellSize, y / e.cfg.CellSize}
			if c, ok := best[cell]; !ok || r > c.response {
				best[cell] = corner{x: x, y: y, response: r}
			}
		}
	}

	corners := make([]corner, 0, len(best))
	for _, c := range best {
		corners = append(corners, c)
	}
	sort.Slice(corners, func(i, j int) bool {
		if corners[i].response != corners[j].response {
			return corners[i].response > corners[j].response
		}
		if corners[i].y != corners[j].y {
			return corners[i].y < corners[j].y
		}
		return corners[i].x < corners[j].x
	})
	if len(corners) > e.cfg.MaxFeatures {
		corners = corners[:e.cfg.MaxFeatures]
	}

	kps := make([]r2.Point, 0, len(corners))
	descs := make([][]float64, 0, len(corners))
	for _, c := range corners {
		d, ok := e.describe(g, c.x, c.y)
		if !ok {
			continue
		}
		kps = append(kps, r2.Point{X: float64(c.x) * scale, Y: float64(c.y) * scale})
		descs = append(descs, d)
	}
	return kps, descs, nil
}

// harris returns the corner response det(M) - k·trace(M)² of the 3x3
// windowed structure tensor of Sobel gradients.
func (e *HarrisPatchExtractor) harris(g *GrayImage) []float64 {
	n := g.W * g.H
	ixx := make([]float64, n)
	iyy := make([]float64, n)
	ixy := make([]float64, n)
	for y := 0; y < g.H; y++ {
		for x := 0; x < g.W; x++ {
			gx := (g.At(x+1, y-1) + 2*g.At(x+1, y) + g.At(x+1, y+1)) -
				(g.At(x-1, y-1) + 2*g.At(x-1, y) + g.At(x-1, y+1))
			gy := (g.At(x-1, y+1) + 2*g.At(x, y+1) + g.At(x+1, y+1)) -
				(g.At(x-1, y-1) + 2*g.At(x, y-1) + g.At(x+1, y-1))
			i := y*g.W + x
			ixx[i] = gx * gx
			iyy[i] = gy * gy
			ixy[i] = gx * gy
		}
	}

	resp := make([]float64, n)
	for y := 1; y < g.H-1; y++ {
		for x := 1; x < g.W-1; x++ {
			var a, b, c float64
			for dy := -1; dy <= 1; dy++ {
				row := (y + dy) * g.W
				for dx := -1; dx <= 1; dx++ {
					a += ixx[row+x+dx]
					b += iyy[row+x+dx]
					c += ixy[row+x+dx]
				}
			}
			tr := a + b
			resp[y*g.W+x] = a*b - c*c - e.cfg.HarrisK*tr*tr
		}
	}
	return resp
}

func isLocalMax(resp []float64, w, x, y int) bool {
	r := resp[y*w+x]
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			if (dx != 0 || dy != 0) && resp[(y+dy)*w+x+dx] > r {
				return false
			}
		}
	}
	return true
}

// describe samples the patch around (x, y). Flat patches have no usable
// descriptor.
func (e *HarrisPatchExtractor) describe(g *GrayImage, x, y int) ([]float64, bool) {
	r := e.cfg.PatchRadius
	d := make([]float64, 0, e.DescriptorLength())
	for dy := -r; dy <= r; dy++ {
		for dx := -r; dx <= r; dx++ {
			d = append(d, g.At(x+dx, y+dy))
		}
	}
	floats.AddConst(-floats.Sum(d)/float64(len(d)), d)
	norm := floats.Norm(d, 2)
	if norm < 1e-9 {
		return nil, false
	}
	floats.Scale(1/norm, d)
	return d, true
}

// ExtractQuery decodes a frame and extracts its features.
func ExtractQuery(ex FeatureExtractor, f Frame) (*QueryFrame, error) {
	img, _, err := DecodeImage(f.Data)
	if err != nil {
		return nil, err
	}
	kps, descs, err := ex.Extract(img)
	if err != nil {
		return nil, fmt.Errorf("extract features: %w", err)
	}
	q := &QueryFrame{Source: f.Source, Received: f.Received, Keypoints: kps, Descriptors: descs}
	if err := q.Validate(); err != nil {
		return nil, err
	}
	return q, nil
}
