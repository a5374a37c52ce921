package localize

import (
	"fmt"
	"image/color"
	"image/png"
	"io"
	"math"

	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
)

// TrajectoryRenderer draws a top-down (x, y) view of the map keyframes, the
// estimated path, the current position and the last cycle's rays.
type TrajectoryRenderer struct {
	Scale       float64           // canvas millimeters per world unit
	Padding     float64           // padding in world units
	Resolution  canvas.Resolution // PNG resolution
	GridSpacing float64           // world units between grid lines; 0 disables

	KeyframeColor color.RGBA
	PathColor     color.RGBA
	PositionColor color.RGBA
	RayColor      color.RGBA
}

// NewTrajectoryRenderer returns a renderer with default styling.
func NewTrajectoryRenderer() *TrajectoryRenderer {
	return &TrajectoryRenderer{
		Scale:         10.0,
		Padding:       2.0,
		Resolution:    canvas.DPMM(4),
		GridSpacing:   5.0,
		KeyframeColor: color.RGBA{R: 90, G: 90, B: 90, A: 255},
		PathColor:     color.RGBA{R: 33, G: 150, B: 243, A: 255},
		PositionColor: color.RGBA{R: 229, G: 57, B: 53, A: 255},
		RayColor:      color.RGBA{R: 67, G: 160, B: 71, A: 255},
	}
}

type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

type worldBounds struct {
	minX, minY, maxX, maxY float64
}

func (b *worldBounds) add(x, y float64) {
	b.minX = math.Min(b.minX, x)
	b.minY = math.Min(b.minY, y)
	b.maxX = math.Max(b.maxX, x)
	b.maxY = math.Max(b.maxY, y)
}

func (b *worldBounds) empty() bool {
	return b.minX > b.maxX
}

// RenderToSVG writes the trajectory as an SVG.
func (r *TrajectoryRenderer) RenderToSVG(w io.Writer, snap TrajectorySnapshot) error {
	b, err := r.bounds(snap)
	if err != nil {
		return err
	}
	width, height := r.size(b)
	s := svg.New(w, width, height, nil)
	r.renderToCanvas(s, snap, b, width, height)
	return s.Close()
}

// RenderToPNG writes the trajectory as a PNG.
func (r *TrajectoryRenderer) RenderToPNG(w io.Writer, snap TrajectorySnapshot) error {
	b, err := r.bounds(snap)
	if err != nil {
		return err
	}
	width, height := r.size(b)
	rast := rasterizer.New(width, height, r.Resolution, canvas.DefaultColorSpace)
	r.renderToCanvas(rast, snap, b, width, height)
	return png.Encode(w, rast)
}

func (r *TrajectoryRenderer) size(b worldBounds) (float64, float64) {
	return (b.maxX - b.minX + 2*r.Padding) * r.Scale, (b.maxY - b.minY + 2*r.Padding) * r.Scale
}

func (r *TrajectoryRenderer) bounds(snap TrajectorySnapshot) (worldBounds, error) {
	b := worldBounds{math.MaxFloat64, math.MaxFloat64, -math.MaxFloat64, -math.MaxFloat64}
	for _, k := range snap.Keyframes {
		b.add(k.X, k.Y)
	}
	for _, h := range snap.Path {
		b.add(h.Position.X, h.Position.Y)
	}
	if snap.Last != nil {
		b.add(snap.Last.Position.X, snap.Last.Position.Y)
		for _, m := range snap.Last.Matches {
			tip := rayTip(m)
			b.add(m.Origin.X, m.Origin.Y)
			b.add(tip.X, tip.Y)
		}
	}
	if b.empty() {
		return b, fmt.Errorf("nothing to render")
	}
	return b, nil
}

func rayTip(m MatchRecord) Vec3 {
	return ToVec3(m.Origin.Vector().Add(m.Direction.Vector().Mul(RayArrowLength)))
}

func (r *TrajectoryRenderer) renderToCanvas(renderer canvasRenderer, snap TrajectorySnapshot, b worldBounds, width, height float64) {
	bgStyle := canvas.DefaultStyle
	bgStyle.Fill = canvas.Paint{Color: canvas.White}
	renderer.RenderPath(canvas.Rectangle(width, height), bgStyle, canvas.Identity)

	toCanvas := func(x, y float64) (float64, float64) {
		return (x - b.minX + r.Padding) * r.Scale, (y - b.minY + r.Padding) * r.Scale
	}

	if r.GridSpacing > 0 {
		gridStyle := canvas.DefaultStyle
		gridStyle.Fill = canvas.Paint{Color: canvas.Transparent}
		gridStyle.Stroke = canvas.Paint{Color: color.RGBA{R: 220, G: 220, B: 220, A: 255}}
		gridStyle.StrokeWidth = 0.2
		gridStyle.Dashes = []float64{1.0, 1.0}

		lo, hi := b.minX-r.Padding, b.maxX+r.Padding
		for x := math.Ceil(lo/r.GridSpacing) * r.GridSpacing; x <= hi; x += r.GridSpacing {
			p := &canvas.Path{}
			x1, y1 := toCanvas(x, b.minY-r.Padding)
			x2, y2 := toCanvas(x, b.maxY+r.Padding)
			p.MoveTo(x1, y1)
			p.LineTo(x2, y2)
			renderer.RenderPath(p, gridStyle, canvas.Identity)
		}
		lo, hi = b.minY-r.Padding, b.maxY+r.Padding
		for y := math.Ceil(lo/r.GridSpacing) * r.GridSpacing; y <= hi; y += r.GridSpacing {
			p := &canvas.Path{}
			x1, y1 := toCanvas(b.minX-r.Padding, y)
			x2, y2 := toCanvas(b.maxX+r.Padding, y)
			p.MoveTo(x1, y1)
			p.LineTo(x2, y2)
			renderer.RenderPath(p, gridStyle, canvas.Identity)
		}
	}

	kfStyle := canvas.DefaultStyle
	kfStyle.Fill = canvas.Paint{Color: r.KeyframeColor}
	kfStyle.Stroke = canvas.Paint{Color: canvas.Transparent}
	for _, k := range snap.Keyframes {
		cx, cy := toCanvas(k.X, k.Y)
		renderer.RenderPath(canvas.Circle(0.8).Translate(cx, cy), kfStyle, canvas.Identity)
	}

	if len(snap.Path) >= 2 {
		pathStyle := canvas.DefaultStyle
		pathStyle.Fill = canvas.Paint{Color: canvas.Transparent}
		pathStyle.Stroke = canvas.Paint{Color: r.PathColor}
		pathStyle.StrokeWidth = 0.6
		pathStyle.StrokeJoiner = canvas.RoundJoin

		p := &canvas.Path{}
		for i, h := range snap.Path {
			cx, cy := toCanvas(h.Position.X, h.Position.Y)
			if i == 0 {
				p.MoveTo(cx, cy)
			} else {
				p.LineTo(cx, cy)
			}
		}
		renderer.RenderPath(p, pathStyle, canvas.Identity)
	}

	if snap.Last == nil {
		return
	}

	rayStyle := canvas.DefaultStyle
	rayStyle.Fill = canvas.Paint{Color: canvas.Transparent}
	rayStyle.Stroke = canvas.Paint{Color: r.RayColor}
	rayStyle.StrokeWidth = 0.4
	headStyle := canvas.DefaultStyle
	headStyle.Fill = canvas.Paint{Color: r.RayColor}
	headStyle.Stroke = canvas.Paint{Color: canvas.Transparent}

	for _, m := range snap.Last.Matches {
		tip := rayTip(m)
		x1, y1 := toCanvas(m.Origin.X, m.Origin.Y)
		x2, y2 := toCanvas(tip.X, tip.Y)
		if x1 == x2 && y1 == y2 {
			continue
		}
		line := &canvas.Path{}
		line.MoveTo(x1, y1)
		line.LineTo(x2, y2)
		renderer.RenderPath(line, rayStyle, canvas.Identity)
		renderer.RenderPath(arrowHead(x1, y1, x2, y2, 1.5), headStyle, canvas.Identity)
	}

	posStyle := canvas.DefaultStyle
	posStyle.Fill = canvas.Paint{Color: r.PositionColor}
	posStyle.Stroke = canvas.Paint{Color: canvas.Black}
	posStyle.StrokeWidth = 0.2
	cx, cy := toCanvas(snap.Last.Position.X, snap.Last.Position.Y)
	renderer.RenderPath(canvas.Circle(1.2).Translate(cx, cy), posStyle, canvas.Identity)
}

// arrowHead returns a filled triangle of the given length pointing from
// (x1, y1) toward (x2, y2), with its tip at (x2, y2).
func arrowHead(x1, y1, x2, y2, length float64) *canvas.Path {
	angle := math.Atan2(y2-y1, x2-x1)
	spread := math.Pi / 7
	p := &canvas.Path{}
	p.MoveTo(x2, y2)
	p.LineTo(x2-length*math.Cos(angle-spread), y2-length*math.Sin(angle-spread))
	p.LineTo(x2-length*math.Cos(angle+spread), y2-length*math.Sin(angle+spread))
	p.Close()
	return p
}
