package localize

import (
	"image/color"
	"image/png"
	"io"
	"math"
	"sort"

	"github.com/paulmach/orb"
	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
)

// snapCoord rounds coord to a multiple of increment. Non-positive increments
// leave coord as is.
func snapCoord(coord, increment float64) float64 {
	if increment <= 0 {
		return coord
	}
	return math.Round(coord/increment) * increment
}

// nrgbaToRGBA premultiplies alpha; canvas paints take premultiplied colors.
func nrgbaToRGBA(c color.NRGBA) color.RGBA {
	if c.A == 0 {
		return color.RGBA{0, 0, 0, 0}
	}
	if c.A == 255 {
		return color.RGBA{c.R, c.G, c.B, 255}
	}
	alpha32 := uint32(c.A)
	return color.RGBA{
		R: uint8((uint32(c.R) * alpha32) / 255),
		G: uint8((uint32(c.G) * alpha32) / 255),
		B: uint8((uint32(c.B) * alpha32) / 255),
		A: c.A,
	}
}

// occupancyCell is a column of the map footprint on the xy grid.
type occupancyCell struct {
	I, J int64
}

// VectorRenderer renders the map footprint, track and pose as vector graphics.
// Canvas units are millimeters; Scale converts meters to canvas units.
type VectorRenderer struct {
	Map           PointCloud
	Track         orb.LineString
	Current       *PoseRecord
	CellSize      float64           // Footprint cell edge in meters
	Scale         float64           // Canvas millimeters per meter
	Padding       float64           // Padding in meters
	Resolution    canvas.Resolution // Resolution for PNG output
	GridSpacing   float64           // Grid line spacing in meters; 0 disables
	SnapIncrement float64           // Snap track vertices to this increment (m); 0 disables
}

// NewVectorRenderer returns a renderer for m with half-meter cells.
func NewVectorRenderer(m PointCloud) *VectorRenderer {
	return &VectorRenderer{
		Map:           m,
		CellSize:      0.5,
		Scale:         10.0, // 1 m = 1 cm on the page
		Padding:       2.0,
		Resolution:    canvas.DPI(150),
		GridSpacing:   10.0,
		SnapIncrement: 0,
	}
}

// canvasRenderer is the part of canvas.Renderer used here, shared by the
// SVG and raster backends.
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

// occupancy returns the occupied footprint cells in a stable order.
func (r *VectorRenderer) occupancy() []occupancyCell {
	cell := r.CellSize
	if cell <= 0 {
		cell = 0.5
	}
	seen := make(map[occupancyCell]struct{})
	for _, p := range r.Map {
		if !p.IsFinite() {
			continue
		}
		seen[occupancyCell{int64(math.Floor(p.X / cell)), int64(math.Floor(p.Y / cell))}] = struct{}{}
	}
	cells := make([]occupancyCell, 0, len(seen))
	for c := range seen {
		cells = append(cells, c)
	}
	sort.Slice(cells, func(a, b int) bool {
		if cells[a].I != cells[b].I {
			return cells[a].I < cells[b].I
		}
		return cells[a].J < cells[b].J
	})
	return cells
}

// worldBounds returns the xy extent in meters of everything that is drawn.
func (r *VectorRenderer) worldBounds() (minX, minY, maxX, maxY float64) {
	minX, minY = math.MaxFloat64, math.MaxFloat64
	maxX, maxY = -math.MaxFloat64, -math.MaxFloat64
	grow := func(x, y float64) {
		minX = math.Min(minX, x)
		minY = math.Min(minY, y)
		maxX = math.Max(maxX, x)
		maxY = math.Max(maxY, y)
	}
	if b, ok := r.Map.Bounds(); ok {
		grow(b.Min.X, b.Min.Y)
		grow(b.Max.X, b.Max.Y)
	}
	for _, p := range r.Track {
		grow(p[0], p[1])
	}
	if r.Current != nil {
		grow(r.Current.Position.X, r.Current.Position.Y)
	}
	if minX > maxX {
		return 0, 0, 0, 0
	}
	return
}

func (r *VectorRenderer) pageSize(minX, minY, maxX, maxY float64) (float64, float64) {
	width := (maxX - minX + 2*r.Padding) * r.Scale
	height := (maxY - minY + 2*r.Padding) * r.Scale
	return math.Max(width, 1), math.Max(height, 1)
}

// RenderToSVG writes the view as an SVG to the provided writer
func (r *VectorRenderer) RenderToSVG(w io.Writer) error {
	minX, minY, maxX, maxY := r.worldBounds()
	width, height := r.pageSize(minX, minY, maxX, maxY)

	svgRenderer := svg.New(w, width, height, nil)
	r.renderToCanvas(svgRenderer, minX, minY, maxX, maxY, width, height)
	return svgRenderer.Close()
}

// RenderToPNG writes the view as a PNG to the provided writer
func (r *VectorRenderer) RenderToPNG(w io.Writer) error {
	minX, minY, maxX, maxY := r.worldBounds()
	width, height := r.pageSize(minX, minY, maxX, maxY)

	rast := rasterizer.New(width, height, r.Resolution, canvas.DefaultColorSpace)
	r.renderToCanvas(rast, minX, minY, maxX, maxY, width, height)
	return png.Encode(w, rast)
}

// renderToCanvas draws onto a canvas renderer (shared logic for SVG and PNG).
// Canvas y points up, so map coordinates need no flip.
func (r *VectorRenderer) renderToCanvas(renderer canvasRenderer, minX, minY, maxX, maxY, width, height float64) {
	bgStyle := canvas.DefaultStyle
	bgStyle.Fill = canvas.Paint{Color: canvas.White}
	renderer.RenderPath(canvas.Rectangle(width, height), bgStyle, canvas.Identity)

	toCanvas := func(x, y float64) (float64, float64) {
		return (x - minX + r.Padding) * r.Scale, (y - minY + r.Padding) * r.Scale
	}

	// Map footprint as filled cells.
	cell := r.CellSize
	if cell <= 0 {
		cell = 0.5
	}
	cellStyle := canvas.DefaultStyle
	cellStyle.Fill = canvas.Paint{Color: nrgbaToRGBA(color.NRGBA{60, 60, 60, 200})}
	cellStyle.Stroke = canvas.Paint{Color: canvas.Transparent}
	for _, c := range r.occupancy() {
		cx, cy := toCanvas(float64(c.I)*cell, float64(c.J)*cell)
		renderer.RenderPath(canvas.Rectangle(cell*r.Scale, cell*r.Scale).Translate(cx, cy), cellStyle, canvas.Identity)
	}

	if r.GridSpacing > 0 {
		gridStyle := canvas.DefaultStyle
		gridStyle.Fill = canvas.Paint{Color: canvas.Transparent}
		gridStyle.Stroke = canvas.Paint{Color: canvas.Gray}
		gridStyle.StrokeWidth = 0.2
		gridStyle.Dashes = []float64{1.0, 1.0}

		for x := math.Floor(minX/r.GridSpacing) * r.GridSpacing; x <= maxX; x += r.GridSpacing {
			gridPath := &canvas.Path{}
			x1, y1 := toCanvas(x, minY)
			x2, y2 := toCanvas(x, maxY)
			gridPath.MoveTo(x1, y1)
			gridPath.LineTo(x2, y2)
			renderer.RenderPath(gridPath, gridStyle, canvas.Identity)
		}
		for y := math.Floor(minY/r.GridSpacing) * r.GridSpacing; y <= maxY; y += r.GridSpacing {
			gridPath := &canvas.Path{}
			x1, y1 := toCanvas(minX, y)
			x2, y2 := toCanvas(maxX, y)
			gridPath.MoveTo(x1, y1)
			gridPath.LineTo(x2, y2)
			renderer.RenderPath(gridPath, gridStyle, canvas.Identity)
		}
	}

	if len(r.Track) >= 2 {
		trackStyle := canvas.DefaultStyle
		trackStyle.Fill = canvas.Paint{Color: canvas.Transparent}
		trackStyle.Stroke = canvas.Paint{Color: trackColor}
		trackStyle.StrokeWidth = 1.0

		tp := &canvas.Path{}
		for i, p := range r.Track {
			cx, cy := toCanvas(snapCoord(p[0], r.SnapIncrement), snapCoord(p[1], r.SnapIncrement))
			if i == 0 {
				tp.MoveTo(cx, cy)
			} else {
				tp.LineTo(cx, cy)
			}
		}
		renderer.RenderPath(tp, trackStyle, canvas.Identity)
	}

	if r.Current != nil {
		cx, cy := toCanvas(r.Current.Position.X, r.Current.Position.Y)

		poseStyle := canvas.DefaultStyle
		poseStyle.Fill = canvas.Paint{Color: poseColor}
		poseStyle.Stroke = canvas.Paint{Color: canvas.Black}
		poseStyle.StrokeWidth = 0.3
		renderer.RenderPath(canvas.Circle(1.5).Translate(cx, cy), poseStyle, canvas.Identity)

		dirStyle := canvas.DefaultStyle
		dirStyle.Fill = canvas.Paint{Color: canvas.Transparent}
		dirStyle.Stroke = canvas.Paint{Color: poseColor}
		dirStyle.StrokeWidth = 0.8

		dirPath := &canvas.Path{}
		dirPath.MoveTo(cx, cy)
		dirPath.LineTo(cx+4*math.Cos(r.Current.Yaw), cy+4*math.Sin(r.Current.Yaw))
		renderer.RenderPath(dirPath, dirStyle, canvas.Identity)
	}
}
