package localize

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"math"
	"os"

	"github.com/paulmach/orb"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Colors used by the map renderers.
var (
	backgroundColor = color.RGBA{240, 240, 240, 255}
	mapLowColor     = color.NRGBA{110, 110, 110, 255}
	mapHighColor    = color.NRGBA{20, 20, 20, 255}
	trackColor      = color.RGBA{220, 30, 30, 255}
	poseColor       = color.RGBA{0, 0, 255, 255}
	textColor       = color.RGBA{0, 0, 0, 255}
)

// MapRenderer draws a top-down raster view of the map with the vehicle
// track and current pose overlaid.
type MapRenderer struct {
	Map        PointCloud
	Track      orb.LineString
	Current    *PoseRecord
	Scale      float64 // Pixels per meter
	Padding    int     // Pixels around the drawing
	MaxSize    int     // Largest allowed image side in pixels
	PointAlpha uint8   // Opacity of individual map points
}

// NewMapRenderer creates a renderer with default settings
func NewMapRenderer(m PointCloud) *MapRenderer {
	return &MapRenderer{
		Map:        m,
		Scale:      10.0, // 10 px per meter
		Padding:    30,
		MaxSize:    4000,
		PointAlpha: 160,
	}
}

// HasDrawableContent returns true if there is anything to draw.
func (r *MapRenderer) HasDrawableContent() bool {
	_, _, _, _, ok := r.bounds()
	return ok
}

// bounds returns the xy extent of the map, the track and the current pose.
func (r *MapRenderer) bounds() (minX, minY, maxX, maxY float64, ok bool) {
	minX, minY = math.MaxFloat64, math.MaxFloat64
	maxX, maxY = -math.MaxFloat64, -math.MaxFloat64
	grow := func(x, y float64) {
		minX = math.Min(minX, x)
		minY = math.Min(minY, y)
		maxX = math.Max(maxX, x)
		maxY = math.Max(maxY, y)
		ok = true
	}

	if b, has := r.Map.Bounds(); has {
		grow(b.Min.X, b.Min.Y)
		grow(b.Max.X, b.Max.Y)
	}
	for _, p := range r.Track {
		grow(p[0], p[1])
	}
	if r.Current != nil {
		grow(r.Current.Position.X, r.Current.Position.Y)
	}
	return
}

// heightRange returns the z range of the map for shading.
func (r *MapRenderer) heightRange() (lo, hi float64) {
	b, ok := r.Map.Bounds()
	if !ok {
		return 0, 0
	}
	return b.Min.Z, b.Max.Z
}

// Render creates the image. North (+y) is up.
func (r *MapRenderer) Render() *image.RGBA {
	minX, minY, maxX, maxY, ok := r.bounds()
	if !ok {
		minX, minY, maxX, maxY = 0, 0, 0, 0
	}

	scale := r.Scale
	if scale <= 0 {
		scale = 10
	}
	// Limit size
	if avail := float64(r.MaxSize - 2*r.Padding - 1); r.MaxSize > 0 && avail > 0 {
		if extent := math.Max(maxX-minX, maxY-minY); extent*scale > avail {
			scale = avail / extent
		}
	}
	width := int((maxX-minX)*scale) + 2*r.Padding + 1
	height := int((maxY-minY)*scale) + 2*r.Padding + 1

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), image.NewUniform(backgroundColor), image.Point{}, draw.Src)

	toImage := func(x, y float64) (int, int) {
		ix := int((x-minX)*scale) + r.Padding
		iy := height - 1 - (int((y-minY)*scale) + r.Padding)
		return ix, iy
	}

	// Map points, darker when higher.
	lo, hi := r.heightRange()
	for _, p := range r.Map {
		if !p.IsFinite() {
			continue
		}
		t := 0.0
		if hi > lo {
			t = (p.Z - lo) / (hi - lo)
		}
		c := lerpColor(mapLowColor, mapHighColor, t)
		c.A = r.PointAlpha
		ix, iy := toImage(p.X, p.Y)
		if image.Pt(ix, iy).In(img.Bounds()) {
			img.Set(ix, iy, blendColors(img.RGBAAt(ix, iy), c))
		}
	}

	// Track.
	for i := 1; i < len(r.Track); i++ {
		x0, y0 := toImage(r.Track[i-1][0], r.Track[i-1][1])
		x1, y1 := toImage(r.Track[i][0], r.Track[i][1])
		drawLine(img, x0, y0, x1, y1, trackColor)
	}

	// Current pose with a heading tick.
	if r.Current != nil {
		cx, cy := toImage(r.Current.Position.X, r.Current.Position.Y)
		drawCircle(img, cx, cy, 5, poseColor)
		hx := cx + int(14*math.Cos(r.Current.Yaw))
		hy := cy - int(14*math.Sin(r.Current.Yaw))
		drawLine(img, cx, cy, hx, hy, poseColor)

		label := fmt.Sprintf("#%d (%.1f, %.1f) yaw %.2f", r.Current.Seq,
			r.Current.Position.X, r.Current.Position.Y, r.Current.Yaw)
		drawText(img, 10, 15, label, textColor)
	}

	return img
}

// EncodePNG renders and writes the image as PNG
func (r *MapRenderer) EncodePNG(w io.Writer) error {
	return png.Encode(w, r.Render())
}

// SavePNG renders and saves the image to a file
func (r *MapRenderer) SavePNG(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	return r.EncodePNG(f)
}

func lerpColor(a, b color.NRGBA, t float64) color.NRGBA {
	t = math.Max(0, math.Min(1, t))
	mix := func(x, y uint8) uint8 { return uint8(float64(x) + (float64(y)-float64(x))*t) }
	return color.NRGBA{mix(a.R, b.R), mix(a.G, b.G), mix(a.B, b.B), 255}
}

// blendColors performs alpha blending of fg over an opaque background
func blendColors(bg color.RGBA, fg color.NRGBA) color.RGBA {
	alpha := float64(fg.A) / 255.0
	invAlpha := 1.0 - alpha

	return color.RGBA{
		R: uint8(float64(fg.R)*alpha + float64(bg.R)*invAlpha),
		G: uint8(float64(fg.G)*alpha + float64(bg.G)*invAlpha),
		B: uint8(float64(fg.B)*alpha + float64(bg.B)*invAlpha),
		A: 255,
	}
}

// drawCircle draws a filled circle
func drawCircle(img *image.RGBA, cx, cy, radius int, c color.RGBA) {
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			if dx*dx+dy*dy <= radius*radius {
				x, y := cx+dx, cy+dy
				if image.Pt(x, y).In(img.Bounds()) {
					img.SetRGBA(x, y, c)
				}
			}
		}
	}
}

// drawLine draws a one pixel Bresenham line
func drawLine(img *image.RGBA, x0, y0, x1, y1 int, c color.RGBA) {
	dx := abs(x1 - x0)
	dy := -abs(y1 - y0)
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}
	e := dx + dy
	for {
		if image.Pt(x0, y0).In(img.Bounds()) {
			img.SetRGBA(x0, y0, c)
		}
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * e
		if e2 >= dy {
			e += dy
			x0 += sx
		}
		if e2 <= dx {
			e += dx
			y0 += sy
		}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// drawText renders text onto an image at the specified position
func drawText(img *image.RGBA, x, y int, text string, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}
