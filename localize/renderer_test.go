package localize

import (
	"bytes"
	"image/color"
	"image/png"
	"math"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/paulmach/orb"
)

func squareMap() PointCloud {
	var cloud PointCloud
	for x := 0.0; x <= 10; x += 0.5 {
		cloud = append(cloud, Point{X: x, Y: 0}, Point{X: x, Y: 5, Z: 2})
	}
	return cloud
}

func TestMapRendererHasDrawableContent(t *testing.T) {
	r := NewMapRenderer(nil)
	if r.HasDrawableContent() {
		t.Fatalf("expected no drawable content for an empty renderer")
	}

	r = NewMapRenderer(PointCloud{{X: math.NaN()}})
	if r.HasDrawableContent() {
		t.Fatalf("expected no drawable content for non-finite points")
	}

	r = NewMapRenderer(nil)
	r.Track = orb.LineString{{1, 1}}
	if !r.HasDrawableContent() {
		t.Fatalf("expected drawable content when a track exists")
	}
}

func TestMapRendererRender(t *testing.T) {
	r := NewMapRenderer(squareMap())
	img := r.Render()

	// 10 x 5 m at 10 px/m with 30 px padding.
	if got := img.Bounds().Dx(); got != 161 {
		t.Errorf("width = %d, want 161", got)
	}
	if got := img.Bounds().Dy(); got != 111 {
		t.Errorf("height = %d, want 111", got)
	}

	if got := img.RGBAAt(0, 0); got != backgroundColor {
		t.Errorf("corner = %v, want background", got)
	}
	// Map origin lands at (padding, height-1-padding) because y points up.
	if got := img.RGBAAt(30, 80); got == backgroundColor {
		t.Errorf("map point at origin was not drawn")
	}
	// The top wall is higher, so it is drawn darker than the bottom wall.
	low := img.RGBAAt(30, 80)
	high := img.RGBAAt(30, 30)
	if high.R >= low.R {
		t.Errorf("expected higher points darker: low=%v high=%v", low, high)
	}
}

func TestMapRendererTrackAndPose(t *testing.T) {
	r := NewMapRenderer(squareMap())
	r.Track = orb.LineString{{1, 2}, {9, 2}}
	r.Current = &PoseRecord{Seq: 3, Position: r3.Vector{X: 5, Y: 2.5}}
	img := r.Render()

	// Track runs along y=2 -> row 110-30-20 = 60.
	if got := img.RGBAAt(60, 60); got != trackColor {
		t.Errorf("track pixel = %v, want %v", got, trackColor)
	}
	// Pose at (5, 2.5) -> (80, 55).
	if got := img.RGBAAt(80, 55); got != poseColor {
		t.Errorf("pose pixel = %v, want %v", got, poseColor)
	}
}

func TestMapRendererLimitsSize(t *testing.T) {
	r := NewMapRenderer(PointCloud{{X: 0, Y: 0}, {X: 2000, Y: 10}})
	r.MaxSize = 500
	img := r.Render()
	if img.Bounds().Dx() > 500 {
		t.Errorf("width %d exceeds max size", img.Bounds().Dx())
	}
}

func TestMapRendererSavePNG(t *testing.T) {
	path := filepath.Join(t.TempDir(), "map.png")
	r := NewMapRenderer(squareMap())
	if err := r.SavePNG(path); err != nil {
		t.Fatalf("SavePNG: %v", err)
	}

	var buf bytes.Buffer
	if err := r.EncodePNG(&buf); err != nil {
		t.Fatalf("EncodePNG: %v", err)
	}
	img, err := png.Decode(&buf)
	if err != nil {
		t.Fatalf("decoding PNG: %v", err)
	}
	if img.Bounds().Dx() != 161 {
		t.Errorf("decoded width = %d", img.Bounds().Dx())
	}
}

func TestBlendColors(t *testing.T) {
	bg := color.RGBA{200, 200, 200, 255}
	if got := blendColors(bg, color.NRGBA{0, 0, 0, 255}); got != (color.RGBA{0, 0, 0, 255}) {
		t.Errorf("opaque blend = %v", got)
	}
	if got := blendColors(bg, color.NRGBA{0, 0, 0, 0}); got != bg {
		t.Errorf("transparent blend = %v", got)
	}
}

func TestLerpColor(t *testing.T) {
	a := color.NRGBA{0, 0, 0, 255}
	b := color.NRGBA{200, 100, 50, 255}
	if got := lerpColor(a, b, 0.5); got != (color.NRGBA{100, 50, 25, 255}) {
		t.Errorf("lerp = %v", got)
	}
	if got := lerpColor(a, b, 7); got != b {
		t.Errorf("lerp should clamp, got %v", got)
	}
}
