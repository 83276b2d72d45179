package main

import (
	"bytes"
	"context"
	"encoding/json"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/kwv/scanloc/localize"
	"github.com/paulmach/orb/geojson"
)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

type serverFixture struct {
	tracker    *localize.Tracker
	trajectory *localize.Trajectory
	handler    http.Handler
}

// newServerFixture returns a server over an empty tracker.
func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	quietLogs(t)
	cfg := localize.DefaultConfig()
	cfg.Downsample.MapLeafSize = 0.2
	cfg.Downsample.ScanLeafSize = 0.2
	cfg.Bootstrap.ICP.MaxIterations = 300

	tc, err := cfg.TrackerConfig()
	if err != nil {
		t.Fatalf("TrackerConfig: %v", err)
	}
	tc.ReadyTimeout = time.Second
	tracker, err := localize.NewTracker(localize.NewInputs(cfg.Downsample.MapLeafSize), tc)
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	traj := localize.NewTrajectory(tracker.SessionID(), cfg.Trajectory.MaxPoses)
	tracker.AddSink(traj)

	return &serverFixture{
		tracker:    tracker,
		trajectory: traj,
		handler:    newHTTPServer(tracker, traj, cfg),
	}
}

func (f *serverFixture) setMap(t *testing.T) {
	t.Helper()
	if _, err := f.tracker.Inputs().SetMap(roomCloud()); err != nil {
		t.Fatalf("SetMap: %v", err)
	}
}

// track runs n scans through the tracker.
func (f *serverFixture) track(t *testing.T, n int) {
	t.Helper()
	f.setMap(t)
	f.tracker.Inputs().SetSeed(localize.SeedFix{Point: r3.Vector{X: 0.9, Y: 0.1}})
	for i := 0; i < n; i++ {
		scan := localize.Scan{Stamp: time.Unix(int64(100+i), 0), FrameID: "lidar", Cloud: sensorScan()}
		if _, err := f.tracker.Process(context.Background(), scan); err != nil {
			t.Fatalf("Process: %v", err)
		}
	}
}

func (f *serverFixture) get(path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

// ---------------------------------------------------------------------------
// /health
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	f := newServerFixture(t)

	rec := f.get("/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var body struct {
		Status      string `json:"status"`
		State       string `json:"state"`
		Initialized bool   `json:"initialized"`
		Seq         uint64 `json:"seq"`
		Session     string `json:"session"`
		HasMap      bool   `json:"hasMap"`
		HasSeed     bool   `json:"hasSeed"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" || body.State != "waiting" || body.HasMap || body.HasSeed || body.Initialized {
		t.Errorf("unexpected empty health %+v", body)
	}
	if body.Session != f.tracker.SessionID() {
		t.Errorf("session = %q, want %q", body.Session, f.tracker.SessionID())
	}

	f.track(t, 2)
	rec = f.get("/health")
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.State != "tracking" || !body.Initialized || body.Seq != 2 || !body.HasMap || !body.HasSeed {
		t.Errorf("unexpected tracking health %+v", body)
	}
}

// ---------------------------------------------------------------------------
// /pose
// ---------------------------------------------------------------------------

func TestPoseEndpoint(t *testing.T) {
	f := newServerFixture(t)

	if rec := f.get("/pose"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status before first pose = %d, want 503", rec.Code)
	}

	f.track(t, 1)
	rec := f.get("/pose")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var pose localize.PoseRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &pose); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if pose.Seq != 1 || !pose.Bootstrap {
		t.Errorf("pose seq=%d bootstrap=%v, want 1 true", pose.Seq, pose.Bootstrap)
	}
	if d := pose.Position.X - 1.0; d > 0.05 || d < -0.05 {
		t.Errorf("pose x = %v, want about 1.0", pose.Position.X)
	}
}

// ---------------------------------------------------------------------------
// trajectory endpoints
// ---------------------------------------------------------------------------

func TestTrajectoryGeoJSONEndpoint(t *testing.T) {
	f := newServerFixture(t)

	rec := f.get("/trajectory.geojson")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	fc, err := geojson.UnmarshalFeatureCollection(rec.Body.Bytes())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(fc.Features) != 0 {
		t.Errorf("empty trajectory has %d features", len(fc.Features))
	}

	f.track(t, 1)
	rec = f.get("/trajectory.geojson")
	if ct := rec.Header().Get("Content-Type"); ct != "application/geo+json" {
		t.Errorf("Content-Type = %q", ct)
	}
	fc, err = geojson.UnmarshalFeatureCollection(rec.Body.Bytes())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	// A single pose has no track yet, only the current position.
	if len(fc.Features) != 1 || fc.Features[0].Properties["kind"] != "pose" {
		t.Errorf("unexpected features %+v", fc.Features)
	}
}

func TestTrajectoryVectorEndpoints(t *testing.T) {
	f := newServerFixture(t)

	for _, path := range []string{"/trajectory.svg", "/trajectory.png"} {
		if rec := f.get(path); rec.Code != http.StatusServiceUnavailable {
			t.Errorf("%s without content = %d, want 503", path, rec.Code)
		}
	}

	f.setMap(t)
	rec := f.get("/trajectory.svg")
	if rec.Code != http.StatusOK {
		t.Fatalf("svg status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/svg+xml" {
		t.Errorf("svg Content-Type = %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "<svg") {
		t.Error("svg body does not contain <svg")
	}

	rec = f.get("/trajectory.png")
	if rec.Code != http.StatusOK {
		t.Fatalf("png status = %d, want 200", rec.Code)
	}
	if _, err := png.Decode(rec.Body); err != nil {
		t.Errorf("png decode: %v", err)
	}
}

// ---------------------------------------------------------------------------
// map endpoints
// ---------------------------------------------------------------------------

func TestMapEndpoints_NoMap(t *testing.T) {
	f := newServerFixture(t)
	for _, path := range []string{"/map.png", "/map.pcd"} {
		if rec := f.get(path); rec.Code != http.StatusServiceUnavailable {
			t.Errorf("%s = %d, want 503", path, rec.Code)
		}
	}
}

func TestMapPNGEndpoint(t *testing.T) {
	f := newServerFixture(t)
	f.track(t, 2)

	rec := f.get("/map.png")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-cache" {
		t.Errorf("Cache-Control = %q, want no-cache", cc)
	}
	img, err := png.Decode(rec.Body)
	if err != nil {
		t.Fatalf("png decode: %v", err)
	}
	if img.Bounds().Dx() < 100 || img.Bounds().Dy() < 60 {
		t.Errorf("image too small: %v", img.Bounds())
	}
}

func TestMapPCDEndpoint(t *testing.T) {
	f := newServerFixture(t)
	f.setMap(t)

	rec := f.get("/map.pcd")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	cloud, err := localize.ReadPCD(bytes.NewReader(rec.Body.Bytes()))
	if err != nil {
		t.Fatalf("ReadPCD: %v", err)
	}
	want := len(f.tracker.Inputs().Map().Cloud())
	if len(cloud) != want {
		t.Errorf("served %d points, want %d", len(cloud), want)
	}
}

func TestUnknownEndpoint(t *testing.T) {
	f := newServerFixture(t)
	if rec := f.get("/composite-map.png"); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}
