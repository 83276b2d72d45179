package main

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/kwv/scanloc/localize"
)

// newHTTPServer creates an HTTP server with all endpoints
func newHTTPServer(tracker *localize.Tracker, trajectory *localize.Trajectory, config *localize.Config) http.Handler {
	mux := http.NewServeMux()
	inputs := tracker.Inputs()

	simplify := 0.0
	if config != nil {
		simplify = config.Trajectory.Simplify
	}

	// currentPose returns the latest record, or nil before the first pose.
	currentPose := func() *localize.PoseRecord {
		if rec, ok := tracker.LastRecord(); ok {
			return &rec
		}
		return nil
	}

	// mapCloud returns the downsampled map, or nil if none has arrived.
	mapCloud := func() localize.PointCloud {
		if pm := inputs.Map(); pm != nil {
			return pm.Cloud()
		}
		return nil
	}

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[HTTP] /health request from %s", r.RemoteAddr)
		_, hasSeed := inputs.Seed()
		status := struct {
			Status      string    `json:"status"`
			Timestamp   time.Time `json:"timestamp"`
			State       string    `json:"state"`
			Initialized bool      `json:"initialized"`
			Seq         uint64    `json:"seq"`
			Session     string    `json:"session"`
			HasMap      bool      `json:"hasMap"`
			HasSeed     bool      `json:"hasSeed"`
		}{
			Status:      "ok",
			Timestamp:   time.Now(),
			State:       tracker.State().String(),
			Initialized: tracker.Initialized(),
			Seq:         tracker.Seq(),
			Session:     tracker.SessionID(),
			HasMap:      inputs.Map() != nil,
			HasSeed:     hasSeed,
		}
		writeJSON(w, status)
	})

	// Latest pose record
	mux.HandleFunc("/pose", func(w http.ResponseWriter, r *http.Request) {
		rec := currentPose()
		if rec == nil {
			http.Error(w, "No pose available", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, rec)
	})

	mux.HandleFunc("/trajectory.geojson", func(w http.ResponseWriter, r *http.Request) {
		data, err := trajectory.FeatureCollection(simplify).MarshalJSON()
		if err != nil {
			log.Printf("Error encoding trajectory GeoJSON: %v", err)
			http.Error(w, "Failed to encode trajectory", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/geo+json")
		w.Header().Set("Cache-Control", "no-cache")
		if _, err := w.Write(data); err != nil {
			log.Printf("Error writing trajectory GeoJSON: %v", err)
		}
	})

	// vectorView prepares a vector renderer, or reports 503 when there is nothing to draw.
	vectorView := func(w http.ResponseWriter, endpoint string) *localize.VectorRenderer {
		cloud := mapCloud()
		if len(cloud) == 0 && trajectory.Len() == 0 {
			log.Printf("Warning: no map and no trajectory yet; endpoint=%s", endpoint)
			http.Error(w, "No map or trajectory available", http.StatusServiceUnavailable)
			return nil
		}
		r := localize.NewVectorRenderer(cloud)
		r.Track = trajectory.Simplified(simplify)
		r.Current = currentPose()
		return r
	}

	mux.HandleFunc("/trajectory.svg", func(w http.ResponseWriter, r *http.Request) {
		renderer := vectorView(w, "/trajectory.svg")
		if renderer == nil {
			return
		}
		w.Header().Set("Content-Type", "image/svg+xml")
		w.Header().Set("Cache-Control", "no-cache")
		if err := renderer.RenderToSVG(w); err != nil {
			log.Printf("Error encoding trajectory SVG: %v", err)
		}
	})

	mux.HandleFunc("/trajectory.png", func(w http.ResponseWriter, r *http.Request) {
		renderer := vectorView(w, "/trajectory.png")
		if renderer == nil {
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-cache")
		if err := renderer.RenderToPNG(w); err != nil {
			log.Printf("Error encoding trajectory PNG: %v", err)
		}
	})

	// Top-down raster map with the track overlaid
	mux.HandleFunc("/map.png", func(w http.ResponseWriter, r *http.Request) {
		cloud := mapCloud()
		if len(cloud) == 0 {
			http.Error(w, "No map available", http.StatusServiceUnavailable)
			return
		}
		renderer := localize.NewMapRenderer(cloud)
		renderer.Track = trajectory.Simplified(simplify)
		renderer.Current = currentPose()

		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-cache")
		if err := renderer.EncodePNG(w); err != nil {
			log.Printf("Error encoding map PNG: %v", err)
		}
	})

	mux.HandleFunc("/map.pcd", func(w http.ResponseWriter, r *http.Request) {
		cloud := mapCloud()
		if len(cloud) == 0 {
			http.Error(w, "No map available", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Content-Disposition", `attachment; filename="map.pcd"`)
		if err := localize.WritePCD(cloud, w, localize.PCDAscii); err != nil {
			log.Printf("Error writing map PCD: %v", err)
		}
	})

	return mux
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding JSON response: %v", err)
	}
}
