package localize

import (
	"bytes"
	"compress/zlib"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/golang/geo/r3"
)

// CloudMessage is the JSON wire form of a point cloud.
type CloudMessage struct {
	Stamp   time.Time   `json:"stamp"`
	FrameID string      `json:"frameId"`
	Points  [][]float64 `json:"points"` // x, y, z[, intensity]
}

// SeedMessage is the JSON wire form of a seed fix.
type SeedMessage struct {
	Stamp   time.Time `json:"stamp"`
	FrameID string    `json:"frameId"`
	Point   struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
		Z float64 `json:"z"`
	} `json:"point"`
}

// DecodeCloudPayload decodes a point cloud from various formats:
// - JSON CloudMessage
// - PCD (ascii, binary or binary_compressed)
// - zlib-compressed JSON or PCD
func DecodeCloudPayload(data []byte) (Scan, error) {
	if len(data) == 0 {
		return Scan{}, fmt.Errorf("empty data")
	}

	switch {
	case data[0] == '{':
		return parseCloudJSON(data)
	case IsPCD(data):
		cloud, err := ReadPCD(bytes.NewReader(data))
		if err != nil {
			return Scan{}, fmt.Errorf("parsing PCD payload: %w", err)
		}
		return Scan{Cloud: cloud}, nil
	}

	inflated, err := inflateZlib(data)
	if err != nil {
		return Scan{}, fmt.Errorf("unknown format: not JSON, PCD, or zlib-compressed")
	}
	if len(inflated) == 0 {
		return Scan{}, fmt.Errorf("decompressed payload is empty")
	}
	if inflated[0] == '{' {
		return parseCloudJSON(inflated)
	}
	if IsPCD(inflated) {
		cloud, err := ReadPCD(bytes.NewReader(inflated))
		if err != nil {
			return Scan{}, fmt.Errorf("parsing PCD payload: %w", err)
		}
		return Scan{Cloud: cloud}, nil
	}
	return Scan{}, fmt.Errorf("unknown format inside zlib stream")
}

// IsPCD checks whether data starts like a PCD header.
func IsPCD(data []byte) bool {
	for _, prefix := range [][]byte{[]byte("#"), []byte("VERSION"), []byte("FIELDS")} {
		if bytes.HasPrefix(data, prefix) {
			return true
		}
	}
	return false
}

func parseCloudJSON(data []byte) (Scan, error) {
	var msg CloudMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return Scan{}, fmt.Errorf("parsing cloud JSON: %w", err)
	}
	cloud := make(PointCloud, len(msg.Points))
	for i, v := range msg.Points {
		switch len(v) {
		case 3:
			cloud[i] = Point{X: v[0], Y: v[1], Z: v[2]}
		case 4:
			cloud[i] = Point{X: v[0], Y: v[1], Z: v[2], Intensity: v[3]}
		default:
			return Scan{}, fmt.Errorf("point %d has %d values, want 3 or 4", i, len(v))
		}
	}
	return Scan{Stamp: msg.Stamp, FrameID: msg.FrameID, Cloud: cloud}, nil
}

// EncodeCloudJSON builds the JSON wire form of a scan.
func EncodeCloudJSON(scan Scan) ([]byte, error) {
	msg := CloudMessage{Stamp: scan.Stamp, FrameID: scan.FrameID, Points: make([][]float64, len(scan.Cloud))}
	for i, p := range scan.Cloud {
		msg.Points[i] = []float64{p.X, p.Y, p.Z, p.Intensity}
	}
	return json.Marshal(msg)
}

// DecodeSeedPayload decodes a seed fix from JSON or zlib-compressed JSON.
func DecodeSeedPayload(data []byte) (SeedFix, error) {
	if len(data) == 0 {
		return SeedFix{}, fmt.Errorf("empty data")
	}
	if data[0] != '{' {
		inflated, err := inflateZlib(data)
		if err != nil {
			return SeedFix{}, fmt.Errorf("unknown format: not JSON or zlib-compressed")
		}
		data = inflated
	}

	var msg SeedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return SeedFix{}, fmt.Errorf("parsing seed JSON: %w", err)
	}
	fix := SeedFix{
		Stamp:   msg.Stamp,
		FrameID: msg.FrameID,
		Point:   r3.Vector{X: msg.Point.X, Y: msg.Point.Y, Z: msg.Point.Z},
	}
	if !(Point{X: fix.Point.X, Y: fix.Point.Y, Z: fix.Point.Z}).IsFinite() {
		return SeedFix{}, fmt.Errorf("seed position is not finite")
	}
	return fix, nil
}

// inflateZlib decompresses zlib-compressed data
func inflateZlib(data []byte) ([]byte, error) {
	reader, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("creating zlib reader: %w", err)
	}
	defer reader.Close()

	decompressed, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("decompressing zlib data: %w", err)
	}
	return decompressed, nil
}
