package localize

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

var resultHeader = []string{"id", "x", "y", "z", "yaw", "pitch", "roll"}

// ResultLog writes one CSV row per pose record: the platform position and
// its yaw, pitch and roll in radians.
type ResultLog struct {
	mu       sync.Mutex
	file     *os.File
	w        *csv.Writer
	flattenZ bool
	rows     int
}

// OpenResultLog creates (or truncates) the CSV file and writes the header.
// An unwritable path fails here, before any scan is processed.
func OpenResultLog(path string, flattenZ bool) (*ResultLog, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating result directory: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating result log: %w", err)
	}

	l := &ResultLog{file: f, w: csv.NewWriter(f), flattenZ: flattenZ}
	if err := l.w.Write(resultHeader); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("writing result header: %w", err)
	}
	l.w.Flush()
	if err := l.w.Error(); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("writing result header: %w", err)
	}
	return l, nil
}

// EmitPose appends the record and flushes it to disk.
func (l *ResultLog) EmitPose(rec PoseRecord, _ Scan) error {
	z := rec.Position.Z
	if l.flattenZ {
		z = 0
	}
	row := []string{
		strconv.FormatUint(rec.Seq, 10),
		formatFloat(rec.Position.X),
		formatFloat(rec.Position.Y),
		formatFloat(z),
		formatFloat(rec.Yaw),
		formatFloat(rec.Pitch),
		formatFloat(rec.Roll),
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.w.Write(row); err != nil {
		return fmt.Errorf("writing result row %d: %w", rec.Seq, err)
	}
	l.w.Flush()
	if err := l.w.Error(); err != nil {
		return fmt.Errorf("flushing result row %d: %w", rec.Seq, err)
	}
	l.rows++
	return nil
}

// Rows returns the number of data rows written.
func (l *ResultLog) Rows() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rows
}

// Close flushes and closes the file.
func (l *ResultLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.w.Flush()
	if err := l.w.Error(); err != nil {
		_ = l.file.Close()
		return err
	}
	return l.file.Close()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}
