package localize

import (
	"database/sql"
	_ "embed"
	"fmt"
	"math"
	"time"

	"github.com/golang/geo/r3"
	_ "modernc.org/sqlite"
)

// schema.sql defines the sessions and poses tables.
//
//go:embed schema.sql
var schemaSQL string

// PoseStore persists pose records in SQLite, one session per tracker run.
type PoseStore struct {
	*sql.DB
}

// StoredPose is one row of the poses table.
type StoredPose struct {
	SessionID string
	Seq       uint64
	Stamp     time.Time
	Position  r3.Vector
	Yaw       float64
	Pitch     float64
	Roll      float64
	Fitness   float64
	Converged bool
	Bootstrap bool
}

// OpenPoseStore opens (or creates) the database at path and applies the schema.
func OpenPoseStore(path string) (*PoseStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// Single writer.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying pose schema: %w", err)
	}

	Logf("[STORE] Pose database ready at %s", path)
	return &PoseStore{db}, nil
}

// StartSession records a new tracker session.
func (ps *PoseStore) StartSession(sessionID, mapFrame, notes string) error {
	_, err := ps.Exec(`
		INSERT INTO sessions (session_id, started_unix_nanos, map_frame, notes)
		VALUES (?, ?, ?, ?)
	`, sessionID, time.Now().UnixNano(), mapFrame, notes)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

// EmitPose inserts the record.
func (ps *PoseStore) EmitPose(rec PoseRecord, _ Scan) error {
	fitness := rec.Fitness
	if math.IsInf(fitness, 0) || fitness == math.MaxFloat64 {
		fitness = -1
	}
	_, err := ps.Exec(`
		INSERT INTO poses (session_id, seq, stamp_unix_nanos, x, y, z, yaw, pitch, roll, fitness, converged, bootstrap)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.SessionID, int64(rec.Seq), rec.Stamp.UnixNano(),
		rec.Position.X, rec.Position.Y, rec.Position.Z,
		rec.Yaw, rec.Pitch, rec.Roll,
		fitness, rec.Converged, rec.Bootstrap)
	if err != nil {
		return fmt.Errorf("failed to insert pose %d: %w", rec.Seq, err)
	}
	return nil
}

// SessionPoses returns the poses of a session in sequence order.
func (ps *PoseStore) SessionPoses(sessionID string) ([]StoredPose, error) {
	rows, err := ps.Query(`
		SELECT session_id, seq, stamp_unix_nanos, x, y, z, yaw, pitch, roll, fitness, converged, bootstrap
		FROM poses WHERE session_id = ? ORDER BY seq
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query poses: %w", err)
	}
	defer rows.Close()

	var out []StoredPose
	for rows.Next() {
		var (
			p     StoredPose
			seq   int64
			stamp int64
		)
		if err := rows.Scan(&p.SessionID, &seq, &stamp,
			&p.Position.X, &p.Position.Y, &p.Position.Z,
			&p.Yaw, &p.Pitch, &p.Roll,
			&p.Fitness, &p.Converged, &p.Bootstrap); err != nil {
			return nil, fmt.Errorf("failed to scan pose: %w", err)
		}
		p.Seq = uint64(seq)
		p.Stamp = time.Unix(0, stamp)
		out = append(out, p)
	}
	return out, rows.Err()
}

// Sessions lists session ids, oldest first.
func (ps *PoseStore) Sessions() ([]string, error) {
	rows, err := ps.Query(`SELECT session_id FROM sessions ORDER BY started_unix_nanos`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
