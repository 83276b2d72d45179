package localize

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/golang/geo/r3"
)

// PosePayload is the JSON published on <prefix>/pose.
type PosePayload struct {
	PoseRecord
	FrameID      string    `json:"frameId"`
	ChildFrameID string    `json:"childFrameId"`
	Sensor       r3.Vector `json:"sensor"` // Sensor origin in the map frame
}

// TransformPayload is the JSON published on <prefix>/tf.
type TransformPayload struct {
	Stamp        time.Time  `json:"stamp"`
	FrameID      string     `json:"frameId"`
	ChildFrameID string     `json:"childFrameId"`
	Translation  r3.Vector  `json:"translation"`
	Rotation     [4]float64 `json:"rotation"` // x, y, z, w
}

// Publisher publishes localization results to MQTT
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	mapFrame      string
	sensorFrame   string
	qos           byte
	retain        bool
	last          *PosePayload
	mu            sync.RWMutex
}

// NewPublisher creates a publisher. MQTT_PUBLISH_PREFIX overrides prefix.
// If client is nil, every publish fails with a not-connected error.
func NewPublisher(client mqtt.Client, prefix string, frames FramesConfig) *Publisher {
	if env := os.Getenv("MQTT_PUBLISH_PREFIX"); env != "" {
		prefix = env
	}
	if prefix == "" {
		prefix = "scanloc"
	}

	return &Publisher{
		client:        client,
		publishPrefix: prefix,
		mapFrame:      frames.Map,
		sensorFrame:   frames.Sensor,
		qos:           0,    // QoS 0 for pose updates (fire and forget)
		retain:        true, // Retain for latest pose
	}
}

// Topic returns the full topic for a suffix such as "pose".
func (p *Publisher) Topic(suffix string) string {
	return fmt.Sprintf("%s/%s", p.publishPrefix, suffix)
}

// EmitPose publishes the pose, the inverse transform and the aligned scan.
func (p *Publisher) EmitPose(rec PoseRecord, aligned Scan) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	payload := &PosePayload{
		PoseRecord:   rec,
		FrameID:      p.mapFrame,
		ChildFrameID: p.sensorFrame,
		Sensor:       rec.SensorPose.Position(),
	}
	p.mu.Lock()
	p.last = payload
	p.mu.Unlock()

	if err := p.publishJSON("pose", p.retain, payload); err != nil {
		return err
	}

	// The tree is rooted at the sensor, so the map frame hangs below it.
	inv := rec.SensorPose.Inverse()
	tf := TransformPayload{
		Stamp:        rec.Stamp,
		FrameID:      p.sensorFrame,
		ChildFrameID: p.mapFrame,
		Translation:  inv.Position(),
		Rotation:     inv.QuaternionXYZW(),
	}
	if err := p.publishJSON("tf", false, tf); err != nil {
		return err
	}

	points, err := EncodeCloudJSON(Scan{Stamp: aligned.Stamp, FrameID: p.mapFrame, Cloud: aligned.Cloud})
	if err != nil {
		return fmt.Errorf("encoding aligned scan: %w", err)
	}
	if err := p.publish("transformed_points", false, points); err != nil {
		return err
	}

	log.Printf("[MQTT] Published pose %d: (%.2f, %.2f, %.2f) yaw=%.3f",
		rec.Seq, rec.Position.X, rec.Position.Y, rec.Position.Z, rec.Yaw)
	return nil
}

// PublishSeedPose publishes the seed position as a provisional pose and
// map-to-sensor transform while the tracker has no pose yet. The pose carries
// seq 0 and an identity rotation.
func (p *Publisher) PublishSeedPose(fix SeedFix) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}
	identity := [4]float64{0, 0, 0, 1}
	pose := PosePayload{
		PoseRecord: PoseRecord{
			Stamp:      fix.Stamp,
			Position:   fix.Point,
			Quaternion: identity,
		},
		FrameID:      p.mapFrame,
		ChildFrameID: p.sensorFrame,
		Sensor:       fix.Point,
	}
	if err := p.publishJSON("pose", false, pose); err != nil {
		return err
	}

	tf := TransformPayload{
		Stamp:        fix.Stamp,
		FrameID:      p.mapFrame,
		ChildFrameID: p.sensorFrame,
		Translation:  fix.Point,
		Rotation:     identity,
	}
	return p.publishJSON("tf", false, tf)
}

func (p *Publisher) publishJSON(suffix string, retain bool, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", suffix, err)
	}
	return p.publish(suffix, retain, payload)
}

func (p *Publisher) publish(suffix string, retain bool, payload []byte) error {
	topic := p.Topic(suffix)
	token := p.client.Publish(topic, p.qos, retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}

// LastPose returns the last published pose payload
func (p *Publisher) LastPose() (PosePayload, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.last == nil {
		return PosePayload{}, false
	}
	return *p.last, true
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether pose messages should be retained by the broker
func (p *Publisher) SetRetain(retain bool) {
	p.retain = retain
}
