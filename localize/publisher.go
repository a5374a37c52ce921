package localize

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// DefaultPublishPrefix is the topic prefix when MQTT_PUBLISH_PREFIX is unset.
const DefaultPublishPrefix = "maplocalizer"

// statusMessage is the payload of the status topic.
type statusMessage struct {
	Status     Status    `json:"status"`
	RetryCount int       `json:"retryCount"`
	Timestamp  time.Time `json:"timestamp"`
}

// pathMessage is the payload of the path topic.
type pathMessage struct {
	Points    []HistoryEntry `json:"points"`
	Timestamp time.Time      `json:"timestamp"`
}

// PosePublisher publishes localization records to MQTT. It implements
// PoseSink.
type PosePublisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
	logger        *zap.Logger

	mu   sync.RWMutex
	last *LocalizationRecord
}

// NewPosePublisher creates a publisher. A nil client disables publishing.
func NewPosePublisher(client mqtt.Client, prefix string, logger *zap.Logger) *PosePublisher {
	if env := os.Getenv("MQTT_PUBLISH_PREFIX"); env != "" {
		prefix = env
	}
	if prefix == "" {
		prefix = DefaultPublishPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PosePublisher{
		client:        client,
		publishPrefix: prefix,
		qos:           0,
		retain:        true,
		logger:        logger.Named("publisher"),
	}
}

// Prefix returns the topic prefix in use.
func (p *PosePublisher) Prefix() string { return p.publishPrefix }

// Emit publishes the pose, the path and the status of a record.
func (p *PosePublisher) Emit(_ context.Context, rec LocalizationRecord) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	p.mu.Lock()
	r := rec
	p.last = &r
	p.mu.Unlock()

	if err := p.publish("pose", rec); err != nil {
		return err
	}
	if err := p.publish("path", pathMessage{Points: rec.History, Timestamp: rec.Timestamp}); err != nil {
		return err
	}
	if err := p.PublishStatus(rec.Status, 0); err != nil {
		return err
	}

	p.logger.Debug("published pose",
		zap.String("cycle", rec.CycleID),
		zap.Float64("x", rec.Position.X),
		zap.Float64("y", rec.Position.Y),
		zap.Float64("z", rec.Position.Z))
	return nil
}

// PublishStatus publishes the state alone, used after failed cycles.
func (p *PosePublisher) PublishStatus(s Status, retry int) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}
	return p.publish("status", statusMessage{Status: s, RetryCount: retry, Timestamp: time.Now()})
}

func (p *PosePublisher) publish(sub string, v any) error {
	topic := fmt.Sprintf("%s/%s", p.publishPrefix, sub)

	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", sub, err)
	}

	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}

// Last returns the most recently emitted record.
func (p *PosePublisher) Last() (LocalizationRecord, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.last == nil {
		return LocalizationRecord{}, false
	}
	return *p.last, true
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2).
func (p *PosePublisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether published messages are retained by the broker.
func (p *PosePublisher) SetRetain(retain bool) {
	p.retain = retain
}
