package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/inertial_orientation/internal/imu"
)

// subscribeTimeout bounds how long AddListener waits for the broker to
// acknowledge the first subscription.
const subscribeTimeout = 5 * time.Second

// IntervalRequest is the retained payload published on the interval topic so
// remote producers can follow the requested cadence.
type IntervalRequest struct {
	Topic      string `json:"topic"`
	IntervalMS int    `json:"interval_ms"`
}

// MQTT is a Port fed by JSON imu.Sample messages on one topic.
// The broker subscription exists only while the port has listeners.
type MQTT struct {
	client        mqtt.Client
	topic         string
	intervalTopic string

	reg registry

	mu         sync.Mutex
	subscribed bool
}

var _ Port = (*MQTT)(nil)

// NewMQTT creates a port on topic. intervalTopic may be empty, in which case
// SetUpdateInterval is not forwarded.
func NewMQTT(client mqtt.Client, topic, intervalTopic string) *MQTT {
	p := &MQTT{client: client, topic: topic, intervalTopic: intervalTopic}
	p.reg.first = p.subscribe
	p.reg.last = p.unsubscribe
	return p
}

func (p *MQTT) AddListener(h Handler) Subscription {
	return p.reg.add(h)
}

func (p *MQTT) SetUpdateInterval(ms int) {
	if p.intervalTopic == "" || ms <= 0 {
		return
	}
	payload, err := json.Marshal(IntervalRequest{Topic: p.topic, IntervalMS: ms})
	if err != nil {
		log.Printf("feed: mqtt %s interval marshal error: %v", p.topic, err)
		return
	}
	// Fire and forget; the request is retained so late producers pick it up.
	p.client.Publish(p.intervalTopic, 1, true, payload)
}

func (p *MQTT) Available(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return p.client.IsConnectionOpen(), nil
}

func (p *MQTT) subscribe() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.subscribed || p.reg.len() == 0 {
		return
	}

	token := p.client.Subscribe(p.topic, 0, p.onMessage)
	if !token.WaitTimeout(subscribeTimeout) {
		log.Printf("feed: mqtt subscribe %s timed out", p.topic)
	} else if err := token.Error(); err != nil {
		log.Printf("feed: mqtt subscribe %s: %v", p.topic, err)
		return
	}
	p.subscribed = true
	log.Printf("feed: subscribed to %s", p.topic)
}

func (p *MQTT) unsubscribe() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.subscribed || p.reg.len() > 0 {
		return
	}
	p.client.Unsubscribe(p.topic)
	p.subscribed = false
	log.Printf("feed: unsubscribed from %s", p.topic)
}

func (p *MQTT) onMessage(_ mqtt.Client, msg mqtt.Message) {
	m, err := DecodeSample(msg.Payload())
	if err != nil {
		log.Printf("feed: mqtt %s: %v", msg.Topic(), err)
		return
	}
	p.reg.deliver(m)
}

// DecodeSample parses an imu.Sample payload.
func DecodeSample(payload []byte) (imu.Measurement, error) {
	var s imu.Sample
	if err := json.Unmarshal(payload, &s); err != nil {
		return imu.Measurement{}, fmt.Errorf("sample unmarshal: %w", err)
	}
	return s.Measurement, nil
}
