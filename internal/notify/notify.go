// Package notify publishes session events to external listeners.
package notify

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/cjeanneret/syncgrab/internal/config"
	"github.com/cjeanneret/syncgrab/internal/debug"
	"github.com/cjeanneret/syncgrab/internal/faults"
	"github.com/cjeanneret/syncgrab/internal/logic/session"
)

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
	backlog        = 256
)

// Publisher is the part of an MQTT client used here.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTT publishes every session event as JSON to <topic>/<kind>.
// Notify never blocks: events beyond the backlog are counted and dropped.
type MQTT struct {
	client Publisher
	topic  string
	qos    byte

	events  chan session.Event
	wg      sync.WaitGroup
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
	sent    atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

// Dial connects to cfg.MQTTBroker with auto-reconnect.
func Dial(cfg config.NotifyConfig) (*MQTT, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.MQTTBroker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		debug.Error(fmt.Errorf("mqtt connection lost: %w", err))
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("mqtt connect %s: timeout: %w", cfg.MQTTBroker, faults.ErrDeviceUnavailable)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %v: %w", cfg.MQTTBroker, err, faults.ErrDeviceUnavailable)
	}
	debug.Info("Publishing session events to %s under %s/", cfg.MQTTBroker, cfg.Topic)
	return NewMQTT(client, cfg.Topic), nil
}

// NewMQTT publishes through an already connected client.
func NewMQTT(client Publisher, topic string) *MQTT {
	m := &MQTT{
		client: client,
		topic:  topic,
		qos:    1,
		events: make(chan session.Event, backlog),
	}
	m.wg.Add(1)
	go m.run()
	return m
}

func (m *MQTT) Notify(ev session.Event) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		m.dropped.Add(1)
		return
	}
	select {
	case m.events <- ev:
	default:
		m.dropped.Add(1)
	}
}

func (m *MQTT) run() {
	defer m.wg.Done()
	for ev := range m.events {
		if err := m.publish(ev); err != nil {
			m.failed.Add(1)
			debug.Error(err)
			continue
		}
		m.sent.Add(1)
	}
}

func (m *MQTT) publish(ev session.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", ev.Kind, err)
	}
	topic := m.topic + "/" + ev.Kind
	token := m.client.Publish(topic, m.qos, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("mqtt publish %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}
	debug.Trace("mqtt %s %d bytes", topic, len(payload))
	return nil
}

// Stats returns published, dropped and failed counts.
func (m *MQTT) Stats() (sent, dropped, failed uint64) {
	return m.sent.Load(), m.dropped.Load(), m.failed.Load()
}

// Close flushes queued events and disconnects.
func (m *MQTT) Close() error {
	m.once.Do(func() {
		m.mu.Lock()
		m.closed = true
		close(m.events)
		m.mu.Unlock()
		m.wg.Wait()
		m.client.Disconnect(250)
	})
	return nil
}

// Multi fans an event out to several notifiers.
type Multi []session.Notifier

func (m Multi) Notify(ev session.Event) {
	for _, n := range m {
		if n != nil {
			n.Notify(ev)
		}
	}
}
