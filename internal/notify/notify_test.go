package notify

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/cjeanneret/syncgrab/internal/logic/session"
)

// ---------- fakes ----------

type fakeToken struct {
	err  error
	done chan struct{}
}

func newToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type published struct {
	topic   string
	qos     byte
	payload []byte
}

type fakeClient struct {
	mu           sync.Mutex
	msgs         []published
	err          error
	disconnected bool
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, published{topic: topic, qos: qos, payload: payload.([]byte)})
	return newToken(c.err)
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
}

// ---------- MQTT ----------

func TestMQTT_PublishesByKind(t *testing.T) {
	client := &fakeClient{}
	m := NewMQTT(client, "lab/bench1")

	m.Notify(session.Event{Kind: session.EventStarted, Session: "s1"})
	m.Notify(session.Event{Kind: session.EventFault, Session: "s1", Camera: "cam1", Error: "frame timeout"})
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}

	if len(client.msgs) != 2 {
		t.Fatalf("published %d messages, want 2", len(client.msgs))
	}
	if client.msgs[0].topic != "lab/bench1/started" || client.msgs[1].topic != "lab/bench1/fault" {
		t.Errorf("topics = %q, %q", client.msgs[0].topic, client.msgs[1].topic)
	}
	var ev session.Event
	if err := json.Unmarshal(client.msgs[1].payload, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Camera != "cam1" || ev.Error != "frame timeout" {
		t.Errorf("payload = %+v", ev)
	}
	if !client.disconnected {
		t.Error("client not disconnected on Close")
	}
	if sent, dropped, failed := m.Stats(); sent != 2 || dropped != 0 || failed != 0 {
		t.Errorf("stats = %d/%d/%d", sent, dropped, failed)
	}
}

func TestMQTT_PublishErrorsAreCounted(t *testing.T) {
	client := &fakeClient{err: errors.New("not connected")}
	m := NewMQTT(client, "t")
	m.Notify(session.Event{Kind: session.EventState})
	_ = m.Close()
	if _, _, failed := m.Stats(); failed != 1 {
		t.Errorf("failed = %d, want 1", failed)
	}
}

func TestMQTT_NotifyAfterClose(t *testing.T) {
	m := NewMQTT(&fakeClient{}, "t")
	_ = m.Close()
	_ = m.Close()
	m.Notify(session.Event{Kind: session.EventEnded})
	if _, dropped, _ := m.Stats(); dropped != 1 {
		t.Errorf("dropped = %d, want 1", dropped)
	}
}

// ---------- Multi ----------

func TestMulti(t *testing.T) {
	var got []string
	rec := func(name string) session.Notifier {
		return session.NotifierFunc(func(ev session.Event) { got = append(got, name+":"+ev.Kind) })
	}
	Multi{rec("a"), nil, rec("b")}.Notify(session.Event{Kind: "state"})
	if len(got) != 2 || got[0] != "a:state" || got[1] != "b:state" {
		t.Errorf("got %v", got)
	}
}
