package session

import "time"

// Event kinds published to a Notifier.
const (
	EventStarted     = "started"
	EventStartFailed = "start_failed"
	EventState       = "state"
	EventFault       = "fault"
	EventEnded       = "ended"
)

// Event is a session notification.
type Event struct {
	Kind    string    `json:"kind"`
	Session string    `json:"session"`
	Camera  string    `json:"camera,omitempty"`
	From    string    `json:"from,omitempty"`
	To      string    `json:"to,omitempty"`
	Error   string    `json:"error,omitempty"`
	Time    time.Time `json:"time"`
	Result  *Result   `json:"result,omitempty"`
}

// Notifier receives session events. Notify is called from the loop
// goroutines and must not block.
type Notifier interface {
	Notify(ev Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Event)

func (f NotifierFunc) Notify(ev Event) { f(ev) }

// Discard drops every event.
var Discard Notifier = NotifierFunc(func(Event) {})
