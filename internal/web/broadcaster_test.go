package web

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/cjeanneret/syncgrab/internal/logic/session"
)

func receive(t *testing.T, ch <-chan string) StatusEvent {
	t.Helper()
	select {
	case msg := <-ch:
		var evt StatusEvent
		if err := json.Unmarshal([]byte(msg), &evt); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return evt
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for broadcast")
		return StatusEvent{}
	}
}

func TestBroadcaster_MultipleSubscribers(t *testing.T) {
	b := NewStatusBroadcaster()
	ch1, unsub1 := b.Subscribe()
	defer unsub1()
	ch2, unsub2 := b.Subscribe()
	defer unsub2()

	b.Broadcast("info", "multi")

	for i, ch := range []<-chan string{ch1, ch2} {
		evt := receive(t, ch)
		if evt.Msg != "multi" || evt.Level != "info" || evt.Time == "" {
			t.Errorf("subscriber %d: event = %+v", i, evt)
		}
	}
}

func TestBroadcaster_UnsubscribeClosesChannel(t *testing.T) {
	b := NewStatusBroadcaster()
	ch, unsub := b.Subscribe()
	unsub()

	if _, ok := <-ch; ok {
		t.Error("expected channel to be closed after unsubscribe")
	}
	b.Broadcast("info", "after unsub")
}

func TestBroadcaster_FullChannelDropsMessage(t *testing.T) {
	b := NewStatusBroadcaster()
	ch, unsub := b.Subscribe()
	defer unsub()

	for i := 0; i < 70; i++ {
		b.Broadcast("info", "fill")
	}
	if len(ch) != 64 {
		t.Errorf("buffered = %d, want 64", len(ch))
	}
}

func TestBroadcastWriter(t *testing.T) {
	b := NewStatusBroadcaster()
	ch, unsub := b.Subscribe()
	defer unsub()

	w := BroadcastWriter(b)
	w.Write([]byte("   \n"))
	n, err := w.Write([]byte("  trimmed message  \n"))
	if err != nil || n != len("  trimmed message  \n") {
		t.Fatalf("Write = %d, %v", n, err)
	}
	if evt := receive(t, ch); evt.Msg != "trimmed message" {
		t.Errorf("msg = %q, want \"trimmed message\"", evt.Msg)
	}
}

// ---------- Notify ----------

func TestBroadcaster_Notify(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		name  string
		ev    session.Event
		level string
		msg   string
	}{
		{"state", session.Event{Kind: session.EventState, Camera: "cam0", From: "Armed", To: "Running"},
			"info", "cam0: Armed -> Running"},
		{"state_with_error", session.Event{Kind: session.EventState, Camera: "cam1", From: "Running", To: "Faulted", Error: "frame timeout"},
			"info", "cam1: Running -> Faulted (frame timeout)"},
		{"fault", session.Event{Kind: session.EventFault, Camera: "trigger", Error: "trigger timeout"},
			"error", "trigger fault: trigger timeout"},
		{"start_failed", session.Event{Kind: session.EventStartFailed, Error: "session start failed: cam1"},
			"error", "Session start failed: session start failed: cam1"},
		{"ended", session.Event{Kind: session.EventEnded, Session: "abc"},
			"info", "Session abc ended"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := NewStatusBroadcaster()
			ch, unsub := b.Subscribe()
			defer unsub()

			tc.ev.Time = at
			b.Notify(tc.ev)
			evt := receive(t, ch)
			if evt.Level != tc.level || evt.Msg != tc.msg {
				t.Errorf("got %s %q, want %s %q", evt.Level, evt.Msg, tc.level, tc.msg)
			}
			if evt.Event == nil || evt.Event.Kind != tc.ev.Kind {
				t.Errorf("event not attached: %+v", evt.Event)
			}
			if evt.Time != "2026-03-01T12:00:00Z" {
				t.Errorf("time = %q", evt.Time)
			}
		})
	}
}
