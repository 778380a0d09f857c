package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/cjeanneret/syncgrab/internal/debug"
	"github.com/cjeanneret/syncgrab/internal/logic/session"
)

const maxBodyBytes = 1 << 20

// Overrides holds session parameters that can override config defaults.
// Zero values mean "use config default".
type Overrides struct {
	Count      int     `json:"count"`
	Rate       float64 `json:"rate"`
	ExposureUs float64 `json:"exposure_us"`
}

// ValidateOverrides checks that non-zero overrides are within valid ranges.
func ValidateOverrides(o Overrides) error {
	if o.Count < 0 || o.Count > math.MaxInt32 {
		return fmt.Errorf("count must be between 0 and %d, got %d", math.MaxInt32, o.Count)
	}
	if o.Rate != 0 && !inRange(o.Rate, 100000) {
		return fmt.Errorf("rate must be between 0 and 100000 Hz, got %g", o.Rate)
	}
	if o.ExposureUs != 0 && !inRange(o.ExposureUs, 30e6) {
		return fmt.Errorf("exposure_us must be between 0 and 30000000, got %g", o.ExposureUs)
	}
	return nil
}

func inRange(v, max float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v > 0 && v <= max
}

// Runner is a started session.
type Runner interface {
	ID() string
	Stop()
	Wait() session.Result
	Snapshot() session.Snapshot
}

// StartFunc starts a session with the given overrides. Cancelling ctx
// stops the session.
type StartFunc func(ctx context.Context, o Overrides) (Runner, error)

// Defaults are the session defaults reported by GET /config.
type Defaults struct {
	Cameras    []string `json:"cameras"`
	Trigger    string   `json:"trigger"`
	Count      int      `json:"count"`
	Rate       float64  `json:"rate"`
	ExposureUs float64  `json:"exposure_us"`
	Queue      string   `json:"queue"`
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Broadcaster *StatusBroadcaster
	Start       StartFunc
	Defaults    Defaults

	ctx context.Context // parent of every session, set by Server.Run

	mu         sync.Mutex
	starting   bool
	current    Runner
	last       Runner
	lastResult *session.Result
}

// NewHandlers creates handlers with the given dependencies.
// If start is nil, POST /run will return 503 Service Unavailable.
func NewHandlers(broadcaster *StatusBroadcaster, start StartFunc, defaults Defaults) *Handlers {
	return &Handlers{
		Broadcaster: broadcaster,
		Start:       start,
		Defaults:    defaults,
		ctx:         context.Background(),
	}
}

// HandleConfig returns the session defaults as JSON.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Defaults)
}

// HandleRun handles POST /run to start a session.
func (h *Handlers) HandleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var overrides Overrides
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&overrides); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if err := ValidateOverrides(overrides); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if h.Start == nil {
		http.Error(w, "acquisition not configured", http.StatusServiceUnavailable)
		return
	}

	h.mu.Lock()
	if h.starting || h.current != nil {
		h.mu.Unlock()
		http.Error(w, "session already in progress", http.StatusConflict)
		return
	}
	h.starting = true
	h.mu.Unlock()

	h.mu.Lock()
	ctx := h.ctx
	h.mu.Unlock()
	s, err := h.Start(ctx, overrides)
	h.mu.Lock()
	h.starting = false
	if err == nil {
		h.current, h.last, h.lastResult = s, s, nil
	}
	h.mu.Unlock()
	if err != nil {
		h.Broadcaster.Broadcast("error", "Session start failed: "+err.Error())
		debug.Error(fmt.Errorf("session start: %w", err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "failed", "error": err.Error()})
		return
	}

	go func() {
		res := s.Wait()
		h.mu.Lock()
		h.current, h.lastResult = nil, &res
		h.mu.Unlock()
		if res.OK() {
			h.Broadcaster.Broadcast("info", fmt.Sprintf("Session %s complete: %d frames", res.SessionID, res.Frames))
		} else {
			h.Broadcaster.Broadcast("error", fmt.Sprintf("Session %s ended with faults", res.SessionID))
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started", "session": s.ID()})
}

// HandleStop handles POST /stop.
func (h *Handlers) HandleStop(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	s := h.current
	h.mu.Unlock()
	if s == nil {
		http.Error(w, "no session in progress", http.StatusConflict)
		return
	}
	s.Stop()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping", "session": s.ID()})
}

// status is the GET /status body.
type status struct {
	Running bool              `json:"running"`
	Session *session.Snapshot `json:"session,omitempty"`
	Result  *session.Result   `json:"result,omitempty"`
}

// HandleStatus returns the live snapshot of the current or last session.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	cur, last, res := h.current, h.last, h.lastResult
	h.mu.Unlock()

	var st status
	switch {
	case cur != nil:
		snap := cur.Snapshot()
		st.Running, st.Session = true, &snap
	case last != nil:
		snap := last.Snapshot()
		st.Session, st.Result = &snap, res
	}
	writeJSON(w, http.StatusOK, st)
}

// HandleStatusStream handles GET /status/stream for SSE.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()

		case <-ticker.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

func (h *Handlers) setContext(ctx context.Context) {
	h.mu.Lock()
	h.ctx = ctx
	h.mu.Unlock()
}

// waitIdle waits for the running session, if any, to wind down.
func (h *Handlers) waitIdle() {
	h.mu.Lock()
	s := h.current
	h.mu.Unlock()
	if s != nil {
		s.Stop()
		s.Wait()
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
