package camera

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cjeanneret/syncgrab/internal/config"
	"github.com/cjeanneret/syncgrab/internal/debug"
	"github.com/cjeanneret/syncgrab/internal/faults"
	"github.com/cjeanneret/syncgrab/internal/logic/geometry"
)

// ErrNotArmed is returned by Grab before Arm or after Close.
var ErrNotArmed = errors.New("camera not armed")

// Settings are the values actually applied by Configure, after clamping.
type Settings struct {
	PixelFormat PixelFormat
	ROI         geometry.ROI
	ReverseX    bool
	ReverseY    bool
	FrameRate   float64
	ExposureUs  float64
	Gain        float64
	Gamma       float64
	BlackLevel  float64
	TriggerMode TriggerMode
	TriggerLine int
}

// Handle is one camera of a session. It is used by a single acquisition
// loop; Close may be called from any goroutine.
type Handle struct {
	id  string
	dev Device

	mu         sync.Mutex
	settings   Settings
	configured bool
	armed      bool
	closed     bool
}

// Open resolves ref against the discovered devices and claims the match.
// ref is a serial number or "#<index>" into the discovery order.
func Open(ctx context.Context, sys System, id, ref string) (*Handle, error) {
	infos, err := sys.Discover(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: discover: %v: %w", id, err, faults.ErrDeviceUnavailable)
	}
	serial, err := resolve(infos, ref)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", id, err)
	}
	dev, err := sys.Open(serial)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", id, err)
	}
	info := dev.Info()
	debug.Verbose("Camera %s: opened %s %s (serial %s)", id, info.Vendor, info.Model, info.Serial)
	return &Handle{id: id, dev: dev}, nil
}

func resolve(infos []DeviceInfo, ref string) (string, error) {
	if idx, ok := strings.CutPrefix(ref, "#"); ok {
		i, err := strconv.Atoi(idx)
		if err != nil || i < 0 {
			return "", fmt.Errorf("bad device index %q: %w", ref, faults.ErrConfiguration)
		}
		if i >= len(infos) {
			return "", fmt.Errorf("device index %d but %d devices found: %w", i, len(infos), faults.ErrDeviceUnavailable)
		}
		return infos[i].Serial, nil
	}
	for _, info := range infos {
		if info.Serial == ref {
			return ref, nil
		}
	}
	return "", fmt.Errorf("no device with serial %s among %d: %w", ref, len(infos), faults.ErrDeviceUnavailable)
}

// ID returns the session-level camera identifier.
func (h *Handle) ID() string { return h.id }

// Info returns the device identity.
func (h *Handle) Info() DeviceInfo { return h.dev.Info() }

// Settings returns what Configure applied.
func (h *Handle) Settings() Settings {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.settings
}

// Configure applies cfg in device order: pixel format, geometry, reverse,
// frame rate, exposure, gain, gamma, black level, trigger. Numeric values
// outside the device range are clamped and logged. An unsupported pixel
// format or a value the device refuses is a configuration error.
func (h *Handle) Configure(cfg config.CameraConfig) (Settings, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return Settings{}, fmt.Errorf("%s: configure after close: %w", h.id, faults.ErrDeviceUnavailable)
	}
	if h.armed {
		return Settings{}, fmt.Errorf("%s: configure while armed: %w", h.id, faults.ErrConfiguration)
	}

	var s Settings

	format := PixelFormat(cfg.PixelFormat)
	if !supports(h.dev.PixelFormats(), format) {
		return s, fmt.Errorf("%s: pixel format %q not supported (have %v): %w", h.id, format, h.dev.PixelFormats(), faults.ErrConfiguration)
	}
	if err := h.dev.SetPixelFormat(format); err != nil {
		return s, h.refused("PixelFormat", err)
	}
	s.PixelFormat = format

	roi, adjustments := geometry.FitROI(h.dev.Sensor(), geometry.ROI{
		Width: cfg.Width, Height: cfg.Height, OffsetX: cfg.OffsetX, OffsetY: cfg.OffsetY,
	})
	for _, a := range adjustments {
		debug.Adjust(h.id, a.Field, float64(a.Requested), float64(a.Applied))
	}
	if err := h.dev.SetROI(roi); err != nil {
		return s, h.refused("ROI", err)
	}
	s.ROI = roi

	if cfg.ReverseX || cfg.ReverseY {
		if err := h.dev.SetReverse(cfg.ReverseX, cfg.ReverseY); err != nil {
			return s, h.refused("Reverse", err)
		}
		s.ReverseX, s.ReverseY = cfg.ReverseX, cfg.ReverseY
	}

	mode := TriggerMode(cfg.TriggerMode)
	if mode != TriggerOff && mode != TriggerHardware {
		return s, fmt.Errorf("%s: trigger mode %q: %w", h.id, cfg.TriggerMode, faults.ErrConfiguration)
	}

	numeric := []struct {
		f   Feature
		v   float64
		out *float64
	}{
		{FeatureFrameRate, cfg.FrameRate, &s.FrameRate},
		{FeatureExposure, cfg.ExposureUs, &s.ExposureUs},
		{FeatureGain, cfg.Gain, &s.Gain},
		{FeatureGamma, cfg.Gamma, &s.Gamma},
		{FeatureBlackLevel, cfg.BlackLevel, &s.BlackLevel},
	}
	for _, n := range numeric {
		if n.f == FeatureFrameRate && mode == TriggerHardware {
			continue // the trigger sets the pace
		}
		applied, err := h.setFeature(n.f, n.v)
		if err != nil {
			return s, err
		}
		*n.out = applied
	}

	if err := h.dev.SetTrigger(mode, cfg.TriggerLine); err != nil {
		return s, h.refused("TriggerMode", err)
	}
	s.TriggerMode, s.TriggerLine = mode, cfg.TriggerLine

	h.settings = s
	h.configured = true
	debug.Verbose("Camera %s configured: %s %dx%d+%d+%d, exposure %.1fµs, trigger %s",
		h.id, s.PixelFormat, s.ROI.Width, s.ROI.Height, s.ROI.OffsetX, s.ROI.OffsetY, s.ExposureUs, s.TriggerMode)
	return s, nil
}

// setFeature clamps v into the device range. A feature the device does
// not expose is skipped.
func (h *Handle) setFeature(f Feature, v float64) (float64, error) {
	r, err := h.dev.Range(f)
	if err != nil {
		debug.Verbose("Camera %s: %s not available, skipped: %v", h.id, f, err)
		return 0, nil
	}
	applied := r.Clamp(v)
	if applied != v {
		debug.Adjust(h.id, string(f), v, applied)
	}
	if err := h.dev.SetFeature(f, applied); err != nil {
		return 0, h.refused(string(f), err)
	}
	return applied, nil
}

func (h *Handle) refused(what string, err error) error {
	return fmt.Errorf("%s: device refused %s: %v: %w", h.id, what, err, faults.ErrConfiguration)
}

func supports(formats []PixelFormat, f PixelFormat) bool {
	for _, have := range formats {
		if have == f {
			return true
		}
	}
	return false
}

// Arm begins acquisition. Configure must have succeeded first.
func (h *Handle) Arm() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case h.closed:
		return fmt.Errorf("%s: arm after close: %w", h.id, faults.ErrDeviceUnavailable)
	case !h.configured:
		return fmt.Errorf("%s: arm before configure: %w", h.id, faults.ErrConfiguration)
	case h.armed:
		return nil
	}
	if err := h.dev.BeginAcquisition(); err != nil {
		if errors.Is(err, faults.ErrDeviceUnavailable) || errors.Is(err, faults.ErrConfiguration) {
			return fmt.Errorf("%s: begin acquisition: %w", h.id, err)
		}
		return fmt.Errorf("%s: begin acquisition: %v: %w", h.id, err, faults.ErrDeviceUnavailable)
	}
	h.armed = true
	return nil
}

// Grab returns the next frame, stamped with the camera ID. The caller
// assigns the session sequence number.
func (h *Handle) Grab(timeout time.Duration) (Frame, error) {
	h.mu.Lock()
	armed := h.armed && !h.closed
	h.mu.Unlock()
	if !armed {
		return Frame{}, fmt.Errorf("%s: %w", h.id, ErrNotArmed)
	}
	f, err := h.dev.Grab(timeout)
	if err != nil {
		return Frame{}, fmt.Errorf("%s: %w", h.id, err)
	}
	f.CameraID = h.id
	return f, nil
}

// Close ends acquisition and releases the device. It is safe to call
// more than once and after any failure.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	var errs []error
	if h.armed {
		h.armed = false
		if err := h.dev.EndAcquisition(); err != nil {
			errs = append(errs, fmt.Errorf("end acquisition: %w", err))
		}
	}
	if err := h.dev.Release(); err != nil {
		errs = append(errs, fmt.Errorf("release: %w", err))
	}
	debug.Verbose("Camera %s closed", h.id)
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%s: %w", h.id, err)
	}
	return nil
}
