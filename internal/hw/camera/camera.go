// Package camera drives cross-correlation cameras: discovery through a
// System, claimed Devices, and the Handle that applies a configuration
// and grabs frames.
package camera

import (
	"context"
	"math"
	"time"

	"github.com/cjeanneret/syncgrab/internal/logic/geometry"
)

// PixelFormat is a sensor output format.
type PixelFormat string

const (
	Mono8  PixelFormat = "Mono8"
	Mono16 PixelFormat = "Mono16"
)

// BytesPerPixel returns the size of one pixel, 0 for unknown formats.
func (p PixelFormat) BytesPerPixel() int {
	switch p {
	case Mono8:
		return 1
	case Mono16:
		return 2
	}
	return 0
}

// TriggerMode selects what starts an exposure.
type TriggerMode string

const (
	TriggerOff      TriggerMode = "off"      // free-run at the configured frame rate
	TriggerHardware TriggerMode = "hardware" // one exposure per pulse on the trigger line
)

// Feature names a numeric device setting.
type Feature string

const (
	FeatureExposure   Feature = "ExposureTime" // µs
	FeatureGain       Feature = "Gain"         // dB
	FeatureGamma      Feature = "Gamma"
	FeatureBlackLevel Feature = "BlackLevel"
	FeatureFrameRate  Feature = "AcquisitionFrameRate" // Hz, free-run only
)

// Range is the interval a device accepts for a Feature.
type Range struct {
	Min float64
	Max float64
}

// Clamp limits v to the range.
func (r Range) Clamp(v float64) float64 {
	return math.Min(math.Max(v, r.Min), r.Max)
}

// Frame is one image. Ownership of Data passes with the frame: once
// pushed to a queue the producer must not touch it.
type Frame struct {
	CameraID      string      `msgpack:"camera_id" json:"camera_id"`
	Seq           uint64      `msgpack:"seq" json:"seq"`
	Timestamp     time.Time   `msgpack:"timestamp" json:"timestamp"`
	DeviceFrameID uint64      `msgpack:"device_frame_id" json:"device_frame_id"`
	Width         int         `msgpack:"width" json:"width"`
	Height        int         `msgpack:"height" json:"height"`
	PixelFormat   PixelFormat `msgpack:"pixel_format" json:"pixel_format"`
	Data          []byte      `msgpack:"data" json:"-"`
}

// DeviceInfo identifies a discovered device.
type DeviceInfo struct {
	Serial string
	Model  string
	Vendor string
}

// System enumerates and claims devices. Discover returns a list owned by
// the caller; there is no process-wide registry.
type System interface {
	Discover(ctx context.Context) ([]DeviceInfo, error)
	// Open claims the device with the given serial. It fails with
	// faults.ErrDeviceUnavailable if the device is absent or already claimed.
	Open(serial string) (Device, error)
}

// Device is the vendor boundary of one claimed camera.
type Device interface {
	Info() DeviceInfo
	Sensor() geometry.Sensor
	PixelFormats() []PixelFormat

	SetPixelFormat(f PixelFormat) error
	SetROI(r geometry.ROI) error
	SetReverse(x, y bool) error
	// Range fails when the device does not expose the feature.
	Range(f Feature) (Range, error)
	SetFeature(f Feature, v float64) error
	SetTrigger(mode TriggerMode, line int) error

	BeginAcquisition() error
	// Grab waits up to timeout for the next frame. It fails with
	// faults.ErrFrameTimeout or faults.ErrDeviceUnavailable.
	Grab(timeout time.Duration) (Frame, error)
	EndAcquisition() error
	Release() error
}
