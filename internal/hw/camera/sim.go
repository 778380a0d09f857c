package camera

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cjeanneret/syncgrab/internal/debug"
	"github.com/cjeanneret/syncgrab/internal/faults"
	"github.com/cjeanneret/syncgrab/internal/hw/trigger"
	"github.com/cjeanneret/syncgrab/internal/logic/geometry"
)

// DefaultSerials are the two cameras of the reference cross-DDM setup.
var DefaultSerials = []string{"20045478", "20045476"}

// SimSensor is the array of the simulated camera model.
var SimSensor = geometry.Sensor{
	MaxWidth: 720, MaxHeight: 540,
	MinWidth: 8, MinHeight: 6,
	WidthInc: 8, HeightInc: 2, OffsetInc: 4,
}

var simRanges = map[Feature]Range{
	FeatureExposure:   {Min: 6, Max: 30_000_000},
	FeatureGain:       {Min: 0, Max: 47.99},
	FeatureGamma:      {Min: 0.25, Max: 4},
	FeatureBlackLevel: {Min: 0, Max: 31.94},
	FeatureFrameRate:  {Min: 1, Max: 522},
}

// SimFaults makes a simulated device misbehave.
type SimFaults struct {
	FailArm         bool    // BeginAcquisition fails
	StopAfter       int     // stop producing frames after N, grabs then time out
	DisconnectAfter int     // after N frames Grab fails with DeviceUnavailable
	Refuse          Feature // SetFeature fails for this feature
}

// SimSystem is a set of simulated cameras. In hardware trigger mode they
// expose once per pulse received on the wire; camera k of the system
// (1-based, in discovery order) answers channel 0 and channel k.
type SimSystem struct {
	wire   *trigger.Wire
	buffer int

	mu      sync.Mutex
	order   []string
	devices map[string]*SimDevice
	claimed map[string]bool
}

// NewSimSystem creates simulated cameras with the given serials
// (DefaultSerials when none). wire may be nil for free-run only.
func NewSimSystem(wire *trigger.Wire, serials ...string) *SimSystem {
	if len(serials) == 0 {
		serials = DefaultSerials
	}
	s := &SimSystem{
		wire:    wire,
		buffer:  16,
		devices: make(map[string]*SimDevice),
		claimed: make(map[string]bool),
	}
	for i, serial := range serials {
		s.order = append(s.order, serial)
		s.devices[serial] = &SimDevice{
			sys:     s,
			info:    DeviceInfo{Serial: serial, Model: "Blackfly S BFS-U3-04S2M (simulated)", Vendor: "FLIR"},
			channel: i + 1,
		}
	}
	return s
}

// Device returns the simulated device with serial, for fault injection
// and inspection. It returns nil for unknown serials.
func (s *SimSystem) Device(serial string) *SimDevice {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.devices[serial]
}

func (s *SimSystem) Discover(ctx context.Context) ([]DeviceInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	infos := make([]DeviceInfo, 0, len(s.order))
	for _, serial := range s.order {
		infos = append(infos, s.devices[serial].info)
	}
	return infos, nil
}

func (s *SimSystem) Open(serial string) (Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[serial]
	if !ok {
		return nil, fmt.Errorf("camera %s not found: %w", serial, faults.ErrDeviceUnavailable)
	}
	if s.claimed[serial] {
		return nil, fmt.Errorf("camera %s already in use: %w", serial, faults.ErrDeviceUnavailable)
	}
	s.claimed[serial] = true
	d.reset()
	return d, nil
}

func (s *SimSystem) release(serial string) {
	s.mu.Lock()
	delete(s.claimed, serial)
	s.mu.Unlock()
}

// SimDevice is one simulated camera.
type SimDevice struct {
	sys     *SimSystem
	info    DeviceInfo
	channel int

	mu       sync.Mutex
	faults   SimFaults
	format   PixelFormat
	roi      geometry.ROI
	reverseX bool
	reverseY bool
	features map[Feature]float64
	mode     TriggerMode

	acquiring    bool
	frames       chan Frame
	disconnected chan struct{}
	stop         chan struct{}
	wg           sync.WaitGroup
	produced     uint64
	overruns     atomic.Uint64
}

// Inject sets the faults used from the next BeginAcquisition on.
func (d *SimDevice) Inject(f SimFaults) {
	d.mu.Lock()
	d.faults = f
	d.mu.Unlock()
}

// Feature returns the value last set for f.
func (d *SimDevice) Feature(f Feature) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.features[f]
}

// Overruns returns how many frames were lost because the on-device
// buffer was full.
func (d *SimDevice) Overruns() uint64 {
	return d.overruns.Load()
}

func (d *SimDevice) reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.format = Mono8
	d.roi = SimSensor.Full()
	d.reverseX, d.reverseY = false, false
	d.features = map[Feature]float64{FeatureFrameRate: 100, FeatureExposure: 5000, FeatureGamma: 1}
	d.mode = TriggerOff
	d.produced = 0
}

func (d *SimDevice) Info() DeviceInfo            { return d.info }
func (d *SimDevice) Sensor() geometry.Sensor     { return SimSensor }
func (d *SimDevice) PixelFormats() []PixelFormat { return []PixelFormat{Mono8, Mono16} }

func (d *SimDevice) SetPixelFormat(f PixelFormat) error {
	if f.BytesPerPixel() == 0 {
		return fmt.Errorf("pixel format %q", f)
	}
	return d.set(func() { d.format = f })
}

func (d *SimDevice) SetROI(r geometry.ROI) error {
	if fitted, adj := geometry.FitROI(SimSensor, r); len(adj) > 0 || fitted != r {
		return fmt.Errorf("roi %+v outside array", r)
	}
	return d.set(func() { d.roi = r })
}

func (d *SimDevice) SetReverse(x, y bool) error {
	return d.set(func() { d.reverseX, d.reverseY = x, y })
}

func (d *SimDevice) Range(f Feature) (Range, error) {
	r, ok := simRanges[f]
	if !ok {
		return Range{}, fmt.Errorf("feature %s not available", f)
	}
	return r, nil
}

func (d *SimDevice) SetFeature(f Feature, v float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.faults.Refuse == f {
		return fmt.Errorf("%s = %g refused", f, v)
	}
	r, ok := simRanges[f]
	if !ok || v < r.Min || v > r.Max {
		return fmt.Errorf("%s = %g out of range", f, v)
	}
	if d.acquiring {
		return errors.New("device is acquiring")
	}
	d.features[f] = v
	return nil
}

func (d *SimDevice) SetTrigger(mode TriggerMode, line int) error {
	if line < 0 || line > 3 {
		return fmt.Errorf("trigger line %d", line)
	}
	return d.set(func() { d.mode = mode })
}

func (d *SimDevice) set(apply func()) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.acquiring {
		return errors.New("device is acquiring")
	}
	apply()
	return nil
}

func (d *SimDevice) BeginAcquisition() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.acquiring {
		return nil
	}
	if d.faults.FailArm {
		return fmt.Errorf("camera %s: acquisition start failed: %w", d.info.Serial, faults.ErrDeviceUnavailable)
	}
	d.acquiring = true
	d.frames = make(chan Frame, d.sys.buffer)
	d.disconnected = make(chan struct{})
	d.stop = make(chan struct{})

	var pulses <-chan trigger.Pulse
	var unsub func()
	if d.mode == TriggerHardware && d.sys.wire != nil {
		pulses, unsub = d.sys.wire.Subscribe(64, d.channel)
	}
	period := time.Duration(float64(time.Second) / d.features[FeatureFrameRate])
	mode := d.mode
	stop := d.stop

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if unsub != nil {
			defer unsub()
		}
		if mode == TriggerHardware {
			d.followTrigger(pulses, stop)
		} else {
			d.freeRun(period, stop)
		}
	}()
	debug.Trace("SimCamera %s: acquisition started (%s)", d.info.Serial, mode)
	return nil
}

// followTrigger exposes once per pulse. The frame ID is the pulse's index
// on the wire, so an edge the sensor missed leaves a gap like on the
// real camera's frame counter.
func (d *SimDevice) followTrigger(pulses <-chan trigger.Pulse, stop <-chan struct{}) {
	if pulses == nil {
		<-stop
		return
	}
	for {
		select {
		case <-stop:
			return
		case p, ok := <-pulses:
			if !ok {
				return
			}
			d.expose(p.Index, p.Timestamp)
		}
	}
}

func (d *SimDevice) freeRun(period time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for id := uint64(0); ; id++ {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			d.expose(id, now)
		}
	}
}

// expose produces frame id into the on-device buffer. A full buffer
// loses the frame, which the consumer sees as a gap in frame IDs.
func (d *SimDevice) expose(id uint64, at time.Time) {
	d.mu.Lock()
	if d.faults.StopAfter > 0 && d.produced >= uint64(d.faults.StopAfter) {
		d.mu.Unlock()
		return
	}
	if d.faults.DisconnectAfter > 0 && d.produced >= uint64(d.faults.DisconnectAfter) {
		select {
		case <-d.disconnected:
		default:
			close(d.disconnected)
		}
		d.mu.Unlock()
		return
	}
	d.produced++
	roi, format := d.roi, d.format
	frames := d.frames
	d.mu.Unlock()

	data := make([]byte, roi.Pixels()*format.BytesPerPixel())
	for i := range data {
		data[i] = byte(id)
	}
	f := Frame{
		Timestamp:     at,
		DeviceFrameID: id,
		Width:         roi.Width,
		Height:        roi.Height,
		PixelFormat:   format,
		Data:          data,
	}
	select {
	case frames <- f:
	default:
		d.overruns.Add(1)
	}
}

func (d *SimDevice) Grab(timeout time.Duration) (Frame, error) {
	d.mu.Lock()
	frames, stop, gone := d.frames, d.stop, d.disconnected
	acquiring := d.acquiring
	d.mu.Unlock()
	if !acquiring {
		return Frame{}, fmt.Errorf("camera %s not acquiring: %w", d.info.Serial, faults.ErrDeviceUnavailable)
	}

	select {
	case f := <-frames:
		return f, nil
	default:
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case f := <-frames:
		return f, nil
	case <-gone:
		return Frame{}, fmt.Errorf("camera %s disconnected: %w", d.info.Serial, faults.ErrDeviceUnavailable)
	case <-stop:
		return Frame{}, fmt.Errorf("camera %s acquisition ended: %w", d.info.Serial, faults.ErrDeviceUnavailable)
	case <-timer.C:
		return Frame{}, fmt.Errorf("camera %s: no frame within %v: %w", d.info.Serial, timeout, faults.ErrFrameTimeout)
	}
}

func (d *SimDevice) EndAcquisition() error {
	d.mu.Lock()
	if !d.acquiring {
		d.mu.Unlock()
		return nil
	}
	d.acquiring = false
	close(d.stop)
	d.mu.Unlock()
	d.wg.Wait()

	d.mu.Lock()
	produced := d.produced
	d.mu.Unlock()
	debug.Trace("SimCamera %s: acquisition ended, %d frames, %d overruns", d.info.Serial, produced, d.Overruns())
	return nil
}

func (d *SimDevice) Release() error {
	if err := d.EndAcquisition(); err != nil {
		return err
	}
	d.sys.release(d.info.Serial)
	return nil
}
