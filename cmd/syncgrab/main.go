package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cjeanneret/syncgrab/internal/config"
	"github.com/cjeanneret/syncgrab/internal/debug"
	"github.com/cjeanneret/syncgrab/internal/faults"
	"github.com/cjeanneret/syncgrab/internal/hw/camera"
	"github.com/cjeanneret/syncgrab/internal/hw/gpio"
	"github.com/cjeanneret/syncgrab/internal/hw/pulser"
	"github.com/cjeanneret/syncgrab/internal/hw/serialport"
	"github.com/cjeanneret/syncgrab/internal/hw/trigger"
	"github.com/cjeanneret/syncgrab/internal/logic/acquire"
	"github.com/cjeanneret/syncgrab/internal/logic/session"
	"github.com/cjeanneret/syncgrab/internal/notify"
	"github.com/cjeanneret/syncgrab/internal/queue"
	"github.com/cjeanneret/syncgrab/internal/web"
)

func main() {
	// CLI flags
	webPort := &webPortFlag{defaultPort: 8080}
	flag.Var(webPort, "web", "start web server on port; -web= for default 8080, -web 8980 for custom port")
	cfgPath := flag.String("config", filepath.Join("configs", "default.yaml"), "path to config file")
	count := flag.Int("count", 0, "override frames per camera (0 = config)")
	rate := flag.Float64("rate", 0, "override simulated trigger rate in Hz")
	exposure := flag.Float64("exposure", 0, "override exposure time in µs for every camera")
	consume := flag.Bool("consume", false, "pop frames from the configured queue until end of stream")
	schedule := flag.String("schedule", "", "read the trigger schedule from the board and write t1_<name>.txt and t2_<name>.txt")
	outDir := flag.String("out", ".", "output directory for -schedule")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	overrides := web.Overrides{Count: *count, Rate: *rate, ExposureUs: *exposure}
	if err := web.ValidateOverrides(overrides); err != nil {
		log.Fatalf("invalid CLI override: %v", err)
	}
	applyOverrides(cfg, overrides)

	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Config path", *cfgPath)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)
	debug.Value("Trigger mode", cfg.Trigger.Mode)
	debug.Value("Queue backend", cfg.Queue.Backend)

	switch {
	case *consume:
		if err := runConsumer(ctx, cfg); err != nil {
			log.Fatalf("consume failed: %v", err)
		}
		return
	case *schedule != "":
		if err := runSchedule(cfg, *schedule, *outDir); err != nil {
			log.Fatalf("schedule readout failed: %v", err)
		}
		return
	}

	debug.Value("Mock GPIO", cfg.Defaults.MockGPIO)
	debug.Step(1, "Initializing GPIO driver")
	gpioDriver, err := gpio.NewDriver(cfg.Defaults.MockGPIO)
	if err != nil {
		log.Fatalf("init GPIO failed: %v", err)
	}
	defer func() {
		if err := gpioDriver.Close(); err != nil {
			log.Printf("closing GPIO driver failed: %v", err)
		}
	}()

	a := &app{cfg: cfg, gpio: gpioDriver}
	if cfg.Queue.Backend == config.BackendRedis {
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.Queue.RedisAddr})
		defer a.redis.Close()
	}

	var notifiers notify.Multi
	if cfg.Notify.MQTTBroker != "" {
		debug.Step(2, "Connecting to MQTT broker")
		m, err := notify.Dial(cfg.Notify)
		if err != nil {
			log.Fatalf("init notifier failed: %v", err)
		}
		defer m.Close()
		notifiers = append(notifiers, m)
	}

	if port := webPort.port(); port > 0 {
		broadcaster := web.NewStatusBroadcaster()
		debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(broadcaster)))
		a.notifier = append(notifiers, broadcaster)

		start := func(ctx context.Context, o web.Overrides) (web.Runner, error) {
			s, err := a.startSession(ctx, o)
			if err != nil {
				return nil, err
			}
			return s, nil
		}
		srv := web.NewServer(fmt.Sprintf(":%d", port), broadcaster, start, sessionDefaults(cfg))
		if err := srv.Run(ctx); err != nil {
			log.Fatalf("web server: %v", err)
		}
		return
	}

	a.notifier = notifiers
	s, err := a.startSession(ctx, web.Overrides{})
	if err != nil {
		log.Fatalf("session start failed: %v", err)
	}
	go func() {
		for f := range s.Faults() {
			log.Printf("fault on %s: %v", f.Camera, f.Err)
		}
	}()
	res := s.Wait()
	report(res)
	if !res.OK() {
		log.Fatalf("session %s ended with faults", res.SessionID)
	}
}

// app holds the process-wide resources shared by every session.
type app struct {
	cfg      *config.Config
	gpio     gpio.Driver
	redis    *redis.Client
	notifier session.Notifier
}

// startSession builds fresh trigger, cameras and queue for one session and
// starts it. With the memory backend a local consumer drains the queue.
func (a *app) startSession(ctx context.Context, o web.Overrides) (*session.Session, error) {
	cfg := applyOverridesToCopy(a.cfg, o)

	var wire *trigger.Wire
	if cfg.Defaults.SimulateCameras {
		wire = trigger.NewWire()
	}
	src, err := newTriggerFromConfig(cfg, a.gpio, wire)
	if err != nil {
		return nil, err
	}
	sys, err := newCameraSystem(cfg, wire)
	if err != nil {
		return nil, err
	}
	q, err := a.newQueue(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Queue.Backend == config.BackendMemory {
		go consumeLocal(q)
	}

	debug.PrintStruct("Session config", cfg.Session)
	s, err := session.Start(ctx, session.Params{
		Cameras: cfg.Cameras,
		Open: func(ctx context.Context, c config.CameraConfig) (acquire.Camera, error) {
			h, err := camera.Open(ctx, sys, c.ID, c.Serial)
			if err != nil {
				return nil, err
			}
			return h, nil
		},
		Trigger:  src,
		Queue:    q,
		Loop:     loopOptions(cfg),
		Notifier: a.notifier,
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func loopOptions(cfg *config.Config) acquire.Options {
	return acquire.Options{
		GrabTimeout: cfg.GrabTimeout(),
		PushTimeout: cfg.PushTimeout(),
		MaxRetries:  cfg.Session.MaxGrabRetries,
		MaxFrames:   frameCount(cfg),
	}
}

// frameCount is the number of frames each loop acquires before completing:
// the configured session count, else the trigger count, else unbounded.
func frameCount(cfg *config.Config) uint64 {
	switch {
	case cfg.Session.FrameCount > 0:
		return uint64(cfg.Session.FrameCount)
	case cfg.Trigger.Mode != config.TriggerDisabled && cfg.Trigger.Count > 0:
		return uint64(cfg.Trigger.Count)
	}
	return 0
}

// newTriggerFromConfig selects a trigger source based on configuration.
func newTriggerFromConfig(cfg *config.Config, g gpio.Driver, wire *trigger.Wire) (trigger.Source, error) {
	t := cfg.Trigger
	switch t.Mode {
	case config.TriggerSimulated:
		var p *pulser.Pulser
		if t.TriggerPin > 0 || t.StrobePin > 0 {
			p = pulser.New(g, pulser.Config{
				TriggerPin:  t.TriggerPin,
				StrobePin:   t.StrobePin,
				Width:       cfg.PulseWidth(),
				StrobeWidth: time.Duration(t.StrobeWidthUs) * time.Microsecond,
				StrobeDelay: time.Duration(cfg.StrobeDelay()) * time.Microsecond,
			})
		}
		return trigger.NewSimulated(trigger.SimulatedConfig{
			Rate:     t.RateHz,
			Count:    t.Count,
			Watchdog: cfg.Watchdog(),
			Wire:     wire,
			Pulser:   p,
		})
	case config.TriggerExternal:
		if t.Input == config.InputGPIO {
			return trigger.NewGPIO(g, trigger.GPIOConfig{
				Pin:      t.InputPin,
				Count:    t.Count,
				Watchdog: cfg.Watchdog(),
				Wire:     wire,
			})
		}
		return trigger.NewSerial(trigger.SerialConfig{
			Port:     t.SerialPort,
			Baud:     t.BaudRate,
			Timeout:  cfg.TriggerTimeout(),
			Watchdog: cfg.Watchdog(),
			Program:  program(cfg),
			Cameras:  len(cfg.Cameras),
			Wire:     wire,
		})
	case config.TriggerDisabled:
		return trigger.NewDisabled(), nil
	default:
		return nil, fmt.Errorf("unsupported trigger mode %q: %w", t.Mode, faults.ErrConfiguration)
	}
}

// program converts the trigger section into the board's command fields.
func program(cfg *config.Config) trigger.Program {
	t := cfg.Trigger
	return trigger.Program{
		Scheme:      int16(t.Scheme),
		Count:       int32(t.Count),
		DeltaT:      int16(t.DeltaTUs),
		N:           int16(t.N),
		PulseWidth:  int16(t.PulseWidthUs),
		StrobeWidth: int16(t.StrobeWidthUs),
		StrobeDelay: int16(cfg.StrobeDelay()),
	}
}

// newCameraSystem returns the simulated sensor system. Simulated cameras
// take the configured serials so that references resolve the same way
// they would on real hardware.
func newCameraSystem(cfg *config.Config, wire *trigger.Wire) (camera.System, error) {
	if !cfg.Defaults.SimulateCameras {
		return nil, fmt.Errorf("no camera vendor SDK in this build, set defaults.simulate_cameras: %w", faults.ErrDeviceUnavailable)
	}
	var serials []string
	for _, c := range cfg.Cameras {
		if len(c.Serial) > 0 && c.Serial[0] != '#' {
			serials = append(serials, c.Serial)
		}
	}
	if len(serials) < len(cfg.Cameras) {
		serials = nil
		for i := range cfg.Cameras {
			if i < len(camera.DefaultSerials) {
				serials = append(serials, camera.DefaultSerials[i])
			} else {
				serials = append(serials, fmt.Sprintf("sim%d", i))
			}
		}
	}
	return camera.NewSimSystem(wire, serials...), nil
}

// newQueue builds the configured hand-off queue. A Redis list is emptied
// first so that consumers do not see a previous session's end of stream.
func (a *app) newQueue(ctx context.Context, cfg *config.Config) (queue.Queue, error) {
	policy, err := queue.ParsePolicy(cfg.Queue.Backpressure)
	if err != nil {
		return nil, err
	}
	if cfg.Queue.Backend != config.BackendRedis {
		return queue.NewMemory(cfg.Queue.Capacity, policy)
	}
	q, err := queue.NewRedis(a.redis, queue.RedisConfig{
		Key:      cfg.Queue.RedisKey,
		Capacity: cfg.Queue.Capacity,
		Policy:   policy,
	})
	if err != nil {
		return nil, err
	}
	if err := q.Ping(ctx); err != nil {
		return nil, err
	}
	if err := q.Reset(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

func consumeLocal(q queue.Queue) {
	rep, err := queue.Drain(context.Background(), q, 200*time.Millisecond, nil)
	if err != nil {
		debug.Error(fmt.Errorf("consumer: %w", err))
	}
	debug.PrintStruct("Consumer report", rep)
}

// runConsumer drains the shared Redis queue until a producer closes it.
func runConsumer(ctx context.Context, cfg *config.Config) error {
	if cfg.Queue.Backend != config.BackendRedis {
		return fmt.Errorf("-consume needs queue.backend redis: %w", faults.ErrConfiguration)
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Queue.RedisAddr})
	defer client.Close()
	policy, err := queue.ParsePolicy(cfg.Queue.Backpressure)
	if err != nil {
		return err
	}
	q, err := queue.NewRedis(client, queue.RedisConfig{Key: cfg.Queue.RedisKey, Capacity: cfg.Queue.Capacity, Policy: policy})
	if err != nil {
		return err
	}
	if err := q.Ping(ctx); err != nil {
		return err
	}

	debug.Section("Consuming " + cfg.Queue.RedisKey)
	rep, err := queue.Drain(ctx, q, time.Second, nil)
	for id, n := range rep.Frames {
		fmt.Printf("%s: %d frames, last seq %d, %d out of order\n", id, n, rep.LastSeq[id], rep.OutOfOrder[id])
	}
	fmt.Printf("total: %d bytes\n", rep.Bytes)
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// runSchedule asks the trigger board for its schedule and writes the
// per-camera frame index files.
func runSchedule(cfg *config.Config, name, dir string) error {
	portName := cfg.Trigger.SerialPort
	if portName == "" {
		portName = trigger.AutoPort
	}
	port, found, err := trigger.Connect(serialport.OpenSerial, serialport.List, portName, cfg.Trigger.BaudRate, cfg.TriggerTimeout())
	if err != nil {
		return err
	}
	defer port.Close()
	debug.Info("Trigger board on %s", found)

	s, err := trigger.ReadSchedule(port, program(cfg), cfg.TriggerTimeout(), 500*time.Millisecond)
	if err != nil {
		return err
	}
	paths, err := s.SaveIndices(dir, name, cfg.Trigger.DeltaTUs)
	if err != nil {
		return err
	}
	for _, p := range paths {
		fmt.Println(p)
	}
	return nil
}

func report(r session.Result) {
	debug.Summary("Session " + r.SessionID)
	for _, c := range r.Cameras {
		fmt.Printf("%s: %s, %d frames, %d dropped, %d skipped, %d retries\n", c.ID, c.Status, c.Frames, c.Dropped, c.Skipped, c.Retries)
	}
	fmt.Printf("trigger: %d pulses", r.TriggerPulses)
	if r.WireDrops > 0 {
		fmt.Printf(", %d missed by sensors", r.WireDrops)
	}
	if r.TriggerError != "" {
		fmt.Printf(" (%s)", r.TriggerError)
	}
	fmt.Printf(", elapsed %v\n", r.Ended.Sub(r.Started).Round(time.Millisecond))
}

func sessionDefaults(cfg *config.Config) web.Defaults {
	d := web.Defaults{
		Trigger: cfg.Trigger.Mode,
		Count:   cfg.Trigger.Count,
		Rate:    cfg.Trigger.RateHz,
		Queue:   cfg.Queue.Backend,
	}
	if cfg.Session.FrameCount > 0 {
		d.Count = cfg.Session.FrameCount
	}
	for _, c := range cfg.Cameras {
		d.Cameras = append(d.Cameras, c.ID)
	}
	if len(cfg.Cameras) > 0 {
		d.ExposureUs = cfg.Cameras[0].ExposureUs
	}
	return d
}

// applyOverrides mutates cfg with overrides. Only non-zero override values are applied.
func applyOverrides(cfg *config.Config, o web.Overrides) {
	if o.Count > 0 {
		cfg.Session.FrameCount = o.Count
		cfg.Trigger.Count = o.Count
	}
	if o.Rate > 0 {
		cfg.Trigger.RateHz = o.Rate
	}
	if o.ExposureUs > 0 {
		for i := range cfg.Cameras {
			cfg.Cameras[i].ExposureUs = o.ExposureUs
		}
	}
}

// applyOverridesToCopy returns a new config with overrides applied.
// The camera list is copied so the base config is never mutated.
func applyOverridesToCopy(baseCfg *config.Config, o web.Overrides) *config.Config {
	cfg := *baseCfg
	cfg.Cameras = append([]config.CameraConfig(nil), baseCfg.Cameras...)
	applyOverrides(&cfg, o)
	return &cfg
}

// webPortFlag implements flag.Value for -web: 0 = disabled, -web= or -web 8080 → 8080, -web 8980 → 8980.
type webPortFlag struct {
	val         int
	defaultPort int
}

func (w *webPortFlag) String() string {
	if w.val == 0 {
		return "0"
	}
	return strconv.Itoa(w.val)
}

func (w *webPortFlag) Set(s string) error {
	if s == "" {
		w.val = w.defaultPort
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	w.val = v
	return nil
}

func (w *webPortFlag) port() int { return w.val }
