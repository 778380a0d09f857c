package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Trigger modes.
const (
	TriggerExternal  = "external"
	TriggerSimulated = "simulated"
	TriggerDisabled  = "disabled"
)

// External trigger inputs.
const (
	InputSerial = "serial"
	InputGPIO   = "gpio"
)

// Backpressure policies for the frame queue.
const (
	PolicyBlock      = "block"
	PolicyDropOldest = "drop_oldest"
)

// Queue backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// MaxConfigFileBytes bounds the size of a config file accepted by Load.
const MaxConfigFileBytes = 1 << 20

// AutoPort asks the trigger to scan every serial port for the device banner.
const AutoPort = "auto"

// TriggerConfig describes what produces trigger pulses.
type TriggerConfig struct {
	Mode         string  `yaml:"mode"`           // external, simulated or disabled
	Input        string  `yaml:"input"`          // external only: serial or gpio
	RateHz       float64 `yaml:"rate_hz"`        // simulated pulse rate
	PulseWidthUs int     `yaml:"pulse_width_us"` // trigger pulse width (twidth)
	SerialPort   string  `yaml:"serial_port"`    // e.g. /dev/ttyACM0, or "auto"
	BaudRate     int     `yaml:"baud_rate"`
	TimeoutMs    int     `yaml:"timeout_ms"`  // serial open + banner timeout
	WatchdogMs   int     `yaml:"watchdog_ms"` // max gap between pulses before TriggerTimeout
	Count        int     `yaml:"count"`       // pulses per camera, 0 = unbounded

	// Device program (microcontroller firmware parameters)
	Scheme        int  `yaml:"scheme"`          // 0 random t2, 1 random t2 + zero mod, 2 modulo t2, 3 modulo t2 + zero mod
	DeltaTUs      int  `yaml:"deltat_us"`       // time between consecutive frames of one camera
	N             int  `yaml:"n"`               // cross-correlation delay multiplier
	StrobeWidthUs int  `yaml:"strobe_width_us"` // strobe (laser) pulse width
	StrobeDelayUs *int `yaml:"strobe_delay_us"` // strobe delay relative to trigger, may be negative

	// GPIO lines (BCM). 0 = not used.
	TriggerPin int `yaml:"trigger_pin"`
	StrobePin  int `yaml:"strobe_pin"`
	InputPin   int `yaml:"input_pin"`
}

// CameraConfig holds the settings applied to one camera at session start.
type CameraConfig struct {
	ID          string  `yaml:"id"`
	Serial      string  `yaml:"serial"` // device serial, or "#<index>" into the discovered list
	PixelFormat string  `yaml:"pixel_format"`
	Width       int     `yaml:"width"`
	Height      int     `yaml:"height"`
	OffsetX     int     `yaml:"offset_x"`
	OffsetY     int     `yaml:"offset_y"`
	ReverseX    bool    `yaml:"reverse_x"`
	ReverseY    bool    `yaml:"reverse_y"`
	FrameRate   float64 `yaml:"frame_rate"` // free-run only
	ExposureUs  float64 `yaml:"exposure_us"`
	Gain        float64 `yaml:"gain"`
	Gamma       float64 `yaml:"gamma"`
	BlackLevel  float64 `yaml:"black_level"`
	TriggerMode string  `yaml:"trigger_mode"` // off or hardware
	TriggerLine int     `yaml:"trigger_line"` // Line0-Line3
}

// SessionConfig controls the acquisition loops and the coordinator.
type SessionConfig struct {
	CameraCount    int `yaml:"camera_count"`
	FrameCount     int `yaml:"frame_count"` // frames per camera, 0 = until stopped
	GrabTimeoutMs  int `yaml:"grab_timeout_ms"`
	MaxGrabRetries int `yaml:"max_grab_retries"`
}

// QueueConfig selects the frame hand-off backend.
type QueueConfig struct {
	Backend       string `yaml:"backend"` // memory or redis
	Capacity      int    `yaml:"capacity"`
	Backpressure  string `yaml:"backpressure"` // block or drop_oldest
	PushTimeoutMs int    `yaml:"push_timeout_ms"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisKey      string `yaml:"redis_key"`
}

// NotifyConfig is optional: publish session events over MQTT.
type NotifyConfig struct {
	MQTTBroker string `yaml:"mqtt_broker"` // e.g. tcp://localhost:1883, empty = disabled
	Topic      string `yaml:"topic"`
	ClientID   string `yaml:"client_id"`
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	DebugLevel      int  `yaml:"debug_level"`      // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	MockGPIO        bool `yaml:"mock_gpio"`        // use mock GPIO (true=dev/test, false=real Raspberry Pi)
	SimulateCameras bool `yaml:"simulate_cameras"` // use the simulated sensor system
}

// Config aggregates all application configuration.
type Config struct {
	Session  SessionConfig  `yaml:"session"`
	Trigger  TriggerConfig  `yaml:"trigger"`
	Cameras  []CameraConfig `yaml:"cameras"`
	Queue    QueueConfig    `yaml:"queue"`
	Notify   NotifyConfig   `yaml:"notify"`
	Defaults DefaultsConfig `yaml:"defaults"`
}

// ValidateConfigPath rejects config paths outside a configs/ directory
// or without a .yaml extension.
func ValidateConfigPath(path string) error {
	clean := filepath.Clean(path)
	if strings.Contains(path, "..") {
		return fmt.Errorf("config path must not contain '..': %s", path)
	}
	if filepath.Ext(clean) != ".yaml" {
		return fmt.Errorf("config file must have .yaml extension: %s", path)
	}
	if filepath.Base(filepath.Dir(clean)) != "configs" {
		return fmt.Errorf("config file must live in a configs/ directory: %s", path)
	}
	return nil
}

// Load reads a YAML file and returns the configuration.
// Only structural invariants are checked here; device ranges are
// enforced when the camera is configured.
func Load(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat config file: %w", err)
	}
	if info.Size() > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), MaxConfigFileBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML data, fills defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) applyDefaults() error {
	t := &cfg.Trigger
	switch t.Mode {
	case "":
		t.Mode = TriggerSimulated
	case TriggerExternal, TriggerSimulated, TriggerDisabled:
	default:
		return fmt.Errorf("trigger.mode must be external, simulated or disabled, got %q", t.Mode)
	}
	if t.Mode == TriggerExternal {
		if t.Input == "" {
			t.Input = InputSerial
		}
		switch t.Input {
		case InputSerial:
			if t.SerialPort == "" {
				return fmt.Errorf("trigger.serial_port is required in external mode")
			}
		case InputGPIO:
			if t.InputPin <= 0 {
				return fmt.Errorf("trigger.input_pin is required for gpio input")
			}
		default:
			return fmt.Errorf("trigger.input must be serial or gpio, got %q", t.Input)
		}
	}
	if t.RateHz < 0 {
		return fmt.Errorf("trigger.rate_hz must be > 0, got %.2f", t.RateHz)
	}
	if t.RateHz == 0 {
		t.RateHz = 100
	}
	if t.BaudRate <= 0 {
		t.BaudRate = 115200
	}
	if t.TimeoutMs <= 0 {
		t.TimeoutMs = 2000
	}
	if t.WatchdogMs <= 0 {
		t.WatchdogMs = 2000
	}
	if t.Count < 0 {
		return fmt.Errorf("trigger.count must be >= 0, got %d", t.Count)
	}
	if t.Count == 0 && t.Mode == TriggerExternal && t.Input == InputSerial {
		t.Count = 8192 // the board runs a finite program
	}
	if t.Scheme < 0 || t.Scheme > 3 {
		return fmt.Errorf("trigger.scheme must be between 0 and 3, got %d", t.Scheme)
	}
	if t.PulseWidthUs <= 0 {
		t.PulseWidthUs = 30
	}
	if t.DeltaTUs <= 0 {
		t.DeltaTUs = 30000
	}
	if t.N <= 0 {
		t.N = 1
	}
	if t.StrobeWidthUs <= 0 {
		t.StrobeWidthUs = 80
	}
	if t.StrobeDelayUs == nil {
		d := -20
		t.StrobeDelayUs = &d
	}
	// The board takes these as signed 16-bit fields and the count as 32-bit.
	for _, f := range []struct {
		name string
		v    int
	}{
		{"deltat_us", t.DeltaTUs},
		{"n", t.N},
		{"pulse_width_us", t.PulseWidthUs},
		{"strobe_width_us", t.StrobeWidthUs},
		{"strobe_delay_us", *t.StrobeDelayUs},
	} {
		if f.v < math.MinInt16 || f.v > math.MaxInt16 {
			return fmt.Errorf("trigger.%s must fit in 16 bits, got %d", f.name, f.v)
		}
	}
	if t.Count > math.MaxInt32 {
		return fmt.Errorf("trigger.count must fit in 32 bits, got %d", t.Count)
	}

	if len(cfg.Cameras) == 0 {
		cfg.Cameras = []CameraConfig{{ID: "cam1", Serial: "20045478"}, {ID: "cam2", Serial: "20045476"}}
	}
	if cfg.Session.CameraCount < 0 {
		return fmt.Errorf("session.camera_count must be >= 0, got %d", cfg.Session.CameraCount)
	}
	if cfg.Session.CameraCount == 0 {
		cfg.Session.CameraCount = len(cfg.Cameras)
	}
	if cfg.Session.CameraCount > len(cfg.Cameras) {
		return fmt.Errorf("session.camera_count is %d but only %d cameras are configured", cfg.Session.CameraCount, len(cfg.Cameras))
	}
	cfg.Cameras = cfg.Cameras[:cfg.Session.CameraCount]

	seen := make(map[string]bool)
	for i := range cfg.Cameras {
		c := &cfg.Cameras[i]
		if c.ID == "" {
			c.ID = fmt.Sprintf("cam%d", i+1)
		}
		if seen[c.ID] {
			return fmt.Errorf("cameras[%d]: duplicate id %q", i, c.ID)
		}
		seen[c.ID] = true
		if c.Serial == "" {
			c.Serial = fmt.Sprintf("#%d", i)
		}
		if c.PixelFormat == "" {
			c.PixelFormat = "Mono8"
		}
		if c.Width == 0 {
			c.Width = 720
		}
		if c.Height == 0 {
			c.Height = 540
		}
		if c.ExposureUs == 0 {
			c.ExposureUs = 50
		}
		if c.FrameRate == 0 {
			c.FrameRate = 100
		}
		if c.Gamma == 0 {
			c.Gamma = 1
		}
		if c.TriggerMode == "" {
			c.TriggerMode = "hardware"
			if t.Mode == TriggerDisabled {
				c.TriggerMode = "off"
			}
		}
	}

	if cfg.Session.FrameCount < 0 {
		return fmt.Errorf("session.frame_count must be >= 0, got %d", cfg.Session.FrameCount)
	}
	if cfg.Session.GrabTimeoutMs <= 0 {
		cfg.Session.GrabTimeoutMs = 1000
	}
	if cfg.Session.MaxGrabRetries <= 0 {
		cfg.Session.MaxGrabRetries = 3
	}

	q := &cfg.Queue
	if q.Backend == "" {
		q.Backend = BackendMemory
	}
	if q.Backend != BackendMemory && q.Backend != BackendRedis {
		return fmt.Errorf("queue.backend must be memory or redis, got %q", q.Backend)
	}
	if q.Capacity < 0 {
		return fmt.Errorf("queue.capacity must be > 0, got %d", q.Capacity)
	}
	if q.Capacity == 0 {
		q.Capacity = 64
	}
	if q.Backpressure == "" {
		q.Backpressure = PolicyBlock
	}
	if q.Backpressure != PolicyBlock && q.Backpressure != PolicyDropOldest {
		return fmt.Errorf("queue.backpressure must be block or drop_oldest, got %q", q.Backpressure)
	}
	if q.PushTimeoutMs <= 0 {
		q.PushTimeoutMs = 1000
	}
	if q.Backend == BackendRedis && q.RedisAddr == "" {
		q.RedisAddr = "localhost:6379"
	}
	if q.RedisKey == "" {
		q.RedisKey = "syncgrab:frames"
	}

	if cfg.Notify.Topic == "" {
		cfg.Notify.Topic = "syncgrab"
	}
	if cfg.Notify.ClientID == "" {
		cfg.Notify.ClientID = "syncgrab"
	}
	return nil
}

// TriggerTimeout returns the serial open and banner timeout.
func (c *Config) TriggerTimeout() time.Duration {
	return time.Duration(c.Trigger.TimeoutMs) * time.Millisecond
}

// Watchdog returns the maximum gap between trigger pulses.
func (c *Config) Watchdog() time.Duration {
	return time.Duration(c.Trigger.WatchdogMs) * time.Millisecond
}

// PulseWidth returns the trigger pulse width.
func (c *Config) PulseWidth() time.Duration {
	return time.Duration(c.Trigger.PulseWidthUs) * time.Microsecond
}

// TriggerPeriod returns the nominal time between two simulated pulses.
func (c *Config) TriggerPeriod() time.Duration {
	return time.Duration(float64(time.Second) / c.Trigger.RateHz)
}

// StrobeDelay returns the strobe delay in microseconds relative to the trigger edge.
func (c *Config) StrobeDelay() int {
	if c.Trigger.StrobeDelayUs == nil {
		return 0
	}
	return *c.Trigger.StrobeDelayUs
}

// GrabTimeout returns the per-grab deadline of the acquisition loops.
func (c *Config) GrabTimeout() time.Duration {
	return time.Duration(c.Session.GrabTimeoutMs) * time.Millisecond
}

// PushTimeout returns the bounded wait of a blocking queue push.
func (c *Config) PushTimeout() time.Duration {
	return time.Duration(c.Queue.PushTimeoutMs) * time.Millisecond
}
