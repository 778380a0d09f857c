package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// ---------- ValidateConfigPath ----------

func TestValidateConfigPath_Valid(t *testing.T) {
	dir := t.TempDir()
	cfgDir := filepath.Join(dir, "configs")
	if err := os.Mkdir(cfgDir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(cfgDir, "default.yaml")
	if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := ValidateConfigPath(path); err != nil {
		t.Errorf("expected valid path, got error: %v", err)
	}
}

func TestValidateConfigPath_Rejected(t *testing.T) {
	cases := []struct {
		name string
		path string
	}{
		{"traversal", "../../etc/passwd"},
		{"traversal_in_configs", "configs/../../../etc/shadow"},
		{"json", "configs/default.json"},
		{"yml", "configs/default.yml"},
		{"no_ext", "configs/default"},
		{"other_dir", "other/default.yaml"},
		{"bare", "default.yaml"},
		{"tmp", "/tmp/default.yaml"},
		{"empty", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := ValidateConfigPath(tc.path); err == nil {
				t.Errorf("expected error for %q, got nil", tc.path)
			}
		})
	}
}

// ---------- Load ----------

// writeConfig creates a temporary configs/ dir with the given YAML content and returns the path.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	cfgDir := filepath.Join(dir, "configs")
	if err := os.Mkdir(cfgDir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(cfgDir, "test.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const validYAML = `
session:
  frame_count: 8192
  grab_timeout_ms: 500
  max_grab_retries: 5
trigger:
  mode: external
  serial_port: /dev/ttyACM0
  baud_rate: 115200
  timeout_ms: 1500
  count: 8192
  scheme: 2
  deltat_us: 30000
  n: 2
  strobe_width_us: 80
  strobe_delay_us: 0
cameras:
  - id: left
    serial: "20045478"
    pixel_format: Mono16
    width: 640
    height: 480
    exposure_us: 50
    gain: 12.5
    trigger_mode: hardware
  - id: right
    serial: "20045476"
    reverse_x: true
queue:
  capacity: 128
  backpressure: drop_oldest
  push_timeout_ms: 250
defaults:
  debug_level: 2
  mock_gpio: true
  simulate_cameras: true
`

func TestLoad_ValidFullConfig(t *testing.T) {
	path := writeConfig(t, validYAML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Trigger.Mode != TriggerExternal {
		t.Errorf("trigger.mode = %q, want external", cfg.Trigger.Mode)
	}
	if cfg.Trigger.Input != InputSerial {
		t.Errorf("trigger.input default = %q, want serial", cfg.Trigger.Input)
	}
	if cfg.Trigger.Scheme != 2 || cfg.Trigger.N != 2 {
		t.Errorf("scheme/n = %d/%d, want 2/2", cfg.Trigger.Scheme, cfg.Trigger.N)
	}
	if cfg.StrobeDelay() != 0 {
		t.Errorf("explicit strobe_delay_us 0 = %d, want 0", cfg.StrobeDelay())
	}
	if len(cfg.Cameras) != 2 {
		t.Fatalf("cameras = %d, want 2", len(cfg.Cameras))
	}
	left := cfg.Cameras[0]
	if left.ID != "left" || left.Serial != "20045478" || left.PixelFormat != "Mono16" {
		t.Errorf("left camera = %+v", left)
	}
	if left.Gain != 12.5 {
		t.Errorf("left gain = %v, want 12.5", left.Gain)
	}
	if !cfg.Cameras[1].ReverseX {
		t.Error("right camera should have reverse_x")
	}
	if cfg.Session.CameraCount != 2 {
		t.Errorf("camera_count = %d, want 2", cfg.Session.CameraCount)
	}
	if cfg.Queue.Backpressure != PolicyDropOldest || cfg.Queue.Capacity != 128 {
		t.Errorf("queue = %+v", cfg.Queue)
	}
	if cfg.GrabTimeout() != 500*time.Millisecond {
		t.Errorf("GrabTimeout() = %v, want 500ms", cfg.GrabTimeout())
	}
	if cfg.PushTimeout() != 250*time.Millisecond {
		t.Errorf("PushTimeout() = %v, want 250ms", cfg.PushTimeout())
	}
	if cfg.TriggerTimeout() != 1500*time.Millisecond {
		t.Errorf("TriggerTimeout() = %v, want 1.5s", cfg.TriggerTimeout())
	}
}

func TestLoad_DefaultValues(t *testing.T) {
	path := writeConfig(t, "defaults:\n  debug_level: 0\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Trigger.Mode != TriggerSimulated {
		t.Errorf("trigger.mode default = %q, want simulated", cfg.Trigger.Mode)
	}
	if cfg.Trigger.RateHz != 100 {
		t.Errorf("rate_hz default = %v, want 100", cfg.Trigger.RateHz)
	}
	if cfg.TriggerPeriod() != 10*time.Millisecond {
		t.Errorf("TriggerPeriod() = %v, want 10ms", cfg.TriggerPeriod())
	}
	if cfg.Trigger.BaudRate != 115200 {
		t.Errorf("baud_rate default = %d, want 115200", cfg.Trigger.BaudRate)
	}
	if cfg.Trigger.DeltaTUs != 30000 || cfg.Trigger.PulseWidthUs != 30 || cfg.Trigger.StrobeWidthUs != 80 {
		t.Errorf("device program defaults = %+v", cfg.Trigger)
	}
	if cfg.StrobeDelay() != -20 {
		t.Errorf("strobe delay default = %d, want -20", cfg.StrobeDelay())
	}
	if cfg.Watchdog() != 2*time.Second {
		t.Errorf("Watchdog() = %v, want 2s", cfg.Watchdog())
	}
	if len(cfg.Cameras) != 2 {
		t.Fatalf("default cameras = %d, want 2", len(cfg.Cameras))
	}
	c := cfg.Cameras[0]
	if c.Serial != "20045478" || c.Width != 720 || c.Height != 540 || c.ExposureUs != 50 || c.PixelFormat != "Mono8" {
		t.Errorf("default camera = %+v", c)
	}
	if c.TriggerMode != "hardware" {
		t.Errorf("trigger_mode default = %q, want hardware", c.TriggerMode)
	}
	if cfg.Session.GrabTimeoutMs != 1000 || cfg.Session.MaxGrabRetries != 3 {
		t.Errorf("session defaults = %+v", cfg.Session)
	}
	if cfg.Queue.Backend != BackendMemory || cfg.Queue.Capacity != 64 || cfg.Queue.Backpressure != PolicyBlock {
		t.Errorf("queue defaults = %+v", cfg.Queue)
	}
}

func TestLoad_DisabledTriggerDefaultsToFreeRun(t *testing.T) {
	path := writeConfig(t, `
trigger:
  mode: disabled
cameras:
  - serial: "#0"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Cameras[0].TriggerMode != "off" {
		t.Errorf("trigger_mode = %q, want off", cfg.Cameras[0].TriggerMode)
	}
	if cfg.Cameras[0].ID != "cam1" {
		t.Errorf("generated id = %q, want cam1", cfg.Cameras[0].ID)
	}
}

func TestLoad_CameraCountSelectsPrefix(t *testing.T) {
	path := writeConfig(t, `
session:
  camera_count: 1
cameras:
  - id: a
  - id: b
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Cameras) != 1 || cfg.Cameras[0].ID != "a" {
		t.Errorf("cameras = %+v, want only a", cfg.Cameras)
	}
	if cfg.Cameras[0].Serial != "#0" {
		t.Errorf("serial default = %q, want #0", cfg.Cameras[0].Serial)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"bad_mode", "trigger:\n  mode: sometimes\n"},
		{"external_no_port", "trigger:\n  mode: external\n"},
		{"gpio_no_pin", "trigger:\n  mode: external\n  input: gpio\n"},
		{"bad_input", "trigger:\n  mode: external\n  input: usb\n"},
		{"negative_rate", "trigger:\n  rate_hz: -5\n"},
		{"scheme_range", "trigger:\n  scheme: 4\n"},
		{"deltat_overflow", "trigger:\n  deltat_us: 40000\n"},
		{"n_overflow", "trigger:\n  n: 32768\n"},
		{"pulse_width_overflow", "trigger:\n  pulse_width_us: 70000\n"},
		{"strobe_width_overflow", "trigger:\n  strobe_width_us: 32768\n"},
		{"strobe_delay_underflow", "trigger:\n  strobe_delay_us: -32769\n"},
		{"count_overflow", "trigger:\n  count: 2147483648\n"},
		{"negative_count", "trigger:\n  count: -1\n"},
		{"too_many_cameras", "session:\n  camera_count: 3\ncameras:\n  - id: a\n"},
		{"duplicate_id", "cameras:\n  - id: a\n  - id: a\n"},
		{"bad_backend", "queue:\n  backend: kafka\n"},
		{"bad_policy", "queue:\n  backpressure: drop_newest\n"},
		{"negative_capacity", "queue:\n  capacity: -1\n"},
		{"negative_frames", "session:\n  frame_count: -1\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.yaml)
			if _, err := Load(path); err == nil {
				t.Errorf("expected error for %s, got nil", tc.name)
			}
		})
	}
}

func TestLoad_RedisDefaults(t *testing.T) {
	path := writeConfig(t, "queue:\n  backend: redis\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Queue.RedisAddr != "localhost:6379" || cfg.Queue.RedisKey != "syncgrab:frames" {
		t.Errorf("redis defaults = %+v", cfg.Queue)
	}
}

func TestLoad_SerialBoardCountDefault(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want int
	}{
		{"serial_default", "trigger:\n  mode: external\n  serial_port: auto\n", 8192},
		{"serial_explicit", "trigger:\n  mode: external\n  serial_port: auto\n  count: 10\n", 10},
		{"simulated_unbounded", "trigger:\n  mode: simulated\n", 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, tc.yaml))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cfg.Trigger.Count != tc.want {
				t.Errorf("trigger.count = %d, want %d", cfg.Trigger.Count, tc.want)
			}
		})
	}
}

func TestLoad_FileTooLarge(t *testing.T) {
	dir := t.TempDir()
	cfgDir := filepath.Join(dir, "configs")
	if err := os.Mkdir(cfgDir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(cfgDir, "big.yaml")
	data := make([]byte, MaxConfigFileBytes+1)
	for i := range data {
		data[i] = '#'
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected error for oversized config file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "{{{{invalid yaml!!!!")
	if _, err := Load(path); err == nil {
		t.Error("expected error for invalid YAML, got nil")
	}
}

func TestLoad_UnknownFields(t *testing.T) {
	path := writeConfig(t, "unknown_section:\n  foo: bar\n")
	if _, err := Load(path); err != nil {
		t.Errorf("unknown fields should be ignored, got error: %v", err)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	path := filepath.Join(t.TempDir(), "configs", "nonexistent.yaml")
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for nonexistent file, got nil")
	}
	if !strings.Contains(err.Error(), "config file") {
		t.Errorf("error should mention the config file: %v", err)
	}
}

func TestLoad_ShippedDefault(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "default.yaml"))
	if err != nil {
		t.Fatalf("configs/default.yaml: %v", err)
	}
	if !cfg.Defaults.SimulateCameras || !cfg.Defaults.MockGPIO {
		t.Errorf("shipped config should run without hardware: %+v", cfg.Defaults)
	}
	if len(cfg.Cameras) != 2 || cfg.Cameras[1].Serial != "20045476" {
		t.Errorf("cameras = %+v", cfg.Cameras)
	}
	if cfg.StrobeDelay() != -20 || cfg.Trigger.Count != 1000 {
		t.Errorf("trigger = %+v", cfg.Trigger)
	}
}
