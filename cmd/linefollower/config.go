package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level YAML configuration for the line follower.
//
// Layering: DefaultConfig() -> LoadConfigFile() -> FlagOverrides.Apply() -> Validate().
// Keep defaults and validation here so the rest of the code can assume a
// well-formed config.
type Config struct {
	Controller ControllerFileConfig `yaml:"controller"`
	Speed      SpeedFileConfig      `yaml:"speed"`
	Peripheral PeripheralConfig     `yaml:"peripheral"`
	Telemetry  TelemetryConfig      `yaml:"telemetry"`
	Recorder   RecorderConfig       `yaml:"recorder"`
	IPC        IPCConfig            `yaml:"ipc"`
	Logging    LoggingConfig        `yaml:"logging"`
}

// ControllerFileConfig holds loop timing and classification thresholds.
type ControllerFileConfig struct {
	TickMS         int     `yaml:"tick_ms"`
	SettleMS       int     `yaml:"settle_ms"`
	BlackThreshold float64 `yaml:"black_threshold"`
	WhiteThreshold float64 `yaml:"white_threshold"`
	Discrimination float64 `yaml:"discrimination"`
	ObstacleCM     float64 `yaml:"obstacle_cm"`
	FinishRefill   int     `yaml:"finish_refill"`
}

// SpeedFileConfig holds base wheel speeds in percent; all are multiplied by Scale.
type SpeedFileConfig struct {
	Scale      float64 `yaml:"scale"`
	Full       float64 `yaml:"full"`
	Curve      float64 `yaml:"curve"`
	PivotOuter float64 `yaml:"pivot_outer"`
	PivotInner float64 `yaml:"pivot_inner"`
}

// PeripheralConfig selects the hardware backend and maps logical channels to ports.
type PeripheralConfig struct {
	Backend  string         `yaml:"backend"` // ev3dev | gopigo3 | serial | sim
	Bindings BindingsConfig `yaml:"bindings,omitempty"`

	EV3Dev  EV3DevConfig  `yaml:"ev3dev"`
	GoPiGo3 GoPiGo3Config `yaml:"gopigo3"`
	Serial  SerialConfig  `yaml:"serial"`
	Sim     SimConfig     `yaml:"sim"`
}

// BindingsConfig names the physical port behind each logical channel.
// Leave all fields empty to get the backend's stock wiring.
type BindingsConfig struct {
	Left       string `yaml:"left,omitempty"`
	Right      string `yaml:"right,omitempty"`
	Center     string `yaml:"center,omitempty"`
	Distance   string `yaml:"distance,omitempty"`
	LeftMotor  string `yaml:"left_motor,omitempty"`
	RightMotor string `yaml:"right_motor,omitempty"`
}

type EV3DevConfig struct {
	SysfsRoot  string `yaml:"sysfs_root"`
	StopAction string `yaml:"stop_action"` // brake | coast | hold
}

type GoPiGo3Config struct {
	LightRawMax float64 `yaml:"light_raw_max"`
	MaxDPS      int     `yaml:"max_dps"`
}

type SerialConfig struct {
	Device    string `yaml:"device"`
	Baud      int    `yaml:"baud"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type SimConfig struct {
	WsURL     string `yaml:"ws_url"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type TelemetryConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
	Path       string `yaml:"path"`
}

type RecorderConfig struct {
	Enabled bool   `yaml:"enabled"`
	DBPath  string `yaml:"db_path"`
}

type IPCConfig struct {
	Enabled    bool   `yaml:"enabled"`
	SocketPath string `yaml:"socket_path"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

const (
	backendEV3Dev  = "ev3dev"
	backendGoPiGo3 = "gopigo3"
	backendSerial  = "serial"
	backendSim     = "sim"
)

// DefaultConfig returns a fully-populated Config with defaults.
// Keep this aligned with constants.go.
func DefaultConfig() Config {
	return Config{
		Controller: ControllerFileConfig{
			TickMS:         defaultTickMS,
			SettleMS:       defaultSettleMS,
			BlackThreshold: defaultBlackThreshold,
			WhiteThreshold: defaultWhiteThreshold,
			Discrimination: defaultDiscrimination,
			ObstacleCM:     defaultObstacleCM,
			FinishRefill:   defaultFinishRefill,
		},
		Speed: SpeedFileConfig{
			Scale:      defaultSpeedScale,
			Full:       defaultSpeedFull,
			Curve:      defaultSpeedCurve,
			PivotOuter: defaultSpeedPivotOuter,
			PivotInner: defaultSpeedPivotInner,
		},
		Peripheral: PeripheralConfig{
			Backend: backendEV3Dev,
			EV3Dev: EV3DevConfig{
				SysfsRoot:  "/sys/class",
				StopAction: "brake",
			},
			GoPiGo3: GoPiGo3Config{
				LightRawMax: 4095,
				MaxDPS:      600,
			},
			Serial: SerialConfig{
				Device:    "/dev/ttyACM0",
				Baud:      115200,
				TimeoutMS: 50,
			},
			Sim: SimConfig{
				WsURL:     "ws://127.0.0.1:8765",
				TimeoutMS: 50,
			},
		},
		Telemetry: TelemetryConfig{
			Enabled:    false,
			ListenAddr: ":8088",
			Path:       "/telemetry",
		},
		Recorder: RecorderConfig{
			Enabled: false,
			DBPath:  "linefollower.db",
		},
		IPC: IPCConfig{
			Enabled:    false,
			SocketPath: "/tmp/linefollower.sock",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// defaultBindings returns the stock wiring of each backend.
func defaultBindings(backend string) BindingsConfig {
	switch backend {
	case backendEV3Dev:
		return BindingsConfig{
			Left: "in1", Center: "in2", Right: "in3", Distance: "in4",
			LeftMotor: "outA", RightMotor: "outD",
		}
	case backendGoPiGo3:
		return BindingsConfig{
			Left: "AD_1_1", Center: "AD_1_2", Right: "AD_2_1", Distance: "i2c",
			LeftMotor: "left", RightMotor: "right",
		}
	case backendSerial:
		return BindingsConfig{
			Left: "0", Right: "1", Center: "2", Distance: "3",
			LeftMotor: "0", RightMotor: "1",
		}
	default:
		return BindingsConfig{
			Left: "left", Right: "right", Center: "center", Distance: "front",
			LeftMotor: "left", RightMotor: "right",
		}
	}
}

// LoadConfigFile reads and parses a YAML config file on top of DefaultConfig().
// Unknown fields are rejected to catch typos.
func LoadConfigFile(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path is empty")
	}
	b, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config yaml: %w", err)
	}

	// Only whitespace/comments are allowed after the document.
	if err := dec.Decode(&struct{}{}); err == nil {
		return Config{}, fmt.Errorf("decode config yaml: unexpected trailing document")
	}

	return cfg, nil
}

// FlagOverrides carries values from CLI flags. A nil pointer means "not set".
type FlagOverrides struct {
	Backend      *string
	SerialDevice *string
	SimWsURL     *string

	TickMS   *int
	SettleMS *int

	TelemetryEnabled *bool
	TelemetryAddr    *string

	RecorderEnabled *bool
	RecorderDBPath  *string

	IPCEnabled    *bool
	IPCSocketPath *string

	LogLevel *string
}

// Apply merges the overrides into cfg. Non-nil pointers are applied even when
// they hold a zero value.
func (o FlagOverrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	if o.Backend != nil {
		cfg.Peripheral.Backend = *o.Backend
	}
	if o.SerialDevice != nil {
		cfg.Peripheral.Serial.Device = *o.SerialDevice
	}
	if o.SimWsURL != nil {
		cfg.Peripheral.Sim.WsURL = *o.SimWsURL
	}

	if o.TickMS != nil {
		cfg.Controller.TickMS = *o.TickMS
	}
	if o.SettleMS != nil {
		cfg.Controller.SettleMS = *o.SettleMS
	}

	if o.TelemetryEnabled != nil {
		cfg.Telemetry.Enabled = *o.TelemetryEnabled
	}
	if o.TelemetryAddr != nil {
		cfg.Telemetry.ListenAddr = *o.TelemetryAddr
	}

	if o.RecorderEnabled != nil {
		cfg.Recorder.Enabled = *o.RecorderEnabled
	}
	if o.RecorderDBPath != nil {
		cfg.Recorder.DBPath = *o.RecorderDBPath
	}

	if o.IPCEnabled != nil {
		cfg.IPC.Enabled = *o.IPCEnabled
	}
	if o.IPCSocketPath != nil {
		cfg.IPC.SocketPath = *o.IPCSocketPath
	}

	if o.LogLevel != nil {
		cfg.Logging.Level = *o.LogLevel
	}
}

// namedFloat pairs a config key with its value so checks run in a fixed order.
type namedFloat struct {
	name  string
	value float64
}

// Validate checks config invariants and returns a user-friendly error.
// It also fills backend-specific bindings when none were configured.
func (c *Config) Validate() error {
	// Controller
	if c.Controller.TickMS <= 0 || c.Controller.TickMS > 1000 {
		return errors.New("controller.tick_ms must be between 1 and 1000")
	}
	if c.Controller.SettleMS < 0 {
		return errors.New("controller.settle_ms must be >= 0")
	}
	for _, f := range []namedFloat{
		{"controller.black_threshold", c.Controller.BlackThreshold},
		{"controller.white_threshold", c.Controller.WhiteThreshold},
		{"controller.discrimination", c.Controller.Discrimination},
	} {
		if f.value < 0 || f.value > 100 {
			return fmt.Errorf("%s must be between 0 and 100", f.name)
		}
	}
	if c.Controller.ObstacleCM < 0 {
		return errors.New("controller.obstacle_cm must be >= 0")
	}
	if c.Controller.FinishRefill <= 0 {
		return errors.New("controller.finish_refill must be > 0")
	}

	// Speed: every scaled wheel target must be a valid percentage.
	if c.Speed.Scale <= 0 {
		return errors.New("speed.scale must be > 0")
	}
	for _, f := range []namedFloat{
		{"speed.full", c.Speed.Full},
		{"speed.curve", c.Speed.Curve},
		{"speed.pivot_outer", c.Speed.PivotOuter},
		{"speed.pivot_inner", c.Speed.PivotInner},
	} {
		if scaled := f.value * c.Speed.Scale; scaled < -100 || scaled > 100 {
			return fmt.Errorf("%s * speed.scale must be between -100 and 100 (got %.2f)", f.name, scaled)
		}
	}

	// Peripheral
	switch c.Peripheral.Backend {
	case backendEV3Dev:
		if c.Peripheral.EV3Dev.SysfsRoot == "" {
			return errors.New("peripheral.ev3dev.sysfs_root must not be empty")
		}
		switch c.Peripheral.EV3Dev.StopAction {
		case "brake", "coast", "hold":
		default:
			return errors.New("peripheral.ev3dev.stop_action must be brake, coast or hold")
		}
	case backendGoPiGo3:
		if c.Peripheral.GoPiGo3.LightRawMax <= 0 {
			return errors.New("peripheral.gopigo3.light_raw_max must be > 0")
		}
		if c.Peripheral.GoPiGo3.MaxDPS <= 0 {
			return errors.New("peripheral.gopigo3.max_dps must be > 0")
		}
	case backendSerial:
		if c.Peripheral.Serial.Device == "" {
			return errors.New("peripheral.serial.device must not be empty")
		}
		if c.Peripheral.Serial.Baud <= 0 {
			return errors.New("peripheral.serial.baud must be > 0")
		}
		if c.Peripheral.Serial.TimeoutMS <= 0 {
			return errors.New("peripheral.serial.timeout_ms must be > 0")
		}
	case backendSim:
		if c.Peripheral.Sim.WsURL == "" {
			return errors.New("peripheral.sim.ws_url must not be empty")
		}
		if c.Peripheral.Sim.TimeoutMS <= 0 {
			return errors.New("peripheral.sim.timeout_ms must be > 0")
		}
	default:
		return fmt.Errorf("peripheral.backend must be one of %q, %q, %q, %q",
			backendEV3Dev, backendGoPiGo3, backendSerial, backendSim)
	}

	if c.Peripheral.Bindings == (BindingsConfig{}) {
		c.Peripheral.Bindings = defaultBindings(c.Peripheral.Backend)
	}
	b := c.Peripheral.Bindings
	for _, f := range []struct{ name, value string }{
		{"left", b.Left}, {"right", b.Right}, {"center", b.Center}, {"distance", b.Distance},
		{"left_motor", b.LeftMotor}, {"right_motor", b.RightMotor},
	} {
		if f.value == "" {
			return fmt.Errorf("peripheral.bindings.%s must not be empty", f.name)
		}
	}

	// Telemetry
	if c.Telemetry.Enabled {
		if c.Telemetry.ListenAddr == "" {
			return errors.New("telemetry.enabled is true but telemetry.listen_addr is empty")
		}
		if c.Telemetry.Path == "" || c.Telemetry.Path[0] != '/' {
			return errors.New("telemetry.path must start with /")
		}
	}

	// Recorder
	if c.Recorder.Enabled && c.Recorder.DBPath == "" {
		return errors.New("recorder.enabled is true but recorder.db_path is empty")
	}

	// IPC
	if c.IPC.Enabled && c.IPC.SocketPath == "" {
		return errors.New("ipc.enabled is true but ipc.socket_path is empty")
	}

	// Logging
	if _, err := parseLogLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}

	return nil
}

// ToControllerConfig converts file config into the reducer's config.
func (c *Config) ToControllerConfig() ControllerConfig {
	return ControllerConfig{
		Sensors: SensorConfig{
			BlackThreshold: c.Controller.BlackThreshold,
			WhiteThreshold: c.Controller.WhiteThreshold,
			Discrimination: c.Controller.Discrimination,
			ObstacleCM:     c.Controller.ObstacleCM,
		},
		Speeds: SpeedConfig{
			Scale:      c.Speed.Scale,
			Full:       c.Speed.Full,
			Curve:      c.Speed.Curve,
			PivotOuter: c.Speed.PivotOuter,
			PivotInner: c.Speed.PivotInner,
		},
		FinishRefill: c.Controller.FinishRefill,
	}
}

// TickInterval is controller.tick_ms as a duration.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Controller.TickMS) * time.Millisecond
}

// SettleDelay is controller.settle_ms as a duration.
func (c *Config) SettleDelay() time.Duration {
	return time.Duration(c.Controller.SettleMS) * time.Millisecond
}

// ExpandPath expands a leading "~" in a path using $HOME.
func ExpandPath(p string) string {
	if p == "" {
		return p
	}
	if p[0] != '~' {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	if p == "~" {
		return home
	}
	if len(p) >= 2 && (p[1] == '/' || p[1] == '\\') {
		return filepath.Join(home, p[2:])
	}
	return p
}
