package main

import (
	"fmt"
	"log/slog"
	"math"

	"gobot.io/x/gobot"
	"gobot.io/x/gobot/drivers/aio"
	"gobot.io/x/gobot/drivers/i2c"
	g "gobot.io/x/gobot/platforms/dexter/gopigo3"
	"gobot.io/x/gobot/platforms/raspi"
)

// ============================================================================
// GoPiGo3 backend (gobot)
// ============================================================================
//
// Raspberry Pi + Dexter GoPiGo3 board:
//   - three Grove light sensors on the board's analog pins (AD_x_y)
//   - a LIDAR-Lite rangefinder on the Pi's I2C bus
//   - the two board motors, driven in degrees per second
//
// Light readings are raw ADC counts; they are normalized to the 0-100 scale
// with light_raw_max so the same thresholds work on every backend.
//
// ============================================================================

// gobot surfaces used by the backend; kept narrow so tests can fake them.
type gopigoMotors interface {
	SetMotorDps(motor g.Motor, dps int) error
}

type analogSource interface {
	Read() (int, error)
}

type rangeSource interface {
	Distance() (int, error)
}

// GoPiGo3 is a Peripheral on a GoPiGo3 robot.
type GoPiGo3 struct {
	logger *slog.Logger

	motors     gopigoMotors
	lights     [3]analogSource
	rangefind  rangeSource
	leftMotor  g.Motor
	rightMotor g.Motor

	rawMax float64
	maxDPS int

	// lifecycle, nil in tests
	adaptor *raspi.Adaptor
	devices []gobot.Device
}

// OpenGoPiGo3 connects the Raspberry Pi adaptor and starts the board drivers.
func OpenGoPiGo3(cfg GoPiGo3Config, b BindingsConfig, logger *slog.Logger) (*GoPiGo3, error) {
	leftMotor, err := gopigoMotor(b.LeftMotor)
	if err != nil {
		return nil, fmt.Errorf("left motor: %w", err)
	}
	rightMotor, err := gopigoMotor(b.RightMotor)
	if err != nil {
		return nil, fmt.Errorf("right motor: %w", err)
	}

	adaptor := raspi.NewAdaptor()
	if err := adaptor.Connect(); err != nil {
		return nil, fmt.Errorf("connect raspi adaptor: %w", err)
	}

	board := g.NewDriver(adaptor)
	lidar := i2c.NewLIDARLiteDriver(adaptor)

	// Light sensor drivers are read on demand and not started: starting them
	// spawns a polling goroutine per sensor that the control loop does not need.
	var lights [3]analogSource
	for _, ch := range []LightChannel{LightLeft, LightRight, LightCenter} {
		lights[ch] = aio.NewGroveLightSensorDriver(board, b.Port(ch))
	}

	p := &GoPiGo3{
		logger:     logger,
		motors:     board,
		lights:     lights,
		rangefind:  lidar,
		leftMotor:  leftMotor,
		rightMotor: rightMotor,
		rawMax:     cfg.LightRawMax,
		maxDPS:     cfg.MaxDPS,
		adaptor:    adaptor,
	}

	for _, dev := range []gobot.Device{board, lidar} {
		if err := dev.Start(); err != nil {
			_ = p.Close()
			return nil, fmt.Errorf("start %s: %w", dev.Name(), err)
		}
		p.devices = append(p.devices, dev)
	}

	logger.Info("gopigo3 peripheral ready",
		"left", b.Left, "right", b.Right, "center", b.Center,
		"left_motor", b.LeftMotor, "right_motor", b.RightMotor, "max_dps", cfg.MaxDPS)
	return p, nil
}

func gopigoMotor(name string) (g.Motor, error) {
	switch name {
	case "left":
		return g.MOTOR_LEFT, nil
	case "right":
		return g.MOTOR_RIGHT, nil
	default:
		return 0, fmt.Errorf("unknown gopigo3 motor %q (want left or right)", name)
	}
}

func (p *GoPiGo3) ReadLight(ch LightChannel) (float64, error) {
	if int(ch) < 0 || int(ch) >= len(p.lights) || p.lights[ch] == nil {
		return 0, fmt.Errorf("light %s: %w", ch, ErrNotConnected)
	}
	raw, err := p.lights[ch].Read()
	if err != nil {
		return 0, err
	}
	v := float64(raw) / p.rawMax * 100
	return math.Max(0, math.Min(100, v)), nil
}

func (p *GoPiGo3) ReadDistance() (float64, error) {
	if p.rangefind == nil {
		return 0, fmt.Errorf("distance: %w", ErrNotConnected)
	}
	cm, err := p.rangefind.Distance()
	if err != nil {
		return 0, err
	}
	return float64(cm), nil
}

func (p *GoPiGo3) Drive(leftPct, rightPct float64) error {
	if err := p.motors.SetMotorDps(p.leftMotor, p.dps(leftPct)); err != nil {
		return fmt.Errorf("left motor: %w", err)
	}
	if err := p.motors.SetMotorDps(p.rightMotor, p.dps(rightPct)); err != nil {
		return fmt.Errorf("right motor: %w", err)
	}
	return nil
}

func (p *GoPiGo3) Stop() error {
	return p.motors.SetMotorDps(p.leftMotor+p.rightMotor, 0)
}

// Close halts the started drivers (the board driver resets motors on halt)
// and releases the adaptor.
func (p *GoPiGo3) Close() error {
	var firstErr error
	for i := len(p.devices) - 1; i >= 0; i-- {
		if err := p.devices[i].Halt(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("halt %s: %w", p.devices[i].Name(), err)
		}
	}
	p.devices = nil
	if p.adaptor != nil {
		if err := p.adaptor.Finalize(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("finalize adaptor: %w", err)
		}
		p.adaptor = nil
	}
	return firstErr
}

func (p *GoPiGo3) dps(pct float64) int {
	return int(math.Round(pct / 100 * float64(p.maxDPS)))
}
