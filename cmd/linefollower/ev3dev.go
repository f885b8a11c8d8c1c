//go:build linux

package main

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// ============================================================================
// ev3dev backend
// ============================================================================
//
// Talks to the ev3dev kernel drivers through sysfs:
//
//   <root>/lego-sensor/sensorN/{address,driver_name,mode,decimals,value0}
//   <root>/tacho-motor/motorN/{address,max_speed,speed_sp,stop_action,command}
//
// Ports are matched by the address attribute ("ev3-ports:in1", "ev3-ports:outA").
// Sensor value files are opened once and polled with pread(2) so a 100 Hz loop
// does not pay an open/close per reading.
//
// ============================================================================

const ev3PortPrefix = "ev3-ports:"

// sensor drivers we know how to put into the right mode
var ev3SensorModes = map[string]string{
	"lego-ev3-color": "COL-REFLECT",
	"lego-nxt-light": "REFLECT",
	"lego-ev3-us":    "US-DIST-CM",
	"lego-nxt-us":    "US-DIST-CM",
}

// EV3Dev is a Peripheral backed by ev3dev sysfs attributes.
type EV3Dev struct {
	logger *slog.Logger

	lights   [3]*ev3Value
	distance *ev3Value

	left  *ev3Motor
	right *ev3Motor
}

// ev3Value is an open value0 attribute plus its decimal scaling.
type ev3Value struct {
	path  string
	fd    int
	scale float64
}

type ev3Motor struct {
	dir      string
	maxSpeed float64
}

// OpenEV3Dev resolves all bound ports and prepares sensors and motors.
func OpenEV3Dev(cfg EV3DevConfig, b BindingsConfig, logger *slog.Logger) (*EV3Dev, error) {
	d := &EV3Dev{logger: logger}

	sensorClass := filepath.Join(cfg.SysfsRoot, "lego-sensor")
	motorClass := filepath.Join(cfg.SysfsRoot, "tacho-motor")

	for _, ch := range []LightChannel{LightLeft, LightRight, LightCenter} {
		v, err := openEV3Sensor(sensorClass, b.Port(ch))
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("light %s: %w", ch, err)
		}
		d.lights[ch] = v
	}

	v, err := openEV3Sensor(sensorClass, b.Distance)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("distance: %w", err)
	}
	d.distance = v

	if d.left, err = openEV3Motor(motorClass, b.LeftMotor, cfg.StopAction); err != nil {
		d.Close()
		return nil, fmt.Errorf("left motor: %w", err)
	}
	if d.right, err = openEV3Motor(motorClass, b.RightMotor, cfg.StopAction); err != nil {
		d.Close()
		return nil, fmt.Errorf("right motor: %w", err)
	}

	logger.Info("ev3dev peripheral ready",
		"left", b.Left, "right", b.Right, "center", b.Center, "distance", b.Distance,
		"left_motor", b.LeftMotor, "right_motor", b.RightMotor)
	return d, nil
}

func (d *EV3Dev) ReadLight(ch LightChannel) (float64, error) {
	if int(ch) < 0 || int(ch) >= len(d.lights) || d.lights[ch] == nil {
		return 0, fmt.Errorf("light %s: %w", ch, ErrNotConnected)
	}
	return d.lights[ch].read()
}

func (d *EV3Dev) ReadDistance() (float64, error) {
	if d.distance == nil {
		return 0, fmt.Errorf("distance: %w", ErrNotConnected)
	}
	return d.distance.read()
}

func (d *EV3Dev) Drive(leftPct, rightPct float64) error {
	if d.left == nil || d.right == nil {
		return ErrNotConnected
	}
	if err := d.left.run(leftPct); err != nil {
		return fmt.Errorf("left motor: %w", err)
	}
	if err := d.right.run(rightPct); err != nil {
		return fmt.Errorf("right motor: %w", err)
	}
	return nil
}

func (d *EV3Dev) Stop() error {
	if d.left == nil || d.right == nil {
		return ErrNotConnected
	}
	// Try both even if the first fails.
	lerr := writeSysfsAttr(filepath.Join(d.left.dir, "command"), "stop")
	rerr := writeSysfsAttr(filepath.Join(d.right.dir, "command"), "stop")
	if lerr != nil {
		return fmt.Errorf("left motor: %w", lerr)
	}
	if rerr != nil {
		return fmt.Errorf("right motor: %w", rerr)
	}
	return nil
}

// Close releases the open value files. It does not touch the motors.
func (d *EV3Dev) Close() error {
	for i, v := range d.lights {
		if v != nil {
			_ = unix.Close(v.fd)
			d.lights[i] = nil
		}
	}
	if d.distance != nil {
		_ = unix.Close(d.distance.fd)
		d.distance = nil
	}
	return nil
}

func (v *ev3Value) read() (float64, error) {
	var buf [32]byte
	n, err := unix.Pread(v.fd, buf[:], 0)
	if err != nil {
		return 0, fmt.Errorf("pread %s: %w", v.path, err)
	}
	raw, err := strconv.ParseFloat(strings.TrimSpace(string(buf[:n])), 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", v.path, err)
	}
	return raw * v.scale, nil
}

func (m *ev3Motor) run(pct float64) error {
	sp := int(math.Round(pct / 100 * m.maxSpeed))
	if err := writeSysfsAttr(filepath.Join(m.dir, "speed_sp"), strconv.Itoa(sp)); err != nil {
		return err
	}
	return writeSysfsAttr(filepath.Join(m.dir, "command"), "run-forever")
}

func openEV3Sensor(classDir, port string) (*ev3Value, error) {
	dir, err := findEV3Device(classDir, port)
	if err != nil {
		return nil, err
	}

	driver, err := readSysfsAttr(filepath.Join(dir, "driver_name"))
	if err != nil {
		return nil, err
	}
	mode, ok := ev3SensorModes[driver]
	if !ok {
		return nil, fmt.Errorf("%s: unsupported sensor driver %q", port, driver)
	}
	if err := writeSysfsAttr(filepath.Join(dir, "mode"), mode); err != nil {
		return nil, err
	}

	// decimals is only meaningful once the mode is set.
	decStr, err := readSysfsAttr(filepath.Join(dir, "decimals"))
	if err != nil {
		return nil, err
	}
	decimals, err := strconv.Atoi(decStr)
	if err != nil {
		return nil, fmt.Errorf("%s: parse decimals %q: %w", port, decStr, err)
	}

	path := filepath.Join(dir, "value0")
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &ev3Value{path: path, fd: fd, scale: math.Pow10(-decimals)}, nil
}

func openEV3Motor(classDir, port, stopAction string) (*ev3Motor, error) {
	dir, err := findEV3Device(classDir, port)
	if err != nil {
		return nil, err
	}
	maxStr, err := readSysfsAttr(filepath.Join(dir, "max_speed"))
	if err != nil {
		return nil, err
	}
	maxSpeed, err := strconv.ParseFloat(maxStr, 64)
	if err != nil {
		return nil, fmt.Errorf("%s: parse max_speed %q: %w", port, maxStr, err)
	}
	if err := writeSysfsAttr(filepath.Join(dir, "stop_action"), stopAction); err != nil {
		return nil, err
	}
	return &ev3Motor{dir: dir, maxSpeed: maxSpeed}, nil
}

// findEV3Device returns the class entry whose address matches port.
func findEV3Device(classDir, port string) (string, error) {
	want := port
	if !strings.Contains(want, ":") {
		want = ev3PortPrefix + port
	}

	entries, err := os.ReadDir(classDir)
	if err != nil {
		return "", fmt.Errorf("list %s: %w", classDir, err)
	}
	for _, e := range entries {
		dir := filepath.Join(classDir, e.Name())
		addr, err := readSysfsAttr(filepath.Join(dir, "address"))
		if err != nil {
			continue
		}
		if addr == want {
			return dir, nil
		}
	}
	return "", fmt.Errorf("no device at %s in %s: %w", want, classDir, ErrNotConnected)
}

func readSysfsAttr(path string) (string, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer unix.Close(fd)

	var buf [256]byte
	n, err := unix.Read(fd, buf[:])
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return strings.TrimSpace(string(buf[:n])), nil
}

func writeSysfsAttr(path, value string) error {
	fd, err := unix.Open(path, unix.O_WRONLY|unix.O_TRUNC|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer unix.Close(fd)

	if _, err := unix.Write(fd, []byte(value)); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
