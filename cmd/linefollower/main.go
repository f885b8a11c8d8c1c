package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli"
	"golang.org/x/sync/errgroup"
)

const version = "1.0.0"

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "linefollower"
	app.Usage = "line-following robot controller"
	app.Version = version
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "path to YAML config file",
		},
		cli.StringFlag{
			Name:  "log-level",
			Usage: "log level: error, warn, info, debug (overrides config)",
		},
		cli.StringFlag{
			Name:  "backend",
			Usage: "peripheral backend: ev3dev, gopigo3, serial, sim (overrides config)",
		},
		cli.StringFlag{
			Name:  "serial-device",
			Usage: "serial bridge device (overrides config)",
		},
		cli.StringFlag{
			Name:  "sim-ws-url",
			Usage: "simulator websocket URL (overrides config)",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:  "run",
			Usage: "follow the line until the finish line, a motor fault or an operator halt",
			Flags: []cli.Flag{
				cli.IntFlag{Name: "tick-ms", Usage: "control tick interval in ms (overrides config)"},
				cli.IntFlag{Name: "settle-ms", Usage: "delay before exiting once stopped, in ms (overrides config)"},
				cli.BoolFlag{Name: "telemetry", Usage: "serve the telemetry websocket (overrides config)"},
				cli.StringFlag{Name: "telemetry-addr", Usage: "telemetry listen address (overrides config)"},
				cli.BoolFlag{Name: "record", Usage: "journal every tick to the run database (overrides config)"},
				cli.StringFlag{Name: "db", Usage: "run database path (overrides config)"},
				cli.BoolFlag{Name: "ipc", Usage: "accept operator commands on the IPC socket (overrides config)"},
				cli.StringFlag{Name: "ipc-socket", Usage: "IPC socket path (overrides config)"},
			},
			Action: runCommand,
		},
		{
			Name:  "probe",
			Usage: "print raw sensor readings for threshold calibration",
			Flags: []cli.Flag{
				cli.DurationFlag{Name: "interval", Value: 5 * time.Second, Usage: "time between samples"},
				cli.BoolTFlag{Name: "light", Usage: "print the three light intensities"},
				cli.BoolTFlag{Name: "distance", Usage: "print the front distance"},
				cli.IntFlag{Name: "count", Usage: "stop after this many samples (0 = until interrupted)"},
			},
			Action: probeCommand,
		},
		{
			Name:  "replay",
			Usage: "re-run a recorded run through the controller and report differing decisions",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "db", Usage: "run database path (overrides config)"},
				cli.StringFlag{Name: "run", Usage: "run id (default: most recent run)"},
				cli.IntFlag{Name: "max-rows", Value: 50, Usage: "maximum differences to print (0 = all)"},
			},
			Action: replayCommand,
		},
	}
	return app
}

// loadConfig layers defaults, the config file and CLI overrides, then validates.
func loadConfig(c *cli.Context) (Config, error) {
	cfg := DefaultConfig()
	if path := c.GlobalString("config"); path != "" {
		loaded, err := LoadConfigFile(path)
		if err != nil {
			return Config{}, err
		}
		cfg = loaded
	}

	flagOverrides(c).Apply(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// flagOverrides collects the flags that were explicitly set on the command line.
func flagOverrides(c *cli.Context) FlagOverrides {
	globalStr := func(name string) *string {
		if !c.GlobalIsSet(name) {
			return nil
		}
		v := c.GlobalString(name)
		return &v
	}
	str := func(name string) *string {
		if !c.IsSet(name) {
			return nil
		}
		v := c.String(name)
		return &v
	}
	integer := func(name string) *int {
		if !c.IsSet(name) {
			return nil
		}
		v := c.Int(name)
		return &v
	}
	boolean := func(name string) *bool {
		if !c.IsSet(name) {
			return nil
		}
		v := c.Bool(name)
		return &v
	}

	return FlagOverrides{
		Backend:      globalStr("backend"),
		SerialDevice: globalStr("serial-device"),
		SimWsURL:     globalStr("sim-ws-url"),
		LogLevel:     globalStr("log-level"),

		TickMS:   integer("tick-ms"),
		SettleMS: integer("settle-ms"),

		TelemetryEnabled: boolean("telemetry"),
		TelemetryAddr:    str("telemetry-addr"),

		RecorderEnabled: boolean("record"),
		RecorderDBPath:  str("db"),

		IPCEnabled:    boolean("ipc"),
		IPCSocketPath: str("ipc-socket"),
	}
}

func newLogger(cfg Config) *slog.Logger {
	// Validate already accepted the level.
	level, _ := parseLogLevel(cfg.Logging.Level)
	// stdout is reserved for the final finish counter line.
	return setupLogger(os.Stderr, level)
}

// runCommand wires the peripheral, the optional observers and the control loop.
func runCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	logger.Debug("starting linefollower", "version", version)
	logger.Debug("configuration",
		"backend", cfg.Peripheral.Backend,
		"bindings", fmt.Sprintf("%+v", cfg.Peripheral.Bindings),
		"tick_ms", cfg.Controller.TickMS,
		"settle_ms", cfg.Controller.SettleMS,
		"black_threshold", cfg.Controller.BlackThreshold,
		"white_threshold", cfg.Controller.WhiteThreshold,
		"discrimination", cfg.Controller.Discrimination,
		"obstacle_cm", cfg.Controller.ObstacleCM,
		"finish_refill", cfg.Controller.FinishRefill,
		"speed_scale", cfg.Speed.Scale,
		"telemetry", cfg.Telemetry.Enabled,
		"recorder", cfg.Recorder.Enabled,
		"ipc", cfg.IPC.Enabled,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := openPeripheral(cfg.Peripheral, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := p.Close(); err != nil {
			logger.Warn("peripheral close failed", "error", err)
		}
	}()

	events := make(chan Event, defaultEventBuf)
	var publishers []func(Broadcast)

	var rec *Recorder
	if cfg.Recorder.Enabled {
		rec, err = OpenRecorder(ExpandPath(cfg.Recorder.DBPath), defaultRecorderBuf, logger)
		if err != nil {
			return fmt.Errorf("open recorder: %w", err)
		}
		defer rec.Close()
		if _, err := rec.StartRun(cfg.Peripheral.Backend, time.Now()); err != nil {
			return err
		}
		publishers = append(publishers, rec.Publish)
	}

	g, gctx := errgroup.WithContext(ctx)

	// Observers outlive nothing: they stop as soon as the control loop returns.
	svcCtx, cancelSvc := context.WithCancel(gctx)
	defer cancelSvc()

	if cfg.Telemetry.Enabled {
		tel := NewTelemetryServer(logger, events, HubConfig{})
		bcasts := make(chan Broadcast, defaultBroadcastBuf)
		publishers = append(publishers, func(b Broadcast) {
			select {
			case bcasts <- b:
			default:
			}
		})

		mux := http.NewServeMux()
		tel.Register(mux, cfg.Telemetry.Path)

		g.Go(func() error {
			tel.Hub().Run(svcCtx)
			return nil
		})
		g.Go(func() error {
			RunBroadcaster(svcCtx, tel.Hub(), bcasts, logger)
			return nil
		})
		g.Go(func() error {
			return runHTTPServer(svcCtx, cfg.Telemetry.ListenAddr, mux, nil, logger)
		})
	}

	if cfg.IPC.Enabled {
		g.Go(func() error {
			return runIPCServer(svcCtx, ExpandPath(cfg.IPC.SocketPath), events, logger)
		})
	}

	var outcome runOutcome
	g.Go(func() error {
		defer cancelSvc()
		out, err := runDaemon(gctx, events, p, cfg.ToControllerConfig(), NewControllerState(time.Now()), daemonOptions{
			TickInterval: cfg.TickInterval(),
			SettleDelay:  cfg.SettleDelay(),
			Out:          os.Stdout,
			Publish: func(b Broadcast) {
				for _, pub := range publishers {
					pub(b)
				}
			},
		}, logger)
		outcome = out
		return err
	})

	runErr := g.Wait()

	if rec != nil {
		if err := rec.FinishRun(outcome, time.Now()); err != nil {
			logger.Error("failed to close run record", "error", err)
		}
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	if outcome.Failed() {
		return cli.NewExitError(fmt.Sprintf("run stopped: %s: %s", outcome.Cause, outcome.Detail), 1)
	}
	return nil
}

// probeCommand prints raw readings until interrupted.
func probeCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := openPeripheral(cfg.Peripheral, logger)
	if err != nil {
		return err
	}
	defer p.Close()

	return runProbe(ctx, p, probeOptions{
		Interval: c.Duration("interval"),
		Light:    c.BoolT("light"),
		Distance: c.BoolT("distance"),
		Count:    c.Int("count"),
	}, os.Stdout)
}

// replayCommand compares a recorded run with what the current config decides.
func replayCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	dbPath := ExpandPath(cfg.Recorder.DBPath)
	if _, err := os.Stat(dbPath); err != nil {
		return fmt.Errorf("run database: %w", err)
	}

	rec, err := OpenRecorder(dbPath, 0, logger)
	if err != nil {
		return fmt.Errorf("open recorder: %w", err)
	}
	defer rec.Close()

	var run RunRecord
	if id := c.String("run"); id != "" {
		run, err = rec.LoadRun(id)
	} else {
		run, err = rec.LatestRun()
	}
	if err != nil {
		return err
	}

	ticks, err := rec.LoadTicks(run.RunID)
	if err != nil {
		return err
	}

	report := ReplayTicks(ticks, cfg.ToControllerConfig())
	printReplay(os.Stdout, run, report, c.Int("max-rows"))

	if !report.Complete() {
		return cli.NewExitError(fmt.Sprintf("journal incomplete (%d ticks dropped)", report.Dropped), 2)
	}
	if !report.Clean() {
		return cli.NewExitError("", 1)
	}
	return nil
}
