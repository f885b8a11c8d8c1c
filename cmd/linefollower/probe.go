package main

import (
	"context"
	"fmt"
	"io"
	"time"
)

// probeOptions selects what the probe loop prints.
type probeOptions struct {
	Interval time.Duration
	Light    bool
	Distance bool
	// Count stops after this many samples; 0 runs until ctx is canceled.
	Count int
}

// runProbe prints raw sensor readings at a fixed interval, for calibrating
// thresholds on the actual track surface. Read errors are printed in place of
// the value and do not stop the loop. The motors are never touched.
func runProbe(ctx context.Context, p Peripheral, opts probeOptions, w io.Writer) error {
	if opts.Interval <= 0 {
		return fmt.Errorf("probe interval must be > 0, got %s", opts.Interval)
	}
	if !opts.Light && !opts.Distance {
		return fmt.Errorf("nothing to probe: enable light and/or distance")
	}

	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	for n := 0; opts.Count == 0 || n < opts.Count; n++ {
		if n > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
		fmt.Fprintln(w, probeLine(p, opts))
	}
	return nil
}

func probeLine(p Peripheral, opts probeOptions) string {
	line := time.Now().Format("15:04:05.000")
	if opts.Light {
		for _, ch := range []LightChannel{LightLeft, LightCenter, LightRight} {
			line += fmt.Sprintf("  %s=%s", ch, probeValue(p.ReadLight(ch)))
		}
	}
	if opts.Distance {
		line += fmt.Sprintf("  distance_cm=%s", probeValue(p.ReadDistance()))
	}
	return line
}

func probeValue(v float64, err error) string {
	if err != nil {
		return fmt.Sprintf("ERR(%v)", err)
	}
	return fmt.Sprintf("%.1f", v)
}
