//go:build !linux

package main

import (
	"errors"
	"log/slog"
)

// OpenEV3Dev is only available on Linux, where the ev3dev kernel drivers live.
func OpenEV3Dev(cfg EV3DevConfig, b BindingsConfig, logger *slog.Logger) (Peripheral, error) {
	return nil, errors.New("ev3dev backend requires linux")
}
