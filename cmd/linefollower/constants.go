package main

// Control loop cadence
const (
	defaultTickMS   = 10   // Interval between control ticks (ms), ~100 Hz
	defaultSettleMS = 5000 // Delay between reaching Stopped and process exit (ms)
)

// Sensor classification defaults
const (
	// Reflected light: lower is darker. Both splits sit at 40 on the 0-100 scale,
	// so a reading of exactly 40 is neither black nor white.
	defaultBlackThreshold = 40.0
	defaultWhiteThreshold = 40.0

	// Minimum pairwise difference that counts as "one sensor sees something else".
	defaultDiscrimination = 10.0

	// Anything closer than this (cm) in front of the robot is an obstacle.
	defaultObstacleCM = 7.0

	// Ticks during which an all-black band still arms the finish line.
	defaultFinishRefill = 6
)

// Wheel speed defaults (percent of rated motor speed, before scaling)
const (
	defaultSpeedScale      = 1.25
	defaultSpeedFull       = 30.0  // both wheels going straight, outer wheel in a curve
	defaultSpeedCurve      = 20.0  // inner wheel in a normal curve
	defaultSpeedPivotOuter = 20.0  // outer wheel in a sharp pivot
	defaultSpeedPivotInner = -20.0 // inner wheel in a sharp pivot (reverse)
)

// Outbound buffers shared by the loop and its observers
const (
	defaultEventBuf     = 16
	defaultBroadcastBuf = 128
	defaultRecorderBuf  = 1024
)
