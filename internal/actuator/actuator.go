// Package actuator holds the command policy shared by every actuator
// kind: hysteresis decisions for switches, supported-mode selection for
// climate devices, and the rate-limit/idempotence gate applied to every
// outgoing command.
package actuator

import (
	"context"
	"time"

	"github.com/thatsimonsguy/clima-controller/internal/model"
)

// Dispatcher sends actuator commands to the hub.
type Dispatcher interface {
	SetClimateMode(ctx context.Context, entityID string, mode string) error
	SetClimateTemperature(ctx context.Context, entityID string, value float64) error
	SetNumberValue(ctx context.Context, entityID string, value float64) error
	TurnOn(ctx context.Context, entityID string) error
	TurnOff(ctx context.Context, entityID string) error
}

// RateLimited reports whether an area is still inside its minimum change
// window. Areas with no recorded command are never limited, so the first
// command after a mode or inclusion change always goes through.
func RateLimited(lastCommandAt time.Time, minChange time.Duration, now time.Time) bool {
	if lastCommandAt.IsZero() || minChange <= 0 {
		return false
	}
	return now.Sub(lastCommandAt) < minChange
}

// ShouldDispatch gates a computed command. Repeats of the last sent value
// are no-ops regardless of timing; changed values wait out the rate limit
// window. Suppressed values are discarded, not queued: the next cycle
// recomputes from fresh sensor state.
func ShouldDispatch(desired model.CommandValue, last *model.CommandValue, lastCommandAt time.Time, minChange time.Duration, now time.Time) (bool, string) {
	if last != nil && desired.Equal(*last) {
		return false, "unchanged"
	}
	if RateLimited(lastCommandAt, minChange, now) {
		return false, "rate_limited"
	}
	return true, ""
}

// SwitchAction decides hysteresis switching for an on/off actuator. At
// most one of turnOn and turnOff is true; inside the deadband the switch
// holds its current state.
func SwitchAction(mode model.Mode, roomTemp, desired, deadband float64, isOn bool) (turnOn, turnOff bool) {
	switch mode {
	case model.ModeHeat:
		if roomTemp < desired-deadband && !isOn {
			return true, false
		}
		if roomTemp > desired+deadband && isOn {
			return false, true
		}
	case model.ModeCool:
		if roomTemp > desired+deadband && !isOn {
			return true, false
		}
		if roomTemp < desired-deadband && isOn {
			return false, true
		}
	}
	return false, false
}

// SupportedClimateMode picks the hub mode to force on a climate device.
// The desired mode wins when the device lists it; heat and cool fall back
// to heat_cool. Auto is never selected. Empty means the device cannot
// serve the desired mode and is left alone.
func SupportedClimateMode(available []string, desired model.Mode) string {
	want := string(desired)
	for _, m := range available {
		if m == want {
			return want
		}
	}
	if desired == model.ModeHeat || desired == model.ModeCool {
		for _, m := range available {
			if m == "heat_cool" {
				return "heat_cool"
			}
		}
	}
	return ""
}
