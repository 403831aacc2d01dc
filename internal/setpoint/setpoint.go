// Package setpoint computes device setpoint targets for the banded ramp
// strategy: each area's device setpoint lives inside a band around its
// comfort center and is nudged toward a target that unwinds back to the
// center as the room approaches the desired temperature.
package setpoint

import (
	"math"

	"github.com/thatsimonsguy/clima-controller/internal/model"
)

// epsilon is the comparison tolerance for setpoint values; differences
// below it are treated as equal and never dispatched.
const epsilon = 0.001

// Band is the allowed setpoint range for a device, already clipped to the
// device's own min/max limits.
type Band struct {
	Lo float64
	Hi float64
}

func (b Band) Contains(v float64) bool {
	return v >= b.Lo-epsilon && v <= b.Hi+epsilon
}

func (b Band) Clamp(v float64) float64 {
	return Clamp(v, b.Lo, b.Hi)
}

func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// RoundToStep snaps a value to the device's setpoint step, then to two
// decimals so float noise cannot leak into dispatched values.
func RoundToStep(v, step float64) float64 {
	if step > 0 {
		v = math.Round(v/step) * step
	}
	return math.Round(v*100) / 100
}

// DeviceBand returns the setpoint band for an area: center ± limit,
// clipped to the device's setpoint range.
func DeviceBand(center, limit, min, max float64) Band {
	return Band{
		Lo: Clamp(center-limit, min, max),
		Hi: Clamp(center+limit, min, max),
	}
}

// Target computes the raw band target for the current room error.
//
// The error e is room minus desired. Its magnitude maps linearly onto the
// band: at or beyond the unwind threshold the target sits at the full
// band edge, and as the room converges the target unwinds back to the
// center. The direction picks which band edge to push toward: in cool
// mode a warm room drives the setpoint down, in heat mode a cold room
// drives it up, and overshoot pushes toward the opposite edge so the
// device backs off instead of coasting.
func Target(mode model.Mode, roomTemp, desiredRoom, center, limit, unwind float64) float64 {
	e := roomTemp - desiredRoom
	a := math.Abs(e)

	frac := 1.0
	if unwind > 0 && a < unwind {
		frac = a / unwind
	}

	var direction float64
	if mode == model.ModeCool {
		if e > 0 {
			direction = -1.0
		} else {
			direction = 1.0
		}
	} else {
		if e < 0 {
			direction = 1.0
		} else {
			direction = -1.0
		}
	}

	return center + direction*limit*frac
}

// Input carries everything Next needs to decide one area's setpoint.
type Input struct {
	Mode        model.Mode
	RoomTemp    float64
	DesiredRoom float64

	// Current is the device's setpoint as last read back, nil when the
	// device has not reported one.
	Current *float64

	Bias        float64
	Gain        float64
	Step        float64
	MinSetpoint float64
	MaxSetpoint float64

	Limit    float64
	Unwind   float64
	Deadband float64
}

// Next returns the setpoint to dispatch and whether a dispatch is needed.
// Every returned value lies inside the area's band. No value is returned
// when the device already sits at the target, when the room is settled at
// the center, or when the move would be smaller than the step resolution.
func Next(in Input) (float64, bool) {
	center := in.DesiredRoom + in.Bias

	// No readback: seed the device at the clamped center.
	if in.Current == nil {
		return RoundToStep(Clamp(center, in.MinSetpoint, in.MaxSetpoint), in.Step), true
	}
	current := *in.Current

	band := DeviceBand(center, in.Limit, in.MinSetpoint, in.MaxSetpoint)

	target := Target(in.Mode, in.RoomTemp, in.DesiredRoom, center, in.Limit, in.Unwind)
	target = band.Clamp(RoundToStep(band.Clamp(target), in.Step))

	if math.Abs(current-target) < epsilon {
		return 0, false
	}

	// Nudge one gain-scaled step toward the target, never past it, and
	// never outside the band even when the readback starts outside it.
	delta := in.Step * in.Gain
	var next float64
	if current < target {
		next = math.Min(current+delta, target)
	} else {
		next = math.Max(current-delta, target)
	}
	next = band.Clamp(RoundToStep(band.Clamp(next), in.Step))

	// A settled room parks at the center; do not chase residual error.
	centerSp := RoundToStep(Clamp(center, in.MinSetpoint, in.MaxSetpoint), in.Step)
	if math.Abs(in.RoomTemp-in.DesiredRoom) <= in.Deadband && math.Abs(next-centerSp) < epsilon {
		return 0, false
	}

	if math.Abs(next-current) < epsilon {
		return 0, false
	}
	return next, true
}
