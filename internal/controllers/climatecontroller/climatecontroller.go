// Package climatecontroller runs the master thermostat: one global mode
// drives every included area toward the house target through banded
// setpoint nudges and switch hysteresis.
package climatecontroller

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/clima-controller/db"
	"github.com/thatsimonsguy/clima-controller/internal/actuator"
	"github.com/thatsimonsguy/clima-controller/internal/datadog"
	"github.com/thatsimonsguy/clima-controller/internal/hub"
	"github.com/thatsimonsguy/clima-controller/internal/model"
	"github.com/thatsimonsguy/clima-controller/internal/setpoint"
)

// retryInterval paces the loop when a snapshot cannot be loaded.
const retryInterval = 5 * time.Second

// Devices is the hub surface the controller drives: command dispatch plus
// entity state readback.
type Devices interface {
	actuator.Dispatcher
	State(entityID string) (hub.EntityState, bool)
}

// TemperatureSource yields validated room temperatures. A false return
// means the sensor is stale, disabled or unknown and the area must skip
// this cycle.
type TemperatureSource interface {
	GetTemperature(sensorID string) (float64, bool)
}

type Controller struct {
	dbConn  *sql.DB
	temps   TemperatureSource
	devices Devices

	kick chan struct{}

	// Each area runs at most one command path at a time; a cycle that
	// finds an area still busy skips it instead of stacking up.
	areaMu    sync.Mutex
	areaLocks map[string]*sync.Mutex

	tempMu    sync.RWMutex
	houseTemp *float64
}

func New(dbConn *sql.DB, temps TemperatureSource, devices Devices) *Controller {
	return &Controller{
		dbConn:    dbConn,
		temps:     temps,
		devices:   devices,
		kick:      make(chan struct{}, 1),
		areaLocks: make(map[string]*sync.Mutex),
	}
}

// Run drives the control loop until ctx is cancelled. Every tick loads a
// fresh snapshot, so settings and zone changes take effect on the next
// cycle without restarts.
func (c *Controller) Run(ctx context.Context) {
	log.Info().Msg("Starting climate controller")
	for {
		interval := c.CycleOnce(ctx)
		select {
		case <-ctx.Done():
			log.Info().Msg("Stopping climate controller")
			return
		case <-c.kick:
		case <-time.After(interval):
		}
	}
}

// Kick wakes the loop for an immediate cycle. Coalesces when one is
// already pending.
func (c *Controller) Kick() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// CycleOnce runs a single control cycle and returns how long to wait
// before the next one.
func (c *Controller) CycleOnce(ctx context.Context) time.Duration {
	snap, err := LoadSnapshot(c.dbConn)
	if err != nil {
		log.Error().Err(err).Msg("Could not load control snapshot")
		return retryInterval
	}
	c.runCycle(ctx, snap)
	return snap.Settings.LoopInterval
}

func (c *Controller) runCycle(ctx context.Context, snap *Snapshot) {
	c.updateHouseTemperature(snap)

	if snap.State.Mode == model.ModeOff {
		// Off issues no commands but still watches: an actuator someone
		// turned on by hand parks the system in suspend instead of being
		// silently fought.
		c.autoSuspendIfActuatorOn(snap)
		return
	}

	if snap.State.Suspended() {
		return
	}

	var wg sync.WaitGroup
	for i := range snap.Areas {
		area := snap.Areas[i]
		if !area.Included || !area.SupportsMode(snap.State.Mode) {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.runArea(ctx, snap, area)
		}()
	}
	wg.Wait()
}

func (c *Controller) runArea(ctx context.Context, snap *Snapshot, area model.Area) {
	lock := c.lockFor(area.ID)
	if !lock.TryLock() {
		// Previous dispatch still in flight.
		datadog.Count("cycle.skipped", 1, "area:"+area.ID)
		log.Warn().Str("area", area.ID).Msg("Previous command still running; skipping cycle")
		return
	}
	defer lock.Unlock()

	if area.ActuatorKind == model.ActuatorClimate {
		c.syncClimateMode(ctx, snap.State.Mode, area)
	}

	roomTemp, ok := c.temps.GetTemperature(area.SensorEntity)
	if !ok {
		datadog.Count("sensor.unavailable", 1, "area:"+area.ID)
		log.Warn().
			Str("area", area.ID).
			Str("sensor", area.SensorEntity).
			Msg("No usable temperature; skipping area this cycle")
		return
	}
	datadog.Gauge("area.temperature", roomTemp, "area:"+area.ID)

	desired := snap.DesiredRoom(area.ID)

	log.Debug().
		Str("area", area.ID).
		Float64("temp", roomTemp).
		Float64("desired", desired).
		Str("mode", string(snap.State.Mode)).
		Msg("Area temperature check")

	switch area.ActuatorKind {
	case model.ActuatorSwitch:
		c.commandSwitch(ctx, snap, area, roomTemp, desired)
	case model.ActuatorClimate, model.ActuatorNumber:
		c.commandSetpoint(ctx, snap, area, roomTemp, desired)
	}
}

func (c *Controller) lockFor(areaID string) *sync.Mutex {
	c.areaMu.Lock()
	defer c.areaMu.Unlock()
	if _, ok := c.areaLocks[areaID]; !ok {
		c.areaLocks[areaID] = &sync.Mutex{}
	}
	return c.areaLocks[areaID]
}

// syncClimateMode forces a climate device onto the system mode. Mode
// commands are not rate limited: a device left heating while the house
// wants cooling is worse than an extra service call.
func (c *Controller) syncClimateMode(ctx context.Context, mode model.Mode, area model.Area) {
	state, ok := c.devices.State(area.ActuatorEntity)
	if !ok || !state.Available() {
		return
	}
	want := actuator.SupportedClimateMode(state.Attributes.HVACModes, mode)
	if want == "" || state.State == want {
		return
	}
	if err := c.devices.SetClimateMode(ctx, area.ActuatorEntity, want); err != nil {
		datadog.Count("actuator.dispatch_error", 1, "area:"+area.ID, "command:mode")
		log.Error().Err(err).Str("area", area.ID).Str("mode", want).Msg("Could not set climate mode")
		return
	}
	log.Info().Str("area", area.ID).Str("mode", want).Msg("Climate mode synced")
}

func (c *Controller) commandSetpoint(ctx context.Context, snap *Snapshot, area model.Area, roomTemp, desired float64) {
	var current *float64
	if state, ok := c.devices.State(area.ActuatorEntity); ok && state.Available() {
		if v, ok := state.Setpoint(); ok {
			current = &v
		}
	}

	next, ok := setpoint.Next(setpoint.Input{
		Mode:        snap.State.Mode,
		RoomTemp:    roomTemp,
		DesiredRoom: desired,
		Current:     current,
		Bias:        area.Bias,
		Gain:        area.Gain,
		Step:        area.Step,
		MinSetpoint: area.MinSetpoint,
		MaxSetpoint: area.MaxSetpoint,
		Limit:       snap.Settings.SetpointLimit,
		Unwind:      snap.Settings.UnwindThreshold,
		Deadband:    snap.Settings.Deadband,
	})
	if !ok {
		return
	}

	// A value outside the device range here is a calculation bug. Never
	// dispatch it raw.
	if next < area.MinSetpoint || next > area.MaxSetpoint {
		log.Error().
			Str("area", area.ID).
			Float64("setpoint", next).
			Float64("min", area.MinSetpoint).
			Float64("max", area.MaxSetpoint).
			Msg("Computed setpoint outside device range; clamping")
		next = setpoint.Clamp(next, area.MinSetpoint, area.MaxSetpoint)
	}

	c.dispatchSetpoint(ctx, snap, area, next)
}

func (c *Controller) dispatchSetpoint(ctx context.Context, snap *Snapshot, area model.Area, value float64) {
	cmd := model.SetpointCommand(value)
	send, reason := actuator.ShouldDispatch(cmd, area.LastCommand, area.LastCommandAt, snap.Settings.MinChangeInterval, time.Now())
	if !send {
		datadog.Count("actuator.suppressed", 1, "area:"+area.ID, "reason:"+reason)
		log.Debug().Str("area", area.ID).Float64("setpoint", value).Str("reason", reason).Msg("Setpoint suppressed")
		return
	}

	var err error
	switch area.ActuatorKind {
	case model.ActuatorClimate:
		err = c.devices.SetClimateTemperature(ctx, area.ActuatorEntity, value)
	case model.ActuatorNumber:
		err = c.devices.SetNumberValue(ctx, area.ActuatorEntity, value)
	}
	if err != nil {
		// Command clock stays untouched so the retry next cycle is not
		// rate limited.
		datadog.Count("actuator.dispatch_error", 1, "area:"+area.ID, "command:setpoint")
		log.Error().Err(err).Str("area", area.ID).Float64("setpoint", value).Msg("Setpoint dispatch failed")
		return
	}

	datadog.Count("actuator.dispatch", 1, "area:"+area.ID, "command:setpoint")
	datadog.Gauge("area.setpoint", value, "area:"+area.ID)
	log.Info().Str("area", area.ID).Float64("setpoint", value).Msg("Setpoint dispatched")

	c.recordCommand(area.ID, cmd)
}

func (c *Controller) commandSwitch(ctx context.Context, snap *Snapshot, area model.Area, roomTemp, desired float64) {
	state, ok := c.devices.State(area.ActuatorEntity)
	if !ok || !state.Available() {
		log.Warn().Str("area", area.ID).Str("entity", area.ActuatorEntity).Msg("Switch state unavailable")
		return
	}

	turnOn, turnOff := actuator.SwitchAction(snap.State.Mode, roomTemp, desired, snap.Settings.Deadband, state.IsOn())
	if !turnOn && !turnOff {
		return
	}

	cmd := model.SwitchCommand(turnOn)
	send, reason := actuator.ShouldDispatch(cmd, area.LastCommand, area.LastCommandAt, snap.Settings.MinChangeInterval, time.Now())
	if !send {
		datadog.Count("actuator.suppressed", 1, "area:"+area.ID, "reason:"+reason)
		log.Debug().Str("area", area.ID).Bool("on", turnOn).Str("reason", reason).Msg("Switch command suppressed")
		return
	}

	var err error
	if turnOn {
		err = c.devices.TurnOn(ctx, area.ActuatorEntity)
	} else {
		err = c.devices.TurnOff(ctx, area.ActuatorEntity)
	}
	if err != nil {
		datadog.Count("actuator.dispatch_error", 1, "area:"+area.ID, "command:switch")
		log.Error().Err(err).Str("area", area.ID).Bool("on", turnOn).Msg("Switch dispatch failed")
		return
	}

	datadog.Count("actuator.dispatch", 1, "area:"+area.ID, "command:switch")
	log.Info().Str("area", area.ID).Bool("on", turnOn).Msg("Switch dispatched")

	c.recordCommand(area.ID, cmd)
}

func (c *Controller) recordCommand(areaID string, cmd model.CommandValue) {
	if err := db.UpdateAreaLastCommand(c.dbConn, areaID, time.Now(), cmd); err != nil {
		log.Error().Err(err).Str("area", areaID).Msg("Could not record last command")
	}
}

// updateHouseTemperature averages included areas into the house reading.
// In heat or cool mode only areas that can serve the mode count.
func (c *Controller) updateHouseTemperature(snap *Snapshot) {
	var temps []float64
	for _, area := range snap.Areas {
		if !area.Included {
			continue
		}
		if snap.State.Mode != model.ModeOff && !area.SupportsMode(snap.State.Mode) {
			continue
		}
		if v, ok := c.temps.GetTemperature(area.SensorEntity); ok {
			temps = append(temps, v)
		}
	}

	c.tempMu.Lock()
	defer c.tempMu.Unlock()
	if len(temps) == 0 {
		c.houseTemp = nil
		return
	}
	sum := 0.0
	for _, v := range temps {
		sum += v
	}
	avg := sum / float64(len(temps))
	c.houseTemp = &avg
	datadog.Gauge("house.temperature", avg)
}

// CurrentTemperature returns the house average from the last cycle, false
// when no included area had a usable reading.
func (c *Controller) CurrentTemperature() (float64, bool) {
	c.tempMu.RLock()
	defer c.tempMu.RUnlock()
	if c.houseTemp == nil {
		return 0, false
	}
	return *c.houseTemp, true
}
