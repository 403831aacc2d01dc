package climatecontroller

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/clima-controller/db"
	"github.com/thatsimonsguy/clima-controller/internal/actuator"
	"github.com/thatsimonsguy/clima-controller/internal/datadog"
	"github.com/thatsimonsguy/clima-controller/internal/model"
	"github.com/thatsimonsguy/clima-controller/internal/notifications"
	"github.com/thatsimonsguy/clima-controller/internal/setpoint"
)

// SetMode switches the global mode. Off sweeps every actuator off; heat
// and cool re-center included areas immediately instead of waiting for
// the next tick. Switching to heat or cool while suspended exits suspend
// and restores the previously active zone.
func (c *Controller) SetMode(mode model.Mode) error {
	if !mode.Valid() {
		return fmt.Errorf("invalid system mode %q", mode)
	}

	prev, err := db.UpdateSystemMode(c.dbConn, mode)
	if err != nil {
		return err
	}
	if prev != mode {
		log.Info().Str("from", string(prev)).Str("to", string(mode)).Msg("System mode changed")
		datadog.Count("system.mode_change", 1, "mode:"+string(mode))
	}

	if mode == model.ModeOff {
		go c.turnOffAllActuators(context.Background())
		return nil
	}
	go c.applyManualCenter(context.Background())
	return nil
}

// SetHouseTarget stores the new target and re-centers immediately. While
// off or suspended the target is stored but no devices are touched.
func (c *Controller) SetHouseTarget(target float64) error {
	if err := db.UpdateHouseTarget(c.dbConn, target); err != nil {
		return err
	}
	log.Info().Float64("target", target).Msg("House target changed")
	go c.applyManualCenter(context.Background())
	return nil
}

// SetActiveZone selects the boosted zone. Empty clears the selection,
// model.ZoneSuspend parks the controller without touching any actuator.
func (c *Controller) SetActiveZone(zoneID string) error {
	if err := db.UpdateActiveZone(c.dbConn, zoneID); err != nil {
		return err
	}
	log.Info().Str("zone", zoneID).Msg("Active zone changed")

	if zoneID == model.ZoneSuspend {
		return nil
	}
	go c.applyManualCenter(context.Background())
	return nil
}

// SetZoneOffset stores the boost applied to the active zone's areas.
// Offset changes apply on the next loop run, not immediately.
func (c *Controller) SetZoneOffset(offset float64) error {
	if offset < 0 {
		offset = 0
	}
	if err := db.UpdateZoneOffset(c.dbConn, offset); err != nil {
		return err
	}
	log.Info().Float64("offset", offset).Msg("Zone offset changed")
	return nil
}

// SetAreaIncluded toggles an area in or out of control. The area's
// command clock resets so the first command after re-inclusion is never
// rate limited.
func (c *Controller) SetAreaIncluded(areaID string, included bool) error {
	if err := db.UpdateAreaIncluded(c.dbConn, areaID, included); err != nil {
		return err
	}
	log.Info().Str("area", areaID).Bool("included", included).Msg("Area inclusion changed")
	return nil
}

// autoSuspendIfActuatorOn parks the system in suspend when the mode is
// off but an included actuator is found running, so a device someone
// started by hand is surfaced rather than fought.
func (c *Controller) autoSuspendIfActuatorOn(snap *Snapshot) {
	if snap.State.Suspended() {
		return
	}
	for _, area := range snap.Areas {
		if !area.Included {
			continue
		}
		state, ok := c.devices.State(area.ActuatorEntity)
		if !ok || !state.Available() {
			continue
		}

		running := false
		switch area.ActuatorKind {
		case model.ActuatorSwitch:
			running = state.IsOn()
		case model.ActuatorClimate:
			running = state.State != "off"
		}
		// Numbers have no on/off notion.
		if !running {
			continue
		}

		log.Warn().
			Str("area", area.ID).
			Str("entity", area.ActuatorEntity).
			Msg("Actuator running while system is off; entering suspend")
		if err := db.UpdateActiveZone(c.dbConn, model.ZoneSuspend); err != nil {
			log.Error().Err(err).Msg("Could not enter suspend")
			return
		}
		datadog.Count("system.auto_suspend", 1, "area:"+area.ID)

		msg := fmt.Sprintf("%s was running while the system is off. Control is suspended until a mode is selected.", area.Name)
		if err := notifications.Send("Climate control suspended", msg); err != nil {
			log.Warn().Err(err).Msg("Could not send suspend notification")
		}
		return
	}
}

// turnOffAllActuators sweeps every included actuator off. Climate devices
// are only commanded when they advertise an off mode; numbers have no off
// notion and are left alone.
func (c *Controller) turnOffAllActuators(ctx context.Context) {
	snap, err := LoadSnapshot(c.dbConn)
	if err != nil {
		log.Error().Err(err).Msg("Could not load snapshot for off sweep")
		return
	}

	for _, area := range snap.Areas {
		if !area.Included {
			continue
		}
		lock := c.lockFor(area.ID)
		lock.Lock()

		switch area.ActuatorKind {
		case model.ActuatorClimate:
			state, ok := c.devices.State(area.ActuatorEntity)
			if ok && state.Available() && actuator.SupportedClimateMode(state.Attributes.HVACModes, model.ModeOff) != "" {
				if err := c.devices.SetClimateMode(ctx, area.ActuatorEntity, string(model.ModeOff)); err != nil {
					datadog.Count("actuator.dispatch_error", 1, "area:"+area.ID, "command:mode")
					log.Error().Err(err).Str("area", area.ID).Msg("Could not turn climate device off")
				}
			}
		case model.ActuatorSwitch:
			if err := c.devices.TurnOff(ctx, area.ActuatorEntity); err != nil {
				datadog.Count("actuator.dispatch_error", 1, "area:"+area.ID, "command:switch")
				log.Error().Err(err).Str("area", area.ID).Msg("Could not turn switch off")
			}
		}

		lock.Unlock()
	}

	c.updateHouseTemperature(snap)
}

// applyManualCenter pushes every included area straight to its clamped
// center setpoint, bypassing the rate limit, so operator changes land
// immediately instead of one nudge per cycle. Switches go through normal
// hysteresis. A loop cycle is kicked afterwards.
func (c *Controller) applyManualCenter(ctx context.Context) {
	snap, err := LoadSnapshot(c.dbConn)
	if err != nil {
		log.Error().Err(err).Msg("Could not load snapshot for manual apply")
		return
	}
	if snap.State.Mode == model.ModeOff || snap.State.Suspended() {
		return
	}

	for _, area := range snap.Areas {
		if !area.Included || !area.SupportsMode(snap.State.Mode) {
			continue
		}
		lock := c.lockFor(area.ID)
		lock.Lock()
		c.applyAreaCenter(ctx, snap, area)
		lock.Unlock()
	}

	c.Kick()
}

func (c *Controller) applyAreaCenter(ctx context.Context, snap *Snapshot, area model.Area) {
	roomTemp, ok := c.temps.GetTemperature(area.SensorEntity)
	if !ok {
		datadog.Count("sensor.unavailable", 1, "area:"+area.ID)
		return
	}
	desired := snap.DesiredRoom(area.ID)

	if area.ActuatorKind == model.ActuatorSwitch {
		c.commandSwitch(ctx, snap, area, roomTemp, desired)
		return
	}

	if area.ActuatorKind == model.ActuatorClimate {
		c.syncClimateMode(ctx, snap.State.Mode, area)
	}

	center := setpoint.RoundToStep(setpoint.Clamp(desired+area.Bias, area.MinSetpoint, area.MaxSetpoint), area.Step)

	var err error
	switch area.ActuatorKind {
	case model.ActuatorClimate:
		err = c.devices.SetClimateTemperature(ctx, area.ActuatorEntity, center)
	case model.ActuatorNumber:
		err = c.devices.SetNumberValue(ctx, area.ActuatorEntity, center)
	}
	if err != nil {
		datadog.Count("actuator.dispatch_error", 1, "area:"+area.ID, "command:setpoint")
		log.Error().Err(err).Str("area", area.ID).Float64("setpoint", center).Msg("Manual center dispatch failed")
		return
	}

	datadog.Count("actuator.dispatch", 1, "area:"+area.ID, "command:setpoint")
	datadog.Gauge("area.setpoint", center, "area:"+area.ID)
	log.Info().Str("area", area.ID).Float64("setpoint", center).Msg("Manual center applied")

	c.recordCommand(area.ID, model.SetpointCommand(center))
}
