package climatecontroller_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/clima-controller/db"
	"github.com/thatsimonsguy/clima-controller/internal/controllers/climatecontroller"
	"github.com/thatsimonsguy/clima-controller/internal/hub"
	"github.com/thatsimonsguy/clima-controller/internal/model"
)

type call struct {
	method string
	entity string
	value  float64
	mode   string
}

type fakeDevices struct {
	mu     sync.Mutex
	states map[string]hub.EntityState
	calls  []call
	fail   map[string]error
}

func newFakeDevices() *fakeDevices {
	return &fakeDevices{
		states: make(map[string]hub.EntityState),
		fail:   make(map[string]error),
	}
}

func (f *fakeDevices) setClimate(entityID, mode string, setpoint float64, modes []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sp := setpoint
	f.states[entityID] = hub.EntityState{
		EntityID:   entityID,
		State:      mode,
		Attributes: hub.Attributes{Temperature: &sp, HVACModes: modes},
		ReceivedAt: time.Now(),
	}
}

func (f *fakeDevices) setRaw(entityID, state string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[entityID] = hub.EntityState{EntityID: entityID, State: state, ReceivedAt: time.Now()}
}

func (f *fakeDevices) failWith(entityID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.fail, entityID)
		return
	}
	f.fail[entityID] = err
}

func (f *fakeDevices) State(entityID string) (hub.EntityState, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.states[entityID]
	return s, ok
}

func (f *fakeDevices) record(c call) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[c.entity]; err != nil {
		return err
	}
	f.calls = append(f.calls, c)
	return nil
}

func (f *fakeDevices) SetClimateMode(_ context.Context, entityID string, mode string) error {
	return f.record(call{method: "climate_mode", entity: entityID, mode: mode})
}

func (f *fakeDevices) SetClimateTemperature(_ context.Context, entityID string, value float64) error {
	return f.record(call{method: "set_temperature", entity: entityID, value: value})
}

func (f *fakeDevices) SetNumberValue(_ context.Context, entityID string, value float64) error {
	return f.record(call{method: "set_number", entity: entityID, value: value})
}

func (f *fakeDevices) TurnOn(_ context.Context, entityID string) error {
	return f.record(call{method: "turn_on", entity: entityID})
}

func (f *fakeDevices) TurnOff(_ context.Context, entityID string) error {
	return f.record(call{method: "turn_off", entity: entityID})
}

func (f *fakeDevices) callsFor(entityID string) []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []call
	for _, c := range f.calls {
		if c.entity == entityID {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeDevices) allCalls() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

type fakeTemps struct {
	mu    sync.Mutex
	temps map[string]float64
}

func newFakeTemps() *fakeTemps {
	return &fakeTemps{temps: make(map[string]float64)}
}

func (f *fakeTemps) set(sensorID string, v float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.temps[sensorID] = v
}

func (f *fakeTemps) remove(sensorID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.temps, sensorID)
}

func (f *fakeTemps) GetTemperature(sensorID string) (float64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.temps[sensorID]
	return v, ok
}

func setupTestDB(t *testing.T) *sql.DB {
	conn, err := db.Open(":memory:")
	require.NoError(t, err)
	// The in-memory database vanishes if the pool opens a second connection.
	conn.SetMaxOpenConns(1)
	t.Cleanup(func() { conn.Close() })

	_, err = conn.Exec(`INSERT INTO system (id, system_mode, house_target, active_zone_id, zone_offset, last_non_suspend_zone_id)
		VALUES (1, 'heat', 21.0, NULL, 2.0, NULL)`)
	require.NoError(t, err)

	_, err = conn.Exec(`INSERT INTO settings (id, setpoint_limit, unwind_threshold, deadband, loop_interval_seconds, min_change_seconds)
		VALUES (1, 3.0, 1.5, 0.5, 30, 60)`)
	require.NoError(t, err)

	return conn
}

func insertTestArea(t *testing.T, conn *sql.DB, id string, kind model.ActuatorKind) {
	_, err := conn.Exec(`INSERT INTO areas (id, name, sensor_entity, actuator_kind, actuator_entity, supports_heat, supports_cool, min_setpoint, max_setpoint, step, bias, gain, included)
		VALUES (?, ?, ?, ?, ?, TRUE, FALSE, 16.0, 30.0, 0.5, 0.0, 1.0, TRUE)`,
		id, id, "sensor."+id+"_temp", string(kind), string(kind)+"."+id)
	require.NoError(t, err)
}

func insertTestZone(t *testing.T, conn *sql.DB, id string, members []string) {
	raw, err := json.Marshal(members)
	require.NoError(t, err)
	_, err = conn.Exec(`INSERT INTO zones (id, builtin, tied_area_id, member_area_ids) VALUES (?, FALSE, NULL, ?)`,
		id, string(raw))
	require.NoError(t, err)
}

func disableRateLimit(t *testing.T, conn *sql.DB) {
	_, err := conn.Exec(`UPDATE settings SET min_change_seconds = 0 WHERE id = 1`)
	require.NoError(t, err)
}

func setMode(t *testing.T, conn *sql.DB, mode model.Mode) {
	_, err := conn.Exec(`UPDATE system SET system_mode = ? WHERE id = 1`, string(mode))
	require.NoError(t, err)
}

func newTestController(t *testing.T) (*climatecontroller.Controller, *sql.DB, *fakeTemps, *fakeDevices) {
	conn := setupTestDB(t)
	temps := newFakeTemps()
	devices := newFakeDevices()
	return climatecontroller.New(conn, temps, devices), conn, temps, devices
}

func TestCycleNudgesClimateSetpoint(t *testing.T) {
	ctrl, conn, temps, devices := newTestController(t)
	insertTestArea(t, conn, "living", model.ActuatorClimate)
	temps.set("sensor.living_temp", 19.0)
	devices.setClimate("climate.living", "heat", 21.0, []string{"off", "heat", "cool"})

	interval := ctrl.CycleOnce(context.Background())
	assert.Equal(t, 30*time.Second, interval)

	calls := devices.callsFor("climate.living")
	require.Len(t, calls, 1)
	assert.Equal(t, "set_temperature", calls[0].method)
	assert.Equal(t, 21.5, calls[0].value)

	area, err := db.GetAreaByID(conn, "living")
	require.NoError(t, err)
	require.NotNil(t, area.LastCommand)
	assert.Equal(t, model.CommandSetpoint, area.LastCommand.Kind)
	assert.Equal(t, 21.5, area.LastCommand.Setpoint)
	assert.False(t, area.LastCommandAt.IsZero())
}

func TestCycleIdenticalValueNotRedispatched(t *testing.T) {
	ctrl, conn, temps, devices := newTestController(t)
	disableRateLimit(t, conn)
	insertTestArea(t, conn, "living", model.ActuatorClimate)
	temps.set("sensor.living_temp", 19.0)
	devices.setClimate("climate.living", "heat", 21.0, []string{"off", "heat"})

	ctrl.CycleOnce(context.Background())
	// Device has not applied the command yet: the readback still says
	// 21.0, so the cycle recomputes 21.5 and must skip the repeat.
	ctrl.CycleOnce(context.Background())

	assert.Len(t, devices.callsFor("climate.living"), 1)
}

func TestCycleRateLimitsChangedValues(t *testing.T) {
	ctrl, conn, temps, devices := newTestController(t)
	insertTestArea(t, conn, "living", model.ActuatorClimate)
	temps.set("sensor.living_temp", 19.0)
	devices.setClimate("climate.living", "heat", 21.0, []string{"heat"})

	ctrl.CycleOnce(context.Background())
	devices.setClimate("climate.living", "heat", 21.5, []string{"heat"})
	ctrl.CycleOnce(context.Background())

	calls := devices.callsFor("climate.living")
	require.Len(t, calls, 1, "second value must wait out the change window")
	assert.Equal(t, 21.5, calls[0].value)

	// Clearing the command clocks re-arms the area.
	require.NoError(t, db.ResetAreaCommandClocks(conn))
	ctrl.CycleOnce(context.Background())

	calls = devices.callsFor("climate.living")
	require.Len(t, calls, 2)
	assert.Equal(t, 22.0, calls[1].value)
}

func TestCycleAppliesZoneOffsetToMembersOnly(t *testing.T) {
	ctrl, conn, temps, devices := newTestController(t)
	disableRateLimit(t, conn)
	insertTestArea(t, conn, "bedroom", model.ActuatorClimate)
	insertTestArea(t, conn, "office", model.ActuatorNumber)
	insertTestZone(t, conn, "zone1", []string{"bedroom"})
	_, err := conn.Exec(`UPDATE system SET active_zone_id = 'zone1', last_non_suspend_zone_id = 'zone1' WHERE id = 1`)
	require.NoError(t, err)

	// Bedroom is boosted to 23, office stays at 21. Both devices sit at
	// their centers and both rooms are cold, so each walks up one step.
	temps.set("sensor.bedroom_temp", 19.0)
	temps.set("sensor.office_temp", 19.0)
	devices.setClimate("climate.bedroom", "heat", 23.0, []string{"heat"})
	devices.setRaw("number.office", "21.0")

	ctrl.CycleOnce(context.Background())

	bedroom := devices.callsFor("climate.bedroom")
	require.Len(t, bedroom, 1)
	assert.Equal(t, 23.5, bedroom[0].value)

	office := devices.callsFor("number.office")
	require.Len(t, office, 1)
	assert.Equal(t, "set_number", office[0].method)
	assert.Equal(t, 21.5, office[0].value)
}

func TestCycleConvergesToBandEdge(t *testing.T) {
	ctrl, conn, temps, devices := newTestController(t)
	disableRateLimit(t, conn)
	insertTestArea(t, conn, "living", model.ActuatorClimate)
	temps.set("sensor.living_temp", 19.0)
	devices.setClimate("climate.living", "heat", 21.0, []string{"heat"})

	// Feed each dispatched setpoint back as the device state, like a
	// device that applies every command between cycles.
	for i := 0; i < 10; i++ {
		ctrl.CycleOnce(context.Background())
		calls := devices.callsFor("climate.living")
		if len(calls) == 0 {
			break
		}
		devices.setClimate("climate.living", "heat", calls[len(calls)-1].value, []string{"heat"})
	}

	var values []float64
	for _, c := range devices.callsFor("climate.living") {
		values = append(values, c.value)
	}
	assert.Equal(t, []float64{21.5, 22.0, 22.5, 23.0, 23.5, 24.0}, values,
		"walks to the band edge and stops")
}

func TestCycleSwitchHysteresis(t *testing.T) {
	ctrl, conn, temps, devices := newTestController(t)
	disableRateLimit(t, conn)
	insertTestArea(t, conn, "porch", model.ActuatorSwitch)

	temps.set("sensor.porch_temp", 19.0)
	devices.setRaw("switch.porch", "off")
	ctrl.CycleOnce(context.Background())

	calls := devices.callsFor("switch.porch")
	require.Len(t, calls, 1)
	assert.Equal(t, "turn_on", calls[0].method)

	// Inside the deadband the switch holds its state.
	temps.set("sensor.porch_temp", 20.8)
	devices.setRaw("switch.porch", "on")
	ctrl.CycleOnce(context.Background())
	assert.Len(t, devices.callsFor("switch.porch"), 1)

	// Past the satisfied side it turns off.
	temps.set("sensor.porch_temp", 21.6)
	ctrl.CycleOnce(context.Background())

	calls = devices.callsFor("switch.porch")
	require.Len(t, calls, 2)
	assert.Equal(t, "turn_off", calls[1].method)
}

func TestCycleSkipsAreaWithoutReading(t *testing.T) {
	ctrl, conn, temps, devices := newTestController(t)
	insertTestArea(t, conn, "living", model.ActuatorClimate)
	insertTestArea(t, conn, "office", model.ActuatorClimate)
	temps.set("sensor.office_temp", 19.0)
	devices.setClimate("climate.living", "heat", 21.0, []string{"heat"})
	devices.setClimate("climate.office", "heat", 21.0, []string{"heat"})

	ctrl.CycleOnce(context.Background())

	assert.Empty(t, devices.callsFor("climate.living"), "no reading, no command")
	assert.Len(t, devices.callsFor("climate.office"), 1)

	avg, ok := ctrl.CurrentTemperature()
	require.True(t, ok)
	assert.Equal(t, 19.0, avg, "average covers only areas with readings")
}

func TestCycleDispatchFailureRetries(t *testing.T) {
	ctrl, conn, temps, devices := newTestController(t)
	insertTestArea(t, conn, "living", model.ActuatorClimate)
	temps.set("sensor.living_temp", 19.0)
	devices.setClimate("climate.living", "heat", 21.0, []string{"heat"})
	devices.failWith("climate.living", errors.New("hub gone"))

	ctrl.CycleOnce(context.Background())
	assert.Empty(t, devices.callsFor("climate.living"))

	area, err := db.GetAreaByID(conn, "living")
	require.NoError(t, err)
	assert.Nil(t, area.LastCommand, "failed dispatch must not set the command clock")

	// Recovery: the very next cycle retries without waiting out a window.
	devices.failWith("climate.living", nil)
	ctrl.CycleOnce(context.Background())

	calls := devices.callsFor("climate.living")
	require.Len(t, calls, 1)
	assert.Equal(t, 21.5, calls[0].value)
}

func TestOffModeAutoSuspends(t *testing.T) {
	ctrl, conn, temps, devices := newTestController(t)
	setMode(t, conn, model.ModeOff)
	insertTestArea(t, conn, "porch", model.ActuatorSwitch)
	temps.set("sensor.porch_temp", 19.0)
	devices.setRaw("switch.porch", "on")

	ctrl.CycleOnce(context.Background())

	state, err := db.GetSystemState(conn)
	require.NoError(t, err)
	assert.Equal(t, model.ZoneSuspend, state.ActiveZoneID)
	assert.Empty(t, devices.allCalls(), "off mode never commands actuators")

	// Already suspended: the next cycle leaves state alone.
	ctrl.CycleOnce(context.Background())
	state, err = db.GetSystemState(conn)
	require.NoError(t, err)
	assert.Equal(t, model.ZoneSuspend, state.ActiveZoneID)
}

func TestOffModeIdleActuatorsStayUnsuspended(t *testing.T) {
	ctrl, conn, temps, devices := newTestController(t)
	setMode(t, conn, model.ModeOff)
	insertTestArea(t, conn, "porch", model.ActuatorSwitch)
	insertTestArea(t, conn, "living", model.ActuatorClimate)
	temps.set("sensor.porch_temp", 19.0)
	devices.setRaw("switch.porch", "off")
	devices.setClimate("climate.living", "off", 21.0, []string{"off", "heat"})

	ctrl.CycleOnce(context.Background())

	state, err := db.GetSystemState(conn)
	require.NoError(t, err)
	assert.Empty(t, state.ActiveZoneID)
}

func TestSuspendedCycleSendsNothing(t *testing.T) {
	ctrl, conn, temps, devices := newTestController(t)
	insertTestArea(t, conn, "living", model.ActuatorClimate)
	_, err := conn.Exec(`UPDATE system SET active_zone_id = ? WHERE id = 1`, model.ZoneSuspend)
	require.NoError(t, err)
	temps.set("sensor.living_temp", 15.0)
	devices.setClimate("climate.living", "heat", 21.0, []string{"heat"})

	ctrl.CycleOnce(context.Background())

	assert.Empty(t, devices.allCalls())
	avg, ok := ctrl.CurrentTemperature()
	require.True(t, ok)
	assert.Equal(t, 15.0, avg, "suspend still reports the house average")
}

func TestHouseTemperatureAverages(t *testing.T) {
	ctrl, conn, temps, devices := newTestController(t)
	insertTestArea(t, conn, "living", model.ActuatorClimate)
	insertTestArea(t, conn, "office", model.ActuatorClimate)
	temps.set("sensor.living_temp", 20.0)
	temps.set("sensor.office_temp", 22.0)
	devices.setClimate("climate.living", "heat", 21.0, []string{"heat"})
	devices.setClimate("climate.office", "heat", 21.0, []string{"heat"})

	ctrl.CycleOnce(context.Background())
	avg, ok := ctrl.CurrentTemperature()
	require.True(t, ok)
	assert.Equal(t, 21.0, avg)

	require.NoError(t, ctrl.SetAreaIncluded("office", false))
	ctrl.CycleOnce(context.Background())
	avg, ok = ctrl.CurrentTemperature()
	require.True(t, ok)
	assert.Equal(t, 20.0, avg, "excluded areas drop out of the average")

	temps.remove("sensor.living_temp")
	ctrl.CycleOnce(context.Background())
	_, ok = ctrl.CurrentTemperature()
	assert.False(t, ok, "no readings, no house temperature")
}

func TestExcludedAreaNotCommanded(t *testing.T) {
	ctrl, conn, temps, devices := newTestController(t)
	insertTestArea(t, conn, "living", model.ActuatorClimate)
	temps.set("sensor.living_temp", 19.0)
	devices.setClimate("climate.living", "heat", 21.0, []string{"heat"})

	require.NoError(t, ctrl.SetAreaIncluded("living", false))
	ctrl.CycleOnce(context.Background())

	assert.Empty(t, devices.allCalls())
}

func TestSetModeOffSweepsActuators(t *testing.T) {
	ctrl, conn, temps, devices := newTestController(t)
	insertTestArea(t, conn, "living", model.ActuatorClimate)
	insertTestArea(t, conn, "porch", model.ActuatorSwitch)
	temps.set("sensor.living_temp", 19.0)
	temps.set("sensor.porch_temp", 19.0)
	devices.setClimate("climate.living", "heat", 21.0, []string{"off", "heat"})
	devices.setRaw("switch.porch", "on")

	require.NoError(t, ctrl.SetMode(model.ModeOff))

	state, err := db.GetSystemState(conn)
	require.NoError(t, err)
	assert.Equal(t, model.ModeOff, state.Mode)

	require.Eventually(t, func() bool {
		living := devices.callsFor("climate.living")
		porch := devices.callsFor("switch.porch")
		return len(living) == 1 && living[0].method == "climate_mode" && living[0].mode == "off" &&
			len(porch) == 1 && porch[0].method == "turn_off"
	}, time.Second, 10*time.Millisecond, "off sweep reaches both actuators")
}

func TestSetModeHeatAppliesCenterImmediately(t *testing.T) {
	ctrl, conn, temps, devices := newTestController(t)
	setMode(t, conn, model.ModeOff)
	insertTestArea(t, conn, "living", model.ActuatorClimate)
	temps.set("sensor.living_temp", 19.0)
	devices.setClimate("climate.living", "off", 24.0, []string{"off", "heat"})

	require.NoError(t, ctrl.SetMode(model.ModeHeat))

	require.Eventually(t, func() bool {
		calls := devices.callsFor("climate.living")
		return len(calls) == 2 &&
			calls[0].method == "climate_mode" && calls[0].mode == "heat" &&
			calls[1].method == "set_temperature" && calls[1].value == 21.0
	}, time.Second, 10*time.Millisecond, "mode sync then center write")

	area, err := db.GetAreaByID(conn, "living")
	require.NoError(t, err)
	require.NotNil(t, area.LastCommand)
	assert.Equal(t, 21.0, area.LastCommand.Setpoint)
}

func TestSetModeHeatWhileSuspendedRestoresZone(t *testing.T) {
	ctrl, conn, temps, devices := newTestController(t)
	insertTestArea(t, conn, "bedroom", model.ActuatorClimate)
	insertTestZone(t, conn, "zone1", []string{"bedroom"})
	_, err := conn.Exec(`UPDATE system SET system_mode = 'off', active_zone_id = ?, last_non_suspend_zone_id = 'zone1' WHERE id = 1`, model.ZoneSuspend)
	require.NoError(t, err)
	temps.set("sensor.bedroom_temp", 19.0)
	devices.setClimate("climate.bedroom", "off", 21.0, []string{"off", "heat"})

	require.NoError(t, ctrl.SetMode(model.ModeHeat))

	state, err := db.GetSystemState(conn)
	require.NoError(t, err)
	assert.Equal(t, "zone1", state.ActiveZoneID)

	// The restored zone boosts the bedroom: center lands at 23.
	require.Eventually(t, func() bool {
		for _, c := range devices.callsFor("climate.bedroom") {
			if c.method == "set_temperature" && c.value == 23.0 {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestSetHouseTargetRecentersImmediately(t *testing.T) {
	ctrl, conn, temps, devices := newTestController(t)
	disableRateLimit(t, conn)
	insertTestArea(t, conn, "living", model.ActuatorClimate)
	temps.set("sensor.living_temp", 21.0)
	devices.setClimate("climate.living", "heat", 21.0, []string{"heat"})

	require.NoError(t, ctrl.SetHouseTarget(23.0))

	require.Eventually(t, func() bool {
		for _, c := range devices.callsFor("climate.living") {
			if c.method == "set_temperature" && c.value == 23.0 {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestSetHouseTargetWhileSuspendedStoresOnly(t *testing.T) {
	ctrl, conn, temps, devices := newTestController(t)
	insertTestArea(t, conn, "living", model.ActuatorClimate)
	_, err := conn.Exec(`UPDATE system SET active_zone_id = ? WHERE id = 1`, model.ZoneSuspend)
	require.NoError(t, err)
	temps.set("sensor.living_temp", 19.0)
	devices.setClimate("climate.living", "heat", 21.0, []string{"heat"})

	require.NoError(t, ctrl.SetHouseTarget(25.0))

	state, err := db.GetSystemState(conn)
	require.NoError(t, err)
	assert.Equal(t, 25.0, state.HouseTarget)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, devices.allCalls(), "suspend stores the target without touching devices")
}

func TestSetActiveZoneAppliesBoostImmediately(t *testing.T) {
	ctrl, conn, temps, devices := newTestController(t)
	insertTestArea(t, conn, "bedroom", model.ActuatorClimate)
	insertTestArea(t, conn, "office", model.ActuatorClimate)
	insertTestZone(t, conn, "zone1", []string{"bedroom"})
	temps.set("sensor.bedroom_temp", 21.0)
	temps.set("sensor.office_temp", 21.0)
	devices.setClimate("climate.bedroom", "heat", 21.0, []string{"heat"})
	devices.setClimate("climate.office", "heat", 21.0, []string{"heat"})

	require.NoError(t, ctrl.SetActiveZone("zone1"))

	require.Eventually(t, func() bool {
		bedroom := devices.callsFor("climate.bedroom")
		office := devices.callsFor("climate.office")
		return len(bedroom) == 1 && bedroom[0].value == 23.0 &&
			len(office) == 1 && office[0].value == 21.0
	}, time.Second, 10*time.Millisecond, "zone member boosted, others recentered")
}

func TestSetActiveZoneSuspendTouchesNothing(t *testing.T) {
	ctrl, conn, temps, devices := newTestController(t)
	insertTestArea(t, conn, "living", model.ActuatorClimate)
	temps.set("sensor.living_temp", 19.0)
	devices.setClimate("climate.living", "heat", 21.0, []string{"heat"})

	require.NoError(t, ctrl.SetActiveZone(model.ZoneSuspend))

	state, err := db.GetSystemState(conn)
	require.NoError(t, err)
	assert.True(t, state.Suspended())

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, devices.allCalls())
}

func TestSetZoneOffsetWaitsForNextCycle(t *testing.T) {
	ctrl, conn, temps, devices := newTestController(t)
	disableRateLimit(t, conn)
	insertTestArea(t, conn, "bedroom", model.ActuatorClimate)
	insertTestZone(t, conn, "zone1", []string{"bedroom"})
	_, err := conn.Exec(`UPDATE system SET active_zone_id = 'zone1', last_non_suspend_zone_id = 'zone1' WHERE id = 1`)
	require.NoError(t, err)
	temps.set("sensor.bedroom_temp", 22.9)
	devices.setClimate("climate.bedroom", "heat", 23.0, []string{"heat"})

	require.NoError(t, ctrl.SetZoneOffset(4.0))

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, devices.allCalls(), "offset changes do not rewrite devices immediately")

	// Next cycle computes against the boosted target of 25.
	ctrl.CycleOnce(context.Background())
	calls := devices.callsFor("climate.bedroom")
	require.Len(t, calls, 1)
	assert.Equal(t, 23.5, calls[0].value)
}

func TestSetZoneOffsetClampsNegative(t *testing.T) {
	ctrl, conn, _, _ := newTestController(t)

	require.NoError(t, ctrl.SetZoneOffset(-3.0))

	state, err := db.GetSystemState(conn)
	require.NoError(t, err)
	assert.Equal(t, 0.0, state.ZoneOffset)
}
