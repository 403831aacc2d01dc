package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/thatsimonsguy/clima-controller/internal/model"
)

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// GetSystemState retrieves the persisted system row.
func GetSystemState(db *sql.DB) (model.SystemState, error) {
	var s model.SystemState
	var mode string
	var active, lastNonSuspend sql.NullString
	err := db.QueryRow(`SELECT system_mode, house_target, active_zone_id, zone_offset, last_non_suspend_zone_id FROM system WHERE id = 1`).
		Scan(&mode, &s.HouseTarget, &active, &s.ZoneOffset, &lastNonSuspend)
	if err != nil {
		return s, fmt.Errorf("failed to get system state: %w", err)
	}
	s.Mode = model.Mode(mode)
	s.ActiveZoneID = active.String
	s.LastNonSuspendZoneID = lastNonSuspend.String
	return s, nil
}

// GetSettings retrieves the shared runtime tunables.
func GetSettings(db *sql.DB) (model.Settings, error) {
	var s model.Settings
	var loopSeconds, minChangeSeconds int
	err := db.QueryRow(`SELECT setpoint_limit, unwind_threshold, deadband, loop_interval_seconds, min_change_seconds FROM settings WHERE id = 1`).
		Scan(&s.SetpointLimit, &s.UnwindThreshold, &s.Deadband, &loopSeconds, &minChangeSeconds)
	if err != nil {
		return s, fmt.Errorf("failed to get settings: %w", err)
	}
	s.LoopInterval = time.Duration(loopSeconds) * time.Second
	s.MinChangeInterval = time.Duration(minChangeSeconds) * time.Second
	return s, nil
}

const areaColumns = `id, name, sensor_entity, actuator_kind, actuator_entity, supports_heat, supports_cool, min_setpoint, max_setpoint, step, bias, gain, included, last_command_at, last_command_kind, last_command_setpoint, last_command_on`

// GetAllAreas retrieves every area ordered by name.
func GetAllAreas(db *sql.DB) ([]model.Area, error) {
	rows, err := db.Query(`SELECT ` + areaColumns + ` FROM areas ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query areas: %w", err)
	}
	defer rows.Close()

	var areas []model.Area
	for rows.Next() {
		a, err := scanArea(rows)
		if err != nil {
			return nil, err
		}
		areas = append(areas, a)
	}
	return areas, rows.Err()
}

// GetAreaByID retrieves a specific area. Returns sql.ErrNoRows (wrapped)
// when the area does not exist.
func GetAreaByID(db *sql.DB, id string) (*model.Area, error) {
	a, err := scanArea(db.QueryRow(`SELECT `+areaColumns+` FROM areas WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("failed to get area %s: %w", id, err)
	}
	return &a, nil
}

// GetAllZones retrieves all zones, builtin and custom.
func GetAllZones(db *sql.DB) ([]model.Zone, error) {
	rows, err := db.Query(`SELECT id, builtin, tied_area_id, member_area_ids FROM zones`)
	if err != nil {
		return nil, fmt.Errorf("failed to query zones: %w", err)
	}
	defer rows.Close()

	var zones []model.Zone
	for rows.Next() {
		z, err := scanZone(rows)
		if err != nil {
			return nil, err
		}
		zones = append(zones, z)
	}
	return zones, rows.Err()
}

// GetZoneByID retrieves a specific zone by its ID.
func GetZoneByID(db *sql.DB, id string) (*model.Zone, error) {
	z, err := scanZone(db.QueryRow(`SELECT id, builtin, tied_area_id, member_area_ids FROM zones WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("failed to get zone %s: %w", id, err)
	}
	return &z, nil
}

func scanArea(row rowScanner) (model.Area, error) {
	var a model.Area
	var kind string
	var lastAt, lastKind sql.NullString
	var lastSetpoint sql.NullFloat64
	var lastOn sql.NullBool

	err := row.Scan(&a.ID, &a.Name, &a.SensorEntity, &kind, &a.ActuatorEntity,
		&a.SupportsHeat, &a.SupportsCool, &a.MinSetpoint, &a.MaxSetpoint,
		&a.Step, &a.Bias, &a.Gain, &a.Included,
		&lastAt, &lastKind, &lastSetpoint, &lastOn)
	if err != nil {
		return a, fmt.Errorf("failed to scan area: %w", err)
	}
	a.ActuatorKind = model.ActuatorKind(kind)

	if lastAt.Valid {
		t, err := time.Parse(time.RFC3339, lastAt.String)
		if err != nil {
			return a, fmt.Errorf("failed to parse last_command_at for area %s: %w", a.ID, err)
		}
		a.LastCommandAt = t
	}
	if lastKind.Valid {
		cmd := model.CommandValue{Kind: model.CommandKind(lastKind.String)}
		if lastSetpoint.Valid {
			cmd.Setpoint = lastSetpoint.Float64
		}
		if lastOn.Valid {
			cmd.On = lastOn.Bool
		}
		a.LastCommand = &cmd
	}
	return a, nil
}

func scanZone(row rowScanner) (model.Zone, error) {
	var z model.Zone
	var tied sql.NullString
	var members string

	err := row.Scan(&z.ID, &z.Builtin, &tied, &members)
	if err != nil {
		return z, fmt.Errorf("failed to scan zone: %w", err)
	}
	z.TiedAreaID = tied.String
	json.Unmarshal([]byte(members), &z.MemberAreas)
	return z, nil
}
