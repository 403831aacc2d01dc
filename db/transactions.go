package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/thatsimonsguy/clima-controller/internal/model"
)

var (
	ErrAreaNotFound = errors.New("area not found")
	ErrZoneNotFound = errors.New("zone not found")
	ErrBuiltinZone  = errors.New("builtin zones cannot be deleted")
)

// UpdateSystemMode persists a mode change and returns the previous mode.
// Selecting heat or cool while suspended restores the last non-suspend zone.
// An actual mode transition resets every area's command clock so the next
// cycle may command immediately.
func UpdateSystemMode(db *sql.DB, mode model.Mode) (model.Mode, error) {
	tx, err := db.Begin()
	if err != nil {
		return model.ModeOff, fmt.Errorf("start transaction: %w", err)
	}

	var prevMode string
	var active, lastNonSuspend sql.NullString
	err = tx.QueryRow(`SELECT system_mode, active_zone_id, last_non_suspend_zone_id FROM system WHERE id = 1`).
		Scan(&prevMode, &active, &lastNonSuspend)
	if err != nil {
		tx.Rollback()
		return model.ModeOff, fmt.Errorf("read system state: %w", err)
	}

	if _, err := tx.Exec(`UPDATE system SET system_mode = ? WHERE id = 1`, string(mode)); err != nil {
		tx.Rollback()
		return model.ModeOff, fmt.Errorf("update system mode: %w", err)
	}

	if (mode == model.ModeHeat || mode == model.ModeCool) && active.String == model.ZoneSuspend {
		var restored interface{}
		if lastNonSuspend.Valid && lastNonSuspend.String != "" {
			restored = lastNonSuspend.String
		}
		if _, err := tx.Exec(`UPDATE system SET active_zone_id = ? WHERE id = 1`, restored); err != nil {
			tx.Rollback()
			return model.ModeOff, fmt.Errorf("restore active zone: %w", err)
		}
	}

	if model.Mode(prevMode) != mode {
		if err := resetCommandClocksTx(tx); err != nil {
			tx.Rollback()
			return model.ModeOff, err
		}
	}

	if err := tx.Commit(); err != nil {
		return model.ModeOff, fmt.Errorf("commit mode change: %w", err)
	}
	return model.Mode(prevMode), nil
}

func UpdateHouseTarget(db *sql.DB, target float64) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("start transaction: %w", err)
	}
	_, err = tx.Exec(`UPDATE system SET house_target = ? WHERE id = 1`, target)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("update house target: %w", err)
	}
	return tx.Commit()
}

func UpdateZoneOffset(db *sql.DB, offset float64) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("start transaction: %w", err)
	}
	_, err = tx.Exec(`UPDATE system SET zone_offset = ? WHERE id = 1`, offset)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("update zone offset: %w", err)
	}
	return tx.Commit()
}

// UpdateActiveZone persists a zone selection. The empty id clears the
// selection, model.ZoneSuspend suspends control and remembers the previous
// real zone, and a real zone id becomes both the active and the
// last-non-suspend zone.
func UpdateActiveZone(db *sql.DB, zoneID string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("start transaction: %w", err)
	}

	var prev sql.NullString
	if err := tx.QueryRow(`SELECT active_zone_id FROM system WHERE id = 1`).Scan(&prev); err != nil {
		tx.Rollback()
		return fmt.Errorf("read active zone: %w", err)
	}

	switch zoneID {
	case "":
		_, err = tx.Exec(`UPDATE system SET active_zone_id = NULL, last_non_suspend_zone_id = NULL WHERE id = 1`)
	case model.ZoneSuspend:
		_, err = tx.Exec(`UPDATE system SET active_zone_id = ? WHERE id = 1`, model.ZoneSuspend)
		if err == nil && prev.Valid && prev.String != "" && prev.String != model.ZoneSuspend {
			_, err = tx.Exec(`UPDATE system SET last_non_suspend_zone_id = ? WHERE id = 1`, prev.String)
		}
	default:
		var count int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM zones WHERE id = ?`, zoneID).Scan(&count); err != nil {
			tx.Rollback()
			return fmt.Errorf("check zone existence: %w", err)
		}
		if count == 0 {
			tx.Rollback()
			return fmt.Errorf("%w: %s", ErrZoneNotFound, zoneID)
		}
		_, err = tx.Exec(`UPDATE system SET active_zone_id = ?, last_non_suspend_zone_id = ? WHERE id = 1`, zoneID, zoneID)
	}
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("update active zone: %w", err)
	}
	return tx.Commit()
}

// UpdateSettings replaces the shared tunables after validating them, so a
// bad payload can never displace the last good settings.
func UpdateSettings(db *sql.DB, s model.Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("start transaction: %w", err)
	}
	_, err = tx.Exec(`INSERT OR REPLACE INTO settings (id, setpoint_limit, unwind_threshold, deadband, loop_interval_seconds, min_change_seconds)
		VALUES (1, ?, ?, ?, ?, ?)`,
		s.SetpointLimit, s.UnwindThreshold, s.Deadband, int(s.LoopInterval.Seconds()), int(s.MinChangeInterval.Seconds()))
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("update settings: %w", err)
	}
	return tx.Commit()
}

// UpdateAreaIncluded toggles control participation and resets the area's
// command clock in the same transaction, so the next command after a toggle
// always passes the rate limit.
func UpdateAreaIncluded(db *sql.DB, areaID string, included bool) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("start transaction: %w", err)
	}
	res, err := tx.Exec(`UPDATE areas SET included = ?, last_command_at = NULL, last_command_kind = NULL, last_command_setpoint = NULL, last_command_on = NULL WHERE id = ?`,
		included, areaID)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("update area included: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("check update result: %w", err)
	}
	if n == 0 {
		tx.Rollback()
		return fmt.Errorf("%w: %s", ErrAreaNotFound, areaID)
	}
	return tx.Commit()
}

// UpdateAreaLastCommand records a successful dispatch.
func UpdateAreaLastCommand(db *sql.DB, areaID string, at time.Time, cmd model.CommandValue) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("start transaction: %w", err)
	}

	var setpoint interface{}
	var on interface{}
	if cmd.Kind == model.CommandSetpoint {
		setpoint = cmd.Setpoint
	} else {
		on = cmd.On
	}

	res, err := tx.Exec(`UPDATE areas SET last_command_at = ?, last_command_kind = ?, last_command_setpoint = ?, last_command_on = ? WHERE id = ?`,
		at.Format(time.RFC3339), string(cmd.Kind), setpoint, on, areaID)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("update area last command: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("check update result: %w", err)
	}
	if n == 0 {
		tx.Rollback()
		return fmt.Errorf("%w: %s", ErrAreaNotFound, areaID)
	}
	return tx.Commit()
}

// ResetAreaCommandClocks clears every area's rate-limit clock.
func ResetAreaCommandClocks(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("start transaction: %w", err)
	}
	if err := resetCommandClocksTx(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func resetCommandClocksTx(tx *sql.Tx) error {
	_, err := tx.Exec(`UPDATE areas SET last_command_at = NULL, last_command_kind = NULL, last_command_setpoint = NULL, last_command_on = NULL`)
	if err != nil {
		return fmt.Errorf("reset command clocks: %w", err)
	}
	return nil
}

// CreateZone validates and inserts a custom zone, returning the new zone.
func CreateZone(db *sql.DB, memberAreaIDs []string) (*model.Zone, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("start transaction: %w", err)
	}

	areaRows, err := tx.Query(`SELECT id FROM areas`)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("query area ids: %w", err)
	}
	var areaIDs []string
	for areaRows.Next() {
		var id string
		if err := areaRows.Scan(&id); err != nil {
			areaRows.Close()
			tx.Rollback()
			return nil, fmt.Errorf("scan area id: %w", err)
		}
		areaIDs = append(areaIDs, id)
	}
	areaRows.Close()

	existing, err := getAllZonesTx(tx)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := model.ValidateZoneMembers(memberAreaIDs, areaIDs, existing); err != nil {
		tx.Rollback()
		return nil, err
	}

	z := model.Zone{
		ID:          uuid.NewString()[:8],
		MemberAreas: append([]string(nil), memberAreaIDs...),
	}
	_, err = tx.Exec(`INSERT INTO zones (id, builtin, tied_area_id, member_area_ids) VALUES (?, FALSE, NULL, ?)`,
		z.ID, marshalJSON(z.MemberAreas))
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("insert zone: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit zone creation: %w", err)
	}
	return &z, nil
}

// DeleteZone removes a custom zone. Builtin zones are refused; deleting the
// active zone clears the selection.
func DeleteZone(db *sql.DB, id string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("start transaction: %w", err)
	}

	var builtin bool
	err = tx.QueryRow(`SELECT builtin FROM zones WHERE id = ?`, id).Scan(&builtin)
	if errors.Is(err, sql.ErrNoRows) {
		tx.Rollback()
		return fmt.Errorf("%w: %s", ErrZoneNotFound, id)
	}
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("read zone: %w", err)
	}
	if builtin {
		tx.Rollback()
		return fmt.Errorf("%w: %s", ErrBuiltinZone, id)
	}

	if _, err := tx.Exec(`UPDATE system SET active_zone_id = NULL WHERE id = 1 AND active_zone_id = ?`, id); err != nil {
		tx.Rollback()
		return fmt.Errorf("clear active zone: %w", err)
	}
	if _, err := tx.Exec(`UPDATE system SET last_non_suspend_zone_id = NULL WHERE id = 1 AND last_non_suspend_zone_id = ?`, id); err != nil {
		tx.Rollback()
		return fmt.Errorf("clear last non-suspend zone: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM zones WHERE id = ?`, id); err != nil {
		tx.Rollback()
		return fmt.Errorf("delete zone: %w", err)
	}
	return tx.Commit()
}
