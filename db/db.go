package db

import (
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/clima-controller/internal/config"
	"github.com/thatsimonsguy/clima-controller/internal/model"
)

//go:embed schema.sql
var schema string

// Open opens the sqlite database at path and applies the schema.
func Open(path string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Area goroutines record commands concurrently; wait out writer locks
	// instead of surfacing SQLITE_BUSY.
	if _, err := conn.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return conn, nil
}

// SeedDatabase reconciles the database with the controller config. Config is
// authoritative for settings and area definitions; runtime state (mode,
// active zone, command clocks) survives restarts. Removing an area that a
// custom zone still references is rejected so zones never point at ghosts.
func SeedDatabase(conn *sql.DB, cfg *config.Config) error {
	tx, err := conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`INSERT OR IGNORE INTO system (id, system_mode, house_target, active_zone_id, zone_offset, last_non_suspend_zone_id)
		VALUES (1, ?, ?, NULL, ?, NULL)`,
		model.ModeOff, cfg.HouseTarget, cfg.DefaultZoneOffset)
	if err != nil {
		return fmt.Errorf("failed to insert system record: %w", err)
	}

	s := cfg.Settings()
	_, err = tx.Exec(`INSERT OR REPLACE INTO settings (id, setpoint_limit, unwind_threshold, deadband, loop_interval_seconds, min_change_seconds)
		VALUES (1, ?, ?, ?, ?, ?)`,
		s.SetpointLimit, s.UnwindThreshold, s.Deadband, int(s.LoopInterval.Seconds()), int(s.MinChangeInterval.Seconds()))
	if err != nil {
		return fmt.Errorf("failed to insert settings record: %w", err)
	}

	configured := make(map[string]bool, len(cfg.Areas))
	for _, ac := range cfg.Areas {
		configured[ac.ID] = true
		_, err = tx.Exec(`INSERT INTO areas (id, name, sensor_entity, actuator_kind, actuator_entity, supports_heat, supports_cool, min_setpoint, max_setpoint, step, bias, gain, included)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				sensor_entity = excluded.sensor_entity,
				actuator_kind = excluded.actuator_kind,
				actuator_entity = excluded.actuator_entity,
				supports_heat = excluded.supports_heat,
				supports_cool = excluded.supports_cool,
				min_setpoint = excluded.min_setpoint,
				max_setpoint = excluded.max_setpoint,
				step = excluded.step,
				bias = excluded.bias,
				gain = excluded.gain`,
			ac.ID, ac.Name, ac.SensorEntity, ac.ActuatorKind, ac.ActuatorEntity,
			ac.SupportsHeat, ac.SupportsCool, ac.MinSetpoint, ac.MaxSetpoint,
			ac.Step, ac.Bias, ac.Gain, ac.Included)
		if err != nil {
			return fmt.Errorf("failed to upsert area %s: %w", ac.ID, err)
		}
	}

	if err := removeStaleAreas(tx, configured); err != nil {
		return err
	}
	if err := syncBuiltinZones(tx, cfg.Areas); err != nil {
		return err
	}
	if err := seedCustomZones(tx, cfg); err != nil {
		return err
	}
	if err := clearDanglingActiveZone(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit seed transaction: %w", err)
	}

	log.Info().Int("areas", len(cfg.Areas)).Msg("Database seeded from config")
	return nil
}

// removeStaleAreas drops areas no longer present in config, refusing when a
// custom zone still lists the area as a member.
func removeStaleAreas(tx *sql.Tx, configured map[string]bool) error {
	rows, err := tx.Query(`SELECT id FROM areas`)
	if err != nil {
		return fmt.Errorf("failed to query area ids: %w", err)
	}
	defer rows.Close()

	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("failed to scan area id: %w", err)
		}
		if !configured[id] {
			stale = append(stale, id)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate area ids: %w", err)
	}

	if len(stale) == 0 {
		return nil
	}

	zones, err := getAllZonesTx(tx)
	if err != nil {
		return err
	}
	for _, id := range stale {
		for _, z := range zones {
			if !z.Builtin && z.HasMember(id) {
				return fmt.Errorf("%w: area %q removed from config is still a member of zone %s", model.ErrInvalidZone, id, z.ID)
			}
		}
	}

	for _, id := range stale {
		if _, err := tx.Exec(`DELETE FROM areas WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete area %s: %w", id, err)
		}
		log.Warn().Str("area", id).Msg("Removed area no longer present in config")
	}
	return nil
}

// syncBuiltinZones keeps exactly one builtin single-area zone per configured
// area: missing ones are created, orphans are removed.
func syncBuiltinZones(tx *sql.Tx, areas []config.AreaConfig) error {
	zones, err := getAllZonesTx(tx)
	if err != nil {
		return err
	}

	tied := map[string]bool{}
	for _, z := range zones {
		if !z.Builtin {
			continue
		}
		found := false
		for _, ac := range areas {
			if ac.ID == z.TiedAreaID {
				found = true
				break
			}
		}
		if !found {
			if _, err := tx.Exec(`DELETE FROM zones WHERE id = ?`, z.ID); err != nil {
				return fmt.Errorf("failed to delete orphaned builtin zone %s: %w", z.ID, err)
			}
			continue
		}
		tied[z.TiedAreaID] = true
	}

	for _, ac := range areas {
		if tied[ac.ID] {
			continue
		}
		id := uuid.NewString()[:8]
		_, err := tx.Exec(`INSERT INTO zones (id, builtin, tied_area_id, member_area_ids) VALUES (?, TRUE, ?, ?)`,
			id, ac.ID, marshalJSON([]string{ac.ID}))
		if err != nil {
			return fmt.Errorf("failed to insert builtin zone for area %s: %w", ac.ID, err)
		}
	}
	return nil
}

// seedCustomZones creates configured custom zones whose member set does not
// already exist. Operator-created zones are never removed by a reseed.
func seedCustomZones(tx *sql.Tx, cfg *config.Config) error {
	zones, err := getAllZonesTx(tx)
	if err != nil {
		return err
	}
	existing := map[string]bool{}
	for _, z := range zones {
		if !z.Builtin {
			existing[model.MemberKey(z.MemberAreas)] = true
		}
	}

	for _, zc := range cfg.Zones {
		if existing[model.MemberKey(zc.MemberAreaIDs)] {
			continue
		}
		id := uuid.NewString()[:8]
		_, err := tx.Exec(`INSERT INTO zones (id, builtin, tied_area_id, member_area_ids) VALUES (?, FALSE, NULL, ?)`,
			id, marshalJSON(zc.MemberAreaIDs))
		if err != nil {
			return fmt.Errorf("failed to insert custom zone %s: %w", strings.Join(zc.MemberAreaIDs, "+"), err)
		}
		existing[model.MemberKey(zc.MemberAreaIDs)] = true
	}
	return nil
}

// clearDanglingActiveZone resets the active zone when the referenced zone no
// longer exists, so the loop never resolves members against a deleted zone.
func clearDanglingActiveZone(tx *sql.Tx) error {
	var active sql.NullString
	if err := tx.QueryRow(`SELECT active_zone_id FROM system WHERE id = 1`).Scan(&active); err != nil {
		return fmt.Errorf("failed to read active zone: %w", err)
	}
	if !active.Valid || active.String == "" || active.String == model.ZoneSuspend {
		return nil
	}

	var count int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM zones WHERE id = ?`, active.String).Scan(&count); err != nil {
		return fmt.Errorf("failed to check active zone existence: %w", err)
	}
	if count > 0 {
		return nil
	}

	log.Warn().Str("zone", active.String).Msg("Active zone no longer exists, clearing selection")
	if _, err := tx.Exec(`UPDATE system SET active_zone_id = NULL WHERE id = 1`); err != nil {
		return fmt.Errorf("failed to clear active zone: %w", err)
	}
	if _, err := tx.Exec(`UPDATE system SET last_non_suspend_zone_id = NULL WHERE id = 1 AND last_non_suspend_zone_id = ?`, active.String); err != nil {
		return fmt.Errorf("failed to clear last non-suspend zone: %w", err)
	}
	return nil
}

func getAllZonesTx(tx *sql.Tx) ([]model.Zone, error) {
	rows, err := tx.Query(`SELECT id, builtin, tied_area_id, member_area_ids FROM zones`)
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

func marshalJSON(v interface{}) string {
	b, _ := json.Marshal(v)
	return string(b)
}
