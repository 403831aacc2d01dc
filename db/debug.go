package db

import (
	"database/sql"
	"fmt"

	"github.com/thatsimonsguy/clima-controller/internal/model"
)

// CLI helpers for cmd/debug. Each opens its own connection so the tool can
// poke a database the main service is not holding open.

func SetSystemModeCLI(dbPath, mode string) error {
	m := model.Mode(mode)
	if !m.Valid() {
		return fmt.Errorf("invalid mode %q (want off, heat or cool)", mode)
	}
	dbConn, err := Open(dbPath)
	if err != nil {
		return err
	}
	defer dbConn.Close()
	_, err = UpdateSystemMode(dbConn, m)
	return err
}

func SetHouseTargetCLI(dbPath string, target float64) error {
	dbConn, err := Open(dbPath)
	if err != nil {
		return err
	}
	defer dbConn.Close()
	return UpdateHouseTarget(dbConn, target)
}

func SetActiveZoneCLI(dbPath, zoneID string) error {
	dbConn, err := Open(dbPath)
	if err != nil {
		return err
	}
	defer dbConn.Close()
	return UpdateActiveZone(dbConn, zoneID)
}

func SetZoneOffsetCLI(dbPath string, offset float64) error {
	if offset < 0 {
		offset = 0
	}
	dbConn, err := Open(dbPath)
	if err != nil {
		return err
	}
	defer dbConn.Close()
	return UpdateZoneOffset(dbConn, offset)
}

func ResetCommandClocksCLI(dbPath string) error {
	dbConn, err := Open(dbPath)
	if err != nil {
		return err
	}
	defer dbConn.Close()
	return ResetAreaCommandClocks(dbConn)
}

// DumpStateCLI prints the system row, settings, areas and zones.
func DumpStateCLI(dbPath string) error {
	dbConn, err := Open(dbPath)
	if err != nil {
		return err
	}
	defer dbConn.Close()
	return dumpState(dbConn)
}

func dumpState(dbConn *sql.DB) error {
	state, err := GetSystemState(dbConn)
	if err != nil {
		return err
	}
	settings, err := GetSettings(dbConn)
	if err != nil {
		return err
	}
	areas, err := GetAllAreas(dbConn)
	if err != nil {
		return err
	}
	zones, err := GetAllZones(dbConn)
	if err != nil {
		return err
	}

	fmt.Printf("System: mode=%s house_target=%.1f active_zone=%q zone_offset=%.1f last_non_suspend=%q\n",
		state.Mode, state.HouseTarget, state.ActiveZoneID, state.ZoneOffset, state.LastNonSuspendZoneID)
	fmt.Printf("Settings: limit=%.1f unwind=%.1f deadband=%.2f loop=%s min_change=%s\n",
		settings.SetpointLimit, settings.UnwindThreshold, settings.Deadband, settings.LoopInterval, settings.MinChangeInterval)

	fmt.Printf("Areas (%d):\n", len(areas))
	for _, a := range areas {
		last := "never"
		if !a.LastCommandAt.IsZero() {
			last = a.LastCommandAt.Format("15:04:05")
		}
		value := "-"
		if a.LastCommand != nil {
			value = a.LastCommand.String()
		}
		fmt.Printf("  %-12s %-20s kind=%-7s included=%-5t bias=%+.1f last_command=%s at %s\n",
			a.ID, a.Name, a.ActuatorKind, a.Included, a.Bias, value, last)
	}

	fmt.Printf("Zones (%d):\n", len(zones))
	for _, z := range zones {
		kind := "custom"
		if z.Builtin {
			kind = "builtin"
		}
		active := ""
		if z.ID == state.ActiveZoneID {
			active = " (active)"
		}
		fmt.Printf("  %-10s %-8s members=%v%s\n", z.ID, kind, z.MemberAreas, active)
	}
	return nil
}
