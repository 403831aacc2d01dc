package climatecontroller

import (
	"database/sql"
	"fmt"

	"github.com/thatsimonsguy/clima-controller/db"
	"github.com/thatsimonsguy/clima-controller/internal/model"
)

// Snapshot is one cycle's immutable view of settings, runtime state and
// area configuration. A cycle in flight keeps its snapshot; changes made
// mid-cycle land in the next one.
type Snapshot struct {
	Settings model.Settings
	State    model.SystemState
	Areas    []model.Area
	Zones    []model.Zone
}

func LoadSnapshot(dbConn *sql.DB) (*Snapshot, error) {
	settings, err := db.GetSettings(dbConn)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	state, err := db.GetSystemState(dbConn)
	if err != nil {
		return nil, fmt.Errorf("load system state: %w", err)
	}
	areas, err := db.GetAllAreas(dbConn)
	if err != nil {
		return nil, fmt.Errorf("load areas: %w", err)
	}
	zones, err := db.GetAllZones(dbConn)
	if err != nil {
		return nil, fmt.Errorf("load zones: %w", err)
	}
	return &Snapshot{Settings: settings, State: state, Areas: areas, Zones: zones}, nil
}

// DesiredRoom is the effective room target for an area: the house target,
// plus the zone offset when the area belongs to the active zone. Suspend
// is not a real zone and never carries an offset.
func (s *Snapshot) DesiredRoom(areaID string) float64 {
	target := s.State.HouseTarget
	if s.State.ActiveZoneID == "" || s.State.Suspended() {
		return target
	}
	for _, z := range s.Zones {
		if z.ID != s.State.ActiveZoneID {
			continue
		}
		if z.HasMember(areaID) {
			return target + s.State.ZoneOffset
		}
		return target
	}
	return target
}
