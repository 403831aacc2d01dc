package hub

import (
	"strconv"
	"time"
)

// EntityState is one entity's state as reported by the hub, plus the local
// time it arrived. Attribute values we never read stay unparsed.
type EntityState struct {
	EntityID   string     `json:"entity_id"`
	State      string     `json:"state"`
	Attributes Attributes `json:"attributes"`

	ReceivedAt time.Time `json:"-"`
}

type Attributes struct {
	FriendlyName      string   `json:"friendly_name,omitempty"`
	UnitOfMeasurement string   `json:"unit_of_measurement,omitempty"`
	Temperature       *float64 `json:"temperature,omitempty"`
	HVACModes         []string `json:"hvac_modes,omitempty"`
}

// Numeric parses the state as a float. Sensors and number entities report
// their value this way; "unavailable" and "unknown" fail the parse.
func (e EntityState) Numeric() (float64, bool) {
	v, err := strconv.ParseFloat(e.State, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func (e EntityState) IsOn() bool {
	return e.State == "on"
}

// Setpoint extracts the current target setpoint: climate entities carry it
// in the temperature attribute, number entities in the state itself.
func (e EntityState) Setpoint() (float64, bool) {
	if e.Attributes.Temperature != nil {
		return *e.Attributes.Temperature, true
	}
	return e.Numeric()
}

// Available reports whether the hub considers the entity usable.
func (e EntityState) Available() bool {
	return e.State != "" && e.State != "unavailable" && e.State != "unknown"
}
