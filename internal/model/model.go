package model

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

type Mode string

const (
	ModeOff  Mode = "off"
	ModeHeat Mode = "heat"
	ModeCool Mode = "cool"
)

func (m Mode) Valid() bool {
	return m == ModeOff || m == ModeHeat || m == ModeCool
}

type ActuatorKind string

const (
	ActuatorClimate ActuatorKind = "climate"
	ActuatorNumber  ActuatorKind = "number"
	ActuatorSwitch  ActuatorKind = "switch"
)

func (k ActuatorKind) Valid() bool {
	return k == ActuatorClimate || k == ActuatorNumber || k == ActuatorSwitch
}

// ZoneSuspend is the sentinel active-zone id meaning control is suspended:
// the loop still runs but issues no actuator commands.
const ZoneSuspend = "__suspend__"

// PresetSuspend is the operator-facing label reported while suspended.
const PresetSuspend = "Suspend"

var (
	ErrInvalidSettings = errors.New("invalid settings")
	ErrInvalidArea     = errors.New("invalid area")
	ErrInvalidZone     = errors.New("invalid zone")
)

// Settings are the runtime tunables shared by every area.
type Settings struct {
	SetpointLimit     float64
	UnwindThreshold   float64
	Deadband          float64
	LoopInterval      time.Duration
	MinChangeInterval time.Duration
}

func (s Settings) Validate() error {
	if s.SetpointLimit <= 0 {
		return fmt.Errorf("%w: setpoint_limit must be positive, got %.2f", ErrInvalidSettings, s.SetpointLimit)
	}
	if s.UnwindThreshold < 0 {
		return fmt.Errorf("%w: unwind_threshold must not be negative, got %.2f", ErrInvalidSettings, s.UnwindThreshold)
	}
	if s.UnwindThreshold > s.SetpointLimit {
		return fmt.Errorf("%w: unwind_threshold %.2f exceeds setpoint_limit %.2f", ErrInvalidSettings, s.UnwindThreshold, s.SetpointLimit)
	}
	if s.Deadband < 0 {
		return fmt.Errorf("%w: deadband must not be negative, got %.2f", ErrInvalidSettings, s.Deadband)
	}
	if s.LoopInterval <= 0 {
		return fmt.Errorf("%w: loop_interval must be positive, got %s", ErrInvalidSettings, s.LoopInterval)
	}
	if s.MinChangeInterval < 0 {
		return fmt.Errorf("%w: min_change_interval must not be negative, got %s", ErrInvalidSettings, s.MinChangeInterval)
	}
	// The loop must tick at least twice per rate-limit window or commands
	// can lag a full window behind the decision that produced them.
	if s.MinChangeInterval > 0 && s.LoopInterval*2 > s.MinChangeInterval {
		return fmt.Errorf("%w: loop_interval %s must be at most half of min_change_interval %s", ErrInvalidSettings, s.LoopInterval, s.MinChangeInterval)
	}
	return nil
}

type CommandKind string

const (
	CommandSetpoint CommandKind = "setpoint"
	CommandSwitch   CommandKind = "switch"
)

// CommandValue is the last value dispatched to an area's actuator.
// Setpoint and On are meaningful only for their respective kinds.
type CommandValue struct {
	Kind     CommandKind
	Setpoint float64
	On       bool
}

func SetpointCommand(v float64) CommandValue {
	return CommandValue{Kind: CommandSetpoint, Setpoint: v}
}

func SwitchCommand(on bool) CommandValue {
	return CommandValue{Kind: CommandSwitch, On: on}
}

// Equal compares command values; setpoints match within 0.001 degrees.
func (v CommandValue) Equal(other CommandValue) bool {
	if v.Kind != other.Kind {
		return false
	}
	if v.Kind == CommandSwitch {
		return v.On == other.On
	}
	return math.Abs(v.Setpoint-other.Setpoint) < 0.001
}

func (v CommandValue) String() string {
	if v.Kind == CommandSwitch {
		if v.On {
			return "on"
		}
		return "off"
	}
	return fmt.Sprintf("%.1f", v.Setpoint)
}

// Area is one controlled room: a temperature sensor paired with a single actuator.
type Area struct {
	ID             string
	Name           string
	SensorEntity   string
	ActuatorKind   ActuatorKind
	ActuatorEntity string
	SupportsHeat   bool
	SupportsCool   bool
	MinSetpoint    float64
	MaxSetpoint    float64
	Step           float64
	Bias           float64
	Gain           float64
	Included       bool

	// LastCommandAt is zero when no command has been issued since the most
	// recent mode or inclusion change.
	LastCommandAt time.Time
	LastCommand   *CommandValue
}

func (a Area) SupportsMode(m Mode) bool {
	switch m {
	case ModeHeat:
		return a.SupportsHeat
	case ModeCool:
		return a.SupportsCool
	default:
		return false
	}
}

func (a Area) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidArea)
	}
	if a.Name == "" {
		return fmt.Errorf("%w: area %s has no name", ErrInvalidArea, a.ID)
	}
	if a.SensorEntity == "" {
		return fmt.Errorf("%w: area %s has no sensor entity", ErrInvalidArea, a.ID)
	}
	if a.ActuatorEntity == "" {
		return fmt.Errorf("%w: area %s has no actuator entity", ErrInvalidArea, a.ID)
	}
	if !a.ActuatorKind.Valid() {
		return fmt.Errorf("%w: area %s has unknown actuator kind %q", ErrInvalidArea, a.ID, a.ActuatorKind)
	}
	if !a.SupportsHeat && !a.SupportsCool {
		return fmt.Errorf("%w: area %s must support heating or cooling", ErrInvalidArea, a.ID)
	}
	if a.MinSetpoint > a.MaxSetpoint {
		return fmt.Errorf("%w: area %s min setpoint %.1f exceeds max %.1f", ErrInvalidArea, a.ID, a.MinSetpoint, a.MaxSetpoint)
	}
	if a.Step <= 0 {
		return fmt.Errorf("%w: area %s step must be positive, got %.2f", ErrInvalidArea, a.ID, a.Step)
	}
	if a.Gain <= 0 {
		return fmt.Errorf("%w: area %s gain must be positive, got %.2f", ErrInvalidArea, a.ID, a.Gain)
	}
	return nil
}

// Zone is a named selection of areas that receive the warm-zone offset.
// Builtin zones wrap exactly one area and track its lifecycle; custom
// zones group two or more.
type Zone struct {
	ID          string
	Builtin     bool
	TiedAreaID  string
	MemberAreas []string
}

func (z Zone) HasMember(areaID string) bool {
	for _, id := range z.MemberAreas {
		if id == areaID {
			return true
		}
	}
	return false
}

// MemberKey is the canonical identity of a zone's member set, used to
// reject duplicate zones regardless of member order.
func MemberKey(members []string) string {
	sorted := append([]string(nil), members...)
	sort.Strings(sorted)
	return strings.Join(sorted, "|")
}

// ValidateZoneMembers enforces the custom-zone rules: at least two members,
// every member a known area, never the full area set, and no duplicate of
// an existing zone's member set. Custom zones require at least three areas
// so that a proper subset of two or more exists.
func ValidateZoneMembers(members []string, areaIDs []string, existing []Zone) error {
	if len(areaIDs) < 3 {
		return fmt.Errorf("%w: custom zones require at least 3 areas, have %d", ErrInvalidZone, len(areaIDs))
	}
	if len(members) < 2 {
		return fmt.Errorf("%w: custom zones require at least 2 member areas, got %d", ErrInvalidZone, len(members))
	}
	known := make(map[string]bool, len(areaIDs))
	for _, id := range areaIDs {
		known[id] = true
	}
	seen := make(map[string]bool, len(members))
	for _, id := range members {
		if !known[id] {
			return fmt.Errorf("%w: unknown member area %q", ErrInvalidZone, id)
		}
		if seen[id] {
			return fmt.Errorf("%w: duplicate member area %q", ErrInvalidZone, id)
		}
		seen[id] = true
	}
	if len(members) >= len(areaIDs) {
		return fmt.Errorf("%w: a custom zone must not contain every area", ErrInvalidZone)
	}
	key := MemberKey(members)
	for _, z := range existing {
		if MemberKey(z.MemberAreas) == key {
			return fmt.Errorf("%w: a zone with the same member areas already exists", ErrInvalidZone)
		}
	}
	return nil
}

// PresetLabel renders the operator-facing name for a zone from its member
// area names, sorted case-insensitively.
func PresetLabel(memberNames []string) string {
	names := append([]string(nil), memberNames...)
	sort.Slice(names, func(i, j int) bool {
		return strings.ToLower(names[i]) < strings.ToLower(names[j])
	})
	return "Warm Zone: " + strings.Join(names, "+")
}

// SystemState is the persisted system row: global mode, house target and
// the active-zone selection.
type SystemState struct {
	Mode        Mode
	HouseTarget float64

	// ActiveZoneID is empty when no zone is active and ZoneSuspend while
	// control is suspended.
	ActiveZoneID         string
	ZoneOffset           float64
	LastNonSuspendZoneID string
}

func (s SystemState) Suspended() bool {
	return s.ActiveZoneID == ZoneSuspend
}
