package config

import (
	"testing"
	"time"
)

func testConfig() Config {
	cfg := Config{
		Areas: []AreaConfig{
			{
				ID:             "living",
				Name:           "Living Room",
				SensorEntity:   "sensor.living_temp",
				ActuatorKind:   "climate",
				ActuatorEntity: "climate.living",
				SupportsHeat:   true,
				SupportsCool:   true,
			},
			{
				ID:             "bedroom",
				Name:           "Bedroom",
				SensorEntity:   "sensor.bedroom_temp",
				ActuatorKind:   "number",
				ActuatorEntity: "number.bedroom_valve",
				SupportsHeat:   true,
			},
			{
				ID:             "office",
				Name:           "Office",
				SensorEntity:   "sensor.office_temp",
				ActuatorKind:   "switch",
				ActuatorEntity: "switch.office_heater",
				SupportsHeat:   true,
			},
		},
	}
	cfg.applyDefaults()
	return cfg
}

func TestValidate_Valid(t *testing.T) {
	cfg := testConfig()
	cfg.validate() // should not panic
}

func TestApplyDefaults(t *testing.T) {
	cfg := testConfig()

	if cfg.HouseTarget != 18.0 {
		t.Errorf("expected default house target 18.0, got %.1f", cfg.HouseTarget)
	}
	if cfg.SetpointLimit != 3.0 {
		t.Errorf("expected default setpoint limit 3.0, got %.1f", cfg.SetpointLimit)
	}
	if cfg.UnwindThreshold == nil || *cfg.UnwindThreshold != 1.5 {
		t.Errorf("expected default unwind threshold 1.5, got %v", cfg.UnwindThreshold)
	}
	if cfg.Deadband == nil || *cfg.Deadband != 0.5 {
		t.Errorf("expected default deadband 0.5, got %v", cfg.Deadband)
	}
	if cfg.LoopIntervalSeconds != 30 || cfg.MinChangeSeconds != 60 {
		t.Errorf("expected default intervals 30/60, got %d/%d", cfg.LoopIntervalSeconds, cfg.MinChangeSeconds)
	}
	if cfg.Areas[0].Step != 0.5 || cfg.Areas[0].Gain != 1.0 {
		t.Errorf("expected area step/gain defaults 0.5/1.0, got %.1f/%.1f", cfg.Areas[0].Step, cfg.Areas[0].Gain)
	}
	if cfg.Areas[0].MinSetpoint != 16.0 || cfg.Areas[0].MaxSetpoint != 30.0 {
		t.Errorf("expected area setpoint range defaults 16/30, got %.1f/%.1f", cfg.Areas[0].MinSetpoint, cfg.Areas[0].MaxSetpoint)
	}
}

func TestApplyDefaults_KeepsExplicitZeros(t *testing.T) {
	zero := 0.0
	cfg := Config{UnwindThreshold: &zero, Deadband: &zero}
	cfg.applyDefaults()

	if *cfg.UnwindThreshold != 0 {
		t.Errorf("explicit zero unwind threshold was overwritten: %v", *cfg.UnwindThreshold)
	}
	if *cfg.Deadband != 0 {
		t.Errorf("explicit zero deadband was overwritten: %v", *cfg.Deadband)
	}
}

func TestValidate_NoAreas(t *testing.T) {
	cfg := Config{}
	cfg.applyDefaults()

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic for config without areas, but got none")
		}
	}()

	cfg.validate()
}

func TestValidate_DuplicateAreaID(t *testing.T) {
	cfg := testConfig()
	cfg.Areas = append(cfg.Areas, cfg.Areas[0])

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic for duplicate area id, but got none")
		}
	}()

	cfg.validate()
}

func TestValidate_BadZone(t *testing.T) {
	cfg := testConfig()
	cfg.Zones = []ZoneConfig{{MemberAreaIDs: []string{"living"}}}

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic for single-member custom zone, but got none")
		}
	}()

	cfg.validate()
}

func TestValidate_HouseTargetOutOfRange(t *testing.T) {
	cfg := testConfig()
	cfg.HouseTarget = 40.0

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic for house target above max, but got none")
		}
	}()

	cfg.validate()
}

func TestSettingsConversion(t *testing.T) {
	cfg := testConfig()
	s := cfg.Settings()

	if s.LoopInterval != 30*time.Second {
		t.Errorf("expected loop interval 30s, got %s", s.LoopInterval)
	}
	if s.MinChangeInterval != 60*time.Second {
		t.Errorf("expected min change interval 60s, got %s", s.MinChangeInterval)
	}
	if err := s.Validate(); err != nil {
		t.Errorf("converted settings should be valid: %v", err)
	}
}
