package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/thatsimonsguy/clima-controller/internal/model"
)

type AreaConfig struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	SensorEntity   string  `json:"sensor_entity"`
	ActuatorKind   string  `json:"actuator_kind"`
	ActuatorEntity string  `json:"actuator_entity"`
	SupportsHeat   bool    `json:"supports_heat"`
	SupportsCool   bool    `json:"supports_cool"`
	MinSetpoint    float64 `json:"min_setpoint"`
	MaxSetpoint    float64 `json:"max_setpoint"`
	Step           float64 `json:"step"`
	Bias           float64 `json:"bias"`
	Gain           float64 `json:"gain"`
	Included       bool    `json:"included"`
}

type ZoneConfig struct {
	MemberAreaIDs []string `json:"member_area_ids"`
}

type Config struct {
	ConfigFile     string
	DBPath         string
	HubConfigFile  string
	LogFile        string
	LogLevel       zerolog.Level
	InstallService bool

	APIPort int `json:"api_port"`

	HouseTarget       float64 `json:"house_target"`
	DefaultZoneOffset float64 `json:"default_zone_offset"`
	MaxZoneOffset     float64 `json:"max_zone_offset"`
	MinHouseTarget    float64 `json:"min_house_target"`
	MaxHouseTarget    float64 `json:"max_house_target"`

	// UnwindThreshold and Deadband are pointers because zero is a valid
	// explicit setting; nil means "use the default".
	SetpointLimit       float64  `json:"setpoint_limit"`
	UnwindThreshold     *float64 `json:"unwind_threshold"`
	Deadband            *float64 `json:"deadband"`
	LoopIntervalSeconds int      `json:"loop_interval_seconds"`
	MinChangeSeconds    int      `json:"min_change_seconds"`

	SensorMaxDelta     float64 `json:"sensor_max_delta"`
	SensorMaxAnomalies int     `json:"sensor_max_anomalies"`

	NtfyTopic string `json:"ntfy_topic"`

	EnableDatadog bool     `json:"enable_datadog"`
	DDAgentAddr   string   `json:"dd_agent_addr"`
	DDNamespace   string   `json:"dd_namespace"`
	DDTags        []string `json:"dd_tags"`

	ServicePath string `json:"service_path"`
	ServiceUser string `json:"service_user"`

	Areas []AreaConfig `json:"areas"`
	Zones []ZoneConfig `json:"zones"`
}

func Load() Config {
	var cfg Config
	var logLevel string

	flag.StringVar(&cfg.ConfigFile, "config-file", "config.json", "Path to controller config file")
	flag.StringVar(&cfg.DBPath, "db", "data/clima.db", "Path to sqlite database file")
	flag.StringVar(&cfg.HubConfigFile, "hub-config", "hub.yaml", "Path to hub connection config file")
	flag.StringVar(&cfg.LogFile, "log-file", "", "Path to log file (empty logs to stderr)")
	flag.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.BoolVar(&cfg.InstallService, "install-service", false, "Write the systemd unit file and exit")
	flag.Parse()

	cfg.LogLevel = parseLogLevel(logLevel)

	file, err := os.Open(cfg.ConfigFile)
	if err != nil {
		panic("Failed to load config file: " + err.Error())
	}
	defer file.Close()

	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		panic("Failed to parse config file: " + err.Error())
	}

	cfg.applyDefaults()
	cfg.validate()
	return cfg
}

func parseLogLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// applyDefaults fills zero values whose zero is never a meaningful setting.
// Deadband, unwind threshold and bias legitimately take zero and are left alone.
func (cfg *Config) applyDefaults() {
	if cfg.APIPort == 0 {
		cfg.APIPort = 8088
	}
	if cfg.HouseTarget == 0 {
		cfg.HouseTarget = 18.0
	}
	if cfg.MaxZoneOffset == 0 {
		cfg.MaxZoneOffset = 8.0
	}
	if cfg.MinHouseTarget == 0 {
		cfg.MinHouseTarget = 5.0
	}
	if cfg.MaxHouseTarget == 0 {
		cfg.MaxHouseTarget = 35.0
	}
	if cfg.SetpointLimit == 0 {
		cfg.SetpointLimit = 3.0
	}
	if cfg.UnwindThreshold == nil {
		v := 1.5
		cfg.UnwindThreshold = &v
	}
	if cfg.Deadband == nil {
		v := 0.5
		cfg.Deadband = &v
	}
	if cfg.LoopIntervalSeconds == 0 {
		cfg.LoopIntervalSeconds = 30
	}
	if cfg.MinChangeSeconds == 0 {
		cfg.MinChangeSeconds = 60
	}
	if cfg.SensorMaxDelta == 0 {
		cfg.SensorMaxDelta = 8.0
	}
	if cfg.SensorMaxAnomalies == 0 {
		cfg.SensorMaxAnomalies = 3
	}
	if cfg.ServicePath == "" {
		cfg.ServicePath = "/etc/systemd/system/clima-controller.service"
	}
	if cfg.ServiceUser == "" {
		cfg.ServiceUser = "clima"
	}
	for i := range cfg.Areas {
		a := &cfg.Areas[i]
		if a.MinSetpoint == 0 && a.MaxSetpoint == 0 {
			a.MinSetpoint = 16.0
			a.MaxSetpoint = 30.0
		}
		if a.Step == 0 {
			a.Step = 0.5
		}
		if a.Gain == 0 {
			a.Gain = 1.0
		}
	}
}

func (cfg *Config) validate() {
	var problems []string

	if err := cfg.Settings().Validate(); err != nil {
		problems = append(problems, err.Error())
	}
	if cfg.MinHouseTarget >= cfg.MaxHouseTarget {
		problems = append(problems, fmt.Sprintf("min_house_target %.1f must be below max_house_target %.1f", cfg.MinHouseTarget, cfg.MaxHouseTarget))
	}
	if cfg.HouseTarget < cfg.MinHouseTarget || cfg.HouseTarget > cfg.MaxHouseTarget {
		problems = append(problems, fmt.Sprintf("house_target %.1f outside [%.1f, %.1f]", cfg.HouseTarget, cfg.MinHouseTarget, cfg.MaxHouseTarget))
	}
	if cfg.DefaultZoneOffset < 0 || cfg.DefaultZoneOffset > cfg.MaxZoneOffset {
		problems = append(problems, fmt.Sprintf("default_zone_offset %.1f outside [0, %.1f]", cfg.DefaultZoneOffset, cfg.MaxZoneOffset))
	}
	if len(cfg.Areas) == 0 {
		problems = append(problems, "no areas configured")
	}

	areaIDs := make([]string, 0, len(cfg.Areas))
	seen := map[string]bool{}
	for _, ac := range cfg.Areas {
		if seen[ac.ID] {
			problems = append(problems, fmt.Sprintf("duplicate area id %q", ac.ID))
			continue
		}
		seen[ac.ID] = true
		areaIDs = append(areaIDs, ac.ID)
		if err := ac.Model().Validate(); err != nil {
			problems = append(problems, err.Error())
		}
	}

	var accepted []model.Zone
	for i, zc := range cfg.Zones {
		if err := model.ValidateZoneMembers(zc.MemberAreaIDs, areaIDs, accepted); err != nil {
			problems = append(problems, fmt.Sprintf("zones[%d]: %v", i, err))
			continue
		}
		accepted = append(accepted, model.Zone{MemberAreas: zc.MemberAreaIDs})
	}

	if len(problems) > 0 {
		panic("Invalid controller config: " + strings.Join(problems, "; "))
	}
}

// Settings converts the flat config fields into the shared runtime tunables.
func (cfg *Config) Settings() model.Settings {
	s := model.Settings{
		SetpointLimit:     cfg.SetpointLimit,
		LoopInterval:      time.Duration(cfg.LoopIntervalSeconds) * time.Second,
		MinChangeInterval: time.Duration(cfg.MinChangeSeconds) * time.Second,
	}
	if cfg.UnwindThreshold != nil {
		s.UnwindThreshold = *cfg.UnwindThreshold
	}
	if cfg.Deadband != nil {
		s.Deadband = *cfg.Deadband
	}
	return s
}

func (ac AreaConfig) Model() model.Area {
	return model.Area{
		ID:             ac.ID,
		Name:           ac.Name,
		SensorEntity:   ac.SensorEntity,
		ActuatorKind:   model.ActuatorKind(ac.ActuatorKind),
		ActuatorEntity: ac.ActuatorEntity,
		SupportsHeat:   ac.SupportsHeat,
		SupportsCool:   ac.SupportsCool,
		MinSetpoint:    ac.MinSetpoint,
		MaxSetpoint:    ac.MaxSetpoint,
		Step:           ac.Step,
		Bias:           ac.Bias,
		Gain:           ac.Gain,
		Included:       ac.Included,
	}
}
