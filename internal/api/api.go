package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/thatsimonsguy/clima-controller/db"
	"github.com/thatsimonsguy/clima-controller/internal/config"
	"github.com/thatsimonsguy/clima-controller/internal/controllers/climatecontroller"
	"github.com/thatsimonsguy/clima-controller/internal/env"
	"github.com/thatsimonsguy/clima-controller/internal/hub"
	"github.com/thatsimonsguy/clima-controller/internal/model"
	"github.com/thatsimonsguy/clima-controller/internal/temperature"
)

type Server struct {
	db          *sql.DB
	tempService *temperature.Service
	controller  *climatecontroller.Controller
	hub         *hub.Client
	config      *config.Config
}

type SystemResponse struct {
	Mode             string   `json:"mode"`
	HouseTarget      float64  `json:"house_target"`
	HouseTemperature *float64 `json:"house_temperature"`
	ActiveZoneID     string   `json:"active_zone_id,omitempty"`
	ActivePreset     string   `json:"active_preset,omitempty"`
	ZoneOffset       float64  `json:"zone_offset"`
	Suspended        bool     `json:"suspended"`
}

type SystemModeRequest struct {
	Mode string `json:"mode"`
}

type HouseTargetRequest struct {
	Target float64 `json:"target"`
}

type SettingsPayload struct {
	SetpointLimit       float64 `json:"setpoint_limit"`
	UnwindThreshold     float64 `json:"unwind_threshold"`
	Deadband            float64 `json:"deadband"`
	LoopIntervalSeconds int     `json:"loop_interval_seconds"`
	MinChangeSeconds    int     `json:"min_change_seconds"`
}

type AreaResponse struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	ActuatorKind string   `json:"actuator_kind"`
	SupportsHeat bool     `json:"supports_heat"`
	SupportsCool bool     `json:"supports_cool"`
	Included     bool     `json:"included"`
	CurrentTemp  *float64 `json:"current_temp"`
	DesiredTemp  float64  `json:"desired_temp"`
	LastCommand  string   `json:"last_command,omitempty"`
}

type AreaIncludedRequest struct {
	Included *bool `json:"included"`
}

type ZoneResponse struct {
	ID      string   `json:"id"`
	Label   string   `json:"label"`
	Builtin bool     `json:"builtin"`
	Members []string `json:"member_area_ids"`
	Active  bool     `json:"active"`
}

type CreateZoneRequest struct {
	MemberAreaIDs []string `json:"member_area_ids"`
}

type ActiveZoneRequest struct {
	ZoneID *string `json:"zone_id"`
	Preset string  `json:"preset,omitempty"`
}

type ZoneOffsetRequest struct {
	Offset float64 `json:"offset"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func NewServer(database *sql.DB, tempService *temperature.Service, controller *climatecontroller.Controller, hubClient *hub.Client, cfg *config.Config) *Server {
	return &Server{
		db:          database,
		tempService: tempService,
		controller:  controller,
		hub:         hubClient,
		config:      cfg,
	}
}

// Router assembles the route table. Separate from Start so tests can
// drive the handlers without binding a listener.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/api/system", s.getSystem).Methods("GET")
	r.HandleFunc("/api/system/mode", s.setSystemMode).Methods("PUT")
	r.HandleFunc("/api/system/target", s.setHouseTarget).Methods("PUT")

	r.HandleFunc("/api/settings", s.getSettings).Methods("GET")
	r.HandleFunc("/api/settings", s.updateSettings).Methods("PUT")

	r.HandleFunc("/api/areas", s.getAreas).Methods("GET")
	r.HandleFunc("/api/areas/{id}", s.getArea).Methods("GET")
	r.HandleFunc("/api/areas/{id}/included", s.setAreaIncluded).Methods("PUT")

	// Fixed zone paths must register before the {id} route.
	r.HandleFunc("/api/zones/active", s.setActiveZone).Methods("PUT")
	r.HandleFunc("/api/zones/offset", s.setZoneOffset).Methods("PUT")
	r.HandleFunc("/api/zones", s.getZones).Methods("GET")
	r.HandleFunc("/api/zones", s.createZone).Methods("POST")
	r.HandleFunc("/api/zones/{id}", s.deleteZone).Methods("DELETE")

	r.HandleFunc("/api/diagnostics", s.getDiagnostics).Methods("GET")

	return r
}

func (s *Server) Start(port int) error {
	router := s.Router()

	// CORS for the web UI; preflight requests never reach the router.
	corsHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		router.ServeHTTP(w, r)
	})

	addr := fmt.Sprintf("0.0.0.0:%d", port)
	log.Info().Str("address", addr).Msg("Starting REST API server")

	return http.ListenAndServe(addr, handlers.LoggingHandler(os.Stdout, corsHandler))
}

func (s *Server) getSystem(w http.ResponseWriter, r *http.Request) {
	snap, err := climatecontroller.LoadSnapshot(s.db)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load system state")
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	response := SystemResponse{
		Mode:         string(snap.State.Mode),
		HouseTarget:  snap.State.HouseTarget,
		ActivePreset: s.presetFor(snap),
		ZoneOffset:   snap.State.ZoneOffset,
		Suspended:    snap.State.Suspended(),
	}
	if !snap.State.Suspended() {
		response.ActiveZoneID = snap.State.ActiveZoneID
	}
	if temp, ok := s.controller.CurrentTemperature(); ok {
		response.HouseTemperature = &temp
	}

	s.writeJSON(w, http.StatusOK, response)
}

// presetFor renders the operator-facing name of the current selection:
// the suspend label, a warm-zone label built from member names, or empty
// when no zone is active.
func (s *Server) presetFor(snap *climatecontroller.Snapshot) string {
	if snap.State.Suspended() {
		return model.PresetSuspend
	}
	if snap.State.ActiveZoneID == "" {
		return ""
	}
	names := make(map[string]string, len(snap.Areas))
	for _, a := range snap.Areas {
		names[a.ID] = a.Name
	}
	for _, z := range snap.Zones {
		if z.ID != snap.State.ActiveZoneID {
			continue
		}
		var memberNames []string
		for _, id := range z.MemberAreas {
			if name, ok := names[id]; ok {
				memberNames = append(memberNames, name)
			}
		}
		return model.PresetLabel(memberNames)
	}
	return ""
}

func (s *Server) setSystemMode(w http.ResponseWriter, r *http.Request) {
	var req SystemModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}

	mode := model.Mode(req.Mode)
	if !mode.Valid() {
		s.writeError(w, http.StatusBadRequest, "Invalid system mode. Valid modes: off, heat, cool")
		return
	}

	if err := s.controller.SetMode(mode); err != nil {
		log.Error().Err(err).Str("mode", req.Mode).Msg("Failed to update system mode")
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Info().Str("mode", req.Mode).Msg("System mode updated via API")
	w.WriteHeader(http.StatusOK)
}

func (s *Server) setHouseTarget(w http.ResponseWriter, r *http.Request) {
	var req HouseTargetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}

	if req.Target < s.config.MinHouseTarget || req.Target > s.config.MaxHouseTarget {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid target. Must be between %.1f°C and %.1f°C", s.config.MinHouseTarget, s.config.MaxHouseTarget))
		return
	}

	if err := s.controller.SetHouseTarget(req.Target); err != nil {
		log.Error().Err(err).Float64("target", req.Target).Msg("Failed to update house target")
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Info().Float64("target", req.Target).Msg("House target updated via API")
	w.WriteHeader(http.StatusOK)
}

func (s *Server) getSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := db.GetSettings(s.db)
	if err != nil {
		log.Error().Err(err).Msg("Failed to get settings")
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, SettingsPayload{
		SetpointLimit:       settings.SetpointLimit,
		UnwindThreshold:     settings.UnwindThreshold,
		Deadband:            settings.Deadband,
		LoopIntervalSeconds: int(settings.LoopInterval.Seconds()),
		MinChangeSeconds:    int(settings.MinChangeInterval.Seconds()),
	})
}

func (s *Server) updateSettings(w http.ResponseWriter, r *http.Request) {
	var req SettingsPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}

	settings := model.Settings{
		SetpointLimit:     req.SetpointLimit,
		UnwindThreshold:   req.UnwindThreshold,
		Deadband:          req.Deadband,
		LoopInterval:      time.Duration(req.LoopIntervalSeconds) * time.Second,
		MinChangeInterval: time.Duration(req.MinChangeSeconds) * time.Second,
	}

	// UpdateSettings validates before writing, so a bad payload never
	// displaces the last good settings.
	if err := db.UpdateSettings(s.db, settings); err != nil {
		if errors.Is(err, model.ErrInvalidSettings) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Error().Err(err).Msg("Failed to update settings")
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Info().
		Float64("setpoint_limit", req.SetpointLimit).
		Int("loop_interval_seconds", req.LoopIntervalSeconds).
		Msg("Settings updated via API")
	w.WriteHeader(http.StatusOK)
}

func (s *Server) getAreas(w http.ResponseWriter, r *http.Request) {
	snap, err := climatecontroller.LoadSnapshot(s.db)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load areas")
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	response := make([]AreaResponse, 0, len(snap.Areas))
	for _, area := range snap.Areas {
		response = append(response, s.areaResponse(snap, area))
	}

	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) getArea(w http.ResponseWriter, r *http.Request) {
	areaID := mux.Vars(r)["id"]

	snap, err := climatecontroller.LoadSnapshot(s.db)
	if err != nil {
		log.Error().Err(err).Str("area_id", areaID).Msg("Failed to load area")
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	for _, area := range snap.Areas {
		if area.ID == areaID {
			s.writeJSON(w, http.StatusOK, s.areaResponse(snap, area))
			return
		}
	}
	s.writeError(w, http.StatusNotFound, "Area not found")
}

func (s *Server) areaResponse(snap *climatecontroller.Snapshot, area model.Area) AreaResponse {
	resp := AreaResponse{
		ID:           area.ID,
		Name:         area.Name,
		ActuatorKind: string(area.ActuatorKind),
		SupportsHeat: area.SupportsHeat,
		SupportsCool: area.SupportsCool,
		Included:     area.Included,
		DesiredTemp:  snap.DesiredRoom(area.ID),
	}
	if temp, ok := s.tempService.GetTemperature(area.SensorEntity); ok {
		resp.CurrentTemp = &temp
	}
	if area.LastCommand != nil {
		resp.LastCommand = area.LastCommand.String()
	}
	return resp
}

func (s *Server) setAreaIncluded(w http.ResponseWriter, r *http.Request) {
	areaID := mux.Vars(r)["id"]

	var req AreaIncludedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}
	if req.Included == nil {
		s.writeError(w, http.StatusBadRequest, "included is required")
		return
	}

	if err := s.controller.SetAreaIncluded(areaID, *req.Included); err != nil {
		if errors.Is(err, db.ErrAreaNotFound) {
			s.writeError(w, http.StatusNotFound, "Area not found")
			return
		}
		log.Error().Err(err).Str("area_id", areaID).Msg("Failed to update area inclusion")
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Info().Str("area_id", areaID).Bool("included", *req.Included).Msg("Area inclusion updated via API")
	w.WriteHeader(http.StatusOK)
}

func (s *Server) getZones(w http.ResponseWriter, r *http.Request) {
	snap, err := climatecontroller.LoadSnapshot(s.db)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load zones")
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	names := make(map[string]string, len(snap.Areas))
	for _, a := range snap.Areas {
		names[a.ID] = a.Name
	}

	response := make([]ZoneResponse, 0, len(snap.Zones))
	for _, zone := range snap.Zones {
		response = append(response, zoneResponse(zone, names, snap.State.ActiveZoneID))
	}

	s.writeJSON(w, http.StatusOK, response)
}

func zoneResponse(zone model.Zone, areaNames map[string]string, activeZoneID string) ZoneResponse {
	var memberNames []string
	for _, id := range zone.MemberAreas {
		if name, ok := areaNames[id]; ok {
			memberNames = append(memberNames, name)
		}
	}
	return ZoneResponse{
		ID:      zone.ID,
		Label:   model.PresetLabel(memberNames),
		Builtin: zone.Builtin,
		Members: zone.MemberAreas,
		Active:  zone.ID == activeZoneID,
	}
}

func (s *Server) createZone(w http.ResponseWriter, r *http.Request) {
	var req CreateZoneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}

	zone, err := db.CreateZone(s.db, req.MemberAreaIDs)
	if err != nil {
		if errors.Is(err, model.ErrInvalidZone) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Error().Err(err).Msg("Failed to create zone")
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	areas, err := db.GetAllAreas(s.db)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load areas for zone response")
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	names := make(map[string]string, len(areas))
	for _, a := range areas {
		names[a.ID] = a.Name
	}

	log.Info().Str("zone_id", zone.ID).Strs("members", zone.MemberAreas).Msg("Zone created via API")
	s.writeJSON(w, http.StatusCreated, zoneResponse(*zone, names, ""))
}

func (s *Server) deleteZone(w http.ResponseWriter, r *http.Request) {
	zoneID := mux.Vars(r)["id"]

	if err := db.DeleteZone(s.db, zoneID); err != nil {
		switch {
		case errors.Is(err, db.ErrZoneNotFound):
			s.writeError(w, http.StatusNotFound, "Zone not found")
		case errors.Is(err, db.ErrBuiltinZone):
			s.writeError(w, http.StatusBadRequest, "Builtin zones cannot be deleted")
		default:
			log.Error().Err(err).Str("zone_id", zoneID).Msg("Failed to delete zone")
			s.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	log.Info().Str("zone_id", zoneID).Msg("Zone deleted via API")
	w.WriteHeader(http.StatusOK)
}

func (s *Server) setActiveZone(w http.ResponseWriter, r *http.Request) {
	var req ActiveZoneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}

	zoneID, err := s.resolveZoneSelection(req)
	if err != nil {
		if errors.Is(err, db.ErrZoneNotFound) {
			s.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		log.Error().Err(err).Msg("Failed to resolve zone selection")
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if err := s.controller.SetActiveZone(zoneID); err != nil {
		if errors.Is(err, db.ErrZoneNotFound) {
			s.writeError(w, http.StatusNotFound, "Zone not found")
			return
		}
		log.Error().Err(err).Str("zone_id", zoneID).Msg("Failed to update active zone")
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Info().Str("zone_id", zoneID).Msg("Active zone updated via API")
	w.WriteHeader(http.StatusOK)
}

// resolveZoneSelection maps a request onto a zone id: a preset label wins
// over an explicit id, a nil or empty id clears the selection.
func (s *Server) resolveZoneSelection(req ActiveZoneRequest) (string, error) {
	if req.Preset != "" {
		if req.Preset == model.PresetSuspend {
			return model.ZoneSuspend, nil
		}
		snap, err := climatecontroller.LoadSnapshot(s.db)
		if err != nil {
			return "", err
		}
		names := make(map[string]string, len(snap.Areas))
		for _, a := range snap.Areas {
			names[a.ID] = a.Name
		}
		for _, z := range snap.Zones {
			if zoneResponse(z, names, "").Label == req.Preset {
				return z.ID, nil
			}
		}
		return "", fmt.Errorf("%w: no zone matches preset %q", db.ErrZoneNotFound, req.Preset)
	}
	if req.ZoneID == nil {
		return "", nil
	}
	return *req.ZoneID, nil
}

func (s *Server) setZoneOffset(w http.ResponseWriter, r *http.Request) {
	var req ZoneOffsetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}

	if req.Offset < 0 || req.Offset > s.config.MaxZoneOffset {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid offset. Must be between 0 and %.1f", s.config.MaxZoneOffset))
		return
	}

	if err := s.controller.SetZoneOffset(req.Offset); err != nil {
		log.Error().Err(err).Float64("offset", req.Offset).Msg("Failed to update zone offset")
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Info().Float64("offset", req.Offset).Msg("Zone offset updated via API")
	w.WriteHeader(http.StatusOK)
}

func (s *Server) getDiagnostics(w http.ResponseWriter, r *http.Request) {
	cpuPercentList, _ := cpu.Percent(0, false)
	cpuPercent := 0.0
	if len(cpuPercentList) > 0 {
		cpuPercent = cpuPercentList[0]
	}

	var memTotal, memUsed uint64
	if vmem, err := mem.VirtualMemory(); err == nil {
		memTotal = vmem.Total
		memUsed = vmem.Used
	}

	var procMem uint64
	var procCPU float64
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if memInfo, err := p.MemoryInfo(); err == nil {
			procMem = memInfo.RSS
		}
		if pct, err := p.CPUPercent(); err == nil {
			procCPU = pct
		}
	}

	diagnostics := map[string]interface{}{
		"go_version":     runtime.Version(),
		"goroutines":     runtime.NumGoroutine(),
		"uptime_seconds": time.Since(env.StartedAt).Seconds(),
		"hub_connected":  s.hub != nil && s.hub.Connected(),
		"cpu": map[string]interface{}{
			"system_percent":  cpuPercent,
			"process_percent": procCPU,
		},
		"memory": map[string]interface{}{
			"system_total": memTotal,
			"system_used":  memUsed,
			"process_rss":  procMem,
		},
	}

	s.writeJSON(w, http.StatusOK, diagnostics)
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponse{Error: message})
}
