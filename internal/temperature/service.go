package temperature

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/clima-controller/internal/env"
	"github.com/thatsimonsguy/clima-controller/internal/notifications"
)

// Plausible indoor reading bounds in °C. Anything outside is sensor garbage
// regardless of history.
const (
	minPlausible = -40.0
	maxPlausible = 60.0
)

type Reading struct {
	Temperature float64
	Timestamp   time.Time
}

// sensorHistory tracks anomaly state per sensor. A sensor is disabled after
// maxAnomalies consecutive rejected readings and re-enabled after
// maxAnomalies consecutive stable ones, so a sensor that legitimately
// settled at a new level recovers on its own.
type sensorHistory struct {
	lastGood   Reading
	hasGood    bool
	lastRaw    float64
	hasRaw     bool
	anomalies  int
	recoveries int
	disabled   bool
	disabledAt time.Time
}

// Notifier interface for sending notifications
type Notifier interface {
	Send(title, message string) error
}

// Service caches the latest accepted reading per tracked sensor. Readings
// arrive pushed from the hub; consumers only ever see values that passed
// the anomaly filter and are fresher than maxAge.
type Service struct {
	readings map[string]Reading
	history  map[string]*sensorHistory
	tracked  map[string]bool
	mutex    sync.RWMutex

	maxAge       time.Duration
	maxDelta     float64
	maxAnomalies int

	notifier Notifier
}

// NewService tracks the given sensor entities. Readings older than twice
// the control loop interval are considered stale.
func NewService(sensors []string, loopInterval time.Duration) *Service {
	s := &Service{
		readings:     make(map[string]Reading),
		history:      make(map[string]*sensorHistory),
		tracked:      make(map[string]bool, len(sensors)),
		maxAge:       2 * loopInterval,
		maxDelta:     env.Cfg.SensorMaxDelta,
		maxAnomalies: env.Cfg.SensorMaxAnomalies,
		notifier:     &realNotifier{},
	}
	for _, id := range sensors {
		s.tracked[id] = true
	}
	return s
}

// TestDeps holds test dependencies
type TestDeps struct {
	Notifier Notifier
}

// NewServiceForTest creates a service with injectable dependencies for testing
func NewServiceForTest(sensors []string, maxAge time.Duration, maxDelta float64, maxAnomalies int, deps *TestDeps) *Service {
	s := &Service{
		readings:     make(map[string]Reading),
		history:      make(map[string]*sensorHistory),
		tracked:      make(map[string]bool, len(sensors)),
		maxAge:       maxAge,
		maxDelta:     maxDelta,
		maxAnomalies: maxAnomalies,
		notifier:     deps.Notifier,
	}
	for _, id := range sensors {
		s.tracked[id] = true
	}
	return s
}

type realNotifier struct{}

func (r *realNotifier) Send(title, message string) error {
	return notifications.Send(title, message)
}

// Record feeds one reading into the cache and reports whether it was
// accepted. Untracked sensors are ignored.
func (s *Service) Record(sensorID string, temp float64, timestamp time.Time) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if !s.tracked[sensorID] {
		return false
	}

	history := s.history[sensorID]
	if history == nil {
		history = &sensorHistory{}
		s.history[sensorID] = history
	}

	reading := Reading{Temperature: temp, Timestamp: timestamp}

	if temp < minPlausible || temp > maxPlausible {
		log.Warn().Str("sensor", sensorID).Float64("temp", temp).Msg("Reading outside plausible range")
		s.rejectReading(sensorID, history, temp)
		return false
	}

	if !history.hasGood {
		history.lastGood = reading
		history.hasGood = true
		history.lastRaw = temp
		history.hasRaw = true
		s.readings[sensorID] = reading
		return true
	}

	if history.disabled {
		accepted := s.tryRecovery(sensorID, history, reading)
		history.lastRaw = temp
		history.hasRaw = true
		return accepted
	}

	delta := temp - history.lastGood.Temperature
	if delta < 0 {
		delta = -delta
	}
	if delta > s.maxDelta {
		log.Warn().
			Str("sensor", sensorID).
			Float64("temp", temp).
			Float64("last_good", history.lastGood.Temperature).
			Float64("delta", delta).
			Msg("Anomalous reading rejected")
		s.rejectReading(sensorID, history, temp)
		history.lastRaw = temp
		history.hasRaw = true
		return false
	}

	history.anomalies = 0
	history.lastGood = reading
	history.lastRaw = temp
	history.hasRaw = true
	s.readings[sensorID] = reading
	return true
}

func (s *Service) rejectReading(sensorID string, history *sensorHistory, temp float64) {
	history.anomalies++
	if history.disabled || history.anomalies < s.maxAnomalies {
		return
	}

	history.disabled = true
	history.disabledAt = time.Now()
	history.recoveries = 0

	log.Error().
		Str("sensor", sensorID).
		Int("anomalies", history.anomalies).
		Msg("Sensor disabled after repeated anomalous readings")

	if err := s.notifier.Send(
		"Sensor disabled",
		fmt.Sprintf("%s disabled after %d anomalous readings (last %.1f, last good %.1f)",
			sensorID, history.anomalies, temp, history.lastGood.Temperature),
	); err != nil {
		log.Warn().Err(err).Msg("Failed to send sensor disable notification")
	}
}

// tryRecovery counts consecutive stable readings while disabled. Stability
// is judged against the previous raw reading, not the stale last-good
// value, so a sensor that settled at a genuinely new level can come back.
func (s *Service) tryRecovery(sensorID string, history *sensorHistory, reading Reading) bool {
	if !history.hasRaw {
		return false
	}

	delta := reading.Temperature - history.lastRaw
	if delta < 0 {
		delta = -delta
	}
	if delta > s.maxDelta {
		history.recoveries = 0
		return false
	}

	history.recoveries++
	if history.recoveries < s.maxAnomalies {
		return false
	}

	history.disabled = false
	history.anomalies = 0
	history.recoveries = 0
	history.lastGood = reading
	s.readings[sensorID] = reading

	log.Info().
		Str("sensor", sensorID).
		Float64("temp", reading.Temperature).
		Msg("Sensor recovered after stable readings")

	if err := s.notifier.Send(
		"Sensor recovered",
		fmt.Sprintf("%s re-enabled at %.1f after stable readings", sensorID, reading.Temperature),
	); err != nil {
		log.Warn().Err(err).Msg("Failed to send sensor recovery notification")
	}
	return true
}

// GetTemperature returns the latest accepted reading, or false when the
// sensor is unknown, disabled or its reading has gone stale.
func (s *Service) GetTemperature(sensorID string) (float64, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	reading, exists := s.readings[sensorID]
	if !exists {
		log.Warn().Str("sensor", sensorID).Msg("No temperature reading available for sensor")
		return 0, false
	}

	if history := s.history[sensorID]; history != nil && history.disabled {
		log.Debug().Str("sensor", sensorID).Msg("Sensor is disabled")
		return 0, false
	}

	if time.Since(reading.Timestamp) > s.maxAge {
		log.Warn().
			Str("sensor", sensorID).
			Dur("age", time.Since(reading.Timestamp)).
			Msg("Temperature reading is stale")
		return 0, false
	}

	return reading.Temperature, true
}

// Disabled reports whether the anomaly filter has taken the sensor offline.
func (s *Service) Disabled(sensorID string) bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	history := s.history[sensorID]
	return history != nil && history.disabled
}

func (s *Service) GetAllReadings() map[string]Reading {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	// Return a copy to avoid race conditions
	result := make(map[string]Reading)
	for k, v := range s.readings {
		result[k] = v
	}
	return result
}
