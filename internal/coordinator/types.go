package coordinator

import (
	"context"
	"time"

	"codeberg.org/mutker/zemo/internal/schedule"
	"codeberg.org/mutker/zemo/internal/sensor"
	"codeberg.org/mutker/zemo/internal/settings"
)

// Trigger names what started a sampling operation.
type Trigger string

const (
	TriggerScheduled   Trigger = "scheduled"
	TriggerManual      Trigger = "manual"
	TriggerStartup     Trigger = "startup"
	TriggerSensorRead  Trigger = "sensor_read"
	TriggerCalibration Trigger = "calibration"
	TriggerRefresh     Trigger = "refresh"
	TriggerDelete      Trigger = "delete_history"
)

// SettingsSource is the runtime settings file. settings.Store implements it.
type SettingsSource interface {
	Snapshot() (settings.Snapshot, error)
	DeviceIdentity() (string, error)
}

// Pruner drops readings older than the retention period.
type Pruner interface {
	Prune(ctx context.Context, days int) (int64, error)
}

// Observer is notified of coordinator activity.
type Observer interface {
	SamplingChanged(active bool)
	CycleCompleted(trigger string, d time.Duration)
	Rejected(trigger string)
	ReadingTaken(kind sensor.Kind, value float64)
	SensorFailed(kind sensor.Kind)
	OutOfRange(kind sensor.Kind)
	AlertFailed()
}

type noopObserver struct{}

func (noopObserver) SamplingChanged(bool)                {}
func (noopObserver) CycleCompleted(string, time.Duration) {}
func (noopObserver) Rejected(string)                      {}
func (noopObserver) ReadingTaken(sensor.Kind, float64)    {}
func (noopObserver) SensorFailed(sensor.Kind)             {}
func (noopObserver) OutOfRange(sensor.Kind)               {}
func (noopObserver) AlertFailed()                         {}

// SensorResult is the outcome of reading one sensor.
type SensorResult struct {
	Sensor     sensor.Kind `json:"sensor"`
	Reading    string      `json:"reading"`
	Value      float64     `json:"value"`
	Valid      bool        `json:"valid"`
	OutOfRange bool        `json:"out_of_range"`
	Error      string      `json:"error,omitempty"`
}

// Report describes one sampling operation.
type Report struct {
	ID         string         `json:"id"`
	Trigger    Trigger        `json:"trigger"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Results    []SensorResult `json:"results"`
	Alerted    bool           `json:"alerted"`
	AlertError string         `json:"alert_error,omitempty"`
	Cancelled  bool           `json:"cancelled,omitempty"`
}

// OutOfRange returns the sensors whose reading left the acceptable range.
func (r *Report) OutOfRange() []sensor.Kind {
	var kinds []sensor.Kind
	for _, res := range r.Results {
		if res.OutOfRange {
			kinds = append(kinds, res.Sensor)
		}
	}
	return kinds
}

// SensorStatus is the current view of one sensor handle.
type SensorStatus struct {
	Sensor  sensor.Kind `json:"sensor"`
	Label   string      `json:"label"`
	Reading string      `json:"reading"`
	Low     float64     `json:"low"`
	High    float64     `json:"high"`
	LogFile string      `json:"log_file"`
}

// State is a point-in-time copy of the coordinator state.
type State struct {
	Sampling bool
	Armed    bool
	// RearmAt is the minute at which the scheduler re-arms, -1 when armed.
	RearmAt     int
	ReadsPerDay int
	DaysToKeep  int
	Slots       []schedule.Slot
	// NextRead is the next time the scheduler can fire, midnight included.
	NextRead  time.Time
	Sensors   []SensorStatus
	LastCycle *Report
}
