// Package sensor provides the handles for the four water-quality probes.
// The coordinator drives them only through the Handle interface; Probe talks
// to a UART probe and Fake stands in for hardware in tests.
package sensor

import (
	"context"
	"fmt"
	"time"

	"codeberg.org/mutker/zemo/internal/settings"
)

// Kind identifies a sensor. Its string form is the key used in the settings
// file and in the reading history.
type Kind string

const (
	Temperature     Kind = "temperature"
	Conductivity    Kind = "conductivity"
	PH              Kind = "ph"
	DissolvedOxygen Kind = "dissolved_oxygen"
)

// Order is the fixed order in which a sampling cycle visits the sensors.
var Order = []Kind{Temperature, Conductivity, PH, DissolvedOxygen}

// Label returns the display name of the sensor.
func (k Kind) Label() string {
	switch k {
	case Temperature:
		return "Temperature"
	case Conductivity:
		return "Conductivity"
	case PH:
		return "pH"
	case DissolvedOxygen:
		return "Dissolved Oxygen"
	default:
		return string(k)
	}
}

// ParseKind resolves a sensor name.
func ParseKind(name string) (Kind, bool) {
	for _, k := range Order {
		if string(k) == name {
			return k, true
		}
	}
	return "", false
}

// Handle is one physical sensor.
type Handle interface {
	Kind() Kind
	// Refresh applies the sensor's subset of the settings snapshot.
	Refresh(snap settings.Snapshot, device string)
	// TakeRead acquires a reading and stores it as the current reading.
	TakeRead(ctx context.Context) error
	// CurrentReading returns the last reading as reported by the probe.
	CurrentReading() string
	LowRange() float64
	HighRange() float64
	LogFileName() string
	Calibrate(ctx context.Context) error
	DeleteHistory(ctx context.Context) error
}

// Reading is one acquired value as stored in the reading history.
type Reading struct {
	Sensor  Kind
	Device  string
	Value   float64
	Raw     string
	TakenAt time.Time
}

// Recorder persists readings. The history package implements it.
type Recorder interface {
	Record(ctx context.Context, r Reading) error
	DeleteSensor(ctx context.Context, sensor Kind) error
}

// LogFileName is the CSV file name used when exporting a sensor's history.
func LogFileName(device string, kind Kind) string {
	if device == "" {
		return fmt.Sprintf("%s_log.csv", kind)
	}
	return fmt.Sprintf("%s_%s_log.csv", device, kind)
}

// Find returns the handle of the given kind.
func Find(handles []Handle, kind Kind) (Handle, bool) {
	for _, h := range handles {
		if h.Kind() == kind {
			return h, true
		}
	}
	return nil, false
}
