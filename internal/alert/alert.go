// Package alert delivers out-of-range notifications. A sampling cycle hands
// every sensor whose reading left its acceptable range to a Sink in one call.
package alert

import (
	"context"
	"encoding/json"
	"time"

	"codeberg.org/mutker/zemo/internal/errors"
	"codeberg.org/mutker/zemo/internal/logger"
	"codeberg.org/mutker/zemo/internal/sensor"
)

// Sink receives the out-of-range set of a sampling cycle.
type Sink interface {
	SendOutOfRange(ctx context.Context, handles []sensor.Handle) error
}

type cycleKey struct{}

// WithCycle tags ctx with the id of the sampling cycle raising the alert.
func WithCycle(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, cycleKey{}, id)
}

// CycleFrom returns the cycle id stored by WithCycle.
func CycleFrom(ctx context.Context) string {
	id, _ := ctx.Value(cycleKey{}).(string)
	return id
}

// Payload is the JSON body of an alert.
type Payload struct {
	Cycle     string          `json:"cycle,omitempty"`
	Device    string          `json:"device"`
	Timestamp string          `json:"timestamp"`
	Sensors   []SensorPayload `json:"sensors"`
}

type SensorPayload struct {
	Sensor  string  `json:"sensor"`
	Label   string  `json:"label"`
	Reading string  `json:"reading"`
	Low     float64 `json:"low"`
	High    float64 `json:"high"`
	LogFile string  `json:"log_file"`
}

// FormatPayload creates the JSON payload for an out-of-range alert.
func FormatPayload(device, cycle string, at time.Time, handles []sensor.Handle) ([]byte, error) {
	payload := Payload{
		Cycle:     cycle,
		Device:    device,
		Timestamp: at.UTC().Format(time.RFC3339),
		Sensors:   make([]SensorPayload, 0, len(handles)),
	}
	for _, h := range handles {
		payload.Sensors = append(payload.Sensors, SensorPayload{
			Sensor:  string(h.Kind()),
			Label:   h.Kind().Label(),
			Reading: h.CurrentReading(),
			Low:     h.LowRange(),
			High:    h.HighRange(),
			LogFile: h.LogFileName(),
		})
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.New().Wrap(ErrFormatPayload, err)
	}
	return data, nil
}

// LogSink writes each out-of-range reading as a warning.
type LogSink struct {
	log logger.Logger
}

func NewLogSink() *LogSink {
	return &LogSink{log: logger.With("alert")}
}

func (s *LogSink) SendOutOfRange(ctx context.Context, handles []sensor.Handle) error {
	for _, h := range handles {
		s.log.Warn().
			Str("cycle", CycleFrom(ctx)).
			Str("sensor", string(h.Kind())).
			Str("reading", h.CurrentReading()).
			Float64("low", h.LowRange()).
			Float64("high", h.HighRange()).
			Msg("Reading out of range")
	}
	return nil
}

// Multi fans an alert out to several sinks. Every sink is tried; the
// failures are reported together.
type Multi []Sink

func (m Multi) SendOutOfRange(ctx context.Context, handles []sensor.Handle) error {
	var errs []error
	for _, s := range m {
		if err := s.SendOutOfRange(ctx, handles); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}

	return errors.New().Wrap(ErrDispatchFailed, errors.Join(errs...))
}
