package coordinator

import (
	"context"
	"strconv"
	"strings"

	"codeberg.org/mutker/zemo/internal/alert"
	"codeberg.org/mutker/zemo/internal/errors"
	"codeberg.org/mutker/zemo/internal/sensor"
	"github.com/google/uuid"
)

// cycle runs the sampling pipeline: load settings, refresh and read each
// sensor in order, collect the out-of-range set, raise one alert for it and
// prune the history. A failing step is logged and the cycle carries on.
// The caller holds the Sampling state.
func (c *Coordinator) cycle(ctx context.Context, trigger Trigger, alarms bool) *Report {
	report := &Report{
		ID:        uuid.NewString(),
		Trigger:   trigger,
		StartedAt: c.now(),
	}
	ctx = alert.WithCycle(ctx, report.ID)

	snap, haveSettings := c.currentSettings()
	if alarms && !haveSettings {
		// Without ranges every reading would look out of range.
		c.logErr(errors.New().WithData(ErrNoSettings, report.ID))
		alarms = false
	}
	device := c.deviceIdentity()

	var outOfRange []sensor.Handle
	for _, h := range c.sensors {
		if ctx.Err() != nil {
			report.Cancelled = true
			break
		}

		h.Refresh(snap, device)
		res, err := c.read(ctx, h)
		if err == nil && alarms && (res.Value < h.LowRange() || res.Value > h.HighRange()) {
			res.OutOfRange = true
			outOfRange = append(outOfRange, h)
			c.observer.OutOfRange(h.Kind())
		}
		report.Results = append(report.Results, res)
	}

	if len(outOfRange) > 0 {
		if err := c.sink.SendOutOfRange(ctx, outOfRange); err != nil {
			c.logErr(errors.New().Wrap(alert.ErrDispatchFailed, err))
			c.observer.AlertFailed()
			report.AlertError = err.Error()
		} else {
			report.Alerted = true
		}
	}

	if c.pruner != nil && haveSettings && !report.Cancelled {
		if _, err := c.pruner.Prune(ctx, snap.DaysToKeep); err != nil {
			c.logErr(errors.New().Wrap(ErrPruneHistory, err))
		}
	}

	report.FinishedAt = c.now()

	c.mu.Lock()
	c.last = report
	c.mu.Unlock()

	c.observer.CycleCompleted(string(trigger), report.FinishedAt.Sub(report.StartedAt))
	c.log.Info().
		Str("cycle", report.ID).
		Str("trigger", string(trigger)).
		Int("sensors", len(report.Results)).
		Int("out_of_range", len(outOfRange)).
		Bool("cancelled", report.Cancelled).
		Msg("Sampling cycle completed")

	return report
}

// read takes one reading and parses it. A failed or non-numeric reading is
// logged and returned as an error.
func (c *Coordinator) read(ctx context.Context, h sensor.Handle) (SensorResult, error) {
	res := SensorResult{Sensor: h.Kind()}

	if err := h.TakeRead(ctx); err != nil {
		c.logErr(err)
		c.observer.SensorFailed(h.Kind())
		res.Error = err.Error()
		return res, err
	}

	res.Reading = h.CurrentReading()
	value, err := strconv.ParseFloat(strings.TrimSpace(res.Reading), 64)
	if err != nil {
		err := errors.New().WithData(ErrInvalidReading, struct {
			Sensor  sensor.Kind
			Reading string
		}{
			Sensor:  h.Kind(),
			Reading: res.Reading,
		})
		c.logErr(err)
		c.observer.SensorFailed(h.Kind())
		res.Error = err.Error()
		return res, err
	}

	res.Value = value
	res.Valid = true
	c.observer.ReadingTaken(h.Kind(), value)

	return res, nil
}
