// Package coordinator owns the sampling state machine. A background loop
// fires a sampling cycle on every trigger slot, and manual operations from
// the control surfaces share the same Idle to Sampling guard, so at most one
// sampling operation touches the sensors at any time.
package coordinator

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/zemo/internal/alert"
	"codeberg.org/mutker/zemo/internal/errors"
	"codeberg.org/mutker/zemo/internal/logger"
	"codeberg.org/mutker/zemo/internal/schedule"
	"codeberg.org/mutker/zemo/internal/sensor"
	"codeberg.org/mutker/zemo/internal/settings"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultInterval = time.Second

	noRearm = -1
)

type Coordinator struct {
	settings SettingsSource
	sensors  []sensor.Handle
	sink     alert.Sink
	pruner   Pruner
	observer Observer
	now      func() time.Time
	interval time.Duration
	logErr   func(error)
	log      logger.Logger

	running  atomic.Bool
	sampling atomic.Bool
	armed    atomic.Bool
	rearmAt  atomic.Int32
	// firedAt is the minute (Unix time / 60) of the last scheduled fire.
	// The scheduler stays disarmed through firedAt+1, the rearm minute.
	firedAt atomic.Int64

	mu           sync.RWMutex
	snapshot     settings.Snapshot
	haveSnapshot bool
	slots        []schedule.Slot
	last         *Report

	tasks errgroup.Group
}

type Option func(*Coordinator)

func WithObserver(o Observer) Option {
	return func(c *Coordinator) {
		c.observer = o
	}
}

// WithPruner enables history retention at the end of every full cycle.
func WithPruner(p Pruner) Option {
	return func(c *Coordinator) {
		c.pruner = p
	}
}

// WithInterval sets the background tick period.
func WithInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.interval = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// WithErrorLog routes caught faults to fn instead of logger.LogError.
func WithErrorLog(fn func(error)) Option {
	return func(c *Coordinator) {
		c.logErr = fn
	}
}

// New creates an idle, armed coordinator. Handles are visited in
// sensor.Order regardless of the order given.
func New(src SettingsSource, handles []sensor.Handle, sink alert.Sink, opts ...Option) *Coordinator {
	sorted := slices.Clone(handles)
	slices.SortStableFunc(sorted, func(a, b sensor.Handle) int {
		return orderOf(a.Kind()) - orderOf(b.Kind())
	})

	c := &Coordinator{
		settings: src,
		sensors:  sorted,
		sink:     sink,
		observer: noopObserver{},
		now:      time.Now,
		interval: DefaultInterval,
		logErr:   logger.LogError,
		log:      logger.With("coordinator"),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.armed.Store(true)
	c.rearmAt.Store(noRearm)
	c.firedAt.Store(-1)
	c.tasks.SetLimit(1)

	return c
}

func orderOf(k sensor.Kind) int {
	if i := slices.Index(sensor.Order, k); i >= 0 {
		return i
	}
	return len(sensor.Order)
}

// Run drives the scheduler until ctx is cancelled, then waits for a running
// cycle to finish.
func (c *Coordinator) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New().New(ErrAlreadyStarted)
	}
	defer c.running.Store(false)

	c.currentSettings()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.log.Info().
		Dur("interval", c.interval).
		Int("slots", len(c.Slots())).
		Msg("Scheduler started")

	for {
		select {
		case <-ctx.Done():
			// Cycles never return an error.
			_ = c.tasks.Wait()
			c.log.Info().Msg("Scheduler stopped")
			return nil
		case <-ticker.C:
			c.Tick(ctx, c.now())
		}
	}
}

// Tick evaluates the schedule once at now and reports whether a scheduled
// cycle was started. Only the background loop calls it.
func (c *Coordinator) Tick(ctx context.Context, now time.Time) bool {
	if c.sampling.Load() {
		return false
	}

	// Re-arm once the rearm minute (the one after the fire) has passed.
	// Counting in Unix minutes carries the :59 fire over the hour.
	minute := now.Unix() / 60
	if !c.armed.Load() && minute > c.firedAt.Load()+1 {
		c.armed.Store(true)
		c.rearmAt.Store(noRearm)
	}
	if !c.armed.Load() {
		return false
	}

	slot := schedule.At(now)
	if !schedule.Matches(slot.Hour, slot.Minute, c.Slots()) {
		return false
	}

	// A manual operation holds the sensors; armed stays set so the next
	// tick in this minute tries again.
	if !c.acquire() {
		return false
	}

	c.armed.Store(false)
	c.firedAt.Store(minute)
	c.rearmAt.Store(int32((now.Minute() + 1) % 60))

	c.log.Debug().
		Str("slot", slot.String()).
		Msg("Trigger slot reached")

	run := func() error {
		defer c.release()
		c.cycle(ctx, TriggerScheduled, true)
		return nil
	}
	if !c.tasks.TryGo(run) {
		c.logErr(errors.New().WithData(ErrCycleStart, slot.String()))
		_ = run()
	}

	return true
}

// RunCycle runs a full sampling cycle now. It fails with ErrResourceBusy
// when another sampling operation holds the sensors.
func (c *Coordinator) RunCycle(ctx context.Context) (*Report, error) {
	if !c.acquire() {
		return nil, c.busy(TriggerManual)
	}
	defer c.release()

	return c.cycle(ctx, TriggerManual, true), nil
}

// InitialRead reads every sensor once without evaluating alarms.
func (c *Coordinator) InitialRead(ctx context.Context) (*Report, error) {
	if !c.acquire() {
		return nil, c.busy(TriggerStartup)
	}
	defer c.release()

	return c.cycle(ctx, TriggerStartup, false), nil
}

// ReadSensor refreshes and reads one sensor. Alarms are not evaluated.
func (c *Coordinator) ReadSensor(ctx context.Context, kind sensor.Kind) (SensorResult, error) {
	h, err := c.handle(kind)
	if err != nil {
		return SensorResult{Sensor: kind}, err
	}
	if !c.acquire() {
		return SensorResult{Sensor: kind}, c.busy(TriggerSensorRead)
	}
	defer c.release()

	start := c.now()
	defer func() {
		c.observer.CycleCompleted(string(TriggerSensorRead), c.now().Sub(start))
	}()

	snap, _ := c.currentSettings()
	h.Refresh(snap, c.deviceIdentity())

	return c.read(ctx, h)
}

// Calibrate sends the sensor its calibration command and reads it
// afterwards.
func (c *Coordinator) Calibrate(ctx context.Context, kind sensor.Kind) (SensorResult, error) {
	h, err := c.handle(kind)
	if err != nil {
		return SensorResult{Sensor: kind}, err
	}
	if !c.acquire() {
		return SensorResult{Sensor: kind}, c.busy(TriggerCalibration)
	}
	defer c.release()

	start := c.now()
	defer func() {
		c.observer.CycleCompleted(string(TriggerCalibration), c.now().Sub(start))
	}()

	snap, _ := c.currentSettings()
	h.Refresh(snap, c.deviceIdentity())

	if err := h.Calibrate(ctx); err != nil {
		c.logErr(err)
		return SensorResult{Sensor: kind, Error: err.Error()}, err
	}

	c.log.Info().Str("sensor", string(kind)).Msg("Sensor calibrated")

	return c.read(ctx, h)
}

// RefreshSensors applies the current settings file to every sensor.
func (c *Coordinator) RefreshSensors(ctx context.Context) error {
	if !c.acquire() {
		return c.busy(TriggerRefresh)
	}
	defer c.release()

	snap, _, err := c.loadSettings()
	if err != nil {
		c.logErr(err)
		return err
	}
	device := c.deviceIdentity()
	for _, h := range c.sensors {
		if err := ctx.Err(); err != nil {
			return err
		}
		h.Refresh(snap, device)
	}

	c.log.Info().Str("device", device).Msg("Sensors refreshed")

	return nil
}

// DeleteHistory deletes the stored readings of every sensor. Every sensor is
// tried; the failures are reported together.
func (c *Coordinator) DeleteHistory(ctx context.Context) error {
	if !c.acquire() {
		return c.busy(TriggerDelete)
	}
	defer c.release()

	var errs []error
	for _, h := range c.sensors {
		if err := h.DeleteHistory(ctx); err != nil {
			c.logErr(err)
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.New().Wrap(ErrDeleteHistory, errors.Join(errs...))
	}

	c.log.Info().Msg("Reading history deleted")

	return nil
}

// Sampling reports whether a sampling operation is running. The control
// surfaces poll it to gate their input.
func (c *Coordinator) Sampling() bool {
	return c.sampling.Load()
}

// Slots returns the current trigger slots.
func (c *Coordinator) Slots() []schedule.Slot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.slots)
}

// Sensors returns the handles in visiting order.
func (c *Coordinator) Sensors() []sensor.Handle {
	return slices.Clone(c.sensors)
}

func (c *Coordinator) State() State {
	c.mu.RLock()
	st := State{
		ReadsPerDay: c.snapshot.ReadsPerDay,
		DaysToKeep:  c.snapshot.DaysToKeep,
		Slots:       slices.Clone(c.slots),
		LastCycle:   c.last,
	}
	c.mu.RUnlock()

	st.Sampling = c.sampling.Load()
	st.Armed = c.armed.Load()
	st.RearmAt = int(c.rearmAt.Load())
	st.NextRead = schedule.Next(c.nextFrom(), st.Slots)

	for _, h := range c.sensors {
		st.Sensors = append(st.Sensors, SensorStatus{
			Sensor:  h.Kind(),
			Label:   h.Kind().Label(),
			Reading: h.CurrentReading(),
			Low:     h.LowRange(),
			High:    h.HighRange(),
			LogFile: h.LogFileName(),
		})
	}

	return st
}

// nextFrom is the earliest time the scheduler may fire again. A disarmed
// scheduler waits out the rearm minute.
func (c *Coordinator) nextFrom() time.Time {
	now := c.now()
	if c.armed.Load() {
		return now
	}
	rearm := time.Unix((c.firedAt.Load()+2)*60, 0).In(now.Location())
	if rearm.After(now) {
		return rearm
	}
	return now
}

func (c *Coordinator) acquire() bool {
	if !c.sampling.CompareAndSwap(false, true) {
		return false
	}
	c.observer.SamplingChanged(true)
	return true
}

func (c *Coordinator) release() {
	c.observer.SamplingChanged(false)
	c.sampling.Store(false)
}

func (c *Coordinator) busy(trigger Trigger) error {
	c.observer.Rejected(string(trigger))
	return errors.New().WithData(ErrResourceBusy, string(trigger))
}

func (c *Coordinator) handle(kind sensor.Kind) (sensor.Handle, error) {
	h, ok := sensor.Find(c.sensors, kind)
	if !ok {
		return nil, errors.New().WithData(ErrUnknownSensor, string(kind))
	}
	return h, nil
}

// loadSettings fetches the settings snapshot and regenerates the slots when
// reads per day changed. On a fault the previous snapshot is kept and the
// bool reports whether any snapshot was ever loaded.
func (c *Coordinator) loadSettings() (settings.Snapshot, bool, error) {
	fresh, err := c.settings.Snapshot()

	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		return c.snapshot, c.haveSnapshot, err
	}

	if !c.haveSnapshot || fresh.ReadsPerDay != c.snapshot.ReadsPerDay {
		c.slots = schedule.DeriveSlots(fresh.ReadsPerDay)
		c.log.Info().
			Int("reads_per_day", fresh.ReadsPerDay).
			Int("slots", len(c.slots)).
			Msg("Trigger slots updated")
	}
	c.snapshot = fresh
	c.haveSnapshot = true

	return fresh, true, nil
}

// currentSettings is loadSettings with the fault routed to the error log.
func (c *Coordinator) currentSettings() (settings.Snapshot, bool) {
	snap, ok, err := c.loadSettings()
	if err != nil {
		c.logErr(err)
	}
	return snap, ok
}

func (c *Coordinator) deviceIdentity() string {
	device, err := c.settings.DeviceIdentity()
	if err != nil {
		c.logErr(err)
		return ""
	}
	return device
}
