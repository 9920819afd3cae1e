package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/zemo/internal/alert"
	"codeberg.org/mutker/zemo/internal/errors"
	"codeberg.org/mutker/zemo/internal/schedule"
	"codeberg.org/mutker/zemo/internal/sensor"
	"codeberg.org/mutker/zemo/internal/settings"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSettings struct {
	mu     sync.Mutex
	snap   settings.Snapshot
	err    error
	device string
}

func (f *fakeSettings) Snapshot() (settings.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap, f.err
}

func (f *fakeSettings) DeviceIdentity() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.device, nil
}

func (f *fakeSettings) set(snap settings.Snapshot, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap = snap
	f.err = err
}

type errorLog struct {
	mu   sync.Mutex
	errs []error
}

func (l *errorLog) log(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs = append(l.errs, err)
}

func (l *errorLog) has(code errors.ErrorCode) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, err := range l.errs {
		if errors.HasCode(err, code) {
			return true
		}
	}
	return false
}

type fakePruner struct {
	mu   sync.Mutex
	days []int
}

func (p *fakePruner) Prune(_ context.Context, days int) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.days = append(p.days, days)
	return 0, nil
}

type recordingObserver struct {
	noopObserver
	mu       sync.Mutex
	changes  []bool
	rejected []string
}

func (o *recordingObserver) SamplingChanged(active bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.changes = append(o.changes, active)
}

func (o *recordingObserver) Rejected(trigger string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rejected = append(o.rejected, trigger)
}

func testSnapshot(readsPerDay int) settings.Snapshot {
	return settings.Snapshot{
		DaysToKeep:  7,
		ReadsPerDay: readsPerDay,
		Sensors: map[string]settings.SensorSettings{
			"temperature":      {Low: 10, High: 30},
			"conductivity":     {Low: 0, High: 500},
			"ph":               {Low: 6.5, High: 8.5},
			"dissolved_oxygen": {Low: 5, High: 12},
		},
	}
}

type fixture struct {
	c        *Coordinator
	settings *fakeSettings
	sink     *alert.Fake
	errs     *errorLog
	temp     *sensor.Fake
	cond     *sensor.Fake
	ph       *sensor.Fake
	do       *sensor.Fake
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	f := &fixture{
		settings: &fakeSettings{snap: testSnapshot(24), device: "tank1"},
		sink:     alert.NewFake(),
		errs:     &errorLog{},
		temp:     sensor.NewFake(sensor.Temperature, "25"),
		cond:     sensor.NewFake(sensor.Conductivity, "420"),
		ph:       sensor.NewFake(sensor.PH, "7.1"),
		do:       sensor.NewFake(sensor.DissolvedOxygen, "8.0"),
	}
	opts = append([]Option{WithErrorLog(f.errs.log)}, opts...)
	handles := []sensor.Handle{f.do, f.ph, f.cond, f.temp}
	f.c = New(f.settings, handles, f.sink, opts...)

	return f
}

// load fetches the settings so that the trigger slots exist.
func (f *fixture) load(t *testing.T) {
	t.Helper()
	_, ok := f.c.currentSettings()
	require.True(t, ok)
}

func at(hour, minute, second int) time.Time {
	return time.Date(2024, 1, 15, hour, minute, second, 0, time.UTC)
}

func TestNewStartsIdleAndArmed(t *testing.T) {
	f := newFixture(t)
	st := f.c.State()

	assert.False(t, st.Sampling)
	assert.True(t, st.Armed)
	assert.Equal(t, -1, st.RearmAt)
	assert.Nil(t, st.LastCycle)

	var order []sensor.Kind
	for _, s := range st.Sensors {
		order = append(order, s.Sensor)
	}
	assert.Equal(t, sensor.Order, order)
}

func TestTickFiresOncePerMinute(t *testing.T) {
	f := newFixture(t)
	f.load(t)
	ctx := context.Background()

	fired := 0
	for s := 0; s < 60; s++ {
		if f.c.Tick(ctx, at(1, 0, s)) {
			fired++
		}
		if s == 0 {
			require.NoError(t, f.c.tasks.Wait())
		}
	}
	require.NoError(t, f.c.tasks.Wait())

	assert.Equal(t, 1, fired)
	assert.Equal(t, 1, f.temp.Reads())

	st := f.c.State()
	assert.False(t, st.Sampling)
	assert.False(t, st.Armed)
	assert.Equal(t, 1, st.RearmAt)
	require.NotNil(t, st.LastCycle)
	assert.Equal(t, TriggerScheduled, st.LastCycle.Trigger)
}

func TestTickRearmsAfterRearmMinutePasses(t *testing.T) {
	f := newFixture(t)
	f.load(t)
	ctx := context.Background()

	require.True(t, f.c.Tick(ctx, at(2, 0, 0)))
	require.NoError(t, f.c.tasks.Wait())

	assert.False(t, f.c.Tick(ctx, at(2, 1, 30)))
	st := f.c.State()
	assert.False(t, st.Armed, "still disarmed during the rearm minute")
	assert.Equal(t, 1, st.RearmAt)

	assert.False(t, f.c.Tick(ctx, at(2, 2, 0)))
	st = f.c.State()
	assert.True(t, st.Armed)
	assert.Equal(t, -1, st.RearmAt)

	require.True(t, f.c.Tick(ctx, at(3, 0, 0)))
	require.NoError(t, f.c.tasks.Wait())
	assert.Equal(t, 2, f.temp.Reads())
}

func TestStateNextRead(t *testing.T) {
	now := at(1, 30, 0)
	f := newFixture(t, WithClock(func() time.Time { return now }))
	f.load(t)
	ctx := context.Background()

	assert.Equal(t, at(2, 0, 0), f.c.State().NextRead)

	now = at(2, 0, 10)
	require.True(t, f.c.Tick(ctx, now))
	require.NoError(t, f.c.tasks.Wait())
	assert.Equal(t, at(3, 0, 0), f.c.State().NextRead, "the fired slot is not offered again")

	now = at(23, 10, 0)
	f.c.Tick(ctx, now)
	assert.Equal(t, at(0, 0, 0).AddDate(0, 0, 1), f.c.State().NextRead)
}

func TestTickRearmWrapsAtHourEnd(t *testing.T) {
	f := newFixture(t)
	f.load(t)
	f.c.mu.Lock()
	f.c.slots = []schedule.Slot{{Hour: 5, Minute: 59}}
	f.c.mu.Unlock()
	ctx := context.Background()

	require.True(t, f.c.Tick(ctx, at(5, 59, 30)))
	require.NoError(t, f.c.tasks.Wait())
	assert.Equal(t, 0, f.c.State().RearmAt)

	f.c.Tick(ctx, at(6, 0, 0))
	assert.False(t, f.c.State().Armed)

	f.c.Tick(ctx, at(6, 1, 0))
	assert.True(t, f.c.State().Armed)
}

func TestTickMidnightAnchor(t *testing.T) {
	f := newFixture(t)
	f.settings.set(testSnapshot(1), nil)
	f.load(t)
	require.Empty(t, f.c.Slots())
	ctx := context.Background()

	assert.False(t, f.c.Tick(ctx, at(12, 0, 0)))
	assert.True(t, f.c.Tick(ctx, at(0, 0, 5)))
	require.NoError(t, f.c.tasks.Wait())
	assert.Equal(t, 1, f.temp.Reads())
}

func TestTickIgnoresNonSlotMinutes(t *testing.T) {
	f := newFixture(t)
	f.load(t)

	assert.False(t, f.c.Tick(context.Background(), at(1, 30, 0)))
	assert.Zero(t, f.temp.Reads())
	assert.True(t, f.c.State().Armed)
}

func TestTickRetriesWhileManualReadRuns(t *testing.T) {
	f := newFixture(t)
	f.load(t)
	ctx := context.Background()

	require.True(t, f.c.acquire())
	assert.False(t, f.c.Tick(ctx, at(4, 0, 0)))
	assert.True(t, f.c.State().Armed)
	f.c.release()

	assert.True(t, f.c.Tick(ctx, at(4, 0, 1)))
	require.NoError(t, f.c.tasks.Wait())
	assert.Equal(t, 1, f.temp.Reads())
}

func TestTickRunsSynchronouslyWhenTaskCannotStart(t *testing.T) {
	f := newFixture(t)
	f.load(t)

	block := make(chan struct{})
	f.c.tasks.Go(func() error {
		<-block
		return nil
	})

	require.True(t, f.c.Tick(context.Background(), at(6, 0, 0)))
	assert.Equal(t, 1, f.temp.Reads())
	assert.False(t, f.c.Sampling())
	assert.True(t, f.errs.has(ErrCycleStart))

	close(block)
	require.NoError(t, f.c.tasks.Wait())
}

func TestRunCycleRaisesOneAlert(t *testing.T) {
	f := newFixture(t)
	f.cond.SetValues("999")

	report, err := f.c.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []sensor.Kind{sensor.Conductivity}, report.OutOfRange())
	assert.Equal(t, [][]sensor.Kind{{sensor.Conductivity}}, f.sink.Calls())
	assert.True(t, report.Alerted)
	assert.NotEmpty(t, report.ID)
	assert.Len(t, report.Results, 4)
	assert.False(t, f.c.Sampling())
}

func TestRunCycleTwoSensors(t *testing.T) {
	src := &fakeSettings{snap: testSnapshot(24)}
	temp := sensor.NewFake(sensor.Temperature, "25")
	cond := sensor.NewFake(sensor.Conductivity, "999")
	sink := alert.NewFake()
	c := New(src, []sensor.Handle{temp, cond}, sink, WithErrorLog(func(error) {}))

	report, err := c.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []sensor.Kind{sensor.Conductivity}, report.OutOfRange())
	assert.Equal(t, [][]sensor.Kind{{sensor.Conductivity}}, sink.Calls())
}

func TestRunCycleGroupsAllOutOfRangeSensors(t *testing.T) {
	f := newFixture(t)
	f.temp.SetValues("35")
	f.ph.SetValues("5.9")

	_, err := f.c.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, [][]sensor.Kind{{sensor.Temperature, sensor.PH}}, f.sink.Calls())
}

func TestRunCycleNoAlertWhenInRange(t *testing.T) {
	f := newFixture(t)

	report, err := f.c.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Empty(t, report.OutOfRange())
	assert.Empty(t, f.sink.Calls())
	assert.False(t, report.Alerted)
}

func TestRunCycleExcludesFailedSensors(t *testing.T) {
	f := newFixture(t)
	f.temp.FailReads(errors.New().New(sensor.ErrReadFailed))
	f.ph.SetValues("n/a")
	f.cond.SetValues("999")

	report, err := f.c.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, [][]sensor.Kind{{sensor.Conductivity}}, f.sink.Calls())
	assert.Equal(t, 1, f.do.Reads())
	assert.False(t, f.c.Sampling())

	assert.False(t, report.Results[0].Valid)
	assert.NotEmpty(t, report.Results[0].Error)
	assert.False(t, report.Results[2].Valid)
	assert.True(t, f.errs.has(sensor.ErrReadFailed))
	assert.True(t, f.errs.has(ErrInvalidReading))
}

func TestRunCycleAlertFailureIsLogged(t *testing.T) {
	f := newFixture(t)
	f.cond.SetValues("999")
	f.sink.Fail(errors.New().New(errors.ErrUnavailable))

	report, err := f.c.RunCycle(context.Background())
	require.NoError(t, err)

	assert.False(t, report.Alerted)
	assert.NotEmpty(t, report.AlertError)
	assert.True(t, f.errs.has(alert.ErrDispatchFailed))
}

func TestRunCycleKeepsSlotsOnSettingsFault(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.c.RunCycle(ctx)
	require.NoError(t, err)
	slots := f.c.Slots()
	require.Len(t, slots, 23)

	f.settings.set(settings.Snapshot{}, errors.New().New(settings.ErrInvalidValue))
	f.cond.SetValues("999")

	_, err = f.c.RunCycle(ctx)
	require.NoError(t, err)

	assert.Equal(t, slots, f.c.Slots())
	assert.Equal(t, 24, f.c.State().ReadsPerDay)
	assert.True(t, f.errs.has(settings.ErrInvalidValue))
	// The previous ranges still apply.
	assert.Equal(t, [][]sensor.Kind{{sensor.Conductivity}}, f.sink.Calls())
}

func TestRunCycleRecomputesSlots(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.c.RunCycle(ctx)
	require.NoError(t, err)
	require.Len(t, f.c.Slots(), 23)

	f.settings.set(testSnapshot(4), nil)
	_, err = f.c.RunCycle(ctx)
	require.NoError(t, err)

	assert.Equal(t, []schedule.Slot{{Hour: 6}, {Hour: 12}, {Hour: 18}}, f.c.Slots())
}

func TestRunCycleWithoutSettingsSkipsAlarms(t *testing.T) {
	f := newFixture(t)
	f.settings.set(settings.Snapshot{}, errors.New().New(settings.ErrReadSettings))

	report, err := f.c.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Empty(t, f.sink.Calls())
	assert.Len(t, report.Results, 4)
	assert.True(t, f.errs.has(ErrNoSettings))
}

func TestRunCyclePrunesHistory(t *testing.T) {
	pruner := &fakePruner{}
	f := newFixture(t, WithPruner(pruner))

	_, err := f.c.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []int{7}, pruner.days)
}

func TestRunCycleStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := f.c.RunCycle(ctx)
	require.NoError(t, err)

	assert.True(t, report.Cancelled)
	assert.Zero(t, f.temp.Reads())
	assert.False(t, f.c.Sampling())
}

func TestInitialReadSkipsAlarms(t *testing.T) {
	f := newFixture(t)
	f.cond.SetValues("999")

	report, err := f.c.InitialRead(context.Background())
	require.NoError(t, err)

	assert.Equal(t, TriggerStartup, report.Trigger)
	assert.Empty(t, f.sink.Calls())
	assert.Equal(t, "999", f.cond.CurrentReading())
}

func TestManualRequestRejectedWhileSampling(t *testing.T) {
	obs := &recordingObserver{}
	f := newFixture(t, WithObserver(obs))
	f.temp.Delay = 100 * time.Millisecond
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = f.c.RunCycle(ctx)
	}()
	require.Eventually(t, f.c.Sampling, time.Second, time.Millisecond)

	_, err := f.c.RunCycle(ctx)
	assert.True(t, errors.HasCode(err, errors.ErrResourceBusy))

	_, err = f.c.ReadSensor(ctx, sensor.Temperature)
	assert.True(t, errors.HasCode(err, errors.ErrResourceBusy))

	_, err = f.c.Calibrate(ctx, sensor.PH)
	assert.True(t, errors.HasCode(err, errors.ErrResourceBusy))

	assert.False(t, f.c.Tick(ctx, at(1, 0, 0)))

	<-done
	assert.Equal(t, 1, f.temp.Reads())
	assert.Equal(t, 1, f.temp.MaxConcurrentReads())
	assert.Zero(t, f.ph.Calibrations())
	assert.Equal(t, []string{"manual", "sensor_read", "calibration"}, obs.rejected)
	assert.Equal(t, []bool{true, false}, obs.changes)
}

func TestConcurrentRequestsNeverOverlap(t *testing.T) {
	f := newFixture(t)
	for _, h := range []*sensor.Fake{f.temp, f.cond, f.ph, f.do} {
		h.Delay = 5 * time.Millisecond
	}
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_, _ = f.c.RunCycle(ctx)
				return
			}
			_, _ = f.c.ReadSensor(ctx, sensor.Temperature)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, f.temp.MaxConcurrentReads())
	assert.Equal(t, 1, f.cond.MaxConcurrentReads())
	assert.False(t, f.c.Sampling())
}

func TestReadSensor(t *testing.T) {
	f := newFixture(t)
	f.ph.SetValues("9.9")

	res, err := f.c.ReadSensor(context.Background(), sensor.PH)
	require.NoError(t, err)

	assert.Equal(t, 9.9, res.Value)
	assert.True(t, res.Valid)
	assert.False(t, res.OutOfRange)
	assert.Empty(t, f.sink.Calls())
	assert.Equal(t, 1, f.ph.Reads())
	assert.Zero(t, f.temp.Reads())
	assert.Equal(t, 8.5, f.ph.HighRange())
	assert.Equal(t, "tank1_ph_log.csv", f.ph.LogFileName())
	assert.False(t, f.c.Sampling())
}

func TestReadSensorUnknown(t *testing.T) {
	f := newFixture(t)

	_, err := f.c.ReadSensor(context.Background(), sensor.Kind("salinity"))
	assert.True(t, errors.HasCode(err, ErrUnknownSensor))
	assert.False(t, f.c.Sampling())
}

func TestCalibrate(t *testing.T) {
	f := newFixture(t)

	res, err := f.c.Calibrate(context.Background(), sensor.PH)
	require.NoError(t, err)
	assert.Equal(t, 7.1, res.Value)
	assert.Equal(t, 1, f.ph.Calibrations())
	assert.Equal(t, 1, f.ph.Reads())

	f.ph.FailCalibration(errors.New().New(sensor.ErrCalibrationFailed))
	_, err = f.c.Calibrate(context.Background(), sensor.PH)
	require.Error(t, err)
	assert.Equal(t, 1, f.ph.Reads())
	assert.True(t, f.errs.has(sensor.ErrCalibrationFailed))
	assert.False(t, f.c.Sampling())
}

func TestRefreshSensors(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.c.RefreshSensors(context.Background()))
	assert.Equal(t, 1, f.do.Refreshes())
	assert.Equal(t, 12.0, f.do.HighRange())
	assert.Len(t, f.c.Slots(), 23)

	f.settings.set(settings.Snapshot{}, errors.New().New(settings.ErrMissingValue))
	err := f.c.RefreshSensors(context.Background())
	assert.True(t, errors.HasCode(err, settings.ErrMissingValue))
}

func TestDeleteHistory(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.c.DeleteHistory(context.Background()))
	for _, h := range []*sensor.Fake{f.temp, f.cond, f.ph, f.do} {
		assert.Equal(t, 1, h.Deletes())
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	clock := at(1, 0, 0)
	f := newFixture(t, WithInterval(5*time.Millisecond), WithClock(func() time.Time { return clock }))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- f.c.Run(ctx)
	}()

	require.Eventually(t, func() bool { return f.temp.Reads() == 1 }, time.Second, time.Millisecond)
	assert.ErrorIs(t, f.c.Run(ctx), errors.New().New(ErrAlreadyStarted))

	// Many more ticks in the same minute must not fire again.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
	assert.Equal(t, 1, f.temp.Reads())
}
