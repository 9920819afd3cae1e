package sensor

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/zemo/internal/settings"
)

// Fake is an in-memory Handle. Readings are served from Values in turn; the
// last value repeats once the list is exhausted.
type Fake struct {
	kind Kind

	// Delay is how long TakeRead blocks before returning.
	Delay time.Duration

	mu          sync.Mutex
	values      []string
	readErr     error
	calErr      error
	current     string
	low         float64
	high        float64
	device      string
	reads       int
	calibrated  int
	refreshes   int
	deletes     int
	inFlight    int32
	maxInFlight int32
}

// NewFake creates a Fake serving the given raw readings.
func NewFake(kind Kind, values ...string) *Fake {
	return &Fake{
		kind:   kind,
		values: values,
	}
}

// SetValues replaces the queued readings.
func (f *Fake) SetValues(values ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values = values
}

// SetValue queues a single numeric reading.
func (f *Fake) SetValue(v float64) {
	f.SetValues(strconv.FormatFloat(v, 'f', -1, 64))
}

// FailReads makes every following TakeRead return err.
func (f *Fake) FailReads(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readErr = err
}

// FailCalibration makes every following Calibrate return err.
func (f *Fake) FailCalibration(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calErr = err
}

func (f *Fake) Kind() Kind {
	return f.kind
}

func (f *Fake) Refresh(snap settings.Snapshot, device string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.refreshes++
	f.device = device
	if cfg, ok := snap.Sensor(string(f.kind)); ok {
		f.low = cfg.Low
		f.high = cfg.High
	}
}

func (f *Fake) TakeRead(ctx context.Context) error {
	n := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		peak := atomic.LoadInt32(&f.maxInFlight)
		if n <= peak || atomic.CompareAndSwapInt32(&f.maxInFlight, peak, n) {
			break
		}
	}

	if err := sleep(ctx, f.Delay); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.reads++
	if f.readErr != nil {
		return f.readErr
	}
	if len(f.values) > 0 {
		f.current = f.values[0]
		if len(f.values) > 1 {
			f.values = f.values[1:]
		}
	}

	return nil
}

func (f *Fake) CurrentReading() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

func (f *Fake) LowRange() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.low
}

func (f *Fake) HighRange() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.high
}

func (f *Fake) LogFileName() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return LogFileName(f.device, f.kind)
}

func (f *Fake) Calibrate(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calibrated++
	return f.calErr
}

func (f *Fake) DeleteHistory(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.deletes++
	return nil
}

// Reads returns how many times TakeRead was called.
func (f *Fake) Reads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

// Calibrations returns how many times Calibrate was called.
func (f *Fake) Calibrations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calibrated
}

// Refreshes returns how many times Refresh was called.
func (f *Fake) Refreshes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshes
}

// Deletes returns how many times DeleteHistory was called.
func (f *Fake) Deletes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deletes
}

// MaxConcurrentReads returns the highest number of overlapping TakeRead
// calls observed.
func (f *Fake) MaxConcurrentReads() int {
	return int(atomic.LoadInt32(&f.maxInFlight))
}
