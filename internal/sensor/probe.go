package sensor

import (
	"context"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"codeberg.org/mutker/zemo/internal/errors"
	"codeberg.org/mutker/zemo/internal/logger"
	"codeberg.org/mutker/zemo/internal/settings"
)

const (
	defaultReadDelay      = 900 * time.Millisecond
	defaultCalibrateDelay = 1300 * time.Millisecond
	defaultTimeout        = 2 * time.Second
	pollTimeout           = 100 * time.Millisecond

	respOK    = "*OK"
	respError = "*ER"
)

// Default single-point calibration commands, used when the settings file
// does not name one.
var defaultCalibration = map[Kind]string{
	Temperature:     "Cal,25.0",
	Conductivity:    "Cal,dry",
	PH:              "Cal,mid,7.00",
	DissolvedOxygen: "Cal",
}

// Port is the byte stream to a probe. go.bug.st/serial ports satisfy it.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

// Probe is a Handle for a probe that speaks the EZO text protocol: a
// command terminated by CR, answered by CR-terminated lines, with "*OK" and
// "*ER" as status responses.
type Probe struct {
	kind     Kind
	port     Port
	recorder Recorder
	now      func() time.Time
	log      logger.Logger

	readDelay      time.Duration
	calibrateDelay time.Duration
	timeout        time.Duration

	// ioMu serialises commands on the port.
	ioMu sync.Mutex

	mu          sync.RWMutex
	current     string
	low         float64
	high        float64
	calibration string
	device      string
}

// Option configures a Probe.
type Option func(*Probe)

// WithRecorder stores every numeric reading in r.
func WithRecorder(r Recorder) Option {
	return func(p *Probe) {
		p.recorder = r
	}
}

// WithDelays overrides how long the probe is given to answer a read and a
// calibration command, and how long to wait for the answer.
func WithDelays(read, calibrate, timeout time.Duration) Option {
	return func(p *Probe) {
		p.readDelay = read
		p.calibrateDelay = calibrate
		p.timeout = timeout
	}
}

// WithTimeout bounds how long to wait for a response line.
func WithTimeout(d time.Duration) Option {
	return func(p *Probe) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithClock sets the time source used to stamp readings.
func WithClock(now func() time.Time) Option {
	return func(p *Probe) {
		p.now = now
	}
}

// NewProbe creates a Probe on an open port.
func NewProbe(kind Kind, port Port, opts ...Option) *Probe {
	p := &Probe{
		kind:           kind,
		port:           port,
		now:            time.Now,
		log:            logger.With("sensor"),
		readDelay:      defaultReadDelay,
		calibrateDelay: defaultCalibrateDelay,
		timeout:        defaultTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}

	return p
}

func (p *Probe) Kind() Kind {
	return p.kind
}

func (p *Probe) Refresh(snap settings.Snapshot, device string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.device = device
	if cfg, ok := snap.Sensor(string(p.kind)); ok {
		p.low = cfg.Low
		p.high = cfg.High
		p.calibration = cfg.Calibration
	}
}

func (p *Probe) TakeRead(ctx context.Context) error {
	errFactory := errors.New()

	resp, err := p.command(ctx, "R", p.readDelay, true)
	if err != nil {
		return errFactory.Wrap(ErrReadFailed, err)
	}

	// Multi-output probes answer with a comma-separated list; the first
	// field is the primary measurement.
	raw := strings.TrimSpace(strings.Split(resp, ",")[0])
	takenAt := p.now()

	p.mu.Lock()
	p.current = raw
	device := p.device
	p.mu.Unlock()

	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return errFactory.WithData(ErrInvalidReading, struct {
			Sensor Kind
			Raw    string
		}{
			Sensor: p.kind,
			Raw:    resp,
		})
	}

	p.log.Debug().
		Str("sensor", string(p.kind)).
		Float64("value", value).
		Msg("Reading taken")

	if p.recorder != nil {
		err := p.recorder.Record(ctx, Reading{
			Sensor:  p.kind,
			Device:  device,
			Value:   value,
			Raw:     resp,
			TakenAt: takenAt,
		})
		if err != nil {
			p.log.LogError(errFactory.Wrap(ErrHistoryFailed, err))
		}
	}

	return nil
}

func (p *Probe) CurrentReading() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

func (p *Probe) LowRange() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.low
}

func (p *Probe) HighRange() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.high
}

func (p *Probe) LogFileName() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return LogFileName(p.device, p.kind)
}

func (p *Probe) Calibrate(ctx context.Context) error {
	p.mu.RLock()
	cmd := p.calibration
	p.mu.RUnlock()
	if cmd == "" {
		cmd = defaultCalibration[p.kind]
	}

	if _, err := p.command(ctx, cmd, p.calibrateDelay, false); err != nil {
		return errors.New().Wrap(ErrCalibrationFailed, err)
	}

	p.log.Info().
		Str("sensor", string(p.kind)).
		Str("command", cmd).
		Msg("Calibration accepted")

	return nil
}

func (p *Probe) DeleteHistory(ctx context.Context) error {
	if p.recorder == nil {
		return nil
	}
	if err := p.recorder.DeleteSensor(ctx, p.kind); err != nil {
		return errors.New().Wrap(ErrHistoryFailed, err)
	}

	return nil
}

// Close releases the port.
func (p *Probe) Close() error {
	return p.port.Close()
}

func (p *Probe) command(ctx context.Context, cmd string, wait time.Duration, expectData bool) (string, error) {
	p.ioMu.Lock()
	defer p.ioMu.Unlock()

	if err := p.port.ResetInputBuffer(); err != nil {
		return "", err
	}
	if _, err := p.port.Write([]byte(cmd + "\r")); err != nil {
		return "", err
	}
	if err := sleep(ctx, wait); err != nil {
		return "", err
	}

	return p.response(ctx, cmd, expectData)
}

// response reads CR-terminated lines until a data line (expectData) or a
// status line arrives.
func (p *Probe) response(ctx context.Context, cmd string, expectData bool) (string, error) {
	errFactory := errors.New()

	deadline := time.Now().Add(p.timeout)
	buf := make([]byte, 64)
	var line []byte

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if time.Now().After(deadline) {
			return "", errFactory.WithData(ErrResponseTimeout, cmd)
		}

		n, err := p.port.Read(buf)
		if err != nil {
			return "", err
		}

		for _, b := range buf[:n] {
			if b != '\r' && b != '\n' {
				line = append(line, b)
				continue
			}
			resp := strings.TrimSpace(string(line))
			line = line[:0]

			switch {
			case resp == "":
			case strings.HasPrefix(resp, respError):
				return "", errFactory.WithData(ErrDeviceError, cmd)
			case resp == respOK:
				if !expectData {
					return resp, nil
				}
			case strings.HasPrefix(resp, "*"):
				// wake, sleep and reset notices
			case expectData:
				return resp, nil
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
