package sensor

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/zemo/internal/errors"
	"codeberg.org/mutker/zemo/internal/settings"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedPort answers each command with a canned reply.
type scriptedPort struct {
	mu       sync.Mutex
	replies  map[string]string
	commands []string
	pending  bytes.Buffer
	closed   bool
}

func newScriptedPort(replies map[string]string) *scriptedPort {
	return &scriptedPort{replies: replies}
}

func (p *scriptedPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cmd := strings.TrimSuffix(string(b), "\r")
	p.commands = append(p.commands, cmd)
	p.pending.WriteString(p.replies[cmd])

	return len(b), nil
}

func (p *scriptedPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pending.Len() == 0 {
		p.mu.Unlock()
		time.Sleep(time.Millisecond)
		p.mu.Lock()
		return 0, nil
	}

	return p.pending.Read(b)
}

func (p *scriptedPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (*scriptedPort) SetReadTimeout(time.Duration) error { return nil }

func (p *scriptedPort) ResetInputBuffer() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending.Reset()
	return nil
}

func (p *scriptedPort) Commands() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.commands...)
}

type memRecorder struct {
	mu       sync.Mutex
	readings []Reading
	deleted  []Kind
}

func (r *memRecorder) Record(_ context.Context, reading Reading) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.readings = append(r.readings, reading)
	return nil
}

func (r *memRecorder) DeleteSensor(_ context.Context, kind Kind) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, kind)
	return nil
}

func newTestProbe(kind Kind, port Port, opts ...Option) *Probe {
	opts = append([]Option{WithDelays(0, 0, 200*time.Millisecond)}, opts...)
	return NewProbe(kind, port, opts...)
}

func TestProbeTakeRead(t *testing.T) {
	fixed := time.Date(2024, 5, 1, 6, 0, 0, 0, time.UTC)
	rec := &memRecorder{}
	port := newScriptedPort(map[string]string{"R": "7.12\r*OK\r"})
	p := newTestProbe(PH, port, WithRecorder(rec), WithClock(func() time.Time { return fixed }))

	p.Refresh(settings.Snapshot{
		Sensors: map[string]settings.SensorSettings{
			"ph": {Low: 6.5, High: 8.5},
		},
	}, "tank1")

	require.NoError(t, p.TakeRead(context.Background()))

	assert.Equal(t, "7.12", p.CurrentReading())
	assert.Equal(t, 6.5, p.LowRange())
	assert.Equal(t, 8.5, p.HighRange())
	assert.Equal(t, "tank1_ph_log.csv", p.LogFileName())
	assert.Equal(t, []string{"R"}, port.Commands())

	require.Len(t, rec.readings, 1)
	assert.Equal(t, Reading{
		Sensor:  PH,
		Device:  "tank1",
		Value:   7.12,
		Raw:     "7.12",
		TakenAt: fixed,
	}, rec.readings[0])
}

func TestProbeTakeReadMultiOutput(t *testing.T) {
	port := newScriptedPort(map[string]string{"R": "1413,706,0.69,1.000\r"})
	p := newTestProbe(Conductivity, port)

	require.NoError(t, p.TakeRead(context.Background()))
	assert.Equal(t, "1413", p.CurrentReading())
}

func TestProbeTakeReadErrors(t *testing.T) {
	tests := []struct {
		name     string
		reply    string
		wantCode errors.ErrorCode
	}{
		{name: "device error", reply: "*ER\r", wantCode: ErrDeviceError},
		{name: "no answer", reply: "", wantCode: ErrResponseTimeout},
		{name: "not a number", reply: "abc\r", wantCode: ErrInvalidReading},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			port := newScriptedPort(map[string]string{"R": tt.reply})
			p := newTestProbe(Temperature, port)

			err := p.TakeRead(context.Background())
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, tt.wantCode), "got %v", err)
		})
	}
}

func TestProbeTakeReadKeepsLastReadingOnFailure(t *testing.T) {
	port := newScriptedPort(map[string]string{"R": "21.4\r"})
	p := newTestProbe(Temperature, port)
	require.NoError(t, p.TakeRead(context.Background()))

	port.replies["R"] = "*ER\r"
	require.Error(t, p.TakeRead(context.Background()))
	assert.Equal(t, "21.4", p.CurrentReading())
}

func TestProbeResponseTimeout(t *testing.T) {
	port := newScriptedPort(nil)
	p := NewProbe(Temperature, port, WithDelays(0, 0, time.Minute), WithTimeout(50*time.Millisecond))

	start := time.Now()
	err := p.TakeRead(context.Background())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, ErrResponseTimeout))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestProbeTakeReadCancelled(t *testing.T) {
	port := newScriptedPort(nil)
	p := NewProbe(Temperature, port, WithDelays(time.Second, 0, time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.TakeRead(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestProbeCalibrate(t *testing.T) {
	t.Run("default command", func(t *testing.T) {
		port := newScriptedPort(map[string]string{"Cal,mid,7.00": "*OK\r"})
		p := newTestProbe(PH, port)

		require.NoError(t, p.Calibrate(context.Background()))
		assert.Equal(t, []string{"Cal,mid,7.00"}, port.Commands())
	})

	t.Run("configured command", func(t *testing.T) {
		port := newScriptedPort(map[string]string{"Cal,12880": "*OK\r"})
		p := newTestProbe(Conductivity, port)
		p.Refresh(settings.Snapshot{
			Sensors: map[string]settings.SensorSettings{
				"conductivity": {Low: 500, High: 1500, Calibration: "Cal,12880"},
			},
		}, "")

		require.NoError(t, p.Calibrate(context.Background()))
		assert.Equal(t, []string{"Cal,12880"}, port.Commands())
	})

	t.Run("rejected", func(t *testing.T) {
		port := newScriptedPort(map[string]string{"Cal": "*ER\r"})
		p := newTestProbe(DissolvedOxygen, port)

		err := p.Calibrate(context.Background())
		require.Error(t, err)
		assert.True(t, errors.HasCode(err, ErrCalibrationFailed))
	})
}

func TestProbeDeleteHistory(t *testing.T) {
	rec := &memRecorder{}
	p := newTestProbe(Temperature, newScriptedPort(nil), WithRecorder(rec))

	require.NoError(t, p.DeleteHistory(context.Background()))
	assert.Equal(t, []Kind{Temperature}, rec.deleted)
}

func TestProbeClose(t *testing.T) {
	port := newScriptedPort(nil)
	p := newTestProbe(Temperature, port)

	require.NoError(t, p.Close())
	assert.True(t, port.closed)
}

func TestLogFileName(t *testing.T) {
	assert.Equal(t, "ph_log.csv", LogFileName("", PH))
	assert.Equal(t, "pond_dissolved_oxygen_log.csv", LogFileName("pond", DissolvedOxygen))
}

func TestParseKind(t *testing.T) {
	k, ok := ParseKind("conductivity")
	assert.True(t, ok)
	assert.Equal(t, Conductivity, k)

	_, ok = ParseKind("salinity")
	assert.False(t, ok)
}

func TestFakeTracksConcurrency(t *testing.T) {
	f := NewFake(Temperature, "20.0", "21.0")
	f.Delay = 20 * time.Millisecond

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.TakeRead(context.Background())
		}()
	}
	wg.Wait()

	assert.Equal(t, 2, f.Reads())
	assert.Equal(t, 2, f.MaxConcurrentReads())
	assert.Equal(t, "21.0", f.CurrentReading())
}
