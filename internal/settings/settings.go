// Package settings reads the runtime settings file that the operator (or a
// remote sync) edits while the daemon runs: retention, reads per day, the
// device name and each sensor's acceptable range.
package settings

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"codeberg.org/mutker/zemo/internal/errors"
	"codeberg.org/mutker/zemo/internal/schedule"
	"github.com/spf13/viper"
)

// Snapshot is an immutable view of the settings file.
type Snapshot struct {
	DaysToKeep  int
	ReadsPerDay int
	Sensors     map[string]SensorSettings
}

// SensorSettings is the per-sensor subset of the settings file.
type SensorSettings struct {
	Low         float64
	High        float64
	Calibration string
}

// Sensor returns the settings for the named sensor.
func (s Snapshot) Sensor(name string) (SensorSettings, bool) {
	cfg, ok := s.Sensors[name]
	return cfg, ok
}

// Store loads the settings file on demand. The file is parsed again only
// when its modification time changes.
type Store struct {
	path     string
	hostname func() (string, error)

	mu       sync.Mutex
	modTime  time.Time
	v        *viper.Viper
	snapshot Snapshot
	err      error
}

// NewStore creates a Store for the settings file at path.
func NewStore(path string) *Store {
	return &Store{
		path:     path,
		hostname: os.Hostname,
	}
}

// Snapshot returns the current settings. A missing or non-numeric days or
// reads value is reported as an error; callers keep their previous snapshot.
func (s *Store) Snapshot() (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.reload(); err != nil {
		return Snapshot{}, err
	}

	return s.snapshot, s.err
}

// DeviceIdentity returns the configured device name, falling back to the
// host name.
func (s *Store) DeviceIdentity() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	errFactory := errors.New()

	if err := s.reload(); err != nil {
		return "", err
	}
	if name := strings.TrimSpace(s.v.GetString("device.name")); name != "" {
		return name, nil
	}

	name, err := s.hostname()
	if err != nil {
		return "", errFactory.Wrap(ErrDeviceIdentity, err)
	}

	return name, nil
}

func (s *Store) reload() error {
	errFactory := errors.New()

	info, err := os.Stat(s.path)
	if err != nil {
		return errFactory.Wrap(ErrReadSettings, err)
	}
	if s.v != nil && info.ModTime().Equal(s.modTime) {
		return nil
	}

	v := viper.New()
	v.SetConfigFile(s.path)
	if err := v.ReadInConfig(); err != nil {
		return errFactory.Wrap(ErrReadSettings, err)
	}

	s.v = v
	s.modTime = info.ModTime()
	s.snapshot, s.err = parse(v)

	return nil
}

func parse(v *viper.Viper) (Snapshot, error) {
	days, err := intValue(v, "settings.days")
	if err != nil {
		return Snapshot{}, err
	}
	if days < 0 {
		return Snapshot{}, errors.New().WithData(ErrInvalidValue, "settings.days: "+strconv.Itoa(days))
	}

	reads, err := intValue(v, "settings.reads")
	if err != nil {
		return Snapshot{}, err
	}
	if reads < 1 {
		return Snapshot{}, errors.New().WithData(ErrInvalidValue, "settings.reads: "+strconv.Itoa(reads))
	}

	snap := Snapshot{
		DaysToKeep:  days,
		ReadsPerDay: schedule.Clamp(reads),
		Sensors:     make(map[string]SensorSettings),
	}

	for name := range v.GetStringMap("sensors") {
		prefix := "sensors." + name
		low, err := floatValue(v, prefix+".low")
		if err != nil {
			return Snapshot{}, err
		}
		high, err := floatValue(v, prefix+".high")
		if err != nil {
			return Snapshot{}, err
		}
		snap.Sensors[name] = SensorSettings{
			Low:         low,
			High:        high,
			Calibration: v.GetString(prefix + ".calibration"),
		}
	}

	return snap, nil
}

func intValue(v *viper.Viper, key string) (int, error) {
	errFactory := errors.New()

	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return 0, errFactory.WithData(ErrMissingValue, key)
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errFactory.WithData(ErrInvalidValue, key+": "+raw)
	}

	return n, nil
}

func floatValue(v *viper.Viper, key string) (float64, error) {
	errFactory := errors.New()

	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return 0, errFactory.WithData(ErrMissingValue, key)
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, errFactory.WithData(ErrInvalidValue, key+": "+raw)
	}

	return f, nil
}
