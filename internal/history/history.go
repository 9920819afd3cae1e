// Package history keeps every sensor reading in a SQLite database, prunes it
// to the configured retention and exports it as CSV.
package history

import (
	"context"
	"database/sql"
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"codeberg.org/mutker/zemo/internal/errors"
	"codeberg.org/mutker/zemo/internal/logger"
	"codeberg.org/mutker/zemo/internal/sensor"
	_ "github.com/mattn/go-sqlite3"
)

const csvTimeLayout = "2006-01-02 15:04:05"

// Store is the reading history. It implements sensor.Recorder.
type Store struct {
	db  *sql.DB
	log logger.Logger
	cfg Config
	now func() time.Time

	// SQLite allows one writer at a time.
	mu sync.Mutex
}

// Open opens (or creates) the history database.
func Open(cfg Config) (*Store, error) {
	errFactory := errors.New()
	log := logger.With("history")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), defaultDirPerm); err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Path  string
			Error string
		}{
			Phase: "create_directory",
			Path:  cfg.DBPath,
			Error: err.Error(),
		})
	}

	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "open_database",
			Error: err.Error(),
		})
	}

	if err := ValidateAndUpdateSchema(db, cfg.BackupDir, log); err != nil {
		db.Close()
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "schema_version",
			Error: err.Error(),
		})
	}

	log.Info().
		Str("path", cfg.DBPath).
		Int("schema_version", SchemaVersion).
		Msg("History database opened")

	return &Store{
		db:  db,
		log: log,
		cfg: cfg,
		now: time.Now,
	}, nil
}

func (s *Store) Record(ctx context.Context, r sensor.Reading) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, insertReadingSQL,
		r.TakenAt.UnixMilli(),
		string(r.Sensor),
		r.Device,
		r.Value,
		r.Raw,
	)
	if err != nil {
		return errors.New().Wrap(ErrStorageAccess, err)
	}

	return nil
}

// DeleteSensor removes every stored reading of the sensor.
func (s *Store) DeleteSensor(ctx context.Context, kind sensor.Kind) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM readings WHERE sensor = ?", string(kind))
	if err != nil {
		return errors.New().Wrap(ErrStorageAccess, err)
	}

	n, _ := res.RowsAffected()
	s.log.Info().
		Str("sensor", string(kind)).
		Int64("rows", n).
		Msg("Sensor history deleted")

	return nil
}

// Prune deletes readings older than days days. Zero keeps everything.
func (s *Store) Prune(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().AddDate(0, 0, -days)
	res, err := s.db.ExecContext(ctx, "DELETE FROM readings WHERE taken_at < ?", cutoff.UnixMilli())
	if err != nil {
		return 0, errors.New().Wrap(ErrStorageAccess, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.New().Wrap(ErrStorageAccess, err)
	}
	if n > 0 {
		s.log.Debug().
			Int("days", days).
			Int64("rows", n).
			Msg("Pruned reading history")
	}

	return n, nil
}

// Readings returns the sensor's readings taken at or after since, oldest
// first.
func (s *Store) Readings(ctx context.Context, kind sensor.Kind, since time.Time) ([]sensor.Reading, error) {
	errFactory := errors.New()

	rows, err := s.db.QueryContext(ctx, selectReadingsSQL, string(kind), since.UnixMilli())
	if err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}
	defer rows.Close()

	var readings []sensor.Reading
	for rows.Next() {
		var (
			takenAt int64
			name    string
			r       sensor.Reading
		)
		if err := rows.Scan(&takenAt, &name, &r.Device, &r.Value, &r.Raw); err != nil {
			return nil, errFactory.Wrap(ErrStorageAccess, err)
		}
		r.Sensor = sensor.Kind(name)
		r.TakenAt = time.UnixMilli(takenAt).UTC()
		readings = append(readings, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}

	return readings, nil
}

// ExportCSV writes the sensor's full history to w as
//
//	time,device,value
func (s *Store) ExportCSV(ctx context.Context, kind sensor.Kind, w io.Writer) error {
	readings, err := s.Readings(ctx, kind, time.Time{})
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"time", "device", "value"}); err != nil {
		return errors.New().Wrap(ErrExportFailed, err)
	}
	for _, r := range readings {
		record := []string{
			r.TakenAt.Format(csvTimeLayout),
			r.Device,
			strconv.FormatFloat(r.Value, 'f', -1, 64),
		}
		if err := cw.Write(record); err != nil {
			return errors.New().Wrap(ErrExportFailed, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return errors.New().Wrap(ErrExportFailed, err)
	}

	return nil
}

func (s *Store) Close() error {
	errFactory := errors.New()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return errFactory.WithData(ErrStorageClose, struct {
			Phase string
			Error string
		}{
			Phase: "checkpoint_wal",
			Error: err.Error(),
		})
	}

	if err := s.db.Close(); err != nil {
		return errFactory.WithData(ErrStorageClose, struct {
			Phase string
			Error string
		}{
			Phase: "close_database",
			Error: err.Error(),
		})
	}

	s.log.Info().Msg("History database closed")

	return nil
}
