package history

import "codeberg.org/mutker/zemo/internal/errors"

const (
	defaultDirPerm   = 0o755
	defaultDBPath    = "/var/lib/zemo/history.db"
	defaultBackupDir = "/var/lib/zemo/backups"
)

type Config struct {
	DBPath    string
	BackupDir string
}

func DefaultConfig() Config {
	return Config{
		DBPath:    defaultDBPath,
		BackupDir: defaultBackupDir,
	}
}

func (c Config) Validate() error {
	if c.DBPath == "" {
		return errors.New().New(ErrInvalidDBPath)
	}
	return nil
}
