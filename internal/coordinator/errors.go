package coordinator

import "codeberg.org/mutker/zemo/internal/errors"

const (
	ErrCycleStart     = errors.ErrorCode("coordinator_cycle_start_failed")
	ErrAlreadyStarted = errors.ErrorCode("coordinator_already_started")
	ErrUnknownSensor  = errors.ErrorCode("coordinator_unknown_sensor")
	ErrDeleteHistory  = errors.ErrorCode("coordinator_delete_history_failed")
	ErrPruneHistory   = errors.ErrorCode("coordinator_prune_history_failed")
	ErrInvalidReading = errors.ErrorCode("coordinator_invalid_reading")
	ErrNoSettings     = errors.ErrorCode("coordinator_no_settings")
	ErrResourceBusy   = errors.ErrResourceBusy
)
