package telemetry

import "codeberg.org/mutker/zemo/internal/errors"

const (
	ErrRegisterCollector = errors.ErrorCode("telemetry_register_collector_failed")
)
