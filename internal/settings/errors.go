package settings

import "codeberg.org/mutker/zemo/internal/errors"

const (
	ErrReadSettings   = errors.ErrorCode("settings_read_failed")
	ErrMissingValue   = errors.ErrorCode("settings_missing_value")
	ErrInvalidValue   = errors.ErrorCode("settings_invalid_value")
	ErrDeviceIdentity = errors.ErrorCode("settings_device_identity_failed")
)
