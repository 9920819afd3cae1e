package config

import "codeberg.org/mutker/zemo/internal/errors"

const (
	ErrInvalidBaud    = errors.ErrorCode("config_invalid_baud")
	ErrInvalidTimeout = errors.ErrorCode("config_invalid_serial_timeout")
	ErrUnknownSensor  = errors.ErrorCode("config_unknown_sensor")
)
