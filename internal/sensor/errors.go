package sensor

import "codeberg.org/mutker/zemo/internal/errors"

const (
	ErrReadFailed        = errors.ErrorCode("sensor_read_failed")
	ErrInvalidReading    = errors.ErrorCode("sensor_invalid_reading")
	ErrCalibrationFailed = errors.ErrorCode("sensor_calibration_failed")
	ErrDeviceError       = errors.ErrorCode("sensor_device_error")
	ErrResponseTimeout   = errors.ErrorCode("sensor_response_timeout")
	ErrHistoryFailed     = errors.ErrorCode("sensor_history_failed")
	ErrOpenPort          = errors.ErrorCode("sensor_open_port_failed")
)
