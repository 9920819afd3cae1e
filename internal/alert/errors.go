package alert

import "codeberg.org/mutker/zemo/internal/errors"

const (
	ErrDispatchFailed = errors.ErrorCode("alert_dispatch_failed")
	ErrFormatPayload  = errors.ErrorCode("alert_format_payload_failed")
	ErrPublishTimeout = errors.ErrorCode("alert_publish_timeout")
	ErrConnectBroker  = errors.ErrConnectBroker
)
