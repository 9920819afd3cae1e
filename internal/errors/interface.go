// Package errors provides coded errors. Each package declares its own codes
// (sensor_read_failed, alert_dispatch_failed, ...) next to the shared ones in
// codes.go. The HTTP API picks a status with HasCode and reports CodeOf to
// clients.
package errors

// ErrorCode identifies an error kind. Codes are stable strings.
type ErrorCode string

// Coded is any error that carries an ErrorCode. CodeOf and HasCode match it
// anywhere in a wrap chain.
type Coded interface {
	error
	Code() ErrorCode
}

// Error is the coded error built by a Factory.
type Error interface {
	Coded
	WithMessage(msg string) Error
	WithData(data any) Error
	GetData() any
	Unwrap() error
}

// Factory creates coded errors.
type Factory interface {
	New(code ErrorCode) Error
	Wrap(code ErrorCode, err error) Error
	WithMessage(code ErrorCode, msg string) Error
	WithData(code ErrorCode, data any) Error
}
