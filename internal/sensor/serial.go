package sensor

import (
	"codeberg.org/mutker/zemo/internal/errors"
	"go.bug.st/serial"
)

// OpenProbe opens the serial device at portName and returns a Probe on it.
func OpenProbe(kind Kind, portName string, baud int, opts ...Option) (*Probe, error) {
	errFactory := errors.New()

	port, err := serial.Open(portName, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, errFactory.WithData(ErrOpenPort, struct {
			Sensor Kind
			Port   string
			Error  string
		}{
			Sensor: kind,
			Port:   portName,
			Error:  err.Error(),
		})
	}

	if err := port.SetReadTimeout(pollTimeout); err != nil {
		port.Close()
		return nil, errFactory.Wrap(ErrOpenPort, err)
	}

	// Leave continuous mode so only requested readings arrive.
	if _, err := port.Write([]byte("C,0\r")); err != nil {
		port.Close()
		return nil, errFactory.Wrap(ErrOpenPort, err)
	}

	return NewProbe(kind, port, opts...), nil
}
