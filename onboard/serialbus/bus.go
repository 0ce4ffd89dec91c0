package serialbus

import (
	"errors"
	"io"
	"time"

	"go.bug.st/serial"

	deverrors "github.com/CodedInternet/simpos/onboard/errors"
)

const (
	DefaultBaudRate    = 921600
	DefaultReadTimeout = time.Second
)

// Port is the part of a serial port the driver needs. go.bug.st/serial ports satisfy it, so do the simulator and
// test doubles. A Read that hits the read timeout returns 0, nil.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

type Config struct {
	BaudRate    int           `yaml:"baud" env:"SIMPOS_SERIAL_BAUD"`
	ReadTimeout time.Duration `yaml:"read_timeout" env:"SIMPOS_SERIAL_TIMEOUT"`
}

func (c Config) withDefaults() Config {
	if c.BaudRate == 0 {
		c.BaudRate = DefaultBaudRate
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	return c
}

// Open opens the named port 8N1 with a bounded read timeout. Failures come back as *errors.ConnectionError.
func Open(name string, cfg Config) (Port, error) {
	cfg = cfg.withDefaults()

	port, err := serial.Open(name, &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, &deverrors.ConnectionError{Port: name, Reason: reason(err), Err: err}
	}

	if err = port.SetReadTimeout(cfg.ReadTimeout); err != nil {
		port.Close()
		return nil, &deverrors.ConnectionError{Port: name, Reason: deverrors.ReasonOther, Err: err}
	}

	return port, nil
}

func reason(err error) string {
	var portErr *serial.PortError
	if !errors.As(err, &portErr) {
		return deverrors.ReasonOther
	}

	switch portErr.Code() {
	case serial.PortBusy:
		return deverrors.ReasonBusy
	case serial.PortNotFound:
		return deverrors.ReasonNotFound
	case serial.PermissionDenied:
		return deverrors.ReasonPermission
	}
	return deverrors.ReasonOther
}

// ListPorts returns the serial ports present on this machine.
func ListPorts() ([]string, error) {
	return serial.GetPortsList()
}
