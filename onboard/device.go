package onboard

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/CodedInternet/simpos/onboard/bridge"
	"github.com/CodedInternet/simpos/onboard/broadcast"
	deverrors "github.com/CodedInternet/simpos/onboard/errors"
	"github.com/CodedInternet/simpos/onboard/hardware"
	"github.com/CodedInternet/simpos/onboard/serialbus"
)

// Device is everything the HTTP API and the shell need from a motor.
type Device interface {
	Connect(port string) error
	Disconnect() error
	Enable(on bool) error
	Home() error
	SetPosition(target int32) error
	Telemetry() (hardware.MotorTelemetry, error)
	Status() DeviceStatus
	Frames() *broadcast.Broker
}

type DeviceStatus struct {
	Connected bool           `json:"connected"`
	Port      string         `json:"port,omitempty"`
	Simulated bool           `json:"simulated"`
	Bridge    string         `json:"bridge,omitempty"`
	Pending   int            `json:"pending"`
	Samples   map[string]int `json:"samples,omitempty"`
}

// PortOpener opens the link to a controller. The default opens a real serial port.
type PortOpener func(name string, cfg serialbus.Config) (serialbus.Port, error)

// SimulatedOpener ignores the port name and returns a fresh SimulatedController.
func SimulatedOpener(string, serialbus.Config) (serialbus.Port, error) {
	return NewSimulatedController(), nil
}

// MotorDevice keeps at most one driver alive and wires the remote bridge to it once the motor is enabled.
type MotorDevice struct {
	config    DeviceConfig
	open      PortOpener
	simulated bool
	frames    *broadcast.Broker
	bridge    *bridge.Bridge

	lock   sync.Mutex
	driver *hardware.Driver
	port   string
}

// NewMotorDevice binds the bridge socket straight away. A bridge that cannot bind is logged and left out, the motor
// still works locally.
func NewMotorDevice(config DeviceConfig, simulated bool) *MotorDevice {
	d := &MotorDevice{
		config:    config,
		open:      serialbus.Open,
		simulated: simulated,
		frames:    broadcast.NewBroker(),
	}
	if simulated {
		d.open = SimulatedOpener
	}

	b, err := bridge.Listen(config.Bridge)
	if err != nil {
		log.Warn().Err(err).Str("addr", config.Bridge.Listen).Msg("remote bridge unavailable")
	} else {
		d.bridge = b
	}

	return d
}

func (d *MotorDevice) Connect(port string) error {
	d.lock.Lock()
	defer d.lock.Unlock()

	if d.driver != nil {
		return deverrors.ErrAlreadyConnected
	}
	if port == "" {
		port = d.config.Port
	}

	p, err := d.open(port, d.config.Serial)
	if err != nil {
		log.Error().Err(err).Str("port", port).Msg("connect failed")
		return err
	}

	d.driver = hardware.NewDriver(p, d.frames)
	d.port = port
	log.Info().Str("port", port).Bool("simulated", d.simulated).Msg("motor connected")
	return nil
}

// Disconnect detaches the bridge, drains pending commands and closes the link.
func (d *MotorDevice) Disconnect() error {
	d.lock.Lock()
	defer d.lock.Unlock()

	if d.driver == nil {
		return deverrors.ErrNotConnected
	}

	if d.bridge != nil {
		d.bridge.Attach(nil)
	}
	err := d.driver.Close()
	d.driver = nil
	log.Info().Str("port", d.port).Msg("motor disconnected")
	d.port = ""
	return err
}

// Enable switches the motor on or off. Enabling also hands the bridge the driver so remote positions take effect.
func (d *MotorDevice) Enable(on bool) error {
	d.lock.Lock()
	defer d.lock.Unlock()

	if d.driver == nil {
		return deverrors.ErrNotConnected
	}
	if err := d.driver.Submit(hardware.Enable{On: on}); err != nil {
		return err
	}
	if on && d.bridge != nil {
		d.bridge.Attach(d.driver)
	}
	return nil
}

func (d *MotorDevice) Home() error {
	return d.submit(hardware.Home{})
}

func (d *MotorDevice) SetPosition(target int32) error {
	return d.submit(hardware.Position{Target: target})
}

func (d *MotorDevice) submit(cmd hardware.Command) error {
	d.lock.Lock()
	defer d.lock.Unlock()

	if d.driver == nil {
		return deverrors.ErrNotConnected
	}
	return d.driver.Submit(cmd)
}

// Telemetry returns a copy of everything collected since the current connection was made.
func (d *MotorDevice) Telemetry() (hardware.MotorTelemetry, error) {
	d.lock.Lock()
	defer d.lock.Unlock()

	if d.driver == nil {
		return hardware.MotorTelemetry{}, deverrors.ErrNotConnected
	}
	return d.driver.Snapshot(), nil
}

// View runs fn against the live store of the current connection. See hardware.TelemetryStore.View.
func (d *MotorDevice) View(fn func(t *hardware.MotorTelemetry)) error {
	d.lock.Lock()
	defer d.lock.Unlock()

	if d.driver == nil {
		return deverrors.ErrNotConnected
	}
	d.driver.View(fn)
	return nil
}

func (d *MotorDevice) Status() (s DeviceStatus) {
	d.lock.Lock()
	defer d.lock.Unlock()

	s.Simulated = d.simulated
	if d.bridge != nil {
		s.Bridge = d.bridge.Addr().String()
	}
	if d.driver == nil {
		return
	}

	s.Connected = true
	s.Port = d.port
	s.Pending = d.driver.Pending()
	d.driver.View(func(t *hardware.MotorTelemetry) {
		s.Samples = t.Lengths()
	})
	return
}

// Frames carries every decoded hardware.Frame while connected.
func (d *MotorDevice) Frames() *broadcast.Broker {
	return d.frames
}

// Close disconnects if needed and releases the bridge socket and the broker.
func (d *MotorDevice) Close() error {
	err := d.Disconnect()
	if err == deverrors.ErrNotConnected {
		err = nil
	}
	if d.bridge != nil {
		if berr := d.bridge.Close(); err == nil {
			err = berr
		}
	}
	d.frames.Close()
	return err
}
