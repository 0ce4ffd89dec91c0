package hardware

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/CodedInternet/simpos/onboard/broadcast"
	deverrors "github.com/CodedInternet/simpos/onboard/errors"
	"github.com/CodedInternet/simpos/onboard/serialbus"
)

// Driver owns one open serial link to a motor controller. A reader goroutine decodes telemetry into the store and a
// writer goroutine drains the command queue onto the wire.
//
// Once closed a Driver stays closed, connect again to get a new one.
type Driver struct {
	port   serialbus.Port
	telem  *TelemetryStore
	queue  *commandQueue
	frames *broadcast.Broker

	hangup    atomic.Bool
	closeOnce sync.Once
	closeErr  error
	reader    sync.WaitGroup
	writer    sync.WaitGroup
}

// Connect opens the port and starts the driver on it. No retry is attempted, open failures are returned as
// *errors.ConnectionError.
func Connect(name string, cfg serialbus.Config, frames *broadcast.Broker) (*Driver, error) {
	port, err := serialbus.Open(name, cfg)
	if err != nil {
		return nil, err
	}

	log.Info().Str("port", name).Msg("serial link open")
	return NewDriver(port, frames), nil
}

// NewDriver starts the reader and writer on an already open port. Decoded frames are published to frames when it
// is not nil.
func NewDriver(port serialbus.Port, frames *broadcast.Broker) *Driver {
	d := &Driver{
		port:   port,
		telem:  NewTelemetryStore(),
		queue:  newCommandQueue(),
		frames: frames,
	}

	d.reader.Add(1)
	go d.read()

	d.writer.Add(1)
	go d.write()

	return d
}

// Submit queues cmd for transmission and returns straight away. Commands reach the wire in the order they were
// submitted, whichever goroutine submitted them.
func (d *Driver) Submit(cmd Command) error {
	if !d.queue.Push(cmd) {
		return deverrors.ErrDriverClosed
	}
	return nil
}

// View runs fn with the telemetry store locked. The reader cannot append while fn runs.
func (d *Driver) View(fn func(t *MotorTelemetry)) {
	d.telem.View(fn)
}

func (d *Driver) Snapshot() MotorTelemetry {
	return d.telem.Snapshot()
}

func (d *Driver) Pending() int {
	return d.queue.Len()
}

// Close raises the hangup flag, lets the writer finish whatever was already submitted, then closes the port and
// waits for the reader. It is safe to call more than once.
func (d *Driver) Close() error {
	d.closeOnce.Do(func() {
		d.hangup.Store(true)

		d.queue.Close()
		d.writer.Wait()

		d.closeErr = d.port.Close()
		d.reader.Wait()
	})
	return d.closeErr
}

func (d *Driver) read() {
	defer d.reader.Done()

	frames := serialbus.NewFrameReader(d.port, FrameSize, KnownTag)
	log.Debug().Msg("reader started")

	for !d.hangup.Load() {
		buf, err := frames.Next()
		if err != nil {
			if d.hangup.Load() {
				break
			}
			logFrameError(err)
			continue
		}

		// bytes that arrive after hangup are not telemetry for this session
		f, appended, err := d.telem.ConsumeUnless(buf, d.hangup.Load)
		if err != nil {
			logFrameError(err)
			continue
		}
		if !appended {
			break
		}

		if d.frames != nil {
			d.frames.Publish(f)
		}
	}

	log.Debug().Msg("reader hangup")
}

func (d *Driver) write() {
	defer d.writer.Done()

	for {
		cmd, ok := d.queue.Pop()
		if !ok {
			return
		}

		if err := writeFull(d.port, Encode(cmd)); err != nil {
			werr := &deverrors.WriteError{Cmd: cmd.String(), Err: err}
			log.Error().Err(werr).Str("cmd", cmd.String()).Msg("command dropped")
			continue
		}

		log.Debug().Str("cmd", cmd.String()).Msg("command sent")
	}
}

func writeFull(port serialbus.Port, raw []byte) error {
	for len(raw) > 0 {
		n, err := port.Write(raw)
		if err != nil {
			return err
		}
		if n == 0 {
			return errShortWrite
		}
		raw = raw[n:]
	}
	return nil
}

var errShortWrite = errors.New("port accepted no bytes")

func logFrameError(err error) {
	var unknown *deverrors.UnrecognizedFrameError
	if errors.As(err, &unknown) {
		log.Warn().Err(err).Msg("frame discarded")
		return
	}

	if errors.Is(err, deverrors.ErrReadTimeout) {
		log.Debug().Err(err).Msg("no telemetry")
		return
	}

	log.Error().Err(err).Msg("telemetry read failed")
}
