package comms

import (
	"errors"
	"fmt"
	"math"

	"github.com/rs/zerolog/log"

	"github.com/CodedInternet/simpos/onboard"
)

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrBadValue       = errors.New("value out of range")
)

// Cmd is a motor command as clients send it, over HTTP or the telemetry socket.
type Cmd struct {
	Cmd   string  `json:"cmd"`
	Value float64 `json:"value"`
}

// Conductor routes client commands to the device and device telemetry to connected clients.
type Conductor struct {
	Device onboard.Device
}

func NewConductor(device onboard.Device) *Conductor {
	return &Conductor{Device: device}
}

func (c *Conductor) ProcessCommand(cmd Cmd) (err error) {
	switch cmd.Cmd {
	case "enable":
		err = c.Device.Enable(true)

	case "disable":
		err = c.Device.Enable(false)

	case "home":
		err = c.Device.Home()

	case "position":
		if math.IsNaN(cmd.Value) || cmd.Value > math.MaxInt32 || cmd.Value < math.MinInt32 {
			return ErrBadValue
		}
		err = c.Device.SetPosition(int32(math.Round(cmd.Value)))

	default:
		return fmt.Errorf("%w %q", ErrUnknownCommand, cmd.Cmd)
	}

	if err != nil {
		log.Warn().Err(err).Str("cmd", cmd.Cmd).Msg("command refused")
		return
	}
	log.Debug().Str("cmd", cmd.Cmd).Float64("value", cmd.Value).Msg("command")
	return
}
