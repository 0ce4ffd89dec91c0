package comms

import (
	"github.com/CodedInternet/simpos/onboard"
	"github.com/CodedInternet/simpos/onboard/hardware"
)

const (
	MSG_STATUS = "status"
	MSG_FRAME  = "frame"
	MSG_ERROR  = "error"
	MSG_ACK    = "ack"
)

// Payload is every message sent down the telemetry socket. Only the field matching Type is set.
type Payload struct {
	Type   string                `json:"type"`
	Status *onboard.DeviceStatus `json:"status,omitempty"`
	Frame  *hardware.Frame       `json:"frame,omitempty"`
	Cmd    string                `json:"cmd,omitempty"`
	Error  string                `json:"error,omitempty"`
}

func statusPayload(s onboard.DeviceStatus) Payload {
	return Payload{Type: MSG_STATUS, Status: &s}
}

func framePayload(f hardware.Frame) Payload {
	return Payload{Type: MSG_FRAME, Frame: &f}
}

func errorPayload(cmd string, err error) Payload {
	return Payload{Type: MSG_ERROR, Cmd: cmd, Error: err.Error()}
}
