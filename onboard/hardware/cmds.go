package hardware

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Frame markers. Every command frame starts and ends with the same byte.
const (
	CMD_ENABLE   byte = 'e'
	CMD_POSITION byte = 'p'
	CMD_HOME     byte = 'h'
)

var (
	ErrBadCommand = errors.New("malformed command frame")
)

// Command is one of Position, Enable or Home. The set is closed, nothing outside this package can implement it.
type Command interface {
	fmt.Stringer
	command()
}

// Moves the motor to an absolute target position.
type Position struct {
	Target int32
}

type Enable struct {
	On bool
}

// Asks the controller to run its homing routine.
type Home struct{}

func (Position) command() {}
func (Enable) command()   {}
func (Home) command()     {}

func (c Position) String() string {
	return fmt.Sprintf("Position(%d)", c.Target)
}

func (c Enable) String() string {
	return fmt.Sprintf("Enable(%t)", c.On)
}

func (Home) String() string {
	return "Home"
}

// Encode serializes a command into its wire frame.
func Encode(cmd Command) []byte {
	switch c := cmd.(type) {
	case Enable:
		var flag byte
		if c.On {
			flag = 1
		}
		return []byte{CMD_ENABLE, flag, CMD_ENABLE}

	case Position:
		buf := make([]byte, 6)
		buf[0] = CMD_POSITION
		binary.BigEndian.PutUint32(buf[1:5], uint32(c.Target))
		buf[5] = CMD_POSITION
		return buf

	case Home:
		return []byte{CMD_HOME, 1, CMD_HOME}
	}

	// unreachable while Command stays sealed
	panic(fmt.Sprintf("unknown command %T", cmd))
}

// DecodeCommand parses a single command frame. It is the reverse of Encode and is what the controller side of the
// link does with the bytes the writer puts on the wire.
func DecodeCommand(buf []byte) (cmd Command, err error) {
	if len(buf) < 3 || buf[0] != buf[len(buf)-1] {
		return nil, ErrBadCommand
	}

	switch buf[0] {
	case CMD_ENABLE:
		if len(buf) != 3 || buf[1] > 1 {
			return nil, ErrBadCommand
		}
		return Enable{On: buf[1] == 1}, nil

	case CMD_POSITION:
		if len(buf) != 6 {
			return nil, ErrBadCommand
		}
		return Position{Target: int32(binary.BigEndian.Uint32(buf[1:5]))}, nil

	case CMD_HOME:
		if len(buf) != 3 || buf[1] != 1 {
			return nil, ErrBadCommand
		}
		return Home{}, nil
	}

	return nil, ErrBadCommand
}

// CommandLength gives the full frame length for a frame starting with marker, or 0 if the marker is unknown.
func CommandLength(marker byte) int {
	switch marker {
	case CMD_ENABLE, CMD_HOME:
		return 3
	case CMD_POSITION:
		return 6
	}
	return 0
}
