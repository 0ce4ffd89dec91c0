package hardware

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"

	deverrors "github.com/CodedInternet/simpos/onboard/errors"
)

const (
	FrameSize = 32

	TELEM_TORQUE   byte = 'z'
	TELEM_POSITION byte = 'p'
)

var (
	ErrShortFrame = errors.New("telemetry frame shorter than 32 bytes")
)

type Channel int

const (
	TorqueSns Channel = iota
	TorqueCmd
	TorqueP
	TorqueI
	TorqueD

	SpeedSns
	SpeedCmd
	SpeedP
	SpeedI
	SpeedD

	PositionSns
	PositionCmd

	NumChannels
)

var channelNames = [NumChannels]string{
	"torque_sns", "torque_cmd", "torque_p", "torque_i", "torque_d",
	"speed_sns", "speed_cmd", "speed_p", "speed_i", "speed_d",
	"position_sns", "position_cmd",
}

// Valid reports whether c names one of the twelve channels.
func (c Channel) Valid() bool {
	return c >= 0 && c < NumChannels
}

func (c Channel) String() string {
	if !c.Valid() {
		return "unknown"
	}
	return channelNames[c]
}

// Group is one of torque, speed or position.
func (c Channel) Group() string {
	switch {
	case c <= TorqueD:
		return "torque"
	case c <= SpeedD:
		return "speed"
	default:
		return "position"
	}
}

// Field layouts per tag, in wire order. The last field of a position frame is a signed integer.
var (
	torqueFields   = []Channel{TorqueSns, TorqueCmd, TorqueP, TorqueI, TorqueD, SpeedSns}
	positionFields = []Channel{SpeedCmd, SpeedP, SpeedI, SpeedD, PositionCmd, PositionSns}
)

// KnownTag reports whether tag starts a telemetry frame this decoder understands.
func KnownTag(tag byte) bool {
	return tag == TELEM_TORQUE || tag == TELEM_POSITION
}

type Sample struct {
	Time  float64
	Value float64
}

// samples go out as [t, v] pairs, which is what charting front ends expect
func (s Sample) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{s.Time, s.Value})
}

type Series []Sample

type ChannelSample struct {
	Channel Channel
	Value   float64
}

// Frame is one decoded telemetry frame. All samples share Time.
type Frame struct {
	Tag     byte
	Time    uint32
	Samples []ChannelSample
}

func (f Frame) MarshalJSON() ([]byte, error) {
	values := make(map[string]float64, len(f.Samples))
	for _, s := range f.Samples {
		values[s.Channel.String()] = s.Value
	}
	return json.Marshal(struct {
		Tag    string             `json:"tag"`
		Time   uint32             `json:"time"`
		Values map[string]float64 `json:"values"`
	}{string(f.Tag), f.Time, values})
}

func (f *Frame) UnmarshalJSON(raw []byte) error {
	var wire struct {
		Tag    string             `json:"tag"`
		Time   uint32             `json:"time"`
		Values map[string]float64 `json:"values"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return err
	}
	if len(wire.Tag) != 1 {
		return fmt.Errorf("bad frame tag %q", wire.Tag)
	}

	f.Tag = wire.Tag[0]
	f.Time = wire.Time
	f.Samples = f.Samples[:0]
	for ch := Channel(0); ch < NumChannels; ch++ {
		if v, ok := wire.Values[ch.String()]; ok {
			f.Samples = append(f.Samples, ChannelSample{Channel: ch, Value: v})
		}
	}
	return nil
}

// DecodeFrame reads the tag, the timestamp and exactly the fields defined for that tag, in order.
func DecodeFrame(buf []byte) (f Frame, err error) {
	if len(buf) < FrameSize {
		return f, ErrShortFrame
	}

	f.Tag = buf[0]
	f.Time = binary.BigEndian.Uint32(buf[1:5])

	var fields []Channel
	switch f.Tag {
	case TELEM_TORQUE:
		fields = torqueFields
	case TELEM_POSITION:
		fields = positionFields
	default:
		return f, &deverrors.UnrecognizedFrameError{Tag: f.Tag}
	}

	f.Samples = make([]ChannelSample, len(fields))
	off := 5
	for i, ch := range fields {
		raw := binary.BigEndian.Uint32(buf[off : off+4])
		var v float64
		if ch == PositionSns {
			v = float64(int32(raw))
		} else {
			v = float64(math.Float32frombits(raw))
		}
		f.Samples[i] = ChannelSample{Channel: ch, Value: v}
		off += 4
	}

	return f, nil
}

// EncodeFrame lays samples out in the order DecodeFrame expects for f.Tag. Channels the tag does not carry, or that
// are out of range, are ignored. Missing ones are sent as zero.
func EncodeFrame(f Frame) ([]byte, error) {
	var fields []Channel
	switch f.Tag {
	case TELEM_TORQUE:
		fields = torqueFields
	case TELEM_POSITION:
		fields = positionFields
	default:
		return nil, &deverrors.UnrecognizedFrameError{Tag: f.Tag}
	}

	var values [NumChannels]float64
	for _, s := range f.Samples {
		if s.Channel.Valid() {
			values[s.Channel] = s.Value
		}
	}

	buf := make([]byte, FrameSize)
	buf[0] = f.Tag
	binary.BigEndian.PutUint32(buf[1:5], f.Time)
	off := 5
	for _, ch := range fields {
		var raw uint32
		if ch == PositionSns {
			raw = uint32(int32(math.Round(values[ch])))
		} else {
			raw = math.Float32bits(float32(values[ch]))
		}
		binary.BigEndian.PutUint32(buf[off:off+4], raw)
		off += 4
	}

	return buf, nil
}

// MotorTelemetry is the full set of channels. It is not safe for concurrent use on its own, see TelemetryStore.
type MotorTelemetry struct {
	series [NumChannels]Series
}

// Append adds one sample per channel in f. Samples for unknown channels are dropped.
func (t *MotorTelemetry) Append(f Frame) {
	ts := float64(f.Time)
	for _, s := range f.Samples {
		if !s.Channel.Valid() {
			continue
		}
		t.series[s.Channel] = append(t.series[s.Channel], Sample{Time: ts, Value: s.Value})
	}
}

func (t MotorTelemetry) Series(ch Channel) Series {
	if !ch.Valid() {
		return nil
	}
	return t.series[ch]
}

func (t MotorTelemetry) Len(ch Channel) int {
	return len(t.Series(ch))
}

func (t MotorTelemetry) Lengths() map[string]int {
	lengths := make(map[string]int, NumChannels)
	for ch := Channel(0); ch < NumChannels; ch++ {
		lengths[ch.String()] = len(t.series[ch])
	}
	return lengths
}

func (t *MotorTelemetry) copy() (c MotorTelemetry) {
	for ch := range t.series {
		if t.series[ch] != nil {
			c.series[ch] = append(Series(nil), t.series[ch]...)
		}
	}
	return
}

func (t MotorTelemetry) MarshalJSON() ([]byte, error) {
	out := make(map[string]Series, NumChannels)
	for ch := Channel(0); ch < NumChannels; ch++ {
		s := t.series[ch]
		if s == nil {
			s = Series{}
		}
		out[ch.String()] = s
	}
	return json.Marshal(out)
}

// TelemetryStore guards a MotorTelemetry with a single lock. The reader is the only writer. Holding a view
// stalls the reader, so keep views short.
type TelemetryStore struct {
	lock  sync.Mutex
	telem MotorTelemetry
}

func NewTelemetryStore() *TelemetryStore {
	return new(TelemetryStore)
}

// Consume decodes one frame and appends it. On error nothing is appended.
func (s *TelemetryStore) Consume(buf []byte) (f Frame, err error) {
	f, _, err = s.ConsumeUnless(buf, nil)
	return
}

// ConsumeUnless is Consume with a last check made under the lock. When stop reports true the decoded frame is
// returned but not appended.
func (s *TelemetryStore) ConsumeUnless(buf []byte, stop func() bool) (f Frame, appended bool, err error) {
	f, err = DecodeFrame(buf)
	if err != nil {
		return
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	if stop != nil && stop() {
		return
	}
	s.telem.Append(f)
	return f, true, nil
}

func (s *TelemetryStore) View(fn func(t *MotorTelemetry)) {
	s.lock.Lock()
	defer s.lock.Unlock()
	fn(&s.telem)
}

// Snapshot copies every channel under the lock.
func (s *TelemetryStore) Snapshot() MotorTelemetry {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.telem.copy()
}
