package onboard

import (
	"io"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/CodedInternet/simpos/onboard/hardware"
)

const (
	SIM_INTERVAL = 10 * time.Millisecond

	simPositionGain = 5.0
	simSpeedGain    = 0.5
	simMaxSpeed     = 2000.0
	simMaxTorque    = 100.0
	simInertia      = 40.0
	simFriction     = 4.0
)

// SimulatedController stands in for a motor controller on the other end of a serial link. It decodes the commands
// written to it and answers with alternating torque and position frames every SIM_INTERVAL.
type SimulatedController struct {
	lock     sync.Mutex
	enabled  bool
	target   float64
	position float64
	speed    float64

	speedCmd, torqueCmd, torque float64
	speedErrSum, speedErrPrev   float64
	torqueErrSum, torqueErrPrev float64

	cmdBuf  []byte
	pending []byte
	nextTag byte

	started  time.Time
	lastTick time.Time
	timeout  time.Duration
	interval time.Duration

	closed chan struct{}
	once   sync.Once
}

func NewSimulatedController() *SimulatedController {
	now := time.Now()
	return &SimulatedController{
		nextTag:  hardware.TELEM_TORQUE,
		started:  now,
		lastTick: now,
		timeout:  time.Second,
		interval: SIM_INTERVAL,
		closed:   make(chan struct{}),
	}
}

func (s *SimulatedController) SetReadTimeout(t time.Duration) error {
	s.lock.Lock()
	s.timeout = t
	s.lock.Unlock()
	return nil
}

// Read hands out frame bytes, waiting for the next tick when none are buffered. Like a real port it returns 0, nil
// when the read timeout passes first.
func (s *SimulatedController) Read(p []byte) (int, error) {
	s.lock.Lock()
	if len(s.pending) == 0 {
		wait := time.Until(s.lastTick.Add(s.interval))
		timeout := s.timeout
		s.lock.Unlock()

		if wait > timeout {
			select {
			case <-s.closed:
				return 0, io.ErrClosedPipe
			case <-time.After(timeout):
				return 0, nil
			}
		}
		if wait > 0 {
			select {
			case <-s.closed:
				return 0, io.ErrClosedPipe
			case <-time.After(wait):
			}
		}

		s.lock.Lock()
		if len(s.pending) == 0 {
			s.tick()
		}
	}
	defer s.lock.Unlock()

	select {
	case <-s.closed:
		return 0, io.ErrClosedPipe
	default:
	}

	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

// Write accepts any split of the command stream. Bytes that do not start a known command are dropped one at a time.
func (s *SimulatedController) Write(p []byte) (int, error) {
	select {
	case <-s.closed:
		return 0, io.ErrClosedPipe
	default:
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	s.cmdBuf = append(s.cmdBuf, p...)
	for len(s.cmdBuf) > 0 {
		size := hardware.CommandLength(s.cmdBuf[0])
		if size == 0 {
			s.cmdBuf = s.cmdBuf[1:]
			continue
		}
		if len(s.cmdBuf) < size {
			break
		}

		cmd, err := hardware.DecodeCommand(s.cmdBuf[:size])
		if err != nil {
			log.Debug().Err(err).Hex("raw", s.cmdBuf[:size]).Msg("simulator dropped byte")
			s.cmdBuf = s.cmdBuf[1:]
			continue
		}
		s.cmdBuf = s.cmdBuf[size:]
		s.apply(cmd)
	}

	return len(p), nil
}

func (s *SimulatedController) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *SimulatedController) apply(cmd hardware.Command) {
	switch c := cmd.(type) {
	case hardware.Enable:
		s.enabled = c.On
		if !c.On {
			s.speedErrSum, s.torqueErrSum = 0, 0
		}
	case hardware.Position:
		s.target = float64(c.Target)
	case hardware.Home:
		s.position, s.target, s.speed = 0, 0, 0
	}
	log.Debug().Str("cmd", cmd.String()).Msg("simulator command")
}

// State reports what the simulated motor is doing.
func (s *SimulatedController) State() (enabled bool, target, position float64) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.enabled, s.target, s.position
}

// tick advances the cascade by one interval and queues the next frame. Called with the lock held.
func (s *SimulatedController) tick() {
	now := time.Now()
	dt := math.Min(now.Sub(s.lastTick).Seconds(), 5*s.interval.Seconds())
	s.lastTick = now

	var speedErr float64
	if s.enabled {
		s.speedCmd = clamp((s.target-s.position)*simPositionGain, simMaxSpeed)
		speedErr = s.speedCmd - s.speed
		s.speedErrSum += speedErr * dt
		s.torqueCmd = clamp(speedErr*simSpeedGain, simMaxTorque)
	} else {
		s.speedCmd, s.torqueCmd = 0, 0
	}
	speedDelta := speedErr - s.speedErrPrev
	s.speedErrPrev = speedErr

	torqueErr := s.torqueCmd - s.torque
	s.torqueErrSum += torqueErr * dt
	torqueDelta := torqueErr - s.torqueErrPrev
	s.torqueErrPrev = torqueErr
	s.torque = s.torqueCmd

	s.speed += (s.torque*simInertia - s.speed*simFriction) * dt
	s.position += s.speed * dt

	frame := hardware.Frame{
		Tag:  s.nextTag,
		Time: uint32(now.Sub(s.started) / time.Millisecond),
	}
	if s.nextTag == hardware.TELEM_TORQUE {
		frame.Samples = []hardware.ChannelSample{
			{Channel: hardware.TorqueSns, Value: s.torque},
			{Channel: hardware.TorqueCmd, Value: s.torqueCmd},
			{Channel: hardware.TorqueP, Value: torqueErr},
			{Channel: hardware.TorqueI, Value: s.torqueErrSum},
			{Channel: hardware.TorqueD, Value: torqueDelta},
			{Channel: hardware.SpeedSns, Value: s.speed},
		}
		s.nextTag = hardware.TELEM_POSITION
	} else {
		frame.Samples = []hardware.ChannelSample{
			{Channel: hardware.SpeedCmd, Value: s.speedCmd},
			{Channel: hardware.SpeedP, Value: speedErr},
			{Channel: hardware.SpeedI, Value: s.speedErrSum},
			{Channel: hardware.SpeedD, Value: speedDelta},
			{Channel: hardware.PositionCmd, Value: s.target},
			{Channel: hardware.PositionSns, Value: s.position},
		}
		s.nextTag = hardware.TELEM_TORQUE
	}

	raw, err := hardware.EncodeFrame(frame)
	if err != nil {
		log.Error().Err(err).Msg("simulator frame")
		return
	}
	s.pending = append(s.pending, raw...)
}

func clamp(v, limit float64) float64 {
	return math.Max(-limit, math.Min(limit, v))
}
