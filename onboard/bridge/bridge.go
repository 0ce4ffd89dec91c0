package bridge

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"net"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	deverrors "github.com/CodedInternet/simpos/onboard/errors"
	"github.com/CodedInternet/simpos/onboard/hardware"
)

const (
	DefaultListen = "127.0.0.1:10000"
	DefaultScale  = 200.0

	DATAGRAM_SIZE = 5
	RECV_BUFFER   = 128
	MSG_POSITION  = 'p'
)

// Submitter is anything that accepts motor commands, normally a *hardware.Driver.
type Submitter interface {
	Submit(cmd hardware.Command) error
}

type Config struct {
	Listen string   `yaml:"listen" env:"SIMPOS_BRIDGE_LISTEN"`
	Scale  float64  `yaml:"scale" env:"SIMPOS_BRIDGE_SCALE"`
	Allow  []string `yaml:"allow" env:"SIMPOS_BRIDGE_ALLOW" envSeparator:","`
}

// Bridge turns position datagrams from a remote peer into Position commands.
type Bridge struct {
	conn  *net.UDPConn
	scale float64
	allow []*net.IPNet

	lock    sync.Mutex
	out     Submitter
	started bool

	wg sync.WaitGroup
}

// Listen binds the datagram socket. Nothing is read until Attach.
func Listen(cfg Config) (b *Bridge, err error) {
	if cfg.Listen == "" {
		cfg.Listen = DefaultListen
	}
	if cfg.Scale == 0 {
		cfg.Scale = DefaultScale
	}

	allow, err := parseAllow(cfg.Allow)
	if err != nil {
		return
	}

	addr, err := net.ResolveUDPAddr("udp", cfg.Listen)
	if err != nil {
		return
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return
	}

	if len(allow) == 0 {
		log.Warn().Str("addr", conn.LocalAddr().String()).Msg("bridge accepts position commands from any source")
	}

	return &Bridge{
		conn:  conn,
		scale: cfg.Scale,
		allow: allow,
	}, nil
}

func parseAllow(entries []string) (nets []*net.IPNet, err error) {
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		if !strings.Contains(entry, "/") {
			ip := net.ParseIP(entry)
			if ip == nil {
				return nil, fmt.Errorf("bad allow entry %q", entry)
			}
			bits := 128
			if ip.To4() != nil {
				ip = ip.To4()
				bits = 32
			}
			nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}

		_, n, err := net.ParseCIDR(entry)
		if err != nil {
			return nil, fmt.Errorf("bad allow entry %q: %w", entry, err)
		}
		nets = append(nets, n)
	}
	return
}

func (b *Bridge) Addr() net.Addr {
	return b.conn.LocalAddr()
}

// Attach points the bridge at out, starting the listener on first use. Attach(nil) keeps listening but drops
// everything.
func (b *Bridge) Attach(out Submitter) {
	b.lock.Lock()
	defer b.lock.Unlock()

	b.out = out
	if b.started {
		return
	}

	b.started = true
	b.wg.Add(1)
	go b.listen()
}

func (b *Bridge) target() Submitter {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.out
}

// Close shuts the socket and waits for the listener to finish.
func (b *Bridge) Close() error {
	err := b.conn.Close()
	b.wg.Wait()
	return err
}

func (b *Bridge) listen() {
	defer b.wg.Done()

	buf := make([]byte, RECV_BUFFER)
	log.Info().Str("addr", b.conn.LocalAddr().String()).Msg("bridge listening")

	for {
		n, from, err := b.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				log.Info().Msg("bridge closed")
				return
			}
			log.Error().Err(err).Msg("bridge receive failed")
			continue
		}

		if !b.allowed(from) {
			log.Warn().Str("addr", from.String()).Msg("datagram from disallowed source")
			continue
		}

		cmd, err := ParseDatagram(buf[:n], b.scale)
		if err != nil {
			log.Info().Err(err).Str("addr", from.String()).Hex("msg", buf[:n]).Msg("datagram ignored")
			continue
		}

		out := b.target()
		if out == nil {
			log.Debug().Str("cmd", cmd.String()).Msg("bridge not attached, dropping")
			continue
		}

		if err := out.Submit(cmd); err != nil {
			log.Warn().Err(err).Str("cmd", cmd.String()).Msg("bridge forward failed")
			continue
		}
		log.Debug().Str("cmd", cmd.String()).Msg("bridge forward")
	}
}

func (b *Bridge) allowed(from *net.UDPAddr) bool {
	if len(b.allow) == 0 {
		return true
	}
	for _, n := range b.allow {
		if n.Contains(from.IP) {
			return true
		}
	}
	return false
}

// ParseDatagram accepts exactly 'p' followed by a little endian float32. The value is scaled in float32 and rounded
// half away from zero to the nearest integer position.
func ParseDatagram(buf []byte, scale float64) (cmd hardware.Position, err error) {
	if len(buf) != DATAGRAM_SIZE || buf[0] != MSG_POSITION {
		var tag byte
		if len(buf) > 0 {
			tag = buf[0]
		}
		return cmd, &deverrors.MalformedDatagramError{Size: len(buf), Tag: tag}
	}

	value := math.Float32frombits(binary.LittleEndian.Uint32(buf[1:5]))
	if value != value {
		return cmd, &deverrors.MalformedDatagramError{Size: len(buf), Tag: buf[0]}
	}

	// scaled in single precision, the sender's float32 decides which side of .5 we land
	target := math.Round(float64(value * float32(scale)))
	switch {
	case target > math.MaxInt32:
		target = math.MaxInt32
	case target < math.MinInt32:
		target = math.MinInt32
	}
	cmd.Target = int32(target)
	return cmd, nil
}
