package comms

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/CodedInternet/simpos/onboard/hardware"
)

const (
	WRITE_WAIT      = 10 * time.Second
	PONG_WAIT       = 60 * time.Second
	PING_PERIOD     = (PONG_WAIT * 9) / 10
	STATUS_INTERVAL = time.Second
	MAX_MESSAGE     = 1024
)

// ServeClient streams device status and every decoded frame to conn until either side goes away. Commands the
// client sends are processed in order and answered with an ack or an error message. The caller closes conn.
func (c *Conductor) ServeClient(conn *websocket.Conn) {
	frames := c.Device.Frames()
	sub := frames.Subscribe()
	defer frames.Unsubscribe(sub)

	replies := make(chan Payload, 8)
	done := make(chan struct{})
	quit := make(chan struct{})
	defer close(quit)
	go c.readClient(conn, replies, done, quit)

	ping := time.NewTicker(PING_PERIOD)
	defer ping.Stop()
	status := time.NewTicker(STATUS_INTERVAL)
	defer status.Stop()

	addr := conn.RemoteAddr().String()
	log.Info().Str("addr", addr).Msg("telemetry client connected")
	defer log.Info().Str("addr", addr).Msg("telemetry client gone")

	if err := send(conn, statusPayload(c.Device.Status())); err != nil {
		return
	}

	for {
		var err error
		select {
		case <-done:
			return

		case msg, ok := <-sub:
			if !ok {
				return
			}
			f, ok := msg.(hardware.Frame)
			if !ok {
				continue
			}
			err = send(conn, framePayload(f))

		case p := <-replies:
			err = send(conn, p)

		case <-status.C:
			err = send(conn, statusPayload(c.Device.Status()))

		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(WRITE_WAIT))
			err = conn.WriteMessage(websocket.PingMessage, nil)
		}

		if err != nil {
			log.Debug().Err(err).Str("addr", addr).Msg("telemetry write failed")
			return
		}
	}
}

func send(conn *websocket.Conn, p Payload) error {
	conn.SetWriteDeadline(time.Now().Add(WRITE_WAIT))
	return conn.WriteJSON(p)
}

func (c *Conductor) readClient(conn *websocket.Conn, replies chan<- Payload, done, quit chan struct{}) {
	defer close(done)

	conn.SetReadLimit(MAX_MESSAGE)
	conn.SetReadDeadline(time.Now().Add(PONG_WAIT))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(PONG_WAIT))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Msg("telemetry client read failed")
			}
			return
		}

		var cmd Cmd
		reply := Payload{Type: MSG_ACK}
		if err = json.Unmarshal(raw, &cmd); err != nil {
			reply = errorPayload("", err)
		} else if err = c.ProcessCommand(cmd); err != nil {
			reply = errorPayload(cmd.Cmd, err)
		} else {
			reply.Cmd = cmd.Cmd
		}

		select {
		case replies <- reply:
		case <-quit:
			return
		}
	}
}
