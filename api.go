package main

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/go-chi/render"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/CodedInternet/simpos/comms"
	"github.com/CodedInternet/simpos/onboard/serialbus"
)

var listPorts = serialbus.ListPorts

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

//---
// Payloads
//---

type PortsPayload struct {
	Ports []string `json:"ports"`
}

type ConnectPayload struct {
	Port string `json:"port"`
}

func (p *ConnectPayload) Bind(r *http.Request) error {
	return nil
}

type CommandPayload struct {
	comms.Cmd
}

func (p *CommandPayload) Bind(r *http.Request) error {
	if p.Cmd.Cmd == "" {
		return errors.New("cmd is required")
	}
	return nil
}

//---
// Routes
//---

func deviceRoutes(r chi.Router) {
	r.Get("/", DeviceStatus)
	r.Post("/connect", DeviceConnect)
	r.Post("/disconnect", DeviceDisconnect)
	r.Post("/command", DeviceCommand)
	r.Get("/telemetry", DeviceTelemetry)
}

//---
// Views
//---

func ListPorts(w http.ResponseWriter, r *http.Request) {
	ports, err := listPorts()
	if err != nil {
		render.Render(w, r, ErrRender(err))
		return
	}
	if ports == nil {
		ports = []string{}
	}
	render.JSON(w, r, PortsPayload{ports})
}

func DeviceStatus(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, ENV.Device.Status())
}

func DeviceConnect(w http.ResponseWriter, r *http.Request) {
	data := &ConnectPayload{}
	if r.ContentLength != 0 {
		if err := render.Bind(r, data); err != nil {
			render.Render(w, r, ErrInvalidRequest(err))
			return
		}
	}

	if err := ENV.Device.Connect(data.Port); err != nil {
		render.Render(w, r, ErrDevice(err))
		return
	}

	render.JSON(w, r, ENV.Device.Status())
}

func DeviceDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := ENV.Device.Disconnect(); err != nil {
		render.Render(w, r, ErrDevice(err))
		return
	}

	render.JSON(w, r, ENV.Device.Status())
}

func DeviceCommand(w http.ResponseWriter, r *http.Request) {
	data := &CommandPayload{}
	if err := render.Bind(r, data); err != nil {
		render.Render(w, r, ErrInvalidRequest(err))
		return
	}

	err := ENV.Conductor.ProcessCommand(data.Cmd)
	switch {
	case err == nil:
		render.Status(r, http.StatusAccepted)
		render.JSON(w, r, data)
	case errors.Is(err, comms.ErrUnknownCommand), errors.Is(err, comms.ErrBadValue):
		render.Render(w, r, ErrInvalidRequest(err))
	default:
		render.Render(w, r, ErrDevice(err))
	}
}

func DeviceTelemetry(w http.ResponseWriter, r *http.Request) {
	telem, err := ENV.Device.Telemetry()
	if err != nil {
		render.Render(w, r, ErrDevice(err))
		return
	}

	render.JSON(w, r, telem)
}

// TelemetryStream upgrades to a websocket and hands it to the conductor.
func TelemetryStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ENV.Conductor.ServeClient(conn)
}
