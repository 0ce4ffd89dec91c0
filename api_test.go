package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"github.com/gorilla/websocket"
	. "github.com/smartystreets/goconvey/convey"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/CodedInternet/simpos/comms"
	"github.com/CodedInternet/simpos/onboard"
	deverrors "github.com/CodedInternet/simpos/onboard/errors"
)

// setupDevice installs a simulated device for the duration of the test
func setupDevice(t *testing.T) *onboard.MotorDevice {
	config := onboard.DefaultConfig()
	config.Bridge.Listen = "127.0.0.1:0"

	device := onboard.NewMotorDevice(config, true)
	ENV.Device = device
	ENV.Conductor = comms.NewConductor(device)
	t.Cleanup(func() { device.Close() })
	return device
}

type apiClient struct {
	handler http.Handler
	token   string
}

func (c *apiClient) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	rr := httptest.NewRecorder()
	c.handler.ServeHTTP(rr, req)
	return rr
}

func TestDeviceAPI(t *testing.T) {
	setupDevice(t)
	enumerate := listPorts
	listPorts = func() ([]string, error) { return []string{"/dev/ttyACM0", "COM20"}, nil }
	defer func() { listPorts = enumerate }()

	token, err := issueToken("api@test.case", false)
	if err != nil {
		t.Fatal(err)
	}
	api := &apiClient{handler: newRouter(), token: token}

	Convey("Device routes need a token", t, func() {
		anon := &apiClient{handler: api.handler}
		So(anon.do("GET", "/api/device", nil).Code, ShouldEqual, http.StatusUnauthorized)
		So(anon.do("POST", "/api/device/command", comms.Cmd{Cmd: "home"}).Code, ShouldEqual, http.StatusUnauthorized)
	})

	Convey("Ports are listed", t, func() {
		rr := api.do("GET", "/api/ports", nil)
		So(rr.Code, ShouldEqual, http.StatusOK)

		var ports PortsPayload
		So(json.Unmarshal(rr.Body.Bytes(), &ports), ShouldBeNil)
		So(ports.Ports, ShouldResemble, []string{"/dev/ttyACM0", "COM20"})
	})

	Convey("A disconnected device", t, func() {
		ENV.Device.Disconnect()

		Convey("reports its status", func() {
			rr := api.do("GET", "/api/device", nil)
			So(rr.Code, ShouldEqual, http.StatusOK)

			var status onboard.DeviceStatus
			So(json.Unmarshal(rr.Body.Bytes(), &status), ShouldBeNil)
			So(status.Connected, ShouldBeFalse)
			So(status.Simulated, ShouldBeTrue)
		})

		Convey("refuses commands with a conflict", func() {
			So(api.do("POST", "/api/device/command", comms.Cmd{Cmd: "home"}).Code, ShouldEqual, http.StatusConflict)
			So(api.do("GET", "/api/device/telemetry", nil).Code, ShouldEqual, http.StatusConflict)
			So(api.do("POST", "/api/device/disconnect", nil).Code, ShouldEqual, http.StatusConflict)
		})

		Convey("connects on request", func() {
			rr := api.do("POST", "/api/device/connect", ConnectPayload{Port: "SIM0"})
			So(rr.Code, ShouldEqual, http.StatusOK)
			So(ENV.Device.Status().Port, ShouldEqual, "SIM0")

			So(api.do("POST", "/api/device/connect", ConnectPayload{Port: "SIM1"}).Code, ShouldEqual, http.StatusConflict)

			Convey("accepts commands", func() {
				rr := api.do("POST", "/api/device/command", comms.Cmd{Cmd: "position", Value: 400})
				So(rr.Code, ShouldEqual, http.StatusAccepted)
				So(api.do("POST", "/api/device/command", comms.Cmd{Cmd: "enable"}).Code, ShouldEqual, http.StatusAccepted)

				So(api.do("POST", "/api/device/command", comms.Cmd{Cmd: "fly"}).Code, ShouldEqual, http.StatusBadRequest)
				So(api.do("POST", "/api/device/command", map[string]string{}).Code, ShouldEqual, http.StatusBadRequest)
			})

			Convey("serves the telemetry snapshot", func() {
				time.Sleep(60 * time.Millisecond)
				rr := api.do("GET", "/api/device/telemetry", nil)
				So(rr.Code, ShouldEqual, http.StatusOK)

				var telem map[string][][2]float64
				So(json.Unmarshal(rr.Body.Bytes(), &telem), ShouldBeNil)
				So(telem, ShouldHaveLength, 12)
				So(len(telem["torque_sns"]), ShouldBeGreaterThan, 0)
			})

			Convey("disconnects on request", func() {
				So(api.do("POST", "/api/device/disconnect", nil).Code, ShouldEqual, http.StatusOK)
				So(ENV.Device.Status().Connected, ShouldBeFalse)
			})
		})
	})

	Convey("The telemetry socket streams frames", t, func() {
		ENV.Device.Disconnect()
		So(ENV.Device.Connect(""), ShouldBeNil)

		server := httptest.NewServer(api.handler)
		defer server.Close()

		url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/telemetry?jwt=" + token
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		So(err, ShouldBeNil)
		defer conn.Close()
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))

		var p comms.Payload
		for p.Type != comms.MSG_FRAME {
			So(conn.ReadJSON(&p), ShouldBeNil)
		}
		So(p.Frame.Tag, ShouldBeIn, []byte{'z', 'p'})
	})
}

func TestErrDevice(t *testing.T) {
	Convey("Connection failures map by reason", t, func() {
		cases := map[string]int{
			deverrors.ReasonNotFound:   http.StatusNotFound,
			deverrors.ReasonBusy:       http.StatusConflict,
			deverrors.ReasonPermission: http.StatusForbidden,
			deverrors.ReasonOther:      http.StatusInternalServerError,
		}
		for reason, status := range cases {
			err := &deverrors.ConnectionError{Port: "COM1", Reason: reason, Err: errors.New("boom")}
			resp := ErrDevice(err).(*ErrResponse)
			So(resp.HTTPStatusCode, ShouldEqual, status)
			So(resp.Reason, ShouldEqual, reason)
		}
	})

	Convey("Anything else is a server error", t, func() {
		So(ErrDevice(errors.New("boom")).(*ErrResponse).HTTPStatusCode, ShouldEqual, http.StatusInternalServerError)
	})
}
