package main

import (
	"errors"
	"strconv"

	"github.com/abiosoft/ishell"

	"github.com/CodedInternet/simpos/comms"
	"github.com/CodedInternet/simpos/onboard/hardware"
)

// newShell builds the local development shell around the running device.
func newShell() *ishell.Shell {
	shell := ishell.New()
	shell.Println("Simpos development shell")
	shell.ShowPrompt(true)

	shell.AddCmd(&ishell.Cmd{
		Name: "createsuperuser",
		Help: "createsuperuser <email> <password>",
		Func: func(c *ishell.Context) {
			// disable the '>>>' for cleaner same line input.
			c.ShowPrompt(false)
			defer c.ShowPrompt(true)

			var email string
			if len(c.Args) >= 1 {
				email = c.Args[0]
			} else {
				c.Print("Email: ")
				email = c.ReadLine()
			}

			var password string
			if len(c.Args) >= 2 {
				password = c.Args[1]
			} else {
				c.Print("Password: ")
				password = c.ReadPassword()
			}

			if err := createSuperuser(email, password); err != nil {
				c.Err(err)
				return
			}
			c.Println("Superuser created")
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "ports",
		Help: "list serial ports",
		Func: func(c *ishell.Context) {
			ports, err := listPorts()
			if err != nil {
				c.Err(err)
				return
			}
			for _, p := range ports {
				c.Println(p)
			}
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "connect",
		Help: "connect [port]",
		Completer: func([]string) []string {
			ports, _ := listPorts()
			return ports
		},
		Func: func(c *ishell.Context) {
			var port string
			if len(c.Args) > 0 {
				port = c.Args[0]
			}
			if err := ENV.Device.Connect(port); err != nil {
				c.Err(err)
				return
			}
			c.Printf("Connected to %s\n", ENV.Device.Status().Port)
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "disconnect",
		Help: "close the serial link",
		Func: func(c *ishell.Context) {
			if err := ENV.Device.Disconnect(); err != nil {
				c.Err(err)
			}
		},
	})

	for _, name := range []string{"enable", "disable", "home"} {
		name := name
		shell.AddCmd(&ishell.Cmd{
			Name: name,
			Help: name + " the motor",
			Func: func(c *ishell.Context) {
				if err := ENV.Conductor.ProcessCommand(comms.Cmd{Cmd: name}); err != nil {
					c.Err(err)
				}
			},
		})
	}

	shell.AddCmd(&ishell.Cmd{
		Name: "pos",
		Help: "pos <target>",
		Func: func(c *ishell.Context) {
			if len(c.Args) != 1 {
				c.Err(errors.New("Usage: pos <target>"))
				return
			}
			target, err := strconv.ParseFloat(c.Args[0], 64)
			if err != nil {
				c.Err(err)
				return
			}
			c.Printf("Moving to %d\n", int64(target))
			if err := ENV.Conductor.ProcessCommand(comms.Cmd{Cmd: "position", Value: target}); err != nil {
				c.Err(err)
			}
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "telemetry",
		Help: "show sample counts and the latest value per channel",
		Func: func(c *ishell.Context) {
			telem, err := ENV.Device.Telemetry()
			if err != nil {
				c.Err(err)
				return
			}

			for _, line := range telemetrySummary(&telem) {
				c.Println(line)
			}
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "status",
		Func: func(c *ishell.Context) {
			s := ENV.Device.Status()
			c.Printf("connected=%v port=%s simulated=%v bridge=%s pending=%d\n",
				s.Connected, s.Port, s.Simulated, s.Bridge, s.Pending)
		},
	})

	return shell
}

func telemetrySummary(t *hardware.MotorTelemetry) (lines []string) {
	for ch := hardware.Channel(0); ch < hardware.NumChannels; ch++ {
		series := t.Series(ch)
		line := ch.String() + ": " + strconv.Itoa(len(series)) + " samples"
		if len(series) > 0 {
			last := series[len(series)-1]
			line += ", last " + strconv.FormatFloat(last.Value, 'f', 3, 64) + " @ " +
				strconv.FormatFloat(last.Time, 'f', 0, 64)
		}
		lines = append(lines, line)
	}
	return
}

func createSuperuser(email, password string) error {
	if email == "" || password == "" {
		return errors.New("email and password are required")
	}

	user := &Operator{
		Email: email,
		Name:  email,
		Admin: true,
	}
	if err := user.SetPassword([]byte(password)); err != nil {
		return err
	}
	return ENV.DB.Save(user)
}
