package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/CodedInternet/simpos/onboard"
	"github.com/CodedInternet/simpos/onboard/hardware"
	"github.com/CodedInternet/simpos/onboard/serialbus"
)

func main() {
	port := flag.String("port", onboard.DefaultPort, "serial port the controller is on")
	listen := flag.Duration("listen", 2*time.Second, "how long to collect telemetry for")
	list := flag.Bool("list", false, "list serial ports and exit")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	if *list {
		ports, err := serialbus.ListPorts()
		if err != nil {
			log.Fatal().Err(err).Msg("unable to list ports")
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return
	}

	d, err := hardware.Connect(*port, serialbus.Config{}, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("unable to connect")
	}

	d.Submit(hardware.Enable{On: false})
	time.Sleep(*listen)
	d.Close()

	snap := d.Snapshot()
	total := 0
	for ch := hardware.Channel(0); ch < hardware.NumChannels; ch++ {
		total += snap.Len(ch)
	}
	if total == 0 {
		log.Fatal().Str("port", *port).Msg("no telemetry received")
	}

	fmt.Printf("Success! Received telemetry from %s: %v\n", *port, snap.Lengths())
}
