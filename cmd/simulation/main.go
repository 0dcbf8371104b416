// Motor controller simulator: creates a virtual serial pair with socat and
// plays the controller on one end, so the autopilot serial link or the bridge
// can be run on a laptop without hardware.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"roverpilot/internal/device"
	"roverpilot/internal/util"
)

func main() {
	host := flag.String("host", "/tmp/ttyROVER", "end handed to the autopilot or bridge")
	ctrl := flag.String("ctrl", "/tmp/ttyMOTOR", "end played by the simulator")
	baud := flag.Int("baud", 9600, "baud rate")
	flag.Parse()

	util.SetupLogger(true)
	socat := util.NewSocatManager()
	defer socat.Cleanup()
	if err := socat.CreatePair(*host, *ctrl); err != nil {
		log.Fatalf("virtual serial: %v", err)
	}
	if err := socat.WaitReady(*ctrl, 2*time.Second); err != nil {
		log.Fatalf("virtual serial: %v", err)
	}

	port, err := device.NewSerialDevice(*ctrl, *baud)
	if err != nil {
		log.Fatalf("open %s: %v", *ctrl, err)
	}
	defer func() { _ = port.Close() }()

	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- device.Simulate("sim", port, stop) }()
	util.Info("[Sim] point link.serial_device at %s", *host)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sig:
		close(stop)
		<-done
	case err := <-done:
		util.Error("[Sim] controller ended: %v", err)
	}
}
