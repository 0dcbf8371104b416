// Command bridge runs on the vehicle: it joins the relay room and writes each
// command it receives to the motor controller's serial port.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"roverpilot/internal/bridge"
	"roverpilot/internal/device"
	"roverpilot/internal/model"
	"roverpilot/internal/util"
)

func main() {
	cfgPath := flag.String("c", "", "optional configuration file")
	dev := flag.String("dev", "", "motor controller serial device (overrides config)")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	util.SetupLogger(*verbose)
	cfg, err := model.LoadConfig(*cfgPath, ".env")
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *dev != "" {
		cfg.Link.SerialDevice = *dev
	}
	if cfg.Link.SerialDevice == "" {
		log.Fatal("no motor controller device: set link.serial_device or -dev")
	}

	port, err := device.NewSerialDevice(cfg.Link.SerialDevice, cfg.Link.SerialBaud)
	if err != nil {
		log.Fatalf("open motor controller: %v", err)
	}
	motor := device.NewMotor(cfg.Link.SerialDevice, port)
	defer func() {
		if cerr := motor.Close(); cerr != nil {
			util.Warn("[Main] close motor: %v", cerr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	feedback := make(chan string, 16)
	go motor.Feedback(ctx.Done(), feedback)
	go func() {
		for line := range feedback {
			util.Debug("[Bridge] controller: %s", line)
		}
	}()

	b := bridge.New(cfg.Link.URL, model.Ms(cfg.Link.ReconnectDelayMs), motor)
	b.Run(ctx)

	if err := motor.Drive(model.Stop); err != nil {
		util.Warn("[Main] final stop: %v", err)
	}
	st := b.Stats()
	util.Info("[Main] bridge stopped: received=%d driven=%d rejected=%d reconnects=%d", st.Received, st.Driven, st.Rejected, st.Reconnect)
}
