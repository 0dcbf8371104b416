// Command relay hosts the /auto-control room that carries autopilot commands
// to the vehicle bridge, serves the camera as an MPEG-TS stream and keeps the
// autopilot process running while the room is in use.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"roverpilot/internal/model"
	"roverpilot/internal/relay"
	"roverpilot/internal/util"
)

func main() {
	cfgPath := flag.String("c", "", "optional configuration file")
	addr := flag.String("addr", "", "listen address (overrides config)")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	util.SetupLogger(*verbose)
	cfg, err := model.LoadConfig(*cfgPath, ".env")
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *addr != "" {
		cfg.Relay.Addr = *addr
	}
	if port := os.Getenv("PORT"); port != "" && *addr == "" {
		cfg.Relay.Addr = ":" + port
	}

	hub := relay.NewHub(cfg.Relay)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if hub.Stream != nil && cfg.Source.URL != "" {
		go relay.NewFeed(cfg.Source.URL, cfg.Relay.Stream, hub.Stream).Run(ctx)
	}

	var sup *relay.Supervisor
	if ap := cfg.Relay.Autopilot; len(ap.Command) > 0 {
		env := []string{"RTSP_URL=" + cfg.Source.URL}
		if os.Getenv("AUTOPILOT_WS_URL") == "" && os.Getenv("NGROK_PUBLIC_URL") == "" {
			env = append(env, "AUTOPILOT_WS_URL=ws://"+loopback(cfg.Relay.Addr)+hub.Path)
		}
		sup = relay.NewSupervisor(relay.CommandLauncher(ap.Command, env...), model.Ms(ap.RestartMs))
		hub.OnOccupancy = sup.Occupancy
		if ap.Autostart {
			sup.Ensure()
		}
	}

	errCh := make(chan error, 1)
	go func() { errCh <- hub.Start() }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sig:
		util.Info("[Main] Shutting down relay...")
		cancel()
		if sup != nil {
			sup.Stop()
		}
		hub.Stop()
	case err := <-errCh:
		if err != nil {
			log.Fatalf("relay: %v", err)
		}
	}
}

// loopback turns a listen address into one a local child process can dial.
func loopback(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "127.0.0.1" + addr
	}
	return addr
}
