// Command autopilot watches the rover camera, detects obstacles and steers the
// vehicle around them through the relay or a direct serial link.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"roverpilot/internal/app"
	"roverpilot/internal/util"
)

func main() {
	cfgPath := flag.String("c", "configs/config.yml", "path to configuration file")
	envFile := flag.String("env", ".env", "optional dotenv file")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	util.SetupLogger(*verbose)
	util.Info("[Main] Using config: %s", *cfgPath)

	sys, err := app.NewSystem(*cfgPath, *envFile)
	if err != nil {
		log.Fatalf("failed to create system: %v", err)
	}
	if sys.Config.Log.Debug {
		util.SetupLogger(true)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sys.Run(ctx); err != nil {
		log.Fatalf("autopilot: %v", err)
	}
	util.Info("[Main] System stopped cleanly.")
}
