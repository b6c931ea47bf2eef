package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/cherrygifts/cherrychat/internal/app"
	"github.com/cherrygifts/cherrychat/internal/config"
	"github.com/cherrygifts/cherrychat/internal/profile"
	"github.com/cherrygifts/cherrychat/internal/tui"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	flag.Parse()

	name := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(name); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	cfg, err := config.LoadOrDefault(profile.ConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// The terminal belongs to tview, so logs only go to the profile's log file.
	var c *app.Client
	fxApp := fx.New(
		app.Module(app.Params{Profile: name, Binary: "cherrytui", Config: cfg, Quiet: true}),
		fx.Populate(&c),
		fx.WithLogger(func() fxevent.Logger { return fxevent.NopLogger }),
	)

	startCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	err = fxApp.Start(startCtx)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "start client: %v\n", err)
		os.Exit(1)
	}

	runErr := tui.NewApp(c, name).Run()

	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := fxApp.Stop(stopCtx); err != nil {
		fmt.Fprintf(os.Stderr, "stop client: %v\n", err)
	}
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", runErr)
		os.Exit(1)
	}
}
