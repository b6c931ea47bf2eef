package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/cherrygifts/cherrychat/internal/backend"
	"github.com/cherrygifts/cherrychat/internal/config"
	"github.com/cherrygifts/cherrychat/internal/profile"
	"go.uber.org/fx"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	addrFlag := flag.String("addr", "", "gRPC listen address (default: backend_addr from config)")
	metricsFlag := flag.String("metrics", "127.0.0.1:9420", "prometheus listen address, empty to disable")
	seedFlag := flag.String("seed", "", "TOML fixture with users, conversations and messages")
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

	p := backend.Params{
		Profile:     name,
		Addr:        cfg.BackendAddr,
		MetricsAddr: *metricsFlag,
		SeedPath:    *seedFlag,
	}
	if *addrFlag != "" {
		p.Addr = *addrFlag
	}

	app := fx.New(
		backend.Module(p),
	)

	app.Run()
}
