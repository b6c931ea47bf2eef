package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/cherrygifts/cherrychat/internal/app"
	"github.com/cherrygifts/cherrychat/internal/config"
	"github.com/cherrygifts/cherrychat/internal/profile"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
)

var (
	profileFlag string
	jsonOutput  bool
	verbose     bool
)

var rootCmd = &cobra.Command{
	Use:           "cherryctl",
	Short:         "Command line client for cherrychat support conversations",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&profileFlag, "profile", "", "profile name (overrides config default)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log to stderr")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// withClient starts the client stack for the resolved profile, runs fn and
// shuts the stack down again.
func withClient(fn func(ctx context.Context, c *app.Client) error) error {
	name := profile.Resolve(profileFlag)
	if err := profile.ValidateName(name); err != nil {
		return err
	}
	cfg, err := config.LoadOrDefault(profile.ConfigPath())
	if err != nil {
		return err
	}

	var c *app.Client
	fxApp := fx.New(
		app.Module(app.Params{Profile: name, Binary: "cherryctl", Config: cfg, Quiet: !verbose}),
		fx.Populate(&c),
		fx.WithLogger(func() fxevent.Logger { return fxevent.NopLogger }),
	)
	if err := fxApp.Err(); err != nil {
		return err
	}

	startCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := fxApp.Start(startCtx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = fxApp.Stop(stopCtx)
	}()

	return fn(context.Background(), c)
}

// waitOnline gives the backend connection a moment to come up, so one-shot
// commands do not queue a message the backend could take right away.
func waitOnline(c *app.Client, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if c.Monitor.IsOnline() {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return c.Monitor.IsOnline()
}

func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
