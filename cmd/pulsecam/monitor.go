package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/pulsecam/internal/ble/goble"
	"github.com/srg/pulsecam/internal/bridge"
	"github.com/srg/pulsecam/internal/config"
	"github.com/srg/pulsecam/internal/connmgr"
	"github.com/srg/pulsecam/internal/discovery"
	"github.com/srg/pulsecam/internal/users"
)

// monitorCmd represents the monitor command
var monitorCmd = &cobra.Command{
	Use:   "monitor [address...]",
	Short: "Connect to straps and stream heart rate",
	Long: `Connect to one or more heart-rate straps and stream smoothed BPM
readings until interrupted.

With no addresses, scans continuously and connects to every matching
strap as it appears, up to the configured user limit.`,
	RunE: runMonitor,
}

var monitorTimeout time.Duration

func init() {
	monitorCmd.Flags().DurationVarP(&monitorTimeout, "timeout", "t", 30*time.Second, "Per-device connect timeout")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	logger, err := configureLogger(cmd)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	radio, err := goble.NewRadio(logger)
	if err != nil {
		return fmt.Errorf("failed to initialize Bluetooth: %w", err)
	}

	disc := discovery.New(radio, discoveryOptions(cfg), logger)
	mgr := connmgr.New(radio, disc, connectOptions(cfg), logger)
	registry := users.New(userOptions(cfg), logger)
	br := bridge.New(disc, mgr, registry, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		fmt.Println("\nCtrl+C pressed, disconnecting...")
		cancel()
	}()

	br.Start(ctx)
	defer br.Stop()

	if len(args) == 0 {
		// Autoconnect mode: every discovered strap gets a connect attempt.
		br.StartScanning()
		fmt.Println("Scanning for heart rate straps, Ctrl+C to stop...")
	} else {
		for _, addr := range args {
			go func(addr string) {
				if _, err := br.Connect(ctx, addr, monitorTimeout); err != nil {
					logger.WithError(err).WithField("address", addr).Warn("Connect failed")
				}
			}(addr)
		}
	}

	return streamEvents(ctx, br, logger, len(args) == 0)
}

func connectOptions(cfg *config.Config) *connmgr.Options {
	return &connmgr.Options{
		LocateTimeout: cfg.Connect.LocateTimeout,
		ScanAttempts:  cfg.Connect.ScanAttempts,
		ScanBackoff:   cfg.Connect.ScanBackoff,
		DialAttempts:  cfg.Connect.DialAttempts,
		DialBackoff:   cfg.Connect.DialBackoff,
		SettleIdle:    cfg.Connect.SettleIdle,
		SettleBusy:    cfg.Connect.SettleBusy,
	}
}

func userOptions(cfg *config.Config) *users.Options {
	return &users.Options{
		MaxUsers:          cfg.Users.MaxUsers,
		SmoothingWindow:   cfg.HeartRate.SmoothingWindow,
		StaleAfter:        cfg.HeartRate.StaleAfter,
		VisibilityTimeout: cfg.Users.VisibilityTimeout,
		SweepInterval:     cfg.Users.SweepInterval,
		Palette:           cfg.Users.Palette,
		DeviceColors:      cfg.Users.DeviceColors,
	}
}

func streamEvents(ctx context.Context, br *bridge.Bridge, logger *logrus.Logger, autoconnect bool) error {
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	red := color.New(color.FgRed)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-br.Events():
			switch e := ev.(type) {
			case bridge.DeviceDiscovered:
				yellow.Printf("discovered  %s (%s)\n", e.Device.Name, e.Device.Address)
				if autoconnect {
					go func(addr string) {
						if _, err := br.Connect(ctx, addr, monitorTimeout); err != nil {
							logger.WithError(err).WithField("address", addr).Warn("Autoconnect failed")
						}
					}(e.Device.Address)
				}
			case bridge.Connected:
				green.Printf("connected   %s (%s) -> user %d\n", e.Name, e.Address, e.UserID)
			case bridge.Disconnected:
				if e.Address == "" {
					yellow.Println("disconnected all")
				} else {
					yellow.Printf("disconnected %s\n", e.Address)
				}
			case bridge.HeartRate:
				contact := " "
				if e.Contact {
					contact = "*"
				}
				fmt.Printf("user %d %s %3d bpm (raw %d) %s\n", e.UserID, contact, e.BPM, e.Raw, e.Address)
			case bridge.RadioOff:
				red.Println("Bluetooth adapter powered off")
				return fmt.Errorf("Bluetooth adapter powered off")
			case bridge.Error:
				red.Printf("error on %s: %s\n", e.Address, FormatUserError(e.Err))
			}
		}
	}
}
