package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/pulsecam/internal/ble/goble"
	"github.com/srg/pulsecam/internal/config"
	"github.com/srg/pulsecam/internal/discovery"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for heart-rate straps",
	Long: `Scan for Bluetooth LE heart-rate peripherals and display them.

A peripheral is shown when its name matches a supported product token or
it advertises the standard Heart Rate service.`,
	RunE: runScan,
}

var (
	scanDuration time.Duration
	scanFormat   string
	scanWatch    bool
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 10*time.Second, "Scan duration (0 for indefinite)")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
	scanCmd.Flags().BoolVarP(&scanWatch, "watch", "w", false, "Continuously scan and update results")
}

func runScan(cmd *cobra.Command, args []string) error {
	if scanFormat != "table" && scanFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be table or json", scanFormat)
	}

	logger, err := configureLogger(cmd)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	radio, err := goble.NewRadio(logger)
	if err != nil {
		return fmt.Errorf("failed to initialize Bluetooth: %w", err)
	}

	disc := discovery.New(radio, discoveryOptions(cfg), logger)

	if scanWatch {
		return runWatchScan(disc, logger)
	}
	return runSingleScan(disc, logger)
}

func discoveryOptions(cfg *config.Config) *discovery.Options {
	return &discovery.Options{
		ProductTokens: cfg.Discovery.ProductTokens,
		ScanWindow:    cfg.Discovery.ScanWindow,
		IdleWindow:    cfg.Discovery.IdleWindow,
	}
}

func runSingleScan(disc *discovery.Discoverer, logger *logrus.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		fmt.Println("\nCtrl+C pressed, cancelling scan...")
		cancel()
	}()

	fmt.Printf("Scanning for heart rate straps (%s)...\n", scanDuration)
	if err := disc.Scan(ctx, scanDuration); err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Error("scan failed")
		return err
	}
	return displayDevices(disc.Snapshot())
}

func runWatchScan(disc *discovery.Discoverer, logger *logrus.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		fmt.Println("\nCtrl+C pressed, cancelling scan...")
		cancel()
	}()

	disc.StartContinuous()
	defer disc.Stop()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return displayDevices(disc.Snapshot())
		case ev := <-disc.Events():
			if ev.Kind == discovery.EventRadioOff {
				return errors.New("Bluetooth adapter powered off")
			}
		case <-ticker.C:
			clearScreen()
			if err := displayDevices(disc.Snapshot()); err != nil {
				return err
			}
		}
	}
}

func displayDevices(devices []discovery.Device) error {
	if scanFormat == "json" {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(devices)
	}

	if len(devices) == 0 {
		fmt.Println("No heart rate straps discovered")
		return nil
	}

	var base io.Writer = os.Stdout
	w := tabwriter.NewWriter(base, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS")
	fmt.Fprintln(w, strings.Repeat("-", 50))
	for _, d := range devices {
		name := d.Name
		if name == "" {
			name = "(unnamed)"
		}
		fmt.Fprintf(w, "%s\t%s\n", name, d.Address)
	}
	return w.Flush()
}

func clearScreen() {
	fmt.Fprint(os.Stdout, "\033[2J\033[H")
}
