// Package goble adapts github.com/go-ble/ble to the internal ble.Radio
// surface. Nothing above this package imports go-ble directly.
package goble

import (
	"context"
	"fmt"
	"strings"

	blelib "github.com/go-ble/ble"
	"github.com/go-ble/ble/darwin"
	"github.com/sirupsen/logrus"

	"github.com/srg/pulsecam/internal/ble"
)

// DeviceFactory creates the raw ble.Device (overridable in tests).
var DeviceFactory = func() (blelib.Device, error) {
	dev, err := darwin.NewDevice()
	if err != nil {
		// Map Bluetooth adapter state errors onto the shared taxonomy so
		// callers can tell "radio off" from a genuine failure.
		if strings.Contains(err.Error(), "central manager has invalid state") {
			return nil, fmt.Errorf("%w: %v", ble.ErrRadioNotReady, err)
		}
		return nil, err
	}
	return dev, nil
}

type radio struct {
	dev    blelib.Device
	logger *logrus.Logger
}

// NewRadio creates the production radio. It fails with ErrRadioNotReady
// (wrapped) when the adapter is not powered on.
func NewRadio(logger *logrus.Logger) (ble.Radio, error) {
	if logger == nil {
		logger = logrus.New()
	}
	dev, err := DeviceFactory()
	if err != nil {
		return nil, err
	}
	blelib.SetDefaultDevice(dev)
	return &radio{dev: dev, logger: logger}, nil
}

func (r *radio) Ready() bool {
	return r.dev != nil
}

func (r *radio) Scan(ctx context.Context, allowDup bool, handler func(ble.Advertisement)) error {
	return r.dev.Scan(ctx, allowDup, func(adv blelib.Advertisement) {
		handler(newAdvertisement(adv))
	})
}

func (r *radio) Dial(ctx context.Context, addr string) (ble.Client, error) {
	client, err := blelib.Dial(ctx, blelib.NewAddr(addr))
	if err != nil {
		return nil, err
	}

	profile, err := client.DiscoverProfile(true)
	if err != nil {
		_ = client.CancelConnection()
		return nil, fmt.Errorf("profile discovery failed: %w", err)
	}

	return newClient(client, profile, r.logger), nil
}
