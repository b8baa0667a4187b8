package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/srg/pulsecam/internal/ble"
)

// FormatUserError maps internal errors to actionable one-liners. Anything
// unmapped falls through verbatim.
func FormatUserError(err error) string {
	switch {
	case errors.Is(err, ble.ErrRadioNotReady):
		return "Bluetooth is turned off. Enable Bluetooth and try again."
	case errors.Is(err, ble.ErrInvalidAddress):
		return "The device address is empty or malformed."
	case errors.Is(err, ble.ErrDeviceNotFound):
		return fmt.Sprintf("Device not found: %s. Make sure the strap is worn and in range.", trimPrefix(err, ble.ErrDeviceNotFound))
	case errors.Is(err, ble.ErrConnectFailed):
		return "Could not connect to the device. Move closer and try again."
	}

	var notFound *ble.NotFoundError
	if errors.As(err, &notFound) {
		return fmt.Sprintf("The device does not look like a heart rate strap: %s", notFound.Error())
	}
	return err.Error()
}

func trimPrefix(err, sentinel error) string {
	msg := strings.TrimPrefix(err.Error(), sentinel.Error())
	return strings.TrimPrefix(msg, ": ")
}
