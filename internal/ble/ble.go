// Package ble defines the narrow radio surface the managers are built on.
// The go-ble adapter in the goble subpackage is the only production
// implementation; tests substitute their own.
package ble

import "context"

// Standard Heart Rate profile UUIDs, normalized (lowercase, no dashes).
// Some stacks advertise the short 16-bit form, others the full 128-bit
// Bluetooth base form; UUIDMatches handles both.
const (
	HeartRateServiceUUID     = "180d"
	HeartRateMeasurementUUID = "2a37"
)

// Advertisement is a single sighting of a peripheral broadcast.
type Advertisement interface {
	LocalName() string
	Addr() string
	RSSI() int
	Services() []string // normalized UUIDs
	Connectable() bool
}

// Radio abstracts the platform BLE adapter. Scan blocks until the context
// is done or the scan fails; the handler runs on the radio goroutine.
type Radio interface {
	Ready() bool
	Scan(ctx context.Context, allowDup bool, handler func(Advertisement)) error
	Dial(ctx context.Context, addr string) (Client, error)
}

// Characteristic describes one discovered GATT characteristic.
type Characteristic struct {
	UUID       string // normalized
	Notifiable bool
}

// Service groups the characteristics discovered under one GATT service.
type Service struct {
	UUID            string // normalized
	Characteristics []Characteristic
}

// Client is a live peripheral connection after profile discovery.
type Client interface {
	Services() []Service
	Subscribe(charUUID string, handler func(data []byte)) error
	Unsubscribe(charUUID string) error
	CancelConnection() error
}

// IsHeartRateService reports whether a normalized service UUID is the
// standard Heart Rate service.
func IsHeartRateService(uuid string) bool {
	return UUIDMatches(uuid, HeartRateServiceUUID)
}

// IsHeartRateMeasurement reports whether a normalized characteristic UUID
// is the Heart Rate Measurement characteristic.
func IsHeartRateMeasurement(uuid string) bool {
	return UUIDMatches(uuid, HeartRateMeasurementUUID)
}
