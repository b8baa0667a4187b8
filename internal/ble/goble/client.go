package goble

import (
	"fmt"

	blelib "github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/pulsecam/internal/ble"
)

// client wraps a live go-ble connection plus its discovered profile.
type client struct {
	raw      blelib.Client
	services []ble.Service
	chars    map[string]*blelib.Characteristic // normalized UUID -> live handle
	logger   *logrus.Logger
}

func newClient(raw blelib.Client, profile *blelib.Profile, logger *logrus.Logger) *client {
	c := &client{
		raw:    raw,
		chars:  make(map[string]*blelib.Characteristic),
		logger: logger,
	}

	for _, svc := range profile.Services {
		s := ble.Service{UUID: ble.NormalizeUUID(svc.UUID.String())}
		for _, char := range svc.Characteristics {
			uuid := ble.NormalizeUUID(char.UUID.String())
			notifiable := char.Property&blelib.CharNotify != 0 || char.Property&blelib.CharIndicate != 0
			s.Characteristics = append(s.Characteristics, ble.Characteristic{
				UUID:       uuid,
				Notifiable: notifiable,
			})
			c.chars[uuid] = char
		}
		c.services = append(c.services, s)
		c.logger.WithFields(logrus.Fields{
			"service_uuid": s.UUID,
			"chars":        len(s.Characteristics),
		}).Debug("Discovered service")
	}

	return c
}

func (c *client) Services() []ble.Service {
	return c.services
}

func (c *client) Subscribe(charUUID string, handler func(data []byte)) error {
	char, ok := c.chars[ble.NormalizeUUID(charUUID)]
	if !ok {
		return &ble.NotFoundError{Resource: "characteristic", UUID: charUUID, Available: c.charUUIDs()}
	}
	return c.raw.Subscribe(char, false, func(data []byte) {
		handler(data)
	})
}

// Unsubscribe tries both notify and indicate modes; it fails only when
// both do, matching how peripherals report their CCCD state.
func (c *client) Unsubscribe(charUUID string) error {
	char, ok := c.chars[ble.NormalizeUUID(charUUID)]
	if !ok {
		return &ble.NotFoundError{Resource: "characteristic", UUID: charUUID, Available: c.charUUIDs()}
	}
	err1 := c.raw.Unsubscribe(char, false)
	err2 := c.raw.Unsubscribe(char, true)
	if err1 != nil && err2 != nil {
		return fmt.Errorf("unsubscribe %s: notify=%v, indicate=%v", charUUID, err1, err2)
	}
	return nil
}

func (c *client) CancelConnection() error {
	return c.raw.CancelConnection()
}

func (c *client) charUUIDs() []string {
	uuids := make([]string, 0, len(c.chars))
	for uuid := range c.chars {
		uuids = append(uuids, uuid)
	}
	return uuids
}
