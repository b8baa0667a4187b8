package goble

import (
	blelib "github.com/go-ble/ble"

	"github.com/srg/pulsecam/internal/ble"
)

// advertisement adapts a raw go-ble advertisement to ble.Advertisement.
type advertisement struct {
	adv blelib.Advertisement
}

func newAdvertisement(adv blelib.Advertisement) ble.Advertisement {
	return &advertisement{adv: adv}
}

func (a *advertisement) LocalName() string {
	return a.adv.LocalName()
}

func (a *advertisement) Addr() string {
	return a.adv.Addr().String()
}

func (a *advertisement) RSSI() int {
	return a.adv.RSSI()
}

func (a *advertisement) Services() []string {
	raw := a.adv.Services()
	uuids := make([]string, 0, len(raw))
	for _, u := range raw {
		uuids = append(uuids, ble.NormalizeUUID(u.String()))
	}
	return uuids
}

func (a *advertisement) Connectable() bool {
	return a.adv.Connectable()
}
