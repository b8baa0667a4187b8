// Package testutils provides in-memory fakes of the radio and client
// interfaces for exercising discovery, connection, and bridge logic
// without hardware.
package testutils

import (
	"context"
	"sync"

	"github.com/srg/pulsecam/internal/ble"
)

// FakeAdvertisement is a canned advertisement.
type FakeAdvertisement struct {
	Name        string
	Address     string
	Rssi        int
	ServiceUUID []string
}

func (a FakeAdvertisement) LocalName() string  { return a.Name }
func (a FakeAdvertisement) Addr() string       { return a.Address }
func (a FakeAdvertisement) RSSI() int          { return a.Rssi }
func (a FakeAdvertisement) Services() []string { return a.ServiceUUID }
func (a FakeAdvertisement) Connectable() bool  { return true }

// HeartRateAdvertisement returns an advertisement carrying the Heart
// Rate service UUID.
func HeartRateAdvertisement(name, addr string) FakeAdvertisement {
	return FakeAdvertisement{
		Name:        name,
		Address:     addr,
		Rssi:        -60,
		ServiceUUID: []string{ble.HeartRateServiceUUID},
	}
}

// FakeRadio implements ble.Radio from canned data. Zero value is a
// powered-on radio with nothing to advertise.
type FakeRadio struct {
	mu sync.Mutex

	PoweredOff bool
	// Advs is delivered to every scan handler, once per scan.
	Advs []FakeAdvertisement
	// ScanErrs are consumed one per Scan call; a nil entry means the scan
	// runs normally.
	ScanErrs []error
	// DialErrs are consumed one per Dial call.
	DialErrs []error
	// Clients maps normalized address to the client Dial returns. A miss
	// falls back to a fresh heart-rate client.
	Clients map[string]*FakeClient

	scanCalls int
	dialCalls int
	dialed    []string
}

func (r *FakeRadio) Ready() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.PoweredOff
}

// Scan delivers the canned advertisements to handler, then blocks until
// ctx is done, matching real scan behavior.
func (r *FakeRadio) Scan(ctx context.Context, _ bool, handler func(ble.Advertisement)) error {
	r.mu.Lock()
	r.scanCalls++
	var err error
	if len(r.ScanErrs) > 0 {
		err = r.ScanErrs[0]
		r.ScanErrs = r.ScanErrs[1:]
	}
	advs := make([]FakeAdvertisement, len(r.Advs))
	copy(advs, r.Advs)
	r.mu.Unlock()

	if err != nil {
		return err
	}
	for _, adv := range advs {
		if ctx.Err() != nil {
			break
		}
		handler(adv)
	}
	<-ctx.Done()
	return ctx.Err()
}

func (r *FakeRadio) Dial(_ context.Context, addr string) (ble.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dialCalls++
	r.dialed = append(r.dialed, addr)
	if len(r.DialErrs) > 0 {
		err := r.DialErrs[0]
		r.DialErrs = r.DialErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if c, ok := r.Clients[ble.NormalizeAddr(addr)]; ok {
		return c, nil
	}
	return NewHeartRateClient(), nil
}

// ScanCalls returns how many scans were started.
func (r *FakeRadio) ScanCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scanCalls
}

// DialCalls returns how many dials were attempted.
func (r *FakeRadio) DialCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dialCalls
}

// Dialed returns the addresses dialed, in order.
func (r *FakeRadio) Dialed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.dialed))
	copy(out, r.dialed)
	return out
}

// FakeClient implements ble.Client over a canned service table and lets
// tests push notifications through subscribed handlers.
type FakeClient struct {
	mu sync.Mutex

	Svcs         []ble.Service
	SubscribeErr error

	handlers     map[string]func([]byte)
	unsubscribed []string
	cancelled    bool
}

// NewHeartRateClient returns a client exposing the standard Heart Rate
// service with a notifiable measurement characteristic.
func NewHeartRateClient() *FakeClient {
	return &FakeClient{
		Svcs: []ble.Service{{
			UUID: ble.HeartRateServiceUUID,
			Characteristics: []ble.Characteristic{{
				UUID:       ble.HeartRateMeasurementUUID,
				Notifiable: true,
			}},
		}},
	}
}

func (c *FakeClient) Services() []ble.Service {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Svcs
}

func (c *FakeClient) Subscribe(charUUID string, handler func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SubscribeErr != nil {
		return c.SubscribeErr
	}
	if c.handlers == nil {
		c.handlers = make(map[string]func([]byte))
	}
	c.handlers[ble.NormalizeUUID(charUUID)] = handler
	return nil
}

func (c *FakeClient) Unsubscribe(charUUID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := ble.NormalizeUUID(charUUID)
	delete(c.handlers, key)
	c.unsubscribed = append(c.unsubscribed, key)
	return nil
}

func (c *FakeClient) CancelConnection() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled = true
	return nil
}

// PushNotification invokes the handler subscribed on charUUID with data.
// Returns false when nothing is subscribed.
func (c *FakeClient) PushNotification(charUUID string, data []byte) bool {
	c.mu.Lock()
	handler, ok := c.handlers[ble.NormalizeUUID(charUUID)]
	c.mu.Unlock()
	if !ok {
		return false
	}
	handler(data)
	return true
}

// Cancelled reports whether CancelConnection was called.
func (c *FakeClient) Cancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

// Unsubscribed returns the characteristic UUIDs unsubscribed, in order.
func (c *FakeClient) Unsubscribed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.unsubscribed))
	copy(out, c.unsubscribed)
	return out
}
