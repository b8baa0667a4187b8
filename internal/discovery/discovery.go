// Package discovery turns raw radio advertisements into a deduplicated
// stream of heart-rate peripheral sightings.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/srg/pulsecam/internal/ble"
	"github.com/srg/pulsecam/internal/groutine"
	"github.com/srg/pulsecam/internal/ringchan"
)

// Device is one discovered peripheral. Address is normalized; immutable
// once created.
type Device struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// EventKind marks what happened.
type EventKind int

const (
	// EventDeviceFound is emitted on the first sighting of a matching
	// peripheral within a session.
	EventDeviceFound EventKind = iota
	// EventRadioOff is emitted when the adapter powers off mid-scan;
	// continuous scanning halts.
	EventRadioOff
)

// Event is a discovery notification.
type Event struct {
	Kind   EventKind
	Device Device
}

// Options configures discovery behavior.
type Options struct {
	// ProductTokens are case-insensitive name fragments identifying the
	// supported product family. An advertisement matches when its name
	// contains any token OR it advertises the Heart Rate service.
	ProductTokens []string
	ScanWindow    time.Duration // continuous mode active window
	IdleWindow    time.Duration // continuous mode pause between windows
}

// DefaultOptions returns default discovery options.
func DefaultOptions() *Options {
	return &Options{
		ProductTokens: []string{"polar"},
		ScanWindow:    3 * time.Second,
		IdleWindow:    2 * time.Second,
	}
}

// Discoverer handles BLE peripheral discovery. A session's sightings are
// deduplicated by normalized address until Reset.
type Discoverer struct {
	radio  ble.Radio
	opts   *Options
	logger *logrus.Logger
	events *ringchan.RingChan[Event]

	mu         sync.Mutex
	seen       *hashmap.Map[string, Device]
	scanCancel context.CancelFunc
	contCancel context.CancelFunc
	running    bool
}

// New creates a Discoverer on the given radio.
func New(radio ble.Radio, opts *Options, logger *logrus.Logger) *Discoverer {
	if opts == nil {
		opts = DefaultOptions()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Discoverer{
		radio:  radio,
		opts:   opts,
		logger: logger,
		events: ringchan.New[Event](100),
		seen:   hashmap.New[string, Device](),
	}
}

// Scan runs a single scan session, blocking until duration elapses or ctx
// is done. Fails fast when the adapter is not powered on.
func (d *Discoverer) Scan(ctx context.Context, duration time.Duration) error {
	if !d.radio.Ready() {
		return fmt.Errorf("%w: adapter is not powered on", ble.ErrRadioNotReady)
	}

	scanCtx := ctx
	var cancel context.CancelFunc
	if duration > 0 {
		scanCtx, cancel = context.WithTimeout(ctx, duration)
	} else {
		scanCtx, cancel = context.WithCancel(ctx)
	}

	d.mu.Lock()
	d.scanCancel = cancel
	d.mu.Unlock()

	defer func() {
		cancel()
		d.mu.Lock()
		d.scanCancel = nil
		d.mu.Unlock()
	}()

	d.logger.WithField("duration", duration).Debug("Starting scan session")

	err := d.radio.Scan(scanCtx, false, d.handleAdvertisement)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("scan failed: %w", err)
	}
	return nil
}

// StartContinuous repeats short scan windows separated by idle windows
// until Stop is called or the adapter powers off. Calling it while
// already running is a no-op.
func (d *Discoverer) StartContinuous() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	d.running = true

	ctx, cancel := context.WithCancel(context.Background())
	d.contCancel = cancel
	groutine.Go(ctx, "discovery-continuous", d.runContinuous)
	d.logger.Debug("Continuous scanning started")
}

func (d *Discoverer) runContinuous(ctx context.Context) {
	d.logger.WithField("goroutine", groutine.GetName(ctx)).Debug("Scan loop running")
	for {
		if ctx.Err() != nil {
			return
		}

		if !d.radio.Ready() {
			d.haltOnPowerOff()
			return
		}

		if err := d.Scan(ctx, d.opts.ScanWindow); err != nil {
			if errors.Is(err, ble.ErrRadioNotReady) {
				d.haltOnPowerOff()
				return
			}
			d.logger.WithError(err).Warn("Scan window failed")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(d.opts.IdleWindow):
		}
	}
}

func (d *Discoverer) haltOnPowerOff() {
	d.logger.Warn("Adapter powered off, halting continuous scanning")
	d.mu.Lock()
	d.running = false
	d.contCancel = nil
	d.mu.Unlock()
	d.events.Send(Event{Kind: EventRadioOff})
}

// Stop halts any in-progress scan and the continuous loop. Safe to call
// when not scanning.
func (d *Discoverer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.scanCancel != nil {
		d.scanCancel()
		d.scanCancel = nil
	}
	if d.contCancel != nil {
		d.contCancel()
		d.contCancel = nil
	}
	d.running = false
}

// Pause stops scanning on behalf of the connection manager and reports
// whether continuous mode was active, so the caller can Resume it after.
func (d *Discoverer) Pause() bool {
	d.mu.Lock()
	was := d.running
	d.mu.Unlock()
	d.Stop()
	return was
}

// Resume restarts continuous scanning after a Pause.
func (d *Discoverer) Resume() {
	d.StartContinuous()
}

// Reset clears the session's deduplication set; the next sighting of a
// known device emits a fresh event. Rescans are explicit, user-triggered.
func (d *Discoverer) Reset() {
	d.mu.Lock()
	d.seen = hashmap.New[string, Device]()
	d.mu.Unlock()
}

// Running reports whether continuous scanning is active.
func (d *Discoverer) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Events returns the discovery event stream.
func (d *Discoverer) Events() <-chan Event {
	return d.events.C()
}

// Snapshot returns the devices discovered this session, sorted by address.
func (d *Discoverer) Snapshot() []Device {
	d.mu.Lock()
	seen := d.seen
	d.mu.Unlock()

	devices := make([]Device, 0, seen.Len())
	seen.Range(func(_ string, dev Device) bool {
		devices = append(devices, dev)
		return true
	})
	sort.Slice(devices, func(i, j int) bool {
		return devices[i].Address < devices[j].Address
	})
	return devices
}

func (d *Discoverer) handleAdvertisement(adv ble.Advertisement) {
	if !d.Matches(adv) {
		return
	}

	addr := ble.NormalizeAddr(adv.Addr())
	if addr == "" {
		return
	}
	dev := Device{Name: adv.LocalName(), Address: addr}

	d.mu.Lock()
	seen := d.seen
	d.mu.Unlock()

	if _, loaded := seen.GetOrInsert(addr, dev); loaded {
		// Repeat sighting within the session.
		return
	}

	d.logger.WithFields(logrus.Fields{
		"device":  dev.Name,
		"address": dev.Address,
		"rssi":    adv.RSSI(),
	}).Info("Discovered heart rate peripheral")

	d.events.Send(Event{Kind: EventDeviceFound, Device: dev})
}

// Matches applies the device filter: product-family name match or an
// advertised Heart Rate service.
func (d *Discoverer) Matches(adv ble.Advertisement) bool {
	name := strings.ToLower(adv.LocalName())
	if name != "" {
		for _, token := range d.opts.ProductTokens {
			if strings.Contains(name, strings.ToLower(token)) {
				return true
			}
		}
	}
	for _, uuid := range adv.Services() {
		if ble.IsHeartRateService(uuid) {
			return true
		}
	}
	return false
}
