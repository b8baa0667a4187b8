// Package bridge is the application-facing facade over discovery, the
// connection manager, and the user registry. Callers submit typed
// requests and consume a single merged event stream; strap-to-user
// assignment happens here, on connection events.
package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/srg/pulsecam/internal/connmgr"
	"github.com/srg/pulsecam/internal/discovery"
	"github.com/srg/pulsecam/internal/groutine"
	"github.com/srg/pulsecam/internal/ringchan"
	"github.com/srg/pulsecam/internal/users"
)

// RequestKind identifies a bridge operation. The set is closed; Do
// rejects anything else.
type RequestKind string

const (
	RequestStartScanning      RequestKind = "start_scanning"
	RequestStopScanning       RequestKind = "stop_scanning"
	RequestConnect            RequestKind = "connect"
	RequestDisconnect         RequestKind = "disconnect"
	RequestDisconnectAll      RequestKind = "disconnect_all"
	RequestConnectedAddresses RequestKind = "connected_addresses"
)

// Request is one operation submitted to the bridge. Address is required
// for connect and disconnect; Timeout bounds connect only.
type Request struct {
	ID      uuid.UUID
	Kind    RequestKind
	Address string
	Timeout time.Duration
}

// NewRequest creates a Request with a fresh ID.
func NewRequest(kind RequestKind) Request {
	return Request{ID: uuid.New(), Kind: kind}
}

// Event is one notification from the merged stream. Exactly one of the
// concrete types below.
type Event interface {
	event()
}

// DeviceDiscovered reports the first sighting of a matching peripheral.
type DeviceDiscovered struct {
	Device discovery.Device
}

// Connected reports an established heart-rate connection. UserID is the
// user the strap was assigned to, or 0 when every user slot was taken.
type Connected struct {
	Address string
	Name    string
	UserID  int
}

// Disconnected reports a torn-down connection; an empty Address means all
// connections were closed.
type Disconnected struct {
	Address string
	UserID  int
}

// HeartRate is one smoothed reading attributed to a user.
type HeartRate struct {
	Address  string
	UserID   int
	BPM      int // smoothed
	Raw      int
	Contact  bool
	Received time.Time
}

// RadioOff reports that the adapter powered off and scanning halted.
type RadioOff struct{}

// Error reports a failure. RequestID is set when the failure belongs to
// a dispatched request, uuid.Nil for background faults.
type Error struct {
	RequestID uuid.UUID
	Address   string
	Err       error
}

func (DeviceDiscovered) event() {}
func (Connected) event()        {}
func (Disconnected) event()     {}
func (HeartRate) event()        {}
func (RadioOff) event()         {}
func (Error) event()            {}

// Bridge merges the three subsystems behind one request/event surface.
type Bridge struct {
	disc     *discovery.Discoverer
	mgr      *connmgr.Manager
	registry *users.Registry
	logger   *logrus.Logger
	events   *ringchan.RingChan[Event]
	cancel   context.CancelFunc

	mu        sync.Mutex
	listeners []func(Event)
}

// New creates a Bridge over the given subsystems.
func New(disc *discovery.Discoverer, mgr *connmgr.Manager, registry *users.Registry, logger *logrus.Logger) *Bridge {
	if logger == nil {
		logger = logrus.New()
	}
	return &Bridge{
		disc:     disc,
		mgr:      mgr,
		registry: registry,
		logger:   logger,
		events:   ringchan.New[Event](200),
	}
}

// Start launches the event pumps. Call once; Stop tears them down.
func (b *Bridge) Start(ctx context.Context) {
	pumpCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	groutine.Go(pumpCtx, "bridge-discovery-pump", b.pumpDiscovery)
	groutine.Go(pumpCtx, "bridge-connection-pump", b.pumpConnections)
	groutine.Go(pumpCtx, "bridge-sample-pump", b.pumpSamples)
}

// Stop halts the pumps, scanning, and all connections.
func (b *Bridge) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	b.disc.Stop()
	b.mgr.DisconnectAll()
}

// Events returns the merged event stream.
func (b *Bridge) Events() <-chan Event {
	return b.events.C()
}

// Notify registers a listener invoked synchronously for every event, in
// addition to the channel. Register before Start.
func (b *Bridge) Notify(fn func(Event)) {
	b.mu.Lock()
	b.listeners = append(b.listeners, fn)
	b.mu.Unlock()
}

func (b *Bridge) emit(ev Event) {
	b.events.Send(ev)
	b.mu.Lock()
	listeners := b.listeners
	b.mu.Unlock()
	for _, fn := range listeners {
		fn(ev)
	}
}

// Do dispatches one request. The result value depends on the kind:
// connect returns the connected bool, connected_addresses the address
// slice, the rest nil. A failure is returned and additionally emitted as
// an error event tagged with the request ID.
func (b *Bridge) Do(ctx context.Context, req Request) (any, error) {
	b.logger.WithFields(logrus.Fields{
		"request": req.Kind,
		"id":      req.ID,
	}).Debug("Dispatching request")

	res, err := b.dispatch(ctx, req)
	if err != nil {
		b.emit(Error{RequestID: req.ID, Address: req.Address, Err: err})
	}
	return res, err
}

func (b *Bridge) dispatch(ctx context.Context, req Request) (any, error) {
	switch req.Kind {
	case RequestStartScanning:
		if req.Timeout > 0 {
			return nil, b.ScanFor(req.Timeout)
		}
		b.StartScanning()
		return nil, nil
	case RequestStopScanning:
		b.StopScanning()
		return nil, nil
	case RequestConnect:
		return b.Connect(ctx, req.Address, req.Timeout)
	case RequestDisconnect:
		return nil, b.Disconnect(req.Address)
	case RequestDisconnectAll:
		b.mgr.DisconnectAll()
		return nil, nil
	case RequestConnectedAddresses:
		return b.mgr.ConnectedAddresses(), nil
	default:
		return nil, fmt.Errorf("unknown request kind %q", req.Kind)
	}
}

// StartScanning begins continuous discovery with a fresh dedupe session.
func (b *Bridge) StartScanning() {
	b.disc.Reset()
	b.disc.StartContinuous()
}

// ScanFor runs a single time-bounded discovery session in the background.
// Sightings arrive as DeviceDiscovered events; a scan failure is emitted
// as an error event.
func (b *Bridge) ScanFor(duration time.Duration) error {
	b.disc.Reset()
	groutine.Go(context.Background(), "bridge-session-scan", func(ctx context.Context) {
		if err := b.disc.Scan(ctx, duration); err != nil {
			b.emit(Error{Err: err})
		}
	})
	return nil
}

// StopScanning halts discovery.
func (b *Bridge) StopScanning() {
	b.disc.Stop()
}

// Connect connects to address, bounded by timeout when positive.
func (b *Bridge) Connect(ctx context.Context, address string, timeout time.Duration) (bool, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return b.mgr.Connect(ctx, address)
}

// Disconnect tears down the connection at address.
func (b *Bridge) Disconnect(address string) error {
	return b.mgr.Disconnect(address)
}

// ConnectedAddresses returns the live connection addresses.
func (b *Bridge) ConnectedAddresses() []string {
	return b.mgr.ConnectedAddresses()
}

// Registry exposes the user registry for UI snapshots.
func (b *Bridge) Registry() *users.Registry {
	return b.registry
}

func (b *Bridge) pumpDiscovery(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-b.disc.Events():
			if !ok {
				return
			}
			switch ev.Kind {
			case discovery.EventDeviceFound:
				b.emit(DeviceDiscovered{Device: ev.Device})
			case discovery.EventRadioOff:
				b.emit(RadioOff{})
			}
		}
	}
}

func (b *Bridge) pumpConnections(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-b.mgr.Events():
			if !ok {
				return
			}
			switch ev.Kind {
			case connmgr.EventConnected:
				id := b.ensureUser(ev.Address, ev.Name)
				b.emit(Connected{Address: ev.Address, Name: ev.Name, UserID: id})
			case connmgr.EventDisconnected:
				var id int
				if ev.Address != "" {
					if uid, ok := b.registry.FindByAddress(ev.Address); ok {
						b.registry.UnassignDevice(uid)
						id = uid
					}
				} else {
					for _, u := range b.registry.Users() {
						if u.Assigned() {
							b.registry.UnassignDevice(u.ID)
						}
					}
				}
				b.emit(Disconnected{Address: ev.Address, UserID: id})
			case connmgr.EventError:
				b.emit(Error{Address: ev.Address, Err: ev.Err})
			}
		}
	}
}

func (b *Bridge) pumpSamples(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-b.mgr.Samples():
			if !ok {
				return
			}
			id, smoothed, ok := b.registry.UpdateHeartRate(s.Address, s.Measurement.BPM)
			if !ok {
				continue
			}
			b.emit(HeartRate{
				Address:  s.Address,
				UserID:   id,
				BPM:      smoothed,
				Raw:      s.Measurement.BPM,
				Contact:  s.Measurement.ContactDetected,
				Received: time.Now(),
			})
		}
	}
}

// ensureUser binds the connected strap to a user: the one already holding
// the address, else the oldest unassigned user, else a freshly created
// one. Returns 0 when the registry is full and nobody is free.
func (b *Bridge) ensureUser(address, name string) int {
	if id, ok := b.registry.FindByAddress(address); ok {
		return id
	}
	if id, ok := b.registry.UnassignedUser(); ok {
		b.registry.AssignDevice(id, address, name)
		return id
	}
	id, ok := b.registry.AddUser()
	if !ok {
		b.logger.WithField("address", address).Warn("No free user slot for connected device")
		return 0
	}
	b.registry.AssignDevice(id, address, name)
	return id
}
