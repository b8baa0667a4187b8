// Package connmgr owns the set of live peripheral connections. It
// provides connect/disconnect keyed by normalized address, with at most
// one connection per address and serialized radio operations so
// concurrent attempts do not contend for the adapter.
package connmgr

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/pulsecam/internal/ble"
	"github.com/srg/pulsecam/internal/heartrate"
	"github.com/srg/pulsecam/internal/ringchan"
)

// State is the per-address connection lifecycle state.
type State int

const (
	StateIdle State = iota
	StateLocating
	StateConnecting
	StateServiceDiscovery
	StateSubscribing
	StateConnected
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLocating:
		return "locating"
	case StateConnecting:
		return "connecting"
	case StateServiceDiscovery:
		return "service_discovery"
	case StateSubscribing:
		return "subscribing"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// EventKind marks what happened to a connection.
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventError
)

// Event is a connection lifecycle notification. A Disconnected event with
// an empty Address means all connections were torn down.
type Event struct {
	Kind    EventKind
	Address string
	Name    string
	Err     error
}

// Sample is one decoded heart-rate notification tagged with its
// originating address.
type Sample struct {
	Address     string
	Measurement heartrate.Measurement
}

// ScanGate lets the manager pause a concurrently running discovery loop
// while it performs its own locate scan, and resume it after.
type ScanGate interface {
	Pause() bool
	Resume()
}

// Options bounds the connection procedure.
type Options struct {
	LocateTimeout time.Duration // total budget for locating the target by scan
	ScanAttempts  int           // scan-start retries within the locate budget
	ScanBackoff   time.Duration
	DialAttempts  int
	DialBackoff   time.Duration
	SettleIdle    time.Duration // pre-scan settle with no other connection live
	SettleBusy    time.Duration // pre-scan settle with another connection live
}

// DefaultOptions returns the default connection bounds.
func DefaultOptions() *Options {
	return &Options{
		LocateTimeout: 10 * time.Second,
		ScanAttempts:  3,
		ScanBackoff:   300 * time.Millisecond,
		DialAttempts:  3,
		DialBackoff:   time.Second,
		SettleIdle:    200 * time.Millisecond,
		SettleBusy:    500 * time.Millisecond,
	}
}

type entry struct {
	addr     string
	name     string
	state    State
	client   ble.Client
	charUUID string
	done     chan struct{} // closed when the connect attempt resolves
	err      error
}

// Manager owns zero or more live peripheral connections.
type Manager struct {
	radio  ble.Radio
	gate   ScanGate // may be nil
	opts   *Options
	logger *logrus.Logger

	mu      sync.Mutex
	entries map[string]*entry

	// radioGate serializes scan and dial operations across addresses;
	// overlapping radio operations cause spurious failures on most BLE
	// stacks. Map mutations are never held across radio calls.
	radioGate sync.Mutex

	// pauseMu guards the discovery pause refcount. Discovery is paused by
	// the first in-flight establish and resumed only when the last one
	// finishes; resuming earlier would restart scanning while another
	// connect is still waiting on radioGate to run its locate scan.
	pauseMu     sync.Mutex
	pauseCount  int
	wasScanning bool

	events  *ringchan.RingChan[Event]
	samples *ringchan.RingChan[Sample]
}

// New creates a Manager on the given radio. gate may be nil when no
// discovery loop needs pausing.
func New(radio ble.Radio, gate ScanGate, opts *Options, logger *logrus.Logger) *Manager {
	if opts == nil {
		opts = DefaultOptions()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Manager{
		radio:   radio,
		gate:    gate,
		opts:    opts,
		logger:  logger,
		entries: make(map[string]*entry),
		events:  ringchan.New[Event](100),
		samples: ringchan.New[Sample](128),
	}
}

// Events returns the connection lifecycle event stream.
func (m *Manager) Events() <-chan Event {
	return m.events.C()
}

// Samples returns the decoded heart-rate stream across all connections.
func (m *Manager) Samples() <-chan Sample {
	return m.samples.C()
}

// Connect establishes a connection to the peripheral at address and
// subscribes to its heart-rate measurements. It returns true once the
// connection reaches Connected. Connecting to an already connected
// address is idempotent: the connected event is re-emitted and no second
// radio connection is opened. Concurrent calls for the same address
// collapse to one in-flight attempt sharing its outcome. Failures are
// returned and additionally emitted as an error event; partial state is
// always rolled back.
func (m *Manager) Connect(ctx context.Context, address string) (bool, error) {
	addr := ble.NormalizeAddr(address)
	if addr == "" {
		return false, fmt.Errorf("%w: empty address", ble.ErrInvalidAddress)
	}

	m.mu.Lock()
	if e, ok := m.entries[addr]; ok {
		if e.state == StateConnected {
			name := e.name
			m.mu.Unlock()
			m.logger.WithField("address", addr).Debug("Already connected, re-emitting event")
			m.events.Send(Event{Kind: EventConnected, Address: addr, Name: name})
			return true, nil
		}
		// Another connect for this address is in flight; share its outcome.
		done := e.done
		m.mu.Unlock()
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-done:
		}
		// The entry's outcome fields are immutable once done is closed.
		// Report the attempt's own result rather than the current map
		// state: a disconnect racing in after a successful attempt must
		// not turn it into a no-outcome (false, nil).
		if e.err != nil {
			return false, e.err
		}
		return true, nil
	}

	if !m.radio.Ready() {
		m.mu.Unlock()
		err := fmt.Errorf("%w: adapter is not powered on", ble.ErrRadioNotReady)
		m.events.Send(Event{Kind: EventError, Address: addr, Err: err})
		return false, err
	}

	e := &entry{addr: addr, state: StateLocating, done: make(chan struct{})}
	m.entries[addr] = e
	busy := m.connectedCountLocked() > 0
	m.mu.Unlock()

	client, name, charUUID, err := m.establish(ctx, addr, busy)
	if err != nil {
		m.mu.Lock()
		delete(m.entries, addr)
		e.err = err
		close(e.done)
		m.mu.Unlock()

		if client != nil {
			_ = client.CancelConnection()
		}
		m.logger.WithError(err).WithField("address", addr).Warn("Connect failed")
		m.events.Send(Event{Kind: EventError, Address: addr, Err: err})
		return false, err
	}

	m.mu.Lock()
	e.state = StateConnected
	e.client = client
	e.name = name
	e.charUUID = charUUID
	close(e.done)
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"address": addr,
		"device":  name,
	}).Info("Peripheral connected")
	m.events.Send(Event{Kind: EventConnected, Address: addr, Name: name})
	return true, nil
}

func (m *Manager) pauseDiscovery() {
	if m.gate == nil {
		return
	}
	m.pauseMu.Lock()
	m.pauseCount++
	if m.pauseCount == 1 {
		m.wasScanning = m.gate.Pause()
	}
	m.pauseMu.Unlock()
}

func (m *Manager) resumeDiscovery() {
	if m.gate == nil {
		return
	}
	m.pauseMu.Lock()
	m.pauseCount--
	if m.pauseCount == 0 && m.wasScanning {
		m.wasScanning = false
		m.gate.Resume()
	}
	m.pauseMu.Unlock()
}

// establish runs the suspension-heavy part of the connect procedure. On
// failure it returns the partially opened client (if any) for cleanup.
func (m *Manager) establish(ctx context.Context, addr string, busy bool) (ble.Client, string, string, error) {
	m.pauseDiscovery()
	defer m.resumeDiscovery()

	settle := m.opts.SettleIdle
	if busy {
		settle = m.opts.SettleBusy
	}
	select {
	case <-time.After(settle):
	case <-ctx.Done():
		return nil, "", "", ctx.Err()
	}

	m.radioGate.Lock()
	defer m.radioGate.Unlock()

	name, err := m.locate(ctx, addr)
	if err != nil {
		return nil, "", "", err
	}

	m.setState(addr, StateConnecting)
	var client ble.Client
	dial := Policy{MaxAttempts: m.opts.DialAttempts, Backoff: m.opts.DialBackoff}
	err = dial.Do(ctx, func() error {
		c, derr := m.radio.Dial(ctx, addr)
		if derr != nil {
			m.logger.WithError(derr).WithField("address", addr).Debug("Dial attempt failed")
			return derr
		}
		client = c
		return nil
	})
	if err != nil {
		return nil, "", "", fmt.Errorf("%w: %v", ble.ErrConnectFailed, err)
	}

	m.setState(addr, StateServiceDiscovery)
	svc, err := findHeartRateService(client.Services())
	if err != nil {
		return client, "", "", err
	}

	char, err := findMeasurementCharacteristic(svc)
	if err != nil {
		return client, "", "", err
	}

	m.setState(addr, StateSubscribing)
	if err := client.Subscribe(char.UUID, func(data []byte) {
		m.handleNotification(addr, data)
	}); err != nil {
		return client, "", "", fmt.Errorf("subscribe %s: %w", char.UUID, err)
	}

	return client, name, char.UUID, nil
}

// locate re-scans for the target address within the locate budget,
// retrying transient scan-start failures up to the configured bound.
func (m *Manager) locate(ctx context.Context, addr string) (string, error) {
	locateCtx, cancel := context.WithTimeout(ctx, m.opts.LocateTimeout)
	defer cancel()

	var (
		mu    sync.Mutex
		name  string
		found bool
	)

	scan := Policy{MaxAttempts: m.opts.ScanAttempts, Backoff: m.opts.ScanBackoff}
	err := scan.Do(locateCtx, func() error {
		scanCtx, stop := context.WithCancel(locateCtx)
		defer stop()

		scanErr := m.radio.Scan(scanCtx, false, func(adv ble.Advertisement) {
			if ble.NormalizeAddr(adv.Addr()) != addr {
				return
			}
			mu.Lock()
			if !found {
				found = true
				name = adv.LocalName()
			}
			mu.Unlock()
			stop()
		})

		mu.Lock()
		ok := found
		mu.Unlock()
		if ok {
			return nil
		}
		if scanErr != nil && !errors.Is(scanErr, context.Canceled) && !errors.Is(scanErr, context.DeadlineExceeded) {
			return scanErr
		}
		return locateCtx.Err()
	})
	if err != nil {
		return "", fmt.Errorf("%w: %s", ble.ErrDeviceNotFound, addr)
	}

	mu.Lock()
	defer mu.Unlock()
	return name, nil
}

func findHeartRateService(services []ble.Service) (ble.Service, error) {
	// Direct match first, then substring fallback across everything the
	// peripheral exposed. Some stacks report vendor-prefixed UUIDs.
	for _, svc := range services {
		if ble.UUIDMatches(svc.UUID, ble.HeartRateServiceUUID) {
			return svc, nil
		}
	}
	available := make([]string, 0, len(services))
	for _, svc := range services {
		available = append(available, svc.UUID)
	}
	return ble.Service{}, &ble.NotFoundError{
		Resource:  "service",
		UUID:      ble.HeartRateServiceUUID,
		Available: available,
	}
}

func findMeasurementCharacteristic(svc ble.Service) (ble.Characteristic, error) {
	for _, char := range svc.Characteristics {
		if ble.UUIDMatches(char.UUID, ble.HeartRateMeasurementUUID) {
			return char, nil
		}
	}
	available := make([]string, 0, len(svc.Characteristics))
	for _, char := range svc.Characteristics {
		available = append(available, char.UUID)
	}
	return ble.Characteristic{}, &ble.NotFoundError{
		Resource:  "characteristic",
		UUID:      ble.HeartRateMeasurementUUID,
		Available: available,
	}
}

func (m *Manager) handleNotification(addr string, data []byte) {
	m.mu.Lock()
	e, ok := m.entries[addr]
	live := ok && (e.state == StateSubscribing || e.state == StateConnected)
	m.mu.Unlock()
	if !live {
		// Residual notification after disconnect; never forwarded.
		return
	}

	meas, err := heartrate.Decode(data)
	if err != nil {
		m.logger.WithError(err).WithField("address", addr).Debug("Dropped malformed heart rate payload")
		return
	}
	m.samples.Send(Sample{Address: addr, Measurement: meas})
}

// Disconnect tears down the connection at address: best-effort
// unsubscribe, then cancel; either failing is logged and skipped, since a
// peripheral that vanished cannot be cleanly unsubscribed. Disconnecting
// an address with no live connection is a silent no-op.
func (m *Manager) Disconnect(address string) error {
	addr := ble.NormalizeAddr(address)
	if addr == "" {
		return fmt.Errorf("%w: empty address", ble.ErrInvalidAddress)
	}
	if m.disconnectOne(addr) {
		m.events.Send(Event{Kind: EventDisconnected, Address: addr})
	}
	return nil
}

// DisconnectAll tears down every live connection sequentially and emits a
// single disconnected event with an empty address.
func (m *Manager) DisconnectAll() {
	for _, addr := range m.ConnectedAddresses() {
		m.disconnectOne(addr)
	}
	m.events.Send(Event{Kind: EventDisconnected})
}

func (m *Manager) disconnectOne(addr string) bool {
	m.mu.Lock()
	e, ok := m.entries[addr]
	if !ok || e.state != StateConnected {
		m.mu.Unlock()
		m.logger.WithField("address", addr).Debug("Disconnect for unknown address, ignoring")
		return false
	}
	e.state = StateDisconnecting
	client, charUUID := e.client, e.charUUID
	m.mu.Unlock()

	if err := client.Unsubscribe(charUUID); err != nil {
		m.logger.WithError(err).WithField("address", addr).Warn("Unsubscribe failed, continuing disconnect")
	}
	if err := client.CancelConnection(); err != nil {
		m.logger.WithError(err).WithField("address", addr).Warn("Connection cancel failed")
	}

	m.mu.Lock()
	delete(m.entries, addr)
	m.mu.Unlock()

	m.logger.WithField("address", addr).Info("Peripheral disconnected")
	return true
}

// ConnectedAddresses returns the normalized addresses of all live
// connections, sorted.
func (m *Manager) ConnectedAddresses() []string {
	m.mu.Lock()
	addrs := make([]string, 0, len(m.entries))
	for addr, e := range m.entries {
		if e.state == StateConnected {
			addrs = append(addrs, addr)
		}
	}
	m.mu.Unlock()
	sort.Strings(addrs)
	return addrs
}

// State reports the lifecycle state for address; ok is false when no
// entry exists (Idle).
func (m *Manager) State(address string) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[ble.NormalizeAddr(address)]
	if !ok {
		return StateIdle, false
	}
	return e.state, true
}

func (m *Manager) setState(addr string, st State) {
	m.mu.Lock()
	if e, ok := m.entries[addr]; ok {
		e.state = st
	}
	m.mu.Unlock()
}

func (m *Manager) connectedCountLocked() int {
	n := 0
	for _, e := range m.entries {
		if e.state == StateConnected {
			n++
		}
	}
	return n
}
