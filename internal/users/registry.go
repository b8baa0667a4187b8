// Package users tracks the people in frame and their heart-rate strap
// assignments. Users are created in order, keyed by a small integer ID,
// and garbage collected only when the registry runs over capacity.
package users

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/pulsecam/internal/ble"
	"github.com/srg/pulsecam/internal/groutine"
	"github.com/srg/pulsecam/internal/heartrate"
)

// ChestPosition is the tracker-reported chest location in frame
// coordinates. The registry stores it opaquely for the renderer.
type ChestPosition struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// User is one tracked person. Snapshot values are copies; mutate through
// the registry only.
type User struct {
	ID            int            `json:"id"`
	Color         string         `json:"color"`
	DeviceAddress string         `json:"device_address,omitempty"`
	DeviceName    string         `json:"device_name,omitempty"`
	BPM           int            `json:"bpm,omitempty"`
	Chest         *ChestPosition `json:"chest,omitempty"`
	LastSeen      time.Time
}

// Assigned reports whether the user has a heart-rate device bound.
func (u User) Assigned() bool {
	return u.DeviceAddress != ""
}

// Visible reports whether the tracker currently places the user in frame.
func (u User) Visible() bool {
	return u.Chest != nil
}

type record struct {
	id       int
	color    string
	addr     string
	devName  string
	chest    *ChestPosition
	smoother *heartrate.Smoother
	lastSeen time.Time
}

// Options configures the registry.
type Options struct {
	MaxUsers          int
	SmoothingWindow   int
	StaleAfter        time.Duration
	VisibilityTimeout time.Duration
	SweepInterval     time.Duration
	Palette           []string          // assignment colors by creation order
	DeviceColors      map[string]string // normalized address overrides
}

// DefaultOptions returns the default registry options.
func DefaultOptions() *Options {
	return &Options{
		MaxUsers:          2,
		SmoothingWindow:   5,
		StaleAfter:        5 * time.Second,
		VisibilityTimeout: 2 * time.Second,
		SweepInterval:     time.Second,
		Palette:           []string{"#e63946", "#457b9d", "#2a9d8f", "#e9c46a"},
	}
}

// Registry holds up to MaxUsers tracked users. Safe for concurrent use.
type Registry struct {
	opts   *Options
	logger *logrus.Logger
	now    func() time.Time

	mu      sync.Mutex
	byID    *orderedmap.OrderedMap[int, *record]
	nextID  int
	stopGC  context.CancelFunc
	running bool
}

// New creates an empty Registry.
func New(opts *Options, logger *logrus.Logger) *Registry {
	if opts == nil {
		opts = DefaultOptions()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Registry{
		opts:   opts,
		logger: logger,
		now:    time.Now,
		byID:   orderedmap.New[int, *record](),
		nextID: 1,
	}
}

// AddUser creates a new user and returns its ID. Returns ok=false without
// side effects when the registry is at capacity.
func (r *Registry) AddUser() (id int, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.byID.Len() >= r.opts.MaxUsers {
		r.logger.WithField("max_users", r.opts.MaxUsers).Debug("User capacity reached")
		return 0, false
	}

	id = r.nextID
	r.nextID++
	rec := &record{
		id:       id,
		color:    r.colorForLocked(id, ""),
		smoother: heartrate.NewSmoother(r.opts.SmoothingWindow),
		lastSeen: r.now(),
	}
	r.byID.Set(id, rec)
	r.logger.WithField("user", id).Info("User added")
	return id, true
}

// RemoveUser deletes the user; unknown IDs are a no-op.
func (r *Registry) RemoveUser(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID.Get(id); ok {
		r.byID.Delete(id)
		r.logger.WithField("user", id).Info("User removed")
	}
}

// AssignDevice binds the strap at addr to the user and re-resolves the
// user's color, since per-device overrides take precedence over the
// palette. Returns false for an unknown user.
func (r *Registry) AssignDevice(id int, address, name string) bool {
	addr := ble.NormalizeAddr(address)
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.byID.Get(id)
	if !ok {
		return false
	}
	rec.addr = addr
	rec.devName = name
	rec.color = r.colorForLocked(id, addr)
	rec.smoother.Reset()
	r.logger.WithFields(logrus.Fields{
		"user":    id,
		"address": addr,
		"device":  name,
	}).Info("Device assigned to user")
	return true
}

// UnassignDevice clears the user's device binding and heart-rate state.
// Visibility is untouched: losing a strap does not remove the person.
func (r *Registry) UnassignDevice(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byID.Get(id)
	if !ok {
		return
	}
	rec.addr = ""
	rec.devName = ""
	rec.color = r.colorForLocked(id, "")
	rec.smoother.Reset()
	r.logger.WithField("user", id).Info("Device unassigned from user")
}

// FindByAddress returns the ID of the user bound to address.
func (r *Registry) FindByAddress(address string) (int, bool) {
	addr := ble.NormalizeAddr(address)
	r.mu.Lock()
	defer r.mu.Unlock()
	for pair := r.byID.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.addr == addr && addr != "" {
			return pair.Key, true
		}
	}
	return 0, false
}

// UnassignedUser returns the oldest user without a device binding.
func (r *Registry) UnassignedUser() (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for pair := r.byID.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.addr == "" {
			return pair.Key, true
		}
	}
	return 0, false
}

// UpdateHeartRate feeds a raw BPM sample from address into the bound
// user's smoother and returns the smoothed value. A sample from an
// unbound address is dropped.
func (r *Registry) UpdateHeartRate(address string, bpm int) (id, smoothed int, ok bool) {
	addr := ble.NormalizeAddr(address)
	r.mu.Lock()
	var rec *record
	for pair := r.byID.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.addr == addr && addr != "" {
			rec = pair.Value
			break
		}
	}
	r.mu.Unlock()

	if rec == nil {
		r.logger.WithField("address", addr).Debug("Heart rate sample for unassigned device, dropping")
		return 0, 0, false
	}
	return rec.id, rec.smoother.Update(bpm), true
}

// UpdateChestPosition stores the tracker's latest chest location for the
// user; nil marks the user as out of frame. Any in-frame update refreshes
// the visibility timestamp.
func (r *Registry) UpdateChestPosition(id int, pos *ChestPosition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byID.Get(id)
	if !ok {
		return
	}
	rec.chest = pos
	if pos != nil {
		rec.lastSeen = r.now()
	}
}

// MarkSeen refreshes the user's visibility timestamp.
func (r *Registry) MarkSeen(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.byID.Get(id); ok {
		rec.lastSeen = r.now()
	}
}

// Get returns a snapshot of one user.
func (r *Registry) Get(id int) (User, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byID.Get(id)
	if !ok {
		return User{}, false
	}
	return r.snapshotLocked(rec), true
}

// Users returns snapshots of all users in creation order.
func (r *Registry) Users() []User {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]User, 0, r.byID.Len())
	for pair := r.byID.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, r.snapshotLocked(pair.Value))
	}
	return out
}

// Len returns the current user count.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byID.Len()
}

func (r *Registry) snapshotLocked(rec *record) User {
	u := User{
		ID:            rec.id,
		Color:         rec.color,
		DeviceAddress: rec.addr,
		DeviceName:    rec.devName,
		LastSeen:      rec.lastSeen,
	}
	if rec.chest != nil {
		chest := *rec.chest
		u.Chest = &chest
	}
	if bpm, ok := rec.smoother.BPM(); ok && !rec.smoother.Stale(r.opts.StaleAfter) {
		u.BPM = bpm
	}
	return u
}

// colorForLocked resolves a user's color: per-device override when the
// bound address has one, otherwise the palette indexed by creation order.
func (r *Registry) colorForLocked(id int, addr string) string {
	if addr != "" {
		if c, ok := r.opts.DeviceColors[addr]; ok {
			return c
		}
	}
	if len(r.opts.Palette) == 0 {
		return ""
	}
	return r.opts.Palette[(id-1)%len(r.opts.Palette)]
}

// StartGC runs the over-capacity sweep until ctx is done or StopGC is
// called. Idempotent while running.
func (r *Registry) StartGC(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.running = true

	gcCtx, cancel := context.WithCancel(ctx)
	r.stopGC = cancel
	groutine.Go(gcCtx, "users-gc", r.runGC)
}

// StopGC halts the sweep loop.
func (r *Registry) StopGC() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopGC != nil {
		r.stopGC()
		r.stopGC = nil
	}
	r.running = false
}

func (r *Registry) runGC(ctx context.Context) {
	ticker := time.NewTicker(r.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Sweep removes stale users, but only while the registry is over
// capacity, and never below MaxUsers. A user is stale when it has no
// device binding, is out of frame, and has not been seen within the
// visibility timeout. Bound users are never collected here; device loss
// handles them.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	cutoff := r.now().Add(-r.opts.VisibilityTimeout)
	for pair := r.byID.Oldest(); pair != nil && r.byID.Len() > r.opts.MaxUsers; {
		next := pair.Next()
		rec := pair.Value
		if rec.addr == "" && rec.chest == nil && rec.lastSeen.Before(cutoff) {
			r.byID.Delete(pair.Key)
			removed++
			r.logger.WithField("user", pair.Key).Info("Stale user collected")
		}
		pair = next
	}
	return removed
}
