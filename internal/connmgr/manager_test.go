package connmgr

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/srg/pulsecam/internal/ble"
	"github.com/srg/pulsecam/internal/testutils"
)

const (
	strapAddr  = "aa:bb:cc:dd:ee:01"
	strapAddr2 = "aa:bb:cc:dd:ee:02"
)

func testOptions() *Options {
	return &Options{
		LocateTimeout: 200 * time.Millisecond,
		ScanAttempts:  2,
		ScanBackoff:   time.Millisecond,
		DialAttempts:  3,
		DialBackoff:   time.Millisecond,
		SettleIdle:    time.Millisecond,
		SettleBusy:    time.Millisecond,
	}
}

type ManagerSuite struct {
	suite.Suite
	radio *testutils.FakeRadio
	mgr   *Manager
}

func (s *ManagerSuite) SetupTest() {
	s.radio = &testutils.FakeRadio{
		Advs: []testutils.FakeAdvertisement{
			testutils.HeartRateAdvertisement("Polar H10", strapAddr),
			testutils.HeartRateAdvertisement("Polar OH1", strapAddr2),
		},
		Clients: map[string]*testutils.FakeClient{},
	}
	s.mgr = New(s.radio, nil, testOptions(), nil)
}

func (s *ManagerSuite) connect(addr string) bool {
	ok, err := s.mgr.Connect(context.Background(), addr)
	s.Require().NoError(err)
	return ok
}

func (s *ManagerSuite) nextEvent() Event {
	select {
	case ev := <-s.mgr.Events():
		return ev
	case <-time.After(time.Second):
		s.Require().Fail("timed out waiting for event")
		return Event{}
	}
}

func (s *ManagerSuite) TestConnectHappyPath() {
	s.True(s.connect(strapAddr))

	ev := s.nextEvent()
	s.Equal(EventConnected, ev.Kind)
	s.Equal(strapAddr, ev.Address)
	s.Equal("Polar H10", ev.Name)

	st, ok := s.mgr.State(strapAddr)
	s.True(ok)
	s.Equal(StateConnected, st)
	s.Equal([]string{strapAddr}, s.mgr.ConnectedAddresses())
}

func (s *ManagerSuite) TestConnectIsIdempotent() {
	s.True(s.connect(strapAddr))
	s.True(s.connect(strapAddr))

	s.Equal(1, s.radio.DialCalls())
	s.Equal(EventConnected, s.nextEvent().Kind)
	s.Equal(EventConnected, s.nextEvent().Kind)
	s.Equal([]string{strapAddr}, s.mgr.ConnectedAddresses())
}

func (s *ManagerSuite) TestAddressesAreCaseInsensitive() {
	s.True(s.connect("AA:BB:CC:DD:EE:01"))
	s.True(s.connect("Aa:Bb:Cc:Dd:Ee:01"))

	s.Equal(1, s.radio.DialCalls())
	s.Equal([]string{strapAddr}, s.mgr.ConnectedAddresses())
}

func (s *ManagerSuite) TestConcurrentConnectsCollapse() {
	var wg sync.WaitGroup
	results := make([]bool, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := s.mgr.Connect(context.Background(), strapAddr)
			s.NoError(err)
			results[i] = ok
		}(i)
	}
	wg.Wait()

	for _, ok := range results {
		s.True(ok)
	}
	s.Equal(1, s.radio.DialCalls())
	s.Equal([]string{strapAddr}, s.mgr.ConnectedAddresses())
}

func (s *ManagerSuite) TestTwoDistinctConnections() {
	var wg sync.WaitGroup
	for _, addr := range []string{strapAddr, strapAddr2} {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			ok, err := s.mgr.Connect(context.Background(), addr)
			s.NoError(err)
			s.True(ok)
		}(addr)
	}
	wg.Wait()

	s.Equal(2, s.radio.DialCalls())
	s.Equal([]string{strapAddr, strapAddr2}, s.mgr.ConnectedAddresses())
}

func (s *ManagerSuite) TestConnectEmptyAddress() {
	_, err := s.mgr.Connect(context.Background(), "  ")
	s.ErrorIs(err, ble.ErrInvalidAddress)
}

func (s *ManagerSuite) TestConnectRadioOff() {
	s.radio.PoweredOff = true

	_, err := s.mgr.Connect(context.Background(), strapAddr)
	s.ErrorIs(err, ble.ErrRadioNotReady)

	ev := s.nextEvent()
	s.Equal(EventError, ev.Kind)
	s.ErrorIs(ev.Err, ble.ErrRadioNotReady)
}

func (s *ManagerSuite) TestConnectUnknownDevice() {
	_, err := s.mgr.Connect(context.Background(), "ff:ff:ff:ff:ff:ff")
	s.ErrorIs(err, ble.ErrDeviceNotFound)

	ev := s.nextEvent()
	s.Equal(EventError, ev.Kind)

	// Rollback: no residual entry, a later connect starts fresh.
	_, ok := s.mgr.State("ff:ff:ff:ff:ff:ff")
	s.False(ok)
	s.Empty(s.mgr.ConnectedAddresses())
}

func (s *ManagerSuite) TestDialRetriesThenSucceeds() {
	s.radio.DialErrs = []error{ble.ErrConnectFailed, nil}

	s.True(s.connect(strapAddr))
	s.Equal(2, s.radio.DialCalls())
}

func (s *ManagerSuite) TestDialExhaustionRollsBack() {
	s.radio.DialErrs = []error{ble.ErrConnectFailed, ble.ErrConnectFailed, ble.ErrConnectFailed}

	_, err := s.mgr.Connect(context.Background(), strapAddr)
	s.ErrorIs(err, ble.ErrConnectFailed)
	s.Equal(3, s.radio.DialCalls())
	s.Empty(s.mgr.ConnectedAddresses())
}

func (s *ManagerSuite) TestMissingHeartRateServiceRollsBack() {
	client := &testutils.FakeClient{
		Svcs: []ble.Service{{UUID: "180f"}},
	}
	s.radio.Clients[strapAddr] = client

	_, err := s.mgr.Connect(context.Background(), strapAddr)
	s.ErrorIs(err, &ble.NotFoundError{Resource: "service"})
	s.True(client.Cancelled())
	s.Empty(s.mgr.ConnectedAddresses())
}

func (s *ManagerSuite) TestMissingMeasurementCharacteristicRollsBack() {
	client := &testutils.FakeClient{
		Svcs: []ble.Service{{
			UUID:            "180d",
			Characteristics: []ble.Characteristic{{UUID: "2a38"}},
		}},
	}
	s.radio.Clients[strapAddr] = client

	_, err := s.mgr.Connect(context.Background(), strapAddr)
	s.ErrorIs(err, &ble.NotFoundError{Resource: "characteristic"})
	s.True(client.Cancelled())
}

func (s *ManagerSuite) TestSubscribeFailureRollsBack() {
	client := testutils.NewHeartRateClient()
	client.SubscribeErr = ble.ErrConnectFailed
	s.radio.Clients[strapAddr] = client

	_, err := s.mgr.Connect(context.Background(), strapAddr)
	s.Error(err)
	s.True(client.Cancelled())
	s.Empty(s.mgr.ConnectedAddresses())
}

func (s *ManagerSuite) TestNotificationsFlowToSamples() {
	client := testutils.NewHeartRateClient()
	s.radio.Clients[strapAddr] = client

	s.True(s.connect(strapAddr))
	s.True(client.PushNotification("2a37", []byte{0x00, 72}))

	select {
	case sample := <-s.mgr.Samples():
		s.Equal(strapAddr, sample.Address)
		s.Equal(72, sample.Measurement.BPM)
	case <-time.After(time.Second):
		s.Fail("timed out waiting for sample")
	}
}

func (s *ManagerSuite) TestMalformedNotificationDropped() {
	client := testutils.NewHeartRateClient()
	s.radio.Clients[strapAddr] = client

	s.True(s.connect(strapAddr))
	client.PushNotification("2a37", []byte{0x00})

	select {
	case sample := <-s.mgr.Samples():
		s.Failf("unexpected sample", "%+v", sample)
	case <-time.After(50 * time.Millisecond):
	}
}

func (s *ManagerSuite) TestDisconnect() {
	client := testutils.NewHeartRateClient()
	s.radio.Clients[strapAddr] = client

	s.True(s.connect(strapAddr))
	s.nextEvent()

	s.Require().NoError(s.mgr.Disconnect(strapAddr))

	ev := s.nextEvent()
	s.Equal(EventDisconnected, ev.Kind)
	s.Equal(strapAddr, ev.Address)
	s.Equal([]string{"2a37"}, client.Unsubscribed())
	s.True(client.Cancelled())
	s.Empty(s.mgr.ConnectedAddresses())
}

func (s *ManagerSuite) TestDisconnectUnknownIsNoOp() {
	s.Require().NoError(s.mgr.Disconnect(strapAddr))

	select {
	case ev := <-s.mgr.Events():
		s.Failf("unexpected event", "%+v", ev)
	default:
	}
}

func (s *ManagerSuite) TestStaleNotificationAfterDisconnect() {
	client := testutils.NewHeartRateClient()
	s.radio.Clients[strapAddr] = client

	s.True(s.connect(strapAddr))
	s.Require().NoError(s.mgr.Disconnect(strapAddr))

	// Handler may still fire after teardown on a slow stack.
	handled := client.PushNotification("2a37", []byte{0x00, 72})
	s.False(handled)
}

func (s *ManagerSuite) TestCollapsedConnectOutcomeSurvivesDisconnectRace() {
	e := &entry{addr: strapAddr, state: StateLocating, done: make(chan struct{})}
	s.mgr.mu.Lock()
	s.mgr.entries[strapAddr] = e
	s.mgr.mu.Unlock()

	started := make(chan struct{})
	type outcome struct {
		ok  bool
		err error
	}
	result := make(chan outcome, 1)
	go func() {
		close(started)
		ok, err := s.mgr.Connect(context.Background(), strapAddr)
		result <- outcome{ok: ok, err: err}
	}()

	<-started
	time.Sleep(50 * time.Millisecond) // let the waiter block on the in-flight attempt

	// The attempt succeeds and a disconnect races in before the waiter
	// observes the result: the waiter must still see the attempt's own
	// success, not infer failure from the emptied map.
	s.mgr.mu.Lock()
	e.state = StateConnected
	e.client = testutils.NewHeartRateClient()
	e.charUUID = "2a37"
	close(e.done)
	delete(s.mgr.entries, strapAddr)
	s.mgr.mu.Unlock()

	select {
	case res := <-result:
		s.Require().NoError(res.err)
		s.True(res.ok)
	case <-time.After(time.Second):
		s.Fail("collapsed connect never returned")
	}
}

func (s *ManagerSuite) TestDisconnectThenReconnect() {
	s.True(s.connect(strapAddr))
	s.Require().NoError(s.mgr.Disconnect(strapAddr))
	s.True(s.connect(strapAddr))

	s.Equal(2, s.radio.DialCalls())
	s.Equal([]string{strapAddr}, s.mgr.ConnectedAddresses())
}

func (s *ManagerSuite) TestDisconnectAll() {
	s.True(s.connect(strapAddr))
	s.True(s.connect(strapAddr2))
	s.nextEvent()
	s.nextEvent()

	s.mgr.DisconnectAll()

	ev := s.nextEvent()
	s.Equal(EventDisconnected, ev.Kind)
	s.Empty(ev.Address)
	s.Empty(s.mgr.ConnectedAddresses())
}

func TestManagerSuite(t *testing.T) {
	suite.Run(t, new(ManagerSuite))
}

type fakeGate struct {
	mu      sync.Mutex
	paused  int
	resumed int
	active  bool
}

func (g *fakeGate) Pause() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.paused++
	was := g.active
	g.active = false
	return was
}

func (g *fakeGate) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resumed++
	g.active = true
}

func TestConnectPausesDiscovery(t *testing.T) {
	radio := &testutils.FakeRadio{
		Advs: []testutils.FakeAdvertisement{
			testutils.HeartRateAdvertisement("Polar H10", strapAddr),
		},
	}
	gate := &fakeGate{active: true}
	mgr := New(radio, gate, testOptions(), nil)

	ok, err := mgr.Connect(context.Background(), strapAddr)
	if err != nil || !ok {
		t.Fatalf("connect failed: %v", err)
	}

	gate.mu.Lock()
	defer gate.mu.Unlock()
	if gate.paused != 1 || gate.resumed != 1 {
		t.Fatalf("expected pause and resume once, got %d/%d", gate.paused, gate.resumed)
	}
}

func TestConcurrentConnectsPauseDiscoveryOnce(t *testing.T) {
	radio := &testutils.FakeRadio{
		Advs: []testutils.FakeAdvertisement{
			testutils.HeartRateAdvertisement("Polar H10", strapAddr),
			testutils.HeartRateAdvertisement("Polar OH1", strapAddr2),
		},
	}
	gate := &fakeGate{active: true}
	mgr := New(radio, gate, testOptions(), nil)

	start := make(chan struct{})
	var wg sync.WaitGroup
	for _, addr := range []string{strapAddr, strapAddr2} {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			<-start
			ok, err := mgr.Connect(context.Background(), addr)
			if err != nil || !ok {
				t.Errorf("connect %s failed: %v", addr, err)
			}
		}(addr)
	}
	close(start)
	wg.Wait()

	// Discovery must stay paused across overlapping establishes: a resume
	// after the first one would restart scanning while the second is
	// still serialized behind the radio gate waiting to locate.
	gate.mu.Lock()
	defer gate.mu.Unlock()
	if gate.paused != 1 || gate.resumed != 1 {
		t.Fatalf("expected one pause/resume pair across overlapping connects, got %d/%d", gate.paused, gate.resumed)
	}
	if !gate.active {
		t.Fatal("discovery not resumed after the last connect finished")
	}
}

func TestConnectSkipsResumeWhenNotScanning(t *testing.T) {
	radio := &testutils.FakeRadio{
		Advs: []testutils.FakeAdvertisement{
			testutils.HeartRateAdvertisement("Polar H10", strapAddr),
		},
	}
	gate := &fakeGate{active: false}
	mgr := New(radio, gate, testOptions(), nil)

	if _, err := mgr.Connect(context.Background(), strapAddr); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	gate.mu.Lock()
	defer gate.mu.Unlock()
	if gate.resumed != 0 {
		t.Fatalf("discovery resumed despite not running, resumes=%d", gate.resumed)
	}
}
