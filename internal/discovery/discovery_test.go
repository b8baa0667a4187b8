package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/srg/pulsecam/internal/ble"
	"github.com/srg/pulsecam/internal/testutils"
)

type DiscoverySuite struct {
	suite.Suite
	radio *testutils.FakeRadio
	disc  *Discoverer
}

func (s *DiscoverySuite) SetupTest() {
	s.radio = &testutils.FakeRadio{}
	opts := DefaultOptions()
	opts.ScanWindow = 50 * time.Millisecond
	opts.IdleWindow = 10 * time.Millisecond
	s.disc = New(s.radio, opts, nil)
}

func (s *DiscoverySuite) TearDownTest() {
	s.disc.Stop()
}

func (s *DiscoverySuite) scanOnce() {
	err := s.disc.Scan(context.Background(), 50*time.Millisecond)
	s.Require().NoError(err)
}

func (s *DiscoverySuite) TestScanFindsMatchingDevice() {
	s.radio.Advs = []testutils.FakeAdvertisement{
		testutils.HeartRateAdvertisement("Polar H10 5858DC27", "AA:BB:CC:DD:EE:01"),
	}

	s.scanOnce()

	devices := s.disc.Snapshot()
	s.Require().Len(devices, 1)
	s.Equal("Polar H10 5858DC27", devices[0].Name)
	s.Equal("aa:bb:cc:dd:ee:01", devices[0].Address)
}

func (s *DiscoverySuite) TestScanEmitsEventOnFirstSightingOnly() {
	s.radio.Advs = []testutils.FakeAdvertisement{
		testutils.HeartRateAdvertisement("Polar H10", "aa:bb:cc:dd:ee:01"),
	}

	s.scanOnce()
	s.scanOnce()

	select {
	case ev := <-s.disc.Events():
		s.Equal(EventDeviceFound, ev.Kind)
		s.Equal("aa:bb:cc:dd:ee:01", ev.Device.Address)
	default:
		s.Fail("expected a discovery event")
	}

	select {
	case ev := <-s.disc.Events():
		s.Failf("unexpected second event", "%+v", ev)
	default:
	}
}

func (s *DiscoverySuite) TestResetAllowsRediscovery() {
	s.radio.Advs = []testutils.FakeAdvertisement{
		testutils.HeartRateAdvertisement("Polar H10", "aa:bb:cc:dd:ee:01"),
	}

	s.scanOnce()
	<-s.disc.Events()

	s.disc.Reset()
	s.Empty(s.disc.Snapshot())

	s.scanOnce()
	select {
	case ev := <-s.disc.Events():
		s.Equal(EventDeviceFound, ev.Kind)
	default:
		s.Fail("expected a fresh event after reset")
	}
}

func (s *DiscoverySuite) TestScanFailsFastWhenPoweredOff() {
	s.radio.PoweredOff = true

	err := s.disc.Scan(context.Background(), 50*time.Millisecond)
	s.ErrorIs(err, ble.ErrRadioNotReady)
	s.Zero(s.radio.ScanCalls())
}

func (s *DiscoverySuite) TestContinuousIsIdempotent() {
	s.disc.StartContinuous()
	s.disc.StartContinuous()
	s.True(s.disc.Running())

	s.disc.Stop()
	s.False(s.disc.Running())
}

func (s *DiscoverySuite) TestContinuousHaltsOnPowerOff() {
	s.radio.PoweredOff = true
	s.disc.StartContinuous()

	select {
	case ev := <-s.disc.Events():
		s.Equal(EventRadioOff, ev.Kind)
	case <-time.After(time.Second):
		s.Fail("expected a radio-off event")
	}
	s.False(s.disc.Running())
}

func (s *DiscoverySuite) TestPauseReportsAndResumeRestarts() {
	s.False(s.disc.Pause())

	s.disc.StartContinuous()
	s.True(s.disc.Pause())
	s.False(s.disc.Running())

	s.disc.Resume()
	s.True(s.disc.Running())
}

func TestDiscoverySuite(t *testing.T) {
	suite.Run(t, new(DiscoverySuite))
}

func TestMatches(t *testing.T) {
	disc := New(&testutils.FakeRadio{}, DefaultOptions(), nil)

	tests := []struct {
		name     string
		adv      testutils.FakeAdvertisement
		expected bool
	}{
		{
			name:     "product token in name",
			adv:      testutils.FakeAdvertisement{Name: "Polar H10 5858DC27", Address: "a"},
			expected: true,
		},
		{
			name:     "token is case-insensitive",
			adv:      testutils.FakeAdvertisement{Name: "POLAR OH1", Address: "a"},
			expected: true,
		},
		{
			name:     "unrelated name without services",
			adv:      testutils.FakeAdvertisement{Name: "Generic HR Band", Address: "a"},
			expected: false,
		},
		{
			name:     "nameless with heart rate service",
			adv:      testutils.FakeAdvertisement{Address: "a", ServiceUUID: []string{"180d"}},
			expected: true,
		},
		{
			name: "heart rate service in long form",
			adv: testutils.FakeAdvertisement{
				Name:        "Chest Strap",
				Address:     "a",
				ServiceUUID: []string{"0000180d-0000-1000-8000-00805f9b34fb"},
			},
			expected: true,
		},
		{
			name:     "other service only",
			adv:      testutils.FakeAdvertisement{Address: "a", ServiceUUID: []string{"180f"}},
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, disc.Matches(tt.adv))
		})
	}
}

func TestSnapshotSorted(t *testing.T) {
	radio := &testutils.FakeRadio{Advs: []testutils.FakeAdvertisement{
		testutils.HeartRateAdvertisement("B", "bb:00"),
		testutils.HeartRateAdvertisement("A", "aa:00"),
	}}
	disc := New(radio, DefaultOptions(), nil)

	require.NoError(t, disc.Scan(context.Background(), 50*time.Millisecond))

	devices := disc.Snapshot()
	require.Len(t, devices, 2)
	assert.Equal(t, "aa:00", devices[0].Address)
	assert.Equal(t, "bb:00", devices[1].Address)
}
