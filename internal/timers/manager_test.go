package timers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pixelagents/internal/clock"
)

type fired struct {
	agent int
	kind  Kind
	gen   uint64
}

func newTestManager(t *testing.T) (*Manager, *clock.Fake, *[]fired) {
	t.Helper()
	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	var got []fired
	var m *Manager
	m = NewManager(func(agent int, kind Kind, gen uint64) {
		if m.Consume(agent, kind, gen) {
			got = append(got, fired{agent, kind, gen})
		}
	}, WithClock(fake))
	return m, fake, &got
}

func TestWaitingFiresAfterDelay(t *testing.T) {
	m, fake, got := newTestManager(t)
	m.StartWaiting(1)
	require.True(t, m.Active(1, Waiting))

	fake.Advance(DefaultWaitingDelay - time.Millisecond)
	require.Empty(t, *got)

	fake.Advance(time.Millisecond)
	require.Len(t, *got, 1)
	require.Equal(t, Waiting, (*got)[0].kind)
	require.False(t, m.Active(1, Waiting))
}

func TestCancelIsIdempotent(t *testing.T) {
	m, fake, got := newTestManager(t)
	require.False(t, m.Cancel(1, Waiting))

	m.StartPermission(1)
	require.True(t, m.Cancel(1, Permission))
	require.False(t, m.Cancel(1, Permission))

	fake.Advance(time.Minute)
	require.Empty(t, *got)
	require.False(t, m.Cancel(1, Permission))
}

func TestRestartSupersedesPreviousTimer(t *testing.T) {
	m, fake, got := newTestManager(t)
	first := m.Start(1, Permission)
	fake.Advance(5 * time.Second)
	second := m.Start(1, Permission)
	require.NotEqual(t, first, second)

	fake.Advance(3 * time.Second)
	require.Empty(t, *got)

	fake.Advance(4 * time.Second)
	require.Len(t, *got, 1)
	require.Equal(t, second, (*got)[0].gen)
}

func TestStaleConsumeIsRejected(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	var pending []fired
	m := NewManager(func(agent int, kind Kind, gen uint64) {
		pending = append(pending, fired{agent, kind, gen})
	}, WithClock(fake))

	m.StartWaiting(3)
	fake.Advance(DefaultWaitingDelay)
	require.Len(t, pending, 1)

	// The fire was delivered but a cancel ran before it was consumed.
	m.CancelWaiting(3)
	require.False(t, m.Consume(3, Waiting, pending[0].gen))
}

func TestConsumeOnlyOnce(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	var gen uint64
	m := NewManager(func(_ int, _ Kind, g uint64) { gen = g }, WithClock(fake))
	m.StartPermission(2)
	fake.Advance(DefaultPermissionDelay)

	require.True(t, m.Consume(2, Permission, gen))
	require.False(t, m.Consume(2, Permission, gen))
}

func TestCancelAllCoversBothKinds(t *testing.T) {
	m, fake, got := newTestManager(t)
	m.StartWaiting(1)
	m.StartPermission(1)
	m.StartWaiting(2)

	m.CancelAll(1)
	fake.Advance(time.Minute)

	require.Len(t, *got, 1)
	require.Equal(t, 2, (*got)[0].agent)
}

func TestCustomDelays(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	count := 0
	m := NewManager(func(int, Kind, uint64) { count++ }, WithClock(fake), WithDelay(Waiting, time.Second))
	require.Equal(t, time.Second, m.Delay(Waiting))
	require.Equal(t, DefaultPermissionDelay, m.Delay(Permission))

	m.StartWaiting(1)
	fake.Advance(time.Second)
	require.Equal(t, 1, count)
}
