package hub

import (
	"bytes"
	"context"
	"errors"
	"log"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/inertial_orientation/internal/feed"
	"github.com/relabs-tech/inertial_orientation/internal/imu"
	"github.com/relabs-tech/inertial_orientation/internal/orientation"
)

// fakePort records how the hub drives it and delivers on demand.
type fakePort struct {
	mu           sync.Mutex
	handlers     map[int]feed.Handler
	all          []feed.Handler // every handler ever registered, in order
	next         int
	subscribes   int
	unsubscribes int
	intervals    []int
	available    bool
	err          error
	probes       int
}

func newFakePort() *fakePort {
	return &fakePort{handlers: map[int]feed.Handler{}, available: true}
}

type fakeSub struct {
	p  *fakePort
	id int
}

func (s fakeSub) Remove() {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	if _, ok := s.p.handlers[s.id]; ok {
		delete(s.p.handlers, s.id)
		s.p.unsubscribes++
	}
}

func (p *fakePort) AddListener(h feed.Handler) feed.Subscription {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	p.handlers[p.next] = h
	p.all = append(p.all, h)
	p.subscribes++
	return fakeSub{p: p, id: p.next}
}

func (p *fakePort) SetUpdateInterval(ms int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.intervals = append(p.intervals, ms)
}

func (p *fakePort) Available(ctx context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probes++
	return p.available, p.err
}

func (p *fakePort) emit(m imu.Measurement) {
	p.mu.Lock()
	hs := make([]feed.Handler, 0, len(p.handlers))
	for _, h := range p.handlers {
		hs = append(hs, h)
	}
	p.mu.Unlock()
	for _, h := range hs {
		h(m)
	}
}

func (p *fakePort) counts() (subscribes, unsubscribes, active int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.subscribes, p.unsubscribes, len(p.handlers)
}

func (p *fakePort) lastInterval() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.intervals) == 0 {
		return 0
	}
	return p.intervals[len(p.intervals)-1]
}

var (
	level = imu.Measurement{Z: 1}
	north = imu.Measurement{X: 1}
	still = imu.Measurement{}
)

type rig struct {
	accel, mag, gyro *fakePort
	hub              *Hub
}

func newRig(t *testing.T, opts ...Option) *rig {
	t.Helper()
	r := &rig{accel: newFakePort(), mag: newFakePort(), gyro: newFakePort()}
	opts = append([]Option{WithLogger(log.New(&bytes.Buffer{}, "", 0))}, opts...)
	h, err := New(r.accel, r.mag, r.gyro, opts...)
	require.NoError(t, err)
	r.hub = h
	return r
}

func (r *rig) step(gyro imu.Measurement) {
	r.accel.emit(level)
	r.mag.emit(north)
	r.gyro.emit(gyro)
}

func (r *rig) ports() []*fakePort { return []*fakePort{r.accel, r.mag, r.gyro} }

func TestNew(t *testing.T) {
	p := newFakePort()

	_, err := New(nil, p, p)
	assert.ErrorIs(t, err, ErrNilPort)

	_, err = New(p, p, p, WithSampleInterval(-1))
	assert.ErrorIs(t, err, orientation.ErrInvalidInterval)

	h, err := New(p, p, p)
	require.NoError(t, err)
	assert.Equal(t, orientation.DefaultSampleInterval, h.UpdateInterval())
	assert.False(t, h.HasListener())
	assert.Zero(t, h.ListenerCount())

	f := orientation.NewMahony(50, 1, 0)
	h, err = New(p, p, p, WithFilter(f))
	require.NoError(t, err)
	assert.Equal(t, 50, h.UpdateInterval())

	h, err = New(p, p, p, WithFilter(f), WithSampleInterval(10))
	require.NoError(t, err)
	assert.Equal(t, 10, h.UpdateInterval())
	assert.Equal(t, 10, f.SampleInterval())
}

func TestNoOutputUntilAllFeedsDelivered(t *testing.T) {
	r := newRig(t)
	calls := 0
	r.hub.AddListener(func(orientation.EulerAngles) { calls++ })

	for i := 0; i < 10; i++ {
		r.accel.emit(level)
		r.gyro.emit(still)
	}
	assert.Zero(t, calls, "magnetometer never delivered")

	r.mag.emit(north)
	assert.Zero(t, calls, "magnetometer does not trigger output")
	r.accel.emit(level)
	assert.Zero(t, calls, "accelerometer does not trigger output")

	r.gyro.emit(still)
	assert.Equal(t, 1, calls)
}

func TestReferenceCounting(t *testing.T) {
	r := newRig(t)
	noop := func(orientation.EulerAngles) {}

	subs := []*Subscription{
		r.hub.AddListener(noop),
		r.hub.AddListener(noop),
		r.hub.AddListener(noop),
	}
	assert.Equal(t, 3, r.hub.ListenerCount())
	for _, p := range r.ports() {
		s, u, active := p.counts()
		assert.Equal(t, 1, s)
		assert.Zero(t, u)
		assert.Equal(t, 1, active)
	}

	subs[0].Remove()
	subs[1].Remove()
	assert.Equal(t, 1, r.hub.ListenerCount())
	assert.True(t, r.hub.HasListener())
	for _, p := range r.ports() {
		_, u, _ := p.counts()
		assert.Zero(t, u)
	}

	subs[2].Remove()
	subs[2].Remove()
	assert.Zero(t, r.hub.ListenerCount())
	assert.False(t, r.hub.HasListener())
	for _, p := range r.ports() {
		s, u, active := p.counts()
		assert.Equal(t, 1, s)
		assert.Equal(t, 1, u)
		assert.Zero(t, active)
	}
}

func TestReactivationSubscribesAfresh(t *testing.T) {
	r := newRig(t)
	calls := 0
	count := func(orientation.EulerAngles) { calls++ }

	sub := r.hub.AddListener(count)
	r.step(still)
	require.Equal(t, 1, calls)
	sub.Remove()

	r.hub.AddListener(count)
	for _, p := range r.ports() {
		s, u, active := p.counts()
		assert.Equal(t, 2, s)
		assert.Equal(t, 1, u)
		assert.Equal(t, 1, active)
	}

	// Latched samples from the previous activation are gone.
	r.gyro.emit(still)
	assert.Equal(t, 1, calls)
	r.step(still)
	assert.Equal(t, 2, calls)
}

func TestStaleCallbacksIgnored(t *testing.T) {
	r := newRig(t)
	calls := 0
	count := func(orientation.EulerAngles) { calls++ }

	r.hub.AddListener(count).Remove()
	r.hub.AddListener(count)

	// Handlers from the first activation keep firing, e.g. a delivery that
	// was already in flight when the port subscription was removed.
	r.accel.all[0](level)
	r.mag.all[0](north)
	r.gyro.all[0](still)
	assert.Zero(t, calls)

	// The stale samples were not latched either.
	r.gyro.emit(still)
	assert.Zero(t, calls)
}

func TestSetUpdateIntervalResetsEstimate(t *testing.T) {
	r := newRig(t)
	r.hub.AddListener(func(orientation.EulerAngles) {})

	for i := 0; i < 20; i++ {
		r.step(imu.Measurement{Z: 2})
	}
	require.Greater(t, abs(r.hub.EulerAngles().Yaw), 0.1)

	require.NoError(t, r.hub.SetUpdateInterval(10))
	e := r.hub.EulerAngles()
	assert.InDelta(t, 0, e.Yaw, 1e-12)
	assert.InDelta(t, 0, e.Pitch, 1e-12)
	assert.InDelta(t, 0, e.Roll, 1e-12)
	assert.Equal(t, 10, r.hub.UpdateInterval())
	for _, p := range r.ports() {
		assert.Equal(t, 10, p.lastInterval())
	}

	// Same value: feeds are told again but the estimate is kept.
	for i := 0; i < 20; i++ {
		r.step(imu.Measurement{Z: 2})
	}
	before := r.hub.EulerAngles()
	require.NoError(t, r.hub.SetUpdateInterval(10))
	assert.Equal(t, before, r.hub.EulerAngles())
}

func TestSetUpdateIntervalRejectsNonPositive(t *testing.T) {
	r := newRig(t)
	for _, ms := range []int{0, -5} {
		assert.ErrorIs(t, r.hub.SetUpdateInterval(ms), orientation.ErrInvalidInterval)
	}
	assert.Equal(t, orientation.DefaultSampleInterval, r.hub.UpdateInterval())
	for _, p := range r.ports() {
		assert.Empty(t, p.intervals)
	}
}

func TestSetUpdateIntervalWhileIdle(t *testing.T) {
	r := newRig(t)
	require.NoError(t, r.hub.SetUpdateInterval(40))
	for _, p := range r.ports() {
		assert.Equal(t, []int{40}, p.intervals)
	}

	r.hub.AddListener(func(orientation.EulerAngles) {})
	for _, p := range r.ports() {
		assert.Equal(t, []int{40, 40}, p.intervals)
	}
}

func TestConvergesToIdentity(t *testing.T) {
	r := newRig(t)
	var last orientation.EulerAngles
	r.hub.AddListener(func(e orientation.EulerAngles) { last = e })

	// Spin away from the reference first.
	for i := 0; i < 50; i++ {
		r.step(imu.Measurement{X: 1, Z: 2})
	}
	require.Greater(t, abs(last.Yaw)+abs(last.Pitch)+abs(last.Roll), 0.2)

	for i := 0; i < 2000; i++ {
		r.step(still)
	}
	assert.InDelta(t, 0, last.Yaw, 0.05)
	assert.InDelta(t, 0, last.Pitch, 0.05)
	assert.InDelta(t, 0, last.Roll, 0.05)
}

func TestListenerRemovesItselfDuringFanOut(t *testing.T) {
	r := newRig(t)
	selfCalls, otherCalls := 0, 0

	var self *Subscription
	self = r.hub.AddListener(func(orientation.EulerAngles) {
		selfCalls++
		self.Remove()
	})
	r.hub.AddListener(func(orientation.EulerAngles) { otherCalls++ })

	r.step(still)
	r.step(still)
	assert.Equal(t, 1, selfCalls)
	assert.Equal(t, 2, otherCalls)
	assert.Equal(t, 1, r.hub.ListenerCount())
}

func TestListenerRemovesLaterListener(t *testing.T) {
	r := newRig(t)
	var second *Subscription
	secondCalls := 0

	r.hub.AddListener(func(orientation.EulerAngles) { second.Remove() })
	second = r.hub.AddListener(func(orientation.EulerAngles) { secondCalls++ })

	r.step(still)
	assert.Zero(t, secondCalls)
}

func TestListenerAddedDuringFanOut(t *testing.T) {
	r := newRig(t)
	added := 0
	var once sync.Once

	r.hub.AddListener(func(orientation.EulerAngles) {
		once.Do(func() {
			r.hub.AddListener(func(orientation.EulerAngles) { added++ })
		})
	})

	r.step(still)
	assert.Zero(t, added, "not part of the dispatch that added it")
	r.step(still)
	assert.Equal(t, 1, added)
	for _, p := range r.ports() {
		s, _, _ := p.counts()
		assert.Equal(t, 1, s)
	}
}

func TestDuplicateRegistrations(t *testing.T) {
	r := newRig(t)
	calls := 0
	count := func(orientation.EulerAngles) { calls++ }

	a := r.hub.AddListener(count)
	b := r.hub.AddListener(count)
	require.NotSame(t, a, b)

	r.step(still)
	assert.Equal(t, 2, calls)

	a.Remove()
	r.step(still)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 1, r.hub.ListenerCount())

	b.Remove()
	assert.False(t, r.hub.HasListener())
}

func TestRemoveAllListeners(t *testing.T) {
	r := newRig(t)
	calls := 0
	count := func(orientation.EulerAngles) { calls++ }
	a := r.hub.AddListener(count)
	r.hub.AddListener(count)
	r.hub.AddListener(count)

	r.hub.RemoveAllListeners()
	assert.Zero(t, r.hub.ListenerCount())
	for _, p := range r.ports() {
		_, u, active := p.counts()
		assert.Equal(t, 1, u)
		assert.Zero(t, active)
	}

	a.Remove()
	r.hub.RemoveAllListeners()
	for _, p := range r.ports() {
		_, u, _ := p.counts()
		assert.Equal(t, 1, u)
	}

	r.step(still)
	assert.Zero(t, calls)
}

func TestAvailable(t *testing.T) {
	ctx := context.Background()

	r := newRig(t)
	ok, err := r.hub.Available(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	r = newRig(t)
	r.mag.available = false
	ok, err = r.hub.Available(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, r.gyro.probes)

	r = newRig(t)
	boom := errors.New("bus error")
	r.accel.err = boom
	ok, err = r.hub.Available(ctx)
	assert.ErrorIs(t, err, boom)
	assert.False(t, ok)
	assert.Zero(t, r.mag.probes)
}

func TestUnavailableFeedNeverDelivers(t *testing.T) {
	missing := feed.Unavailable{Name: "magnetometer"}
	accel, gyro := newFakePort(), newFakePort()
	h, err := New(accel, missing, gyro, WithLogger(log.New(&bytes.Buffer{}, "", 0)))
	require.NoError(t, err)

	calls := 0
	sub := h.AddListener(func(orientation.EulerAngles) { calls++ })
	accel.emit(level)
	gyro.emit(still)
	assert.Zero(t, calls)

	ok, err := h.Available(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	sub.Remove()
}

func TestConcurrentListeners(t *testing.T) {
	r := newRig(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				r.hub.AddListener(func(orientation.EulerAngles) {}).Remove()
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 200; j++ {
			r.step(still)
		}
	}()
	wg.Wait()

	assert.Zero(t, r.hub.ListenerCount())
	for _, p := range r.ports() {
		s, u, active := p.counts()
		assert.Equal(t, s, u)
		assert.Zero(t, active)
	}
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
