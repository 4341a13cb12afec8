// Package hub coalesces any number of orientation listeners onto a single
// filter and a single subscription to each of the accelerometer,
// magnetometer and gyroscope feeds.
//
// The hub is Idle while it has no listeners and holds no feed
// subscriptions. The first listener moves it to Active: the three feeds
// are subscribed, the latched samples are cleared and the filter restarts
// from identity. Removing the last listener tears the subscriptions down
// again. Accelerometer and magnetometer samples are latched silently; each
// gyroscope sample drives one filter update and one fan-out, but only once
// all three feeds have delivered since activation.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/relabs-tech/inertial_orientation/internal/feed"
	"github.com/relabs-tech/inertial_orientation/internal/imu"
	"github.com/relabs-tech/inertial_orientation/internal/orientation"
)

var ErrNilPort = errors.New("hub: nil feed port")

// Listener receives every fused orientation.
type Listener func(orientation.EulerAngles)

// Option configures New.
type Option func(*settings)

type settings struct {
	filter   orientation.Filter
	interval int
	logger   *log.Logger
}

// WithFilter replaces the default Madgwick filter.
func WithFilter(f orientation.Filter) Option {
	return func(s *settings) { s.filter = f }
}

// WithSampleInterval sets the initial interval in milliseconds.
func WithSampleInterval(ms int) Option {
	return func(s *settings) { s.interval = ms }
}

// WithLogger sets the logger used for lifecycle messages.
func WithLogger(l *log.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// Hub is safe for concurrent use. Listeners run without any hub lock held
// and may add or remove listeners or change the interval.
type Hub struct {
	accel, mag, gyro feed.Port
	logger           *log.Logger

	// opMu serialises everything that calls into the ports.
	opMu     sync.Mutex
	portSubs []feed.Subscription

	mu        sync.Mutex
	filter    orientation.Filter
	interval  int
	listeners []*Subscription
	gen       uint64 // bumped on every activation and teardown
	lastAccel imu.Measurement
	lastMag   imu.Measurement
	haveAccel bool
	haveMag   bool
}

// New builds an idle hub over the three feeds.
func New(accel, mag, gyro feed.Port, opts ...Option) (*Hub, error) {
	if accel == nil || mag == nil || gyro == nil {
		return nil, ErrNilPort
	}

	s := settings{logger: log.Default()}
	for _, o := range opts {
		o(&s)
	}

	switch {
	case s.interval < 0:
		return nil, fmt.Errorf("%w: %d", orientation.ErrInvalidInterval, s.interval)
	case s.filter == nil:
		if s.interval == 0 {
			s.interval = orientation.DefaultSampleInterval
		}
		f, err := orientation.New(orientation.Options{SampleInterval: s.interval})
		if err != nil {
			return nil, err
		}
		s.filter = f
	case s.interval == 0:
		s.interval = s.filter.SampleInterval()
	case s.interval != s.filter.SampleInterval():
		s.filter.Reconfigure(s.interval)
	}

	return &Hub{
		accel:    accel,
		mag:      mag,
		gyro:     gyro,
		logger:   s.logger,
		filter:   s.filter,
		interval: s.interval,
	}, nil
}

// Subscription is one listener registration. Registering the same function
// twice yields two independent subscriptions.
type Subscription struct {
	hub     *Hub
	l       Listener
	removed atomic.Bool
}

// Remove deregisters the listener. Once Remove returns on the goroutine
// running a dispatch, that dispatch will not call the listener again.
// Calling it more than once is harmless.
func (s *Subscription) Remove() {
	if s.removed.Swap(true) {
		return
	}
	s.hub.remove(s)
}

// AddListener registers l and activates the feeds if it is the first one.
// Missing hardware is not an error here; l simply never fires.
func (h *Hub) AddListener(l Listener) *Subscription {
	h.opMu.Lock()
	defer h.opMu.Unlock()

	h.mu.Lock()
	ms := h.interval
	h.mu.Unlock()
	h.applyInterval(ms)

	sub := &Subscription{hub: h, l: l}

	h.mu.Lock()
	h.listeners = append(h.listeners, sub)
	first := len(h.listeners) == 1
	var gen uint64
	if first {
		gen = h.activate()
	}
	h.mu.Unlock()

	if first {
		h.subscribe(gen)
		h.logger.Printf("hub: active (interval %d ms)", ms)
	}
	return sub
}

// RemoveAllListeners drops every registration and tears down the feeds.
func (h *Hub) RemoveAllListeners() {
	h.opMu.Lock()
	defer h.opMu.Unlock()

	h.mu.Lock()
	n := len(h.listeners)
	for _, s := range h.listeners {
		s.removed.Store(true)
	}
	h.listeners = nil
	if n > 0 {
		h.deactivate()
	}
	h.mu.Unlock()

	if n > 0 {
		h.unsubscribe()
		h.logger.Printf("hub: idle (removed %d listeners)", n)
	}
}

// SetUpdateInterval sets the sample interval for the feeds and the filter.
// A changed value restarts the estimate from identity. It may be called
// with no listeners; the value is applied again on the next AddListener.
func (h *Hub) SetUpdateInterval(ms int) error {
	if ms <= 0 {
		return fmt.Errorf("%w: %d", orientation.ErrInvalidInterval, ms)
	}

	h.opMu.Lock()
	defer h.opMu.Unlock()

	h.mu.Lock()
	if ms != h.interval {
		h.interval = ms
		h.filter.Reconfigure(ms)
		h.logger.Printf("hub: sample interval %d ms", ms)
	}
	h.mu.Unlock()

	h.applyInterval(ms)
	return nil
}

// UpdateInterval returns the configured interval in milliseconds.
func (h *Hub) UpdateInterval() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.interval
}

// Available reports whether all three feeds are present, stopping at the
// first one that is not.
func (h *Hub) Available(ctx context.Context) (bool, error) {
	for _, p := range []struct {
		name string
		port feed.Port
	}{
		{"accelerometer", h.accel},
		{"magnetometer", h.mag},
		{"gyroscope", h.gyro},
	} {
		ok, err := p.port.Available(ctx)
		if err != nil {
			return false, fmt.Errorf("hub: %s availability: %w", p.name, err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// EulerAngles returns the current estimate.
func (h *Hub) EulerAngles() orientation.EulerAngles {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.filter.EulerAngles()
}

func (h *Hub) HasListener() bool {
	return h.ListenerCount() > 0
}

func (h *Hub) ListenerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.listeners)
}

func (h *Hub) remove(sub *Subscription) {
	h.opMu.Lock()
	defer h.opMu.Unlock()

	h.mu.Lock()
	i := slices.Index(h.listeners, sub)
	if i < 0 {
		// Already cleared by RemoveAllListeners.
		h.mu.Unlock()
		return
	}
	h.listeners = slices.Delete(h.listeners, i, i+1)
	last := len(h.listeners) == 0
	if last {
		h.deactivate()
	}
	h.mu.Unlock()

	if last {
		h.unsubscribe()
		h.logger.Printf("hub: idle")
	}
}

// activate and deactivate run with h.mu held.
func (h *Hub) activate() uint64 {
	h.gen++
	h.clearLatched()
	h.filter.Reconfigure(h.interval)
	return h.gen
}

func (h *Hub) deactivate() {
	h.gen++
	h.clearLatched()
	h.filter.Reconfigure(h.interval)
}

func (h *Hub) clearLatched() {
	h.lastAccel, h.lastMag = imu.Measurement{}, imu.Measurement{}
	h.haveAccel, h.haveMag = false, false
}

// subscribe and unsubscribe run with h.opMu held.
func (h *Hub) subscribe(gen uint64) {
	h.portSubs = []feed.Subscription{
		h.accel.AddListener(func(m imu.Measurement) { h.onAccel(gen, m) }),
		h.mag.AddListener(func(m imu.Measurement) { h.onMag(gen, m) }),
		h.gyro.AddListener(func(m imu.Measurement) { h.onGyro(gen, m) }),
	}
}

func (h *Hub) unsubscribe() {
	for _, s := range h.portSubs {
		s.Remove()
	}
	h.portSubs = nil
}

func (h *Hub) applyInterval(ms int) {
	h.accel.SetUpdateInterval(ms)
	h.mag.SetUpdateInterval(ms)
	h.gyro.SetUpdateInterval(ms)
}

func (h *Hub) onAccel(gen uint64, m imu.Measurement) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if gen != h.gen {
		return
	}
	h.lastAccel, h.haveAccel = m, true
}

func (h *Hub) onMag(gen uint64, m imu.Measurement) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if gen != h.gen {
		return
	}
	h.lastMag, h.haveMag = m, true
}

func (h *Hub) onGyro(gen uint64, m imu.Measurement) {
	h.mu.Lock()
	if gen != h.gen || !h.haveAccel || !h.haveMag {
		h.mu.Unlock()
		return
	}
	h.filter.Update(m, h.lastAccel, h.lastMag)
	angles := h.filter.EulerAngles()
	listeners := slices.Clone(h.listeners)
	h.mu.Unlock()

	for _, s := range listeners {
		if s.removed.Load() {
			continue
		}
		s.l(angles)
	}
}
