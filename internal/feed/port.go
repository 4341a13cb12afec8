// Package feed defines the push-based 3-axis measurement source consumed by
// the orientation hub, and the adapters that implement it on top of real
// transports (SPI devices, MQTT topics, NMEA serial lines) or a simulated body.
package feed

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/relabs-tech/inertial_orientation/internal/imu"
)

// Handler receives one measurement. Handlers of a single subscription are
// never invoked concurrently and see samples in arrival order.
type Handler func(imu.Measurement)

// Subscription stops delivery to one handler. Remove never waits for the
// delivering goroutine, so it is safe to call from inside the handler.
type Subscription interface {
	Remove()
}

// Port is one independently started, rate-configurable measurement feed.
type Port interface {
	// AddListener starts delivery to h. A port whose hardware is missing
	// still returns a subscription; it simply never delivers.
	AddListener(h Handler) Subscription

	// SetUpdateInterval sets the delivery cadence in milliseconds for
	// subsequent samples.
	SetUpdateInterval(ms int)

	// Available probes whether the underlying source is present.
	Available(ctx context.Context) (bool, error)
}

// registry is the listener set shared by the adapters. first and last are
// called with the registry unlocked when the set becomes non-empty or empty.
type registry struct {
	mu    sync.Mutex
	subs  []*registration
	first func()
	last  func()
}

type registration struct {
	h       Handler
	reg     *registry
	removed atomic.Bool
}

func (r *registration) Remove() {
	if r.removed.Swap(true) {
		return
	}
	r.reg.remove(r)
}

func (r *registry) add(h Handler) *registration {
	sub := &registration{h: h, reg: r}

	r.mu.Lock()
	r.subs = append(r.subs, sub)
	wasEmpty := len(r.subs) == 1
	r.mu.Unlock()

	if wasEmpty && r.first != nil {
		r.first()
	}
	return sub
}

func (r *registry) remove(sub *registration) {
	r.mu.Lock()
	for i, s := range r.subs {
		if s == sub {
			r.subs = append(r.subs[:i:i], r.subs[i+1:]...)
			break
		}
	}
	empty := len(r.subs) == 0
	r.mu.Unlock()

	if empty && r.last != nil {
		r.last()
	}
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// deliver fans m out to a snapshot of the current handlers.
func (r *registry) deliver(m imu.Measurement) {
	r.mu.Lock()
	subs := make([]*registration, len(r.subs))
	copy(subs, r.subs)
	r.mu.Unlock()

	for _, s := range subs {
		if s.removed.Load() {
			continue
		}
		s.h(m)
	}
}

// Unavailable stands in for a source that could not be opened. It accepts
// listeners, never delivers and always reports itself missing.
type Unavailable struct {
	Name string
}

func (Unavailable) AddListener(Handler) Subscription { return nopSubscription{} }

func (Unavailable) SetUpdateInterval(int) {}

func (Unavailable) Available(ctx context.Context) (bool, error) {
	return false, ctx.Err()
}

type nopSubscription struct{}

func (nopSubscription) Remove() {}
