package feed

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relabs-tech/inertial_orientation/internal/imu"
)

// ReadFunc returns the current sample of a polled sensor.
type ReadFunc func() (imu.Measurement, error)

// ProbeFunc reports whether a polled sensor is present.
type ProbeFunc func(ctx context.Context) (bool, error)

// Ticker is a Port that polls a ReadFunc at the configured interval while it
// has at least one listener. Interval changes apply to the running loop.
// start and stop re-check the listener count under mu, so racing first/last
// transitions always settle on the state matching the registry.
type Ticker struct {
	name  string
	read  ReadFunc
	probe ProbeFunc

	interval atomic.Int64 // milliseconds
	changed  chan struct{}

	reg registry

	mu     sync.Mutex
	cancel context.CancelFunc
}

var _ Port = (*Ticker)(nil)

// NewTicker builds a polled port. A nil probe reports the port as always
// available.
func NewTicker(name string, read ReadFunc, probe ProbeFunc) *Ticker {
	t := &Ticker{
		name:    name,
		read:    read,
		probe:   probe,
		changed: make(chan struct{}, 1),
	}
	t.interval.Store(100)
	t.reg.first = t.start
	t.reg.last = t.stop
	return t
}

func (t *Ticker) AddListener(h Handler) Subscription {
	return t.reg.add(h)
}

func (t *Ticker) SetUpdateInterval(ms int) {
	if ms <= 0 {
		return
	}
	if t.interval.Swap(int64(ms)) == int64(ms) {
		return
	}
	select {
	case t.changed <- struct{}{}:
	default:
	}
}

// UpdateInterval returns the current polling interval in milliseconds.
func (t *Ticker) UpdateInterval() int {
	return int(t.interval.Load())
}

func (t *Ticker) Available(ctx context.Context) (bool, error) {
	if t.probe == nil {
		return true, nil
	}
	return t.probe(ctx)
}

// Running reports whether the polling loop is active.
func (t *Ticker) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancel != nil
}

func (t *Ticker) start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil || t.reg.len() == 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	go t.run(ctx)
	log.Printf("feed: %s started (%d ms)", t.name, t.UpdateInterval())
}

func (t *Ticker) stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel == nil || t.reg.len() > 0 {
		return
	}
	t.cancel()
	t.cancel = nil
	log.Printf("feed: %s stopped", t.name)
}

func (t *Ticker) run(ctx context.Context) {
	tick := time.NewTicker(time.Duration(t.interval.Load()) * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.changed:
			tick.Reset(time.Duration(t.interval.Load()) * time.Millisecond)
		case <-tick.C:
			m, err := t.read()
			if err != nil {
				log.Printf("feed: %s read error: %v", t.name, err)
				continue
			}
			if ctx.Err() != nil {
				return
			}
			t.reg.deliver(m)
		}
	}
}
