package app

import (
	"sync"

	"github.com/relabs-tech/inertial_orientation/internal/orientation"
)

// latestPose keeps the most recent fused pose for code that polls.
type latestPose struct {
	mu   sync.RWMutex
	pose orientation.Pose
	have bool
}

func (l *latestPose) set(e orientation.EulerAngles) {
	p := e.Pose()
	l.mu.Lock()
	l.pose, l.have = p, true
	l.mu.Unlock()
}

func (l *latestPose) get() (orientation.Pose, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.pose, l.have
}

// offerLatest puts v on a one-slot channel, replacing whatever the
// consumer has not picked up yet. It never blocks.
func offerLatest[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
