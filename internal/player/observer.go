package player

import "github.com/google/uuid"

// Subscription is returned by observer registration and removes the
// observer when Unsubscribe is called.
type Subscription struct {
	id     string
	remove func()
}

// ID returns the unique id of the subscription.
func (s Subscription) ID() string {
	return s.id
}

// Unsubscribe removes the observer. It is safe to call more than once.
func (s Subscription) Unsubscribe() {
	if s.remove != nil {
		s.remove()
	}
}

type observer[T any] struct {
	id string
	fn func(T)
}

type eventKind uint8

const (
	eventIndex eventKind = iota
	eventStatus
)

type event struct {
	kind   eventKind
	index  int
	status Status
}

// OnCurrentIndexChange registers fn to be called with the new current
// index after every advance.
//
// Observers are called in registration order and notifications are never
// reordered. They run on the goroutine of the mutating call, after the
// controller lock is released. If another goroutine is already delivering
// notifications, that goroutine delivers the new ones as well, and the
// mutating call may return before its observers have run.
func (c *Controller) OnCurrentIndexChange(fn func(index int)) Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := uuid.New().String()
	if c.destroyed {
		return Subscription{id: id}
	}
	c.indexObservers = append(c.indexObservers, observer[int]{id: id, fn: fn})

	return Subscription{id: id, remove: func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.indexObservers = removeObserver(c.indexObservers, id)
	}}
}

// OnStatusChange registers fn to be called with the new status after
// every status change. Delivery follows the rules of OnCurrentIndexChange.
func (c *Controller) OnStatusChange(fn func(status Status)) Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := uuid.New().String()
	if c.destroyed {
		return Subscription{id: id}
	}
	c.statusObservers = append(c.statusObservers, observer[Status]{id: id, fn: fn})

	return Subscription{id: id, remove: func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.statusObservers = removeObserver(c.statusObservers, id)
	}}
}

func removeObserver[T any](observers []observer[T], id string) []observer[T] {
	for i, o := range observers {
		if o.id == id {
			out := make([]observer[T], 0, len(observers)-1)
			out = append(out, observers[:i]...)
			return append(out, observers[i+1:]...)
		}
	}
	return observers
}

// emitIndexLocked queues an index notification. Caller must hold c.mu.
func (c *Controller) emitIndexLocked(index int) {
	if c.destroyed {
		return
	}
	c.pending = append(c.pending, event{kind: eventIndex, index: index})
}

// emitStatusLocked queues a status notification. Caller must hold c.mu.
func (c *Controller) emitStatusLocked(status Status) {
	if c.destroyed {
		return
	}
	c.pending = append(c.pending, event{kind: eventStatus, status: status})
}

// flush delivers queued notifications in order, outside of c.mu, so that
// observers may read state or call back into the controller. Only one
// goroutine delivers at a time; notifications queued meanwhile, including
// ones raised from inside an observer, are drained by that goroutine.
func (c *Controller) flush() {
	c.mu.Lock()
	if c.delivering {
		c.mu.Unlock()
		return
	}
	c.delivering = true

	for {
		if len(c.pending) == 0 {
			c.delivering = false
			c.mu.Unlock()
			return
		}

		ev := c.pending[0]
		c.pending = c.pending[1:]

		switch ev.kind {
		case eventIndex:
			observers := c.indexObservers
			c.mu.Unlock()
			for _, o := range observers {
				o.fn(ev.index)
			}
		case eventStatus:
			observers := c.statusObservers
			c.mu.Unlock()
			for _, o := range observers {
				o.fn(ev.status)
			}
		default:
			c.mu.Unlock()
		}

		c.mu.Lock()
	}
}
