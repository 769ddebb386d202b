package navigation

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/dpup/prefab/errors"
	"github.com/dpup/prefab/logging"

	"github.com/lima-limon-inc/ferrostar/internal/lib/tracker"
	"github.com/lima-limon-inc/ferrostar/internal/metrics"
)

// How long subscribers may keep reading queued events after the session stopped
const defaultDrainTimeout = 5 * time.Second

// dispatcher queues tracker events without ever blocking the tracker and
// delivers them in order from a single goroutine. Every subscriber is fed by
// its own pump so one that stops reading cannot hold up handlers or other
// subscribers.
type dispatcher struct {
	ctx          context.Context
	sessionID    string
	drainTimeout time.Duration

	mu     sync.Mutex
	queue  []tracker.Event
	closed bool
	signal chan struct{}
	done   chan struct{}

	handlers []func(tracker.Event)

	subMu       sync.Mutex
	subscribers map[int]*subscriber
	nextSub     int
	finished    bool
	pumps       sync.WaitGroup

	abandonOnce sync.Once
	abandon     chan struct{}
}

type subscriber struct {
	ch     chan tracker.Event
	gone   chan struct{}
	signal chan struct{}

	mu    sync.Mutex
	queue []tracker.Event
	ended bool
}

func newDispatcher(ctx context.Context, sessionID string, drainTimeout time.Duration) *dispatcher {
	if drainTimeout <= 0 {
		drainTimeout = defaultDrainTimeout
	}
	return &dispatcher{
		ctx:          ctx,
		sessionID:    sessionID,
		drainTimeout: drainTimeout,
		signal:       make(chan struct{}, 1),
		done:         make(chan struct{}),
		subscribers:  make(map[int]*subscriber),
		abandon:      make(chan struct{}),
	}
}

// Emit implements tracker.EventSink. It is called with the tracker lock held.
func (d *dispatcher) Emit(e tracker.Event) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, e)
	d.mu.Unlock()

	wake(d.signal)
}

func wake(signal chan struct{}) {
	select {
	case signal <- struct{}{}:
	default:
	}
}

// close stops accepting events. Events already queued are still delivered;
// subscribers get drainTimeout to read them before their channels are closed.
func (d *dispatcher) close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	wake(d.signal)

	time.AfterFunc(d.drainTimeout, func() {
		d.abandonOnce.Do(func() { close(d.abandon) })
	})
}

func (d *dispatcher) run() {
	defer close(d.done)
	defer d.pumps.Wait()
	defer d.endSubscribers()

	for {
		d.mu.Lock()
		batch := d.queue
		d.queue = nil
		closed := d.closed
		d.mu.Unlock()

		for _, e := range batch {
			d.deliver(e)
		}

		switch {
		case len(batch) > 0:
			continue
		case closed:
			return
		}
		<-d.signal
	}
}

func (d *dispatcher) deliver(e tracker.Event) {
	metrics.RecordEvent(string(e.Kind))
	logging.Debugw(d.ctx, "Navigation: event",
		"session", d.sessionID, "event", e.Kind, "seq", e.Seq, "step_index", e.StepIndex)

	for _, h := range d.handlers {
		d.handle(h, e)
	}

	for _, sub := range d.currentSubscribers() {
		sub.push(e)
	}
}

// handle calls one handler; a panicking handler does not stop delivery to the others
func (d *dispatcher) handle(h func(tracker.Event), e tracker.Event) {
	defer func() {
		if r := recover(); r != nil {
			err, _ := errors.ParseStack(debug.Stack())
			skipFrames := 3
			numFrames := 5
			logging.Errorw(d.ctx, "Navigation: recovered from panic in event handler",
				"session", d.sessionID, "event", e.Kind, "seq", e.Seq,
				"error", r, "error.stack_trace", err.MinimalStack(skipFrames, numFrames))
		}
	}()
	h(e)
}

func (d *dispatcher) subscribe(buffer int) (<-chan tracker.Event, func()) {
	if buffer < 0 {
		buffer = 0
	}
	sub := &subscriber{
		ch:     make(chan tracker.Event, buffer),
		gone:   make(chan struct{}),
		signal: make(chan struct{}, 1),
	}

	d.subMu.Lock()
	defer d.subMu.Unlock()

	if d.finished {
		close(sub.ch)
		return sub.ch, func() {}
	}

	id := d.nextSub
	d.nextSub++
	d.subscribers[id] = sub
	d.pumps.Add(1)
	go d.pump(sub)

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			d.subMu.Lock()
			delete(d.subscribers, id)
			d.subMu.Unlock()
			close(sub.gone)
		})
	}
	return sub.ch, unsubscribe
}

func (s *subscriber) push(e tracker.Event) {
	s.mu.Lock()
	s.queue = append(s.queue, e)
	s.mu.Unlock()
	wake(s.signal)
}

func (s *subscriber) end() {
	s.mu.Lock()
	s.ended = true
	s.mu.Unlock()
	wake(s.signal)
}

// pump forwards one subscriber's events in order until it unsubscribes, the
// session ended and its queue is empty, or the drain deadline passed
func (d *dispatcher) pump(sub *subscriber) {
	defer d.pumps.Done()
	defer close(sub.ch)

	for {
		sub.mu.Lock()
		batch := sub.queue
		sub.queue = nil
		ended := sub.ended
		sub.mu.Unlock()

		for i, e := range batch {
			select {
			case sub.ch <- e:
			case <-sub.gone:
				return
			case <-d.abandon:
				logging.Warnw(d.ctx, "Navigation: subscriber stopped reading, dropping events",
					"session", d.sessionID, "dropped", len(batch)-i)
				return
			}
		}

		switch {
		case len(batch) > 0:
			continue
		case ended:
			return
		}

		select {
		case <-sub.signal:
		case <-sub.gone:
			return
		}
	}
}

func (d *dispatcher) currentSubscribers() []*subscriber {
	d.subMu.Lock()
	defer d.subMu.Unlock()

	subs := make([]*subscriber, 0, len(d.subscribers))
	for i := 0; i < d.nextSub; i++ {
		if sub, ok := d.subscribers[i]; ok {
			subs = append(subs, sub)
		}
	}
	return subs
}

func (d *dispatcher) endSubscribers() {
	d.subMu.Lock()
	defer d.subMu.Unlock()

	d.finished = true
	for id, sub := range d.subscribers {
		sub.end()
		delete(d.subscribers, id)
	}
}
