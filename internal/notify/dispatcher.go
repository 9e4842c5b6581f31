package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type job struct {
	userID    string
	eventType string
	payload   Payload
}

// DropObserver is told about events discarded because the queue was full.
type DropObserver interface {
	ObserveNotificationDropped(eventType string)
}

// Dispatcher queues events for a background sender so callers never wait
// on delivery. When the queue is full the event is dropped and logged.
type Dispatcher struct {
	sink     Notifier
	timeout  time.Duration
	log      *slog.Logger
	observer DropObserver

	mu     sync.RWMutex
	closed bool
	queue  chan job
	wg     sync.WaitGroup
}

// NewDispatcher starts a dispatcher with the given queue size and per-send
// timeout. Call Close to drain it.
func NewDispatcher(sink Notifier, queueSize int, timeout time.Duration, log *slog.Logger, observer DropObserver) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 256
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	d := &Dispatcher{
		sink:     sink,
		timeout:  timeout,
		log:      log.With("component", "notify"),
		observer: observer,
		queue:    make(chan job, queueSize),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

// Send enqueues the event and returns immediately. It never returns an
// error; a dropped event is logged.
func (d *Dispatcher) Send(_ context.Context, userID, eventType string, payload Payload) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.dropped(userID, eventType)
		return nil
	}
	select {
	case d.queue <- job{userID: userID, eventType: eventType, payload: payload}:
	default:
		d.dropped(userID, eventType)
	}
	return nil
}

func (d *Dispatcher) dropped(userID, eventType string) {
	d.log.Warn("notification dropped", "user", userID, "event", eventType)
	if d.observer != nil {
		d.observer.ObserveNotificationDropped(eventType)
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for j := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		if err := d.sink.Send(ctx, j.userID, j.eventType, j.payload); err != nil {
			d.log.Error("notification failed", "user", j.userID, "event", j.eventType, "error", err)
		}
		cancel()
	}
}

// Close stops accepting events and waits for queued ones to be sent.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	d.wg.Wait()
}
