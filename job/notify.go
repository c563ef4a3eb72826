package job

import (
	"log/slog"
	"sync"
)

// maxQueuedEvents bounds the backlog when nobody reads Events().
const maxQueuedEvents = 256

// notifier delivers events in publish order on one channel without ever
// blocking the publisher.
type notifier struct {
	logger *slog.Logger

	mu      sync.Mutex
	queue   []Event
	dropped int

	signal chan struct{}
	stop   chan struct{}
	once   sync.Once
	out    chan Event
}

func newNotifier(logger *slog.Logger) *notifier {
	n := &notifier{
		logger: logger,
		signal: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		out:    make(chan Event),
	}
	go n.run()
	return n
}

func (n *notifier) publish(e Event) {
	n.mu.Lock()
	if len(n.queue) >= maxQueuedEvents {
		n.queue = n.queue[1:]
		n.dropped++
		if n.dropped == 1 || n.dropped%100 == 0 {
			n.logger.Warn("Event backlog full, dropping oldest", "dropped", n.dropped)
		}
	}
	n.queue = append(n.queue, e)
	n.mu.Unlock()

	select {
	case n.signal <- struct{}{}:
	default:
	}
}

func (n *notifier) run() {
	defer close(n.out)

	for {
		n.mu.Lock()
		if len(n.queue) == 0 {
			n.mu.Unlock()
			select {
			case <-n.signal:
				continue
			case <-n.stop:
				return
			}
		}
		e := n.queue[0]
		n.queue[0] = Event{}
		n.queue = n.queue[1:]
		n.mu.Unlock()

		select {
		case n.out <- e:
		case <-n.stop:
			return
		}
	}
}

func (n *notifier) close() {
	n.once.Do(func() { close(n.stop) })
}
