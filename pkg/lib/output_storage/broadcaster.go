package output_storage

import (
	"errors"
	"sync"
)

// ErrStopped is returned by Subscribe after Stop.
var ErrStopped = errors.New("broadcaster is stopped")

// Broadcaster fans the latest message out to every subscriber. Slow
// subscribers lose older messages, never the newest one.
type Broadcaster[T any] struct {
	messageReceiver chan T
	mu              sync.Mutex
	subscribers     map[chan T]struct{}
	stopped         bool

	// closeMu orders Publish against Stop.
	closeMu sync.RWMutex
	closed  bool
}

func RunNewBroadcaster[T any]() *Broadcaster[T] {
	broadcaster := &Broadcaster[T]{
		messageReceiver: make(chan T, 1),
		subscribers:     make(map[chan T]struct{}),
	}

	go broadcaster.start()

	return broadcaster
}

func (broadcaster *Broadcaster[T]) start() {
	logger.Debug("broadcaster started")

	messageReceiver := broadcaster.messageReceiver

	for {
		select {
		case msg, ok := <-messageReceiver:
			if !ok {
				broadcaster.mu.Lock()
				for subscriberSender := range broadcaster.subscribers {
					close(subscriberSender)
				}
				broadcaster.stopped = true
				broadcaster.mu.Unlock()

				logger.Debug("broadcaster stopped")

				return
			}

			// Copy the map to avoid holding the lock for a long time.
			broadcaster.mu.Lock()
			subscribers := make([]chan T, 0, len(broadcaster.subscribers))
			for s := range broadcaster.subscribers {
				subscribers = append(subscribers, s)
			}
			broadcaster.mu.Unlock()

			for _, s := range subscribers {
				//use non-blocking send
				select {
				case s <- msg:
				default:
					// channel is full, drop the first message
					select {
					case <-s:
					default:
					}
					s <- msg
				}
			}
		}
	}

}

// Stop closes every subscriber channel. It is idempotent, and Publish
// after Stop is a no-op.
func (broadcaster *Broadcaster[T]) Stop() {
	broadcaster.closeMu.Lock()
	defer broadcaster.closeMu.Unlock()
	if broadcaster.closed {
		return
	}
	broadcaster.closed = true
	close(broadcaster.messageReceiver)
}

func (broadcaster *Broadcaster[T]) Subscribe() (chan T, error) {
	// Use a buffer of 1 so we can drop stale notifications without blocking.
	ch := make(chan T, 1)
	broadcaster.mu.Lock()
	if broadcaster.stopped {
		broadcaster.mu.Unlock()
		return nil, ErrStopped
	}
	broadcaster.subscribers[ch] = struct{}{}
	broadcaster.mu.Unlock()
	return ch, nil
}

func (broadcaster *Broadcaster[T]) Unsubscribe(subscriberSender chan T) {
	broadcaster.mu.Lock()
	delete(broadcaster.subscribers, subscriberSender)
	stopped := broadcaster.stopped
	broadcaster.mu.Unlock()
	if !stopped {
		close(subscriberSender)
	}
}

func (broadcaster *Broadcaster[T]) Publish(msg T) {
	broadcaster.closeMu.RLock()
	defer broadcaster.closeMu.RUnlock()
	if broadcaster.closed {
		return
	}
	select {
	case broadcaster.messageReceiver <- msg:
	default:
		// channel is full, drop the first message
		select {
		case <-broadcaster.messageReceiver:
		default:
		}
		select {
		case broadcaster.messageReceiver <- msg:
		default:
		}
	}
}
