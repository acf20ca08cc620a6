// Package output_storage keeps the full output of a stream in memory and
// replays it to any number of subscribers, live or after the stream ended.
package output_storage

import (
	"sync"
	"sync/atomic"

	"github.com/containerd/log"
	"github.com/google/uuid"
)

// node represents an element in the singly linked list.
// It carries a payload (byte slice) and an atomic pointer to the next node.
// The list uses a sentinel head node for simpler lock-free reads.
type node struct {
	data []byte
	next atomic.Pointer[node]
}

var logger = log.L.WithField("component", "output_storage")

// OutputStorage is an append-only singly linked list of byte slices.
// Appends are serialized by a mutex; readers walk the list without locks
// and see every chunk published before they reached the tail.
type OutputStorage struct {
	head *node // sentinel head, immutable

	appendMu sync.Mutex
	tail     *node // last element in the list (or sentinel if empty)
	size     atomic.Int64

	broadcaster *Broadcaster[struct{}]
}

// RunNewOutputStorage creates a new, empty OutputStorage.
func RunNewOutputStorage() *OutputStorage {
	sentinel := &node{}
	return &OutputStorage{
		head:        sentinel,
		tail:        sentinel,
		broadcaster: RunNewBroadcaster[struct{}](),
	}
}

// Stop marks the end of the stream. Live subscribers drain what is stored
// and then see their channel closed.
func (s *OutputStorage) Stop() {
	if s == nil {
		return
	}
	s.broadcaster.Stop()
}

// Append adds the provided byte slice to the end of the list.
// The slice is stored as-is; callers that reuse it must pass a copy.
func (s *OutputStorage) Append(data []byte) {
	if s == nil || len(data) == 0 {
		return
	}

	newTail := &node{data: data}
	s.appendMu.Lock()
	s.tail.next.Store(newTail)
	s.tail = newTail
	s.appendMu.Unlock()
	s.size.Add(int64(len(data)))

	s.broadcaster.Publish(struct{}{})
}

// Len returns the number of stored bytes.
func (s *OutputStorage) Len() int {
	if s == nil {
		return 0
	}
	return int(s.size.Load())
}

func (s *OutputStorage) subscribeRunningProcess(notifier chan struct{}, ch chan []byte) {
	l := logger.WithField("subscriber", uuid.NewString())
	l.Debug("live subscriber started")
	prev := s.head

	for {
		current := prev.next.Load()
		if current == nil {
			if _, ok := <-notifier; !ok {
				// The stream ended; chunks appended before Stop are still
				// reachable from prev.
				s.drainFrom(prev, ch)
				l.Debug("live subscriber finished")
				return
			}
			continue
		}
		prev = current
		ch <- current.data
	}
}

func (s *OutputStorage) drainFrom(prev *node, ch chan []byte) {
	for {
		current := prev.next.Load()
		if current == nil {
			close(ch)
			return
		}
		prev = current
		ch <- current.data
	}
}

// Subscribe replays everything stored so far and then follows new chunks
// until Stop. The channel is closed at the end of the stream.
func (s *OutputStorage) Subscribe(capacity int) <-chan []byte {
	ch := make(chan []byte, capacity)
	notifier, err := s.broadcaster.Subscribe()
	if err == nil {
		go s.subscribeRunningProcess(notifier, ch)
	} else {
		go s.drainFrom(s.head, ch)
	}

	return ch
}

// ForEach iterates over all stored byte slices in insertion order.
// The iterator function receives each slice; if it returns false, iteration stops early.
func (s *OutputStorage) ForEach(iter func([]byte) bool) {
	if s == nil || iter == nil {
		return
	}
	cur := s.head.next.Load() // skip sentinel
	for cur != nil {
		if !iter(cur.data) {
			return
		}
		cur = cur.next.Load()
	}
}

// Bytes concatenates all stored byte slices into a single slice.
func (s *OutputStorage) Bytes() []byte {
	out := make([]byte, 0, s.Len())
	s.ForEach(func(b []byte) bool {
		out = append(out, b...)
		return true
	})
	return out
}

// String returns all stored byte slices concatenated into a single string.
func (s *OutputStorage) String() string {
	return string(s.Bytes())
}
