package store

import "sync"

// Mailbox delivers snapshots to a callback on its own goroutine, one at a
// time and in the order they were posted. Post never blocks.
type Mailbox struct {
	fn      func(Snapshot)
	mu      sync.Mutex
	pending []Snapshot
	closed  bool
	wake    chan struct{}
	done    chan struct{}
}

func NewMailbox(fn func(Snapshot)) *Mailbox {
	mb := &Mailbox{
		fn:   fn,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go mb.run()
	return mb
}

func (mb *Mailbox) Post(s Snapshot) {
	mb.mu.Lock()
	if mb.closed {
		mb.mu.Unlock()
		return
	}
	mb.pending = append(mb.pending, s)
	mb.mu.Unlock()

	select {
	case mb.wake <- struct{}{}:
	default:
	}
}

// Close drops undelivered snapshots and stops the delivery goroutine. A
// callback already running is allowed to finish.
func (mb *Mailbox) Close() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed {
		return
	}
	mb.closed = true
	mb.pending = nil
	close(mb.done)
}

func (mb *Mailbox) next() (Snapshot, bool) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed || len(mb.pending) == 0 {
		return Snapshot{}, false
	}
	s := mb.pending[0]
	mb.pending[0] = Snapshot{}
	mb.pending = mb.pending[1:]
	return s, true
}

func (mb *Mailbox) run() {
	for {
		select {
		case <-mb.done:
			return
		case <-mb.wake:
		}

		for {
			s, ok := mb.next()
			if !ok {
				break
			}
			mb.fn(s)
		}
	}
}
