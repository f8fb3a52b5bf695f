// loop.go - Main context queue and network context
// Controllers, the profile store and UI prompts are only touched from the
// goroutine running the Loop. Blocking work runs on the Network and posts
// its result back to the Loop.
package session

import (
	"context"
	"sync"
	"time"
)

// Loop is an unbounded FIFO of functions run on one goroutine
type Loop struct {
	mu     sync.Mutex
	queue  []func()
	closed bool
	notify chan struct{}
}

// NewLoop returns an empty loop
func NewLoop() *Loop {
	return &Loop{notify: make(chan struct{}, 1)}
}

// Post queues fn. It never blocks and reports false once the loop is closed.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.notify <- struct{}{}:
	default:
	}
	return true
}

func (l *Loop) take() []func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	q := l.queue
	l.queue = nil
	return q
}

// RunPending runs queued functions, including ones they post, until the
// queue is empty. It returns how many ran.
func (l *Loop) RunPending() int {
	n := 0
	for {
		q := l.take()
		if len(q) == 0 {
			return n
		}
		for _, fn := range q {
			fn()
			n++
		}
	}
}

// Run processes the queue until ctx ends or the loop is closed and drained
func (l *Loop) Run(ctx context.Context) error {
	for {
		l.RunPending()

		l.mu.Lock()
		done := l.closed && len(l.queue) == 0
		l.mu.Unlock()
		if done {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.notify:
		}
	}
}

// RunUntil processes the queue until cond holds or timeout passes
func (l *Loop) RunUntil(timeout time.Duration, cond func() bool) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		l.RunPending()
		if cond() {
			return true
		}
		select {
		case <-l.notify:
		case <-timer.C:
			l.RunPending()
			return cond()
		}
	}
}

// Close stops accepting posts; Run returns once the queue drains
func (l *Loop) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	select {
	case l.notify <- struct{}{}:
	default:
	}
}

// Network runs blocking backend work off the main context
type Network struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNetwork returns a network context
func NewNetwork() *Network {
	ctx, cancel := context.WithCancel(context.Background())
	return &Network{ctx: ctx, cancel: cancel}
}

// Context is cancelled by Shutdown
func (n *Network) Context() context.Context {
	return n.ctx
}

// Go runs fn on its own goroutine
func (n *Network) Go(fn func(ctx context.Context)) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		fn(n.ctx)
	}()
}

// Wait blocks until every fn started by Go has returned
func (n *Network) Wait() {
	n.wg.Wait()
}

// Shutdown cancels the network context and waits for in-flight work
func (n *Network) Shutdown() {
	n.cancel()
	n.wg.Wait()
}

// byteQueue is an unbounded ordered queue of writes for one backend
type byteQueue struct {
	mu     sync.Mutex
	items  [][]byte
	closed bool
	notify chan struct{}
}

func newByteQueue() *byteQueue {
	return &byteQueue{notify: make(chan struct{}, 1)}
}

func (q *byteQueue) push(p []byte) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, append([]byte(nil), p...))
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// wait returns the queued writes in order, blocking while empty.
// ok is false once the queue is closed and drained.
func (q *byteQueue) wait() (items [][]byte, ok bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			items, q.items = q.items, nil
			q.mu.Unlock()
			return items, true
		}
		if q.closed {
			q.mu.Unlock()
			return nil, false
		}
		q.mu.Unlock()
		<-q.notify
	}
}

func (q *byteQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// sizeSlot holds the latest requested size for one backend. Sizes set
// while a resize is in flight replace each other.
type sizeSlot struct {
	mu         sync.Mutex
	cols, rows int
	set        bool
	closed     bool
	notify     chan struct{}
}

func newSizeSlot() *sizeSlot {
	return &sizeSlot{notify: make(chan struct{}, 1)}
}

func (s *sizeSlot) put(cols, rows int) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.cols, s.rows, s.set = cols, rows, true
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// wait returns the newest size, blocking until one is set. ok is false
// once the slot is closed.
func (s *sizeSlot) wait() (cols, rows int, ok bool) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return 0, 0, false
		}
		if s.set {
			s.set = false
			cols, rows = s.cols, s.rows
			s.mu.Unlock()
			return cols, rows, true
		}
		s.mu.Unlock()
		<-s.notify
	}
}

func (s *sizeSlot) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// inbox coalesces backend reads; one flush is scheduled at a time so
// bursts are delivered together without reordering
type inbox struct {
	mu        sync.Mutex
	buf       []byte
	scheduled bool
}

// push appends p and reports whether the caller must schedule a flush
func (in *inbox) push(p []byte) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.buf = append(in.buf, p...)
	if in.scheduled {
		return false
	}
	in.scheduled = true
	return true
}

func (in *inbox) take() []byte {
	in.mu.Lock()
	defer in.mu.Unlock()
	b := in.buf
	in.buf = nil
	in.scheduled = false
	return b
}
