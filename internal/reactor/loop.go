// Package reactor runs every backend callback on one goroutine
package reactor

import (
	"context"
	"sync"
	"time"

	"github.com/bnema/kmsway/internal/logger"
)

// Token identifies a timer or source registration
type Token uint64

// Source produces callbacks from outside the loop
type Source interface {
	// Run blocks, handing every callback to post, until stop is closed
	Run(post func(func()), stop <-chan struct{})
}

type registration struct {
	timer *time.Timer
	stop  chan struct{}
}

// Loop is a single-threaded dispatcher. Callbacks posted from any goroutine run in
// order on the goroutine calling Run.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	next    Token
	live    map[Token]*registration
	stopped bool
}

func New() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		live: make(map[Token]*registration),
	}
}

// Post queues fn. It never blocks, so it is safe to call from inside a callback.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// InsertTimer runs fn on the loop once d has elapsed, unless the token is removed first.
// A zero duration fires on the next loop iteration.
func (l *Loop) InsertTimer(d time.Duration, fn func()) Token {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.next++
	tok := l.next
	reg := &registration{}
	l.live[tok] = reg

	fire := func() {
		l.Post(func() {
			if l.take(tok) {
				fn()
			}
		})
	}
	if d <= 0 {
		go fire()
	} else {
		reg.timer = time.AfterFunc(d, fire)
	}
	return tok
}

// InsertSource starts a source; its callbacks stop being dispatched once the token is removed
func (l *Loop) InsertSource(src Source) Token {
	l.mu.Lock()
	l.next++
	tok := l.next
	reg := &registration{stop: make(chan struct{})}
	l.live[tok] = reg
	l.mu.Unlock()

	post := func(fn func()) {
		l.Post(func() {
			if l.alive(tok) {
				fn()
			}
		})
	}
	go src.Run(post, reg.stop)
	return tok
}

// Remove cancels a timer or stops a source. Unknown tokens are ignored.
func (l *Loop) Remove(tok Token) {
	l.mu.Lock()
	reg, ok := l.live[tok]
	delete(l.live, tok)
	l.mu.Unlock()
	if !ok {
		return
	}
	if reg.timer != nil {
		reg.timer.Stop()
	}
	if reg.stop != nil {
		close(reg.stop)
	}
}

// Pending returns the number of live registrations
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.live)
}

func (l *Loop) take(tok Token) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.live[tok]; !ok {
		return false
	}
	delete(l.live, tok)
	return true
}

func (l *Loop) alive(tok Token) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.live[tok]
	return ok
}

// Run dispatches callbacks until the context is cancelled, then stops every
// registration and drops whatever is still queued
func (l *Loop) Run(ctx context.Context) error {
	defer l.shutdown()

	for {
		for {
			fn := l.pop()
			if fn == nil {
				break
			}
			l.dispatch(fn)
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
	}
}

func (l *Loop) pop() func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return nil
	}
	fn := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return fn
}

// dispatch runs one callback. Panics are re-raised after logging: a callback that
// panics leaves backend state undefined.
func (l *Loop) dispatch(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("Reactor callback panic: %v", r)
			panic(r)
		}
	}()
	fn()
}

func (l *Loop) shutdown() {
	l.mu.Lock()
	l.stopped = true
	l.queue = nil
	regs := l.live
	l.live = make(map[Token]*registration)
	l.mu.Unlock()

	for _, reg := range regs {
		if reg.timer != nil {
			reg.timer.Stop()
		}
		if reg.stop != nil {
			close(reg.stop)
		}
	}
	logger.Debug("Reactor stopped")
}
