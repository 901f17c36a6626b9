package voice

import (
	"context"
	"sync"
)

// ConnFeed tracks a connection's current state and fans transitions out
// to watch channels. Transport implementations embed it to satisfy the
// State/Watch/Unwatch part of Conn; the zero value starts in
// ConnSignalling and is ready to use.
//
// Sends to watch channels never block: a watcher whose buffer is full
// misses that transition, the same contract as os/signal.Notify.
type ConnFeed struct {
	mu    sync.Mutex
	state ConnState
	subs  map[chan<- ConnState]struct{}
}

func (f *ConnFeed) State() ConnState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *ConnFeed) Watch(ch chan<- ConnState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subs == nil {
		f.subs = make(map[chan<- ConnState]struct{})
	}
	f.subs[ch] = struct{}{}
}

func (f *ConnFeed) Unwatch(ch chan<- ConnState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, ch)
}

// Set publishes a transition. Setting the current state again is a
// no-op, so implementations can report observations without debouncing.
func (f *ConnFeed) Set(s ConnState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s == f.state {
		return
	}
	f.state = s
	for ch := range f.subs {
		select {
		case ch <- s:
		default:
		}
	}
}

// PlayerFeed is the player-side counterpart of ConnFeed. The zero value
// starts in PlayerIdle.
type PlayerFeed struct {
	mu    sync.Mutex
	state PlayerState
	subs  map[chan<- PlayerState]struct{}
}

func (f *PlayerFeed) State() PlayerState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *PlayerFeed) Watch(ch chan<- PlayerState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subs == nil {
		f.subs = make(map[chan<- PlayerState]struct{})
	}
	f.subs[ch] = struct{}{}
}

func (f *PlayerFeed) Unwatch(ch chan<- PlayerState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, ch)
}

func (f *PlayerFeed) Set(s PlayerState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s == f.state {
		return
	}
	f.state = s
	for ch := range f.subs {
		select {
		case ch <- s:
		default:
		}
	}
}

// watchBuffer sizes the transition channels registered by this package.
// A connection produces a handful of transitions even across a flapping
// reconnect, so this is comfortably above what a watcher can see before
// it is scheduled again.
const watchBuffer = 16

// awaitConn blocks until conn enters one of the wanted states. It fails
// with ErrConnectionLost if the connection is destroyed first (unless
// ConnDestroyed is itself wanted) and with ctx.Err() when ctx expires.
func awaitConn(ctx context.Context, conn Conn, want ...ConnState) error {
	ch := make(chan ConnState, watchBuffer)
	conn.Watch(ch)
	defer conn.Unwatch(ch)

	check := func(s ConnState) (bool, error) {
		for _, w := range want {
			if s == w {
				return true, nil
			}
		}
		if s == ConnDestroyed {
			return false, ErrConnectionLost
		}
		return false, nil
	}

	if ok, err := check(conn.State()); ok || err != nil {
		return err
	}
	for {
		select {
		case s := <-ch:
			if ok, err := check(s); ok || err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
