// Package reactor implements the daemon's event loop: a single goroutine
// that owns every piece of mutable daemon state and multiplexes the
// listening socket, accepted peer connections, timers and closures posted
// from other goroutines.
//
// Per-connection reader goroutines and the accept goroutine never touch
// shared state; they feed events into the loop, which dispatches them to
// the Observer one at a time. ExecInLoop is the only admission path for
// off-loop work.
package reactor

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/tlejmi/fastocloud-epg/internal/logging"
)

// TimerID identifies a loop timer.
type TimerID int

// InvalidTimerID marks an unarmed timer. CreateTimer never returns it.
const InvalidTimerID TimerID = -1

// Client is one readable peer owned by the reactor. ReadFrame returns one
// complete frame per call; it is driven from a dedicated reader goroutine.
type Client interface {
	ReadFrame() ([]byte, error)
	Close() error
	Addr() net.Addr
}

// Observer receives loop events. Every callback runs on the loop goroutine.
type Observer interface {
	PreLooped(r *Reactor)
	Accepted(c Client)
	DataReceived(c Client, frame []byte)
	Closed(c Client)
	TimerEmitted(id TimerID)
	PostLooped(r *Reactor)
}

// ClientFactory wraps an accepted connection into a Client.
type ClientFactory func(conn net.Conn) Client

type timer struct {
	stop chan struct{}
}

// Reactor is the event loop. Create with New, drive with Run.
type Reactor struct {
	addr    string
	obs     Observer
	factory ClientFactory

	tasks   chan func()
	stopCh  chan struct{}
	readyCh chan struct{}
	once    sync.Once

	// Loop-owned state. Touched only from the loop goroutine.
	ln      net.Listener
	clients map[Client]struct{}
	timers  map[TimerID]*timer
	nextID  TimerID
}

// New creates a reactor listening on addr once Run is called.
func New(addr string, obs Observer, factory ClientFactory) *Reactor {
	return &Reactor{
		addr:    addr,
		obs:     obs,
		factory: factory,
		tasks:   make(chan func(), 64),
		stopCh:  make(chan struct{}),
		readyCh: make(chan struct{}),
		clients: make(map[Client]struct{}),
		timers:  make(map[TimerID]*timer),
	}
}

// Run binds, listens and dispatches events until Stop. It returns the bind
// error, if any; nil after an orderly stop.
func (r *Reactor) Run() error {
	log := logging.Component("reactor")

	ln, err := net.Listen("tcp", r.addr)
	if err != nil {
		return fmt.Errorf("reactor: listen %s: %w", r.addr, err)
	}
	r.ln = ln
	close(r.readyCh)
	log.Info().Str("addr", r.addr).Msg("listening")

	r.obs.PreLooped(r)

	go r.acceptLoop(ln)

	for {
		select {
		case fn := <-r.tasks:
			select {
			case <-r.stopCh:
				r.shutdown()
				return nil
			default:
			}
			fn()
		case <-r.stopCh:
			r.shutdown()
			return nil
		}
	}
}

// Stop asks the loop to exit after the event in progress. Idempotent and
// safe from any goroutine.
func (r *Reactor) Stop() {
	r.once.Do(func() { close(r.stopCh) })
}

// Ready is closed once the listener is bound. Addr is valid after that.
func (r *Reactor) Ready() <-chan struct{} { return r.readyCh }

// Addr returns the bound listen address, or nil before Ready.
func (r *Reactor) Addr() net.Addr {
	select {
	case <-r.readyCh:
		return r.ln.Addr()
	default:
		return nil
	}
}

// ExecInLoop schedules fn on the loop goroutine. Closures arriving after
// Stop are dropped.
func (r *Reactor) ExecInLoop(fn func()) {
	select {
	case r.tasks <- fn:
	case <-r.stopCh:
	}
}

// RegisterClient adds a client to the peer table and starts its reader.
// Loop goroutine only.
func (r *Reactor) RegisterClient(c Client) {
	r.clients[c] = struct{}{}
	go r.readLoop(c)
}

// UnregisterClient removes a client from the peer table without closing it.
// Loop goroutine only.
func (r *Reactor) UnregisterClient(c Client) {
	delete(r.clients, c)
}

// CloseClient unregisters and closes a client, then notifies the observer.
// The guaranteed close path for every accepted connection.
// Loop goroutine only.
func (r *Reactor) CloseClient(c Client) {
	if _, ok := r.clients[c]; !ok {
		return
	}
	delete(r.clients, c)
	_ = c.Close()
	r.obs.Closed(c)
}

// HasClient reports whether c is still registered. Workers marshaling
// completions back through ExecInLoop use it before touching a peer.
// Loop goroutine only.
func (r *Reactor) HasClient(c Client) bool {
	_, ok := r.clients[c]
	return ok
}

// Clients returns a snapshot of the peer table. Loop goroutine only.
func (r *Reactor) Clients() []Client {
	out := make([]Client, 0, len(r.clients))
	for c := range r.clients {
		out = append(out, c)
	}
	return out
}

// CreateTimer arms a timer. Repeating timers fire every period until
// removed; one-shot timers fire once. Loop goroutine only.
func (r *Reactor) CreateTimer(period time.Duration, repeating bool) TimerID {
	id := r.nextID
	r.nextID++
	t := &timer{stop: make(chan struct{})}
	r.timers[id] = t

	go func() {
		if repeating {
			ticker := time.NewTicker(period)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					r.postTimer(id, t)
				case <-t.stop:
					return
				case <-r.stopCh:
					return
				}
			}
		}

		select {
		case <-time.After(period):
			r.postTimer(id, t)
		case <-t.stop:
		case <-r.stopCh:
		}
	}()

	return id
}

// RemoveTimer disarms a timer. Loop goroutine only.
func (r *Reactor) RemoveTimer(id TimerID) {
	t, ok := r.timers[id]
	if !ok {
		return
	}
	close(t.stop)
	delete(r.timers, id)
}

// postTimer delivers a tick unless the timer was removed in the meantime.
func (r *Reactor) postTimer(id TimerID, t *timer) {
	r.ExecInLoop(func() {
		if _, ok := r.timers[id]; !ok {
			return
		}
		r.obs.TimerEmitted(id)
	})
}

// acceptLoop accepts connections and hands them to the loop.
func (r *Reactor) acceptLoop(ln net.Listener) {
	log := logging.Component("reactor")
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-r.stopCh:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Warn().Err(err).Msg("accept failed")
			continue
		}

		select {
		case r.tasks <- func() {
			c := r.factory(conn)
			r.RegisterClient(c)
			r.obs.Accepted(c)
		}:
		case <-r.stopCh:
			_ = conn.Close()
			return
		}
	}
}

// readLoop drives one client's reader, posting frames and the final error
// into the loop.
func (r *Reactor) readLoop(c Client) {
	for {
		frame, err := c.ReadFrame()
		if err != nil {
			r.ExecInLoop(func() {
				if !r.HasClient(c) {
					return
				}
				r.CloseClient(c)
			})
			return
		}

		r.ExecInLoop(func() {
			if !r.HasClient(c) {
				return
			}
			r.obs.DataReceived(c, frame)
		})
	}
}

// shutdown tears the loop down: stop accepting, close every peer, let the
// observer clean up.
func (r *Reactor) shutdown() {
	if r.ln != nil {
		_ = r.ln.Close()
	}
	for c := range r.clients {
		delete(r.clients, c)
		_ = c.Close()
		r.obs.Closed(c)
	}
	for id, t := range r.timers {
		close(t.stop)
		delete(r.timers, id)
	}
	r.obs.PostLooped(r)
}
