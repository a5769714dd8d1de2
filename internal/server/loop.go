// Package server owns the single-threaded cooperative event loop: the
// listener, the accept path that tells a fresh connection's first line
// apart to build a client or a peer-server link, and the one goroutine
// that ever touches the dispatcher or a peer's state.
//
// Every other goroutine in the process (a connection's readLoop and
// writeLoop, a backgrounded store call) only ever communicates with
// this loop by posting a closure to its work queue; nothing outside
// run ever mutates dispatcher or peer state directly.
package server

import (
	"log"
	"net"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/enthyp/chatbox/internal/ai"
	"github.com/enthyp/chatbox/internal/dispatch"
	"github.com/enthyp/chatbox/internal/peer"
	"github.com/enthyp/chatbox/internal/store"
	"github.com/enthyp/chatbox/internal/transport"
	"github.com/enthyp/chatbox/internal/wire"
)

// Config holds the values Loop needs that come from flags/config
// rather than from the store or dispatcher it owns.
type Config struct {
	ListenAddr    string
	IOWait        time.Duration
	NotifyTimeout time.Duration
	ServerSecret  string
}

// Loop is the chat server's single event loop. It implements
// peer.Loop, and is the only type in the program that both the Client
// and ServerPeer state machines talk back to.
type Loop struct {
	cfg   Config
	store *store.Store
	ai    *ai.Connector

	dispatcher *dispatch.Dispatcher

	events   chan func()
	shutdown chan struct{}
	nextID   uint64
}

// New builds a Loop. Call ListenAndServe to start accepting
// connections and run it.
func New(cfg Config, st *store.Store, connector *ai.Connector) *Loop {
	return &Loop{
		cfg:        cfg,
		store:      st,
		ai:         connector,
		dispatcher: dispatch.New(),
		events:     make(chan func(), 4096),
		shutdown:   make(chan struct{}),
	}
}

// Dispatcher implements peer.Loop.
func (l *Loop) Dispatcher() *dispatch.Dispatcher {
	return l.dispatcher
}

// Defer implements peer.Loop.
func (l *Loop) Defer(fn func() (interface{}, error), onDone func(interface{}, error)) {
	go func() {
		result, err := fn()
		l.Post(func() { onDone(result, err) })
	}()
}

// Post implements peer.Loop.
func (l *Loop) Post(fn func()) {
	select {
	case l.events <- fn:
	case <-l.shutdown:
	}
}

// ScoreMessage implements peer.Loop.
func (l *Loop) ScoreMessage(line string) {
	l.ai.Score(line)
}

// ServerSecret implements peer.Loop.
func (l *Loop) ServerSecret() string {
	return l.cfg.ServerSecret
}

// NotifyTimeout implements peer.Loop.
func (l *Loop) NotifyTimeout() time.Duration {
	return l.cfg.NotifyTimeout
}

// ListenAndServe binds the listen address, starts accepting
// connections, and runs the event loop until Shutdown is called.
func (l *Loop) ListenAndServe() error {
	ln, err := net.Listen("tcp", l.cfg.ListenAddr)
	if err != nil {
		return errors.Wrap(err, "listen")
	}
	defer ln.Close()

	go l.acceptLoop(ln)

	log.Printf("server: listening on %s", l.cfg.ListenAddr)
	l.run()
	return nil
}

// Shutdown stops the event loop. Connections already accepted are not
// forcibly closed; they'll notice on their next read/write.
func (l *Loop) Shutdown() {
	close(l.shutdown)
}

func (l *Loop) run() {
	for {
		select {
		case fn := <-l.events:
			fn()
		case <-l.shutdown:
			return
		}
	}
}

func (l *Loop) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-l.shutdown:
				return
			default:
			}
			log.Printf("server: accept error: %s", err)
			continue
		}
		go l.handleNewConnection(conn)
	}
}

// handleNewConnection blocks (on its own goroutine, never the loop's)
// reading the first line off a brand new connection to tell a chat
// client apart from a peer-server link, then hands the wrapped
// connection and that first message off to the loop to build the right
// kind of peer and attach it to the dispatcher.
func (l *Loop) handleNewConnection(netConn net.Conn) {
	conn := transport.NewConn(netConn, l.cfg.IOWait)

	line, err := conn.ReadLine()
	if err != nil {
		conn.Close()
		return
	}

	m, err := wire.Parse(line)
	if err != nil {
		log.Printf("server: %s: bad first line %q: %s", netConn.RemoteAddr(), line, err)
		conn.Close()
		return
	}

	id := atomic.AddUint64(&l.nextID, 1)

	switch m.Command {
	case "CONNECT":
		l.Post(func() {
			sp := peer.NewServerPeer(id, conn, l)
			sp.Run()
			sp.Deliver(m)
		})
	case "REGISTER", "LOGIN":
		l.Post(func() {
			cl := peer.NewClient(id, conn, l, l.store)
			cl.Run()
			cl.Deliver(m)
		})
	default:
		log.Printf("server: %s: unexpected first command %s, closing", netConn.RemoteAddr(), m.Command)
		conn.Close()
	}
}
