package peer

import (
	"fmt"
	"log"

	"github.com/enthyp/chatbox/internal/transport"
	"github.com/enthyp/chatbox/internal/wire"
)

// serverLinkState is the small state machine a peer-server link moves
// through: it must present the shared secret before it's trusted to
// relay anything, and once it's gone there's nothing left to do with
// it.
type serverLinkState int

const (
	ServerInitial serverLinkState = iota
	ServerConnected
	ServerDisconnected
)

// ServerPeer is a link to another chat server. Unlike a Client, it
// never has its own nick: it's a conduit that re-emits the events it
// receives onto this server's own "servers" routing set, giving a
// best-effort (not globally consistent) fan-out across a star of
// linked servers.
type ServerPeer struct {
	id   uint64
	conn transport.Conn
	loop Loop

	writeChan chan wire.Message

	gen   uint64
	state serverLinkState
}

// NewServerPeer wraps an accepted or dialed connection to another
// server.
func NewServerPeer(id uint64, conn transport.Conn, loop Loop) *ServerPeer {
	return &ServerPeer{
		id:        id,
		conn:      conn,
		loop:      loop,
		writeChan: make(chan wire.Message, 4096),
	}
}

func (s *ServerPeer) String() string {
	return fmt.Sprintf("server#%d", s.id)
}

// Receive implements dispatch.Peer.
func (s *ServerPeer) Receive(m wire.Message) {
	select {
	case s.writeChan <- m:
	default:
		log.Printf("%s: write queue full, dropping %s", s, m.Command)
	}
}

// Run starts the link's reader and writer.
func (s *ServerPeer) Run() {
	go s.writeLoop()
	go s.readLoop()
}

func (s *ServerPeer) readLoop() {
	for {
		line, err := s.conn.ReadLine()
		if err != nil {
			s.loop.Post(func() { s.handleClosed() })
			return
		}

		m, err := wire.Parse(line)
		if err != nil {
			log.Printf("%s: dropping malformed line %q: %s", s, line, err)
			continue
		}

		s.loop.Post(func() { s.handleMessage(m) })
	}
}

func (s *ServerPeer) writeLoop() {
	for m := range s.writeChan {
		if err := s.conn.WriteMessage(m); err != nil {
			log.Printf("%s: write error: %s", s, err)
			s.loop.Post(func() { s.handleClosed() })
			return
		}
	}
}

func (s *ServerPeer) send(command string, params ...string) {
	s.Receive(wire.Message{Command: command, Params: params})
}

func (s *ServerPeer) handleClosed() {
	if s.state == ServerDisconnected {
		return
	}
	s.gen++
	s.state = ServerDisconnected
	s.loop.Dispatcher().RemovePeer(s, "")
	close(s.writeChan)
	s.conn.Close()
}

func (s *ServerPeer) handleMessage(m wire.Message) {
	switch s.state {
	case ServerInitial:
		s.handleInitial(m)
	case ServerConnected:
		s.handleConnected(m)
	case ServerDisconnected:
		// Nothing to do; the transport is already gone.
	}
}

func (s *ServerPeer) handleInitial(m wire.Message) {
	if m.Command != "CONNECT" {
		log.Printf("%s: unexpected %s before CONNECT, closing", s, m.Command)
		s.handleClosed()
		return
	}

	if m.Params[0] != s.loop.ServerSecret() {
		log.Printf("%s: bad CONNECT secret", s)
		s.handleClosed()
		return
	}

	s.state = ServerConnected
	s.loop.Dispatcher().AddPeer(s, "")
	s.send("SYNC")
}

// mirrorEvents lists the broadcast commands a peer server may relay.
// Anything else received in Connected is logged and dropped: consistent
// global state across servers is explicitly out of scope, so this link
// only has to recognize, not fully replay, remote state changes.
var mirrorEvents = map[string]bool{
	"OK_REG": true, "OK_LOGIN": true, "OK_LOGOUT": true, "OK_UNREG": true,
	"OK_CREATED": true, "OK_DELETED": true, "OK_JOINED": true, "USR_QUIT": true,
	"ADDED": true, "KICKED": true, "NOTIFIED": true,
}

func (s *ServerPeer) handleConnected(m wire.Message) {
	switch m.Command {
	case "DISCONNECT":
		s.handleClosed()
	case "SYNC":
		// No per-server state to reconcile in this best-effort model.
	default:
		if !mirrorEvents[m.Command] {
			log.Printf("%s: unrecognized %s, dropping", s, m.Command)
			return
		}
		// Re-broadcast to every other server link so a multi-hop chain
		// keeps propagating the event; this server's own dispatcher
		// state (user2peer, channels) is never mutated by a remote
		// event, only local clients' own operations mutate it.
		s.loop.Dispatcher().Publish("servers", s, m)
	}
}
