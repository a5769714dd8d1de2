// Package dispatch tracks which peers are registered under which nick,
// which peers speak for other servers, and which channels exist and who
// is subscribed to them. A Dispatcher is owned by exactly one goroutine
// (the event loop in internal/server) and is not safe for concurrent use.
package dispatch

import (
	"log"

	"github.com/enthyp/chatbox/internal/wire"
)

// routingChannel is not a real, joinable Channel: it's the name Publish
// uses to mean "broadcast to every connected peer server" rather than to
// the members of some channel.
const routingChannel = "servers"

// Peer is anything that can receive an outbound message: a local client
// connection or a link to a remote server.
type Peer interface {
	Receive(m wire.Message)
}

// Dispatcher is the single in-memory directory of who is connected and
// what they're subscribed to.
type Dispatcher struct {
	nickToPeer  map[string]Peer
	serverPeers map[Peer]struct{}
	channels    map[string]*Channel
}

// New creates an empty Dispatcher.
func New() *Dispatcher {
	return &Dispatcher{
		nickToPeer:  make(map[string]Peer),
		serverPeers: make(map[Peer]struct{}),
		channels:    make(map[string]*Channel),
	}
}

// AddPeer registers peer under nick. An empty nick means peer is a
// server link rather than a logged-in user. If another peer is already
// registered under nick, it is returned so the caller can evict it;
// callers that don't care about eviction may ignore the return value.
func (d *Dispatcher) AddPeer(peer Peer, nick string) Peer {
	if nick == "" {
		d.serverPeers[peer] = struct{}{}
		return nil
	}
	old := d.nickToPeer[nick]
	d.nickToPeer[nick] = peer
	return old
}

// RemovePeer drops peer (and, for a user peer, its nick) from every
// channel and from the directory. nick may be blank for a server peer.
func (d *Dispatcher) RemovePeer(peer Peer, nick string) {
	if _, ok := d.serverPeers[peer]; ok {
		delete(d.serverPeers, peer)
		for n, p := range d.nickToPeer {
			if p == peer {
				delete(d.nickToPeer, n)
			}
		}
		return
	}

	if nick == "" {
		for n, p := range d.nickToPeer {
			if p == peer {
				nick = n
				break
			}
		}
	}
	// Only clear the nick's directory entry if it still points at this
	// peer: a login that supersedes an old session registers the new
	// peer under the nick before the old one unwinds, and the old
	// session's eviction must not clobber the new one's registration.
	if d.nickToPeer[nick] == peer {
		delete(d.nickToPeer, nick)
	}
	for _, c := range d.channels {
		c.unregister(nick, peer)
	}
}

// PeerByNick returns the peer logged in as nick, if any.
func (d *Dispatcher) PeerByNick(nick string) (Peer, bool) {
	p, ok := d.nickToPeer[nick]
	return p, ok
}

// AddChannel creates an empty, unsubscribed Channel. If replace is false
// and the channel already exists, it's left untouched.
func (d *Dispatcher) AddChannel(name string, replace bool) {
	if _, ok := d.channels[name]; !ok || replace {
		d.channels[name] = newChannel(name)
		log.Printf("dispatch: channel %s created", name)
	}
}

// RemoveChannel deletes a channel. It is a no-op if the channel doesn't
// exist.
func (d *Dispatcher) RemoveChannel(name string) {
	delete(d.channels, name)
}

// HasChannel reports whether a channel by this name currently exists.
func (d *Dispatcher) HasChannel(name string) bool {
	_, ok := d.channels[name]
	return ok
}

// IsOn intersects nicks with the set of currently logged-in nicks.
func (d *Dispatcher) IsOn(nicks []string) []string {
	var on []string
	for _, n := range nicks {
		if _, ok := d.nickToPeer[n]; ok {
			on = append(on, n)
		}
	}
	return on
}

// Names lists the nicks subscribed to a channel. It returns nil if the
// channel doesn't exist.
func (d *Dispatcher) Names(channelName string) []string {
	c, ok := d.channels[channelName]
	if !ok {
		return nil
	}
	return c.names()
}

// Subscribe adds nick/peer to a channel's membership. It is a no-op if
// the channel doesn't exist.
func (d *Dispatcher) Subscribe(channelName, nick string, peer Peer) {
	c, ok := d.channels[channelName]
	if !ok {
		return
	}
	c.register(nick, peer)
}

// Unsubscribe removes nick/peer from a channel's membership. It is a
// no-op if the channel doesn't exist.
func (d *Dispatcher) Unsubscribe(channelName, nick string, peer Peer) {
	c, ok := d.channels[channelName]
	if !ok {
		return
	}
	c.unregister(nick, peer)
}

// Publish delivers message to every other subscriber of channelName. As
// a special case, channelName == "servers" broadcasts to every peer
// server link except author instead of looking up a real channel.
func (d *Dispatcher) Publish(channelName string, author Peer, message wire.Message) {
	if channelName == routingChannel {
		for p := range d.serverPeers {
			if p == author {
				continue
			}
			p.Receive(message)
		}
		return
	}

	c, ok := d.channels[channelName]
	if !ok {
		return
	}
	c.publish(author, message)
}

// Notify delivers a message directly to the peer logged in as nick. It
// is a no-op if nick isn't currently logged in.
func (d *Dispatcher) Notify(nick string, message wire.Message) {
	peer, ok := d.nickToPeer[nick]
	if !ok {
		return
	}
	peer.Receive(message)
}

// Channel holds the live (in-memory) membership of a chat channel. The
// persisted membership lives in internal/store; Channel only tracks who
// is actively subscribed right now.
type Channel struct {
	name  string
	peers map[Peer]struct{}
	users map[string]struct{}
}

func newChannel(name string) *Channel {
	return &Channel{
		name:  name,
		peers: make(map[Peer]struct{}),
		users: make(map[string]struct{}),
	}
}

func (c *Channel) register(nick string, peer Peer) {
	c.peers[peer] = struct{}{}
	c.users[nick] = struct{}{}
}

func (c *Channel) unregister(nick string, peer Peer) {
	delete(c.peers, peer)
	delete(c.users, nick)
}

func (c *Channel) publish(author Peer, message wire.Message) {
	for p := range c.peers {
		if p == author {
			continue
		}
		p.Receive(message)
	}
}

func (c *Channel) names() []string {
	names := make([]string, 0, len(c.users))
	for n := range c.users {
		names = append(names, n)
	}
	return names
}
