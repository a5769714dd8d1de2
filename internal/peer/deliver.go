package peer

import "github.com/enthyp/chatbox/internal/wire"

// Deliver feeds a message that was already read and parsed (typically
// the first line off a brand new connection, consumed while deciding
// whether it's a client or a server link) into the peer's normal
// handling path. The caller must be running on the owning Loop's
// goroutine.
func (c *Client) Deliver(m wire.Message) {
	c.handleMessage(m)
}

// Deliver is ServerPeer's counterpart to Client.Deliver.
func (s *ServerPeer) Deliver(m wire.Message) {
	s.handleMessage(m)
}
