// Package peer implements the per-connection state machines: the
// client protocol (Initial/Registering/LoggingIn/LoggedIn/Conversation)
// and the peer-server link (Initial/Connected/Disconnected). Both kinds
// of peer are driven by a Loop, which serializes every state mutation
// onto a single goroutine.
package peer

import (
	"time"

	"github.com/enthyp/chatbox/internal/dispatch"
)

// Loop is the event loop a peer is attached to. Everything a peer needs
// from the wider server boils down to these six operations; the
// concrete implementation lives in internal/server, and peer never
// imports it, to keep construction (server creates peers) from
// becoming an import cycle.
type Loop interface {
	// Dispatcher returns the shared, loop-goroutine-owned directory of
	// peers and channels.
	Dispatcher() *dispatch.Dispatcher

	// Defer runs fn on a background goroutine, then delivers its result
	// to onDone back on the loop goroutine. Use this for anything that
	// can block (database queries, timers) so the loop itself never
	// blocks on a slow peer.
	Defer(fn func() (interface{}, error), onDone func(interface{}, error))

	// Post schedules fn to run on the loop goroutine. Peers use this
	// directly (rather than Defer) to hand a readLoop/writeLoop event
	// back to the serialized core.
	Post(fn func())

	// ScoreMessage fires a line off to the toxicity scoring connector.
	// It never blocks and never reports failure back to the caller.
	ScoreMessage(line string)

	// ServerSecret is the shared secret a peer server link's CONNECT
	// must present.
	ServerSecret() string

	// NotifyTimeout bounds how long the notification-drain DB calls on
	// login may take before they're abandoned.
	NotifyTimeout() time.Duration
}
