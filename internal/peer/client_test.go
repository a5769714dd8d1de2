package peer

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enthyp/chatbox/internal/dispatch"
	"github.com/enthyp/chatbox/internal/store"
	"github.com/enthyp/chatbox/internal/transport"
	"github.com/enthyp/chatbox/internal/wire"
)

// fakeLoop runs Defer and Post synchronously, which makes the Client
// state machine deterministic to drive from a test without a real
// event loop goroutine.
type fakeLoop struct {
	d             *dispatch.Dispatcher
	secret        string
	notifyTimeout time.Duration
	scored        []string
}

func newFakeLoop() *fakeLoop {
	return &fakeLoop{d: dispatch.New(), notifyTimeout: time.Second}
}

func (f *fakeLoop) Dispatcher() *dispatch.Dispatcher { return f.d }

func (f *fakeLoop) Defer(fn func() (interface{}, error), onDone func(interface{}, error)) {
	result, err := fn()
	onDone(result, err)
}

func (f *fakeLoop) Post(fn func()) { fn() }

func (f *fakeLoop) ScoreMessage(line string) { f.scored = append(f.scored, line) }

func (f *fakeLoop) ServerSecret() string { return f.secret }

func (f *fakeLoop) NotifyTimeout() time.Duration { return f.notifyTimeout }

func newTestClient(t *testing.T, loop *fakeLoop, st *store.Store) *Client {
	t.Helper()
	server, other := net.Pipe()
	t.Cleanup(func() { server.Close(); other.Close() })
	conn := transport.NewConn(server, 5*time.Second)
	return NewClient(1, conn, loop, st)
}

// drain collects whatever is currently queued on the client's write
// channel without blocking; Run/writeLoop is never started in these
// tests, so nothing else consumes it.
func drain(c *Client) []wire.Message {
	var out []wire.Message
	for {
		select {
		case m, ok := <-c.writeChan:
			if !ok {
				return out
			}
			out = append(out, m)
		default:
			return out
		}
	}
}

func TestClientRegisterFlow(t *testing.T) {
	loop := newFakeLoop()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	c := newTestClient(t, loop, st)

	c.Deliver(wire.Message{Command: "REGISTER", Params: []string{"alice", "alice@example.com"}})
	msgs := drain(c)
	require.Len(t, msgs, 1)
	assert.Equal(t, "RPL_PWD", msgs[0].Command)
	assert.Equal(t, StateRegistering, c.state)

	c.Deliver(wire.Message{Command: "PASSWORD", Params: []string{"hunter2"}})
	msgs = drain(c)
	require.GreaterOrEqual(t, len(msgs), 2)
	assert.Equal(t, "OK_REG", msgs[0].Command)
	assert.Equal(t, StateLoggedIn, c.state)

	p, ok := loop.d.PeerByNick("alice")
	require.True(t, ok)
	assert.Same(t, c, p)
}

// TestReplyGoesOverTheWireWithoutDoubledColon drives a reply all the
// way through Client.send -> Receive -> writeChan -> writeLoop ->
// conn.WriteMessage -> Encode, and reads the raw bytes off the other
// end of the pipe, rather than asserting on pre-Encode wire.Message
// structs the way the other tests do.
func TestReplyGoesOverTheWireWithoutDoubledColon(t *testing.T) {
	loop := newFakeLoop()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.AddUser(context.Background(), "alice", "alice@example.com", "hunter2"))

	server, client := net.Pipe()
	t.Cleanup(func() { server.Close(); client.Close() })
	conn := transport.NewConn(server, 5*time.Second)
	c := NewClient(1, conn, loop, st)
	c.Run()

	clientConn := transport.NewConn(client, 5*time.Second)

	c.Deliver(wire.Message{Command: "LOGIN", Params: []string{"alice"}})
	line, err := clientConn.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "RPL_PWD", line)

	// Exhaust the retries to reach a CLOSED reply carrying a trailing
	// multi-word reason.
	for i := 0; i < 2; i++ {
		c.Deliver(wire.Message{Command: "PASSWORD", Params: []string{"wrong"}})
		_, err := clientConn.ReadLine()
		require.NoError(t, err)
	}
	c.Deliver(wire.Message{Command: "PASSWORD", Params: []string{"wrong"}})
	line, err = clientConn.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "CLOSED :Too many password retries.", line)
	assert.NotContains(t, line, "::")
}

func TestClientLoginExhaustsRetriesAndCloses(t *testing.T) {
	loop := newFakeLoop()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.AddUser(context.Background(), "alice", "alice@example.com", "hunter2"))

	c := newTestClient(t, loop, st)

	c.Deliver(wire.Message{Command: "LOGIN", Params: []string{"alice"}})
	msgs := drain(c)
	require.Len(t, msgs, 1)
	assert.Equal(t, "RPL_PWD", msgs[0].Command)
	assert.Equal(t, StateLoggingIn, c.state)

	for i := 2; i >= 1; i-- {
		c.Deliver(wire.Message{Command: "PASSWORD", Params: []string{"wrong"}})
		msgs = drain(c)
		require.Len(t, msgs, 1)
		assert.Equal(t, "ERR_BAD_PASSWORD", msgs[0].Command)
		require.Len(t, msgs[0].Params, 1)
		assert.Equal(t, strconv.Itoa(i), msgs[0].Params[0])
		assert.Equal(t, StateLoggingIn, c.state)
	}

	c.Deliver(wire.Message{Command: "PASSWORD", Params: []string{"wrong"}})
	msgs = drain(c)
	require.Len(t, msgs, 1)
	assert.Equal(t, "CLOSED", msgs[0].Command)
	assert.Equal(t, StateClosed, c.state)
}

func TestClientProtocolErrorWarnsThenCloses(t *testing.T) {
	loop := newFakeLoop()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.AddUser(context.Background(), "alice", "alice@example.com", "hunter2"))

	c := newTestClient(t, loop, st)
	c.Deliver(wire.Message{Command: "LOGIN", Params: []string{"alice"}})
	drain(c)

	for i := 0; i < 2; i++ {
		c.Deliver(wire.Message{Command: "LOGOUT"})
		msgs := drain(c)
		require.Len(t, msgs, 1)
		assert.Equal(t, "WARN", msgs[0].Command)
		assert.Equal(t, StateLoggingIn, c.state)
	}

	c.Deliver(wire.Message{Command: "LOGOUT"})
	msgs := drain(c)
	require.Len(t, msgs, 1)
	assert.Equal(t, "CLOSED", msgs[0].Command)
	assert.Equal(t, StateClosed, c.state)
}

func TestLoginSupersedesExistingSession(t *testing.T) {
	loop := newFakeLoop()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.AddUser(context.Background(), "alice", "alice@example.com", "hunter2"))

	first := newTestClient(t, loop, st)
	first.Deliver(wire.Message{Command: "LOGIN", Params: []string{"alice"}})
	drain(first)
	first.Deliver(wire.Message{Command: "PASSWORD", Params: []string{"hunter2"}})
	drain(first)
	require.Equal(t, StateLoggedIn, first.state)

	second := newTestClient(t, loop, st)
	second.Deliver(wire.Message{Command: "LOGIN", Params: []string{"alice"}})
	drain(second)
	second.Deliver(wire.Message{Command: "PASSWORD", Params: []string{"hunter2"}})
	drain(second)
	require.Equal(t, StateLoggedIn, second.state)

	assert.Equal(t, StateClosed, first.state)
	msgs := drain(first)
	require.NotEmpty(t, msgs)
	assert.Equal(t, "CLOSED", msgs[0].Command)

	p, ok := loop.d.PeerByNick("alice")
	require.True(t, ok)
	assert.Same(t, second, p)
}
