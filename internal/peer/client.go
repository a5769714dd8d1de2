package peer

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/enthyp/chatbox/internal/dispatch"
	"github.com/enthyp/chatbox/internal/store"
	"github.com/enthyp/chatbox/internal/transport"
	"github.com/enthyp/chatbox/internal/wire"
)

// clientState names where a Client sits in the registration/login/chat
// state machine. The zero value is StateInitial.
type clientState int

const (
	StateInitial clientState = iota
	StateRegistering
	StateLoggingIn
	StateLoggedIn
	StateConversation
	StateClosed
)

// dbTimeout bounds any single store call a Client makes outside of the
// notification drain (which has its own, shorter, spec-mandated bound).
const dbTimeout = 5 * time.Second

// Client is a connected, not-yet-or-already-logged-in chat peer. All of
// its fields are touched only from the owning Loop's goroutine; the
// exception is writeChan, which is safe for concurrent send by
// construction (buffered channel).
type Client struct {
	id    uint64
	conn  transport.Conn
	loop  Loop
	store *store.Store

	writeChan chan wire.Message
	closeOnce sync.Once

	// gen is bumped every time the connection is torn down. Async
	// continuations captured before a teardown compare against the
	// current value and silently drop themselves if it has moved on,
	// which is what makes cancellation on disconnect work without any
	// explicit cancel-the-future bookkeeping.
	gen uint64

	state   clientState
	nick    string
	mail    string
	channel string

	passwordRetries int
	warnings        int
}

// NewClient wraps an accepted connection. The caller must call Run to
// start its read/write goroutines.
func NewClient(id uint64, conn transport.Conn, loop Loop, st *store.Store) *Client {
	return &Client{
		id:        id,
		conn:      conn,
		loop:      loop,
		store:     st,
		writeChan: make(chan wire.Message, 256),
	}
}

func (c *Client) String() string {
	return fmt.Sprintf("client#%d(%s)", c.id, c.nick)
}

// Receive implements dispatch.Peer. It must never block, since it's
// called inline from the loop goroutine while a channel is being
// published to. SUPERSEDED is not forwarded: it closes this session.
// A few broadcasts (being kicked, a channel being deleted out from
// under this peer) also drop the peer back to LoggedIn; everything else
// is pure forwarding.
func (c *Client) Receive(m wire.Message) {
	switch m.Command {
	case "SUPERSEDED":
		c.close("Superseded by a new login.")
		return
	case "KICKED":
		for _, n := range m.Params[1:] {
			if n == c.nick && c.state == StateConversation {
				c.state = StateLoggedIn
				c.channel = ""
				break
			}
		}
	case "OK_DELETED":
		if c.state == StateConversation && len(m.Params) > 0 && m.Params[0] == c.channel {
			c.state = StateLoggedIn
			c.channel = ""
		}
	}

	select {
	case c.writeChan <- m:
	default:
		log.Printf("%s: write queue full, dropping %s", c, m.Command)
	}
}

// Run starts the connection's reader and writer. Both post their
// findings back to the loop rather than touching Client state directly.
func (c *Client) Run() {
	go c.writeLoop()
	go c.readLoop()
}

func (c *Client) readLoop() {
	for {
		line, err := c.conn.ReadLine()
		if err != nil {
			c.loop.Post(func() { c.handleClosed() })
			return
		}

		m, err := wire.Parse(line)
		if err != nil {
			log.Printf("%s: dropping malformed line %q: %s", c, line, err)
			continue
		}

		c.loop.Post(func() { c.handleMessage(m) })
	}
}

func (c *Client) writeLoop() {
	for m := range c.writeChan {
		if err := c.conn.WriteMessage(m); err != nil {
			log.Printf("%s: write error: %s", c, err)
			c.conn.Close()
			c.loop.Post(func() { c.handleClosed() })
			return
		}
	}
	// writeChan was closed by handleClosed: everything queued before
	// the teardown (such as a final CLOSED) has been written.
	c.conn.Close()
}

// send writes directly to this client, bypassing the dispatcher.
func (c *Client) send(command string, params ...string) {
	c.Receive(wire.Message{Command: command, Params: params})
}

// asyncCall runs fn in the background and delivers its result to onDone
// on the loop goroutine, but only if the connection hasn't since been
// torn down (teardown is the only thing that moves gen).
func (c *Client) asyncCall(fn func() (interface{}, error), onDone func(interface{}, error)) {
	gen := c.gen
	c.loop.Defer(fn, func(result interface{}, err error) {
		if c.gen != gen {
			return
		}
		onDone(result, err)
	})
}

func (c *Client) dispatcher() *dispatch.Dispatcher {
	return c.loop.Dispatcher()
}

// handleClosed is invoked (at most once) when the transport goes away,
// from either direction. It tears the client out of the dispatcher and
// bumps gen so that no asyncCall still in flight can mutate state.
// Closing writeChan lets writeLoop flush what is already queued and
// then close the connection.
func (c *Client) handleClosed() {
	c.closeOnce.Do(func() {
		c.gen++
		c.state = StateClosed
		if c.nick != "" {
			c.dispatcher().RemovePeer(c, c.nick)
		}
		close(c.writeChan)
	})
}

// close sends a CLOSED notice, then tears the connection down.
func (c *Client) close(reason string) {
	c.send("CLOSED", reason)
	c.handleClosed()
}

// warnOrClose handles a protocol error in a state that tolerates a few
// of them: warn on the first two, and close on the third.
func (c *Client) warnOrClose(command string) {
	c.warnings++
	if c.warnings >= 3 {
		c.close("Too many protocol errors.")
		return
	}
	c.send("WARN", "unexpected "+command)
}

// handleMessage is the single entry point readLoop funnels every parsed
// line through. It fans out on state, then on command, mirroring the
// per-state message tables in the client protocol.
func (c *Client) handleMessage(m wire.Message) {
	switch c.state {
	case StateInitial:
		c.handleInitial(m)
	case StateRegistering:
		c.handleRegistering(m)
	case StateLoggingIn:
		c.handleLoggingIn(m)
	case StateLoggedIn:
		c.handleLoggedIn(m)
	case StateConversation:
		c.handleConversation(m)
	case StateClosed:
		// Nothing to do; the transport is already gone.
	}
}

func (c *Client) handleInitial(m wire.Message) {
	switch m.Command {
	case "REGISTER":
		c.nick, c.mail = m.Params[0], m.Params[1]
		c.beginRegister()
	case "LOGIN":
		c.nick = m.Params[0]
		c.beginLogin()
	default:
		log.Printf("%s: unexpected %s in Initial, closing", c, m.Command)
		c.close("Protocol error.")
	}
}

func (c *Client) beginRegister() {
	nick, mail := c.nick, c.mail
	c.asyncCall(
		func() (interface{}, error) {
			ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
			defer cancel()
			nickFree, mailFree, err := c.store.AccountAvailable(ctx, nick, mail)
			return [2]bool{nickFree, mailFree}, err
		},
		func(result interface{}, err error) {
			if err != nil {
				c.send("ERR_INTERNAL", "DB error, please try again.")
				c.state = StateInitial
				return
			}
			avail := result.([2]bool)
			nickFree, mailFree := avail[0], avail[1]
			if !nickFree {
				c.send("ERR_TAKEN", "nick", nick)
				c.state = StateInitial
				return
			}
			if !mailFree {
				c.send("ERR_TAKEN", "mail", mail)
				c.state = StateInitial
				return
			}
			c.state = StateRegistering
			c.send("RPL_PWD")
		},
	)
}

func (c *Client) beginLogin() {
	nick := c.nick
	c.asyncCall(
		func() (interface{}, error) {
			ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
			defer cancel()
			return c.store.UsersRegistered(ctx, []string{nick})
		},
		func(result interface{}, err error) {
			if err != nil {
				c.send("ERR_INTERNAL", "DB error, please try again.")
				c.state = StateInitial
				return
			}
			registered := result.([]string)
			if len(registered) == 0 {
				c.send("ERR_NOUSER", nick)
				c.state = StateInitial
				return
			}
			c.passwordRetries = 3
			c.state = StateLoggingIn
			c.send("RPL_PWD")
		},
	)
}

func (c *Client) handleRegistering(m wire.Message) {
	if m.Command != "PASSWORD" {
		log.Printf("%s: unexpected %s in Registering", c, m.Command)
		c.warnOrClose(m.Command)
		return
	}

	nick, mail, pw := c.nick, c.mail, m.Params[0]
	c.asyncCall(
		func() (interface{}, error) {
			ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
			defer cancel()
			return nil, c.store.AddUser(ctx, nick, mail, pw)
		},
		func(_ interface{}, err error) {
			if err != nil {
				c.send("ERR_INTERNAL", "DB error, please try again.")
				c.state = StateInitial
				return
			}
			c.send("OK_REG", nick, mail, pw)
			c.dispatcher().Publish("servers", c, wire.Message{Command: "OK_REG", Params: []string{nick, mail, pw}})
			c.enterLoggedIn()
		},
	)
}

func (c *Client) handleLoggingIn(m wire.Message) {
	if m.Command != "PASSWORD" {
		log.Printf("%s: unexpected %s in LoggingIn", c, m.Command)
		c.warnOrClose(m.Command)
		return
	}

	nick, pw := c.nick, m.Params[0]
	c.asyncCall(
		func() (interface{}, error) {
			ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
			defer cancel()
			return c.store.PasswordCorrect(ctx, nick, pw)
		},
		func(result interface{}, err error) {
			if err != nil {
				c.send("ERR_INTERNAL", "DB error, please try again.")
				c.state = StateInitial
				return
			}
			if result.(bool) {
				c.enterLoggedIn()
				return
			}

			c.passwordRetries--
			if c.passwordRetries <= 0 {
				c.close("Too many password retries.")
				return
			}
			c.send("ERR_BAD_PASSWORD", fmt.Sprint(c.passwordRetries))
		},
	)
}

// enterLoggedIn is the common continuation for a successful REGISTER or
// LOGIN: register with the dispatcher, announce, and drain any
// notifications that piled up while the user was offline.
func (c *Client) enterLoggedIn() {
	c.state = StateLoggedIn
	if old := c.dispatcher().AddPeer(c, c.nick); old != nil {
		old.Receive(wire.Message{Command: "SUPERSEDED"})
	}
	c.send("OK_LOGIN", c.nick)
	c.dispatcher().Publish("servers", c, wire.Message{Command: "OK_LOGIN", Params: []string{c.nick}})
	c.drainNotifications()
}

func (c *Client) drainNotifications() {
	nick := c.nick
	c.asyncCall(
		func() (interface{}, error) {
			ctx, cancel := context.WithTimeout(context.Background(), c.loop.NotifyTimeout())
			defer cancel()
			return c.store.GetNotifications(ctx, nick)
		},
		func(result interface{}, err error) {
			if err != nil {
				log.Printf("%s: notification drain failed: %s", c, err)
				return
			}
			notifications := result.([]store.Notification)
			for _, n := range notifications {
				c.send("NOTIFIED", n.Author, c.nick, n.Content)
			}
			if len(notifications) == 0 {
				return
			}
			c.asyncCall(
				func() (interface{}, error) {
					ctx, cancel := context.WithTimeout(context.Background(), c.loop.NotifyTimeout())
					defer cancel()
					return nil, c.store.DeleteNotifications(ctx, nick)
				},
				func(_ interface{}, err error) {
					if err != nil {
						log.Printf("%s: clearing notifications failed: %s", c, err)
					}
				},
			)
		},
	)
}

func (c *Client) handleLoggedIn(m wire.Message) {
	switch m.Command {
	case "LOGOUT":
		c.send("OK_LOGOUT", c.nick)
		c.dispatcher().Publish("servers", c, wire.Message{Command: "OK_LOGOUT", Params: []string{c.nick}})
		c.handleClosed()
	case "UNREGISTER":
		c.doUnregister()
	case "LIST":
		c.doList()
	case "ISON":
		c.send("RPL_ISON", c.dispatcher().IsOn(m.Params)...)
	case "HELP":
		c.send("RPL_HELP", loggedInHelp)
	case "CREATE":
		c.doCreate(m.Params)
	case "DELETE":
		if len(m.Params) < 1 {
			c.send("ERR_NUM_PARAMS")
			return
		}
		c.doDelete(m.Params[0])
	case "JOIN":
		c.doJoin(m.Params[0])
	case "QUIT":
		if len(m.Params) < 1 {
			c.send("ERR_NUM_PARAMS")
			return
		}
		c.doChannelQuit(m.Params[0])
	case "ADD":
		if len(m.Params) < 2 {
			c.send("ERR_NUM_PARAMS")
			return
		}
		c.doAddOrKick(m.Params[0], m.Params[1:], true)
	case "KICK":
		if len(m.Params) < 2 {
			c.send("ERR_NUM_PARAMS")
			return
		}
		c.doAddOrKick(m.Params[0], m.Params[1:], false)
	default:
		log.Printf("%s: ignoring unexpected %s in LoggedIn", c, m.Command)
	}
}

func (c *Client) doUnregister() {
	nick := c.nick
	c.asyncCall(
		func() (interface{}, error) {
			ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
			defer cancel()
			return nil, c.store.DeleteUser(ctx, nick)
		},
		func(_ interface{}, err error) {
			if err != nil {
				c.send("ERR_INTERNAL", "DB error, please try again.")
				return
			}
			c.send("OK_UNREG", nick)
			c.dispatcher().Publish("servers", c, wire.Message{Command: "OK_UNREG", Params: []string{nick}})
			c.handleClosed()
		},
	)
}

func (c *Client) doList() {
	nick := c.nick
	c.asyncCall(
		func() (interface{}, error) {
			ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
			defer cancel()
			pub, err := c.store.GetPubChannels(ctx)
			if err != nil {
				return nil, err
			}
			priv, err := c.store.GetPrivChannels(ctx, nick)
			if err != nil {
				return nil, err
			}
			return [2][]string{pub, priv}, nil
		},
		func(result interface{}, err error) {
			if err != nil {
				c.send("ERR_INTERNAL", "DB error, please try again.")
				return
			}
			lists := result.([2][]string)
			c.send("RPL_LIST", append([]string{"pub"}, lists[0]...)...)
			c.send("RPL_LIST", append([]string{"priv"}, lists[1]...)...)
		},
	)
}

func (c *Client) doCreate(params []string) {
	name, mode := params[0], params[1]
	members := params[2:]

	if mode != "pub" && mode != "priv" {
		c.send("ERR_BAD_MODE")
		return
	}
	if !strings.HasPrefix(name, "#") {
		c.send("ERR_BAD_NAME")
		return
	}
	if mode == "priv" {
		found := false
		for _, n := range members {
			if n == c.nick {
				found = true
				break
			}
		}
		if !found {
			members = append(members, c.nick)
		}
	}

	creator := c.nick
	c.asyncCall(
		func() (interface{}, error) {
			ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
			defer cancel()
			exists, err := c.store.ChannelExists(ctx, name)
			if err != nil {
				return nil, err
			}
			if exists {
				return nil, errExists
			}
			var toValidate []string
			if mode == "priv" {
				toValidate = members
			}
			registered, err := c.store.UsersRegistered(ctx, toValidate)
			if err != nil {
				return nil, err
			}
			if len(registered) != len(toValidate) {
				return nil, errBadMembers
			}
			if err := c.store.AddChannel(ctx, name, creator, mode == "pub", members); err != nil {
				return nil, err
			}
			return nil, nil
		},
		func(_ interface{}, err error) {
			switch err {
			case nil:
			case errExists:
				c.send("ERR_EXISTS", name)
				return
			case errBadMembers:
				c.send("ERR_NOUSER", strings.Join(members, " "))
				return
			default:
				c.send("ERR_INTERNAL", "DB error, please try again.")
				return
			}

			c.dispatcher().AddChannel(name, true)
			c.send("OK_CREATED", append([]string{name, creator, mode}, members...)...)
			c.dispatcher().Publish("servers", c, wire.Message{
				Command: "OK_CREATED",
				Params:  append([]string{name, creator, mode}, members...),
			})

			for _, member := range members {
				if member == c.nick {
					continue
				}
				c.notifyOrPersist(member, creator, fmt.Sprintf("You were added to channel %s!", name))
			}
		},
	)
}

// notifyOrPersist delivers a NOTIFIED immediately if target is online,
// else persists it for later delivery.
func (c *Client) notifyOrPersist(target, author, content string) {
	if _, ok := c.dispatcher().PeerByNick(target); ok {
		c.dispatcher().Notify(target, wire.Message{Command: "NOTIFIED", Params: []string{author, target, content}})
		return
	}
	c.asyncCall(
		func() (interface{}, error) {
			ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
			defer cancel()
			return nil, c.store.AddNotification(ctx, author, target, content)
		},
		func(_ interface{}, err error) {
			if err != nil {
				log.Printf("%s: persisting notification for %s failed: %s", c, target, err)
			}
		},
	)
}

func (c *Client) doDelete(name string) {
	nick := c.nick
	c.asyncCall(
		func() (interface{}, error) {
			ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
			defer cancel()
			creator, err := c.store.GetChannelCreator(ctx, name)
			if err != nil {
				return nil, err
			}
			if creator == "" {
				return nil, errNoChannel
			}
			if creator != nick {
				return nil, errNoPerm
			}
			mode, err := c.store.GetChannelMode(ctx, name)
			if err != nil {
				return nil, err
			}
			var toNotify []string
			if mode == store.ModePrivate {
				members, err := c.store.GetMembers(ctx, name)
				if err != nil {
					return nil, err
				}
				toNotify = members
			}
			if err := c.store.DeleteChannel(ctx, name); err != nil {
				return nil, err
			}
			return toNotify, nil
		},
		func(result interface{}, err error) {
			switch err {
			case nil:
			case errNoChannel:
				c.send("ERR_NOCHANNEL", name)
				return
			case errNoPerm:
				c.send("ERR_NO_PERM", "DELETE", "only the creator may delete a channel")
				return
			default:
				c.send("ERR_INTERNAL", "DB error, please try again.")
				return
			}

			toNotify, _ := result.([]string)
			for _, member := range toNotify {
				if _, online := c.dispatcher().PeerByNick(member); !online {
					c.notifyOrPersist(member, c.nick, fmt.Sprintf("Channel %s was deleted!", name))
				}
			}

			c.dispatcher().Publish(name, c, wire.Message{Command: "OK_DELETED", Params: []string{name}})
			c.dispatcher().RemoveChannel(name)
			c.dispatcher().Publish("servers", c, wire.Message{Command: "OK_DELETED", Params: []string{name}})
			c.send("OK_DELETED", name)
		},
	)
}

func (c *Client) doJoin(name string) {
	nick := c.nick
	c.asyncCall(
		func() (interface{}, error) {
			ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
			defer cancel()
			exists, err := c.store.ChannelExists(ctx, name)
			if err != nil {
				return nil, err
			}
			if !exists {
				return nil, errNoChannel
			}
			mode, err := c.store.GetChannelMode(ctx, name)
			if err != nil {
				return nil, err
			}
			if mode == store.ModePrivate {
				isMember, err := c.store.IsMember(ctx, nick, name)
				if err != nil {
					return nil, err
				}
				if !isMember {
					return nil, errNoPerm
				}
			}
			return nil, nil
		},
		func(_ interface{}, err error) {
			switch err {
			case nil:
			case errNoChannel:
				c.send("ERR_NOCHANNEL", name)
				return
			case errNoPerm:
				c.send("ERR_NO_PERM", "JOIN", "not a member of this private channel")
				return
			default:
				c.send("ERR_INTERNAL", "DB error, please try again.")
				return
			}

			if !c.dispatcher().HasChannel(name) {
				c.dispatcher().AddChannel(name, false)
			}
			c.dispatcher().Subscribe(name, nick, c)
			c.channel = name
			c.state = StateConversation
			c.send("OK_JOINED", name, nick)
			c.dispatcher().Publish("servers", c, wire.Message{Command: "OK_JOINED", Params: []string{name, nick}})
		},
	)
}

func (c *Client) doChannelQuit(name string) {
	nick := c.nick
	c.asyncCall(
		func() (interface{}, error) {
			ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
			defer cancel()
			mode, err := c.store.GetChannelMode(ctx, name)
			if err != nil {
				return nil, err
			}
			if mode != store.ModePrivate {
				return nil, errBadOp
			}
			return nil, c.store.DeleteMembers(ctx, name, []string{nick})
		},
		func(_ interface{}, err error) {
			switch err {
			case nil:
			case errBadOp:
				c.send("ERR_BAD_OP", "QUIT")
				return
			default:
				c.send("ERR_INTERNAL", "DB error, please try again.")
				return
			}

			c.send("OK_QUIT", name)
			c.dispatcher().Publish("servers", c, wire.Message{Command: "USR_QUIT", Params: []string{name, nick}})
			c.dispatcher().Publish(name, c, wire.Message{Command: "INFO", Params: []string{"MSG", nick + " left " + name}})
			c.dispatcher().Unsubscribe(name, nick, c)
		},
	)
}

func (c *Client) doAddOrKick(name string, nicks []string, adding bool) {
	command, okCommand, mirrorCommand, localCommand := "ADD", "OK_ADDED", "ADDED", ""
	if !adding {
		command, okCommand, mirrorCommand, localCommand = "KICK", "OK_KICKED", "KICKED", "KICKED"
		var filtered []string
		for _, n := range nicks {
			if n != c.nick {
				filtered = append(filtered, n)
			}
		}
		nicks = filtered
	}

	nick, creator := c.nick, c.nick
	c.asyncCall(
		func() (interface{}, error) {
			ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
			defer cancel()
			mode, err := c.store.GetChannelMode(ctx, name)
			if err != nil {
				return nil, err
			}
			if mode != store.ModePrivate {
				return nil, errBadOp
			}
			actualCreator, err := c.store.GetChannelCreator(ctx, name)
			if err != nil {
				return nil, err
			}
			if actualCreator != creator {
				return nil, errNoPerm
			}
			registered, err := c.store.UsersRegistered(ctx, nicks)
			if err != nil {
				return nil, err
			}
			if len(registered) != len(nicks) {
				return nil, errBadMembers
			}
			if adding {
				return nil, c.store.AddMembers(ctx, name, nicks)
			}
			return nil, c.store.DeleteMembers(ctx, name, nicks)
		},
		func(_ interface{}, err error) {
			switch err {
			case nil:
			case errBadOp:
				c.send("ERR_BAD_OP", command)
				return
			case errNoPerm:
				c.send("ERR_NO_PERM", command, "only the creator may modify membership")
				return
			case errBadMembers:
				c.send("ERR_NOUSER", strings.Join(nicks, " "))
				return
			default:
				c.send("ERR_INTERNAL", "DB error, please try again.")
				return
			}

			c.send(okCommand, append([]string{name}, nicks...)...)
			c.dispatcher().Publish("servers", c, wire.Message{Command: mirrorCommand, Params: append([]string{name}, nicks...)})
			if localCommand != "" {
				c.dispatcher().Publish(name, c, wire.Message{Command: localCommand, Params: append([]string{name}, nicks...)})
			}
			c.dispatcher().Publish(name, c, wire.Message{Command: "INFO", Params: []string{"MSG", nick + " " + strings.ToLower(command) + "ed " + strings.Join(nicks, ", ")}})

			for _, target := range nicks {
				if _, online := c.dispatcher().PeerByNick(target); online {
					c.dispatcher().Notify(target, wire.Message{Command: "NOTIFIED", Params: []string{nick, target, fmt.Sprintf("you were %sed on %s", strings.ToLower(command), name)}})
				} else if adding {
					c.notifyOrPersist(target, nick, fmt.Sprintf("You were added to channel %s!", name))
				}
			}
		},
	)
}

func (c *Client) handleConversation(m wire.Message) {
	switch m.Command {
	case "NAMES":
		c.send("RPL_NAMES", append([]string{c.channel}, c.dispatcher().Names(c.channel)...)...)
	case "MSG":
		content := m.Params[1]
		line := wire.Message{Prefix: c.nick, Command: "MSG", Params: []string{c.channel, content}}
		c.dispatcher().Publish(c.channel, c, line)
		c.loop.ScoreMessage(line.Encode())
	case "HELP":
		c.send("RPL_HELP", conversationHelp)
	case "LEAVE":
		name := c.channel
		c.dispatcher().Publish(name, c, wire.Message{Command: "INFO", Params: []string{"MSG", c.nick + " left " + name}})
		c.dispatcher().Unsubscribe(name, c.nick, c)
		c.send("OK_LEFT", name)
		c.state = StateLoggedIn
		c.channel = ""
	case "QUIT":
		c.doChannelQuit(c.channel)
		c.state = StateLoggedIn
		c.channel = ""
	case "DELETE":
		c.doDelete(c.channel)
		c.state = StateLoggedIn
		c.channel = ""
	case "ADD":
		if len(m.Params) < 1 {
			c.send("ERR_NUM_PARAMS")
			return
		}
		c.doAddOrKick(c.channel, m.Params, true)
	case "KICK":
		if len(m.Params) < 1 {
			c.send("ERR_NUM_PARAMS")
			return
		}
		c.doAddOrKick(c.channel, m.Params, false)
	default:
		log.Printf("%s: ignoring unexpected %s in Conversation", c, m.Command)
	}
}

const loggedInHelp = "LOGOUT UNREGISTER LIST ISON HELP CREATE DELETE JOIN QUIT ADD KICK"
const conversationHelp = "NAMES MSG HELP LEAVE QUIT ADD KICK DELETE"

var (
	errExists     = errors.New("channel exists")
	errNoChannel  = errors.New("no such channel")
	errNoPerm     = errors.New("not permitted")
	errBadOp      = errors.New("bad operation for this channel mode")
	errBadMembers = errors.New("one or more nicks are not registered")
)
