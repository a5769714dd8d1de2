package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enthyp/chatbox/internal/wire"
)

type fakePeer struct {
	name     string
	received []wire.Message
}

func (p *fakePeer) Receive(m wire.Message) {
	p.received = append(p.received, m)
}

func TestPublishDeliversToEveryoneButAuthor(t *testing.T) {
	d := New()
	d.AddChannel("#lounge", false)

	alice := &fakePeer{name: "alice"}
	bob := &fakePeer{name: "bob"}
	carol := &fakePeer{name: "carol"}

	d.Subscribe("#lounge", "alice", alice)
	d.Subscribe("#lounge", "bob", bob)
	d.Subscribe("#lounge", "carol", carol)

	msg := wire.Message{Prefix: "alice", Command: "MSG", Params: []string{"#lounge", "hi"}}
	d.Publish("#lounge", alice, msg)

	assert.Empty(t, alice.received, "author should not receive its own publish")
	require.Len(t, bob.received, 1)
	require.Len(t, carol.received, 1)
	assert.Equal(t, msg, bob.received[0])
	assert.Equal(t, msg, carol.received[0])
}

func TestPublishToUnknownChannelIsNoop(t *testing.T) {
	d := New()
	// Does not panic, does not create the channel.
	d.Publish("#ghost", nil, wire.Message{Command: "MSG"})
	assert.False(t, d.HasChannel("#ghost"))
}

func TestIsOnIntersectsLoggedInNicks(t *testing.T) {
	d := New()
	d.AddPeer(&fakePeer{name: "alice"}, "alice")
	d.AddPeer(&fakePeer{name: "bob"}, "bob")

	on := d.IsOn([]string{"alice", "carol", "bob", "dave"})
	assert.ElementsMatch(t, []string{"alice", "bob"}, on)
}

func TestRemovePeerClearsEveryChannelsPresence(t *testing.T) {
	d := New()
	alice := &fakePeer{name: "alice"}
	d.AddPeer(alice, "alice")

	d.AddChannel("#a", false)
	d.AddChannel("#b", false)
	d.Subscribe("#a", "alice", alice)
	d.Subscribe("#b", "alice", alice)

	d.RemovePeer(alice, "alice")

	_, ok := d.PeerByNick("alice")
	assert.False(t, ok)
	assert.Empty(t, d.Names("#a"))
	assert.Empty(t, d.Names("#b"))
}

func TestAddPeerReturnsEvictedPeerOnCollision(t *testing.T) {
	d := New()
	oldPeer := &fakePeer{name: "old"}
	newPeer := &fakePeer{name: "new"}

	evicted := d.AddPeer(oldPeer, "alice")
	assert.Nil(t, evicted)

	evicted = d.AddPeer(newPeer, "alice")
	require.NotNil(t, evicted)
	assert.Same(t, oldPeer, evicted)

	p, ok := d.PeerByNick("alice")
	require.True(t, ok)
	assert.Same(t, newPeer, p)
}

func TestRemovePeerDoesNotClobberASupersedingLogin(t *testing.T) {
	d := New()
	oldPeer := &fakePeer{name: "old"}
	newPeer := &fakePeer{name: "new"}

	d.AddPeer(oldPeer, "alice")
	d.AddPeer(newPeer, "alice")

	// The evicted session's teardown races in after the new one is
	// already registered; it must not delete the new registration.
	d.RemovePeer(oldPeer, "alice")

	p, ok := d.PeerByNick("alice")
	require.True(t, ok)
	assert.Same(t, newPeer, p)
}

func TestServerPeersBroadcastExceptAuthor(t *testing.T) {
	d := New()
	s1 := &fakePeer{name: "s1"}
	s2 := &fakePeer{name: "s2"}
	s3 := &fakePeer{name: "s3"}
	d.AddPeer(s1, "")
	d.AddPeer(s2, "")
	d.AddPeer(s3, "")

	msg := wire.Message{Command: "OK_LOGIN", Params: []string{"alice"}}
	d.Publish(routingChannel, s1, msg)

	assert.Empty(t, s1.received)
	require.Len(t, s2.received, 1)
	require.Len(t, s3.received, 1)
}
