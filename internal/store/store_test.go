package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestAccountAvailableAndAddUser(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	nickFree, mailFree, err := st.AccountAvailable(ctx, "alice", "alice@example.com")
	require.NoError(t, err)
	require.True(t, nickFree)
	require.True(t, mailFree)

	require.NoError(t, st.AddUser(ctx, "alice", "alice@example.com", "hunter2"))

	nickFree, mailFree, err = st.AccountAvailable(ctx, "alice", "other@example.com")
	require.NoError(t, err)
	require.False(t, nickFree)
	require.True(t, mailFree)
}

func TestPasswordCorrect(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, st.AddUser(ctx, "alice", "alice@example.com", "hunter2"))

	ok, err := st.PasswordCorrect(ctx, "alice", "hunter2")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = st.PasswordCorrect(ctx, "alice", "wrong")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = st.PasswordCorrect(ctx, "nobody", "whatever")
	require.True(t, errors.Is(err, ErrNoSuchUser))
}

func TestDeleteUserCascadesChannelsAndMembership(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, st.AddUser(ctx, "alice", "alice@example.com", "pw"))
	require.NoError(t, st.AddUser(ctx, "bob", "bob@example.com", "pw"))
	require.NoError(t, st.AddChannel(ctx, "#vip", "alice", false, []string{"alice", "bob"}))

	require.NoError(t, st.DeleteUser(ctx, "alice"))

	exists, err := st.ChannelExists(ctx, "#vip")
	require.NoError(t, err)
	require.False(t, exists, "channel should cascade-delete with its creator")

	isMember, err := st.IsMember(ctx, "bob", "#vip")
	require.NoError(t, err)
	require.False(t, isMember, "membership should cascade-delete with the channel")
}

func TestAddChannelAndMembership(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, st.AddUser(ctx, "alice", "alice@example.com", "pw"))
	require.NoError(t, st.AddUser(ctx, "bob", "bob@example.com", "pw"))

	require.NoError(t, st.AddChannel(ctx, "#vip", "alice", false, []string{"alice", "bob"}))

	mode, err := st.GetChannelMode(ctx, "#vip")
	require.NoError(t, err)
	require.Equal(t, ModePrivate, mode)

	creator, err := st.GetChannelCreator(ctx, "#vip")
	require.NoError(t, err)
	require.Equal(t, "alice", creator)

	isMember, err := st.IsMember(ctx, "bob", "#vip")
	require.NoError(t, err)
	require.True(t, isMember)

	require.NoError(t, st.DeleteMembers(ctx, "#vip", []string{"bob"}))
	isMember, err = st.IsMember(ctx, "bob", "#vip")
	require.NoError(t, err)
	require.False(t, isMember)
}

func TestGetPubAndPrivChannels(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, st.AddUser(ctx, "alice", "alice@example.com", "pw"))

	require.NoError(t, st.AddChannel(ctx, "#lounge", "alice", true, nil))
	require.NoError(t, st.AddChannel(ctx, "#vip", "alice", false, []string{"alice"}))

	pub, err := st.GetPubChannels(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"#lounge"}, pub)

	priv, err := st.GetPrivChannels(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, []string{"#vip"}, priv)
}

func TestNotifications(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, st.AddUser(ctx, "alice", "alice@example.com", "pw"))
	require.NoError(t, st.AddUser(ctx, "bob", "bob@example.com", "pw"))

	require.NoError(t, st.AddNotification(ctx, "bob", "alice", "You were added to channel #vip!"))

	notifications, err := st.GetNotifications(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, notifications, 1)
	require.Equal(t, "bob", notifications[0].Author)

	require.NoError(t, st.DeleteNotifications(ctx, "alice"))
	notifications, err = st.GetNotifications(ctx, "alice")
	require.NoError(t, err)
	require.Empty(t, notifications)
}
