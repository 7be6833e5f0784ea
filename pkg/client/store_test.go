package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hexforge/wargame-backend/pkg/hierarchy"
	"github.com/hexforge/wargame-backend/pkg/protocol"
)

func userMessage(sender protocol.RoleInstance, team, role, text string) protocol.Message {
	m, err := protocol.NewMessage(sender, team, role, text)
	if err != nil {
		panic(err)
	}
	return m
}

func TestClassify(t *testing.T) {
	redAmbassador := testRI(1, "Red", "Ambassador")
	blueAmbassador := testRI(2, "Blue", "Ambassador")
	redLogistics := testRI(3, "Red", "Logistics Chief")
	redAmbassadorPeer := testRI(4, "Red", "Ambassador")

	cases := []struct {
		name    string
		viewer  protocol.RoleInstance
		message protocol.Message
		wantKey hierarchy.ChannelKey
		wantErr bool
	}{
		{
			name:    "incoming message files under sender key",
			viewer:  blueAmbassador,
			message: userMessage(redAmbassador, "Blue", "Ambassador", "hello"),
			wantKey: hierarchy.ChannelKey{TeamName: "Red", RoleName: "Ambassador"},
		},
		{
			name:    "outgoing message files under recipient key",
			viewer:  redAmbassador,
			message: userMessage(redAmbassador, "Blue", "Ambassador", "hello"),
			wantKey: hierarchy.ChannelKey{TeamName: "Blue", RoleName: "Ambassador"},
		},
		{
			name:    "bystander raises endpoint mismatch",
			viewer:  redLogistics,
			message: userMessage(redAmbassador, "Blue", "Ambassador", "hello"),
			wantErr: true,
		},
		{
			name:    "self channel message from a peer",
			viewer:  redAmbassador,
			message: userMessage(redAmbassadorPeer, "Red", "Ambassador", "internal note"),
			wantKey: hierarchy.ChannelKey{TeamName: "Red", RoleName: "Ambassador"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := NewStore(tc.viewer)
			key, err := s.Classify(tc.message)
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrEndpointMismatch)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantKey, key)
		})
	}
}

func TestAppend_KeepsArrivalOrder(t *testing.T) {
	viewer := testRI(2, "Blue", "Ambassador")
	sender := testRI(1, "Red", "Ambassador")
	s := NewStore(viewer)

	first := userMessage(sender, "Blue", "Ambassador", "first")
	second := userMessage(sender, "Blue", "Ambassador", "second")
	// Timestamps deliberately do not decide order; arrival does.
	second.Timestamp = first.Timestamp - 100

	key, err := s.Append(first)
	require.NoError(t, err)
	_, err = s.Append(second)
	require.NoError(t, err)

	msgs := s.Messages(key)
	require.Len(t, msgs, 2)
	assert.Equal(t, "first", msgs[0].Text)
	assert.Equal(t, "second", msgs[1].Text)
}

func TestAppend_MismatchDoesNotStore(t *testing.T) {
	viewer := testRI(3, "Red", "Logistics Chief")
	s := NewStore(viewer)

	_, err := s.Append(userMessage(testRI(1, "Red", "Ambassador"), "Blue", "Ambassador", "hello"))
	assert.ErrorIs(t, err, ErrEndpointMismatch)
}

func TestUnread_SetOnInactiveChannel(t *testing.T) {
	viewer := testRI(2, "Blue", "Ambassador")
	sender := testRI(1, "Red", "Ambassador")
	s := NewStore(viewer)

	key, err := s.Append(userMessage(sender, "Blue", "Ambassador", "hello"))
	require.NoError(t, err)
	assert.True(t, s.Unread(key), "message on a closed channel must mark it unread")

	s.Open(key)
	assert.False(t, s.Unread(key), "opening the channel clears unread")
}

func TestUnread_ActiveChannelNearBottomStaysRead(t *testing.T) {
	viewer := testRI(2, "Blue", "Ambassador")
	sender := testRI(1, "Red", "Ambassador")
	s := NewStore(viewer)

	key := hierarchy.ChannelKey{TeamName: "Red", RoleName: "Ambassador"}
	s.Open(key)

	_, err := s.Append(userMessage(sender, "Blue", "Ambassador", "hello"))
	require.NoError(t, err)
	assert.False(t, s.Unread(key))
}

func TestUnread_ScrolledAwaySetsUnreadUnlessSelfAuthored(t *testing.T) {
	viewer := testRI(2, "Blue", "Ambassador")
	sender := testRI(1, "Red", "Ambassador")
	s := NewStore(viewer)

	key := hierarchy.ChannelKey{TeamName: "Red", RoleName: "Ambassador"}
	s.Open(key)
	s.SetScroll(false)

	// Peer message while scrolled away: unread.
	_, err := s.Append(userMessage(sender, "Blue", "Ambassador", "hello"))
	require.NoError(t, err)
	assert.True(t, s.Unread(key))

	// Scrolling back to the bottom clears it.
	s.SetScroll(true)
	assert.False(t, s.Unread(key))

	// Own message while scrolled away: not unread.
	s.SetScroll(false)
	_, err = s.Append(userMessage(viewer, "Red", "Ambassador", "my reply"))
	require.NoError(t, err)
	assert.False(t, s.Unread(key))
}

func TestRoster_SnapshotJoinLeave(t *testing.T) {
	s := NewStore(testRI(9, "Blue", "Ambassador"))

	s.ApplyRoster([]protocol.RoleInstance{testRI(2, "Red", "Ambassador"), testRI(1, "Red", "Logistics Chief")})
	roster := s.Roster()
	require.Len(t, roster, 2)
	assert.Equal(t, uint(1), roster[0].ID, "roster sorted by id")

	s.AddUser(testRI(5, "Blue", "Combatant Commander"))
	assert.Len(t, s.Roster(), 3)

	s.RemoveUser(2)
	assert.Len(t, s.Roster(), 2)
}

func TestRoster_RejoinOverwritesReadyFlag(t *testing.T) {
	s := NewStore(testRI(9, "Blue", "Ambassador"))

	ri := testRI(1, "Red", "Ambassador")
	s.AddUser(ri)

	ri.Ready = true
	s.AddUser(ri)

	roster := s.Roster()
	require.Len(t, roster, 1)
	assert.True(t, roster[0].Ready)
}

func TestReadiness_Aggregation(t *testing.T) {
	s := NewStore(gamemasterRI(1))

	// Empty roster: never unanimous.
	assert.False(t, s.AllNonGamemastersReady())

	gm := gamemasterRI(1)
	a := testRI(2, "Red", "Ambassador")
	b := testRI(3, "Blue", "Ambassador")
	s.ApplyRoster([]protocol.RoleInstance{gm, a, b})

	assert.False(t, s.AllNonGamemastersReady())

	s.SetReady(2, true)
	s.SetReady(3, true)
	assert.True(t, s.AllNonGamemastersReady(), "gamemaster readiness is not required")

	s.ResetReadiness()
	assert.False(t, s.AllNonGamemastersReady())
	for _, ri := range s.Roster() {
		assert.False(t, ri.Ready)
	}
}

func TestLowestGamemasterID(t *testing.T) {
	s := NewStore(gamemasterRI(2))

	_, ok := s.LowestGamemasterID()
	assert.False(t, ok)

	s.ApplyRoster([]protocol.RoleInstance{gamemasterRI(2), gamemasterRI(1), testRI(3, "Red", "Ambassador")})
	id, ok := s.LowestGamemasterID()
	require.True(t, ok)
	assert.Equal(t, uint(1), id)
}
