package client

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hexforge/wargame-backend/pkg/hierarchy"
	"github.com/hexforge/wargame-backend/pkg/protocol"
)

// testRI builds a roster entry for tests across this package.
func testRI(id uint, team, role string) protocol.RoleInstance {
	return protocol.RoleInstance{
		ID:   id,
		User: protocol.User{ID: id, Username: "user"},
		TeamInstance: protocol.TeamInstance{
			ID:           id,
			Team:         protocol.Team{ID: 1, Name: team},
			GameJoinCode: "KX2M4A",
		},
		Role:  protocol.Role{ID: 1, Name: role},
		Ready: false,
	}
}

func gamemasterRI(id uint) protocol.RoleInstance {
	return testRI(id, hierarchy.GamemasterTeam, hierarchy.GamemasterRole)
}

func TestRouter_DispatchByChannelAction(t *testing.T) {
	r := NewRouter(nil)

	var got []protocol.Event
	r.Subscribe(protocol.ChannelUsers, protocol.ActionJoin, "comp", func(ev protocol.Event) {
		got = append(got, ev)
	})

	r.Dispatch(protocol.JoinFrame(testRI(1, "Red", "Ambassador")))
	r.Dispatch(protocol.LeaveFrame(testRI(1, "Red", "Ambassador"))) // different action

	assert.Len(t, got, 1)
	joined, ok := got[0].(protocol.UserJoined)
	assert.True(t, ok)
	assert.Equal(t, uint(1), joined.RoleInstance.ID)
}

func TestRouter_ResubscribeSameOwnerIsIdempotent(t *testing.T) {
	r := NewRouter(nil)

	calls := 0
	// A component re-rendering re-registers; delivery must not duplicate.
	for i := 0; i < 3; i++ {
		r.Subscribe(protocol.ChannelUsers, protocol.ActionJoin, "roster-panel", func(protocol.Event) {
			calls++
		})
	}

	r.Dispatch(protocol.JoinFrame(testRI(1, "Red", "Ambassador")))
	assert.Equal(t, 1, calls)
}

func TestRouter_TwoOwnersBothDelivered(t *testing.T) {
	r := NewRouter(nil)

	var a, b int
	r.Subscribe(protocol.ChannelTurn, protocol.ActionSet, "tracker", func(protocol.Event) { a++ })
	r.Subscribe(protocol.ChannelTurn, protocol.ActionSet, "header", func(protocol.Event) { b++ })

	r.Dispatch(protocol.TurnSetFrame(protocol.GameInstance{JoinCode: "KX2M4A", Turn: 2}))
	assert.Equal(t, 1, a)
	assert.Equal(t, 1, b)
}

func TestRouter_UnknownPairIgnored(t *testing.T) {
	r := NewRouter(nil)

	called := false
	r.Subscribe(protocol.ChannelUsers, protocol.ActionJoin, "comp", func(protocol.Event) { called = true })

	r.Dispatch(protocol.Frame{Channel: "map", Action: "drag", Data: json.RawMessage(`{"x":1}`)})
	assert.False(t, called)
}

func TestRouter_MalformedPayloadDropped(t *testing.T) {
	r := NewRouter(nil)

	called := false
	r.Subscribe(protocol.ChannelTurn, protocol.ActionSet, "comp", func(protocol.Event) { called = true })

	// Must not panic and must not deliver.
	r.Dispatch(protocol.Frame{Channel: protocol.ChannelTurn, Action: protocol.ActionSet, Data: json.RawMessage(`[]`)})
	assert.False(t, called)
}

func TestRouter_GenerationDropsStaleSubscriptions(t *testing.T) {
	r := NewRouter(nil)

	stale := 0
	r.Subscribe(protocol.ChannelUsers, protocol.ActionJoin, "comp", func(protocol.Event) { stale++ })

	r.advanceGeneration()

	fresh := 0
	r.Subscribe(protocol.ChannelUsers, protocol.ActionJoin, "comp", func(protocol.Event) { fresh++ })

	r.Dispatch(protocol.JoinFrame(testRI(1, "Red", "Ambassador")))
	assert.Equal(t, 0, stale, "stale-generation handler must not fire")
	assert.Equal(t, 1, fresh)
}

func TestRouter_Cancel(t *testing.T) {
	r := NewRouter(nil)

	calls := 0
	sub := r.Subscribe(protocol.ChannelUsers, protocol.ActionJoin, "comp", func(protocol.Event) { calls++ })
	sub.Cancel()
	sub.Cancel() // idempotent

	r.Dispatch(protocol.JoinFrame(testRI(1, "Red", "Ambassador")))
	assert.Equal(t, 0, calls)
}
