package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hexforge/wargame-backend/pkg/protocol"
)

// helper: receive one frame with a timeout so tests never hang
func recvFrame(t *testing.T, ch <-chan protocol.Frame, within time.Duration) protocol.Frame {
	t.Helper()
	select {
	case f, ok := <-ch:
		if !ok {
			t.Fatalf("client outbox closed unexpectedly")
		}
		return f
	case <-time.After(within):
		t.Fatalf("timed out waiting for frame")
		return protocol.Frame{} // unreachable
	}
}

func recvNoFrame(t *testing.T, ch <-chan protocol.Frame, within time.Duration) {
	t.Helper()
	select {
	case f, ok := <-ch:
		if !ok {
			return
		}
		t.Fatalf("expected no frame within %v, but got: %+v", within, f)
	case <-time.After(within):
	}
}

func recvView(t *testing.T, ch <-chan View, within time.Duration) View {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(within):
		t.Fatalf("timed out waiting for view")
		return View{} // unreachable
	}
}

func testRoleInstance(id uint, team, role string) protocol.RoleInstance {
	return protocol.RoleInstance{
		ID:   id,
		User: protocol.User{ID: id, Username: "user"},
		TeamInstance: protocol.TeamInstance{
			ID:           id,
			Team:         protocol.Team{ID: 1, Name: team},
			GameJoinCode: "KX2M4A",
		},
		Role: protocol.Role{ID: 1, Name: role},
	}
}

// join registers a client and drains the turn and roster snapshot frames.
func join(t *testing.T, s *Session, id string, out chan protocol.Frame) {
	t.Helper()
	s.Inbox() <- Join{ClientID: id, Outbox: out, Game: protocol.GameInstance{JoinCode: "KX2M4A", Turn: 1}}
	_ = recvFrame(t, out, 100*time.Millisecond)
	_ = recvFrame(t, out, 100*time.Millisecond)
}

func TestSession_JoinReceivesTurnAndRosterSnapshot(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := New(ctx, zap.NewNop())

	out := make(chan protocol.Frame, 4)
	s.Inbox() <- Join{ClientID: "c1", Outbox: out, Game: protocol.GameInstance{JoinCode: "KX2M4A", Turn: 3}}

	// The authoritative turn record arrives first so the client's turn
	// mirror is seeded before anything else happens.
	first := recvFrame(t, out, 100*time.Millisecond)
	if first.Channel != protocol.ChannelTurn || first.Action != protocol.ActionSet {
		t.Fatalf("want turn/set snapshot first, got %s/%s", first.Channel, first.Action)
	}
	ev, err := protocol.Decode(first)
	if err != nil {
		t.Fatalf("decode turn snapshot: %v", err)
	}
	if set := ev.(protocol.TurnSet); set.Game.Turn != 3 || set.Game.JoinCode != "KX2M4A" {
		t.Fatalf("turn snapshot carries wrong record: %+v", set.Game)
	}

	second := recvFrame(t, out, 100*time.Millisecond)
	if second.Channel != protocol.ChannelUsers || second.Action != protocol.ActionList {
		t.Fatalf("want users/list snapshot, got %s/%s", second.Channel, second.Action)
	}
	ev, err = protocol.Decode(second)
	if err != nil {
		t.Fatalf("decode roster snapshot: %v", err)
	}
	if listed := ev.(protocol.RosterListed); len(listed.RoleInstances) != 0 {
		t.Fatalf("want empty roster, got %+v", listed.RoleInstances)
	}
}

func TestSession_JoinFrameUpdatesRosterAndRelaysToAll(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := New(ctx, zap.NewNop())

	out1 := make(chan protocol.Frame, 4)
	out2 := make(chan protocol.Frame, 4)
	join(t, s, "c1", out1)
	join(t, s, "c2", out2)

	ri := testRoleInstance(1, "Red", "Ambassador")
	s.Inbox() <- FromClient{ClientID: "c1", Frame: protocol.JoinFrame(ri)}

	// Relayed to every client, sender included.
	for _, out := range []chan protocol.Frame{out1, out2} {
		f := recvFrame(t, out, 100*time.Millisecond)
		if f.Channel != protocol.ChannelUsers || f.Action != protocol.ActionJoin {
			t.Fatalf("want users/join relay, got %s/%s", f.Channel, f.Action)
		}
	}

	reply := make(chan View, 1)
	s.Inbox() <- GetState{Reply: reply}
	view := recvView(t, reply, 100*time.Millisecond)
	if view.NumClients != 2 {
		t.Fatalf("want 2 clients, got %d", view.NumClients)
	}
	if len(view.Roster) != 1 || view.Roster[0].ID != 1 {
		t.Fatalf("roster not updated: %+v", view.Roster)
	}
}

func TestSession_DisconnectSynthesizesLeave(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := New(ctx, zap.NewNop())

	out1 := make(chan protocol.Frame, 4)
	out2 := make(chan protocol.Frame, 4)
	join(t, s, "c1", out1)
	join(t, s, "c2", out2)

	ri := testRoleInstance(1, "Red", "Ambassador")
	s.Inbox() <- FromClient{ClientID: "c1", Frame: protocol.JoinFrame(ri)}
	_ = recvFrame(t, out1, 100*time.Millisecond)
	_ = recvFrame(t, out2, 100*time.Millisecond)

	s.Inbox() <- Leave{ClientID: "c1"}

	f := recvFrame(t, out2, 100*time.Millisecond)
	if f.Channel != protocol.ChannelUsers || f.Action != protocol.ActionLeave {
		t.Fatalf("want synthesized users/leave, got %s/%s", f.Channel, f.Action)
	}
	ev, err := protocol.Decode(f)
	if err != nil {
		t.Fatalf("decode leave: %v", err)
	}
	if left := ev.(protocol.UserLeft); left.RoleInstance.ID != 1 {
		t.Fatalf("leave carries wrong role instance: %+v", left.RoleInstance)
	}
}

func TestSession_MalformedFrameDroppedNotRelayed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := New(ctx, zap.NewNop())

	out := make(chan protocol.Frame, 4)
	join(t, s, "c1", out)

	s.Inbox() <- FromClient{ClientID: "c1", Frame: protocol.Frame{
		Channel: protocol.ChannelTurn,
		Action:  protocol.ActionSet,
		Data:    json.RawMessage(`[1,2,3]`),
	}}

	recvNoFrame(t, out, 150*time.Millisecond)
}

func TestSession_UnknownFrameStillRelayed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := New(ctx, zap.NewNop())

	out := make(chan protocol.Frame, 4)
	join(t, s, "c1", out)

	s.Inbox() <- FromClient{ClientID: "c1", Frame: protocol.Frame{
		Channel: "map",
		Action:  "drag",
		Data:    json.RawMessage(`{"x":4}`),
	}}

	f := recvFrame(t, out, 100*time.Millisecond)
	if f.Channel != "map" {
		t.Fatalf("unknown frames should relay untouched, got %+v", f)
	}
}

func TestSession_DropSlowClient(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := New(ctx, zap.NewNop())

	// Buffer of 2 holds the turn and roster snapshots; the next broadcast
	// finds it full.
	out := make(chan protocol.Frame, 2)
	s.Inbox() <- Join{ClientID: "c1", Outbox: out, Game: protocol.GameInstance{JoinCode: "KX2M4A", Turn: 1}}

	ri := testRoleInstance(1, "Red", "Ambassador")
	s.Inbox() <- FromClient{ClientID: "c1", Frame: protocol.JoinFrame(ri)}

	reply := make(chan View, 1)
	s.Inbox() <- GetState{Reply: reply}
	view := recvView(t, reply, 100*time.Millisecond)
	if view.NumClients != 0 {
		t.Fatalf("expected slow client to be dropped; NumClients=%d", view.NumClients)
	}
}

func TestSession_ShutdownClosesOutboxes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := New(ctx, zap.NewNop())

	out := make(chan protocol.Frame, 4)
	join(t, s, "c1", out)

	s.Inbox() <- Shutdown{}

	select {
	case _, ok := <-out:
		if ok {
			t.Fatalf("expected closed outbox after shutdown")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("outbox not closed after shutdown")
	}
}
