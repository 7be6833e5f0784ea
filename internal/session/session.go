// Package session runs one goroutine per join code. The actor owns the
// roster of connected role instances and relays protocol frames between the
// clients of the session; all mutation happens inside the loop, so no locks.
package session

import (
	"context"

	"go.uber.org/zap"

	"github.com/hexforge/wargame-backend/pkg/protocol"
)

type Msg interface{ isSessionMsg() }

// Join registers a client connection. The actor sends the authoritative turn
// record and the current roster snapshot to the new outbox, in that order, so
// the client's turn mirror is seeded before any readiness evaluation can run;
// the client announces itself afterwards with a users/join frame.
type Join struct {
	ClientID string
	Outbox   chan protocol.Frame
	Game     protocol.GameInstance
}

type Leave struct{ ClientID string }

// FromClient carries one inbound frame for relay.
type FromClient struct {
	ClientID string
	Frame    protocol.Frame
}

// Broadcast injects a server-originated frame (deletion events from the REST
// layer) into the fanout.
type Broadcast struct{ Frame protocol.Frame }

type GetState struct {
	Reply chan View
}

type Shutdown struct{}

func (Join) isSessionMsg()       {}
func (Leave) isSessionMsg()      {}
func (FromClient) isSessionMsg() {}
func (Broadcast) isSessionMsg()  {}
func (GetState) isSessionMsg()   {}
func (Shutdown) isSessionMsg()   {}

// View mirrors internal state for tests without data races.
type View struct {
	NumClients int
	Roster     []protocol.RoleInstance
}

type Session struct {
	inbox   chan Msg
	clients map[string]chan protocol.Frame
	roster  map[string]protocol.RoleInstance
	log     *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
}

func New(parent context.Context, log *zap.Logger) *Session {
	ctx, cancel := context.WithCancel(parent)
	s := &Session{
		inbox:   make(chan Msg, 64),
		clients: make(map[string]chan protocol.Frame),
		roster:  make(map[string]protocol.RoleInstance),
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
	}
	go s.loop()
	return s
}

func (s *Session) Inbox() chan<- Msg { return s.inbox }

func (s *Session) loop() {
	for {
		select {
		case <-s.ctx.Done():
			s.shutdown()
			return

		case m := <-s.inbox:
			switch msg := m.(type) {
			case Join:
				s.clients[msg.ClientID] = msg.Outbox
				s.send(msg.ClientID, protocol.TurnSetFrame(msg.Game))
				s.send(msg.ClientID, protocol.ListFrame(s.rosterList()))

			case Leave:
				delete(s.clients, msg.ClientID)
				if ri, ok := s.roster[msg.ClientID]; ok {
					delete(s.roster, msg.ClientID)
					s.broadcast(protocol.LeaveFrame(ri))
				}

			case FromClient:
				s.relay(msg)

			case Broadcast:
				s.broadcast(msg.Frame)

			case GetState:
				msg.Reply <- View{
					NumClients: len(s.clients),
					Roster:     s.rosterList(),
				}

			case Shutdown:
				s.shutdown()
				return
			}
		}
	}
}

// relay applies roster bookkeeping for presence frames and fans the frame out
// to every connected client, the sender included: arrival order on each
// socket is the authoritative message order.
func (s *Session) relay(msg FromClient) {
	ev, err := protocol.Decode(msg.Frame)
	if err != nil {
		s.log.Warn("dropping malformed frame",
			zap.String("client", msg.ClientID),
			zap.String("channel", msg.Frame.Channel),
			zap.String("action", msg.Frame.Action),
			zap.Error(err))
		return
	}

	switch ev := ev.(type) {
	case protocol.UserJoined:
		s.roster[msg.ClientID] = ev.RoleInstance
	case protocol.UserLeft:
		delete(s.roster, msg.ClientID)
	}

	s.broadcast(msg.Frame)
}

func (s *Session) rosterList() []protocol.RoleInstance {
	list := make([]protocol.RoleInstance, 0, len(s.roster))
	for _, ri := range s.roster {
		list = append(list, ri)
	}
	return list
}

func (s *Session) broadcast(f protocol.Frame) {
	for id := range s.clients {
		s.send(id, f)
	}
}

// send delivers one frame to one client without ever blocking the loop. A
// full outbox means the client is slow - drop them. The ws handler's Leave
// cleans up the roster entry.
func (s *Session) send(id string, f protocol.Frame) {
	ch, ok := s.clients[id]
	if !ok {
		return
	}
	select {
	case ch <- f:
	default:
		close(ch)
		delete(s.clients, id)
	}
}

func (s *Session) shutdown() {
	for id, ch := range s.clients {
		close(ch)
		delete(s.clients, id)
	}
	s.cancel()
}
