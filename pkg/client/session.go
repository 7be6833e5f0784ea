// Package client implements the browser-equivalent coordination layer for
// one wargame session participant: the single websocket with reconnect, the
// channel router, the turn tracker with leader election, and the presence
// and message store.
package client

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/hexforge/wargame-backend/pkg/hierarchy"
	"github.com/hexforge/wargame-backend/pkg/protocol"
)

// ExitReason explains a forced session exit.
type ExitReason string

const (
	ExitGameDeleted         ExitReason = "game deleted"
	ExitRoleDeleted         ExitReason = "role instance deleted"
	ExitConnectionAbandoned ExitReason = "connection abandoned"
)

// SessionOptions configures a participant's coordination session.
type SessionOptions struct {
	BaseURL  string
	JoinCode string
	Self     protocol.RoleInstance
	// TurnLength is applied as the deadline for auto-advanced turns.
	TurnLength     time.Duration
	InitialBackoff time.Duration
	MaxRetries     uint64
	HTTPClient     *http.Client
	Logger         *zap.Logger
}

// Session ties the coordination components together for one participant and
// owns the session-scoped catalog cache.
type Session struct {
	opts    SessionOptions
	api     *API
	router  *Router
	conn    *Conn
	store   *Store
	tracker *TurnTracker
	log     *zap.Logger

	destinations []hierarchy.ChannelKey

	onForcedExit func(ExitReason)
	onError      func(error)
}

func NewSession(opts SessionOptions) (*Session, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	router := NewRouter(opts.Logger)
	conn, err := NewConn(ConnOptions{
		BaseURL:        opts.BaseURL,
		JoinCode:       opts.JoinCode,
		Self:           opts.Self,
		Logger:         opts.Logger,
		InitialBackoff: opts.InitialBackoff,
		MaxRetries:     opts.MaxRetries,
	}, router)
	if err != nil {
		return nil, err
	}

	api := NewAPI(opts.BaseURL, opts.HTTPClient)
	store := NewStore(opts.Self)
	tracker := NewTurnTracker(api, conn, store, opts.Self, opts.JoinCode, opts.TurnLength, opts.Logger)

	return &Session{
		opts:    opts,
		api:     api,
		router:  router,
		conn:    conn,
		store:   store,
		tracker: tracker,
		log:     opts.Logger,
	}, nil
}

// OnForcedExit registers the observer for fatal session events: game
// deletion, this role instance's deletion, or an abandoned reconnect. The
// observer clears local state and returns the user to role selection.
func (s *Session) OnForcedExit(fn func(ExitReason)) { s.onForcedExit = fn }

// OnError registers the observer for hard, user-visible errors (endpoint
// mismatches, rejected authoritative writes).
func (s *Session) OnError(fn func(error)) { s.onError = fn }

// Start resolves the viewer's destinations from the session catalog, wires
// all channel handlers, connects the socket, and starts the turn loop.
func (s *Session) Start(ctx context.Context) error {
	catalog, err := s.api.FetchCatalog(ctx, s.opts.JoinCode)
	if err != nil {
		return fmt.Errorf("fetch catalog: %w", err)
	}
	s.destinations = hierarchy.Resolve(
		roleToHierarchy(s.opts.Self.Role),
		s.opts.Self.TeamInstance.Team.Name,
		catalog.Teams,
		catalog.Roles,
	)

	// Handlers re-bind on every (re)connect: subscriptions die with the
	// connection generation.
	s.conn.OnReady(func() { s.bind() })
	s.conn.OnDown(func(err error) {
		if err != nil {
			s.forceExit(ExitConnectionAbandoned)
		}
	})

	if err := s.conn.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	s.tracker.Start(ctx)
	return nil
}

func (s *Session) bind() {
	s.tracker.Bind(s.router)

	s.router.Subscribe(protocol.ChannelUsers, protocol.ActionList, "session", func(ev protocol.Event) {
		if listed, ok := ev.(protocol.RosterListed); ok {
			s.store.ApplyRoster(listed.RoleInstances)
		}
	})
	s.router.Subscribe(protocol.ChannelUsers, protocol.ActionJoin, "session", func(ev protocol.Event) {
		if joined, ok := ev.(protocol.UserJoined); ok {
			s.store.AddUser(joined.RoleInstance)
			// Readiness may now be unanimous.
			s.tracker.Evaluate(context.Background())
		}
	})
	s.router.Subscribe(protocol.ChannelUsers, protocol.ActionLeave, "session", func(ev protocol.Event) {
		if left, ok := ev.(protocol.UserLeft); ok {
			s.store.RemoveUser(left.RoleInstance.ID)
			s.tracker.Evaluate(context.Background())
		}
	})

	s.router.Subscribe(protocol.ChannelCommunications, protocol.ActionSend, "session", func(ev protocol.Event) {
		sent, ok := ev.(protocol.MessageSent)
		if !ok {
			return
		}
		if _, err := s.store.Append(sent.Message); err != nil {
			// Resolver bug or forged frame - always surfaced.
			s.surfaceError(fmt.Errorf("message %s: %w", sent.Message.ID, err))
		}
	})

	s.router.Subscribe(protocol.ChannelPoints, protocol.ActionSend, "session", func(ev protocol.Event) {
		if sent, ok := ev.(protocol.PointsSent); ok {
			s.notePoints(sent.Transfer, "received")
		}
	})
	s.router.Subscribe(protocol.ChannelPoints, protocol.ActionSpend, "session", func(ev protocol.Event) {
		if spent, ok := ev.(protocol.PointsSpent); ok {
			s.notePoints(spent.Transfer, "spent")
		}
	})

	s.router.Subscribe(protocol.ChannelGames, protocol.ActionDelete, "session", func(protocol.Event) {
		s.forceExit(ExitGameDeleted)
	})
	s.router.Subscribe(protocol.ChannelRoleInstances, protocol.ActionDelete, "session", func(ev protocol.Event) {
		deleted, ok := ev.(protocol.RoleInstanceDeleted)
		if !ok {
			return
		}
		if deleted.Ref.ID == s.opts.Self.ID {
			s.forceExit(ExitRoleDeleted)
			return
		}
		s.store.RemoveUser(deleted.Ref.ID)
	})
}

// notePoints records a supply-point movement as a system notice on the
// affected channel when it concerns this viewer.
func (s *Session) notePoints(tr protocol.PointsTransfer, verb string) {
	key := hierarchy.ChannelKey{TeamName: tr.TeamName, RoleName: tr.RoleName}
	if key != s.store.ViewerKey() && !hierarchy.Contains(s.destinations, key) {
		return
	}
	s.store.AppendSystem(key, fmt.Sprintf("%d supply points %s", tr.SupplyPoints, verb))
}

// Destinations is the resolved, sorted set of addressable channel keys.
func (s *Session) Destinations() []hierarchy.ChannelKey {
	out := make([]hierarchy.ChannelKey, len(s.destinations))
	copy(out, s.destinations)
	return out
}

// Store exposes the presence/message store for rendering.
func (s *Session) Store() *Store { return s.store }

// Turn exposes the turn tracker.
func (s *Session) Turn() *TurnTracker { return s.tracker }

// Router exposes the channel router for additional observers.
func (s *Session) Router() *Router { return s.router }

// SendMessage sends a permission-checked direct message to a destination
// channel key. The local copy arrives back via the relay, keeping arrival
// order authoritative.
func (s *Session) SendMessage(ctx context.Context, key hierarchy.ChannelKey, text string) error {
	if key != s.store.ViewerKey() && !hierarchy.Contains(s.destinations, key) {
		return fmt.Errorf("%w: %s/%s is not addressable", ErrEndpointMismatch, key.TeamName, key.RoleName)
	}
	m, err := protocol.NewMessage(s.opts.Self, key.TeamName, key.RoleName, text)
	if err != nil {
		return err
	}
	return s.conn.Send(ctx, protocol.MessageFrame(m))
}

// SendPoints notifies a permission-checked destination of a supply-point
// transfer. Transfer destinations are gated by the same resolver as message
// channels.
func (s *Session) SendPoints(ctx context.Context, key hierarchy.ChannelKey, points int) error {
	if !hierarchy.Contains(s.destinations, key) {
		return fmt.Errorf("%w: %s/%s is not addressable", ErrEndpointMismatch, key.TeamName, key.RoleName)
	}
	return s.conn.Send(ctx, protocol.PointsSendFrame(protocol.PointsTransfer{
		TeamName:     key.TeamName,
		RoleName:     key.RoleName,
		SupplyPoints: points,
	}))
}

// SpendPoints announces spending from the viewer's own pool.
func (s *Session) SpendPoints(ctx context.Context, points int) error {
	key := s.store.ViewerKey()
	return s.conn.Send(ctx, protocol.PointsSpendFrame(protocol.PointsTransfer{
		TeamName:     key.TeamName,
		RoleName:     key.RoleName,
		SupplyPoints: points,
	}))
}

// Leave departs cleanly: announce, close the socket, drop session caches.
func (s *Session) Leave(ctx context.Context) {
	_ = s.conn.Send(ctx, protocol.LeaveFrame(s.opts.Self))
	s.conn.Close()
	s.api.InvalidateCatalog(s.opts.JoinCode)
}

func (s *Session) forceExit(reason ExitReason) {
	s.log.Info("forced session exit", zap.String("reason", string(reason)))
	s.conn.Close()
	s.api.InvalidateCatalog(s.opts.JoinCode)
	if s.onForcedExit != nil {
		s.onForcedExit(reason)
	}
}

func (s *Session) surfaceError(err error) {
	s.log.Error("session error", zap.Error(err))
	if s.onError != nil {
		s.onError(err)
	}
}
