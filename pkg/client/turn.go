package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hexforge/wargame-backend/internal/turn"
	"github.com/hexforge/wargame-backend/pkg/hierarchy"
	"github.com/hexforge/wargame-backend/pkg/protocol"
)

// skewTolerance pads the client-observed deadline so clients with slightly
// fast clocks do not advance before the deadline has truly passed.
const skewTolerance = 2 * time.Second

// turnAPI is the slice of the REST client the tracker uses.
type turnAPI interface {
	SetTurn(ctx context.Context, joinCode string, turnNumber int, finish *int64, expectedTurn *int) (protocol.GameInstance, error)
	SetTimer(ctx context.Context, joinCode string, finish *int64) (protocol.GameInstance, error)
	SetReady(ctx context.Context, roleInstanceID uint, ready bool) (protocol.RoleInstance, error)
}

// frameSender is the slice of Conn the tracker uses.
type frameSender interface {
	Send(ctx context.Context, f protocol.Frame) error
	Ready() bool
}

// TurnTracker mirrors the authoritative turn record and drives turn
// advancement. Three triggers advance the turn: an explicit command, the
// deadline passing, and unanimous non-gamemaster readiness. Whatever the
// trigger, only the elected leader - the connected gamemaster role instance
// with the lowest id - issues the authoritative write, and the write itself
// is a compare-and-swap, so concurrent attempts from stale rosters collapse
// to one increment. The tracker never mutates local turn state optimistically:
// state changes only on receipt of the confirmed broadcast.
type TurnTracker struct {
	api    turnAPI
	sender frameSender
	store  *Store
	self   protocol.RoleInstance
	log    *zap.Logger

	// TurnLength is the deadline applied to turns started by auto-advance.
	turnLength time.Duration
	now        func() time.Time

	mu           sync.Mutex
	game         protocol.GameInstance
	lastAttempt  int // last turn number an advance was attempted for
	onError      []func(error)
	onTurnChange []func(protocol.GameInstance)
}

func NewTurnTracker(api turnAPI, sender frameSender, store *Store, self protocol.RoleInstance, joinCode string, turnLength time.Duration, log *zap.Logger) *TurnTracker {
	if log == nil {
		log = zap.NewNop()
	}
	return &TurnTracker{
		api:         api,
		sender:      sender,
		store:       store,
		self:        self,
		log:         log,
		turnLength:  turnLength,
		now:         time.Now,
		game:        protocol.GameInstance{JoinCode: joinCode},
		lastAttempt: -1,
	}
}

// Bind subscribes the tracker's handlers on the router. Call it from the
// connection's OnReady observer so the subscriptions follow the connection
// generation.
func (t *TurnTracker) Bind(r *Router) {
	r.Subscribe(protocol.ChannelTurn, protocol.ActionSet, "turn-tracker", func(ev protocol.Event) {
		if set, ok := ev.(protocol.TurnSet); ok {
			t.applyTurnSet(set.Game)
		}
	})
	r.Subscribe(protocol.ChannelTurn, protocol.ActionSetTurnFinishTime, "turn-tracker", func(ev protocol.Event) {
		if set, ok := ev.(protocol.TurnTimerSet); ok {
			t.applyTimerSet(set.Game)
		}
	})
}

// OnError registers an observer for failed authoritative writes; failures
// are surfaced to the initiating client only.
func (t *TurnTracker) OnError(fn func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onError = append(t.onError, fn)
}

// OnTurnChange registers an observer fired on every confirmed turn/deadline
// broadcast.
func (t *TurnTracker) OnTurnChange(fn func(protocol.GameInstance)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onTurnChange = append(t.onTurnChange, fn)
}

// applyTurnSet handles a confirmed turn broadcast: mirror the record and
// clear every non-gamemaster ready flag (start-of-turn reset).
func (t *TurnTracker) applyTurnSet(g protocol.GameInstance) {
	t.mu.Lock()
	t.game = g
	observers := append([]func(protocol.GameInstance){}, t.onTurnChange...)
	t.mu.Unlock()

	t.store.ResetReadiness()
	for _, fn := range observers {
		fn(g)
	}
}

func (t *TurnTracker) applyTimerSet(g protocol.GameInstance) {
	t.mu.Lock()
	t.game.TurnFinishTime = g.TurnFinishTime
	g = t.game
	observers := append([]func(protocol.GameInstance){}, t.onTurnChange...)
	t.mu.Unlock()

	for _, fn := range observers {
		fn(g)
	}
}

// Game returns the mirrored authoritative record.
func (t *TurnTracker) Game() protocol.GameInstance {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.game
}

// stateLocked mirrors the record in the state machine's shape. Caller holds mu.
func (t *TurnTracker) stateLocked() turn.State {
	st := turn.State{Turn: t.game.Turn}
	if t.game.TurnFinishTime != nil {
		ft := time.Unix(*t.game.TurnFinishTime, 0)
		st.FinishTime = &ft
	}
	return st
}

// Remaining is the derived countdown, clamped at zero and recomputed on each
// call; rendering it is not a state transition.
func (t *TurnTracker) Remaining() time.Duration {
	t.mu.Lock()
	st := t.stateLocked()
	t.mu.Unlock()
	return turn.Remaining(st, t.now())
}

// IsLeader reports whether this client is the advance-issuing actor: a
// gamemaster holding the lowest role-instance id among connected gamemasters.
func (t *TurnTracker) IsLeader() bool {
	if t.self.Role.Name != hierarchy.GamemasterRole {
		return false
	}
	lowest, ok := t.store.LowestGamemasterID()
	return ok && lowest == t.self.ID
}

// Start runs the once-per-second evaluation loop until ctx is done.
func (t *TurnTracker) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.Evaluate(ctx)
			}
		}
	}()
}

// Evaluate checks the automatic advance triggers once. Exported so the
// readiness handlers can re-check immediately instead of waiting a tick.
func (t *TurnTracker) Evaluate(ctx context.Context) {
	if !t.deadlinePassed() && !t.store.AllNonGamemastersReady() {
		return
	}
	t.tryAdvance(ctx)
}

func (t *TurnTracker) deadlinePassed() bool {
	t.mu.Lock()
	st := t.stateLocked()
	t.mu.Unlock()
	if st.FinishTime == nil {
		return false
	}
	return t.now().After(st.FinishTime.Add(skewTolerance))
}

// tryAdvance issues the compare-and-swap advance write if this client is the
// leader and has not already attempted this turn. A conflict means another
// actor advanced first; it is swallowed. Any other failure surfaces to this
// client only and leaves local state untouched.
func (t *TurnTracker) tryAdvance(ctx context.Context) {
	if !t.sender.Ready() || !t.IsLeader() {
		return
	}

	t.mu.Lock()
	expected := t.game.Turn
	if t.lastAttempt == expected {
		t.mu.Unlock()
		return
	}
	t.lastAttempt = expected
	joinCode := t.game.JoinCode
	t.mu.Unlock()

	finish := t.nextFinishTime()
	g, err := t.api.SetTurn(ctx, joinCode, expected+1, finish, &expected)
	if err != nil {
		if errors.Is(err, ErrTurnConflict) {
			t.log.Debug("advance lost race", zap.Int("expected_turn", expected))
			return
		}
		t.surfaceError(err)
		return
	}

	t.broadcastTurn(ctx, g)
}

// AdvanceTurn is the explicit "next turn" command, gamemaster only.
func (t *TurnTracker) AdvanceTurn(ctx context.Context) error {
	if t.self.Role.Name != hierarchy.GamemasterRole {
		return errors.New("only a gamemaster may advance the turn")
	}

	t.mu.Lock()
	expected := t.game.Turn
	t.lastAttempt = expected
	joinCode := t.game.JoinCode
	t.mu.Unlock()

	g, err := t.api.SetTurn(ctx, joinCode, expected+1, t.nextFinishTime(), &expected)
	if err != nil {
		if !errors.Is(err, ErrTurnConflict) {
			t.surfaceError(err)
		}
		return err
	}
	return t.broadcastTurn(ctx, g)
}

// SetTurn is the explicit turn override, gamemaster only, no CAS guard.
func (t *TurnTracker) SetTurn(ctx context.Context, turnNumber int, finish *int64) error {
	if t.self.Role.Name != hierarchy.GamemasterRole {
		return errors.New("only a gamemaster may set the turn")
	}

	t.mu.Lock()
	joinCode := t.game.JoinCode
	t.mu.Unlock()

	g, err := t.api.SetTurn(ctx, joinCode, turnNumber, finish, nil)
	if err != nil {
		t.surfaceError(err)
		return err
	}
	return t.broadcastTurn(ctx, g)
}

// SetFinishTime adjusts the deadline without touching turn or readiness;
// nil restores "no active deadline".
func (t *TurnTracker) SetFinishTime(ctx context.Context, finish *int64) error {
	if t.self.Role.Name != hierarchy.GamemasterRole {
		return errors.New("only a gamemaster may set the timer")
	}

	t.mu.Lock()
	joinCode := t.game.JoinCode
	t.mu.Unlock()

	g, err := t.api.SetTimer(ctx, joinCode, finish)
	if err != nil {
		t.surfaceError(err)
		return err
	}
	return t.sender.Send(ctx, protocol.TurnTimerFrame(g))
}

// ToggleReady flips this participant's ready flag on the server and
// rebroadcasts the updated role instance as a users/join so every roster
// converges.
func (t *TurnTracker) ToggleReady(ctx context.Context) error {
	current := false
	for _, ri := range t.store.Roster() {
		if ri.ID == t.self.ID {
			current = ri.Ready
			break
		}
	}

	updated, err := t.api.SetReady(ctx, t.self.ID, !current)
	if err != nil {
		t.surfaceError(err)
		return err
	}
	return t.sender.Send(ctx, protocol.JoinFrame(updated))
}

// broadcastTurn rebroadcasts the server-confirmed record verbatim. Local
// state updates when the relayed frame comes back around.
func (t *TurnTracker) broadcastTurn(ctx context.Context, g protocol.GameInstance) error {
	if err := t.sender.Send(ctx, protocol.TurnSetFrame(g)); err != nil {
		t.surfaceError(err)
		return err
	}
	return nil
}

func (t *TurnTracker) nextFinishTime() *int64 {
	if t.turnLength <= 0 {
		return nil
	}
	finish := t.now().Add(t.turnLength).Unix()
	return &finish
}

func (t *TurnTracker) surfaceError(err error) {
	t.mu.Lock()
	observers := append([]func(error){}, t.onError...)
	t.mu.Unlock()
	t.log.Warn("authoritative write failed", zap.Error(err))
	for _, fn := range observers {
		fn(err)
	}
}
