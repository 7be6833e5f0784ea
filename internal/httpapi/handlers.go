package httpapi

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hexforge/wargame-backend/internal/hub"
	"github.com/hexforge/wargame-backend/internal/session"
	"github.com/hexforge/wargame-backend/internal/store"
	"github.com/hexforge/wargame-backend/internal/turn"
	"github.com/hexforge/wargame-backend/pkg/protocol"
)

type api struct {
	hub   *hub.Hub
	store *store.Store
	log   *zap.Logger
}

func GenerateCode() (string, error) {
	const charset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	code := make([]byte, 6)
	for i := 0; i < 6; i++ {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		if err != nil {
			return "", err
		}
		code[i] = charset[num.Int64()]
	}
	return string(code), nil
}

func (a *api) CreateGame(w http.ResponseWriter, r *http.Request) {
	var code string
	for {
		c, err := GenerateCode()
		if err != nil {
			http.Error(w, "failed to generate code", http.StatusInternalServerError)
			return
		}
		if _, err := a.store.GameByCode(c); errors.Is(err, store.ErrNotFound) {
			code = c
			break
		}
		a.log.Debug("collision on join code, regenerating", zap.String("code", c))
	}

	g, err := a.store.CreateGame(code, 1)
	if err != nil {
		http.Error(w, "failed to create game", http.StatusInternalServerError)
		return
	}

	reply := make(chan *session.Session, 1)
	a.hub.Inbox() <- hub.EnsureSession{Code: code, Reply: reply}
	<-reply

	writeJSON(w, http.StatusCreated, g.Wire())
}

func (a *api) GetGame(w http.ResponseWriter, r *http.Request) {
	g, err := a.store.GameByCode(chi.URLParam(r, "joinCode"))
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g.Wire())
}

// DeleteGame destroys the session: every connected client receives
// games/delete and must clear local state and exit.
func (a *api) DeleteGame(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "joinCode")
	if err := a.store.DeleteGame(code); err != nil {
		a.writeStoreError(w, err)
		return
	}

	reply := make(chan *session.Session, 1)
	a.hub.Inbox() <- hub.GetSession{Code: code, Reply: reply}
	if sess := <-reply; sess != nil {
		sess.Inbox() <- session.Broadcast{Frame: protocol.GameDeleteFrame()}
		a.hub.Inbox() <- hub.RemoveSession{Code: code}
	}

	w.WriteHeader(http.StatusNoContent)
}

func (a *api) Catalog(w http.ResponseWriter, r *http.Request) {
	if _, err := a.store.GameByCode(chi.URLParam(r, "joinCode")); err != nil {
		a.writeStoreError(w, err)
		return
	}
	teams, roles, err := a.store.Catalog()
	if err != nil {
		a.writeStoreError(w, err)
		return
	}

	type catalog struct {
		Teams []protocol.Team `json:"teams"`
		Roles []protocol.Role `json:"roles"`
	}
	out := catalog{Teams: make([]protocol.Team, 0, len(teams)), Roles: make([]protocol.Role, 0, len(roles))}
	for _, t := range teams {
		out.Teams = append(out.Teams, protocol.Team{ID: t.ID, Name: t.Name})
	}
	for _, role := range roles {
		out.Roles = append(out.Roles, role.Wire())
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *api) CreateRoleInstance(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		TeamName string `json:"team_name"`
		RoleName string `json:"role_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}
	if body.Username == "" || body.TeamName == "" || body.RoleName == "" {
		http.Error(w, "username, team_name and role_name are required", http.StatusBadRequest)
		return
	}

	ri, err := a.store.CreateRoleInstance(chi.URLParam(r, "joinCode"), body.Username, body.TeamName, body.RoleName)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ri.Wire())
}

// SetTurn is the authoritative turn write. With expected_turn present it is a
// compare-and-swap: a stale expectation returns 409 and changes nothing, so
// concurrent advance attempts collapse to one increment. The caller
// rebroadcasts the returned record over the socket.
func (a *api) SetTurn(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Turn           int    `json:"turn"`
		TurnFinishTime *int64 `json:"turn_finish_time"`
		ExpectedTurn   *int   `json:"expected_turn"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}

	g, err := a.store.SetTurn(chi.URLParam(r, "joinCode"), body.Turn, body.TurnFinishTime, body.ExpectedTurn)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g.Wire())
}

func (a *api) SetTimer(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TurnFinishTime *int64 `json:"turn_finish_time"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}

	g, err := a.store.SetTimer(chi.URLParam(r, "joinCode"), body.TurnFinishTime)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g.Wire())
}

func (a *api) SetReady(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid role instance id", http.StatusBadRequest)
		return
	}
	var body struct {
		Ready bool `json:"ready"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}

	ri, err := a.store.SetReady(uint(id), body.Ready)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ri.Wire())
}

// DeleteRoleInstance removes a binding (by the player or a gamemaster) and
// notifies the session so the affected client force-exits.
func (a *api) DeleteRoleInstance(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid role instance id", http.StatusBadRequest)
		return
	}

	ri, err := a.store.RoleInstanceByID(uint(id))
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	code := ri.TeamInstance.GameInstance.JoinCode

	if err := a.store.DeleteRoleInstance(uint(id)); err != nil {
		a.writeStoreError(w, err)
		return
	}

	reply := make(chan *session.Session, 1)
	a.hub.Inbox() <- hub.GetSession{Code: code, Reply: reply}
	if sess := <-reply; sess != nil {
		sess.Inbox() <- session.Broadcast{Frame: protocol.RoleInstanceDeleteFrame(uint(id))}
	}

	w.WriteHeader(http.StatusNoContent)
}

func (a *api) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, turn.ErrTurnConflict):
		http.Error(w, "turn conflict", http.StatusConflict)
	case errors.Is(err, turn.ErrInvalidTurn):
		http.Error(w, "invalid turn", http.StatusBadRequest)
	default:
		a.log.Error("store operation failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
