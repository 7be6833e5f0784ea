package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/hexforge/wargame-backend/pkg/hierarchy"
	"github.com/hexforge/wargame-backend/pkg/protocol"
)

// ErrTurnConflict mirrors the server's 409 on a stale compare-and-swap turn
// write: another actor advanced first and this attempt is a harmless no-op.
var ErrTurnConflict = errors.New("turn conflict")

// Catalog is the static team/role data the permission resolver runs against.
type Catalog struct {
	Teams []hierarchy.Team
	Roles []hierarchy.Role
}

// API is the thin client for the authoritative REST writes. Catalog data is
// cached per join code and invalidated explicitly on turn set or session
// exit, replacing ad hoc process-wide caching.
type API struct {
	base string
	hc   *http.Client

	mu       sync.Mutex
	catalogs map[string]Catalog
}

func NewAPI(baseURL string, hc *http.Client) *API {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &API{
		base:     strings.TrimRight(baseURL, "/"),
		hc:       hc,
		catalogs: make(map[string]Catalog),
	}
}

// SetReady toggles this role instance's ready flag on the server and returns
// the updated record for rebroadcast.
func (a *API) SetReady(ctx context.Context, roleInstanceID uint, ready bool) (protocol.RoleInstance, error) {
	var out protocol.RoleInstance
	path := fmt.Sprintf("/role-instances/%d/ready", roleInstanceID)
	err := a.patch(ctx, path, map[string]any{"ready": ready}, &out)
	return out, err
}

// SetTurn writes turn and deadline. A non-nil expectedTurn makes the write a
// compare-and-swap; a stale expectation returns ErrTurnConflict.
func (a *API) SetTurn(ctx context.Context, joinCode string, turnNumber int, finish *int64, expectedTurn *int) (protocol.GameInstance, error) {
	var out protocol.GameInstance
	body := map[string]any{"turn": turnNumber, "turn_finish_time": finish}
	if expectedTurn != nil {
		body["expected_turn"] = *expectedTurn
	}
	err := a.patch(ctx, "/game-instances/"+joinCode+"/set-turn", body, &out)
	return out, err
}

// SetTimer adjusts the deadline only; nil clears it.
func (a *API) SetTimer(ctx context.Context, joinCode string, finish *int64) (protocol.GameInstance, error) {
	var out protocol.GameInstance
	err := a.patch(ctx, "/game-instances/"+joinCode+"/set-timer", map[string]any{"turn_finish_time": finish}, &out)
	return out, err
}

// FetchCatalog returns the team/role catalog for the session, from cache
// when possible.
func (a *API) FetchCatalog(ctx context.Context, joinCode string) (Catalog, error) {
	a.mu.Lock()
	if c, ok := a.catalogs[joinCode]; ok {
		a.mu.Unlock()
		return c, nil
	}
	a.mu.Unlock()

	var body struct {
		Teams []protocol.Team `json:"teams"`
		Roles []protocol.Role `json:"roles"`
	}
	if err := a.get(ctx, "/game-instances/"+joinCode+"/catalog", &body); err != nil {
		return Catalog{}, err
	}

	c := Catalog{
		Teams: make([]hierarchy.Team, 0, len(body.Teams)),
		Roles: make([]hierarchy.Role, 0, len(body.Roles)),
	}
	for _, t := range body.Teams {
		c.Teams = append(c.Teams, hierarchy.Team{ID: t.ID, Name: t.Name})
	}
	for _, r := range body.Roles {
		c.Roles = append(c.Roles, roleToHierarchy(r))
	}

	a.mu.Lock()
	a.catalogs[joinCode] = c
	a.mu.Unlock()
	return c, nil
}

// InvalidateCatalog drops the cached catalog for the join code.
func (a *API) InvalidateCatalog(joinCode string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.catalogs, joinCode)
}

func roleToHierarchy(r protocol.Role) hierarchy.Role {
	return hierarchy.Role{
		ID:              r.ID,
		Name:            r.Name,
		Branch:          r.Branch,
		IsCommander:     r.IsCommander,
		IsViceCommander: r.IsViceCommander,
		IsChiefOfStaff:  r.IsChiefOfStaff,
		IsOperations:    r.IsOperations,
		IsLogistics:     r.IsLogistics,
	}
}

func (a *API) patch(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, a.base+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return a.do(req, out)
}

func (a *API) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.base+path, nil)
	if err != nil {
		return err
	}
	return a.do(req, out)
}

func (a *API) do(req *http.Request, out any) error {
	resp, err := a.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return ErrTurnConflict
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: %d %s", req.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
