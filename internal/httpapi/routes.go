package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hexforge/wargame-backend/internal/hub"
	"github.com/hexforge/wargame-backend/internal/store"
	"github.com/hexforge/wargame-backend/internal/ws"
)

func SetupRoutes(h *hub.Hub, st *store.Store, log *zap.Logger) http.Handler {
	r := chi.NewRouter()

	api := &api{hub: h, store: st, log: log}

	r.Get("/healthz", Healthz)
	r.Get("/ws", ws.Handler(h, st, log))

	r.Post("/game-instances", api.CreateGame)
	r.Route("/game-instances/{joinCode}", func(r chi.Router) {
		r.Get("/", api.GetGame)
		r.Delete("/", api.DeleteGame)
		r.Get("/catalog", api.Catalog)
		r.Post("/role-instances", api.CreateRoleInstance)
		r.Patch("/set-turn", api.SetTurn)
		r.Patch("/set-timer", api.SetTimer)
	})
	r.Patch("/role-instances/{id}/ready", api.SetReady)
	r.Delete("/role-instances/{id}", api.DeleteRoleInstance)

	return r
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}
