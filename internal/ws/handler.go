package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hexforge/wargame-backend/internal/hub"
	"github.com/hexforge/wargame-backend/internal/session"
	"github.com/hexforge/wargame-backend/internal/store"
	"github.com/hexforge/wargame-backend/pkg/protocol"
)

// Handler accepts one websocket per (join code, role instance) and bridges it
// into the session actor.
func Handler(h *hub.Hub, st *store.Store, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code := r.URL.Query().Get("code")
		if code == "" {
			http.Error(w, "missing code", http.StatusBadRequest)
			return
		}
		riID, err := strconv.ParseUint(r.URL.Query().Get("role_instance"), 10, 64)
		if err != nil {
			http.Error(w, "missing or invalid role_instance", http.StatusBadRequest)
			return
		}

		ri, err := st.RoleInstanceByID(uint(riID))
		if err != nil {
			http.Error(w, "role instance not found", http.StatusNotFound)
			return
		}
		if ri.TeamInstance.GameInstance.JoinCode != code {
			http.Error(w, "role instance does not belong to this game", http.StatusForbidden)
			return
		}

		// Fetched fresh here rather than reusing the preload: this record
		// seeds the client's turn mirror, so it must be current.
		game, err := st.GameByCode(code)
		if err != nil {
			http.Error(w, "game not found", http.StatusNotFound)
			return
		}

		reply := make(chan *session.Session, 1)
		h.Inbox() <- hub.EnsureSession{Code: code, Reply: reply}
		sess := <-reply

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		out := make(chan protocol.Frame, 32)
		clientID := uuid.NewString()

		sess.Inbox() <- session.Join{ClientID: clientID, Outbox: out, Game: game.Wire()}
		defer func() { sess.Inbox() <- session.Leave{ClientID: clientID} }()

		// Writer goroutine
		writeCtx, writeCancel := context.WithCancel(r.Context())
		defer writeCancel()
		go func() {
			for f := range out {
				payload, _ := json.Marshal(f)
				ctx, cancel := context.WithTimeout(writeCtx, 3*time.Second)
				err := conn.Write(ctx, websocket.MessageText, payload)
				cancel()
				if err != nil {
					return
				}
			}
			// Session closed the outbox (slow client or shutdown).
			conn.Close(websocket.StatusGoingAway, "session closed")
		}()

		// Reader loop
		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
					return
				}
				return
			}

			var f protocol.Frame
			if err := json.Unmarshal(data, &f); err != nil {
				log.Warn("dropping unparseable frame",
					zap.String("client", clientID),
					zap.Error(err))
				continue
			}

			sess.Inbox() <- session.FromClient{ClientID: clientID, Frame: f}
		}
	}
}
