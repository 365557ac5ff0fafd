package api

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/pairchat/internal/server"
	"github.com/npezzotti/pairchat/internal/types"
)

const statusTimeout = 2 * time.Second

func (s *RelayApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Errorf("json encode: %v", err)
	}
}

func (s *RelayApp) healthCheck(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		if err := s.db.Ping(r.Context()); err != nil {
			s.log.Errorf("health check: %v", err)
			s.writeError(w, NewServiceUnavailableError(err))
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *RelayApp) getRooms(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	s.writeJson(w, http.StatusOK, s.store.ListRooms(userId))
}

// getMessages returns the conversation with the peer query parameter, oldest
// first. limit keeps only the newest messages.
func (s *RelayApp) getMessages(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	peer := r.URL.Query().Get("peer")
	if peer == "" || peer == userId {
		s.writeError(w, NewBadRequestError("peer must name another user"))
		return
	}

	var limit int
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		var err error
		limit, err = strconv.Atoi(limitStr)
		if err != nil || limit < 0 {
			s.writeError(w, NewBadRequestError("limit must be a non-negative integer"))
			return
		}
	}

	messages := s.store.ListMessages(types.RoomID(userId, peer))
	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}

	s.writeJson(w, http.StatusOK, messages)
}

func (s *RelayApp) getPresence(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("user_id")
	if target == "" {
		s.writeError(w, NewBadRequestError("user_id is required"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), statusTimeout)
	defer cancel()

	st, err := s.presence.Status(ctx, target)
	if err != nil {
		s.log.Errorf("presence status %q: %v", target, err)
		s.writeError(w, NewInternalServerError(err))
		return
	}

	s.writeJson(w, http.StatusOK, st)
}

func (s *RelayApp) serveWs(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("error upgrading connection: %v", err)
		return
	}

	client := server.NewClient(userId, conn, s.cs, s.log)

	s.cs.RegisterClient(client)
	go client.Write()
	go client.Read()
}
