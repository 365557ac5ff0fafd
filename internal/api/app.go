package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/pairchat/internal/auth"
	"github.com/npezzotti/pairchat/internal/config"
	"github.com/npezzotti/pairchat/internal/presence"
	"github.com/npezzotti/pairchat/internal/server"
	"github.com/npezzotti/pairchat/internal/types"
	"go.uber.org/zap"
)

// Store is the read side of the relay's message store.
type Store interface {
	ListRooms(userId string) []types.ChatRoom
	ListMessages(roomId string) []types.Message
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type RelayApp struct {
	log            *zap.SugaredLogger
	srv            *http.Server
	cs             *server.ChatServer
	store          Store
	presence       presence.Tracker
	db             Pinger
	signer         *auth.Signer
	allowedOrigins []string
}

// NewRelayApp mounts the relay routes on mux. db may be nil when the relay
// runs without a database.
func NewRelayApp(mux *http.ServeMux, logger *zap.SugaredLogger, cs *server.ChatServer, st Store, tracker presence.Tracker, db Pinger, cfg *config.RelayConfig) *RelayApp {
	s := &RelayApp{
		log:            logger,
		cs:             cs,
		store:          st,
		presence:       tracker,
		db:             db,
		signer:         auth.NewSigner(cfg.SigningKey, auth.DefaultExpiry),
		allowedOrigins: cfg.AllowedOrigins,
	}

	mux.HandleFunc("GET /healthz", s.healthCheck)
	mux.Handle("GET /api/rooms", s.authMiddleware(s.getRooms))
	mux.Handle("GET /api/messages", s.authMiddleware(s.getMessages))
	mux.Handle("GET /api/presence", s.authMiddleware(s.getPresence))
	mux.Handle("GET /ws", s.authMiddleware(s.serveWs))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)

	s.srv = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	return s
}

func (s *RelayApp) Handler() http.Handler {
	return s.srv.Handler
}

func (s *RelayApp) Start() error {
	s.log.Infof("starting relay on %s", s.srv.Addr)
	return s.srv.ListenAndServe()
}

func (s *RelayApp) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down HTTP server...")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
