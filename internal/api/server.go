package api

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/sparknet-dev/sparknet/internal/config"
	"github.com/sparknet-dev/sparknet/internal/database"
	"github.com/sparknet-dev/sparknet/internal/security"
	"github.com/sparknet-dev/sparknet/internal/server"
)

type SparknetApp struct {
	log            *log.Logger
	db             database.ChatRepository
	codec          *security.Codec
	presence       server.PresenceTracker
	cs             *server.ChatServer
	mux            *http.Server
	signingKey     []byte
	allowedOrigins []string
}

func NewSparknetApp(mux *http.ServeMux, logger *log.Logger, cs *server.ChatServer, db database.ChatRepository,
	codec *security.Codec, presence server.PresenceTracker, cfg *config.Config) *SparknetApp {
	s := &SparknetApp{
		log:            logger,
		db:             db,
		codec:          codec,
		presence:       presence,
		cs:             cs,
		signingKey:     cfg.SigningKey,
		allowedOrigins: cfg.AllowedOrigins,
	}

	mux.HandleFunc("GET /healthz", s.healthCheck)
	mux.HandleFunc("POST /api/auth/login", s.login)
	mux.Handle("GET /api/auth/logout", s.authMiddleware(s.logout))
	mux.Handle("GET /api/chats", s.authMiddleware(s.getChats))
	mux.Handle("GET /api/chats/{username}/messages", s.authMiddleware(s.getChatMessages))
	// identity binds on the first join event, not at upgrade time
	mux.HandleFunc("GET /ws", s.serveWs)

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)

	srv := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	s.mux = srv
	return s
}

func (s *SparknetApp) Start() error {
	s.log.Printf("starting server on %s\n", s.mux.Addr)
	return s.mux.ListenAndServe()
}

func (s *SparknetApp) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.mux.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
