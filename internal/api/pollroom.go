package api

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/go-pollroom/internal/config"
	"github.com/npezzotti/go-pollroom/internal/database"
	"github.com/npezzotti/go-pollroom/internal/server"
	"github.com/npezzotti/go-pollroom/internal/stats"
)

type PollApp struct {
	log            *log.Logger
	db             database.PollRepository
	mux            *http.Server
	ps             *server.PollServer
	notifier       server.Notifier
	gate           *server.PublicationGate
	authenticator  server.Authenticator
	stats          stats.StatsProvider
	signingKey     []byte
	allowedOrigins []string
}

func NewPollApp(mux *http.ServeMux, logger *log.Logger, ps *server.PollServer, notifier server.Notifier,
	db database.PollRepository, statsProvider stats.StatsProvider, cfg *config.Config) *PollApp {
	s := &PollApp{
		log:            logger,
		db:             db,
		ps:             ps,
		notifier:       notifier,
		gate:           server.NewPublicationGate(db),
		authenticator:  NewTokenAuthenticator(db, cfg.SigningKey),
		stats:          statsProvider,
		signingKey:     cfg.SigningKey,
		allowedOrigins: cfg.AllowedOrigins,
	}

	mux.HandleFunc("POST /api/auth/register", s.createAccount)
	mux.HandleFunc("POST /api/auth/login", s.login)
	mux.HandleFunc("GET /api/auth/session", s.authMiddleware(s.session))
	mux.Handle("GET /api/auth/logout", s.authMiddleware(s.logout))
	mux.Handle("/api/account", s.authMiddleware(s.account))
	mux.Handle("POST /api/polls", s.authMiddleware(s.createPoll))
	mux.Handle("GET /api/polls", s.authMiddleware(s.getPolls))
	mux.Handle("POST /api/polls/publish", s.authMiddleware(s.publishPoll))
	mux.Handle("DELETE /api/polls", s.authMiddleware(s.deletePoll))
	mux.Handle("POST /api/votes", s.authMiddleware(s.castVote))
	mux.HandleFunc("GET /ws", s.serveWs)

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
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

func (s *PollApp) Start() error {
	s.log.Printf("starting server on %s\n", s.mux.Addr)
	return s.mux.ListenAndServe()
}

func (s *PollApp) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.mux.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
