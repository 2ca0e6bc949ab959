// Package api exposes the HTTP surface: account and profile routes backed by
// the core, session management backed by the hub, and the stream upgrade.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/yap-chat/yap/internal/message"
	"github.com/yap-chat/yap/internal/shutdown"
	"github.com/yap-chat/yap/internal/store"
)

// Backend executes business requests. *core.Asker satisfies it.
type Backend interface {
	Login(ctx context.Context, email, passwordHash string) (message.UserID, error)
	Register(ctx context.Context, email, passwordHash, pubkey string) (message.UserID, error)
	UserData(ctx context.Context, lookup message.UserID, asker *message.UserID) (store.PublicProfile, error)
	Unread(ctx context.Context, sender, recipient message.UserID) ([]message.PersistedMessage, error)
	SendDirect(ctx context.Context, from, to message.UserID, content string) (message.PersistedMessage, error)
	SendGroup(ctx context.Context, from message.UserID, group message.GroupID, content string) (message.GroupMessageID, error)
	AddFriend(ctx context.Context, user, friend message.UserID) error
	SetVisibility(ctx context.Context, user message.UserID, v store.Visibility) error
}

// Sessions tracks login tokens and live streams. *hub.Hub satisfies it.
type Sessions interface {
	RegisterToken(ctx context.Context, user message.UserID, token message.LoginToken) error
	ClearSession(ctx context.Context, user message.UserID) error
	LookupToken(token message.LoginToken) (message.UserID, bool)
	ClientCount() int
	ServeWS(w http.ResponseWriter, r *http.Request)
}

type Config struct {
	Addr            string
	EnableRegister  bool
	AskTimeout      time.Duration
	ShutdownTimeout time.Duration
}

// Server is the HTTP front end.
type Server struct {
	cfg      Config
	backend  Backend
	sessions Sessions
	log      *zap.SugaredLogger
	router   chi.Router

	// phase is set by Serve; health reports Running without it.
	phase func() shutdown.Phase
}

// NewServer wires the routes.
func NewServer(cfg Config, backend Backend, sessions Sessions, log *zap.Logger) *Server {
	if cfg.AskTimeout <= 0 {
		cfg.AskTimeout = 5 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	s := &Server{
		cfg:      cfg,
		backend:  backend,
		sessions: sessions,
		log:      log.Sugar().Named("api"),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)

	r.Post("/login", s.login)
	r.Post("/register", s.register)
	r.Get("/users/{uid}", s.userData)
	r.Get("/users/{uid}/keys", s.userKeys)
	r.Get("/health", s.health)
	r.Get("/ws", sessions.ServeWS)

	r.Group(func(r chi.Router) {
		r.Use(s.requireUser)
		r.Get("/users/{uid}/unread", s.unread)
		r.Put("/users/me/visibility", s.setVisibility)
		r.Post("/messages", s.postMessage)
		r.Post("/groups/{gid}/messages", s.postGroupMessage)
		r.Post("/friends/{uid}", s.addFriend)
		r.Post("/logout", s.logout)
	})

	s.router = r
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler { return s.router }

// Run listens on the configured address and serves until sig halts.
func (s *Server) Run(sig shutdown.Signal) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln, sig)
}

// Serve serves on ln. Requests keep being served while draining; Halted
// shuts the server down gracefully. Upgraded streams are owned by the hub
// and are not waited for.
func (s *Server) Serve(ln net.Listener, sig shutdown.Signal) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.phase = sig.Phase
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	s.log.Infow("http listening", "addr", ln.Addr().String())

	draining := sig.Draining()
	for {
		select {
		case err := <-errc:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err

		case <-draining:
			s.log.Infow("http draining")
			draining = nil

		case <-sig.Halted():
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
			defer cancel()
			err := srv.Shutdown(ctx)
			<-errc
			s.log.Infow("http stopped")
			return err
		}
	}
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debugw("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
