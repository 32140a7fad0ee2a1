package api

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/mkobayashi/go-chatapp/internal/config"
	"github.com/mkobayashi/go-chatapp/internal/database"
	"github.com/mkobayashi/go-chatapp/internal/server"
)

type ChatApp struct {
	log            *log.Logger
	db             database.ChatRepository
	mux            *http.Server
	cs             *server.ChatServer
	signingKey     []byte
	allowedOrigins []string
}

func NewChatApp(mux *http.ServeMux, logger *log.Logger, cs *server.ChatServer, db database.ChatRepository, cfg *config.Config) *ChatApp {
	s := &ChatApp{
		log:            logger,
		db:             db,
		cs:             cs,
		signingKey:     cfg.SigningKey,
		allowedOrigins: cfg.AllowedOrigins,
	}

	mux.HandleFunc("POST /api/register", s.register)
	mux.HandleFunc("POST /api/login", s.login)
	mux.HandleFunc("POST /api/logout", s.logout)
	mux.Handle("GET /api/me", s.authMiddleware(s.getProfile))
	mux.Handle("PUT /api/me", s.authMiddleware(s.updateProfile))
	mux.Handle("GET /api/rooms", s.authMiddleware(s.getRooms))
	mux.Handle("GET /api/rooms/{roomId}/messages", s.authMiddleware(s.getRoomMessages))
	mux.Handle("GET /api/users/online", s.authMiddleware(s.getOnlineUsers))
	mux.Handle("GET /api/users/search", s.authMiddleware(s.searchUsers))
	mux.Handle("GET /api/dm/conversations", s.authMiddleware(s.getConversations))
	mux.Handle("POST /api/dm/conversations", s.authMiddleware(s.createConversation))
	mux.Handle("GET /api/dm/conversations/{convId}/messages", s.authMiddleware(s.getConversationMessages))
	mux.Handle("GET /api/admin/users", s.adminMiddleware(s.adminListUsers))
	mux.Handle("PUT /api/admin/users/{id}", s.adminMiddleware(s.adminUpdateUser))
	mux.Handle("DELETE /api/admin/users/{id}", s.adminMiddleware(s.adminDeleteUser))
	mux.Handle("GET /ws", s.authMiddleware(s.serveWs))

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

func (s *ChatApp) Start() error {
	s.log.Printf("starting server on %s\n", s.mux.Addr)
	return s.mux.ListenAndServe()
}

func (s *ChatApp) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.mux.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
