// Package devserver is a development backend that speaks the auth, resource
// and realtime interfaces the client expects, so the client can be run and
// tested end to end without the production API.
package devserver

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/launchpad/launchpad/internal/config"
	"github.com/launchpad/launchpad/internal/middleware"
	"github.com/launchpad/launchpad/internal/models"
	"github.com/sirupsen/logrus"
)

type Server struct {
	users *UserRepository
	otp   *OTPService
	jwt   *JWTService
	auth  *AuthHandlers
	posts *PostHandlers
	hub   *Hub

	logger *logrus.Logger
}

// New assembles the dev server. refreshTokens defaults to an in-memory store
// when nil.
func New(cfg *config.DevServerConfig, refreshTokens RefreshTokenStore, logger *logrus.Logger) (*Server, error) {
	jwtService, err := NewJWTService(cfg, logger)
	if err != nil {
		return nil, err
	}
	if refreshTokens == nil {
		refreshTokens = NewMemoryRefreshTokenStore()
	}

	users := NewUserRepository()
	otp := NewOTPService(cfg, logger)
	hub := NewHub(jwtService, users, logger)

	return &Server{
		users:  users,
		otp:    otp,
		jwt:    jwtService,
		auth:   NewAuthHandlers(otp, jwtService, refreshTokens, users, logger),
		posts:  NewPostHandlers(hub, users),
		hub:    hub,
		logger: logger,
	}, nil
}

func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()

	router.Use(middleware.CORSMiddleware)
	router.Use(middleware.LoggingMiddleware(s.logger))

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}).Methods("GET", "OPTIONS")

	router.HandleFunc("/socket", s.hub.ServeWS).Methods("GET")

	api := router.PathPrefix("/api/v1").Subrouter()

	auth := api.PathPrefix("/auth").Subrouter()
	auth.HandleFunc("/login", s.auth.Login).Methods("POST", "OPTIONS")
	auth.HandleFunc("/register", s.auth.Register).Methods("POST", "OPTIONS")
	auth.HandleFunc("/verify-otp", s.auth.VerifyOTP).Methods("POST", "OPTIONS")
	auth.HandleFunc("/resend-otp", s.auth.ResendOTP).Methods("POST", "OPTIONS")
	auth.HandleFunc("/refresh-token", s.auth.RefreshToken).Methods("POST", "OPTIONS")

	authMiddleware := middleware.NewAuthMiddleware(s.jwt, s.logger)

	protected := api.PathPrefix("/").Subrouter()
	protected.Use(authMiddleware.RequireAuth)
	protected.HandleFunc("/auth/logout", s.auth.Logout).Methods("POST", "OPTIONS")
	protected.HandleFunc("/users/me", s.auth.Me).Methods("GET")
	protected.HandleFunc("/users", s.posts.Users).Methods("GET")
	protected.HandleFunc("/posts", s.posts.List).Methods("GET")
	protected.HandleFunc("/posts", s.posts.Create).Methods("POST")
	protected.HandleFunc("/posts/{id}/comments", s.posts.AddComment).Methods("POST")

	return router
}

// AddUser seeds a verified account.
func (s *Server) AddUser(name, email, password string) (*models.User, error) {
	return s.users.Create(name, email, password, "", true)
}

// ExpireAccessTokens makes every access token issued so far fail with 401.
func (s *Server) ExpireAccessTokens() {
	s.jwt.ExpireAccessTokens()
	s.logger.Info("All access tokens expired")
}

// RefreshCount is the number of refresh-token exchanges received.
func (s *Server) RefreshCount() int64 {
	return s.auth.refreshCount.Load()
}

// SetRefreshFailure makes the refresh endpoint answer with status. Zero
// restores normal behaviour.
func (s *Server) SetRefreshFailure(status int) {
	s.auth.refreshFailure.Store(int32(status))
}

// OTP returns the outstanding verification code for email.
func (s *Server) OTP(email string) (string, bool) {
	return s.otp.Peek(normalizeEmail(email))
}

func (s *Server) Hub() *Hub {
	return s.hub
}
