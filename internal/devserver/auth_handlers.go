package devserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/launchpad/launchpad/internal/middleware"
	"github.com/launchpad/launchpad/internal/models"
	"github.com/sirupsen/logrus"
)

type AuthHandlers struct {
	otpService    *OTPService
	jwtService    *JWTService
	refreshTokens RefreshTokenStore
	userRepo      *UserRepository
	logger        *logrus.Logger

	refreshCount   atomic.Int64
	refreshFailure atomic.Int32
}

func NewAuthHandlers(
	otpService *OTPService,
	jwtService *JWTService,
	refreshTokens RefreshTokenStore,
	userRepo *UserRepository,
	logger *logrus.Logger,
) *AuthHandlers {
	return &AuthHandlers{
		otpService:    otpService,
		jwtService:    jwtService,
		refreshTokens: refreshTokens,
		userRepo:      userRepo,
		logger:        logger,
	}
}

func (h *AuthHandlers) Login(w http.ResponseWriter, r *http.Request) {
	var req models.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	user, err := h.userRepo.Authenticate(req.Email, req.Password)
	switch {
	case errors.Is(err, ErrUserNotVerified):
		respondWithError(w, http.StatusForbidden, "Please verify your email before logging in")
		return
	case err != nil:
		respondWithError(w, http.StatusUnauthorized, "Invalid email or password")
		return
	}

	h.issueSession(w, r, user, http.StatusOK, "Login successful")
}

func (h *AuthHandlers) Register(w http.ResponseWriter, r *http.Request) {
	var req models.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		respondWithError(w, http.StatusBadRequest, "Name is required")
		return
	}

	user, err := h.userRepo.Create(strings.TrimSpace(req.Name), req.Email, req.Password, "", false)
	switch {
	case errors.Is(err, ErrUserExists):
		respondWithError(w, http.StatusConflict, "User already exists")
		return
	case err != nil:
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	if _, err := h.otpService.GenerateOTP(user.Email); err != nil {
		h.logger.WithError(err).Error("Failed to generate OTP")
		respondWithError(w, http.StatusInternalServerError, "Failed to generate OTP")
		return
	}

	respondWithJSON(w, http.StatusCreated, models.AuthResponse{
		Success: true,
		Message: "Registration successful. Please verify your email",
		Data:    models.AuthData{User: user},
	})
}

func (h *AuthHandlers) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req models.VerifyOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	email := normalizeEmail(req.Email)
	otp := strings.TrimSpace(req.OTP)
	if len(otp) < 4 || len(otp) > 8 {
		respondWithError(w, http.StatusBadRequest, "Invalid OTP format")
		return
	}

	if err := h.otpService.VerifyOTP(email, otp); err != nil {
		respondWithError(w, http.StatusUnauthorized, "Invalid or expired OTP")
		return
	}

	user, err := h.userRepo.MarkVerified(email)
	if err != nil {
		respondWithError(w, http.StatusNotFound, "User not found")
		return
	}

	h.issueSession(w, r, user, http.StatusOK, "Email verified successfully")
}

func (h *AuthHandlers) ResendOTP(w http.ResponseWriter, r *http.Request) {
	var req models.ResendOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	user, err := h.userRepo.GetByEmail(req.Email)
	if err != nil {
		respondWithError(w, http.StatusNotFound, "User not found")
		return
	}
	if user.IsVerified {
		respondWithError(w, http.StatusBadRequest, "Account is already verified")
		return
	}

	if _, err := h.otpService.GenerateOTP(user.Email); err != nil {
		h.logger.WithError(err).Error("Failed to generate OTP")
		respondWithError(w, http.StatusInternalServerError, "Failed to generate OTP")
		return
	}

	respondWithJSON(w, http.StatusOK, models.ErrorResponse{
		Success: true,
		Message: "OTP sent successfully",
	})
}

// RefreshToken rotates the pair: the presented refresh token is revoked and
// a new pair is issued.
func (h *AuthHandlers) RefreshToken(w http.ResponseWriter, r *http.Request) {
	h.refreshCount.Add(1)

	if status := h.refreshFailure.Load(); status != 0 {
		respondWithError(w, int(status), "Refresh token rejected")
		return
	}

	var req models.RefreshTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.RefreshToken == "" {
		respondWithError(w, http.StatusBadRequest, "Refresh token is required")
		return
	}

	claims, err := h.jwtService.VerifyToken(req.RefreshToken)
	if err != nil {
		respondWithError(w, http.StatusUnauthorized, "Invalid refresh token")
		return
	}
	if claims.Type != tokenTypeRefresh {
		respondWithError(w, http.StatusUnauthorized, "Token is not a refresh token")
		return
	}

	tokenData, err := h.refreshTokens.Get(r.Context(), claims.ID)
	if err != nil || tokenData.Revoked {
		respondWithError(w, http.StatusUnauthorized, "Refresh token has been revoked")
		return
	}
	if err := h.refreshTokens.Revoke(r.Context(), claims.ID); err != nil {
		h.logger.WithError(err).Warn("Failed to revoke rotated refresh token")
	}

	user, err := h.userRepo.GetByID(claims.UserID)
	if err != nil {
		respondWithError(w, http.StatusUnauthorized, "User no longer exists")
		return
	}

	pair, ok := h.generateTokens(w, r, user)
	if !ok {
		return
	}

	h.logger.WithField("user_id", user.ID).Info("Refresh token rotated")
	respondWithJSON(w, http.StatusOK, models.RefreshTokenResponse{
		Success:      true,
		Message:      "Token refreshed successfully",
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
	})
}

func (h *AuthHandlers) Logout(w http.ResponseWriter, r *http.Request) {
	if _, ok := middleware.PrincipalFrom(r.Context()); !ok {
		respondWithError(w, http.StatusUnauthorized, "Invalid token")
		return
	}

	var req models.RefreshTokenRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	if req.RefreshToken != "" {
		refreshClaims, err := h.jwtService.VerifyToken(req.RefreshToken)
		if err == nil && refreshClaims.Type == tokenTypeRefresh {
			_ = h.refreshTokens.Revoke(r.Context(), refreshClaims.ID)
		}
	}

	respondWithJSON(w, http.StatusOK, models.ErrorResponse{
		Success: true,
		Message: "Logged out successfully",
	})
}

func (h *AuthHandlers) Me(w http.ResponseWriter, r *http.Request) {
	principal, _ := middleware.PrincipalFrom(r.Context())
	user, err := h.userRepo.GetByID(principal.UserID)
	if err != nil {
		respondWithError(w, http.StatusNotFound, "User not found")
		return
	}
	respondWithJSON(w, http.StatusOK, models.AuthResponse{
		Success: true,
		Data:    models.AuthData{User: user},
	})
}

func (h *AuthHandlers) issueSession(w http.ResponseWriter, r *http.Request, user *models.User, status int, message string) {
	pair, ok := h.generateTokens(w, r, user)
	if !ok {
		return
	}

	h.logger.WithField("user_id", user.ID).Info("Session issued")
	respondWithJSON(w, status, models.AuthResponse{
		Success:      true,
		Message:      message,
		Data:         models.AuthData{User: user},
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
	})
}

func (h *AuthHandlers) generateTokens(w http.ResponseWriter, r *http.Request, user *models.User) (*models.TokenPair, bool) {
	pair, refreshClaims, err := h.jwtService.GenerateTokenPair(user)
	if err != nil {
		h.logger.WithError(err).Error("Failed to generate tokens")
		respondWithError(w, http.StatusInternalServerError, "Failed to generate tokens")
		return nil, false
	}

	if err := h.refreshTokens.Store(r.Context(), refreshClaims.ID, user.ID, refreshClaims.ExpiresAt.Time); err != nil {
		h.logger.WithError(err).Error("Failed to store refresh token")
		respondWithError(w, http.StatusInternalServerError, "Failed to generate tokens")
		return nil, false
	}
	return pair, true
}

func respondWithJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondWithError(w http.ResponseWriter, status int, message string) {
	respondWithJSON(w, status, models.ErrorResponse{
		Success: false,
		Message: message,
	})
}
