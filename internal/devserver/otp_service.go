package devserver

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/launchpad/launchpad/internal/config"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrOTPNotFound       = errors.New("OTP not found or expired")
	ErrOTPInvalid        = errors.New("invalid OTP")
	ErrOTPAttemptsExceed = errors.New("maximum attempts exceeded")
)

type otpData struct {
	hash      []byte
	plain     string
	attempts  int
	expiresAt time.Time
}

type OTPService struct {
	mu     sync.Mutex
	codes  map[string]*otpData
	cfg    *config.DevServerConfig
	logger *logrus.Logger
}

func NewOTPService(cfg *config.DevServerConfig, logger *logrus.Logger) *OTPService {
	return &OTPService{
		codes:  make(map[string]*otpData),
		cfg:    cfg,
		logger: logger,
	}
}

// GenerateOTP replaces any outstanding code for email with a fresh one.
func (s *OTPService) GenerateOTP(email string) (string, error) {
	otp, err := s.generateRandomOTP(s.cfg.OTPLength)
	if err != nil {
		return "", fmt.Errorf("failed to generate OTP: %w", err)
	}

	hashedOTP, err := bcrypt.GenerateFromPassword([]byte(otp), bcrypt.MinCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash OTP: %w", err)
	}

	s.mu.Lock()
	s.codes[email] = &otpData{
		hash:      hashedOTP,
		plain:     otp,
		expiresAt: time.Now().Add(s.cfg.OTPExpiry),
	}
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"email": email,
		"otp":   otp,
	}).Info("OTP generated (logged for development)")

	return otp, nil
}

func (s *OTPService) VerifyOTP(email, otp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.codes[email]
	if !ok {
		return ErrOTPNotFound
	}
	if time.Now().After(data.expiresAt) {
		delete(s.codes, email)
		return ErrOTPNotFound
	}
	if data.attempts >= s.cfg.OTPAttempts {
		delete(s.codes, email)
		return ErrOTPAttemptsExceed
	}

	if err := bcrypt.CompareHashAndPassword(data.hash, []byte(otp)); err != nil {
		data.attempts++
		return ErrOTPInvalid
	}

	delete(s.codes, email)
	return nil
}

// Peek returns the outstanding code for email. Test hook.
func (s *OTPService) Peek(email string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.codes[email]
	if !ok {
		return "", false
	}
	return data.plain, true
}

func (s *OTPService) generateRandomOTP(length int) (string, error) {
	if length <= 0 {
		length = 6
	}
	otp := make([]byte, 0, length)
	for i := 0; i < length; i++ {
		num, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", err
		}
		otp = append(otp, byte('0'+num.Int64()))
	}
	return string(otp), nil
}
