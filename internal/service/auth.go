package service

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/cubexhq/usagegate/internal/store"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountDisabled    = errors.New("account disabled")
)

// JWTPrincipal identifies the admin behind a valid session token.
type JWTPrincipal struct {
	AdminID int64
	Email   string
}

// AuthService authenticates admins and issues their session tokens.
type AuthService struct {
	store     *store.Store
	jwtSecret []byte
	jwtTTL    time.Duration
}

// NewAuthService creates an auth service. Zero ttl defaults to 12 hours.
func NewAuthService(s *store.Store, jwtSecret string, ttl time.Duration) *AuthService {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &AuthService{store: s, jwtSecret: []byte(jwtSecret), jwtTTL: ttl}
}

// Login verifies an admin's password and returns a signed session token.
// Unknown emails and wrong passwords are indistinguishable to the caller.
func (s *AuthService) Login(ctx context.Context, email, password string) (string, error) {
	admin, err := s.store.GetAdminByEmail(ctx, email)
	if err != nil {
		return "", ErrInvalidCredentials
	}
	if !admin.IsActive {
		return "", ErrAccountDisabled
	}
	if err := bcrypt.CompareHashAndPassword([]byte(admin.PasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}

	// Update last login timestamp (fire and forget)
	go s.store.UpdateAdminLastLogin(context.Background(), admin.ID)

	return s.IssueJWT(ctx, admin.ID, admin.Email)
}

// IssueJWT creates a new signed session token for the given admin.
func (s *AuthService) IssueJWT(_ context.Context, adminID int64, email string) (string, error) {
	now := time.Now()
	claims := jwtClaims{
		AdminID: adminID,
		Email:   email,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.jwtTTL)),
			Issuer:    "usagegate",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

// ValidateJWT verifies a session token and returns the admin identity.
func (s *AuthService) ValidateJWT(_ context.Context, tokenStr string) (*JWTPrincipal, error) {
	claims := &jwtClaims{}

	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidCredentials
	}

	return &JWTPrincipal{AdminID: claims.AdminID, Email: claims.Email}, nil
}

type jwtClaims struct {
	AdminID int64  `json:"admin_id"`
	Email   string `json:"email"`
	jwt.RegisteredClaims
}

// HashPassword bcrypt-hashes a password for storage.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
