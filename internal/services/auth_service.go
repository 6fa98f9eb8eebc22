// Package services – AuthService
//
// AuthService authenticates operators against bcrypt hashes in the users
// table and issues HS256 bearer tokens carrying the operator id. The id in a
// verified token is what the publish flow scopes idempotency keys by.
package services

import (
	"context"
	"errors"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/tbourn/go-newsletter-backend/internal/domain"
	"github.com/tbourn/go-newsletter-backend/internal/repo"

	// OpenTelemetry
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// TokenIssuer is the iss claim of operator tokens.
	TokenIssuer = "newsletter-backend"

	MinPasswordLen = 12
	MaxPasswordLen = 128
)

// OperatorClaims are the claims of an operator bearer token.
type OperatorClaims struct {
	UserID   string `json:"uid"`
	Username string `json:"name"`
	jwt.RegisteredClaims
}

// AuthService validates operator credentials and tokens.
type AuthService struct {
	DB     *gorm.DB
	Secret []byte
	TTL    time.Duration

	// Cost is the bcrypt cost for new hashes; zero means bcrypt.DefaultCost.
	Cost int
	// Now is the clock; nil means time.Now.
	Now func() time.Time

	dummyOnce sync.Once
	dummyHash []byte
}

// NewAuthService constructs an AuthService.
func NewAuthService(db *gorm.DB, secret string, ttl time.Duration) *AuthService {
	return &AuthService{DB: db, Secret: []byte(secret), TTL: ttl}
}

func (s *AuthService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *AuthService) cost() int {
	if s.Cost > 0 {
		return s.Cost
	}
	return bcrypt.DefaultCost
}

// Login checks the credentials and returns a signed token and its expiry.
func (s *AuthService) Login(ctx context.Context, username, password string) (string, time.Time, error) {
	tr := otel.Tracer("services/AuthService")
	ctx, span := tr.Start(ctx, "Login")
	defer span.End()

	u, err := s.Authenticate(ctx, username, password)
	if err != nil {
		return "", time.Time{}, err
	}
	span.SetAttributes(attribute.String("user.id", u.ID))
	return s.IssueToken(u)
}

// Authenticate returns the operator whose credentials match. Unknown users
// are compared against a dummy hash so both failure paths cost one bcrypt
// comparison.
func (s *AuthService) Authenticate(ctx context.Context, username, password string) (*domain.User, error) {
	u, err := repo.GetUserByUsername(ctx, s.DB, username)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return nil, unexpected("load user", err)
	}

	hash := s.dummy()
	if u != nil {
		hash = []byte(u.PasswordHash)
	}
	if cmpErr := bcrypt.CompareHashAndPassword(hash, []byte(password)); cmpErr != nil || u == nil {
		return nil, ErrUnauthorized
	}
	return u, nil
}

// IssueToken signs a token for u.
func (s *AuthService) IssueToken(u *domain.User) (string, time.Time, error) {
	now := s.now()
	exp := now.Add(s.TTL)
	claims := OperatorClaims{
		UserID:   u.ID,
		Username: u.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    TokenIssuer,
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.Secret)
	if err != nil {
		return "", time.Time{}, unexpected("sign token", err)
	}
	return signed, exp, nil
}

// ParseToken verifies a bearer token and returns its claims.
func (s *AuthService) ParseToken(token string) (*OperatorClaims, error) {
	parsed, err := jwt.ParseWithClaims(token, &OperatorClaims{}, func(t *jwt.Token) (interface{}, error) {
		return s.Secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(TokenIssuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || !parsed.Valid {
		return nil, ErrUnauthorized
	}
	claims, ok := parsed.Claims.(*OperatorClaims)
	if !ok || claims.UserID == "" {
		return nil, ErrUnauthorized
	}
	return claims, nil
}

// ChangePassword replaces userID's password after checking the current one.
func (s *AuthService) ChangePassword(ctx context.Context, userID, current, next string) error {
	if err := validatePassword(next); err != nil {
		return err
	}

	tr := otel.Tracer("services/AuthService")
	ctx, span := tr.Start(ctx, "ChangePassword",
		trace.WithAttributes(
			attribute.String("user.id", userID),
		),
	)
	defer span.End()

	u, err := repo.GetUserByID(ctx, s.DB, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return ErrUnauthorized
	}
	if err != nil {
		return unexpected("load user", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(current)) != nil {
		return ErrUnauthorized
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(next), s.cost())
	if err != nil {
		return unexpected("hash password", err)
	}
	if err := repo.UpdateUserPassword(ctx, s.DB, userID, string(hash)); err != nil {
		return unexpected("update password", err)
	}
	return nil
}

// EnsureOperator creates the operator username/password if no user with
// that name exists. It reports whether a user was created.
func (s *AuthService) EnsureOperator(ctx context.Context, username, password string) (bool, error) {
	if username == "" {
		return false, invalid("username", "cannot be empty")
	}
	if err := validatePassword(password); err != nil {
		return false, err
	}
	if _, err := repo.GetUserByUsername(ctx, s.DB, username); err == nil {
		return false, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return false, unexpected("load user", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost())
	if err != nil {
		return false, unexpected("hash password", err)
	}
	if _, err := repo.CreateUser(ctx, s.DB, username, string(hash)); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			return false, nil
		}
		return false, unexpected("create user", err)
	}
	return true, nil
}

func (s *AuthService) dummy() []byte {
	s.dummyOnce.Do(func() {
		s.dummyHash, _ = bcrypt.GenerateFromPassword([]byte("not-a-real-operator-password"), s.cost())
	})
	return s.dummyHash
}

func validatePassword(p string) error {
	n := utf8.RuneCountInString(p)
	if n < MinPasswordLen {
		return invalid("password", "must be at least 12 characters")
	}
	if n > MaxPasswordLen {
		return invalid("password", "must be at most 128 characters")
	}
	return nil
}
