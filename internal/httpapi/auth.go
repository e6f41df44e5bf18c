package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"dukapos/backend/internal/domain"
	"dukapos/backend/internal/store"
)

const (
	tokenIssuer      = "dukapos"
	defaultTokenTTL  = 8 * time.Hour
	directoryTimeout = 5 * time.Second
)

var (
	errInvalidCredentials = errors.New("invalid credentials")
	errAccountInactive    = errors.New("account is inactive")
	errAccountGone        = errors.New("account no longer exists")
	errInvalidToken       = errors.New("invalid or expired token")
	errNoDirectory        = errors.New("no account directory configured")
)

// Directory is the account store. Every login and authenticated request
// reads through it, so role changes and deletions apply immediately.
type Directory interface {
	GetUser(ctx context.Context, username string) (*domain.UserAccount, error)
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	CreateUser(ctx context.Context, user domain.UserAccount) error
	UpdateUserPassword(ctx context.Context, username string, password string) error
	DeleteUser(ctx context.Context, username string) error
}

// AuthManager issues and verifies HS256 session tokens for accounts held in
// a Directory.
type AuthManager struct {
	secret []byte
	ttl    time.Duration
	dir    Directory
}

type sessionClaims struct {
	jwtlib.RegisteredClaims
	Role string `json:"role"`
}

func NewAuthManager(secret string, ttl time.Duration, dir Directory) *AuthManager {
	if secret == "" {
		secret = "dev-change-me"
	}
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	return &AuthManager{secret: []byte(secret), ttl: ttl, dir: dir}
}

func canonicalUsername(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

func (a *AuthManager) account(ctx context.Context, username string) (*domain.UserAccount, error) {
	if a.dir == nil {
		return nil, errNoDirectory
	}
	ctx, cancel := context.WithTimeout(ctx, directoryTimeout)
	defer cancel()
	return a.dir.GetUser(ctx, canonicalUsername(username))
}

// Login checks the password and returns a signed session. An account still
// holding a plain-text password is rehashed on its first successful login.
func (a *AuthManager) Login(ctx context.Context, req domain.LoginRequest) (domain.LoginResponse, error) {
	acct, err := a.account(ctx, req.Username)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Warn().Err(err).Str("username", canonicalUsername(req.Username)).Msg("account lookup failed during login")
		}
		return domain.LoginResponse{}, errInvalidCredentials
	}

	ok, legacy := matchPassword(acct.Password, req.Password)
	if !ok {
		return domain.LoginResponse{}, errInvalidCredentials
	}
	if !acct.Active {
		return domain.LoginResponse{}, errAccountInactive
	}
	if legacy {
		a.rehash(ctx, acct.Username, req.Password)
	}

	expiresAt := time.Now().UTC().Add(a.ttl)
	token, err := a.sign(acct.Username, acct.Role, expiresAt)
	if err != nil {
		return domain.LoginResponse{}, fmt.Errorf("sign session: %w", err)
	}
	return domain.LoginResponse{
		AccessToken: token,
		Role:        acct.Role,
		ExpiresAt:   expiresAt.Format(time.RFC3339),
	}, nil
}

func (a *AuthManager) rehash(ctx context.Context, username, password string) {
	hashed, err := hashPassword(password)
	if err != nil {
		log.Warn().Err(err).Str("username", username).Msg("failed to hash legacy password")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, directoryTimeout)
	defer cancel()
	if err := a.dir.UpdateUserPassword(ctx, username, hashed); err != nil {
		log.Warn().Err(err).Str("username", username).Msg("failed to upgrade password hash")
		return
	}
	log.Info().Str("username", username).Msg("legacy password upgraded to bcrypt")
}

// ParseToken verifies the signature, issuer and expiry of a session token.
// It does not consult the directory; see Authenticate.
func (a *AuthManager) ParseToken(raw string) (domain.Actor, error) {
	claims := &sessionClaims{}
	token, err := jwtlib.ParseWithClaims(raw, claims, func(*jwtlib.Token) (any, error) {
		return a.secret, nil
	}, jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Alg()}), jwtlib.WithIssuer(tokenIssuer))
	if err != nil || !token.Valid {
		return domain.Actor{}, errInvalidToken
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return domain.Actor{}, errInvalidToken
	}
	return domain.Actor{Username: sub, Role: claims.Role}, nil
}

// Authenticate resolves a token to the account behind it. The role comes
// from the directory rather than the token claims.
func (a *AuthManager) Authenticate(ctx context.Context, raw string) (domain.Actor, error) {
	actor, err := a.ParseToken(raw)
	if err != nil {
		return domain.Actor{}, err
	}
	if a.dir == nil {
		return actor, nil
	}
	acct, err := a.account(ctx, actor.Username)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return domain.Actor{}, errAccountGone
	case err != nil:
		return domain.Actor{}, fmt.Errorf("load account: %w", err)
	case !acct.Active:
		return domain.Actor{}, errAccountInactive
	}
	return domain.Actor{Username: acct.Username, Role: acct.Role}, nil
}

// Me returns the signed-in account without its password hash.
func (a *AuthManager) Me(ctx context.Context, username string) (domain.UserProfile, error) {
	acct, err := a.account(ctx, username)
	if err != nil {
		return domain.UserProfile{}, err
	}
	return profileOf(*acct), nil
}

func (a *AuthManager) sign(username, role string, expiresAt time.Time) (string, error) {
	now := time.Now().UTC()
	claims := sessionClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   username,
			Issuer:    tokenIssuer,
			IssuedAt:  jwtlib.NewNumericDate(now),
			NotBefore: jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
		},
		Role: role,
	}
	return jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(a.secret)
}

// matchPassword reports whether input matches stored, and whether stored is
// a plain-text value that should be rehashed.
func matchPassword(stored, input string) (ok bool, legacy bool) {
	if stored == "" || strings.TrimSpace(input) == "" {
		return false, false
	}
	if isPasswordHash(stored) {
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(input)) == nil, false
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(input)) == 1, true
}

func hashPassword(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

func isPasswordHash(value string) bool {
	for _, prefix := range []string{"$2a$", "$2b$", "$2y$"} {
		if strings.HasPrefix(value, prefix) {
			return true
		}
	}
	return false
}
